package cli

import (
	"context"
	"log/slog"

	"github.com/verdantlabs/green/internal/config"
	"github.com/verdantlabs/green/internal/runner"
)

// Locks every configured image to a content digest up front.
//
// A reference the resolver cannot lock stays floating; the runner will
// surface whatever the registry decides at build time.
func lockImages(ctx context.Context, g *config.Green) {
	if g.Runner == config.RunnerNone {
		return
	}

	g.Syntax = runner.MaybeLockImage(ctx, g, g.Syntax)
	if !g.BuilderImage.IsZero() {
		g.BuilderImage = runner.MaybeLockImage(ctx, g, g.BuilderImage)
	}

	if !g.Image.Image.IsZero() && !g.Image.Image.Locked() {
		locked := runner.MaybeLockImage(ctx, g, g.Image.Image)
		if locked.Locked() {
			g.Image = g.Image.LockBaseTo(locked)
			g.RenderFinalBlock()
			slog.Debug("locked base image", "image", locked.NoScheme())
		}
	}
}
