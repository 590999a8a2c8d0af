package wrap

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/verdantlabs/green/internal/config"
	"github.com/verdantlabs/green/internal/image"
	"github.com/verdantlabs/green/internal/paths"
	"github.com/verdantlabs/green/internal/runner"
)

// Builds the finalized base-image block once per configuration.
//
// Every wrapper invocation shares the same root stage; pre-building it
// keeps the first real compile from paying the toolchain download. A
// content-keyed sentinel makes repeat calls free.
func PrebuildBase(ctx context.Context, g *config.Green) error {
	containerfile := fmt.Sprintf("# syntax=%s\n%s\n", g.Syntax.NoScheme(), g.FinalBlock)

	sum := sha256.Sum256([]byte(containerfile))
	fname := "green-base-" + hex.EncodeToString(sum[:8]) + ".Dockerfile"
	sentinel := paths.Sentinel(fname)
	if _, err := os.Stat(sentinel); err == nil {
		return nil
	}

	if err := os.MkdirAll(paths.Scratch(), paths.DefaultDirMode); err != nil {
		return fmt.Errorf("%w: creating %s: %v", ErrWrap, paths.Scratch(), err)
	}
	path := filepath.Join(paths.Scratch(), fname)
	if err := os.WriteFile(path, []byte(containerfile), paths.DefaultFileMode); err != nil {
		return fmt.Errorf("%w: writing %s: %v", ErrWrap, path, err)
	}

	slog.Info("pre-building base stage", "containerfile", path)
	if err := runner.BuildCacheonly(ctx, g, path, image.BaseStage); err != nil {
		return err
	}

	if err := os.WriteFile(sentinel, nil, paths.DefaultFileMode); err != nil {
		slog.Warn("failed creating sentinel", "path", sentinel, "error", err)
	}
	return nil
}
