package cli

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/verdantlabs/green/internal"
	"github.com/verdantlabs/green/internal/config"
	"github.com/verdantlabs/green/internal/image"
	"github.com/verdantlabs/green/internal/runner"
	"github.com/verdantlabs/green/internal/wrap"
)

// Represents the 'green env' command.
type EnvCmd struct{}

// Prints the resolved configuration values, one per line.
func (c *EnvCmd) Run(ctx context.Context) error {
	g, err := config.FromEnv(ctx)
	if err != nil {
		return err
	}

	show := func(name, value string) {
		fmt.Printf("%s=%q\n", name, value)
	}
	show(config.EnvRunner, string(g.Runner))
	show(config.EnvSyntax, g.Syntax.String())
	show(config.EnvBuilderImage, g.BuilderImage.String())
	show(config.EnvBaseImage, g.Image.Image.String())
	show(config.EnvBaseImageInline, g.Image.Inline)
	show(config.EnvWithNetwork, string(g.Image.WithNetwork))
	show(config.EnvSetEnvs, strings.Join(g.SetEnvs, ","))
	cacheImages := make([]string, 0, len(g.CacheImages))
	for _, img := range g.CacheImages {
		cacheImages = append(cacheImages, img.String())
	}
	show(config.EnvCacheImages, strings.Join(cacheImages, ","))
	show(config.EnvFinalPath, g.FinalPath)
	show(config.EnvLog, g.Log)
	show(config.EnvLogPath, g.LogPath)
	return nil
}

// Represents the 'green fetch' command.
type FetchCmd struct{}

// Pre-warms the build cache with every locked crate tarball.
func (c *FetchCmd) Run(ctx context.Context) error {
	g, err := config.FromEnv(ctx)
	if err != nil {
		return err
	}
	lockImages(ctx, g)
	return wrap.Fetch(ctx, g)
}

// Represents the 'green pull' command.
type PullCmd struct{}

// Pulls the configured images so later builds start warm.
//
// Cache images are not pulled; the builder fetches those lazily.
func (c *PullCmd) Run(ctx context.Context) error {
	g, err := config.FromEnv(ctx)
	if err != nil {
		return err
	}

	imgs := []image.URI{g.Syntax, g.Image.Image}
	if !g.BuilderImage.IsZero() {
		imgs = append(imgs, g.BuilderImage)
	}

	var grp errgroup.Group
	for _, img := range imgs {
		if img.IsZero() {
			continue
		}
		ref := img.NoScheme()
		grp.Go(func() error {
			fmt.Println("pulling", ref)
			out, err := exec.CommandContext(ctx, string(g.Runner), "pull", ref).CombinedOutput()
			if err != nil {
				return fmt.Errorf("pulling %s: %v: %s", ref, err, strings.TrimSpace(string(out)))
			}
			return nil
		})
	}
	return grp.Wait()
}

// Represents the 'green push' command.
type PushCmd struct{}

// Pushes every local tag of each cache image.
func (c *PushCmd) Run(ctx context.Context) error {
	g, err := config.FromEnv(ctx)
	if err != nil {
		return err
	}

	var grp errgroup.Group
	grp.SetLimit(10)
	for _, img := range g.CacheImages {
		ref := img.NoScheme()
		tags, err := allTagsOf(ctx, g, ref)
		if err != nil {
			return err
		}
		for _, tag := range tags {
			tagged := ref + ":" + tag
			grp.Go(func() error {
				fmt.Println("pushing", tagged)
				out, err := exec.CommandContext(ctx, string(g.Runner), "push", tagged).CombinedOutput()
				if err != nil {
					return fmt.Errorf("pushing %s: %v: %s", tagged, err, strings.TrimSpace(string(out)))
				}
				return nil
			})
		}
	}
	return grp.Wait()
}

// Lists the local tags of an image repository.
func allTagsOf(ctx context.Context, g *config.Green, ref string) ([]string, error) {
	out, err := exec.CommandContext(ctx, string(g.Runner),
		"image", "ls", "--format={{.Tag}}", ref,
	).Output()
	if err != nil {
		return nil, fmt.Errorf("%w: listing tags of %s: %v", runner.ErrRunnerIO, ref, err)
	}
	var tags []string
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line != "" && line != "<none>" {
			tags = append(tags, line)
		}
	}
	return tags, nil
}

// Represents the 'green version' command.
type VersionCmd struct{}

// Prints version information.
func (c *VersionCmd) Run(ctx context.Context) error {
	fmt.Println(internal.VersionString())
	return nil
}
