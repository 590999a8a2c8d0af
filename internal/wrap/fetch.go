package wrap

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/verdantlabs/green/internal/config"
	"github.com/verdantlabs/green/internal/image"
	"github.com/verdantlabs/green/internal/paths"
	"github.com/verdantlabs/green/internal/runner"
)

// Crates fetched per scratch stage, one ADD step each.
const addChunkSize = 127

// Pre-warms the runner cache with every locked crate tarball.
//
// One scratch stage per chunk of crates, merged by a final cargo-fetch
// stage, so a lockfile of any size still yields a single well-formed
// Dockerfile. A sentinel file keyed by the Dockerfile's content skips
// the work when nothing changed.
func Fetch(ctx context.Context, g *config.Green) error {
	pwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("%w: getting pwd: %v", ErrWrap, err)
	}
	lockfile, err := findLockfile(pwd)
	if err != nil {
		return err
	}
	pkgs, err := lockedCrates(lockfile)
	if err != nil {
		return err
	}
	slog.Info("fetching locked crates", "lockfile", lockfile, "crates", len(pkgs))

	containerfile := fetchDockerfile(g, pkgs)

	sum := sha256.Sum256([]byte(containerfile))
	fname := "green-fetch-" + hex.EncodeToString(sum[:8]) + ".Dockerfile"
	sentinel := paths.Sentinel(fname)
	if _, err := os.Stat(sentinel); err == nil {
		slog.Info("fetch already done", "sentinel", sentinel)
		return nil
	}

	if err := os.MkdirAll(paths.Scratch(), paths.DefaultDirMode); err != nil {
		return fmt.Errorf("%w: creating %s: %v", ErrWrap, paths.Scratch(), err)
	}
	path := filepath.Join(paths.Scratch(), fname)
	if err := os.WriteFile(path, []byte(containerfile), paths.DefaultFileMode); err != nil {
		return fmt.Errorf("%w: writing %s: %v", ErrWrap, path, err)
	}

	if err := runner.BuildCacheonly(ctx, g, path, image.Stage("cargo-fetch")); err != nil {
		return err
	}

	if err := os.WriteFile(sentinel, nil, paths.DefaultFileMode); err != nil {
		slog.Warn("failed creating sentinel", "path", sentinel, "error", err)
	}
	return nil
}

// Renders the fetch plan: chunked ADD stages plus a merging stage.
//
// Crates without a checksum (workspace members, git deps) are skipped:
// there is nothing content-addressed to fetch.
func fetchDockerfile(g *config.Green, pkgs []lockedPackage) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# syntax=%s\n", g.Syntax.NoScheme())

	var fetchable []lockedPackage
	for _, p := range pkgs {
		if p.Checksum != "" {
			fetchable = append(fetchable, p)
		}
	}

	leaves := 0
	for i := 0; i*addChunkSize < len(fetchable); i++ {
		leaves = i
		fmt.Fprintf(&b, "FROM scratch AS cargo-fetch-%d\n", i)
		chunk := fetchable[i*addChunkSize : min((i+1)*addChunkSize, len(fetchable))]
		for _, p := range chunk {
			b.WriteString(cratesioAddStep(p.Name, p.Version, p.Checksum))
		}
	}

	b.WriteString("FROM scratch AS cargo-fetch\n")
	for i := 0; i <= leaves && len(fetchable) > 0; i++ {
		fmt.Fprintf(&b, "COPY --from=cargo-fetch-%d / /\n", i)
	}
	return b.String()
}
