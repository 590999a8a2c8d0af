package wrap

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/verdantlabs/green/internal/image"
	"github.com/verdantlabs/green/internal/md"
	"github.com/verdantlabs/green/internal/paths"
)

// One bind mount of the rustc RUN line.
type mount struct {
	From   image.Stage
	Source string // Optional path within the source stage.
	Dst    string
	RW     bool
}

// Renders the mount as a --mount flag line fragment.
func (m mount) render() string {
	s := "  --mount=from=" + string(m.From)
	if m.Source != "" {
		s += ",source=" + m.Source
	}
	s += ",dst=" + m.Dst
	if m.RW {
		s += ",rw"
	}
	return s + " \\\n"
}

// Where the crate's source comes from: a stage block, a mount into the
// rustc stage, and possibly a local build context to forward.
type codeSource struct {
	Stage   image.Stage
	Block   string // Stage script; empty for context-backed sources.
	Mount   mount
	Context *md.BuildContext
}

// Picks the code source for the crate being compiled.
//
// Crates.io dependencies become content-addressed tarball stages; git
// checkouts and local workspaces are forwarded as build contexts.
// Anything that is neither under registry/src nor git/checkouts is
// treated as workspace code, custom registries included.
func codeSourceFor(pwd, cargoHome, input string, id image.MdID) (*codeSource, error) {
	if strings.HasPrefix(input, filepath.Join(cargoHome, "registry/src")+"/") {
		return cratesioSource(cargoHome, input)
	}
	if strings.HasPrefix(input, filepath.Join(cargoHome, "git/checkouts")+"/") {
		return checkoutSource(cargoHome, input)
	}
	return localSource(pwd, id)
}

// Splits a registry source path into the crate's name, version, and
// index directory.
//
// e.g. $CARGO_HOME/registry/src/index.crates.io-6f17d22bba15001f/rustix-0.38.20/build.rs
func fromCratesioInputPath(cargoHome, input string) (name, version, index string, err error) {
	rel, e := filepath.Rel(filepath.Join(cargoHome, "registry/src"), input)
	if e != nil {
		return "", "", "", fmt.Errorf("%w: input %q not under registry/src: %v", ErrWrap, input, e)
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) < 2 {
		return "", "", "", fmt.Errorf("%w: surprising registry path %q", ErrWrap, input)
	}
	index = parts[0]
	crateDir := parts[1]

	// The version starts after the last dash followed by a digit.
	for i := len(crateDir) - 2; i > 0; i-- {
		if crateDir[i] == '-' && crateDir[i+1] >= '0' && crateDir[i+1] <= '9' {
			return crateDir[:i], crateDir[i+1:], index, nil
		}
	}
	return "", "", "", fmt.Errorf("%w: crate dir %q carries no version", ErrWrap, crateDir)
}

// The ADD step fetching one crate tarball, checksummed.
func cratesioAddStep(name, version, checksum string) string {
	return fmt.Sprintf(
		"ADD --chmod=0664 --checksum=sha256:%s \\\n  https://static.crates.io/crates/%s/%s-%s.crate /%s-%s.crate\n",
		checksum, name, name, version, name, version,
	)
}

// Builds the content-addressed source stage for a crates.io dependency.
//
// The tarball is fetched straight from static.crates.io and unpacked in
// a scratch stage, so the runner caches it by content across projects.
// Without a lockfile checksum the checked-out directory is forwarded as
// a context instead.
func cratesioSource(cargoHome, input string) (*codeSource, error) {
	name, version, index, err := fromCratesioInputPath(cargoHome, input)
	if err != nil {
		return nil, err
	}

	stage := image.CratesIOStage(name, version)
	checkout := filepath.Join(cargoHome, "registry/src", index, name+"-"+version)
	dst := filepath.Join(cargoHome, "registry/src", cratesioIndexPlaceholder, name+"-"+version)

	lockfile, err := findLockfile(cwdOr(checkout))
	if err == nil {
		if checksum, ok := lockedChecksum(lockfile, name, version); ok {
			block := fmt.Sprintf(
				"FROM scratch AS %s\nADD --unpack=true --checksum=sha256:%s \\\n  https://static.crates.io/crates/%s/%s-%s.crate /\n",
				stage, checksum, name, name, version,
			)
			return &codeSource{
				Stage: stage,
				Block: block,
				Mount: mount{From: stage, Source: "/" + name + "-" + version, Dst: dst},
			}, nil
		}
	}

	// No checksum to pin: hand the local checkout to the runner.
	slog.Debug("no locked checksum, forwarding checkout", "crate", name, "version", version)
	return &codeSource{
		Stage:   stage,
		Mount:   mount{From: stage, Dst: dst},
		Context: &md.BuildContext{Name: stage, URI: checkout},
	}, nil
}

// Forwards a git checkout as a build context named by its short commit.
//
// The checkout lives at $CARGO_HOME/git/checkouts/{name}-{hash}/{short};
// the whole commit directory is mounted so path deps within the repo
// resolve.
func checkoutSource(cargoHome, input string) (*codeSource, error) {
	root := filepath.Join(cargoHome, "git/checkouts")
	rel, err := filepath.Rel(root, input)
	if err != nil {
		return nil, fmt.Errorf("%w: input %q not under git/checkouts: %v", ErrWrap, input, err)
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) < 2 {
		return nil, fmt.Errorf("%w: surprising checkout path %q", ErrWrap, input)
	}
	workdir := filepath.Join(root, parts[0], parts[1])

	stage, err := image.ParseStage("checkout-" + strings.ToLower(parts[1]))
	if err != nil {
		return nil, fmt.Errorf("%w: commit %q: %v", ErrWrap, parts[1], err)
	}
	return &codeSource{
		Stage:   stage,
		Mount:   mount{From: stage, Dst: workdir},
		Context: &md.BuildContext{Name: stage, URI: workdir},
	}, nil
}

// Copies the workspace into scratch space and forwards it as the
// cwd-{mdid} context, mounted read-write over the in-container pwd.
func localSource(pwd string, id image.MdID) (*codeSource, error) {
	root := paths.Scratch()
	if err := os.MkdirAll(root, paths.DefaultDirMode); err != nil {
		return nil, fmt.Errorf("%w: creating %s: %v", ErrWrap, root, err)
	}
	// Keeps the runner from uploading unrelated siblings.
	if err := os.WriteFile(filepath.Join(root, ".dockerignore"), nil, paths.DefaultFileMode); err != nil {
		return nil, fmt.Errorf("%w: creating scratch dockerignore: %v", ErrWrap, err)
	}

	cwd := filepath.Join(root, "CWD"+string(id))
	if err := copyWorkspace(pwd, cwd); err != nil {
		return nil, err
	}

	stage := image.CwdStage(id)
	return &codeSource{
		Stage:   stage,
		Mount:   mount{From: stage, Dst: pwd, RW: true},
		Context: &md.BuildContext{Name: stage, URI: cwd},
	}, nil
}

// Copies the workspace tree, skipping .git and any target directory.
//
// An existing destination is reused: the copy for a metadata id is
// stable within one cargo run.
func copyWorkspace(src, dst string) error {
	if _, err := os.Stat(dst); err == nil {
		slog.Debug("workspace copy exists, skipping", "dst", dst)
		return nil
	}

	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" || d.Name() == "target" {
				return filepath.SkipDir
			}
			return os.MkdirAll(filepath.Join(dst, rel), paths.DefaultDirMode)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("%w: copying %s: %v", ErrWrap, path, err)
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		return os.WriteFile(filepath.Join(dst, rel), data, info.Mode().Perm())
	})
}

// The directory to resolve the lockfile from.
//
// Cargo runs rustc from the workspace, whose lockfile pins every
// registry crate; the crate's own directory is only a last resort.
func cwdOr(fallback string) string {
	if pwd, err := os.Getwd(); err == nil {
		return pwd
	}
	return fallback
}
