package wrap

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml"
)

// One [[package]] entry of a Cargo.lock.
type lockedPackage struct {
	Name     string `toml:"name"`
	Version  string `toml:"version"`
	Checksum string `toml:"checksum"`
}

type lockfileDoc struct {
	Package []lockedPackage `toml:"package"`
}

// Locates the workspace Cargo.lock by walking up from dir.
func findLockfile(dir string) (string, error) {
	for {
		candidate := filepath.Join(dir, "Cargo.lock")
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("%w: no Cargo.lock above %s", ErrWrap, dir)
		}
		dir = parent
	}
}

// Reads the locked packages of a Cargo.lock.
func lockedCrates(path string) ([]lockedPackage, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrWrap, path, err)
	}
	var doc lockfileDoc
	if err := toml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: decoding %s: %v", ErrWrap, path, err)
	}
	return doc.Package, nil
}

// Finds the sha256 checksum a lockfile pins for one crate release.
func lockedChecksum(lockfile, name, version string) (string, bool) {
	pkgs, err := lockedCrates(lockfile)
	if err != nil {
		return "", false
	}
	for _, p := range pkgs {
		if p.Name == name && p.Version == version && p.Checksum != "" {
			return p.Checksum, true
		}
	}
	return "", false
}
