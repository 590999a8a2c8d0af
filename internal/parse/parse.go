package parse

import (
	"fmt"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/verdantlabs/green/internal/image"
)

// Crate types rustc may be asked to produce.
var crateTypes = map[string]bool{
	"bin":        true,
	"lib":        true,
	"rlib":       true,
	"dylib":      true,
	"cdylib":     true,
	"staticlib":  true,
	"proc-macro": true,
}

// Sysroot crates are named on the command line without an artifact path
// and never correspond to a sidecar.
var sysrootCrates = map[string]bool{
	"alloc":      true,
	"core":       true,
	"proc_macro": true,
	"std":        true,
	"test":       true,
}

// Developer-machine linker settings that must not leak into the
// container.
var strippedCFlags = map[string]bool{
	"link-arg=-fuse-ld=/usr/local/bin/mold": true,
	"linker=/usr/bin/clang":                 true,
}

// The meaning-carrying parts of one rustc invocation.
type Args struct {
	CrateType   string     // One of bin|lib|rlib|dylib|cdylib|staticlib|proc-macro|test.
	Emit        string     // Comma-separated --emit token set.
	Externs     []string   // Extern artifact file names, sorted (e.g. libfoo-HASH.rlib).
	MdID        image.MdID // Value of -C metadata=.
	Incremental string     // Value of -C incremental=, if any.
	Input       string     // Path to the .rs input or a build-script executable.
	OutDir      string     // Absolute directory the call writes into.
	TargetPath  string     // Profile directory derived from OutDir; sidecars live here.
}

// Extracts [Args] from a rustc argv and returns the normalized argv.
//
// The argv must include the program name at position 0. Normalization
// splits every --key=value into "--key value", absolutizes --out-dir and
// -L dependency= paths against pwd, and strips machine-local linker
// flags. outDirEnv is the caller's $OUT_DIR, consulted when the out dir
// matches none of the known shapes, as for a compiled build script.
func Parse(pwd string, argv []string, outDirEnv string) (Args, []string, error) {
	if len(argv) == 0 {
		return Args{}, nil, fmt.Errorf("%w: empty argv", ErrParseArgv)
	}

	var st Args
	args := []string{}
	externs := map[string]bool{}
	mdid := ""

	// A compiled build script is invoked as a single bare path.
	if len(argv) == 1 && strings.HasSuffix(argv[0], "build-script-build") {
		st.Input = argv[0]
	}

	// Walk argv alternating key/value states. expectValue means the
	// current arg completes the pair started by key.
	expectValue := true
	key := argv[0]
	for _, arg := range argv[1:] {
		var val string
		if expectValue {
			expectValue, val = false, arg
		} else {
			expectValue, key, val = true, arg, ""
		}
		if expectValue && val == "" && strings.HasPrefix(arg, "--") && strings.Contains(arg, "=") {
			lhs, rhs, _ := strings.Cut(arg, "=")
			expectValue, key, val = false, lhs, rhs
		}

		// Bare positional: the input file.
		if val == "" && (strings.HasPrefix(key, "/") || strings.HasSuffix(key, ".rs")) {
			if st.Input != "" {
				return Args{}, nil, fmt.Errorf("%w: multiple inputs %q and %q", ErrParseArgv, st.Input, key)
			}
			st.Input = strings.ReplaceAll(key, "/./", "/")
			expectValue, key = false, ""
			continue
		}

		// --test is a pseudo crate type kept verbatim in argv.
		if expectValue && key == "--test" && val == "" {
			if st.CrateType != "" {
				return Args{}, nil, fmt.Errorf("%w: --test after --crate-type %s", ErrParseArgv, st.CrateType)
			}
			st.CrateType = "test"
			expectValue, key = false, ""
			args = append(args, "--test")
			continue
		}

		if val == "" {
			continue
		}

		if key == "-C" && strippedCFlags[val] {
			expectValue, key = false, ""
			continue
		}

		switch key {
		case "-C":
			switch lhs, rhs, _ := strings.Cut(val, "="); lhs {
			case "metadata":
				if mdid != "" {
					return Args{}, nil, fmt.Errorf("%w: duplicate -C metadata", ErrParseArgv)
				}
				mdid = rhs
			case "incremental":
				if st.Incremental != "" {
					return Args{}, nil, fmt.Errorf("%w: duplicate -C incremental", ErrParseArgv)
				}
				st.Incremental = rhs
			}
		case "-L":
			if rhs, ok := strings.CutPrefix(val, "dependency="); ok && !strings.HasPrefix(rhs, "/") {
				val = "dependency=" + filepath.Join(pwd, rhs)
			}
		case "--crate-type":
			if !crateTypes[val] {
				return Args{}, nil, fmt.Errorf("%w: --crate-type=%s in %q", ErrUnhandledCrateType, val, argv)
			}
			st.CrateType = val
		case "--emit":
			if st.Emit != "" {
				return Args{}, nil, fmt.Errorf("%w: duplicate --emit", ErrParseArgv)
			}
			st.Emit = val
		case "--extern":
			if sysrootCrates[val] {
				args = append(args, key, val)
				continue
			}
			xtern := val
			if _, rhs, ok := strings.Cut(val, "="); ok {
				xtern = rhs
			}
			base := path.Base(xtern)
			if base == "." || base == "/" || base == "" {
				return Args{}, nil, fmt.Errorf("%w: extern %q has no file name", ErrParseArgv, xtern)
			}
			externs[base] = true
		case "--out-dir":
			if st.OutDir != "" {
				return Args{}, nil, fmt.Errorf("%w: duplicate --out-dir", ErrParseArgv)
			}
			st.OutDir = val
			if !filepath.IsAbs(st.OutDir) {
				st.OutDir = filepath.Join(pwd, val)
			}
			val = st.OutDir
		}

		args = append(args, key, val)
	}

	targetPath, err := targetPathFor(st.OutDir, outDirEnv, &mdid)
	if err != nil {
		return Args{}, nil, err
	}
	st.TargetPath = targetPath

	if mdid == "" {
		return Args{}, nil, fmt.Errorf("%w: in %q", ErrMissingMetadata, argv)
	}
	st.MdID, err = image.ParseMdID(mdid)
	if err != nil {
		return Args{}, nil, fmt.Errorf("%w: %v", ErrParseArgv, err)
	}

	st.Externs = make([]string, 0, len(externs))
	for x := range externs {
		st.Externs = append(st.Externs, x)
	}
	sort.Strings(st.Externs)

	return st, args, nil
}

// Derives the profile directory from the out dir's trailing components,
// falling back to $OUT_DIR for build-script executions.
//
// Recovering from $OUT_DIR also yields the metadata id, taken from the
// {name}-{mdid} build directory it sits in.
func targetPathFor(outDir, outDirEnv string, mdid *string) (string, error) {
	if tp, ok := outDirToTargetPath(outDir); ok {
		return tp, nil
	}

	if outDirEnv == "" {
		return "", fmt.Errorf("%w: --out-dir %q matches neither /deps$ nor .+/build/.+", ErrMissingOutDir, outDir)
	}

	// e.g. OUT_DIR=.../target/debug/build/slab-94793bb2b78c57b5/out
	rev := componentsReversed(outDirEnv)
	if len(rev) < 3 || rev[0] != "out" || rev[2] != "build" {
		return "", fmt.Errorf("%w: surprising $OUT_DIR %q", ErrMalformedBuildScriptPath, outDirEnv)
	}
	_, id, ok := rsplitOnce(rev[1], '-')
	if !ok {
		return "", fmt.Errorf("%w: build dir %q carries no metadata id", ErrMalformedBuildScriptPath, rev[1])
	}
	*mdid = id
	return popped(outDirEnv, 3), nil
}

// Matches the out dir's last components against the shapes cargo uses.
func outDirToTargetPath(outDir string) (string, bool) {
	rev := componentsReversed(outDir)
	switch {
	case len(rev) >= 1 && rev[0] == "deps":
		return popped(outDir, 1), true
	case len(rev) >= 2 && rev[0] == "examples":
		return popped(outDir, 2), true
	case len(rev) >= 2 && rev[1] == "build":
		return popped(outDir, 2), true
	case len(rev) >= 3 && rev[0] == "out" && rev[2] == "build":
		return popped(outDir, 3), true
	}
	return "", false
}

// The path's components, last first.
func componentsReversed(p string) []string {
	parts := strings.Split(filepath.ToSlash(filepath.Clean(p)), "/")
	rev := make([]string, 0, len(parts))
	for i := len(parts) - 1; i >= 0; i-- {
		if parts[i] != "" {
			rev = append(rev, parts[i])
		}
	}
	return rev
}

// The path with its last n components removed.
func popped(p string, n int) string {
	for range n {
		p = filepath.Dir(p)
	}
	return p
}

// Splits around the last occurrence of sep.
func rsplitOnce(s string, sep byte) (before, after string, found bool) {
	i := strings.LastIndexByte(s, sep)
	if i < 0 {
		return s, "", false
	}
	return s[:i], s[i+1:], true
}
