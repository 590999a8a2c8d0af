package wrap

import (
	"regexp"
	"strings"
)

// Vars forwarded into the RUN line besides the CARGO_ prefix.
var passthroughEnvs = map[string]bool{
	"http_proxy":   true,
	"TERM":         true,
	"RUSTDOCFLAGS": true,
	"RUSTFLAGS":    true,
	"BROWSER":      true,
	"HTTPS_PROXY":  true,
	"HTTP_TIMEOUT": true,
	"https_proxy":  true,
	"QEMU_STRACE":  true,
	"OUT_DIR":      true,
}

// Vars never forwarded: they describe the host side of the build.
var skipEnvs = map[string]bool{
	"CARGO_BUILD_JOBS":                     true,
	"CARGO_BUILD_RUSTC":                    true,
	"CARGO_BUILD_RUSTC_WORKSPACE_WRAPPER":  true,
	"CARGO_BUILD_RUSTC_WRAPPER":            true,
	"CARGO_BUILD_RUSTDOC":                  true,
	"CARGO_BUILD_TARGET_DIR":               true,
	"CARGO_HOME":                           true,
	"CARGO_MAKEFLAGS":                      true,
	"CARGO_TARGET_DIR":                     true,
	"LD_LIBRARY_PATH":                      true,
	"RUSTC_WRAPPER":                        true,
	"RUSTC_WORKSPACE_WRAPPER":              true,
}

// Vars cargo only sets for build scripts; forwarded only then.
var buildrsOnlyEnvs = map[string]bool{
	"DEBUG":                   true,
	"HOST":                    true,
	"NUM_JOBS":                true,
	"OPT_LEVEL":               true,
	"OUT_DIR":                 true,
	"PROFILE":                 true,
	"RUSTC":                   true,
	"RUSTC_LINKER":            true,
	"RUSTC_WRAPPER":           true,
	"RUSTC_WORKSPACE_WRAPPER": true,
	"RUSTDOC":                 true,
	"TARGET":                  true,
}

// Classifies an env var for forwarding.
func passEnv(name string) (passthrough, skip, buildrsOnly bool) {
	return strings.HasPrefix(name, "CARGO_") || passthroughEnvs[name],
		skipEnvs[name],
		strings.HasPrefix(name, "DEP_") || buildrsOnlyEnvs[name]
}

// Decides whether one env var reaches the RUN line, and with which
// value.
//
// RUSTC is rewritten to the in-container toolchain; the crates.io index
// directory in manifest paths is replaced by its stable placeholder so
// caches agree across machines. TERM and the target-dir overrides never
// cross the boundary.
func forwardEnv(name, val string, buildrs bool) (string, bool) {
	pass, skip, only := passEnv(name)
	if !(pass || (buildrs && only)) || skip {
		return "", false
	}
	switch name {
	case "TERM", "CARGO_TARGET_DIR", "CARGO_BUILD_TARGET_DIR":
		return "", false
	case "RUSTC":
		return "rustc", true
	case "CARGO_MANIFEST_DIR", "CARGO_MANIFEST_PATH":
		return rewriteCratesioIndex(val), true
	}
	return val, true
}

var cratesioIndexRe = regexp.MustCompile(`index\.crates\.io-[0-9a-f]{16}`)

// The stable stand-in for the machine-specific crates.io index dir.
const cratesioIndexPlaceholder = "index.crates.io-0000000000000000"

// Replaces the hashed crates.io index directory with its placeholder.
func rewriteCratesioIndex(path string) string {
	return cratesioIndexRe.ReplaceAllString(path, cratesioIndexPlaceholder)
}

// Characters safe to embed in a shell word without quoting.
const shellSafe = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789_-./:=@%+,"

// Quotes a value for safe embedding in the generated RUN line.
//
// Empty values stay empty (VAR= assigns the empty string). Newlines are
// escaped with a line continuation so the command parses identically
// whichever shell replays it.
func safeify(val string) string {
	if val == "" {
		return ""
	}
	safe := true
	for _, c := range val {
		if !strings.ContainsRune(shellSafe, c) {
			safe = false
			break
		}
	}
	quoted := val
	if !safe {
		quoted = "'" + strings.ReplaceAll(val, "'", `'\''`) + "'"
	}
	return strings.ReplaceAll(quoted, "\n", "\\\n")
}
