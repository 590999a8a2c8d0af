package image

import (
	"fmt"
	"strings"
)

// Name of the root base stage every Dockerfile starts from.
const BaseStage = Stage("rust-base")

// A Dockerfile multi-stage target name.
//
// Valid names are non-empty and contain only lowercase alphanumerics,
// '_', '-', and '.'.
type Stage string

// Validates a stage name against the Dockerfile stage-name grammar.
func ParseStage(s string) (Stage, error) {
	if s == "" {
		return "", fmt.Errorf("%w: empty name", ErrMalformedStage)
	}
	for _, c := range s {
		switch {
		case c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9':
		case c == '_' || c == '-' || c == '.':
		default:
			return "", fmt.Errorf("%w: %q contains %q", ErrMalformedStage, s, c)
		}
	}
	return Stage(s), nil
}

// Builds a stage name from a kind prefix and a crate-identity string,
// replacing any characters the grammar rejects.
func stageFor(prefix, id string) Stage {
	var b strings.Builder
	b.WriteString(prefix)
	for _, c := range strings.ToLower(id) {
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '_', c == '-', c == '.':
			b.WriteRune(c)
		default:
			b.WriteByte('-')
		}
	}
	return Stage(b.String())
}

// The per-dependency rustc stage for a crate identity, e.g.
// dep-l-serde-1.0.197-8ed1051e7e58e636.
func DepStage(id string) Stage {
	return stageFor("dep-", id)
}

// The per-execution stage of a compiled build script.
func RunStage(id string) Stage {
	return stageFor("run-", id)
}

// The scratch stage collecting what one rustc call wrote.
func OutputStage(id MdID) Stage {
	return Stage("out-" + string(id))
}

// The scratch stage collecting a call's incremental-compilation state.
func IncrementalStage(id MdID) Stage {
	return Stage("inc-" + string(id))
}

// The content-addressed stage holding a crates.io tarball.
func CratesIOStage(name, version string) Stage {
	return stageFor("cratesio-", name+"-"+version)
}

// The context name of a build script's previously produced OUT_DIR.
func CrateOutStage(id MdID) Stage {
	return Stage("crate_out-" + string(id))
}

// The context name of a workspace directory forwarded to the runner.
func CwdStage(id MdID) Stage {
	return Stage("cwd-" + string(id))
}

func (s Stage) String() string {
	return string(s)
}
