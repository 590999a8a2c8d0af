package runner

import (
	"encoding/json"
	"strings"

	"github.com/verdantlabs/green/internal/config"
)

// Reports the file a rustc JSON artifact line declares.
//
// The line need not be complete JSON: the quoted-token walk tolerates
// the truncated objects the runner's log chunking produces.
func artifactWritten(msg string) (string, bool) {
	parts := strings.Split(msg, `"`)
	for i := 0; i+2 < len(parts); i++ {
		if parts[i] == "artifact" && parts[i+1] == ":" {
			return parts[i+2], true
		}
	}
	return "", false
}

// Extracts LIB from a "cannot find -lLIB: No such file or directory"
// linker message.
func libNotFound(msg string) (string, bool) {
	_, rhs, ok := strings.Cut(msg, "cannot find -l")
	if !ok {
		return "", false
	}
	lib, _, ok := strings.Cut(rhs, ": No such file or directory")
	if !ok {
		return "", false
	}
	return lib, true
}

// Extracts VAR from an "environment variable `VAR` not defined at
// compile time" diagnostic.
func envNotComptimeDefined(msg string) (string, bool) {
	_, rhs, ok := strings.Cut(msg, "environment variable `")
	if !ok {
		return "", false
	}
	v, _, ok := strings.Cut(rhs, "` not defined at compile time")
	if !ok {
		return "", false
	}
	return v, true
}

// Rewrites a diagnostic's rendered text, appending a help note derived
// from an existing one.
//
// The diagnostic must be a JSON object with a "rendered" string whose
// text contains a "= "-prefixed help mentioning original. The rewritten
// object is re-serialized compactly, as rustc would emit it.
func suggest(original, suggestion, msg string) (string, bool) {
	var data map[string]any
	if err := json.Unmarshal([]byte(msg), &data); err != nil {
		return "", false
	}
	rendered, ok := data["rendered"].(string)
	if !ok {
		return "", false
	}

	var existing string
	for _, help := range strings.Split(rendered, "= ") {
		if strings.Contains(help, original) {
			existing = help
			break
		}
	}
	if existing == "" {
		return "", false
	}

	to := existing + "= " + strings.ReplaceAll(existing, original, suggestion)
	data["rendered"] = strings.Replace(rendered, existing, to, 1)

	out, err := json.Marshal(data)
	if err != nil {
		return "", false
	}
	return string(out), true
}

// Appends the package-install help for a missing native library.
func suggestAdd(lib, msg string) (string, bool) {
	original := "cannot find -l" + lib + ": No such file or directory"

	pkg := "lib" + lib + "-dev"
	if lib == "z" {
		pkg = "zlib1g-dev"
	}
	suggestion := `add "` + pkg + `" to either $` + config.EnvAddApt +
		" (apk, apt-get) or to this crate's or your root crate's [package.metadata.green.add] apt list"

	return suggest(original, suggestion, msg)
}

// Appends the set-envs help for an env var missing at compile time.
func suggestSetEnvs(v, msg string) (string, bool) {
	original := `use ` + "`" + `std::env::var("` + v + `")` + "`" + ` to read the variable at run time`
	suggestion := `add "` + v + `" to either $` + config.EnvSetEnvs +
		" or to this crate's or your root crate's [package.metadata.green] set-envs list"

	return suggest(original, suggestion, msg)
}

// Masks the credential token in registry rate-limit errors so it never
// reaches logs or cargo.
func maskCredentials(line string) string {
	const key = "token="

	var b strings.Builder
	rest := line
	for {
		idx := strings.Index(rest, key)
		if idx < 0 {
			b.WriteString(rest)
			return b.String()
		}
		end := idx + len(key)
		for end < len(rest) && !strings.ContainsRune(`&" `, rune(rest[end])) {
			end++
		}
		b.WriteString(rest[:idx+len(key)])
		b.WriteString("***")
		rest = rest[end:]
	}
}
