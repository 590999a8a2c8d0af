package runner

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// What the stderr forwarder gathers while the build streams by.
//
// Only the stderr forwarder mutates it; the stdout forwarder and the
// stdin feeder never touch it, so no locking is needed.
type accumulated struct {
	written   []string
	suggested suggestions
}

// Tracks which suggestions were already appended, one per missing lib
// or env var per build.
type suggestions struct {
	envs map[string]bool
	libs map[string]bool
}

// Extracts the payload of a marker-prefixed log line.
//
// The runner prints RUN output as "#42 1.312 ::STDERR:: payload"; the
// payload starts right after the marker.
func liftStdio(line, mark string) (string, bool) {
	idx := strings.Index(line, mark)
	if idx < 0 {
		return "", false
	}
	return line[idx+len(mark):], true
}

// Forwards the builder's stdout, replaying rustc's captured stdout to
// the real stdout.
func forwardStdout(r io.Reader, _ *accumulated) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 1<<16), 1<<22)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		slog.Debug("builder stdout", "line", line)
		if msg, ok := liftStdio(line, MarkStdout); ok {
			fmt.Fprintln(os.Stdout, msg)
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("piping stdout: %w", err)
	}
	return nil
}

// Forwards the builder's stderr.
//
// Marker-lifted payload runs through a small reassembly buffer: rustc
// emits JSON diagnostics one object per line, but the runner may split
// a long line across log chunks. A payload opening a brace without
// closing it is buffered until its continuation arrives. Complete
// messages are scanned for artifact declarations and suggestion
// triggers, then replayed to the real stderr.
//
// Builder-level "ERROR: " lines are captured (credentials masked) into
// firstError for failure reporting.
func forwardStderr(r io.Reader, acc *accumulated, firstError *string) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 1<<16), 1<<22)
	var buf string
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		slog.Debug("builder stderr", "line", line)

		if msg, ok := liftStdio(line, MarkStderr); ok {
			reassemble(msg, &buf, acc)
			continue
		}
		if idx := strings.Index(line, "ERROR: "); idx >= 0 && *firstError == "" {
			*firstError = maskCredentials(line[idx+len("ERROR: "):])
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("piping stderr: %w", err)
	}
	return nil
}

// Buffers brace-open payloads until their continuation closes them.
func reassemble(msg string, buf *string, acc *accumulated) {
	opens := strings.HasPrefix(msg, "{")
	closes := strings.HasSuffix(msg, "}")

	switch {
	case *buf == "" && opens && !closes:
		*buf = msg
	case *buf == "":
		showStderr(msg, acc)
	case opens && closes:
		flush(buf, acc)
		showStderr(msg, acc)
	case opens:
		flush(buf, acc)
		*buf = msg
	case closes:
		*buf += msg
		flush(buf, acc)
	default:
		flush(buf, acc)
		showStderr(msg, acc)
	}
}

func flush(buf *string, acc *accumulated) {
	msg := *buf
	*buf = ""
	showStderr(msg, acc)
}

// Processes one complete stderr message: track artifacts, append
// suggestions, replay to cargo.
func showStderr(msg string, acc *accumulated) {
	if file, ok := artifactWritten(msg); ok {
		acc.written = append(acc.written, file)
		slog.Info("rustc wrote " + file)
	}

	msg = rewriteDiagnostic(msg, &acc.suggested)

	fmt.Fprintln(os.Stderr, msg)
}

// Appends help notes to diagnostics that match the known
// missing-library and missing-env patterns, once per subject.
func rewriteDiagnostic(msg string, s *suggestions) string {
	if v, ok := envNotComptimeDefined(msg); ok {
		if s.envs == nil {
			s.envs = map[string]bool{}
		}
		if !s.envs[v] {
			s.envs[v] = true
			if rewritten, ok := suggestSetEnvs(v, msg); ok {
				slog.Info("suggesting set-envs passthrough", "var", v)
				return rewritten
			}
		}
	}
	if lib, ok := libNotFound(msg); ok {
		if s.libs == nil {
			s.libs = map[string]bool{}
		}
		if !s.libs[lib] {
			s.libs[lib] = true
			if rewritten, ok := suggestAdd(lib, msg); ok {
				slog.Info("suggesting package install", "lib", lib)
				return rewritten
			}
		}
	}
	return msg
}
