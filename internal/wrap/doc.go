// Package wrap translates one rustc invocation into a container build.
//
// [Rustc] is the main path: it parses the argv, locates the crate's
// source (crates.io tarball, git checkout, or local workspace), folds in
// the sidecars of every extern, synthesizes the Dockerfile stages, runs
// the builder, and surfaces rustc's own exit code. [ExecBuildScript]
// handles the special case of cargo running a compiled build script:
// the script's execution becomes a container stage too, re-entering this
// binary via a main-function rewrite applied when the script was
// compiled.
//
// Runner failures fall back to invoking the native toolchain with the
// original argv, unless file logging is enabled — then errors are
// reported instead of silently hidden. Translation errors are returned
// as errors without a fallback.
package wrap
