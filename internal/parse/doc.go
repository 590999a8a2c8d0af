// Package parse extracts the meaning-carrying parts of a rustc argv.
//
// Cargo invokes the wrapper with the full rustc command line. [Parse]
// walks that argv once, collecting the crate type, emit set, externs,
// metadata id, input path, and output directory, while producing a
// normalized copy of the argv with every --key=value split into
// "--key value" and a few machine-local linker flags stripped.
//
// The target path (the profile directory all sidecars live under) is
// derived from the output directory's trailing components, falling back
// to $OUT_DIR when the invocation is a compiled build script.
package parse
