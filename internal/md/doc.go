// Package md persists the per-crate metadata sidecar.
//
// Every rustc invocation writes one TOML sidecar next to its artifacts,
// recording the crate's own stage blocks, the metadata ids of its
// dependencies, the build contexts the runner must be handed, and the
// captured compiler output. Together the sidecars of a target directory
// form a DAG keyed by metadata id; [Md.ExtendFromExterns] sorts that DAG
// so dependency stage blocks can be concatenated ahead of the crate's
// own when the final Dockerfile is assembled.
//
// Serialization is canonical: a fixed key set in a fixed order, with
// empty collections omitted. Reading rejects unknown keys so a corrupt
// or foreign file fails loudly instead of building garbage.
package md
