// Package cli dispatches one wrapper invocation.
//
// Cargo calls the binary as RUSTC_WRAPPER with a rustc argv, or as a
// compiled build script; neither is flag-shaped, so those fast paths
// are matched on argv prefixes before any flag parsing happens. What
// remains (env, fetch, pull, push, version) is a small kong command
// tree for operational use.
package cli
