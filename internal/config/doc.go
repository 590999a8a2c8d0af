// Package config assembles the process-wide configuration bundle.
//
// A [Green] is built once from CARGOGREEN_* environment variables when
// the wrapper starts, validated eagerly, and passed by read-only handle
// to every component. Conflicting or malformed settings fail the run
// immediately rather than surfacing mid-build.
package config
