// Package image provides the identifier types shared across the build
// pipeline: image references, Dockerfile stage names, and crate metadata
// ids.
//
// An [URI] is an opaque "docker-image://HOST/PATH:TAG" reference that can
// be locked to a content digest. A [Stage] is a validated Dockerfile
// stage name. An [MdID] is the 16-hex-digit metadata hash rustc assigns
// to a crate build; it doubles as the node key for topological sorting.
package image
