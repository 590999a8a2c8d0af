// Package base derives the root Dockerfile stage every crate build
// starts from.
//
// For a stable toolchain the stage is a plain FROM of the matching
// docker.io/library/rust slim image. Other channels get a two-stage
// block that downloads rustup-init (pinned by checksum) and installs the
// exact channel-date toolchain on top of debian:stable-slim. Additional
// distribution packages requested by the configuration are layered on
// via the xx cross-compilation helper image.
package base
