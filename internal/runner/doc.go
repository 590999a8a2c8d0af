// Package runner drives the container builder.
//
// One build call assembles the docker/podman argv for a BuildKit build,
// streams the generated Dockerfile over stdin (so the builder sees no
// default filesystem context), forwards the child's stdout and stderr
// line by line while accumulating rustc's JSON diagnostics, and finally
// harvests the files the requested stage wrote.
//
// Each wrapper process performs at most a handful of builds; within one
// build three goroutines cooperate (stdin feeder, stdout forwarder,
// stderr forwarder) sharing nothing but the child's pipes. The child is
// bound to the calling context, so cancelling the wrapper kills the
// builder. Stdio drains are bounded by a watchdog; a silent drain fails
// the build instead of hanging it.
//
// The package also resolves image references to content digests, trying
// the builder's own cache first, then the local image store, then the
// registry HTTP API.
package runner
