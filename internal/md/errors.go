package md

import "errors"

var (
	ErrSidecarMissing    = errors.New("sidecar not found")
	ErrSidecarCorrupt    = errors.New("sidecar corrupt")
	ErrCyclicDependency  = errors.New("cyclic dependency between sidecars")
	ErrMissingRootStage  = errors.New("sidecar is missing root stage")
	ErrUnknownDependency = errors.New("dependency sidecar not in graph")
)
