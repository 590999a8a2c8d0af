package runner

import "errors"

var (
	ErrRunnerIO     = errors.New("runner failed")
	ErrBuildFailure = errors.New("rustc failed inside the runner")
	ErrNetworkFetch = errors.New("registry digest lookup failed")
	ErrStdioTimeout = errors.New("BUG: stdio forwarding timed out")
)
