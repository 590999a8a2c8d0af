package internal

import (
	"strconv"
	"sync/atomic"
)

// Indicates whether debug logging is enabled.
var debugMode atomic.Bool

// Parses the linker flags into usable runtime variables.
//
// The rawDebug variable should be set via ldflags during the build
// process. If not set, it defaults to "false".
func init() {
	if v, err := strconv.ParseBool(rawDebug); err == nil {
		debugMode.Store(v)
	}
}

// Enables or disables debug mode.
func SetDebug(enabled bool) {
	debugMode.Store(enabled)
}

// Returns true if debug mode is enabled.
func IsDebug() bool {
	return debugMode.Load()
}
