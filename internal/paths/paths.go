package paths

import (
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
)

const (

	// Name used for directory and file naming.
	toolName = "green"

	// Default permission mode for directories.
	DefaultDirMode os.FileMode = 0755

	// Default permission mode for files.
	DefaultFileMode os.FileMode = 0644
)

// Path to the scratch directory for forwarded workspace copies and
// prebuild sentinels.
//
//	Linux:   $XDG_RUNTIME_DIR/green or /run/user/<uid>/green
//	macOS:   ~/Library/Application Support/green
//
// The cache-directory fallback ($XDG_CACHE_HOME/green/run) applies only
// when no runtime directory is known.
func Scratch() string {
	if xdg.RuntimeDir != "" {
		return filepath.Join(xdg.RuntimeDir, toolName)
	}
	return filepath.Join(xdg.CacheHome, toolName, "run")
}

// Path of the sentinel marking a completed prebuild.
//
// Sentinels are empty files named after the artifact they guard; their
// existence short-circuits repeat work across wrapper invocations.
func Sentinel(name string) string {
	return filepath.Join(Scratch(), name+".done")
}

// Default path of the wrapper's log file when file logging is enabled
// without an explicit destination.
func DefaultLog() string {
	return filepath.Join(xdg.CacheHome, toolName, toolName+".log")
}
