package parse

import "errors"

var (
	ErrParseArgv                = errors.New("unexpected rustc argv")
	ErrUnhandledCrateType       = errors.New("unhandled crate type")
	ErrMalformedBuildScriptPath = errors.New("malformed build script path")
	ErrMissingMetadata          = errors.New("missing -C metadata")
	ErrMissingOutDir            = errors.New("missing --out-dir")
)
