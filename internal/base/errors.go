package base

import "errors"

var (
	ErrUnknownNetwork   = errors.New("unknown network mode")
	ErrUnknownToolchain = errors.New("unrecognized rustc version")
)
