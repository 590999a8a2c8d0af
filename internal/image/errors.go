package image

import "errors"

var (
	ErrMalformedURI   = errors.New("malformed image reference")
	ErrMalformedStage = errors.New("malformed stage name")
	ErrMalformedMdID  = errors.New("malformed metadata id")
)
