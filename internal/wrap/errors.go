package wrap

import "errors"

var ErrWrap = errors.New("translation failed")
