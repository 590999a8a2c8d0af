package config

import "errors"

var ErrUserConfig = errors.New("configuration error")
