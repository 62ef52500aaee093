package registry

import "errors"

var (
	ErrConnUnknown   = errors.New("connection not registered")
	ErrDuplicateConn = errors.New("connection already registered")
)
