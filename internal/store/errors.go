package store

import "errors"

// Sentinel errors for store operations. A missing entry is not an error; the
// lookup methods report it through their boolean result.
var (
	ErrInvalidWeight         = errors.New("invalid weight")
	ErrCapacityMisconfigured = errors.New("capacity misconfigured")
	ErrBusy                  = errors.New("store busy")
)
