package scheduler

import "errors"

var (
	ErrInvalidInterval = errors.New("invalid tick interval")
	ErrExecutorPanic   = errors.New("executor panicked")
)
