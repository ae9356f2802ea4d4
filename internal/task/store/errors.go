package store

import "errors"

var (
	ErrInvalidTimeFormat = errors.New("invalid time format, use HH:MM")
	ErrInvalidInterval   = errors.New("invalid interval")
	ErrInvalidName       = errors.New("task name required")
	ErrNotFound          = errors.New("task not found")
	ErrCorruptSnapshot   = errors.New("corrupt snapshot")
)
