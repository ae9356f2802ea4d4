package resource

import "errors"

var (
	ErrResourceExhausted = errors.New("resource exhausted")
	ErrNotFound          = errors.New("reservation not found")
	ErrInvalidAmount     = errors.New("invalid reservation amount")
)
