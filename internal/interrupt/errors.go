package interrupt

import "errors"

var (
	ErrUnknownEventType = errors.New("unknown interrupt type")
	ErrInvalidInterval  = errors.New("invalid timer interval")
	ErrInvalidEventType = errors.New("interrupt type required")
	ErrHandlerPanic     = errors.New("interrupt handler panicked")
)
