package app

// StopReason is logged when the app shuts down.
type StopReason string

const (
	StopUnknown    StopReason = "unknown"
	StopSignal     StopReason = "signal"
	StopShellExit  StopReason = "shell_exit"
	StopFatalError StopReason = "fatal_error"
	StopOneShot    StopReason = "one_shot"
)
