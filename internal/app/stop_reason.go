package app

// StopReason is logged when the service shuts down.
type StopReason string

const (
	StopSignal     StopReason = "signal"
	StopFatalError StopReason = "fatal_error"
	StopRunOnce    StopReason = "run_once"
)
