package eventbus

import "time"

// Dispatch lifecycle event types.
const (
	TypeRunStarted  = "dispatch.run_started"
	TypeRunFinished = "dispatch.run_finished"
	TypeRunAborted  = "dispatch.run_aborted"
	TypeSend        = "dispatch.send"
)

// SendOutcome values carried by SendData.
const (
	OutcomeSent   = "sent"
	OutcomeFailed = "failed"
	OutcomeSkip   = "skipped"
)

type RunStartedData struct {
	JobLabel   string
	Since      time.Time
	Recipients int
}

type RunFinishedData struct {
	JobLabel   string
	Recipients int
	Sent       int
	Failed     int
	Skipped    int
	Duration   time.Duration
	// CursorAdvanced is false when the run had nobody to notify.
	CursorAdvanced bool
}

type RunAbortedData struct {
	JobLabel string
	Reason   string
	Duration time.Duration
}

type SendData struct {
	// Kind is "direct" or "delegated".
	Kind     string
	Outcome  string
	Count    int
	Duration time.Duration
}
