package workflow

// OutcomeState tags one job attempt's result. "Not yet complete" is data, not an
// error: the worker schedules backoff from the state, never from catching
// sentinel errors.
type OutcomeState string

const (
	OutcomePending   OutcomeState = "PENDING"
	OutcomeSucceeded OutcomeState = "SUCCEEDED"
	OutcomeFailed    OutcomeState = "FAILED"
)

type Outcome struct {
	State OutcomeState
	// Err is set for OutcomeFailed and is nil for Pending: a pending attempt is
	// not an error from the caller's perspective.
	Err error
	// Reason is a short human-readable note for logs (why pending / why failed).
	Reason string
}

func Pending(reason string) Outcome {
	return Outcome{State: OutcomePending, Reason: reason}
}

func Succeeded() Outcome {
	return Outcome{State: OutcomeSucceeded}
}

func Failed(err error, reason string) Outcome {
	return Outcome{State: OutcomeFailed, Err: err, Reason: reason}
}
