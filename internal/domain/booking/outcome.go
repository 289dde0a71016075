package booking

import "time"

// OutcomeKind classifies the result of one automation step.
type OutcomeKind string

const (
	OutcomeSuccess     OutcomeKind = "success"
	OutcomeRecoverable OutcomeKind = "recoverable"
	OutcomeFatal       OutcomeKind = "fatal"
)

// Outcome is what an AutomationStep reports back to the executor.
type Outcome struct {
	Kind   OutcomeKind
	Detail string
	// Result is only set by a successful booking step.
	Result *BookingResult
}

// Success builds a successful outcome.
func Success(detail string) Outcome { return Outcome{Kind: OutcomeSuccess, Detail: detail} }

// Booked builds a successful outcome carrying the reserved slot.
func Booked(result BookingResult) Outcome {
	return Outcome{Kind: OutcomeSuccess, Detail: "slot booked", Result: &result}
}

// RecoverableFailure builds an outcome that is eligible for retry.
func RecoverableFailure(detail string) Outcome {
	return Outcome{Kind: OutcomeRecoverable, Detail: detail}
}

// FatalFailure builds an outcome that terminates the session.
func FatalFailure(detail string) Outcome { return Outcome{Kind: OutcomeFatal, Detail: detail} }

// BookingResult describes a successfully reserved slot.
type BookingResult struct {
	TestCenter string    `json:"test_center"`
	SlotTime   time.Time `json:"slot_time"`
	Reference  string    `json:"reference"`
}

// FailureKind classifies why a session failed.
type FailureKind string

const (
	FailureKindRecoverable FailureKind = "recoverable"
	FailureKindFatal       FailureKind = "fatal"
	FailureKindTimeout     FailureKind = "timeout"
	FailureKindAuthTimeout FailureKind = "auth_timeout"
	FailureKindCancelled   FailureKind = "cancelled"
	FailureKindExhausted   FailureKind = "retries_exhausted"

	// FailureKindInvalidTransition marks a run aborted by a lifecycle defect.
	FailureKindInvalidTransition FailureKind = "invalid_transition"
)

// FailureDetail is the structured error recorded on a failed session.
type FailureDetail struct {
	Kind   FailureKind `json:"kind"`
	Reason string      `json:"reason"`
	// State is the state the session was in when it failed.
	State SessionState `json:"state"`
	// Retryable is set when the retry controller authorized another attempt.
	Retryable bool `json:"retryable"`
	// RetryAfter is the delay the retry controller chose.
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

// TransitionDetail is the optional payload attached to a committed transition.
type TransitionDetail struct {
	Result  *BookingResult `json:"result,omitempty"`
	Failure *FailureDetail `json:"failure,omitempty"`
	Note    string         `json:"note,omitempty"`
}
