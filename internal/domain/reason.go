package domain

import "fmt"

// Reason is a pause reason or failure code. The set is closed; behavior for
// each value lives in the policy table below.
type Reason string

const (
	ReasonNone               Reason = ""
	ReasonUserPaused         Reason = "UserPaused"
	ReasonPendingQR          Reason = "PendingQR"
	ReasonPendingNET         Reason = "PendingNET"
	ReasonBrowserClosure     Reason = "BrowserClosure"
	ReasonCircuitBreakerOpen Reason = "CircuitBreakerOpen"
	ReasonCheckWhatsApp      Reason = "CheckWhatsApp"
	ReasonAborted            Reason = "Aborted"
	ReasonServiceUnavailable Reason = "ServiceUnavailable"
	ReasonInvalidRecipient   Reason = "InvalidRecipient"
)

// RetryClass buckets a failure code for retry decisions.
type RetryClass string

const (
	ClassRetryable      RetryClass = "retryable"
	ClassNonRetryable   RetryClass = "non_retryable"
	ClassRequiresAction RetryClass = "requires_action"
	ClassPauseOnly      RetryClass = "pause_only"
)

// Policy is the behavior attached to a Reason.
type Policy struct {
	Class RetryClass
	// Transient codes are retried automatically with backoff.
	Transient bool
	// BlocksResume keeps a paused account unresumable regardless of status.
	BlocksResume bool
	// AutoClears codes are lifted by the engine itself and never surface as hard errors.
	AutoClears bool
	// Hint is the human-readable action or explanation.
	Hint string
}

var policies = map[Reason]Policy{
	ReasonUserPaused: {
		Class: ClassPauseOnly,
		Hint:  "paused by operator",
	},
	ReasonPendingQR: {
		Class: ClassRequiresAction,
		Hint:  "requires authentication",
	},
	ReasonPendingNET: {
		Class:     ClassRetryable,
		Transient: true,
		Hint:      "network failure reaching the channel",
	},
	ReasonBrowserClosure: {
		Class: ClassRequiresAction,
		Hint:  "requires a new device lease",
	},
	ReasonCircuitBreakerOpen: {
		Class:     ClassRetryable,
		Transient: true,
		Hint:      "retrying after cool-down",
	},
	ReasonCheckWhatsApp: {
		Class:        ClassRetryable,
		BlocksResume: true,
		AutoClears:   true,
		Hint:         "recipient check in progress",
	},
	ReasonAborted: {
		Class: ClassRetryable,
		Hint:  "cancelled by caller",
	},
	ReasonServiceUnavailable: {
		Class: ClassRequiresAction,
		Hint:  "requires an online device",
	},
	ReasonInvalidRecipient: {
		Class: ClassNonRetryable,
		Hint:  "invalid recipient",
	},
}

// Valid reports whether r is a known reason. ReasonNone is not valid.
func (r Reason) Valid() bool {
	_, ok := policies[r]
	return ok
}

// Policy returns the behavior table entry of r. Unknown reasons are treated
// as transient network failures.
func (r Reason) Policy() Policy {
	if p, ok := policies[r]; ok {
		return p
	}
	return policies[ReasonPendingNET]
}

// Describe renders "<code> <hint>", e.g. "PendingQR requires authentication".
func (r Reason) Describe() string {
	return fmt.Sprintf("%s %s", r, r.Policy().Hint)
}

// Reasons lists every known reason in a stable order.
func Reasons() []Reason {
	return []Reason{
		ReasonUserPaused,
		ReasonPendingQR,
		ReasonPendingNET,
		ReasonBrowserClosure,
		ReasonCircuitBreakerOpen,
		ReasonCheckWhatsApp,
		ReasonAborted,
		ReasonServiceUnavailable,
		ReasonInvalidRecipient,
	}
}
