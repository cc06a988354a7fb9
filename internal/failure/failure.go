// Package failure classifies delivery failures and decides how the engine
// recovers from them.
package failure

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"antrian-wa/internal/domain"
)

// Coded is implemented by errors that carry their own failure code, such as
// surface errors.
type Coded interface {
	error
	FailureCode() domain.Reason
}

// Error is a user-visible failure: a reason code, a human-readable message
// and, for batches, how many messages each reason affects.
type Error struct {
	Code      domain.Reason
	Message   string
	Breakdown map[domain.Reason]int
	Err       error
}

// New wraps err with code. The message defaults to the code's description.
func New(code domain.Reason, err error) *Error {
	return &Error{Code: code, Message: code.Describe(), Err: err}
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Message)
	if len(e.Breakdown) > 0 {
		keys := make([]string, 0, len(e.Breakdown))
		for r := range e.Breakdown {
			keys = append(keys, string(r))
		}
		sort.Strings(keys)
		b.WriteString(" (")
		for i, k := range keys {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s=%d", k, e.Breakdown[domain.Reason(k)])
		}
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// FailureCode implements Coded.
func (e *Error) FailureCode() domain.Reason { return e.Code }

// Classify maps an error returned while driving the surface to a failure code.
func Classify(err error) domain.Reason {
	if err == nil {
		return domain.ReasonNone
	}
	var coded Coded
	if errors.As(err, &coded) && coded.FailureCode().Valid() {
		return coded.FailureCode()
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return domain.ReasonPendingNET
	case errors.Is(err, context.Canceled):
		return domain.ReasonAborted
	case errors.Is(err, domain.ErrNoActiveLease), errors.Is(err, domain.ErrLeaseRevoked):
		return domain.ReasonServiceUnavailable
	case errors.Is(err, domain.ErrValidation):
		return domain.ReasonInvalidRecipient
	}
	return domain.ReasonPendingNET
}

// IsResumable reports whether a paused account can be unpaused without further
// external action: the surface reports connected and the pause reason does not
// block resume on its own.
func IsResumable(a *domain.Account) bool {
	if a == nil || !a.IsPaused {
		return false
	}
	if a.Status != domain.StatusConnected {
		return false
	}
	return !a.PauseReason.Policy().BlocksResume
}

// Action is what the dispatcher does with a message after a failed attempt.
type Action string

const (
	ActionRequeue Action = "requeue"
	ActionFail    Action = "fail"
)

// RetryPolicy bounds automatic retries of transient failures.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// Decision is the outcome of Decide.
type Decision struct {
	Action Action
	Reason domain.Reason
	// CountAttempt consumes one retry.
	CountAttempt bool
	// Delay gates the next attempt.
	Delay time.Duration
	// PauseAccount pauses the account with Reason.
	PauseAccount bool
}

// Decide applies the retry state machine to a failed attempt. attempts is the
// number of retries the message has already consumed.
func Decide(reason domain.Reason, attempts int, p RetryPolicy) Decision {
	if !reason.Valid() {
		reason = domain.ReasonPendingNET
	}
	pol := reason.Policy()
	d := Decision{Reason: reason}

	switch {
	case pol.Transient:
		if attempts >= p.MaxRetries {
			d.Action = ActionFail
			return d
		}
		d.Action = ActionRequeue
		d.CountAttempt = true
		d.Delay = Backoff(attempts, p.BaseDelay, p.MaxDelay)
	case pol.Class == domain.ClassRequiresAction:
		d.Action = ActionFail
		d.PauseAccount = true
	case pol.Class == domain.ClassNonRetryable:
		d.Action = ActionFail
	default:
		// Self-clearing and caller-driven codes go back to the queue untouched.
		d.Action = ActionRequeue
	}
	return d
}

// Backoff returns base*2^attempts capped at max.
func Backoff(attempts int, base, max time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	d := base
	for i := 0; i < attempts; i++ {
		d *= 2
		if max > 0 && d >= max {
			return max
		}
	}
	if max > 0 && d > max {
		d = max
	}
	return d
}
