package failure

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"antrian-wa/internal/domain"
)

// Bucket groups failed messages for a bulk retry.
type Bucket string

const (
	BucketRetryable      Bucket = "retryable"
	BucketNonRetryable   Bucket = "non_retryable"
	BucketRequiresAction Bucket = "requires_action"
)

// Store is the persistence the classifier needs.
type Store interface {
	GetAccount(ctx context.Context, id string) (*domain.Account, error)
	GetBatch(ctx context.Context, id string) (*domain.Batch, error)
	ReopenBatch(ctx context.Context, id string) error
	ListBatchMessages(ctx context.Context, batchID string, status domain.MessageStatus) ([]domain.Message, error)
	RequeueFailed(ctx context.Context, ids []string, at time.Time) ([]string, error)
	ActiveLease(ctx context.Context, accountID string, now time.Time) (*domain.Lease, error)
}

// Preview is the non-mutating classification of a batch's failed messages.
type Preview struct {
	BatchID        string                `json:"batchId"`
	TotalFailed    int                   `json:"totalFailed"`
	Retryable      int                   `json:"retryable"`
	NonRetryable   int                   `json:"nonRetryable"`
	RequiresAction int                   `json:"requiresAction"`
	ByReason       map[domain.Reason]int `json:"byReason"`
}

// Skip explains why a failed message was not requeued.
type Skip struct {
	MessageID string        `json:"messageId"`
	Code      domain.Reason `json:"code"`
	Reason    string        `json:"reason"`
}

// RetryResult reports the outcome of BulkRetry.
type RetryResult struct {
	BatchID     string         `json:"batchId"`
	Requeued    int            `json:"requeued"`
	RequeuedIDs []string       `json:"requeuedIds"`
	Skipped     int            `json:"skipped"`
	Skips       []Skip         `json:"skips"`
	SkipReasons map[string]int `json:"skipReasons"`
	Reopened    bool           `json:"reopened"`
}

// Classifier previews and performs bulk retries.
type Classifier struct {
	store            Store
	heartbeatTimeout time.Duration
	now              func() time.Time
	logger           *slog.Logger
}

// NewClassifier constructs a Classifier. heartbeatTimeout decides whether a
// lease counts as online when resolving requires-action codes.
func NewClassifier(store Store, heartbeatTimeout time.Duration, logger *slog.Logger) *Classifier {
	return &Classifier{
		store:            store,
		heartbeatTimeout: heartbeatTimeout,
		now:              time.Now,
		logger:           logger.With("component", "failure"),
	}
}

// WithClock overrides the time source.
func (c *Classifier) WithClock(now func() time.Time) *Classifier {
	c.now = now
	return c
}

// conditions captures the account state that can resolve requires-action codes.
type conditions struct {
	connected bool
	online    bool
}

func (c *Classifier) conditions(ctx context.Context, accountID string) (conditions, error) {
	var cond conditions
	acc, err := c.store.GetAccount(ctx, accountID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
	case err != nil:
		return cond, fmt.Errorf("load account: %w", err)
	default:
		cond.connected = acc.Status == domain.StatusConnected
	}
	now := c.now()
	lease, err := c.store.ActiveLease(ctx, accountID, now)
	switch {
	case errors.Is(err, domain.ErrNotFound):
	case err != nil:
		return cond, fmt.Errorf("load lease: %w", err)
	default:
		cond.online = lease.IsOnline(now, c.heartbeatTimeout)
	}
	return cond, nil
}

// bucketOf classifies a stored failure code. A requires-action code whose
// condition has been cleared counts as retryable.
func bucketOf(code domain.Reason, cond conditions) Bucket {
	pol := code.Policy()
	switch pol.Class {
	case domain.ClassNonRetryable:
		return BucketNonRetryable
	case domain.ClassRequiresAction:
		switch code {
		case domain.ReasonPendingQR:
			if cond.connected {
				return BucketRetryable
			}
		case domain.ReasonBrowserClosure, domain.ReasonServiceUnavailable:
			if cond.online {
				return BucketRetryable
			}
		}
		return BucketRequiresAction
	default:
		return BucketRetryable
	}
}

func (c *Classifier) load(ctx context.Context, batchID string) (*domain.Batch, []domain.Message, conditions, error) {
	batch, err := c.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, nil, conditions{}, err
	}
	failed, err := c.store.ListBatchMessages(ctx, batchID, domain.MessageFailed)
	if err != nil {
		return nil, nil, conditions{}, fmt.Errorf("list failed messages: %w", err)
	}
	cond, err := c.conditions(ctx, batch.AccountID)
	if err != nil {
		return nil, nil, conditions{}, err
	}
	return batch, failed, cond, nil
}

// Preview buckets the batch's failed messages without changing any of them.
func (c *Classifier) Preview(ctx context.Context, batchID string) (Preview, error) {
	_, failed, cond, err := c.load(ctx, batchID)
	if err != nil {
		return Preview{}, fmt.Errorf("retry preview: %w", err)
	}
	p := Preview{BatchID: batchID, ByReason: map[domain.Reason]int{}}
	for _, m := range failed {
		p.TotalFailed++
		p.ByReason[codeOf(m)]++
		switch bucketOf(codeOf(m), cond) {
		case BucketRetryable:
			p.Retryable++
		case BucketNonRetryable:
			p.NonRetryable++
		case BucketRequiresAction:
			p.RequiresAction++
		}
	}
	return p, nil
}

// BulkRetry requeues the retryable subset of the batch's failed messages and
// reopens the batch if it had already completed.
func (c *Classifier) BulkRetry(ctx context.Context, batchID string) (RetryResult, error) {
	batch, failed, cond, err := c.load(ctx, batchID)
	if err != nil {
		return RetryResult{}, fmt.Errorf("bulk retry: %w", err)
	}

	res := RetryResult{BatchID: batchID, SkipReasons: map[string]int{}}
	var ids []string
	for _, m := range failed {
		code := codeOf(m)
		if bucketOf(code, cond) == BucketRetryable {
			ids = append(ids, m.ID)
			continue
		}
		s := Skip{MessageID: m.ID, Code: code, Reason: code.Describe()}
		res.Skips = append(res.Skips, s)
		res.SkipReasons[s.Reason]++
	}

	done, err := c.store.RequeueFailed(ctx, ids, c.now())
	if err != nil {
		return RetryResult{}, fmt.Errorf("bulk retry: %w", err)
	}
	res.RequeuedIDs = done
	res.Requeued = len(done)
	res.Skipped = len(res.Skips)

	if res.Requeued > 0 && batch.Completed() {
		if err := c.store.ReopenBatch(ctx, batchID); err != nil {
			return res, fmt.Errorf("bulk retry: %w", err)
		}
		res.Reopened = true
	}

	c.logger.Info("bulk retry finished",
		"batch_id", batchID,
		"requeued", res.Requeued,
		"skipped", res.Skipped,
		"reopened", res.Reopened,
	)
	return res, nil
}

func codeOf(m domain.Message) domain.Reason {
	if m.FailureCode.Valid() {
		return m.FailureCode
	}
	return domain.ReasonPendingNET
}
