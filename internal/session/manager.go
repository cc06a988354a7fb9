// Package session manages batches of outbound messages: enqueueing, pausing
// at every level of the hierarchy, progress and completion.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"antrian-wa/internal/domain"
	"antrian-wa/internal/events"
	"antrian-wa/internal/metrics"

	"github.com/google/uuid"
)

// Store is the persistence the session manager needs.
type Store interface {
	EnsureAccount(ctx context.Context, id string) (*domain.Account, error)
	GetAccount(ctx context.Context, id string) (*domain.Account, error)
	SetAccountPause(ctx context.Context, id string, paused bool, reason domain.Reason) (*domain.Account, error)

	CreateBatch(ctx context.Context, batch domain.Batch, msgs []domain.Message) (*domain.Batch, bool, error)
	GetBatch(ctx context.Context, id string) (*domain.Batch, error)
	ListBatches(ctx context.Context, accountID string) ([]domain.Batch, error)
	SetBatchPause(ctx context.Context, id string, paused bool, reason domain.Reason) (*domain.Batch, error)
	CompleteBatch(ctx context.Context, id string, counts domain.Counts, at time.Time) (bool, error)
	DeleteBatch(ctx context.Context, id string, at time.Time) error
	BatchCounts(ctx context.Context, id string) (domain.Counts, error)

	GetMessage(ctx context.Context, id string) (*domain.Message, error)
	SetMessagePause(ctx context.Context, id string, paused bool, reason domain.Reason) (*domain.Message, error)
	DeleteMessage(ctx context.Context, id string, at time.Time) error

	ActiveLease(ctx context.Context, accountID string, now time.Time) (*domain.Lease, error)
	GetRateLimitSettings(ctx context.Context) (*domain.RateLimitSettings, error)
	SaveRateLimitSettings(ctx context.Context, s domain.RateLimitSettings) error
}

// Config tunes the session manager.
type Config struct {
	HeartbeatTimeout time.Duration
	DefaultRateLimit domain.RateLimitSettings
	MaxBatchSize     int
}

// Manager implements the batch lifecycle.
type Manager struct {
	store   Store
	cfg     Config
	events  events.Publisher
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewManager constructs a session manager.
func NewManager(store Store, cfg Config, pub events.Publisher, m *metrics.Metrics, logger *slog.Logger) *Manager {
	if pub == nil {
		pub = events.Nop{}
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 5000
	}
	return &Manager{
		store:   store,
		cfg:     cfg,
		events:  pub,
		metrics: m,
		logger:  logger.With("component", "session"),
		now:     time.Now,
	}
}

// WithClock overrides the time source.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// NewMessage is one message of an enqueue request.
type NewMessage struct {
	RecipientPhone string
	Content        string
}

// EnqueueRequest creates a batch.
type EnqueueRequest struct {
	AccountID        string
	CorrelationToken string
	Messages         []NewMessage
}

// EnqueueResult reports the stored batch. Created is false when the
// correlation token matched an existing batch.
type EnqueueResult struct {
	Batch   *domain.Batch
	Created bool
}

// Enqueue validates and stores a batch of messages in queued state. It is
// idempotent per account and correlation token.
func (m *Manager) Enqueue(ctx context.Context, req EnqueueRequest) (EnqueueResult, error) {
	accountID := strings.TrimSpace(req.AccountID)
	if accountID == "" {
		return EnqueueResult{}, fmt.Errorf("enqueue: account id is required: %w", domain.ErrValidation)
	}
	if len(req.Messages) == 0 {
		return EnqueueResult{}, fmt.Errorf("enqueue: at least one message is required: %w", domain.ErrValidation)
	}
	if len(req.Messages) > m.cfg.MaxBatchSize {
		return EnqueueResult{}, fmt.Errorf("enqueue: %d messages exceed the limit of %d: %w", len(req.Messages), m.cfg.MaxBatchSize, domain.ErrValidation)
	}

	now := m.now()
	batchID := uuid.NewString()
	msgs := make([]domain.Message, 0, len(req.Messages))
	var errs []error
	for i, nm := range req.Messages {
		phone, err := domain.NormalizePhone(nm.RecipientPhone)
		if err != nil {
			errs = append(errs, fmt.Errorf("message %d: %w", i, err))
			continue
		}
		content := strings.TrimSpace(nm.Content)
		if content == "" {
			errs = append(errs, fmt.Errorf("message %d: content is empty: %w", i, domain.ErrValidation))
			continue
		}
		msgs = append(msgs, domain.Message{
			ID:             uuid.NewString(),
			BatchID:        &batchID,
			AccountID:      accountID,
			Seq:            i,
			Content:        content,
			RecipientPhone: phone,
			Status:         domain.MessageQueued,
			CreatedAt:      now,
			UpdatedAt:      now,
		})
	}
	if len(errs) > 0 {
		return EnqueueResult{}, fmt.Errorf("enqueue: %w", errors.Join(errs...))
	}

	batch := domain.Batch{
		ID:               batchID,
		AccountID:        accountID,
		CorrelationToken: strings.TrimSpace(req.CorrelationToken),
		TotalCount:       len(msgs),
		CreatedAt:        now,
	}
	stored, created, err := m.store.CreateBatch(ctx, batch, msgs)
	if err != nil {
		return EnqueueResult{}, fmt.Errorf("enqueue: %w", err)
	}
	if created {
		m.logger.Info("batch enqueued", "account_id", accountID, "batch_id", stored.ID, "messages", len(msgs))
	} else {
		m.logger.Info("duplicate enqueue ignored", "account_id", accountID, "batch_id", stored.ID, "correlation_token", batch.CorrelationToken)
	}
	return EnqueueResult{Batch: stored, Created: created}, nil
}

func reasonOr(reason, fallback domain.Reason) (domain.Reason, error) {
	if reason == domain.ReasonNone {
		return fallback, nil
	}
	if !reason.Valid() {
		return "", fmt.Errorf("pause reason %q: %w", reason, domain.ErrValidation)
	}
	return reason, nil
}

// PauseBatch sets the batch-level pause flag only. Completed batches are terminal.
func (m *Manager) PauseBatch(ctx context.Context, batchID string, reason domain.Reason) (*domain.Batch, error) {
	reason, err := reasonOr(reason, domain.ReasonUserPaused)
	if err != nil {
		return nil, err
	}
	if err := m.ensureOpen(ctx, "pause batch", batchID); err != nil {
		return nil, err
	}
	b, err := m.store.SetBatchPause(ctx, batchID, true, reason)
	if err != nil {
		return nil, fmt.Errorf("pause batch: %w", err)
	}
	m.logger.Info("batch paused", "batch_id", batchID, "reason", reason)
	return m.withLiveCounts(ctx, b)
}

// ResumeBatch clears the batch-level pause flag only.
func (m *Manager) ResumeBatch(ctx context.Context, batchID string) (*domain.Batch, error) {
	if err := m.ensureOpen(ctx, "resume batch", batchID); err != nil {
		return nil, err
	}
	b, err := m.store.SetBatchPause(ctx, batchID, false, domain.ReasonNone)
	if err != nil {
		return nil, fmt.Errorf("resume batch: %w", err)
	}
	m.logger.Info("batch resumed", "batch_id", batchID)
	return m.withLiveCounts(ctx, b)
}

func (m *Manager) ensureOpen(ctx context.Context, op, batchID string) error {
	b, err := m.store.GetBatch(ctx, batchID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if b.Completed() {
		return fmt.Errorf("%s %s: %w", op, batchID, domain.ErrBatchCompleted)
	}
	return nil
}

// Skipped explains why a batch was left untouched by a bulk pause or resume.
type Skipped struct {
	BatchID string `json:"batchId"`
	Reason  string `json:"reason"`
}

// BulkResult reports a bulk pause or resume. Partial success is normal.
type BulkResult struct {
	Affected []string  `json:"affected"`
	Skipped  []Skipped `json:"skipped"`
}

// PauseAll pauses every unpaused, uncompleted batch of the account.
func (m *Manager) PauseAll(ctx context.Context, accountID string) (BulkResult, error) {
	return m.bulk(ctx, accountID, true)
}

// ResumeAll resumes every paused, uncompleted batch of the account.
func (m *Manager) ResumeAll(ctx context.Context, accountID string) (BulkResult, error) {
	return m.bulk(ctx, accountID, false)
}

func (m *Manager) bulk(ctx context.Context, accountID string, paused bool) (BulkResult, error) {
	batches, err := m.store.ListBatches(ctx, accountID)
	if err != nil {
		return BulkResult{}, fmt.Errorf("list batches: %w", err)
	}
	res := BulkResult{Affected: []string{}, Skipped: []Skipped{}}
	for _, b := range batches {
		switch {
		case b.Completed():
			res.Skipped = append(res.Skipped, Skipped{BatchID: b.ID, Reason: "completed"})
			continue
		case b.IsPaused == paused && paused:
			res.Skipped = append(res.Skipped, Skipped{BatchID: b.ID, Reason: "already paused"})
			continue
		case b.IsPaused == paused:
			res.Skipped = append(res.Skipped, Skipped{BatchID: b.ID, Reason: "not paused"})
			continue
		}
		reason := domain.ReasonNone
		if paused {
			reason = domain.ReasonUserPaused
		}
		if _, err := m.store.SetBatchPause(ctx, b.ID, paused, reason); err != nil {
			m.logger.Warn("bulk pause change failed", "batch_id", b.ID, "error", err)
			res.Skipped = append(res.Skipped, Skipped{BatchID: b.ID, Reason: err.Error()})
			continue
		}
		res.Affected = append(res.Affected, b.ID)
	}
	m.logger.Info("bulk pause change", "account_id", accountID, "paused", paused,
		"affected", len(res.Affected), "skipped", len(res.Skipped))
	return res, nil
}

// PauseMessage sets the message-level pause flag only.
func (m *Manager) PauseMessage(ctx context.Context, messageID string, reason domain.Reason) (*domain.Message, error) {
	reason, err := reasonOr(reason, domain.ReasonUserPaused)
	if err != nil {
		return nil, err
	}
	msg, err := m.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, fmt.Errorf("pause message: %w", err)
	}
	if msg.Status == domain.MessageSent {
		return nil, fmt.Errorf("pause message %s: already sent: %w", messageID, domain.ErrValidation)
	}
	out, err := m.store.SetMessagePause(ctx, messageID, true, reason)
	if err != nil {
		return nil, fmt.Errorf("pause message: %w", err)
	}
	return out, nil
}

// ResumeMessage clears the message-level pause flag only.
func (m *Manager) ResumeMessage(ctx context.Context, messageID string) (*domain.Message, error) {
	out, err := m.store.SetMessagePause(ctx, messageID, false, domain.ReasonNone)
	if err != nil {
		return nil, fmt.Errorf("resume message: %w", err)
	}
	return out, nil
}

// DeleteMessage soft-deletes a message and refreshes its batch.
func (m *Manager) DeleteMessage(ctx context.Context, messageID string) error {
	msg, err := m.store.GetMessage(ctx, messageID)
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	if err := m.store.DeleteMessage(ctx, messageID, m.now()); err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	if msg.BatchID != nil {
		if _, err := m.Refresh(ctx, *msg.BatchID); err != nil {
			return err
		}
	}
	return nil
}

// DeleteBatch soft-deletes a batch with its messages.
func (m *Manager) DeleteBatch(ctx context.Context, batchID string) error {
	if err := m.store.DeleteBatch(ctx, batchID, m.now()); err != nil {
		return fmt.Errorf("delete batch: %w", err)
	}
	m.logger.Info("batch deleted", "batch_id", batchID)
	return nil
}
