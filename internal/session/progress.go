package session

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"antrian-wa/internal/domain"
	"antrian-wa/internal/events"
	"antrian-wa/internal/pause"
)

// Progress is the read model of one batch.
type Progress struct {
	Batch            domain.Batch       `json:"batch"`
	Status           domain.BatchStatus `json:"status"`
	Counts           domain.Counts      `json:"counts"`
	IsProcessing     bool               `json:"isProcessing"`
	IsFullyCompleted bool               `json:"isFullyCompleted"`
	// EffectivePause folds in the account pause; the batch flag itself is Batch.IsPaused.
	EffectivePause pause.Effective `json:"effectivePause"`

	EstimatedSecondsRemaining float64    `json:"estimatedSecondsRemaining"`
	EstimatedCompletionAt     *time.Time `json:"estimatedCompletionAt,omitempty"`
}

// Progress computes the batch read model from current message states.
func (m *Manager) Progress(ctx context.Context, batchID string) (Progress, error) {
	b, err := m.store.GetBatch(ctx, batchID)
	if err != nil {
		return Progress{}, fmt.Errorf("batch progress: %w", err)
	}
	return m.progress(ctx, b)
}

func (m *Manager) progress(ctx context.Context, b *domain.Batch) (Progress, error) {
	counts, err := m.store.BatchCounts(ctx, b.ID)
	if err != nil {
		return Progress{}, fmt.Errorf("batch progress: %w", err)
	}
	if b.Completed() {
		counts.Sent = b.SentCount
		counts.Failed = b.FailedCount
	} else {
		b.SentCount, b.FailedCount = counts.Sent, counts.Failed
	}

	acc, err := m.store.GetAccount(ctx, b.AccountID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return Progress{}, fmt.Errorf("batch progress: %w", err)
	}

	p := Progress{
		Batch:            *b,
		Status:           b.Status(),
		Counts:           counts,
		IsProcessing:     counts.Sending > 0,
		IsFullyCompleted: b.Completed(),
		EffectivePause:   pause.Resolve(nil, b, acc),
	}
	if !p.IsFullyCompleted && counts.Queued+counts.Sending > 0 {
		settings := m.rateLimit(ctx)
		secs := float64(counts.Queued+counts.Sending) * settings.EstimatedSecondsPerMessage()
		p.EstimatedSecondsRemaining = secs
		if !p.EffectivePause.Paused {
			eta := m.now().Add(time.Duration(math.Round(secs)) * time.Second)
			p.EstimatedCompletionAt = &eta
		}
	}
	return p, nil
}

// withLiveCounts fills the counters of an open batch from its messages.
// Completed batches already carry their frozen values.
func (m *Manager) withLiveCounts(ctx context.Context, b *domain.Batch) (*domain.Batch, error) {
	if b.Completed() {
		return b, nil
	}
	counts, err := m.store.BatchCounts(ctx, b.ID)
	if err != nil {
		return nil, fmt.Errorf("batch counts: %w", err)
	}
	b.SentCount, b.FailedCount = counts.Sent, counts.Failed
	return b, nil
}

// List returns the progress of every batch of the account, oldest first.
func (m *Manager) List(ctx context.Context, accountID string) ([]Progress, error) {
	batches, err := m.store.ListBatches(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	out := make([]Progress, 0, len(batches))
	for i := range batches {
		p, err := m.progress(ctx, &batches[i])
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// Refresh marks the batch completed once no message is queued or sending and
// freezes its counters.
func (m *Manager) Refresh(ctx context.Context, batchID string) (Progress, error) {
	b, err := m.store.GetBatch(ctx, batchID)
	if err != nil {
		return Progress{}, fmt.Errorf("refresh batch: %w", err)
	}
	if !b.Completed() {
		counts, err := m.store.BatchCounts(ctx, batchID)
		if err != nil {
			return Progress{}, fmt.Errorf("refresh batch: %w", err)
		}
		// An all-deleted batch has nothing left to send and completes empty.
		if counts.Done() {
			now := m.now()
			done, err := m.store.CompleteBatch(ctx, batchID, counts, now)
			if err != nil {
				return Progress{}, fmt.Errorf("refresh batch: %w", err)
			}
			if done {
				m.completed(ctx, b, counts, now)
			}
			if b, err = m.store.GetBatch(ctx, batchID); err != nil {
				return Progress{}, fmt.Errorf("refresh batch: %w", err)
			}
		}
	}
	return m.progress(ctx, b)
}

func (m *Manager) completed(ctx context.Context, b *domain.Batch, c domain.Counts, at time.Time) {
	m.logger.Info("batch completed", "batch_id", b.ID, "account_id", b.AccountID, "sent", c.Sent, "failed", c.Failed)
	if m.metrics != nil {
		m.metrics.BatchesCompleted.Inc()
	}
	err := m.events.Publish(ctx, events.SubjectBatchCompleted, events.BatchCompletedEvent{
		BatchID:    b.ID,
		AccountID:  b.AccountID,
		Total:      c.Total,
		Sent:       c.Sent,
		Failed:     c.Failed,
		OccurredAt: at,
	})
	if err != nil {
		m.logger.Warn("publish event failed", "subject", events.SubjectBatchCompleted, "error", err)
	}
}

// BatchProgressed refreshes the batch after one of its messages finished.
func (m *Manager) BatchProgressed(ctx context.Context, batchID string) {
	if _, err := m.Refresh(ctx, batchID); err != nil && !errors.Is(err, domain.ErrNotFound) {
		m.logger.Error("refresh batch failed", "batch_id", batchID, "error", err)
	}
}
