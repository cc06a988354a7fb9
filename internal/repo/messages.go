package repo

import (
	"context"
	"fmt"
	"time"

	"antrian-wa/internal/domain"

	"github.com/jackc/pgx/v5"
)

const messageColumns = `m.id, m.batch_id, m.account_id, m.seq, m.content, m.recipient_phone, m.status,
       m.is_paused, m.pause_reason, m.attempts, m.failure_code, m.last_error, m.not_before,
       m.sent_at, m.created_at, m.updated_at, m.deleted_at`

func scanMessage(row pgx.Row, extra ...any) (*domain.Message, error) {
	var m domain.Message
	var status, reason, code string
	dest := []any{
		&m.ID, &m.BatchID, &m.AccountID, &m.Seq, &m.Content, &m.RecipientPhone, &status,
		&m.IsPaused, &reason, &m.Attempts, &code, &m.LastError, &m.NotBefore,
		&m.SentAt, &m.CreatedAt, &m.UpdatedAt, &m.DeletedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	m.Status = domain.MessageStatus(status)
	m.PauseReason = domain.Reason(reason)
	m.FailureCode = domain.Reason(code)
	return &m, nil
}

// GetMessage returns a non-deleted message.
func (r *PostgresRepository) GetMessage(ctx context.Context, id string) (*domain.Message, error) {
	q := `SELECT ` + messageColumns + ` FROM messages m WHERE m.id = $1 AND m.deleted_at IS NULL LIMIT 1;`
	m, err := scanMessage(r.pool.QueryRow(ctx, q, id))
	if err != nil {
		return nil, notFound("get message", id, err)
	}
	return m, nil
}

// ListBatchMessages returns the batch's messages in batch order, optionally filtered by status.
func (r *PostgresRepository) ListBatchMessages(ctx context.Context, batchID string, status domain.MessageStatus) ([]domain.Message, error) {
	q := `
SELECT ` + messageColumns + `
FROM messages m
WHERE m.batch_id = $1 AND m.deleted_at IS NULL AND ($2 = '' OR m.status = $2)
ORDER BY m.seq ASC;`
	rows, err := r.pool.Query(ctx, q, batchID, string(status))
	if err != nil {
		return nil, fmt.Errorf("list batch messages: %w", err)
	}
	defer rows.Close()

	var res []domain.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		res = append(res, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate batch messages: %w", err)
	}
	return res, nil
}

// ListCandidates mirrors domain.SortCandidates in SQL so the limit keeps the
// head of the dispatch order.
func (r *PostgresRepository) ListCandidates(ctx context.Context, accountID string, now time.Time, limit int) ([]domain.Candidate, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `
WITH processing AS (
    SELECT DISTINCT batch_id FROM messages
    WHERE account_id = $1 AND status = 'sending' AND deleted_at IS NULL AND batch_id IS NOT NULL
)
SELECT ` + messageColumns + `,
       b.id, b.created_at, b.is_paused, b.pause_reason, b.correlation_token, b.total_count,
       (p.batch_id IS NOT NULL) AS processing
FROM messages m
LEFT JOIN batches b ON b.id = m.batch_id
LEFT JOIN processing p ON p.batch_id = m.batch_id
WHERE m.account_id = $1
  AND m.status = 'queued'
  AND m.deleted_at IS NULL
  AND m.is_paused = FALSE
  AND (m.not_before IS NULL OR m.not_before <= $2)
  AND (m.batch_id IS NULL OR (b.deleted_at IS NULL AND b.is_paused = FALSE))
ORDER BY processing DESC, COALESCE(b.created_at, m.created_at) ASC, COALESCE(m.batch_id, '') ASC, m.seq ASC, m.created_at ASC
LIMIT $3;`
	rows, err := r.pool.Query(ctx, q, accountID, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list candidates: %w", err)
	}
	defer rows.Close()

	var res []domain.Candidate
	for rows.Next() {
		var (
			batchID    *string
			createdAt  *time.Time
			paused     *bool
			reason     *string
			token      *string
			total      *int
			processing bool
		)
		m, err := scanMessage(rows, &batchID, &createdAt, &paused, &reason, &token, &total, &processing)
		if err != nil {
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		c := domain.Candidate{Message: *m, Processing: processing}
		if batchID != nil {
			c.Batch = &domain.Batch{
				ID:               *batchID,
				AccountID:        m.AccountID,
				CorrelationToken: deref(token),
				IsPaused:         paused != nil && *paused,
				PauseReason:      domain.Reason(deref(reason)),
				TotalCount:       derefInt(total),
			}
			if createdAt != nil {
				c.Batch.CreatedAt = *createdAt
			}
		}
		res = append(res, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate candidates: %w", err)
	}
	return res, nil
}

// MarkSending moves a queued message to sending.
func (r *PostgresRepository) MarkSending(ctx context.Context, id string, at time.Time) (bool, error) {
	const q = `
UPDATE messages SET status = 'sending', updated_at = $2
WHERE id = $1 AND status = 'queued' AND deleted_at IS NULL;
`
	ct, err := r.pool.Exec(ctx, q, id, at)
	if err != nil {
		return false, fmt.Errorf("mark sending: %w", err)
	}
	return ct.RowsAffected() == 1, nil
}

// FinishAttempt records the outcome of a sending attempt.
func (r *PostgresRepository) FinishAttempt(ctx context.Context, id string, res domain.AttemptResult) (bool, error) {
	const q = `
UPDATE messages SET
    status = $2,
    failure_code = $3,
    last_error = $4,
    not_before = $5,
    attempts = attempts + CASE WHEN $6 THEN 1 ELSE 0 END,
    sent_at = CASE WHEN $2 = 'sent' THEN $7 ELSE sent_at END,
    updated_at = $7
WHERE id = $1 AND status = 'sending' AND deleted_at IS NULL;
`
	ct, err := r.pool.Exec(ctx, q, id, string(res.Status), string(res.FailureCode), res.LastError, res.NotBefore, res.CountAttempt, res.At)
	if err != nil {
		return false, fmt.Errorf("finish attempt: %w", err)
	}
	return ct.RowsAffected() == 1, nil
}

// RequeueFailed moves failed messages back to queued in one statement.
func (r *PostgresRepository) RequeueFailed(ctx context.Context, ids []string, at time.Time) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	const q = `
UPDATE messages SET status = 'queued', attempts = attempts + 1, not_before = NULL, updated_at = $2
WHERE id = ANY($1) AND status = 'failed' AND deleted_at IS NULL
RETURNING id;
`
	rows, err := r.pool.Query(ctx, q, ids, at)
	if err != nil {
		return nil, fmt.Errorf("requeue failed: %w", err)
	}
	defer rows.Close()

	var done []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan requeued id: %w", err)
		}
		done = append(done, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate requeued ids: %w", err)
	}
	return done, nil
}

// ResetSending returns messages stuck in sending to queued.
func (r *PostgresRepository) ResetSending(ctx context.Context, accountID string, at time.Time) (int, error) {
	const q = `
UPDATE messages SET status = 'queued', updated_at = $2
WHERE account_id = $1 AND status = 'sending' AND deleted_at IS NULL;
`
	ct, err := r.pool.Exec(ctx, q, accountID, at)
	if err != nil {
		return 0, fmt.Errorf("reset sending: %w", err)
	}
	return int(ct.RowsAffected()), nil
}

// SetMessagePause updates only the message-level pause flag.
func (r *PostgresRepository) SetMessagePause(ctx context.Context, id string, paused bool, reason domain.Reason) (*domain.Message, error) {
	if !paused {
		reason = domain.ReasonNone
	}
	q := `
UPDATE messages m SET is_paused = $2, pause_reason = $3
WHERE m.id = $1 AND m.deleted_at IS NULL
RETURNING ` + messageColumns + `;`
	m, err := scanMessage(r.pool.QueryRow(ctx, q, id, paused, string(reason)))
	if err != nil {
		return nil, notFound("set message pause", id, err)
	}
	return m, nil
}

// DeleteMessage soft-deletes a message.
func (r *PostgresRepository) DeleteMessage(ctx context.Context, id string, at time.Time) error {
	ct, err := r.pool.Exec(ctx, `UPDATE messages SET deleted_at = $2 WHERE id = $1 AND deleted_at IS NULL;`, id, at)
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("delete message %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func derefInt(v *int) int {
	if v == nil {
		return 0
	}
	return *v
}
