package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"antrian-wa/internal/domain"

	"github.com/jackc/pgx/v5"
)

const batchColumns = `id, account_id, correlation_token, is_paused, pause_reason, total_count,
       sent_count, failed_count, created_at, completed_at, deleted_at`

func scanBatch(row pgx.Row) (*domain.Batch, error) {
	var b domain.Batch
	var reason string
	if err := row.Scan(&b.ID, &b.AccountID, &b.CorrelationToken, &b.IsPaused, &reason, &b.TotalCount,
		&b.SentCount, &b.FailedCount, &b.CreatedAt, &b.CompletedAt, &b.DeletedAt); err != nil {
		return nil, err
	}
	b.PauseReason = domain.Reason(reason)
	return &b, nil
}

// CreateBatch inserts the batch and its messages in one transaction. A repeated
// correlation token for the same account returns the existing batch.
func (r *PostgresRepository) CreateBatch(ctx context.Context, batch domain.Batch, msgs []domain.Message) (*domain.Batch, bool, error) {
	var (
		out     *domain.Batch
		created bool
	)
	err := r.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `INSERT INTO accounts (id) VALUES ($1) ON CONFLICT (id) DO NOTHING;`, batch.AccountID); err != nil {
			return fmt.Errorf("ensure account: %w", err)
		}

		const insert = `
INSERT INTO batches (id, account_id, correlation_token, is_paused, pause_reason, total_count, created_at)
VALUES ($1, $2, $3, FALSE, '', $4, $5)
ON CONFLICT (account_id, correlation_token) WHERE correlation_token <> '' DO NOTHING
RETURNING ` + batchColumns + `;`
		b, err := scanBatch(tx.QueryRow(ctx, insert, batch.ID, batch.AccountID, batch.CorrelationToken, batch.TotalCount, batch.CreatedAt))
		if errors.Is(err, pgx.ErrNoRows) {
			existing := `SELECT ` + batchColumns + ` FROM batches WHERE account_id = $1 AND correlation_token = $2 LIMIT 1;`
			b, err = scanBatch(tx.QueryRow(ctx, existing, batch.AccountID, batch.CorrelationToken))
			if err != nil {
				return fmt.Errorf("load batch by token: %w", err)
			}
			out = b
			return nil
		}
		if err != nil {
			return fmt.Errorf("insert batch: %w", err)
		}

		rows := make([][]any, 0, len(msgs))
		for _, m := range msgs {
			rows = append(rows, []any{
				m.ID, m.BatchID, m.AccountID, m.Seq, m.Content, m.RecipientPhone,
				string(m.Status), m.CreatedAt, m.UpdatedAt,
			})
		}
		_, err = tx.CopyFrom(ctx,
			pgx.Identifier{"messages"},
			[]string{"id", "batch_id", "account_id", "seq", "content", "recipient_phone", "status", "created_at", "updated_at"},
			pgx.CopyFromRows(rows),
		)
		if err != nil {
			return fmt.Errorf("insert messages: %w", err)
		}
		out = b
		created = true
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("create batch: %w", err)
	}
	return out, created, nil
}

// GetBatch returns a non-deleted batch.
func (r *PostgresRepository) GetBatch(ctx context.Context, id string) (*domain.Batch, error) {
	q := `SELECT ` + batchColumns + ` FROM batches WHERE id = $1 AND deleted_at IS NULL LIMIT 1;`
	b, err := scanBatch(r.pool.QueryRow(ctx, q, id))
	if err != nil {
		return nil, notFound("get batch", id, err)
	}
	return b, nil
}

// ListBatches returns the account's batches oldest first.
func (r *PostgresRepository) ListBatches(ctx context.Context, accountID string) ([]domain.Batch, error) {
	q := `SELECT ` + batchColumns + ` FROM batches WHERE account_id = $1 AND deleted_at IS NULL ORDER BY created_at ASC;`
	rows, err := r.pool.Query(ctx, q, accountID)
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	defer rows.Close()

	var res []domain.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		res = append(res, *b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate batches: %w", err)
	}
	return res, nil
}

// SetBatchPause updates only the batch-level pause flag.
func (r *PostgresRepository) SetBatchPause(ctx context.Context, id string, paused bool, reason domain.Reason) (*domain.Batch, error) {
	if !paused {
		reason = domain.ReasonNone
	}
	q := `
UPDATE batches SET is_paused = $2, pause_reason = $3
WHERE id = $1 AND deleted_at IS NULL
RETURNING ` + batchColumns + `;`
	b, err := scanBatch(r.pool.QueryRow(ctx, q, id, paused, string(reason)))
	if err != nil {
		return nil, notFound("set batch pause", id, err)
	}
	return b, nil
}

// CompleteBatch freezes the counters of a batch that is not completed yet.
func (r *PostgresRepository) CompleteBatch(ctx context.Context, id string, counts domain.Counts, at time.Time) (bool, error) {
	const q = `
UPDATE batches SET completed_at = $2, sent_count = $3, failed_count = $4
WHERE id = $1 AND completed_at IS NULL;
`
	ct, err := r.pool.Exec(ctx, q, id, at, counts.Sent, counts.Failed)
	if err != nil {
		return false, fmt.Errorf("complete batch: %w", err)
	}
	return ct.RowsAffected() == 1, nil
}

// ReopenBatch clears the completion marker after a bulk retry.
func (r *PostgresRepository) ReopenBatch(ctx context.Context, id string) error {
	const q = `UPDATE batches SET completed_at = NULL, sent_count = 0, failed_count = 0 WHERE id = $1;`
	ct, err := r.pool.Exec(ctx, q, id)
	if err != nil {
		return fmt.Errorf("reopen batch: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("reopen batch %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// DeleteBatch soft-deletes a batch and every message in it.
func (r *PostgresRepository) DeleteBatch(ctx context.Context, id string, at time.Time) error {
	return r.WithTx(ctx, func(tx pgx.Tx) error {
		ct, err := tx.Exec(ctx, `UPDATE batches SET deleted_at = $2 WHERE id = $1 AND deleted_at IS NULL;`, id, at)
		if err != nil {
			return fmt.Errorf("delete batch: %w", err)
		}
		if ct.RowsAffected() == 0 {
			return fmt.Errorf("delete batch %s: %w", id, domain.ErrNotFound)
		}
		if _, err := tx.Exec(ctx, `UPDATE messages SET deleted_at = $2 WHERE batch_id = $1 AND deleted_at IS NULL;`, id, at); err != nil {
			return fmt.Errorf("delete batch messages: %w", err)
		}
		return nil
	})
}

// BatchCounts aggregates non-deleted message states of a batch.
func (r *PostgresRepository) BatchCounts(ctx context.Context, id string) (domain.Counts, error) {
	const q = `
SELECT COUNT(*),
       COUNT(*) FILTER (WHERE status = 'queued'),
       COUNT(*) FILTER (WHERE status = 'sending'),
       COUNT(*) FILTER (WHERE status = 'sent'),
       COUNT(*) FILTER (WHERE status = 'failed')
FROM messages
WHERE batch_id = $1 AND deleted_at IS NULL;
`
	var c domain.Counts
	if err := r.pool.QueryRow(ctx, q, id).Scan(&c.Total, &c.Queued, &c.Sending, &c.Sent, &c.Failed); err != nil {
		return domain.Counts{}, fmt.Errorf("batch counts: %w", err)
	}
	return c, nil
}
