package repo

import (
	"context"
	"fmt"

	"antrian-wa/internal/domain"

	"github.com/jackc/pgx/v5"
)

const accountColumns = `id, is_paused, pause_reason, status, created_at, updated_at`

func scanAccount(row pgx.Row) (*domain.Account, error) {
	var a domain.Account
	var reason, status string
	if err := row.Scan(&a.ID, &a.IsPaused, &reason, &status, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.PauseReason = domain.Reason(reason)
	a.Status = domain.ConnStatus(status)
	return &a, nil
}

// EnsureAccount returns the account row, inserting a disconnected one on first use.
func (r *PostgresRepository) EnsureAccount(ctx context.Context, id string) (*domain.Account, error) {
	const q = `
INSERT INTO accounts (id) VALUES ($1)
ON CONFLICT (id) DO UPDATE SET id = EXCLUDED.id
RETURNING ` + accountColumns + `;`
	a, err := scanAccount(r.pool.QueryRow(ctx, q, id))
	if err != nil {
		return nil, fmt.Errorf("ensure account: %w", err)
	}
	return a, nil
}

// GetAccount returns account by identifier.
func (r *PostgresRepository) GetAccount(ctx context.Context, id string) (*domain.Account, error) {
	q := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1 LIMIT 1;`
	a, err := scanAccount(r.pool.QueryRow(ctx, q, id))
	if err != nil {
		return nil, notFound("get account", id, err)
	}
	return a, nil
}

// SetAccountPause updates only the account-level pause flag.
func (r *PostgresRepository) SetAccountPause(ctx context.Context, id string, paused bool, reason domain.Reason) (*domain.Account, error) {
	if !paused {
		reason = domain.ReasonNone
	}
	const q = `
INSERT INTO accounts (id, is_paused, pause_reason) VALUES ($1, $2, $3)
ON CONFLICT (id) DO UPDATE SET
    is_paused = EXCLUDED.is_paused,
    pause_reason = EXCLUDED.pause_reason,
    updated_at = NOW()
RETURNING ` + accountColumns + `;`
	a, err := scanAccount(r.pool.QueryRow(ctx, q, id, paused, string(reason)))
	if err != nil {
		return nil, fmt.Errorf("set account pause: %w", err)
	}
	return a, nil
}

// SetAccountStatus stores the connection status reported by the surface.
func (r *PostgresRepository) SetAccountStatus(ctx context.Context, id string, status domain.ConnStatus) (*domain.Account, error) {
	const q = `
INSERT INTO accounts (id, status) VALUES ($1, $2)
ON CONFLICT (id) DO UPDATE SET
    status = EXCLUDED.status,
    updated_at = NOW()
RETURNING ` + accountColumns + `;`
	a, err := scanAccount(r.pool.QueryRow(ctx, q, id, string(status)))
	if err != nil {
		return nil, fmt.Errorf("set account status: %w", err)
	}
	return a, nil
}
