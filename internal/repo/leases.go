package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"antrian-wa/internal/domain"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const (
	uniqueViolation = "23505"
	// leaseHolderIndex allows one unrevoked lease per account.
	leaseHolderIndex = "leases_one_unrevoked_uq"
)

// leaseInsertError maps a concurrent claim that lost on the holder index to
// domain.ErrLeaseHeld.
func leaseInsertError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == leaseHolderIndex {
		return domain.ErrLeaseHeld
	}
	return fmt.Errorf("insert lease: %w", err)
}

const leaseColumns = `id, account_id, device_id, acquired_at, expires_at, last_heartbeat,
       reported_status, current_activity, revoked_at, revoke_reason`

func scanLease(row pgx.Row) (*domain.Lease, error) {
	var l domain.Lease
	var status string
	if err := row.Scan(&l.ID, &l.AccountID, &l.DeviceID, &l.AcquiredAt, &l.ExpiresAt, &l.LastHeartbeat,
		&status, &l.CurrentActivity, &l.RevokedAt, &l.RevokeReason); err != nil {
		return nil, err
	}
	l.ReportedStatus = domain.ConnStatus(status)
	return &l, nil
}

const deviceColumns = `id, account_id, name, created_at, revoked_at, revoke_reason`

func scanDevice(row pgx.Row) (*domain.Device, error) {
	var d domain.Device
	if err := row.Scan(&d.ID, &d.AccountID, &d.Name, &d.CreatedAt, &d.RevokedAt, &d.RevokeReason); err != nil {
		return nil, err
	}
	return &d, nil
}

// CreatePairingCode stores a fresh single-use code.
func (r *PostgresRepository) CreatePairingCode(ctx context.Context, code domain.PairingCode) error {
	return r.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `INSERT INTO accounts (id) VALUES ($1) ON CONFLICT (id) DO NOTHING;`, code.AccountID); err != nil {
			return fmt.Errorf("ensure account: %w", err)
		}
		const q = `INSERT INTO pairing_codes (code, account_id, expires_at, created_at) VALUES ($1, $2, $3, $4);`
		if _, err := tx.Exec(ctx, q, code.Code, code.AccountID, code.ExpiresAt, code.CreatedAt); err != nil {
			return fmt.Errorf("create pairing code: %w", err)
		}
		return nil
	})
}

// ClaimLease runs the whole claim in one transaction. The pairing code row is
// locked first so two devices racing on the same code serialize.
func (r *PostgresRepository) ClaimLease(ctx context.Context, code string, device domain.Device, lease domain.Lease, now time.Time) (*domain.Lease, error) {
	var out *domain.Lease
	err := r.WithTx(ctx, func(tx pgx.Tx) error {
		var (
			accountID string
			expiresAt time.Time
			usedAt    *time.Time
		)
		err := tx.QueryRow(ctx,
			`SELECT account_id, expires_at, used_at FROM pairing_codes WHERE code = $1 FOR UPDATE;`, code,
		).Scan(&accountID, &expiresAt, &usedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrPairingCodeInvalid
		}
		if err != nil {
			return fmt.Errorf("load pairing code: %w", err)
		}
		if usedAt != nil || !now.Before(expiresAt) {
			return domain.ErrPairingCodeInvalid
		}

		var revokedAt *time.Time
		err = tx.QueryRow(ctx, `SELECT revoked_at FROM devices WHERE id = $1 FOR UPDATE;`, device.ID).Scan(&revokedAt)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			const ins = `INSERT INTO devices (id, account_id, name, created_at) VALUES ($1, $2, $3, $4);`
			if _, err := tx.Exec(ctx, ins, device.ID, accountID, device.Name, device.CreatedAt); err != nil {
				return fmt.Errorf("insert device: %w", err)
			}
		case err != nil:
			return fmt.Errorf("load device: %w", err)
		case revokedAt != nil:
			return domain.ErrDeviceRevoked
		default:
			if _, err := tx.Exec(ctx, `UPDATE devices SET account_id = $2 WHERE id = $1;`, device.ID, accountID); err != nil {
				return fmt.Errorf("rebind device: %w", err)
			}
		}

		var held int
		err = tx.QueryRow(ctx, `
SELECT COUNT(*) FROM leases
WHERE account_id = $1 AND revoked_at IS NULL AND expires_at > $2;`, accountID, now).Scan(&held)
		if err != nil {
			return fmt.Errorf("check active lease: %w", err)
		}
		if held > 0 {
			return domain.ErrLeaseHeld
		}

		const supersede = `
UPDATE leases SET revoked_at = $2, revoke_reason = 'superseded'
WHERE account_id = $1 AND revoked_at IS NULL;`
		if _, err := tx.Exec(ctx, supersede, accountID, now); err != nil {
			return fmt.Errorf("supersede leases: %w", err)
		}

		if _, err := tx.Exec(ctx, `UPDATE pairing_codes SET used_at = $2, used_by = $3 WHERE code = $1;`, code, now, device.ID); err != nil {
			return fmt.Errorf("consume pairing code: %w", err)
		}

		insert := `
INSERT INTO leases (id, account_id, device_id, acquired_at, expires_at, last_heartbeat, reported_status, current_activity)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
RETURNING ` + leaseColumns + `;`
		l, err := scanLease(tx.QueryRow(ctx, insert, lease.ID, accountID, device.ID, lease.AcquiredAt, lease.ExpiresAt,
			lease.LastHeartbeat, string(lease.ReportedStatus), lease.CurrentActivity))
		if err != nil {
			return leaseInsertError(err)
		}
		out = l
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("claim lease: %w", err)
	}
	return out, nil
}

// GetLease returns a lease regardless of its state.
func (r *PostgresRepository) GetLease(ctx context.Context, id string) (*domain.Lease, error) {
	q := `SELECT ` + leaseColumns + ` FROM leases WHERE id = $1 LIMIT 1;`
	l, err := scanLease(r.pool.QueryRow(ctx, q, id))
	if err != nil {
		return nil, notFound("get lease", id, err)
	}
	return l, nil
}

// ActiveLease returns the account's unrevoked, unexpired lease.
func (r *PostgresRepository) ActiveLease(ctx context.Context, accountID string, now time.Time) (*domain.Lease, error) {
	q := `
SELECT ` + leaseColumns + ` FROM leases
WHERE account_id = $1 AND revoked_at IS NULL AND expires_at > $2
LIMIT 1;`
	l, err := scanLease(r.pool.QueryRow(ctx, q, accountID, now))
	if err != nil {
		return nil, notFound("active lease", accountID, err)
	}
	return l, nil
}

// ListActiveLeases returns every active lease ordered by account.
func (r *PostgresRepository) ListActiveLeases(ctx context.Context, now time.Time) ([]domain.Lease, error) {
	q := `
SELECT ` + leaseColumns + ` FROM leases
WHERE revoked_at IS NULL AND expires_at > $1
ORDER BY account_id ASC;`
	rows, err := r.pool.Query(ctx, q, now)
	if err != nil {
		return nil, fmt.Errorf("list active leases: %w", err)
	}
	defer rows.Close()

	var res []domain.Lease
	for rows.Next() {
		l, err := scanLease(rows)
		if err != nil {
			return nil, fmt.Errorf("scan lease: %w", err)
		}
		res = append(res, *l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate leases: %w", err)
	}
	return res, nil
}

// TouchLease records a heartbeat and extends the lease.
func (r *PostgresRepository) TouchLease(ctx context.Context, id string, hb domain.Heartbeat, at, expiresAt time.Time) (*domain.Lease, error) {
	q := `
UPDATE leases SET last_heartbeat = $2, reported_status = $3, current_activity = $4, expires_at = $5
WHERE id = $1 AND revoked_at IS NULL AND expires_at > $2
RETURNING ` + leaseColumns + `;`
	l, err := scanLease(r.pool.QueryRow(ctx, q, id, at, string(hb.Status), hb.Activity, expiresAt))
	if err == nil {
		return l, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("touch lease %s: %w", id, err)
	}
	if _, getErr := r.GetLease(ctx, id); getErr != nil {
		return nil, fmt.Errorf("touch lease: %w", getErr)
	}
	return nil, domain.ErrLeaseRevoked
}

// RevokeAccountLeases revokes every unrevoked lease of the account.
func (r *PostgresRepository) RevokeAccountLeases(ctx context.Context, accountID, reason string, at time.Time) (int, error) {
	const q = `UPDATE leases SET revoked_at = $2, revoke_reason = $3 WHERE account_id = $1 AND revoked_at IS NULL;`
	ct, err := r.pool.Exec(ctx, q, accountID, at, reason)
	if err != nil {
		return 0, fmt.Errorf("revoke account leases: %w", err)
	}
	return int(ct.RowsAffected()), nil
}

// GetDevice returns device by identifier.
func (r *PostgresRepository) GetDevice(ctx context.Context, id string) (*domain.Device, error) {
	q := `SELECT ` + deviceColumns + ` FROM devices WHERE id = $1 LIMIT 1;`
	d, err := scanDevice(r.pool.QueryRow(ctx, q, id))
	if err != nil {
		return nil, notFound("get device", id, err)
	}
	return d, nil
}

// RevokeDevice marks the device revoked and revokes its leases.
func (r *PostgresRepository) RevokeDevice(ctx context.Context, id, reason string, at time.Time) (*domain.Device, error) {
	var out *domain.Device
	err := r.WithTx(ctx, func(tx pgx.Tx) error {
		q := `
UPDATE devices SET
    revoked_at = COALESCE(revoked_at, $2),
    revoke_reason = CASE WHEN revoked_at IS NULL THEN $3 ELSE revoke_reason END
WHERE id = $1
RETURNING ` + deviceColumns + `;`
		d, err := scanDevice(tx.QueryRow(ctx, q, id, at, reason))
		if err != nil {
			return notFound("revoke device", id, err)
		}
		const leases = `UPDATE leases SET revoked_at = $2, revoke_reason = 'device_revoked' WHERE device_id = $1 AND revoked_at IS NULL;`
		if _, err := tx.Exec(ctx, leases, id, at); err != nil {
			return fmt.Errorf("revoke device leases: %w", err)
		}
		out = d
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ExpireLeases marks leases past their expiry as revoked.
func (r *PostgresRepository) ExpireLeases(ctx context.Context, now time.Time) (int, error) {
	const q = `UPDATE leases SET revoked_at = $1, revoke_reason = 'expired' WHERE revoked_at IS NULL AND expires_at <= $1;`
	ct, err := r.pool.Exec(ctx, q, now)
	if err != nil {
		return 0, fmt.Errorf("expire leases: %w", err)
	}
	return int(ct.RowsAffected()), nil
}

// PurgePairingCodes deletes used or expired codes.
func (r *PostgresRepository) PurgePairingCodes(ctx context.Context, now time.Time) (int, error) {
	const q = `DELETE FROM pairing_codes WHERE used_at IS NOT NULL OR expires_at <= $1;`
	ct, err := r.pool.Exec(ctx, q, now)
	if err != nil {
		return 0, fmt.Errorf("purge pairing codes: %w", err)
	}
	return int(ct.RowsAffected()), nil
}
