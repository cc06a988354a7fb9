package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"antrian-wa/internal/domain"

	"github.com/jackc/pgx/v5"
)

const rateLimitKey = "rate_limit"

type rateLimitRow struct {
	MinSeconds int  `json:"min_seconds"`
	MaxSeconds int  `json:"max_seconds"`
	Enabled    bool `json:"enabled"`
}

// GetRateLimitSettings loads the stored delay settings.
func (r *PostgresRepository) GetRateLimitSettings(ctx context.Context) (*domain.RateLimitSettings, error) {
	var (
		raw []byte
		s   domain.RateLimitSettings
	)
	err := r.pool.QueryRow(ctx, `SELECT value::text, updated_at FROM settings WHERE key = $1;`, rateLimitKey).Scan(&raw, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("get rate limit settings: %w", domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get rate limit settings: %w", err)
	}
	var row rateLimitRow
	if err := json.Unmarshal(raw, &row); err != nil {
		return nil, fmt.Errorf("decode rate limit settings: %w", err)
	}
	s.MinSeconds, s.MaxSeconds, s.Enabled = row.MinSeconds, row.MaxSeconds, row.Enabled
	return &s, nil
}

// SaveRateLimitSettings upserts the delay settings.
func (r *PostgresRepository) SaveRateLimitSettings(ctx context.Context, s domain.RateLimitSettings) error {
	raw, err := json.Marshal(rateLimitRow{MinSeconds: s.MinSeconds, MaxSeconds: s.MaxSeconds, Enabled: s.Enabled})
	if err != nil {
		return fmt.Errorf("encode rate limit settings: %w", err)
	}
	const q = `
INSERT INTO settings (key, value, updated_at) VALUES ($1, $2::jsonb, $3)
ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at;
`
	if _, err := r.pool.Exec(ctx, q, rateLimitKey, string(raw), s.UpdatedAt); err != nil {
		return fmt.Errorf("save rate limit settings: %w", err)
	}
	return nil
}
