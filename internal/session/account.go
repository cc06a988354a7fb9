package session

import (
	"context"
	"errors"
	"fmt"

	"antrian-wa/internal/domain"
	"antrian-wa/internal/events"
	"antrian-wa/internal/failure"
)

// MaxDelaySeconds bounds the configurable delay between sends.
const MaxDelaySeconds = 3600

func (m *Manager) rateLimit(ctx context.Context) domain.RateLimitSettings {
	s, err := m.store.GetRateLimitSettings(ctx)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			m.logger.Warn("load rate limit settings failed", "error", err)
		}
		return m.cfg.DefaultRateLimit
	}
	return *s
}

// PauseAccount sets the account-level pause flag. Batch and message flags are
// left as they are.
func (m *Manager) PauseAccount(ctx context.Context, accountID string, reason domain.Reason) (*domain.Account, error) {
	reason, err := reasonOr(reason, domain.ReasonUserPaused)
	if err != nil {
		return nil, err
	}
	if _, err := m.store.EnsureAccount(ctx, accountID); err != nil {
		return nil, fmt.Errorf("pause account: %w", err)
	}
	acc, err := m.store.SetAccountPause(ctx, accountID, true, reason)
	if err != nil {
		return nil, fmt.Errorf("pause account: %w", err)
	}
	m.logger.Info("account paused", "account_id", accountID, "reason", reason)
	err = m.events.Publish(ctx, events.SubjectAccountPaused, events.AccountPausedEvent{
		AccountID:  accountID,
		Reason:     string(reason),
		Message:    reason.Describe(),
		OccurredAt: m.now(),
	})
	if err != nil {
		m.logger.Warn("publish event failed", "subject", events.SubjectAccountPaused, "error", err)
	}
	return acc, nil
}

// ResumeAccount clears the account pause when its reason allows it. Resuming an
// account that is not paused is a no-op.
func (m *Manager) ResumeAccount(ctx context.Context, accountID string) (*domain.Account, error) {
	acc, err := m.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("resume account: %w", err)
	}
	if !acc.IsPaused {
		return acc, nil
	}
	if !failure.IsResumable(acc) {
		return nil, &failure.Error{
			Code:    acc.PauseReason,
			Message: acc.PauseReason.Describe(),
			Err:     domain.ErrNotResumable,
		}
	}
	out, err := m.store.SetAccountPause(ctx, accountID, false, domain.ReasonNone)
	if err != nil {
		return nil, fmt.Errorf("resume account: %w", err)
	}
	m.logger.Info("account resumed", "account_id", accountID, "previous_reason", acc.PauseReason)
	return out, nil
}

// AccountStatus is the pause and connection read model of an account.
type AccountStatus struct {
	AccountID            string            `json:"accountId"`
	IsPaused             bool              `json:"isPaused"`
	PauseReason          domain.Reason     `json:"pauseReason,omitempty"`
	PauseMessage         string            `json:"pauseMessage,omitempty"`
	IsResumable          bool              `json:"isResumable"`
	Status               domain.ConnStatus `json:"status"`
	IsExtensionConnected bool              `json:"isExtensionConnected"`
	Lease                *domain.Lease     `json:"lease,omitempty"`
}

// AccountStatus reports the pause state, resumability and surface liveness.
func (m *Manager) AccountStatus(ctx context.Context, accountID string) (AccountStatus, error) {
	acc, err := m.store.EnsureAccount(ctx, accountID)
	if err != nil {
		return AccountStatus{}, fmt.Errorf("account status: %w", err)
	}
	st := AccountStatus{
		AccountID:   acc.ID,
		IsPaused:    acc.IsPaused,
		IsResumable: failure.IsResumable(acc),
		Status:      acc.Status,
	}
	if acc.IsPaused {
		st.PauseReason = acc.PauseReason
		st.PauseMessage = acc.PauseReason.Describe()
	}

	now := m.now()
	lease, err := m.store.ActiveLease(ctx, accountID, now)
	switch {
	case errors.Is(err, domain.ErrNotFound):
	case err != nil:
		return AccountStatus{}, fmt.Errorf("account status: %w", err)
	default:
		st.Lease = lease
		st.IsExtensionConnected = lease.IsOnline(now, m.cfg.HeartbeatTimeout)
	}
	return st, nil
}

// RateLimitSettings returns the stored delay settings or the configured default.
func (m *Manager) RateLimitSettings(ctx context.Context) domain.RateLimitSettings {
	return m.rateLimit(ctx)
}

// UpdateRateLimitSettings validates and stores the delay settings.
func (m *Manager) UpdateRateLimitSettings(ctx context.Context, minSeconds, maxSeconds int, enabled bool) (domain.RateLimitSettings, error) {
	var errs []error
	if minSeconds < 0 {
		errs = append(errs, fmt.Errorf("minSeconds must not be negative: %w", domain.ErrValidation))
	}
	if maxSeconds > MaxDelaySeconds {
		errs = append(errs, fmt.Errorf("maxSeconds must not exceed %d: %w", MaxDelaySeconds, domain.ErrValidation))
	}
	if minSeconds > maxSeconds {
		errs = append(errs, fmt.Errorf("minSeconds must not exceed maxSeconds: %w", domain.ErrValidation))
	}
	if len(errs) > 0 {
		return domain.RateLimitSettings{}, fmt.Errorf("update rate limit: %w", errors.Join(errs...))
	}

	s := domain.RateLimitSettings{
		MinSeconds: minSeconds,
		MaxSeconds: maxSeconds,
		Enabled:    enabled,
		UpdatedAt:  m.now(),
	}
	if err := m.store.SaveRateLimitSettings(ctx, s); err != nil {
		return domain.RateLimitSettings{}, fmt.Errorf("update rate limit: %w", err)
	}
	m.logger.Info("rate limit updated", "min_seconds", minSeconds, "max_seconds", maxSeconds, "enabled", enabled)
	return s, nil
}
