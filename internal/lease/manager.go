// Package lease guards the single automation surface of each account with an
// exclusive, heartbeat-renewed lease.
package lease

import (
	"context"
	"crypto/rand"
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

// Revocation reasons recorded on leases.
const (
	ReasonForceReleased = "force_released"
	ReasonDeviceRevoked = "device_revoked"
	ReasonExpired       = "expired"
	ReasonSuperseded    = "superseded"
)

// codeAlphabet omits 0, O, 1 and I. Its length divides 256 so a byte maps
// onto it without bias.
const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const codeLength = 8

// Store is the persistence the lease manager needs.
type Store interface {
	GetAccount(ctx context.Context, id string) (*domain.Account, error)
	SetAccountStatus(ctx context.Context, id string, status domain.ConnStatus) (*domain.Account, error)
	SetAccountPause(ctx context.Context, id string, paused bool, reason domain.Reason) (*domain.Account, error)

	CreatePairingCode(ctx context.Context, code domain.PairingCode) error
	ClaimLease(ctx context.Context, code string, device domain.Device, lease domain.Lease, now time.Time) (*domain.Lease, error)
	GetLease(ctx context.Context, id string) (*domain.Lease, error)
	ActiveLease(ctx context.Context, accountID string, now time.Time) (*domain.Lease, error)
	TouchLease(ctx context.Context, id string, hb domain.Heartbeat, at, expiresAt time.Time) (*domain.Lease, error)
	RevokeAccountLeases(ctx context.Context, accountID, reason string, at time.Time) (int, error)
	GetDevice(ctx context.Context, id string) (*domain.Device, error)
	RevokeDevice(ctx context.Context, id, reason string, at time.Time) (*domain.Device, error)
	ExpireLeases(ctx context.Context, now time.Time) (int, error)
	PurgePairingCodes(ctx context.Context, now time.Time) (int, error)
}

// Config tunes lease timing.
type Config struct {
	PairingCodeTTL   time.Duration
	LeaseTTL         time.Duration
	HeartbeatTimeout time.Duration
}

// Manager implements pairing, claiming and liveness of leases.
type Manager struct {
	store   Store
	cfg     Config
	events  events.Publisher
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewManager constructs a lease manager.
func NewManager(store Store, cfg Config, pub events.Publisher, m *metrics.Metrics, logger *slog.Logger) *Manager {
	if pub == nil {
		pub = events.Nop{}
	}
	return &Manager{
		store:   store,
		cfg:     cfg,
		events:  pub,
		metrics: m,
		logger:  logger.With("component", "lease"),
		now:     time.Now,
	}
}

// WithClock overrides the time source.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// StartPairing issues a single-use pairing code for the account.
func (m *Manager) StartPairing(ctx context.Context, accountID string) (*domain.PairingCode, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return nil, fmt.Errorf("start pairing: account id: %w", domain.ErrValidation)
	}
	code, err := newCode()
	if err != nil {
		return nil, fmt.Errorf("start pairing: %w", err)
	}
	now := m.now()
	pc := domain.PairingCode{
		Code:      code,
		AccountID: accountID,
		ExpiresAt: now.Add(m.cfg.PairingCodeTTL),
		CreatedAt: now,
	}
	if err := m.store.CreatePairingCode(ctx, pc); err != nil {
		return nil, fmt.Errorf("start pairing: %w", err)
	}
	m.logger.Info("pairing code issued", "account_id", accountID, "expires_at", pc.ExpiresAt)
	return &pc, nil
}

// ClaimLease redeems a pairing code for deviceID. It fails with
// domain.ErrLeaseHeld while the account holds an unexpired lease.
func (m *Manager) ClaimLease(ctx context.Context, code, deviceID, deviceName string) (*domain.Lease, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	deviceID = strings.TrimSpace(deviceID)
	if code == "" || deviceID == "" {
		return nil, fmt.Errorf("claim lease: code and device id: %w", domain.ErrValidation)
	}
	now := m.now()
	device := domain.Device{ID: deviceID, Name: deviceName, CreatedAt: now}
	lease := domain.Lease{
		ID:             uuid.NewString(),
		DeviceID:       deviceID,
		AcquiredAt:     now,
		ExpiresAt:      now.Add(m.cfg.LeaseTTL),
		LastHeartbeat:  now,
		ReportedStatus: domain.StatusDisconnected,
	}
	l, err := m.store.ClaimLease(ctx, code, device, lease, now)
	if err != nil {
		m.observe("claim_rejected")
		return nil, err
	}
	m.observe("claimed")
	m.logger.Info("lease claimed", "account_id", l.AccountID, "lease_id", l.ID, "device_id", deviceID)
	return l, nil
}

// Heartbeat records liveness and the surface status, renews the lease and
// propagates the status to the account. A pending status pauses the account
// with PendingQR unless it is already paused.
func (m *Manager) Heartbeat(ctx context.Context, leaseID string, hb domain.Heartbeat) (*domain.Lease, error) {
	if !hb.Status.Valid() {
		return nil, fmt.Errorf("heartbeat: status %q: %w", hb.Status, domain.ErrValidation)
	}
	now := m.now()
	l, err := m.store.TouchLease(ctx, leaseID, hb, now, now.Add(m.cfg.LeaseTTL))
	if err != nil {
		if errors.Is(err, domain.ErrLeaseRevoked) {
			m.observe("heartbeat_rejected")
		}
		return nil, err
	}

	acc, err := m.store.SetAccountStatus(ctx, l.AccountID, hb.Status)
	if err != nil {
		return nil, fmt.Errorf("heartbeat: %w", err)
	}
	if hb.Status == domain.StatusPending && !acc.IsPaused {
		if _, err := m.store.SetAccountPause(ctx, l.AccountID, true, domain.ReasonPendingQR); err != nil {
			return nil, fmt.Errorf("heartbeat: %w", err)
		}
		m.logger.Warn("account paused, surface awaits authentication", "account_id", l.AccountID)
		m.publish(ctx, events.SubjectAccountPaused, events.AccountPausedEvent{
			AccountID:  l.AccountID,
			Reason:     string(domain.ReasonPendingQR),
			Message:    domain.ReasonPendingQR.Describe(),
			OccurredAt: now,
		})
	}
	return l, nil
}

// ForceRelease revokes the account's lease unconditionally.
func (m *Manager) ForceRelease(ctx context.Context, accountID string) (int, error) {
	n, err := m.store.RevokeAccountLeases(ctx, accountID, ReasonForceReleased, m.now())
	if err != nil {
		return 0, fmt.Errorf("force release: %w", err)
	}
	if n > 0 {
		m.observe(ReasonForceReleased)
	}
	m.logger.Info("lease force released", "account_id", accountID, "revoked", n)
	return n, nil
}

// RevokeDevice soft-revokes a device and invalidates its lease.
func (m *Manager) RevokeDevice(ctx context.Context, deviceID, reason string) (*domain.Device, error) {
	if strings.TrimSpace(reason) == "" {
		reason = "revoked"
	}
	d, err := m.store.RevokeDevice(ctx, deviceID, reason, m.now())
	if err != nil {
		return nil, fmt.Errorf("revoke device: %w", err)
	}
	m.observe(ReasonDeviceRevoked)
	m.logger.Info("device revoked", "device_id", deviceID, "account_id", d.AccountID, "reason", reason)
	return d, nil
}

// DeviceStatus is a device together with the lease it currently holds, if any.
type DeviceStatus struct {
	Device   *domain.Device `json:"device"`
	Lease    *domain.Lease  `json:"lease,omitempty"`
	IsOnline bool           `json:"isOnline"`
}

// Device looks up a device and whether it holds its account's active lease.
func (m *Manager) Device(ctx context.Context, deviceID string) (DeviceStatus, error) {
	d, err := m.store.GetDevice(ctx, deviceID)
	if err != nil {
		return DeviceStatus{}, fmt.Errorf("get device: %w", err)
	}
	st, err := m.Status(ctx, d.AccountID)
	if err != nil {
		return DeviceStatus{}, err
	}
	out := DeviceStatus{Device: d}
	if st.Lease != nil && st.Lease.DeviceID == d.ID {
		out.Lease = st.Lease
		out.IsOnline = st.IsOnline
	}
	return out, nil
}

// Status is the read model of an account's lease.
type Status struct {
	Lease    *domain.Lease `json:"lease,omitempty"`
	IsOnline bool          `json:"isOnline"`
}

// Status reports whether the account holds a lease and whether its holder is online.
func (m *Manager) Status(ctx context.Context, accountID string) (Status, error) {
	now := m.now()
	l, err := m.store.ActiveLease(ctx, accountID, now)
	if errors.Is(err, domain.ErrNotFound) {
		return Status{}, nil
	}
	if err != nil {
		return Status{}, fmt.Errorf("lease status: %w", err)
	}
	return Status{Lease: l, IsOnline: l.IsOnline(now, m.cfg.HeartbeatTimeout)}, nil
}

// ExpireStale revokes leases whose expiry passed.
func (m *Manager) ExpireStale(ctx context.Context) (int, error) {
	n, err := m.store.ExpireLeases(ctx, m.now())
	if err != nil {
		return 0, fmt.Errorf("expire leases: %w", err)
	}
	if n > 0 && m.metrics != nil {
		m.metrics.LeaseEvents.WithLabelValues(ReasonExpired).Add(float64(n))
	}
	return n, nil
}

// PurgeCodes deletes used and expired pairing codes.
func (m *Manager) PurgeCodes(ctx context.Context) (int, error) {
	n, err := m.store.PurgePairingCodes(ctx, m.now())
	if err != nil {
		return 0, fmt.Errorf("purge pairing codes: %w", err)
	}
	return n, nil
}

func (m *Manager) observe(event string) {
	if m.metrics != nil {
		m.metrics.LeaseEvents.WithLabelValues(event).Inc()
	}
}

func (m *Manager) publish(ctx context.Context, subject string, payload any) {
	if err := m.events.Publish(ctx, subject, payload); err != nil {
		m.logger.Warn("publish event failed", "subject", subject, "error", err)
	}
}

func newCode() (string, error) {
	buf := make([]byte, codeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	out := make([]byte, codeLength)
	for i, b := range buf {
		out[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}
	return string(out), nil
}
