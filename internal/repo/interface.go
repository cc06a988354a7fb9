package repo

import (
	"context"
	"io/fs"
	"time"

	"antrian-wa/internal/domain"
)

// AccountStore persists the account-level pause scope.
type AccountStore interface {
	// EnsureAccount returns the account, creating a disconnected one on first use.
	EnsureAccount(ctx context.Context, id string) (*domain.Account, error)
	GetAccount(ctx context.Context, id string) (*domain.Account, error)
	SetAccountPause(ctx context.Context, id string, paused bool, reason domain.Reason) (*domain.Account, error)
	SetAccountStatus(ctx context.Context, id string, status domain.ConnStatus) (*domain.Account, error)
}

// BatchStore persists batches (sessions).
type BatchStore interface {
	// CreateBatch inserts a batch with its messages. When the account already
	// has a batch with the same correlation token, that batch is returned and
	// created is false.
	CreateBatch(ctx context.Context, batch domain.Batch, msgs []domain.Message) (b *domain.Batch, created bool, err error)
	GetBatch(ctx context.Context, id string) (*domain.Batch, error)
	ListBatches(ctx context.Context, accountID string) ([]domain.Batch, error)
	SetBatchPause(ctx context.Context, id string, paused bool, reason domain.Reason) (*domain.Batch, error)
	// CompleteBatch freezes counters and sets CompletedAt when the batch is not
	// already completed. It reports whether the batch was transitioned.
	CompleteBatch(ctx context.Context, id string, counts domain.Counts, at time.Time) (bool, error)
	ReopenBatch(ctx context.Context, id string) error
	// DeleteBatch soft-deletes the batch and its messages.
	DeleteBatch(ctx context.Context, id string, at time.Time) error
	BatchCounts(ctx context.Context, id string) (domain.Counts, error)
}

// MessageStore persists outbound messages and their state transitions.
type MessageStore interface {
	GetMessage(ctx context.Context, id string) (*domain.Message, error)
	ListBatchMessages(ctx context.Context, batchID string, status domain.MessageStatus) ([]domain.Message, error)
	// ListCandidates returns queued, unpaused, due messages of the account whose
	// batch (if any) is unpaused and not deleted, ordered by domain.SortCandidates.
	ListCandidates(ctx context.Context, accountID string, now time.Time, limit int) ([]domain.Candidate, error)
	// MarkSending moves a queued message to sending. It reports false when the
	// message was no longer queued or has been deleted.
	MarkSending(ctx context.Context, id string, at time.Time) (bool, error)
	// FinishAttempt moves a sending message to res.Status. It reports false when
	// the message left sending or was deleted meanwhile.
	FinishAttempt(ctx context.Context, id string, res domain.AttemptResult) (bool, error)
	// RequeueFailed moves failed messages back to queued and increments their
	// attempts. It returns the IDs that were actually requeued.
	RequeueFailed(ctx context.Context, ids []string, at time.Time) ([]string, error)
	// ResetSending returns the account's sending messages to queued.
	ResetSending(ctx context.Context, accountID string, at time.Time) (int, error)
	SetMessagePause(ctx context.Context, id string, paused bool, reason domain.Reason) (*domain.Message, error)
	DeleteMessage(ctx context.Context, id string, at time.Time) error
}

// LeaseStore persists pairing codes, devices and leases.
type LeaseStore interface {
	CreatePairingCode(ctx context.Context, code domain.PairingCode) error
	// ClaimLease atomically consumes the pairing code, registers the device,
	// supersedes expired leases of the account and inserts lease. It fails with
	// domain.ErrPairingCodeInvalid, domain.ErrDeviceRevoked or domain.ErrLeaseHeld.
	ClaimLease(ctx context.Context, code string, device domain.Device, lease domain.Lease, now time.Time) (*domain.Lease, error)
	GetLease(ctx context.Context, id string) (*domain.Lease, error)
	// ActiveLease returns the unrevoked, unexpired lease of the account.
	ActiveLease(ctx context.Context, accountID string, now time.Time) (*domain.Lease, error)
	ListActiveLeases(ctx context.Context, now time.Time) ([]domain.Lease, error)
	TouchLease(ctx context.Context, id string, hb domain.Heartbeat, at, expiresAt time.Time) (*domain.Lease, error)
	RevokeAccountLeases(ctx context.Context, accountID, reason string, at time.Time) (int, error)
	GetDevice(ctx context.Context, id string) (*domain.Device, error)
	// RevokeDevice soft-revokes the device and revokes its active leases.
	RevokeDevice(ctx context.Context, id, reason string, at time.Time) (*domain.Device, error)
	// ExpireLeases revokes leases whose expiry has passed.
	ExpireLeases(ctx context.Context, now time.Time) (int, error)
	// PurgePairingCodes removes used or expired codes.
	PurgePairingCodes(ctx context.Context, now time.Time) (int, error)
}

// SettingsStore persists engine-wide settings.
type SettingsStore interface {
	GetRateLimitSettings(ctx context.Context) (*domain.RateLimitSettings, error)
	SaveRateLimitSettings(ctx context.Context, s domain.RateLimitSettings) error
}

// Repository defines the interface for data persistence.
type Repository interface {
	// Lifecycle
	Close()
	Ping(ctx context.Context) error
	RunMigrations(ctx context.Context, filesystem fs.FS) error

	AccountStore
	BatchStore
	MessageStore
	LeaseStore
	SettingsStore
}
