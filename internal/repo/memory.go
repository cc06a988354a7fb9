package repo

import (
	"context"
	"fmt"
	"io/fs"
	"sort"
	"sync"
	"time"

	"antrian-wa/internal/domain"
)

// MemoryRepository keeps all state in process. It backs STORE_DRIVER=memory
// and the engine tests. A single mutex makes every method atomic.
type MemoryRepository struct {
	mu       sync.Mutex
	now      func() time.Time
	accounts map[string]*domain.Account
	batches  map[string]*domain.Batch
	messages map[string]*domain.Message
	codes    map[string]*domain.PairingCode
	devices  map[string]*domain.Device
	leases   map[string]*domain.Lease
	settings *domain.RateLimitSettings
}

var _ Repository = (*MemoryRepository)(nil)

// NewMemory returns an empty in-memory repository.
func NewMemory() *MemoryRepository {
	return &MemoryRepository{
		now:      time.Now,
		accounts: map[string]*domain.Account{},
		batches:  map[string]*domain.Batch{},
		messages: map[string]*domain.Message{},
		codes:    map[string]*domain.PairingCode{},
		devices:  map[string]*domain.Device{},
		leases:   map[string]*domain.Lease{},
	}
}

// Close is a no-op.
func (r *MemoryRepository) Close() {}

// Ping always succeeds.
func (r *MemoryRepository) Ping(context.Context) error { return nil }

// RunMigrations is a no-op.
func (r *MemoryRepository) RunMigrations(context.Context, fs.FS) error { return nil }

// -- Accounts --

func (r *MemoryRepository) EnsureAccount(_ context.Context, id string) (*domain.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a := r.ensureAccountLocked(id)
	cp := *a
	return &cp, nil
}

func (r *MemoryRepository) ensureAccountLocked(id string) *domain.Account {
	a, ok := r.accounts[id]
	if !ok {
		now := r.now()
		a = &domain.Account{ID: id, Status: domain.StatusDisconnected, CreatedAt: now, UpdatedAt: now}
		r.accounts[id] = a
	}
	return a
}

func (r *MemoryRepository) GetAccount(_ context.Context, id string) (*domain.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.accounts[id]
	if !ok {
		return nil, fmt.Errorf("get account %s: %w", id, domain.ErrNotFound)
	}
	cp := *a
	return &cp, nil
}

func (r *MemoryRepository) SetAccountPause(_ context.Context, id string, paused bool, reason domain.Reason) (*domain.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a := r.ensureAccountLocked(id)
	a.IsPaused = paused
	a.PauseReason = reason
	if !paused {
		a.PauseReason = domain.ReasonNone
	}
	a.UpdatedAt = r.now()
	cp := *a
	return &cp, nil
}

func (r *MemoryRepository) SetAccountStatus(_ context.Context, id string, status domain.ConnStatus) (*domain.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a := r.ensureAccountLocked(id)
	a.Status = status
	a.UpdatedAt = r.now()
	cp := *a
	return &cp, nil
}

// -- Batches --

func (r *MemoryRepository) CreateBatch(_ context.Context, batch domain.Batch, msgs []domain.Message) (*domain.Batch, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if batch.CorrelationToken != "" {
		for _, b := range r.batches {
			if b.AccountID == batch.AccountID && b.CorrelationToken == batch.CorrelationToken {
				cp := *b
				return &cp, false, nil
			}
		}
	}
	r.ensureAccountLocked(batch.AccountID)

	b := batch
	r.batches[b.ID] = &b
	for i := range msgs {
		m := msgs[i]
		r.messages[m.ID] = &m
	}
	cp := b
	return &cp, true, nil
}

func (r *MemoryRepository) GetBatch(_ context.Context, id string) (*domain.Batch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.batches[id]
	if !ok || b.DeletedAt != nil {
		return nil, fmt.Errorf("get batch %s: %w", id, domain.ErrNotFound)
	}
	cp := *b
	return &cp, nil
}

func (r *MemoryRepository) ListBatches(_ context.Context, accountID string) ([]domain.Batch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var res []domain.Batch
	for _, b := range r.batches {
		if b.AccountID == accountID && b.DeletedAt == nil {
			res = append(res, *b)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.Before(res[j].CreatedAt) })
	return res, nil
}

func (r *MemoryRepository) SetBatchPause(_ context.Context, id string, paused bool, reason domain.Reason) (*domain.Batch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.batches[id]
	if !ok || b.DeletedAt != nil {
		return nil, fmt.Errorf("set batch pause %s: %w", id, domain.ErrNotFound)
	}
	b.IsPaused = paused
	b.PauseReason = reason
	if !paused {
		b.PauseReason = domain.ReasonNone
	}
	cp := *b
	return &cp, nil
}

func (r *MemoryRepository) CompleteBatch(_ context.Context, id string, counts domain.Counts, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.batches[id]
	if !ok {
		return false, fmt.Errorf("complete batch %s: %w", id, domain.ErrNotFound)
	}
	if b.CompletedAt != nil {
		return false, nil
	}
	b.SentCount = counts.Sent
	b.FailedCount = counts.Failed
	b.CompletedAt = &at
	return true, nil
}

func (r *MemoryRepository) ReopenBatch(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.batches[id]
	if !ok {
		return fmt.Errorf("reopen batch %s: %w", id, domain.ErrNotFound)
	}
	b.CompletedAt = nil
	b.SentCount = 0
	b.FailedCount = 0
	return nil
}

func (r *MemoryRepository) DeleteBatch(_ context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.batches[id]
	if !ok || b.DeletedAt != nil {
		return fmt.Errorf("delete batch %s: %w", id, domain.ErrNotFound)
	}
	b.DeletedAt = &at
	for _, m := range r.messages {
		if m.BatchID != nil && *m.BatchID == id && m.DeletedAt == nil {
			m.DeletedAt = &at
		}
	}
	return nil
}

func (r *MemoryRepository) BatchCounts(_ context.Context, id string) (domain.Counts, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var c domain.Counts
	for _, m := range r.messages {
		if m.BatchID == nil || *m.BatchID != id || m.DeletedAt != nil {
			continue
		}
		c.Total++
		switch m.Status {
		case domain.MessageQueued:
			c.Queued++
		case domain.MessageSending:
			c.Sending++
		case domain.MessageSent:
			c.Sent++
		case domain.MessageFailed:
			c.Failed++
		}
	}
	return c, nil
}

// -- Messages --

func (r *MemoryRepository) GetMessage(_ context.Context, id string) (*domain.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.messages[id]
	if !ok || m.DeletedAt != nil {
		return nil, fmt.Errorf("get message %s: %w", id, domain.ErrNotFound)
	}
	cp := *m
	return &cp, nil
}

func (r *MemoryRepository) ListBatchMessages(_ context.Context, batchID string, status domain.MessageStatus) ([]domain.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var res []domain.Message
	for _, m := range r.messages {
		if m.BatchID == nil || *m.BatchID != batchID || m.DeletedAt != nil {
			continue
		}
		if status != "" && m.Status != status {
			continue
		}
		res = append(res, *m)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Seq < res[j].Seq })
	return res, nil
}

func (r *MemoryRepository) ListCandidates(_ context.Context, accountID string, now time.Time, limit int) ([]domain.Candidate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	processing := map[string]bool{}
	for _, m := range r.messages {
		if m.AccountID == accountID && m.Status == domain.MessageSending && m.DeletedAt == nil && m.BatchID != nil {
			processing[*m.BatchID] = true
		}
	}

	var res []domain.Candidate
	for _, m := range r.messages {
		if m.AccountID != accountID || m.Status != domain.MessageQueued || m.DeletedAt != nil || m.IsPaused {
			continue
		}
		if m.NotBefore != nil && m.NotBefore.After(now) {
			continue
		}
		c := domain.Candidate{Message: *m}
		if m.BatchID != nil {
			b, ok := r.batches[*m.BatchID]
			if !ok || b.DeletedAt != nil || b.IsPaused {
				continue
			}
			bc := *b
			c.Batch = &bc
			c.Processing = processing[b.ID]
		}
		res = append(res, c)
	}
	domain.SortCandidates(res)
	if limit > 0 && len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

func (r *MemoryRepository) MarkSending(_ context.Context, id string, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.messages[id]
	if !ok || m.DeletedAt != nil || m.Status != domain.MessageQueued {
		return false, nil
	}
	m.Status = domain.MessageSending
	m.UpdatedAt = at
	return true, nil
}

func (r *MemoryRepository) FinishAttempt(_ context.Context, id string, res domain.AttemptResult) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.messages[id]
	if !ok || m.DeletedAt != nil || m.Status != domain.MessageSending {
		return false, nil
	}
	m.Status = res.Status
	m.FailureCode = res.FailureCode
	m.LastError = res.LastError
	m.NotBefore = res.NotBefore
	m.UpdatedAt = res.At
	if res.CountAttempt {
		m.Attempts++
	}
	if res.Status == domain.MessageSent {
		at := res.At
		m.SentAt = &at
	}
	return true, nil
}

func (r *MemoryRepository) RequeueFailed(_ context.Context, ids []string, at time.Time) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var done []string
	for _, id := range ids {
		m, ok := r.messages[id]
		if !ok || m.DeletedAt != nil || m.Status != domain.MessageFailed {
			continue
		}
		m.Status = domain.MessageQueued
		m.Attempts++
		m.NotBefore = nil
		m.UpdatedAt = at
		done = append(done, id)
	}
	return done, nil
}

func (r *MemoryRepository) ResetSending(_ context.Context, accountID string, at time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, m := range r.messages {
		if m.AccountID == accountID && m.Status == domain.MessageSending && m.DeletedAt == nil {
			m.Status = domain.MessageQueued
			m.UpdatedAt = at
			n++
		}
	}
	return n, nil
}

func (r *MemoryRepository) SetMessagePause(_ context.Context, id string, paused bool, reason domain.Reason) (*domain.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.messages[id]
	if !ok || m.DeletedAt != nil {
		return nil, fmt.Errorf("set message pause %s: %w", id, domain.ErrNotFound)
	}
	m.IsPaused = paused
	m.PauseReason = reason
	if !paused {
		m.PauseReason = domain.ReasonNone
	}
	cp := *m
	return &cp, nil
}

func (r *MemoryRepository) DeleteMessage(_ context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.messages[id]
	if !ok || m.DeletedAt != nil {
		return fmt.Errorf("delete message %s: %w", id, domain.ErrNotFound)
	}
	m.DeletedAt = &at
	return nil
}

// -- Leases --

func (r *MemoryRepository) CreatePairingCode(_ context.Context, code domain.PairingCode) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.codes[code.Code]; exists {
		return fmt.Errorf("create pairing code: duplicate code")
	}
	c := code
	r.codes[c.Code] = &c
	return nil
}

func (r *MemoryRepository) ClaimLease(_ context.Context, code string, device domain.Device, lease domain.Lease, now time.Time) (*domain.Lease, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	pc, ok := r.codes[code]
	if !ok || pc.UsedAt != nil || !now.Before(pc.ExpiresAt) {
		return nil, domain.ErrPairingCodeInvalid
	}
	if d, ok := r.devices[device.ID]; ok {
		if d.RevokedAt != nil {
			return nil, domain.ErrDeviceRevoked
		}
	}
	for _, l := range r.leases {
		if l.AccountID != pc.AccountID || l.RevokedAt != nil {
			continue
		}
		if l.Active(now) {
			return nil, domain.ErrLeaseHeld
		}
		at := now
		l.RevokedAt = &at
		l.RevokeReason = "superseded"
	}

	used := now
	usedBy := device.ID
	pc.UsedAt = &used
	pc.UsedBy = &usedBy

	if d, ok := r.devices[device.ID]; ok {
		d.AccountID = pc.AccountID
	} else {
		d := device
		d.AccountID = pc.AccountID
		r.devices[d.ID] = &d
	}
	r.ensureAccountLocked(pc.AccountID)

	l := lease
	l.AccountID = pc.AccountID
	r.leases[l.ID] = &l
	cp := l
	return &cp, nil
}

func (r *MemoryRepository) GetLease(_ context.Context, id string) (*domain.Lease, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.leases[id]
	if !ok {
		return nil, fmt.Errorf("get lease %s: %w", id, domain.ErrNotFound)
	}
	cp := *l
	return &cp, nil
}

func (r *MemoryRepository) ActiveLease(_ context.Context, accountID string, now time.Time) (*domain.Lease, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range r.leases {
		if l.AccountID == accountID && l.Active(now) {
			cp := *l
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("active lease %s: %w", accountID, domain.ErrNotFound)
}

func (r *MemoryRepository) ListActiveLeases(_ context.Context, now time.Time) ([]domain.Lease, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var res []domain.Lease
	for _, l := range r.leases {
		if l.Active(now) {
			res = append(res, *l)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].AccountID < res[j].AccountID })
	return res, nil
}

func (r *MemoryRepository) TouchLease(_ context.Context, id string, hb domain.Heartbeat, at, expiresAt time.Time) (*domain.Lease, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.leases[id]
	if !ok {
		return nil, fmt.Errorf("touch lease %s: %w", id, domain.ErrNotFound)
	}
	if !l.Active(at) {
		return nil, domain.ErrLeaseRevoked
	}
	l.LastHeartbeat = at
	l.ReportedStatus = hb.Status
	l.CurrentActivity = hb.Activity
	l.ExpiresAt = expiresAt
	cp := *l
	return &cp, nil
}

func (r *MemoryRepository) RevokeAccountLeases(_ context.Context, accountID, reason string, at time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, l := range r.leases {
		if l.AccountID == accountID && l.RevokedAt == nil {
			t := at
			l.RevokedAt = &t
			l.RevokeReason = reason
			n++
		}
	}
	return n, nil
}

func (r *MemoryRepository) GetDevice(_ context.Context, id string) (*domain.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[id]
	if !ok {
		return nil, fmt.Errorf("get device %s: %w", id, domain.ErrNotFound)
	}
	cp := *d
	return &cp, nil
}

func (r *MemoryRepository) RevokeDevice(_ context.Context, id, reason string, at time.Time) (*domain.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[id]
	if !ok {
		return nil, fmt.Errorf("revoke device %s: %w", id, domain.ErrNotFound)
	}
	if d.RevokedAt == nil {
		t := at
		d.RevokedAt = &t
		d.RevokeReason = reason
	}
	for _, l := range r.leases {
		if l.DeviceID == id && l.RevokedAt == nil {
			t := at
			l.RevokedAt = &t
			l.RevokeReason = "device_revoked"
		}
	}
	cp := *d
	return &cp, nil
}

func (r *MemoryRepository) ExpireLeases(_ context.Context, now time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, l := range r.leases {
		if l.RevokedAt == nil && !now.Before(l.ExpiresAt) {
			t := now
			l.RevokedAt = &t
			l.RevokeReason = "expired"
			n++
		}
	}
	return n, nil
}

func (r *MemoryRepository) PurgePairingCodes(_ context.Context, now time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for k, c := range r.codes {
		if c.UsedAt != nil || !now.Before(c.ExpiresAt) {
			delete(r.codes, k)
			n++
		}
	}
	return n, nil
}

// -- Settings --

func (r *MemoryRepository) GetRateLimitSettings(context.Context) (*domain.RateLimitSettings, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.settings == nil {
		return nil, fmt.Errorf("get rate limit settings: %w", domain.ErrNotFound)
	}
	cp := *r.settings
	return &cp, nil
}

func (r *MemoryRepository) SaveRateLimitSettings(_ context.Context, s domain.RateLimitSettings) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := s
	r.settings = &cp
	return nil
}
