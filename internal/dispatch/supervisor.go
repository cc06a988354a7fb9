package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"antrian-wa/internal/metrics"

	"github.com/google/uuid"
)

// Locker is a distributed lock keyed by name. Holders are identified by token.
type Locker interface {
	AcquireLock(ctx context.Context, name, token string, ttl time.Duration) (bool, error)
	RenewLock(ctx context.Context, name, token string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, name, token string) error
}

type loop struct {
	id     uint64
	cancel context.CancelFunc
}

// Supervisor keeps one dispatch loop per account holding an active lease. With
// a Locker, at most one loop per account runs across all replicas.
type Supervisor struct {
	d        *Dispatcher
	locker   Locker
	interval time.Duration
	lockTTL  time.Duration
	token    string
	metrics  *metrics.Metrics
	logger   *slog.Logger

	mu     sync.Mutex
	loops  map[string]loop
	nextID uint64
	wg     sync.WaitGroup
}

// NewSupervisor constructs a Supervisor. locker may be nil for single-replica runs.
func NewSupervisor(d *Dispatcher, locker Locker, interval, lockTTL time.Duration, m *metrics.Metrics, logger *slog.Logger) *Supervisor {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if lockTTL <= 0 {
		lockTTL = 30 * time.Second
	}
	return &Supervisor{
		d:        d,
		locker:   locker,
		interval: interval,
		lockTTL:  lockTTL,
		token:    uuid.NewString(),
		metrics:  m,
		logger:   logger.With("component", "dispatch-supervisor"),
		loops:    map[string]loop{},
	}
}

// Run reconciles loops every interval until ctx is done, then waits for all
// loops to stop.
func (s *Supervisor) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Reconcile(ctx)
	for {
		select {
		case <-ctx.Done():
			s.stopAll()
			s.wg.Wait()
			return nil
		case <-ticker.C:
			s.Reconcile(ctx)
		}
	}
}

// Reconcile starts loops for accounts with an active lease and stops loops of
// accounts that lost theirs.
func (s *Supervisor) Reconcile(ctx context.Context) {
	leases, err := s.d.store.ListActiveLeases(ctx, s.d.now())
	if err != nil {
		s.logger.Error("list active leases failed", "error", err)
		return
	}
	want := make(map[string]struct{}, len(leases))
	for _, l := range leases {
		want[l.AccountID] = struct{}{}
	}

	s.mu.Lock()
	var start []string
	for accountID := range want {
		if _, running := s.loops[accountID]; !running {
			start = append(start, accountID)
		}
	}
	for accountID, l := range s.loops {
		if _, ok := want[accountID]; !ok {
			l.cancel()
		}
	}
	s.mu.Unlock()

	for _, accountID := range start {
		s.start(ctx, accountID)
	}
}

// Running reports whether this process runs a loop for accountID.
func (s *Supervisor) Running(accountID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.loops[accountID]
	return ok
}

func lockName(accountID string) string {
	return "dispatch:" + accountID
}

func (s *Supervisor) start(ctx context.Context, accountID string) {
	if s.locker != nil {
		ok, err := s.locker.AcquireLock(ctx, lockName(accountID), s.token, s.lockTTL)
		if err != nil {
			s.logger.Warn("acquire dispatch lock failed", "account_id", accountID, "error", err)
			return
		}
		if !ok {
			return
		}
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.loops[accountID] = loop{id: id, cancel: cancel}
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.DispatchLoops.Inc()
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.finish(accountID, id, cancel)
		if s.locker != nil {
			go s.renew(loopCtx, cancel, accountID)
		}
		if err := s.d.Run(loopCtx, accountID); err != nil {
			s.logger.Error("dispatch loop failed", "account_id", accountID, "error", err)
		}
	}()
}

func (s *Supervisor) renew(ctx context.Context, cancel context.CancelFunc, accountID string) {
	ticker := time.NewTicker(s.lockTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := s.locker.RenewLock(ctx, lockName(accountID), s.token, s.lockTTL)
			if err != nil {
				s.logger.Warn("renew dispatch lock failed", "account_id", accountID, "error", err)
				continue
			}
			if !ok {
				s.logger.Warn("dispatch lock lost", "account_id", accountID)
				cancel()
				return
			}
		}
	}
}

func (s *Supervisor) finish(accountID string, id uint64, cancel context.CancelFunc) {
	cancel()
	s.mu.Lock()
	if cur, ok := s.loops[accountID]; ok && cur.id == id {
		delete(s.loops, accountID)
	}
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.DispatchLoops.Dec()
	}
	if s.locker != nil {
		ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		if err := s.locker.ReleaseLock(ctx, lockName(accountID), s.token); err != nil {
			s.logger.Warn("release dispatch lock failed", "account_id", accountID, "error", err)
		}
	}
}

func (s *Supervisor) stopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.loops {
		l.cancel()
	}
}
