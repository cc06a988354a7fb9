// Package dispatch drives queued messages through each account's leased
// surface one at a time, with randomized spacing between sends.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"antrian-wa/internal/domain"
	"antrian-wa/internal/events"
	"antrian-wa/internal/failure"
	"antrian-wa/internal/metrics"
	"antrian-wa/internal/pause"
	"antrian-wa/internal/surface"
)

// Store is the persistence the dispatcher needs.
type Store interface {
	GetAccount(ctx context.Context, id string) (*domain.Account, error)
	SetAccountPause(ctx context.Context, id string, paused bool, reason domain.Reason) (*domain.Account, error)
	GetBatch(ctx context.Context, id string) (*domain.Batch, error)
	GetMessage(ctx context.Context, id string) (*domain.Message, error)
	ListCandidates(ctx context.Context, accountID string, now time.Time, limit int) ([]domain.Candidate, error)
	MarkSending(ctx context.Context, id string, at time.Time) (bool, error)
	FinishAttempt(ctx context.Context, id string, res domain.AttemptResult) (bool, error)
	ResetSending(ctx context.Context, accountID string, at time.Time) (int, error)
	ActiveLease(ctx context.Context, accountID string, now time.Time) (*domain.Lease, error)
	ListActiveLeases(ctx context.Context, now time.Time) ([]domain.Lease, error)
	GetRateLimitSettings(ctx context.Context) (*domain.RateLimitSettings, error)
}

// BatchObserver is told when a message of a batch reached a terminal state.
type BatchObserver interface {
	BatchProgressed(ctx context.Context, batchID string)
}

// ReachabilityCache remembers definitive recipient check results.
type ReachabilityCache interface {
	SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error
	GetJSON(ctx context.Context, key string, dest any) (bool, error)
}

// Config tunes the dispatcher.
type Config struct {
	SendTimeout      time.Duration
	CheckTimeout     time.Duration
	PollInterval     time.Duration
	CandidateLimit   int
	Retry            failure.RetryPolicy
	Circuit          CircuitConfig
	DefaultRateLimit domain.RateLimitSettings
	ReachabilityTTL  time.Duration
}

// Dispatcher sends queued messages and runs recipient checks.
type Dispatcher struct {
	store    Store
	surfaces *surface.Registry
	cfg      Config
	circuits *circuits
	events   events.Publisher
	metrics  *metrics.Metrics
	logger   *slog.Logger
	observer BatchObserver
	reach    ReachabilityCache

	now    func() time.Time
	sleep  func(context.Context, time.Duration) error
	int64n func(int64) int64

	mu     sync.Mutex
	locks  map[string]chan struct{}
	checks map[string]*check
}

// Option customises a Dispatcher.
type Option func(*Dispatcher)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(d *Dispatcher) { d.now = now } }

// WithSleep overrides how the loop waits between steps.
func WithSleep(sleep func(context.Context, time.Duration) error) Option {
	return func(d *Dispatcher) { d.sleep = sleep }
}

// WithRand overrides the random source used for delays.
func WithRand(int64n func(int64) int64) Option { return func(d *Dispatcher) { d.int64n = int64n } }

// WithBatchObserver registers the batch completion hook.
func WithBatchObserver(o BatchObserver) Option { return func(d *Dispatcher) { d.observer = o } }

// WithReachabilityCache caches recipient checks.
func WithReachabilityCache(c ReachabilityCache) Option { return func(d *Dispatcher) { d.reach = c } }

// New constructs a Dispatcher.
func New(store Store, surfaces *surface.Registry, cfg Config, pub events.Publisher, m *metrics.Metrics, logger *slog.Logger, opts ...Option) *Dispatcher {
	if pub == nil {
		pub = events.Nop{}
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.CandidateLimit <= 0 {
		cfg.CandidateLimit = 20
	}
	if cfg.ReachabilityTTL <= 0 {
		cfg.ReachabilityTTL = 24 * time.Hour
	}
	d := &Dispatcher{
		store:    store,
		surfaces: surfaces,
		cfg:      cfg,
		circuits: newCircuits(cfg.Circuit),
		events:   pub,
		metrics:  m,
		logger:   logger.With("component", "dispatch"),
		now:      time.Now,
		sleep:    sleepCtx,
		int64n:   defaultInt64N,
		locks:    map[string]chan struct{}{},
		checks:   map[string]*check{},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Outcome classifies what a Step did.
type Outcome string

const (
	OutcomeSent    Outcome = "sent"
	OutcomeRetry   Outcome = "retry"
	OutcomeFailed  Outcome = "failed"
	OutcomeIdle    Outcome = "idle"
	OutcomeBlocked Outcome = "blocked"
)

// StepResult reports one dispatch iteration.
type StepResult struct {
	Outcome   Outcome
	MessageID string
	Reason    domain.Reason
	// RetryAt is set when the circuit is open or a message was requeued with a gate.
	RetryAt *time.Time
}

// Attempted reports whether the step used the surface.
func (r StepResult) Attempted() bool {
	switch r.Outcome {
	case OutcomeSent, OutcomeRetry, OutcomeFailed:
		return true
	}
	return false
}

// Run dispatches for accountID until ctx is done. Messages left in sending by
// a previous run are requeued first.
func (d *Dispatcher) Run(ctx context.Context, accountID string) error {
	logger := d.logger.With("account_id", accountID)
	if n, err := d.store.ResetSending(ctx, accountID, d.now()); err != nil {
		return fmt.Errorf("reset sending: %w", err)
	} else if n > 0 {
		logger.Warn("requeued messages left in sending", "count", n)
	}
	logger.Info("dispatch loop started")
	defer logger.Info("dispatch loop stopped")

	for {
		res, err := d.Step(ctx, accountID)
		if ctx.Err() != nil {
			return nil
		}
		wait := d.cfg.PollInterval
		switch {
		case err != nil:
			logger.Error("dispatch step failed", "error", err)
			d.countError()
		case res.Attempted():
			wait = d.delay(ctx)
		}
		if err := d.sleep(ctx, wait); err != nil {
			return nil
		}
	}
}

func (d *Dispatcher) delay(ctx context.Context) time.Duration {
	s := d.cfg.DefaultRateLimit
	stored, err := d.store.GetRateLimitSettings(ctx)
	switch {
	case err == nil:
		s = *stored
	case !errors.Is(err, domain.ErrNotFound):
		d.logger.Warn("load rate limit settings failed, using defaults", "error", err)
	}
	return nextDelay(s, d.int64n)
}

// Step selects the next eligible message of the account and hands it to the
// leased surface. The effective pause of the selected message is resolved on
// fresh state while holding the surface lock.
func (d *Dispatcher) Step(ctx context.Context, accountID string) (StepResult, error) {
	now := d.now()
	if open, until := d.circuits.isOpen(now, accountID); open {
		return StepResult{Outcome: OutcomeBlocked, Reason: domain.ReasonCircuitBreakerOpen, RetryAt: &until}, nil
	}

	acc, err := d.store.GetAccount(ctx, accountID)
	if errors.Is(err, domain.ErrNotFound) {
		return StepResult{Outcome: OutcomeIdle}, nil
	}
	if err != nil {
		return StepResult{}, fmt.Errorf("load account: %w", err)
	}
	if acc.IsPaused {
		return StepResult{Outcome: OutcomeBlocked, Reason: acc.PauseReason}, nil
	}

	lease, err := d.store.ActiveLease(ctx, accountID, now)
	if errors.Is(err, domain.ErrNotFound) {
		return StepResult{Outcome: OutcomeBlocked, Reason: domain.ReasonServiceUnavailable}, nil
	}
	if err != nil {
		return StepResult{}, fmt.Errorf("load lease: %w", err)
	}

	candidates, err := d.store.ListCandidates(ctx, accountID, now, d.cfg.CandidateLimit)
	if err != nil {
		return StepResult{}, fmt.Errorf("list candidates: %w", err)
	}
	if len(candidates) == 0 {
		return StepResult{Outcome: OutcomeIdle}, nil
	}

	unlock, err := d.lockSurface(ctx, accountID)
	if err != nil {
		return StepResult{}, err
	}
	defer unlock()

	for _, c := range candidates {
		msg, ok, err := d.claim(ctx, c.Message.ID)
		if err != nil {
			return StepResult{}, err
		}
		if !ok {
			continue
		}
		return d.attempt(ctx, lease, msg)
	}
	return StepResult{Outcome: OutcomeIdle}, nil
}

// claim re-reads the message with its batch and account, resolves the
// effective pause and moves the message to sending when nothing pauses it.
func (d *Dispatcher) claim(ctx context.Context, messageID string) (*domain.Message, bool, error) {
	msg, err := d.store.GetMessage(ctx, messageID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load message: %w", err)
	}
	if msg.Status != domain.MessageQueued {
		return nil, false, nil
	}
	var batch *domain.Batch
	if msg.BatchID != nil {
		batch, err = d.store.GetBatch(ctx, *msg.BatchID)
		if errors.Is(err, domain.ErrNotFound) {
			return nil, false, nil
		}
		if err != nil {
			return nil, false, fmt.Errorf("load batch: %w", err)
		}
	}
	acc, err := d.store.GetAccount(ctx, msg.AccountID)
	if err != nil {
		return nil, false, fmt.Errorf("load account: %w", err)
	}
	if eff := pause.Resolve(msg, batch, acc); eff.Paused {
		return nil, false, nil
	}

	ok, err := d.store.MarkSending(ctx, msg.ID, d.now())
	if err != nil {
		return nil, false, fmt.Errorf("mark sending: %w", err)
	}
	return msg, ok, nil
}

func (d *Dispatcher) attempt(ctx context.Context, lease *domain.Lease, msg *domain.Message) (StepResult, error) {
	var sendErr error
	s, ok := d.surfaces.Get(lease.DeviceID)
	if !ok {
		sendErr = surface.Errorf(domain.ReasonServiceUnavailable, "no live surface for device %s", lease.DeviceID)
	} else {
		sendErr = d.send(ctx, s, msg)
	}

	// Record the outcome even when ctx was cancelled mid-send.
	recCtx := context.WithoutCancel(ctx)
	if sendErr == nil {
		return d.recordSuccess(recCtx, msg)
	}
	return d.recordFailure(recCtx, msg, sendErr)
}

func (d *Dispatcher) send(ctx context.Context, s surface.Surface, msg *domain.Message) error {
	sendCtx := ctx
	if d.cfg.SendTimeout > 0 {
		var cancel context.CancelFunc
		sendCtx, cancel = context.WithTimeout(ctx, d.cfg.SendTimeout)
		defer cancel()
	}
	start := time.Now()
	err := s.Send(sendCtx, msg.RecipientPhone, msg.Content)
	if d.metrics != nil {
		status := "ok"
		if err != nil {
			status = "error"
		}
		d.metrics.SendLatency.WithLabelValues(status).Observe(time.Since(start).Seconds())
	}
	return err
}

func (d *Dispatcher) recordSuccess(ctx context.Context, msg *domain.Message) (StepResult, error) {
	now := d.now()
	d.circuits.success(msg.AccountID)
	d.setCircuitGauge(msg.AccountID, false)

	ok, err := d.store.FinishAttempt(ctx, msg.ID, domain.AttemptResult{Status: domain.MessageSent, At: now})
	if err != nil {
		return StepResult{}, fmt.Errorf("finish attempt: %w", err)
	}
	if !ok {
		d.logger.Warn("message left sending before it was recorded", "message_id", msg.ID)
	}
	if d.metrics != nil {
		d.metrics.MessagesSent.WithLabelValues(msg.AccountID).Inc()
	}
	d.publish(ctx, events.SubjectMessageSent, events.MessageEvent{
		MessageID:  msg.ID,
		BatchID:    batchIDOf(msg),
		AccountID:  msg.AccountID,
		Attempts:   msg.Attempts,
		OccurredAt: now,
	})
	d.progressed(ctx, msg)
	return StepResult{Outcome: OutcomeSent, MessageID: msg.ID}, nil
}

func (d *Dispatcher) recordFailure(ctx context.Context, msg *domain.Message, sendErr error) (StepResult, error) {
	now := d.now()
	reason := failure.Classify(sendErr)
	var openUntil time.Time
	if reason.Policy().Transient {
		var tripped bool
		tripped, openUntil = d.circuits.failure(now, msg.AccountID)
		if tripped {
			reason = domain.ReasonCircuitBreakerOpen
			d.setCircuitGauge(msg.AccountID, true)
			d.logger.Warn("circuit breaker open", "account_id", msg.AccountID, "until", openUntil)
		}
	}

	dec := failure.Decide(reason, msg.Attempts, d.cfg.Retry)
	res := domain.AttemptResult{
		FailureCode:  reason,
		LastError:    sendErr.Error(),
		CountAttempt: dec.CountAttempt,
		At:           now,
	}
	result := StepResult{MessageID: msg.ID, Reason: reason}
	logger := d.logger.With("account_id", msg.AccountID, "message_id", msg.ID, "code", reason)

	switch dec.Action {
	case failure.ActionRequeue:
		res.Status = domain.MessageQueued
		if dec.Delay > 0 || !openUntil.IsZero() {
			gate := now.Add(dec.Delay)
			if openUntil.After(gate) {
				gate = openUntil
			}
			res.NotBefore = &gate
			result.RetryAt = &gate
		}
		result.Outcome = OutcomeRetry
		logger.Warn("send failed, message requeued", "error", sendErr, "not_before", res.NotBefore)
	default:
		res.Status = domain.MessageFailed
		result.Outcome = OutcomeFailed
		logger.Error("send failed, message marked failed", "error", sendErr)
	}

	if _, err := d.store.FinishAttempt(ctx, msg.ID, res); err != nil {
		return StepResult{}, fmt.Errorf("finish attempt: %w", err)
	}

	attempts := msg.Attempts
	if dec.CountAttempt {
		attempts++
	}
	evt := events.MessageEvent{
		MessageID:  msg.ID,
		BatchID:    batchIDOf(msg),
		AccountID:  msg.AccountID,
		Code:       string(reason),
		Error:      sendErr.Error(),
		Attempts:   attempts,
		NotBefore:  res.NotBefore,
		OccurredAt: now,
	}
	if result.Outcome == OutcomeRetry {
		if d.metrics != nil {
			d.metrics.MessagesRetried.WithLabelValues(string(reason)).Inc()
		}
		d.publish(ctx, events.SubjectMessageRetrying, evt)
	} else {
		if d.metrics != nil {
			d.metrics.MessagesFailed.WithLabelValues(string(reason)).Inc()
		}
		d.publish(ctx, events.SubjectMessageFailed, evt)
		d.progressed(ctx, msg)
	}

	if dec.PauseAccount {
		if err := d.pauseAccount(ctx, msg.AccountID, reason); err != nil {
			return result, err
		}
	}
	return result, nil
}

// pauseAccount applies an engine-initiated account pause unless the account
// is already paused for another reason.
func (d *Dispatcher) pauseAccount(ctx context.Context, accountID string, reason domain.Reason) error {
	acc, err := d.store.GetAccount(ctx, accountID)
	if err != nil {
		return fmt.Errorf("load account: %w", err)
	}
	if acc.IsPaused {
		return nil
	}
	if _, err := d.store.SetAccountPause(ctx, accountID, true, reason); err != nil {
		return fmt.Errorf("pause account: %w", err)
	}
	d.logger.Warn("account paused", "account_id", accountID, "reason", reason.Describe())
	d.publish(ctx, events.SubjectAccountPaused, events.AccountPausedEvent{
		AccountID:  accountID,
		Reason:     string(reason),
		Message:    reason.Describe(),
		OccurredAt: d.now(),
	})
	return nil
}

func (d *Dispatcher) progressed(ctx context.Context, msg *domain.Message) {
	if d.observer != nil && msg.BatchID != nil {
		d.observer.BatchProgressed(ctx, *msg.BatchID)
	}
}

// lockSurface serializes every use of the account's surface.
func (d *Dispatcher) lockSurface(ctx context.Context, accountID string) (func(), error) {
	d.mu.Lock()
	ch, ok := d.locks[accountID]
	if !ok {
		ch = make(chan struct{}, 1)
		d.locks[accountID] = ch
	}
	d.mu.Unlock()

	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *Dispatcher) publish(ctx context.Context, subject string, payload any) {
	if err := d.events.Publish(ctx, subject, payload); err != nil {
		d.logger.Warn("publish event failed", "subject", subject, "error", err)
	}
}

func (d *Dispatcher) setCircuitGauge(accountID string, open bool) {
	if d.metrics == nil {
		return
	}
	v := 0.0
	if open {
		v = 1
	}
	d.metrics.CircuitOpen.WithLabelValues(accountID).Set(v)
}

func (d *Dispatcher) countError() {
	if d.metrics != nil {
		d.metrics.Errors.WithLabelValues("dispatch").Inc()
	}
}

func batchIDOf(m *domain.Message) string {
	if m.BatchID == nil {
		return ""
	}
	return *m.BatchID
}
