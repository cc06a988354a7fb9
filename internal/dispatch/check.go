package dispatch

import (
	"context"
	"errors"
	"fmt"

	"antrian-wa/internal/domain"
	"antrian-wa/internal/failure"
	"antrian-wa/internal/surface"
)

type check struct {
	cancel    context.CancelFunc
	done      chan struct{}
	cancelled bool
}

// CheckRecipient asks the account's leased surface whether phone can receive
// messages. The account is paused with CheckWhatsApp while the check holds the
// surface; its previous pause state is restored afterwards.
func (d *Dispatcher) CheckRecipient(ctx context.Context, accountID, phone string) (surface.Reachability, error) {
	phone, err := domain.NormalizePhone(phone)
	if err != nil {
		return surface.Unknown, err
	}

	if d.reach != nil {
		var cached surface.Reachability
		found, err := d.reach.GetJSON(ctx, reachKey(phone), &cached)
		if err != nil {
			d.logger.Warn("reachability cache read failed", "error", err)
		} else if found {
			d.observeCheck("cached")
			return cached, nil
		}
	}

	var (
		checkCtx context.Context
		cancel   context.CancelFunc
	)
	if d.cfg.CheckTimeout > 0 {
		checkCtx, cancel = context.WithTimeout(ctx, d.cfg.CheckTimeout)
	} else {
		checkCtx, cancel = context.WithCancel(ctx)
	}
	c := &check{cancel: cancel, done: make(chan struct{})}

	d.mu.Lock()
	if _, busy := d.checks[accountID]; busy {
		d.mu.Unlock()
		cancel()
		return surface.Unknown, fmt.Errorf("check recipient %s: %w", accountID, domain.ErrCheckInProgress)
	}
	d.checks[accountID] = c
	d.mu.Unlock()

	defer func() {
		cancel()
		d.mu.Lock()
		delete(d.checks, accountID)
		d.mu.Unlock()
		close(c.done)
	}()

	restore, err := d.holdForCheck(ctx, accountID)
	if err != nil {
		return surface.Unknown, err
	}
	defer restore()

	r, err := d.runCheck(checkCtx, accountID, phone)
	if err != nil {
		d.mu.Lock()
		cancelled := c.cancelled
		d.mu.Unlock()
		if cancelled {
			d.observeCheck("cancelled")
			return surface.Unknown, failure.New(domain.ReasonAborted, err)
		}
		d.observeCheck("error")
		return surface.Unknown, err
	}
	d.observeCheck(string(r))

	if d.reach != nil && r != surface.Unknown {
		if err := d.reach.SetJSON(ctx, reachKey(phone), r, d.cfg.ReachabilityTTL); err != nil {
			d.logger.Warn("reachability cache write failed", "error", err)
		}
	}
	return r, nil
}

func (d *Dispatcher) runCheck(ctx context.Context, accountID, phone string) (surface.Reachability, error) {
	lease, err := d.store.ActiveLease(ctx, accountID, d.now())
	if errors.Is(err, domain.ErrNotFound) {
		return surface.Unknown, failure.New(domain.ReasonServiceUnavailable, domain.ErrNoActiveLease)
	}
	if err != nil {
		return surface.Unknown, fmt.Errorf("load lease: %w", err)
	}
	s, ok := d.surfaces.Get(lease.DeviceID)
	if !ok {
		return surface.Unknown, failure.New(domain.ReasonServiceUnavailable, fmt.Errorf("no live surface for device %s", lease.DeviceID))
	}

	unlock, err := d.lockSurface(ctx, accountID)
	if err != nil {
		return surface.Unknown, fmt.Errorf("wait for surface: %w", err)
	}
	defer unlock()

	r, err := s.CheckReachable(ctx, phone)
	if err != nil {
		return surface.Unknown, fmt.Errorf("check reachable: %w", err)
	}
	return r, nil
}

// holdForCheck pauses the account with CheckWhatsApp and returns the function
// that restores the previous pause state. The restore is skipped when someone
// else changed the pause in the meantime.
func (d *Dispatcher) holdForCheck(ctx context.Context, accountID string) (func(), error) {
	prev, err := d.store.GetAccount(ctx, accountID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		prev = &domain.Account{ID: accountID}
	case err != nil:
		return nil, fmt.Errorf("load account: %w", err)
	}
	if _, err := d.store.SetAccountPause(ctx, accountID, true, domain.ReasonCheckWhatsApp); err != nil {
		return nil, fmt.Errorf("pause for check: %w", err)
	}

	return func() {
		rctx := context.WithoutCancel(ctx)
		cur, err := d.store.GetAccount(rctx, accountID)
		if err != nil {
			d.logger.Error("restore pause after check failed", "account_id", accountID, "error", err)
			return
		}
		if !cur.IsPaused || cur.PauseReason != domain.ReasonCheckWhatsApp {
			return
		}
		if _, err := d.store.SetAccountPause(rctx, accountID, prev.IsPaused, prev.PauseReason); err != nil {
			d.logger.Error("restore pause after check failed", "account_id", accountID, "error", err)
		}
	}, nil
}

// CancelCheck aborts the account's in-flight recipient check and waits until
// its pause state has been restored.
func (d *Dispatcher) CancelCheck(ctx context.Context, accountID string) error {
	d.mu.Lock()
	c, ok := d.checks[accountID]
	if ok {
		c.cancelled = true
	}
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("cancel check %s: %w", accountID, domain.ErrNotFound)
	}
	c.cancel()
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) observeCheck(outcome string) {
	if d.metrics != nil {
		d.metrics.RecipientChecks.WithLabelValues(outcome).Inc()
	}
}

func reachKey(phone string) string {
	return "reach:" + phone
}
