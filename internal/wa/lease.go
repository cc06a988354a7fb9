package wa

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"antrian-wa/internal/domain"
	"antrian-wa/internal/surface"
)

// Device is a surface that can report its own session state.
type Device interface {
	surface.Surface
	Status() domain.ConnStatus
	Activity() string
}

// Activity reports what the client is doing right now.
func (c *Client) Activity() string {
	a, _ := c.activity.Load().(string)
	return a
}

// Holder keeps a device bound to its account: it claims a lease, registers the
// surface while the lease is alive and heartbeats the session status.
type Holder struct {
	leases    LeaseClient
	registry  *surface.Registry
	accountID string
	deviceID  string
	name      string
	interval  time.Duration
	logger    *slog.Logger
	sleep     func(context.Context, time.Duration) error
}

// NewHolder binds deviceID to accountID through leases.
func NewHolder(leases LeaseClient, registry *surface.Registry, accountID, deviceID, name string, interval time.Duration, logger *slog.Logger) *Holder {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Holder{
		leases:    leases,
		registry:  registry,
		accountID: accountID,
		deviceID:  deviceID,
		name:      name,
		interval:  interval,
		logger:    logger.With("component", "wa-lease", "account_id", accountID, "device_id", deviceID),
		sleep:     sleepCtx,
	}
}

// Holder returns the lease holder for this client.
func (c *Client) Holder(leases LeaseClient, registry *surface.Registry, logger *slog.Logger) *Holder {
	return NewHolder(leases, registry, c.cfg.AccountID, c.cfg.DeviceID, c.cfg.DeviceName, c.cfg.HeartbeatInterval, logger)
}

// Run holds the lease for dev until ctx is done. A lost lease is reclaimed on
// the next interval; while another device holds the account it keeps waiting.
func (h *Holder) Run(ctx context.Context, dev Device) error {
	defer h.registry.Unregister(h.deviceID)
	for {
		l, err := h.claim(ctx)
		switch {
		case err == nil:
			h.logger.Info("lease acquired", "lease_id", l.ID)
			h.registry.Register(h.deviceID, dev)
			h.hold(ctx, l, dev)
			h.registry.Unregister(h.deviceID)
		case errors.Is(err, domain.ErrDeviceRevoked):
			h.logger.Error("device revoked, giving up lease")
			return err
		case errors.Is(err, domain.ErrLeaseHeld):
			h.logger.Info("account leased by another device, waiting")
		case ctx.Err() == nil:
			h.logger.Warn("claim lease failed", "error", err)
		}
		if err := h.sleep(ctx, h.interval); err != nil {
			return nil
		}
	}
}

func (h *Holder) claim(ctx context.Context) (*domain.Lease, error) {
	pc, err := h.leases.StartPairing(ctx, h.accountID)
	if err != nil {
		return nil, err
	}
	return h.leases.ClaimLease(ctx, pc.Code, h.deviceID, h.name)
}

// hold heartbeats until the lease is lost or ctx is done.
func (h *Holder) hold(ctx context.Context, l *domain.Lease, dev Device) {
	for {
		_, err := h.leases.Heartbeat(ctx, l.ID, domain.Heartbeat{Status: dev.Status(), Activity: dev.Activity()})
		switch {
		case errors.Is(err, domain.ErrLeaseRevoked), errors.Is(err, domain.ErrNotFound):
			h.logger.Warn("lease lost", "lease_id", l.ID)
			return
		case err != nil && ctx.Err() == nil:
			h.logger.Warn("heartbeat failed", "lease_id", l.ID, "error", err)
		}
		if err := h.sleep(ctx, h.interval); err != nil {
			return
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
