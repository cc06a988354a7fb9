// Package wa drives a WhatsApp multi-device session through whatsmeow and
// exposes it as an automation surface bound to an account lease.
package wa

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"antrian-wa/internal/domain"
	"antrian-wa/internal/metrics"
	"antrian-wa/internal/surface"

	"go.mau.fi/whatsmeow"
	waProto "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"
	_ "modernc.org/sqlite"
)

// Config holds configuration to initialise the WhatsApp client.
type Config struct {
	StorePath         string
	LogLevel          string
	AccountID         string
	DeviceID          string
	DeviceName        string
	HeartbeatInterval time.Duration
	Metrics           *metrics.Metrics
}

// LeaseClient is the lease surface a device talks to. *lease.Manager
// satisfies it in-process.
type LeaseClient interface {
	StartPairing(ctx context.Context, accountID string) (*domain.PairingCode, error)
	ClaimLease(ctx context.Context, code, deviceID, deviceName string) (*domain.Lease, error)
	Heartbeat(ctx context.Context, leaseID string, hb domain.Heartbeat) (*domain.Lease, error)
}

// Client wraps the whatsmeow client. It implements surface.Surface.
type Client struct {
	client   *whatsmeow.Client
	cfg      Config
	logger   *slog.Logger
	metrics  *metrics.Metrics
	activity atomic.Value
}

var _ surface.Surface = (*Client)(nil)

// New creates a new WhatsApp client instance backed by an SQLite store.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.StorePath == "" {
		return nil, errors.New("store path is required")
	}
	if cfg.AccountID == "" {
		return nil, errors.New("account id is required")
	}
	if cfg.DeviceID == "" {
		cfg.DeviceID = "wa-" + cfg.AccountID
	}
	if cfg.DeviceName == "" {
		cfg.DeviceName = "whatsmeow"
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}

	if err := ensureDir(filepath.Dir(cfg.StorePath)); err != nil {
		return nil, fmt.Errorf("ensure store dir: %w", err)
	}

	storeLogger := waLog.Stdout("whatsmeow/sqlstore", cfg.LogLevel, true)
	container, err := sqlstore.New(ctx, "sqlite", fmt.Sprintf("file:%s?_pragma=busy_timeout=10000&_pragma=foreign_keys(ON)", cfg.StorePath), storeLogger)
	if err != nil {
		return nil, fmt.Errorf("create sqlstore: %w", err)
	}

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("get device: %w", err)
	}

	waLogger := waLog.Stdout("whatsmeow/client", cfg.LogLevel, true)
	client := whatsmeow.NewClient(deviceStore, waLogger)

	wc := &Client{
		client:  client,
		cfg:     cfg,
		logger:  logger.With("component", "wa", "account_id", cfg.AccountID, "device_id", cfg.DeviceID),
		metrics: cfg.Metrics,
	}
	wc.activity.Store("idle")
	client.AddEventHandler(wc.handleEvent)

	return wc, nil
}

// DeviceID is the lease device identity of this client.
func (c *Client) DeviceID() string { return c.cfg.DeviceID }

// Start connects the client and handles login/QR pairing flow.
func (c *Client) Start(ctx context.Context) error {
	if c.client.Store.ID == nil {
		c.logger.Info("pairing required, waiting for QR scan")
		qrChan, err := c.client.GetQRChannel(ctx)
		if err != nil {
			return fmt.Errorf("get qr channel: %w", err)
		}

		go func() {
			for evt := range qrChan {
				if evt.Event == "code" {
					c.logger.Info("scan the QR code with WhatsApp", "qr", evt.Code)
				} else {
					c.logger.Info("pairing event received", "event", evt.Event)
				}
			}
		}()
	}

	if err := c.client.Connect(); err != nil {
		return fmt.Errorf("connect wa client: %w", err)
	}

	c.logger.Info("whatsapp client connected")
	return nil
}

// Close disconnects the WhatsApp client.
func (c *Client) Close() {
	if c.client != nil {
		c.client.Disconnect()
	}
}

func (c *Client) handleEvent(evt interface{}) {
	switch v := evt.(type) {
	case *events.Connected:
		c.logger.Info("device connected")
	case *events.Disconnected:
		c.logger.Warn("device disconnected")
	case *events.LoggedOut:
		c.logger.Warn("device logged out", "reason", v.Reason.String())
	case *events.PairSuccess:
		c.logger.Info("device paired", "jid", v.ID.String())
	case *events.StreamReplaced:
		c.logger.Warn("session replaced by another client")
	}
}

// Status maps the whatsmeow session state onto a connection status.
func (c *Client) Status() domain.ConnStatus {
	switch {
	case c.client.IsConnected() && c.client.IsLoggedIn():
		return domain.StatusConnected
	case c.client.Store.ID == nil:
		return domain.StatusPending
	default:
		return domain.StatusDisconnected
	}
}

func ensureDir(dir string) error {
	if dir == "." || dir == "" {
		return nil
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return os.MkdirAll(dir, 0o755)
	}
	return nil
}

// Send delivers a plain text message to phone, given in E.164 digits.
func (c *Client) Send(ctx context.Context, phone, content string) error {
	c.activity.Store("sending")
	defer c.activity.Store("idle")

	to := types.NewJID(phone, types.DefaultUserServer)
	message := &waProto.Message{
		Conversation: proto.String(content),
	}
	if _, err := c.client.SendMessage(ctx, to, message); err != nil {
		return mapError("send text", err)
	}
	return nil
}

// CheckReachable asks WhatsApp whether phone has an account.
func (c *Client) CheckReachable(ctx context.Context, phone string) (surface.Reachability, error) {
	c.activity.Store("checking")
	defer c.activity.Store("idle")
	return checkReachable(ctx, c.client, phone)
}

// reachabilityLookup is the part of whatsmeow.Client used for recipient checks.
type reachabilityLookup interface {
	IsOnWhatsApp(phones []string) ([]types.IsOnWhatsAppResponse, error)
}

type lookupResult struct {
	resp []types.IsOnWhatsAppResponse
	err  error
}

// checkReachable bounds the lookup by ctx. whatsmeow's query takes no context,
// so an abandoned lookup finishes in the background and its result is dropped.
func checkReachable(ctx context.Context, lookup reachabilityLookup, phone string) (surface.Reachability, error) {
	done := make(chan lookupResult, 1)
	go func() {
		resp, err := lookup.IsOnWhatsApp([]string{"+" + phone})
		done <- lookupResult{resp: resp, err: err}
	}()

	var res lookupResult
	select {
	case <-ctx.Done():
		return surface.Unknown, fmt.Errorf("check recipient: %w", ctx.Err())
	case res = <-done:
	}
	if res.err != nil {
		return surface.Unknown, mapError("check recipient", res.err)
	}
	for _, r := range res.resp {
		if r.IsIn {
			return surface.Reachable, nil
		}
	}
	return surface.Unreachable, nil
}

// mapError attaches a failure code to whatsmeow session errors. Everything
// else is left for the classifier.
func mapError(op string, err error) error {
	switch {
	case errors.Is(err, whatsmeow.ErrNotLoggedIn):
		return &surface.Error{Code: domain.ReasonPendingQR, Err: fmt.Errorf("%s: %w", op, err)}
	case errors.Is(err, whatsmeow.ErrNotConnected):
		return &surface.Error{Code: domain.ReasonBrowserClosure, Err: fmt.Errorf("%s: %w", op, err)}
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}
