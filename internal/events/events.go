package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// Subjects published by the engine.
const (
	SubjectMessageSent     = "delivery.message.sent"
	SubjectMessageFailed   = "delivery.message.failed"
	SubjectMessageRetrying = "delivery.message.retrying"
	SubjectAccountPaused   = "delivery.account.paused"
	SubjectBatchCompleted  = "delivery.batch.completed"
)

// MessageEvent describes a delivery outcome of one message.
type MessageEvent struct {
	MessageID  string     `json:"messageId"`
	BatchID    string     `json:"batchId,omitempty"`
	AccountID  string     `json:"accountId"`
	Code       string     `json:"code,omitempty"`
	Error      string     `json:"error,omitempty"`
	Attempts   int        `json:"attempts"`
	NotBefore  *time.Time `json:"notBefore,omitempty"`
	OccurredAt time.Time  `json:"occurredAt"`
}

// AccountPausedEvent is published when the engine pauses an account on its own.
type AccountPausedEvent struct {
	AccountID  string    `json:"accountId"`
	Reason     string    `json:"reason"`
	Message    string    `json:"message"`
	OccurredAt time.Time `json:"occurredAt"`
}

// BatchCompletedEvent carries the frozen counters of a finished batch.
type BatchCompletedEvent struct {
	BatchID    string    `json:"batchId"`
	AccountID  string    `json:"accountId"`
	Total      int       `json:"total"`
	Sent       int       `json:"sent"`
	Failed     int       `json:"failed"`
	OccurredAt time.Time `json:"occurredAt"`
}

// Publisher emits engine events. Publishing is best effort: callers log and
// continue on error.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload any) error
	Close()
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, string, any) error { return nil }
func (Nop) Close()                                     {}

// NATSPublisher publishes JSON payloads on core NATS subjects.
type NATSPublisher struct {
	conn   *nats.Conn
	logger *slog.Logger
}

// NewNATS connects to url and returns a publisher.
func NewNATS(url, appName string, logger *slog.Logger) (*NATSPublisher, error) {
	logger = logger.With("component", "events")
	nc, err := nats.Connect(url,
		nats.Name(appName),
		nats.Timeout(5*time.Second),
		nats.PingInterval(20*time.Second),
		nats.MaxPingsOutstanding(3),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Info("nats connection closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &NATSPublisher{conn: nc, logger: logger}, nil
}

// Publish marshals payload to JSON and publishes it on subject.
func (p *NATSPublisher) Publish(_ context.Context, subject string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", subject, err)
	}
	if err := p.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Close drains pending publishes and closes the connection.
func (p *NATSPublisher) Close() {
	if p.conn == nil || p.conn.IsClosed() {
		return
	}
	if err := p.conn.Drain(); err != nil {
		p.logger.Warn("nats drain failed", "error", err)
		p.conn.Close()
	}
}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Recorded
}

// Recorded is one captured event.
type Recorded struct {
	Subject string
	Payload any
}

func (r *Recorder) Publish(_ context.Context, subject string, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Recorded{Subject: subject, Payload: payload})
	return nil
}

func (r *Recorder) Close() {}

// Subjects returns the subjects published so far, in order.
func (r *Recorder) Subjects() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Subject)
	}
	return out
}

// Events returns a copy of every captured event.
func (r *Recorder) Events() []Recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Recorded(nil), r.events...)
}
