package domain

import "time"

// ConnStatus is the connection state reported by an account's automation surface.
type ConnStatus string

const (
	StatusDisconnected ConnStatus = "disconnected"
	StatusPending      ConnStatus = "pending"
	StatusConnected    ConnStatus = "connected"
)

// Valid reports whether s is a known connection status.
func (s ConnStatus) Valid() bool {
	switch s {
	case StatusDisconnected, StatusPending, StatusConnected:
		return true
	}
	return false
}

// MessageStatus is the delivery state of an outbound message.
type MessageStatus string

const (
	MessageQueued  MessageStatus = "queued"
	MessageSending MessageStatus = "sending"
	MessageSent    MessageStatus = "sent"
	MessageFailed  MessageStatus = "failed"
)

// BatchStatus mirrors the batch-level pause flag.
type BatchStatus string

const (
	BatchActive BatchStatus = "active"
	BatchPaused BatchStatus = "paused"
)

// Account is the global pause scope of one operator's automation account.
type Account struct {
	ID          string     `json:"id"`
	IsPaused    bool       `json:"isPaused"`
	PauseReason Reason     `json:"pauseReason,omitempty"`
	Status      ConnStatus `json:"status"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// Batch groups the messages of one bulk send.
type Batch struct {
	ID               string     `json:"id"`
	AccountID        string     `json:"accountId"`
	CorrelationToken string     `json:"correlationToken,omitempty"`
	IsPaused         bool       `json:"isPaused"`
	PauseReason      Reason     `json:"pauseReason,omitempty"`
	TotalCount       int        `json:"totalCount"`
	SentCount        int        `json:"sentCount"`
	FailedCount      int        `json:"failedCount"`
	CreatedAt        time.Time  `json:"createdAt"`
	CompletedAt      *time.Time `json:"completedAt,omitempty"`
	DeletedAt        *time.Time `json:"deletedAt,omitempty"`
}

// Status derives the batch status from its pause flag.
func (b *Batch) Status() BatchStatus {
	if b.IsPaused {
		return BatchPaused
	}
	return BatchActive
}

// Completed reports whether the batch reached its terminal state.
func (b *Batch) Completed() bool {
	return b.CompletedAt != nil
}

// Message is one unit of delivery work.
type Message struct {
	ID             string        `json:"id"`
	BatchID        *string       `json:"batchId,omitempty"`
	AccountID      string        `json:"accountId"`
	Seq            int           `json:"seq"`
	Content        string        `json:"content"`
	RecipientPhone string        `json:"recipientPhone"`
	Status         MessageStatus `json:"status"`
	IsPaused       bool          `json:"isPaused"`
	PauseReason    Reason        `json:"pauseReason,omitempty"`
	Attempts       int           `json:"attempts"`
	FailureCode    Reason        `json:"failureCode,omitempty"`
	LastError      string        `json:"lastError,omitempty"`
	NotBefore      *time.Time    `json:"notBefore,omitempty"`
	SentAt         *time.Time    `json:"sentAt,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
	UpdatedAt      time.Time     `json:"updatedAt"`
	DeletedAt      *time.Time    `json:"deletedAt,omitempty"`
}

// Lease is the exclusive right to drive the automation surface of an account.
type Lease struct {
	ID              string     `json:"id"`
	AccountID       string     `json:"accountId"`
	DeviceID        string     `json:"deviceId"`
	AcquiredAt      time.Time  `json:"acquiredAt"`
	ExpiresAt       time.Time  `json:"expiresAt"`
	LastHeartbeat   time.Time  `json:"lastHeartbeat"`
	ReportedStatus  ConnStatus `json:"reportedStatus"`
	CurrentActivity string     `json:"currentActivity,omitempty"`
	RevokedAt       *time.Time `json:"revokedAt,omitempty"`
	RevokeReason    string     `json:"revokeReason,omitempty"`
}

// Active reports whether the lease is neither revoked nor expired at now.
func (l *Lease) Active(now time.Time) bool {
	return l.RevokedAt == nil && now.Before(l.ExpiresAt)
}

// IsOnline reports whether the last heartbeat falls inside the liveness window.
func (l *Lease) IsOnline(now time.Time, timeout time.Duration) bool {
	if !l.Active(now) {
		return false
	}
	return now.Sub(l.LastHeartbeat) < timeout
}

// PairingCode binds a new device to an account. It is single-use.
type PairingCode struct {
	Code      string     `json:"code"`
	AccountID string     `json:"accountId"`
	ExpiresAt time.Time  `json:"expiresAt"`
	UsedAt    *time.Time `json:"usedAt,omitempty"`
	UsedBy    *string    `json:"usedBy,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
}

// Device is a physical automation surface that has paired with an account.
type Device struct {
	ID           string     `json:"id"`
	AccountID    string     `json:"accountId"`
	Name         string     `json:"name"`
	CreatedAt    time.Time  `json:"createdAt"`
	RevokedAt    *time.Time `json:"revokedAt,omitempty"`
	RevokeReason string     `json:"revokeReason,omitempty"`
}

// Heartbeat is the liveness report a lease holder sends.
type Heartbeat struct {
	Status   ConnStatus `json:"status"`
	Activity string     `json:"activity"`
}

// RateLimitSettings configures the randomized delay between sends.
type RateLimitSettings struct {
	MinSeconds int       `json:"minSeconds"`
	MaxSeconds int       `json:"maxSeconds"`
	Enabled    bool      `json:"enabled"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// ProcessingOverheadSeconds approximates the surface round-trip of one send.
const ProcessingOverheadSeconds = 3

// EstimatedSecondsPerMessage is the configured midpoint plus processing overhead.
func (s RateLimitSettings) EstimatedSecondsPerMessage() float64 {
	if !s.Enabled {
		return ProcessingOverheadSeconds
	}
	return float64(s.MinSeconds+s.MaxSeconds)/2 + ProcessingOverheadSeconds
}

// Counts aggregates message states of a batch.
type Counts struct {
	Total   int `json:"total"`
	Queued  int `json:"queued"`
	Sending int `json:"sending"`
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
}

// Done reports whether no message is left queued or sending.
func (c Counts) Done() bool {
	return c.Queued == 0 && c.Sending == 0
}

// AttemptResult describes how a sending attempt ends.
type AttemptResult struct {
	Status      MessageStatus
	FailureCode Reason
	LastError   string
	NotBefore   *time.Time
	// CountAttempt increments Attempts when the message is requeued.
	CountAttempt bool
	At           time.Time
}
