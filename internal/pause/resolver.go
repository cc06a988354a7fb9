// Package pause resolves the effective pause state of a message from the
// three independently stored pause flags (account, batch, message).
//
// Nothing here writes state. Callers evaluate Resolve on fresh records every
// dispatch cycle; pausing a parent never touches a child's flag.
package pause

import "antrian-wa/internal/domain"

// Level identifies which tier decided the effective pause.
type Level string

const (
	LevelNone    Level = ""
	LevelAccount Level = "account"
	LevelBatch   Level = "batch"
	LevelMessage Level = "message"
)

// Effective is the resolved pause state of a message.
type Effective struct {
	Paused bool          `json:"paused"`
	Reason domain.Reason `json:"reason,omitempty"`
	Level  Level         `json:"level,omitempty"`
}

// Resolve computes the effective pause of msg. Account beats batch, batch
// beats message. A nil batch or account is skipped.
func Resolve(msg *domain.Message, batch *domain.Batch, account *domain.Account) Effective {
	if account != nil && account.IsPaused {
		return Effective{Paused: true, Reason: account.PauseReason, Level: LevelAccount}
	}
	if batch != nil && batch.IsPaused {
		return Effective{Paused: true, Reason: batch.PauseReason, Level: LevelBatch}
	}
	if msg != nil && msg.IsPaused {
		return Effective{Paused: true, Reason: msg.PauseReason, Level: LevelMessage}
	}
	return Effective{}
}
