package pause

import (
	"fmt"
	"testing"

	"antrian-wa/internal/domain"

	"github.com/stretchr/testify/assert"
)

func TestResolveTruthTable(t *testing.T) {
	for _, acct := range []bool{false, true} {
		for _, batch := range []bool{false, true} {
			for _, msg := range []bool{false, true} {
				name := fmt.Sprintf("account=%v/batch=%v/message=%v", acct, batch, msg)
				t.Run(name, func(t *testing.T) {
					a := &domain.Account{IsPaused: acct, PauseReason: reasonIf(acct, domain.ReasonPendingQR)}
					b := &domain.Batch{IsPaused: batch, PauseReason: reasonIf(batch, domain.ReasonCircuitBreakerOpen)}
					m := &domain.Message{IsPaused: msg, PauseReason: reasonIf(msg, domain.ReasonUserPaused)}

					got := Resolve(m, b, a)

					switch {
					case acct:
						assert.Equal(t, Effective{true, domain.ReasonPendingQR, LevelAccount}, got)
					case batch:
						assert.Equal(t, Effective{true, domain.ReasonCircuitBreakerOpen, LevelBatch}, got)
					case msg:
						assert.Equal(t, Effective{true, domain.ReasonUserPaused, LevelMessage}, got)
					default:
						assert.Equal(t, Effective{}, got)
					}
				})
			}
		}
	}
}

func TestResolveGlobalPauseDominates(t *testing.T) {
	a := &domain.Account{IsPaused: true, PauseReason: domain.ReasonPendingQR}
	b := &domain.Batch{IsPaused: true, PauseReason: domain.ReasonUserPaused}
	m := &domain.Message{IsPaused: true, PauseReason: domain.ReasonUserPaused}

	got := Resolve(m, b, a)

	assert.True(t, got.Paused)
	assert.Equal(t, domain.ReasonPendingQR, got.Reason)
}

func TestResolveSkipsAbsentLevels(t *testing.T) {
	m := &domain.Message{IsPaused: true, PauseReason: domain.ReasonUserPaused}
	assert.Equal(t, LevelMessage, Resolve(m, nil, nil).Level)

	assert.Equal(t, Effective{}, Resolve(&domain.Message{}, nil, nil))

	b := &domain.Batch{IsPaused: true, PauseReason: domain.ReasonUserPaused}
	assert.Equal(t, LevelBatch, Resolve(&domain.Message{}, b, nil).Level)

	a := &domain.Account{}
	assert.False(t, Resolve(&domain.Message{}, nil, a).Paused)
}

func TestResolveDoesNotMutate(t *testing.T) {
	a := &domain.Account{IsPaused: true, PauseReason: domain.ReasonPendingQR}
	b := &domain.Batch{}
	m := &domain.Message{}

	Resolve(m, b, a)

	assert.False(t, b.IsPaused)
	assert.False(t, m.IsPaused)
}

func reasonIf(on bool, r domain.Reason) domain.Reason {
	if on {
		return r
	}
	return domain.ReasonNone
}
