package session

import (
	"context"
	"testing"
	"time"

	"antrian-wa/internal/domain"
	"antrian-wa/internal/events"
	"antrian-wa/internal/failure"
	"antrian-wa/internal/logging"
	"antrian-wa/internal/metrics"
	"antrian-wa/internal/repo"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestManager(t *testing.T) (*Manager, *repo.MemoryRepository, *clock, *events.Recorder) {
	t.Helper()
	store := repo.NewMemory()
	clk := &clock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	rec := &events.Recorder{}
	m := NewManager(store, Config{
		HeartbeatTimeout: 30 * time.Second,
		DefaultRateLimit: domain.RateLimitSettings{MinSeconds: 5, MaxSeconds: 15, Enabled: true},
	}, rec, metrics.NewUnregistered(), logging.Discard()).WithClock(clk.now)
	return m, store, clk, rec
}

func enqueue(t *testing.T, m *Manager, accountID, token string, n int) *domain.Batch {
	t.Helper()
	msgs := make([]NewMessage, n)
	for i := range msgs {
		msgs[i] = NewMessage{RecipientPhone: "+62 812-3456-789" + string(rune('0'+i%10)), Content: "halo"}
	}
	res, err := m.Enqueue(context.Background(), EnqueueRequest{AccountID: accountID, CorrelationToken: token, Messages: msgs})
	require.NoError(t, err)
	return res.Batch
}

// finish drives every queued message of the batch to the given terminal state.
func finish(t *testing.T, store *repo.MemoryRepository, batchID string, status domain.MessageStatus, at time.Time) {
	t.Helper()
	ctx := context.Background()
	msgs, err := store.ListBatchMessages(ctx, batchID, domain.MessageQueued)
	require.NoError(t, err)
	for _, msg := range msgs {
		ok, err := store.MarkSending(ctx, msg.ID, at)
		require.NoError(t, err)
		require.True(t, ok)
		res := domain.AttemptResult{Status: status, At: at}
		if status == domain.MessageFailed {
			res.FailureCode = domain.ReasonInvalidRecipient
		}
		ok, err = store.FinishAttempt(ctx, msg.ID, res)
		require.NoError(t, err)
		require.True(t, ok)
	}
}

func grantLease(t *testing.T, store *repo.MemoryRepository, accountID string, now time.Time) *domain.Lease {
	t.Helper()
	ctx := context.Background()
	code := "CODE" + accountID
	require.NoError(t, store.CreatePairingCode(ctx, domain.PairingCode{
		Code: code, AccountID: accountID, ExpiresAt: now.Add(time.Minute), CreatedAt: now,
	}))
	l, err := store.ClaimLease(ctx, code, domain.Device{ID: "dev-" + accountID, Name: "laptop", CreatedAt: now}, domain.Lease{
		ID:             "lease-" + accountID,
		DeviceID:       "dev-" + accountID,
		AcquiredAt:     now,
		ExpiresAt:      now.Add(90 * time.Second),
		LastHeartbeat:  now,
		ReportedStatus: domain.StatusConnected,
	}, now)
	require.NoError(t, err)
	return l
}

func TestEnqueueNormalizesAndOrders(t *testing.T) {
	m, store, _, _ := newTestManager(t)
	b := enqueue(t, m, "acc", "", 3)

	msgs, err := store.ListBatchMessages(context.Background(), b.ID, "")
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	for i, msg := range msgs {
		assert.Equal(t, i, msg.Seq)
		assert.Equal(t, domain.MessageQueued, msg.Status)
		assert.Regexp(t, `^\d+$`, msg.RecipientPhone)
	}
	assert.Equal(t, 3, b.TotalCount)
}

func TestEnqueueIsIdempotentPerCorrelationToken(t *testing.T) {
	ctx := context.Background()
	m, store, _, _ := newTestManager(t)
	req := EnqueueRequest{
		AccountID:        "acc",
		CorrelationToken: "tok-1",
		Messages:         []NewMessage{{RecipientPhone: "6281234567890", Content: "a"}},
	}

	first, err := m.Enqueue(ctx, req)
	require.NoError(t, err)
	assert.True(t, first.Created)

	second, err := m.Enqueue(ctx, req)
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.Batch.ID, second.Batch.ID)

	batches, err := store.ListBatches(ctx, "acc")
	require.NoError(t, err)
	assert.Len(t, batches, 1)

	req.AccountID = "other"
	third, err := m.Enqueue(ctx, req)
	require.NoError(t, err)
	assert.True(t, third.Created, "tokens are scoped per account")
}

func TestEnqueueValidation(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	m.cfg.MaxBatchSize = 2

	tests := []struct {
		name string
		req  EnqueueRequest
	}{
		{"no account", EnqueueRequest{Messages: []NewMessage{{RecipientPhone: "6281234567890", Content: "a"}}}},
		{"no messages", EnqueueRequest{AccountID: "acc"}},
		{"too many", EnqueueRequest{AccountID: "acc", Messages: make([]NewMessage, 3)}},
		{"bad phone", EnqueueRequest{AccountID: "acc", Messages: []NewMessage{{RecipientPhone: "12", Content: "a"}}}},
		{"empty content", EnqueueRequest{AccountID: "acc", Messages: []NewMessage{{RecipientPhone: "6281234567890", Content: "  "}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Enqueue(context.Background(), tt.req)
			require.ErrorIs(t, err, domain.ErrValidation)
		})
	}
}

func TestPauseLevelsDoNotCascade(t *testing.T) {
	ctx := context.Background()
	m, store, _, rec := newTestManager(t)
	b := enqueue(t, m, "acc", "", 2)

	_, err := m.PauseAccount(ctx, "acc", "")
	require.NoError(t, err)

	got, err := store.GetBatch(ctx, b.ID)
	require.NoError(t, err)
	assert.False(t, got.IsPaused)
	msgs, err := store.ListBatchMessages(ctx, b.ID, "")
	require.NoError(t, err)
	for _, msg := range msgs {
		assert.False(t, msg.IsPaused)
	}
	assert.Equal(t, []string{events.SubjectAccountPaused}, rec.Subjects())

	p, err := m.Progress(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BatchActive, p.Status)
	assert.True(t, p.EffectivePause.Paused)
	assert.Equal(t, domain.ReasonUserPaused, p.EffectivePause.Reason)

	_, err = m.PauseMessage(ctx, msgs[0].ID, domain.Reason("Bogus"))
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestPauseAllReportsPartialSuccess(t *testing.T) {
	ctx := context.Background()
	m, store, clk, _ := newTestManager(t)

	done := enqueue(t, m, "acc", "done", 1)
	finish(t, store, done.ID, domain.MessageSent, clk.now())
	_, err := m.Refresh(ctx, done.ID)
	require.NoError(t, err)

	clk.advance(time.Second)
	paused := enqueue(t, m, "acc", "paused", 1)
	_, err = m.PauseBatch(ctx, paused.ID, "")
	require.NoError(t, err)

	clk.advance(time.Second)
	active := enqueue(t, m, "acc", "active", 1)

	res, err := m.PauseAll(ctx, "acc")
	require.NoError(t, err)
	assert.Equal(t, []string{active.ID}, res.Affected)
	assert.ElementsMatch(t, []Skipped{
		{BatchID: done.ID, Reason: "completed"},
		{BatchID: paused.ID, Reason: "already paused"},
	}, res.Skipped)

	res, err = m.ResumeAll(ctx, "acc")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{paused.ID, active.ID}, res.Affected)
	assert.Equal(t, []Skipped{{BatchID: done.ID, Reason: "completed"}}, res.Skipped)
}

func TestProgressEstimate(t *testing.T) {
	ctx := context.Background()
	m, _, clk, _ := newTestManager(t)
	b := enqueue(t, m, "acc", "", 4)

	p, err := m.Progress(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, p.Counts.Queued)
	assert.False(t, p.IsProcessing)
	// (5+15)/2 + 3 seconds per message.
	assert.InDelta(t, 52.0, p.EstimatedSecondsRemaining, 0.001)
	require.NotNil(t, p.EstimatedCompletionAt)
	assert.Equal(t, clk.now().Add(52*time.Second), *p.EstimatedCompletionAt)

	_, err = m.PauseBatch(ctx, b.ID, "")
	require.NoError(t, err)
	p, err = m.Progress(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BatchPaused, p.Status)
	assert.Nil(t, p.EstimatedCompletionAt)
	assert.InDelta(t, 52.0, p.EstimatedSecondsRemaining, 0.001)

	_, err = m.UpdateRateLimitSettings(ctx, 0, 0, false)
	require.NoError(t, err)
	p, err = m.Progress(ctx, b.ID)
	require.NoError(t, err)
	assert.InDelta(t, 12.0, p.EstimatedSecondsRemaining, 0.001)
}

func TestRefreshCompletesAndFreezesCounters(t *testing.T) {
	ctx := context.Background()
	m, store, clk, rec := newTestManager(t)
	b := enqueue(t, m, "acc", "", 2)

	p, err := m.Refresh(ctx, b.ID)
	require.NoError(t, err)
	assert.False(t, p.IsFullyCompleted)

	finish(t, store, b.ID, domain.MessageSent, clk.now())
	p, err = m.Refresh(ctx, b.ID)
	require.NoError(t, err)
	assert.True(t, p.IsFullyCompleted)
	assert.Equal(t, 2, p.Counts.Sent)
	assert.Zero(t, p.EstimatedSecondsRemaining)
	assert.Equal(t, []string{events.SubjectBatchCompleted}, rec.Subjects())

	// A second refresh does not complete twice.
	_, err = m.Refresh(ctx, b.ID)
	require.NoError(t, err)
	assert.Len(t, rec.Subjects(), 1)

	msgs, err := store.ListBatchMessages(ctx, b.ID, "")
	require.NoError(t, err)
	require.NoError(t, m.DeleteMessage(ctx, msgs[0].ID))
	p, err = m.Progress(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, p.Counts.Sent, "completed batches report frozen counters")
}

func TestCompletedBatchCannotBePausedOrResumed(t *testing.T) {
	ctx := context.Background()
	m, store, clk, _ := newTestManager(t)
	b := enqueue(t, m, "acc", "", 2)

	finish(t, store, b.ID, domain.MessageSent, clk.now())
	_, err := m.Refresh(ctx, b.ID)
	require.NoError(t, err)

	_, err = m.PauseBatch(ctx, b.ID, "")
	require.ErrorIs(t, err, domain.ErrBatchCompleted)
	_, err = m.ResumeBatch(ctx, b.ID)
	require.ErrorIs(t, err, domain.ErrBatchCompleted)

	p, err := m.Progress(ctx, b.ID)
	require.NoError(t, err)
	assert.True(t, p.IsFullyCompleted)
	assert.Equal(t, domain.BatchActive, p.Status)
	assert.False(t, p.Batch.IsPaused)

	_, err = m.PauseBatch(ctx, "missing", "")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRefreshCompletesBatchWithEveryMessageDeleted(t *testing.T) {
	ctx := context.Background()
	m, store, _, rec := newTestManager(t)
	b := enqueue(t, m, "acc", "", 2)

	msgs, err := store.ListBatchMessages(ctx, b.ID, "")
	require.NoError(t, err)
	require.NoError(t, m.DeleteMessage(ctx, msgs[0].ID))

	p, err := m.Progress(ctx, b.ID)
	require.NoError(t, err)
	assert.False(t, p.IsFullyCompleted, "one message is still queued")

	require.NoError(t, m.DeleteMessage(ctx, msgs[1].ID))
	p, err = m.Progress(ctx, b.ID)
	require.NoError(t, err)
	assert.True(t, p.IsFullyCompleted)
	assert.Zero(t, p.Counts.Total)
	assert.Equal(t, []string{events.SubjectBatchCompleted}, rec.Subjects())
}

func TestBatchCountersAreLiveUntilCompletion(t *testing.T) {
	ctx := context.Background()
	m, store, clk, _ := newTestManager(t)
	b := enqueue(t, m, "acc", "", 3)

	msgs, err := store.ListBatchMessages(ctx, b.ID, "")
	require.NoError(t, err)
	for i, status := range []domain.MessageStatus{domain.MessageSent, domain.MessageFailed} {
		ok, err := store.MarkSending(ctx, msgs[i].ID, clk.now())
		require.NoError(t, err)
		require.True(t, ok)
		res := domain.AttemptResult{Status: status, At: clk.now()}
		if status == domain.MessageFailed {
			res.FailureCode = domain.ReasonInvalidRecipient
		}
		ok, err = store.FinishAttempt(ctx, msgs[i].ID, res)
		require.NoError(t, err)
		require.True(t, ok)
	}

	paused, err := m.PauseBatch(ctx, b.ID, "")
	require.NoError(t, err)
	assert.Equal(t, 1, paused.SentCount)
	assert.Equal(t, 1, paused.FailedCount)

	p, err := m.Progress(ctx, b.ID)
	require.NoError(t, err)
	assert.False(t, p.IsFullyCompleted)
	assert.Equal(t, 1, p.Batch.SentCount)
	assert.Equal(t, 1, p.Batch.FailedCount)

	resumed, err := m.ResumeBatch(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, resumed.SentCount)
}

func TestResumeAccount(t *testing.T) {
	ctx := context.Background()
	m, store, _, _ := newTestManager(t)

	acc, err := m.ResumeAccount(ctx, "acc")
	require.ErrorIs(t, err, domain.ErrNotFound)
	assert.Nil(t, acc)

	_, err = store.SetAccountPause(ctx, "acc", true, domain.ReasonPendingQR)
	require.NoError(t, err)

	_, err = m.ResumeAccount(ctx, "acc")
	require.ErrorIs(t, err, domain.ErrNotResumable)
	var fe *failure.Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, domain.ReasonPendingQR, fe.Code)

	_, err = store.SetAccountStatus(ctx, "acc", domain.StatusConnected)
	require.NoError(t, err)
	acc, err = m.ResumeAccount(ctx, "acc")
	require.NoError(t, err)
	assert.False(t, acc.IsPaused)
	assert.Equal(t, domain.ReasonNone, acc.PauseReason)

	acc, err = m.ResumeAccount(ctx, "acc")
	require.NoError(t, err, "resuming an unpaused account is a no-op")
	assert.False(t, acc.IsPaused)

	_, err = store.SetAccountPause(ctx, "acc", true, domain.ReasonCheckWhatsApp)
	require.NoError(t, err)
	_, err = m.ResumeAccount(ctx, "acc")
	require.ErrorIs(t, err, domain.ErrNotResumable)
}

func TestAccountStatus(t *testing.T) {
	ctx := context.Background()
	m, store, clk, _ := newTestManager(t)

	st, err := m.AccountStatus(ctx, "acc")
	require.NoError(t, err)
	assert.False(t, st.IsPaused)
	assert.False(t, st.IsExtensionConnected)
	assert.Nil(t, st.Lease)

	grantLease(t, store, "acc", clk.now())
	_, err = store.SetAccountPause(ctx, "acc", true, domain.ReasonBrowserClosure)
	require.NoError(t, err)

	clk.advance(10 * time.Second)
	st, err = m.AccountStatus(ctx, "acc")
	require.NoError(t, err)
	assert.True(t, st.IsPaused)
	assert.Equal(t, domain.ReasonBrowserClosure, st.PauseReason)
	assert.Equal(t, domain.ReasonBrowserClosure.Describe(), st.PauseMessage)
	assert.True(t, st.IsExtensionConnected)
	require.NotNil(t, st.Lease)

	clk.advance(25 * time.Second)
	st, err = m.AccountStatus(ctx, "acc")
	require.NoError(t, err)
	assert.False(t, st.IsExtensionConnected, "heartbeat older than the timeout")
}

func TestUpdateRateLimitSettings(t *testing.T) {
	ctx := context.Background()
	m, _, _, _ := newTestManager(t)

	assert.Equal(t, 5, m.RateLimitSettings(ctx).MinSeconds, "falls back to the configured default")

	tests := []struct {
		name     string
		min, max int
		wantErr  bool
	}{
		{"valid", 2, 4, false},
		{"equal bounds", 3, 3, false},
		{"negative min", -1, 4, true},
		{"min above max", 5, 4, true},
		{"max too large", 0, MaxDelaySeconds + 1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := m.UpdateRateLimitSettings(ctx, tt.min, tt.max, true)
			if tt.wantErr {
				require.ErrorIs(t, err, domain.ErrValidation)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, s, m.RateLimitSettings(ctx))
		})
	}
}
