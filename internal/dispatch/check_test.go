package dispatch

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"antrian-wa/internal/domain"
	"antrian-wa/internal/failure"
	"antrian-wa/internal/surface"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memCache struct {
	mu sync.Mutex
	m  map[string][]byte
}

func (c *memCache) SetJSON(_ context.Context, key string, value any, _ time.Duration) error {
	b, err := json.Marshal(value)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.m == nil {
		c.m = map[string][]byte{}
	}
	c.m[key] = b
	return nil
}

func (c *memCache) GetJSON(_ context.Context, key string, dest any) (bool, error) {
	c.mu.Lock()
	b, ok := c.m[key]
	c.mu.Unlock()
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(b, dest)
}

func (h *harness) account(t *testing.T) *domain.Account {
	t.Helper()
	acc, err := h.store.GetAccount(context.Background(), "acc")
	require.NoError(t, err)
	return acc
}

func TestCheckRecipientPausesAndRestores(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	var during *domain.Account
	h.fake.CheckFunc = func(ctx context.Context, phone string) (surface.Reachability, error) {
		during = h.account(t)
		assert.Equal(t, "6281234567890", phone)
		return surface.Reachable, nil
	}

	r, err := h.d.CheckRecipient(ctx, "acc", "+62 812-3456-7890")
	require.NoError(t, err)
	assert.Equal(t, surface.Reachable, r)
	require.NotNil(t, during)
	assert.True(t, during.IsPaused)
	assert.Equal(t, domain.ReasonCheckWhatsApp, during.PauseReason)
	assert.False(t, h.account(t).IsPaused, "previous state restored")

	_, err = h.store.SetAccountPause(ctx, "acc", true, domain.ReasonUserPaused)
	require.NoError(t, err)
	_, err = h.d.CheckRecipient(ctx, "acc", "6281234567890")
	require.NoError(t, err)
	acc := h.account(t)
	assert.True(t, acc.IsPaused)
	assert.Equal(t, domain.ReasonUserPaused, acc.PauseReason)
}

func TestCheckRecipientKeepsNewerPause(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.fake.CheckFunc = func(ctx context.Context, _ string) (surface.Reachability, error) {
		_, err := h.store.SetAccountPause(ctx, "acc", true, domain.ReasonPendingQR)
		require.NoError(t, err)
		return surface.Unreachable, nil
	}

	r, err := h.d.CheckRecipient(ctx, "acc", "6281234567890")
	require.NoError(t, err)
	assert.Equal(t, surface.Unreachable, r)
	assert.Equal(t, domain.ReasonPendingQR, h.account(t).PauseReason)
}

func TestCheckRecipientRejectsInvalidPhone(t *testing.T) {
	h := newHarness(t)
	_, err := h.d.CheckRecipient(context.Background(), "acc", "08123")
	require.ErrorIs(t, err, domain.ErrValidation)
	assert.False(t, h.account(t).IsPaused)
}

func TestCheckRecipientWithoutLease(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	_, err := h.store.RevokeAccountLeases(ctx, "acc", "force_released", h.clk.now())
	require.NoError(t, err)

	_, err = h.d.CheckRecipient(ctx, "acc", "6281234567890")
	require.Error(t, err)
	assert.Equal(t, domain.ReasonServiceUnavailable, failure.Classify(err))
	assert.False(t, h.account(t).IsPaused)
}

func TestCancelCheckAbortsAndRestores(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	started := make(chan struct{})
	h.fake.CheckFunc = func(ctx context.Context, _ string) (surface.Reachability, error) {
		close(started)
		<-ctx.Done()
		return surface.Unknown, ctx.Err()
	}

	type result struct {
		r   surface.Reachability
		err error
	}
	done := make(chan result, 1)
	go func() {
		r, err := h.d.CheckRecipient(ctx, "acc", "6281234567890")
		done <- result{r, err}
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("check did not start")
	}

	_, err := h.d.CheckRecipient(ctx, "acc", "6281234567891")
	require.ErrorIs(t, err, domain.ErrCheckInProgress)

	require.NoError(t, h.d.CancelCheck(ctx, "acc"))

	var res result
	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("check did not return")
	}
	require.Error(t, res.err)
	assert.Equal(t, surface.Unknown, res.r)
	assert.Equal(t, domain.ReasonAborted, failure.Classify(res.err))
	assert.False(t, h.account(t).IsPaused)

	require.ErrorIs(t, h.d.CancelCheck(ctx, "acc"), domain.ErrNotFound)
}

func TestCheckRecipientUsesCache(t *testing.T) {
	ctx := context.Background()
	cache := &memCache{}
	h := newHarness(t, WithReachabilityCache(cache))

	calls := 0
	h.fake.CheckFunc = func(context.Context, string) (surface.Reachability, error) {
		calls++
		return surface.Unreachable, nil
	}

	for range 2 {
		r, err := h.d.CheckRecipient(ctx, "acc", "6281234567890")
		require.NoError(t, err)
		assert.Equal(t, surface.Unreachable, r)
	}
	assert.Equal(t, 1, calls)
}
