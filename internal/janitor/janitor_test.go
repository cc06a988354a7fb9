package janitor

import (
	"context"
	"errors"
	"testing"
	"time"

	"antrian-wa/internal/lease"
	"antrian-wa/internal/logging"
	"antrian-wa/internal/metrics"
	"antrian-wa/internal/repo"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsBadSchedule(t *testing.T) {
	_, err := New("every minute please", 0, nil, logging.Discard())
	require.Error(t, err)

	_, err = New("@every 30s", 0, nil, logging.Discard())
	require.NoError(t, err)
	_, err = New("*/5 * * * *", 0, nil, logging.Discard())
	require.NoError(t, err)
}

func TestRunOnceExpiresLeasesAndPurgesCodes(t *testing.T) {
	ctx := context.Background()
	store := repo.NewMemory()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	lm := lease.NewManager(store, lease.Config{
		PairingCodeTTL:   time.Minute,
		LeaseTTL:         90 * time.Second,
		HeartbeatTimeout: 30 * time.Second,
	}, nil, metrics.NewUnregistered(), logging.Discard()).WithClock(func() time.Time { return now })

	pc, err := lm.StartPairing(ctx, "acc")
	require.NoError(t, err)
	l, err := lm.ClaimLease(ctx, pc.Code, "dev-1", "laptop")
	require.NoError(t, err)
	_, err = lm.StartPairing(ctx, "acc")
	require.NoError(t, err)

	now = now.Add(5 * time.Minute)
	j, err := New("@every 1m", time.Second, metrics.NewUnregistered(), logging.Discard(),
		Job{Name: "expire-leases", Run: lm.ExpireStale},
		Job{Name: "purge-pairing-codes", Run: lm.PurgeCodes},
	)
	require.NoError(t, err)
	j.RunOnce(ctx)

	got, err := store.GetLease(ctx, l.ID)
	require.NoError(t, err)
	require.NotNil(t, got.RevokedAt)
	assert.Equal(t, lease.ReasonExpired, got.RevokeReason)

	n, err := store.PurgePairingCodes(ctx, now)
	require.NoError(t, err)
	assert.Zero(t, n, "codes already purged")
}

func TestRunOnceContinuesAfterFailure(t *testing.T) {
	var ran []string
	j, err := New("@every 1m", time.Second, nil, logging.Discard(),
		Job{Name: "broken", Run: func(context.Context) (int, error) {
			ran = append(ran, "broken")
			return 0, errors.New("boom")
		}},
		Job{Name: "ok", Run: func(ctx context.Context) (int, error) {
			ran = append(ran, "ok")
			_, hasDeadline := ctx.Deadline()
			assert.True(t, hasDeadline)
			return 1, nil
		}},
	)
	require.NoError(t, err)
	j.RunOnce(context.Background())
	assert.Equal(t, []string{"broken", "ok"}, ran)
}

func TestRunStopsWithContext(t *testing.T) {
	j, err := New("@every 1h", time.Second, nil, logging.Discard())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- j.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("janitor did not stop")
	}
}
