package repo

import (
	"context"
	"testing"
	"time"

	"antrian-wa/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func strp(s string) *string { return &s }

func seedBatch(t *testing.T, r *MemoryRepository, id string, created time.Time, n int) []domain.Message {
	t.Helper()
	msgs := make([]domain.Message, n)
	for i := range msgs {
		msgs[i] = domain.Message{
			ID:             id + "-" + string(rune('a'+i)),
			BatchID:        strp(id),
			AccountID:      "acc",
			Seq:            i,
			Content:        "hi",
			RecipientPhone: "6281234567890",
			Status:         domain.MessageQueued,
			CreatedAt:      created,
		}
	}
	_, created2, err := r.CreateBatch(context.Background(), domain.Batch{
		ID: id, AccountID: "acc", TotalCount: n, CreatedAt: created,
	}, msgs)
	require.NoError(t, err)
	require.True(t, created2)
	return msgs
}

func candidateIDs(cs []domain.Candidate) []string {
	ids := make([]string, len(cs))
	for i, c := range cs {
		ids[i] = c.Message.ID
	}
	return ids
}

func TestListCandidatesFiltersAndOrders(t *testing.T) {
	ctx := context.Background()
	r := NewMemory()
	seedBatch(t, r, "b1", t0, 2)
	seedBatch(t, r, "b2", t0.Add(time.Minute), 2)
	seedBatch(t, r, "b3", t0.Add(2*time.Minute), 1)

	cs, err := r.ListCandidates(ctx, "acc", t0, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"b1-a", "b1-b", "b2-a", "b2-b", "b3-a"}, candidateIDs(cs))

	// b2 is sending, so it jumps ahead of the older batch.
	ok, err := r.MarkSending(ctx, "b2-a", t0)
	require.NoError(t, err)
	require.True(t, ok)
	_, err = r.SetBatchPause(ctx, "b3", true, domain.ReasonUserPaused)
	require.NoError(t, err)
	_, err = r.SetMessagePause(ctx, "b1-a", true, domain.ReasonUserPaused)
	require.NoError(t, err)

	cs, err = r.ListCandidates(ctx, "acc", t0, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"b2-b", "b1-b"}, candidateIDs(cs))
	assert.True(t, cs[0].Processing)

	later := t0.Add(time.Hour)
	ok, err = r.FinishAttempt(ctx, "b2-a", domain.AttemptResult{
		Status: domain.MessageQueued, FailureCode: domain.ReasonPendingNET, NotBefore: &later, CountAttempt: true, At: t0,
	})
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, r.DeleteMessage(ctx, "b2-b", t0))

	cs, err = r.ListCandidates(ctx, "acc", t0, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"b1-b"}, candidateIDs(cs))

	cs, err = r.ListCandidates(ctx, "acc", later, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"b1-b", "b2-a"}, candidateIDs(cs))
	assert.Equal(t, 1, cs[1].Message.Attempts)
}

func TestCreateBatchIsIdempotentPerToken(t *testing.T) {
	ctx := context.Background()
	r := NewMemory()
	b := domain.Batch{ID: "b1", AccountID: "acc", CorrelationToken: "tok", CreatedAt: t0}
	_, created, err := r.CreateBatch(ctx, b, nil)
	require.NoError(t, err)
	assert.True(t, created)

	got, created, err := r.CreateBatch(ctx, domain.Batch{ID: "b2", AccountID: "acc", CorrelationToken: "tok"}, nil)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "b1", got.ID)

	_, created, err = r.CreateBatch(ctx, domain.Batch{ID: "b3", AccountID: "other", CorrelationToken: "tok"}, nil)
	require.NoError(t, err)
	assert.True(t, created)
}

func TestClaimLeaseSupersedesExpired(t *testing.T) {
	ctx := context.Background()
	r := NewMemory()
	claim := func(code, leaseID, deviceID string, at time.Time) (*domain.Lease, error) {
		require.NoError(t, r.CreatePairingCode(ctx, domain.PairingCode{Code: code, AccountID: "acc", ExpiresAt: at.Add(time.Minute), CreatedAt: at}))
		return r.ClaimLease(ctx, code, domain.Device{ID: deviceID, CreatedAt: at}, domain.Lease{
			ID: leaseID, DeviceID: deviceID, AcquiredAt: at, ExpiresAt: at.Add(90 * time.Second), LastHeartbeat: at,
		}, at)
	}

	first, err := claim("AAAA2222", "l1", "dev-1", t0)
	require.NoError(t, err)
	assert.Equal(t, "acc", first.AccountID)

	_, err = claim("BBBB3333", "l2", "dev-2", t0.Add(time.Minute))
	require.ErrorIs(t, err, domain.ErrLeaseHeld)

	_, err = r.ClaimLease(ctx, "AAAA2222", domain.Device{ID: "dev-3"}, domain.Lease{ID: "l3"}, t0)
	require.ErrorIs(t, err, domain.ErrPairingCodeInvalid)

	second, err := claim("CCCC4444", "l4", "dev-2", t0.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "l4", second.ID)

	old, err := r.GetLease(ctx, "l1")
	require.NoError(t, err)
	require.NotNil(t, old.RevokedAt)
	assert.Equal(t, "superseded", old.RevokeReason)

	active, err := r.ActiveLease(ctx, "acc", t0.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "l4", active.ID)
}

func TestRevokedDeviceCannotClaim(t *testing.T) {
	ctx := context.Background()
	r := NewMemory()
	require.NoError(t, r.CreatePairingCode(ctx, domain.PairingCode{Code: "AAAA2222", AccountID: "acc", ExpiresAt: t0.Add(time.Minute)}))
	_, err := r.ClaimLease(ctx, "AAAA2222", domain.Device{ID: "dev-1"}, domain.Lease{ID: "l1", DeviceID: "dev-1", ExpiresAt: t0.Add(time.Hour)}, t0)
	require.NoError(t, err)

	d, err := r.RevokeDevice(ctx, "dev-1", "lost phone", t0)
	require.NoError(t, err)
	require.NotNil(t, d.RevokedAt)
	_, err = r.ActiveLease(ctx, "acc", t0)
	require.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, r.CreatePairingCode(ctx, domain.PairingCode{Code: "BBBB3333", AccountID: "acc", ExpiresAt: t0.Add(time.Minute)}))
	_, err = r.ClaimLease(ctx, "BBBB3333", domain.Device{ID: "dev-1"}, domain.Lease{ID: "l2", DeviceID: "dev-1", ExpiresAt: t0.Add(time.Hour)}, t0)
	require.ErrorIs(t, err, domain.ErrDeviceRevoked)
}

func TestExpireAndPurge(t *testing.T) {
	ctx := context.Background()
	r := NewMemory()
	require.NoError(t, r.CreatePairingCode(ctx, domain.PairingCode{Code: "USED2222", AccountID: "acc", ExpiresAt: t0.Add(time.Minute)}))
	require.NoError(t, r.CreatePairingCode(ctx, domain.PairingCode{Code: "LIVE3333", AccountID: "acc", ExpiresAt: t0.Add(time.Hour)}))
	_, err := r.ClaimLease(ctx, "USED2222", domain.Device{ID: "dev-1"}, domain.Lease{ID: "l1", DeviceID: "dev-1", ExpiresAt: t0.Add(time.Minute)}, t0)
	require.NoError(t, err)

	n, err := r.ExpireLeases(ctx, t0.Add(30*time.Second))
	require.NoError(t, err)
	assert.Zero(t, n)
	n, err = r.ExpireLeases(ctx, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	l, err := r.GetLease(ctx, "l1")
	require.NoError(t, err)
	assert.Equal(t, "expired", l.RevokeReason)

	n, err = r.PurgePairingCodes(ctx, t0.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestResetSendingAndRequeueFailed(t *testing.T) {
	ctx := context.Background()
	r := NewMemory()
	seedBatch(t, r, "b1", t0, 2)

	for _, id := range []string{"b1-a", "b1-b"} {
		ok, err := r.MarkSending(ctx, id, t0)
		require.NoError(t, err)
		require.True(t, ok)
	}
	ok, err := r.FinishAttempt(ctx, "b1-a", domain.AttemptResult{Status: domain.MessageFailed, FailureCode: domain.ReasonPendingNET, At: t0})
	require.NoError(t, err)
	require.True(t, ok)

	n, err := r.ResetSending(ctx, "acc", t0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	done, err := r.RequeueFailed(ctx, []string{"b1-a", "b1-b", "missing"}, t0)
	require.NoError(t, err)
	assert.Equal(t, []string{"b1-a"}, done)

	counts, err := r.BatchCounts(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, domain.Counts{Total: 2, Queued: 2}, counts)
}
