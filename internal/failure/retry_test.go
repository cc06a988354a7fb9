package failure

import (
	"context"
	"fmt"
	"testing"
	"time"

	"antrian-wa/internal/domain"
	"antrian-wa/internal/logging"
	"antrian-wa/internal/repo"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// seedFailedBatch stores a batch whose messages all failed with the given codes.
func seedFailedBatch(t *testing.T, store *repo.MemoryRepository, accountID string, codes ...domain.Reason) domain.Batch {
	t.Helper()
	ctx := context.Background()
	batchID := "batch-" + accountID
	batch := domain.Batch{ID: batchID, AccountID: accountID, TotalCount: len(codes), CreatedAt: t0}
	var msgs []domain.Message
	for i := range codes {
		msgs = append(msgs, domain.Message{
			ID:             fmt.Sprintf("%s-m%d", accountID, i),
			BatchID:        &batchID,
			AccountID:      accountID,
			Seq:            i,
			Content:        "hello",
			RecipientPhone: "6281234567890",
			Status:         domain.MessageQueued,
			CreatedAt:      t0,
			UpdatedAt:      t0,
		})
	}
	_, created, err := store.CreateBatch(ctx, batch, msgs)
	require.NoError(t, err)
	require.True(t, created)

	for i, code := range codes {
		ok, err := store.MarkSending(ctx, msgs[i].ID, t0)
		require.NoError(t, err)
		require.True(t, ok)
		ok, err = store.FinishAttempt(ctx, msgs[i].ID, domain.AttemptResult{
			Status:      domain.MessageFailed,
			FailureCode: code,
			LastError:   code.Describe(),
			At:          t0,
		})
		require.NoError(t, err)
		require.True(t, ok)
	}
	return batch
}

func newClassifier(store *repo.MemoryRepository) *Classifier {
	return NewClassifier(store, 30*time.Second, logging.Discard()).WithClock(func() time.Time { return t0 })
}

func TestBulkRetryPartialSuccess(t *testing.T) {
	ctx := context.Background()
	store := repo.NewMemory()
	batch := seedFailedBatch(t, store, "acc", domain.ReasonPendingNET, domain.ReasonPendingQR, domain.ReasonPendingNET)

	res, err := newClassifier(store).BulkRetry(ctx, batch.ID)
	require.NoError(t, err)

	assert.Equal(t, 2, res.Requeued)
	assert.Equal(t, 1, res.Skipped)
	require.Len(t, res.Skips, 1)
	assert.Equal(t, "PendingQR requires authentication", res.Skips[0].Reason)
	assert.Equal(t, "acc-m1", res.Skips[0].MessageID)
	assert.Equal(t, map[string]int{"PendingQR requires authentication": 1}, res.SkipReasons)

	for _, id := range []string{"acc-m0", "acc-m2"} {
		m, err := store.GetMessage(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.MessageQueued, m.Status)
		assert.Equal(t, 1, m.Attempts)
	}
	m, err := store.GetMessage(ctx, "acc-m1")
	require.NoError(t, err)
	assert.Equal(t, domain.MessageFailed, m.Status)
	assert.Zero(t, m.Attempts)
}

func TestPreviewIsIdempotentAndDoesNotMutate(t *testing.T) {
	ctx := context.Background()
	store := repo.NewMemory()
	batch := seedFailedBatch(t, store, "acc",
		domain.ReasonPendingNET, domain.ReasonPendingQR, domain.ReasonInvalidRecipient, domain.ReasonCircuitBreakerOpen)
	c := newClassifier(store)

	before, err := store.ListBatchMessages(ctx, batch.ID, "")
	require.NoError(t, err)

	first, err := c.Preview(ctx, batch.ID)
	require.NoError(t, err)
	second, err := c.Preview(ctx, batch.ID)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 4, first.TotalFailed)
	assert.Equal(t, 2, first.Retryable)
	assert.Equal(t, 1, first.NonRetryable)
	assert.Equal(t, 1, first.RequiresAction)
	assert.Equal(t, 1, first.ByReason[domain.ReasonPendingQR])

	after, err := store.ListBatchMessages(ctx, batch.ID, "")
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestRequiresActionResolvedByConnection(t *testing.T) {
	ctx := context.Background()
	store := repo.NewMemory()
	batch := seedFailedBatch(t, store, "acc", domain.ReasonPendingQR)
	_, err := store.SetAccountStatus(ctx, "acc", domain.StatusConnected)
	require.NoError(t, err)

	p, err := newClassifier(store).Preview(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, p.Retryable)
	assert.Zero(t, p.RequiresAction)
}

func TestBrowserClosureResolvedByOnlineLease(t *testing.T) {
	ctx := context.Background()
	store := repo.NewMemory()
	batch := seedFailedBatch(t, store, "acc", domain.ReasonBrowserClosure)
	c := newClassifier(store)

	p, err := c.Preview(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, p.RequiresAction)

	require.NoError(t, store.CreatePairingCode(ctx, domain.PairingCode{Code: "ABCD2345", AccountID: "acc", ExpiresAt: t0.Add(time.Minute)}))
	_, err = store.ClaimLease(ctx, "ABCD2345", domain.Device{ID: "dev"}, domain.Lease{
		ID: "lease", DeviceID: "dev", AcquiredAt: t0, ExpiresAt: t0.Add(time.Minute), LastHeartbeat: t0,
	}, t0)
	require.NoError(t, err)

	p, err = c.Preview(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, p.Retryable)
}

func TestBulkRetryReopensCompletedBatch(t *testing.T) {
	ctx := context.Background()
	store := repo.NewMemory()
	batch := seedFailedBatch(t, store, "acc", domain.ReasonPendingNET)
	ok, err := store.CompleteBatch(ctx, batch.ID, domain.Counts{Total: 1, Failed: 1}, t0)
	require.NoError(t, err)
	require.True(t, ok)

	res, err := newClassifier(store).BulkRetry(ctx, batch.ID)
	require.NoError(t, err)
	assert.True(t, res.Reopened)

	b, err := store.GetBatch(ctx, batch.ID)
	require.NoError(t, err)
	assert.False(t, b.Completed())
}

func TestBulkRetryUnknownBatch(t *testing.T) {
	_, err := newClassifier(repo.NewMemory()).BulkRetry(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
