package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"antrian-wa/internal/dispatch"
	"antrian-wa/internal/domain"
	"antrian-wa/internal/failure"
	"antrian-wa/internal/lease"
	"antrian-wa/internal/logging"
	"antrian-wa/internal/metrics"
	"antrian-wa/internal/repo"
	"antrian-wa/internal/session"
	"antrian-wa/internal/surface"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	handler http.Handler
	store   *repo.MemoryRepository
	reg     *surface.Registry
	leases  *lease.Manager
}

func newTestServer(t *testing.T, basePath string) *testServer {
	t.Helper()
	logger := logging.Discard()
	store := repo.NewMemory()
	m := metrics.NewUnregistered()
	reg := surface.NewRegistry()
	rate := domain.RateLimitSettings{MinSeconds: 5, MaxSeconds: 15, Enabled: true}

	sessions := session.NewManager(store, session.Config{HeartbeatTimeout: 30 * time.Second, DefaultRateLimit: rate}, nil, m, logger)
	leases := lease.NewManager(store, lease.Config{
		PairingCodeTTL:   2 * time.Minute,
		LeaseTTL:         90 * time.Second,
		HeartbeatTimeout: 30 * time.Second,
	}, nil, m, logger)
	d := dispatch.New(store, reg, dispatch.Config{DefaultRateLimit: rate}, nil, m, logger, dispatch.WithBatchObserver(sessions))
	retries := failure.NewClassifier(store, 30*time.Second, logger)

	api := NewAPI(Dependencies{
		Sessions:   sessions,
		Leases:     leases,
		Dispatcher: d,
		Retries:    retries,
		Metrics:    m,
	}, 3, logger)
	srv := New(":0", logger, api, basePath)
	return &testServer{handler: srv.Handler(), store: store, reg: reg, leases: leases}
}

func (s *testServer) do(t *testing.T, method, path string, body any, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t, "")
	rec := s.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestBasePath(t *testing.T) {
	s := newTestServer(t, "/delivery/")
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/delivery/healthz", nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/healthz", nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/deliveryx/healthz", nil).Code)
}

func TestEnqueueAndProgress(t *testing.T) {
	s := newTestServer(t, "")
	body := map[string]any{
		"messages": []map[string]string{
			{"recipientPhone": "+62 812 3456 7890", "content": "halo"},
			{"recipientPhone": "6281234567891", "content": "apa kabar"},
		},
	}

	rec := s.do(t, http.MethodPost, "/api/accounts/acc/batches", body, "Idempotency-Key", "order-42")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeBody[session.Progress](t, rec)
	assert.Equal(t, 2, created.Counts.Queued)
	assert.Equal(t, "order-42", created.Batch.CorrelationToken)
	assert.NotNil(t, created.EstimatedCompletionAt)

	rec = s.do(t, http.MethodPost, "/api/accounts/acc/batches", body, "Idempotency-Key", "order-42")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, created.Batch.ID, decodeBody[session.Progress](t, rec).Batch.ID)

	rec = s.do(t, http.MethodGet, "/api/batches/"+created.Batch.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, created.Batch.ID, decodeBody[session.Progress](t, rec).Batch.ID)

	rec = s.do(t, http.MethodGet, "/api/accounts/acc/batches", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeBody[struct {
		Batches []session.Progress `json:"batches"`
	}](t, rec)
	assert.Len(t, list.Batches, 1)

	rec = s.do(t, http.MethodPost, "/api/batches/"+created.Batch.ID+"/pause", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decodeBody[domain.Batch](t, rec).IsPaused)

	assert.Equal(t, http.StatusNoContent, s.do(t, http.MethodDelete, "/api/batches/"+created.Batch.ID, nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/api/batches/"+created.Batch.ID, nil).Code)
}

func TestCompletedBatchRejectsPause(t *testing.T) {
	s := newTestServer(t, "")
	rec := s.do(t, http.MethodPost, "/api/accounts/acc/batches", map[string]any{
		"messages": []map[string]string{{"recipientPhone": "6281234567890", "content": "x"}},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decodeBody[session.Progress](t, rec).Batch.ID

	msgs, err := s.store.ListBatchMessages(context.Background(), id, "")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, http.StatusNoContent, s.do(t, http.MethodDelete, "/api/messages/"+msgs[0].ID, nil).Code)

	rec = s.do(t, http.MethodGet, "/api/batches/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decodeBody[session.Progress](t, rec).IsFullyCompleted)

	assert.Equal(t, http.StatusConflict, s.do(t, http.MethodPost, "/api/batches/"+id+"/pause", nil).Code)
	assert.Equal(t, http.StatusConflict, s.do(t, http.MethodPost, "/api/batches/"+id+"/resume", nil).Code)
}

func TestEnqueueValidationErrors(t *testing.T) {
	s := newTestServer(t, "")

	tests := []struct {
		name string
		body any
	}{
		{"no messages", map[string]any{"messages": []any{}}},
		{"missing content", map[string]any{"messages": []map[string]string{{"recipientPhone": "6281234567890"}}}},
		{"bad phone", map[string]any{"messages": []map[string]string{{"recipientPhone": "123", "content": "x"}}}},
		{"unknown field", map[string]any{"messages": []map[string]string{{"recipientPhone": "6281234567890", "content": "x"}}, "extra": 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, "/api/accounts/acc/batches", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			assert.NotEmpty(t, decodeBody[errorResponse](t, rec).Error)
		})
	}
}

func TestResumeAccountNotResumable(t *testing.T) {
	s := newTestServer(t, "")
	_, err := s.store.SetAccountPause(context.Background(), "acc", true, domain.ReasonPendingQR)
	require.NoError(t, err)

	rec := s.do(t, http.MethodPost, "/api/accounts/acc/resume", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	body := decodeBody[errorResponse](t, rec)
	assert.Equal(t, domain.ReasonPendingQR, body.Code)
	assert.Equal(t, domain.ReasonPendingQR.Describe(), body.Message)

	rec = s.do(t, http.MethodGet, "/api/accounts/acc/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	st := decodeBody[session.AccountStatus](t, rec)
	assert.True(t, st.IsPaused)
	assert.False(t, st.IsResumable)
}

func TestPairingClaimHeartbeatFlow(t *testing.T) {
	s := newTestServer(t, "")

	rec := s.do(t, http.MethodPost, "/api/accounts/acc/pairing", nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	pc := decodeBody[domain.PairingCode](t, rec)

	rec = s.do(t, http.MethodPost, "/api/pairing/claim", map[string]string{"code": pc.Code, "deviceId": "dev-1"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	l := decodeBody[domain.Lease](t, rec)
	assert.Equal(t, "acc", l.AccountID)

	rec = s.do(t, http.MethodPost, "/api/pairing/claim", map[string]string{"code": pc.Code, "deviceId": "dev-2"})
	assert.Equal(t, http.StatusForbidden, rec.Code, "codes are single use")

	rec = s.do(t, http.MethodPost, "/api/leases/"+l.ID+"/heartbeat", map[string]string{"status": "connected"})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = s.do(t, http.MethodPost, "/api/leases/"+l.ID+"/heartbeat", map[string]string{"status": "sleeping"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/accounts/acc/lease", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decodeBody[lease.Status](t, rec).IsOnline)

	rec = s.do(t, http.MethodGet, "/api/devices/dev-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	dev := decodeBody[lease.DeviceStatus](t, rec)
	assert.Equal(t, "acc", dev.Device.AccountID)
	require.NotNil(t, dev.Lease)
	assert.Equal(t, l.ID, dev.Lease.ID)
	assert.True(t, dev.IsOnline)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/api/devices/dev-9", nil).Code)

	rec = s.do(t, http.MethodPost, "/api/accounts/acc/pairing", nil)
	pc2 := decodeBody[domain.PairingCode](t, rec)
	rec = s.do(t, http.MethodPost, "/api/pairing/claim", map[string]string{"code": pc2.Code, "deviceId": "dev-2"})
	assert.Equal(t, http.StatusConflict, rec.Code, "lease held")

	rec = s.do(t, http.MethodDelete, "/api/accounts/acc/lease", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"revoked":1}`, rec.Body.String())

	rec = s.do(t, http.MethodPost, "/api/leases/"+l.ID+"/heartbeat", map[string]string{"status": "connected"})
	assert.Equal(t, http.StatusGone, rec.Code)
}

func TestClaimIsRateLimited(t *testing.T) {
	s := newTestServer(t, "")
	body := map[string]string{"code": "NOPE2345", "deviceId": "dev-1"}
	for range 3 {
		assert.Equal(t, http.StatusForbidden, s.do(t, http.MethodPost, "/api/pairing/claim", body).Code)
	}
	assert.Equal(t, http.StatusTooManyRequests, s.do(t, http.MethodPost, "/api/pairing/claim", body).Code)
}

func TestRecipientCheckEndpoints(t *testing.T) {
	s := newTestServer(t, "")

	rec := s.do(t, http.MethodPost, "/api/accounts/acc/checks", map[string]string{"phone": "6281234567890"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, domain.ReasonServiceUnavailable, decodeBody[errorResponse](t, rec).Code)

	ctx := context.Background()
	pc, err := s.leases.StartPairing(ctx, "acc")
	require.NoError(t, err)
	_, err = s.leases.ClaimLease(ctx, pc.Code, "dev-1", "laptop")
	require.NoError(t, err)
	s.reg.Register("dev-1", &surface.Fake{})

	rec = s.do(t, http.MethodPost, "/api/accounts/acc/checks", map[string]string{"phone": "+62 812 3456 7890"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"phone":"6281234567890","reachability":"reachable"}`, rec.Body.String())

	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodDelete, "/api/accounts/acc/checks", nil).Code)
}

func TestRetryEndpoints(t *testing.T) {
	s := newTestServer(t, "")
	rec := s.do(t, http.MethodGet, "/api/batches/missing/retry-preview", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/accounts/acc/batches", map[string]any{
		"messages": []map[string]string{{"recipientPhone": "6281234567890", "content": "x"}},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decodeBody[session.Progress](t, rec).Batch.ID

	rec = s.do(t, http.MethodGet, "/api/batches/"+id+"/retry-preview", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, decodeBody[failure.Preview](t, rec).TotalFailed)

	rec = s.do(t, http.MethodPost, "/api/batches/"+id+"/retry", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, decodeBody[failure.RetryResult](t, rec).Requeued)
}

func TestRateLimitSettingsEndpoints(t *testing.T) {
	s := newTestServer(t, "")

	rec := s.do(t, http.MethodGet, "/api/settings/rate-limit", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5, decodeBody[domain.RateLimitSettings](t, rec).MinSeconds)

	rec = s.do(t, http.MethodPut, "/api/settings/rate-limit", map[string]any{"minSeconds": 10, "maxSeconds": 2, "enabled": true})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = s.do(t, http.MethodPut, "/api/settings/rate-limit", map[string]any{"minSeconds": 1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPut, "/api/settings/rate-limit", map[string]any{"minSeconds": 0, "maxSeconds": 0, "enabled": false})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decodeBody[domain.RateLimitSettings](t, rec)
	assert.False(t, got.Enabled)
}
