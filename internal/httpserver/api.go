package httpserver

import (
	"log/slog"
	"net/http"
	"strings"

	"antrian-wa/internal/dispatch"
	"antrian-wa/internal/domain"
	"antrian-wa/internal/failure"
	"antrian-wa/internal/lease"
	"antrian-wa/internal/metrics"
	"antrian-wa/internal/session"
	"antrian-wa/internal/surface"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

const maxBodyBytes = 8 << 20

// Dependencies are the engine services the API exposes.
type Dependencies struct {
	Sessions   *session.Manager
	Leases     *lease.Manager
	Dispatcher *dispatch.Dispatcher
	Retries    *failure.Classifier
	Metrics    *metrics.Metrics
}

// API serves the delivery engine under /api.
type API struct {
	deps     Dependencies
	validate *validator.Validate
	claims   *keyedLimiter
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewAPI builds the API. claimsPerMinute limits pairing claims per client.
func NewAPI(deps Dependencies, claimsPerMinute int, logger *slog.Logger) *API {
	return &API{
		deps:     deps,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		claims:   newKeyedLimiter(claimsPerMinute),
		metrics:  deps.Metrics,
		logger:   logger.With("component", "api"),
	}
}

// Routes mounts every endpoint on r.
func (a *API) Routes(r chi.Router) {
	r.Route("/accounts/{accountID}", func(r chi.Router) {
		r.Get("/status", a.accountStatus)
		r.Post("/pause", a.pauseAccount)
		r.Post("/resume", a.resumeAccount)

		r.Get("/batches", a.listBatches)
		r.Post("/batches", a.enqueue)
		r.Post("/batches/pause-all", a.pauseAll)
		r.Post("/batches/resume-all", a.resumeAll)

		r.Post("/pairing", a.startPairing)
		r.Get("/lease", a.leaseStatus)
		r.Delete("/lease", a.forceRelease)

		r.Post("/checks", a.checkRecipient)
		r.Delete("/checks", a.cancelCheck)
	})

	r.Route("/batches/{batchID}", func(r chi.Router) {
		r.Get("/", a.batchProgress)
		r.Delete("/", a.deleteBatch)
		r.Post("/pause", a.pauseBatch)
		r.Post("/resume", a.resumeBatch)
		r.Get("/retry-preview", a.retryPreview)
		r.Post("/retry", a.retry)
	})

	r.Route("/messages/{messageID}", func(r chi.Router) {
		r.Delete("/", a.deleteMessage)
		r.Post("/pause", a.pauseMessage)
		r.Post("/resume", a.resumeMessage)
	})

	r.With(a.claims.middleware).Post("/pairing/claim", a.claimLease)
	r.Post("/leases/{leaseID}/heartbeat", a.heartbeat)
	r.Get("/devices/{deviceID}", a.deviceStatus)
	r.Post("/devices/{deviceID}/revoke", a.revokeDevice)

	r.Get("/settings/rate-limit", a.getRateLimit)
	r.Put("/settings/rate-limit", a.putRateLimit)
}

// -- Accounts --

type pauseRequest struct {
	Reason domain.Reason `json:"reason" validate:"omitempty,max=64"`
}

func (a *API) accountStatus(w http.ResponseWriter, r *http.Request) {
	st, err := a.deps.Sessions.AccountStatus(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *API) pauseAccount(w http.ResponseWriter, r *http.Request) {
	var req pauseRequest
	if err := a.decode(r, &req, true); err != nil {
		a.writeError(w, r, err)
		return
	}
	acc, err := a.deps.Sessions.PauseAccount(r.Context(), chi.URLParam(r, "accountID"), req.Reason)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

func (a *API) resumeAccount(w http.ResponseWriter, r *http.Request) {
	acc, err := a.deps.Sessions.ResumeAccount(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

// -- Batches --

type messageDTO struct {
	RecipientPhone string `json:"recipientPhone" validate:"required,max=32"`
	Content        string `json:"content" validate:"required,max=65536"`
}

type enqueueRequest struct {
	CorrelationToken string       `json:"correlationToken" validate:"omitempty,max=128"`
	Messages         []messageDTO `json:"messages" validate:"required,min=1,dive"`
}

func (a *API) enqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := a.decode(r, &req, false); err != nil {
		a.writeError(w, r, err)
		return
	}
	token := strings.TrimSpace(req.CorrelationToken)
	if token == "" {
		token = strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	}
	msgs := make([]session.NewMessage, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = session.NewMessage{RecipientPhone: m.RecipientPhone, Content: m.Content}
	}
	res, err := a.deps.Sessions.Enqueue(r.Context(), session.EnqueueRequest{
		AccountID:        chi.URLParam(r, "accountID"),
		CorrelationToken: token,
		Messages:         msgs,
	})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	status := http.StatusCreated
	if !res.Created {
		status = http.StatusOK
	}
	p, err := a.deps.Sessions.Progress(r.Context(), res.Batch.ID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, status, p)
}

func (a *API) listBatches(w http.ResponseWriter, r *http.Request) {
	list, err := a.deps.Sessions.List(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"batches": list})
}

func (a *API) pauseAll(w http.ResponseWriter, r *http.Request) {
	res, err := a.deps.Sessions.PauseAll(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) resumeAll(w http.ResponseWriter, r *http.Request) {
	res, err := a.deps.Sessions.ResumeAll(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) batchProgress(w http.ResponseWriter, r *http.Request) {
	p, err := a.deps.Sessions.Progress(r.Context(), chi.URLParam(r, "batchID"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *API) deleteBatch(w http.ResponseWriter, r *http.Request) {
	if err := a.deps.Sessions.DeleteBatch(r.Context(), chi.URLParam(r, "batchID")); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) pauseBatch(w http.ResponseWriter, r *http.Request) {
	var req pauseRequest
	if err := a.decode(r, &req, true); err != nil {
		a.writeError(w, r, err)
		return
	}
	b, err := a.deps.Sessions.PauseBatch(r.Context(), chi.URLParam(r, "batchID"), req.Reason)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (a *API) resumeBatch(w http.ResponseWriter, r *http.Request) {
	b, err := a.deps.Sessions.ResumeBatch(r.Context(), chi.URLParam(r, "batchID"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (a *API) retryPreview(w http.ResponseWriter, r *http.Request) {
	p, err := a.deps.Retries.Preview(r.Context(), chi.URLParam(r, "batchID"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *API) retry(w http.ResponseWriter, r *http.Request) {
	res, err := a.deps.Retries.BulkRetry(r.Context(), chi.URLParam(r, "batchID"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// -- Messages --

func (a *API) deleteMessage(w http.ResponseWriter, r *http.Request) {
	if err := a.deps.Sessions.DeleteMessage(r.Context(), chi.URLParam(r, "messageID")); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) pauseMessage(w http.ResponseWriter, r *http.Request) {
	var req pauseRequest
	if err := a.decode(r, &req, true); err != nil {
		a.writeError(w, r, err)
		return
	}
	m, err := a.deps.Sessions.PauseMessage(r.Context(), chi.URLParam(r, "messageID"), req.Reason)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (a *API) resumeMessage(w http.ResponseWriter, r *http.Request) {
	m, err := a.deps.Sessions.ResumeMessage(r.Context(), chi.URLParam(r, "messageID"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// -- Leases --

type claimRequest struct {
	Code       string `json:"code" validate:"required,max=16"`
	DeviceID   string `json:"deviceId" validate:"required,max=128"`
	DeviceName string `json:"deviceName" validate:"max=128"`
}

type heartbeatRequest struct {
	Status   domain.ConnStatus `json:"status" validate:"required,oneof=disconnected pending connected"`
	Activity string            `json:"activity" validate:"max=256"`
}

type revokeRequest struct {
	Reason string `json:"reason" validate:"max=256"`
}

func (a *API) startPairing(w http.ResponseWriter, r *http.Request) {
	pc, err := a.deps.Leases.StartPairing(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, pc)
}

func (a *API) claimLease(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if err := a.decode(r, &req, false); err != nil {
		a.writeError(w, r, err)
		return
	}
	l, err := a.deps.Leases.ClaimLease(r.Context(), req.Code, req.DeviceID, req.DeviceName)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, l)
}

func (a *API) heartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if err := a.decode(r, &req, false); err != nil {
		a.writeError(w, r, err)
		return
	}
	l, err := a.deps.Leases.Heartbeat(r.Context(), chi.URLParam(r, "leaseID"), domain.Heartbeat{
		Status:   req.Status,
		Activity: req.Activity,
	})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

func (a *API) leaseStatus(w http.ResponseWriter, r *http.Request) {
	st, err := a.deps.Leases.Status(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *API) forceRelease(w http.ResponseWriter, r *http.Request) {
	n, err := a.deps.Leases.ForceRelease(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"revoked": n})
}

func (a *API) deviceStatus(w http.ResponseWriter, r *http.Request) {
	st, err := a.deps.Leases.Device(r.Context(), chi.URLParam(r, "deviceID"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *API) revokeDevice(w http.ResponseWriter, r *http.Request) {
	var req revokeRequest
	if err := a.decode(r, &req, true); err != nil {
		a.writeError(w, r, err)
		return
	}
	d, err := a.deps.Leases.RevokeDevice(r.Context(), chi.URLParam(r, "deviceID"), req.Reason)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// -- Recipient checks --

type checkRequest struct {
	Phone string `json:"phone" validate:"required,max=32"`
}

type checkResponse struct {
	Phone        string               `json:"phone"`
	Reachability surface.Reachability `json:"reachability"`
}

func (a *API) checkRecipient(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if err := a.decode(r, &req, false); err != nil {
		a.writeError(w, r, err)
		return
	}
	res, err := a.deps.Dispatcher.CheckRecipient(r.Context(), chi.URLParam(r, "accountID"), req.Phone)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	phone, _ := domain.NormalizePhone(req.Phone)
	writeJSON(w, http.StatusOK, checkResponse{Phone: phone, Reachability: res})
}

func (a *API) cancelCheck(w http.ResponseWriter, r *http.Request) {
	if err := a.deps.Dispatcher.CancelCheck(r.Context(), chi.URLParam(r, "accountID")); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// -- Settings --

type rateLimitRequest struct {
	MinSeconds *int  `json:"minSeconds" validate:"required,min=0"`
	MaxSeconds *int  `json:"maxSeconds" validate:"required,min=0"`
	Enabled    *bool `json:"enabled" validate:"required"`
}

func (a *API) getRateLimit(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.deps.Sessions.RateLimitSettings(r.Context()))
}

func (a *API) putRateLimit(w http.ResponseWriter, r *http.Request) {
	var req rateLimitRequest
	if err := a.decode(r, &req, false); err != nil {
		a.writeError(w, r, err)
		return
	}
	s, err := a.deps.Sessions.UpdateRateLimitSettings(r.Context(), *req.MinSeconds, *req.MaxSeconds, *req.Enabled)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}
