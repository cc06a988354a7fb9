package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"antrian-wa/internal/domain"
	"antrian-wa/internal/failure"

	"github.com/go-playground/validator/v10"
)

type errorResponse struct {
	Error     string                `json:"error"`
	Code      domain.Reason         `json:"code,omitempty"`
	Message   string                `json:"message,omitempty"`
	Breakdown map[domain.Reason]int `json:"breakdown,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, "failed to encode json", http.StatusInternalServerError)
	}
}

// statusFor maps engine errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrLeaseHeld),
		errors.Is(err, domain.ErrCheckInProgress),
		errors.Is(err, domain.ErrNotResumable),
		errors.Is(err, domain.ErrBatchCompleted):
		return http.StatusConflict
	case errors.Is(err, domain.ErrPairingCodeInvalid):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrDeviceRevoked), errors.Is(err, domain.ErrLeaseRevoked):
		return http.StatusGone
	case errors.Is(err, domain.ErrNoActiveLease):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	var fe failure.Coded
	if errors.As(err, &fe) {
		switch fe.FailureCode() {
		case domain.ReasonAborted:
			return http.StatusConflict
		case domain.ReasonServiceUnavailable, domain.ReasonBrowserClosure, domain.ReasonPendingQR:
			return http.StatusServiceUnavailable
		default:
			return http.StatusBadGateway
		}
	}
	return http.StatusInternalServerError
}

func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	body := errorResponse{Error: err.Error()}
	var (
		fe    *failure.Error
		coded failure.Coded
	)
	switch {
	case errors.As(err, &fe):
		body.Code = fe.Code
		body.Message = fe.Message
		body.Breakdown = fe.Breakdown
	case errors.As(err, &coded):
		body.Code = coded.FailureCode()
		body.Message = coded.FailureCode().Describe()
	}
	if status >= http.StatusInternalServerError {
		a.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
		if a.metrics != nil {
			a.metrics.Errors.WithLabelValues("http").Inc()
		}
	}
	writeJSON(w, status, body)
}

// decode reads a JSON body into dst and validates it. An empty body is
// accepted when allowEmpty is set.
func (a *API) decode(r *http.Request, dst any, allowEmpty bool) error {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if !(allowEmpty && errors.Is(err, io.EOF)) {
			return fmt.Errorf("invalid request payload: %v: %w", err, domain.ErrValidation)
		}
	}
	if err := a.validate.Struct(dst); err != nil {
		return fmt.Errorf("%s: %w", describeValidation(err), domain.ErrValidation)
	}
	return nil
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s failed %s=%s", fe.Namespace(), fe.Tag(), fe.Param()))
		} else {
			parts = append(parts, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
		}
	}
	return strings.Join(parts, "; ")
}
