package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"duck-coordinator/internal/domain"
)

// Error is the JSON body of every non-2xx response.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// httpStatusFromDomainError maps domain errors to HTTP status codes.
func httpStatusFromDomainError(err error) int {
	var notFound *domain.NotFoundError
	var validation *domain.ValidationError
	var conflict *domain.ConflictError
	var rejected *domain.AdmissionRejectedError
	var timeout *domain.AdmissionTimeoutError

	switch {
	case errors.As(err, &notFound):
		return http.StatusNotFound
	case errors.As(err, &validation):
		return http.StatusBadRequest
	case errors.As(err, &conflict):
		return http.StatusConflict
	case errors.As(err, &rejected), errors.As(err, &timeout):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// retryAfter returns the retry hint carried by admission errors.
func retryAfter(err error) (time.Duration, bool) {
	var rejected *domain.AdmissionRejectedError
	if errors.As(err, &rejected) {
		return rejected.RetryAfter, true
	}
	var timeout *domain.AdmissionTimeoutError
	if errors.As(err, &timeout) {
		return timeout.RetryAfter, true
	}
	return 0, false
}

// writeError writes err as a JSON Error. Internal faults are logged and
// reported with a generic message.
func writeError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	code := httpStatusFromDomainError(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		logger.ErrorContext(r.Context(), "request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		msg = "internal server error"
	}
	if d, ok := retryAfter(err); ok {
		secs := int(math.Ceil(d.Seconds()))
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	writeJSON(w, code, Error{Code: code, Message: msg})
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
