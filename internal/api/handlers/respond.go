package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/instoredealz/claim-service/internal/apperr"
)

type ErrorResponse struct {
	Error         string     `json:"error"`
	Message       string     `json:"message"`
	NextAllowedAt *time.Time `json:"next_allowed_at,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeBadRequest(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: apperr.ErrInvalidFormat.Error(), Message: message})
}

// statusFor maps an error kind to its HTTP status.
func statusFor(kind string) int {
	switch kind {
	case apperr.ErrInvalidFormat.Error():
		return http.StatusBadRequest
	case apperr.ErrInvalidPIN.Error():
		return http.StatusUnprocessableEntity
	case apperr.ErrNotFound.Error():
		return http.StatusNotFound
	case apperr.ErrWrongVendor.Error(), apperr.ErrForbidden.Error():
		return http.StatusForbidden
	case apperr.ErrAlreadyUsed.Error(), apperr.ErrAlreadyVerified.Error(),
		apperr.ErrNotVerified.Error(), apperr.ErrDealUnavailable.Error():
		return http.StatusConflict
	case apperr.ErrExpired.Error():
		return http.StatusGone
	case apperr.ErrRateLimited.Error():
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

var messages = map[string]string{
	"invalid_format":   "request is malformed",
	"invalid_pin":      "the PIN is not correct",
	"not_found":        "claim or deal not found",
	"wrong_vendor":     "this claim belongs to another vendor",
	"forbidden":        "not allowed",
	"already_used":     "this claim has already been used",
	"already_verified": "this claim has already been verified",
	"not_verified":     "the claim must be verified before completion",
	"deal_unavailable": "the deal cannot be claimed right now",
	"expired":          "the claim code has expired",
	"rate_limited":     "too many PIN attempts, try again later",
	"internal_error":   "internal error",
}

const pinExpiredMessage = "the deal PIN has expired, ask the vendor for a new one"

// writeError reports a workflow error. Internal failures are logged and
// returned without detail.
func writeError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	kind := apperr.Kind(err)
	status := statusFor(kind)
	resp := ErrorResponse{Error: kind, Message: messages[kind]}
	if errors.Is(err, apperr.ErrPINExpired) {
		resp.Message = pinExpiredMessage
	}

	var rl *apperr.RateLimitError
	if errors.As(err, &rl) {
		next := rl.NextAllowedAt.UTC()
		resp.NextAllowedAt = &next
		secs := int(math.Ceil(time.Until(next).Seconds()))
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}

	if status == http.StatusInternalServerError {
		logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "err", err)
	} else {
		logger.DebugContext(r.Context(), "request rejected", "path", r.URL.Path, "kind", kind, "err", err)
	}
	writeJSON(w, status, resp)
}
