package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"vendpoint/internal/service"
)

// Stable error codes surfaced in JSON responses.
const (
	CodeSignatureInvalid    = "SIGNATURE_INVALID"
	CodeAmountMismatch      = "AMOUNT_MISMATCH"
	CodeUpstreamUnavailable = "UPSTREAM_UNAVAILABLE"
	CodeDuplicateRefund     = "DUPLICATE_REFUND"
	CodeInvalidTransition   = "INVALID_TRANSITION"
	CodeUnauthorized        = "UNAUTHORIZED"
	CodeValidation          = "VALIDATION"
	CodeInternal            = "INTERNAL"
)

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"code": code, "error": message})
}

// writeServiceError maps the machine's error taxonomy onto HTTP status and
// stable codes without leaking internals.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrSignatureInvalid):
		writeError(w, http.StatusBadRequest, CodeSignatureInvalid, "signature verification failed")
	case errors.Is(err, service.ErrAmountMismatch):
		writeError(w, http.StatusBadRequest, CodeAmountMismatch, "paid amount below expected price")
	case errors.Is(err, service.ErrUpstreamUnavailable):
		writeError(w, http.StatusBadGateway, CodeUpstreamUnavailable, "payment gateway unavailable")
	case errors.Is(err, service.ErrDuplicateRefund):
		writeError(w, http.StatusBadRequest, CodeDuplicateRefund, "refund already issued")
	case errors.Is(err, service.ErrInvalidTransition):
		writeError(w, http.StatusConflict, CodeInvalidTransition, "operation not allowed in current phase")
	case errors.Is(err, service.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, CodeUnauthorized, "unauthorized")
	case errors.Is(err, service.ErrValidation):
		writeError(w, http.StatusBadRequest, CodeValidation, "invalid input")
	default:
		writeError(w, http.StatusInternalServerError, CodeInternal, "internal error")
	}
}
