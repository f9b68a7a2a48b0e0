package service

import "errors"

// Error taxonomy surfaced to handlers. Handlers map these to HTTP status and
// stable JSON codes; nothing else about internal state leaks out.
var (
	ErrSignatureInvalid    = errors.New("payment signature invalid")
	ErrAmountMismatch      = errors.New("paid amount below expected price")
	ErrUpstreamUnavailable = errors.New("payment gateway unavailable")
	ErrDuplicateRefund     = errors.New("refund already issued for payment")
	ErrInvalidTransition   = errors.New("operation not allowed in current phase")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrValidation          = errors.New("invalid input")
)
