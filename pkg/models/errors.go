package models

import "errors"

// Error kinds surfaced by the ledger. Every failure returned by the ledger
// wraps exactly one of these so callers can classify with errors.Is.
var (
	ErrValidation             = errors.New("validation error")
	ErrNotFound               = errors.New("not found")
	ErrIllegalLoanState       = errors.New("illegal loan state")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrPaymentExceedsBalance  = errors.New("payment exceeds remaining balance")
	ErrDuplicatePayment       = errors.New("loan already settled")
	ErrConcurrencyConflict    = errors.New("concurrent modification, retry")
)

// ValidationError describes a rejected input field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return "invalid " + e.Field + ": " + e.Message
}

// Is lets errors.Is(err, ErrValidation) match any ValidationError.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}
