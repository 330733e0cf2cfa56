package shared

import "errors"

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrValidation indicates the input was rejected before touching state.
	ErrValidation = errors.New("validation failed")
	// ErrOverPayment indicates a payment exceeding the outstanding amount.
	ErrOverPayment = errors.New("payment exceeds outstanding amount")
	// ErrInsufficientStock indicates a movement that would drive stock negative.
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrConcurrencyConflict indicates a concurrent writer won the race.
	ErrConcurrencyConflict = errors.New("concurrent modification")
)

// ValidationError carries the offending field alongside ErrValidation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return "validation failed: " + e.Field + ": " + e.Reason
}

// Unwrap lets errors.Is match ErrValidation.
func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// Invalid builds a ValidationError.
func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// UserSafeMessage returns a message that can be shown to API clients.
func UserSafeMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrOverPayment),
		errors.Is(err, ErrInsufficientStock),
		errors.Is(err, ErrConcurrencyConflict),
		errors.Is(err, ErrIdempotencyConflict):
		return err.Error()
	default:
		return "internal error"
	}
}
