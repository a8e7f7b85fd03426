package swap

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned by the engine wraps exactly one of these
// so callers can classify it with errors.Is or KindOf.
var (
	ErrValidation    = errors.New("validation failed")
	ErrAuthorization = errors.New("not authorized")
	ErrConflict      = errors.New("conflict")
	ErrState         = errors.New("invalid state")
	ErrPayment       = errors.New("payment failed")
	ErrNotFound      = errors.New("not found")
)

// Errors returned by repository implementations.
var (
	ErrAssetLocked = fmt.Errorf("%w: asset is locked by another swap request", ErrConflict)
	ErrStaleStatus = fmt.Errorf("%w: status changed concurrently", ErrState)
	ErrStaleTerms  = fmt.Errorf("%w: contract terms changed", ErrConflict)
	ErrOpenDispute = fmt.Errorf("%w: swap request already has an open dispute", ErrConflict)
)

// Kind classifies an engine error.
type Kind string

const (
	KindValidation    Kind = "validation"
	KindAuthorization Kind = "authorization"
	KindConflict      Kind = "conflict"
	KindState         Kind = "state"
	KindPayment       Kind = "payment"
	KindNotFound      Kind = "not_found"
	KindInternal      Kind = "internal"
)

// KindOf returns the kind of err, or KindInternal when it wraps none.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrAuthorization):
		return KindAuthorization
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrState):
		return KindState
	case errors.Is(err, ErrPayment):
		return KindPayment
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	default:
		return KindInternal
	}
}

func validationf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func statef(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrState, fmt.Sprintf(format, args...))
}

func unauthorizedf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrAuthorization, fmt.Sprintf(format, args...))
}
