package models

import "errors"

var (
	ErrUnauthenticated  = errors.New("unauthenticated")
	ErrUnknownRecipient = errors.New("unknown recipient")
	ErrValidation       = errors.New("validation failed")
	ErrNotFound         = errors.New("not found")
	ErrStorage          = errors.New("storage failure")
	ErrUserExists       = errors.New("user already exists")
	ErrRateLimited      = errors.New("rate limited")
)

// ErrorCode maps an error onto the short code sent to clients.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnauthenticated):
		return "unauthenticated"
	case errors.Is(err, ErrUnknownRecipient):
		return "unknown_recipient"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrUserExists):
		return "user_exists"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	default:
		return "storage"
	}
}
