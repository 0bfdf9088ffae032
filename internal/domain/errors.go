package domain

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidAmount     = errors.New("amount must be positive")
	ErrSameAccount       = errors.New("cannot transfer to same account")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidTransition = errors.New("transfer is not pending")
	ErrUnauthorized      = errors.New("only the paying account may resolve this transfer")
	ErrAccountExists     = errors.New("user already has an account")
	ErrStoreUnavailable  = errors.New("store unavailable")
)

// ErrorKind maps an error to its wire-level kind string, used by the HTTP
// layer and the NATS command responses. Unrecognized errors are reported as
// store failures so callers know the operation may be retried.
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, ErrSameAccount):
		return "same_account"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrAccountExists):
		return "account_exists"
	default:
		return "store_unavailable"
	}
}
