package model

import "errors"

// ErrorKind classifies a domain error so the HTTP layer can pick a status
// code without knowing every sentinel.
type ErrorKind int

const (
	KindInternal ErrorKind = iota
	KindValidation
	KindNotFound
	KindStateConflict
	KindConcurrencyConflict
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindStateConflict:
		return "state_conflict"
	case KindConcurrencyConflict:
		return "concurrency_conflict"
	}
	return "internal"
}

// Error is a classified domain error. Sentinels below are compared with
// errors.Is and usually wrapped with detail via fmt.Errorf("%w: ...").
type Error struct {
	Kind    ErrorKind
	Code    string
	Message string
}

func (e *Error) Error() string { return e.Message }

func newError(kind ErrorKind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Message: msg}
}

var (
	ErrInvalidShareCount     = newError(KindValidation, "invalid_share_count", "shares must be positive")
	ErrInvalidTradeType      = newError(KindValidation, "invalid_trade_type", "trade type must be buy or sell")
	ErrInvalidOutcomeCount   = newError(KindValidation, "invalid_outcome_count", "a market needs between 2 and 10 outcomes")
	ErrInvalidEndDate        = newError(KindValidation, "invalid_end_date", "end date must be in the future")
	ErrInvalidMarket         = newError(KindValidation, "invalid_market", "invalid market definition")
	ErrMissingUser           = newError(KindValidation, "missing_user", "user id is required")
	ErrMarketNotFound        = newError(KindNotFound, "market_not_found", "market not found")
	ErrOutcomeNotFound       = newError(KindNotFound, "outcome_not_found", "outcome not found")
	ErrPositionNotFound      = newError(KindNotFound, "position_not_found", "position not found")
	ErrMarketNotActive       = newError(KindStateConflict, "market_not_active", "market is not active")
	ErrMarketAlreadyResolved = newError(KindStateConflict, "market_already_resolved", "market is already resolved")
	ErrInvalidTransition     = newError(KindStateConflict, "invalid_transition", "market status transition not allowed")
	ErrInsufficientShares    = newError(KindStateConflict, "insufficient_shares", "not enough shares to sell")
	ErrPositionLimitExceeded = newError(KindStateConflict, "position_limit_exceeded", "position limit exceeded")
	ErrConcurrencyConflict   = newError(KindConcurrencyConflict, "concurrency_conflict", "market was modified concurrently")
)

// KindOf returns the kind of the first *Error in err's chain, or
// KindInternal when there is none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// CodeOf returns the machine-readable code of err, or "internal_error".
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return "internal_error"
}
