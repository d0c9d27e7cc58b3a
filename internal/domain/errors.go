package domain

import "errors"

var (
	ErrNotFound         = errors.New("not found")
	ErrAlreadyExists    = errors.New("already exists")
	ErrRateLimited      = errors.New("rate limited")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrLockHeld         = errors.New("lock already held")
	ErrBreakerTripped   = errors.New("circuit breaker tripped")
	ErrInvalidLevels    = errors.New("invalid protective levels")
	ErrInvalidInput     = errors.New("invalid input")
	ErrGatewayRejected  = errors.New("gateway rejected request")
	ErrPositionClosed   = errors.New("position not open")
	ErrPriceUnavailable = errors.New("price unavailable")
)
