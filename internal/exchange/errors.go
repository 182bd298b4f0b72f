package exchange

import (
	"errors"

	ccxt "github.com/ccxt/ccxt/go/v4"
)

var (
	// ErrMaintenance means the exchange reported a maintenance window;
	// callers should skip the cycle rather than retry.
	ErrMaintenance = errors.New("exchange on maintenance")
	// ErrRateLimited is returned after retry budget is exhausted on a
	// retCode 10006 response (spec.md §6).
	ErrRateLimited = errors.New("exchange rate limit exceeded")
)

// Bybit V5 retCodes that mean "leverage/margin mode already matches the
// request" -- treated as success rather than an error (spec.md §6).
const (
	retCodeAlreadySet  = 34036
	retCodeAlreadySet2 = 110043
)

// IsRetryable reports whether err represents a transient failure worth
// retrying (network hiccup, timeout, rate limit, unavailable exchange).
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var ccxtErr *ccxt.Error
	if errors.As(err, &ccxtErr) {
		switch ccxtErr.Type {
		case ccxt.NetworkErrorErrType,
			ccxt.RequestTimeoutErrType,
			ccxt.ExchangeNotAvailableErrType,
			ccxt.RateLimitExceededErrType,
			ccxt.DDoSProtectionErrType,
			ccxt.BadResponseErrType,
			ccxt.NullResponseErrType:
			return true
		default:
			return false
		}
	}

	return false
}
