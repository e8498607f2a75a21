package apperrors

import "errors"

// Standardized Exchange Errors
var (
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrOrderRejected         = errors.New("order rejected")
	ErrRateLimitExceeded     = errors.New("rate limit exceeded")
	ErrNetwork               = errors.New("network error")
	ErrInvalidSymbol         = errors.New("invalid symbol")
	ErrAuthenticationFailed  = errors.New("authentication failed")
	ErrExchangeMaintenance   = errors.New("exchange maintenance")
	ErrOrderNotFound         = errors.New("order not found")
	ErrDuplicateOrder        = errors.New("duplicate order")
	ErrInvalidOrderParameter = errors.New("invalid order parameter")
	ErrSystemOverload        = errors.New("system overload")
	ErrTimestampOutOfBounds  = errors.New("timestamp out of bounds")
)

// Engine-level errors, distinct from the venue-reported errors above.
var (
	// ErrReconciliation indicates the startup reconciler could not fetch
	// the venue's positions or balances, or found a spot/perp size
	// divergence too large to auto-correct.
	ErrReconciliation = errors.New("reconciliation divergence exceeds auto-correct threshold")

	// ErrInvariantViolation indicates a safety invariant (priority lock
	// discipline, delta-neutrality bound, single in-flight execution)
	// was violated and the engine must stop rather than continue.
	ErrInvariantViolation = errors.New("invariant violation")

	// ErrConfig indicates a configuration file failed validation.
	ErrConfig = errors.New("invalid configuration")
)
