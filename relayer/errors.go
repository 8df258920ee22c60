package relayer

import (
	"errors"
)

// Exhaustion. The caller should back off and try again.
var (
	ErrNoNonceAvailable         = errors.New("no nonce account available")
	ErrNoDisposableKeyAvailable = errors.New("no disposable key available")
)

// Provider failures, recorded per provider.
var (
	ErrProviderRejected    = errors.New("provider rejected transaction")
	ErrProviderUnreachable = errors.New("provider unreachable")
)

// Terminal outcomes of a single request.
var (
	ErrSubmissionTimedOut = errors.New("submission timed out, outcome unknown")
	ErrAllProvidersFailed = errors.New("all providers failed")
)

var (
	ErrInvariantViolation = errors.New("invariant violation")
	ErrInvalidRequest     = errors.New("invalid submission request")
	ErrDuplicateRequest   = errors.New("request is already being processed")
	ErrTooManyAttempts    = errors.New("request exceeded its submission attempts")
	ErrNoActiveProviders  = errors.New("no active providers")
	ErrUnknownProvider    = errors.New("unknown provider")
	ErrDuplicateProvider  = errors.New("provider registered twice")
	ErrInvalidProvider    = errors.New("invalid provider config")
)

// IsRetryable reports whether err means "try again shortly" as opposed to "this attempt is void".
func IsRetryable(err error) bool {
	return errors.Is(err, ErrNoNonceAvailable) || errors.Is(err, ErrNoDisposableKeyAvailable)
}

func outcomeError(status Status) error {
	switch status {
	case StatusTimedOut:
		return ErrSubmissionTimedOut
	case StatusAllFailed:
		return ErrAllProvidersFailed
	default:
		return nil
	}
}
