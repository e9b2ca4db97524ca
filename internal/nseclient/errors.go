package nseclient

import "errors"

// Error taxonomy for the three remote operations. Callers classify with
// errors.Is; everything else coming out of the client is terminal.
var (
	ErrInvalidCredentials = errors.New("nseclient: invalid credentials")
	ErrServiceUnavailable = errors.New("nseclient: service unavailable")
	ErrTimeout            = errors.New("nseclient: request timed out")
	ErrSessionExpired     = errors.New("nseclient: session expired")
	ErrNotFound           = errors.New("nseclient: file not found")
	ErrPartialTransfer    = errors.New("nseclient: partial transfer")
	ErrSegmentAccess      = errors.New("nseclient: segment not accessible")
)

// Retryable reports whether an error is transient per the retry policy:
// timeouts, partial transfers and service unavailability retry; credential,
// session and not-found errors do not.
func Retryable(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrServiceUnavailable) ||
		errors.Is(err, ErrPartialTransfer)
}
