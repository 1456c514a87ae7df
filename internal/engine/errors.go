package engine

import (
	"errors"
	"fmt"
)

// TransportError means the backend could not be reached or did not answer
// in time. The request may succeed if repeated.
type TransportError struct {
	Backend string
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s unavailable: %v", e.Backend, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsTransport reports whether err is, or wraps, a *TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// retryableStatus reports whether an HTTP status from a backend is worth retrying.
func retryableStatus(code int) bool {
	return code == 429 || code >= 500
}
