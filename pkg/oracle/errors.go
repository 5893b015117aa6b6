package oracle

import (
	"fmt"
)

// TransientError is a retryable failure: network trouble, timeouts, rate
// limiting, or provider overload. Invoke returns it once retries or the
// latency budget are exhausted.
type TransientError struct {
	Attempts int
	Err      error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("oracle unavailable after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// FatalError is a failure a retry cannot fix: bad credentials, exhausted
// quota, or a request the provider rejects.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("oracle rejected request: %v", e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }
