package adapter

import (
	"context"
	"fmt"
	"net"

	"github.com/cockroachdb/errors"
)

// CodeQuotaExhausted marks provider errors that a retry cannot fix.
const CodeQuotaExhausted = "insufficient_quota"

// AdapterError wraps provider errors with status metadata.
type AdapterError struct {
	Provider  string
	Status    int
	Code      string
	Temporary bool
	Err       error
}

func (e *AdapterError) Error() string {
	if e == nil {
		return "adapter error"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Provider, e.Err)
	}
	return fmt.Sprintf("%s: adapter error (status=%d)", e.Provider, e.Status)
}

func (e *AdapterError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Wrap attaches provider status metadata to err. A zero status leaves the
// error classifiable only by its underlying type.
func Wrap(provider string, status int, code string, err error) error {
	if err == nil {
		return nil
	}
	return &AdapterError{Provider: provider, Status: status, Code: code, Err: err}
}

// IsTransient reports whether an error is safe to retry.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var adapterErr *AdapterError
	if errors.As(err, &adapterErr) {
		if adapterErr.Code == CodeQuotaExhausted {
			return false
		}
		if adapterErr.Temporary {
			return true
		}
		switch {
		case adapterErr.Status == 408, adapterErr.Status == 409, adapterErr.Status == 429:
			return true
		case adapterErr.Status >= 500 && adapterErr.Status <= 599:
			return true
		case adapterErr.Status != 0:
			return false
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return false
}
