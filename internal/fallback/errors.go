package fallback

import (
	"errors"
	"fmt"
	"strings"
)

// ErrEmptyOutput is returned when a provider reports success without text.
var ErrEmptyOutput = errors.New("provider returned empty output")

// ErrNoProviders is returned by NewChain when no spec is given.
var ErrNoProviders = errors.New("fallback: no providers configured")

// TransientError marks a failure worth retrying on the same provider:
// rate limits, timeouts, server-side errors.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a failure that retrying will not fix:
// bad credentials, malformed or rejected requests.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Transient wraps err as retryable. nil stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// Permanent wraps err as non-retryable. nil stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsTransient reports whether err was classified as retryable. Unclassified errors are not.
func IsTransient(err error) bool {
	var pe *PermanentError
	if errors.As(err, &pe) {
		return false
	}
	var te *TransientError
	return errors.As(err, &te)
}

// ProviderFailure is the final failure of one provider within an Execute call.
type ProviderFailure struct {
	Provider string
	Attempts int
	Err      error
}

func (f ProviderFailure) Error() string {
	return fmt.Sprintf("%s (%d attempts): %v", f.Provider, f.Attempts, f.Err)
}

func (f ProviderFailure) Unwrap() error { return f.Err }

// AllProvidersFailedError is returned when every provider in the chain failed.
type AllProvidersFailedError struct {
	Failures []ProviderFailure
}

func (e *AllProvidersFailedError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, f.Error())
	}
	return "all providers failed: " + strings.Join(parts, "; ")
}

func (e *AllProvidersFailedError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}
	return errs
}
