package models

import (
	"errors"
	"fmt"
)

// ErrorKind classifies why a provider could not produce a verdict.
type ErrorKind int

const (
	ErrTransient ErrorKind = iota
	ErrTimeout
	ErrAuthFailure
	ErrRateLimited
	ErrUnsupported
)

func (k ErrorKind) String() string {
	switch k {
	case ErrTimeout:
		return "timeout"
	case ErrAuthFailure:
		return "auth_failure"
	case ErrRateLimited:
		return "rate_limited"
	case ErrUnsupported:
		return "unsupported"
	default:
		return "transient"
	}
}

// ParseErrorKind maps a kind name back to ErrorKind.
func ParseErrorKind(s string) (ErrorKind, error) {
	switch s {
	case "transient":
		return ErrTransient, nil
	case "timeout":
		return ErrTimeout, nil
	case "auth_failure":
		return ErrAuthFailure, nil
	case "rate_limited":
		return ErrRateLimited, nil
	case "unsupported":
		return ErrUnsupported, nil
	}
	return 0, fmt.Errorf("models: unknown error kind %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (k ErrorKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *ErrorKind) UnmarshalText(b []byte) error {
	v, err := ParseErrorKind(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// ProviderError is returned by providers that cannot produce a verdict.
type ProviderError struct {
	Provider ProviderID
	Kind     ErrorKind
	Err      error
}

// NewProviderError wraps err with a provider and kind.
func NewProviderError(provider ProviderID, kind ErrorKind, err error) *ProviderError {
	return &ProviderError{Provider: provider, Kind: kind, Err: err}
}

func (e *ProviderError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("provider %s: %s", e.Provider, e.Kind)
	}
	return fmt.Sprintf("provider %s: %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// KindOf extracts the ErrorKind of err. Errors that are not ProviderErrors are transient.
func KindOf(err error) ErrorKind {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ErrTransient
}
