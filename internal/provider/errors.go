package provider

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/njoerd114/eventsync/internal/model"
)

var (
	// ErrNotSupported is wrapped by [NotSupportedError].
	ErrNotSupported = errors.New("operation not supported by provider")

	// ErrSyncTokenInvalid signals that the provider rejected the incremental
	// cursor. The caller retries with a full pull.
	ErrSyncTokenInvalid = errors.New("sync token no longer valid")

	// ErrUnauthorized marks a rejected credential. [WithAuthRetry] reacts to it.
	ErrUnauthorized = errors.New("provider rejected credentials")

	// ErrReconnectRequired is wrapped by [ReconnectError].
	ErrReconnectRequired = errors.New("authentication failed, user must reconnect")
)

// NotSupportedError reports a capability the adapter does not have.
type NotSupportedError struct {
	Provider  model.ProviderType
	Operation string
}

func (e *NotSupportedError) Error() string {
	switch {
	case e.Operation == "":
		return ErrNotSupported.Error()
	case e.Provider == "":
		return fmt.Sprintf("%s: %v", e.Operation, ErrNotSupported)
	}
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Operation, ErrNotSupported)
}

func (e *NotSupportedError) Unwrap() error {
	return ErrNotSupported
}

// ConfigError reports a missing or malformed credential, setting or
// environment value. It is never retried.
type ConfigError struct {
	Provider model.ProviderType
	Field    string
	Reason   string
}

func (e *ConfigError) Error() string {
	reason := e.Reason
	if reason == "" {
		reason = "is required"
	}
	return fmt.Sprintf("%s: %s %s", e.Provider, e.Field, reason)
}

// HTTPError is a non-2xx provider response.
type HTTPError struct {
	Provider   model.ProviderType
	Operation  string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	if body == "" {
		return fmt.Sprintf("%s %s: HTTP %d", e.Provider, e.Operation, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: HTTP %d: %s", e.Provider, e.Operation, e.StatusCode, body)
}

// Unwrap maps 401 to [ErrUnauthorized] so auth retries can detect it.
func (e *HTTPError) Unwrap() error {
	if e.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	return nil
}

// ReconnectError reports credentials that still fail after a refresh.
type ReconnectError struct {
	Provider model.ProviderType
	Err      error
}

func (e *ReconnectError) Error() string {
	return fmt.Sprintf("%s: %v: %v", e.Provider, ErrReconnectRequired, e.Err)
}

// Unwrap exposes both the sentinel and the underlying failure.
func (e *ReconnectError) Unwrap() []error {
	return []error{ErrReconnectRequired, e.Err}
}

// IsNotSupported reports whether err is a capability error.
func IsNotSupported(err error) bool {
	return errors.Is(err, ErrNotSupported)
}
