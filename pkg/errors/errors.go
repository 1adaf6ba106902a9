// Package errors defines the unified error type returned by the gateway core.
// Every internal failure (provider, breaker, limiter, router, cache) is
// translated into a GatewayError before it leaves the client.
package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
)

// Kind classifies a GatewayError.
type Kind string

const (
	KindRateLimit          Kind = "rate_limit_error"
	KindAuth               Kind = "authentication_error"
	KindConfig             Kind = "configuration_error"
	KindCache              Kind = "cache_error"
	KindProvider           Kind = "provider_error"
	KindInternal           Kind = "internal_error"
	KindServiceUnavailable Kind = "service_unavailable_error"
	KindInvalidRequest     Kind = "invalid_request_error"
	KindTimeout            Kind = "timeout_error"
)

// GatewayError is the error surfaced to the HTTP layer.
// It carries enough information for logging, metrics and client responses.
type GatewayError struct {
	Kind       Kind   `json:"type"`
	Message    string `json:"message"`
	Provider   string `json:"provider,omitempty"`
	Model      string `json:"model,omitempty"`
	StatusCode int    `json:"status_code"`
	Retryable  bool   `json:"-"`
	Err        error  `json:"-"`
}

// Error implements the error interface.
func (e *GatewayError) Error() string {
	if e.Provider == "" && e.Model == "" {
		return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("[%s] %s (provider=%s, model=%s, code=%d)",
		e.Kind, e.Message, e.Provider, e.Model, e.StatusCode)
}

// Unwrap returns the underlying cause, if any.
func (e *GatewayError) Unwrap() error {
	return e.Err
}

// HTTPStatusCode returns the appropriate HTTP status code for the error.
func (e *GatewayError) HTTPStatusCode() int {
	if e.StatusCode > 0 {
		return e.StatusCode
	}
	return http.StatusInternalServerError
}

// WithProvider returns a copy annotated with provider and model.
func (e *GatewayError) WithProvider(provider, model string) *GatewayError {
	cp := *e
	if cp.Provider == "" {
		cp.Provider = provider
	}
	if cp.Model == "" {
		cp.Model = model
	}
	return &cp
}

// NewRateLimitError creates a rate limit error (429).
func NewRateLimitError(message string) *GatewayError {
	return &GatewayError{
		Kind:       KindRateLimit,
		Message:    message,
		StatusCode: http.StatusTooManyRequests,
		Retryable:  true,
	}
}

// NewAuthError creates an authentication error (401).
func NewAuthError(message string) *GatewayError {
	return &GatewayError{
		Kind:       KindAuth,
		Message:    message,
		StatusCode: http.StatusUnauthorized,
	}
}

// NewConfigError creates a configuration error (500).
// Configuration errors are not recoverable without operator action.
func NewConfigError(message string) *GatewayError {
	return &GatewayError{
		Kind:       KindConfig,
		Message:    message,
		StatusCode: http.StatusInternalServerError,
	}
}

// NewCacheError creates a cache error (500).
func NewCacheError(message string, err error) *GatewayError {
	return &GatewayError{
		Kind:       KindCache,
		Message:    message,
		StatusCode: http.StatusInternalServerError,
		Err:        err,
	}
}

// NewInternalError creates an internal server error (500).
func NewInternalError(message string) *GatewayError {
	return &GatewayError{
		Kind:       KindInternal,
		Message:    message,
		StatusCode: http.StatusInternalServerError,
	}
}

// NewServiceUnavailableError creates a service unavailable error (503).
func NewServiceUnavailableError(provider, message string) *GatewayError {
	return &GatewayError{
		Kind:       KindServiceUnavailable,
		Message:    message,
		Provider:   provider,
		StatusCode: http.StatusServiceUnavailable,
		Retryable:  true,
	}
}

// NewInvalidRequestError creates an invalid request error (400).
func NewInvalidRequestError(message string) *GatewayError {
	return &GatewayError{
		Kind:       KindInvalidRequest,
		Message:    message,
		StatusCode: http.StatusBadRequest,
	}
}

// NewTimeoutError creates a timeout error (504).
func NewTimeoutError(provider, message string) *GatewayError {
	return &GatewayError{
		Kind:       KindTimeout,
		Message:    message,
		Provider:   provider,
		StatusCode: http.StatusGatewayTimeout,
		Retryable:  true,
	}
}

// NewProviderError creates an error for a failed upstream call.
// Rate limits, request timeouts and 5xx responses are retryable.
func NewProviderError(provider, model string, statusCode int, message string) *GatewayError {
	kind := KindProvider
	switch statusCode {
	case http.StatusTooManyRequests:
		kind = KindRateLimit
	case http.StatusUnauthorized, http.StatusForbidden:
		kind = KindAuth
	case http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity:
		kind = KindInvalidRequest
	case http.StatusServiceUnavailable:
		kind = KindServiceUnavailable
	}
	return &GatewayError{
		Kind:       kind,
		Message:    message,
		Provider:   provider,
		Model:      model,
		StatusCode: statusCode,
		Retryable:  IsRetryableStatus(statusCode),
	}
}

// NewNetworkError wraps a transport failure talking to a provider.
func NewNetworkError(provider string, err error) *GatewayError {
	return &GatewayError{
		Kind:       KindProvider,
		Message:    fmt.Sprintf("network error: %v", err),
		Provider:   provider,
		StatusCode: http.StatusBadGateway,
		Retryable:  true,
		Err:        err,
	}
}

// IsRetryableStatus reports whether an upstream status code is worth retrying.
func IsRetryableStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusTooManyRequests, http.StatusRequestTimeout:
		return true
	}
	return statusCode >= 500
}

// As extracts a GatewayError from err.
func As(err error) (*GatewayError, bool) {
	var gwErr *GatewayError
	if stderrors.As(err, &gwErr) {
		return gwErr, true
	}
	return nil, false
}

// KindOf returns the kind of err, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	if gwErr, ok := As(err); ok {
		return gwErr.Kind
	}
	return KindInternal
}

// IsRetryable reports whether the same provider may be tried again.
// Rate limits, unavailability, timeouts and network failures qualify;
// validation, auth and configuration errors never do.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	gwErr, ok := As(err)
	if !ok {
		return isNetworkError(err)
	}
	switch gwErr.Kind {
	case KindInvalidRequest, KindAuth, KindConfig:
		return false
	case KindRateLimit, KindServiceUnavailable, KindTimeout:
		return true
	}
	return gwErr.Retryable
}

// IsFallbackEligible reports whether another provider should be tried
// after the current one has exhausted its retries.
func IsFallbackEligible(err error) bool {
	return IsRetryable(err)
}

// FromError converts any error into a GatewayError.
// Existing GatewayErrors pass through unchanged.
func FromError(err error) *GatewayError {
	if err == nil {
		return nil
	}
	if gwErr, ok := As(err); ok {
		return gwErr
	}
	switch {
	case stderrors.Is(err, context.DeadlineExceeded):
		e := NewTimeoutError("", err.Error())
		e.Err = err
		return e
	case stderrors.Is(err, context.Canceled):
		e := NewInternalError("request canceled")
		e.Err = err
		return e
	case isNetworkError(err):
		return NewNetworkError("", err)
	}
	e := NewInternalError(err.Error())
	e.Err = err
	return e
}

func isNetworkError(err error) bool {
	var netErr net.Error
	return stderrors.As(err, &netErr)
}
