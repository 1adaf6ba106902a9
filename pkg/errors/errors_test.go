package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"testing"
)

func TestNewProviderError_Classification(t *testing.T) {
	tests := []struct {
		name          string
		statusCode    int
		wantKind      Kind
		wantRetryable bool
	}{
		{"rate limit 429", http.StatusTooManyRequests, KindRateLimit, true},
		{"unauthorized 401", http.StatusUnauthorized, KindAuth, false},
		{"forbidden 403", http.StatusForbidden, KindAuth, false},
		{"bad request 400", http.StatusBadRequest, KindInvalidRequest, false},
		{"not found 404", http.StatusNotFound, KindInvalidRequest, false},
		{"request timeout 408", http.StatusRequestTimeout, KindProvider, true},
		{"internal error 500", http.StatusInternalServerError, KindProvider, true},
		{"bad gateway 502", http.StatusBadGateway, KindProvider, true},
		{"service unavailable 503", http.StatusServiceUnavailable, KindServiceUnavailable, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewProviderError("openai", "gpt-4", tt.statusCode, "boom")
			if err.Kind != tt.wantKind {
				t.Errorf("Kind = %v, want %v", err.Kind, tt.wantKind)
			}
			if got := IsRetryable(err); got != tt.wantRetryable {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.wantRetryable)
			}
		})
	}
}

func TestGatewayError_Message(t *testing.T) {
	err := NewProviderError("openai", "gpt-4", http.StatusTooManyRequests, "slow down")
	msg := err.Error()
	for _, s := range []string{"rate_limit_error", "openai", "gpt-4", "429", "slow down"} {
		if !strings.Contains(msg, s) {
			t.Errorf("error message should contain %q, got %q", s, msg)
		}
	}

	plain := NewRateLimitError("Rate limit exceeded: 5 requests per minute")
	if got := plain.Error(); got != "[rate_limit_error] Rate limit exceeded: 5 requests per minute" {
		t.Errorf("Error() = %q", got)
	}
}

func TestGatewayError_HTTPStatusCode(t *testing.T) {
	tests := []struct {
		name     string
		err      *GatewayError
		wantCode int
	}{
		{"rate limit", NewRateLimitError("m"), 429},
		{"auth", NewAuthError("m"), 401},
		{"config", NewConfigError("m"), 500},
		{"cache", NewCacheError("m", nil), 500},
		{"internal", NewInternalError("m"), 500},
		{"unavailable", NewServiceUnavailableError("p", "m"), 503},
		{"invalid", NewInvalidRequestError("m"), 400},
		{"timeout", NewTimeoutError("p", "m"), 504},
		{"zero status", &GatewayError{Kind: KindInternal}, 500},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.HTTPStatusCode(); got != tt.wantCode {
				t.Errorf("HTTPStatusCode() = %d, want %d", got, tt.wantCode)
			}
		})
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"rate limit", NewRateLimitError("m"), true},
		{"unavailable", NewServiceUnavailableError("p", "m"), true},
		{"timeout", NewTimeoutError("p", "m"), true},
		{"network", NewNetworkError("p", stderrors.New("connection reset")), true},
		{"invalid request", NewInvalidRequestError("m"), false},
		{"auth", NewAuthError("m"), false},
		{"config", NewConfigError("m"), false},
		{"wrapped rate limit", fmt.Errorf("attempt 1: %w", NewRateLimitError("m")), true},
		{"raw net error", &net.OpError{Op: "dial", Err: stderrors.New("refused")}, true},
		{"plain error", stderrors.New("plain"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFromError(t *testing.T) {
	t.Run("passes gateway errors through", func(t *testing.T) {
		orig := NewAuthError("bad key")
		if got := FromError(fmt.Errorf("wrap: %w", orig)); got != orig {
			t.Errorf("FromError() = %v, want original", got)
		}
	})

	t.Run("deadline exceeded becomes timeout", func(t *testing.T) {
		got := FromError(context.DeadlineExceeded)
		if got.Kind != KindTimeout {
			t.Errorf("Kind = %v, want %v", got.Kind, KindTimeout)
		}
		if !stderrors.Is(got, context.DeadlineExceeded) {
			t.Error("expected cause to be preserved")
		}
	})

	t.Run("unknown becomes internal", func(t *testing.T) {
		got := FromError(stderrors.New("kaboom"))
		if got.Kind != KindInternal || got.Message != "kaboom" {
			t.Errorf("FromError() = %+v", got)
		}
	})

	t.Run("nil stays nil", func(t *testing.T) {
		if got := FromError(nil); got != nil {
			t.Errorf("FromError(nil) = %v, want nil", got)
		}
	})
}

func TestWithProvider_DoesNotMutate(t *testing.T) {
	orig := NewRateLimitError("m")
	annotated := orig.WithProvider("anthropic", "claude-3")
	if orig.Provider != "" {
		t.Error("original should not be mutated")
	}
	if annotated.Provider != "anthropic" || annotated.Model != "claude-3" {
		t.Errorf("annotated = %+v", annotated)
	}
}
