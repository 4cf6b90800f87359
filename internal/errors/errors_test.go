package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestCategorizeWrappedError(t *testing.T) {
	cause := errors.New("connection refused")
	wrapped := fmt.Errorf("resolving number: %w", NewTransientError(TransientConnection, "dial failed", cause))

	catErr := Categorize(wrapped)
	if catErr.Category != CategoryTransient {
		t.Errorf("expected transient category, got %s", catErr.Category)
	}
	if catErr.Kind != TransientConnection {
		t.Errorf("expected connection kind, got %s", catErr.Kind)
	}
	if !errors.Is(wrapped, catErr) {
		t.Error("categorized error should be found in the wrap chain")
	}
}

func TestCategorizePlainError(t *testing.T) {
	catErr := Categorize(errors.New("something broke"))
	if catErr.Category != CategoryFatal {
		t.Errorf("expected fatal category for plain errors, got %s", catErr.Category)
	}
	if catErr.StatusCode != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", catErr.StatusCode)
	}
}

func TestCategorizeNil(t *testing.T) {
	if Categorize(nil) != nil {
		t.Error("nil error should categorize to nil")
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"transient", NewTransientError(TransientTLS, "handshake", nil), true},
		{"auth", NewAuthError("login", nil), true},
		{"database", NewDatabaseError("insert", errors.New("down")), true},
		{"cache", NewCacheError("get", errors.New("down")), true},
		{"capacity", NewCapacityExhaustedError("alice"), false},
		{"validation", NewValidationError("numbers", "empty"), false},
		{"conflict", NewConflictError("already running"), false},
		{"not found", NewNotFoundError("job", "x"), false},
		{"fatal", NewFatalError("unexpected status 500"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable(%s) = %v, want %v", tt.name, got, tt.want)
			}
		})
	}
}

func TestIsCapacityExhausted(t *testing.T) {
	err := fmt.Errorf("dispatching chunk: %w", NewCapacityExhaustedError("alice"))
	if !IsCapacityExhausted(err) {
		t.Error("wrapped capacity error should be detected")
	}
	if IsCapacityExhausted(NewAuthError("login", nil)) {
		t.Error("auth error must not count as capacity exhaustion")
	}
	if IsCapacityExhausted(nil) {
		t.Error("nil is not capacity exhaustion")
	}
}

func TestIsNotFound(t *testing.T) {
	if !IsNotFound(NewNotFoundError("job", "batch-1.txt")) {
		t.Error("not-found error should be detected")
	}
	if IsNotFound(errors.New("plain")) {
		t.Error("plain error must not count as not found")
	}
}

func TestKindOf(t *testing.T) {
	if kind := KindOf(NewTransientError(TransientTimeout, "slow", nil)); kind != TransientTimeout {
		t.Errorf("expected timeout kind, got %q", kind)
	}
	if kind := KindOf(NewFatalError("boom")); kind != "" {
		t.Errorf("expected empty kind for fatal errors, got %q", kind)
	}
}

func TestErrorMessageIncludesCause(t *testing.T) {
	cause := errors.New("EOF")
	err := NewAuthError("storefront", cause)
	if got := err.Error(); got != "AUTH_ERROR: session handshake failed during storefront (caused by: EOF)" {
		t.Errorf("unexpected message: %s", got)
	}
	if !errors.Is(err, cause) {
		t.Error("cause should be reachable through Unwrap")
	}
}

func TestStatusCodes(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{NewValidationError("body", "bad"), http.StatusBadRequest},
		{NewConflictError("busy"), http.StatusConflict},
		{NewNotFoundError("job", "x"), http.StatusNotFound},
		{NewCapacityExhaustedError("alice"), http.StatusServiceUnavailable},
		{NewTransientError(TransientDecode, "bad body", nil), http.StatusBadGateway},
		{errors.New("plain"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := GetHTTPStatusCode(tt.err); got != tt.want {
			t.Errorf("GetHTTPStatusCode(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
