package fault

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"direct", New(Validation, "bad agent id"), Validation},
		{"wrapped once", fmt.Errorf("send: %w", New(Transient, "timeout")), Transient},
		{"wrapped twice", fmt.Errorf("outer: %w", fmt.Errorf("inner: %w", Wrap(AuthFailed, errors.New("401"), "session rejected"))), AuthFailed},
		{"plain error", errors.New("boom"), Kind("")},
		{"nil-ish busy", BusyFor(time.Second, "queue full"), Busy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf(%v) = %q, want %q", tt.err, got, tt.want)
			}
		})
	}
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"transient", New(Transient, "503"), true},
		{"auth", New(AuthFailed, "revoked"), false},
		{"validation", New(Validation, "bad payload"), false},
		{"busy", BusyFor(time.Second, "bucket empty"), false},
		{"plain", errors.New("opaque"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Retryable(tt.err); got != tt.want {
				t.Errorf("Retryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestBusyForRetryAfter(t *testing.T) {
	err := BusyFor(1500*time.Millisecond, "concurrency cap")
	var fe *Error
	if !errors.As(err, &fe) {
		t.Fatalf("errors.As failed on %v", err)
	}
	if fe.RetryAfter != 1500*time.Millisecond {
		t.Errorf("RetryAfter = %v, want 1.5s", fe.RetryAfter)
	}
}
