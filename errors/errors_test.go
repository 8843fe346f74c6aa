package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorClass_String(t *testing.T) {
	tests := []struct {
		class    ErrorClass
		expected string
	}{
		{ErrorTransient, "transient"},
		{ErrorInvalid, "invalid"},
		{ErrorApplication, "application"},
		{ErrorFatal, "fatal"},
		{ErrorClass(999), "unknown"},
	}

	for _, test := range tests {
		t.Run(test.expected, func(t *testing.T) {
			result := test.class.String()
			if result != test.expected {
				t.Errorf("expected %s, got %s", test.expected, result)
			}
		})
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"transport failure", ErrTransport, true},
		{"no connection", ErrNoConnection, true},
		{"not ready", ErrNotReady, true},
		{"dimension mismatch", ErrDimensionWidth, false},
		{"invalid message", ErrInvalidMessage, false},
		{"wrapped transport", fmt.Errorf("send: %w", ErrTransport), true},
		{"classified transient", WrapTransient(errors.New("boom"), "rpc", "Send", "publish"), true},
		{"classified application", WrapApplication(errors.New("boom"), "index", "Add", "insert"), false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := IsTransient(test.err); got != test.expected {
				t.Errorf("IsTransient(%v) = %v, want %v", test.err, got, test.expected)
			}
		})
	}
}

func TestIsApplication(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"dimension mismatch", ErrDimensionWidth, true},
		{"corrupted blob", ErrBlobCorrupted, true},
		{"unknown request", ErrUnknownRequest, true},
		{"transport failure", ErrTransport, false},
		{"wrapped dimension", fmt.Errorf("add: %w", ErrDimensionWidth), true},
		{"classified application", WrapApplication(errors.New("width 384 != 512"), "index", "Add", "insert"), true},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := IsApplication(test.err); got != test.expected {
				t.Errorf("IsApplication(%v) = %v, want %v", test.err, got, test.expected)
			}
		})
	}
}

func TestIsTimeout(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"init timeout", ErrInitTimeout, true},
		{"request timeout", ErrRequestTimeout, true},
		{"context deadline", context.DeadlineExceeded, true},
		{"transport failure", ErrTransport, false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := IsTimeout(test.err); got != test.expected {
				t.Errorf("IsTimeout(%v) = %v, want %v", test.err, got, test.expected)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected ErrorClass
	}{
		{"application beats transient", ErrDimensionWidth, ErrorApplication},
		{"invalid config", ErrInvalidConfig, ErrorInvalid},
		{"transport", ErrTransport, ErrorTransient},
		{"request timeout", ErrRequestTimeout, ErrorTransient},
		{"unknown defaults to fatal", errors.New("mystery"), ErrorFatal},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := Classify(test.err); got != test.expected {
				t.Errorf("Classify(%v) = %v, want %v", test.err, got, test.expected)
			}
		})
	}
}

func TestWrap(t *testing.T) {
	base := errors.New("connection refused")
	err := Wrap(base, "Channel", "Send", "publish request")

	if !errors.Is(err, base) {
		t.Error("wrapped error should match base via errors.Is")
	}
	want := "Channel.Send: publish request failed: connection refused"
	if err.Error() != want {
		t.Errorf("expected %q, got %q", want, err.Error())
	}
	if Wrap(nil, "c", "m", "a") != nil {
		t.Error("Wrap(nil) should return nil")
	}
}

func TestWrapClassified(t *testing.T) {
	base := errors.New("boom")

	err := WrapTransient(base, "Channel", "Send", "publish")
	var ce *ClassifiedError
	if !errors.As(err, &ce) {
		t.Fatal("expected ClassifiedError")
	}
	if ce.Class != ErrorTransient {
		t.Errorf("expected transient class, got %v", ce.Class)
	}
	if ce.Component != "Channel" || ce.Operation != "Send" {
		t.Errorf("unexpected context: %s.%s", ce.Component, ce.Operation)
	}
	if !errors.Is(err, base) {
		t.Error("classified error should unwrap to base")
	}
	if !strings.Contains(err.Error(), "publish failed") {
		t.Errorf("unexpected message: %s", err.Error())
	}

	if WrapTransient(nil, "c", "m", "a") != nil {
		t.Error("WrapTransient(nil) should return nil")
	}
	if WrapApplication(nil, "c", "m", "a") != nil {
		t.Error("WrapApplication(nil) should return nil")
	}
	if WrapInvalid(nil, "c", "m", "a") != nil {
		t.Error("WrapInvalid(nil) should return nil")
	}
	if WrapFatal(nil, "c", "m", "a") != nil {
		t.Error("WrapFatal(nil) should return nil")
	}
}
