package errors

import (
	"errors"
	"strings"
	"testing"
)

func TestSafePassesThroughResult(t *testing.T) {
	if err := Safe(func() error { return nil }); err != nil {
		t.Fatalf("got %v, want nil", err)
	}

	sentinel := errors.New("boom")
	if err := Safe(func() error { return sentinel }); !errors.Is(err, sentinel) {
		t.Fatalf("got %v, want the function's own error", err)
	}
}

func TestSafeConvertsPanic(t *testing.T) {
	err := Safe(func() error { panic("ledger corrupted") })
	if err == nil {
		t.Fatal("expected an error from a panicking function")
	}

	var pe *PanicError
	if !errors.As(err, &pe) {
		t.Fatalf("got %T, want *PanicError", err)
	}
	if pe.Value != "ledger corrupted" {
		t.Fatalf("panic value = %v", pe.Value)
	}
	if pe.Stacktrace == "" {
		t.Fatal("stack trace missing")
	}
	if !strings.Contains(err.Error(), "panic recovered: ledger corrupted") {
		t.Fatalf("error string = %q", err.Error())
	}
}

func TestSafeConvertsNonStringPanic(t *testing.T) {
	err := Safe(func() error { panic(42) })
	var pe *PanicError
	if !errors.As(err, &pe) || pe.Value != 42 {
		t.Fatalf("got %v", err)
	}
}
