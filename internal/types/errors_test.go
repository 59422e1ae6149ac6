package types

import (
	"errors"
	"testing"
)

func TestFetchErrorUnwrapAndRetryable(t *testing.T) {
	cause := errors.New("connection reset")
	fe := &FetchError{URL: "https://example.com", Err: cause, Retryable: true}

	if !errors.Is(fe, cause) {
		t.Error("expected errors.Is to see through FetchError to its cause")
	}
	if !fe.IsRetryable() {
		t.Error("expected IsRetryable to reflect the Retryable field")
	}
}

func TestFetchErrorMessageIncludesStatusCodeWhenSet(t *testing.T) {
	fe := &FetchError{URL: "https://example.com", StatusCode: 503, Err: errors.New("unavailable")}
	if got := fe.Error(); got == "" {
		t.Fatal("expected a non-empty error message")
	}
}

func TestSecondaryHandlerErrorUnwrapsSecondary(t *testing.T) {
	original := errors.New("original failure")
	secondary := errors.New("handler panicked")
	se := &SecondaryHandlerError{Original: original, Secondary: secondary}

	if !errors.Is(se, secondary) {
		t.Error("expected errors.Is to unwrap to the secondary error")
	}
}

func TestStorageUnavailableUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	su := &StorageUnavailable{Key: "queue:state", Err: cause}
	if !errors.Is(su, cause) {
		t.Error("expected errors.Is to unwrap to the underlying cause")
	}
}

func TestFailedTerminalUnwrap(t *testing.T) {
	cause := errors.New("exhausted")
	ft := &FailedTerminal{RequestID: "r1", Attempts: 3, Err: cause}
	if !errors.Is(ft, cause) {
		t.Error("expected errors.Is to unwrap FailedTerminal to its cause")
	}
}
