package types

import (
	"errors"
	"testing"
)

func TestNewRequestDefaults(t *testing.T) {
	r, err := NewRequest("https://Example.com:443/path/")
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if r.Method != "GET" {
		t.Errorf("expected default method GET, got %q", r.Method)
	}
	if r.FetcherType != "http" {
		t.Errorf("expected default fetcher type http, got %q", r.FetcherType)
	}
	if r.UniqueKey == "" {
		t.Error("expected UniqueKey to be set from canonicalized URL")
	}
}

func TestCanonicalizeURLStripsDefaultPortAndTrailingSlash(t *testing.T) {
	r1, _ := NewRequest("https://example.com:443/path/")
	r2, _ := NewRequest("https://example.com/path")
	if r1.UniqueKey != r2.UniqueKey {
		t.Errorf("expected equivalent URLs to canonicalize to the same key: %q vs %q", r1.UniqueKey, r2.UniqueKey)
	}
}

func TestCanonicalizeURLDropsFragment(t *testing.T) {
	r1, _ := NewRequest("https://example.com/page#section")
	r2, _ := NewRequest("https://example.com/page")
	if r1.UniqueKey != r2.UniqueKey {
		t.Errorf("expected fragment to be ignored in the dedup key: %q vs %q", r1.UniqueKey, r2.UniqueKey)
	}
}

func TestCanonicalizeURLLowercasesSchemeAndHost(t *testing.T) {
	r1, _ := NewRequest("HTTPS://Example.COM/Path")
	r2, _ := NewRequest("https://example.com/Path")
	if r1.UniqueKey != r2.UniqueKey {
		t.Errorf("expected scheme/host case to be normalized: %q vs %q", r1.UniqueKey, r2.UniqueKey)
	}
}

func TestCanonicalizeURLKeepsRootSlash(t *testing.T) {
	r, _ := NewRequest("https://example.com")
	key := CanonicalizeURL(r.URL)
	if key != "https://example.com/" {
		t.Errorf("expected root path to canonicalize with trailing slash, got %q", key)
	}
}

func TestRequestRecordErrorIncrementsRetryCount(t *testing.T) {
	r, _ := NewRequest("https://example.com")
	r.RecordError(errors.New("boom"))
	r.RecordError(errors.New("boom again"))

	if r.Retry.Count != 2 {
		t.Errorf("expected retry count 2, got %d", r.Retry.Count)
	}
	if len(r.ErrorMessages) != 2 {
		t.Errorf("expected 2 recorded error messages, got %d", len(r.ErrorMessages))
	}
}

func TestRequestRecordErrorIgnoresNil(t *testing.T) {
	r, _ := NewRequest("https://example.com")
	r.RecordError(nil)
	if r.Retry.Count != 0 || len(r.ErrorMessages) != 0 {
		t.Error("expected RecordError(nil) to be a no-op")
	}
}

func TestRequestCloneIsIndependent(t *testing.T) {
	r, _ := NewRequest("https://example.com")
	r.UserData["k"] = "v"
	r.Body = []byte("payload")
	r.Callbacks = []string{"parseList"}

	clone := r.Clone()
	clone.UserData["k"] = "changed"
	clone.Body[0] = 'X'
	clone.Callbacks[0] = "other"

	if r.UserData["k"] != "v" {
		t.Error("mutating clone's UserData affected the original")
	}
	if r.Body[0] != 'p' {
		t.Error("mutating clone's Body affected the original")
	}
	if r.Callbacks[0] != "parseList" {
		t.Error("mutating clone's Callbacks affected the original")
	}
	if clone.ID != r.ID || clone.UniqueKey != r.UniqueKey {
		t.Error("expected Clone to preserve ID and UniqueKey")
	}
}

func TestRetryMetaExhausted(t *testing.T) {
	cases := []struct {
		name string
		meta RetryMeta
		want bool
	}{
		{"under budget", RetryMeta{Count: 1, MaxRetries: 3}, false},
		{"at budget", RetryMeta{Count: 3, MaxRetries: 3}, true},
		{"no retry flag forces exhausted", RetryMeta{Count: 0, MaxRetries: 10, NoRetry: true}, true},
		{"zero max falls back to default", RetryMeta{Count: 5, MaxRetries: 0}, true},
	}
	for _, c := range cases {
		if got := c.meta.Exhausted(5); got != c.want {
			t.Errorf("%s: Exhausted(5) = %v, want %v", c.name, got, c.want)
		}
	}
}

func TestRequestDomain(t *testing.T) {
	r, _ := NewRequest("https://sub.example.com/path")
	if r.Domain() != "sub.example.com" {
		t.Errorf("expected domain sub.example.com, got %q", r.Domain())
	}
}
