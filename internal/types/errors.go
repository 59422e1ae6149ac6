package types

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for common failure modes.
var (
	ErrTimeout        = errors.New("request timed out")
	ErrMaxRetries     = errors.New("max retries exceeded")
	ErrBlocked        = errors.New("blocked by robots.txt")
	ErrMaxDepth       = errors.New("max depth exceeded")
	ErrDuplicate      = errors.New("duplicate URL")
	ErrEmptyResponse  = errors.New("empty response body")
	ErrInvalidURL     = errors.New("invalid URL")
	ErrCrawlStopped   = errors.New("crawl has been stopped")
	ErrNoFetcher      = errors.New("no fetcher available for request")
	ErrProxyExhausted = errors.New("all proxies exhausted")
)

// FetchError wraps errors that occur during fetching.
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
	Retryable  bool
	RetryAfter time.Duration // populated from Retry-After header on HTTP 429
}

func (e *FetchError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("fetch error for %s (status %d): %v", e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch error for %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

func (e *FetchError) IsRetryable() bool { return e.Retryable }

// ParseError wraps errors that occur during parsing.
type ParseError struct {
	URL      string
	Selector string
	Err      error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error for %s (selector=%q): %v", e.URL, e.Selector, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// StorageError wraps errors that occur during storage/export.
type StorageError struct {
	Backend string
	Err     error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error (%s): %v", e.Backend, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// PipelineError wraps errors that occur in the processing pipeline.
type PipelineError struct {
	Stage string
	Item  *Item
	Err   error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("pipeline error at stage %q: %v", e.Stage, e.Err)
}

func (e *PipelineError) Unwrap() error { return e.Err }

// RetriableUserError is returned by a request handler to signal that the
// failure is transient and the request should be re-queued, subject to its
// remaining retry budget. It carries the session that produced the error
// (if any) so the pool can penalize it.
type RetriableUserError struct {
	SessionID string
	Err       error
}

func (e *RetriableUserError) Error() string {
	if e.SessionID != "" {
		return fmt.Sprintf("retriable error (session %s): %v", e.SessionID, e.Err)
	}
	return fmt.Sprintf("retriable error: %v", e.Err)
}

func (e *RetriableUserError) Unwrap() error { return e.Err }

// FailedTerminal signals that a request has exhausted its retry budget, or
// that a handler asked for immediate terminal failure via RetryMeta.NoRetry.
type FailedTerminal struct {
	RequestID string
	Attempts  int
	Err       error
}

func (e *FailedTerminal) Error() string {
	return fmt.Sprintf("request %s failed terminally after %d attempt(s): %v", e.RequestID, e.Attempts, e.Err)
}

func (e *FailedTerminal) Unwrap() error { return e.Err }

// TaskTimeout signals that a single task exceeded its configured deadline.
type TaskTimeout struct {
	RequestID string
	Timeout   time.Duration
}

func (e *TaskTimeout) Error() string {
	return fmt.Sprintf("request %s timed out after %s", e.RequestID, e.Timeout)
}

// SessionDepleted signals that the session pool could not produce a usable
// session (pool at capacity, all sessions blocked/expired/overused).
type SessionDepleted struct {
	PoolSize int
}

func (e *SessionDepleted) Error() string {
	return fmt.Sprintf("session pool depleted (size=%d, no usable session)", e.PoolSize)
}

// RequestBlocked signals that a response's status code (401, 403 or 429,
// the set Response.IsBlocked recognizes) indicates the crawling session has
// been detected and should be retired. It feeds into the same
// retry pipeline as any other retriable failure.
type RequestBlocked struct {
	StatusCode int
}

func (e *RequestBlocked) Error() string {
	return fmt.Sprintf("Request blocked - received %d status code.", e.StatusCode)
}

// StorageUnavailable wraps a KV store failure encountered while persisting
// scheduler state (as distinct from StorageError, which covers scraped-item
// export backends).
type StorageUnavailable struct {
	Key string
	Err error
}

func (e *StorageUnavailable) Error() string {
	return fmt.Sprintf("state store unavailable (key=%q): %v", e.Key, e.Err)
}

func (e *StorageUnavailable) Unwrap() error { return e.Err }

// SecondaryHandlerError signals that the failed-request handler itself
// raised an error while processing a request that had already failed. It
// wraps both the original and the secondary error so neither is lost.
type SecondaryHandlerError struct {
	Original  error
	Secondary error
}

func (e *SecondaryHandlerError) Error() string {
	return fmt.Sprintf("failed-request handler error: %v (original: %v)", e.Secondary, e.Original)
}

func (e *SecondaryHandlerError) Unwrap() error { return e.Secondary }
