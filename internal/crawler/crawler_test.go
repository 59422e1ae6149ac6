package crawler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/IshaanNene/webstalk/internal/eventbus"
	"github.com/IshaanNene/webstalk/internal/kv"
	"github.com/IshaanNene/webstalk/internal/session"
	"github.com/IshaanNene/webstalk/internal/source"
	"github.com/IshaanNene/webstalk/internal/sysinfo"
	"github.com/IshaanNene/webstalk/internal/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeSampler struct{}

func (fakeSampler) Sample() sysinfo.Sample { return sysinfo.Sample{} }

type fakeFetcher struct {
	statusCode int
	err        error
	calls      atomic.Int32
}

func (f *fakeFetcher) Fetch(ctx context.Context, req *types.Request, sess *session.Session) (*types.Response, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	status := f.statusCode
	if status == 0 {
		status = http.StatusOK
	}
	return types.NewBrowserResponse(req, status, []byte("<html></html>"), req.URLString(), time.Millisecond), nil
}

func fastCrawlerConfig() Config {
	cfg := DefaultConfig()
	cfg.Autoscale.MaybeRunInterval = 5 * time.Millisecond
	cfg.Autoscale.LoggingInterval = time.Hour
	cfg.ConsistencyRecheckDelay = 5 * time.Millisecond
	cfg.SafeMigrationWait = 2 * time.Second
	return cfg
}

func newTestTandem(t *testing.T, seedURLs ...string) *source.Tandem {
	t.Helper()
	var seeds []*types.Request
	for _, u := range seedURLs {
		req, err := types.NewRequest(u)
		if err != nil {
			t.Fatal(err)
		}
		seeds = append(seeds, req)
	}
	return source.NewTandem(source.NewList(seeds, testLogger()), source.NewQueue(testLogger()), "test", testLogger())
}

func TestBasicCrawlerRunsToCompletion(t *testing.T) {
	tandem := newTestTandem(t, "https://example.com/1", "https://example.com/2")
	fetcher := &fakeFetcher{}

	c := New(fastCrawlerConfig(), tandem, kv.NewMemoryStore(), nil, fakeSampler{}, testLogger())
	c.SetFetcher(fetcher)

	var handled atomic.Int32
	c.SetHandler(func(ctx context.Context, rc *RequestContext) Outcome {
		handled.Add(1)
		return Success()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if handled.Load() != 2 {
		t.Errorf("expected 2 handled requests, got %d", handled.Load())
	}

	snap := c.Stats().Snapshot()
	if snap.FinishedJobs != 2 {
		t.Errorf("expected 2 finished jobs in stats, got %d", snap.FinishedJobs)
	}
}

func TestBasicCrawlerRetriesRetriableOutcome(t *testing.T) {
	tandem := newTestTandem(t, "https://example.com/1")
	fetcher := &fakeFetcher{}

	cfg := fastCrawlerConfig()
	cfg.MaxRequestRetries = 3

	c := New(cfg, tandem, kv.NewMemoryStore(), nil, fakeSampler{}, testLogger())
	c.SetFetcher(fetcher)

	var attempts atomic.Int32
	c.SetHandler(func(ctx context.Context, rc *RequestContext) Outcome {
		n := attempts.Add(1)
		if n < 3 {
			return Retriable(errors.New("transient"), "")
		}
		return Success()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if attempts.Load() != 3 {
		t.Errorf("expected exactly 3 attempts before success, got %d", attempts.Load())
	}
}

func TestBasicCrawlerEscalatesExhaustedRetriesToTerminal(t *testing.T) {
	tandem := newTestTandem(t, "https://example.com/1")
	fetcher := &fakeFetcher{}

	cfg := fastCrawlerConfig()
	cfg.MaxRequestRetries = 1

	c := New(cfg, tandem, kv.NewMemoryStore(), nil, fakeSampler{}, testLogger())
	c.SetFetcher(fetcher)

	var attempts atomic.Int32
	var failedCalled atomic.Bool
	c.SetHandler(func(ctx context.Context, rc *RequestContext) Outcome {
		attempts.Add(1)
		return Retriable(errors.New("always fails"), "")
	})
	c.SetFailedRequestHandler(func(ctx context.Context, rc *RequestContext, cause error) Outcome {
		failedCalled.Store(true)
		return Terminal(cause)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !failedCalled.Load() {
		t.Error("expected the failed-request handler to be invoked once retries were exhausted")
	}
	// MaxRequestRetries=1 means one initial attempt plus one retry.
	if attempts.Load() != 2 {
		t.Errorf("expected 2 attempts (initial + 1 retry), got %d", attempts.Load())
	}
}

func TestBasicCrawlerTerminalOutcomeSkipsRetry(t *testing.T) {
	tandem := newTestTandem(t, "https://example.com/1")
	fetcher := &fakeFetcher{}

	c := New(fastCrawlerConfig(), tandem, kv.NewMemoryStore(), nil, fakeSampler{}, testLogger())
	c.SetFetcher(fetcher)

	var attempts atomic.Int32
	c.SetHandler(func(ctx context.Context, rc *RequestContext) Outcome {
		attempts.Add(1)
		return Terminal(errors.New("no point retrying"))
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if attempts.Load() != 1 {
		t.Errorf("expected exactly 1 attempt for a terminal outcome, got %d", attempts.Load())
	}
}

func TestBasicCrawlerDiscoveredRequestsAreCrawled(t *testing.T) {
	tandem := newTestTandem(t, "https://example.com/seed")
	fetcher := &fakeFetcher{}

	c := New(fastCrawlerConfig(), tandem, kv.NewMemoryStore(), nil, fakeSampler{}, testLogger())
	c.SetFetcher(fetcher)

	var handledURLs []string
	c.SetHandler(func(ctx context.Context, rc *RequestContext) Outcome {
		handledURLs = append(handledURLs, rc.Request.URLString())
		if rc.Request.URLString() == "https://example.com/seed" {
			child, _ := types.NewRequest("https://example.com/child")
			rc.AddRequest(child, false)
		}
		return Success()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(handledURLs) != 2 {
		t.Fatalf("expected seed + discovered child to both be handled, got %v", handledURLs)
	}
}

func TestBasicCrawlerPersistsAndRestoresState(t *testing.T) {
	store := kv.NewMemoryStore()
	tandem := newTestTandem(t, "https://example.com/1", "https://example.com/2")
	fetcher := &fakeFetcher{}

	cfg := fastCrawlerConfig()
	cfg.PersistStateKeyPrefix = "test-crawl"

	c := New(cfg, tandem, store, nil, fakeSampler{}, testLogger())
	c.SetFetcher(fetcher)

	var handled atomic.Int32
	c.SetHandler(func(ctx context.Context, rc *RequestContext) Outcome {
		handled.Add(1)
		return Success()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if _, found, _ := store.Get(context.Background(), "test-crawl:stats"); !found {
		t.Error("expected stats to be persisted under the configured key prefix")
	}
}

func TestBasicCrawlerPublishesOnMigratingTopic(t *testing.T) {
	if testing.Short() {
		t.Skip("sleeps on real wall-clock time before asserting")
	}
	tandem := newTestTandem(t)
	bus := eventbus.New(testLogger())

	cfg := fastCrawlerConfig()
	c := New(cfg, tandem, kv.NewMemoryStore(), bus, fakeSampler{}, testLogger())
	c.SetFetcher(&fakeFetcher{})
	c.SetHandler(func(ctx context.Context, rc *RequestContext) Outcome { return Success() })

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()

	time.Sleep(20 * time.Millisecond)
	bus.Publish(eventbus.TopicMigrating, nil)

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("expected Run to exit cleanly on migration signal, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after migrating event")
	}
}

// TestBasicCrawlerMigrationWaitsForInFlightTask verifies that a migration
// signal blocks until the single in-flight task finishes before the crawler
// persists state and aborts, so the persisted snapshot reflects a fully
// quiesced pool rather than one with a task still mid-flight.
func TestBasicCrawlerMigrationWaitsForInFlightTask(t *testing.T) {
	if testing.Short() {
		t.Skip("sleeps on real wall-clock time before asserting")
	}
	tandem := newTestTandem(t, "https://example.com/1")
	bus := eventbus.New(testLogger())

	fetchStarted := make(chan struct{})
	release := make(chan struct{})
	fetcher := &blockingFetcher{started: fetchStarted, release: release}

	var handled atomic.Int32
	cfg := fastCrawlerConfig()
	c := New(cfg, tandem, kv.NewMemoryStore(), bus, fakeSampler{}, testLogger())
	c.SetFetcher(fetcher)
	c.SetHandler(func(ctx context.Context, rc *RequestContext) Outcome {
		handled.Add(1)
		return Success()
	})

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()

	<-fetchStarted
	bus.Publish(eventbus.TopicMigrating, nil)

	// The migration watcher is now waiting on Pause; the in-flight fetch
	// must not have been allowed to finish yet.
	time.Sleep(20 * time.Millisecond)
	if handled.Load() != 0 {
		t.Fatal("expected the in-flight task to still be blocked when migration begins waiting")
	}
	close(release)

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("expected Run to exit cleanly on migration signal, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after migrating event")
	}

	if handled.Load() != 1 {
		t.Errorf("expected exactly 1 task handled before migration completed, got %d", handled.Load())
	}
}

type blockingFetcher struct {
	started chan struct{}
	release chan struct{}
	once    atomic.Bool
}

func (f *blockingFetcher) Fetch(ctx context.Context, req *types.Request, sess *session.Session) (*types.Response, error) {
	if f.once.CompareAndSwap(false, true) {
		close(f.started)
		<-f.release
	}
	return &types.Response{Request: req, StatusCode: http.StatusOK, Body: []byte("ok")}, nil
}

func TestBasicCrawlerRequiresFetcherAndHandler(t *testing.T) {
	tandem := newTestTandem(t)
	c := New(fastCrawlerConfig(), tandem, kv.NewMemoryStore(), nil, fakeSampler{}, testLogger())

	if err := c.Run(context.Background()); err == nil {
		t.Error("expected an error when no fetcher or handler is configured")
	}
}

func TestOutcomeConstructors(t *testing.T) {
	s := Success()
	if !s.IsSuccess() || s.IsRetriable() || s.IsTerminal() {
		t.Error("Success() should report only IsSuccess")
	}

	r := Retriable(errors.New("boom"), "session-1")
	if !r.IsRetriable() || r.BlamedSessionID() != "session-1" {
		t.Error("Retriable() should carry the blamed session id")
	}

	term := Terminal(errors.New("fatal"))
	if !term.IsTerminal() || term.Err() == nil {
		t.Error("Terminal() should carry the underlying error")
	}
}
