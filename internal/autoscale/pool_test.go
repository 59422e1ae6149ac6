package autoscale

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/IshaanNene/webstalk/internal/sysinfo"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeSampler reports a fixed, non-overloaded reading unless told
// otherwise, so scaling tests are deterministic.
type fakeSampler struct {
	overloaded atomic.Bool
}

func (f *fakeSampler) Sample() sysinfo.Sample {
	return sysinfo.Sample{
		CPUOverloaded:    f.overloaded.Load(),
		MemoryOverloaded: false,
		Timestamp:        time.Now(),
	}
}

func fastOptions() Options {
	opts := DefaultOptions()
	opts.MaybeRunInterval = 5 * time.Millisecond
	opts.LoggingInterval = time.Hour
	opts.TaskTimeout = time.Second
	return opts
}

func TestPoolRunsTasksUntilFinished(t *testing.T) {
	var completed atomic.Int32
	const want = int32(20)

	p := New(fastOptions(), &fakeSampler{}, testLogger())
	p.IsTaskReadyFunc = func() bool { return completed.Load() < want }
	p.RunTaskFunc = func(ctx context.Context) error {
		completed.Add(1)
		return nil
	}
	p.IsFinishedFunc = func() bool { return completed.Load() >= want }

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := p.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if completed.Load() < want {
		t.Errorf("expected at least %d tasks completed, got %d", want, completed.Load())
	}
}

func TestPoolRespectsMaxConcurrency(t *testing.T) {
	var inFlight, maxSeen atomic.Int32
	var completed atomic.Int32
	const want = int32(50)

	opts := fastOptions()
	opts.MinConcurrency = 2
	opts.MaxConcurrency = 2

	p := New(opts, &fakeSampler{}, testLogger())
	p.IsTaskReadyFunc = func() bool { return completed.Load() < want }
	p.RunTaskFunc = func(ctx context.Context) error {
		n := inFlight.Add(1)
		for {
			cur := maxSeen.Load()
			if n <= cur || maxSeen.CompareAndSwap(cur, n) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		inFlight.Add(-1)
		completed.Add(1)
		return nil
	}
	p.IsFinishedFunc = func() bool { return completed.Load() >= want }

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if maxSeen.Load() > 2 {
		t.Errorf("expected at most 2 concurrent tasks, saw %d", maxSeen.Load())
	}
}

func TestPoolScalesDownUnderOverload(t *testing.T) {
	sampler := &fakeSampler{}
	sampler.overloaded.Store(true)

	opts := fastOptions()
	opts.MinConcurrency = 1
	opts.MaxConcurrency = 100

	p := New(opts, sampler, testLogger())
	p.desiredConcurrency = 50
	p.currentConcurrency = 50

	p.maybeScale()

	if p.CurrentConcurrency() >= 50 {
		t.Errorf("expected concurrency to shrink under overload, got %d", p.CurrentConcurrency())
	}
	if p.CurrentConcurrency() < opts.MinConcurrency {
		t.Errorf("concurrency must never drop below MinConcurrency, got %d", p.CurrentConcurrency())
	}
}

func TestPoolScalesUpWhenSaturated(t *testing.T) {
	opts := fastOptions()
	opts.MinConcurrency = 1
	opts.MaxConcurrency = 100
	opts.DesiredConcurrencyRatio = 0.5

	p := New(opts, &fakeSampler{}, testLogger())
	p.desiredConcurrency = 10
	p.currentConcurrency = 10
	p.runningTasks = 10 // fully saturated relative to desired

	p.maybeScale()

	if p.CurrentConcurrency() <= 10 {
		t.Errorf("expected concurrency to grow when saturated, got %d", p.CurrentConcurrency())
	}
}

func TestPoolAbortStopsRun(t *testing.T) {
	if testing.Short() {
		t.Skip("sleeps on real wall-clock time before asserting")
	}
	p := New(fastOptions(), &fakeSampler{}, testLogger())
	p.IsTaskReadyFunc = func() bool { return false }
	p.RunTaskFunc = func(ctx context.Context) error { return nil }
	p.IsFinishedFunc = func() bool { return false } // would run forever without Abort

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()

	time.Sleep(20 * time.Millisecond)
	p.Abort()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("expected nil error on Abort, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Abort")
	}
}

func TestPoolAbortIsIdempotent(t *testing.T) {
	p := New(fastOptions(), &fakeSampler{}, testLogger())
	p.Abort()
	p.Abort() // must not panic on double-close
}

func TestPoolPauseWaitsForDrain(t *testing.T) {
	if testing.Short() {
		t.Skip("sleeps on real wall-clock time before asserting")
	}
	p := New(fastOptions(), &fakeSampler{}, testLogger())
	started := make(chan struct{})
	release := make(chan struct{})
	p.IsTaskReadyFunc = func() bool { return true }
	p.RunTaskFunc = func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}
	p.IsFinishedFunc = func() bool { return false }

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()
	<-started

	pauseDone := make(chan bool, 1)
	go func() { pauseDone <- p.Pause(2 * time.Second) }()

	// Give Pause a moment to observe the still-running task before letting
	// it finish, so the drain wait is actually exercised.
	time.Sleep(20 * time.Millisecond)
	close(release)

	select {
	case drained := <-pauseDone:
		if !drained {
			t.Error("expected Pause to report a full drain once the task finished")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Pause did not return")
	}

	p.Abort()
	<-done
}

func TestPoolPauseReportsPartialDrainOnTimeout(t *testing.T) {
	if testing.Short() {
		t.Skip("sleeps on real wall-clock time before asserting")
	}
	p := New(fastOptions(), &fakeSampler{}, testLogger())
	started := make(chan struct{})
	release := make(chan struct{})
	p.IsTaskReadyFunc = func() bool { return true }
	p.RunTaskFunc = func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}
	p.IsFinishedFunc = func() bool { return false }

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()
	<-started

	if drained := p.Pause(10 * time.Millisecond); drained {
		t.Error("expected Pause to report a partial drain when the task outlives the timeout")
	}

	close(release)
	p.Abort()
	<-done
}

func TestNewClampsConcurrencyBounds(t *testing.T) {
	opts := Options{MinConcurrency: 0, MaxConcurrency: -5}
	p := New(opts, &fakeSampler{}, testLogger())
	if p.opts.MinConcurrency < 1 {
		t.Errorf("expected MinConcurrency to be clamped to >= 1, got %d", p.opts.MinConcurrency)
	}
	if p.opts.MaxConcurrency < p.opts.MinConcurrency {
		t.Errorf("expected MaxConcurrency clamped to >= MinConcurrency, got %d", p.opts.MaxConcurrency)
	}
}
