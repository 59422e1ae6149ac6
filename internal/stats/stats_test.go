package stats

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/IshaanNene/webstalk/internal/kv"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestStartFinishJobCounts(t *testing.T) {
	s := New(testLogger())
	s.StartJob("job-1")
	s.FinishJob("job-1", 10*time.Millisecond, 0, false)

	snap := s.Snapshot()
	if snap.FinishedJobs != 1 {
		t.Errorf("expected 1 finished job, got %d", snap.FinishedJobs)
	}
	if snap.FailedJobs != 0 {
		t.Errorf("expected 0 failed jobs, got %d", snap.FailedJobs)
	}
	if snap.RunningJobs != 0 {
		t.Errorf("expected job removed from running set after finish, got %d", snap.RunningJobs)
	}
}

func TestFinishJobFailedIncrementsFailedCount(t *testing.T) {
	s := New(testLogger())
	s.StartJob("job-1")
	s.FinishJob("job-1", 5*time.Millisecond, 2, true)

	snap := s.Snapshot()
	if snap.FailedJobs != 1 {
		t.Errorf("expected 1 failed job, got %d", snap.FailedJobs)
	}
	if snap.RetryHistogram[2] != 1 {
		t.Errorf("expected retry histogram[2] == 1, got %d", snap.RetryHistogram[2])
	}
}

func TestSnapshotMeanDuration(t *testing.T) {
	s := New(testLogger())
	s.StartJob("a")
	s.FinishJob("a", 100*time.Millisecond, 0, false)
	s.StartJob("b")
	s.FinishJob("b", 200*time.Millisecond, 0, false)

	snap := s.Snapshot()
	if snap.MeanDurationMs != 150 {
		t.Errorf("expected mean duration 150ms, got %v", snap.MeanDurationMs)
	}
	if snap.MinDurationMs != 100 {
		t.Errorf("expected min duration 100ms, got %d", snap.MinDurationMs)
	}
	if snap.MaxDurationMs != 200 {
		t.Errorf("expected max duration 200ms, got %d", snap.MaxDurationMs)
	}
}

func TestStartJobTracksRunningCount(t *testing.T) {
	s := New(testLogger())
	s.StartJob("a")
	s.StartJob("b")

	snap := s.Snapshot()
	if snap.RunningJobs != 2 {
		t.Errorf("expected 2 running jobs, got %d", snap.RunningJobs)
	}
}

func TestLogPeriodicallyStopsOnCall(t *testing.T) {
	if testing.Short() {
		t.Skip("sleeps on a real ticker")
	}
	s := New(testLogger())
	stop := s.LogPeriodically(context.Background(), 10*time.Millisecond)
	time.Sleep(25 * time.Millisecond)
	stop()
	// Calling stop twice must not panic (sync.Once).
	stop()
}

func TestPersistState(t *testing.T) {
	s := New(testLogger())
	s.StartJob("a")
	s.FinishJob("a", time.Millisecond, 0, false)

	store := kv.NewMemoryStore()
	if err := s.PersistState(context.Background(), store, "stats-key"); err != nil {
		t.Fatalf("PersistState: %v", err)
	}

	raw, found, err := store.Get(context.Background(), "stats-key")
	if err != nil || !found {
		t.Fatalf("expected persisted stats, found=%v err=%v", found, err)
	}
	if len(raw) == 0 {
		t.Error("expected non-empty persisted payload")
	}
}
