// Package stats tracks per-job timing and retry-count distribution for a
// crawl, and exposes a periodic snapshot suitable for logging or
// persistence.
package stats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/IshaanNene/webstalk/internal/kv"
	"github.com/IshaanNene/webstalk/internal/types"
)

// JobState tracks one in-flight job's timing.
type JobState struct {
	FirstStartedAt time.Time `json:"first_started_at"`
	LastStartedAt  time.Time `json:"last_started_at"`
	Runs           int       `json:"runs"`
}

// Stats aggregates timing and outcome counts across every job a crawler has
// run.
type Stats struct {
	mu sync.Mutex

	jobs map[string]*JobState

	finishedJobs  int64
	failedJobs    int64
	minDuration   time.Duration
	maxDuration   time.Duration
	totalDuration time.Duration

	retryHistogram map[int]int64

	logger *slog.Logger
}

// New creates an empty Stats tracker.
func New(logger *slog.Logger) *Stats {
	return &Stats{
		jobs:           make(map[string]*JobState),
		retryHistogram: make(map[int]int64),
		logger:         logger.With("component", "stats"),
	}
}

// StartJob records that a job with the given id has begun running.
func (s *Stats) StartJob(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	js, ok := s.jobs[id]
	if !ok {
		js = &JobState{FirstStartedAt: time.Now()}
		s.jobs[id] = js
	}
	js.LastStartedAt = time.Now()
	js.Runs++
}

// FinishJob records the outcome and duration of a job's final attempt.
func (s *Stats) FinishJob(id string, duration time.Duration, retryCount int, failed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if failed {
		s.failedJobs++
	} else {
		s.finishedJobs++
	}

	if s.minDuration == 0 || duration < s.minDuration {
		s.minDuration = duration
	}
	if duration > s.maxDuration {
		s.maxDuration = duration
	}
	s.totalDuration += duration

	s.retryHistogram[retryCount]++
	delete(s.jobs, id)
}

// Snapshot is a point-in-time, JSON-serializable view of the tracker,
// suitable for logging or persistence.
type Snapshot struct {
	FinishedJobs   int64           `json:"finished_jobs"`
	FailedJobs     int64           `json:"failed_jobs"`
	MinDurationMs  int64           `json:"min_duration_ms"`
	MaxDurationMs  int64           `json:"max_duration_ms"`
	MeanDurationMs float64         `json:"mean_duration_ms"`
	RetryHistogram map[int]int64   `json:"retry_histogram"`
	RunningJobs    int             `json:"running_jobs"`
	TakenAt        time.Time       `json:"taken_at"`
}

// Snapshot returns the current aggregate view.
func (s *Stats) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		FinishedJobs:   s.finishedJobs,
		FailedJobs:     s.failedJobs,
		MinDurationMs:  s.minDuration.Milliseconds(),
		MaxDurationMs:  s.maxDuration.Milliseconds(),
		RetryHistogram: make(map[int]int64, len(s.retryHistogram)),
		RunningJobs:    len(s.jobs),
		TakenAt:        time.Now(),
	}
	total := s.finishedJobs + s.failedJobs
	if total > 0 {
		snap.MeanDurationMs = float64(s.totalDuration.Milliseconds()) / float64(total)
	}
	for k, v := range s.retryHistogram {
		snap.RetryHistogram[k] = v
	}
	return snap
}

// LogPeriodically starts a goroutine that logs a snapshot every interval
// until ctx is done, returning a function the caller must invoke to stop
// it early (e.g. on crawl completion before ctx is cancelled).
func (s *Stats) LogPeriodically(ctx context.Context, interval time.Duration) (stop func()) {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				snap := s.Snapshot()
				s.logger.Info("crawl stats",
					"finished", snap.FinishedJobs,
					"failed", snap.FailedJobs,
					"running", snap.RunningJobs,
					"mean_duration_ms", snap.MeanDurationMs,
				)
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

// PersistState writes the current snapshot to store under key.
func (s *Stats) PersistState(ctx context.Context, store kv.Store, key string) error {
	snap := s.Snapshot()
	buf, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal stats snapshot: %w", err)
	}
	if err := store.Set(ctx, key, buf); err != nil {
		return &types.StorageUnavailable{Key: key, Err: err}
	}
	return nil
}
