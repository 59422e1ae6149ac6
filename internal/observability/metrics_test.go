package observability

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/IshaanNene/webstalk/internal/autoscale"
	"github.com/IshaanNene/webstalk/internal/sysinfo"
	"github.com/IshaanNene/webstalk/internal/stats"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type zeroSampler struct{}

func (zeroSampler) Sample() sysinfo.Sample { return sysinfo.Sample{} }

func TestMetricsSamplePopulatesGaugesFromStats(t *testing.T) {
	m := NewMetrics(testLogger())
	s := stats.New(testLogger())

	s.StartJob("a")
	s.FinishJob("a", 100*time.Millisecond, 0, false)

	m.sample(nil, s)

	if got := testutil.ToFloat64(m.finishedJobs); got != 1 {
		t.Errorf("expected finishedJobs gauge = 1, got %v", got)
	}
}

func TestMetricsSampleHandlesNilPoolAndStats(t *testing.T) {
	m := NewMetrics(testLogger())
	// Must not panic with nil inputs.
	m.sample(nil, nil)
}

func TestMetricsSamplePopulatesGaugesFromPool(t *testing.T) {
	m := NewMetrics(testLogger())
	opts := autoscale.DefaultOptions()
	opts.MinConcurrency = 3
	pool := autoscale.New(opts, zeroSampler{}, testLogger())

	m.sample(pool, nil)

	if got := testutil.ToFloat64(m.currentConcurrency); got < 0 {
		t.Errorf("expected a non-negative currentConcurrency gauge reading, got %v", got)
	}
}
