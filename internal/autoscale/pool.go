// Package autoscale implements the concurrency controller shared by both
// crawler flavors: it repeatedly asks whether a task is ready, launches one
// when it is, and adjusts how many may run at once based on sampled CPU and
// memory pressure and the ratio of currently-busy to desired concurrency.
//
// All pool-state mutation is funneled through a single control goroutine
// (run) via channels, so no two goroutines ever observe a torn
// currentConcurrency/runningTasks pair — real work still happens on
// independently-scheduled task goroutines, only the bookkeeping around them
// is single-threaded.
package autoscale

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/IshaanNene/webstalk/internal/sysinfo"
)

// Options configures the pool's concurrency bounds and scaling cadence.
type Options struct {
	MinConcurrency int
	MaxConcurrency int

	// DesiredConcurrencyRatio is the fraction of desiredConcurrency that
	// must be busy before the pool considers scaling up further.
	DesiredConcurrencyRatio float64

	ScaleUpStepRatio   float64
	ScaleDownStepRatio float64

	MaybeRunInterval  time.Duration
	LoggingInterval   time.Duration
	TaskTimeout       time.Duration
}

// DefaultOptions returns the pool's out-of-the-box scaling policy.
func DefaultOptions() Options {
	return Options{
		MinConcurrency:          1,
		MaxConcurrency:          200,
		DesiredConcurrencyRatio: 0.95,
		ScaleUpStepRatio:        0.05,
		ScaleDownStepRatio:      0.05,
		MaybeRunInterval:        500 * time.Millisecond,
		LoggingInterval:         60 * time.Second,
		TaskTimeout:             5 * time.Minute,
	}
}

// RunTaskFunc performs one unit of work. It must respect ctx cancellation.
type RunTaskFunc func(ctx context.Context) error

// Pool is the autoscaled worker pool. Construct with New, configure the
// three callbacks, then call Run.
type Pool struct {
	opts    Options
	sampler sysinfo.Sampler
	logger  *slog.Logger

	// IsTaskReadyFunc reports whether a task is currently available to
	// run (e.g. the source tandem has a pending request). Called from the
	// control goroutine only.
	IsTaskReadyFunc func() bool

	// RunTaskFunc performs one task. Called on its own goroutine; may run
	// concurrently with other invocations up to the current concurrency
	// limit.
	RunTaskFunc RunTaskFunc

	// IsFinishedFunc reports whether the pool should stop entirely: no
	// more tasks will ever become ready. Called from the control
	// goroutine only.
	IsFinishedFunc func() bool

	mu                 sync.Mutex
	currentConcurrency int
	desiredConcurrency int
	runningTasks       int
	paused             bool
	aborted            bool

	taskDone chan taskResult
	pauseCh  chan bool
	abortCh  chan struct{}
	doneCh   chan struct{}
}

type taskResult struct {
	err      error
	duration time.Duration
}

// New creates a Pool governed by opts, sampling system pressure via
// sampler.
func New(opts Options, sampler sysinfo.Sampler, logger *slog.Logger) *Pool {
	if opts.MinConcurrency < 1 {
		opts.MinConcurrency = 1
	}
	if opts.MaxConcurrency < opts.MinConcurrency {
		opts.MaxConcurrency = opts.MinConcurrency
	}
	return &Pool{
		opts:               opts,
		sampler:            sampler,
		logger:             logger.With("component", "autoscaled_pool"),
		currentConcurrency: opts.MinConcurrency,
		desiredConcurrency: opts.MinConcurrency,
		taskDone:           make(chan taskResult, 64),
		pauseCh:            make(chan bool, 1),
		abortCh:            make(chan struct{}),
		doneCh:             make(chan struct{}),
	}
}

// Run drives the pool until IsFinishedFunc reports true, ctx is cancelled,
// or Abort is called. It blocks until the pool has drained every running
// task.
func (p *Pool) Run(ctx context.Context) error {
	if p.IsTaskReadyFunc == nil || p.RunTaskFunc == nil || p.IsFinishedFunc == nil {
		panic("autoscale: Pool requires IsTaskReadyFunc, RunTaskFunc, and IsFinishedFunc to be set before Run")
	}

	scaleTicker := time.NewTicker(p.opts.MaybeRunInterval)
	defer scaleTicker.Stop()
	logTicker := time.NewTicker(p.opts.LoggingInterval)
	defer logTicker.Stop()

	running := 0

	for {
		select {
		case <-ctx.Done():
			p.waitForDrain(running)
			return ctx.Err()

		case <-p.abortCh:
			p.waitForDrain(running)
			return nil

		case paused := <-p.pauseCh:
			p.mu.Lock()
			p.paused = paused
			p.mu.Unlock()

		case res := <-p.taskDone:
			running--
			p.mu.Lock()
			p.runningTasks = running
			p.mu.Unlock()
			if res.err != nil {
				p.logger.Debug("autoscaled pool: task returned error", "error", res.err, "duration", res.duration)
			}

		case <-logTicker.C:
			p.mu.Lock()
			cur, des, run := p.currentConcurrency, p.desiredConcurrency, p.runningTasks
			p.mu.Unlock()
			p.logger.Info("autoscaled pool status", "current_concurrency", cur, "desired_concurrency", des, "running_tasks", run)

		case <-scaleTicker.C:
			p.maybeScale()

			if p.isPaused() {
				continue
			}

			if p.IsFinishedFunc() && running == 0 {
				return nil
			}

			for p.canLaunchMore(running) && p.IsTaskReadyFunc() {
				running++
				p.mu.Lock()
				p.runningTasks = running
				p.mu.Unlock()
				go p.runOneTask(ctx)
			}
		}
	}
}

func (p *Pool) waitForDrain(running int) {
	for running > 0 {
		<-p.taskDone
		running--
	}
}

func (p *Pool) isPaused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

func (p *Pool) canLaunchMore(running int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return running < p.currentConcurrency
}

func (p *Pool) runOneTask(ctx context.Context) {
	taskCtx := ctx
	var cancel context.CancelFunc
	if p.opts.TaskTimeout > 0 {
		taskCtx, cancel = context.WithTimeout(ctx, p.opts.TaskTimeout)
		defer cancel()
	}

	start := time.Now()
	err := p.RunTaskFunc(taskCtx)
	p.taskDone <- taskResult{err: err, duration: time.Since(start)}
}

// maybeScale adjusts desiredConcurrency/currentConcurrency based on sampled
// system pressure and how saturated the pool currently is. It never scales
// below MinConcurrency or above MaxConcurrency.
func (p *Pool) maybeScale() {
	sample := p.sampler.Sample()

	p.mu.Lock()
	defer p.mu.Unlock()

	utilization := 0.0
	if p.desiredConcurrency > 0 {
		utilization = float64(p.runningTasks) / float64(p.desiredConcurrency)
	}

	switch {
	case sample.CPUOverloaded || sample.MemoryOverloaded:
		step := int(float64(p.desiredConcurrency)*p.opts.ScaleDownStepRatio + 1)
		p.desiredConcurrency -= step
	case utilization >= p.opts.DesiredConcurrencyRatio:
		step := int(float64(p.desiredConcurrency)*p.opts.ScaleUpStepRatio + 1)
		p.desiredConcurrency += step
	}

	if p.desiredConcurrency < p.opts.MinConcurrency {
		p.desiredConcurrency = p.opts.MinConcurrency
	}
	if p.desiredConcurrency > p.opts.MaxConcurrency {
		p.desiredConcurrency = p.opts.MaxConcurrency
	}
	p.currentConcurrency = p.desiredConcurrency
}

// pausePollInterval is how often Pause polls RunningTasks while waiting for
// in-flight tasks to drain.
const pausePollInterval = 10 * time.Millisecond

// Pause stops the pool from launching new tasks and waits for every
// currently-running task to finish, up to timeout. It returns true once the
// pool is fully drained (RunningTasks() == 0), or false if timeout elapsed
// first — in which case the pool is left paused but some tasks may still be
// in flight, and the caller must treat any snapshot it takes as a
// partial-drain snapshot rather than a clean one. A non-positive timeout
// waits indefinitely.
func (p *Pool) Pause(timeout time.Duration) (drained bool) {
	select {
	case p.pauseCh <- true:
	default:
	}

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	ticker := time.NewTicker(pausePollInterval)
	defer ticker.Stop()

	for {
		if p.RunningTasks() == 0 {
			return true
		}
		select {
		case <-ticker.C:
		case <-deadline:
			return false
		}
	}
}

// Resume un-pauses a paused pool.
func (p *Pool) Resume() {
	select {
	case p.pauseCh <- false:
	default:
	}
}

// Abort stops the pool immediately; Run returns once running tasks drain.
func (p *Pool) Abort() {
	p.mu.Lock()
	if p.aborted {
		p.mu.Unlock()
		return
	}
	p.aborted = true
	p.mu.Unlock()
	close(p.abortCh)
}

// CurrentConcurrency returns the pool's current concurrency ceiling.
func (p *Pool) CurrentConcurrency() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentConcurrency
}

// RunningTasks returns the count of tasks currently executing.
func (p *Pool) RunningTasks() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.runningTasks
}
