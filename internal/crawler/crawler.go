// Package crawler binds the source tandem, session pool, autoscaled pool,
// and statistics tracker into the two runnable crawler flavors: a basic
// crawler that fetches over HTTP, and a browser-context crawler that drives
// a headless browser pool instead.
package crawler

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/IshaanNene/webstalk/internal/autoscale"
	"github.com/IshaanNene/webstalk/internal/eventbus"
	"github.com/IshaanNene/webstalk/internal/kv"
	"github.com/IshaanNene/webstalk/internal/session"
	"github.com/IshaanNene/webstalk/internal/source"
	"github.com/IshaanNene/webstalk/internal/stats"
	"github.com/IshaanNene/webstalk/internal/sysinfo"
	"github.com/IshaanNene/webstalk/internal/types"
)

// Fetcher is the minimal external collaborator either crawler flavor needs:
// given a request (and, if session pooling is enabled, a session to carry
// identity/cookies), produce a response.
type Fetcher interface {
	Fetch(ctx context.Context, req *types.Request, sess *session.Session) (*types.Response, error)
}

// RequestHandler processes a fetched response. It is given a RequestContext
// so it can enqueue discovered follow-up requests without reaching back
// into crawler internals, and returns an Outcome instead of an error so the
// retry decision is explicit rather than inferred from error type.
type RequestHandler func(ctx context.Context, rc *RequestContext) Outcome

// FailedRequestHandler is invoked once a request has exhausted its retry
// budget (or been marked NoRetry). Its own Outcome controls only logging
// and persistence side effects — by the time it runs, the request is
// already terminal.
type FailedRequestHandler func(ctx context.Context, rc *RequestContext, cause error) Outcome

// RequestContext is handed to handlers for one in-flight request.
type RequestContext struct {
	Request  *types.Request
	Response *types.Response
	Session  *session.Session

	tandem *source.Tandem

	// Discovered accumulates requests the handler wants crawled next via
	// AddRequest; the task runner drains it into the tandem's queue after
	// the handler returns.
	Discovered []*types.Request
}

// AddRequest queues a follow-up request for crawling once the current
// handler invocation returns.
func (rc *RequestContext) AddRequest(req *types.Request, forefront bool) {
	req.ParentURL = rc.Request.URLString()
	req.Depth = rc.Request.Depth + 1
	rc.Discovered = append(rc.Discovered, req)
}

// Config is the crawler's full configuration surface.
type Config struct {
	MaxRequestRetries          int
	MaxRequestsPerCrawl        int // 0 = unlimited
	HandleRequestTimeout       time.Duration
	UseSessionPool             bool
	PersistCookiesPerSession   bool
	PersistStateKeyPrefix      string
	StatsLoggingInterval       time.Duration
	ConsistencyRecheckDelay    time.Duration

	// SafeMigrationWait bounds how long a migration notice waits for
	// in-flight tasks to drain before the pre-migration state snapshot is
	// taken anyway. A drain that hits this timeout still persists, just
	// with whatever tasks are still running left unaccounted for.
	SafeMigrationWait time.Duration

	Autoscale autoscale.Options
	Session   session.Options
}

// DefaultConfig returns sensible defaults matching the rest of the
// module's ambient configuration conventions.
func DefaultConfig() Config {
	return Config{
		MaxRequestRetries:       3,
		HandleRequestTimeout:    60 * time.Second,
		UseSessionPool:          true,
		PersistCookiesPerSession: true,
		PersistStateKeyPrefix:   "webstalk",
		StatsLoggingInterval:    60 * time.Second,
		ConsistencyRecheckDelay: 3 * time.Second,
		SafeMigrationWait:       30 * time.Second,
		Autoscale:               autoscale.DefaultOptions(),
		Session:                 session.DefaultOptions(),
	}
}

// BasicCrawler fetches over HTTP (or any Fetcher implementation) and hands
// responses to user-supplied handlers under bounded, autoscaled
// concurrency.
type BasicCrawler struct {
	cfg Config

	tandem      *source.Tandem
	sessionPool *session.Pool
	pool        *autoscale.Pool
	stats       *stats.Stats
	bus         *eventbus.Bus
	store       kv.Store

	fetcher       Fetcher
	handler       RequestHandler
	failedHandler FailedRequestHandler

	requestsProcessed int
	logger            *slog.Logger
}

// New constructs a BasicCrawler. tandem and store must be non-nil; bus may
// be nil, in which case cpuInfo/migrating/persistState integration is
// skipped.
func New(cfg Config, tandem *source.Tandem, store kv.Store, bus *eventbus.Bus, sampler sysinfo.Sampler, logger *slog.Logger) *BasicCrawler {
	logger = logger.With("component", "basic_crawler")

	var pool *session.Pool
	if cfg.UseSessionPool {
		pool = session.NewPool(cfg.Session, logger)
	}

	return &BasicCrawler{
		cfg:         cfg,
		tandem:      tandem,
		sessionPool: pool,
		pool:        autoscale.New(cfg.Autoscale, sampler, logger),
		stats:       stats.New(logger),
		bus:         bus,
		store:       store,
		logger:      logger,
	}
}

// SetFetcher installs the transport collaborator.
func (c *BasicCrawler) SetFetcher(f Fetcher) { c.fetcher = f }

// SetHandler installs the per-response request handler.
func (c *BasicCrawler) SetHandler(h RequestHandler) { c.handler = h }

// SetFailedRequestHandler installs the terminal-failure handler.
func (c *BasicCrawler) SetFailedRequestHandler(h FailedRequestHandler) { c.failedHandler = h }

// Stats returns the crawler's statistics tracker.
func (c *BasicCrawler) Stats() *stats.Stats { return c.stats }

// Pool returns the crawler's autoscaled pool, for external observers (e.g.
// metrics) that want to sample its concurrency state.
func (c *BasicCrawler) Pool() *autoscale.Pool { return c.pool }

// Run drives the crawl to completion: restores persisted state if present,
// subscribes to the event bus, and runs the autoscaled pool until the
// source tandem reports finished (after the consistency recheck delay for
// multi-client queues) or ctx is cancelled.
func (c *BasicCrawler) Run(ctx context.Context) error {
	if c.fetcher == nil {
		return fmt.Errorf("crawler: no fetcher configured")
	}
	if c.handler == nil {
		return fmt.Errorf("crawler: no request handler configured")
	}

	if err := c.restoreState(ctx); err != nil {
		c.logger.Warn("failed to restore persisted state, starting fresh", "error", err)
	}

	var unsubscribeMigrating, unsubscribePersist func()
	if c.bus != nil {
		migratingCh, unsub1 := c.bus.Subscribe(eventbus.TopicMigrating)
		unsubscribeMigrating = unsub1
		go c.watchMigrating(ctx, migratingCh)

		persistCh, unsub2 := c.bus.Subscribe(eventbus.TopicPersistState)
		unsubscribePersist = unsub2
		go c.watchPersistState(ctx, persistCh)
	}
	defer func() {
		if unsubscribeMigrating != nil {
			unsubscribeMigrating()
		}
		if unsubscribePersist != nil {
			unsubscribePersist()
		}
	}()

	stopStatsLog := c.stats.LogPeriodically(ctx, c.cfg.StatsLoggingInterval)
	defer stopStatsLog()

	c.pool.IsTaskReadyFunc = c.isTaskReady
	c.pool.RunTaskFunc = c.runTask
	c.pool.IsFinishedFunc = c.isFinished

	err := c.pool.Run(ctx)

	if persistErr := c.persistState(context.Background()); persistErr != nil {
		c.logger.Error("failed to persist final state", "error", persistErr)
	}
	return err
}

func (c *BasicCrawler) isTaskReady() bool {
	if c.cfg.MaxRequestsPerCrawl > 0 && c.requestsProcessed >= c.cfg.MaxRequestsPerCrawl {
		return false
	}
	return c.tandem.HasWork()
}

func (c *BasicCrawler) isFinished() bool {
	if c.cfg.MaxRequestsPerCrawl > 0 && c.requestsProcessed >= c.cfg.MaxRequestsPerCrawl {
		return true
	}
	finished, needsRecheck := c.tandem.IsFinished()
	if !finished {
		return false
	}
	if !needsRecheck {
		return true
	}
	time.Sleep(c.cfg.ConsistencyRecheckDelay)
	finished, _ = c.tandem.IsFinished()
	return finished
}

func (c *BasicCrawler) watchMigrating(ctx context.Context, ch <-chan any) {
	select {
	case <-ctx.Done():
		return
	case <-ch:
		if drained := c.pool.Pause(c.cfg.SafeMigrationWait); !drained {
			c.logger.Warn("migration: safe-wait timeout elapsed with tasks still in flight; persisting anyway",
				"running_tasks", c.pool.RunningTasks())
		}
		_ = c.persistState(context.Background())
		c.pool.Abort()
	}
}

func (c *BasicCrawler) watchPersistState(ctx context.Context, ch <-chan any) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-ch:
			if !ok {
				return
			}
			if err := c.persistState(ctx); err != nil {
				c.logger.Warn("periodic state persist failed", "error", err)
			}
		}
	}
}

func (c *BasicCrawler) persistState(ctx context.Context) error {
	prefix := c.cfg.PersistStateKeyPrefix
	if err := c.tandem.Queue.PersistState(ctx, c.store, prefix+":queue"); err != nil {
		return err
	}
	if err := c.tandem.List.PersistState(ctx, c.store, prefix+":list"); err != nil {
		return err
	}
	if c.sessionPool != nil {
		if err := c.sessionPool.PersistState(ctx, c.store, prefix+":sessions"); err != nil {
			return err
		}
	}
	return c.stats.PersistState(ctx, c.store, prefix+":stats")
}

func (c *BasicCrawler) restoreState(ctx context.Context) error {
	prefix := c.cfg.PersistStateKeyPrefix
	if _, err := c.tandem.Queue.RestoreState(ctx, c.store, prefix+":queue"); err != nil {
		return err
	}
	if _, err := c.tandem.List.RestoreState(ctx, c.store, prefix+":list"); err != nil {
		return err
	}
	if c.sessionPool != nil {
		if _, err := c.sessionPool.RestoreState(ctx, c.store, prefix+":sessions"); err != nil {
			return err
		}
	}
	return nil
}

// runTask implements autoscale.RunTaskFunc: fetch the next request,
// acquire a session if pooling is enabled, invoke the handler, and resolve
// the outcome against the queue.
func (c *BasicCrawler) runTask(ctx context.Context) error {
	req, ok := c.tandem.FetchNextRequest()
	if !ok {
		return nil
	}

	c.requestsProcessed++
	c.stats.StartJob(req.ID)
	start := time.Now()

	// Session acquisition and DNS resolution are independent of each other,
	// so they run side by side rather than back to back: the pool-lock cost
	// of GetSession is hidden behind the resolver round trip instead of
	// adding to it.
	var sess *session.Session
	if c.sessionPool != nil {
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			s, err := c.sessionPool.GetSession()
			if err != nil {
				return err
			}
			sess = s
			return nil
		})
		g.Go(func() error {
			warmDNS(gctx, req)
			return nil
		})
		if err := g.Wait(); err != nil {
			if req.Retry.Exhausted(c.cfg.MaxRequestRetries) {
				c.stats.FinishJob(req.ID, time.Since(start), req.Retry.Count, true)
			}
			return c.reclaimOrFail(ctx, req, err, start)
		}
	}

	taskCtx := ctx
	if c.cfg.HandleRequestTimeout > 0 {
		var cancel context.CancelFunc
		taskCtx, cancel = context.WithTimeout(ctx, c.cfg.HandleRequestTimeout)
		defer cancel()
	}

	resp, err := c.fetcher.Fetch(taskCtx, req, sess)
	if err != nil {
		if taskCtx.Err() != nil {
			err = &types.TaskTimeout{RequestID: req.ID, Timeout: c.cfg.HandleRequestTimeout}
		}
		if sess != nil {
			sess.MarkBad()
		}
		if req.Retry.Exhausted(c.cfg.MaxRequestRetries) {
			c.stats.FinishJob(req.ID, time.Since(start), req.Retry.Count, true)
		}
		return c.reclaimOrFail(ctx, req, err, start)
	}

	if resp.IsBlocked() {
		if sess != nil {
			sess.Retire()
		}
		if req.Retry.Exhausted(c.cfg.MaxRequestRetries) {
			c.stats.FinishJob(req.ID, time.Since(start), req.Retry.Count, true)
		}
		return c.reclaimOrFail(ctx, req, &types.RequestBlocked{StatusCode: resp.StatusCode}, start)
	}

	rc := &RequestContext{Request: req, Response: resp, Session: sess, tandem: c.tandem}
	outcome := c.handler(taskCtx, rc)

	for _, discovered := range rc.Discovered {
		c.tandem.Queue.AddRequest("", discovered, false)
	}

	switch {
	case outcome.IsSuccess():
		if sess != nil {
			sess.MarkGood()
		}
		c.stats.FinishJob(req.ID, time.Since(start), req.Retry.Count, false)
		return c.tandem.MarkRequestHandled(req.ID)

	case outcome.IsTerminal():
		req.Retry.NoRetry = true
		c.stats.FinishJob(req.ID, time.Since(start), req.Retry.Count, true)
		return c.failTerminal(ctx, req, outcome.Err(), start)

	default: // retriable
		if blamed := outcome.BlamedSessionID(); blamed != "" && c.sessionPool != nil {
			c.sessionPool.RetireSession(blamed)
		}
		if req.Retry.Exhausted(c.cfg.MaxRequestRetries) {
			c.stats.FinishJob(req.ID, time.Since(start), req.Retry.Count, true)
		}
		return c.reclaimOrFail(ctx, req, outcome.Err(), start)
	}
}

// warmDNS resolves req's host ahead of the fetch so the connection's DNS
// round trip overlaps session acquisition instead of stacking after it.
// Resolution failures are left for the fetcher itself to report.
func warmDNS(ctx context.Context, req *types.Request) {
	if req.URL == nil || req.URL.Hostname() == "" {
		return
	}
	_, _ = net.DefaultResolver.LookupHost(ctx, req.URL.Hostname())
}

// reclaimOrFail re-queues req if it still has retry budget, or escalates to
// terminal failure otherwise.
func (c *BasicCrawler) reclaimOrFail(ctx context.Context, req *types.Request, cause error, start time.Time) error {
	exhausted := req.Retry.Exhausted(c.cfg.MaxRequestRetries)
	req.RecordError(cause)
	if exhausted {
		return c.failTerminal(ctx, req, cause, start)
	}
	return c.tandem.ReclaimRequest(req.ID, false)
}

func (c *BasicCrawler) failTerminal(ctx context.Context, req *types.Request, cause error, start time.Time) error {
	terminalErr := &types.FailedTerminal{RequestID: req.ID, Attempts: req.Retry.Count, Err: cause}

	if c.failedHandler != nil {
		rc := &RequestContext{Request: req, tandem: c.tandem}
		if out := c.failedHandler(ctx, rc, terminalErr); out.IsTerminal() && out.Err() != nil {
			terminalErr = &types.FailedTerminal{RequestID: req.ID, Attempts: req.Retry.Count,
				Err: &types.SecondaryHandlerError{Original: cause, Secondary: out.Err()}}
		}
		for _, discovered := range rc.Discovered {
			c.tandem.Queue.AddRequest("", discovered, false)
		}
	}

	if err := c.tandem.MarkRequestHandled(req.ID); err != nil {
		return err
	}
	c.logger.Warn("request failed terminally", "request_id", req.ID, "url", req.URLString(), "error", terminalErr)
	return nil
}
