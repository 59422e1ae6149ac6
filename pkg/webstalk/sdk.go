// Package webstalk provides a public SDK for embedding the crawl scheduler
// as a library.
//
// Example usage:
//
//	c := webstalk.NewCrawler(
//	    webstalk.WithMaxConcurrency(20),
//	    webstalk.WithOutput("json", "./output"),
//	)
//
//	c.OnHTML("h1", func(e *webstalk.Element) {
//	    e.Item.Set("title", e.Text())
//	})
//
//	c.OnHTML("a[href]", func(e *webstalk.Element) {
//	    e.Follow(e.Attr("href"))
//	})
//
//	c.Run(context.Background(), "https://example.com")
package webstalk

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/PuerkitoBio/goquery"

	"github.com/IshaanNene/webstalk/internal/autoscale"
	"github.com/IshaanNene/webstalk/internal/config"
	"github.com/IshaanNene/webstalk/internal/crawler"
	"github.com/IshaanNene/webstalk/internal/eventbus"
	"github.com/IshaanNene/webstalk/internal/fetcher"
	"github.com/IshaanNene/webstalk/internal/kv"
	"github.com/IshaanNene/webstalk/internal/session"
	"github.com/IshaanNene/webstalk/internal/source"
	"github.com/IshaanNene/webstalk/internal/stats"
	"github.com/IshaanNene/webstalk/internal/storage"
	"github.com/IshaanNene/webstalk/internal/sysinfo"
	"github.com/IshaanNene/webstalk/internal/types"
)

// Crawler is the high-level embeddable API over internal/crawler.
type Crawler struct {
	cfg       *config.Config
	logger    *slog.Logger
	htmlRules map[string]HTMLCallback
	store     kv.Store

	basic *crawler.BasicCrawler
}

// HTMLCallback is called for each element matching a CSS selector.
type HTMLCallback func(e *Element)

// Element represents a matched DOM element in a callback.
type Element struct {
	Selection *goquery.Selection
	Item      *types.Item
	Response  *types.Response

	newRequests []*types.Request
}

// Text returns the text content of the element.
func (e *Element) Text() string { return e.Selection.Text() }

// Attr returns the value of the given attribute.
func (e *Element) Attr(name string) string {
	val, _ := e.Selection.Attr(name)
	return val
}

// HTML returns the inner HTML of the element.
func (e *Element) HTML() string {
	html, _ := e.Selection.Html()
	return html
}

// Follow queues a URL to be crawled next.
func (e *Element) Follow(rawURL string) {
	req, err := types.NewRequest(rawURL)
	if err != nil {
		return
	}
	e.newRequests = append(e.newRequests, req)
}

// Option configures a Crawler.
type Option func(*config.Config)

// WithMinConcurrency sets the autoscaled pool's minimum concurrency.
func WithMinConcurrency(n int) Option {
	return func(c *config.Config) { c.Autoscale.MinConcurrency = n }
}

// WithMaxConcurrency sets the autoscaled pool's maximum concurrency.
func WithMaxConcurrency(n int) Option {
	return func(c *config.Config) { c.Autoscale.MaxConcurrency = n }
}

// WithMaxRequestRetries sets the per-request retry ceiling.
func WithMaxRequestRetries(n int) Option {
	return func(c *config.Config) { c.Crawler.MaxRequestRetries = n }
}

// WithMaxRequestsPerCrawl caps the total number of requests processed.
func WithMaxRequestsPerCrawl(n int) Option {
	return func(c *config.Config) { c.Crawler.MaxRequestsPerCrawl = n }
}

// WithOutput sets the output format and path.
func WithOutput(format, path string) Option {
	return func(c *config.Config) {
		c.Storage.Type = format
		c.Storage.OutputPath = path
	}
}

// WithUserAgent sets a custom User-Agent.
func WithUserAgent(ua string) Option {
	return func(c *config.Config) { c.Engine.UserAgents = []string{ua} }
}

// WithProxy enables proxy rotation with the given proxy URLs.
func WithProxy(urls ...string) Option {
	return func(c *config.Config) {
		c.Proxy.Enabled = true
		c.Proxy.URLs = urls
	}
}

// WithSessionPool enables or disables the rotating session pool.
func WithSessionPool(enabled bool) Option {
	return func(c *config.Config) { c.Crawler.UseSessionPool = enabled }
}

// WithVerbose enables debug-level logging.
func WithVerbose() Option {
	return func(c *config.Config) { c.Logging.Level = "debug" }
}

// NewCrawler creates a new Crawler with the given options layered over
// config.DefaultConfig.
func NewCrawler(opts ...Option) *Crawler {
	cfg := config.DefaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	level := slog.LevelInfo
	if cfg.Logging.Level == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	return &Crawler{
		cfg:       cfg,
		logger:    logger,
		htmlRules: make(map[string]HTMLCallback),
		store:     kv.NewMemoryStore(),
	}
}

// OnHTML registers a callback for elements matching the CSS selector.
func (c *Crawler) OnHTML(selector string, cb HTMLCallback) {
	c.htmlRules[selector] = cb
}

// Run builds the scheduler, seeds it with the given URLs, and blocks until
// the crawl finishes or ctx is cancelled.
func (c *Crawler) Run(ctx context.Context, urls ...string) error {
	var seeds []*types.Request
	for _, u := range urls {
		req, err := types.NewRequest(u)
		if err != nil {
			c.logger.Warn("seed skipped", "url", u, "error", err)
			continue
		}
		seeds = append(seeds, req)
	}
	if len(seeds) == 0 {
		return fmt.Errorf("no valid seed URLs")
	}

	httpFetcher, err := fetcher.NewHTTPFetcher(c.cfg, c.logger)
	if err != nil {
		return fmt.Errorf("create fetcher: %w", err)
	}
	defer httpFetcher.Close()

	out, err := storage.NewFileStorage(c.cfg.Storage.Type, c.cfg.Storage.OutputPath, c.logger)
	if err != nil {
		return fmt.Errorf("create storage: %w", err)
	}
	defer out.Close()

	tandem := source.NewTandem(source.NewList(seeds, c.logger), source.NewQueue(c.logger), "sdk", c.logger)
	bus := eventbus.New(c.logger)
	sampler := sysinfo.NewRuntimeSampler(1<<30, 0.9)

	cc := crawler.DefaultConfig()
	cc.MaxRequestRetries = c.cfg.Crawler.MaxRequestRetries
	cc.MaxRequestsPerCrawl = c.cfg.Crawler.MaxRequestsPerCrawl
	cc.UseSessionPool = c.cfg.Crawler.UseSessionPool
	cc.Autoscale = autoscale.Options{
		MinConcurrency:          c.cfg.Autoscale.MinConcurrency,
		MaxConcurrency:          c.cfg.Autoscale.MaxConcurrency,
		DesiredConcurrencyRatio: c.cfg.Autoscale.DesiredConcurrencyRatio,
		ScaleUpStepRatio:        c.cfg.Autoscale.ScaleUpStepRatio,
		ScaleDownStepRatio:      c.cfg.Autoscale.ScaleDownStepRatio,
		MaybeRunInterval:        c.cfg.Autoscale.MaybeRunInterval,
		LoggingInterval:         c.cfg.Autoscale.LoggingInterval,
		TaskTimeout:             c.cfg.Autoscale.TaskTimeout,
	}
	cc.Session = session.Options{
		MaxPoolSize:         c.cfg.Session.MaxPoolSize,
		SessionMaxAgeSecs:   c.cfg.Session.SessionMaxAgeSecs,
		MaxUsageCount:       c.cfg.Session.MaxUsageCount,
		MaxErrorScore:       c.cfg.Session.MaxErrorScore,
		ErrorScoreDecrement: c.cfg.Session.ErrorScoreDecrement,
	}

	c.basic = crawler.New(cc, tandem, c.store, bus, sampler, c.logger)
	c.basic.SetFetcher(httpFetcher)
	c.basic.SetHandler(c.handleResponse(out))

	return c.basic.Run(ctx)
}

// handleResponse builds the crawler.RequestHandler that fans a fetched
// response out to every registered OnHTML callback.
func (c *Crawler) handleResponse(out storage.Storage) crawler.RequestHandler {
	return func(ctx context.Context, rc *crawler.RequestContext) crawler.Outcome {
		if len(c.htmlRules) == 0 {
			return crawler.Success()
		}

		doc, err := rc.Response.Document()
		if err != nil {
			return crawler.Retriable(err, "")
		}

		var items []*types.Item
		for selector, cb := range c.htmlRules {
			doc.Find(selector).Each(func(i int, sel *goquery.Selection) {
				item := types.NewItem(rc.Request.URLString())
				elem := &Element{Selection: sel, Item: item, Response: rc.Response}
				cb(elem)
				for _, nr := range elem.newRequests {
					rc.AddRequest(nr, false)
				}
				if len(item.Fields) > 0 {
					items = append(items, item)
				}
			})
		}

		if len(items) > 0 {
			if err := out.Store(items); err != nil {
				c.logger.Warn("store error", "url", rc.Request.URLString(), "error", err)
			}
		}
		return crawler.Success()
	}
}

// Stats returns a snapshot of crawl statistics. Nil until Run has been
// called.
func (c *Crawler) Stats() *stats.Snapshot {
	if c.basic == nil {
		return nil
	}
	snap := c.basic.Stats().Snapshot()
	return &snap
}
