package main

import (
	"context"
	"fmt"
	"log/slog"
	neturl "net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/spf13/cobra"

	"github.com/IshaanNene/webstalk/internal/autoscale"
	"github.com/IshaanNene/webstalk/internal/config"
	"github.com/IshaanNene/webstalk/internal/crawler"
	"github.com/IshaanNene/webstalk/internal/eventbus"
	"github.com/IshaanNene/webstalk/internal/fetcher"
	"github.com/IshaanNene/webstalk/internal/kv"
	"github.com/IshaanNene/webstalk/internal/observability"
	"github.com/IshaanNene/webstalk/internal/pipeline"
	"github.com/IshaanNene/webstalk/internal/session"
	"github.com/IshaanNene/webstalk/internal/source"
	"github.com/IshaanNene/webstalk/internal/stats"
	"github.com/IshaanNene/webstalk/internal/storage"
	"github.com/IshaanNene/webstalk/internal/sysinfo"
	"github.com/IshaanNene/webstalk/internal/types"
)

var (
	cfgFile             string
	verbose             bool
	outputPath          string
	outputType          string
	minConcurrency      int
	maxConcurrency      int
	maxRequestRetries   int
	maxRequestsPerCrawl int
	useBrowser          bool
	userAgent           string
	allowedDomains      string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "webstalk",
		Short: "WebStalk — autoscaled web crawl scheduler",
		Long: `WebStalk drives a set of seed URLs through an autoscaled worker pool with
per-identity session rotation, forefront-priority request queuing, and a
typed retry/failure pipeline.

Features:
  • Autoscaled concurrency, sampled against CPU/memory pressure
  • Request list + durable queue tandem with resumable state
  • Rotating session pool with health scoring
  • Typed retry outcomes instead of exception-driven control flow
  • Optional headless-browser crawling via go-rod
  • JSON, JSONL, CSV export; MongoDB or in-memory scheduler-state storage
  • Prometheus metrics endpoint`,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(crawlCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(configCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// crawlCmd creates the "crawl" subcommand.
func crawlCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crawl [url]...",
		Short: "Crawl the given seed URL(s)",
		Long:  "Run the scheduler over the given seed URL(s), following discovered links and extracting fields via the configured CSS selector rules.",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runCrawl,
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "./output", "output directory or file path")
	cmd.Flags().StringVarP(&outputType, "format", "f", "json", "output format: json, jsonl, csv")
	cmd.Flags().IntVar(&minConcurrency, "min-concurrency", 0, "minimum autoscaled concurrency (0 = config default)")
	cmd.Flags().IntVar(&maxConcurrency, "max-concurrency", 0, "maximum autoscaled concurrency (0 = config default)")
	cmd.Flags().IntVar(&maxRequestRetries, "max-request-retries", -1, "max retries per failed request (-1 = config default)")
	cmd.Flags().IntVar(&maxRequestsPerCrawl, "max-requests-per-crawl", 0, "maximum total requests processed (0 = config default)")
	cmd.Flags().BoolVar(&useBrowser, "browser", false, "fetch via a headless-browser pool instead of plain HTTP")
	cmd.Flags().StringVar(&userAgent, "user-agent", "", "custom User-Agent string")
	cmd.Flags().StringVar(&allowedDomains, "allowed-domains", "", "comma-separated domains to stay within")

	return cmd
}

func runCrawl(cmd *cobra.Command, args []string) error {
	logger := setupLogger()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyCLIOverrides(cfg)
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	seeds, domainFilter := buildSeeds(args, logger)
	if len(seeds) == 0 {
		return fmt.Errorf("no valid seed URLs — check the URLs provided")
	}

	logger.Info("starting crawl",
		"seeds", len(seeds),
		"min_concurrency", cfg.Autoscale.MinConcurrency,
		"max_concurrency", cfg.Autoscale.MaxConcurrency,
		"browser", cfg.Browser.Enabled,
		"output", cfg.Storage.OutputPath,
	)

	store, closeStore, err := buildKVStore(cfg, logger)
	if err != nil {
		return fmt.Errorf("create kv store: %w", err)
	}
	defer closeStore()

	out, err := storage.NewFileStorage(cfg.Storage.Type, cfg.Storage.OutputPath, logger)
	if err != nil {
		return fmt.Errorf("create storage: %w", err)
	}
	defer out.Close()

	pipe := pipeline.New(logger)
	for _, mwCfg := range cfg.Pipeline.Middlewares {
		mw, err := pipeline.NewFromConfig(mwCfg, logger)
		if err != nil {
			return fmt.Errorf("configure pipeline: %w", err)
		}
		pipe.Use(mw)
	}
	pipe.Use(&pipeline.TrimMiddleware{})
	pipe.Use(&pipeline.ChecksumMiddleware{})
	pipe.Use(pipeline.NewChecksumDedupMiddleware())

	bus := eventbus.New(logger)
	sampler := sysinfo.NewRuntimeSampler(1<<30, 0.9)

	tandem := source.NewTandem(source.NewList(seeds, logger), source.NewQueue(logger), "cli", logger)

	crawlerCfg := crawlerConfigFrom(cfg)

	var metrics *observability.Metrics
	if cfg.Metrics.Enabled {
		metrics = observability.NewMetrics(logger)
		if err := metrics.StartServer(cfg.Metrics.Port, cfg.Metrics.Path); err != nil {
			logger.Warn("failed to start metrics server", "error", err)
			metrics = nil
		}
	}

	handler := crawlHandler(pipe, out, cfg.Parser.Rules, domainFilter, logger)

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	start := time.Now()

	if cfg.Browser.Enabled || useBrowser {
		proxyMgr := fetcher.NewProxyManager(&cfg.Proxy, logger)
		browserCfg := browserPoolConfigFrom(cfg)
		browsers := fetcher.NewBrowserPool(cfg, browserCfg, proxyMgr, logger)

		bc := crawler.NewBrowser(crawlerCfg, tandem, store, bus, sampler, browsers, logger)
		bc.SetHandler(handler)
		defer bc.Close()

		if metrics != nil {
			metrics.Watch(ctx, bc.Pool(), bc.Stats(), 10*time.Second)
		}

		if err := bc.Run(ctx); err != nil {
			return fmt.Errorf("run browser crawler: %w", err)
		}
		printSummary(bc.Stats(), time.Since(start), cfg.Storage.OutputPath)
		return nil
	}

	httpFetcher, err := fetcher.NewHTTPFetcher(cfg, logger)
	if err != nil {
		return fmt.Errorf("create fetcher: %w", err)
	}
	defer httpFetcher.Close()

	bc := crawler.New(crawlerCfg, tandem, store, bus, sampler, logger)
	bc.SetFetcher(httpFetcher)
	bc.SetHandler(handler)

	if metrics != nil {
		metrics.Watch(ctx, bc.Pool(), bc.Stats(), 10*time.Second)
	}

	if err := bc.Run(ctx); err != nil {
		return fmt.Errorf("run crawler: %w", err)
	}
	printSummary(bc.Stats(), time.Since(start), cfg.Storage.OutputPath)
	return nil
}

// crawlHandler returns the default crawler.RequestHandler. Extraction is the
// handler's own job, not the framework's: it reads fields out of the
// response's goquery document per the configured CSS rules, runs the result
// through the pipeline, stores it, and follows every same-document anchor
// that stays within domainFilter (if non-empty).
func crawlHandler(pipe *pipeline.Pipeline, out storage.Storage, rules []config.ParseRule, domainFilter map[string]bool, logger *slog.Logger) crawler.RequestHandler {
	return func(ctx context.Context, rc *crawler.RequestContext) crawler.Outcome {
		doc, err := rc.Response.Document()
		if err != nil {
			return crawler.Retriable(err, "")
		}

		item := extractItem(doc, rc.Request.URLString(), rules)
		processed, err := pipe.Process(item)
		if err != nil {
			logger.Warn("pipeline error", "url", rc.Request.URLString(), "error", err)
		} else if processed != nil {
			if err := out.Store([]*types.Item{processed}); err != nil {
				logger.Warn("store error", "url", rc.Request.URLString(), "error", err)
			}
		}

		doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
			href, _ := sel.Attr("href")
			ref, err := neturl.Parse(href)
			if err != nil {
				return
			}
			req, err := types.NewRequest(rc.Request.URL.ResolveReference(ref).String())
			if err != nil {
				return
			}
			if len(domainFilter) > 0 && !domainFilter[req.Domain()] {
				return
			}
			rc.AddRequest(req, false)
		})

		return crawler.Success()
	}
}

// extractItem applies each CSS rule to doc and collects the results into a
// single Item keyed by rule name. A rule with Attribute set reads that
// attribute off the first match instead of the element's trimmed text.
func extractItem(doc *goquery.Document, sourceURL string, rules []config.ParseRule) *types.Item {
	item := types.NewItem(sourceURL)
	for _, rule := range rules {
		sel := doc.Find(rule.Selector).First()
		if sel.Length() == 0 {
			continue
		}
		if rule.Attribute != "" {
			if val, ok := sel.Attr(rule.Attribute); ok {
				item.Set(rule.Name, val)
			}
			continue
		}
		item.Set(rule.Name, strings.TrimSpace(sel.Text()))
	}
	return item
}

func buildSeeds(args []string, logger *slog.Logger) ([]*types.Request, map[string]bool) {
	var seeds []*types.Request
	domainFilter := make(map[string]bool)
	if allowedDomains != "" {
		for _, d := range strings.Split(allowedDomains, ",") {
			if d = strings.TrimSpace(d); d != "" {
				domainFilter[d] = true
			}
		}
	}

	for _, rawURL := range args {
		req, err := types.NewRequest(rawURL)
		if err != nil {
			logger.Warn("seed skipped", "url", rawURL, "error", err)
			continue
		}
		if len(domainFilter) > 0 && !domainFilter[req.Domain()] {
			domainFilter[req.Domain()] = true // seeds always count as allowed
		}
		seeds = append(seeds, req)
	}
	return seeds, domainFilter
}

func buildKVStore(cfg *config.Config, logger *slog.Logger) (kv.Store, func(), error) {
	switch cfg.KV.Type {
	case "mongo":
		store, err := kv.NewMongoStore(context.Background(), cfg.KV.MongoURI, cfg.KV.MongoDatabase, cfg.KV.MongoCollection, logger)
		if err != nil {
			return nil, func() {}, err
		}
		return store, func() { _ = store.Close(context.Background()) }, nil
	default:
		return kv.NewMemoryStore(), func() {}, nil
	}
}

func crawlerConfigFrom(cfg *config.Config) crawler.Config {
	cc := crawler.DefaultConfig()
	cc.MaxRequestRetries = cfg.Crawler.MaxRequestRetries
	cc.MaxRequestsPerCrawl = cfg.Crawler.MaxRequestsPerCrawl
	cc.HandleRequestTimeout = cfg.Crawler.HandleRequestTimeout
	cc.UseSessionPool = cfg.Crawler.UseSessionPool
	cc.PersistCookiesPerSession = cfg.Crawler.PersistCookiesPerSession
	cc.PersistStateKeyPrefix = cfg.Crawler.PersistStateKeyPrefix
	cc.StatsLoggingInterval = cfg.Crawler.StatsLoggingInterval
	cc.ConsistencyRecheckDelay = cfg.Crawler.ConsistencyRecheckDelay

	cc.Session = session.Options{
		MaxPoolSize:         cfg.Session.MaxPoolSize,
		SessionMaxAgeSecs:   cfg.Session.SessionMaxAgeSecs,
		MaxUsageCount:       cfg.Session.MaxUsageCount,
		MaxErrorScore:       cfg.Session.MaxErrorScore,
		ErrorScoreDecrement: cfg.Session.ErrorScoreDecrement,
	}

	cc.Autoscale = autoscale.Options{
		MinConcurrency:          cfg.Autoscale.MinConcurrency,
		MaxConcurrency:          cfg.Autoscale.MaxConcurrency,
		DesiredConcurrencyRatio: cfg.Autoscale.DesiredConcurrencyRatio,
		ScaleUpStepRatio:        cfg.Autoscale.ScaleUpStepRatio,
		ScaleDownStepRatio:      cfg.Autoscale.ScaleDownStepRatio,
		MaybeRunInterval:        cfg.Autoscale.MaybeRunInterval,
		LoggingInterval:         cfg.Autoscale.LoggingInterval,
		TaskTimeout:             cfg.Autoscale.TaskTimeout,
	}
	return cc
}

func browserPoolConfigFrom(cfg *config.Config) fetcher.BrowserPoolConfig {
	bp := fetcher.DefaultBrowserPoolConfig()
	bp.MaxOpenPagesPerBrowser = cfg.Browser.MaxOpenPagesPerBrowser
	bp.RetireBrowserAfterPages = cfg.Browser.RetireBrowserAfterPages
	bp.KillBrowserAfterAge = cfg.Browser.KillBrowserAfterAge
	bp.BrowserKillerInterval = cfg.Browser.BrowserKillerInterval
	bp.GotoTimeout = cfg.Browser.GotoTimeout
	bp.NavigationTimeout = cfg.Browser.NavigationTimeout
	if cfg.Browser.StealthUserDataDir != "" || cfg.Browser.StealthWindowSize != "" {
		bp.Stealth = &fetcher.StealthConfig{
			UserDataDir: cfg.Browser.StealthUserDataDir,
			WindowSize:  cfg.Browser.StealthWindowSize,
		}
	}
	return bp
}

func printSummary(s *stats.Stats, elapsed time.Duration, outputPath string) {
	snap := s.Snapshot()
	fmt.Printf("\ncrawl complete in %s\n", elapsed.Round(time.Millisecond))
	fmt.Printf("  finished: %d   failed: %d\n", snap.FinishedJobs, snap.FailedJobs)
	fmt.Printf("  mean duration: %.0fms\n", snap.MeanDurationMs)
	fmt.Printf("  output: %s\n", outputPath)
}

// versionCmd creates the "version" subcommand.
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("WebStalk %s\n", config.Version)
		},
	}
}

// configCmd creates the "config" subcommand for inspecting configuration.
func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			fmt.Printf("Crawler:\n")
			fmt.Printf("  Max Request Retries:     %d\n", cfg.Crawler.MaxRequestRetries)
			fmt.Printf("  Max Requests Per Crawl:  %d\n", cfg.Crawler.MaxRequestsPerCrawl)
			fmt.Printf("  Handle Request Timeout:  %s\n", cfg.Crawler.HandleRequestTimeout)
			fmt.Printf("  Use Session Pool:        %v\n", cfg.Crawler.UseSessionPool)
			fmt.Printf("\nAutoscale:\n")
			fmt.Printf("  Min Concurrency:         %d\n", cfg.Autoscale.MinConcurrency)
			fmt.Printf("  Max Concurrency:         %d\n", cfg.Autoscale.MaxConcurrency)
			fmt.Printf("  Desired Ratio:           %.2f\n", cfg.Autoscale.DesiredConcurrencyRatio)
			fmt.Printf("\nSession Pool:\n")
			fmt.Printf("  Max Pool Size:           %d\n", cfg.Session.MaxPoolSize)
			fmt.Printf("  Max Usage Count:         %d\n", cfg.Session.MaxUsageCount)
			fmt.Printf("\nBrowser:\n")
			fmt.Printf("  Enabled:                 %v\n", cfg.Browser.Enabled)
			fmt.Printf("\nFetcher:\n")
			fmt.Printf("  Type:                    %s\n", cfg.Fetcher.Type)
			fmt.Printf("  Follow Redirects:        %v\n", cfg.Fetcher.FollowRedirects)
			fmt.Printf("\nProxy:\n")
			fmt.Printf("  Enabled:                 %v\n", cfg.Proxy.Enabled)
			fmt.Printf("  Count:                   %d\n", len(cfg.Proxy.URLs))
			fmt.Printf("\nStorage:\n")
			fmt.Printf("  Type:                    %s\n", cfg.Storage.Type)
			fmt.Printf("  Output Path:             %s\n", cfg.Storage.OutputPath)
			fmt.Printf("\nKV Store:\n")
			fmt.Printf("  Type:                    %s\n", cfg.KV.Type)
			fmt.Printf("\nMetrics:\n")
			fmt.Printf("  Enabled:                 %v\n", cfg.Metrics.Enabled)
			fmt.Printf("  Port:                    %d\n", cfg.Metrics.Port)
			return nil
		},
	}
	return cmd
}

// setupLogger creates a structured logger.
func setupLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	return slog.New(handler)
}

// applyCLIOverrides applies command-line flag values to the config.
func applyCLIOverrides(cfg *config.Config) {
	if minConcurrency > 0 {
		cfg.Autoscale.MinConcurrency = minConcurrency
	}
	if maxConcurrency > 0 {
		cfg.Autoscale.MaxConcurrency = maxConcurrency
	}
	if maxRequestRetries >= 0 {
		cfg.Crawler.MaxRequestRetries = maxRequestRetries
	}
	if maxRequestsPerCrawl > 0 {
		cfg.Crawler.MaxRequestsPerCrawl = maxRequestsPerCrawl
	}
	if useBrowser {
		cfg.Browser.Enabled = true
	}
	if userAgent != "" {
		cfg.Engine.UserAgents = []string{userAgent}
	}
	if outputPath != "" {
		cfg.Storage.OutputPath = outputPath
	}
	if outputType != "" {
		cfg.Storage.Type = strings.ToLower(outputType)
	}
}
