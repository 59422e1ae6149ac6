package config

import (
	"time"
)

// Version is set at build time via ldflags.
var Version = "dev"

// Config is the root configuration for WebStalk.
type Config struct {
	Engine    EngineConfig    `mapstructure:"engine"    yaml:"engine"`
	Crawler   CrawlerConfig   `mapstructure:"crawler"   yaml:"crawler"`
	Session   SessionConfig   `mapstructure:"session"   yaml:"session"`
	Autoscale AutoscaleConfig `mapstructure:"autoscale" yaml:"autoscale"`
	Browser   BrowserConfig   `mapstructure:"browser"   yaml:"browser"`
	Fetcher   FetcherConfig   `mapstructure:"fetcher"  yaml:"fetcher"`
	Proxy     ProxyConfig     `mapstructure:"proxy"    yaml:"proxy"`
	Parser    ParserConfig    `mapstructure:"parser"   yaml:"parser"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline" yaml:"pipeline"`
	Storage   StorageConfig   `mapstructure:"storage"  yaml:"storage"`
	KV        KVConfig        `mapstructure:"kv"       yaml:"kv"`
	AI        AIConfig        `mapstructure:"ai"       yaml:"ai"`
	Logging   LoggingConfig   `mapstructure:"logging"  yaml:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"  yaml:"metrics"`
}

// CrawlerConfig controls the request-level retry/timeout/persistence
// behavior of internal/crawler.BasicCrawler and BrowserCrawler.
type CrawlerConfig struct {
	MaxRequestRetries        int           `mapstructure:"max_request_retries"         yaml:"max_request_retries"`
	MaxRequestsPerCrawl      int           `mapstructure:"max_requests_per_crawl"      yaml:"max_requests_per_crawl"`
	HandleRequestTimeout     time.Duration `mapstructure:"handle_request_timeout"      yaml:"handle_request_timeout"`
	UseSessionPool           bool          `mapstructure:"use_session_pool"            yaml:"use_session_pool"`
	PersistCookiesPerSession bool          `mapstructure:"persist_cookies_per_session" yaml:"persist_cookies_per_session"`
	PersistStateKeyPrefix    string        `mapstructure:"persist_state_key_prefix"    yaml:"persist_state_key_prefix"`
	StatsLoggingInterval     time.Duration `mapstructure:"stats_logging_interval"      yaml:"stats_logging_interval"`
	ConsistencyRecheckDelay  time.Duration `mapstructure:"consistency_recheck_delay"   yaml:"consistency_recheck_delay"`
}

// SessionConfig controls the rotating session pool.
type SessionConfig struct {
	MaxPoolSize         int     `mapstructure:"max_pool_size"          yaml:"max_pool_size"`
	SessionMaxAgeSecs   int     `mapstructure:"session_max_age_secs"   yaml:"session_max_age_secs"`
	MaxUsageCount       int     `mapstructure:"max_usage_count"        yaml:"max_usage_count"`
	MaxErrorScore       float64 `mapstructure:"max_error_score"        yaml:"max_error_score"`
	ErrorScoreDecrement float64 `mapstructure:"error_score_decrement"  yaml:"error_score_decrement"`
}

// AutoscaleConfig controls the autoscaled worker pool's concurrency bounds
// and scaling behavior.
type AutoscaleConfig struct {
	MinConcurrency          int           `mapstructure:"min_concurrency"            yaml:"min_concurrency"`
	MaxConcurrency          int           `mapstructure:"max_concurrency"            yaml:"max_concurrency"`
	DesiredConcurrencyRatio float64       `mapstructure:"desired_concurrency_ratio"  yaml:"desired_concurrency_ratio"`
	ScaleUpStepRatio        float64       `mapstructure:"scale_up_step_ratio"        yaml:"scale_up_step_ratio"`
	ScaleDownStepRatio      float64       `mapstructure:"scale_down_step_ratio"      yaml:"scale_down_step_ratio"`
	MaybeRunInterval        time.Duration `mapstructure:"maybe_run_interval"         yaml:"maybe_run_interval"`
	LoggingInterval         time.Duration `mapstructure:"logging_interval"           yaml:"logging_interval"`
	TaskTimeout             time.Duration `mapstructure:"task_timeout"               yaml:"task_timeout"`
}

// BrowserConfig controls the headless-browser pool's lifecycle limits.
type BrowserConfig struct {
	Enabled                 bool          `mapstructure:"enabled"                    yaml:"enabled"`
	MaxOpenPagesPerBrowser  int           `mapstructure:"max_open_pages_per_browser" yaml:"max_open_pages_per_browser"`
	RetireBrowserAfterPages int           `mapstructure:"retire_browser_after_pages" yaml:"retire_browser_after_pages"`
	KillBrowserAfterAge     time.Duration `mapstructure:"kill_browser_after_age"     yaml:"kill_browser_after_age"`
	BrowserKillerInterval   time.Duration `mapstructure:"browser_killer_interval"    yaml:"browser_killer_interval"`
	GotoTimeout             time.Duration `mapstructure:"goto_timeout"               yaml:"goto_timeout"`
	NavigationTimeout       time.Duration `mapstructure:"navigation_timeout"         yaml:"navigation_timeout"`
	StealthUserDataDir      string        `mapstructure:"stealth_user_data_dir"      yaml:"stealth_user_data_dir"`
	StealthWindowSize       string        `mapstructure:"stealth_window_size"        yaml:"stealth_window_size"`
}

// KVConfig selects and configures the scheduler-state KV store backend.
type KVConfig struct {
	Type             string `mapstructure:"type"              yaml:"type"` // memory, mongo
	MongoURI         string `mapstructure:"mongo_uri"         yaml:"mongo_uri"`
	MongoDatabase    string `mapstructure:"mongo_database"    yaml:"mongo_database"`
	MongoCollection  string `mapstructure:"mongo_collection"  yaml:"mongo_collection"`
}

// EngineConfig controls the core crawler engine.
type EngineConfig struct {
	Concurrency        int           `mapstructure:"concurrency"          yaml:"concurrency"`
	MaxDepth           int           `mapstructure:"max_depth"            yaml:"max_depth"`
	RequestTimeout     time.Duration `mapstructure:"request_timeout"      yaml:"request_timeout"`
	PolitenessDelay    time.Duration `mapstructure:"politeness_delay"     yaml:"politeness_delay"`
	RespectRobotsTxt   bool          `mapstructure:"respect_robots_txt"   yaml:"respect_robots_txt"`
	MaxRetries         int           `mapstructure:"max_retries"          yaml:"max_retries"`
	RetryDelay         time.Duration `mapstructure:"retry_delay"          yaml:"retry_delay"`
	CheckpointInterval time.Duration `mapstructure:"checkpoint_interval"  yaml:"checkpoint_interval"`
	UserAgents         []string      `mapstructure:"user_agents"          yaml:"user_agents"`
	AllowedDomains     []string      `mapstructure:"allowed_domains"      yaml:"allowed_domains"`
	DisallowedDomains  []string      `mapstructure:"disallowed_domains"   yaml:"disallowed_domains"`
	AllowedURLPatterns []string      `mapstructure:"allowed_url_patterns" yaml:"allowed_url_patterns"`
	MaxRequests        int           `mapstructure:"max_requests"         yaml:"max_requests"`
	MaxItems           int           `mapstructure:"max_items"            yaml:"max_items"`
}

// FetcherConfig controls the request fetcher.
type FetcherConfig struct {
	Type            string        `mapstructure:"type"              yaml:"type"`
	FollowRedirects bool          `mapstructure:"follow_redirects"  yaml:"follow_redirects"`
	MaxRedirects    int           `mapstructure:"max_redirects"     yaml:"max_redirects"`
	MaxBodySize     int64         `mapstructure:"max_body_size"     yaml:"max_body_size"`
	TLSInsecure     bool          `mapstructure:"tls_insecure"      yaml:"tls_insecure"`
	IdleConnTimeout time.Duration `mapstructure:"idle_conn_timeout" yaml:"idle_conn_timeout"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"    yaml:"max_idle_conns"`
}

// ProxyConfig controls proxy rotation.
type ProxyConfig struct {
	Enabled      bool     `mapstructure:"enabled"       yaml:"enabled"`
	Rotation     string   `mapstructure:"rotation"      yaml:"rotation"`
	URLs         []string `mapstructure:"urls"           yaml:"urls"`
	HealthCheck  bool     `mapstructure:"health_check"   yaml:"health_check"`
	RotateOnFail bool     `mapstructure:"rotate_on_fail" yaml:"rotate_on_fail"`
}

// ParserConfig holds the CSS extraction rules the example CLI handler
// applies to each response's goquery document. Actual field extraction is
// the handler's job, not the framework's — this is just the data a handler
// chooses to read.
type ParserConfig struct {
	Rules []ParseRule `mapstructure:"rules" yaml:"rules"`
}

// ParseRule names one field to extract via a CSS selector, and optionally
// which attribute to read instead of the element's text content.
type ParseRule struct {
	Name      string `mapstructure:"name"      yaml:"name"`
	Selector  string `mapstructure:"selector"  yaml:"selector"`
	Attribute string `mapstructure:"attribute" yaml:"attribute"`
}

// PipelineConfig lists the item-cleanup middlewares to run before the
// built-in trim/checksum/dedup chain (pipeline.NewFromConfig builds each
// entry; see its Type switch for the supported values).
type PipelineConfig struct {
	Middlewares []MiddlewareConfig `mapstructure:"middlewares" yaml:"middlewares"`
}

// MiddlewareConfig defines a single pipeline middleware. Type selects the
// constructor (e.g. "html_sanitize", "date_normalize", "pii_redact");
// Options supplies its arguments and is constructor-specific.
type MiddlewareConfig struct {
	Name    string         `mapstructure:"name"    yaml:"name"`
	Type    string         `mapstructure:"type"    yaml:"type"`
	Options map[string]any `mapstructure:"options" yaml:"options"`
}

// StorageConfig controls output/storage.
type StorageConfig struct {
	Type       string `mapstructure:"type"        yaml:"type"`
	OutputPath string `mapstructure:"output_path" yaml:"output_path"`
	BatchSize  int    `mapstructure:"batch_size"  yaml:"batch_size"`
}

// AIConfig controls LLM integration.
type AIConfig struct {
	Enabled  bool   `mapstructure:"enabled"   yaml:"enabled"`
	Provider string `mapstructure:"provider"  yaml:"provider"`
	Model    string `mapstructure:"model"     yaml:"model"`
	Endpoint string `mapstructure:"endpoint"  yaml:"endpoint"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level  string `mapstructure:"level"  yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
	Output string `mapstructure:"output" yaml:"output"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Port    int    `mapstructure:"port"    yaml:"port"`
	Path    string `mapstructure:"path"    yaml:"path"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Crawler: CrawlerConfig{
			MaxRequestRetries:        3,
			MaxRequestsPerCrawl:      0,
			HandleRequestTimeout:     60 * time.Second,
			UseSessionPool:           true,
			PersistCookiesPerSession: true,
			PersistStateKeyPrefix:    "webstalk",
			StatsLoggingInterval:     60 * time.Second,
			ConsistencyRecheckDelay:  3 * time.Second,
		},
		Session: SessionConfig{
			MaxPoolSize:         1000,
			SessionMaxAgeSecs:   3000,
			MaxUsageCount:       50,
			MaxErrorScore:       3,
			ErrorScoreDecrement: 0.5,
		},
		Autoscale: AutoscaleConfig{
			MinConcurrency:          1,
			MaxConcurrency:          200,
			DesiredConcurrencyRatio: 0.95,
			ScaleUpStepRatio:        0.05,
			ScaleDownStepRatio:      0.05,
			MaybeRunInterval:        500 * time.Millisecond,
			LoggingInterval:         60 * time.Second,
			TaskTimeout:             5 * time.Minute,
		},
		Browser: BrowserConfig{
			Enabled:                 false,
			MaxOpenPagesPerBrowser:  20,
			RetireBrowserAfterPages: 200,
			KillBrowserAfterAge:     10 * time.Minute,
			BrowserKillerInterval:   30 * time.Second,
			GotoTimeout:             30 * time.Second,
			NavigationTimeout:       30 * time.Second,
		},
		KV: KVConfig{
			Type:            "memory",
			MongoDatabase:   "webstalk",
			MongoCollection: "scheduler_state",
		},
		Engine: EngineConfig{
			Concurrency:        10,
			MaxDepth:           5,
			RequestTimeout:     30 * time.Second,
			PolitenessDelay:    1 * time.Second,
			RespectRobotsTxt:   true,
			MaxRetries:         3,
			RetryDelay:         2 * time.Second,
			CheckpointInterval: 60 * time.Second,
			UserAgents: []string{
				"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
				"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
			},
		},
		Fetcher: FetcherConfig{
			Type:            "http",
			FollowRedirects: true,
			MaxRedirects:    10,
			MaxBodySize:     10 * 1024 * 1024, // 10MB
			IdleConnTimeout: 90 * time.Second,
			MaxIdleConns:    100,
		},
		Proxy: ProxyConfig{
			Enabled:      false,
			Rotation:     "round_robin",
			HealthCheck:  true,
			RotateOnFail: true,
		},
		Parser: ParserConfig{},
		Storage: StorageConfig{
			Type:       "json",
			OutputPath: "./output",
			BatchSize:  100,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Port:    9090,
			Path:    "/metrics",
		},
	}
}
