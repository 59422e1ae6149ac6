package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Load reads configuration from defaults, an optional config file, and the
// environment. Priority (highest to lowest): env vars > config file >
// defaults. CLI flags are not read here; cmd/webstalk applies them to the
// returned Config.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigType("yaml")

	// Set defaults from struct
	setDefaults(v, cfg)

	// Environment variable support
	v.SetEnvPrefix("SCRAPEGOAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Load config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Search default locations
		v.SetConfigName("scrapegoat")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		home, err := os.UserHomeDir()
		if err == nil {
			v.AddConfigPath(filepath.Join(home, ".scrapegoat"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && configPath != "" {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found is okay if not explicitly specified
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

// LoadFromFile reads configuration from a specific file path.
func LoadFromFile(path string) (*Config, error) {
	return Load(path)
}

// setDefaults registers default values in viper.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("engine.concurrency", cfg.Engine.Concurrency)
	v.SetDefault("engine.max_depth", cfg.Engine.MaxDepth)
	v.SetDefault("engine.request_timeout", cfg.Engine.RequestTimeout)
	v.SetDefault("engine.politeness_delay", cfg.Engine.PolitenessDelay)
	v.SetDefault("engine.respect_robots_txt", cfg.Engine.RespectRobotsTxt)
	v.SetDefault("engine.max_retries", cfg.Engine.MaxRetries)
	v.SetDefault("engine.retry_delay", cfg.Engine.RetryDelay)
	v.SetDefault("engine.checkpoint_interval", cfg.Engine.CheckpointInterval)
	v.SetDefault("engine.user_agents", cfg.Engine.UserAgents)

	v.SetDefault("crawler.max_request_retries", cfg.Crawler.MaxRequestRetries)
	v.SetDefault("crawler.max_requests_per_crawl", cfg.Crawler.MaxRequestsPerCrawl)
	v.SetDefault("crawler.handle_request_timeout", cfg.Crawler.HandleRequestTimeout)
	v.SetDefault("crawler.use_session_pool", cfg.Crawler.UseSessionPool)
	v.SetDefault("crawler.persist_cookies_per_session", cfg.Crawler.PersistCookiesPerSession)
	v.SetDefault("crawler.persist_state_key_prefix", cfg.Crawler.PersistStateKeyPrefix)
	v.SetDefault("crawler.stats_logging_interval", cfg.Crawler.StatsLoggingInterval)
	v.SetDefault("crawler.consistency_recheck_delay", cfg.Crawler.ConsistencyRecheckDelay)

	v.SetDefault("session.max_pool_size", cfg.Session.MaxPoolSize)
	v.SetDefault("session.session_max_age_secs", cfg.Session.SessionMaxAgeSecs)
	v.SetDefault("session.max_usage_count", cfg.Session.MaxUsageCount)
	v.SetDefault("session.max_error_score", cfg.Session.MaxErrorScore)
	v.SetDefault("session.error_score_decrement", cfg.Session.ErrorScoreDecrement)

	v.SetDefault("autoscale.min_concurrency", cfg.Autoscale.MinConcurrency)
	v.SetDefault("autoscale.max_concurrency", cfg.Autoscale.MaxConcurrency)
	v.SetDefault("autoscale.desired_concurrency_ratio", cfg.Autoscale.DesiredConcurrencyRatio)
	v.SetDefault("autoscale.scale_up_step_ratio", cfg.Autoscale.ScaleUpStepRatio)
	v.SetDefault("autoscale.scale_down_step_ratio", cfg.Autoscale.ScaleDownStepRatio)
	v.SetDefault("autoscale.maybe_run_interval", cfg.Autoscale.MaybeRunInterval)
	v.SetDefault("autoscale.logging_interval", cfg.Autoscale.LoggingInterval)
	v.SetDefault("autoscale.task_timeout", cfg.Autoscale.TaskTimeout)

	v.SetDefault("browser.enabled", cfg.Browser.Enabled)
	v.SetDefault("browser.max_open_pages_per_browser", cfg.Browser.MaxOpenPagesPerBrowser)
	v.SetDefault("browser.retire_browser_after_pages", cfg.Browser.RetireBrowserAfterPages)
	v.SetDefault("browser.kill_browser_after_age", cfg.Browser.KillBrowserAfterAge)
	v.SetDefault("browser.browser_killer_interval", cfg.Browser.BrowserKillerInterval)
	v.SetDefault("browser.goto_timeout", cfg.Browser.GotoTimeout)
	v.SetDefault("browser.navigation_timeout", cfg.Browser.NavigationTimeout)

	v.SetDefault("kv.type", cfg.KV.Type)
	v.SetDefault("kv.mongo_database", cfg.KV.MongoDatabase)
	v.SetDefault("kv.mongo_collection", cfg.KV.MongoCollection)

	v.SetDefault("fetcher.type", cfg.Fetcher.Type)
	v.SetDefault("fetcher.follow_redirects", cfg.Fetcher.FollowRedirects)
	v.SetDefault("fetcher.max_redirects", cfg.Fetcher.MaxRedirects)
	v.SetDefault("fetcher.max_body_size", cfg.Fetcher.MaxBodySize)
	v.SetDefault("fetcher.idle_conn_timeout", cfg.Fetcher.IdleConnTimeout)
	v.SetDefault("fetcher.max_idle_conns", cfg.Fetcher.MaxIdleConns)

	v.SetDefault("proxy.enabled", cfg.Proxy.Enabled)
	v.SetDefault("proxy.rotation", cfg.Proxy.Rotation)
	v.SetDefault("proxy.health_check", cfg.Proxy.HealthCheck)
	v.SetDefault("proxy.rotate_on_fail", cfg.Proxy.RotateOnFail)

	v.SetDefault("storage.type", cfg.Storage.Type)
	v.SetDefault("storage.output_path", cfg.Storage.OutputPath)
	v.SetDefault("storage.batch_size", cfg.Storage.BatchSize)

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.format", cfg.Logging.Format)
	v.SetDefault("logging.output", cfg.Logging.Output)

	v.SetDefault("metrics.enabled", cfg.Metrics.Enabled)
	v.SetDefault("metrics.port", cfg.Metrics.Port)
	v.SetDefault("metrics.path", cfg.Metrics.Path)
}
