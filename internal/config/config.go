// Package config loads the whalewatch YAML configuration, fills defaults and
// applies environment overrides for deployment-specific secrets.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full recognized configuration surface.
type Config struct {
	Exchange  ExchangeConfig  `yaml:"exchange"`
	Symbol    SymbolConfig    `yaml:"symbol"`
	Collector CollectorConfig `yaml:"collectors"`
	Bus       BusConfig       `yaml:"bus"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Scoring   ScoringConfig   `yaml:"scoring"`
	Signals   SignalConfig    `yaml:"signals"`
	Whale     WhaleConfig     `yaml:"whale"`
	Retention RetentionConfig `yaml:"retention"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Backfill  BackfillConfig  `yaml:"backfill"`
	Providers ProvidersConfig `yaml:"providers"`
	HTTP      HTTPConfig      `yaml:"http"`
	LogLevel  string          `yaml:"log_level"`
}

// ExchangeConfig holds upstream connection settings.
type ExchangeConfig struct {
	HTTPURL              string        `yaml:"http_url"`
	WSURL                string        `yaml:"ws_url"`
	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval"`
	ReconnectBaseDelay   time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay    time.Duration `yaml:"reconnect_max_delay"`
	ReconnectMaxAttempts int           `yaml:"reconnect_max_attempts"`
	RequestTimeout       time.Duration `yaml:"request_timeout"`
	RequestsPerSecond    float64       `yaml:"requests_per_second"`
	MaxRetries           int           `yaml:"max_retries"`
}

// SymbolConfig is the universal symbol filter. Only TargetSymbol is persisted
// to per-symbol collections.
type SymbolConfig struct {
	TargetSymbol string `yaml:"target_symbol"`
}

// CollectorConfig tunes the per-stream collectors.
type CollectorConfig struct {
	CandleIntervals       []string      `yaml:"candle_intervals"`
	OrderbookPriceChange  float64       `yaml:"orderbook_price_change_pct"`
	OrderbookMaxSaveEvery time.Duration `yaml:"orderbook_max_save_interval"`
	OrderbookDepth        int           `yaml:"orderbook_depth"`
	TradeMinValueUSD      float64       `yaml:"trade_min_value_usd"`
	BufferFlushInterval   time.Duration `yaml:"buffer_flush_interval"`
	BufferMaxSize         int           `yaml:"buffer_max_size"`
}

// BusConfig tunes the event bus.
type BusConfig struct {
	QueueSize    int           `yaml:"queue_size"`
	PublishWait  time.Duration `yaml:"publish_wait"`
	DrainTimeout time.Duration `yaml:"drain_timeout"`
}

// DatabaseConfig holds Postgres settings. URL may be overridden by
// WHALEWATCH_DATABASE_URL.
type DatabaseConfig struct {
	URL          string        `yaml:"url"`
	MaxPoolSize  int           `yaml:"max_pool_size"`
	QueryTimeout time.Duration `yaml:"query_timeout"`
}

// RedisConfig holds cache settings. Addr may be overridden by
// WHALEWATCH_REDIS_ADDR; empty means in-memory cache.
type RedisConfig struct {
	Addr string `yaml:"addr"`
}

// JobConfig configures one scheduled job.
type JobConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

// SchedulerConfig holds per-job schedules and global scheduler behavior.
type SchedulerConfig struct {
	MisfireGrace  time.Duration        `yaml:"misfire_grace"`
	ShutdownGrace time.Duration        `yaml:"shutdown_grace"`
	Jobs          map[string]JobConfig `yaml:"jobs"`
}

// ScoringConfig holds the trader scoring filter thresholds.
type ScoringConfig struct {
	MinScore        float64 `yaml:"min_score"`
	MinAccountValue float64 `yaml:"min_account_value"`
	MaxTrackedCount int     `yaml:"max_tracked_count"`
}

// SignalConfig tunes the signal aggregation processor.
type SignalConfig struct {
	BuyThreshold     float64       `yaml:"buy_threshold"`
	EmitBiasDelta    float64       `yaml:"emit_bias_delta"`
	PositionTTL      time.Duration `yaml:"position_ttl"`
	MaxTrackedStates int           `yaml:"max_tracked_states"`
	PriceMaxAge      time.Duration `yaml:"price_max_age"`
}

// WhaleConfig tunes the whale alert processor.
type WhaleConfig struct {
	AlertTTL    time.Duration `yaml:"alert_ttl"`
	DedupWindow time.Duration `yaml:"dedup_window"`
}

// RetentionConfig is per-collection retention in days.
type RetentionConfig struct {
	Days map[string]int `yaml:"days"`
}

// ArchiveConfig tunes the archival subsystem. The sweep cadence is the
// archive_collections job interval.
type ArchiveConfig struct {
	BasePath         string        `yaml:"base_path"`
	BatchSize        int           `yaml:"batch_size"`
	MaxArchiveAge    time.Duration `yaml:"max_archive_age"`
	CompressionLevel int           `yaml:"compression_level"`
}

// BackfillConfig tunes historical candle backfill.
type BackfillConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Timeframes     []string      `yaml:"timeframes"`
	BatchSize      int           `yaml:"batch_size"`
	RateLimitDelay time.Duration `yaml:"rate_limit_delay"`
	Incremental    bool          `yaml:"incremental"`
	Start          time.Time     `yaml:"start"`
}

// ProviderConfig configures one aux HTTP provider. All enabled providers
// run under the fetch_providers job.
type ProviderConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
}

// ProvidersConfig holds all aux providers.
type ProvidersConfig struct {
	FearGreed  ProviderConfig `yaml:"fear_greed"`
	CBBI       ProviderConfig `yaml:"cbbi"`
	Blockchain ProviderConfig `yaml:"blockchain"`
}

// HTTPConfig configures the health/metrics probe server.
type HTTPConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// Default returns the baked-in configuration.
func Default() *Config {
	return &Config{
		Exchange: ExchangeConfig{
			HTTPURL:              "https://api.hyperliquid.xyz/info",
			WSURL:                "wss://api.hyperliquid.xyz/ws",
			HeartbeatInterval:    30 * time.Second,
			ReconnectBaseDelay:   time.Second,
			ReconnectMaxDelay:    30 * time.Second,
			ReconnectMaxAttempts: 10,
			RequestTimeout:       30 * time.Second,
			RequestsPerSecond:    10,
			MaxRetries:           3,
		},
		Symbol: SymbolConfig{TargetSymbol: "BTC"},
		Collector: CollectorConfig{
			CandleIntervals:       []string{"1m", "5m", "15m", "1h", "4h", "1d"},
			OrderbookPriceChange:  0.01,
			OrderbookMaxSaveEvery: 600 * time.Second,
			OrderbookDepth:        50,
			TradeMinValueUSD:      1000,
			BufferFlushInterval:   5 * time.Second,
			BufferMaxSize:         100,
		},
		Bus: BusConfig{
			QueueSize:    4096,
			PublishWait:  50 * time.Millisecond,
			DrainTimeout: 5 * time.Second,
		},
		Database: DatabaseConfig{
			MaxPoolSize:  10,
			QueryTimeout: 10 * time.Second,
		},
		Scheduler: SchedulerConfig{
			MisfireGrace:  60 * time.Second,
			ShutdownGrace: 30 * time.Second,
			Jobs: map[string]JobConfig{
				"update_ticker":       {Enabled: true, Interval: 60 * time.Second},
				"collect_funding":     {Enabled: true, Interval: 8 * time.Hour},
				"collect_daily_stats": {Enabled: true, Interval: 24 * time.Hour},
				"fetch_leaderboard":   {Enabled: true, Interval: time.Hour},
				"archive_collections": {Enabled: true, Interval: 24 * time.Hour},
				"fetch_providers":     {Enabled: true, Interval: time.Hour},
				"collect_candles":     {Enabled: true, Interval: 5 * time.Minute},
				"collect_trades":      {Enabled: true, Interval: 5 * time.Minute},
				"collect_orderbook":   {Enabled: true, Interval: time.Minute},
			},
		},
		Scoring: ScoringConfig{
			MinScore:        50,
			MinAccountValue: 10000,
			MaxTrackedCount: 500,
		},
		Signals: SignalConfig{
			BuyThreshold:     0.2,
			EmitBiasDelta:    0.1,
			PositionTTL:      24 * time.Hour,
			MaxTrackedStates: 10000,
			PriceMaxAge:      5 * time.Minute,
		},
		Whale: WhaleConfig{
			AlertTTL:    time.Hour,
			DedupWindow: 60 * time.Second,
		},
		Retention: RetentionConfig{
			Days: map[string]int{
				"events":              7,
				"leaderboard_history": 90,
				"trader_positions":    30,
				"trader_scores":       90,
				"signals":             30,
				"trader_signals":      30,
				"mark_prices":         30,
				"trades":              7,
				"orderbook":           7,
				"candles":             30,
			},
		},
		Archive: ArchiveConfig{
			BasePath:         "./archive",
			BatchSize:        10000,
			MaxArchiveAge:    365 * 24 * time.Hour,
			CompressionLevel: 3,
		},
		Backfill: BackfillConfig{
			Enabled:        true,
			Timeframes:     []string{"1m", "5m", "15m", "1h", "4h", "1d"},
			BatchSize:      500,
			RateLimitDelay: 500 * time.Millisecond,
			Incremental:    true,
		},
		Providers: ProvidersConfig{
			FearGreed:  ProviderConfig{Enabled: true, URL: "https://api.alternative.me/fng/?limit=1"},
			CBBI:       ProviderConfig{Enabled: true, URL: "https://colintalkscrypto.com/cbbi/data/latest.json"},
			Blockchain: ProviderConfig{Enabled: true, URL: "https://api.blockchain.info/stats"},
		},
		HTTP:     HTTPConfig{ListenAddr: ":8090"},
		LogLevel: "info",
	}
}

// Load reads a YAML file over the defaults and applies env overrides. A
// missing path returns defaults with env overrides only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("WHALEWATCH_DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("WHALEWATCH_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("WHALEWATCH_TARGET_SYMBOL"); v != "" {
		cfg.Symbol.TargetSymbol = v
	}
	if v := os.Getenv("WHALEWATCH_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.Symbol.TargetSymbol == "" {
		return fmt.Errorf("target_symbol must be set")
	}
	if c.Exchange.HTTPURL == "" || c.Exchange.WSURL == "" {
		return fmt.Errorf("exchange http_url and ws_url must be set")
	}
	if c.Collector.OrderbookPriceChange <= 0 {
		return fmt.Errorf("orderbook_price_change_pct must be positive")
	}
	if c.Collector.BufferMaxSize <= 0 {
		return fmt.Errorf("buffer_max_size must be positive")
	}
	for name, job := range c.Scheduler.Jobs {
		if job.Enabled && job.Interval <= 0 {
			return fmt.Errorf("job %s enabled with non-positive interval", name)
		}
	}
	return nil
}
