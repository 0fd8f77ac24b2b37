package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	App     AppConfig     `mapstructure:"app"`
	Server  ServerConfig  `mapstructure:"server"`
	Log     LogConfig     `mapstructure:"log"`
	DB      DBConfig      `mapstructure:"db"`
	Catalog CatalogConfig `mapstructure:"catalog"`
	Stream  StreamConfig  `mapstructure:"stream"`

	Scan           ScanConfig           `mapstructure:"scan"`
	Detection      DetectionConfig      `mapstructure:"detection"`
	Microstructure MicrostructureConfig `mapstructure:"microstructure"`
	Anomaly        AnomalyConfig        `mapstructure:"anomaly"`
	FrontRun       FrontRunConfig       `mapstructure:"front_run"`
	Cluster        ClusterConfig        `mapstructure:"cluster"`
	Categories     CategoriesConfig     `mapstructure:"categories"`
	Opportunity    OpportunityConfig    `mapstructure:"opportunity"`
	Alerts         AlertsConfig         `mapstructure:"alerts"`
	Webhook        WebhookConfig        `mapstructure:"webhook"`
	Metrics        MetricsConfig        `mapstructure:"metrics"`
}

type AppConfig struct {
	Env string `mapstructure:"env"`
}

type ServerConfig struct {
	HTTPAddr string `mapstructure:"http_addr"`
}

type LogConfig struct {
	Level             string `mapstructure:"level"`
	Encoding          string `mapstructure:"encoding"`
	Development       bool   `mapstructure:"development"`
	Sampling          bool   `mapstructure:"sampling"`
	DisableCaller     bool   `mapstructure:"disable_caller"`
	DisableStacktrace bool   `mapstructure:"disable_stacktrace"`
}

type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	Timezone        string        `mapstructure:"timezone"`
}

type CatalogConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MinVolumeFloor float64       `mapstructure:"min_volume_floor"`
	MaxMarkets     int           `mapstructure:"max_markets"`
}

type StreamConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	URL             string        `mapstructure:"url"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
	MaxAssets       int           `mapstructure:"max_assets"`
	ChannelDepth    int           `mapstructure:"channel_depth"`
	ArchiveEvery    int           `mapstructure:"archive_every"`
}

type ScanConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	MinMarkets      int           `mapstructure:"min_markets"`
	SnapshotHistory int           `mapstructure:"snapshot_history"`
	QueueSize       int           `mapstructure:"queue_size"`
	StopGrace       time.Duration `mapstructure:"stop_grace"`
}

type DetectionConfig struct {
	VolumeSpikeMultiplier     float64       `mapstructure:"volume_spike_multiplier"`
	MinVolumeThreshold        float64       `mapstructure:"min_volume_threshold"`
	PriceMoveThresholdPct     float64       `mapstructure:"price_move_threshold_pct"`
	BaselineExpectedChangePct float64       `mapstructure:"baseline_expected_change_pct"`
	NewMarketVolumeThreshold  float64       `mapstructure:"new_market_volume_threshold"`
	ActivityThreshold         float64       `mapstructure:"activity_threshold"`
	SignalWindow              time.Duration `mapstructure:"signal_window"`
}

type MicrostructureConfig struct {
	Window              int           `mapstructure:"window"`
	MicroPriceDepth     int           `mapstructure:"micro_price_depth"`
	VacuumDepthDropPct  float64       `mapstructure:"vacuum_depth_drop_pct"`
	VacuumSpreadBandPct float64       `mapstructure:"vacuum_spread_band_pct"`
	DedupWindow         time.Duration `mapstructure:"dedup_window"`
}

type AnomalyConfig struct {
	ConsensusThreshold float64 `mapstructure:"consensus_threshold"`
}

type FrontRunConfig struct {
	EmitThreshold    float64       `mapstructure:"emit_threshold"`
	ValidationWindow time.Duration `mapstructure:"validation_window"`
	BaseTimeToNews   time.Duration `mapstructure:"base_time_to_news"`
}

type ClusterConfig struct {
	PriceMoveThresholdPct float64 `mapstructure:"price_move_threshold_pct"`
	CorrelationThreshold  float64 `mapstructure:"correlation_threshold"`
}

type CategoriesConfig struct {
	MinCategoryScore       int                `mapstructure:"min_category_score"`
	VolumeThresholds       map[string]float64 `mapstructure:"volume_thresholds"`
	DefaultVolumeThreshold float64            `mapstructure:"default_volume_threshold"`
}

type OpportunityConfig struct {
	Weights OpportunityWeights `mapstructure:"weights"`

	OptimalVolumeMultiplier     float64 `mapstructure:"optimal_volume_multiplier"`
	IlliquidityPenaltyThreshold float64 `mapstructure:"illiquidity_penalty_threshold"`
	EfficiencyPenaltyThreshold  float64 `mapstructure:"efficiency_penalty_threshold"`
	OptimalDaysToClose          float64 `mapstructure:"optimal_days_to_close"`
	MinDaysToClose              float64 `mapstructure:"min_days_to_close"`
	MaxDaysToClose              float64 `mapstructure:"max_days_to_close"`
	OptimalSpreadBps            float64 `mapstructure:"optimal_spread_bps"`
	MaxAgeDays                  float64 `mapstructure:"max_age_days"`

	ActiveTierMinScore    float64 `mapstructure:"active_tier_min_score"`
	WatchlistTierMinScore float64 `mapstructure:"watchlist_tier_min_score"`
}

type OpportunityWeights struct {
	Volume   float64 `mapstructure:"volume"`
	Edge     float64 `mapstructure:"edge"`
	Catalyst float64 `mapstructure:"catalyst"`
	Quality  float64 `mapstructure:"quality"`
}

func (w OpportunityWeights) Sum() float64 {
	return w.Volume + w.Edge + w.Catalyst + w.Quality
}

type AlertsConfig struct {
	Enabled bool `mapstructure:"enabled"`

	MinOpportunityScore float64 `mapstructure:"min_opportunity_score"`
	MinCategoryScore    int     `mapstructure:"min_category_score"`

	// Priority score thresholds; must strictly increase MEDIUM < HIGH < CRITICAL.
	MediumThreshold   float64 `mapstructure:"medium_threshold"`
	HighThreshold     float64 `mapstructure:"high_threshold"`
	CriticalThreshold float64 `mapstructure:"critical_threshold"`

	WatchlistBoost float64 `mapstructure:"watchlist_boost"`

	RateLimits RateLimits `mapstructure:"rate_limits"`
	Cooldowns  Cooldowns  `mapstructure:"cooldowns"`
}

type RateLimits struct {
	Critical int `mapstructure:"critical"`
	High     int `mapstructure:"high"`
	Medium   int `mapstructure:"medium"`
	Low      int `mapstructure:"low"`
}

type Cooldowns struct {
	Critical time.Duration `mapstructure:"critical"`
	High     time.Duration `mapstructure:"high"`
	Medium   time.Duration `mapstructure:"medium"`
	Low      time.Duration `mapstructure:"low"`
}

type WebhookConfig struct {
	URL            string        `mapstructure:"url"`
	MaxRetries     int           `mapstructure:"max_retries"`
	BaseDelay      time.Duration `mapstructure:"base_delay"`
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout"`
}

type MetricsConfig struct {
	CollectInterval time.Duration              `mapstructure:"collect_interval"`
	Thresholds      map[string]MetricThreshold `mapstructure:"thresholds"`
}

type MetricThreshold struct {
	Warn     float64 `mapstructure:"warn"`
	Critical float64 `mapstructure:"critical"`
	Inverted bool    `mapstructure:"inverted"`
}

// Load reads the config file (viper) with SENTINEL_* env overrides; envOnly
// skips the file entirely.
func Load(path string, envOnly bool) (Config, error) {
	return LoadWithOverrides(path, envOnly, nil)
}

// LoadWithOverrides is Load plus explicit dotted-key overrides applied on
// top of file and env values. Overrides win.
func LoadWithOverrides(path string, envOnly bool, overrides map[string]string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SENTINEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if !envOnly && path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	}
	for key, value := range overrides {
		v.Set(key, value)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Default is the balanced baseline every preset starts from.
func Default() Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.env", "prod")
	v.SetDefault("server.http_addr", ":8080")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "json")

	v.SetDefault("db.max_open_conns", 10)
	v.SetDefault("db.max_idle_conns", 5)
	v.SetDefault("db.conn_max_lifetime", time.Hour)
	v.SetDefault("db.conn_max_idle_time", 10*time.Minute)
	v.SetDefault("db.timezone", "UTC")

	v.SetDefault("catalog.base_url", "https://gamma-api.polymarket.com")
	v.SetDefault("catalog.timeout", 15*time.Second)
	v.SetDefault("catalog.min_volume_floor", 1000.0)
	v.SetDefault("catalog.max_markets", 500)

	v.SetDefault("stream.enabled", true)
	v.SetDefault("stream.url", "wss://ws-subscriptions-clob.polymarket.com/ws/market")
	v.SetDefault("stream.refresh_interval", time.Minute)
	v.SetDefault("stream.max_assets", 200)
	v.SetDefault("stream.channel_depth", 1000)
	v.SetDefault("stream.archive_every", 50)

	v.SetDefault("scan.interval", 30*time.Second)
	v.SetDefault("scan.min_markets", 2)
	v.SetDefault("scan.snapshot_history", 20)
	v.SetDefault("scan.queue_size", 256)
	v.SetDefault("scan.stop_grace", 5*time.Second)

	v.SetDefault("detection.volume_spike_multiplier", 3.0)
	v.SetDefault("detection.min_volume_threshold", 5000.0)
	v.SetDefault("detection.price_move_threshold_pct", 10.0)
	v.SetDefault("detection.baseline_expected_change_pct", 5.0)
	v.SetDefault("detection.new_market_volume_threshold", 10000.0)
	v.SetDefault("detection.activity_threshold", 75.0)
	v.SetDefault("detection.signal_window", 30*time.Minute)

	v.SetDefault("microstructure.window", 720)
	v.SetDefault("microstructure.micro_price_depth", 3)
	v.SetDefault("microstructure.vacuum_depth_drop_pct", 40.0)
	v.SetDefault("microstructure.vacuum_spread_band_pct", 10.0)
	v.SetDefault("microstructure.dedup_window", 15*time.Minute)

	v.SetDefault("anomaly.consensus_threshold", 0.6)

	v.SetDefault("front_run.emit_threshold", 0.5)
	v.SetDefault("front_run.validation_window", 2*time.Hour)
	v.SetDefault("front_run.base_time_to_news", 5*time.Minute)

	v.SetDefault("cluster.price_move_threshold_pct", 2.0)
	v.SetDefault("cluster.correlation_threshold", 0.5)

	v.SetDefault("categories.min_category_score", 1)
	v.SetDefault("categories.default_volume_threshold", 10000.0)
	v.SetDefault("categories.volume_thresholds", map[string]float64{
		"politics":      25000,
		"geopolitics":   20000,
		"economics":     15000,
		"company":       10000,
		"science":       8000,
		"sports":        50000,
		"entertainment": 15000,
	})

	v.SetDefault("opportunity.weights.volume", 0.30)
	v.SetDefault("opportunity.weights.edge", 0.25)
	v.SetDefault("opportunity.weights.catalyst", 0.25)
	v.SetDefault("opportunity.weights.quality", 0.20)
	v.SetDefault("opportunity.optimal_volume_multiplier", 5.0)
	v.SetDefault("opportunity.illiquidity_penalty_threshold", 1.5)
	v.SetDefault("opportunity.efficiency_penalty_threshold", 50.0)
	v.SetDefault("opportunity.optimal_days_to_close", 14.0)
	v.SetDefault("opportunity.min_days_to_close", 1.0)
	v.SetDefault("opportunity.max_days_to_close", 180.0)
	v.SetDefault("opportunity.optimal_spread_bps", 200.0)
	v.SetDefault("opportunity.max_age_days", 90.0)
	v.SetDefault("opportunity.active_tier_min_score", 60.0)
	v.SetDefault("opportunity.watchlist_tier_min_score", 35.0)

	v.SetDefault("alerts.enabled", true)
	v.SetDefault("alerts.min_opportunity_score", 30.0)
	v.SetDefault("alerts.min_category_score", 1)
	v.SetDefault("alerts.medium_threshold", 40.0)
	v.SetDefault("alerts.high_threshold", 60.0)
	v.SetDefault("alerts.critical_threshold", 80.0)
	v.SetDefault("alerts.watchlist_boost", 5.0)
	v.SetDefault("alerts.rate_limits.critical", 10)
	v.SetDefault("alerts.rate_limits.high", 20)
	v.SetDefault("alerts.rate_limits.medium", 30)
	v.SetDefault("alerts.rate_limits.low", 60)
	v.SetDefault("alerts.cooldowns.critical", 30*time.Minute)
	v.SetDefault("alerts.cooldowns.high", time.Hour)
	v.SetDefault("alerts.cooldowns.medium", 2*time.Hour)
	v.SetDefault("alerts.cooldowns.low", 4*time.Hour)

	v.SetDefault("webhook.max_retries", 3)
	v.SetDefault("webhook.base_delay", time.Second)
	v.SetDefault("webhook.attempt_timeout", 10*time.Second)

	v.SetDefault("metrics.collect_interval", 15*time.Second)
}
