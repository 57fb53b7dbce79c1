package config

import (
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var validate = validator.New()

// Config is the full pipeline configuration. Every field carries a
// documented default; YAML and environment variables override construction
// values, and the ops API can override per-component sections at runtime.
type Config struct {
	Environment string `yaml:"environment" default:"dev"`

	Logging struct {
		Level  string `yaml:"level" default:"info"`
		Format string `yaml:"format" default:"console" validate:"oneof=console json"`
		Output string `yaml:"output" default:"stdout"`
	} `yaml:"logging"`

	Server struct {
		Port            int           `yaml:"port" default:"8080" validate:"gt=0"`
		ReadTimeout     time.Duration `yaml:"read_timeout" default:"10s"`
		WriteTimeout    time.Duration `yaml:"write_timeout" default:"10s"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout" default:"10s"`
	} `yaml:"server"`

	Bus struct {
		Backend    string `yaml:"backend" default:"memory" validate:"oneof=memory redis"`
		BufferSize int    `yaml:"buffer_size" default:"1024" validate:"gt=0"`
		KeyPrefix  string `yaml:"key_prefix" default:"siggate:bus"`
	} `yaml:"bus"`

	Redis struct {
		Addr     string `yaml:"addr" default:"localhost:6379"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`

	Gate     GateConfig     `yaml:"gate"`
	Router   RouterConfig   `yaml:"router"`
	Throttle ThrottleConfig `yaml:"throttle"`
	Guard    GuardConfig    `yaml:"guard"`

	Kafka struct {
		Enabled bool           `yaml:"enabled"`
		Brokers []string       `yaml:"brokers"`
		GroupID string         `yaml:"group_id" default:"siggate"`
		Ingress []TopicMapping `yaml:"ingress"`
		Egress  struct {
			Enabled bool     `yaml:"enabled"`
			Topics  []string `yaml:"topics"`
			Prefix  string   `yaml:"prefix" default:"siggate."`
		} `yaml:"egress"`
		Workers    int `yaml:"workers" default:"4" validate:"gt=0"`
		BufferSize int `yaml:"buffer_size" default:"256" validate:"gt=0"`
	} `yaml:"kafka"`

	Feed struct {
		Enabled        bool          `yaml:"enabled"`
		URL            string        `yaml:"url"`
		APIKey         string        `yaml:"api_key"`
		Symbols        []string      `yaml:"symbols"`
		Source         string        `yaml:"source" default:"marketfeed"`
		ReconnectDelay time.Duration `yaml:"reconnect_delay" default:"3s"`
		PingInterval   time.Duration `yaml:"ping_interval" default:"15s"`
		MaxRPS         int           `yaml:"max_rps" default:"50" validate:"gt=0"`
	} `yaml:"feed"`

	Audit struct {
		Enabled       bool          `yaml:"enabled"`
		Host          string        `yaml:"host" default:"localhost"`
		Port          int           `yaml:"port" default:"9000"`
		Database      string        `yaml:"database" default:"siggate"`
		User          string        `yaml:"user" default:"default"`
		Password      string        `yaml:"password"`
		Table         string        `yaml:"table" default:"pipeline_outcomes"`
		BatchSize     int           `yaml:"batch_size" default:"200" validate:"gt=0"`
		FlushInterval time.Duration `yaml:"flush_interval" default:"5s"`
	} `yaml:"audit"`
}

// TopicMapping routes an external Kafka topic onto a bus topic.
type TopicMapping struct {
	KafkaTopic string `yaml:"kafka_topic" validate:"required"`
	BusTopic   string `yaml:"bus_topic" validate:"required"`
}

// GateConfig controls the quality gate stages.
type GateConfig struct {
	DedupWindow       time.Duration            `yaml:"dedup_window" default:"1500ms" validate:"gt=0"`
	MaxClockSkew      time.Duration            `yaml:"max_clock_skew" default:"2s" validate:"gt=0"`
	FreshnessBudgets  map[string]time.Duration `yaml:"freshness_budgets"`
	OpenBarPolicy     string                   `yaml:"open_bar_policy" default:"penalize" validate:"oneof=penalize defer block"`
	IlliquidPolicy    string                   `yaml:"illiquid_policy" default:"reject" validate:"oneof=reject penalize"`
	IlliquidSpreadBps float64                  `yaml:"illiquid_spread_bps" default:"35"`
	HighVolThreshold  float64                  `yaml:"high_vol_threshold" default:"0.8" validate:"gt=0,lte=1"`
	ContextTTL        time.Duration            `yaml:"context_ttl" default:"5s" validate:"gt=0"`
	DeferInterval     time.Duration            `yaml:"defer_interval" default:"500ms" validate:"gt=0"`
	DeferMaxAttempts  int                      `yaml:"defer_max_attempts" default:"4" validate:"gt=0"`
	ZScoreBound       float64                  `yaml:"z_score_bound" default:"3.5" validate:"gt=0"`
	BaselineWindow    int                      `yaml:"baseline_window" default:"200" validate:"gt=1"`
	MaxInstruments    int                      `yaml:"max_instruments" default:"500" validate:"gt=0"`
	Weights           GateWeights              `yaml:"weights"`
	TierMinScores     map[string]float64       `yaml:"tier_min_scores"`
	SourceTiers       map[string]string        `yaml:"source_tiers"`
	MetricsInterval   time.Duration            `yaml:"metrics_interval" default:"30s" validate:"gt=0"`
}

// GateWeights are the quality-score components; they must sum to 1.
type GateWeights struct {
	Validity      float64 `yaml:"validity" default:"0.15"`
	Freshness     float64 `yaml:"freshness" default:"0.2"`
	BarClose      float64 `yaml:"bar_close" default:"0.1"`
	RegimeFit     float64 `yaml:"regime_fit" default:"0.2"`
	SourceTrust   float64 `yaml:"source_trust" default:"0.15"`
	AnomalySafety float64 `yaml:"anomaly_safety" default:"0.2"`
}

// Sum returns the total of all score weights.
func (w GateWeights) Sum() float64 {
	return w.Validity + w.Freshness + w.BarClose + w.RegimeFit + w.SourceTrust + w.AnomalySafety
}

// RouterConfig controls decision windows and arbitration scoring.
type RouterConfig struct {
	WindowDuration    time.Duration `yaml:"window_duration" default:"1500ms" validate:"gt=0"`
	MinConfidence     float64       `yaml:"min_confidence" default:"0.62" validate:"gte=0,lte=1"`
	TieBreak          string        `yaml:"tie_break" default:"highest_confidence" validate:"oneof=highest_confidence most_recent"`
	TrendWeight       float64       `yaml:"trend_weight" default:"0.45"`
	RiskRewardWeight  float64       `yaml:"risk_reward_weight" default:"0.35"`
	FlowWeight        float64       `yaml:"flow_weight" default:"0.2"`
	VolExtremePenalty float64       `yaml:"vol_extreme_penalty" default:"0.08"`
	FormationBonus    float64       `yaml:"formation_bonus" default:"0.05"`
	PsyPenaltyMax     float64       `yaml:"psy_penalty_max" default:"0.1"`
	StalenessPenalty  float64       `yaml:"staleness_penalty" default:"0.05"`
	OpenBarPenalty    float64       `yaml:"open_bar_penalty" default:"0.05"`
	AggressiveMin     float64       `yaml:"aggressive_min" default:"0.78" validate:"gte=0,lte=1"`
	ConservativeMax   float64       `yaml:"conservative_max" default:"0.66" validate:"gte=0,lte=1"`
	StabilityMin      float64       `yaml:"stability_min" default:"0.5" validate:"gte=0,lte=1"`
	SlowdownDelta     float64       `yaml:"slowdown_delta" default:"0.05" validate:"gte=0"`
	MetricsInterval   time.Duration `yaml:"metrics_interval" default:"30s" validate:"gt=0"`
}

// ThrottleRule is one scoped rate limit.
type ThrottleRule struct {
	ID       string        `yaml:"id" validate:"required"`
	Scope    string        `yaml:"scope" validate:"oneof=global instrument source variant timeframe"`
	Max      int           `yaml:"max" validate:"gt=0"`
	Window   time.Duration `yaml:"window" validate:"gt=0"`
	Cooldown time.Duration `yaml:"cooldown" validate:"gte=0"`
	Priority int           `yaml:"priority"`
}

// ThrottleConfig controls intent rate limiting.
type ThrottleConfig struct {
	Rules            []ThrottleRule `yaml:"rules" validate:"dive"`
	RetryInterval    time.Duration  `yaml:"retry_interval" default:"1s" validate:"gt=0"`
	MaxRetryAttempts int            `yaml:"max_retry_attempts" default:"5" validate:"gt=0"`
	MaxDeferAge      time.Duration  `yaml:"max_defer_age" default:"30s" validate:"gt=0"`
	BrakeThreshold   float64        `yaml:"brake_threshold" default:"60" validate:"gt=0"`
	BrakeWindow      time.Duration  `yaml:"brake_window" default:"1m" validate:"gt=0"`
	GCInterval       time.Duration  `yaml:"gc_interval" default:"30s" validate:"gt=0"`
	MetricsInterval  time.Duration  `yaml:"metrics_interval" default:"30s" validate:"gt=0"`
}

// GuardConfig controls the latency & slippage guard.
type GuardConfig struct {
	PlacementHalfLife  time.Duration      `yaml:"placement_half_life" default:"30s" validate:"gt=0"`
	FirstFillHalfLife  time.Duration      `yaml:"first_fill_half_life" default:"30s" validate:"gt=0"`
	SlippageHalfLife   time.Duration      `yaml:"slippage_half_life" default:"60s" validate:"gt=0"`
	SpreadHalfLife     time.Duration      `yaml:"spread_half_life" default:"20s" validate:"gt=0"`
	SlipPanicBps       float64            `yaml:"slip_panic_bps" default:"80" validate:"gt=0"`
	SlipWarnBps        map[string]float64 `yaml:"slip_warn_bps"`
	LatWarnMs          float64            `yaml:"lat_warn_ms" default:"800" validate:"gt=0"`
	SpreadWarnBps      float64            `yaml:"spread_warn_bps" default:"50" validate:"gt=0"`
	MinHold            time.Duration      `yaml:"min_hold" default:"10s" validate:"gt=0"`
	SlowdownTTL        time.Duration      `yaml:"slowdown_ttl" default:"30s" validate:"gt=0"`
	BlockAggressiveTTL time.Duration      `yaml:"block_aggressive_ttl" default:"1m" validate:"gt=0"`
	HaltEntryTTL       time.Duration      `yaml:"halt_entry_ttl" default:"2m" validate:"gt=0"`
	CancelOrdersTTL    time.Duration      `yaml:"cancel_orders_ttl" default:"2m" validate:"gt=0"`
	HeartbeatPanic     time.Duration      `yaml:"heartbeat_panic" default:"10s" validate:"gt=0"`
	HeartbeatCancel    time.Duration      `yaml:"heartbeat_cancel" default:"20s" validate:"gt=0"`
	PlanTTL            time.Duration      `yaml:"plan_ttl" default:"2m" validate:"gt=0"`
	MaxKeys            int                `yaml:"max_keys" default:"500" validate:"gt=0"`
	SweepInterval      time.Duration      `yaml:"sweep_interval" default:"1s" validate:"gt=0"`
	MetricsInterval    time.Duration      `yaml:"metrics_interval" default:"30s" validate:"gt=0"`
}

// Load reads, defaults, and validates a YAML configuration file.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := defaults.Set(&c); err != nil {
		return nil, fmt.Errorf("apply defaults: %w", err)
	}
	c.fillRuntimeDefaults()

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &c, nil
}

// Default returns the documented default configuration.
func Default() *Config {
	var c Config
	_ = defaults.Set(&c)
	c.fillRuntimeDefaults()
	return &c
}

// LoadWithEnv loads config from YAML and overrides with environment variables.
func LoadWithEnv(path string) (*Config, error) {
	c, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("SIGGATE_ENV"); v != "" {
		c.Environment = v
	}
	if v := os.Getenv("SIGGATE_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("SIGGATE_REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("FEED_API_KEY"); v != "" {
		c.Feed.APIKey = v
	}
	if v := os.Getenv("FEED_SYMBOLS"); v != "" {
		c.Feed.Symbols = strings.Split(v, ",")
	}
	if v := os.Getenv("CLICKHOUSE_PASSWORD"); v != "" {
		c.Audit.Password = v
	}

	return c, nil
}

// fillRuntimeDefaults populates map/slice fields creasty cannot default.
func (c *Config) fillRuntimeDefaults() {
	if len(c.Gate.FreshnessBudgets) == 0 {
		c.Gate.FreshnessBudgets = map[string]time.Duration{
			"1m":  15 * time.Second,
			"5m":  45 * time.Second,
			"15m": 90 * time.Second,
			"1h":  3 * time.Minute,
			"4h":  8 * time.Minute,
			"1d":  15 * time.Minute,
		}
	}
	if len(c.Gate.TierMinScores) == 0 {
		c.Gate.TierMinScores = map[string]float64{
			"core":         0.45,
			"experimental": 0.55,
			"external":     0.65,
		}
	}
	if len(c.Throttle.Rules) == 0 {
		c.Throttle.Rules = []ThrottleRule{
			{ID: "global", Scope: "global", Max: 10, Window: time.Minute, Cooldown: 30 * time.Second, Priority: 100},
			{ID: "per_instrument", Scope: "instrument", Max: 3, Window: 30 * time.Second, Cooldown: 20 * time.Second, Priority: 80},
			{ID: "per_source", Scope: "source", Max: 5, Window: time.Minute, Cooldown: 20 * time.Second, Priority: 60},
			{ID: "aggressive_variant", Scope: "variant", Max: 2, Window: time.Minute, Cooldown: 30 * time.Second, Priority: 40},
		}
	}
	if len(c.Guard.SlipWarnBps) == 0 {
		c.Guard.SlipWarnBps = map[string]float64{
			"aggressive":   25,
			"base":         35,
			"conservative": 50,
		}
	}
	if len(c.Kafka.Ingress) == 0 && c.Kafka.Enabled {
		c.Kafka.Ingress = []TopicMapping{
			{KafkaTopic: "signals.raw", BusTopic: "signal.envelope.raw"},
			{KafkaTopic: "orders.placement", BusTopic: "order.placement.result"},
			{KafkaTopic: "orders.updates", BusTopic: "order.update"},
		}
	}
}

// Validate checks structural tags plus cross-field invariants.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if err := ValidateGate(&c.Gate); err != nil {
		return err
	}
	if err := ValidateRouter(&c.Router); err != nil {
		return err
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers required when kafka.enabled")
	}
	if c.Feed.Enabled && c.Feed.URL == "" {
		return fmt.Errorf("feed.url required when feed.enabled")
	}
	return nil
}

// ValidateGate checks gate invariants; also used for runtime overrides.
func ValidateGate(g *GateConfig) error {
	if err := validate.Struct(g); err != nil {
		return err
	}
	if math.Abs(g.Weights.Sum()-1.0) > 1e-6 {
		return fmt.Errorf("gate.weights must sum to 1, got %.4f", g.Weights.Sum())
	}
	for tier, min := range g.TierMinScores {
		if min < 0 || min > 1 {
			return fmt.Errorf("gate.tier_min_scores[%s] out of [0,1]: %v", tier, min)
		}
	}
	return nil
}

// ValidateRouter checks router invariants; also used for runtime overrides.
func ValidateRouter(r *RouterConfig) error {
	if err := validate.Struct(r); err != nil {
		return err
	}
	if r.ConservativeMax > r.AggressiveMin {
		return fmt.Errorf("router.conservative_max must not exceed router.aggressive_min")
	}
	return nil
}

// ValidateThrottle checks throttle invariants; also used for runtime overrides.
func ValidateThrottle(t *ThrottleConfig) error {
	if err := validate.Struct(t); err != nil {
		return err
	}
	seen := map[string]bool{}
	for _, r := range t.Rules {
		if seen[r.ID] {
			return fmt.Errorf("duplicate throttle rule id %q", r.ID)
		}
		seen[r.ID] = true
	}
	return nil
}

// ValidateGuard checks guard invariants; also used for runtime overrides.
func ValidateGuard(g *GuardConfig) error {
	if err := validate.Struct(g); err != nil {
		return err
	}
	if g.HeartbeatCancel < g.HeartbeatPanic {
		return fmt.Errorf("guard.heartbeat_cancel must be >= guard.heartbeat_panic")
	}
	return nil
}
