package config

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/mail-triage/internal/cost"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Inference  InferenceConfig  `yaml:"inference" mapstructure:"inference"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Modes      ModesConfig      `yaml:"modes" mapstructure:"modes"`
	Router     RouterConfig     `yaml:"router" mapstructure:"router"`
	Chain      ChainConfig      `yaml:"chain" mapstructure:"chain"`
	Batch      BatchConfig      `yaml:"batch" mapstructure:"batch"`
	Cache      CacheConfig      `yaml:"cache" mapstructure:"cache"`
	Circuit    CircuitConfig    `yaml:"circuit" mapstructure:"circuit"`
	Pricing    cost.Rates       `yaml:"pricing" mapstructure:"pricing"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the item store.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
}

// InferenceConfig selects the model provider for Phase 2 and 3.
type InferenceConfig struct {
	Provider  string `yaml:"provider" mapstructure:"provider"`
	OllamaURL string `yaml:"ollama_url" mapstructure:"ollama_url"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key      string `yaml:"key" mapstructure:"key"`
	CacheTTL string `yaml:"cache_ttl" mapstructure:"cache_ttl"`
}

// ModesConfig holds one model/timeout profile per run mode.
type ModesConfig struct {
	Speed    ModeConfig `yaml:"speed" mapstructure:"speed"`
	Balanced ModeConfig `yaml:"balanced" mapstructure:"balanced"`
	Quality  ModeConfig `yaml:"quality" mapstructure:"quality"`
}

// ModeConfig is the engine profile Phase 2 and 3 use in a run mode.
type ModeConfig struct {
	Phase2Model       string  `yaml:"phase2_model" mapstructure:"phase2_model"`
	Phase3Model       string  `yaml:"phase3_model" mapstructure:"phase3_model"`
	FallbackModel     string  `yaml:"fallback_model" mapstructure:"fallback_model"`
	Phase2TimeoutSecs int     `yaml:"phase2_timeout_secs" mapstructure:"phase2_timeout_secs"`
	Phase3TimeoutSecs int     `yaml:"phase3_timeout_secs" mapstructure:"phase3_timeout_secs"`
	Phase2MaxTokens   int     `yaml:"phase2_max_tokens" mapstructure:"phase2_max_tokens"`
	Phase3MaxTokens   int     `yaml:"phase3_max_tokens" mapstructure:"phase3_max_tokens"`
	Phase2PromptChars int     `yaml:"phase2_prompt_chars" mapstructure:"phase2_prompt_chars"`
	Phase3PromptChars int     `yaml:"phase3_prompt_chars" mapstructure:"phase3_prompt_chars"`
	Temperature       float64 `yaml:"temperature" mapstructure:"temperature"`
}

// RouterConfig holds the phase routing thresholds.
type RouterConfig struct {
	BrokenThreshold    float64  `yaml:"broken_threshold" mapstructure:"broken_threshold"`
	CompleteThreshold  float64  `yaml:"complete_threshold" mapstructure:"complete_threshold"`
	EscalatePriorities []string `yaml:"escalate_priorities" mapstructure:"escalate_priorities"`
}

// ChainConfig tunes the conversation completeness score.
type ChainConfig struct {
	MaxGapHours        float64      `yaml:"max_gap_hours" mapstructure:"max_gap_hours"`
	TargetQuickReplies int          `yaml:"target_quick_replies" mapstructure:"target_quick_replies"`
	Weights            ChainWeights `yaml:"weights" mapstructure:"weights"`
}

// ChainWeights are the contribution of each completeness signal. They
// should sum to 1.
type ChainWeights struct {
	Initiating   float64 `yaml:"initiating" mapstructure:"initiating"`
	Terminal     float64 `yaml:"terminal" mapstructure:"terminal"`
	Participants float64 `yaml:"participants" mapstructure:"participants"`
	Gaps         float64 `yaml:"gaps" mapstructure:"gaps"`
	Resolved     float64 `yaml:"resolved" mapstructure:"resolved"`
}

// Sum returns the total of all weights.
func (w ChainWeights) Sum() float64 {
	return w.Initiating + w.Terminal + w.Participants + w.Gaps + w.Resolved
}

// BatchConfig configures batch processing.
type BatchConfig struct {
	Limit              int     `yaml:"limit" mapstructure:"limit"`
	Concurrency        int     `yaml:"concurrency" mapstructure:"concurrency"`
	MaxAttempts        int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs   int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs       int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	BatchDelayMs       int     `yaml:"batch_delay_ms" mapstructure:"batch_delay_ms"`
	RatePerSec         float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	StoreWriteAttempts int     `yaml:"store_write_attempts" mapstructure:"store_write_attempts"`
}

// CacheConfig configures the analysis cache. An empty Dir keeps the cache
// in process memory.
type CacheConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Dir     string `yaml:"dir" mapstructure:"dir"`
}

// CircuitConfig configures the per-model circuit breakers.
type CircuitConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// MonitoringConfig configures funnel alerting.
type MonitoringConfig struct {
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	// MaxPhase3Ratio alerts when more than this share of analyzed items
	// reached Phase 3. Zero disables the check.
	MaxPhase3Ratio    float64 `yaml:"max_phase3_ratio" mapstructure:"max_phase3_ratio"`
	CheckIntervalSecs int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Mode names accepted by Profile.
const (
	ModeSpeed    = "speed"
	ModeBalanced = "balanced"
	ModeQuality  = "quality"
)

// Profile returns the engine profile for a run mode.
func (c *Config) Profile(mode string) (ModeConfig, error) {
	switch mode {
	case ModeSpeed:
		return c.Modes.Speed, nil
	case ModeBalanced:
		return c.Modes.Balanced, nil
	case ModeQuality:
		return c.Modes.Quality, nil
	default:
		return ModeConfig{}, eris.Errorf("config: unknown mode %q (want speed, balanced or quality)", mode)
	}
}

var validPriorities = map[string]bool{"critical": true, "high": true, "medium": true, "low": true}

// Validate checks the settings every command relies on. All problems are
// reported together.
func (c *Config) Validate() error {
	var problems []string

	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		problems = append(problems, fmt.Sprintf("store.driver must be sqlite or postgres, got %q", c.Store.Driver))
	}
	if c.Store.DatabaseURL == "" {
		problems = append(problems, "store.database_url is required")
	}

	switch c.Inference.Provider {
	case "anthropic":
		if c.Anthropic.Key == "" {
			problems = append(problems, "anthropic.key is required for provider anthropic")
		}
	case "ollama":
		if c.Inference.OllamaURL == "" {
			problems = append(problems, "inference.ollama_url is required for provider ollama")
		}
	default:
		problems = append(problems, fmt.Sprintf("inference.provider must be anthropic or ollama, got %q", c.Inference.Provider))
	}

	for _, name := range []string{ModeSpeed, ModeBalanced, ModeQuality} {
		p, _ := c.Profile(name)
		if p.Phase2Model == "" || p.Phase3Model == "" {
			problems = append(problems, fmt.Sprintf("modes.%s needs phase2_model and phase3_model", name))
		}
		if p.Phase2TimeoutSecs <= 0 || p.Phase3TimeoutSecs <= 0 {
			problems = append(problems, fmt.Sprintf("modes.%s timeouts must be > 0", name))
		}
	}

	r := c.Router
	if r.BrokenThreshold < 0 || r.BrokenThreshold >= r.CompleteThreshold || r.CompleteThreshold > 1 {
		problems = append(problems, fmt.Sprintf("router thresholds must satisfy 0 <= broken_threshold < complete_threshold <= 1, got %.2f and %.2f", r.BrokenThreshold, r.CompleteThreshold))
	}
	for _, p := range r.EscalatePriorities {
		if !validPriorities[strings.ToLower(p)] {
			problems = append(problems, fmt.Sprintf("router.escalate_priorities: unknown priority %q", p))
		}
	}

	w := c.Chain.Weights
	if w.Initiating < 0 || w.Terminal < 0 || w.Participants < 0 || w.Gaps < 0 || w.Resolved < 0 {
		problems = append(problems, "chain.weights values must be >= 0")
	}
	if c.Chain.TargetQuickReplies < 1 {
		problems = append(problems, "chain.target_quick_replies must be >= 1")
	}

	if c.Batch.Concurrency < 1 {
		problems = append(problems, "batch.concurrency must be >= 1")
	}
	if c.Batch.Limit < 1 {
		problems = append(problems, "batch.limit must be >= 1")
	}

	if len(problems) > 0 {
		return eris.New("config: " + strings.Join(problems, "; "))
	}
	return nil
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("TRIAGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "triage.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("inference.provider", "anthropic")
	v.SetDefault("inference.ollama_url", "http://localhost:11434")
	v.SetDefault("anthropic.key", "")
	v.SetDefault("anthropic.cache_ttl", "5m")
	setModeDefaults(v, ModeSpeed, ModeConfig{
		Phase2Model:       "claude-haiku-4-5-20251001",
		Phase3Model:       "claude-sonnet-4-5-20250929",
		FallbackModel:     "claude-haiku-4-5-20251001",
		Phase2TimeoutSecs: 15,
		Phase3TimeoutSecs: 30,
		Phase2MaxTokens:   512,
		Phase3MaxTokens:   1024,
		Phase2PromptChars: 2000,
		Phase3PromptChars: 4000,
	})
	setModeDefaults(v, ModeBalanced, ModeConfig{
		Phase2Model:       "claude-haiku-4-5-20251001",
		Phase3Model:       "claude-sonnet-4-5-20250929",
		FallbackModel:     "claude-haiku-4-5-20251001",
		Phase2TimeoutSecs: 30,
		Phase3TimeoutSecs: 60,
		Phase2MaxTokens:   1024,
		Phase3MaxTokens:   2048,
		Phase2PromptChars: 3000,
		Phase3PromptChars: 6000,
	})
	setModeDefaults(v, ModeQuality, ModeConfig{
		Phase2Model:       "claude-sonnet-4-5-20250929",
		Phase3Model:       "claude-opus-4-6",
		FallbackModel:     "claude-sonnet-4-5-20250929",
		Phase2TimeoutSecs: 60,
		Phase3TimeoutSecs: 120,
		Phase2MaxTokens:   1024,
		Phase3MaxTokens:   4096,
		Phase2PromptChars: 4000,
		Phase3PromptChars: 12000,
	})
	v.SetDefault("router.broken_threshold", 0.3)
	v.SetDefault("router.complete_threshold", 0.8)
	v.SetDefault("router.escalate_priorities", []string{"critical", "high"})
	v.SetDefault("chain.max_gap_hours", 24)
	v.SetDefault("chain.target_quick_replies", 3)
	v.SetDefault("chain.weights.initiating", 0.15)
	v.SetDefault("chain.weights.terminal", 0.15)
	v.SetDefault("chain.weights.participants", 0.25)
	v.SetDefault("chain.weights.gaps", 0.25)
	v.SetDefault("chain.weights.resolved", 0.20)
	v.SetDefault("batch.limit", 100)
	v.SetDefault("batch.concurrency", 4)
	v.SetDefault("batch.max_attempts", 3)
	v.SetDefault("batch.initial_backoff_ms", 500)
	v.SetDefault("batch.max_backoff_ms", 10000)
	v.SetDefault("batch.batch_delay_ms", 0)
	v.SetDefault("batch.rate_per_sec", 0)
	v.SetDefault("batch.store_write_attempts", 3)
	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.dir", "")
	v.SetDefault("circuit.failure_threshold", 5)
	v.SetDefault("circuit.reset_timeout_secs", 30)
	v.SetDefault("monitoring.webhook_url", "")
	v.SetDefault("monitoring.failure_rate_threshold", 0.1)
	v.SetDefault("monitoring.max_phase3_ratio", 0.15)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}
	cfg.Pricing = cost.Merge(cfg.Pricing)

	return &cfg, nil
}

func setModeDefaults(v *viper.Viper, mode string, m ModeConfig) {
	prefix := "modes." + mode + "."
	v.SetDefault(prefix+"phase2_model", m.Phase2Model)
	v.SetDefault(prefix+"phase3_model", m.Phase3Model)
	v.SetDefault(prefix+"fallback_model", m.FallbackModel)
	v.SetDefault(prefix+"phase2_timeout_secs", m.Phase2TimeoutSecs)
	v.SetDefault(prefix+"phase3_timeout_secs", m.Phase3TimeoutSecs)
	v.SetDefault(prefix+"phase2_max_tokens", m.Phase2MaxTokens)
	v.SetDefault(prefix+"phase3_max_tokens", m.Phase3MaxTokens)
	v.SetDefault(prefix+"phase2_prompt_chars", m.Phase2PromptChars)
	v.SetDefault(prefix+"phase3_prompt_chars", m.Phase3PromptChars)
	v.SetDefault(prefix+"temperature", m.Temperature)
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
