package config

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/basket/go-conductor/internal/agent"
	"github.com/basket/go-conductor/internal/otel"
	"gopkg.in/yaml.v3"
)

// ProviderConfig holds per-provider settings.
type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

// LLMConfig selects the generation collaborator.
type LLMConfig struct {
	// Provider is "google", "anthropic", "openai", "openai_compatible" or
	// "openrouter". Empty means google.
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`

	OpenAICompatibleProvider string `yaml:"openai_compatible_provider"`
	OpenAICompatibleBaseURL  string `yaml:"openai_compatible_base_url"`

	// FallbackProviders are tried in order when the primary fails before
	// streaming anything.
	FallbackProviders []string `yaml:"fallback_providers"`

	// FailoverThreshold is the number of consecutive failures before a
	// provider's circuit breaker trips. Default 5.
	FailoverThreshold int `yaml:"failover_threshold"`

	// FailoverCooldownSeconds is how long a tripped breaker stays open.
	// Default 300.
	FailoverCooldownSeconds int `yaml:"failover_cooldown_seconds"`

	// ContextTokens bounds the context block rendered into prompts.
	ContextTokens int `yaml:"context_tokens"`
}

// EngineConfig tunes the scheduler, hub and chain executor.
type EngineConfig struct {
	TaskTimeoutSeconds int `yaml:"task_timeout_seconds"`
	CancelGraceMillis  int `yaml:"cancel_grace_ms"`
	StepTimeoutSeconds int `yaml:"step_timeout_seconds"`
	// ObserverQueueSize bounds each subscriber's queue.
	ObserverQueueSize int `yaml:"observer_queue_size"`
	// ContextLimit is the number of entries kept per kind.
	ContextLimit int `yaml:"context_limit"`
}

// KindConfig declares an extra agent kind or overrides a built-in one.
type KindConfig struct {
	Name             string             `yaml:"name"`
	DisplayName      string             `yaml:"display_name"`
	Description      string             `yaml:"description"`
	RequiredInputs   []string           `yaml:"required_inputs"`
	OptionalInputs   []string           `yaml:"optional_inputs"`
	OutputCategories []string           `yaml:"output_categories"`
	Capabilities     agent.Capabilities `yaml:"capabilities"`
	ContextKinds     []string           `yaml:"context_kinds"`
	TimeoutSeconds   int                `yaml:"timeout_seconds"`
	// ResultSchema is a JSON Schema written as YAML.
	ResultSchema map[string]any `yaml:"result_schema"`
}

// AgentKind converts the entry to a registry descriptor.
func (k KindConfig) AgentKind() (agent.AgentKind, error) {
	out := agent.AgentKind{
		Name:             k.Name,
		DisplayName:      k.DisplayName,
		Description:      k.Description,
		RequiredInputs:   k.RequiredInputs,
		OptionalInputs:   k.OptionalInputs,
		OutputCategories: k.OutputCategories,
		Capabilities:     k.Capabilities,
		ContextKinds:     k.ContextKinds,
		Timeout:          time.Duration(k.TimeoutSeconds) * time.Second,
	}
	if len(k.ResultSchema) > 0 {
		raw, err := json.Marshal(k.ResultSchema)
		if err != nil {
			return agent.AgentKind{}, fmt.Errorf("kind %s: encode result_schema: %w", k.Name, err)
		}
		out.ResultSchema = raw
	}
	return out, nil
}

// ChainConfig defines a named chain in config.yaml.
type ChainConfig struct {
	Name          string            `yaml:"name"`
	Channel       string            `yaml:"channel"`
	HaltOnFailure *bool             `yaml:"halt_on_failure"`
	Steps         []ChainStepConfig `yaml:"steps"`
}

// ChainStepConfig is one step of a configured chain.
type ChainStepConfig struct {
	Kind       string         `yaml:"kind"`
	Input      map[string]any `yaml:"input"`
	MaxRetries int            `yaml:"max_retries"`
}

// ScheduleConfig runs a configured chain on a cron expression.
type ScheduleConfig struct {
	Name     string `yaml:"name"`
	Cron     string `yaml:"cron"`
	Chain    string `yaml:"chain"`
	Disabled bool   `yaml:"disabled"`
}

// NATSConfig enables the event relay when URL is set.
type NATSConfig struct {
	URL           string   `yaml:"url"`
	SubjectPrefix string   `yaml:"subject_prefix"`
	Channels      []string `yaml:"channels"` // channel name prefixes; empty relays everything
}

// RetentionConfig bounds journal growth. Zero keeps rows forever.
type RetentionConfig struct {
	StreamEventsDays int `yaml:"stream_events_days"`
	TransitionsDays  int `yaml:"transitions_days"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`
	DBPath   string `yaml:"db_path"`

	// AllowOrigins controls which Origin headers are accepted for browser
	// websocket and SSE connections. Empty means local-only.
	AllowOrigins []string `yaml:"allow_origins"`

	// DrainTimeoutSeconds bounds graceful shutdown. 0 uses 5s.
	DrainTimeoutSeconds int `yaml:"drain_timeout_seconds"`

	LLM       LLMConfig                 `yaml:"llm"`
	Providers map[string]ProviderConfig `yaml:"providers"`
	Engine    EngineConfig              `yaml:"engine"`
	Kinds     []KindConfig              `yaml:"kinds"`
	Chains    []ChainConfig             `yaml:"chains"`
	Schedules []ScheduleConfig          `yaml:"schedules"`
	OTel      otel.Config               `yaml:"otel"`
	NATS      NATSConfig                `yaml:"nats"`
	Retention RetentionConfig           `yaml:"retention"`
}

// ProviderAPIKey returns the API key for provider, checking env overrides
// first.
func (c Config) ProviderAPIKey(provider string) string {
	envMap := map[string]string{
		"google":            "GEMINI_API_KEY",
		"anthropic":         "ANTHROPIC_API_KEY",
		"openai":            "OPENAI_API_KEY",
		"openai_compatible": "OPENAI_API_KEY",
		"openrouter":        "OPENROUTER_API_KEY",
	}
	if envVar, ok := envMap[provider]; ok {
		if v := os.Getenv(envVar); v != "" {
			return v
		}
	}
	if provider == "google" {
		if v := os.Getenv("GOOGLE_API_KEY"); v != "" {
			return v
		}
	}
	if p, ok := c.Providers[provider]; ok {
		return p.APIKey
	}
	return ""
}

// ProviderModel returns the model for provider: the provider entry, then
// llm.model when provider is the primary.
func (c Config) ProviderModel(provider string) string {
	if p, ok := c.Providers[provider]; ok && p.Model != "" {
		return p.Model
	}
	if provider == c.LLM.Provider {
		return c.LLM.Model
	}
	return ""
}

// AgentKinds converts the configured kinds.
func (c Config) AgentKinds() ([]agent.AgentKind, error) {
	out := make([]agent.AgentKind, 0, len(c.Kinds))
	for _, k := range c.Kinds {
		ak, err := k.AgentKind()
		if err != nil {
			return nil, err
		}
		out = append(out, ak)
	}
	return out, nil
}

func (c Config) TaskTimeout() time.Duration {
	return time.Duration(c.Engine.TaskTimeoutSeconds) * time.Second
}

func (c Config) CancelGrace() time.Duration {
	return time.Duration(c.Engine.CancelGraceMillis) * time.Millisecond
}

func (c Config) StepTimeout() time.Duration {
	return time.Duration(c.Engine.StepTimeoutSeconds) * time.Second
}

func (c Config) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutSeconds) * time.Second
}

// ConfigPath returns the path to config.yaml within homeDir.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the settings that require a restart.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|db=%s|provider=%s|model=%s|timeout=%d|grace=%d|kinds=%d|chains=%d|schedules=%d|nats=%s|origins=%v",
		c.BindAddr, c.DBPath, c.LLM.Provider, c.LLM.Model, c.Engine.TaskTimeoutSeconds, c.Engine.CancelGraceMillis,
		len(c.Kinds), len(c.Chains), len(c.Schedules), c.NATS.URL, c.AllowOrigins)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		BindAddr:            "127.0.0.1:18790",
		LogLevel:            "info",
		DrainTimeoutSeconds: 5,
		LLM: LLMConfig{
			Provider:                "google",
			FailoverThreshold:       5,
			FailoverCooldownSeconds: 300,
			ContextTokens:           2000,
		},
		Engine: EngineConfig{
			TaskTimeoutSeconds: 300,
			CancelGraceMillis:  5000,
			StepTimeoutSeconds: 600,
			ObserverQueueSize:  256,
			ContextLimit:       10,
		},
		NATS: NATSConfig{SubjectPrefix: "conductor.events"},
		Retention: RetentionConfig{
			StreamEventsDays: 30,
			TransitionsDays:  90,
		},
	}
}

// HomeDir returns CONDUCTOR_HOME or ~/.conductor.
func HomeDir() string {
	if override := os.Getenv("CONDUCTOR_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".conductor")
}

// Load reads <home>/config.yaml, applies environment overrides and fills
// defaults. A missing file is not an error.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom is Load with an explicit home directory.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create conductor home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	d := defaultConfig()
	if cfg.BindAddr == "" {
		cfg.BindAddr = d.BindAddr
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = d.LogLevel
	}
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "conductor.db")
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = d.DrainTimeoutSeconds
	}

	cfg.LLM.Provider = strings.ToLower(strings.TrimSpace(cfg.LLM.Provider))
	if cfg.LLM.Provider == "" || cfg.LLM.Provider == "gemini" {
		cfg.LLM.Provider = "google"
	}
	if cfg.LLM.FailoverThreshold <= 0 {
		cfg.LLM.FailoverThreshold = d.LLM.FailoverThreshold
	}
	if cfg.LLM.FailoverCooldownSeconds <= 0 {
		cfg.LLM.FailoverCooldownSeconds = d.LLM.FailoverCooldownSeconds
	}
	if cfg.LLM.ContextTokens <= 0 {
		cfg.LLM.ContextTokens = d.LLM.ContextTokens
	}

	e := &cfg.Engine
	if e.TaskTimeoutSeconds <= 0 {
		e.TaskTimeoutSeconds = d.Engine.TaskTimeoutSeconds
	}
	if e.CancelGraceMillis <= 0 {
		e.CancelGraceMillis = d.Engine.CancelGraceMillis
	}
	if e.StepTimeoutSeconds <= 0 {
		e.StepTimeoutSeconds = d.Engine.StepTimeoutSeconds
	}
	if e.ObserverQueueSize <= 0 {
		e.ObserverQueueSize = d.Engine.ObserverQueueSize
	}
	if e.ContextLimit <= 0 {
		e.ContextLimit = d.Engine.ContextLimit
	}

	if cfg.NATS.SubjectPrefix == "" {
		cfg.NATS.SubjectPrefix = d.NATS.SubjectPrefix
	}
	if cfg.OTel.ServiceName == "" {
		cfg.OTel.ServiceName = "conductor"
	}
}

// validate rejects configs whose chains or schedules cannot resolve.
func validate(cfg *Config) error {
	chains := make(map[string]bool, len(cfg.Chains))
	for _, c := range cfg.Chains {
		if c.Name == "" {
			return fmt.Errorf("chain has empty name")
		}
		if chains[c.Name] {
			return fmt.Errorf("duplicate chain name: %s", c.Name)
		}
		chains[c.Name] = true
	}
	seen := make(map[string]bool, len(cfg.Schedules))
	for _, s := range cfg.Schedules {
		if s.Name == "" {
			return fmt.Errorf("schedule has empty name")
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate schedule name: %s", s.Name)
		}
		seen[s.Name] = true
		if !chains[s.Chain] {
			return fmt.Errorf("schedule %s: unknown chain %q", s.Name, s.Chain)
		}
	}
	for _, k := range cfg.Kinds {
		if strings.TrimSpace(k.Name) == "" {
			return fmt.Errorf("kind has empty name")
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("CONDUCTOR_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("CONDUCTOR_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("CONDUCTOR_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("CONDUCTOR_TASK_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Engine.TaskTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("CONDUCTOR_CANCEL_GRACE_MS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Engine.CancelGraceMillis = v
		}
	}
	if raw := os.Getenv("CONDUCTOR_DRAIN_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.DrainTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("CONDUCTOR_LLM_PROVIDER"); raw != "" {
		cfg.LLM.Provider = raw
	}
	if raw := os.Getenv("CONDUCTOR_LLM_MODEL"); raw != "" {
		cfg.LLM.Model = raw
	}
	if raw := os.Getenv("CONDUCTOR_NATS_URL"); raw != "" {
		cfg.NATS.URL = raw
	}
	if raw := os.Getenv("CONDUCTOR_OTEL_EXPORTER"); raw != "" {
		cfg.OTel.Enabled = true
		cfg.OTel.Exporter = raw
	}
}
