// Package config provides the configuration schema, loader, and provider
// registry for Hearth.
package config

import (
	"log/slog"
	"time"

	"github.com/MrWong99/hearth/internal/character"
	"github.com/MrWong99/hearth/internal/tools"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level maps l to a [slog.Level]. Unknown values map to info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Provider kind names accepted in presets and providers.llm.
const (
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
	ProviderHTTP   = "http"
	ProviderFree   = "free"
)

// Config is the root configuration structure for Hearth.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server      ServerConfig            `yaml:"server"`
	Paths       PathsConfig             `yaml:"paths"`
	Providers   ProvidersConfig         `yaml:"providers"`
	Presets     map[string]PresetConfig `yaml:"presets"`
	Characters  []character.Definition  `yaml:"characters"`
	Chat        ChatConfig              `yaml:"chat"`
	Compression CompressionConfig       `yaml:"compression"`
	Images      ImagesConfig            `yaml:"images"`
	Socket      SocketConfig            `yaml:"socket"`
	Voice       VoiceConfig             `yaml:"voice"`
	Tools       ToolsConfig             `yaml:"tools"`
	Ops         OpsConfig               `yaml:"ops"`
}

// ServerConfig holds process-wide settings.
type ServerConfig struct {
	LogLevel LogLevel `yaml:"log_level"`

	// ShutdownTimeout bounds the graceful shutdown. Default: 10s.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// PathsConfig locates the persisted state. Relative paths are resolved
// against the working directory.
type PathsConfig struct {
	Prompts   string `yaml:"prompts"`
	Histories string `yaml:"histories"`
	Memories  string `yaml:"memories"`
	Settings  string `yaml:"settings"`
	VoiceDir  string `yaml:"voice_dir"`
}

// ProvidersConfig enables model provider families. Every entry is looked up
// in the [Registry] by name.
type ProvidersConfig struct {
	LLM []ProviderEntry `yaml:"llm"`

	// CircuitBreaker applies to every provider family separately.
	CircuitBreaker BreakerConfig `yaml:"circuit_breaker"`
}

// ProviderEntry enables one provider family.
type ProviderEntry struct {
	// Name selects the registered family: openai, gemini, http or free.
	Name string `yaml:"name"`

	// Timeout bounds one HTTP call. Zero keeps the provider default.
	Timeout time.Duration `yaml:"timeout"`

	// Model is the default model of the free family.
	Model string `yaml:"model"`

	// Options holds family-specific values, e.g. backend for free.
	Options map[string]any `yaml:"options"`
}

// BreakerConfig tunes the per-provider circuit breakers.
type BreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
	HalfOpenMax  int           `yaml:"half_open_max"`
}

// PresetConfig is a named model configuration characters refer to.
type PresetConfig struct {
	// Provider is the family serving the preset: openai, gemini, http or
	// free.
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	BaseURL  string `yaml:"base_url"`

	// APIKey is used verbatim; APIKeyEnv names an environment variable
	// holding the key and wins when both are set.
	APIKey    string `yaml:"api_key"`
	APIKeyEnv string `yaml:"api_key_env"`

	// Params are generation parameters (temperature, max_tokens, top_p,
	// presence_penalty, frequency_penalty, stop). Unknown names are ignored
	// with a warning.
	Params map[string]any `yaml:"params"`
}

// ChatConfig holds the orchestrator defaults. Settings of the same meaning
// override them at runtime.
type ChatConfig struct {
	DefaultPreset   string        `yaml:"default_preset"`
	Attempts        int           `yaml:"attempts"`
	AttemptDelay    time.Duration `yaml:"attempt_delay"`
	RateLimitDelay  time.Duration `yaml:"rate_limit_delay"`
	SeparatePrompts bool          `yaml:"separate_prompts"`
	Stream          bool          `yaml:"stream"`
	ToolsOn         bool          `yaml:"tools_on"`
	IdlePrompt      string        `yaml:"idle_prompt"`
	AppVarsTimeout  time.Duration `yaml:"app_vars_timeout"`

	// TaskRetention is how long finished tasks stay queryable. Default: 1h.
	TaskRetention time.Duration `yaml:"task_retention"`
}

// CompressionConfig controls history compression.
type CompressionConfig struct {
	MessageLimit     int     `yaml:"message_limit"`
	MaxTokens        int     `yaml:"max_tokens"`
	TokenFraction    float64 `yaml:"token_fraction"`
	PeriodicInterval int     `yaml:"periodic_interval"`
	MinPercent       float64 `yaml:"min_percent"`
	OutputTarget     string  `yaml:"output_target"`
	KeepRecent       int     `yaml:"keep_recent"`
	Destructive      bool    `yaml:"destructive"`
}

// ImagesConfig controls quality reduction of older images.
type ImagesConfig struct {
	Enabled       bool    `yaml:"enabled"`
	StartIndex    int     `yaml:"start_index"`
	MinQuality    int     `yaml:"min_quality"`
	DecreaseRate  float64 `yaml:"decrease_rate"`
	UsePercentage bool    `yaml:"use_percentage"`
}

// SocketConfig configures the game client listener.
type SocketConfig struct {
	// Addr must be a loopback address. Default: 127.0.0.1:12345.
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	SysInfoLimit int           `yaml:"sysinfo_limit"`
}

// VoiceConfig configures the voiceover pipeline. Voiceover is off unless
// Enabled is set and at least one TTS provider is configured.
type VoiceConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Workers     int           `yaml:"workers"`
	QueueSize   int           `yaml:"queue_size"`
	WaitTimeout time.Duration `yaml:"wait_timeout"`

	// TTS lists providers in failover order.
	TTS []TTSEntry `yaml:"tts"`

	CircuitBreaker BreakerConfig `yaml:"circuit_breaker"`
}

// TTSEntry configures one TTS provider.
type TTSEntry struct {
	Name         string `yaml:"name"`
	APIKey       string `yaml:"api_key"`
	APIKeyEnv    string `yaml:"api_key_env"`
	Model        string `yaml:"model"`
	OutputFormat string `yaml:"output_format"`
}

// ToolsConfig configures the tool manager.
type ToolsConfig struct {
	// Builtins registers get_datetime, roll_dice, recall_memories, remember
	// and set_variable. Default: true.
	Builtins *bool `yaml:"builtins"`

	DefaultTimeout time.Duration        `yaml:"default_timeout"`
	MCPServers     []tools.ServerConfig `yaml:"mcp_servers"`
}

// BuiltinsEnabled reports whether the builtin tools are registered.
func (t ToolsConfig) BuiltinsEnabled() bool {
	return t.Builtins == nil || *t.Builtins
}

// OpsConfig configures the operations HTTP listener serving /healthz,
// /readyz, /metrics and /events. An empty Addr disables it.
type OpsConfig struct {
	Addr string `yaml:"addr"`

	// FeedTopics replaces the default topics of /events.
	FeedTopics []string `yaml:"feed_topics"`

	// FeedOrigins lists origin patterns allowed to open /events from a
	// browser.
	FeedOrigins []string `yaml:"feed_origins"`
}
