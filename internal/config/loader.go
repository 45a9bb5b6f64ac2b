package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/hearth/internal/tools"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm": {ProviderOpenAI, ProviderGemini, ProviderHTTP, ProviderFree},
	"tts": {"elevenlabs"},
}

// Defaults applied by [ApplyDefaults].
const (
	DefaultSocketAddr      = "127.0.0.1:12345"
	DefaultShutdownTimeout = 10 * time.Second
	DefaultTaskRetention   = time.Hour
	DefaultVoiceWait       = 30 * time.Second
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, fills in defaults and
// validates the result. Unknown keys are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills every unset field that has a default.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		cfg.Server.ShutdownTimeout = DefaultShutdownTimeout
	}

	p := &cfg.Paths
	p.Prompts = orDefault(p.Prompts, "Prompts")
	p.Histories = orDefault(p.Histories, "Histories")
	p.Memories = orDefault(p.Memories, "Memories")
	p.Settings = orDefault(p.Settings, "Settings/settings.json")
	p.VoiceDir = orDefault(p.VoiceDir, "Voice")

	if len(cfg.Providers.LLM) == 0 {
		for _, name := range ValidProviderNames["llm"] {
			cfg.Providers.LLM = append(cfg.Providers.LLM, ProviderEntry{Name: name})
		}
	}
	if cfg.Chat.TaskRetention <= 0 {
		cfg.Chat.TaskRetention = DefaultTaskRetention
	}
	if cfg.Compression.OutputTarget == "" {
		cfg.Compression.OutputTarget = "system"
	}
	cfg.Socket.Addr = orDefault(cfg.Socket.Addr, DefaultSocketAddr)
	if cfg.Voice.WaitTimeout <= 0 {
		cfg.Voice.WaitTimeout = DefaultVoiceWait
	}
	if cfg.Voice.Workers <= 0 {
		cfg.Voice.Workers = 1
	}
	for i := range cfg.Tools.MCPServers {
		if cfg.Tools.MCPServers[i].Transport == "" {
			cfg.Tools.MCPServers[i].Transport = tools.TransportStdio
		}
	}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// ResolveSecrets replaces the api_key of every preset and TTS entry that
// names an api_key_env with the value of that variable. It returns the
// names of variables that were not set; those entries keep their api_key.
func ResolveSecrets(cfg *Config, lookup func(string) (string, bool)) (missing []string) {
	resolve := func(key *string, env string) {
		if env == "" {
			return
		}
		if v, ok := lookup(env); ok && v != "" {
			*key = v
			return
		}
		if !slices.Contains(missing, env) {
			missing = append(missing, env)
		}
	}
	for name, p := range cfg.Presets {
		resolve(&p.APIKey, p.APIKeyEnv)
		cfg.Presets[name] = p
	}
	for i := range cfg.Voice.TTS {
		resolve(&cfg.Voice.TTS[i].APIKey, cfg.Voice.TTS[i].APIKeyEnv)
	}
	return missing
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Providers
	seen := make(map[string]int, len(cfg.Providers.LLM))
	for i, p := range cfg.Providers.LLM {
		prefix := fmt.Sprintf("providers.llm[%d]", i)
		if p.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		if prev, ok := seen[p.Name]; ok {
			errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of providers.llm[%d]", prefix, p.Name, prev))
		}
		seen[p.Name] = i
		validateProviderName("llm", p.Name)
	}
	if b := cfg.Providers.CircuitBreaker; b.MaxFailures < 0 || b.HalfOpenMax < 0 {
		errs = append(errs, errors.New("providers.circuit_breaker values must not be negative"))
	}

	// Presets
	for name, p := range cfg.Presets {
		prefix := fmt.Sprintf("presets.%s", name)
		if !slices.Contains(ValidProviderNames["llm"], p.Provider) {
			errs = append(errs, fmt.Errorf("%s.provider %q is invalid; valid values: openai, gemini, http, free", prefix, p.Provider))
		}
		if p.Model == "" && p.Provider != ProviderFree {
			errs = append(errs, fmt.Errorf("%s.model is required", prefix))
		}
		if p.Provider == ProviderHTTP && p.BaseURL == "" {
			errs = append(errs, fmt.Errorf("%s.base_url is required for provider http", prefix))
		}
		if _, ok := seen[p.Provider]; !ok && p.Provider != "" {
			slog.Warn("preset uses a provider that is not enabled", "preset", name, "provider", p.Provider)
		}
	}
	if d := cfg.Chat.DefaultPreset; d != "" {
		if _, ok := cfg.Presets[d]; !ok {
			errs = append(errs, fmt.Errorf("chat.default_preset %q is not defined in presets", d))
		}
	} else if len(cfg.Presets) > 1 {
		errs = append(errs, errors.New("chat.default_preset is required when more than one preset is defined"))
	}

	// Characters
	if len(cfg.Characters) == 0 {
		slog.Warn("no characters configured; the engine will have nobody to talk as")
	}
	ids := make(map[string]int, len(cfg.Characters))
	for i, c := range cfg.Characters {
		prefix := fmt.Sprintf("characters[%d]", i)
		if c.ID == "" {
			errs = append(errs, fmt.Errorf("%s.id is required", prefix))
		} else {
			if prev, ok := ids[c.ID]; ok {
				errs = append(errs, fmt.Errorf("%s.id %q is a duplicate of characters[%d]", prefix, c.ID, prev))
			}
			ids[c.ID] = i
		}
		if c.Preset != "" {
			if _, ok := cfg.Presets[c.Preset]; !ok {
				errs = append(errs, fmt.Errorf("%s.preset %q is not defined in presets", prefix, c.Preset))
			}
		}
		if s := c.Voice.SpeedFactor; s != 0 && (s < 0.5 || s > 2.0) {
			errs = append(errs, fmt.Errorf("%s.voice.speed_factor %.2f is out of range [0.5, 2.0]", prefix, s))
		}
	}

	// Chat
	if cfg.Chat.Attempts < 0 {
		errs = append(errs, fmt.Errorf("chat.attempts %d must not be negative", cfg.Chat.Attempts))
	}

	// Compression
	c := cfg.Compression
	if c.OutputTarget != "" && c.OutputTarget != "system" && c.OutputTarget != "assistant" {
		errs = append(errs, fmt.Errorf("compression.output_target %q is invalid; valid values: system, assistant", c.OutputTarget))
	}
	if c.TokenFraction < 0 || c.TokenFraction > 1 {
		errs = append(errs, fmt.Errorf("compression.token_fraction %.2f is out of range [0, 1]", c.TokenFraction))
	}
	if c.MinPercent < 0 || c.MinPercent > 100 {
		errs = append(errs, fmt.Errorf("compression.min_percent %.2f is out of range [0, 100]", c.MinPercent))
	}
	if c.MessageLimit < 0 || c.MaxTokens < 0 || c.KeepRecent < 0 || c.PeriodicInterval < 0 {
		errs = append(errs, errors.New("compression limits must not be negative"))
	}

	// Images
	if q := cfg.Images.MinQuality; q < 0 || q > 100 {
		errs = append(errs, fmt.Errorf("images.min_quality %d is out of range [0, 100]", q))
	}

	// Socket
	if err := loopback(cfg.Socket.Addr); err != nil {
		errs = append(errs, fmt.Errorf("socket.addr: %w", err))
	}

	// Voice
	for i, t := range cfg.Voice.TTS {
		if t.Name == "" {
			errs = append(errs, fmt.Errorf("voice.tts[%d].name is required", i))
			continue
		}
		validateProviderName("tts", t.Name)
	}
	if cfg.Voice.Enabled && len(cfg.Voice.TTS) == 0 {
		slog.Warn("voice.enabled is set but no TTS provider is configured; answers will have no audio")
	}

	// MCP servers
	for i, srv := range cfg.Tools.MCPServers {
		prefix := fmt.Sprintf("tools.mcp_servers[%d]", i)
		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		}
		if srv.Transport != "" && !srv.Transport.IsValid() {
			errs = append(errs, fmt.Errorf("%s.transport %q is invalid; valid values: stdio, streamable-http", prefix, srv.Transport))
		}
		if srv.Transport == tools.TransportStdio && srv.Command == "" {
			errs = append(errs, fmt.Errorf("%s.command is required when transport is stdio", prefix))
		}
		if srv.Transport == tools.TransportStreamableHTTP && srv.URL == "" {
			errs = append(errs, fmt.Errorf("%s.url is required when transport is streamable-http", prefix))
		}
	}

	return errors.Join(errs...)
}

// loopback rejects addresses other processes on the network could reach.
func loopback(addr string) error {
	if addr == "" {
		return nil
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	if host == "localhost" {
		return nil
	}
	if ip := net.ParseIP(host); ip == nil || !ip.IsLoopback() {
		return fmt.Errorf("%q is not a loopback address", addr)
	}
	return nil
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name; may be a typo or a provider registered by the embedder",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
