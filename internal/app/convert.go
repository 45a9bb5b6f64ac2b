package app

import (
	"log/slog"
	"maps"
	"slices"

	"github.com/MrWong99/hearth/internal/chat"
	"github.com/MrWong99/hearth/internal/compress"
	"github.com/MrWong99/hearth/internal/config"
	"github.com/MrWong99/hearth/internal/resilience"
	"github.com/MrWong99/hearth/pkg/provider/llm"
)

// fallbackPreset serves every character when no preset is configured.
const fallbackPreset = "free"

// presets converts the configured presets. Unknown generation parameters
// are dropped with a warning.
func presets(cfg map[string]config.PresetConfig) map[string]chat.Preset {
	if len(cfg) == 0 {
		return map[string]chat.Preset{fallbackPreset: {Free: true}}
	}
	out := make(map[string]chat.Preset, len(cfg))
	for name, p := range cfg {
		params, ignored := llm.ParamsFromMap(p.Params)
		if len(ignored) > 0 {
			slog.Warn("ignoring unknown preset params", "preset", name, "params", ignored)
		}
		out[name] = chat.Preset{
			Model:       p.Model,
			APIKey:      p.APIKey,
			BaseURL:     p.BaseURL,
			Params:      params,
			Gemini:      p.Provider == config.ProviderGemini,
			MakeRequest: p.Provider == config.ProviderHTTP,
			Free:        p.Provider == config.ProviderFree,
		}
	}
	return out
}

// chatConfig builds the engine defaults from cfg. A single preset is the
// default even when chat.default_preset is empty.
func chatConfig(cfg *config.Config, presets map[string]chat.Preset, voice bool) chat.Config {
	def := cfg.Chat.DefaultPreset
	if def == "" && len(presets) == 1 {
		def = slices.Collect(maps.Keys(presets))[0]
	}
	c, im := cfg.Compression, cfg.Images
	return chat.Config{
		DefaultPreset:  def,
		Presets:        presets,
		Attempts:       cfg.Chat.Attempts,
		AttemptDelay:   cfg.Chat.AttemptDelay,
		RateLimitDelay: cfg.Chat.RateLimitDelay,
		Compression: compress.Policy{
			MessageLimit:     c.MessageLimit,
			MaxTokens:        c.MaxTokens,
			TokenFraction:    c.TokenFraction,
			PeriodicInterval: c.PeriodicInterval,
			MinPercent:       c.MinPercent,
			OutputTarget:     c.OutputTarget,
			KeepRecent:       c.KeepRecent,
			Destructive:      c.Destructive,
		},
		Images: compress.ImagePolicy{
			Enabled:       im.Enabled,
			StartIndex:    im.StartIndex,
			MinQuality:    im.MinQuality,
			DecreaseRate:  im.DecreaseRate,
			UsePercentage: im.UsePercentage,
		},
		SeparatePrompts:  cfg.Chat.SeparatePrompts,
		Stream:           cfg.Chat.Stream,
		ToolsOn:          cfg.Chat.ToolsOn,
		Voice:            voice,
		VoiceWaitTimeout: cfg.Voice.WaitTimeout,
		AppVarsTimeout:   cfg.Chat.AppVarsTimeout,
		IdlePrompt:       cfg.Chat.IdlePrompt,
	}
}

// breakerConfig converts b, logging every state transition under group.
func breakerConfig(group string, b config.BreakerConfig) resilience.CircuitBreakerConfig {
	return resilience.CircuitBreakerConfig{
		MaxFailures:  b.MaxFailures,
		ResetTimeout: b.ResetTimeout,
		HalfOpenMax:  b.HalfOpenMax,
		OnStateChange: func(name string, from, to resilience.State) {
			slog.Warn("circuit breaker state changed",
				"group", group,
				"name", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	}
}
