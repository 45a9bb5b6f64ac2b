package chat

import (
	"strings"
	"time"

	"github.com/MrWong99/hearth/internal/compress"
	"github.com/MrWong99/hearth/internal/settings"
	"github.com/MrWong99/hearth/pkg/provider/llm"
)

// Settings keys read at the start of every turn. A stored value overrides
// the corresponding [Config] field.
const (
	KeyAttemptsCount    = "MODEL_MESSAGE_ATTEMPTS_COUNT"
	KeyAttemptsTime     = "MODEL_MESSAGE_ATTEMPTS_TIME"
	KeyMessageLimit     = "MODEL_MESSAGE_LIMIT"
	KeyMaxTokens        = "MAX_MODEL_TOKENS"
	KeyTokenFraction    = "MODEL_TOKENS_FRACTION"
	KeyPeriodicInterval = "HISTORY_COMPRESSION_PERIODIC_INTERVAL"
	KeyMinPercent       = "HISTORY_COMPRESSION_MIN_PERCENT"
	KeyOutputTarget     = "HISTORY_COMPRESSION_OUTPUT_TARGET"
	KeySeparatePrompts  = "SEPARATE_PROMPTS"
	KeyStream           = "ENABLE_STREAMING"
	KeyToolsOn          = "TOOLS_ON"
	KeyVoice            = "VOICEOVER_ENABLED"

	KeyImageReduction     = "IMAGE_QUALITY_REDUCTION_ENABLED"
	KeyImageStartIndex    = "IMAGE_QUALITY_REDUCTION_START_INDEX"
	KeyImageMinQuality    = "IMAGE_QUALITY_REDUCTION_MIN_QUALITY"
	KeyImageDecreaseRate  = "IMAGE_QUALITY_REDUCTION_DECREASE_RATE"
	KeyImageUsePercentage = "IMAGE_QUALITY_REDUCTION_USE_PERCENTAGE"

	// KeyProviderPrefix + upper-case character id names the preset that
	// overrides the character's configured one.
	KeyProviderPrefix = "CHARACTER_PROVIDER_"
)

// VarDateTime is the render variable holding the turn's wall clock.
const VarDateTime = "SYSTEM_DATETIME"

// DefaultIdlePrompt is the user text of an idle turn.
const DefaultIdlePrompt = "[SYSTEM INFO] The player has been silent for a while. Continue the conversation on your own, briefly."

// Preset is a named model configuration.
type Preset struct {
	Model   string
	APIKey  string
	BaseURL string
	Params  llm.Params

	Gemini      bool
	MakeRequest bool
	Free        bool
}

func (p Preset) request() llm.Request {
	return llm.Request{
		Model:       p.Model,
		Params:      p.Params,
		APIKey:      p.APIKey,
		BaseURL:     p.BaseURL,
		Gemini:      p.Gemini,
		MakeRequest: p.MakeRequest,
		Free:        p.Free,
	}
}

// Config holds the engine defaults.
type Config struct {
	// DefaultPreset is used for characters that name no preset.
	DefaultPreset string
	Presets       map[string]Preset

	// Attempts is the number of generation attempts per turn. Default: 3.
	Attempts int
	// AttemptDelay separates failed attempts. Default: 1s.
	AttemptDelay time.Duration
	// RateLimitDelay replaces AttemptDelay after a rate-limit error.
	// Default: 10s.
	RateLimitDelay time.Duration

	Compression compress.Policy
	Images      compress.ImagePolicy

	SeparatePrompts bool
	Stream          bool
	ToolsOn         bool

	// Voice emits a voice job for every answer and waits up to
	// VoiceWaitTimeout for the audio file. Default timeout: 30s.
	Voice            bool
	VoiceWaitTimeout time.Duration

	// AppVarsTimeout bounds the GET_APP_VARS round trip. Default: 2s.
	AppVarsTimeout time.Duration

	IdlePrompt string
}

func (c Config) withDefaults() Config {
	if c.Attempts <= 0 {
		c.Attempts = 3
	}
	if c.AttemptDelay <= 0 {
		c.AttemptDelay = time.Second
	}
	if c.RateLimitDelay <= 0 {
		c.RateLimitDelay = 10 * time.Second
	}
	if c.VoiceWaitTimeout <= 0 {
		c.VoiceWaitTimeout = 30 * time.Second
	}
	if c.AppVarsTimeout <= 0 {
		c.AppVarsTimeout = 2 * time.Second
	}
	if c.IdlePrompt == "" {
		c.IdlePrompt = DefaultIdlePrompt
	}
	return c
}

// policy is the per-turn view of Config after settings overrides.
type policy struct {
	attempts       int
	attemptDelay   time.Duration
	rateLimitDelay time.Duration
	compression    compress.Policy
	images         compress.ImagePolicy
	separate       bool
	stream         bool
	toolsOn        bool
	voice          bool
}

// resolve applies the settings overrides to c. s may be nil.
func (c Config) resolve(s *settings.Store) policy {
	p := policy{
		attempts:       c.Attempts,
		attemptDelay:   c.AttemptDelay,
		rateLimitDelay: c.RateLimitDelay,
		compression:    c.Compression,
		images:         c.Images,
		separate:       c.SeparatePrompts,
		stream:         c.Stream,
		toolsOn:        c.ToolsOn,
		voice:          c.Voice,
	}
	if s == nil {
		return p
	}
	p.attempts = max(1, s.Int(KeyAttemptsCount, p.attempts))
	p.attemptDelay = s.Duration(KeyAttemptsTime, p.attemptDelay)
	p.separate = s.Bool(KeySeparatePrompts, p.separate)
	p.stream = s.Bool(KeyStream, p.stream)
	p.toolsOn = s.Bool(KeyToolsOn, p.toolsOn)
	p.voice = s.Bool(KeyVoice, p.voice)

	cp := &p.compression
	cp.MessageLimit = s.Int(KeyMessageLimit, cp.MessageLimit)
	cp.MaxTokens = s.Int(KeyMaxTokens, cp.MaxTokens)
	cp.TokenFraction = s.Float(KeyTokenFraction, cp.TokenFraction)
	cp.PeriodicInterval = s.Int(KeyPeriodicInterval, cp.PeriodicInterval)
	cp.MinPercent = s.Float(KeyMinPercent, cp.MinPercent)
	cp.OutputTarget = strings.ToLower(s.String(KeyOutputTarget, cp.OutputTarget))

	ip := &p.images
	ip.Enabled = s.Bool(KeyImageReduction, ip.Enabled)
	ip.StartIndex = s.Int(KeyImageStartIndex, ip.StartIndex)
	ip.MinQuality = s.Int(KeyImageMinQuality, ip.MinQuality)
	ip.DecreaseRate = s.Float(KeyImageDecreaseRate, ip.DecreaseRate)
	ip.UsePercentage = s.Bool(KeyImageUsePercentage, ip.UsePercentage)
	return p
}

// ProviderKey returns the settings key of a character's preset override.
func ProviderKey(characterID string) string {
	return KeyProviderPrefix + strings.ToUpper(characterID)
}
