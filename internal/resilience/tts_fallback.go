package resilience

import (
	"bytes"
	"context"
	"errors"

	"github.com/MrWong99/hearth/pkg/provider/tts"
	"github.com/MrWong99/hearth/pkg/types"
)

// TTSFallback spreads speech synthesis over several [tts.Provider]s.
type TTSFallback struct {
	group *FallbackGroup[tts.Provider]
}

var _ tts.Provider = (*TTSFallback)(nil)

// NewTTSFallback returns an empty fallback; add providers with
// [TTSFallback.Add] in order of preference.
func NewTTSFallback(cfg CircuitBreakerConfig) *TTSFallback {
	return &TTSFallback{group: NewFallbackGroup[tts.Provider](cfg)}
}

// Add registers a provider.
func (f *TTSFallback) Add(name string, p tts.Provider) { f.group.Add(name, p) }

// States returns the breaker state of every provider.
func (f *TTSFallback) States() map[string]State { return f.group.States() }

// SynthesizeStream starts a stream on the first provider that accepts it.
// Only the start is covered; text consumed by a provider that then fails
// is lost, so callers holding the full text should prefer [TTSFallback.Speak].
func (f *TTSFallback) SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceProfile) (*tts.Stream, error) {
	return ExecuteWithResult(f.group, func(_ string, p tts.Provider) (*tts.Stream, error) {
		return p.SynthesizeStream(ctx, text, voice)
	})
}

// ListVoices lists the voices of the first reachable provider.
func (f *TTSFallback) ListVoices(ctx context.Context) ([]types.VoiceProfile, error) {
	return ExecuteWithResult(f.group, func(_ string, p tts.Provider) ([]types.VoiceProfile, error) {
		return p.ListVoices(ctx)
	})
}

// Speech is a completed synthesis.
type Speech struct {
	PCM      []byte
	Format   tts.Format
	Provider string
}

// ErrNoAudio reports a synthesis that ended without producing audio.
var ErrNoAudio = errors.New("resilience: synthesis produced no audio")

// Speak synthesises text completely. A provider whose stream fails or ends
// without audio counts as failed and the next one is tried with the same
// text.
func (f *TTSFallback) Speak(ctx context.Context, text string, voice types.VoiceProfile) (Speech, error) {
	return ExecuteWithResult(f.group, func(name string, p tts.Provider) (Speech, error) {
		in := make(chan string, 1)
		in <- text
		close(in)
		s, err := p.SynthesizeStream(ctx, in, voice)
		if err != nil {
			return Speech{}, err
		}
		var buf bytes.Buffer
		for chunk := range s.Audio {
			buf.Write(chunk)
		}
		if err := ctx.Err(); err != nil {
			return Speech{}, err
		}
		if s.Err != nil {
			if err := s.Err(); err != nil {
				return Speech{}, err
			}
		}
		if buf.Len() == 0 {
			return Speech{}, ErrNoAudio
		}
		return Speech{PCM: buf.Bytes(), Format: s.Format, Provider: name}, nil
	})
}
