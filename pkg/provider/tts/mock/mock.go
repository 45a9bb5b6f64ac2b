// Package mock provides a test double for [tts.Provider].
package mock

import (
	"context"
	"strings"
	"sync"

	"github.com/MrWong99/hearth/pkg/provider/tts"
	"github.com/MrWong99/hearth/pkg/types"
)

// SynthesizeCall records one SynthesizeStream invocation. Text is the
// concatenation of every fragment received, filled in once the text channel
// is closed.
type SynthesizeCall struct {
	Voice types.VoiceProfile
	Text  string
}

// Provider is a mock [tts.Provider].
type Provider struct {
	mu sync.Mutex

	// Chunks are emitted on every stream after the text channel closes.
	Chunks [][]byte
	// Format is reported on every stream. Default: [tts.Mono16k].
	Format tts.Format
	// StartErr is returned by SynthesizeStream.
	StartErr error
	// StreamErr is reported by Stream.Err after the audio channel closes.
	StreamErr error

	Voices    []types.VoiceProfile
	VoicesErr error

	calls []SynthesizeCall
}

var _ tts.Provider = (*Provider)(nil)

// SynthesizeStream records the call, drains text and then emits Chunks.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceProfile) (*tts.Stream, error) {
	p.mu.Lock()
	idx := len(p.calls)
	p.calls = append(p.calls, SynthesizeCall{Voice: voice})
	if p.StartErr != nil {
		err := p.StartErr
		p.mu.Unlock()
		return nil, err
	}
	chunks := append([][]byte(nil), p.Chunks...)
	format := p.Format
	streamErr := p.StreamErr
	p.mu.Unlock()

	if format == (tts.Format{}) {
		format = tts.Mono16k
	}
	audio := make(chan []byte, len(chunks))
	go func() {
		defer close(audio)
		var sb strings.Builder
	read:
		for {
			select {
			case frag, ok := <-text:
				if !ok {
					break read
				}
				sb.WriteString(frag)
			case <-ctx.Done():
				return
			}
		}
		p.mu.Lock()
		p.calls[idx].Text = sb.String()
		p.mu.Unlock()
		for _, c := range chunks {
			select {
			case audio <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return &tts.Stream{Audio: audio, Format: format, Err: func() error { return streamErr }}, nil
}

// ListVoices returns Voices and VoicesErr.
func (p *Provider) ListVoices(context.Context) ([]types.VoiceProfile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Voices, p.VoicesErr
}

// Calls returns a copy of the recorded SynthesizeStream calls.
func (p *Provider) Calls() []SynthesizeCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]SynthesizeCall(nil), p.calls...)
}
