// Package tts defines the text-to-speech collaborator used by the voiceover
// worker.
//
// A Provider turns a stream of text fragments into raw 16-bit little-endian
// PCM audio. The worker wraps the audio in a WAV file; providers never write
// files themselves.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"

	"github.com/MrWong99/hearth/pkg/types"
)

// Format describes the PCM produced by a provider.
type Format struct {
	SampleRate int
	Channels   int
}

// Mono16k is the format most speech backends produce.
var Mono16k = Format{SampleRate: 16000, Channels: 1}

// Stream is a running synthesis. Audio is closed by the provider when all
// text has been spoken, on a synthesis error or when the context ends. Err
// reports the error that closed Audio early, if any; it is valid only after
// Audio is closed.
type Stream struct {
	Audio  <-chan []byte
	Format Format
	Err    func() error
}

// Provider is the abstraction over a TTS backend.
type Provider interface {
	// SynthesizeStream consumes text fragments until text is closed and
	// returns the audio as it is produced. It returns an error only when the
	// stream cannot be started.
	SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceProfile) (*Stream, error)

	// ListVoices returns the voices the backend offers.
	ListVoices(ctx context.Context) ([]types.VoiceProfile, error)
}

// NoError is a Stream.Err for streams that cannot fail once started.
func NoError() error { return nil }
