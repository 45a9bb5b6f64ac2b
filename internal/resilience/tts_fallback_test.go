package resilience

import (
	"context"
	"errors"
	"testing"

	ttsmock "github.com/MrWong99/hearth/pkg/provider/tts/mock"
	"github.com/MrWong99/hearth/pkg/types"
)

func TestTTSFallback_Speak(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		primary      *ttsmock.Provider
		wantProvider string
		wantPCM      string
	}{
		{
			name:         "primary",
			primary:      &ttsmock.Provider{Chunks: [][]byte{[]byte("ab"), []byte("cd")}},
			wantProvider: "primary",
			wantPCM:      "abcd",
		},
		{
			name:         "start error",
			primary:      &ttsmock.Provider{StartErr: errors.New("down")},
			wantProvider: "secondary",
			wantPCM:      "zz",
		},
		{
			name:         "mid-stream error",
			primary:      &ttsmock.Provider{Chunks: [][]byte{[]byte("a")}, StreamErr: errors.New("dropped")},
			wantProvider: "secondary",
			wantPCM:      "zz",
		},
		{
			name:         "no audio",
			primary:      &ttsmock.Provider{},
			wantProvider: "secondary",
			wantPCM:      "zz",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			secondary := &ttsmock.Provider{Chunks: [][]byte{[]byte("zz")}}
			f := NewTTSFallback(CircuitBreakerConfig{MaxFailures: 3})
			f.Add("primary", tt.primary)
			f.Add("secondary", secondary)

			voice := types.VoiceProfile{ID: "v1"}
			sp, err := f.Speak(context.Background(), "Hello.", voice)
			if err != nil {
				t.Fatalf("Speak: %v", err)
			}
			if sp.Provider != tt.wantProvider || string(sp.PCM) != tt.wantPCM {
				t.Errorf("got %s/%q, want %s/%q", sp.Provider, sp.PCM, tt.wantProvider, tt.wantPCM)
			}
			if sp.Format.SampleRate != 16000 {
				t.Errorf("format = %+v", sp.Format)
			}
			calls := tt.primary.Calls()
			if len(calls) != 1 || calls[0].Voice.ID != "v1" {
				t.Errorf("primary calls = %+v", calls)
			}
		})
	}
}

func TestTTSFallback_SpeakAllFail(t *testing.T) {
	t.Parallel()

	f := NewTTSFallback(CircuitBreakerConfig{})
	f.Add("a", &ttsmock.Provider{StartErr: errors.New("a down")})
	f.Add("b", &ttsmock.Provider{})

	_, err := f.Speak(context.Background(), "Hi.", types.VoiceProfile{})
	if !errors.Is(err, ErrAllFailed) || !errors.Is(err, ErrNoAudio) {
		t.Fatalf("err = %v, want ErrAllFailed wrapping ErrNoAudio", err)
	}
}

func TestTTSFallback_ListVoices(t *testing.T) {
	t.Parallel()

	f := NewTTSFallback(CircuitBreakerConfig{})
	f.Add("a", &ttsmock.Provider{VoicesErr: errors.New("down")})
	f.Add("b", &ttsmock.Provider{Voices: []types.VoiceProfile{{ID: "v1", Name: "Alice"}}})

	voices, err := f.ListVoices(context.Background())
	if err != nil {
		t.Fatalf("ListVoices: %v", err)
	}
	if len(voices) != 1 || voices[0].Name != "Alice" {
		t.Errorf("voices = %+v", voices)
	}
}
