// Package elevenlabs implements [tts.Provider] on the ElevenLabs streaming
// WebSocket API.
package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/coder/websocket"

	"github.com/MrWong99/hearth/pkg/provider/tts"
	"github.com/MrWong99/hearth/pkg/types"
)

const (
	defaultStreamURL = "wss://api.elevenlabs.io"
	defaultAPIURL    = "https://api.elevenlabs.io"
	defaultModel     = "eleven_flash_v2_5"
	defaultOutputFmt = "pcm_16000"

	defaultStability  = 0.5
	defaultSimilarity = 0.75
)

var _ tts.Provider = (*Provider)(nil)

// Option configures a [Provider].
type Option func(*Provider)

// WithModel sets the ElevenLabs model id.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithOutputFormat sets the PCM output format, e.g. "pcm_24000". Only raw
// PCM formats are accepted.
func WithOutputFormat(format string) Option {
	return func(p *Provider) { p.outputFormat = format }
}

// WithEndpoints overrides the WebSocket and REST base URLs.
func WithEndpoints(streamURL, apiURL string) Option {
	return func(p *Provider) {
		p.streamURL = strings.TrimRight(streamURL, "/")
		p.apiURL = strings.TrimRight(apiURL, "/")
	}
}

// WithHTTPClient sets the client used for dialing and REST calls.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// Provider streams speech from ElevenLabs.
type Provider struct {
	apiKey       string
	model        string
	outputFormat string
	format       tts.Format
	streamURL    string
	apiURL       string
	httpClient   *http.Client
}

// New creates a Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: api key must not be empty")
	}
	p := &Provider{
		apiKey:       apiKey,
		model:        defaultModel,
		outputFormat: defaultOutputFmt,
		streamURL:    defaultStreamURL,
		apiURL:       defaultAPIURL,
		httpClient:   http.DefaultClient,
	}
	for _, o := range opts {
		o(p)
	}
	rate, err := sampleRate(p.outputFormat)
	if err != nil {
		return nil, err
	}
	p.format = tts.Format{SampleRate: rate, Channels: 1}
	return p, nil
}

// sampleRate parses "pcm_<rate>".
func sampleRate(format string) (int, error) {
	rate, ok := strings.CutPrefix(format, "pcm_")
	if !ok {
		return 0, fmt.Errorf("elevenlabs: output format %q is not raw pcm", format)
	}
	n, err := strconv.Atoi(rate)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("elevenlabs: output format %q has no sample rate", format)
	}
	return n, nil
}

type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Speed           float64 `json:"speed,omitempty"`
}

type textMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
	Flush         bool           `json:"flush,omitempty"`
}

type audioMessage struct {
	Audio   string `json:"audio"`
	IsFinal bool   `json:"isFinal"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

// settingsFor reads stability and similarity_boost from the voice metadata.
func settingsFor(v types.VoiceProfile) *voiceSettings {
	vs := &voiceSettings{Stability: defaultStability, SimilarityBoost: defaultSimilarity, Speed: v.SpeedFactor}
	if f, err := strconv.ParseFloat(v.Metadata["stability"], 64); err == nil {
		vs.Stability = f
	}
	if f, err := strconv.ParseFloat(v.Metadata["similarity_boost"], 64); err == nil {
		vs.SimilarityBoost = f
	}
	return vs
}

func (p *Provider) streamEndpoint(voiceID string) string {
	q := url.Values{}
	q.Set("model_id", p.model)
	q.Set("output_format", p.outputFormat)
	return fmt.Sprintf("%s/v1/text-to-speech/%s/stream-input?%s", p.streamURL, url.PathEscape(voiceID), q.Encode())
}

// SynthesizeStream opens a WebSocket for voice, forwards every text
// fragment and returns the decoded PCM chunks.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceProfile) (*tts.Stream, error) {
	if voice.ID == "" {
		return nil, errors.New("elevenlabs: voice id must not be empty")
	}
	conn, _, err := websocket.Dial(ctx, p.streamEndpoint(voice.ID), &websocket.DialOptions{
		HTTPClient: p.httpClient,
		HTTPHeader: http.Header{"xi-api-key": []string{p.apiKey}},
	})
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: dial: %w", err)
	}
	// The first message must carry a single space.
	if err := writeJSON(ctx, conn, textMessage{Text: " ", VoiceSettings: settingsFor(voice)}); err != nil {
		conn.Close(websocket.StatusInternalError, "init failed")
		return nil, fmt.Errorf("elevenlabs: init stream: %w", err)
	}

	var (
		mu      sync.Mutex
		failure error
	)
	fail := func(err error) {
		mu.Lock()
		if failure == nil {
			failure = err
		}
		mu.Unlock()
	}

	audio := make(chan []byte, 64)
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		defer close(audio)
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				if websocket.CloseStatus(err) != websocket.StatusNormalClosure && ctx.Err() == nil {
					fail(fmt.Errorf("elevenlabs: read: %w", err))
				}
				return
			}
			var msg audioMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				fail(fmt.Errorf("elevenlabs: decode: %w", err))
				return
			}
			if msg.Error != "" {
				fail(fmt.Errorf("elevenlabs: %s: %s", msg.Error, msg.Message))
				return
			}
			if msg.Audio != "" {
				pcm, err := base64.StdEncoding.DecodeString(msg.Audio)
				if err != nil {
					fail(fmt.Errorf("elevenlabs: decode audio: %w", err))
					return
				}
				select {
				case audio <- pcm:
				case <-ctx.Done():
					return
				}
			}
			if msg.IsFinal {
				return
			}
		}
	}()

	go func() {
		defer conn.Close(websocket.StatusNormalClosure, "")
		for {
			select {
			case frag, ok := <-text:
				if !ok {
					// An empty text closes the input; the server answers with
					// the remaining audio and isFinal.
					if err := writeJSON(ctx, conn, textMessage{Text: ""}); err != nil {
						fail(fmt.Errorf("elevenlabs: close input: %w", err))
						return
					}
					select {
					case <-readDone:
					case <-ctx.Done():
					}
					return
				}
				if strings.TrimSpace(frag) == "" {
					continue
				}
				if err := writeJSON(ctx, conn, textMessage{Text: frag + " "}); err != nil {
					fail(fmt.Errorf("elevenlabs: send text: %w", err))
					return
				}
			case <-readDone:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return &tts.Stream{
		Audio:  audio,
		Format: p.format,
		Err: func() error {
			mu.Lock()
			defer mu.Unlock()
			return failure
		},
	}, nil
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

type voicesResponse struct {
	Voices []struct {
		VoiceID  string            `json:"voice_id"`
		Name     string            `json:"name"`
		Category string            `json:"category"`
		Labels   map[string]string `json:"labels"`
	} `json:"voices"`
}

// ListVoices returns the voices available to the api key.
func (p *Provider) ListVoices(ctx context.Context) ([]types.VoiceProfile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.apiURL+"/v1/voices", nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices: %w", err)
	}
	req.Header.Set("xi-api-key", p.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("elevenlabs: list voices: unexpected status %d", resp.StatusCode)
	}

	var vr voicesResponse
	if err := json.NewDecoder(resp.Body).Decode(&vr); err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices: decode: %w", err)
	}
	out := make([]types.VoiceProfile, 0, len(vr.Voices))
	for _, v := range vr.Voices {
		meta := make(map[string]string, len(v.Labels)+1)
		maps.Copy(meta, v.Labels)
		if v.Category != "" {
			meta["category"] = v.Category
		}
		out = append(out, types.VoiceProfile{ID: v.VoiceID, Name: v.Name, Provider: "elevenlabs", Metadata: meta})
	}
	return out, nil
}
