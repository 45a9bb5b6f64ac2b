package config

import (
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sort"
	"sync"

	"github.com/MrWong99/hearth/pkg/provider/llm"
	"github.com/MrWong99/hearth/pkg/provider/llm/anyllm"
	"github.com/MrWong99/hearth/pkg/provider/llm/gemini"
	"github.com/MrWong99/hearth/pkg/provider/llm/httpsse"
	"github.com/MrWong99/hearth/pkg/provider/llm/openai"
	"github.com/MrWong99/hearth/pkg/provider/tts"
	"github.com/MrWong99/hearth/pkg/provider/tts/elevenlabs"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions for each
// provider type. It is safe for concurrent use.
type Registry struct {
	mu  sync.RWMutex
	llm map[string]func(ProviderEntry) (llm.Generator, error)
	tts map[string]func(TTSEntry) (tts.Provider, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		llm: make(map[string]func(ProviderEntry) (llm.Generator, error)),
		tts: make(map[string]func(TTSEntry) (tts.Provider, error)),
	}
}

// DefaultRegistry returns a [Registry] with every built-in provider
// registered: openai, gemini, http and free for models, elevenlabs for
// speech.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.RegisterLLM(ProviderOpenAI, func(e ProviderEntry) (llm.Generator, error) {
		var opts []openai.Option
		if e.Timeout > 0 {
			opts = append(opts, openai.WithTimeout(e.Timeout))
		}
		return openai.NewGenerator(opts...), nil
	})
	r.RegisterLLM(ProviderGemini, func(e ProviderEntry) (llm.Generator, error) {
		var opts []gemini.Option
		if e.Timeout > 0 {
			opts = append(opts, gemini.WithHTTPClient(&http.Client{Timeout: e.Timeout}))
		}
		return gemini.NewGenerator(opts...), nil
	})
	r.RegisterLLM(ProviderHTTP, func(e ProviderEntry) (llm.Generator, error) {
		var opts []httpsse.Option
		if e.Timeout > 0 {
			opts = append(opts, httpsse.WithHTTPClient(&http.Client{Timeout: e.Timeout}))
		}
		return httpsse.NewGenerator(opts...), nil
	})
	r.RegisterLLM(ProviderFree, func(e ProviderEntry) (llm.Generator, error) {
		var opts []anyllm.GeneratorOption
		if b, ok := e.Options["backend"].(string); ok && b != "" {
			opts = append(opts, anyllm.WithBackend(b))
		}
		if e.Model != "" {
			opts = append(opts, anyllm.WithDefaultModel(e.Model))
		}
		return anyllm.NewGenerator(opts...), nil
	})
	r.RegisterTTS("elevenlabs", func(e TTSEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if e.Model != "" {
			opts = append(opts, elevenlabs.WithModel(e.Model))
		}
		if e.OutputFormat != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(e.OutputFormat))
		}
		return elevenlabs.New(e.APIKey, opts...)
	})
	return r
}

// RegisterLLM registers a model provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterLLM(name string, factory func(ProviderEntry) (llm.Generator, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm[name] = factory
}

// RegisterTTS registers a TTS provider factory under name.
func (r *Registry) RegisterTTS(name string, factory func(TTSEntry) (tts.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tts[name] = factory
}

// CreateLLM instantiates the generator registered under entry.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Generator, error) {
	r.mu.RLock()
	factory, ok := r.llm[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: llm/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateTTS instantiates a TTS provider using the factory registered under entry.Name.
func (r *Registry) CreateTTS(entry TTSEntry) (tts.Provider, error) {
	r.mu.RLock()
	factory, ok := r.tts[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: tts/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateGenerators builds every entry, sorted by priority. Entries that fail
// are reported together.
func (r *Registry) CreateGenerators(entries []ProviderEntry) ([]llm.Generator, error) {
	var (
		gens []llm.Generator
		errs []error
	)
	for _, e := range entries {
		g, err := r.CreateLLM(e)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		gens = append(gens, g)
	}
	sort.SliceStable(gens, func(i, j int) bool { return gens[i].Priority() < gens[j].Priority() })
	return gens, errors.Join(errs...)
}

// LLMNames returns the registered model provider names in sorted order.
func (r *Registry) LLMNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.llm))
	for n := range r.llm {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}
