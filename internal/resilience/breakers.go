package resilience

import (
	"context"
	"sync"

	"github.com/MrWong99/hearth/pkg/provider/llm"
)

// Breakers keeps one [CircuitBreaker] per provider kind.
type Breakers struct {
	cfg CircuitBreakerConfig

	mu sync.Mutex
	m  map[string]*CircuitBreaker
}

// NewBreakers returns an empty set. Every breaker is created from cfg with
// the provider kind as its name.
func NewBreakers(cfg CircuitBreakerConfig) *Breakers {
	return &Breakers{cfg: cfg, m: make(map[string]*CircuitBreaker)}
}

// Get returns the breaker for kind, creating it on first use.
func (b *Breakers) Get(kind string) *CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	cb, ok := b.m[kind]
	if !ok {
		cfg := b.cfg
		cfg.Name = kind
		cb = NewCircuitBreaker(cfg)
		b.m[kind] = cb
	}
	return cb
}

// Available reports whether the breaker of kind admits calls. It has the
// signature expected by [llm.WithAvailability].
func (b *Breakers) Available(kind string) bool {
	return b.Get(kind).Allows()
}

// States returns the current state of every breaker created so far.
func (b *Breakers) States() map[string]State {
	b.mu.Lock()
	cbs := make(map[string]*CircuitBreaker, len(b.m))
	for k, cb := range b.m {
		cbs[k] = cb
	}
	b.mu.Unlock()

	out := make(map[string]State, len(cbs))
	for k, cb := range cbs {
		out[k] = cb.State()
	}
	return out
}

// Guard wraps g so that every generation runs through the breaker of its
// kind.
func (b *Breakers) Guard(g llm.Generator) llm.Generator {
	return &guarded{Generator: g, cb: b.Get(g.Kind())}
}

// GuardAll wraps every generator in gens.
func (b *Breakers) GuardAll(gens ...llm.Generator) []llm.Generator {
	out := make([]llm.Generator, len(gens))
	for i, g := range gens {
		out[i] = b.Guard(g)
	}
	return out
}

type guarded struct {
	llm.Generator
	cb *CircuitBreaker
}

func (g *guarded) Generate(ctx context.Context, req *llm.Request) (string, error) {
	var text string
	err := g.cb.Execute(func() error {
		var err error
		text, err = g.Generator.Generate(ctx, req)
		return err
	})
	return text, err
}
