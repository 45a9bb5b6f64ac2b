package llm

import (
	"cmp"
	"slices"
)

// Router picks the preferred applicable [Generator] for a request.
type Router struct {
	gens      []Generator
	available func(kind string) bool
}

// RouterOption configures a [Router].
type RouterOption func(*Router)

// WithAvailability installs a gate consulted after IsApplicable. The chat
// engine uses it to skip providers whose circuit breaker is open.
func WithAvailability(fn func(kind string) bool) RouterOption {
	return func(r *Router) { r.available = fn }
}

// NewRouter returns a router over gens ordered by priority. Generators with
// equal priority keep their argument order.
func NewRouter(gens []Generator, opts ...RouterOption) *Router {
	sorted := slices.Clone(gens)
	slices.SortStableFunc(sorted, func(a, b Generator) int {
		return cmp.Compare(a.Priority(), b.Priority())
	})
	r := &Router{gens: sorted}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Select returns the highest-priority generator that applies to req.
func (r *Router) Select(req *Request) (Generator, error) {
	for _, g := range r.gens {
		if !g.IsApplicable(req) {
			continue
		}
		if r.available != nil && !r.available(g.Kind()) {
			continue
		}
		return g, nil
	}
	return nil, ErrNoProvider
}

// Kinds lists the registered provider kinds in priority order.
func (r *Router) Kinds() []string {
	out := make([]string, len(r.gens))
	for i, g := range r.gens {
		out[i] = g.Kind()
	}
	return out
}
