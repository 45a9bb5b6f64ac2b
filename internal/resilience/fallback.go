package resilience

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every member of a [FallbackGroup] failed or
// had an open breaker.
var ErrAllFailed = errors.New("resilience: all providers failed")

// FallbackGroup is an ordered list of interchangeable backends, each behind
// its own [CircuitBreaker]. Calls go to the first member whose breaker
// admits them; a failure moves on to the next member.
//
// Members are added before use; after that the group is safe for concurrent
// use.
type FallbackGroup[T any] struct {
	cfg     CircuitBreakerConfig
	members []member[T]
}

type member[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// NewFallbackGroup returns an empty group whose members get breakers built
// from cfg. cfg.Name is replaced by the member name.
func NewFallbackGroup[T any](cfg CircuitBreakerConfig) *FallbackGroup[T] {
	return &FallbackGroup[T]{cfg: cfg}
}

// Add appends a member. Members are tried in the order they were added.
func (g *FallbackGroup[T]) Add(name string, v T) {
	cfg := g.cfg
	cfg.Name = name
	g.members = append(g.members, member[T]{name: name, value: v, breaker: NewCircuitBreaker(cfg)})
}

// Len reports the number of members.
func (g *FallbackGroup[T]) Len() int { return len(g.members) }

// States returns the breaker state of every member by name.
func (g *FallbackGroup[T]) States() map[string]State {
	out := make(map[string]State, len(g.members))
	for _, m := range g.members {
		out[m.name] = m.breaker.State()
	}
	return out
}

// Execute calls fn with each member until one succeeds.
func (g *FallbackGroup[T]) Execute(fn func(name string, v T) error) error {
	_, err := ExecuteWithResult(g, func(name string, v T) (struct{}, error) {
		return struct{}{}, fn(name, v)
	})
	return err
}

// ExecuteWithResult is [FallbackGroup.Execute] for calls that produce a
// value. It is a function because methods cannot have type parameters.
func ExecuteWithResult[T, R any](g *FallbackGroup[T], fn func(name string, v T) (R, error)) (R, error) {
	var (
		zero R
		errs []error
	)
	if len(g.members) == 0 {
		return zero, fmt.Errorf("%w: group is empty", ErrAllFailed)
	}
	for i := range g.members {
		m := &g.members[i]
		var result R
		err := m.breaker.Execute(func() error {
			var err error
			result, err = fn(m.name, m.value)
			return err
		})
		if err == nil {
			return result, nil
		}
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("resilience: skipping open member", "member", m.name)
		} else {
			slog.Warn("resilience: member failed, trying next", "member", m.name, "err", err)
		}
		errs = append(errs, fmt.Errorf("%s: %w", m.name, err))
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, errors.Join(errs...))
}
