// Package eventbus implements the in-process publish/subscribe bus that
// decouples Hearth's components.
//
// Three delivery modes are offered:
//
//   - [Bus.Emit] queues the event and returns immediately. Events are
//     sharded onto worker goroutines by topic, so all events of one topic are
//     delivered in the order they were emitted.
//   - [Bus.EmitSync] invokes every handler on the caller's goroutine in
//     registration order.
//   - [Bus.EmitAndWait] invokes every handler concurrently and gathers the
//     non-nil return values, in registration order, until all handlers have
//     answered or the timeout elapses.
//
// Handler panics are recovered, logged and counted; they never reach the
// emitter. Subscriptions are strong by default: [Bus.Subscribe] keeps the
// handler and everything it captures reachable until [Bus.Unsubscribe].
// A Go func value cannot be referenced weakly, so weak delivery is the
// opt-in [SubscribeWeak], which ties the subscription to the lifetime of an
// owner object instead.
package eventbus

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"runtime"
	"runtime/debug"
	"slices"
	"sync"
	"sync/atomic"
	"time"
	"weak"

	"golang.org/x/sync/semaphore"

	"github.com/MrWong99/hearth/internal/observe"
)

// Event is a single published message.
type Event struct {
	Topic string
	Data  any
	Time  time.Time
}

// Handler reacts to an event. The return value is only observed by
// [Bus.EmitAndWait]; other delivery modes discard it.
type Handler func(ctx context.Context, ev Event) any

// Subscription identifies a registered handler so it can be removed again.
type Subscription struct {
	Topic string
	ID    uint64
}

type subscriber struct {
	id      uint64
	handler Handler

	// alive reports whether a weak owner is still reachable. Nil for strong
	// subscriptions.
	alive func() bool
}

type job struct {
	ctx context.Context
	ev  Event
}

// Bus is a topic-based event bus. The zero value is not usable; create one
// with [New]. A Bus is safe for concurrent use.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string][]*subscriber
	nextID atomic.Uint64

	// closeMu guards shards against sends after Close.
	closeMu sync.RWMutex
	closed  bool
	shards  []chan job
	wg      sync.WaitGroup

	waiters *semaphore.Weighted
	metrics *observe.Metrics
	now     func() time.Time
}

// Option configures a [Bus].
type Option func(*config)

type config struct {
	workers   int
	queueSize int
	maxWaits  int64
	metrics   *observe.Metrics
}

// WithWorkers sets the number of asynchronous delivery workers. Default: 4.
func WithWorkers(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.workers = n
		}
	}
}

// WithQueueSize sets the per-worker queue capacity. When a queue is full,
// [Bus.Emit] drops the event and counts it. Default: 1024.
func WithQueueSize(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.queueSize = n
		}
	}
}

// WithMaxConcurrentWaits bounds the number of handler goroutines
// [Bus.EmitAndWait] runs at once across all callers. Default: 64.
func WithMaxConcurrentWaits(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.maxWaits = int64(n)
		}
	}
}

// WithMetrics records dropped events and handler panics on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *config) { c.metrics = m }
}

// New creates a Bus and starts its delivery workers. Call [Bus.Close] to
// stop them.
func New(opts ...Option) *Bus {
	cfg := config{workers: 4, queueSize: 1024, maxWaits: 64}
	for _, o := range opts {
		o(&cfg)
	}

	b := &Bus{
		subs:    make(map[string][]*subscriber),
		shards:  make([]chan job, cfg.workers),
		waiters: semaphore.NewWeighted(cfg.maxWaits),
		metrics: cfg.metrics,
		now:     time.Now,
	}
	for i := range b.shards {
		ch := make(chan job, cfg.queueSize)
		b.shards[i] = ch
		b.wg.Add(1)
		go b.work(ch)
	}
	return b
}

// Subscribe registers h for topic with a strong reference; see
// [SubscribeWeak] for the weak variant. Handlers of one topic are invoked in
// registration order by the synchronous delivery modes.
func (b *Bus) Subscribe(topic string, h Handler) Subscription {
	return b.add(topic, &subscriber{handler: h})
}

// SubscribeWeak registers fn for topic without keeping owner reachable. Once
// owner has been garbage collected the subscription is removed. fn receives
// the owner on every call and must not capture it itself; pass a method
// expression such as (*Widget).onEvent rather than a bound method value.
func SubscribeWeak[T any](b *Bus, topic string, owner *T, fn func(owner *T, ctx context.Context, ev Event) any) Subscription {
	wp := weak.Make(owner)
	sub := b.add(topic, &subscriber{
		handler: func(ctx context.Context, ev Event) any {
			o := wp.Value()
			if o == nil {
				return nil
			}
			return fn(o, ctx, ev)
		},
		alive: func() bool { return wp.Value() != nil },
	})
	runtime.AddCleanup(owner, func(s Subscription) { b.Unsubscribe(s) }, sub)
	return sub
}

func (b *Bus) add(topic string, s *subscriber) Subscription {
	s.id = b.nextID.Add(1)
	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], s)
	b.mu.Unlock()
	return Subscription{Topic: topic, ID: s.id}
}

// Unsubscribe removes a subscription. Removing an unknown or already removed
// subscription is a no-op.
func (b *Bus) Unsubscribe(s Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subs[s.Topic]
	list = slices.DeleteFunc(slices.Clone(list), func(e *subscriber) bool { return e.id == s.ID })
	if len(list) == 0 {
		delete(b.subs, s.Topic)
		return
	}
	b.subs[s.Topic] = list
}

// HasSubscribers reports whether any live handler is registered for topic.
func (b *Bus) HasSubscribers(topic string) bool {
	return len(b.snapshot(topic)) > 0
}

// snapshot returns the live subscribers of topic in registration order and
// prunes weak subscribers whose owner is gone.
func (b *Bus) snapshot(topic string) []*subscriber {
	b.mu.RLock()
	list := b.subs[topic]
	b.mu.RUnlock()

	live := make([]*subscriber, 0, len(list))
	var dead []Subscription
	for _, s := range list {
		if s.alive != nil && !s.alive() {
			dead = append(dead, Subscription{Topic: topic, ID: s.id})
			continue
		}
		live = append(live, s)
	}
	for _, d := range dead {
		b.Unsubscribe(d)
	}
	return live
}

// Emit publishes an event asynchronously. Delivery happens on a worker
// goroutine with a context detached from ctx's cancellation. Events emitted
// after [Bus.Close] or while the topic's queue is full are dropped.
func (b *Bus) Emit(ctx context.Context, topic string, data any) {
	ev := Event{Topic: topic, Data: data, Time: b.now()}
	j := job{ctx: context.WithoutCancel(ctx), ev: ev}

	b.closeMu.RLock()
	defer b.closeMu.RUnlock()
	if b.closed {
		slog.Debug("eventbus: emit after close", "topic", topic)
		return
	}
	select {
	case b.shards[shardFor(topic, len(b.shards))] <- j:
	default:
		slog.Warn("eventbus: queue full, dropping event", "topic", topic)
		if b.metrics != nil {
			b.metrics.RecordDroppedEvent(ctx, topic)
		}
	}
}

// EmitSync invokes every handler of topic on the caller's goroutine in
// registration order.
func (b *Bus) EmitSync(ctx context.Context, topic string, data any) {
	ev := Event{Topic: topic, Data: data, Time: b.now()}
	for _, s := range b.snapshot(topic) {
		b.invoke(ctx, s, ev)
	}
}

// EmitAndWait invokes every handler of topic concurrently and returns their
// non-nil results in registration order. Handlers that have not answered
// when timeout elapses (or ctx is done) are left running and their results
// are discarded.
func (b *Bus) EmitAndWait(ctx context.Context, topic string, data any, timeout time.Duration) []any {
	subs := b.snapshot(topic)
	if len(subs) == 0 {
		return nil
	}
	ev := Event{Topic: topic, Data: data, Time: b.now()}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type answer struct {
		idx int
		val any
	}
	answers := make(chan answer, len(subs))
	launched := 0
	for i, s := range subs {
		if err := b.waiters.Acquire(waitCtx, 1); err != nil {
			break
		}
		launched++
		go func() {
			defer b.waiters.Release(1)
			answers <- answer{idx: i, val: b.invoke(waitCtx, s, ev)}
		}()
	}

	results := make([]any, len(subs))
	for received := 0; received < launched; received++ {
		select {
		case a := <-answers:
			results[a.idx] = a.val
		case <-waitCtx.Done():
			slog.Debug("eventbus: emit_and_wait timed out",
				"topic", topic, "answered", received, "handlers", len(subs))
			return compact(results)
		}
	}
	return compact(results)
}

func compact(vals []any) []any {
	out := make([]any, 0, len(vals))
	for _, v := range vals {
		if v != nil {
			out = append(out, v)
		}
	}
	return out
}

// invoke runs a handler and converts a panic into a logged nil result.
func (b *Bus) invoke(ctx context.Context, s *subscriber, ev Event) (result any) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("eventbus: handler panicked",
				"topic", ev.Topic,
				"subscription", s.id,
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()),
			)
			if b.metrics != nil {
				b.metrics.RecordHandlerPanic(ctx, ev.Topic)
			}
			result = nil
		}
	}()
	return s.handler(ctx, ev)
}

func (b *Bus) work(ch <-chan job) {
	defer b.wg.Done()
	for j := range ch {
		for _, s := range b.snapshot(j.ev.Topic) {
			b.invoke(j.ctx, s, j.ev)
		}
	}
}

// Close stops accepting asynchronous events and waits for queued events to
// be delivered. It returns ctx.Err() if ctx expires first. Close is
// idempotent.
func (b *Bus) Close(ctx context.Context) error {
	b.closeMu.Lock()
	if !b.closed {
		b.closed = true
		for _, ch := range b.shards {
			close(ch)
		}
	}
	b.closeMu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("eventbus: close: %w", ctx.Err())
	}
}

func shardFor(topic string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(topic))
	return int(h.Sum32() % uint32(n))
}
