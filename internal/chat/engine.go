// Package chat is the conversation orchestrator. An [Engine] runs one turn
// at a time per character: it composes the prompt from the character's
// templates, memory and history, asks the selected model provider with
// retries, applies the tags of the answer and records the exchange.
//
// Turns arrive as [Request] values, either directly through [Engine.Turn] or
// as [eventbus.TopicSendMessage] events. Progress is reported on the bus and,
// for tracked turns, through the task registry.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/MrWong99/hearth/internal/character"
	"github.com/MrWong99/hearth/internal/eventbus"
	"github.com/MrWong99/hearth/internal/history"
	"github.com/MrWong99/hearth/internal/memory"
	"github.com/MrWong99/hearth/internal/observe"
	"github.com/MrWong99/hearth/internal/postprocess"
	"github.com/MrWong99/hearth/internal/prompt"
	"github.com/MrWong99/hearth/internal/settings"
	"github.com/MrWong99/hearth/internal/task"
	"github.com/MrWong99/hearth/internal/tools"
	"github.com/MrWong99/hearth/pkg/provider/llm"
	"github.com/MrWong99/hearth/pkg/types"
)

// ErrUnknownCharacter is returned for turns addressed to a character that is
// not registered.
var ErrUnknownCharacter = errors.New("chat: unknown character")

// ErrClosed is returned by [Engine.Turn] after [Engine.Close].
var ErrClosed = errors.New("chat: engine closed")

// Toolbox is the part of the tool manager the engine needs.
type Toolbox interface {
	Definitions() []types.ToolDefinition
	Bind(tools.Scope) llm.ToolRunner
}

var _ Toolbox = (*tools.Manager)(nil)

// Deps are the collaborators of an [Engine]. Characters, Prompts and Router
// are required; the rest may be nil.
type Deps struct {
	Bus        *eventbus.Bus
	Settings   *settings.Store
	Characters *character.Registry
	Prompts    *prompt.Engine
	Router     *llm.Router
	Tasks      *task.Registry
	Post       *postprocess.Processor
	Tools      Toolbox
	Metrics    *observe.Metrics
}

// Paths locate the per-character stores. Histories are kept in
// <Histories>/<id>/history.json, memories in <Memories>/<id>/memories.json.
type Paths struct {
	Histories string
	Memories  string
}

// Outcome describes a completed turn.
type Outcome struct {
	// Character is the id that answered; it differs from the request after
	// a scheduled character switch.
	Character string
	Text      string
	AudioPath string
	Provider  string
	Post      postprocess.Result
}

// slot is the state owned by one character. lock serialises turns from
// prompt composition through history save.
type slot struct {
	lock *semaphore.Weighted
	char *character.Character
	mem  *memory.Store
	hist *history.Store
}

// Engine runs conversation turns. It is safe for concurrent use.
type Engine struct {
	cfg  atomic.Pointer[Config]
	deps Deps
	now  func() time.Time

	slots map[string]*slot
	voice *voiceWaiter
	subs  []eventbus.Subscription

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// Option configures an [Engine].
type Option func(*Engine)

// WithClock replaces time.Now for SYSTEM_DATETIME and message timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New opens the stores of every registered character, restores their
// variables from the persisted history and subscribes to the bus.
func New(cfg Config, deps Deps, paths Paths, opts ...Option) (*Engine, error) {
	if deps.Characters == nil || deps.Prompts == nil || deps.Router == nil {
		return nil, errors.New("chat: characters, prompts and router are required")
	}
	if deps.Post == nil {
		deps.Post = postprocess.New(deps.Characters, deps.Bus)
	}
	e := &Engine{
		deps:  deps,
		now:   time.Now,
		slots: make(map[string]*slot),
		voice: newVoiceWaiter(),
	}
	e.UpdateConfig(cfg)
	for _, o := range opts {
		o(e)
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())

	for _, c := range deps.Characters.All() {
		s, err := openSlot(c, paths)
		if err != nil {
			e.cancel()
			return nil, err
		}
		e.slots[c.ID()] = s
	}
	if e.deps.Bus != nil {
		e.subscribe()
	}
	return e, nil
}

func openSlot(c *character.Character, paths Paths) (*slot, error) {
	mem, err := memory.Open(filepath.Join(paths.Memories, c.ID(), "memories.json"))
	if err != nil {
		return nil, fmt.Errorf("chat: open %s: %w", c.ID(), err)
	}
	s := &slot{
		lock: semaphore.NewWeighted(1),
		char: c,
		mem:  mem,
		hist: history.Open(filepath.Join(paths.Histories, c.ID(), "history.json")),
	}
	if err := s.restore(); err != nil {
		return nil, fmt.Errorf("chat: open %s: %w", c.ID(), err)
	}
	return s, nil
}

// restore resets the character to its seeds and overlays the variables of
// the persisted history.
func (s *slot) restore() error {
	if err := s.char.LoadSeeds(); err != nil {
		return err
	}
	d, err := s.hist.Load()
	if err != nil {
		return err
	}
	s.char.Restore(d.Variables)
	return nil
}

func (e *Engine) subscribe() {
	e.subs = append(e.subs,
		e.deps.Bus.Subscribe(eventbus.TopicSendMessage, func(_ context.Context, ev eventbus.Event) any {
			if req, ok := ev.Data.(Request); ok {
				e.Submit(req)
			}
			return nil
		}),
		e.deps.Bus.Subscribe(eventbus.TopicClearHistory, func(_ context.Context, ev eventbus.Event) any {
			id, _ := ev.Data.(string)
			e.spawn(func(ctx context.Context) {
				if err := e.ClearHistory(ctx, id); err != nil {
					slog.Error("chat: clear history failed", "character", id, "err", err)
				}
			})
			return nil
		}),
		e.deps.Bus.Subscribe(eventbus.TopicCharacterSnapshot, func(_ context.Context, ev eventbus.Event) any {
			id, _ := ev.Data.(string)
			snap, err := e.Snapshot(id)
			if err != nil {
				return nil
			}
			return snap
		}),
		e.deps.Bus.Subscribe(eventbus.TopicVoiceReady, e.voice.onReady),
		e.deps.Bus.Subscribe(eventbus.TopicVoiceFailed, e.voice.onFailed),
	)
}

// UpdateConfig replaces the engine defaults. Turns already running keep
// the policy they started with.
func (e *Engine) UpdateConfig(cfg Config) {
	c := cfg.withDefaults()
	e.cfg.Store(&c)
}

func (e *Engine) config() *Config { return e.cfg.Load() }

// CharacterIDs lists the ids the engine serves.
func (e *Engine) CharacterIDs() []string {
	return e.deps.Characters.IDs()
}

// Character returns the runtime state of id.
func (e *Engine) Character(id string) (*character.Character, bool) {
	s, ok := e.slots[id]
	if !ok {
		return nil, false
	}
	return s.char, true
}

// Memory returns the memory store of id.
func (e *Engine) Memory(id string) (*memory.Store, bool) {
	s, ok := e.slots[id]
	if !ok {
		return nil, false
	}
	return s.mem, true
}

// History returns the history store of id.
func (e *Engine) History(id string) (*history.Store, bool) {
	s, ok := e.slots[id]
	if !ok {
		return nil, false
	}
	return s.hist, true
}

func (e *Engine) slot(id string) (*slot, error) {
	s, ok := e.slots[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCharacter, id)
	}
	return s, nil
}

// Submit runs req in the background. Failures are reported through the
// task registry and the bus.
func (e *Engine) Submit(req Request) {
	ok := e.spawn(func(ctx context.Context) {
		_, _ = e.Turn(ctx, req)
	})
	if !ok && req.TaskUID != "" && e.deps.Tasks != nil {
		_ = e.deps.Tasks.Cancel(req.TaskUID)
	}
}

// spawn runs fn on a goroutine tracked by Close. It reports false once the
// engine is closed.
func (e *Engine) spawn(fn func(ctx context.Context)) bool {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return false
	}
	e.wg.Add(1)
	e.mu.Unlock()
	go func() {
		defer e.wg.Done()
		fn(e.ctx)
	}()
	return true
}

// ClearHistory resets a character: variables go back to the config.json
// seeds, history and memory are emptied and the prompt cache is dropped.
func (e *Engine) ClearHistory(ctx context.Context, id string) error {
	s, err := e.slot(id)
	if err != nil {
		return err
	}
	if err := s.lock.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.lock.Release(1)

	var errs []error
	if err := s.hist.Clear(); err != nil {
		errs = append(errs, err)
	}
	if err := s.mem.Clear(); err != nil {
		errs = append(errs, err)
	}
	if err := s.char.LoadSeeds(); err != nil {
		errs = append(errs, err)
	}
	e.deps.Prompts.Invalidate(s.char.Dir())
	slog.Info("chat: history cleared", "character", id)
	return errors.Join(errs...)
}

// Reload rereads a character's config.json and history variables and drops
// its cached templates. It waits for a running turn of that character.
func (e *Engine) Reload(ctx context.Context, id string) error {
	s, err := e.slot(id)
	if err != nil {
		return err
	}
	if err := s.lock.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.lock.Release(1)
	e.deps.Prompts.Invalidate(s.char.Dir())
	if err := s.restore(); err != nil {
		return fmt.Errorf("chat: reload %s: %w", id, err)
	}
	slog.Debug("chat: character reloaded", "character", id)
	return nil
}

// Snapshot returns a copy of a character's variables, its memory and the
// length of its history. It does not wait for a running turn.
func (e *Engine) Snapshot(id string) (Snapshot, error) {
	s, err := e.slot(id)
	if err != nil {
		return Snapshot{}, err
	}
	d, err := s.hist.Load()
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		Character:     s.char.Snapshot(),
		Memories:      s.mem.Entries(),
		HistoryLength: len(d.Messages),
	}, nil
}

// Close stops accepting work, cancels running turns and waits for them
// until ctx expires.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	if e.deps.Bus != nil {
		for _, s := range e.subs {
			e.deps.Bus.Unsubscribe(s)
		}
	}
	e.cancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("chat: close: %w", ctx.Err())
	}
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func (e *Engine) emit(ctx context.Context, topic string, data any) {
	if e.deps.Bus != nil {
		e.deps.Bus.Emit(ctx, topic, data)
	}
}
