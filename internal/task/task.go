// Package task tracks conversational requests from creation to completion.
//
// Every task moves through PENDING → RUNNING → SUCCESS | FAILED, and may be
// CANCELLED from any non-terminal state. Terminal states are final; the
// [Registry] rejects any transition that would move a task backwards or out
// of a terminal state. Each accepted transition is published on
// [eventbus.TopicTaskStatusChanged] in the order it happened.
package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/hearth/internal/eventbus"
	"github.com/MrWong99/hearth/internal/observe"
)

var (
	// ErrNotFound is returned for unknown task ids.
	ErrNotFound = errors.New("task: not found")

	// ErrTerminal is returned when a finished task is asked to change.
	ErrTerminal = errors.New("task: already finished")

	// ErrTransition is returned for a transition the lifecycle forbids.
	ErrTransition = errors.New("task: invalid transition")
)

// Status is a lifecycle state.
type Status string

const (
	Pending   Status = "PENDING"
	Running   Status = "RUNNING"
	Success   Status = "SUCCESS"
	Failed    Status = "FAILED"
	Cancelled Status = "CANCELLED"
)

// Terminal reports whether s is final.
func (s Status) Terminal() bool {
	return s == Success || s == Failed || s == Cancelled
}

// rank orders statuses along the lifecycle.
func (s Status) rank() int {
	switch s {
	case Pending:
		return 0
	case Running:
		return 1
	default:
		return 2
	}
}

// Type is the kind of request a task represents.
type Type string

const (
	TypeChat            Type = "chat"
	TypeIdle            Type = "idle"
	TypeSystemInfoFlush Type = "system_info_flush"
)

// Data is the input snapshot of a task.
type Data struct {
	Character   string   `json:"character"`
	UserInput   string   `json:"user_input,omitempty"`
	SystemInput string   `json:"system_input,omitempty"`
	ClientID    string   `json:"client_id,omitempty"`
	EventType   string   `json:"event_type,omitempty"`
	Images      []string `json:"-"`
}

// Result is the outcome of a successful task.
type Result struct {
	Text      string `json:"text"`
	AudioPath string `json:"audio_path,omitempty"`
}

// Task is a point-in-time copy of a tracked request.
type Task struct {
	UID           string    `json:"uid"`
	Type          Type      `json:"type"`
	Data          Data      `json:"data"`
	Status        Status    `json:"status"`
	PartialOutput string    `json:"partial_output,omitempty"`
	Result        *Result   `json:"result,omitempty"`
	Error         string    `json:"error,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Changed is the payload of [eventbus.TopicTaskStatusChanged].
type Changed struct {
	Task     Task   `json:"task"`
	Previous Status `json:"previous"`
}

type record struct {
	task   Task
	cancel context.CancelFunc
}

// Registry is the table of tasks. It is safe for concurrent use.
type Registry struct {
	bus     *eventbus.Bus
	metrics *observe.Metrics
	now     func() time.Time

	// emitMu serialises transitions with their publication so subscribers
	// observe every task's statuses in lifecycle order.
	emitMu sync.Mutex

	mu    sync.RWMutex
	tasks map[string]*record
}

// Option configures a [Registry].
type Option func(*Registry)

// WithMetrics counts tasks per type and status.
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New returns an empty registry publishing on bus. bus may be nil.
func New(bus *eventbus.Bus, opts ...Option) *Registry {
	r := &Registry{bus: bus, now: time.Now, tasks: make(map[string]*record)}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Create registers a new PENDING task.
func (r *Registry) Create(typ Type, data Data) Task {
	now := r.now()
	t := Task{
		UID:       uuid.NewString(),
		Type:      typ,
		Data:      data,
		Status:    Pending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	r.emitMu.Lock()
	defer r.emitMu.Unlock()
	r.mu.Lock()
	r.tasks[t.UID] = &record{task: t}
	r.mu.Unlock()

	r.publish(Changed{Task: t})
	return t
}

// Get returns a copy of the task.
func (r *Registry) Get(uid string) (Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.tasks[uid]
	if !ok {
		return Task{}, fmt.Errorf("%w: %s", ErrNotFound, uid)
	}
	return rec.task, nil
}

// Find returns every task for which match is true.
func (r *Registry) Find(match func(Task) bool) []Task {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Task
	for _, rec := range r.tasks {
		if match(rec.task) {
			out = append(out, rec.task)
		}
	}
	return out
}

// Bind attaches the cancel function of the work that executes uid. A later
// [Registry.Cancel] invokes it. Binding to a finished task cancels at once.
func (r *Registry) Bind(uid string, cancel context.CancelFunc) error {
	r.mu.Lock()
	rec, ok := r.tasks[uid]
	if ok && !rec.task.Status.Terminal() {
		rec.cancel = cancel
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()
	cancel()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, uid)
	}
	return fmt.Errorf("%w: %s", ErrTerminal, uid)
}

// Start moves a PENDING task to RUNNING.
func (r *Registry) Start(uid string) error {
	return r.transition(uid, Running, nil)
}

// AppendPartial appends streamed text to a RUNNING task without a status
// change. No event is published.
func (r *Registry) AppendPartial(uid, chunk string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.tasks[uid]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, uid)
	}
	if rec.task.Status != Running {
		return fmt.Errorf("%w: append to %s task %s", ErrTransition, rec.task.Status, uid)
	}
	rec.task.PartialOutput += chunk
	rec.task.UpdatedAt = r.now()
	return nil
}

// ResetPartial discards the partial output of a RUNNING task.
func (r *Registry) ResetPartial(uid string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.tasks[uid]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, uid)
	}
	if rec.task.Status != Running {
		return fmt.Errorf("%w: reset %s task %s", ErrTransition, rec.task.Status, uid)
	}
	rec.task.PartialOutput = ""
	rec.task.UpdatedAt = r.now()
	return nil
}

// Succeed finishes a RUNNING task with res.
func (r *Registry) Succeed(uid string, res Result) error {
	return r.transition(uid, Success, func(t *Task) { t.Result = &res })
}

// Fail finishes a task with a short human-readable reason.
func (r *Registry) Fail(uid, reason string) error {
	return r.transition(uid, Failed, func(t *Task) { t.Error = reason })
}

// Cancel finishes a non-terminal task and aborts its bound work.
func (r *Registry) Cancel(uid string) error {
	return r.transition(uid, Cancelled, nil)
}

func (r *Registry) transition(uid string, to Status, mutate func(*Task)) error {
	r.emitMu.Lock()
	defer r.emitMu.Unlock()

	r.mu.Lock()
	rec, ok := r.tasks[uid]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, uid)
	}
	from := rec.task.Status
	if err := allowed(from, to); err != nil {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", err, uid)
	}
	rec.task.Status = to
	rec.task.UpdatedAt = r.now()
	if mutate != nil {
		mutate(&rec.task)
	}
	var cancel context.CancelFunc
	if to.Terminal() {
		cancel, rec.cancel = rec.cancel, nil
	}
	snap := rec.task
	r.mu.Unlock()

	if cancel != nil && to == Cancelled {
		cancel()
	}
	r.publish(Changed{Task: snap, Previous: from})
	return nil
}

// allowed checks the lifecycle: statuses only move forward, RUNNING is
// required before SUCCESS, and terminal statuses are final.
func allowed(from, to Status) error {
	switch {
	case from.Terminal():
		return ErrTerminal
	case to.rank() <= from.rank():
		return ErrTransition
	case to == Success && from != Running:
		return ErrTransition
	}
	return nil
}

func (r *Registry) publish(c Changed) {
	if r.metrics != nil {
		r.metrics.RecordTask(context.Background(), string(c.Task.Type), string(c.Task.Status))
	}
	slog.Debug("task: status changed", "task", c.Task.UID, "type", c.Task.Type, "from", c.Previous, "to", c.Task.Status)
	if r.bus != nil {
		r.bus.Emit(context.Background(), eventbus.TopicTaskStatusChanged, c)
	}
}

// Prune forgets terminal tasks last updated before cutoff and returns how
// many were removed.
func (r *Registry) Prune(cutoff time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for uid, rec := range r.tasks {
		if rec.task.Status.Terminal() && rec.task.UpdatedAt.Before(cutoff) {
			delete(r.tasks, uid)
			n++
		}
	}
	return n
}

// Len returns the number of tracked tasks.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tasks)
}
