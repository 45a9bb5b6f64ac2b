package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/hearth/internal/character"
	"github.com/MrWong99/hearth/internal/compress"
	"github.com/MrWong99/hearth/internal/eventbus"
	"github.com/MrWong99/hearth/internal/history"
	"github.com/MrWong99/hearth/internal/observe"
	"github.com/MrWong99/hearth/internal/postprocess"
	"github.com/MrWong99/hearth/internal/task"
	"github.com/MrWong99/hearth/internal/tools"
	"github.com/MrWong99/hearth/pkg/provider/llm"
	"github.com/MrWong99/hearth/pkg/types"
)

// dateTimeLayout formats SYSTEM_DATETIME.
const dateTimeLayout = "2006-01-02 15:04 Monday"

// Turn runs one conversation turn for req and blocks until it finished.
//
// When req names a task, the task is bound to the turn: cancelling it aborts
// the turn and leaves the history untouched. The task is started once the
// prompt is composed and resolved when the turn ends.
func (e *Engine) Turn(ctx context.Context, req Request) (out Outcome, err error) {
	start := e.now()
	if e.isClosed() {
		err = ErrClosed
	}
	s, serr := e.slot(req.Character)
	if err == nil {
		err = serr
	}
	if err != nil {
		e.finish(ctx, req, req.Character, out, err, start)
		return out, err
	}

	if req.TaskUID != "" && e.deps.Tasks != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithCancel(ctx)
		defer cancel()
		if err := e.deps.Tasks.Bind(req.TaskUID, cancel); err != nil {
			return out, fmt.Errorf("chat: %w", err)
		}
	}

	s = e.applySwitch(ctx, s)
	ctx, span := observe.StartSpan(ctx, "chat.turn", trace.WithAttributes(
		attribute.String("character", s.char.ID()),
		attribute.String("task.type", string(req.Type)),
	))
	defer span.End()

	if err := s.lock.Acquire(ctx, 1); err != nil {
		e.finish(ctx, req, s.char.ID(), out, err, start)
		return out, err
	}
	out, voice, err := e.run(ctx, s, req)
	s.lock.Release(1)
	if err == nil && voice {
		out.AudioPath = e.speak(ctx, s, req.TaskUID, out.Text)
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	e.finish(ctx, req, s.char.ID(), out, err, start)
	return out, err
}

// applySwitch follows a character switch scheduled by a previous answer.
func (e *Engine) applySwitch(ctx context.Context, s *slot) *slot {
	to := s.char.TakePendingSwitch()
	if to == "" || to == s.char.ID() {
		return s
	}
	next, ok := e.slots[to]
	if !ok {
		slog.Warn("chat: pending switch to unknown character", "character", s.char.ID(), "to", to)
		return s
	}
	slog.Info("chat: character switched", "from", s.char.ID(), "to", to)
	e.emit(ctx, eventbus.TopicCharacterSwitched, Switched{From: s.char.ID(), To: to})
	return next
}

// run is the body of a turn, from prompt composition to the history save.
// The caller holds the slot lock. The boolean reports whether the answer
// should be spoken once the lock is released.
func (e *Engine) run(ctx context.Context, s *slot, req Request) (Outcome, bool, error) {
	id := s.char.ID()
	log := observe.Logger(ctx).With("character", id, "task", req.TaskUID)
	pol := e.config().resolve(e.deps.Settings)
	now := e.now()

	vars := s.char.Vars()
	maps.Copy(vars, e.appVars(ctx, id))
	vars[VarDateTime] = now.Format(dateTimeLayout)

	rendered, err := e.deps.Prompts.Render(s.char.Dir(), vars)
	if err != nil {
		return Outcome{}, false, &failure{reason: reasonPrompt, err: err}
	}
	system := rendered.Messages(pol.separate)
	system = append(system, types.Message{Role: types.RoleSystem, Content: s.mem.Formatted()})

	turnMsgs := e.turnMessages(req, rendered.SystemInfo, now)

	stored, err := s.hist.Load()
	if err != nil {
		return Outcome{}, false, &failure{reason: reasonPersistence, err: err}
	}

	rq := e.preset(s.char).request()
	gen, err := e.deps.Router.Select(&rq)
	if err != nil {
		return Outcome{}, false, &failure{reason: reasonNoProvider, err: err}
	}

	overhead := append(append([]types.Message(nil), system...), turnMsgs...)
	comp := compress.New(pol.compression, compress.NewLLMSummariser(gen, rq))
	compressed, err := comp.Apply(ctx, stored.Messages, overhead, countAnswers(stored.Messages)+1)
	if err != nil {
		return Outcome{}, false, err
	}

	msgs := make([]types.Message, 0, len(system)+len(compressed.History)+len(turnMsgs))
	msgs = append(msgs, system...)
	msgs = append(msgs, compressed.History...)
	msgs = append(msgs, turnMsgs...)
	msgs = compress.ReduceImages(msgs, pol.images)
	e.emit(ctx, eventbus.TopicTokenCount, TokenCount{Character: id, PromptTokens: llm.EstimateTokens(msgs)})

	if err := ctx.Err(); err != nil {
		return Outcome{}, false, err
	}
	if req.TaskUID != "" && e.deps.Tasks != nil {
		if err := e.deps.Tasks.Start(req.TaskUID); err != nil {
			if errors.Is(err, task.ErrTerminal) {
				return Outcome{}, false, context.Canceled
			}
			return Outcome{}, false, fmt.Errorf("chat: %w", err)
		}
	}

	rq.Messages = msgs
	rq.Stream = pol.stream
	if pol.stream {
		rq.OnChunk = e.chunkSink(ctx, id, req.TaskUID)
	}
	if pol.toolsOn && e.deps.Tools != nil {
		rq.ToolsOn = true
		rq.Tools = e.deps.Tools.Definitions()
		rq.ToolRunner = e.deps.Tools.Bind(tools.Scope{Character: s.char, Memory: s.mem})
	}

	text, provider, err := e.generate(ctx, id, req.TaskUID, &rq, pol)
	if err != nil {
		return Outcome{}, false, err
	}
	if pol.stream {
		e.emit(ctx, eventbus.TopicStreamFinished, StreamFinished{Character: id, TaskUID: req.TaskUID})
	}
	if err := ctx.Err(); err != nil {
		return Outcome{}, false, err
	}

	rules, err := e.deps.Prompts.PostRules(s.char.Dir())
	if err != nil {
		log.Warn("chat: post rules unavailable", "err", err)
	}
	post, err := e.deps.Post.Process(ctx, postprocess.Target{Character: s.char, Memory: s.mem, Rules: rules}, text)
	if err != nil {
		e.rollback(s)
		return Outcome{}, false, &failure{reason: reasonPersistence, err: err}
	}

	answer := types.Message{Role: types.RoleAssistant, Content: post.Text, Timestamp: e.now()}
	if err := e.persist(s, compressed, pol, append(turnMsgs, answer)); err != nil {
		e.rollback(s)
		return Outcome{}, false, &failure{reason: reasonPersistence, err: err}
	}
	log.Debug("chat: turn recorded", "provider", provider, "compressed", compressed.Compressed)

	e.emit(ctx, eventbus.TopicTextReady, TextReady{Character: id, Text: post.Text, TaskUID: req.TaskUID})

	out := Outcome{Character: id, Text: post.Text, Provider: provider, Post: post}
	return out, pol.voice && post.Text != "", nil
}

// appVars collects the transient application variables.
func (e *Engine) appVars(ctx context.Context, id string) map[string]any {
	vars := map[string]any{}
	if e.deps.Bus == nil {
		return vars
	}
	for _, r := range e.deps.Bus.EmitAndWait(ctx, eventbus.TopicGetAppVars, id, e.config().AppVarsTimeout) {
		if m, ok := r.(map[string]any); ok {
			maps.Copy(vars, m)
		}
	}
	return vars
}

// turnMessages builds the new messages of this turn: the system-info note
// (drained buffer plus template hints) and the user message.
func (e *Engine) turnMessages(req Request, hints []string, now time.Time) []types.Message {
	var msgs []types.Message

	var info []string
	if s := strings.TrimSpace(req.SystemInput); s != "" {
		info = append(info, s)
	}
	info = append(info, hints...)
	if len(info) > 0 {
		msgs = append(msgs, types.Message{Role: types.RoleSystem, Content: strings.Join(info, "\n"), Timestamp: now})
	}

	text := req.UserInput
	if req.Type == task.TypeIdle && strings.TrimSpace(text) == "" {
		text = e.config().IdlePrompt
	}
	user := types.Message{Role: types.RoleUser, Content: text, Timestamp: now}
	if len(req.Images) > 0 {
		var parts []types.ContentPart
		if text != "" {
			parts = append(parts, types.TextPart(text))
		}
		for i, img := range req.Images {
			p, err := types.ImageFromBase64(img)
			if err != nil {
				slog.Warn("chat: dropping undecodable image", "character", req.Character, "index", i, "err", err)
				continue
			}
			parts = append(parts, p)
		}
		if len(parts) > 0 {
			user.Content = ""
			user.Parts = parts
		}
	}
	if user.Content != "" || len(user.Parts) > 0 {
		msgs = append(msgs, user)
	}
	return msgs
}

// preset returns the model preset of c: the CHARACTER_PROVIDER_<ID> setting
// first, then the character's own preset, then the default.
func (e *Engine) preset(c *character.Character) Preset {
	cfg := e.config()
	name := c.Definition().Preset
	if name == "" {
		name = cfg.DefaultPreset
	}
	if e.deps.Settings != nil {
		name = e.deps.Settings.String(ProviderKey(c.ID()), name)
	}
	p, ok := cfg.Presets[name]
	if !ok && name != cfg.DefaultPreset {
		slog.Warn("chat: unknown preset, using default", "character", c.ID(), "preset", name)
		p = cfg.Presets[cfg.DefaultPreset]
	}
	return p
}

// chunkSink forwards streamed text to the task and the bus.
func (e *Engine) chunkSink(ctx context.Context, id, uid string) func(string) {
	return func(text string) {
		if text == "" {
			return
		}
		if uid != "" && e.deps.Tasks != nil {
			_ = e.deps.Tasks.AppendPartial(uid, text)
		}
		e.emit(ctx, eventbus.TopicStreamChunk, StreamChunk{Character: id, TaskUID: uid, Text: text})
	}
}

// persist records the turn. With destructive compression the compressed
// history replaces the stored one.
func (e *Engine) persist(s *slot, c compress.Outcome, pol policy, msgs []types.Message) error {
	vars := s.char.Vars()
	delete(vars, character.VarPendingSwitch)
	if pol.compression.Destructive && c.Compressed > 0 {
		all := make([]types.Message, 0, len(c.History)+len(msgs))
		all = append(all, c.History...)
		all = append(all, msgs...)
		return s.hist.Save(history.Data{Messages: all, Variables: vars})
	}
	return s.hist.Append(vars, msgs...)
}

// rollback discards in-memory side effects of a turn that could not be
// persisted by reloading the character from disk.
func (e *Engine) rollback(s *slot) {
	var errs []error
	if err := s.mem.Reload(); err != nil {
		errs = append(errs, err)
	}
	if err := s.restore(); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		slog.Error("chat: rollback failed", "character", s.char.ID(), "err", err)
	}
}

// finish resolves the task, emits the failure event and records metrics.
func (e *Engine) finish(ctx context.Context, req Request, id string, out Outcome, err error, start time.Time) {
	status := "success"
	switch {
	case err == nil:
		if req.TaskUID != "" && e.deps.Tasks != nil {
			res := task.Result{Text: out.Text, AudioPath: out.AudioPath}
			if terr := e.deps.Tasks.Succeed(req.TaskUID, res); terr != nil {
				slog.Warn("chat: task not resolved", "task", req.TaskUID, "err", terr)
			}
		}
	case errors.Is(err, context.Canceled) || errors.Is(err, ErrClosed):
		status = "cancelled"
		if req.TaskUID != "" && e.deps.Tasks != nil {
			// Already CANCELLED when the player cancelled; this covers shutdown.
			_ = e.deps.Tasks.Cancel(req.TaskUID)
		}
		slog.Info("chat: turn cancelled", "character", id, "task", req.TaskUID)
	default:
		status = "failed"
		f := asFailure(err)
		slog.Error("chat: turn failed", "character", id, "task", req.TaskUID, "reason", f.reason, "err", err)
		if req.TaskUID != "" && e.deps.Tasks != nil {
			_ = e.deps.Tasks.Fail(req.TaskUID, f.message())
		}
		e.emit(ctx, eventbus.TopicFailedResponse, FailedResponse{
			Character: id, TaskUID: req.TaskUID, Error: f.reason, Attempts: f.attempts,
		})
	}

	if m := e.deps.Metrics; m != nil {
		m.TurnDuration.Record(context.WithoutCancel(ctx), e.now().Sub(start).Seconds(),
			metric.WithAttributes(observe.Attr("character", id), observe.Attr("status", status)))
	}
}

func countAnswers(msgs []types.Message) int {
	n := 0
	for _, m := range msgs {
		if m.Role == types.RoleAssistant && len(m.ToolCalls) == 0 {
			n++
		}
	}
	return n
}
