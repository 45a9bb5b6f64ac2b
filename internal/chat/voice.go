package chat

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/hearth/internal/eventbus"
	"github.com/MrWong99/hearth/internal/voiceover"
)

type voiceResult struct {
	path string
	err  error
}

// voiceWaiter routes Voice.READY and Voice.FAILED events to the turn that
// emitted the job.
type voiceWaiter struct {
	mu      sync.Mutex
	waiting map[string]chan voiceResult
}

func newVoiceWaiter() *voiceWaiter {
	return &voiceWaiter{waiting: make(map[string]chan voiceResult)}
}

func (w *voiceWaiter) expect(id string) <-chan voiceResult {
	ch := make(chan voiceResult, 1)
	w.mu.Lock()
	w.waiting[id] = ch
	w.mu.Unlock()
	return ch
}

func (w *voiceWaiter) forget(id string) {
	w.mu.Lock()
	delete(w.waiting, id)
	w.mu.Unlock()
}

func (w *voiceWaiter) deliver(id string, r voiceResult) bool {
	w.mu.Lock()
	ch, ok := w.waiting[id]
	delete(w.waiting, id)
	w.mu.Unlock()
	if ok {
		ch <- r
	}
	return ok
}

func (w *voiceWaiter) onReady(_ context.Context, ev eventbus.Event) any {
	if r, ok := ev.Data.(voiceover.Ready); ok {
		w.deliver(r.ID, voiceResult{path: r.Path})
	}
	return nil
}

func (w *voiceWaiter) onFailed(_ context.Context, ev eventbus.Event) any {
	if f, ok := ev.Data.(voiceover.Failed); ok {
		w.deliver(f.ID, voiceResult{err: errors.New(f.Error)})
	}
	return nil
}

// speak emits a voice job for text and waits for the audio file. It
// returns "" when no worker is listening, the job failed or the wait timed
// out; the answer is delivered without audio in that case.
func (e *Engine) speak(ctx context.Context, s *slot, uid, text string) string {
	if e.deps.Bus == nil || !e.deps.Bus.HasSubscribers(eventbus.TopicVoiceJob) {
		return ""
	}
	id := uuid.NewString()
	ch := e.voice.expect(id)
	defer e.voice.forget(id)

	e.deps.Bus.Emit(ctx, eventbus.TopicVoiceJob, voiceover.Job{
		ID:        id,
		TaskUID:   uid,
		Character: s.char.ID(),
		Text:      text,
		Voice:     s.char.Definition().Voice,
	})

	timer := time.NewTimer(e.config().VoiceWaitTimeout)
	defer timer.Stop()
	select {
	case r := <-ch:
		if r.err != nil {
			slog.Warn("chat: voiceover failed", "character", s.char.ID(), "task", uid, "err", r.err)
			return ""
		}
		return r.path
	case <-timer.C:
		slog.Warn("chat: voiceover timed out", "character", s.char.ID(), "task", uid, "timeout", e.config().VoiceWaitTimeout)
	case <-ctx.Done():
	}
	return ""
}
