package chat

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/hearth/internal/eventbus"
	"github.com/MrWong99/hearth/internal/observe"
	"github.com/MrWong99/hearth/pkg/provider/llm"
)

// Short failure reasons reported in [FailedResponse] besides the
// [llm.ErrorKind] values.
const (
	reasonNoProvider  = "no_provider"
	reasonPrompt      = "prompt"
	reasonPersistence = "persistence"
	reasonCharacter   = "unknown_character"
	reasonInternal    = "internal"
)

// failure is a turn error with its short reason.
type failure struct {
	reason   string
	attempts int
	err      error
}

func (f *failure) Error() string { return "chat: " + f.reason + ": " + f.err.Error() }
func (f *failure) Unwrap() error { return f.err }

// message is the human-readable reason stored on a failed task.
func (f *failure) message() string {
	switch f.reason {
	case string(llm.KindAuth):
		return "the model provider rejected the credentials"
	case string(llm.KindRateLimit):
		return "the model provider is rate limiting requests"
	case string(llm.KindTransient):
		return "the model provider could not be reached"
	case string(llm.KindMalformed):
		return "the model did not produce a usable answer"
	case reasonNoProvider:
		return "no model provider is available for this character"
	case reasonPrompt:
		return "the character prompt could not be built"
	case reasonPersistence:
		return "the conversation could not be saved"
	case reasonCharacter:
		return "unknown character"
	}
	return "internal error"
}

func asFailure(err error) *failure {
	var f *failure
	if errors.As(err, &f) {
		return f
	}
	if errors.Is(err, ErrUnknownCharacter) {
		return &failure{reason: reasonCharacter, err: err}
	}
	return &failure{reason: reasonInternal, err: err}
}

// generate asks the selected provider for an answer. Failed attempts are
// retried after a delay up to the configured count; authorisation failures
// end the turn at once and rate limits wait longer. The provider is selected
// anew for every attempt so that a breaker opened by the previous attempt
// moves the turn to the next provider.
func (e *Engine) generate(ctx context.Context, id, uid string, rq *llm.Request, pol policy) (text, provider string, err error) {
	log := observe.Logger(ctx).With("character", id, "task", uid)
	var (
		lastErr  error
		lastKind llm.ErrorKind
		attempt  int
	)
	for attempt = 1; attempt <= pol.attempts; attempt++ {
		if attempt > 1 && rq.OnChunk != nil {
			e.resetStream(ctx, id, uid, attempt)
		}
		gen, err := e.deps.Router.Select(rq)
		if err != nil {
			if lastErr == nil {
				return "", "", &failure{reason: reasonNoProvider, attempts: attempt - 1, err: err}
			}
			break
		}

		started := e.now()
		text, err := gen.Generate(ctx, rq)
		if err == nil && strings.TrimSpace(text) == "" {
			err = llm.ErrEmptyResponse
		}
		e.recordAttempt(ctx, gen.Kind(), started, err)

		if err == nil {
			e.emit(ctx, eventbus.TopicSuccessfulResponse, SuccessfulResponse{
				Character: id, TaskUID: uid, Provider: gen.Kind(), Attempt: attempt,
			})
			return text, gen.Kind(), nil
		}
		if ctx.Err() != nil {
			return "", "", ctx.Err()
		}

		lastErr, lastKind = err, llm.Classify(err)
		log.Warn("chat: generation attempt failed",
			"provider", gen.Kind(), "attempt", attempt, "kind", lastKind, "err", err)
		e.emit(ctx, eventbus.TopicFailedAttempt, FailedAttempt{
			Character: id, TaskUID: uid, Provider: gen.Kind(), Attempt: attempt,
			Kind: string(lastKind), Error: err.Error(),
		})
		if lastKind == llm.KindAuth || attempt == pol.attempts {
			break
		}

		delay := pol.attemptDelay
		if lastKind == llm.KindRateLimit {
			delay = pol.rateLimitDelay
		}
		if err := sleep(ctx, delay); err != nil {
			return "", "", err
		}
	}
	return "", "", &failure{reason: string(lastKind), attempts: min(attempt, pol.attempts), err: lastErr}
}

// resetStream voids the chunks a failed attempt already streamed.
func (e *Engine) resetStream(ctx context.Context, id, uid string, attempt int) {
	if uid != "" && e.deps.Tasks != nil {
		_ = e.deps.Tasks.ResetPartial(uid)
	}
	e.emit(ctx, eventbus.TopicStreamReset, StreamReset{Character: id, TaskUID: uid, Attempt: attempt})
}

func (e *Engine) recordAttempt(ctx context.Context, provider string, started time.Time, err error) {
	m := e.deps.Metrics
	if m == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	status := "ok"
	if err != nil {
		status = "error"
		m.RecordProviderError(ctx, provider, string(llm.Classify(err)))
	}
	m.RecordProviderRequest(ctx, provider, status)
	m.ProviderDuration.Record(ctx, e.now().Sub(started).Seconds(),
		metric.WithAttributes(observe.Attr("provider", provider)))
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
