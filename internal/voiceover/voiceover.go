// Package voiceover turns finished answers into audio files. A [Worker]
// consumes [Job] events, synthesises the text through a [Speaker] and writes
// a WAV file into its directory. The outcome is published as [Ready] or
// [Failed], keyed by the job id.
//
// The files belong to whoever receives the Ready event; the worker never
// deletes them.
package voiceover

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/hearth/internal/eventbus"
	"github.com/MrWong99/hearth/internal/jsonfile"
	"github.com/MrWong99/hearth/internal/observe"
	"github.com/MrWong99/hearth/internal/resilience"
	"github.com/MrWong99/hearth/pkg/types"
)

// Job asks for the voiceover of one answer.
type Job struct {
	ID        string             `json:"id"`
	TaskUID   string             `json:"task_uid,omitempty"`
	Character string             `json:"character"`
	Text      string             `json:"text"`
	Voice     types.VoiceProfile `json:"voice"`
}

// Ready reports a written audio file.
type Ready struct {
	ID        string `json:"id"`
	TaskUID   string `json:"task_uid,omitempty"`
	Character string `json:"character"`
	Path      string `json:"path"`
}

// Failed reports a job that produced no audio.
type Failed struct {
	ID        string `json:"id"`
	TaskUID   string `json:"task_uid,omitempty"`
	Character string `json:"character"`
	Error     string `json:"error"`
}

// Speaker synthesises a complete text.
type Speaker interface {
	Speak(ctx context.Context, text string, voice types.VoiceProfile) (resilience.Speech, error)
}

var _ Speaker = (*resilience.TTSFallback)(nil)

// ErrQueueFull is reported for jobs arriving while every worker is busy and
// the queue is full.
var ErrQueueFull = errors.New("voiceover: queue full")

// Worker synthesises voice jobs from the bus.
type Worker struct {
	bus     *eventbus.Bus
	speaker Speaker
	dir     string
	metrics *observe.Metrics
	workers int
	queue   chan Job
}

// Option configures a [Worker].
type Option func(*Worker)

// WithWorkers sets the number of concurrent syntheses. Default: 1.
func WithWorkers(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.workers = n
		}
	}
}

// WithQueueSize sets how many jobs may wait. Default: 16.
func WithQueueSize(n int) Option {
	return func(w *Worker) {
		if n >= 0 {
			w.queue = make(chan Job, n)
		}
	}
}

// WithMetrics records synthesis latency.
func WithMetrics(m *observe.Metrics) Option {
	return func(w *Worker) { w.metrics = m }
}

// New creates a worker writing into dir.
func New(bus *eventbus.Bus, speaker Speaker, dir string, opts ...Option) *Worker {
	w := &Worker{
		bus:     bus,
		speaker: speaker,
		dir:     dir,
		workers: 1,
		queue:   make(chan Job, 16),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Run subscribes to voice jobs and processes them until ctx is cancelled.
// Jobs still queued at that point are reported as failed.
func (w *Worker) Run(ctx context.Context) error {
	sub := w.bus.Subscribe(eventbus.TopicVoiceJob, w.enqueue)
	defer w.bus.Unsubscribe(sub)
	slog.Info("voiceover: worker started", "dir", w.dir, "workers", w.workers)

	g, gctx := errgroup.WithContext(ctx)
	for range w.workers {
		g.Go(func() error {
			for {
				select {
				case job := <-w.queue:
					w.process(gctx, job)
				case <-gctx.Done():
					return nil
				}
			}
		})
	}
	err := g.Wait()
	for {
		select {
		case job := <-w.queue:
			w.fail(context.WithoutCancel(ctx), job, context.Canceled)
		default:
			return err
		}
	}
}

func (w *Worker) enqueue(ctx context.Context, ev eventbus.Event) any {
	job, ok := ev.Data.(Job)
	if !ok {
		return nil
	}
	select {
	case w.queue <- job:
	default:
		w.fail(ctx, job, ErrQueueFull)
	}
	return nil
}

func (w *Worker) process(ctx context.Context, job Job) {
	start := time.Now()
	log := slog.With("job", job.ID, "character", job.Character, "task", job.TaskUID)

	path, provider, err := w.synthesise(ctx, job)
	status := "ok"
	if err != nil {
		status = "error"
		log.Warn("voiceover: job failed", "err", err)
		w.fail(ctx, job, err)
	} else {
		log.Debug("voiceover: job done", "path", path, "provider", provider, "elapsed", time.Since(start))
		w.bus.Emit(ctx, eventbus.TopicVoiceReady, Ready{
			ID: job.ID, TaskUID: job.TaskUID, Character: job.Character, Path: path,
		})
	}
	if w.metrics != nil {
		w.metrics.VoiceDuration.Record(context.WithoutCancel(ctx), time.Since(start).Seconds(),
			metric.WithAttributes(observe.Attr("provider", provider), observe.Attr("status", status)))
	}
}

func (w *Worker) synthesise(ctx context.Context, job Job) (path, provider string, err error) {
	text := strings.TrimSpace(job.Text)
	if text == "" {
		return "", "", errors.New("voiceover: empty text")
	}
	sp, err := w.speaker.Speak(ctx, text, job.Voice)
	if err != nil {
		return "", "", err
	}
	path = filepath.Join(w.dir, fileName(job))
	if err := jsonfile.WriteAtomic(path, EncodeWAV(sp.PCM, sp.Format.SampleRate, sp.Format.Channels)); err != nil {
		return "", sp.Provider, fmt.Errorf("voiceover: %w", err)
	}
	return path, sp.Provider, nil
}

func (w *Worker) fail(ctx context.Context, job Job, err error) {
	w.bus.Emit(ctx, eventbus.TopicVoiceFailed, Failed{
		ID: job.ID, TaskUID: job.TaskUID, Character: job.Character, Error: err.Error(),
	})
}

// fileName is <character>_<job id>.wav with path separators removed.
func fileName(job Job) string {
	clean := func(s string) string {
		return strings.Map(func(r rune) rune {
			switch r {
			case '/', '\\', ':', 0:
				return '_'
			}
			return r
		}, s)
	}
	return clean(job.Character) + "_" + clean(job.ID) + ".wav"
}
