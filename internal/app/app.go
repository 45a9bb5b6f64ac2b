// Package app wires all Hearth subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves the game socket and the background workers, and
// Shutdown tears everything down in reverse-init order.
//
// For testing, inject model generators and a speech backend via functional
// options (WithGenerators, WithSpeaker). When an option is not provided, New
// creates real implementations from the config registry.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/hearth/internal/character"
	"github.com/MrWong99/hearth/internal/chat"
	"github.com/MrWong99/hearth/internal/config"
	"github.com/MrWong99/hearth/internal/eventbus"
	"github.com/MrWong99/hearth/internal/eventfeed"
	"github.com/MrWong99/hearth/internal/health"
	"github.com/MrWong99/hearth/internal/observe"
	"github.com/MrWong99/hearth/internal/prompt"
	"github.com/MrWong99/hearth/internal/resilience"
	"github.com/MrWong99/hearth/internal/settings"
	"github.com/MrWong99/hearth/internal/socket"
	"github.com/MrWong99/hearth/internal/task"
	"github.com/MrWong99/hearth/internal/tools"
	"github.com/MrWong99/hearth/internal/tools/builtin"
	"github.com/MrWong99/hearth/internal/voiceover"
	"github.com/MrWong99/hearth/pkg/provider/llm"
)

// App owns all subsystem lifetimes.
type App struct {
	cfg        *config.Config
	configPath string
	registry   *config.Registry
	level      *slog.LevelVar
	telemetry  *observe.Telemetry
	metrics    *observe.Metrics
	lookupEnv  func(string) (string, bool)

	// Injected or built from the registry.
	gens    []llm.Generator
	speaker voiceover.Speaker

	// Subsystems, initialised in New and torn down in Shutdown.
	bus         *eventbus.Bus
	settings    *settings.Store
	chars       *character.Registry
	breakers    *resilience.Breakers
	router      *llm.Router
	tools       *tools.Manager
	tasks       *task.Registry
	presets     map[string]chat.Preset
	engine      *chat.Engine
	voice       *voiceover.Worker
	charWatcher *character.Watcher
	cfgWatcher  *config.Watcher
	socket      *socket.Server
	feed        *eventfeed.Feed
	health      *health.Handler
	ops         http.Handler

	// closers are called in reverse order during Shutdown.
	closers []func(context.Context) error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithRegistry replaces [config.DefaultRegistry].
func WithRegistry(r *config.Registry) Option {
	return func(a *App) { a.registry = r }
}

// WithGenerators injects model generators instead of creating them from
// providers.llm.
func WithGenerators(gens ...llm.Generator) Option {
	return func(a *App) { a.gens = gens }
}

// WithSpeaker injects the speech backend of the voiceover worker. It enables
// voiceover regardless of voice.enabled.
func WithSpeaker(s voiceover.Speaker) Option {
	return func(a *App) { a.speaker = s }
}

// WithLogLevel hands New the level of the process logger so that config
// reloads can change it.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// WithConfigPath enables hot reload of the file cfg was loaded from.
func WithConfigPath(path string) Option {
	return func(a *App) { a.configPath = path }
}

// WithTelemetry exposes the Prometheus handler of t on /metrics.
func WithTelemetry(t *observe.Telemetry) Option {
	return func(a *App) { a.telemetry = t }
}

// WithMetrics replaces [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLookupEnv replaces os.LookupEnv for api_key_env resolution.
func WithLookupEnv(fn func(string) (string, bool)) Option {
	return func(a *App) { a.lookupEnv = fn }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. Nothing listens
// until [App.Run]; the stores are opened and the MCP servers connected here.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		cfg:       cfg,
		lookupEnv: os.LookupEnv,
	}
	for _, o := range opts {
		o(a)
	}
	if a.registry == nil {
		a.registry = config.DefaultRegistry()
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	if err := a.init(ctx); err != nil {
		a.closeAll(context.Background())
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context) error {
	cfg := a.cfg
	for _, env := range config.ResolveSecrets(cfg, a.lookupEnv) {
		slog.Warn("environment variable for api key is not set", "var", env)
	}

	// ── 1. Bus and persisted settings ────────────────────────────────────
	a.bus = eventbus.New(eventbus.WithMetrics(a.metrics))
	a.closers = append(a.closers, a.bus.Close)

	st, err := settings.Open(cfg.Paths.Settings, a.bus)
	if err != nil {
		return fmt.Errorf("app: open settings: %w", err)
	}
	a.settings = st

	// ── 2. Characters ────────────────────────────────────────────────────
	chars, err := character.NewRegistry(cfg.Paths.Prompts, cfg.Characters)
	if err != nil {
		return fmt.Errorf("app: load characters: %w", err)
	}
	a.chars = chars

	// ── 3. Model providers ───────────────────────────────────────────────
	if err := a.initProviders(); err != nil {
		return err
	}

	// ── 4. Tools ─────────────────────────────────────────────────────────
	a.initTools(ctx)

	// ── 5. Tasks and voice ───────────────────────────────────────────────
	a.tasks = task.New(a.bus, task.WithMetrics(a.metrics))
	if a.speaker == nil {
		a.speaker = a.buildSpeaker()
	}
	if a.speaker != nil {
		a.voice = voiceover.New(a.bus, a.speaker, cfg.Paths.VoiceDir,
			voiceover.WithWorkers(cfg.Voice.Workers),
			voiceover.WithQueueSize(cfg.Voice.QueueSize),
			voiceover.WithMetrics(a.metrics),
		)
	}

	// ── 6. Conversation engine ───────────────────────────────────────────
	a.presets = presets(cfg.Presets)
	eng, err := chat.New(chatConfig(cfg, a.presets, a.speaker != nil), chat.Deps{
		Bus:        a.bus,
		Settings:   a.settings,
		Characters: a.chars,
		Prompts:    prompt.NewEngine(cfg.Paths.Prompts),
		Router:     a.router,
		Tasks:      a.tasks,
		Tools:      a.tools,
		Metrics:    a.metrics,
	}, chat.Paths{
		Histories: cfg.Paths.Histories,
		Memories:  cfg.Paths.Memories,
	})
	if err != nil {
		return fmt.Errorf("app: init chat engine: %w", err)
	}
	a.engine = eng
	a.closers = append(a.closers, eng.Close)

	// ── 7. Watchers ──────────────────────────────────────────────────────
	a.initWatchers()

	// ── 8. Game socket, event feed and ops endpoints ─────────────────────
	a.socket, err = socket.New(socket.Config{
		Addr:         cfg.Socket.Addr,
		ReadTimeout:  cfg.Socket.ReadTimeout,
		SysInfoLimit: cfg.Socket.SysInfoLimit,
	}, socket.Deps{
		Bus:        a.bus,
		Tasks:      a.tasks,
		Characters: a.chars,
		Settings:   a.settings,
		Metrics:    a.metrics,
	})
	if err != nil {
		return fmt.Errorf("app: init socket: %w", err)
	}

	feedOpts := []eventfeed.Option{
		eventfeed.WithOriginPatterns(cfg.Ops.FeedOrigins...),
		eventfeed.WithMetrics(a.metrics),
	}
	if len(cfg.Ops.FeedTopics) > 0 {
		feedOpts = append(feedOpts, eventfeed.WithTopics(cfg.Ops.FeedTopics...))
	}
	a.feed = eventfeed.New(a.bus, feedOpts...)
	a.closers = append(a.closers, func(context.Context) error {
		a.feed.Close()
		return nil
	})

	a.health = health.New(
		health.Providers(a.router.Kinds, a.breakers.Available),
		health.Listening("socket", a.socket.Listening),
	)
	a.ops = a.opsHandler()

	slog.Info("app initialised",
		"characters", len(a.chars.IDs()),
		"providers", a.router.Kinds(),
		"tools", len(a.tools.Definitions()),
		"voiceover", a.voice != nil,
	)
	return nil
}

func (a *App) initProviders() error {
	gens := a.gens
	if gens == nil {
		var err error
		gens, err = a.registry.CreateGenerators(a.cfg.Providers.LLM)
		if err != nil {
			return fmt.Errorf("app: create model providers: %w", err)
		}
	}
	if len(gens) == 0 {
		return errors.New("app: no model provider enabled")
	}
	a.breakers = resilience.NewBreakers(breakerConfig("llm", a.cfg.Providers.CircuitBreaker))
	a.router = llm.NewRouter(a.breakers.GuardAll(gens...), llm.WithAvailability(a.breakers.Available))
	return nil
}

// initTools registers the builtins and connects every MCP server. A server
// that cannot be reached is skipped.
func (a *App) initTools(ctx context.Context) {
	tc := a.cfg.Tools
	a.tools = tools.New(tools.WithDefaultTimeout(tc.DefaultTimeout), tools.WithMetrics(a.metrics))
	a.closers = append(a.closers, func(context.Context) error { return a.tools.Close() })

	if tc.BuiltinsEnabled() {
		if err := a.tools.RegisterAll(builtin.Tools()...); err != nil {
			slog.Warn("failed to register builtin tools", "err", err)
		}
	}
	for _, srv := range tc.MCPServers {
		if err := a.tools.Connect(ctx, srv); err != nil {
			slog.Warn("failed to connect MCP server", "server", srv.Name, "err", err)
			continue
		}
		slog.Info("MCP server connected", "server", srv.Name, "transport", srv.Transport)
	}
}

// buildSpeaker returns the TTS providers of voice.tts behind a failover
// group, or nil when voiceover is off or no provider could be built.
func (a *App) buildSpeaker() voiceover.Speaker {
	vc := a.cfg.Voice
	if !vc.Enabled {
		return nil
	}
	fb := resilience.NewTTSFallback(breakerConfig("tts", vc.CircuitBreaker))
	n := 0
	for _, e := range vc.TTS {
		p, err := a.registry.CreateTTS(e)
		if err != nil {
			slog.Warn("skipping TTS provider", "name", e.Name, "err", err)
			continue
		}
		fb.Add(e.Name, p)
		n++
	}
	if n == 0 {
		slog.Warn("voiceover disabled: no TTS provider available")
		return nil
	}
	return fb
}

// initWatchers starts watching the prompt files and, when a config path was
// given, the config file. Failures only disable the reload.
func (a *App) initWatchers() {
	w, err := character.NewWatcher(a.cfg.Paths.Prompts, a.chars.IDs(), a.reloadCharacter)
	if err != nil {
		slog.Warn("prompt reload disabled", "err", err)
	} else {
		a.charWatcher = w
		a.closers = append(a.closers, func(context.Context) error { return w.Close() })
	}

	if a.configPath == "" {
		return
	}
	cw, err := config.NewWatcher(a.configPath, a.applyConfig)
	if err != nil {
		slog.Warn("config reload disabled", "path", a.configPath, "err", err)
		return
	}
	a.cfgWatcher = cw
}

func (a *App) reloadCharacter(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.engine.Reload(ctx, id); err != nil {
		slog.Error("failed to reload character", "character", id, "err", err)
	}
}

// applyConfig applies the hot-reloadable part of a changed config file.
func (a *App) applyConfig(_, next *config.Config, d config.ConfigDiff) {
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.Level())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.ChatChanged || d.CompressionChanged || d.ImagesChanged {
		a.engine.UpdateConfig(chatConfig(next, a.presets, a.speaker != nil))
		slog.Info("chat settings reloaded",
			"chat", d.ChatChanged,
			"compression", d.CompressionChanged,
			"images", d.ImagesChanged,
		)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes take effect after a restart", "sections", d.RestartRequired)
	}
}

// opsHandler serves /healthz, /readyz, /metrics and /events.
func (a *App) opsHandler() http.Handler {
	mux := http.NewServeMux()
	a.health.Register(mux)
	if a.telemetry != nil && a.telemetry.MetricsHandler != nil {
		mux.Handle("GET /metrics", a.telemetry.MetricsHandler)
	}
	mux.Handle("GET /events", a.feed)
	return otelhttp.NewHandler(observe.Middleware(a.metrics)(mux), "hearth.ops")
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Engine returns the conversation engine.
func (a *App) Engine() *chat.Engine { return a.engine }

// Socket returns the game client server.
func (a *App) Socket() *socket.Server { return a.socket }

// Tasks returns the task registry.
func (a *App) Tasks() *task.Registry { return a.tasks }

// Bus returns the event bus.
func (a *App) Bus() *eventbus.Bus { return a.bus }

// OpsHandler returns the handler served on ops.addr.
func (a *App) OpsHandler() http.Handler { return a.ops }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the game socket and the background workers and blocks until
// ctx is cancelled or one of them fails. On cancellation Run returns
// ctx.Err().
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.socket.Run(gctx) })
	if a.voice != nil {
		g.Go(func() error { return a.voice.Run(gctx) })
	}
	if a.charWatcher != nil {
		g.Go(func() error {
			a.charWatcher.Run(gctx)
			return nil
		})
	}
	if a.cfgWatcher != nil {
		g.Go(func() error {
			a.cfgWatcher.Run(gctx)
			return nil
		})
	}
	g.Go(func() error {
		a.pruneTasks(gctx)
		return nil
	})
	if a.cfg.Ops.Addr != "" {
		g.Go(func() error { return a.serveOps(gctx) })
	}

	slog.Info("app running",
		"characters", len(a.chars.IDs()),
		"socket", a.cfg.Socket.Addr,
		"ops", a.cfg.Ops.Addr,
	)
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// pruneTasks drops finished tasks older than chat.task_retention.
func (a *App) pruneTasks(ctx context.Context) {
	retention := a.cfg.Chat.TaskRetention
	if retention <= 0 {
		retention = config.DefaultTaskRetention
	}
	ticker := time.NewTicker(max(min(retention/4, time.Minute), time.Second))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := a.tasks.Prune(now.Add(-retention)); n > 0 {
				slog.Debug("pruned finished tasks", "count", n)
			}
		}
	}
}

func (a *App) serveOps(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Ops.Addr)
	if err != nil {
		return fmt.Errorf("app: ops listen %s: %w", a.cfg.Ops.Addr, err)
	}
	srv := &http.Server{
		Handler:           a.ops,
		ReadHeaderTimeout: 5 * time.Second,
	}
	slog.Info("ops listener started", "addr", ln.Addr().String())

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()

	select {
	case err := <-errc:
		return fmt.Errorf("app: ops serve: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("ops listener shutdown", "err", err)
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("app: ops serve: %w", err)
	}
	return nil
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in reverse-init order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		shutdownErr = a.closeAll(ctx)
		if shutdownErr == nil {
			slog.Info("shutdown complete")
		}
	})
	return shutdownErr
}

func (a *App) closeAll(ctx context.Context) error {
	for i := len(a.closers) - 1; i >= 0; i-- {
		select {
		case <-ctx.Done():
			slog.Warn("shutdown deadline exceeded", "remaining", i+1)
			return ctx.Err()
		default:
		}
		if err := a.closers[i](ctx); err != nil {
			slog.Warn("closer error", "index", i, "err", err)
		}
	}
	a.closers = nil
	return nil
}
