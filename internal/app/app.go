// Package app wires the Lumina subsystems into a running application.
//
// The App struct owns the full lifecycle: New builds the session controller
// and the telemetry endpoint, Run serves until the context is cancelled,
// and Shutdown tears everything down in order.
//
// For testing, inject mock providers through [Providers] and observers via
// functional options. When an option is not provided, New uses defaults.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/lumina/internal/config"
	"github.com/MrWong99/lumina/internal/health"
	"github.com/MrWong99/lumina/internal/observe"
	"github.com/MrWong99/lumina/internal/session"
	"github.com/MrWong99/lumina/pkg/audio"
	"github.com/MrWong99/lumina/pkg/provider/live"
)

// Providers holds the constructed backends. Populated by main.go via the
// config registry.
type Providers struct {
	Live  live.Provider
	Audio audio.Devices
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	metrics        *observe.Metrics
	metricsHandler http.Handler
	level          *slog.LevelVar
	checkers       []health.Checker
	sessionOpts    []session.Option
	configPath     string
	watchInterval  time.Duration

	controller *session.Controller
	health     *health.Handler
	handler    http.Handler
	watcher    *config.Watcher

	mu       sync.Mutex
	listener net.Listener

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithMetrics sets the metrics sink shared by the controller and the HTTP
// middleware. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler serves h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithLevel lets config reloads change the log level through lv.
func WithLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// WithReadinessChecks adds checkers to /readyz.
func WithReadinessChecks(c ...health.Checker) Option {
	return func(a *App) { a.checkers = append(a.checkers, c...) }
}

// WithSessionOptions passes extra options to the session controller, such
// as status or transcript observers.
func WithSessionOptions(opts ...session.Option) Option {
	return func(a *App) { a.sessionOpts = append(a.sessionOpts, opts...) }
}

// WithConfigWatch watches path for changes and applies them with
// [App.ApplyConfig]. A zero interval uses the watcher default.
func WithConfigWatch(path string, interval time.Duration) Option {
	return func(a *App) {
		a.configPath = path
		a.watchInterval = interval
	}
}

// WithCloser registers fn to run during Shutdown, after the controller is
// closed.
func WithCloser(fn func() error) Option {
	return func(a *App) { a.closers = append(a.closers, fn) }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App. providers.Live and providers.Audio are required.
func New(_ context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.Live == nil || providers.Audio == nil {
		return nil, errors.New("app: live provider and audio devices are required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Session controller ────────────────────────────────────────────
	sessOpts := append([]session.Option{
		session.WithLiveConfig(LiveConfig(cfg.Live)),
		session.WithLookaheadWarning(cfg.Live.LookaheadWarning),
		session.WithMetrics(a.metrics),
	}, a.sessionOpts...)
	a.controller = session.New(providers.Live, providers.Audio, sessOpts...)

	// ── 2. Health + HTTP routes ──────────────────────────────────────────
	a.health = health.New(a.checkers...).WithInfo(a.info)
	mux := http.NewServeMux()
	a.health.Register(mux)
	if a.metricsHandler != nil {
		mux.Handle("GET /metrics", a.metricsHandler)
	}
	a.handler = observe.Middleware(a.metrics)(mux)

	// ── 3. Config watcher ────────────────────────────────────────────────
	if a.configPath != "" {
		var wopts []config.WatcherOption
		if a.watchInterval > 0 {
			wopts = append(wopts, config.WithInterval(a.watchInterval))
		}
		w, err := config.NewWatcher(a.configPath, a.ApplyConfig, wopts...)
		if err != nil {
			return nil, fmt.Errorf("app: watch config: %w", err)
		}
		a.watcher = w
	}

	return a, nil
}

// Session returns the live session controller.
func (a *App) Session() *session.Controller { return a.controller }

// Handler returns the HTTP handler serving /metrics, /healthz and /readyz.
func (a *App) Handler() http.Handler { return a.handler }

// Addr returns the bound telemetry address once Run has started listening,
// or nil.
func (a *App) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener == nil {
		return nil
	}
	return a.listener.Addr()
}

func (a *App) info() map[string]string {
	st := a.controller.Status()
	return map[string]string{
		"session":     st.State.String(),
		"muted":       strconv.FormatBool(st.Muted),
		"ai_speaking": strconv.FormatBool(st.AISpeaking),
	}
}

// ─── Config reload ───────────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable parts of a config change. Live
// session settings take effect on the next connect; the running session
// keeps its setup.
func (a *App) ApplyConfig(d config.ConfigDiff, cfg *config.Config) {
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(LogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.LiveChanged {
		a.controller.SetLiveConfig(LiveConfig(cfg.Live), cfg.Live.LookaheadWarning)
		slog.Info("live settings updated, applied on next connect", "fields", d.LiveFields)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes require a restart", "sections", d.RestartRequired)
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the telemetry endpoint and blocks until ctx is cancelled. When
// the listener is disabled Run just waits for ctx.
func (a *App) Run(ctx context.Context) error {
	if !a.cfg.Server.Enabled() {
		<-ctx.Done()
		return ctx.Err()
	}

	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen %s: %w", a.cfg.Server.ListenAddr, err)
	}
	a.mu.Lock()
	a.listener = ln
	a.mu.Unlock()

	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("telemetry listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown ends the live session and runs the closers in order. It respects
// the context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if a.watcher != nil {
			a.watcher.Stop()
		}
		if err := a.controller.Close(); err != nil {
			slog.Warn("session close error", "err", err)
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// LiveConfig converts the config section into the provider setup.
func LiveConfig(c config.LiveConfig) live.Config {
	return live.Config{
		Model:               c.Model,
		Voice:               c.Voice,
		Instructions:        c.Instructions,
		GoogleSearch:        c.SearchEnabled(),
		InputTranscription:  c.TranscriptionEnabled(),
		OutputTranscription: c.TranscriptionEnabled(),
	}
}

// LogLevel maps a config level to its slog level.
func LogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
