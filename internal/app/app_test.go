package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/lumina/internal/app"
	"github.com/MrWong99/lumina/internal/config"
	"github.com/MrWong99/lumina/internal/health"
	"github.com/MrWong99/lumina/internal/observe"
	"github.com/MrWong99/lumina/internal/session"
	"github.com/MrWong99/lumina/pkg/audio"
	audiomock "github.com/MrWong99/lumina/pkg/audio/mock"
	livemock "github.com/MrWong99/lumina/pkg/provider/live/mock"
)

// testConfig returns a config with defaults and the listener bound to an
// ephemeral port.
func testConfig() *config.Config {
	cfg := &config.Config{
		Server: config.ServerConfig{ListenAddr: "127.0.0.1:0"},
		Audio:  config.AudioConfig{Backend: "silent"},
	}
	config.ApplyDefaults(cfg)
	return cfg
}

type fixture struct {
	prov *livemock.Provider
	devs *audiomock.Devices
}

func testProviders() (*app.Providers, *fixture) {
	f := &fixture{
		prov: &livemock.Provider{},
		devs: &audiomock.Devices{
			MicrophoneResult: audiomock.NewMicrophone(audio.InputSampleRate),
			OutputResult:     &audiomock.Output{},
		},
	}
	return &app.Providers{Live: f.prov, Audio: f.devs}, f
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func newApp(t *testing.T, cfg *config.Config, opts ...app.Option) (*app.App, *fixture) {
	t.Helper()
	providers, f := testProviders()
	opts = append([]app.Option{app.WithMetrics(testMetrics(t))}, opts...)
	a, err := app.New(context.Background(), cfg, providers, opts...)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	return a, f
}

func TestNew_RequiresProviders(t *testing.T) {
	t.Parallel()
	if _, err := app.New(context.Background(), testConfig(), &app.Providers{}); err == nil {
		t.Error("New() with empty providers: error = nil")
	}
}

func TestNew_SessionUsesConfiguredSetup(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Live.Voice = "Puck"
	off := false
	cfg.Live.GoogleSearch = &off

	a, f := newApp(t, cfg)
	if err := a.Session().Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	f.prov.Last().Open()

	got := f.prov.ConnectCalls[0].Cfg
	if got.Voice != "Puck" || got.GoogleSearch || !got.InputTranscription || !got.OutputTranscription {
		t.Errorf("setup = %+v", got)
	}
	if got.Model != config.DefaultLiveModel {
		t.Errorf("model = %q, want default", got.Model)
	}
}

func TestHandler_HealthAndReadiness(t *testing.T) {
	t.Parallel()
	failing := health.Checker{Name: "ffplay", Check: func(context.Context) error { return errors.New("ffplay not found") }}
	a, _ := newApp(t, testConfig(), app.WithReadinessChecks(failing))

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("/healthz status = %d, want 200", rec.Code)
	}
	var body struct {
		Info map[string]string `json:"info"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Info["session"] != "disconnected" {
		t.Errorf("info session = %q, want disconnected", body.Info["session"])
	}

	rec = httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("/readyz status = %d, want 503", rec.Code)
	}
}

func TestHandler_Metrics(t *testing.T) {
	t.Parallel()
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "lumina_sessions_started_total 0\n")
	})
	a, _ := newApp(t, testConfig(), app.WithMetricsHandler(metrics))

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "lumina_sessions_started_total") {
		t.Errorf("/metrics = %d %q", rec.Code, rec.Body.String())
	}
}

func TestApplyConfig_LiveSettingsOnNextConnect(t *testing.T) {
	t.Parallel()
	a, f := newApp(t, testConfig())

	next := testConfig()
	next.Live.Voice = "Kore"
	a.ApplyConfig(config.Diff(testConfig(), next), next)

	if err := a.Session().Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if got := f.prov.ConnectCalls[0].Cfg.Voice; got != "Kore" {
		t.Errorf("voice = %q, want Kore", got)
	}
}

func TestApplyConfig_LogLevel(t *testing.T) {
	t.Parallel()
	lv := new(slog.LevelVar)
	a, _ := newApp(t, testConfig(), app.WithLevel(lv))

	next := testConfig()
	next.Server.LogLevel = config.LogDebug
	a.ApplyConfig(config.Diff(testConfig(), next), next)

	if lv.Level() != slog.LevelDebug {
		t.Errorf("level = %v, want debug", lv.Level())
	}
}

func TestConfigWatch_ReloadsVoice(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "lumina.yaml")
	if err := os.WriteFile(path, []byte("live:\n  voice: Zephyr\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	a, f := newApp(t, testConfig(), app.WithConfigWatch(path, 10*time.Millisecond))

	if err := os.WriteFile(path, []byte("live:\n  voice: Charon\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	future := time.Now().Add(time.Hour)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if err := a.Session().Connect(context.Background()); err != nil {
			t.Fatalf("Connect: %v", err)
		}
		got := f.prov.ConnectCalls[len(f.prov.ConnectCalls)-1].Cfg.Voice
		a.Session().Disconnect()
		if got == "Charon" {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("voice = %q after reload, want Charon", got)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRun_ServesUntilCancelled(t *testing.T) {
	t.Parallel()
	a, _ := newApp(t, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for a.Addr() == nil {
		if time.Now().After(deadline) {
			t.Fatal("listener not started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	resp, err := http.Get("http://" + a.Addr().String() + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run() = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRun_ListenerDisabled(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Server.ListenAddr = "off"
	a, _ := newApp(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := a.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Run() = %v, want deadline exceeded", err)
	}
	if a.Addr() != nil {
		t.Error("Addr() != nil with listener disabled")
	}
}

func TestShutdown_ClosesSessionAndRunsClosers(t *testing.T) {
	t.Parallel()
	closed := 0
	a, f := newApp(t, testConfig(), app.WithCloser(func() error { closed++; return nil }))
	if err := a.Session().Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	sess := f.prov.Last()

	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
	if closed != 1 {
		t.Errorf("closer ran %d times, want 1", closed)
	}
	if !sess.Closed() {
		t.Error("live session not closed")
	}
	if err := a.Session().Connect(context.Background()); !errors.Is(err, session.ErrClosed) {
		t.Errorf("Connect after Shutdown = %v, want ErrClosed", err)
	}
}

func TestLogLevel(t *testing.T) {
	t.Parallel()
	tests := map[config.LogLevel]slog.Level{
		config.LogDebug: slog.LevelDebug,
		config.LogInfo:  slog.LevelInfo,
		config.LogWarn:  slog.LevelWarn,
		config.LogError: slog.LevelError,
		"":              slog.LevelInfo,
	}
	for in, want := range tests {
		if got := app.LogLevel(in); got != want {
			t.Errorf("LogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
