package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/lumina/internal/app"
	"github.com/MrWong99/lumina/internal/config"
	"github.com/MrWong99/lumina/internal/credentials"
	"github.com/MrWong99/lumina/internal/health"
	"github.com/MrWong99/lumina/internal/observe"
	"github.com/MrWong99/lumina/internal/session"
	"github.com/MrWong99/lumina/pkg/apierror"
)

const consoleHelp = `commands: /connect /disconnect /mute /unmute /reset-key /quit; any other line is sent as text`

func runLive(ctx context.Context, configPath string, cfg *config.Config, level *slog.LevelVar, creds *credentials.Store) error {
	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	key, err := creds.Key()
	if err != nil {
		return err
	}

	reg := config.NewRegistry()
	registerBuiltinProviders(reg)
	providers, err := buildProviders(cfg, reg, key)
	if err != nil {
		return err
	}

	con := newConsole(os.Stdout)
	opts := []app.Option{
		app.WithMetrics(metrics),
		app.WithMetricsHandler(tel.MetricsHandler()),
		app.WithLevel(level),
		app.WithReadinessChecks(readinessChecks(cfg, creds)...),
		app.WithSessionOptions(
			session.WithStatusObserver(con.status),
			session.WithTranscriptObserver(con.transcript),
			session.WithAuthErrorObserver(con.authError),
		),
		app.WithCloser(func() error {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return tel.Shutdown(shutdownCtx)
		}),
	}
	if configPath != "" {
		opts = append(opts, app.WithConfigWatch(configPath, 0))
	}

	application, err := app.New(ctx, cfg, providers, opts...)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := application.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "err", err)
		}
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return application.Run(gctx) })
	g.Go(func() error {
		defer cancel()
		return con.loop(gctx, os.Stdin, application.Session(), creds)
	})

	fmt.Fprintln(os.Stdout, consoleHelp)
	if err := application.Session().Connect(gctx); err != nil {
		fmt.Fprintln(os.Stdout, "connect failed:", apierror.Message(err))
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func readinessChecks(cfg *config.Config, creds *credentials.Store) []health.Checker {
	checks := []health.Checker{
		health.PresenceChecker("api_key", func() string {
			if creds.Present() {
				return "present"
			}
			return ""
		}),
	}
	if cfg.Audio.Backend == "ffmpeg" {
		fc := ffmpegConfig(cfg.Audio)
		ffmpegBin, ffplayBin := fc.FFmpegPath, fc.FFplayPath
		if ffmpegBin == "" {
			ffmpegBin = "ffmpeg"
		}
		if ffplayBin == "" {
			ffplayBin = "ffplay"
		}
		checks = append(checks,
			health.BinaryChecker("ffmpeg", ffmpegBin),
			health.BinaryChecker("ffplay", ffplayBin),
		)
	}
	return checks
}

// console renders session status and reads operator commands.
type console struct {
	out io.Writer

	mu   sync.Mutex
	last session.Status
}

func newConsole(out io.Writer) *console {
	return &console{out: out}
}

// status prints a line whenever anything but the volume changes.
func (c *console) status(s session.Status) {
	c.mu.Lock()
	prev := c.last
	c.last = s
	c.mu.Unlock()

	if prev.State == s.State && prev.Err == s.Err && prev.Muted == s.Muted && prev.AISpeaking == s.AISpeaking {
		return
	}
	fmt.Fprintln(c.out, renderStatus(s))
}

func renderStatus(s session.Status) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s]", s.State)
	if s.Muted {
		b.WriteString(" muted")
	}
	if s.AISpeaking {
		b.WriteString(" speaking")
	}
	if s.Err != "" {
		fmt.Fprintf(&b, " error: %s", s.Err)
	}
	return b.String()
}

func (c *console) transcript(t session.Transcript) {
	fmt.Fprintf(c.out, "%s: %s\n", t.Speaker, t.Text)
}

func (c *console) authError(error) {
	fmt.Fprintln(c.out, "API key seems invalid or expired. Type /reset-key to clear the stored key, then /connect.")
}

// loop reads commands from in until /quit, EOF or ctx is done.
func (c *console) loop(ctx context.Context, in io.Reader, ctrl *session.Controller, creds *credentials.Store) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := c.handle(ctx, strings.TrimSpace(line), ctrl, creds); quit {
				return nil
			}
		}
	}
}

func (c *console) handle(ctx context.Context, line string, ctrl *session.Controller, creds *credentials.Store) bool {
	switch line {
	case "":
	case "/quit", "/exit":
		return true
	case "/mute":
		ctrl.SetMuted(true)
	case "/unmute":
		ctrl.SetMuted(false)
	case "/disconnect":
		ctrl.Disconnect()
	case "/connect":
		if err := ctrl.Connect(ctx); err != nil {
			fmt.Fprintln(c.out, "connect failed:", apierror.Message(err))
		}
	case "/reset-key":
		if err := creds.Reset(); err != nil {
			fmt.Fprintln(c.out, "reset failed:", err)
			return false
		}
		fmt.Fprintln(c.out, "stored key removed; restart lumina to enter a new key")
	case "/help":
		fmt.Fprintln(c.out, consoleHelp)
	default:
		if err := ctrl.SendText(line); err != nil {
			fmt.Fprintln(c.out, "not sent:", err)
		}
	}
	return false
}
