// Command lumina is a terminal client for the Gemini Live voice API with
// one-shot text, image and transcription helpers.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/MrWong99/lumina/internal/app"
	"github.com/MrWong99/lumina/internal/config"
	"github.com/MrWong99/lumina/internal/credentials"
	"github.com/MrWong99/lumina/internal/gallery"
	"github.com/MrWong99/lumina/internal/gallery/postgres"
	"github.com/MrWong99/lumina/pkg/audio"
	"github.com/MrWong99/lumina/pkg/audio/device"
	"github.com/MrWong99/lumina/pkg/audio/ffmpeg"
	"github.com/MrWong99/lumina/pkg/provider/live"
	"github.com/MrWong99/lumina/pkg/provider/live/gemini"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const usage = `usage: lumina [-config file] <command> [args]

commands:
  live                      start a voice session (default)
  chat [-think] <prompt>    answer a prompt (fast or thinking model)
  image [-o file] <prompt>  generate an image
  edit -i file [-o file] <prompt>
                            edit an image
  video -i file [-aspect 16:9|9:16] [-o file] [prompt]
                            animate an image into a video
  transcribe <file>         transcribe an audio file
  gallery list|remove <id>|clear
                            manage generated media
  key reset                 delete the stored API key
`

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "", "path to the YAML configuration file (defaults apply when empty)")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "lumina: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "lumina: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(app.LogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	creds := newCredentials(cfg)

	args := flag.Args()
	cmd := "live"
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}

	switch cmd {
	case "live":
		err = runLive(ctx, *configPath, cfg, level, creds)
	case "chat":
		err = runChat(ctx, cfg, creds, args)
	case "image":
		err = runImage(ctx, cfg, creds, args)
	case "edit":
		err = runEdit(ctx, cfg, creds, args)
	case "video":
		err = runVideo(ctx, cfg, creds, args)
	case "transcribe":
		err = runTranscribe(ctx, cfg, creds, args)
	case "gallery":
		err = runGallery(ctx, cfg, args)
	case "key":
		err = runKey(creds, args)
	case "help", "-h", "--help":
		fmt.Print(usage)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "lumina: unknown command %q\n\n%s", cmd, usage)
		return 2
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "lumina: %v\n", err)
		return 1
	}
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires the built-in live providers and audio
// backends into reg.
func registerBuiltinProviders(reg *config.Registry) {
	reg.RegisterLive("gemini", func(c config.LiveConfig, apiKey string) (live.Provider, error) {
		opts := []gemini.Option{
			gemini.WithSendQueue(c.SendQueue),
			gemini.WithLogger(slog.Default()),
		}
		if c.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(c.BaseURL))
		}
		return gemini.New(apiKey, opts...), nil
	})

	reg.RegisterAudio("ffmpeg", func(c config.AudioConfig) (audio.Devices, error) {
		d := ffmpeg.New(ffmpegConfig(c), slog.Default())
		if err := d.Check(); err != nil {
			return nil, err
		}
		return d, nil
	})

	reg.RegisterAudio("silent", func(c config.AudioConfig) (audio.Devices, error) {
		return device.Silent{BlockSize: c.BlockSize}, nil
	})

	for _, name := range reg.LiveNames() {
		slog.Debug("registered provider", "kind", "live", "name", name)
	}
}

func ffmpegConfig(c config.AudioConfig) ffmpeg.Config {
	return ffmpeg.Config{
		FFmpegPath:   c.FFmpegPath,
		FFplayPath:   c.FFplayPath,
		InputFormat:  c.InputFormat,
		InputDevice:  c.InputDevice,
		BlockSize:    c.BlockSize,
		StartTimeout: c.StartTimeout,
	}
}

// buildProviders instantiates the configured live provider and audio backend.
func buildProviders(cfg *config.Config, reg *config.Registry, apiKey string) (*app.Providers, error) {
	lp, err := reg.CreateLive(cfg.Live, apiKey)
	if err != nil {
		return nil, fmt.Errorf("create live provider %q: %w", cfg.Live.Provider, err)
	}
	slog.Info("provider created", "kind", "live", "name", cfg.Live.Provider)

	devs, err := reg.CreateAudio(cfg.Audio)
	if err != nil {
		return nil, fmt.Errorf("create audio backend %q: %w", cfg.Audio.Backend, err)
	}
	slog.Info("provider created", "kind", "audio", "name", cfg.Audio.Backend)

	return &app.Providers{Live: lp, Audio: devs}, nil
}

// ── Stores ────────────────────────────────────────────────────────────────────

func newCredentials(cfg *config.Config) *credentials.Store {
	opts := []credentials.Option{
		credentials.WithPath(cfg.Credentials.Path),
		credentials.WithEnvVar(cfg.Credentials.EnvVar),
		credentials.WithExplicit(cfg.Live.APIKey),
	}
	if !cfg.Credentials.NoPrompt {
		opts = append(opts, credentials.WithPrompter(credentials.TerminalPrompter{In: os.Stdin, Out: os.Stderr}))
	}
	return credentials.New(opts...)
}

func openGallery(ctx context.Context, cfg config.GalleryConfig) (gallery.Store, error) {
	switch cfg.Backend {
	case config.GalleryPostgres:
		s, err := postgres.NewStore(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return gallery.NewFileStore(cfg.Path), nil
	}
}
