package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known factory names per kind.
// Used by [Validate] to warn about unrecognised names.
var ValidProviderNames = map[string][]string{
	"live":  {"gemini"},
	"audio": {"ffmpeg", "silent"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		cfg := &Config{}
		ApplyDefaults(cfg)
		return cfg, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. Unknown keys are rejected. An empty document yields
// the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if addr := cfg.Server.ListenAddr; addr != "" && cfg.Server.Enabled() {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			errs = append(errs, fmt.Errorf("server.listen_addr %q is invalid: %w", addr, err))
		}
	}

	validateProviderName("live", cfg.Live.Provider)
	validateProviderName("audio", cfg.Audio.Backend)

	// Live
	if cfg.Live.SendQueue < 0 {
		errs = append(errs, fmt.Errorf("live.send_queue %d must not be negative", cfg.Live.SendQueue))
	}
	if cfg.Live.LookaheadWarning < 0 {
		errs = append(errs, fmt.Errorf("live.lookahead_warning %s must not be negative", cfg.Live.LookaheadWarning))
	}

	// Audio
	if cfg.Audio.BlockSize < 0 {
		errs = append(errs, fmt.Errorf("audio.block_size %d must not be negative", cfg.Audio.BlockSize))
	} else if cfg.Audio.BlockSize%2 != 0 {
		errs = append(errs, fmt.Errorf("audio.block_size %d must be even", cfg.Audio.BlockSize))
	}
	if cfg.Audio.StartTimeout < 0 {
		errs = append(errs, fmt.Errorf("audio.start_timeout %s must not be negative", cfg.Audio.StartTimeout))
	}

	// Generate
	if cfg.Generate.VideoPollInterval < 0 {
		errs = append(errs, fmt.Errorf("generate.video_poll_interval %s must not be negative", cfg.Generate.VideoPollInterval))
	}
	if cfg.Generate.ThinkingBudget < 0 {
		errs = append(errs, fmt.Errorf("generate.thinking_budget %d must not be negative", cfg.Generate.ThinkingBudget))
	}

	// Gallery
	if cfg.Gallery.Backend != "" && !cfg.Gallery.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("gallery.backend %q is invalid; valid values: file, postgres", cfg.Gallery.Backend))
	}
	if cfg.Gallery.Backend == GalleryPostgres && cfg.Gallery.PostgresDSN == "" {
		errs = append(errs, errors.New("gallery.postgres_dsn is required when gallery.backend is postgres"))
	}
	if cfg.Gallery.Backend == GalleryFile && cfg.Gallery.PostgresDSN != "" {
		slog.Warn("gallery.postgres_dsn is set but gallery.backend is file; the DSN is ignored")
	}

	// Credentials
	if cfg.Live.APIKey != "" && cfg.Credentials.Path != "" {
		slog.Warn("live.api_key is set; the stored key file is not consulted", "path", cfg.Credentials.Path)
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
