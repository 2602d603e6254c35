// Package credentials resolves the API key used by the live session and the
// generation client.
//
// Resolution order: explicit config value, stored key file, environment
// variable, interactive prompt. A key entered at the prompt is stored so the
// next run finds it without asking.
package credentials

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/adrg/xdg"
	"golang.org/x/term"
)

// ErrMissingKey is returned when no source yields a key.
var ErrMissingKey = errors.New("API_KEY_MISSING")

// FallbackEnvVar is consulted after the configured environment variable.
const FallbackEnvVar = "API_KEY"

const relPath = "lumina/credentials.json"

// DefaultPath returns the stored key file under the user config directory.
func DefaultPath() string {
	p, err := xdg.ConfigFile(relPath)
	if err != nil {
		return filepath.Join(xdg.ConfigHome, relPath)
	}
	return p
}

// Prompter asks the user for a key. An empty result means the user declined.
type Prompter interface {
	Prompt(message string) (string, error)
}

// PromptFunc adapts a function to [Prompter].
type PromptFunc func(message string) (string, error)

// Prompt calls f.
func (f PromptFunc) Prompt(message string) (string, error) { return f(message) }

// Option configures a [Store].
type Option func(*Store)

// WithPath overrides the stored key file.
func WithPath(path string) Option {
	return func(s *Store) {
		if path != "" {
			s.path = path
		}
	}
}

// WithEnvVar sets the primary environment variable.
func WithEnvVar(name string) Option {
	return func(s *Store) {
		if name != "" {
			s.envVar = name
		}
	}
}

// WithExplicit sets a key that takes precedence over every other source.
func WithExplicit(key string) Option {
	return func(s *Store) { s.explicit = strings.TrimSpace(key) }
}

// WithPrompter sets the interactive prompt. nil disables prompting.
func WithPrompter(p Prompter) Option {
	return func(s *Store) { s.prompter = p }
}

// WithLookupEnv replaces [os.LookupEnv]. Used by tests.
func WithLookupEnv(fn func(string) (string, bool)) Option {
	return func(s *Store) { s.lookupEnv = fn }
}

// Store resolves, caches and persists the API key. It is safe for concurrent
// use.
type Store struct {
	path      string
	envVar    string
	explicit  string
	prompter  Prompter
	lookupEnv func(string) (string, bool)

	mu  sync.Mutex
	key string
}

// New creates a Store. Without options it reads DefaultPath and GEMINI_API_KEY
// and never prompts.
func New(opts ...Option) *Store {
	s := &Store{
		path:      DefaultPath(),
		envVar:    "GEMINI_API_KEY",
		lookupEnv: os.LookupEnv,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Path returns the stored key file.
func (s *Store) Path() string { return s.path }

// Key returns the resolved key, running the resolution order on first use.
func (s *Store) Key() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.key != "" {
		return s.key, nil
	}

	if s.explicit != "" {
		s.key = s.explicit
		return s.key, nil
	}

	stored, err := s.load()
	if err != nil {
		return "", err
	}
	if stored != "" {
		s.key = stored
		return s.key, nil
	}

	for _, name := range []string{s.envVar, FallbackEnvVar} {
		if v, ok := s.lookupEnv(name); ok && strings.TrimSpace(v) != "" {
			s.key = strings.TrimSpace(v)
			return s.key, nil
		}
	}

	if s.prompter == nil {
		return "", ErrMissingKey
	}
	entered, err := s.prompter.Prompt("Enter your Gemini API key: ")
	if err != nil {
		return "", fmt.Errorf("credentials: prompt: %w", err)
	}
	entered = strings.TrimSpace(entered)
	if entered == "" {
		return "", ErrMissingKey
	}
	if err := s.save(entered); err != nil {
		return "", err
	}
	s.key = entered
	return s.key, nil
}

// Present reports whether a key can be resolved without prompting. It never
// blocks on user input.
func (s *Store) Present() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.key != "" || s.explicit != "" {
		return true
	}
	if stored, err := s.load(); err == nil && stored != "" {
		return true
	}
	for _, name := range []string{s.envVar, FallbackEnvVar} {
		if v, ok := s.lookupEnv(name); ok && strings.TrimSpace(v) != "" {
			return true
		}
	}
	return false
}

// Set stores key and makes it the resolved key.
func (s *Store) Set(key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return ErrMissingKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.save(key); err != nil {
		return err
	}
	s.key = key
	return nil
}

// Reset deletes the stored key and forgets the cached one. The next Key call
// resolves again, skipping the explicit config value.
func (s *Store) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.key = ""
	s.explicit = ""
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("credentials: reset: %w", err)
	}
	return nil
}

type fileFormat struct {
	APIKey string `json:"api_key"`
}

func (s *Store) load() (string, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("credentials: read %s: %w", s.path, err)
	}
	var f fileFormat
	if err := json.Unmarshal(data, &f); err != nil {
		return "", fmt.Errorf("credentials: parse %s: %w", s.path, err)
	}
	return strings.TrimSpace(f.APIKey), nil
}

func (s *Store) save(key string) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("credentials: create config directory: %w", err)
	}
	data, err := json.MarshalIndent(fileFormat{APIKey: key}, "", "  ")
	if err != nil {
		return fmt.Errorf("credentials: encode: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("credentials: save: %w", err)
	}
	return nil
}

// TerminalPrompter reads a key from in without echo when in is a terminal,
// and as a plain line otherwise.
type TerminalPrompter struct {
	In  *os.File
	Out io.Writer
}

// Prompt writes message and reads one line.
func (p TerminalPrompter) Prompt(message string) (string, error) {
	fmt.Fprint(p.Out, message)
	fd := int(p.In.Fd())
	if term.IsTerminal(fd) {
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(p.Out)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
	line, err := bufio.NewReader(p.In).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return line, nil
}
