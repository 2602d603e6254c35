// Package ffmpeg provides [audio.Devices] backed by ffmpeg and ffplay
// subprocesses.
//
// The microphone is an ffmpeg process reading the platform capture device and
// writing mono s16le PCM to stdout. The output is a [device.Output] whose
// rendered PCM is piped into ffplay's stdin.
package ffmpeg

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/lumina/pkg/apierror"
	"github.com/MrWong99/lumina/pkg/audio"
	"github.com/MrWong99/lumina/pkg/audio/device"
)

// DefaultStartTimeout bounds how long OpenMicrophone waits for the first
// captured bytes before reporting the device as unavailable.
const DefaultStartTimeout = 3 * time.Second

// Config holds the subprocess settings.
type Config struct {
	// FFmpegPath is the ffmpeg binary. Defaults to "ffmpeg" on PATH.
	FFmpegPath string

	// FFplayPath is the ffplay binary. Defaults to "ffplay" on PATH.
	FFplayPath string

	// InputFormat is the ffmpeg input device format ("pulse", "alsa",
	// "avfoundation", "dshow"). Empty picks the platform default.
	InputFormat string

	// InputDevice is the ffmpeg input name. Empty picks the platform default.
	InputDevice string

	// BlockSize is the number of samples per microphone block.
	BlockSize int

	// StartTimeout overrides [DefaultStartTimeout].
	StartTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.FFmpegPath == "" {
		c.FFmpegPath = "ffmpeg"
	}
	if c.FFplayPath == "" {
		c.FFplayPath = "ffplay"
	}
	if c.InputFormat == "" || c.InputDevice == "" {
		f, d := platformInput(runtime.GOOS)
		if c.InputFormat == "" {
			c.InputFormat = f
		}
		if c.InputDevice == "" {
			c.InputDevice = d
		}
	}
	if c.BlockSize <= 0 {
		c.BlockSize = audio.DefaultBlockSize
	}
	if c.StartTimeout <= 0 {
		c.StartTimeout = DefaultStartTimeout
	}
	return c
}

func platformInput(goos string) (format, dev string) {
	switch goos {
	case "darwin":
		return "avfoundation", ":0"
	case "windows":
		return "dshow", "audio=default"
	default:
		return "pulse", "default"
	}
}

// Devices opens ffmpeg-backed devices.
type Devices struct {
	cfg Config
	log *slog.Logger
}

// New returns a device backend using cfg.
func New(cfg Config, log *slog.Logger) *Devices {
	if log == nil {
		log = slog.Default()
	}
	return &Devices{cfg: cfg.withDefaults(), log: log}
}

// Check reports whether both binaries can be found.
func (d *Devices) Check() error {
	var errs []error
	for _, bin := range []string{d.cfg.FFmpegPath, d.cfg.FFplayPath} {
		if _, err := exec.LookPath(bin); err != nil {
			errs = append(errs, fmt.Errorf("ffmpeg: %s not found: %w", bin, err))
		}
	}
	return errors.Join(errs...)
}

// MicrophoneArgs returns the ffmpeg arguments used to capture at sampleRate.
func (d *Devices) MicrophoneArgs(sampleRate int) []string {
	return []string{
		"-hide_banner", "-loglevel", "error", "-nostdin",
		"-f", d.cfg.InputFormat, "-i", d.cfg.InputDevice,
		"-ac", "1", "-ar", strconv.Itoa(sampleRate),
		"-f", "s16le", "-",
	}
}

// PlayerArgs returns the ffplay arguments used to play at sampleRate.
func (d *Devices) PlayerArgs(sampleRate int) []string {
	return []string{
		"-nodisp", "-autoexit", "-loglevel", "error",
		"-fflags", "nobuffer", "-flags", "low_delay",
		"-f", "s16le", "-ar", strconv.Itoa(sampleRate), "-ac", "1",
		"-i", "pipe:0",
	}
}

// OpenMicrophone implements [audio.Devices]. It starts ffmpeg and waits for
// the first captured bytes; a process that exits or stays silent for the
// start timeout is reported as a device error carrying ffmpeg's stderr.
func (d *Devices) OpenMicrophone(ctx context.Context, sampleRate int) (audio.Microphone, error) {
	if _, err := exec.LookPath(d.cfg.FFmpegPath); err != nil {
		return nil, apierror.Device("open microphone", fmt.Errorf("ffmpeg is required for microphone capture: %w", err))
	}
	cmd := exec.Command(d.cfg.FFmpegPath, d.MicrophoneArgs(sampleRate)...)
	// The pipe is ours rather than cmd.StdoutPipe so that Close can Wait
	// while a ReadBlock is still blocked on it.
	stdout, pw, err := os.Pipe()
	if err != nil {
		return nil, apierror.Device("open microphone", fmt.Errorf("open ffmpeg stdout: %w", err))
	}
	cmd.Stdout = pw
	stderr := &tailBuffer{max: 2048}
	cmd.Stderr = stderr
	err = cmd.Start()
	_ = pw.Close()
	if err != nil {
		_ = stdout.Close()
		return nil, apierror.Device("open microphone", fmt.Errorf("start ffmpeg: %w", err))
	}

	m := &microphone{
		cmd:    cmd,
		stdout: stdout,
		r:      bufio.NewReaderSize(stdout, 4*d.cfg.BlockSize),
		rate:   sampleRate,
		block:  d.cfg.BlockSize,
		stderr: stderr,
		buf:    make([]byte, 2*d.cfg.BlockSize),
	}

	ready := make(chan error, 1)
	go func() {
		_, err := m.r.Peek(2)
		ready <- err
	}()
	timer := time.NewTimer(d.cfg.StartTimeout)
	defer timer.Stop()
	select {
	case err := <-ready:
		if err != nil {
			// Peek only fails once ffmpeg has exited.
			_ = m.Close()
			return nil, apierror.Device("open microphone", stderr.err(err))
		}
	case <-timer.C:
		_ = m.Close()
		<-ready
		return nil, apierror.Device("open microphone", stderr.err(errors.New("no audio from capture device")))
	case <-ctx.Done():
		_ = m.Close()
		<-ready
		return nil, ctx.Err()
	}
	d.log.Debug("ffmpeg: microphone open", "format", d.cfg.InputFormat, "device", d.cfg.InputDevice, "rate", sampleRate)
	return m, nil
}

// OpenOutput implements [audio.Devices].
func (d *Devices) OpenOutput(_ context.Context, sampleRate int) (audio.Output, error) {
	if _, err := exec.LookPath(d.cfg.FFplayPath); err != nil {
		return nil, apierror.Device("open output", fmt.Errorf("ffplay is required for playback: %w", err))
	}
	cmd := exec.Command(d.cfg.FFplayPath, d.PlayerArgs(sampleRate)...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, apierror.Device("open output", fmt.Errorf("open ffplay stdin: %w", err))
	}
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard
	if err := cmd.Start(); err != nil {
		return nil, apierror.Device("open output", fmt.Errorf("start ffplay: %w", err))
	}
	p := &process{cmd: cmd, stdin: stdin}
	return device.New(stdin, sampleRate, device.WithCloser(p), device.WithLogger(d.log)), nil
}

type microphone struct {
	cmd    *exec.Cmd
	stdout *os.File
	r      *bufio.Reader
	rate   int
	block  int
	stderr *tailBuffer
	buf    []byte

	mu     sync.Mutex
	closed bool
	once   sync.Once
}

func (m *microphone) SampleRate() int { return m.rate }

// ReadBlock implements [audio.Microphone]. ctx is checked before each read;
// a read in progress is interrupted by Close.
func (m *microphone) ReadBlock(ctx context.Context) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(m.r, m.buf); err != nil {
		m.mu.Lock()
		closed := m.closed
		m.mu.Unlock()
		if closed || ctx.Err() != nil {
			return nil, io.EOF
		}
		return nil, apierror.Device("read microphone", m.stderr.err(err))
	}
	return audio.Int16ToFloat32(m.buf), nil
}

func (m *microphone) Close() error {
	m.once.Do(func() {
		m.mu.Lock()
		m.closed = true
		m.mu.Unlock()
		if m.cmd.Process != nil {
			_ = m.cmd.Process.Kill()
			_ = m.cmd.Wait()
		}
		// Unblocks a pending read even if a child of ffmpeg still holds the
		// write end.
		_ = m.stdout.Close()
	})
	return nil
}

type process struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
	once  sync.Once
}

func (p *process) Close() error {
	p.once.Do(func() {
		_ = p.stdin.Close()
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Kill()
			_ = p.cmd.Wait()
		}
	})
	return nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	b   []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.b = append(t.b, p...)
	if over := len(t.b) - t.max; over > 0 {
		t.b = append(t.b[:0], t.b[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(string(t.b))
}

func (t *tailBuffer) err(cause error) error {
	if msg := t.String(); msg != "" {
		return fmt.Errorf("%w: %s", cause, msg)
	}
	return cause
}
