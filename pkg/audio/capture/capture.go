// Package capture runs the microphone side of a live session.
//
// A [Pipeline] reads fixed-size blocks from an [audio.Microphone] at the
// device cadence. For every block it publishes a volume level (even while
// muted) and, unless muted, frames the block as 16-bit PCM and hands it to
// the send function. Sending must not block; the transport is responsible for
// queueing and dropping.
package capture

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/lumina/pkg/audio"
	"github.com/MrWong99/lumina/pkg/audio/level"
)

// SendFunc submits one frame to the transport. It must return promptly.
type SendFunc func(audio.AudioFrame) error

// Option configures a [Pipeline].
type Option func(*Pipeline)

// WithVolumeObserver registers fn to receive the level computed on every tick.
func WithVolumeObserver(fn func(float64)) Option {
	return func(p *Pipeline) { p.onVolume = fn }
}

// WithSendObserver registers fn to receive the result of every send attempt.
func WithSendObserver(fn func(err error)) Option {
	return func(p *Pipeline) { p.onSend = fn }
}

// WithErrorHandler registers fn to be called if the microphone fails while
// the pipeline is running. It is not called for a normal stop.
func WithErrorHandler(fn func(error)) Option {
	return func(p *Pipeline) { p.onError = fn }
}

// WithAnalyser replaces the default [level.Analyser].
func WithAnalyser(a *level.Analyser) Option {
	return func(p *Pipeline) { p.analyser = a }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.log = l }
}

// WithMuted sets the initial mute state.
func WithMuted(muted bool) Option {
	return func(p *Pipeline) { p.muted.Store(muted) }
}

// Pipeline owns a microphone for the duration of a session.
type Pipeline struct {
	mic      audio.Microphone
	send     SendFunc
	analyser *level.Analyser
	log      *slog.Logger

	onVolume func(float64)
	onSend   func(error)
	onError  func(error)

	muted  atomic.Bool
	volume atomic.Uint64 // math.Float64bits

	sent    atomic.Uint64
	skipped atomic.Uint64
	failed  atomic.Uint64

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// New returns a pipeline that reads from mic and submits frames with send.
// It does not start reading until [Pipeline.Start].
func New(mic audio.Microphone, send SendFunc, opts ...Option) *Pipeline {
	p := &Pipeline{
		mic:  mic,
		send: send,
		log:  slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	if p.analyser == nil {
		p.analyser = level.New()
	}
	return p
}

// Start launches the capture goroutine. Calling Start more than once has no
// effect.
func (p *Pipeline) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})
	go p.run(ctx, p.done)
}

// Stop cancels the capture goroutine and waits for it to exit. The
// microphone is not closed; its owner does that. Stop is idempotent and safe
// to call before Start.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	p.volume.Store(0)
}

func (p *Pipeline) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	rate := p.mic.SampleRate()
	if rate <= 0 {
		rate = audio.InputSampleRate
	}
	var read int64
	for {
		block, err := p.mic.ReadBlock(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return
			}
			p.log.Error("capture: microphone read failed", "err", err)
			if p.onError != nil {
				p.onError(err)
			}
			return
		}
		ts := time.Duration(read * int64(time.Second) / int64(rate))
		read += int64(len(block))
		p.tick(block, ts)
	}
}

func (p *Pipeline) tick(block []float32, ts time.Duration) {
	v := p.analyser.Process(block)
	p.volume.Store(math.Float64bits(v))
	muted := p.muted.Load()
	if muted {
		p.skipped.Add(1)
	}
	if p.onVolume != nil {
		p.onVolume(v)
	}
	if muted {
		return
	}

	frame := audio.FrameFloat32(block)
	frame.Timestamp = ts
	err := p.send(frame)
	if err != nil {
		p.failed.Add(1)
		p.log.Debug("capture: frame not sent", "err", err, "samples", len(block))
	} else {
		p.sent.Add(1)
	}
	if p.onSend != nil {
		p.onSend(err)
	}
}

// SetMuted toggles transmission. The volume level keeps updating while muted.
func (p *Pipeline) SetMuted(muted bool) { p.muted.Store(muted) }

// Muted reports the mute state.
func (p *Pipeline) Muted() bool { return p.muted.Load() }

// Volume returns the most recent level in [0, 1].
func (p *Pipeline) Volume() float64 { return math.Float64frombits(p.volume.Load()) }

// Stats reports how many blocks were sent, skipped while muted, and rejected
// by the send function.
type Stats struct {
	Sent    uint64
	Skipped uint64
	Failed  uint64
}

// Stats returns the running counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Sent:    p.sent.Load(),
		Skipped: p.skipped.Load(),
		Failed:  p.failed.Load(),
	}
}
