// Package device implements a software audio output context.
//
// [Output] keeps its own sample clock and mixes every scheduled buffer into
// 16-bit little-endian PCM written to an [io.Writer] (an ffplay stdin pipe, a
// file, or [io.Discard]). The clock advances with rendered audio; by default a
// goroutine renders in real time, and tests can drive it by hand with
// [Output.Render].
package device

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/lumina/pkg/audio"
)

// DefaultPeriod is the render quantum of the real-time loop.
const DefaultPeriod = 20 * time.Millisecond

// ErrClosed is returned by Play after Close.
var ErrClosed = errors.New("device: output closed")

// Option configures an [Output].
type Option func(*Output)

// WithPeriod sets the render quantum of the real-time loop.
func WithPeriod(d time.Duration) Option {
	return func(o *Output) {
		if d > 0 {
			o.period = d
		}
	}
}

// WithManualClock disables the real-time loop. The clock only advances
// through [Output.Render].
func WithManualClock() Option {
	return func(o *Output) { o.manual = true }
}

// WithCloser registers c to be closed after the render loop stops, e.g. the
// subprocess behind the writer.
func WithCloser(c io.Closer) Option {
	return func(o *Output) { o.closer = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Output) { o.log = l }
}

type source struct {
	out     *Output
	samples []float32 // mono
	start   int64     // frame index on the output clock
	pos     int
	stopped bool
	onEnded func()
}

// Stop implements [audio.Source].
func (s *source) Stop() {
	s.out.mu.Lock()
	s.stopped = true
	s.out.mu.Unlock()
}

// Output is a mixing software output. It implements [audio.Output].
type Output struct {
	rate   int
	w      io.Writer
	closer io.Closer
	period time.Duration
	manual bool
	log    *slog.Logger

	mu       sync.Mutex
	rendered int64
	sources  []*source
	closed   bool
	writeErr error
	pcm      []byte
	mix      []float32

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// New returns an output running at rate that writes rendered PCM to w.
func New(w io.Writer, rate int, opts ...Option) *Output {
	if rate <= 0 {
		rate = audio.OutputSampleRate
	}
	o := &Output{
		rate:   rate,
		w:      w,
		period: DefaultPeriod,
		log:    slog.Default(),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.manual {
		close(o.done)
	} else {
		go o.loop()
	}
	return o
}

// SampleRate implements [audio.Output].
func (o *Output) SampleRate() int { return o.rate }

// CurrentTime implements [audio.Output].
func (o *Output) CurrentTime() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.framesToTime(o.rendered)
}

func (o *Output) framesToTime(n int64) time.Duration {
	return time.Duration(n * int64(time.Second) / int64(o.rate))
}

// timeToFrames rounds to the nearest frame. Chunk boundaries computed by the
// scheduler are truncated to the nanosecond and must land on the frame where
// the previous chunk ends.
func (o *Output) timeToFrames(d time.Duration) int64 {
	return (int64(d)*int64(o.rate) + int64(time.Second)/2) / int64(time.Second)
}

// Play implements [audio.Output]. Multi-channel buffers are downmixed. A
// start time the clock has already passed keeps its place on the clock: the
// elapsed samples are skipped and the rest plays now.
func (o *Output) Play(buf *audio.Buffer, at time.Duration, onEnded func()) (audio.Source, error) {
	samples := buf.Channel(0)
	if buf.Channels > 1 {
		samples = downmix(buf)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil, ErrClosed
	}
	s := &source{
		out:     o,
		samples: samples,
		start:   o.timeToFrames(at),
		onEnded: onEnded,
	}
	if s.start < o.rendered {
		s.pos = int(min(o.rendered-s.start, int64(len(samples))))
	}
	o.sources = append(o.sources, s)
	return s, nil
}

func downmix(buf *audio.Buffer) []float32 {
	n := buf.Frames()
	out := make([]float32, n)
	for i := range n {
		var sum float32
		for c := range buf.Channels {
			sum += buf.Samples[i*buf.Channels+c]
		}
		out[i] = sum / float32(buf.Channels)
	}
	return out
}

// Render mixes the next frames samples, writes them and advances the clock.
// Ended callbacks are invoked after the write, outside all locks.
func (o *Output) Render(frames int) error {
	if frames <= 0 {
		return nil
	}
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrClosed
	}
	if cap(o.mix) < frames {
		o.mix = make([]float32, frames)
	}
	mix := o.mix[:frames]
	clear(mix)

	from := o.rendered
	to := from + int64(frames)
	var ended []func()
	live := o.sources[:0]
	for _, s := range o.sources {
		if !s.stopped && s.start < to {
			off := int(max(s.start-from, 0))
			for i := off; i < frames && s.pos < len(s.samples); i++ {
				mix[i] += s.samples[s.pos]
				s.pos++
			}
		}
		if s.stopped || s.pos >= len(s.samples) {
			if s.onEnded != nil {
				ended = append(ended, s.onEnded)
			}
			continue
		}
		live = append(live, s)
	}
	clear(o.sources[len(live):])
	o.sources = live
	o.rendered = to
	o.pcm = audio.Float32ToInt16(mix, o.pcm)
	pcm := o.pcm
	w := o.w
	o.mu.Unlock()

	var err error
	if w != nil {
		_, err = w.Write(pcm)
	}
	for _, fn := range ended {
		fn()
	}
	if err != nil {
		o.mu.Lock()
		first := o.writeErr == nil
		o.writeErr = err
		o.mu.Unlock()
		if first {
			o.log.Warn("device: output write failed; rendering continues silently", "err", err)
		}
		return err
	}
	return nil
}

func (o *Output) loop() {
	defer close(o.done)
	t := time.NewTicker(o.period)
	defer t.Stop()
	start := time.Now()
	var budget int64
	for {
		select {
		case <-o.stop:
			return
		case now := <-t.C:
			target := o.timeToFrames(now.Sub(start))
			n := target - budget
			if n <= 0 {
				continue
			}
			budget = target
			if err := o.Render(int(n)); errors.Is(err, ErrClosed) {
				return
			} else if err != nil {
				o.mu.Lock()
				o.w = nil
				o.mu.Unlock()
			}
		}
	}
}

// Err returns the first write error, if any.
func (o *Output) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.writeErr
}

// Close stops rendering, stops every source and releases the writer. Pending
// ended callbacks run on a separate goroutine. Safe to call more than once.
func (o *Output) Close() error {
	var err error
	o.once.Do(func() {
		close(o.stop)
		<-o.done

		o.mu.Lock()
		o.closed = true
		var ended []func()
		for _, s := range o.sources {
			s.stopped = true
			if s.onEnded != nil {
				ended = append(ended, s.onEnded)
			}
		}
		o.sources = nil
		o.mu.Unlock()

		if len(ended) > 0 {
			go func() {
				for _, fn := range ended {
					fn()
				}
			}()
		}
		if o.closer != nil {
			err = o.closer.Close()
		}
	})
	return err
}
