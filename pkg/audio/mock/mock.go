// Package mock provides in-memory mock implementations of the [audio.Devices],
// [audio.Microphone] and [audio.Output] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// The mock [Output] has a manual clock. Tests move it with [Output.SetTime] or
// [Output.Advance]; sources whose end time has been reached, and sources that
// were stopped, have their ended callbacks fired during the next clock move or
// [Output.FireEnded] call, never from inside Play or Stop.
//
// Typical usage:
//
//	out := &mock.Output{Rate: audio.OutputSampleRate}
//	mic := mock.NewMicrophone(audio.InputSampleRate)
//	devs := &mock.Devices{MicrophoneResult: mic, OutputResult: out}
//	mic.Push(make([]float32, 4096))
package mock

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/MrWong99/lumina/pkg/audio"
)

// ─── Devices ──────────────────────────────────────────────────────────────────

// Devices is a mock implementation of [audio.Devices].
type Devices struct {
	mu sync.Mutex

	// MicrophoneResult is returned by OpenMicrophone.
	MicrophoneResult audio.Microphone

	// MicrophoneError is returned by OpenMicrophone when non-nil.
	MicrophoneError error

	// OutputResult is returned by OpenOutput.
	OutputResult audio.Output

	// OutputError is returned by OpenOutput when non-nil.
	OutputError error

	// BeforeOpenMicrophone, if set, runs at the start of OpenMicrophone. Tests
	// use it to interleave other calls with device acquisition.
	BeforeOpenMicrophone func()

	// MicrophoneRates records the sampleRate argument of every OpenMicrophone call.
	MicrophoneRates []int

	// OutputRates records the sampleRate argument of every OpenOutput call.
	OutputRates []int
}

// OpenMicrophone implements [audio.Devices].
func (d *Devices) OpenMicrophone(_ context.Context, sampleRate int) (audio.Microphone, error) {
	d.mu.Lock()
	hook := d.BeforeOpenMicrophone
	d.mu.Unlock()
	if hook != nil {
		hook()
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.MicrophoneRates = append(d.MicrophoneRates, sampleRate)
	if d.MicrophoneError != nil {
		return nil, d.MicrophoneError
	}
	return d.MicrophoneResult, nil
}

// OpenOutput implements [audio.Devices].
func (d *Devices) OpenOutput(_ context.Context, sampleRate int) (audio.Output, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.OutputRates = append(d.OutputRates, sampleRate)
	if d.OutputError != nil {
		return nil, d.OutputError
	}
	return d.OutputResult, nil
}

// ─── Microphone ───────────────────────────────────────────────────────────────

// Microphone is a mock implementation of [audio.Microphone]. Blocks pushed
// with [Microphone.Push] are returned by ReadBlock in order.
type Microphone struct {
	rate   int
	blocks chan []float32
	done   chan struct{}
	once   sync.Once

	mu sync.Mutex

	// CallCountClose records how many times Close was called.
	CallCountClose int

	// ReadCount records how many blocks have been delivered.
	ReadCount int
}

// NewMicrophone returns a mock microphone at the given rate with room for 64
// pending blocks.
func NewMicrophone(rate int) *Microphone {
	return &Microphone{
		rate:   rate,
		blocks: make(chan []float32, 64),
		done:   make(chan struct{}),
	}
}

// Push queues a block for delivery. It is a no-op after Close.
func (m *Microphone) Push(block []float32) {
	select {
	case <-m.done:
	case m.blocks <- block:
	}
}

// SampleRate implements [audio.Microphone].
func (m *Microphone) SampleRate() int { return m.rate }

// ReadBlock implements [audio.Microphone].
func (m *Microphone) ReadBlock(ctx context.Context) ([]float32, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-m.done:
		return nil, io.EOF
	case b := <-m.blocks:
		m.mu.Lock()
		m.ReadCount++
		m.mu.Unlock()
		return b, nil
	}
}

// Close implements [audio.Microphone].
func (m *Microphone) Close() error {
	m.mu.Lock()
	m.CallCountClose++
	m.mu.Unlock()
	m.once.Do(func() { close(m.done) })
	return nil
}

// Closed reports whether Close has been called.
func (m *Microphone) Closed() bool {
	select {
	case <-m.done:
		return true
	default:
		return false
	}
}

// Reads returns ReadCount under the lock.
func (m *Microphone) Reads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ReadCount
}

// ─── Output ───────────────────────────────────────────────────────────────────

// ErrOutputClosed is returned by Play after Close.
var ErrOutputClosed = errors.New("mock: output closed")

// PlayCall records the arguments of a single [Output.Play] invocation.
type PlayCall struct {
	// At is the requested start time.
	At time.Duration

	// Duration is the length of the scheduled buffer.
	Duration time.Duration

	// Source is the source returned for this call.
	Source *Source
}

// Source is a mock [audio.Source].
type Source struct {
	out     *Output
	start   time.Duration
	end     time.Duration
	onEnded func()

	// guarded by out.mu
	stopped bool
	ended   bool
	stops   int
}

// Stop implements [audio.Source].
func (s *Source) Stop() {
	s.out.mu.Lock()
	defer s.out.mu.Unlock()
	s.stops++
	s.stopped = true
}

// Stopped reports whether Stop has been called.
func (s *Source) Stopped() bool {
	s.out.mu.Lock()
	defer s.out.mu.Unlock()
	return s.stopped
}

// Ended reports whether the ended callback has fired.
func (s *Source) Ended() bool {
	s.out.mu.Lock()
	defer s.out.mu.Unlock()
	return s.ended
}

// Start returns the effective start time of the source.
func (s *Source) Start() time.Duration { return s.start }

// End returns the time at which the source finishes playing.
func (s *Source) End() time.Duration { return s.end }

// Output is a mock implementation of [audio.Output] with a manual clock.
// The zero value is usable; Rate defaults to [audio.OutputSampleRate].
type Output struct {
	mu  sync.Mutex
	now time.Duration

	// Rate is reported by SampleRate.
	Rate int

	// PlayError, if set, is returned by Play.
	PlayError error

	// PlayCalls records all Play invocations.
	PlayCalls []PlayCall

	// CallCountClose records how many times Close was called.
	CallCountClose int

	closed bool
}

// SampleRate implements [audio.Output].
func (o *Output) SampleRate() int {
	if o.Rate == 0 {
		return audio.OutputSampleRate
	}
	return o.Rate
}

// CurrentTime implements [audio.Output].
func (o *Output) CurrentTime() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.now
}

// Play implements [audio.Output].
func (o *Output) Play(buf *audio.Buffer, at time.Duration, onEnded func()) (audio.Source, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.PlayError != nil {
		return nil, o.PlayError
	}
	if o.closed {
		return nil, ErrOutputClosed
	}
	start := max(at, o.now)
	src := &Source{
		out:     o,
		start:   start,
		end:     start + buf.Duration(),
		onEnded: onEnded,
	}
	o.PlayCalls = append(o.PlayCalls, PlayCall{At: at, Duration: buf.Duration(), Source: src})
	return src, nil
}

// Close implements [audio.Output]. Every source is stopped; their callbacks
// fire on the next [Output.FireEnded].
func (o *Output) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.CallCountClose++
	o.closed = true
	for _, c := range o.PlayCalls {
		c.Source.stopped = true
	}
	return nil
}

// Closed reports whether Close has been called.
func (o *Output) Closed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

// SetTime moves the clock to t and fires due callbacks.
func (o *Output) SetTime(t time.Duration) {
	o.mu.Lock()
	o.now = t
	o.mu.Unlock()
	o.FireEnded()
}

// Advance moves the clock forward by d and fires due callbacks.
func (o *Output) Advance(d time.Duration) {
	o.mu.Lock()
	o.now += d
	o.mu.Unlock()
	o.FireEnded()
}

// FireEnded invokes, on the calling goroutine, the ended callback of every
// source that has finished or been stopped and has not yet been reported.
func (o *Output) FireEnded() {
	o.mu.Lock()
	var due []func()
	for _, c := range o.PlayCalls {
		s := c.Source
		if s.ended {
			continue
		}
		if s.stopped || s.end <= o.now {
			s.ended = true
			if s.onEnded != nil {
				due = append(due, s.onEnded)
			}
		}
	}
	o.mu.Unlock()
	for _, fn := range due {
		fn()
	}
}

// Plays returns a copy of PlayCalls.
func (o *Output) Plays() []PlayCall {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]PlayCall, len(o.PlayCalls))
	copy(out, o.PlayCalls)
	return out
}

// Playing returns the sources that are neither stopped nor finished at the
// current clock time.
func (o *Output) Playing() []*Source {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []*Source
	for _, c := range o.PlayCalls {
		s := c.Source
		if !s.stopped && s.end > o.now {
			out = append(out, s)
		}
	}
	return out
}
