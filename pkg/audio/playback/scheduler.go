// Package playback schedules streamed speech chunks on an audio output clock.
//
// Chunks are laid end to end: each one starts where the previous one ends,
// unless the clock has already passed that point, in which case the chunk
// starts immediately and later chunks follow it. [Scheduler.Flush] stops
// everything that is playing or scheduled and resets the clock so the next
// chunk starts at once.
package playback

import (
	"cmp"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/lumina/pkg/audio"
)

// DefaultLookaheadWarning is the scheduled span ahead of the clock above which
// Enqueue logs a warning.
const DefaultLookaheadWarning = 30 * time.Second

// ErrNoOutput is returned by Enqueue when the scheduler has no output.
var ErrNoOutput = errors.New("playback: no output")

// Chunk is a buffer scheduled on the playback clock.
type Chunk struct {
	// ID identifies the chunk within its scheduler. IDs increase in arrival order.
	ID uint64

	// Start is the clock time at which the chunk begins.
	Start time.Duration

	// Duration is the chunk length.
	Duration time.Duration
}

// End returns the clock time at which the chunk finishes.
func (c Chunk) End() time.Duration { return c.Start + c.Duration }

// Option configures a [Scheduler].
type Option func(*Scheduler)

// WithOnIdle registers fn to run whenever the last in-flight chunk finishes
// naturally. It is not called for flushed chunks.
func WithOnIdle(fn func()) Option {
	return func(s *Scheduler) { s.onIdle = fn }
}

// WithLookaheadWarning sets the lookahead above which a warning is logged.
// Zero disables the warning.
func WithLookaheadWarning(d time.Duration) Option {
	return func(s *Scheduler) { s.warnAhead = d }
}

// WithObserver registers fn to receive every scheduled chunk together with the
// lookahead (scheduled audio ahead of the clock) after scheduling it.
func WithObserver(fn func(c Chunk, lookahead time.Duration)) Option {
	return func(s *Scheduler) { s.observe = fn }
}

// WithLogger sets the logger used for lookahead warnings.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.log = l }
}

type entry struct {
	chunk Chunk
	src   audio.Source
}

// Scheduler plays chunks sequentially and gaplessly on an [audio.Output].
// It is safe for concurrent use.
type Scheduler struct {
	mu        sync.Mutex
	out       audio.Output
	nextStart time.Duration
	nextID    uint64
	inFlight  map[uint64]entry
	// epoch changes on every flush so callbacks from before it are ignored.
	epoch uint64

	onIdle    func()
	observe   func(Chunk, time.Duration)
	warnAhead time.Duration
	log       *slog.Logger
}

// New returns a scheduler writing to out.
func New(out audio.Output, opts ...Option) *Scheduler {
	s := &Scheduler{
		out:       out,
		inFlight:  make(map[uint64]entry),
		warnAhead: DefaultLookaheadWarning,
		log:       slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Enqueue schedules buf after everything already scheduled. If the clock has
// passed the end of the scheduled audio the chunk starts now. It returns the
// scheduled chunk.
func (s *Scheduler) Enqueue(buf *audio.Buffer) (Chunk, error) {
	s.mu.Lock()
	if s.out == nil {
		s.mu.Unlock()
		return Chunk{}, ErrNoOutput
	}
	now := s.out.CurrentTime()
	if s.nextStart < now {
		s.nextStart = now
	}
	s.nextID++
	c := Chunk{ID: s.nextID, Start: s.nextStart, Duration: buf.Duration()}
	epoch := s.epoch

	src, err := s.out.Play(buf, c.Start, func() { s.ended(c.ID, epoch) })
	if err != nil {
		s.mu.Unlock()
		return Chunk{}, fmt.Errorf("playback: schedule chunk %d: %w", c.ID, err)
	}
	s.inFlight[c.ID] = entry{chunk: c, src: src}
	s.nextStart = c.End()
	ahead := s.nextStart - now
	observe := s.observe
	warn := s.warnAhead > 0 && ahead > s.warnAhead
	s.mu.Unlock()

	if warn {
		s.log.Warn("playback: scheduled audio far ahead of clock",
			"lookahead", ahead, "threshold", s.warnAhead, "chunk", c.ID)
	}
	if observe != nil {
		observe(c, ahead)
	}
	return c, nil
}

func (s *Scheduler) ended(id, epoch uint64) {
	s.mu.Lock()
	if epoch != s.epoch {
		s.mu.Unlock()
		return
	}
	if _, ok := s.inFlight[id]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.inFlight, id)
	idle := len(s.inFlight) == 0
	fn := s.onIdle
	s.mu.Unlock()

	if idle && fn != nil {
		fn()
	}
}

// Flush stops every playing or scheduled chunk, forgets them and resets the
// clock so the next chunk starts immediately. Completion callbacks of flushed
// chunks are ignored. Flushing an idle scheduler is a no-op.
func (s *Scheduler) Flush() {
	s.mu.Lock()
	srcs := make([]audio.Source, 0, len(s.inFlight))
	for _, e := range s.inFlight {
		srcs = append(srcs, e.src)
	}
	clear(s.inFlight)
	s.nextStart = 0
	s.epoch++
	s.mu.Unlock()

	for _, src := range srcs {
		src.Stop()
	}
}

// Detach flushes the scheduler and drops its output. Subsequent Enqueue calls
// fail with [ErrNoOutput].
func (s *Scheduler) Detach() {
	s.Flush()
	s.mu.Lock()
	s.out = nil
	s.mu.Unlock()
}

// NextStartTime returns the earliest time the next chunk may begin.
func (s *Scheduler) NextStartTime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextStart
}

// InFlight returns the chunks that are scheduled or playing, in arrival order.
func (s *Scheduler) InFlight() []Chunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Chunk, 0, len(s.inFlight))
	for _, e := range s.inFlight {
		out = append(out, e.chunk)
	}
	slices.SortFunc(out, func(a, b Chunk) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// Active reports whether any chunk is scheduled or playing.
func (s *Scheduler) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inFlight) > 0
}
