package playback_test

import (
	"bytes"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/lumina/pkg/audio"
	"github.com/MrWong99/lumina/pkg/audio/mock"
	"github.com/MrWong99/lumina/pkg/audio/playback"
)

func bufferOf(d time.Duration) *audio.Buffer {
	n := int(d * audio.OutputSampleRate / time.Second)
	return &audio.Buffer{Samples: make([]float32, n), SampleRate: audio.OutputSampleRate, Channels: 1}
}

func mustEnqueue(t *testing.T, s *playback.Scheduler, d time.Duration) playback.Chunk {
	t.Helper()
	c, err := s.Enqueue(bufferOf(d))
	if err != nil {
		t.Fatalf("Enqueue(%v): %v", d, err)
	}
	return c
}

func TestScheduler_BackToBackChunksAreGapless(t *testing.T) {
	t.Parallel()

	out := &mock.Output{}
	t0 := 2 * time.Second
	out.SetTime(t0)
	s := playback.New(out)

	durations := []time.Duration{500 * time.Millisecond, 300 * time.Millisecond, 400 * time.Millisecond}
	wantStarts := []time.Duration{t0, t0 + 500*time.Millisecond, t0 + 800*time.Millisecond}
	for i, d := range durations {
		c := mustEnqueue(t, s, d)
		if c.Start != wantStarts[i] {
			t.Errorf("chunk %d start = %v, want %v", i, c.Start, wantStarts[i])
		}
	}
	if got, want := s.NextStartTime()-t0, 1200*time.Millisecond; got != want {
		t.Errorf("scheduled span = %v, want %v", got, want)
	}

	plays := out.Plays()
	if len(plays) != 3 {
		t.Fatalf("Play called %d times, want 3", len(plays))
	}
	for i, p := range plays {
		if p.At != wantStarts[i] {
			t.Errorf("Play %d at %v, want %v", i, p.At, wantStarts[i])
		}
	}
	if got := len(s.InFlight()); got != 3 {
		t.Errorf("InFlight = %d, want 3", got)
	}
}

func TestScheduler_NoOverlap(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		d1, d2 time.Duration
	}{
		{"equal", 250 * time.Millisecond, 250 * time.Millisecond},
		{"short then long", 10 * time.Millisecond, 3 * time.Second},
		{"long then short", 2 * time.Second, 5 * time.Millisecond},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			out := &mock.Output{}
			out.SetTime(100 * time.Millisecond)
			s := playback.New(out)
			first := mustEnqueue(t, s, tc.d1)
			second := mustEnqueue(t, s, tc.d2)
			if second.Start != first.End() {
				t.Errorf("second start %v, want first end %v", second.Start, first.End())
			}
			if second.ID <= first.ID {
				t.Errorf("ids out of order: %d then %d", first.ID, second.ID)
			}
		})
	}
}

func TestScheduler_ResetsToNowAfterIdle(t *testing.T) {
	t.Parallel()

	out := &mock.Output{}
	s := playback.New(out)
	first := mustEnqueue(t, s, 300*time.Millisecond)
	if first.Start != 0 {
		t.Fatalf("first start = %v, want 0", first.Start)
	}

	out.SetTime(5 * time.Second)
	if s.Active() {
		t.Fatal("scheduler still active after chunk ended")
	}
	second := mustEnqueue(t, s, 300*time.Millisecond)
	if second.Start != 5*time.Second {
		t.Errorf("second start = %v, want clock time 5s", second.Start)
	}
}

func TestScheduler_IdleAfterNaturalDrain(t *testing.T) {
	t.Parallel()

	var idle atomic.Int32
	out := &mock.Output{}
	s := playback.New(out, playback.WithOnIdle(func() { idle.Add(1) }))
	mustEnqueue(t, s, 200*time.Millisecond)
	mustEnqueue(t, s, 200*time.Millisecond)

	out.SetTime(200 * time.Millisecond)
	if got := idle.Load(); got != 0 {
		t.Fatalf("idle fired %d times with one chunk still scheduled", got)
	}
	if got := len(s.InFlight()); got != 1 {
		t.Fatalf("InFlight = %d, want 1", got)
	}
	out.SetTime(400 * time.Millisecond)
	if got := idle.Load(); got != 1 {
		t.Errorf("idle fired %d times, want 1", got)
	}
}

func TestScheduler_FlushEmptiesAndResets(t *testing.T) {
	t.Parallel()

	var idle atomic.Int32
	out := &mock.Output{}
	s := playback.New(out, playback.WithOnIdle(func() { idle.Add(1) }))
	out.SetTime(time.Second)
	for range 3 {
		mustEnqueue(t, s, 400*time.Millisecond)
	}

	s.Flush()
	if s.Active() || len(s.InFlight()) != 0 {
		t.Error("in-flight set not empty after Flush")
	}
	if s.NextStartTime() != 0 {
		t.Errorf("NextStartTime = %v, want 0", s.NextStartTime())
	}
	for i, p := range out.Plays() {
		if !p.Source.Stopped() {
			t.Errorf("source %d not stopped", i)
		}
	}

	// Late completion callbacks of the flushed chunks must not touch state.
	out.FireEnded()
	out.Advance(10 * time.Second)
	if got := idle.Load(); got != 0 {
		t.Errorf("idle fired %d times for flushed chunks", got)
	}
	if s.NextStartTime() != 0 || s.Active() {
		t.Error("flushed callbacks resurrected scheduler state")
	}

	// The next chunk starts at once on the clock.
	c := mustEnqueue(t, s, 100*time.Millisecond)
	if c.Start != out.CurrentTime() {
		t.Errorf("post-flush start = %v, want now %v", c.Start, out.CurrentTime())
	}
}

func TestScheduler_FlushIdempotent(t *testing.T) {
	t.Parallel()

	s := playback.New(&mock.Output{})
	s.Flush()
	s.Flush()
	if s.Active() {
		t.Error("empty scheduler reports active")
	}
}

func TestScheduler_LookaheadWarning(t *testing.T) {
	t.Parallel()

	var logs bytes.Buffer
	var lastAhead time.Duration
	s := playback.New(&mock.Output{},
		playback.WithLookaheadWarning(time.Second),
		playback.WithLogger(slog.New(slog.NewTextHandler(&logs, nil))),
		playback.WithObserver(func(_ playback.Chunk, ahead time.Duration) { lastAhead = ahead }),
	)
	mustEnqueue(t, s, 800*time.Millisecond)
	if logs.Len() != 0 {
		t.Fatalf("unexpected warning: %s", logs.String())
	}
	c := mustEnqueue(t, s, 800*time.Millisecond)
	if !strings.Contains(logs.String(), "far ahead") {
		t.Errorf("expected lookahead warning, got %q", logs.String())
	}
	if c.Start != 800*time.Millisecond {
		t.Errorf("warning must not cap scheduling: start = %v", c.Start)
	}
	if lastAhead != 1600*time.Millisecond {
		t.Errorf("observed lookahead = %v, want 1.6s", lastAhead)
	}
}

func TestScheduler_DetachRejectsEnqueue(t *testing.T) {
	t.Parallel()

	out := &mock.Output{}
	s := playback.New(out)
	mustEnqueue(t, s, 100*time.Millisecond)
	s.Detach()
	if _, err := s.Enqueue(bufferOf(time.Millisecond)); err == nil {
		t.Error("Enqueue after Detach succeeded")
	}
	if !out.Plays()[0].Source.Stopped() {
		t.Error("Detach did not stop in-flight source")
	}
}
