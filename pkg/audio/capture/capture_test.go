package capture_test

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/MrWong99/lumina/pkg/audio"
	"github.com/MrWong99/lumina/pkg/audio/capture"
	"github.com/MrWong99/lumina/pkg/audio/mock"
)

func tone(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(0.5 * math.Sin(2*math.Pi*float64(i)/16))
	}
	return out
}

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for capture tick")
		var zero T
		return zero
	}
}

func TestPipeline_SendsFrames(t *testing.T) {
	t.Parallel()

	mic := mock.NewMicrophone(audio.InputSampleRate)
	frames := make(chan audio.AudioFrame, 4)
	p := capture.New(mic, func(f audio.AudioFrame) error {
		frames <- f
		return nil
	})
	p.Start(context.Background())
	defer p.Stop()

	mic.Push(tone(audio.DefaultBlockSize))
	mic.Push(tone(audio.DefaultBlockSize))

	first := recv(t, frames)
	second := recv(t, frames)
	if first.Samples() != audio.DefaultBlockSize {
		t.Errorf("frame samples = %d, want %d", first.Samples(), audio.DefaultBlockSize)
	}
	if first.SampleRate != audio.InputSampleRate {
		t.Errorf("frame rate = %d", first.SampleRate)
	}
	if first.Timestamp != 0 {
		t.Errorf("first timestamp = %v, want 0", first.Timestamp)
	}
	if want := 256 * time.Millisecond; second.Timestamp != want {
		t.Errorf("second timestamp = %v, want %v", second.Timestamp, want)
	}
	if p.Volume() <= 0 {
		t.Errorf("volume = %v, want > 0 for a tone", p.Volume())
	}
}

func TestPipeline_MutedPublishesVolumeOnly(t *testing.T) {
	t.Parallel()

	mic := mock.NewMicrophone(audio.InputSampleRate)
	levels := make(chan float64, 4)
	sends := make(chan struct{}, 4)
	p := capture.New(mic,
		func(audio.AudioFrame) error {
			sends <- struct{}{}
			return nil
		},
		capture.WithMuted(true),
		capture.WithVolumeObserver(func(v float64) { levels <- v }),
	)
	p.Start(context.Background())
	defer p.Stop()

	if !p.Muted() {
		t.Fatal("pipeline not muted")
	}
	mic.Push(tone(audio.DefaultBlockSize))
	if v := recv(t, levels); v <= 0 {
		t.Errorf("muted volume = %v, want > 0", v)
	}
	select {
	case <-sends:
		t.Fatal("frame sent while muted")
	default:
	}
	if got := p.Stats().Skipped; got != 1 {
		t.Errorf("Skipped = %d, want 1", got)
	}

	p.SetMuted(false)
	mic.Push(tone(audio.DefaultBlockSize))
	recv(t, sends)
}

func TestPipeline_SendFailureDoesNotStop(t *testing.T) {
	t.Parallel()

	mic := mock.NewMicrophone(audio.InputSampleRate)
	results := make(chan error, 4)
	calls := 0
	p := capture.New(mic,
		func(audio.AudioFrame) error {
			calls++
			if calls == 1 {
				return errors.New("queue full")
			}
			return nil
		},
		capture.WithSendObserver(func(err error) { results <- err }),
	)
	p.Start(context.Background())
	defer p.Stop()

	mic.Push(tone(128))
	mic.Push(tone(128))
	if err := recv(t, results); err == nil {
		t.Error("first send reported success")
	}
	if err := recv(t, results); err != nil {
		t.Errorf("second send: %v", err)
	}
	st := p.Stats()
	if st.Sent != 1 || st.Failed != 1 {
		t.Errorf("Stats = %+v, want 1 sent and 1 failed", st)
	}
}

func TestPipeline_StopIsIdempotent(t *testing.T) {
	t.Parallel()

	mic := mock.NewMicrophone(audio.InputSampleRate)
	p := capture.New(mic, func(audio.AudioFrame) error { return nil })
	p.Stop()
	p.Start(context.Background())
	p.Stop()
	p.Stop()
	if p.Volume() != 0 {
		t.Errorf("volume after Stop = %v, want 0", p.Volume())
	}
	if mic.Closed() {
		t.Error("Stop closed the microphone; its owner should")
	}
}

func TestPipeline_ExitsWhenMicrophoneCloses(t *testing.T) {
	t.Parallel()

	mic := mock.NewMicrophone(audio.InputSampleRate)
	errs := make(chan error, 1)
	p := capture.New(mic, func(audio.AudioFrame) error { return nil },
		capture.WithErrorHandler(func(err error) { errs <- err }))
	p.Start(context.Background())
	mic.Close()

	stopped := make(chan struct{})
	go func() {
		p.Stop()
		close(stopped)
	}()
	recv(t, stopped)
	select {
	case err := <-errs:
		t.Errorf("error handler called on normal close: %v", err)
	default:
	}
}
