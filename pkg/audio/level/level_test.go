package level_test

import (
	"math"
	"testing"

	"github.com/MrWong99/lumina/pkg/audio/level"
)

func sine(n int, amp float64, cyclesPerWindow float64) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(amp * math.Sin(2*math.Pi*cyclesPerWindow*float64(i)/256))
	}
	return out
}

func TestAnalyser_SilenceIsZero(t *testing.T) {
	t.Parallel()

	a := level.New()
	for range 5 {
		if got := a.Process(make([]float32, 4096)); got != 0 {
			t.Fatalf("level of silence = %v, want 0", got)
		}
	}
}

func TestAnalyser_ToneIsAudible(t *testing.T) {
	t.Parallel()

	a := level.New()
	var got float64
	for range 10 {
		got = a.Process(sine(4096, 0.8, 16))
	}
	if got <= 0.05 || got > 1 {
		t.Errorf("level of loud tone = %v, want within (0.05, 1]", got)
	}
	spectrum := a.ByteFrequencyData(nil)
	if len(spectrum) != a.FrequencyBinCount() {
		t.Fatalf("spectrum length = %d, want %d", len(spectrum), a.FrequencyBinCount())
	}
	if spectrum[16] != 255 {
		t.Errorf("peak bin = %d, want 255", spectrum[16])
	}
}

func TestAnalyser_LouderIsHigher(t *testing.T) {
	t.Parallel()

	quiet, loud := level.New(), level.New()
	var q, l float64
	for range 10 {
		q = quiet.Process(sine(4096, 0.01, 16))
		l = loud.Process(sine(4096, 0.5, 16))
	}
	if !(l > q) {
		t.Errorf("loud level %v not above quiet level %v", l, q)
	}
}

func TestAnalyser_SmoothingDecays(t *testing.T) {
	t.Parallel()

	a := level.New()
	for range 10 {
		a.Process(sine(4096, 0.8, 16))
	}
	prev := a.Process(make([]float32, 4096))
	for range 20 {
		cur := a.Process(make([]float32, 4096))
		if cur > prev {
			t.Fatalf("level rose during silence: %v -> %v", prev, cur)
		}
		prev = cur
	}

	a.Reset()
	if got := a.Process(make([]float32, 4096)); got != 0 {
		t.Errorf("level after Reset = %v, want 0", got)
	}
}

func TestAnalyser_ShortBlock(t *testing.T) {
	t.Parallel()

	a := level.New(level.WithFFTSize(512), level.WithSmoothing(0))
	if a.FrequencyBinCount() != 256 {
		t.Fatalf("FrequencyBinCount = %d, want 256", a.FrequencyBinCount())
	}
	got := a.Process(sine(100, 0.8, 16))
	if got < 0 || got > 1 {
		t.Errorf("level = %v, want within [0, 1]", got)
	}
}
