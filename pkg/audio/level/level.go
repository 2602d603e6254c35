// Package level computes the input volume meter shown while a live session is
// connected.
//
// The [Analyser] takes a frequency-domain snapshot of the input: the most
// recent FFTSize samples are Blackman-windowed and transformed, bin magnitudes are smoothed over time and mapped from the
// decibel range [MinDecibels, MaxDecibels] onto bytes 0..255. The published
// level is the mean of those bytes divided by 255.
package level

import (
	"math"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/dsp/window"
)

// Default analyser parameters.
const (
	DefaultFFTSize     = 256
	DefaultSmoothing   = 0.8
	DefaultMinDecibels = -100.0
	DefaultMaxDecibels = -30.0
)

// Option configures an [Analyser].
type Option func(*Analyser)

// WithFFTSize sets the transform length. Must be a power of two; other values
// are ignored.
func WithFFTSize(n int) Option {
	return func(a *Analyser) {
		if n >= 32 && n&(n-1) == 0 {
			a.size = n
		}
	}
}

// WithSmoothing sets the time constant in [0, 1). 0 disables smoothing.
func WithSmoothing(tc float64) Option {
	return func(a *Analyser) {
		if tc >= 0 && tc < 1 {
			a.smoothing = tc
		}
	}
}

// WithDecibelRange sets the range mapped onto byte values.
func WithDecibelRange(lo, hi float64) Option {
	return func(a *Analyser) {
		if hi > lo {
			a.minDB, a.maxDB = lo, hi
		}
	}
}

// Analyser turns blocks of time-domain samples into a normalised volume level.
// It is safe for concurrent use.
type Analyser struct {
	mu sync.Mutex

	size      int
	smoothing float64
	minDB     float64
	maxDB     float64

	fft      *fourier.FFT
	frame    []float64
	coeffs   []complex128
	smoothed []float64
	bytes    []byte
}

// New returns an analyser with the default parameters, adjusted by opts.
func New(opts ...Option) *Analyser {
	a := &Analyser{
		size:      DefaultFFTSize,
		smoothing: DefaultSmoothing,
		minDB:     DefaultMinDecibels,
		maxDB:     DefaultMaxDecibels,
	}
	for _, o := range opts {
		o(a)
	}
	a.fft = fourier.NewFFT(a.size)
	a.frame = make([]float64, a.size)
	a.smoothed = make([]float64, a.size/2)
	a.bytes = make([]byte, a.size/2)
	return a
}

// FrequencyBinCount returns the number of frequency bins (FFTSize / 2).
func (a *Analyser) FrequencyBinCount() int { return a.size / 2 }

// Process feeds one capture block and returns the resulting level in [0, 1].
// Blocks shorter than the FFT size are zero padded at the front, mirroring
// the analyser's rolling buffer before it has filled.
func (a *Analyser) Process(block []float32) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	clear(a.frame)
	if len(block) >= a.size {
		tail := block[len(block)-a.size:]
		for i, s := range tail {
			a.frame[i] = float64(s)
		}
	} else {
		off := a.size - len(block)
		for i, s := range block {
			a.frame[off+i] = float64(s)
		}
	}
	window.Blackman(a.frame)
	a.coeffs = a.fft.Coefficients(a.coeffs, a.frame)

	scale := 255 / (a.maxDB - a.minDB)
	var sum float64
	n := float64(a.size)
	for k := range a.smoothed {
		re, im := real(a.coeffs[k]), imag(a.coeffs[k])
		mag := math.Sqrt(re*re+im*im) / n
		v := a.smoothing*a.smoothed[k] + (1-a.smoothing)*mag
		if math.IsNaN(v) || math.IsInf(v, 0) {
			v = 0
		}
		a.smoothed[k] = v

		db := math.Inf(-1)
		if v > 0 {
			db = 20 * math.Log10(v)
		}
		b := math.Floor(scale * (db - a.minDB))
		switch {
		case b < 0 || math.IsNaN(b):
			b = 0
		case b > 255:
			b = 255
		}
		a.bytes[k] = byte(b)
		sum += b
	}
	return sum / float64(len(a.bytes)) / 255
}

// ByteFrequencyData copies the most recent byte spectrum into dst and returns
// it. dst is grown as needed.
func (a *Analyser) ByteFrequencyData(dst []byte) []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	if cap(dst) < len(a.bytes) {
		dst = make([]byte, len(a.bytes))
	}
	dst = dst[:len(a.bytes)]
	copy(dst, a.bytes)
	return dst
}

// Reset clears the smoothing history.
func (a *Analyser) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	clear(a.smoothed)
	clear(a.bytes)
}
