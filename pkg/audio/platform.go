// Package audio defines the audio types, PCM codec and device interfaces
// used by the live voice session.
//
// The device abstractions are:
//
//   - [Microphone] delivers fixed-size blocks of mono float samples at the
//     rate it was opened with.
//   - [Output] is a clocked playback context. Buffers are scheduled at an
//     absolute time on the output's own clock and each scheduled buffer is a
//     [Source] that can be stopped.
//   - [Devices] opens both. Implementations live in sub-packages
//     (audio/ffmpeg, audio/device) and test doubles in audio/mock.
//
// The codec half of the package converts between normalised float samples,
// 16-bit PCM frames and the base64 blobs carried by the live transport.
package audio

import (
	"context"
	"time"
)

// Microphone is an acquired capture device.
//
// Implementations must be safe for a single reader goroutine calling
// ReadBlock concurrently with another goroutine calling Close.
type Microphone interface {
	// SampleRate reports the capture rate in Hz.
	SampleRate() int

	// ReadBlock blocks until the next block of mono samples is available.
	// Samples are normalised to [-1, 1]. It returns io.EOF once the
	// microphone has been closed and ctx.Err() if ctx is cancelled first.
	ReadBlock(ctx context.Context) ([]float32, error)

	// Close releases the device. Safe to call more than once.
	Close() error
}

// Source is a buffer scheduled on an [Output].
type Source interface {
	// Stop halts playback immediately. Stopping an already stopped or
	// finished source is a no-op.
	Stop()
}

// Output is an audio output context with its own monotonic clock.
//
// Implementations must be safe for concurrent use. The onEnded callback
// passed to Play is always invoked asynchronously, never from inside Play or
// Stop, and exactly once per source: when the buffer finishes playing or
// after it has been stopped.
type Output interface {
	// SampleRate reports the context rate in Hz.
	SampleRate() int

	// CurrentTime returns the output clock. It starts at zero when the output
	// is opened and advances with rendered audio.
	CurrentTime() time.Duration

	// Play schedules buf to start at the given clock time. A start time in
	// the past starts immediately, skipping the part that would already have
	// played.
	Play(buf *Buffer, at time.Duration, onEnded func()) (Source, error)

	// Close stops all sources and releases the device. Safe to call more
	// than once.
	Close() error
}

// Devices opens capture and playback devices.
type Devices interface {
	// OpenMicrophone acquires the default microphone as a mono stream at
	// sampleRate. Failures are device errors.
	OpenMicrophone(ctx context.Context, sampleRate int) (Microphone, error)

	// OpenOutput opens an output context running at sampleRate.
	OpenOutput(ctx context.Context, sampleRate int) (Output, error)
}
