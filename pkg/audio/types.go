package audio

import "time"

const (
	// InputSampleRate is the fixed capture rate expected by the live API.
	InputSampleRate = 16000

	// OutputSampleRate is the fixed rate of synthesised speech returned by the
	// live API.
	OutputSampleRate = 24000

	// InputMIMEType labels every outbound PCM frame.
	InputMIMEType = "audio/pcm;rate=16000"

	// DefaultBlockSize is the number of samples delivered per capture tick
	// (≈256 ms at 16 kHz).
	DefaultBlockSize = 4096
)

// AudioFrame is a block of linear 16-bit signed little-endian PCM samples.
// Frames are immutable once created; ownership passes to the transport on send.
type AudioFrame struct {
	// PCM audio data, 2 bytes per sample per channel.
	Data []byte

	// SampleRate in Hz (16000 for microphone frames).
	SampleRate int

	// Channels: 1 for mono.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Samples returns the number of samples per channel carried by the frame.
func (f AudioFrame) Samples() int {
	if f.Channels <= 0 {
		return len(f.Data) / 2
	}
	return len(f.Data) / (2 * f.Channels)
}

// Blob is the transport encoding of an [AudioFrame]: a MIME label and the
// base64-encoded PCM payload.
type Blob struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

// Buffer is decoded, playable audio. Samples are normalised to [-1, 1] and
// interleaved when Channels > 1.
type Buffer struct {
	Samples    []float32
	SampleRate int
	Channels   int
}

// Frames returns the number of sample frames (samples per channel).
func (b *Buffer) Frames() int {
	if b == nil || b.Channels <= 0 {
		return 0
	}
	return len(b.Samples) / b.Channels
}

// Duration returns the playback length of the buffer.
func (b *Buffer) Duration() time.Duration {
	if b == nil || b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(int64(b.Frames()) * int64(time.Second) / int64(b.SampleRate))
}

// Channel returns a copy of the samples of channel ch.
func (b *Buffer) Channel(ch int) []float32 {
	if b == nil || ch < 0 || ch >= b.Channels {
		return nil
	}
	if b.Channels == 1 {
		out := make([]float32, len(b.Samples))
		copy(out, b.Samples)
		return out
	}
	n := b.Frames()
	out := make([]float32, n)
	for i := range n {
		out[i] = b.Samples[i*b.Channels+ch]
	}
	return out
}
