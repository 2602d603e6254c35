package audio

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/MrWong99/lumina/pkg/apierror"
)

// ErrOddLength is wrapped by the decode error returned for PCM payloads whose
// byte length is not a whole number of 16-bit samples.
var ErrOddLength = errors.New("pcm payload has odd byte length")

// FrameFloat32 converts normalised float samples into a 16 kHz mono
// [AudioFrame]. Each sample is clamped to [-1, 1]; negative values scale by
// 32768 and non-negative values by 32767 so that both ends of the int16 range
// are reachable. An empty input yields a frame with no data.
func FrameFloat32(samples []float32) AudioFrame {
	data := make([]byte, 2*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint16(data[2*i:], uint16(floatToInt16(s)))
	}
	return AudioFrame{
		Data:       data,
		SampleRate: InputSampleRate,
		Channels:   1,
	}
}

func floatToInt16(s float32) int16 {
	v := float64(s)
	switch {
	case math.IsNaN(v):
		return 0
	case v > 1:
		v = 1
	case v < -1:
		v = -1
	}
	if v < 0 {
		return int16(math.Round(v * 32768))
	}
	return int16(math.Round(v * 32767))
}

// Blob encodes the frame for transport: base64 of the raw PCM bytes, labelled
// with [InputMIMEType].
func (f AudioFrame) Blob() Blob {
	return Blob{
		MIMEType: InputMIMEType,
		Data:     base64.StdEncoding.EncodeToString(f.Data),
	}
}

// EncodeBlob frames samples and encodes them for transport in one step.
func EncodeBlob(samples []float32) Blob {
	return FrameFloat32(samples).Blob()
}

// DecodeBase64 decodes a transport payload into raw PCM bytes. Malformed input
// yields an [apierror.KindDecode] error.
func DecodeBase64(payload string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, apierror.Decode("decode base64", err)
	}
	return data, nil
}

// DecodePCM16 reinterprets data as consecutive signed 16-bit little-endian
// samples, divides each by 32768 and returns a [Buffer] at sampleRate with
// channels channels. Interleaved input is kept interleaved in the buffer.
// A byte length that is not a multiple of two (or of the frame size when
// channels > 1) yields an [apierror.KindDecode] error.
func DecodePCM16(data []byte, sampleRate, channels int) (*Buffer, error) {
	if channels <= 0 {
		channels = 1
	}
	if len(data)%2 != 0 {
		return nil, apierror.Decode("decode pcm", fmt.Errorf("%w: %d bytes", ErrOddLength, len(data)))
	}
	if (len(data)/2)%channels != 0 {
		return nil, apierror.Decode("decode pcm", fmt.Errorf("%d samples do not divide into %d channels", len(data)/2, channels))
	}
	samples := make([]float32, len(data)/2)
	for i := range samples {
		samples[i] = float32(int16(binary.LittleEndian.Uint16(data[2*i:]))) / 32768
	}
	return &Buffer{
		Samples:    samples,
		SampleRate: sampleRate,
		Channels:   channels,
	}, nil
}

// DecodePayload decodes a base64 transport payload straight into a playable
// mono buffer at [OutputSampleRate].
func DecodePayload(payload string) (*Buffer, error) {
	data, err := DecodeBase64(payload)
	if err != nil {
		return nil, err
	}
	return DecodePCM16(data, OutputSampleRate, 1)
}

// Int16ToFloat32 converts raw s16le bytes to normalised floats. A trailing odd
// byte is ignored. Used on the capture side where device blocks are always
// whole samples.
func Int16ToFloat32(data []byte) []float32 {
	out := make([]float32, len(data)/2)
	for i := range out {
		out[i] = float32(int16(binary.LittleEndian.Uint16(data[2*i:]))) / 32768
	}
	return out
}

// Float32ToInt16 renders normalised floats as s16le bytes for an output
// device, using the same clamping and scaling as [FrameFloat32].
func Float32ToInt16(samples []float32, dst []byte) []byte {
	need := 2 * len(samples)
	if cap(dst) < need {
		dst = make([]byte, need)
	}
	dst = dst[:need]
	for i, s := range samples {
		binary.LittleEndian.PutUint16(dst[2*i:], uint16(floatToInt16(s)))
	}
	return dst
}
