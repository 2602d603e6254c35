package device

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/MrWong99/lumina/pkg/audio"
)

// Silent is an [audio.Devices] backend without hardware: the microphone
// delivers silence at the real-time cadence and the output renders into
// [io.Discard]. It keeps a session fully functional on headless hosts.
type Silent struct {
	// BlockSize is the number of samples per microphone block.
	// Defaults to [audio.DefaultBlockSize].
	BlockSize int
}

// OpenMicrophone implements [audio.Devices].
func (s Silent) OpenMicrophone(_ context.Context, sampleRate int) (audio.Microphone, error) {
	block := s.BlockSize
	if block <= 0 {
		block = audio.DefaultBlockSize
	}
	if sampleRate <= 0 {
		sampleRate = audio.InputSampleRate
	}
	return &silentMic{
		rate:  sampleRate,
		block: block,
		done:  make(chan struct{}),
		tick:  time.NewTicker(time.Duration(int64(block) * int64(time.Second) / int64(sampleRate))),
	}, nil
}

// OpenOutput implements [audio.Devices].
func (Silent) OpenOutput(_ context.Context, sampleRate int) (audio.Output, error) {
	return New(io.Discard, sampleRate), nil
}

type silentMic struct {
	rate  int
	block int
	tick  *time.Ticker
	done  chan struct{}
	once  sync.Once
}

func (m *silentMic) SampleRate() int { return m.rate }

func (m *silentMic) ReadBlock(ctx context.Context) ([]float32, error) {
	select {
	case <-m.done:
		return nil, io.EOF
	default:
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-m.done:
		return nil, io.EOF
	case <-m.tick.C:
		return make([]float32, m.block), nil
	}
}

func (m *silentMic) Close() error {
	m.once.Do(func() {
		m.tick.Stop()
		close(m.done)
	})
	return nil
}
