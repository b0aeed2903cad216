package synth

import (
	"context"
	"time"
)

// Mock is an in-process Synthesizer/Streamer for tests and dry runs. Each
// request yields PCM split into FrameSize-byte frames after an optional delay.
type Mock struct {
	PCM       []byte
	Err       error
	FrameSize int
	Delay     time.Duration

	// Block, when non-nil, is closed by the test to release an in-flight
	// request; used to exercise cancellation at chunk boundaries.
	Block chan struct{}
}

func (m *Mock) wait(ctx context.Context) error {
	if m.Block != nil {
		select {
		case <-m.Block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (m *Mock) Synthesize(ctx context.Context, text, voice string) ([]byte, error) {
	if err := m.wait(ctx); err != nil {
		return nil, err
	}
	if m.Err != nil {
		return nil, m.Err
	}
	out := make([]byte, len(m.PCM))
	copy(out, m.PCM)
	return out, nil
}

func (m *Mock) Stream(ctx context.Context, text, voice string, onFrame func(Frame)) error {
	if err := m.wait(ctx); err != nil {
		return err
	}
	if m.Err != nil {
		return m.Err
	}
	size := m.FrameSize
	if size <= 0 {
		size = 4096
	}
	for start := 0; start < len(m.PCM); start += size {
		end := start + size
		if end > len(m.PCM) {
			end = len(m.PCM)
		}
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		onFrame(Frame{Kind: FrameAudio, PCM: m.PCM[start:end]})
	}
	return nil
}

var (
	_ Synthesizer = (*Mock)(nil)
	_ Streamer    = (*Mock)(nil)
)
