package synth

import "context"

// Synthesizer converts one text chunk into raw PCM samples. An empty result
// with a nil error means the peer closed without sending audio; callers must
// treat that as "no audio returned".
type Synthesizer interface {
	Synthesize(ctx context.Context, text, voice string) ([]byte, error)
}

// Streamer delivers normalized frames as they arrive instead of accumulating
// them, for playback paths that render in real time. Stream returns once the
// peer closes the connection or ctx is canceled.
type Streamer interface {
	Stream(ctx context.Context, text, voice string, onFrame func(Frame)) error
}
