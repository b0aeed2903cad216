package synth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lecternlabs/lectern/internal/config"
)

var (
	// ErrConnectionFailed wraps transport-level failures when dialing or
	// reading the synthesis connection.
	ErrConnectionFailed = errors.New("synthesis connection failed")
	// ErrNoAudio is the caller-side condition for a stream that closed with
	// zero audio bytes. The client itself never returns it; see Synthesize.
	ErrNoAudio = errors.New("no audio returned from streaming service")
)

// stopMessage is the best-effort signal sent to the peer when the caller
// cancels mid-stream.
var stopMessage = []byte(`{"type":"stop"}`)

// Client streams one text chunk at a time over a duplex websocket connection.
// Each call dials a fresh connection; there is no reuse across chunks and no
// retry logic — retry policy belongs to the caller.
type Client struct {
	cfg config.SynthesisConfig
	log *slog.Logger
}

func NewClient(cfg config.SynthesisConfig, log *slog.Logger) *Client {
	return &Client{
		cfg: cfg,
		log: log.With(slog.String("component", "synth-client")),
	}
}

func (c *Client) requestURL(text, voice string) (string, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parse synthesis url: %w", err)
	}
	if voice == "" {
		voice = c.cfg.DefaultVoice
	}
	q := u.Query()
	q.Set("text", text)
	if voice != "" {
		q.Set("voice", voice)
	}
	q.Set("speed", strconv.FormatFloat(c.cfg.Speed, 'f', -1, 64))
	q.Set("stability", strconv.FormatFloat(c.cfg.Stability, 'f', -1, 64))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Stream dials the backend for one chunk and invokes onFrame for every
// normalized frame until the peer closes the connection. Peer closure is the
// sole end-of-stream signal. Canceling ctx sends a stop message if the
// connection is still open, closes it locally, and returns immediately
// without waiting for the peer.
func (c *Client) Stream(ctx context.Context, text, voice string, onFrame func(Frame)) error {
	if c.cfg.ChunkTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(c.cfg.ChunkTimeout)*time.Millisecond)
		defer cancel()
	}

	target, err := c.requestURL(text, voice)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: time.Duration(c.cfg.DialTimeout) * time.Millisecond,
	}
	conn, resp, err := dialer.DialContext(ctx, target, nil)
	if err != nil {
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		return fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	defer conn.Close()

	// Cancellation path: stop signal, then local close. The read loop below
	// unblocks on the close and settles via the ctx checks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
			_ = conn.WriteMessage(websocket.TextMessage, stopMessage)
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		msgType, reader, err := conn.NextReader()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || errors.Is(err, io.EOF) {
				return nil
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				if errors.Is(ctxErr, context.DeadlineExceeded) {
					return fmt.Errorf("%w: %v", ErrConnectionFailed, ctxErr)
				}
				// Caller-initiated cancellation settles with whatever
				// arrived so far.
				return nil
			}
			return fmt.Errorf("%w: %v", ErrConnectionFailed, err)
		}

		var frame Frame
		switch msgType {
		case websocket.TextMessage:
			data, err := io.ReadAll(reader)
			if err != nil {
				// The next NextReader call surfaces the transport error.
				continue
			}
			frame = DecodeText(data)
		case websocket.BinaryMessage:
			// Binary payloads are materialized lazily; audio frames can be
			// large and the peer streams them.
			frame = DecodeReader(reader)
		default:
			continue
		}
		if frame.Kind != FrameNone {
			onFrame(frame)
		}
	}
}

// Synthesize runs one full request/response cycle for a chunk and returns the
// concatenation of all audio frames in arrival order. The result may be empty
// when the peer closed without sending audio; callers must treat an empty
// result as ErrNoAudio.
func (c *Client) Synthesize(ctx context.Context, text, voice string) ([]byte, error) {
	var pcm []byte
	err := c.Stream(ctx, text, voice, func(f Frame) {
		if f.Kind == FrameAudio {
			pcm = append(pcm, f.PCM...)
		}
	})
	if err != nil {
		return nil, err
	}
	return pcm, nil
}

var (
	_ Synthesizer = (*Client)(nil)
	_ Streamer    = (*Client)(nil)
)
