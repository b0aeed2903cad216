package playback

import (
	"io"
	"sync"
	"time"

	"github.com/lecternlabs/lectern/internal/wave"
)

// Report describes one render interval: how many samples left the buffer and
// whether the interval played only silence.
type Report struct {
	Samples int
	Silent  bool
}

// Renderer drains buffered PCM at real-time rate, one fixed-duration frame per
// tick, and reports each interval to its consumer. Frames are written to an
// optional sink (the host audio device, a pipe to a player, or a file); pacing
// and accounting work the same with or without one.
type Renderer struct {
	interval   time.Duration
	frameBytes int
	sink       io.Writer

	mu     sync.Mutex
	buf    []byte
	paused bool

	reports chan Report
	done    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

// NewRenderer creates a renderer emitting one frame of frameDuration every
// frameDuration of wall time. sink may be nil.
func NewRenderer(frameDuration time.Duration, sink io.Writer) *Renderer {
	samplesPerFrame := int(float64(wave.SampleRate) * frameDuration.Seconds())
	if samplesPerFrame < 1 {
		samplesPerFrame = 1
	}
	return &Renderer{
		interval:   frameDuration,
		frameBytes: samplesPerFrame * 2,
		sink:       sink,
		reports:    make(chan Report, 64),
		done:       make(chan struct{}),
	}
}

// Start begins the render loop. Call exactly once.
func (r *Renderer) Start() {
	r.wg.Add(1)
	go r.loop()
}

func (r *Renderer) loop() {
	defer r.wg.Done()
	defer close(r.reports)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			report, ok := r.render()
			if !ok {
				continue
			}
			// Reports must not be lost or the playback clock drifts;
			// a slow consumer stalls the ticker, which simply skips
			// the missed ticks.
			select {
			case r.reports <- report:
			case <-r.done:
				return
			}
		}
	}
}

func (r *Renderer) render() (Report, bool) {
	r.mu.Lock()
	if r.paused {
		r.mu.Unlock()
		return Report{}, false
	}
	n := r.frameBytes
	if n > len(r.buf) {
		n = len(r.buf)
	}
	frame := r.buf[:n]
	r.buf = r.buf[n:]
	r.mu.Unlock()

	if n == 0 {
		return Report{Silent: true}, true
	}
	if r.sink != nil {
		_, _ = r.sink.Write(frame)
	}
	return Report{Samples: n / 2}, true
}

// Submit appends PCM to the playback buffer.
func (r *Renderer) Submit(pcm []byte) {
	r.mu.Lock()
	r.buf = append(r.buf, pcm...)
	r.mu.Unlock()
}

// Buffered returns how many bytes are waiting to be played.
func (r *Renderer) Buffered() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buf)
}

// SetPaused freezes or resumes consumption. While paused no reports are
// emitted and the buffer holds its position.
func (r *Renderer) SetPaused(paused bool) {
	r.mu.Lock()
	r.paused = paused
	r.mu.Unlock()
}

// Reports exposes the per-interval consumption feed. Closed by Close.
func (r *Renderer) Reports() <-chan Report {
	return r.reports
}

// Close stops the render loop and discards any buffered audio.
func (r *Renderer) Close() {
	r.once.Do(func() { close(r.done) })
	r.wg.Wait()
}
