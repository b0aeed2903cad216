package playback

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/lecternlabs/lectern/internal/config"
	"github.com/lecternlabs/lectern/internal/synth"
	"github.com/lecternlabs/lectern/internal/wave"
)

type Status string

const (
	StatusIdle       Status = "idle"
	StatusConnecting Status = "connecting"
	StatusStreaming  Status = "streaming"
	StatusPaused     Status = "paused"
	StatusError      Status = "error"
)

// State is the externally visible snapshot of the engine. PlaybackSeconds
// counts audio actually rendered; ModelSeconds is the synthesis backend's own
// progress figure and can run ahead of playback. Finished is set only when a
// session drains naturally, never on Stop.
type State struct {
	Status          Status
	PageKey         string
	PlaybackSeconds float64
	ModelSeconds    float64
	Err             string
	Finished        bool
}

type session struct {
	token     Token
	renderer  *Renderer
	cancel    context.CancelFunc
	upstream  bool // synthesis stream finished without error
	silentRun int
}

// Engine plays one synthesis stream at a time. Play replaces whatever was
// active; every callback from the stream and the renderer carries the
// session's token and is dropped when a newer session has taken over.
type Engine struct {
	streamer        synth.Streamer
	silenceDebounce int
	newRenderer     func() *Renderer
	log             *slog.Logger

	gen Generation

	mu       sync.Mutex
	st       State
	cur      *session
	onChange func(State)
}

func NewEngine(streamer synth.Streamer, cfg config.PlaybackConfig, sink io.Writer, log *slog.Logger) *Engine {
	frame := time.Duration(cfg.FrameDurationMS) * time.Millisecond
	return &Engine{
		streamer:        streamer,
		silenceDebounce: cfg.SilenceDebounce,
		newRenderer:     func() *Renderer { return NewRenderer(frame, sink) },
		log:             log.With(slog.String("component", "playback")),
		st:              State{Status: StatusIdle},
	}
}

// OnChange installs a callback invoked after every state transition. Called
// without internal locks held, so the callback may call back into the engine.
func (e *Engine) OnChange(fn func(State)) {
	e.mu.Lock()
	e.onChange = fn
	e.mu.Unlock()
}

// State returns a snapshot of the current state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.st
}

// Play starts a new session for key, replacing any active one. The engine
// reports connecting until the first audio frame arrives, then streaming.
func (e *Engine) Play(ctx context.Context, key, text, voice string) {
	sctx, cancel := context.WithCancel(ctx)

	e.mu.Lock()
	old := e.takeSessionLocked()
	token := e.gen.Next()
	renderer := e.newRenderer()
	sess := &session{token: token, renderer: renderer, cancel: cancel}
	e.cur = sess
	e.st = State{Status: StatusConnecting, PageKey: key}
	snapshot, notify := e.st, e.onChange
	e.mu.Unlock()

	e.releaseSession(old)
	e.emit(snapshot, notify)

	renderer.Start()
	go e.consumeReports(token, sess)
	go func() {
		err := e.streamer.Stream(sctx, text, voice, func(f synth.Frame) {
			e.onFrame(token, sess, f)
		})
		e.onUpstreamDone(token, sess, err)
	}()
}

// Stop ends the active session immediately, preserving the seconds played so
// far. Finished stays false: a stopped session did not complete.
func (e *Engine) Stop() {
	e.mu.Lock()
	old := e.takeSessionLocked()
	if old == nil {
		e.mu.Unlock()
		return
	}
	e.st.Status = StatusIdle
	e.st.Finished = false
	snapshot, notify := e.st, e.onChange
	e.mu.Unlock()

	e.releaseSession(old)
	e.emit(snapshot, notify)
}

// Pause freezes rendering. Buffered audio and both clocks hold position.
func (e *Engine) Pause() {
	e.mu.Lock()
	if e.cur == nil || (e.st.Status != StatusStreaming && e.st.Status != StatusConnecting) {
		e.mu.Unlock()
		return
	}
	e.cur.renderer.SetPaused(true)
	e.st.Status = StatusPaused
	snapshot, notify := e.st, e.onChange
	e.mu.Unlock()
	e.emit(snapshot, notify)
}

// Resume continues a paused session.
func (e *Engine) Resume() {
	e.mu.Lock()
	if e.cur == nil || e.st.Status != StatusPaused {
		e.mu.Unlock()
		return
	}
	e.cur.renderer.SetPaused(false)
	e.st.Status = StatusStreaming
	snapshot, notify := e.st, e.onChange
	e.mu.Unlock()
	e.emit(snapshot, notify)
}

// takeSessionLocked retires the active session's token and detaches it.
// Caller must hold e.mu and release the returned session after unlocking.
func (e *Engine) takeSessionLocked() *session {
	old := e.cur
	e.cur = nil
	if old != nil {
		e.gen.Retire()
	}
	return old
}

func (e *Engine) releaseSession(s *session) {
	if s == nil {
		return
	}
	s.cancel()
	s.renderer.Close()
}

func (e *Engine) emit(snapshot State, notify func(State)) {
	if notify != nil {
		notify(snapshot)
	}
}

func (e *Engine) onFrame(token Token, sess *session, f synth.Frame) {
	if !token.Live() {
		return
	}
	switch f.Kind {
	case synth.FrameAudio:
		sess.renderer.Submit(f.PCM)
	case synth.FrameProgress:
		e.mu.Lock()
		if token.Live() {
			e.st.ModelSeconds = f.Seconds
		}
		e.mu.Unlock()
	}
}

func (e *Engine) onUpstreamDone(token Token, sess *session, err error) {
	e.mu.Lock()
	if !token.Live() {
		e.mu.Unlock()
		return
	}
	if err != nil {
		e.cur = nil
		e.gen.Retire()
		e.st.Status = StatusError
		e.st.Err = err.Error()
		snapshot, notify := e.st, e.onChange
		e.mu.Unlock()

		e.log.Warn("playback stream failed",
			slog.String("page_key", snapshot.PageKey),
			slog.String("error", snapshot.Err))
		sess.cancel()
		sess.renderer.Close()
		e.emit(snapshot, notify)
		return
	}
	sess.upstream = true
	e.mu.Unlock()
}

func (e *Engine) consumeReports(token Token, sess *session) {
	for rep := range sess.renderer.Reports() {
		if !e.applyReport(token, sess, rep) {
			return
		}
	}
}

// applyReport folds one render interval into the state. Returns false once the
// session is stale or finished and the report loop should exit.
func (e *Engine) applyReport(token Token, sess *session, rep Report) bool {
	e.mu.Lock()
	if !token.Live() {
		e.mu.Unlock()
		return false
	}

	if rep.Samples > 0 {
		e.st.PlaybackSeconds += float64(rep.Samples) / float64(wave.SampleRate)
		sess.silentRun = 0
		if e.st.Status == StatusConnecting {
			e.st.Status = StatusStreaming
			snapshot, notify := e.st, e.onChange
			e.mu.Unlock()
			e.emit(snapshot, notify)
			return true
		}
		e.mu.Unlock()
		return true
	}

	sess.silentRun++
	// A drained buffer alone is not the end: the stream may still be
	// producing. Finish only after the upstream closed and silence has held
	// long enough to rule out a frame in flight.
	if sess.upstream && sess.renderer.Buffered() == 0 && sess.silentRun >= e.silenceDebounce {
		e.cur = nil
		e.gen.Retire()
		e.st.Status = StatusIdle
		e.st.Finished = true
		snapshot, notify := e.st, e.onChange
		e.mu.Unlock()

		sess.cancel()
		sess.renderer.Close()
		e.emit(snapshot, notify)
		return false
	}
	e.mu.Unlock()
	return true
}
