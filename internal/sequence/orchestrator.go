// Package sequence drives multi-chunk read-aloud: it segments a requested
// body of text, plays the chunks through the playback engine one at a time,
// and advances automatically when a chunk drains naturally. A new request
// always wins over whatever is playing.
package sequence

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/lecternlabs/lectern/internal/playback"
	"github.com/lecternlabs/lectern/internal/segment"
)

type SourceKind string

const (
	SourcePage      SourceKind = "page"
	SourceChapter   SourceKind = "chapter"
	SourceParagraph SourceKind = "paragraph"
)

// ErrNoSpeakableText is returned when a request's text contains nothing to
// speak once markup is stripped.
var ErrNoSpeakableText = errors.New("no speakable text")

// Request asks for spoken playback of one body of text. BaseKey identifies
// the source for progress reporting; paragraphs may leave it empty and get a
// content-derived key, so re-reading the same paragraph reuses its identity.
type Request struct {
	Kind        SourceKind
	BaseKey     string
	Text        string
	Voice       string
	StartOffset int
}

// plan is one segmented request in flight.
type plan struct {
	baseKey string
	voice   string
	chunks  []segment.Chunk
	idx     int
}

// Orchestrator owns the single playback engine and serializes read-aloud
// requests onto it. At most one plan is active; at most one request is
// pending, and a newer pending request displaces an older one.
type Orchestrator struct {
	engine *playback.Engine
	budget int
	log    *slog.Logger

	mu       sync.Mutex
	active   *plan
	pending  *plan
	holds    int
	observer func(playback.State)
}

func New(engine *playback.Engine, chunkBudget int, log *slog.Logger) *Orchestrator {
	o := &Orchestrator{
		engine: engine,
		budget: chunkBudget,
		log:    log.With(slog.String("component", "sequence")),
	}
	engine.OnChange(o.onEngineChange)
	return o
}

// Speak segments the request and takes over the engine. An active session is
// stopped first; the new plan starts as soon as the engine reports idle.
func (o *Orchestrator) Speak(req Request) error {
	chunks := segment.Split(req.Text, req.StartOffset, o.budget)
	if len(chunks) == 0 {
		return ErrNoSpeakableText
	}
	baseKey := req.BaseKey
	if baseKey == "" {
		baseKey = paragraphKey(req.Text)
	}

	o.submit(&plan{baseKey: baseKey, voice: req.Voice, chunks: chunks})

	o.log.Info("read-aloud requested",
		slog.String("kind", string(req.Kind)),
		slog.String("base_key", baseKey),
		slog.Int("chunks", len(chunks)))

	// Stop whatever is active. Promotion is held until settleSubmit so a
	// natural finish landing in this window cannot start the new plan only
	// to have it killed by this Stop.
	o.engine.Stop()
	o.settleSubmit()
	return nil
}

// submit parks a plan as pending and holds promotion until the matching
// settleSubmit. Holds nest: with overlapping Speak calls, only the last
// settle promotes, and the pending slot already holds the newest plan.
func (o *Orchestrator) submit(p *plan) {
	o.mu.Lock()
	o.pending = p
	o.holds++
	o.mu.Unlock()
}

func (o *Orchestrator) settleSubmit() {
	o.mu.Lock()
	o.holds--
	o.mu.Unlock()
	o.promoteIfIdle()
}

// Stop abandons both the active plan and any pending request.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	o.active = nil
	o.pending = nil
	o.mu.Unlock()
	o.engine.Stop()
}

func (o *Orchestrator) Pause()  { o.engine.Pause() }
func (o *Orchestrator) Resume() { o.engine.Resume() }

// State exposes the engine's snapshot; the PageKey carries the chunk key of
// whatever chunk is playing.
func (o *Orchestrator) State() playback.State {
	return o.engine.State()
}

func (o *Orchestrator) promoteIfIdle() {
	o.mu.Lock()
	if o.pending == nil || o.active != nil || o.holds > 0 {
		o.mu.Unlock()
		return
	}
	p := o.pending
	o.pending = nil
	o.active = p
	key, text, voice := p.current()
	o.mu.Unlock()

	o.engine.Play(context.Background(), key, text, voice)
}

// OnState forwards every engine transition to an additional observer, for
// UIs that render playback progress. The orchestrator reacts first.
func (o *Orchestrator) OnState(fn func(playback.State)) {
	o.mu.Lock()
	o.observer = fn
	o.mu.Unlock()
}

func (o *Orchestrator) onEngineChange(st playback.State) {
	defer o.notify(st)
	if st.Status == playback.StatusError {
		o.mu.Lock()
		o.active = nil
		o.mu.Unlock()
		o.log.Warn("read-aloud aborted",
			slog.String("page_key", st.PageKey),
			slog.String("error", st.Err))
		return
	}
	if st.Status != playback.StatusIdle {
		return
	}

	o.mu.Lock()
	if st.Finished && o.pending == nil && o.active != nil && o.active.idx+1 < len(o.active.chunks) {
		o.active.idx++
		key, text, voice := o.active.current()
		o.mu.Unlock()
		o.engine.Play(context.Background(), key, text, voice)
		return
	}
	// Plan exhausted, stopped, or displaced by a newer request.
	o.active = nil
	o.mu.Unlock()
	o.promoteIfIdle()
}

func (o *Orchestrator) notify(st playback.State) {
	o.mu.Lock()
	fn := o.observer
	o.mu.Unlock()
	if fn != nil {
		fn(st)
	}
}

func (p *plan) current() (key, text, voice string) {
	chunk := p.chunks[p.idx]
	return chunkKey(p.baseKey, p.idx, chunk.Offset), chunk.Text, p.voice
}

// chunkKey names one chunk of a larger source so progress callbacks can be
// attributed to the exact slice of text being spoken.
func chunkKey(baseKey string, idx, offset int) string {
	return fmt.Sprintf("%s#chunk-%d@%d", baseKey, idx, offset)
}

// paragraphKey derives a stable identity from paragraph content.
func paragraphKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return fmt.Sprintf("paragraph-%x", sum[:8])
}
