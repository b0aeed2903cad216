// Package playback turns a stream of synthesized PCM frames into timed,
// pausable playback with a small state machine that UIs can observe. All
// cross-goroutine callbacks carry a session token so work scheduled by a
// superseded session is recognized and dropped instead of corrupting state.
package playback

import "sync/atomic"

// Generation issues session tokens. Starting or stopping a session bumps the
// generation, which retires every previously issued token at once.
type Generation struct {
	current atomic.Uint64
}

// Next retires all outstanding tokens and returns a fresh live one.
func (g *Generation) Next() Token {
	return Token{gen: g, id: g.current.Add(1)}
}

// Retire invalidates all outstanding tokens without issuing a new one.
func (g *Generation) Retire() {
	g.current.Add(1)
}

// Token identifies one playback session. Zero value is never live.
type Token struct {
	gen *Generation
	id  uint64
}

// Live reports whether this token still belongs to the current session.
// Callbacks check this on entry and drop themselves when stale.
func (t Token) Live() bool {
	return t.gen != nil && t.gen.current.Load() == t.id
}
