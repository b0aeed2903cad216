package sequence

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/lecternlabs/lectern/internal/config"
	"github.com/lecternlabs/lectern/internal/playback"
	"github.com/lecternlabs/lectern/internal/segment"
	"github.com/lecternlabs/lectern/internal/synth"
)

// recordingStreamer remembers the text of every stream request and plays a
// fixed slab of PCM for each.
type recordingStreamer struct {
	mu    sync.Mutex
	texts []string
	pcm   []byte
}

func (r *recordingStreamer) Stream(ctx context.Context, text, voice string, onFrame func(synth.Frame)) error {
	r.mu.Lock()
	r.texts = append(r.texts, text)
	r.mu.Unlock()
	onFrame(synth.Frame{Kind: synth.FrameAudio, PCM: r.pcm})
	return nil
}

func (r *recordingStreamer) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.texts))
	copy(out, r.texts)
	return out
}

func newTestOrchestrator(t *testing.T, streamer synth.Streamer, budget int) *Orchestrator {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
	engine := playback.NewEngine(streamer, config.PlaybackConfig{FrameDurationMS: 1, SilenceDebounce: 4}, nil, log)
	return New(engine, budget, log)
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSpeakAdvancesThroughChunks(t *testing.T) {
	streamer := &recordingStreamer{pcm: make([]byte, 480)} // 10ms per chunk
	o := newTestOrchestrator(t, streamer, 25)

	var mu sync.Mutex
	var finishedKeys []string
	o.OnState(func(st playback.State) {
		if st.Finished {
			mu.Lock()
			finishedKeys = append(finishedKeys, st.PageKey)
			mu.Unlock()
		}
	})

	// Splits at the paragraph break: two chunks, the second starting at
	// rune offset 22 of the cleaned text.
	err := o.Speak(Request{
		Kind:    SourcePage,
		BaseKey: "page-9",
		Text:    "First sentence here.\n\nSecond sentence here.",
		Voice:   "en-reader-1",
	})
	if err != nil {
		t.Fatalf("speak: %v", err)
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(finishedKeys) == 2
	}, "both chunks to finish")

	mu.Lock()
	defer mu.Unlock()
	want := []string{"page-9#chunk-0@0", "page-9#chunk-1@22"}
	for i := range want {
		if finishedKeys[i] != want[i] {
			t.Fatalf("finished keys %v, want %v", finishedKeys, want)
		}
	}

	texts := streamer.seen()
	if len(texts) != 2 || texts[0] != "First sentence here." || texts[1] != "Second sentence here." {
		t.Fatalf("unexpected chunk texts: %q", texts)
	}
}

func TestSpeakRejectsMarkupOnlyText(t *testing.T) {
	o := newTestOrchestrator(t, &recordingStreamer{pcm: make([]byte, 480)}, 1000)
	if err := o.Speak(Request{Kind: SourceParagraph, Text: "***\n\n---\n"}); err != ErrNoSpeakableText {
		t.Fatalf("expected ErrNoSpeakableText, got %v", err)
	}
}

func TestNewRequestDisplacesActiveSession(t *testing.T) {
	streamer := &recordingStreamer{pcm: make([]byte, 48000)} // 1s per chunk
	o := newTestOrchestrator(t, streamer, 1000)

	if err := o.Speak(Request{Kind: SourcePage, BaseKey: "page-1", Text: "the first page text"}); err != nil {
		t.Fatalf("first speak: %v", err)
	}
	waitFor(t, func() bool { return o.State().Status == playback.StatusStreaming }, "first session streaming")

	if err := o.Speak(Request{Kind: SourcePage, BaseKey: "page-2", Text: "the second page text"}); err != nil {
		t.Fatalf("second speak: %v", err)
	}
	waitFor(t, func() bool { return o.State().PageKey == "page-2#chunk-0@0" }, "second session to take over")
}

func TestStopAbandonsPlanWithoutAdvancing(t *testing.T) {
	streamer := &recordingStreamer{pcm: make([]byte, 48000)}
	o := newTestOrchestrator(t, streamer, 10)

	// Three short paragraphs, three chunks.
	err := o.Speak(Request{Kind: SourceChapter, BaseKey: "ch-1", Text: "one one.\n\ntwo two.\n\nsix six."})
	if err != nil {
		t.Fatalf("speak: %v", err)
	}
	waitFor(t, func() bool { return o.State().Status == playback.StatusStreaming }, "streaming")

	o.Stop()
	time.Sleep(30 * time.Millisecond)
	st := o.State()
	if st.Status != playback.StatusIdle || st.Finished {
		t.Fatalf("expected plain idle after stop, got %+v", st)
	}
	if got := len(streamer.seen()); got != 1 {
		t.Fatalf("stop must not advance to later chunks, saw %d requests", got)
	}
}

// A natural finish can land between Speak parking its plan and Speak stopping
// the engine. Promoting in that window would start the new plan only for the
// Stop to kill it, silently dropping the request.
func TestSpeakSurvivesNaturalFinishRace(t *testing.T) {
	streamer := &recordingStreamer{pcm: make([]byte, 480)}
	o := newTestOrchestrator(t, streamer, 1000)

	o.submit(&plan{baseKey: "page-2", chunks: segment.Split("replacement text", 0, 1000)})
	o.onEngineChange(playback.State{Status: playback.StatusIdle, PageKey: "page-1#chunk-0@0", Finished: true})

	if got := len(streamer.seen()); got != 0 {
		t.Fatalf("plan promoted while promotion was held, saw %d requests", got)
	}

	o.engine.Stop()
	o.settleSubmit()

	waitFor(t, func() bool { return o.State().Finished }, "replacement plan to finish")
	texts := streamer.seen()
	if len(texts) != 1 || texts[0] != "replacement text" {
		t.Fatalf("replacement plan did not play exactly once: %q", texts)
	}
}

func TestParagraphKeyIsStable(t *testing.T) {
	a := paragraphKey("the same paragraph")
	b := paragraphKey("the same paragraph")
	c := paragraphKey("a different paragraph")
	if a != b {
		t.Fatal("identical content must yield identical keys")
	}
	if a == c {
		t.Fatal("different content must yield different keys")
	}
}
