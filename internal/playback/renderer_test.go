package playback

import (
	"bytes"
	"sync"
	"testing"
	"time"
)

// syncBuffer guards a bytes.Buffer for use as a renderer sink.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Len()
}

func TestRendererDrainsSubmittedAudio(t *testing.T) {
	sink := &syncBuffer{}
	r := NewRenderer(time.Millisecond, sink)
	r.Start()
	defer r.Close()

	pcm := make([]byte, 960) // 480 samples, 20ms at 24kHz
	r.Submit(pcm)

	var consumed int
	deadline := time.After(2 * time.Second)
	for consumed < 480 {
		select {
		case rep, ok := <-r.Reports():
			if !ok {
				t.Fatal("reports channel closed early")
			}
			if rep.Samples > 0 && rep.Silent {
				t.Fatal("a consuming report must not be marked silent")
			}
			consumed += rep.Samples
		case <-deadline:
			t.Fatalf("timed out, consumed %d of 480 samples", consumed)
		}
	}
	if consumed != 480 {
		t.Fatalf("consumed %d samples, expected exactly 480", consumed)
	}
	if r.Buffered() != 0 {
		t.Fatalf("expected empty buffer, %d bytes left", r.Buffered())
	}
	if sink.Len() != len(pcm) {
		t.Fatalf("sink received %d bytes, expected %d", sink.Len(), len(pcm))
	}
}

func TestRendererReportsSilenceWhenEmpty(t *testing.T) {
	r := NewRenderer(time.Millisecond, nil)
	r.Start()
	defer r.Close()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case rep := <-r.Reports():
			if rep.Silent && rep.Samples == 0 {
				return
			}
		case <-deadline:
			t.Fatal("expected a silent report from an empty renderer")
		}
	}
}

func TestRendererHoldsPositionWhilePaused(t *testing.T) {
	r := NewRenderer(time.Millisecond, nil)
	r.Start()
	defer r.Close()

	r.SetPaused(true)
	r.Submit(make([]byte, 4800))
	time.Sleep(20 * time.Millisecond)
	if got := r.Buffered(); got != 4800 {
		t.Fatalf("paused renderer consumed audio: %d bytes left of 4800", got)
	}

	r.SetPaused(false)
	deadline := time.Now().Add(2 * time.Second)
	for r.Buffered() > 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if r.Buffered() != 0 {
		t.Fatal("resumed renderer should drain the buffer")
	}
}
