package runtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/lecternlabs/lectern/internal/config"
	"github.com/lecternlabs/lectern/internal/jobs"
	"github.com/lecternlabs/lectern/internal/library"
	"github.com/lecternlabs/lectern/internal/synth"
	"github.com/lecternlabs/lectern/internal/wave"
)

func newTestAPI(t *testing.T, syn synth.Synthesizer) (*http.ServeMux, *library.Library) {
	t.Helper()
	dir := t.TempDir()
	log := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))

	store, err := jobs.Open(context.Background(), config.JobsConfig{StorePath: filepath.Join(dir, "jobs.db")}, log)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	lib := library.New(filepath.Join(dir, "library"))
	enc, err := wave.NewEncoder(config.EncoderConfig{Command: "cp {input} {output}", TimeoutSeconds: 30}, log)
	if err != nil {
		t.Fatalf("new encoder: %v", err)
	}

	sched := jobs.NewScheduler(store, lib, syn, enc, 2000, log)
	if err := sched.Start(context.Background()); err != nil {
		t.Fatalf("start scheduler: %v", err)
	}
	t.Cleanup(sched.Close)

	mux := http.NewServeMux()
	api := &jobAPI{sched: sched, log: log}
	api.register(mux)
	return mux, lib
}

func writeNarration(t *testing.T, lib *library.Library, bookID string, chapter int, text string) {
	t.Helper()
	path := lib.NarrationPath(bookID, chapter)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		t.Fatalf("write narration: %v", err)
	}
}

func doRequest(t *testing.T, mux *http.ServeMux, method, path, body string) (*httptest.ResponseRecorder, jobResponse) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	var resp jobResponse
	if rr.Code < 400 {
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode response %q: %v", rr.Body.String(), err)
		}
	}
	return rr, resp
}

func TestJobAPILifecycle(t *testing.T) {
	mux, lib := newTestAPI(t, &synth.Mock{PCM: make([]byte, 4800)})
	writeNarration(t, lib, "moby-dick", 1, "Call me Ishmael.")

	rr, resp := doRequest(t, mux, http.MethodPost, "/v1/books/moby-dick/chapters/1/audio", `{"voice":"en-reader-1"}`)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("enqueue status %d: %s", rr.Code, rr.Body.String())
	}
	if resp.Status != "queued" {
		t.Fatalf("expected queued, got %s", resp.Status)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		rr, resp = doRequest(t, mux, http.MethodGet, "/v1/books/moby-dick/chapters/1/audio", "")
		if rr.Code != http.StatusOK {
			t.Fatalf("status endpoint returned %d", rr.Code)
		}
		if resp.Status == "completed" {
			break
		}
		if resp.Status == "failed" {
			t.Fatalf("job failed: %s", resp.Error)
		}
		if time.Now().After(deadline) {
			t.Fatalf("job never completed, last status %s", resp.Status)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if resp.AudioURL != "/library/moby-dick/audio/chapter_001.mp3" {
		t.Fatalf("unexpected audio url %q", resp.AudioURL)
	}
}

func TestJobAPIRejectsBadChapter(t *testing.T) {
	mux, _ := newTestAPI(t, &synth.Mock{PCM: make([]byte, 4800)})

	rr, _ := doRequest(t, mux, http.MethodPost, "/v1/books/b/chapters/0/audio", "")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for chapter 0, got %d", rr.Code)
	}
	rr, _ = doRequest(t, mux, http.MethodPost, "/v1/books/b/chapters/three/audio", "")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for non-integer chapter, got %d", rr.Code)
	}
}

func TestJobAPIStatusUnknownChapter(t *testing.T) {
	mux, _ := newTestAPI(t, &synth.Mock{PCM: make([]byte, 4800)})

	rr, _ := doRequest(t, mux, http.MethodGet, "/v1/books/b/chapters/7/audio", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestJobAPICancel(t *testing.T) {
	block := make(chan struct{})
	mux, lib := newTestAPI(t, &synth.Mock{PCM: make([]byte, 4800), Block: block})
	writeNarration(t, lib, "moby-dick", 2, "A chapter to cancel.")

	rr, _ := doRequest(t, mux, http.MethodPost, "/v1/books/moby-dick/chapters/2/audio", "")
	if rr.Code != http.StatusAccepted {
		t.Fatalf("enqueue status %d", rr.Code)
	}

	rr, resp := doRequest(t, mux, http.MethodDelete, "/v1/books/moby-dick/chapters/2/audio", "")
	if rr.Code != http.StatusAccepted {
		t.Fatalf("cancel status %d", rr.Code)
	}
	if resp.Status != "canceled" {
		t.Fatalf("expected canceled, got %s", resp.Status)
	}
	close(block)
}
