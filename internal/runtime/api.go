package runtime

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/lecternlabs/lectern/internal/jobs"
)

// jobAPI exposes the chapter audio job manager over HTTP. One resource per
// (book, chapter): POST enqueues, GET polls, DELETE cancels.
type jobAPI struct {
	sched *jobs.Scheduler
	log   *slog.Logger
}

type enqueueRequest struct {
	Voice string `json:"voice"`
}

type jobResponse struct {
	BookID    string     `json:"book_id"`
	Chapter   int        `json:"chapter"`
	Status    string     `json:"status"`
	Error     string     `json:"error,omitempty"`
	AudioURL  string     `json:"audio_url,omitempty"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (a *jobAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/books/{book}/chapters/{chapter}/audio", a.handleEnqueue)
	mux.HandleFunc("GET /v1/books/{book}/chapters/{chapter}/audio", a.handleStatus)
	mux.HandleFunc("DELETE /v1/books/{book}/chapters/{chapter}/audio", a.handleCancel)
}

func (a *jobAPI) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	book, chapter, ok := a.pathParams(w, r)
	if !ok {
		return
	}

	var req enqueueRequest
	if body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 4096)); err == nil && len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed request body"})
			return
		}
	}

	rec, err := a.sched.Enqueue(r.Context(), book, chapter, req.Voice)
	if err != nil {
		if errors.Is(err, jobs.ErrInvalidChapter) || errors.Is(err, jobs.ErrInvalidBook) {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
			return
		}
		a.log.Error("enqueue failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to enqueue job"})
		return
	}
	writeJSON(w, http.StatusAccepted, toResponse(rec))
}

func (a *jobAPI) handleStatus(w http.ResponseWriter, r *http.Request) {
	book, chapter, ok := a.pathParams(w, r)
	if !ok {
		return
	}
	rec := a.sched.Status(book, chapter)
	if rec == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "no job for this chapter"})
		return
	}
	writeJSON(w, http.StatusOK, toResponse(*rec))
}

func (a *jobAPI) handleCancel(w http.ResponseWriter, r *http.Request) {
	book, chapter, ok := a.pathParams(w, r)
	if !ok {
		return
	}
	if err := a.sched.Cancel(r.Context(), book, chapter); err != nil {
		if errors.Is(err, jobs.ErrInvalidChapter) || errors.Is(err, jobs.ErrInvalidBook) {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
			return
		}
		a.log.Error("cancel failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to cancel job"})
		return
	}
	rec := a.sched.Status(book, chapter)
	writeJSON(w, http.StatusAccepted, toResponse(*rec))
}

func (a *jobAPI) pathParams(w http.ResponseWriter, r *http.Request) (string, int, bool) {
	book := r.PathValue("book")
	chapter, err := strconv.Atoi(r.PathValue("chapter"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "chapter must be an integer"})
		return "", 0, false
	}
	return book, chapter, true
}

func toResponse(rec jobs.Record) jobResponse {
	return jobResponse{
		BookID:    rec.BookID,
		Chapter:   rec.Chapter,
		Status:    string(rec.Status),
		Error:     rec.Error,
		AudioURL:  rec.AudioURL,
		StartedAt: rec.StartedAt,
		UpdatedAt: rec.UpdatedAt,
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
