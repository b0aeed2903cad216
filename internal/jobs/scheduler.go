package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/lecternlabs/lectern/internal/library"
	"github.com/lecternlabs/lectern/internal/protocol"
	"github.com/lecternlabs/lectern/internal/segment"
	"github.com/lecternlabs/lectern/internal/synth"
	"github.com/lecternlabs/lectern/internal/wave"
)

var (
	ErrInvalidChapter = errors.New("chapter number must be a positive integer")
	ErrInvalidBook    = errors.New("book id must not be empty")
)

// Scheduler runs chapter audio jobs. Each job synthesizes a chapter's
// narration chunk by chunk, assembles the result into the library, and records
// every state transition durably. At most one job per (book, chapter) is
// active at a time; enqueueing against an active job returns it unchanged.
type Scheduler struct {
	store      *Store
	lib        *library.Library
	synth      synth.Synthesizer
	enc        *wave.Encoder
	chunkChars int
	log        *slog.Logger
	publish    func(protocol.JobStatusEvent)

	jobsStarted    metric.Int64Counter
	jobsFinished   metric.Int64Counter
	synthesizedSec metric.Float64Counter

	mu      sync.Mutex
	cancels map[Key]*atomic.Bool

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

func NewScheduler(store *Store, lib *library.Library, syn synth.Synthesizer, enc *wave.Encoder, chunkChars int, log *slog.Logger) *Scheduler {
	meter := otel.Meter("lectern/jobs")
	started, _ := meter.Int64Counter("lectern.jobs.started",
		metric.WithDescription("Chapter audio jobs accepted for execution"))
	finished, _ := meter.Int64Counter("lectern.jobs.finished",
		metric.WithDescription("Chapter audio jobs reaching a terminal state, by status"))
	seconds, _ := meter.Float64Counter("lectern.jobs.audio_seconds",
		metric.WithDescription("Seconds of audio synthesized by completed jobs"))

	return &Scheduler{
		store:          store,
		lib:            lib,
		synth:          syn,
		enc:            enc,
		chunkChars:     chunkChars,
		log:            log.With(slog.String("component", "job-scheduler")),
		jobsStarted:    started,
		jobsFinished:   finished,
		synthesizedSec: seconds,
		cancels:        make(map[Key]*atomic.Bool),
	}
}

// SetPublisher installs a hook invoked on every persisted state transition.
// Optional; the scheduler works without a message bus attached.
func (s *Scheduler) SetPublisher(fn func(protocol.JobStatusEvent)) {
	s.publish = fn
}

// Start sweeps records orphaned by a previous process and arms the scheduler.
func (s *Scheduler) Start(ctx context.Context) error {
	s.baseCtx, s.stop = context.WithCancel(context.Background())
	swept, err := s.store.SweepInterrupted(ctx)
	if err != nil {
		return fmt.Errorf("sweep interrupted jobs: %w", err)
	}
	if swept > 0 {
		s.log.Info("marked interrupted jobs as failed", slog.Int("count", swept))
	}
	return nil
}

// Close stops accepting work and waits for running jobs to settle. Jobs
// observe the shutdown through their context and finish as failed or canceled
// at the next chunk boundary.
func (s *Scheduler) Close() {
	if s.stop != nil {
		s.stop()
	}
	s.wg.Wait()
}

// Enqueue starts a chapter audio job, or returns the already active record
// for the same key. The returned record reflects the state at the moment of
// the call; poll Status for progress.
func (s *Scheduler) Enqueue(ctx context.Context, bookID string, chapter int, voice string) (Record, error) {
	if bookID == "" {
		return Record{}, ErrInvalidBook
	}
	if chapter < 1 {
		return Record{}, fmt.Errorf("%w: %d", ErrInvalidChapter, chapter)
	}
	key := Key{BookID: bookID, Chapter: chapter}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.store.Get(key); ok && existing.Status.Active() {
		return existing, nil
	}

	rec := Record{BookID: bookID, Chapter: chapter, Status: StatusQueued}
	if err := s.store.Put(ctx, rec); err != nil {
		return Record{}, err
	}
	s.emit(rec, "")

	flag := &atomic.Bool{}
	s.cancels[key] = flag
	s.jobsStarted.Add(ctx, 1)

	s.wg.Add(1)
	go s.run(key, voice, flag)

	queued, _ := s.store.Get(key)
	return queued, nil
}

// Status returns the current record for a key, or nil when none exists.
func (s *Scheduler) Status(bookID string, chapter int) *Record {
	rec, ok := s.store.Get(Key{BookID: bookID, Chapter: chapter})
	if !ok {
		return nil
	}
	return &rec
}

// Cancel marks a job canceled. The persisted record flips immediately; the
// running goroutine notices at its next chunk boundary and stops without
// writing the chapter's audio. Canceling an absent or settled job is not an
// error: the canceled record stands as a statement of intent.
func (s *Scheduler) Cancel(ctx context.Context, bookID string, chapter int) error {
	if bookID == "" {
		return ErrInvalidBook
	}
	if chapter < 1 {
		return fmt.Errorf("%w: %d", ErrInvalidChapter, chapter)
	}
	key := Key{BookID: bookID, Chapter: chapter}

	s.mu.Lock()
	if flag, ok := s.cancels[key]; ok {
		flag.Store(true)
	}
	s.mu.Unlock()

	rec, ok := s.store.Get(key)
	if !ok {
		rec = Record{BookID: bookID, Chapter: chapter}
	}
	rec.Status = StatusCanceled
	rec.Error = ""
	if err := s.store.Put(ctx, rec); err != nil {
		return err
	}
	s.emit(rec, "")
	return nil
}

func (s *Scheduler) run(key Key, voice string, flag *atomic.Bool) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		if s.cancels[key] == flag {
			delete(s.cancels, key)
		}
		s.mu.Unlock()
	}()

	runID := uuid.NewString()
	log := s.log.With(slog.String("job", key.String()), slog.String("run_id", runID))

	ctx := s.baseCtx
	start := time.Now()
	if err := s.execute(ctx, key, voice, flag, runID, log); err != nil {
		log.Error("chapter audio job failed",
			slog.String("error", err.Error()),
			slog.Duration("elapsed", time.Since(start)))
		return
	}
	log.Info("chapter audio job settled", slog.Duration("elapsed", time.Since(start)))
}

func (s *Scheduler) execute(ctx context.Context, key Key, voice string, flag *atomic.Bool, runID string, log *slog.Logger) error {
	if flag.Load() {
		return s.settle(ctx, key, flag, StatusCanceled, "", "", runID)
	}

	text, err := s.lib.Narration(key.BookID, key.Chapter)
	if err != nil {
		return s.settle(ctx, key, flag, StatusFailed, err.Error(), "", runID)
	}

	// Audio already on disk from an earlier run: nothing to synthesize.
	if s.lib.HasAudio(key.BookID, key.Chapter) {
		return s.settle(ctx, key, flag, StatusCompleted, "", s.lib.AudioURL(key.BookID, key.Chapter), runID)
	}

	now := time.Now().UTC()
	rec := Record{BookID: key.BookID, Chapter: key.Chapter, Status: StatusRunning, StartedAt: &now}
	if err := s.store.Put(ctx, rec); err != nil {
		return err
	}
	s.emit(rec, runID)

	chunks := segment.Split(text, 0, s.chunkChars)
	if len(chunks) == 0 {
		return s.settle(ctx, key, flag, StatusFailed, "no narration text to synthesize", "", runID)
	}
	log.Info("synthesizing chapter", slog.Int("chunks", len(chunks)))

	var pcm []byte
	for i, chunk := range chunks {
		if flag.Load() || ctx.Err() != nil {
			return s.settle(ctx, key, flag, StatusCanceled, "", "", runID)
		}
		buf, err := s.synth.Synthesize(ctx, chunk.Text, voice)
		if err != nil {
			if flag.Load() {
				return s.settle(ctx, key, flag, StatusCanceled, "", "", runID)
			}
			return s.settle(ctx, key, flag, StatusFailed, err.Error(), "", runID)
		}
		if len(buf) == 0 {
			return s.settle(ctx, key, flag, StatusFailed, synth.ErrNoAudio.Error(), "", runID)
		}
		pcm = append(pcm, buf...)
		log.Debug("chunk synthesized",
			slog.Int("chunk", i),
			slog.Int("bytes", len(buf)))
	}
	if flag.Load() {
		return s.settle(ctx, key, flag, StatusCanceled, "", "", runID)
	}

	outPath := s.lib.AudioPath(key.BookID, key.Chapter)
	if err := s.enc.Assemble(ctx, pcm, outPath); err != nil {
		return s.settle(ctx, key, flag, StatusFailed, err.Error(), "", runID)
	}

	seconds := float64(len(pcm)) / float64(wave.SampleRate*2)
	s.synthesizedSec.Add(ctx, seconds, metric.WithAttributes(attribute.String("book_id", key.BookID)))
	return s.settle(ctx, key, flag, StatusCompleted, "", s.lib.AudioURL(key.BookID, key.Chapter), runID)
}

// settle writes a terminal state. The write is skipped when this run no longer
// owns the key (a fresh run was enqueued after cancellation), and a
// cancellation raised while the terminal write was being decided wins over
// completed or failed.
func (s *Scheduler) settle(ctx context.Context, key Key, flag *atomic.Bool, status Status, errMsg, audioURL, runID string) error {
	s.mu.Lock()
	owner := s.cancels[key] == flag
	s.mu.Unlock()
	if !owner {
		return nil
	}

	rec, ok := s.store.Get(key)
	if !ok {
		rec = Record{BookID: key.BookID, Chapter: key.Chapter}
	}
	if rec.Status == StatusCanceled && status != StatusCanceled {
		s.jobsFinished.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(StatusCanceled))))
		return nil
	}
	rec.Status = status
	rec.Error = errMsg
	rec.AudioURL = audioURL
	// Terminal writes must land even when ctx died during shutdown, or the
	// record would be swept as interrupted on the next start.
	if err := s.store.Put(context.Background(), rec); err != nil {
		return err
	}
	s.jobsFinished.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(status))))
	s.emit(rec, runID)
	if status == StatusFailed {
		return errors.New(errMsg)
	}
	return nil
}

func (s *Scheduler) emit(rec Record, runID string) {
	if s.publish == nil {
		return
	}
	s.publish(protocol.JobStatusEvent{
		BookID:    rec.BookID,
		Chapter:   rec.Chapter,
		Status:    string(rec.Status),
		Error:     rec.Error,
		AudioURL:  rec.AudioURL,
		RunID:     runID,
		Timestamp: time.Now().UTC(),
	})
}
