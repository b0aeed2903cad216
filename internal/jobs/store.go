// Package jobs schedules and tracks long-running chapter audio synthesis:
// a persistent, cancellable, crash-recoverable work queue keyed by
// (bookID, chapter).
package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/lecternlabs/lectern/internal/config"
	_ "modernc.org/sqlite"
)

type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
)

// Active reports whether the status still owns the identity key: at most one
// job per key may be queued or running at a time.
func (s Status) Active() bool {
	return s == StatusQueued || s == StatusRunning
}

// Key identifies one chapter audio job.
type Key struct {
	BookID  string
	Chapter int
}

func (k Key) String() string {
	return fmt.Sprintf("%s/ch%d", k.BookID, k.Chapter)
}

// Record is the durable state of one chapter audio job. It is the source of
// truth across process restarts; the in-process cancellation signal is not.
type Record struct {
	BookID    string
	Chapter   int
	Status    Status
	StartedAt *time.Time
	UpdatedAt *time.Time
	Error     string
	AudioURL  string
}

func (r Record) key() Key {
	return Key{BookID: r.BookID, Chapter: r.Chapter}
}

type writeRequest struct {
	rec   Record
	reply chan error
}

// Store persists job records in SQLite. All mutations flow through one
// serialized write queue so concurrent transitions on different keys cannot
// corrupt each other; reads are served from an in-memory cache kept consistent
// with the last successful write.
type Store struct {
	db    *sql.DB
	log   *slog.Logger
	clock func() time.Time

	mu    sync.RWMutex
	cache map[Key]Record

	writes chan writeRequest
	closed chan struct{}
	wg     sync.WaitGroup
}

// Open initializes the job store at cfg.StorePath and loads existing records.
func Open(ctx context.Context, cfg config.JobsConfig, log *slog.Logger) (*Store, error) {
	dir := filepath.Dir(cfg.StorePath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)", cfg.StorePath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{
		db:     db,
		log:    log.With(slog.String("component", "job-store")),
		clock:  time.Now,
		cache:  make(map[Key]Record),
		writes: make(chan writeRequest),
		closed: make(chan struct{}),
	}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.loadCache(ctx); err != nil {
		db.Close()
		return nil, err
	}

	s.wg.Add(1)
	go s.writeLoop()

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS chapter_audio_jobs (
    book_id TEXT NOT NULL,
    chapter INTEGER NOT NULL,
    status TEXT NOT NULL,
    started_at TIMESTAMP,
    updated_at TIMESTAMP,
    error TEXT NOT NULL DEFAULT '',
    audio_url TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (book_id, chapter)
);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) loadCache(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT book_id, chapter, status, started_at, updated_at, error, audio_url FROM chapter_audio_jobs`)
	if err != nil {
		return fmt.Errorf("load job records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var rec Record
		var status string
		if err := rows.Scan(&rec.BookID, &rec.Chapter, &status, &rec.StartedAt, &rec.UpdatedAt, &rec.Error, &rec.AudioURL); err != nil {
			return fmt.Errorf("scan job record: %w", err)
		}
		rec.Status = Status(status)
		s.cache[rec.key()] = rec
	}
	return rows.Err()
}

func (s *Store) writeLoop() {
	defer s.wg.Done()
	for {
		select {
		case req := <-s.writes:
			req.reply <- s.write(req.rec)
		case <-s.closed:
			// The channel is unbuffered, so every accepted request has
			// been replied to; nothing is left to drain.
			return
		}
	}
}

func (s *Store) write(rec Record) error {
	_, err := s.db.Exec(
		`INSERT INTO chapter_audio_jobs(book_id, chapter, status, started_at, updated_at, error, audio_url)
		 VALUES(?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(book_id, chapter) DO UPDATE SET
		   status=excluded.status, started_at=excluded.started_at,
		   updated_at=excluded.updated_at, error=excluded.error, audio_url=excluded.audio_url`,
		rec.BookID, rec.Chapter, string(rec.Status), rec.StartedAt, rec.UpdatedAt, rec.Error, rec.AudioURL)
	if err != nil {
		return fmt.Errorf("write job record: %w", err)
	}
	s.mu.Lock()
	s.cache[rec.key()] = rec
	s.mu.Unlock()
	return nil
}

// Put persists rec through the serialized write queue, stamping UpdatedAt.
func (s *Store) Put(ctx context.Context, rec Record) error {
	now := s.clock().UTC()
	rec.UpdatedAt = &now

	req := writeRequest{rec: rec, reply: make(chan error, 1)}
	select {
	case s.writes <- req:
	case <-s.closed:
		return errors.New("job store is closed")
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Get returns the cached record for key, if any. Reads never block on writes.
func (s *Store) Get(key Key) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.cache[key]
	return rec, ok
}

// SweepInterrupted marks records left queued or running by a previous process
// as failed: the goroutines and cancellation flags behind them did not survive
// the restart. Returns how many records were swept.
func (s *Store) SweepInterrupted(ctx context.Context) (int, error) {
	s.mu.RLock()
	var stale []Record
	for _, rec := range s.cache {
		if rec.Status.Active() {
			stale = append(stale, rec)
		}
	}
	s.mu.RUnlock()

	for _, rec := range stale {
		rec.Status = StatusFailed
		rec.Error = "interrupted by restart"
		if err := s.Put(ctx, rec); err != nil {
			return 0, err
		}
		s.log.Warn("swept interrupted job", slog.String("job", rec.key().String()))
	}
	return len(stale), nil
}

// Close stops the write loop and releases the database. The writes channel is
// never closed: late Put callers fall through to the closed signal instead of
// panicking on a send.
func (s *Store) Close() error {
	select {
	case <-s.closed:
		return nil
	default:
	}
	close(s.closed)
	s.wg.Wait()
	return s.db.Close()
}
