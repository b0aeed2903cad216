// Package library resolves the filesystem layout of the book store this
// pipeline collaborates with: per-chapter narration text in, per-chapter
// compressed audio out, at fixed predictable paths.
package library

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrNarrationNotFound is the fatal precondition for a job start: the chapter
// has no narration text to synthesize.
var ErrNarrationNotFound = errors.New("narration file not found")

type Library struct {
	root string
}

func New(root string) *Library {
	return &Library{root: root}
}

// NarrationPath is where the narration-rewriting stage (outside this core)
// deposits a chapter's spoken-form text.
func (l *Library) NarrationPath(bookID string, chapter int) string {
	return filepath.Join(l.root, sanitize(bookID), "narration", fmt.Sprintf("chapter_%03d.txt", chapter))
}

// AudioPath is the fixed output location for a chapter's compressed audio.
func (l *Library) AudioPath(bookID string, chapter int) string {
	return filepath.Join(l.root, sanitize(bookID), "audio", fmt.Sprintf("chapter_%03d.mp3", chapter))
}

// AudioURL is the path UIs fetch the finished file from once a job completes.
func (l *Library) AudioURL(bookID string, chapter int) string {
	return fmt.Sprintf("/library/%s/audio/chapter_%03d.mp3", sanitize(bookID), chapter)
}

// Narration reads a chapter's narration text. Absence maps to
// ErrNarrationNotFound.
func (l *Library) Narration(bookID string, chapter int) (string, error) {
	data, err := os.ReadFile(l.NarrationPath(bookID, chapter))
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s chapter %d", ErrNarrationNotFound, bookID, chapter)
		}
		return "", fmt.Errorf("read narration: %w", err)
	}
	return string(data), nil
}

// HasAudio reports whether a chapter's compressed audio already exists.
func (l *Library) HasAudio(bookID string, chapter int) bool {
	info, err := os.Stat(l.AudioPath(bookID, chapter))
	return err == nil && info.Size() > 0
}

// sanitize keeps book identifiers from escaping the library root.
func sanitize(bookID string) string {
	bookID = strings.ReplaceAll(bookID, string(os.PathSeparator), "_")
	bookID = strings.ReplaceAll(bookID, "..", "_")
	return bookID
}
