package protocol

import "time"

// JobStatusEvent mirrors a persisted chapter-audio job transition onto the bus
// so interested UIs can subscribe instead of polling the status endpoint.
type JobStatusEvent struct {
	BookID    string    `json:"book_id"`
	Chapter   int       `json:"chapter"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	AudioURL  string    `json:"audio_url,omitempty"`
	RunID     string    `json:"run_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectJobStatus = "lectern.audio.job.status"
)
