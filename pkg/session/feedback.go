package session

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// FeedbackEntry is one helpful/unhelpful vote on a bot message.
type FeedbackEntry struct {
	MessageID string    `json:"message_id"`
	Helpful   bool      `json:"helpful"`
	Time      time.Time `json:"time"`
}

// feedbackLog appends entries to a local JSON-lines file. Everything about it
// is best-effort; a missing or corrupt file never affects the session.
type feedbackLog struct {
	mu   sync.Mutex
	path string
}

func newFeedbackLog(path string) *feedbackLog {
	if path == "" {
		return nil
	}
	return &feedbackLog{path: path}
}

func (f *feedbackLog) append(entry FeedbackEntry) error {
	if f == nil {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := json.Marshal(entry)
	if err != nil {
		return errors.Wrap(err, "feedback log: encode")
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return errors.Wrap(err, "feedback log: mkdir")
	}
	file, err := os.OpenFile(f.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrap(err, "feedback log: open")
	}
	defer func() { _ = file.Close() }()

	if _, err := file.Write(append(data, '\n')); err != nil {
		return errors.Wrap(err, "feedback log: write")
	}
	return nil
}

// RecordFeedback stores a helpfulness vote for a bot message. Failures are
// logged and swallowed.
func (s *Session) RecordFeedback(messageID string, helpful bool) {
	if s == nil || s.feedback == nil {
		return
	}
	err := s.feedback.append(FeedbackEntry{
		MessageID: messageID,
		Helpful:   helpful,
		Time:      time.Now(),
	})
	if err != nil {
		log.Warn().Err(err).Str("component", "session").Msg("failed to record feedback")
	}
}
