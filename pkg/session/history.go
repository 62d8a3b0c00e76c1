package session

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/jiminy/pkg/persistence/historystore"
)

// Sender identifies who produced a chat message.
type Sender string

const (
	SenderUser Sender = "user"
	SenderBot  Sender = "bot"
)

// Message is one chat turn. Text is already sanitized for display.
type Message struct {
	ID     string
	Sender Sender
	Text   string
	// Cached marks a bot answer served from the response cache.
	Cached bool
	Time   time.Time
}

// record appends a turn to the in-memory history, mirrors it to the optional
// sqlite store and notifies the UI layer. Returns the stored message.
func (s *Session) record(sender Sender, text string, cached bool) Message {
	msg := Message{
		ID:     uuid.NewString(),
		Sender: sender,
		Text:   text,
		Cached: cached,
		Time:   time.Now(),
	}

	s.mu.Lock()
	s.history = append(s.history, msg)
	s.mu.Unlock()

	if s.store != nil {
		err := s.store.Append(context.Background(), historystore.Record{
			ID:        msg.ID,
			SessionID: s.id,
			Sender:    string(sender),
			Text:      text,
			Cached:    cached,
			CreatedAt: msg.Time,
		})
		if err != nil {
			log.Warn().Err(err).Str("component", "session").Msg("failed to persist history record")
		}
	}

	if s.events.OnMessage != nil {
		s.events.OnMessage(msg)
	}
	return msg
}

// History returns a copy of the chat transcript in order.
func (s *Session) History() []Message {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.history))
	copy(out, s.history)
	return out
}
