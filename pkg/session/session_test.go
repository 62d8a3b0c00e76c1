package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/jiminy/pkg/safety"
	"github.com/go-go-golems/jiminy/pkg/stream"
	"github.com/go-go-golems/jiminy/pkg/transport"
)

type eventLog struct {
	mu       sync.Mutex
	messages []Message
	typing   []bool
}

func (e *eventLog) events() Events {
	return Events{
		OnMessage: func(m Message) {
			e.mu.Lock()
			e.messages = append(e.messages, m)
			e.mu.Unlock()
		},
		OnTyping: func(on bool) {
			e.mu.Lock()
			e.typing = append(e.typing, on)
			e.mu.Unlock()
		},
	}
}

func (e *eventLog) messageCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.messages)
}

func (e *eventLog) lastMessage() Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.messages) == 0 {
		return Message{}
	}
	return e.messages[len(e.messages)-1]
}

func newAnswerServer(t *testing.T, answer string, hits *atomic.Int64) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"data":    map[string]any{"response": answer},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func baseConfig(url string) Config {
	cfg := DefaultConfig()
	cfg.HTTPEndpoint = url
	cfg.Streaming = false
	return cfg
}

func newTestSession(t *testing.T, cfg Config, ev *eventLog) *Session {
	t.Helper()
	s, err := New(cfg, ev.events())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func waitForMessages(t *testing.T, ev *eventLog, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return ev.messageCount() >= n }, 2*time.Second, 5*time.Millisecond)
}

func TestSubmit_OneShotHappyPath(t *testing.T) {
	var hits atomic.Int64
	srv := newAnswerServer(t, "Hi!", &hits)
	ev := &eventLog{}
	s := newTestSession(t, baseConfig(srv.URL), ev)

	require.NoError(t, s.Submit("Hello"))
	waitForMessages(t, ev, 2)

	history := s.History()
	require.Len(t, history, 2)
	require.Equal(t, SenderUser, history[0].Sender)
	require.Equal(t, "Hello", history[0].Text)
	require.Equal(t, SenderBot, history[1].Sender)
	require.Equal(t, "Hi!", history[1].Text)
	require.False(t, history[1].Cached)
	require.EqualValues(t, 1, hits.Load())
}

func TestSubmit_RepeatIsServedFromCacheWithoutNetwork(t *testing.T) {
	var hits atomic.Int64
	srv := newAnswerServer(t, "Hi!", &hits)
	ev := &eventLog{}
	s := newTestSession(t, baseConfig(srv.URL), ev)

	require.NoError(t, s.Submit("Hello"))
	waitForMessages(t, ev, 2)

	require.NoError(t, s.Submit("Hello"))
	waitForMessages(t, ev, 4)

	last := ev.lastMessage()
	require.Equal(t, SenderBot, last.Sender)
	require.Equal(t, "Hi!", last.Text)
	require.True(t, last.Cached)
	require.EqualValues(t, 1, hits.Load(), "cached repeat must not hit the network")
}

func TestSubmit_InjectionRejectedBeforeNetwork(t *testing.T) {
	var hits atomic.Int64
	srv := newAnswerServer(t, "unused", &hits)
	ev := &eventLog{}
	s := newTestSession(t, baseConfig(srv.URL), ev)

	require.NoError(t, s.Submit(`<script>alert(1)</script>`))
	waitForMessages(t, ev, 1)

	history := s.History()
	require.Len(t, history, 1)
	require.Equal(t, SenderBot, history[0].Sender)
	require.NotEmpty(t, history[0].Text)
	require.EqualValues(t, 0, hits.Load())
	// A rejected message must never be cached.
	_, ok := s.cache.Lookup(`<script>alert(1)</script>`)
	require.False(t, ok)
}

func TestSubmit_OneShotFailureEmitsGenericMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"message": "internal stack trace detail"},
		})
	}))
	t.Cleanup(srv.Close)
	ev := &eventLog{}
	s := newTestSession(t, baseConfig(srv.URL), ev)

	require.NoError(t, s.Submit("Hello"))
	waitForMessages(t, ev, 2)

	last := ev.lastMessage()
	require.Equal(t, SenderBot, last.Sender)
	require.Equal(t, connectivityFailureText, last.Text)
	require.NotContains(t, last.Text, "stack trace")

	// Failures are never cached; the next submit goes out again.
	_, ok := s.cache.Lookup("Hello")
	require.False(t, ok)
}

func TestSubmit_SingleOutstandingExchange(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"data":    map[string]any{"response": "done"},
		})
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	ev := &eventLog{}
	s := newTestSession(t, baseConfig(srv.URL), ev)

	require.NoError(t, s.Submit("first"))
	err := s.Submit("second")
	require.ErrorIs(t, err, ErrResponsePending)
}

func TestSubmit_AfterCloseFails(t *testing.T) {
	srv := newAnswerServer(t, "Hi!", nil)
	ev := &eventLog{}
	s := newTestSession(t, baseConfig(srv.URL), ev)
	require.NoError(t, s.Close())
	require.ErrorIs(t, s.Submit("Hello"), ErrSessionClosed)
}

// primeStreamedExchange puts the session in the state it holds right after
// dispatching a message over the persistent transport, with a stream underway.
func primeStreamedExchange(s *Session, question string) {
	s.mu.Lock()
	s.pending = true
	s.pendingQuestion = question
	s.pendingStreamed = true
	s.mu.Unlock()
	s.asm.Expect(question)
	s.asm.Handle(stream.Frame{Type: stream.FrameStart})
}

func TestStreamedExchange_ExplicitEndTextWins(t *testing.T) {
	srv := newAnswerServer(t, "unused", nil)
	ev := &eventLog{}
	s := newTestSession(t, baseConfig(srv.URL), ev)

	primeStreamedExchange(s, "hello")
	s.asm.Handle(stream.Frame{Type: stream.FrameChunk, Text: "Sor"})
	s.asm.Handle(stream.Frame{Type: stream.FrameChunk, Text: "ry"})
	s.asm.Handle(stream.Frame{Type: stream.FrameEnd, Text: "Sorry, I don't know."})

	waitForMessages(t, ev, 1)
	last := ev.lastMessage()
	require.Equal(t, SenderBot, last.Sender)
	require.Equal(t, "Sorry, I don't know.", last.Text)

	answer, ok := s.cache.Lookup("hello")
	require.True(t, ok)
	require.Equal(t, "Sorry, I don't know.", answer)
}

func TestStreamedExchange_ServerErrorFrame(t *testing.T) {
	srv := newAnswerServer(t, "unused", nil)
	ev := &eventLog{}
	s := newTestSession(t, baseConfig(srv.URL), ev)

	primeStreamedExchange(s, "hello")
	s.asm.Handle(stream.Frame{Type: stream.FrameError, Error: "backend unavailable"})

	waitForMessages(t, ev, 1)
	last := ev.lastMessage()
	require.Equal(t, SenderBot, last.Sender)
	require.Contains(t, last.Text, "backend unavailable")

	_, ok := s.cache.Lookup("hello")
	require.False(t, ok, "errored exchanges must not be cached")

	// The exchange is over; a new submit is accepted.
	require.NoError(t, s.Submit("next question"))
}

func TestStreamedExchange_ConnectionDropRecovers(t *testing.T) {
	var hits atomic.Int64
	srv := newAnswerServer(t, "Hi!", &hits)
	ev := &eventLog{}
	s := newTestSession(t, baseConfig(srv.URL), ev)

	primeStreamedExchange(s, "hello")
	s.asm.Handle(stream.Frame{Type: stream.FrameChunk, Text: "par"})

	// The connection drops before an end frame; the rest of the answer is
	// never coming.
	s.onTransportState(transport.StateClosed)

	waitForMessages(t, ev, 1)
	last := ev.lastMessage()
	require.Equal(t, SenderBot, last.Sender)
	require.Equal(t, connectivityFailureText, last.Text)
	_, ok := s.cache.Lookup("hello")
	require.False(t, ok, "interrupted exchanges must not be cached")

	// The session stays usable on the one-shot path.
	require.NoError(t, s.Submit("are you there"))
	waitForMessages(t, ev, 3)
	require.Equal(t, "Hi!", ev.lastMessage().Text)
	require.EqualValues(t, 1, hits.Load())
}

func TestReconnect_AbandonsInFlightStream(t *testing.T) {
	srv := newAnswerServer(t, "Hi!", nil)
	cfg := baseConfig(srv.URL)
	cfg.WSEndpoint = "ws://127.0.0.1:1/ws"
	ev := &eventLog{}
	s := newTestSession(t, cfg, ev)

	primeStreamedExchange(s, "hello")
	s.Reconnect()

	waitForMessages(t, ev, 1)
	require.Equal(t, connectivityFailureText, ev.lastMessage().Text)
	require.NoError(t, s.Submit("are you there"))
}

func TestOneShotExchange_SurvivesTransportClose(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"data":    map[string]any{"response": "done"},
		})
	}))
	t.Cleanup(srv.Close)

	ev := &eventLog{}
	s := newTestSession(t, baseConfig(srv.URL), ev)

	require.NoError(t, s.Submit("slow question"))
	// A transport close while a one-shot request is in flight must not abort it.
	s.onTransportState(transport.StateClosed)
	close(release)

	waitForMessages(t, ev, 2)
	require.Equal(t, "done", ev.lastMessage().Text)
}

func TestSubmit_SanitizesBotAnswer(t *testing.T) {
	srv := newAnswerServer(t, `<p>safe</p><script>alert(1)</script>`, nil)
	ev := &eventLog{}
	s := newTestSession(t, baseConfig(srv.URL), ev)

	require.NoError(t, s.Submit("Hello"))
	waitForMessages(t, ev, 2)

	last := ev.lastMessage()
	require.NotContains(t, last.Text, "<script")
	require.Contains(t, last.Text, "<p>safe</p>")
}

func TestSetCacheEnabled_TogglesLookups(t *testing.T) {
	var hits atomic.Int64
	srv := newAnswerServer(t, "Hi!", &hits)
	ev := &eventLog{}
	s := newTestSession(t, baseConfig(srv.URL), ev)

	require.NoError(t, s.Submit("Hello"))
	waitForMessages(t, ev, 2)

	s.SetCacheEnabled(false)
	require.NoError(t, s.Submit("Hello"))
	waitForMessages(t, ev, 4)
	require.EqualValues(t, 2, hits.Load(), "disabled cache must not serve hits")
}

func TestConnectionState_NoWebsocketEndpoint(t *testing.T) {
	srv := newAnswerServer(t, "Hi!", nil)
	ev := &eventLog{}
	s := newTestSession(t, baseConfig(srv.URL), ev)
	require.Equal(t, transport.StateClosed, s.ConnectionState())
}

func TestFeedbackLog_AppendsJSONLines(t *testing.T) {
	srv := newAnswerServer(t, "Hi!", nil)
	path := filepath.Join(t.TempDir(), "feedback.jsonl")
	cfg := baseConfig(srv.URL)
	cfg.FeedbackPath = path
	ev := &eventLog{}
	s := newTestSession(t, cfg, ev)

	s.RecordFeedback("msg-1", true)
	s.RecordFeedback("msg-2", false)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)

	var entry FeedbackEntry
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	require.Equal(t, "msg-1", entry.MessageID)
	require.True(t, entry.Helpful)
}

func TestHistoryPersistence_MirrorsTurns(t *testing.T) {
	srv := newAnswerServer(t, "Hi!", nil)
	path := filepath.Join(t.TempDir(), "history.db")
	cfg := baseConfig(srv.URL)
	cfg.HistoryPath = path
	ev := &eventLog{}
	s := newTestSession(t, cfg, ev)

	require.NoError(t, s.Submit("Hello"))
	waitForMessages(t, ev, 2)

	require.NotNil(t, s.store)
	records, err := s.store.List(context.Background(), s.ID(), 0)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, "Hello", records[0].Text)
	require.Equal(t, "Hi!", records[1].Text)
}

func TestConfig_DefaultsApplied(t *testing.T) {
	cfg := Config{HTTPEndpoint: "http://example.test"}.withDefaults()
	require.Equal(t, 50, cfg.Cache.MaxEntries)
	require.Equal(t, time.Hour, cfg.Cache.TTL)
	require.Equal(t, 5, cfg.Reconnect.MaxAttempts)
	require.Equal(t, 3*time.Second, cfg.Reconnect.BaseInterval)
	require.Equal(t, "strict", cfg.SanitizerMode)
	require.Equal(t, 2000, cfg.Safety.MaxLength)
}

func TestConfig_PartialSafetyPolicyKeepsOverrides(t *testing.T) {
	cfg := Config{
		HTTPEndpoint: "http://example.test",
		Safety:       safety.Policy{MaxRepeatRun: 3},
	}.withDefaults()
	require.Equal(t, 3, cfg.Safety.MaxRepeatRun)
	require.Equal(t, 2000, cfg.Safety.MaxLength)
	require.Equal(t, 2, cfg.Safety.ProfanityThreshold)
}
