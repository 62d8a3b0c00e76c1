package session

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/jiminy/pkg/cache"
	"github.com/go-go-golems/jiminy/pkg/persistence/historystore"
	"github.com/go-go-golems/jiminy/pkg/safety"
	"github.com/go-go-golems/jiminy/pkg/stream"
	"github.com/go-go-golems/jiminy/pkg/transport"
)

// connectivityFailureText is the single generic message shown for one-shot
// transport failures; server detail is never leaked to the user on this path.
const connectivityFailureText = "Sorry, I'm having trouble reaching the assistant right now. Please try again in a moment."

// ErrResponsePending is returned by Submit while an exchange is in flight;
// the session handles one logical exchange at a time.
var ErrResponsePending = errors.New("a response is already pending")

// ErrSessionClosed is returned by Submit after Close.
var ErrSessionClosed = errors.New("session is closed")

// Events are the session's notifications to the embedding UI layer. All
// callbacks may be nil.
type Events struct {
	// OnMessage fires for every recorded chat turn, user and bot alike.
	OnMessage func(Message)
	// OnTyping signals the "assistant is working" indicator.
	OnTyping func(bool)
	// OnProgress carries the partial text of a streamed answer.
	OnProgress func(partial string)
	// OnStateChange reports persistent-connection state transitions.
	OnStateChange func(transport.State)
}

// Session is the per-visitor messaging façade: it owns the config, cache,
// transport, streaming assembler and chat history, and runs each submitted
// message through validation, cache, dispatch and sanitization.
type Session struct {
	cfg    Config
	events Events

	validator *safety.Validator
	sanitizer *safety.Sanitizer
	cache     *cache.Cache
	mgr       *transport.Manager
	oneshot   *transport.OneShotClient
	asm       *stream.Assembler
	store     *historystore.Store
	feedback  *feedbackLog

	mu              sync.Mutex
	id              string
	history         []Message
	pending         bool
	pendingQuestion string
	// pendingStreamed marks the in-flight exchange as dispatched over the
	// persistent transport; only those are aborted when the connection drops.
	pendingStreamed  bool
	cacheEnabled     bool
	streamingEnabled bool
	closed           bool
}

// New builds a session from cfg merged onto defaults. The persistent
// transport starts connecting immediately when streaming is enabled.
func New(cfg Config, events Events) (*Session, error) {
	cfg = cfg.withDefaults()
	if strings.TrimSpace(cfg.HTTPEndpoint) == "" {
		return nil, errors.New("session: HTTP endpoint is required")
	}

	s := &Session{
		cfg:              cfg,
		events:           events,
		id:               uuid.NewString(),
		validator:        safety.NewValidator(cfg.Safety),
		sanitizer:        safety.NewSanitizer(cfg.sanitizerMode()),
		cacheEnabled:     cfg.Cache.Enabled,
		streamingEnabled: cfg.Streaming && cfg.WSEndpoint != "",
	}

	oneshot, err := transport.NewOneShotClient(cfg.HTTPEndpoint, cfg.APIKey)
	if err != nil {
		return nil, err
	}
	s.oneshot = oneshot

	s.cache = cache.New(cache.Config{
		MaxEntries: cfg.Cache.MaxEntries,
		TTL:        cfg.Cache.TTL,
		Backend:    s.cacheBackend(),
	})

	s.asm = stream.NewAssembler(stream.Callbacks{
		OnProgress: func(partial string) {
			if s.events.OnProgress != nil {
				s.events.OnProgress(partial)
			}
		},
		OnFinal: s.finishStreamed,
		OnError: s.failExchange,
	})

	if cfg.WSEndpoint != "" {
		mgr, err := transport.NewManager(cfg.transportConfig(), transport.Callbacks{
			OnFrame:       s.asm.Handle,
			OnStateChange: s.onTransportState,
		})
		if err != nil {
			return nil, err
		}
		s.mgr = mgr
	}

	if cfg.HistoryPath != "" {
		dsn, err := historystore.DSNForFile(cfg.HistoryPath)
		if err == nil {
			store, serr := historystore.New(dsn)
			if serr != nil {
				err = serr
			} else {
				s.store = store
			}
		}
		if err != nil {
			log.Warn().Err(err).Str("component", "session").Msg("history persistence disabled")
		}
	}

	s.feedback = newFeedbackLog(cfg.FeedbackPath)

	if s.streamingEnabled && s.mgr != nil {
		s.mgr.Connect()
	}
	return s, nil
}

func (s *Session) cacheBackend() cache.Backend {
	if s.cfg.CacheBackend != nil {
		return s.cfg.CacheBackend
	}
	if s.cfg.Cache.FilePath == "" {
		return nil
	}
	backend, err := cache.NewFileBackend(s.cfg.Cache.FilePath)
	if err != nil {
		log.Warn().Err(err).Str("component", "session").Msg("cache persistence disabled")
		return nil
	}
	return backend
}

// ID is the session identifier used for history persistence.
func (s *Session) ID() string {
	if s == nil {
		return ""
	}
	return s.id
}

// Submit runs one user message through the full pipeline: validation, cache,
// dispatch, sanitization. It returns ErrResponsePending while an exchange is
// in flight; policy rejections are not errors, they surface as bot messages.
func (s *Session) Submit(text string) error {
	if s == nil {
		return errors.New("session is nil")
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.pending {
		s.mu.Unlock()
		return ErrResponsePending
	}
	s.mu.Unlock()

	if err := s.validator.ValidateOutbound(text); err != nil {
		rej, ok := safety.AsRejection(err)
		if !ok {
			return err
		}
		s.record(SenderBot, rej.Reason, false)
		return nil
	}

	question := strings.TrimSpace(text)
	s.record(SenderUser, s.sanitizer.Sanitize(question), false)

	if s.CacheEnabled() {
		if answer, ok := s.cache.Lookup(question); ok {
			log.Debug().Str("component", "session").Msg("serving cached answer")
			s.record(SenderBot, answer, true)
			return nil
		}
	}

	s.mu.Lock()
	s.pending = true
	s.pendingQuestion = question
	useWS := s.streamingEnabled && s.mgr != nil && s.mgr.State() == transport.StateOpen
	s.pendingStreamed = useWS
	s.mu.Unlock()

	s.setTyping(true)

	if useWS {
		s.asm.Expect(question)
		if _, err := s.mgr.Send(question); err != nil {
			log.Warn().Err(err).Str("component", "session").Msg("websocket send failed, falling back to one-shot")
			s.mu.Lock()
			s.pendingStreamed = false
			s.mu.Unlock()
			go s.oneShotExchange(question)
		}
		return nil
	}

	go s.oneShotExchange(question)
	return nil
}

func (s *Session) oneShotExchange(question string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	answer, err := s.oneshot.Ask(ctx, question)
	if err != nil {
		log.Warn().Err(err).Str("component", "session").Msg("one-shot request failed")
		s.failExchange("")
		return
	}
	s.completeExchange(question, answer)
}

// finishStreamed receives the assembled final text from the streaming state
// machine.
func (s *Session) finishStreamed(question, text string) {
	if question == "" {
		s.mu.Lock()
		question = s.pendingQuestion
		s.mu.Unlock()
	}
	s.completeExchange(question, text)
}

// completeExchange sanitizes the answer, caches it under the originating
// question and emits the bot turn. Pending state always clears.
func (s *Session) completeExchange(question, answer string) {
	safe := s.sanitizer.Sanitize(answer)

	s.mu.Lock()
	s.pending = false
	s.pendingQuestion = ""
	s.pendingStreamed = false
	s.mu.Unlock()

	if s.CacheEnabled() && question != "" {
		s.cache.Store(question, safe)
	}
	s.setTyping(false)
	s.record(SenderBot, safe, false)
}

// failExchange surfaces a failed exchange. detail comes from a server error
// frame; an empty detail means a transport-level failure and gets the generic
// connectivity message. Failures are never cached.
func (s *Session) failExchange(detail string) {
	s.mu.Lock()
	s.pending = false
	s.pendingQuestion = ""
	s.pendingStreamed = false
	s.mu.Unlock()

	text := connectivityFailureText
	if strings.TrimSpace(detail) != "" {
		text = "Sorry, something went wrong: " + s.sanitizer.Sanitize(detail)
	}
	s.setTyping(false)
	s.record(SenderBot, text, false)
}

// onTransportState watches the persistent connection. A drop to Closed while a
// streamed exchange is in flight means the rest of the answer is never coming;
// the exchange is aborted so the session stays usable on the one-shot path.
func (s *Session) onTransportState(st transport.State) {
	if st == transport.StateClosed {
		s.abortStreamedExchange()
	}
	if s.events.OnStateChange != nil {
		s.events.OnStateChange(st)
	}
}

// abortStreamedExchange discards an in-flight streamed exchange and surfaces
// the generic connectivity message. One-shot exchanges are untouched; they
// resolve on their own.
func (s *Session) abortStreamedExchange() {
	s.mu.Lock()
	if !s.pending || !s.pendingStreamed {
		s.mu.Unlock()
		return
	}
	s.pending = false
	s.pendingQuestion = ""
	s.pendingStreamed = false
	s.mu.Unlock()

	log.Warn().Str("component", "session").Msg("connection lost mid-stream, abandoning exchange")
	s.asm.Reset()
	s.setTyping(false)
	s.record(SenderBot, connectivityFailureText, false)
}

func (s *Session) setTyping(on bool) {
	if s.events.OnTyping != nil {
		s.events.OnTyping(on)
	}
}

// ConnectionState reports the persistent transport state; sessions without a
// websocket endpoint are always closed.
func (s *Session) ConnectionState() transport.State {
	if s == nil || s.mgr == nil {
		return transport.StateClosed
	}
	return s.mgr.State()
}

func (s *Session) CacheEnabled() bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cacheEnabled
}

func (s *Session) SetCacheEnabled(enabled bool) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.cacheEnabled = enabled
	s.mu.Unlock()
}

func (s *Session) StreamingEnabled() bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamingEnabled
}

// SetStreamingEnabled toggles the persistent transport. Disabling tears the
// connection down synchronously, cancelling every timer; enabling dials.
func (s *Session) SetStreamingEnabled(enabled bool) {
	if s == nil || s.mgr == nil {
		return
	}
	s.mu.Lock()
	if s.streamingEnabled == enabled {
		s.mu.Unlock()
		return
	}
	s.streamingEnabled = enabled
	s.mu.Unlock()

	if enabled {
		s.mgr.Connect()
	} else {
		s.abortStreamedExchange()
		s.asm.Reset()
		s.mgr.CloseGracefully()
	}
}

// Reconnect is the manual recovery path: it resets the reconnect budget and
// dials fresh, cancelling any scheduled automatic attempt.
func (s *Session) Reconnect() {
	if s == nil || s.mgr == nil {
		return
	}
	s.abortStreamedExchange()
	s.asm.Reset()
	s.mgr.Reconnect()
}

// Close tears the session down: clean transport close, all timers cancelled,
// in-flight stream discarded. The session cannot be reused afterwards.
func (s *Session) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.pending = false
	s.pendingQuestion = ""
	s.pendingStreamed = false
	s.mu.Unlock()

	s.asm.Reset()
	if s.mgr != nil {
		s.mgr.CloseGracefully()
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			log.Warn().Err(err).Str("component", "session").Msg("history store close failed")
		}
	}
	return nil
}

// ClearCache empties the response cache and its persisted blob.
func (s *Session) ClearCache() {
	if s == nil {
		return
	}
	s.cache.Clear()
}
