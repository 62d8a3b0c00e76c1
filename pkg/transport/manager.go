package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/jiminy/pkg/stream"
)

// State is the persistent connection lifecycle state. Only the Manager
// transitions it.
type State int

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

type Config struct {
	// URL is the websocket endpoint.
	URL string
	// APIKey is sent as an X-API-Key header on dial.
	APIKey string
	// MaxAttempts caps automatic reconnect attempts. Once exhausted the
	// manager stays closed until a manual Reconnect.
	MaxAttempts int
	// BaseInterval is the first reconnect delay; attempt n waits
	// BaseInterval * 2^(n-1), capped at 10 minutes.
	BaseInterval time.Duration
	// ConnectionTimeout bounds a single dial.
	ConnectionTimeout time.Duration
	// HeartbeatInterval is the keep-alive period while open. Zero disables
	// heartbeats.
	HeartbeatInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:       5,
		BaseInterval:      3 * time.Second,
		ConnectionTimeout: 10 * time.Second,
		HeartbeatInterval: 30 * time.Second,
	}
}

// Callbacks are invoked outside the manager's lock. OnFrame is called from a
// single read loop goroutine in arrival order.
type Callbacks struct {
	OnFrame       func(stream.Frame)
	OnStateChange func(State)
}

// wsConn is the slice of *websocket.Conn the manager needs; tests substitute
// an in-memory implementation.
type wsConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

type dialFunc func(ctx context.Context, url string, header http.Header) (wsConn, error)

func gorillaDial(ctx context.Context, url string, header http.Header) (wsConn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Manager owns the single live websocket connection, its timers, the pending
// message queue and the reconnect budget.
type Manager struct {
	cfg Config
	cb  Callbacks

	mu       sync.Mutex
	state    State
	conn     wsConn
	queue    []string
	attempts int
	// gen invalidates read loops and timer callbacks from earlier
	// connections; every fresh dial and every deliberate close bumps it.
	gen int

	connectTimer   *time.Timer
	reconnectTimer *time.Timer
	heartbeatTimer *time.Timer

	dial dialFunc
}

func NewManager(cfg Config, cb Callbacks) (*Manager, error) {
	if cfg.URL == "" {
		return nil, errors.New("transport manager: empty websocket URL")
	}
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BaseInterval <= 0 {
		cfg.BaseInterval = def.BaseInterval
	}
	if cfg.ConnectionTimeout <= 0 {
		cfg.ConnectionTimeout = def.ConnectionTimeout
	}
	return &Manager{
		cfg:   cfg,
		cb:    cb,
		state: StateClosed,
		dial:  gorillaDial,
	}, nil
}

func (m *Manager) State() State {
	if m == nil {
		return StateClosed
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) QueueLen() int {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

func (m *Manager) Attempts() int {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// Connect starts a connection attempt. It is a no-op unless the manager is
// currently closed.
func (m *Manager) Connect() {
	if m == nil {
		return
	}
	m.mu.Lock()
	if m.state != StateClosed {
		m.mu.Unlock()
		return
	}
	gen := m.beginConnectLocked()
	m.mu.Unlock()

	m.notify(StateConnecting)
	go m.doDial(gen)
}

// beginConnectLocked transitions Closed -> Connecting and arms the
// connection-timeout timer. Returns the new connection generation.
func (m *Manager) beginConnectLocked() int {
	m.state = StateConnecting
	m.gen++
	gen := m.gen
	m.stopTimerLocked(&m.connectTimer)
	m.connectTimer = time.AfterFunc(m.cfg.ConnectionTimeout, func() {
		m.onConnectTimeout(gen)
	})
	return gen
}

func (m *Manager) doDial(gen int) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ConnectionTimeout)
	defer cancel()

	header := http.Header{}
	if m.cfg.APIKey != "" {
		header.Set("X-API-Key", m.cfg.APIKey)
	}
	conn, err := m.dial(ctx, m.cfg.URL, header)

	m.mu.Lock()
	if m.gen != gen || m.state != StateConnecting {
		m.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		log.Warn().Err(err).Str("component", "transport").Str("url", m.cfg.URL).Msg("websocket dial failed")
		m.stopTimerLocked(&m.connectTimer)
		m.state = StateClosed
		m.scheduleReconnectLocked()
		m.mu.Unlock()
		m.notify(StateClosed)
		return
	}

	m.stopTimerLocked(&m.connectTimer)
	m.conn = conn
	m.state = StateOpen
	m.attempts = 0
	m.scheduleHeartbeatLocked(gen)
	m.drainQueueLocked()
	m.mu.Unlock()

	log.Info().Str("component", "transport").Str("url", m.cfg.URL).Msg("websocket connected")
	m.notify(StateOpen)
	go m.readLoop(conn, gen)
}

func (m *Manager) onConnectTimeout(gen int) {
	m.mu.Lock()
	if m.gen != gen || m.state != StateConnecting {
		m.mu.Unlock()
		return
	}
	log.Warn().Str("component", "transport").Dur("timeout", m.cfg.ConnectionTimeout).Msg("websocket connection attempt timed out")
	m.state = StateClosed
	m.scheduleReconnectLocked()
	m.mu.Unlock()
	m.notify(StateClosed)
}

func (m *Manager) readLoop(conn wsConn, gen int) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.handleConnClosed(gen, err)
			return
		}
		f, derr := stream.DecodeFrame(data)
		if derr != nil {
			log.Warn().Err(derr).Str("component", "transport").Msg("dropping undecodable frame")
			continue
		}
		if m.cb.OnFrame != nil {
			m.cb.OnFrame(f)
		}
	}
}

func (m *Manager) handleConnClosed(gen int, err error) {
	m.mu.Lock()
	if m.gen != gen {
		// A deliberate close or a newer connection already superseded us.
		m.mu.Unlock()
		return
	}
	m.stopTimerLocked(&m.heartbeatTimer)
	m.stopTimerLocked(&m.connectTimer)
	m.conn = nil
	m.state = StateClosed
	if isAbnormalClose(err) {
		log.Warn().Err(err).Str("component", "transport").Msg("websocket closed abnormally")
		m.scheduleReconnectLocked()
	} else {
		log.Info().Str("component", "transport").Msg("websocket closed")
	}
	m.mu.Unlock()
	m.notify(StateClosed)
}

func isAbnormalClose(err error) bool {
	if err == nil {
		return false
	}
	return !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}

// scheduleReconnectLocked arms the backoff timer for the next automatic
// attempt, or gives up when the budget is exhausted.
func (m *Manager) scheduleReconnectLocked() {
	if m.attempts >= m.cfg.MaxAttempts {
		log.Warn().Str("component", "transport").Int("attempts", m.attempts).Msg("reconnect budget exhausted, falling back to one-shot requests")
		return
	}
	m.attempts++
	delay := reconnectDelay(m.cfg.BaseInterval, m.attempts)
	log.Info().Str("component", "transport").Int("attempt", m.attempts).Dur("delay", delay).Msg("scheduling reconnect")
	m.stopTimerLocked(&m.reconnectTimer)
	m.reconnectTimer = time.AfterFunc(delay, m.attemptScheduledReconnect)
}

// maxReconnectDelay caps the exponential schedule so a large base or a deep
// attempt count cannot park the manager for hours.
const maxReconnectDelay = 10 * time.Minute

// reconnectDelay computes the deterministic exponential schedule
// BaseInterval * 2^(attempt-1), capped at maxReconnectDelay.
func reconnectDelay(base time.Duration, attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = maxReconnectDelay
	b.MaxElapsedTime = 0
	b.Reset()

	d := base
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	if d > maxReconnectDelay {
		d = maxReconnectDelay
	}
	return d
}

func (m *Manager) attemptScheduledReconnect() {
	m.mu.Lock()
	if m.state != StateClosed {
		m.mu.Unlock()
		return
	}
	gen := m.beginConnectLocked()
	m.mu.Unlock()

	m.notify(StateConnecting)
	go m.doDial(gen)
}

// Reconnect is a manual reconnect request: it cancels any scheduled automatic
// attempt, resets the budget, drops the current connection and dials fresh.
func (m *Manager) Reconnect() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.stopTimerLocked(&m.reconnectTimer)
	m.stopTimerLocked(&m.heartbeatTimer)
	m.stopTimerLocked(&m.connectTimer)
	m.attempts = 0
	m.closeConnLocked(websocket.CloseNormalClosure, "reconnecting")
	gen := m.beginConnectLocked()
	m.mu.Unlock()

	m.notify(StateConnecting)
	go m.doDial(gen)
}

// Send transmits message immediately when open. Otherwise the message joins
// the pending queue (triggering a connection attempt when closed) and queued
// is true. A write error is returned so the caller can fall back to the
// one-shot path.
func (m *Manager) Send(message string) (queued bool, err error) {
	if m == nil {
		return false, errors.New("transport manager is nil")
	}
	m.mu.Lock()
	if m.state == StateOpen {
		werr := m.writeJSONLocked(outboundMessage{Action: actionSendMessage, Message: message})
		m.mu.Unlock()
		if werr != nil {
			log.Warn().Err(werr).Str("component", "transport").Msg("websocket send failed")
			return false, errors.Wrap(werr, "websocket send")
		}
		return false, nil
	}
	m.queue = append(m.queue, message)
	needConnect := m.state == StateClosed
	m.mu.Unlock()

	if needConnect {
		m.Connect()
	}
	return true, nil
}

// CloseGracefully is the deliberate shutdown path: clean close frame, every
// timer cancelled, queue emptied, budget reset. It never triggers a
// reconnect. The manager may be connected again later.
func (m *Manager) CloseGracefully() {
	if m == nil {
		return
	}
	m.mu.Lock()
	if m.state == StateClosed && m.conn == nil && m.reconnectTimer == nil {
		m.stopAllTimersLocked()
		m.queue = nil
		m.attempts = 0
		m.mu.Unlock()
		return
	}
	m.state = StateClosing
	m.stopAllTimersLocked()
	m.queue = nil
	m.attempts = 0
	m.closeConnLocked(websocket.CloseNormalClosure, "session closed")
	m.state = StateClosed
	m.mu.Unlock()

	m.notify(StateClosing)
	m.notify(StateClosed)
}

// closeConnLocked sends a close frame, closes the connection and bumps the
// generation so the old read loop cannot schedule a reconnect.
func (m *Manager) closeConnLocked(code int, reason string) {
	if m.conn == nil {
		m.gen++
		return
	}
	deadline := time.Now().Add(time.Second)
	_ = m.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = m.conn.Close()
	m.conn = nil
	m.gen++
}

func (m *Manager) scheduleHeartbeatLocked(gen int) {
	if m.cfg.HeartbeatInterval <= 0 {
		return
	}
	m.stopTimerLocked(&m.heartbeatTimer)
	m.heartbeatTimer = time.AfterFunc(m.cfg.HeartbeatInterval, func() {
		m.beat(gen)
	})
}

func (m *Manager) beat(gen int) {
	m.mu.Lock()
	if m.gen != gen || m.state != StateOpen {
		m.mu.Unlock()
		return
	}
	if err := m.writeJSONLocked(outboundHeartbeat{Action: actionHeartbeat, SentAt: time.Now().UnixMilli()}); err != nil {
		// The read loop will observe the broken connection and recover.
		log.Warn().Err(err).Str("component", "transport").Msg("heartbeat send failed")
	}
	m.scheduleHeartbeatLocked(gen)
	m.mu.Unlock()
}

// drainQueueLocked sends pending messages in FIFO order. A message that fails
// mid-send stays at the head for redelivery (at-least-once).
func (m *Manager) drainQueueLocked() {
	for len(m.queue) > 0 {
		msg := m.queue[0]
		if err := m.writeJSONLocked(outboundMessage{Action: actionSendMessage, Message: msg}); err != nil {
			log.Warn().Err(err).Str("component", "transport").Int("pending", len(m.queue)).Msg("queue drain interrupted")
			return
		}
		m.queue = m.queue[1:]
	}
}

func (m *Manager) writeJSONLocked(v any) error {
	if m.conn == nil {
		return errors.New("no connection")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "marshal outbound frame")
	}
	return m.conn.WriteMessage(websocket.TextMessage, data)
}

func (m *Manager) stopTimerLocked(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

func (m *Manager) stopAllTimersLocked() {
	m.stopTimerLocked(&m.connectTimer)
	m.stopTimerLocked(&m.reconnectTimer)
	m.stopTimerLocked(&m.heartbeatTimer)
}

func (m *Manager) notify(s State) {
	if m.cb.OnStateChange != nil {
		m.cb.OnStateChange(s)
	}
}
