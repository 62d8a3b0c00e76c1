package stream

import (
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Callbacks receive assembly results. All callbacks are invoked from the
// goroutine that feeds Handle, in frame arrival order.
type Callbacks struct {
	// OnProgress is called on stream start and after every chunk with the
	// partial text accumulated so far.
	OnProgress func(partial string)
	// OnFinal is called once per exchange with the originating question and
	// the authoritative final text.
	OnFinal func(question, text string)
	// OnError is called when the server reports an error frame; the current
	// exchange is over.
	OnError func(message string)
}

type accumulator struct {
	question  string
	parts     []string
	startedAt time.Time
}

func (a *accumulator) text() string {
	return strings.Join(a.parts, "")
}

// Assembler turns a framed event sequence into a single logical response.
// At most one accumulator is live at a time; a second start while one is
// active is a protocol violation and leaves the accumulator untouched.
type Assembler struct {
	mu      sync.Mutex
	cb      Callbacks
	pending string
	active  *accumulator
}

func NewAssembler(cb Callbacks) *Assembler {
	return &Assembler{cb: cb}
}

// Expect records the question the next stream answers. The session calls this
// when it dispatches a message over the persistent transport.
func (a *Assembler) Expect(question string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	a.pending = question
	a.mu.Unlock()
}

// Active reports whether a stream is currently being assembled.
func (a *Assembler) Active() bool {
	if a == nil {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active != nil
}

// Reset discards any in-flight accumulator without callbacks. Used on
// teardown and reconnect so a stale stream cannot finalize later.
func (a *Assembler) Reset() {
	if a == nil {
		return
	}
	a.mu.Lock()
	a.active = nil
	a.pending = ""
	a.mu.Unlock()
}

// Handle processes one inbound frame.
func (a *Assembler) Handle(f Frame) {
	if a == nil {
		return
	}
	switch f.Type {
	case FrameStart:
		a.handleStart()
	case FrameChunk:
		a.handleChunk(f)
	case FrameEnd:
		a.handleEnd(f)
	case FrameError:
		a.handleError(f)
	case FrameHeartbeat:
		// Keep-alive acknowledgement; nothing to assemble.
	default:
		log.Debug().Str("component", "stream").Str("type", f.Type).Msg("ignoring unrecognized frame")
	}
}

func (a *Assembler) handleStart() {
	a.mu.Lock()
	if a.active != nil {
		a.mu.Unlock()
		log.Warn().Str("component", "stream").Msg("stream start while a stream is active, ignoring")
		return
	}
	a.active = &accumulator{
		question:  a.pending,
		startedAt: time.Now(),
	}
	cb := a.cb.OnProgress
	a.mu.Unlock()

	if cb != nil {
		cb("")
	}
}

func (a *Assembler) handleChunk(f Frame) {
	a.mu.Lock()
	if a.active == nil {
		a.mu.Unlock()
		log.Debug().Str("component", "stream").Msg("chunk with no active stream, ignoring")
		return
	}
	a.active.parts = append(a.active.parts, f.Text)
	partial := a.active.text()
	cb := a.cb.OnProgress
	a.mu.Unlock()

	if cb != nil {
		cb(partial)
	}
}

func (a *Assembler) handleEnd(f Frame) {
	a.mu.Lock()
	if a.active == nil {
		a.mu.Unlock()
		log.Debug().Str("component", "stream").Msg("end with no active stream, ignoring")
		return
	}
	// The end frame's explicit text is authoritative when the server sends
	// one; otherwise the final text is the concatenation of the chunks.
	final := f.Text
	if final == "" {
		final = a.active.text()
	}
	question := a.active.question
	a.active = nil
	a.pending = ""
	cb := a.cb.OnFinal
	a.mu.Unlock()

	if cb != nil {
		cb(question, final)
	}
}

func (a *Assembler) handleError(f Frame) {
	a.mu.Lock()
	if a.active == nil && a.pending == "" {
		a.mu.Unlock()
		log.Debug().Str("component", "stream").Str("error", f.Error).Msg("error frame with no exchange in flight, ignoring")
		return
	}
	a.active = nil
	a.pending = ""
	cb := a.cb.OnError
	a.mu.Unlock()

	msg := f.Error
	if f.Details != "" {
		msg = msg + ": " + f.Details
	}
	if cb != nil {
		cb(msg)
	}
	log.Warn().Str("component", "stream").Str("error", f.Error).Str("details", f.Details).Msg("stream errored")
}
