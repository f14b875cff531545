// Package engine binds local user actions and relay events to the session
// state of one chat participant.
package engine

import (
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/mqy/minichat/conn"
	"github.com/mqy/minichat/presence"
	"github.com/mqy/minichat/protocol"
	"github.com/mqy/minichat/session"
)

var (
	ErrEmptyName     = errors.New("engine: display name is empty")
	ErrEmptyText     = errors.New("engine: message text is empty")
	ErrTooLong       = errors.New("engine: message too long")
	ErrNotJoined     = errors.New("engine: not joined")
	ErrAlreadyJoined = errors.New("engine: already joined")
	ErrClosed        = errors.New("engine: closed")
)

type State int32

const (
	AwaitingIdentity State = iota
	Active
	Closed
)

func (s State) String() string {
	switch s {
	case AwaitingIdentity:
		return "awaiting_identity"
	case Active:
		return "active"
	case Closed:
		return "closed"
	}
	return "unknown"
}

type Option func(*Engine)

// WithIdle sets the presence idle duration, presence.DefaultIdle by default.
func WithIdle(d time.Duration) Option {
	return func(e *Engine) { e.idle = d }
}

// WithMaxFrameBytes sets the largest message frame Send accepts; it should
// match the relay's limit. protocol.DefaultMaxFrameBytes by default.
func WithMaxFrameBytes(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxFrame = n
		}
	}
}

// WithClock sets the clock used to stamp outbound messages.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine is the sync engine of one participant. Messages sent locally are
// appended only when the relay echoes them back, so every participant sees
// the relay's order.
type Engine struct {
	sync.RWMutex

	conn     conn.IConn
	store    *session.Store
	idle     time.Duration
	maxFrame int
	now      func() time.Time

	state     State
	identity  string
	draft     string
	debouncer *presence.Debouncer
	subs      []*conn.Subscription
}

func New(c conn.IConn, opts ...Option) *Engine {
	e := &Engine{
		conn:     c,
		store:    session.NewStore(),
		idle:     presence.DefaultIdle,
		maxFrame: protocol.DefaultMaxFrameBytes,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Join sets the display name and enters the Active state with an empty session.
func (e *Engine) Join(name string) error {
	name = strings.TrimSpace(name)

	e.Lock()
	defer e.Unlock()
	switch e.state {
	case Active:
		return ErrAlreadyJoined
	case Closed:
		return ErrClosed
	}
	if name == "" {
		return ErrEmptyName
	}

	e.identity = name
	e.debouncer = presence.New(name, e.idle, &emitter{conn: e.conn})
	e.store.Reset()
	e.subs = []*conn.Subscription{
		e.conn.On(protocol.EventMessage, e.onMessage),
		e.conn.On(protocol.EventTyping, e.onTyping),
		e.conn.On(protocol.EventStopTyping, e.onStopTyping),
	}
	e.state = Active

	glog.Infof("engine: joined as %q", name)
	return nil
}

// Send transmits text as a message from the local identity and ends the
// local typing edge. The message shows up in the session once the relay
// delivers it back. Text whose frame would exceed the relay's limit is
// rejected with ErrTooLong and nothing is sent.
func (e *Engine) Send(text string) error {
	e.Lock()
	if err := e.checkActiveLocked(); err != nil {
		e.Unlock()
		return err
	}
	if strings.TrimSpace(text) == "" {
		e.Unlock()
		return ErrEmptyText
	}
	msg := &protocol.Message{
		Author: e.identity,
		Text:   text,
		SentAt: e.now(),
	}
	if raw, err := protocol.Encode(protocol.EventMessage, msg); err != nil || len(raw) > e.maxFrame {
		e.Unlock()
		return ErrTooLong
	}
	e.draft = ""
	d := e.debouncer
	e.Unlock()

	e.conn.Send(protocol.EventMessage, msg)
	d.Flush()
	return nil
}

// OnLocalEdit signals a local keystroke or input change.
func (e *Engine) OnLocalEdit() error {
	e.RLock()
	if err := e.checkActiveLocked(); err != nil {
		e.RUnlock()
		return err
	}
	d := e.debouncer
	e.RUnlock()

	d.OnLocalEdit()
	return nil
}

// Edit replaces the input buffer with text and signals a local edit.
func (e *Engine) Edit(text string) error {
	e.Lock()
	if err := e.checkActiveLocked(); err != nil {
		e.Unlock()
		return err
	}
	e.draft = text
	d := e.debouncer
	e.Unlock()

	d.OnLocalEdit()
	return nil
}

// Draft returns the input buffer.
func (e *Engine) Draft() string {
	e.RLock()
	defer e.RUnlock()
	return e.draft
}

// Submit sends the input buffer. The buffer is cleared on success.
func (e *Engine) Submit() error {
	return e.Send(e.Draft())
}

// Clear empties the local view of the conversation. Peers are not told.
func (e *Engine) Clear() error {
	e.RLock()
	err := e.checkActiveLocked()
	e.RUnlock()
	if err != nil {
		return err
	}
	e.store.Clear()
	return nil
}

// Close releases the relay subscriptions and the idle timer. An outstanding
// typing edge is closed so peers do not keep a stale indicator.
func (e *Engine) Close() {
	e.Lock()
	if e.state == Closed {
		e.Unlock()
		return
	}
	e.state = Closed
	subs := e.subs
	e.subs = nil
	d := e.debouncer
	e.Unlock()

	for _, sub := range subs {
		sub.Release()
	}
	if d != nil {
		d.Stop()
	}
	glog.Infof("engine: closed")
}

func (e *Engine) State() State {
	e.RLock()
	defer e.RUnlock()
	return e.state
}

// Identity returns the display name, empty before Join.
func (e *Engine) Identity() string {
	e.RLock()
	defer e.RUnlock()
	return e.identity
}

// Session returns a read-only view of the session state.
func (e *Engine) Session() session.View {
	return e.store
}

// IsMine reports whether m is attributed to the local identity. Two peers
// using the same name cannot be told apart.
func (e *Engine) IsMine(m protocol.Message) bool {
	e.RLock()
	defer e.RUnlock()
	return e.identity != "" && m.Author == e.identity
}

func (e *Engine) checkActiveLocked() error {
	switch e.state {
	case AwaitingIdentity:
		return ErrNotJoined
	case Closed:
		return ErrClosed
	}
	return nil
}

func (e *Engine) active() bool {
	e.RLock()
	defer e.RUnlock()
	return e.state == Active
}

func (e *Engine) onMessage(data json.RawMessage) {
	if !e.active() {
		return
	}
	m, err := protocol.DecodeMessage(data)
	if err != nil {
		glog.Errorf("engine: drop inbound message: %v", err)
		return
	}
	e.store.AppendMessage(m)
}

func (e *Engine) onTyping(data json.RawMessage) {
	if !e.active() {
		return
	}
	t, err := protocol.DecodeTyping(data)
	if err != nil {
		glog.Errorf("engine: drop inbound typing: %v", err)
		return
	}
	if t.Author == "" {
		glog.Errorf("engine: drop inbound typing without author")
		return
	}
	e.store.SetTyper(t.Author)
}

// onStopTyping clears the indicator. A stop naming someone other than the
// current typer is stale and ignored; a stop without a name always clears.
func (e *Engine) onStopTyping(data json.RawMessage) {
	if !e.active() {
		return
	}
	s, err := protocol.DecodeStopTyping(data)
	if err != nil {
		glog.Errorf("engine: drop inbound stopTyping: %v", err)
		return
	}
	if s.Author != "" {
		if cur, ok := e.store.Typer(); ok && cur != s.Author {
			glog.V(5).Infof("engine: ignore stale stopTyping from %q, typer is %q", s.Author, cur)
			return
		}
	}
	e.store.ClearTyper()
}

// emitter forwards presence edges to the relay.
type emitter struct {
	conn conn.IConn
}

func (em *emitter) Typing(author string) {
	em.conn.Send(protocol.EventTyping, &protocol.Typing{Author: author})
}

func (em *emitter) StopTyping(author string) {
	em.conn.Send(protocol.EventStopTyping, &protocol.StopTyping{Author: author})
}
