// Package conn manages the websocket event channel between a chat client and the relay.
package conn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/mqy/minichat/protocol"
)

const (
	// Time allowed to write a frame to the relay.
	writeWait = 3 * time.Second

	// Default time allowed between two inbound frames or pings.
	defaultReadTimeout = 60 * time.Second

	defaultBufferSize = 64
)

var (
	ErrClosed           = errors.New("conn: closed")
	ErrAlreadyConnected = errors.New("conn: already connected")
)

// HandlerFunc receives the raw data of an inbound frame.
type HandlerFunc func(data json.RawMessage)

// IConn is the part of a connection the sync engine depends on.
type IConn interface {
	// Send transmits a named event. It never blocks and never reports
	// delivery: frames are dropped when the channel is down.
	Send(event string, payload interface{})

	// On registers fn for event, replacing any previous handler.
	On(event string, fn HandlerFunc) *Subscription
}

// Subscription is the handle of one handler registration.
type Subscription struct {
	event string
	id    uint64
	c     *Conn
	once  sync.Once
}

func (s *Subscription) Event() string {
	return s.event
}

// Release removes the registration if it is still the current handler for
// its event. Release is idempotent and safe on a zero Subscription.
func (s *Subscription) Release() {
	s.once.Do(func() {
		if s.c != nil {
			s.c.release(s)
		}
	})
}

type registration struct {
	id uint64
	fn HandlerFunc
}

type Option func(*Conn)

func WithDialer(d *websocket.Dialer) Option {
	return func(c *Conn) { c.dialer = d }
}

func WithHeader(h http.Header) Option {
	return func(c *Conn) { c.header = h }
}

// WithBufferSize sets the number of outbound frames queued before Send drops.
func WithBufferSize(n int) Option {
	return func(c *Conn) {
		if n > 0 {
			c.bufSize = n
		}
	}
}

// WithReadLimit sets the largest inbound frame accepted. A larger frame ends
// the connection, so it must not be below the relay's limit. The default
// accepts anything a relay may be configured to forward.
func WithReadLimit(n int64) Option {
	return func(c *Conn) {
		if n > 0 {
			c.readLimit = n
		}
	}
}

// WithSendLimit sets the largest outbound frame. Larger frames are dropped
// locally instead of being rejected by the relay.
func WithSendLimit(n int) Option {
	return func(c *Conn) {
		if n > 0 {
			c.sendLimit = n
		}
	}
}

// WithReadTimeout sets how long the channel may stay silent, pings included,
// before it is considered lost. Zero disables the deadline.
func WithReadTimeout(d time.Duration) Option {
	return func(c *Conn) { c.readTimeout = d }
}

// Conn is one logical bidirectional event channel to the relay.
type Conn struct {
	sync.Mutex

	url         string
	dialer      *websocket.Dialer
	header      http.Header
	bufSize     int
	readTimeout time.Duration
	readLimit   int64
	sendLimit   int

	ws       *websocket.Conn
	dataChan chan []byte
	sendDone chan struct{}
	dialing  bool
	closing  bool
	dropped  bool

	handlers map[string]*registration
	nextId   uint64

	onConnected    func()
	onDisconnected func()
}

func New(url string, opts ...Option) *Conn {
	c := &Conn{
		url:         url,
		dialer:      websocket.DefaultDialer,
		bufSize:     defaultBufferSize,
		readTimeout: defaultReadTimeout,
		readLimit:   protocol.MaxFrameBytes,
		sendLimit:   protocol.DefaultMaxFrameBytes,
		handlers:    make(map[string]*registration),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Conn) String() string {
	return c.url
}

// Connect dials the relay and starts the read and write loops. There is no
// reconnection: once a connection is lost Connect returns ErrClosed and a new
// Conn must be created.
func (c *Conn) Connect(ctx context.Context) error {
	c.Lock()
	if c.closing || c.dropped {
		c.Unlock()
		return ErrClosed
	}
	if c.ws != nil || c.dialing {
		c.Unlock()
		return ErrAlreadyConnected
	}
	c.dialing = true
	c.Unlock()

	ws, _, err := c.dialer.DialContext(ctx, c.url, c.header)

	c.Lock()
	c.dialing = false
	if err != nil {
		c.Unlock()
		return fmt.Errorf("dial %s: %w", c.url, err)
	}
	if c.closing {
		c.Unlock()
		_ = ws.Close()
		return ErrClosed
	}
	c.ws = ws
	c.dataChan = make(chan []byte, c.bufSize)
	c.sendDone = make(chan struct{})
	dataChan, sendDone := c.dataChan, c.sendDone
	fn := c.onConnected
	c.Unlock()

	glog.Infof("conn: connected to %s", c.url)

	go c.recvLoop(ws)
	go c.sendLoop(ws, dataChan, sendDone)

	if fn != nil {
		fn()
	}
	return nil
}

// Connected reports whether the channel is up.
func (c *Conn) Connected() bool {
	c.Lock()
	defer c.Unlock()
	return c.ws != nil
}

// Send implements IConn.
func (c *Conn) Send(event string, payload interface{}) {
	raw, err := protocol.Encode(event, payload)
	if err != nil {
		glog.Errorf("conn: encode %s: %v", event, err)
		eventsDropped.WithLabelValues(event, "encode").Inc()
		return
	}
	if len(raw) > c.sendLimit {
		glog.Errorf("conn: drop %s, %d bytes exceeds limit %d", event, len(raw), c.sendLimit)
		eventsDropped.WithLabelValues(event, "too_large").Inc()
		return
	}

	c.Lock()
	defer c.Unlock()
	if c.ws == nil || c.dataChan == nil {
		glog.V(5).Infof("conn: drop %s, not connected", event)
		eventsDropped.WithLabelValues(event, "disconnected").Inc()
		return
	}
	select {
	case c.dataChan <- raw:
		eventsSent.WithLabelValues(event).Inc()
	default:
		glog.Errorf("conn: drop %s, outbound buffer full", event)
		eventsDropped.WithLabelValues(event, "buffer_full").Inc()
	}
}

// On implements IConn.
func (c *Conn) On(event string, fn HandlerFunc) *Subscription {
	c.Lock()
	defer c.Unlock()
	c.nextId++
	if _, ok := c.handlers[event]; ok {
		glog.V(5).Infof("conn: replace handler of %s", event)
	}
	c.handlers[event] = &registration{id: c.nextId, fn: fn}
	return &Subscription{event: event, id: c.nextId, c: c}
}

func (c *Conn) release(s *Subscription) {
	c.Lock()
	defer c.Unlock()
	if r, ok := c.handlers[s.event]; ok && r.id == s.id {
		delete(c.handlers, s.event)
	}
}

// OnConnected sets the function called after the channel is established.
func (c *Conn) OnConnected(fn func()) {
	c.Lock()
	c.onConnected = fn
	c.Unlock()
}

// OnDisconnected sets the function called once when the channel is lost or closed.
func (c *Conn) OnDisconnected(fn func()) {
	c.Lock()
	c.onDisconnected = fn
	c.Unlock()
}

// HandlerCount returns the number of live event handlers.
func (c *Conn) HandlerCount() int {
	c.Lock()
	defer c.Unlock()
	return len(c.handlers)
}

// Teardown unregisters every handler, lifecycle ones included. It may be
// called any number of times.
func (c *Conn) Teardown() {
	c.Lock()
	if len(c.handlers) > 0 {
		glog.V(5).Infof("conn: teardown %d handlers", len(c.handlers))
	}
	c.handlers = make(map[string]*registration)
	c.onConnected = nil
	c.onDisconnected = nil
	c.Unlock()
}

// Close tears down handlers and closes the channel. Frames already queued by
// Send are written before the close frame. Close is idempotent.
func (c *Conn) Close() {
	c.Teardown()

	c.Lock()
	if c.closing {
		c.Unlock()
		return
	}
	c.closing = true
	ws := c.ws
	var sendDone chan struct{}
	if ws != nil {
		close(c.dataChan)
		c.dataChan = nil
		sendDone = c.sendDone
	}
	c.Unlock()

	if ws != nil {
		select {
		case <-sendDone:
		case <-time.After(writeWait):
			glog.Errorf("conn: outbound queue not drained in %v", writeWait)
		}
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		c.drop(ws)
	}
}

// drop releases ws once, whoever notices first.
func (c *Conn) drop(ws *websocket.Conn) {
	c.Lock()
	if c.ws != ws {
		c.Unlock()
		return
	}
	c.ws = nil
	c.dropped = true
	if c.dataChan != nil {
		close(c.dataChan)
		c.dataChan = nil
	}
	fn := c.onDisconnected
	c.Unlock()

	_ = ws.Close()
	glog.Infof("conn: disconnected from %s", c.url)

	if fn != nil {
		fn()
	}
}

func (c *Conn) extendDeadline(ws *websocket.Conn) {
	if c.readTimeout > 0 {
		_ = ws.SetReadDeadline(time.Now().Add(c.readTimeout))
	}
}

func (c *Conn) recvLoop(ws *websocket.Conn) {
	defer func() { glog.V(5).Infof("conn: recvLoop exited, %s", c) }()

	ws.SetReadLimit(c.readLimit)
	c.extendDeadline(ws)
	ws.SetPingHandler(func(appData string) error {
		c.extendDeadline(ws)
		err := ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})

	for {
		msgType, raw, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				glog.Errorf("conn: read error: %v", err)
			}
			c.drop(ws)
			return
		}
		c.extendDeadline(ws)

		if msgType != websocket.TextMessage {
			glog.Errorf("conn: unexpected message type: %d", msgType)
			continue
		}

		glog.V(5).Infof("conn: inbound frame: %s", raw)
		f, err := protocol.Decode(raw)
		if err != nil {
			glog.Errorf("conn: bad frame: %v", err)
			continue
		}
		eventsReceived.WithLabelValues(f.Event).Inc()
		c.dispatch(f)
	}
}

func (c *Conn) dispatch(f *protocol.Frame) {
	c.Lock()
	r, ok := c.handlers[f.Event]
	c.Unlock()
	if !ok {
		glog.V(5).Infof("conn: no handler for %s", f.Event)
		return
	}
	r.fn(f.Data)
}

func (c *Conn) sendLoop(ws *websocket.Conn, dataChan <-chan []byte, done chan<- struct{}) {
	defer func() {
		close(done)
		glog.V(5).Infof("conn: sendLoop exited, %s", c)
	}()

	for raw := range dataChan {
		_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
		if err := ws.WriteMessage(websocket.TextMessage, raw); err != nil {
			glog.Errorf("conn: write error: %v", err)
			// recvLoop notices the broken socket and drops it.
			_ = ws.Close()
			return
		}
	}
}
