package conn

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mqy/minichat/protocol"
)

// fakeRelay accepts one websocket peer and records what it reads.
type fakeRelay struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu   sync.Mutex
	peer *websocket.Conn

	received chan []byte
}

func newFakeRelay(t *testing.T) *fakeRelay {
	r := &fakeRelay{received: make(chan []byte, 64)}
	r.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		ws, err := r.upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		r.mu.Lock()
		r.peer = ws
		r.mu.Unlock()
		for {
			_, raw, err := ws.ReadMessage()
			if err != nil {
				return
			}
			r.received <- raw
		}
	}))
	t.Cleanup(r.srv.Close)
	return r
}

func (r *fakeRelay) url() string {
	return "ws" + strings.TrimPrefix(r.srv.URL, "http")
}

func (r *fakeRelay) waitPeer(t *testing.T) *websocket.Conn {
	var ws *websocket.Conn
	require.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		ws = r.peer
		return ws != nil
	}, time.Second, 5*time.Millisecond)
	return ws
}

func (r *fakeRelay) push(t *testing.T, event string, payload interface{}) {
	raw, err := protocol.Encode(event, payload)
	require.NoError(t, err)
	require.NoError(t, r.waitPeer(t).WriteMessage(websocket.TextMessage, raw))
}

func (r *fakeRelay) next(t *testing.T) *protocol.Frame {
	select {
	case raw := <-r.received:
		f, err := protocol.Decode(raw)
		require.NoError(t, err)
		return f
	case <-time.After(time.Second):
		t.Fatal("relay did not receive a frame")
		return nil
	}
}

func dial(t *testing.T, r *fakeRelay, opts ...Option) *Conn {
	c := New(r.url(), opts...)
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(c.Close)
	return c
}

func TestSendReachesRelay(t *testing.T) {
	r := newFakeRelay(t)
	c := dial(t, r)
	assert.True(t, c.Connected())

	c.Send(protocol.EventTyping, &protocol.Typing{Author: "Ann"})
	f := r.next(t)
	assert.Equal(t, protocol.EventTyping, f.Event)
	assert.JSONEq(t, `{"author":"Ann"}`, string(f.Data))

	c.Send(protocol.EventStopTyping, nil)
	f = r.next(t)
	assert.Equal(t, protocol.EventStopTyping, f.Event)
	assert.Empty(t, f.Data)
}

func TestDispatchInOrder(t *testing.T) {
	r := newFakeRelay(t)
	c := dial(t, r)

	got := make(chan string, 100)
	c.On(protocol.EventMessage, func(data json.RawMessage) {
		m, err := protocol.DecodeMessage(data)
		assert.NoError(t, err)
		got <- m.Text
	})

	const n = 50
	for i := 0; i < n; i++ {
		r.push(t, protocol.EventMessage, &protocol.Message{Author: "Bob", Text: fmt.Sprintf("%d", i)})
	}
	for i := 0; i < n; i++ {
		select {
		case text := <-got:
			assert.Equal(t, fmt.Sprintf("%d", i), text)
		case <-time.After(time.Second):
			t.Fatalf("missing frame %d", i)
		}
	}
}

func TestOnReplacesHandler(t *testing.T) {
	r := newFakeRelay(t)
	c := dial(t, r)

	var mu sync.Mutex
	calls := map[string]int{}
	first := c.On(protocol.EventTyping, func(json.RawMessage) {
		mu.Lock()
		calls["first"]++
		mu.Unlock()
	})
	c.On(protocol.EventTyping, func(json.RawMessage) {
		mu.Lock()
		calls["second"]++
		mu.Unlock()
	})
	assert.Equal(t, 1, c.HandlerCount())

	// releasing a replaced subscription must not drop the current handler
	first.Release()
	assert.Equal(t, 1, c.HandlerCount())

	r.push(t, protocol.EventTyping, &protocol.Typing{Author: "Bob"})
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls["second"] == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, 0, calls["first"])
	mu.Unlock()
}

func TestSubscriptionRelease(t *testing.T) {
	c := New("ws://127.0.0.1:1")
	sub := c.On(protocol.EventMessage, func(json.RawMessage) {})
	assert.Equal(t, protocol.EventMessage, sub.Event())
	assert.Equal(t, 1, c.HandlerCount())

	sub.Release()
	sub.Release()
	assert.Equal(t, 0, c.HandlerCount())

	var zero Subscription
	zero.Release()
}

func TestTeardownIsIdempotent(t *testing.T) {
	r := newFakeRelay(t)
	c := dial(t, r)

	called := make(chan struct{}, 1)
	c.On(protocol.EventMessage, func(json.RawMessage) { called <- struct{}{} })
	c.On(protocol.EventTyping, func(json.RawMessage) { called <- struct{}{} })
	require.Equal(t, 2, c.HandlerCount())

	c.Teardown()
	c.Teardown()
	assert.Equal(t, 0, c.HandlerCount())

	r.push(t, protocol.EventMessage, &protocol.Message{Author: "Bob", Text: "hi"})
	select {
	case <-called:
		t.Fatal("handler fired after teardown")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSendWhileDisconnectedIsDropped(t *testing.T) {
	c := New("ws://127.0.0.1:1")
	assert.False(t, c.Connected())
	assert.NotPanics(t, func() {
		c.Send(protocol.EventMessage, &protocol.Message{Author: "Ann", Text: "lost"})
	})
}

func TestLifecycleNotifications(t *testing.T) {
	r := newFakeRelay(t)
	c := New(r.url())

	connected := make(chan struct{}, 1)
	disconnected := make(chan struct{}, 2)
	c.OnConnected(func() { connected <- struct{}{} })
	c.OnDisconnected(func() { disconnected <- struct{}{} })

	require.NoError(t, c.Connect(context.Background()))
	defer c.Close()

	select {
	case <-connected:
	case <-time.After(time.Second):
		t.Fatal("no connected notification")
	}

	// relay goes away
	require.NoError(t, r.waitPeer(t).Close())

	select {
	case <-disconnected:
	case <-time.After(time.Second):
		t.Fatal("no disconnected notification")
	}
	assert.False(t, c.Connected())

	// no reconnection, sends are silently dropped
	c.Send(protocol.EventMessage, &protocol.Message{Author: "Ann", Text: "lost"})
	select {
	case <-disconnected:
		t.Fatal("disconnected notified twice")
	case <-time.After(50 * time.Millisecond):
	}
	assert.ErrorIs(t, c.Connect(context.Background()), ErrClosed)
	assert.False(t, c.Connected())
}

func TestConnectErrors(t *testing.T) {
	r := newFakeRelay(t)
	c := dial(t, r)
	assert.ErrorIs(t, c.Connect(context.Background()), ErrAlreadyConnected)

	c.Close()
	c.Close()
	assert.False(t, c.Connected())
	assert.ErrorIs(t, c.Connect(context.Background()), ErrClosed)

	bad := New("ws://127.0.0.1:1")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.Error(t, bad.Connect(ctx))
	assert.False(t, bad.Connected())
}

func TestSendDropsOversizedFrame(t *testing.T) {
	r := newFakeRelay(t)
	c := dial(t, r, WithSendLimit(256))

	c.Send(protocol.EventMessage, &protocol.Message{Author: "Ann", Text: strings.Repeat("x", 300)})
	c.Send(protocol.EventMessage, &protocol.Message{Author: "Ann", Text: "short"})

	m, err := protocol.DecodeMessage(r.next(t).Data)
	require.NoError(t, err)
	assert.Equal(t, "short", m.Text)
	assert.True(t, c.Connected())
}

func TestReceivesFramesAboveDefaultSendLimit(t *testing.T) {
	r := newFakeRelay(t)
	c := dial(t, r)

	got := make(chan string, 1)
	c.On(protocol.EventMessage, func(data json.RawMessage) {
		m, err := protocol.DecodeMessage(data)
		assert.NoError(t, err)
		got <- m.Text
	})

	text := strings.Repeat("<", 3*protocol.DefaultMaxFrameBytes)
	r.push(t, protocol.EventMessage, &protocol.Message{Author: "Bob", Text: text})

	select {
	case s := <-got:
		assert.Equal(t, text, s)
	case <-time.After(time.Second):
		t.Fatal("large frame not dispatched")
	}
	assert.True(t, c.Connected())
}

func TestReadLimitOption(t *testing.T) {
	r := newFakeRelay(t)
	disconnected := make(chan struct{}, 1)
	c := New(r.url(), WithReadLimit(512))
	c.OnDisconnected(func() { disconnected <- struct{}{} })
	require.NoError(t, c.Connect(context.Background()))
	defer c.Close()

	r.push(t, protocol.EventMessage, &protocol.Message{Author: "Bob", Text: strings.Repeat("x", 1024)})
	select {
	case <-disconnected:
	case <-time.After(time.Second):
		t.Fatal("frame over the read limit did not end the connection")
	}
}

func TestCloseFlushesQueuedFrames(t *testing.T) {
	r := newFakeRelay(t)
	c := New(r.url())
	require.NoError(t, c.Connect(context.Background()))

	const n = 20
	for i := 0; i < n; i++ {
		c.Send(protocol.EventTyping, &protocol.Typing{Author: fmt.Sprintf("%d", i)})
	}
	c.Send(protocol.EventStopTyping, &protocol.StopTyping{Author: "Ann"})
	c.Close()

	for i := 0; i < n; i++ {
		assert.Equal(t, protocol.EventTyping, r.next(t).Event)
	}
	assert.Equal(t, protocol.EventStopTyping, r.next(t).Event)

	// sends after close go nowhere.
	c.Send(protocol.EventStopTyping, nil)
	select {
	case raw := <-r.received:
		t.Fatalf("unexpected frame after close: %s", raw)
	case <-time.After(50 * time.Millisecond):
	}
}
