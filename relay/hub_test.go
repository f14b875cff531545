package relay

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mqy/minichat/protocol"
)

const waitFor = 2 * time.Second

type testRelay struct {
	hub    *Hub
	srv    *httptest.Server
	cancel context.CancelFunc
}

func startRelay(t *testing.T) *testRelay {
	t.Helper()

	hub := NewHub(NewLocalBroker(), nil)
	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&hub.online) == 1
	}, waitFor, 5*time.Millisecond)

	return &testRelay{hub: hub, srv: srv, cancel: cancel}
}

func (r *testRelay) url() string {
	return "ws" + strings.TrimPrefix(r.srv.URL, "http")
}

func (r *testRelay) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	want := r.hub.PeerCount() + 1

	ws, _, err := websocket.DefaultDialer.Dial(r.url(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })

	require.Eventually(t, func() bool {
		return r.hub.PeerCount() == want
	}, waitFor, 5*time.Millisecond)
	return ws
}

func send(t *testing.T, ws *websocket.Conn, event string, payload interface{}) {
	t.Helper()
	raw, err := protocol.Encode(event, payload)
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, raw))
}

func next(t *testing.T, ws *websocket.Conn) *protocol.Frame {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(waitFor)))
	msgType, raw, err := ws.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, msgType)

	f, err := protocol.Decode(raw)
	require.NoError(t, err)
	return f
}

func nextMessage(t *testing.T, ws *websocket.Conn) *protocol.Message {
	t.Helper()
	f := next(t, ws)
	require.Equal(t, protocol.EventMessage, f.Event)
	m, err := protocol.DecodeMessage(f.Data)
	require.NoError(t, err)
	return &m
}

func TestHubMessageReachesEveryPeer(t *testing.T) {
	r := startRelay(t)
	ann := r.dial(t)
	bob := r.dial(t)

	send(t, ann, protocol.EventMessage, &protocol.Message{Author: "Ann", Text: "hi"})

	for _, ws := range []*websocket.Conn{ann, bob} {
		m := nextMessage(t, ws)
		assert.Equal(t, "Ann", m.Author)
		assert.Equal(t, "hi", m.Text)
	}
}

func TestHubPresenceSkipsOrigin(t *testing.T) {
	r := startRelay(t)
	ann := r.dial(t)
	bob := r.dial(t)

	send(t, ann, protocol.EventTyping, &protocol.Typing{Author: "Ann"})
	send(t, ann, protocol.EventStopTyping, &protocol.StopTyping{Author: "Ann"})
	send(t, ann, protocol.EventMessage, &protocol.Message{Author: "Ann", Text: "marker"})

	// the origin sees only its own message.
	assert.Equal(t, "marker", nextMessage(t, ann).Text)

	f := next(t, bob)
	assert.Equal(t, protocol.EventTyping, f.Event)
	typing, err := protocol.DecodeTyping(f.Data)
	require.NoError(t, err)
	assert.Equal(t, "Ann", typing.Author)

	f = next(t, bob)
	assert.Equal(t, protocol.EventStopTyping, f.Event)

	assert.Equal(t, "marker", nextMessage(t, bob).Text)
}

func TestHubOrderIsShared(t *testing.T) {
	r := startRelay(t)
	ann := r.dial(t)
	bob := r.dial(t)

	for _, text := range []string{"1", "2", "3"} {
		send(t, ann, protocol.EventMessage, &protocol.Message{Author: "Ann", Text: text})
	}
	for _, ws := range []*websocket.Conn{ann, bob} {
		var got []string
		for i := 0; i < 3; i++ {
			got = append(got, nextMessage(t, ws).Text)
		}
		assert.Equal(t, []string{"1", "2", "3"}, got)
	}
}

func TestHubDropsBadFrames(t *testing.T) {
	r := startRelay(t)
	ann := r.dial(t)
	bob := r.dial(t)

	require.NoError(t, ann.WriteMessage(websocket.TextMessage, []byte(`not json`)))
	send(t, ann, "shout", &protocol.Typing{Author: "Ann"})
	send(t, ann, protocol.EventMessage, &protocol.Message{Author: "Ann"})
	send(t, ann, protocol.EventTyping, &protocol.Typing{})
	send(t, ann, protocol.EventMessage, &protocol.Message{Author: "Ann", Text: "ok"})

	assert.Equal(t, "ok", nextMessage(t, bob).Text)
	assert.Equal(t, "ok", nextMessage(t, ann).Text)
	assert.Equal(t, 2, r.hub.PeerCount())
}

func TestHubBinaryFrameClosesPeer(t *testing.T) {
	r := startRelay(t)
	ann := r.dial(t)
	r.dial(t)

	require.NoError(t, ann.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3}))

	require.NoError(t, ann.SetReadDeadline(time.Now().Add(waitFor)))
	_, _, err := ann.ReadMessage()
	var ce *websocket.CloseError
	require.True(t, errors.As(err, &ce), "got %v", err)
	assert.Equal(t, websocket.CloseUnsupportedData, ce.Code)

	assert.Eventually(t, func() bool {
		return r.hub.PeerCount() == 1
	}, waitFor, 5*time.Millisecond)
}

func TestHubPeerLeaves(t *testing.T) {
	r := startRelay(t)
	ann := r.dial(t)
	bob := r.dial(t)

	require.NoError(t, ann.Close())
	assert.Eventually(t, func() bool {
		return r.hub.PeerCount() == 1
	}, waitFor, 5*time.Millisecond)

	// the remaining peer keeps working.
	send(t, bob, protocol.EventMessage, &protocol.Message{Author: "Bob", Text: "alone"})
	assert.Equal(t, "alone", nextMessage(t, bob).Text)
}

func TestHubNotServingBeforeRun(t *testing.T) {
	hub := NewHub(NewLocalBroker(), nil)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, 0, hub.PeerCount())
}

func TestHubStopClosesPeers(t *testing.T) {
	r := startRelay(t)
	ann := r.dial(t)
	r.dial(t)

	r.cancel()

	require.NoError(t, ann.SetReadDeadline(time.Now().Add(waitFor)))
	_, _, err := ann.ReadMessage()
	var ce *websocket.CloseError
	require.True(t, errors.As(err, &ce), "got %v", err)
	assert.Equal(t, websocket.CloseGoingAway, ce.Code)

	assert.Eventually(t, func() bool {
		return r.hub.PeerCount() == 0
	}, waitFor, 5*time.Millisecond)
}

func TestNewHubDefaults(t *testing.T) {
	hub := NewHub(NewLocalBroker(), &Conf{MaxMsgBytes: 128})
	assert.Len(t, hub.NodeId(), 32)
	assert.NotContains(t, hub.NodeId(), "-")

	assert.Equal(t, int64(128), hub.conf.MaxMsgBytes)
	assert.Equal(t, DefaultConf().PingPeriod, hub.conf.PingPeriod)
	assert.Equal(t, DefaultConf().SendBuffer, hub.conf.SendBuffer)

	other := NewHub(NewLocalBroker(), nil)
	assert.NotEqual(t, hub.NodeId(), other.NodeId())
	assert.Equal(t, int64(DefaultMaxMsgBytes), other.conf.MaxMsgBytes)
}

func TestGetRemoteIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.RemoteAddr = "10.0.0.9:4242"
	assert.Equal(t, "10.0.0.9", getRemoteIP(r))

	r.Header.Set("X-Forwarded-For", "1.1.1.1, 2.2.2.2")
	assert.Equal(t, "1.1.1.1", getRemoteIP(r))

	r.Header.Set("X-Real-IP", "3.3.3.3")
	assert.Equal(t, "3.3.3.3", getRemoteIP(r))
}

func TestHubForwardsMarkupUnescaped(t *testing.T) {
	r := startRelay(t)
	ann := r.dial(t)
	bob := r.dial(t)

	text := strings.Repeat("<", 3000)
	raw, err := protocol.Encode(protocol.EventMessage, &protocol.Message{Author: "Ann", Text: text})
	require.NoError(t, err)
	require.Less(t, len(raw), DefaultMaxMsgBytes)
	require.NoError(t, ann.WriteMessage(websocket.TextMessage, raw))

	require.NoError(t, bob.SetReadDeadline(time.Now().Add(waitFor)))
	_, out, err := bob.ReadMessage()
	require.NoError(t, err)
	assert.LessOrEqual(t, len(out), len(raw))

	f, err := protocol.Decode(out)
	require.NoError(t, err)
	m, err := protocol.DecodeMessage(f.Data)
	require.NoError(t, err)
	assert.Equal(t, text, m.Text)

	// both peers stay connected.
	send(t, bob, protocol.EventMessage, &protocol.Message{Author: "Bob", Text: "still here"})
	assert.Equal(t, text, nextMessage(t, ann).Text)
	assert.Equal(t, "still here", nextMessage(t, ann).Text)
	assert.Equal(t, "still here", nextMessage(t, bob).Text)
	assert.Equal(t, 2, r.hub.PeerCount())
}

func TestHubDeliverRemoteEnvelope(t *testing.T) {
	r := startRelay(t)
	ann := r.dial(t)
	bob := r.dial(t)
	annId := r.hub.pstore.snapshot()[0].id

	// a peer id seen on another node does not silence a local peer.
	r.hub.deliver(&Envelope{Node: "other-node", Origin: annId, Event: protocol.EventTyping,
		Data: []byte(`{"author":"Zed"}`)})
	// from this node the origin is skipped.
	r.hub.deliver(&Envelope{Node: r.hub.NodeId(), Origin: annId, Event: protocol.EventTyping,
		Data: []byte(`{"author":"Ann"}`)})
	send(t, bob, protocol.EventMessage, &protocol.Message{Author: "Bob", Text: "marker"})

	f := next(t, ann)
	assert.Equal(t, protocol.EventTyping, f.Event)
	assert.JSONEq(t, `{"author":"Zed"}`, string(f.Data))
	assert.Equal(t, "marker", nextMessage(t, ann).Text)

	assert.JSONEq(t, `{"author":"Zed"}`, string(next(t, bob).Data))
	assert.JSONEq(t, `{"author":"Ann"}`, string(next(t, bob).Data))
	assert.Equal(t, "marker", nextMessage(t, bob).Text)
}

func TestHubDropsOversizedDelivery(t *testing.T) {
	r := startRelay(t)
	ann := r.dial(t)

	big := `{"author":"Zed","text":"` + strings.Repeat("x", DefaultMaxMsgBytes) + `"}`
	r.hub.deliver(&Envelope{Node: "other-node", Origin: "p1", Event: protocol.EventMessage, Data: []byte(big)})
	send(t, ann, protocol.EventMessage, &protocol.Message{Author: "Ann", Text: "marker"})

	assert.Equal(t, "marker", nextMessage(t, ann).Text)
	assert.Equal(t, 1, r.hub.PeerCount())
}
