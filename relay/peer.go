package relay

import (
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/mqy/minichat/protocol"
)

type CloseCause int

const (
	ReadError    CloseCause = 1
	WriteError   CloseCause = 2
	PingError    CloseCause = 3
	BadRequest   CloseCause = 4
	ServerStop   CloseCause = 5
	SlowConsumer CloseCause = 6
)

// Peer manages the websocket of one connected chat client.
type Peer struct {
	sync.Mutex

	id         string
	ip         string
	createTime time.Time

	hub  *Hub
	conn *websocket.Conn

	dataChan chan []byte
	closing  bool
}

func (p *Peer) String() string {
	return fmt.Sprintf("peer{id: %s, ip: %s}", p.id, p.ip)
}

func (p *Peer) close(cause CloseCause) {
	p.Lock()
	if p.closing {
		p.Unlock()
		return
	}
	p.closing = true

	code := websocket.CloseNormalClosure
	switch cause {
	case ServerStop:
		code = websocket.CloseGoingAway
	case BadRequest:
		code = websocket.CloseUnsupportedData
	case SlowConsumer:
		code = websocket.ClosePolicyViolation
	}
	_ = p.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""),
		time.Now().Add(p.hub.conf.WriteWait))
	_ = p.conn.Close()
	close(p.dataChan)
	p.Unlock()

	glog.V(5).Infof("peer closed, cause: %d, %s", cause, p)
	if cause != ServerStop {
		p.hub.delPeer(p.id)
	}
}

// appendDataChan queues raw for the peer. A peer that cannot keep up is closed
// rather than stalling the fan-out.
func (p *Peer) appendDataChan(raw []byte) {
	p.Lock()
	if p.closing {
		p.Unlock()
		return
	}
	select {
	case p.dataChan <- raw:
		p.Unlock()
		return
	default:
	}
	p.Unlock()

	glog.Errorf("appendDataChan(): outbound buffer full, closing %s", p)
	slowPeers.Inc()
	p.close(SlowConsumer)
}

func (p *Peer) recvLoop() {
	defer func() { glog.V(5).Infof("recvLoop(): exited, %s", p) }()

	conf := p.hub.conf
	p.conn.SetReadLimit(conf.MaxMsgBytes)
	_ = p.conn.SetReadDeadline(time.Now().Add(conf.PongWait))
	p.conn.SetPongHandler(func(string) error {
		_ = p.conn.SetReadDeadline(time.Now().Add(conf.PongWait))
		return nil
	})

	for {
		msgType, msg, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				glog.Errorf("recvLoop(): read error: %v, %s", err, p)
			}
			p.close(ReadError)
			return
		}

		glog.V(5).Infof("recvLoop(): incoming frame: %s, %s", msg, p)

		if msgType != websocket.TextMessage {
			glog.Errorf("recvLoop(): unexpected message type: %d, %s", msgType, p)
			framesRejected.WithLabelValues("binary").Inc()
			p.close(BadRequest)
			return
		}

		f, err := protocol.Decode(msg)
		if err != nil {
			glog.Errorf("recvLoop(): bad frame: %v, %s", err, p)
			framesRejected.WithLabelValues("decode").Inc()
			continue
		}
		if !protocol.IsKnownEvent(f.Event) {
			glog.Errorf("recvLoop(): unsupported event %q, %s", f.Event, p)
			framesRejected.WithLabelValues("unknown_event").Inc()
			continue
		}
		if err := protocol.Validate(f.Event, f.Data); err != nil {
			glog.Errorf("recvLoop(): invalid %s payload: %v, %s", f.Event, err, p)
			framesRejected.WithLabelValues("invalid").Inc()
			continue
		}

		framesTotal.WithLabelValues(f.Event).Inc()
		p.hub.publish(p, f)
	}
}

func (p *Peer) sendLoop() {
	pingTicker := time.NewTicker(p.hub.conf.PingPeriod)
	defer func() {
		pingTicker.Stop()
		glog.V(5).Infof("sendLoop(): exited, %s", p)
	}()

	for {
		select {
		case raw, ok := <-p.dataChan:
			if !ok { // chan was closed
				return
			}
			_ = p.conn.SetWriteDeadline(time.Now().Add(p.hub.conf.WriteWait))
			if err := p.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				glog.Errorf("sendLoop(): write error: %v, %s", err, p)
				p.close(WriteError)
				return
			}
		case <-pingTicker.C:
			_ = p.conn.SetWriteDeadline(time.Now().Add(p.hub.conf.WriteWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				glog.Errorf("sendLoop(): ping error: %v, %s", err, p)
				p.close(PingError)
				return
			}
		}
	}
}
