// Package relay is the fan-out service chat clients connect to.
//
// A `message` frame is delivered to every peer including its sender; `typing`
// and `stopTyping` frames go to every peer but the sender.
package relay

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"github.com/pborman/uuid"

	"github.com/mqy/minichat/protocol"
)

const (
	DefaultMaxMsgBytes = protocol.DefaultMaxFrameBytes
	publishTimeout     = 3 * time.Second
)

type Conf struct {
	// NodeId identifies this relay node; generated when empty.
	NodeId string

	// websocket max message size to read.
	MaxMsgBytes int64

	// Outbound frames queued per peer before it is considered slow.
	SendBuffer int

	// Time allowed to write a frame to a peer.
	WriteWait time.Duration

	// Send pings to peer with this period. Must be less than PongWait.
	PingPeriod time.Duration

	// Time allowed to read the next pong from a peer.
	PongWait time.Duration
}

func DefaultConf() *Conf {
	return &Conf{
		MaxMsgBytes: DefaultMaxMsgBytes,
		SendBuffer:  64,
		WriteWait:   3 * time.Second,
		PingPeriod:  20 * time.Second,
		PongWait:    25 * time.Second,
	}
}

func NewNodeId() string {
	return strings.ReplaceAll(uuid.New(), "-", "")
}

// Hub accepts websocket peers and fans accepted frames out through a broker.
type Hub struct {
	conf     *Conf
	broker   IBroker
	pstore   *PeerStore
	upgrader websocket.Upgrader
	online   int32
}

func NewHub(broker IBroker, conf *Conf) *Hub {
	def := DefaultConf()
	if conf == nil {
		conf = def
	}
	if conf.MaxMsgBytes <= 0 {
		conf.MaxMsgBytes = def.MaxMsgBytes
	}
	if conf.MaxMsgBytes > protocol.MaxFrameBytes {
		conf.MaxMsgBytes = protocol.MaxFrameBytes
	}
	if conf.SendBuffer <= 0 {
		conf.SendBuffer = def.SendBuffer
	}
	if conf.WriteWait <= 0 {
		conf.WriteWait = def.WriteWait
	}
	if conf.PongWait <= 0 {
		conf.PongWait = def.PongWait
	}
	if conf.PingPeriod <= 0 || conf.PingPeriod >= conf.PongWait {
		conf.PingPeriod = conf.PongWait * 4 / 5
	}
	if conf.NodeId == "" {
		conf.NodeId = NewNodeId()
	}
	return &Hub{
		conf:   conf,
		broker: broker,
		pstore: newPeerStore(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Display names are self asserted and there is no session to protect.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (h *Hub) NodeId() string {
	return h.conf.NodeId
}

func (h *Hub) PeerCount() int {
	return h.pstore.len()
}

// Run delivers brokered frames to local peers until ctx is done, then closes
// every peer.
func (h *Hub) Run(ctx context.Context) {
	glog.Infof("hub %s: online", h.conf.NodeId)
	atomic.StoreInt32(&h.online, 1)

	h.broker.Run(ctx, h.deliver)

	atomic.StoreInt32(&h.online, 0)
	glog.Infof("close peers ...")
	h.pstore.close()
	glog.Infof("close peers done")
}

// ServeHTTP handles websocket requests from the peer.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if atomic.LoadInt32(&h.online) == 0 {
		http.Error(w, "relay is not serving", http.StatusServiceUnavailable)
		return
	}

	// If the upgrade fails, then Upgrade replies to the client with an HTTP error response.
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Errorf("ServeHTTP(): upgrade error: %v", err)
		return
	}

	p := &Peer{
		id:         strings.ReplaceAll(uuid.New(), "-", ""),
		ip:         getRemoteIP(r),
		createTime: time.Now(),
		hub:        h,
		conn:       conn,
		dataChan:   make(chan []byte, h.conf.SendBuffer),
	}

	h.pstore.add(p)
	glog.V(5).Infof("ServeHTTP(): new %s", p)

	go p.recvLoop()
	go p.sendLoop()
}

func (h *Hub) delPeer(id string) {
	h.pstore.del(id)
}

func (h *Hub) publish(p *Peer, f *protocol.Frame) {
	env := &Envelope{
		Node:   h.conf.NodeId,
		Origin: p.id,
		Event:  f.Event,
		Data:   f.Data,
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := h.broker.Publish(ctx, env); err != nil {
		glog.Errorf("publish(): %s from %s: %v", f.Event, p, err)
		framesRejected.WithLabelValues("publish").Inc()
	}
}

// deliver fans env out to local peers. The origin peer is skipped for
// presence events; it can only be local when env was accepted by this node.
func (h *Hub) deliver(env *Envelope) {
	raw, err := protocol.EncodeFrame(&protocol.Frame{Event: env.Event, Data: env.Data})
	if err != nil {
		glog.Errorf("deliver(): marshal %s: %v", env.Event, err)
		return
	}
	if int64(len(raw)) > h.conf.MaxMsgBytes {
		glog.Errorf("deliver(): %s from node %s is %d bytes, over limit %d", env.Event, env.Node, len(raw), h.conf.MaxMsgBytes)
		framesRejected.WithLabelValues("too_large").Inc()
		return
	}

	source := "remote"
	if env.Node == h.conf.NodeId {
		source = "local"
	}
	framesDelivered.WithLabelValues(source).Inc()
	glog.V(5).Infof("deliver(): %s from node %s peer %s", env.Event, env.Node, env.Origin)

	echo := env.Event == protocol.EventMessage
	for _, p := range h.pstore.snapshot() {
		if !echo && source == "local" && p.id == env.Origin {
			continue
		}
		p.appendDataChan(raw)
	}
}

func getRemoteIP(r *http.Request) string {
	ip := r.Header.Get("X-REAL-IP")
	if ip == "" {
		if ips := r.Header.Get("X-FORWARDED-FOR"); ips != "" {
			for _, x := range strings.Split(ips, ",") {
				if x = strings.TrimSpace(x); x != "" {
					ip = x
				}
			}
		}
	}
	if ip == "" {
		ip, _, _ = net.SplitHostPort(r.RemoteAddr)
	}
	return ip
}
