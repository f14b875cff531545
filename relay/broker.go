package relay

import (
	"context"
	"encoding/json"

	"github.com/golang/glog"
)

const localBrokerBuffer = 256

// Envelope is one accepted frame on its way to the peers.
type Envelope struct {
	Node   string          `json:"node"`   // relay node that accepted the frame
	Origin string          `json:"origin"` // peer id of the sender
	Event  string          `json:"event"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// IBroker orders envelopes and hands them back for local fan-out. Every
// envelope published on any node is delivered once to every node.
type IBroker interface {
	Publish(ctx context.Context, env *Envelope) error

	// Run calls deliver for each envelope, one at a time, until ctx is done.
	Run(ctx context.Context, deliver func(*Envelope))
}

// LocalBroker serves a single relay node: one goroutine delivers every
// envelope, so all peers observe the same order.
type LocalBroker struct {
	ch chan *Envelope
}

func NewLocalBroker() *LocalBroker {
	return &LocalBroker{ch: make(chan *Envelope, localBrokerBuffer)}
}

func (b *LocalBroker) Publish(ctx context.Context, env *Envelope) error {
	select {
	case b.ch <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *LocalBroker) Run(ctx context.Context, deliver func(*Envelope)) {
	glog.Info("local broker: running")
	defer glog.Info("local broker: stopped")
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-b.ch:
			deliver(env)
		}
	}
}
