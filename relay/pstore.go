package relay

import (
	"sort"
	"sync"
)

// memory store of the peers connected to this node.
type PeerStore struct {
	sync.RWMutex
	peers map[string]*Peer
}

func newPeerStore() *PeerStore {
	return &PeerStore{
		peers: make(map[string]*Peer),
	}
}

func (ps *PeerStore) del(id string) bool {
	ps.Lock()
	defer ps.Unlock()
	if _, ok := ps.peers[id]; ok {
		delete(ps.peers, id)
		peersGauge.Dec()
		return true
	}
	return false
}

func (ps *PeerStore) add(p *Peer) {
	ps.Lock()
	ps.peers[p.id] = p
	ps.Unlock()
	peersGauge.Inc()
}

func (ps *PeerStore) len() int {
	ps.RLock()
	defer ps.RUnlock()
	return len(ps.peers)
}

// snapshot returns the peers ordered by connect time.
func (ps *PeerStore) snapshot() []*Peer {
	ps.RLock()
	out := make([]*Peer, 0, len(ps.peers))
	for _, p := range ps.peers {
		out = append(out, p)
	}
	ps.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].createTime.Before(out[j].createTime)
	})
	return out
}

func (ps *PeerStore) close() {
	for _, p := range ps.snapshot() {
		p.close(ServerStop)
		ps.del(p.id)
	}
}
