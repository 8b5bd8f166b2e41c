package midimesh

import (
	"errors"
	"sync"

	"github.com/localrivet/midimesh/discovery"
	"github.com/localrivet/midimesh/packet"
)

// ErrUnknownPeer is returned when routing to a node the mesh has not
// discovered.
var ErrUnknownPeer = errors.New("unknown peer")

// peerRecord is the per-peer state shared by the receive, reliability, and
// discovery paths. The table's outer map takes a reader-writer mutex; each
// record carries its own mutex so writers on different peers never contend.
type peerRecord struct {
	mu       sync.Mutex
	peer     discovery.Peer
	lastSeen int64 // clock millis of last packet or announcement

	sent     uint64
	received uint64
}

// PeerActivity summarizes traffic exchanged with one peer.
type PeerActivity struct {
	Sent     uint64
	Received uint64
	LastSeen int64
}

// peerTable tracks discovered peers and doubles as the default Router.
type peerTable struct {
	mu    sync.RWMutex
	peers map[packet.NodeID]*peerRecord
}

func newPeerTable() *peerTable {
	return &peerTable{peers: make(map[packet.NodeID]*peerRecord)}
}

// upsert stores or refreshes a peer record. Returns true when the peer is
// new to the table.
func (t *peerTable) upsert(peer discovery.Peer, nowMillis int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.peers[peer.NodeID]
	if !ok {
		t.peers[peer.NodeID] = &peerRecord{peer: peer, lastSeen: nowMillis}
		return true
	}
	rec.mu.Lock()
	rec.peer = peer
	rec.lastSeen = nowMillis
	rec.mu.Unlock()
	return false
}

// remove deletes a peer. Returns true when it was present.
func (t *peerTable) remove(id packet.NodeID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, ok := t.peers[id]
	delete(t.peers, id)
	return ok
}

// touch refreshes a peer's last-seen stamp and received counter if the peer
// is known.
func (t *peerTable) touch(id packet.NodeID, nowMillis int64) {
	t.mu.RLock()
	rec, ok := t.peers[id]
	t.mu.RUnlock()
	if !ok {
		return
	}
	rec.mu.Lock()
	rec.lastSeen = nowMillis
	rec.received++
	rec.mu.Unlock()
}

// markSent counts one outbound packet to the peer.
func (t *peerTable) markSent(id packet.NodeID) {
	t.mu.RLock()
	rec, ok := t.peers[id]
	t.mu.RUnlock()
	if !ok {
		return
	}
	rec.mu.Lock()
	rec.sent++
	rec.mu.Unlock()
}

// activity returns the traffic summary for one peer.
func (t *peerTable) activity(id packet.NodeID) (PeerActivity, bool) {
	t.mu.RLock()
	rec, ok := t.peers[id]
	t.mu.RUnlock()
	if !ok {
		return PeerActivity{}, false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return PeerActivity{Sent: rec.sent, Received: rec.received, LastSeen: rec.lastSeen}, true
}

// get returns a copy of the peer record.
func (t *peerTable) get(id packet.NodeID) (discovery.Peer, bool) {
	t.mu.RLock()
	rec, ok := t.peers[id]
	t.mu.RUnlock()
	if !ok {
		return discovery.Peer{}, false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.peer, true
}

// snapshot returns copies of all peer records.
func (t *peerTable) snapshot() []discovery.Peer {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]discovery.Peer, 0, len(t.peers))
	for _, rec := range t.peers {
		rec.mu.Lock()
		out = append(out, rec.peer)
		rec.mu.Unlock()
	}
	return out
}

func (t *peerTable) count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.peers)
}

func (t *peerTable) reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peers = make(map[packet.NodeID]*peerRecord)
}

// Route implements Router from the discovered peer set.
func (t *peerTable) Route(dest packet.NodeID) (string, int, error) {
	peer, ok := t.get(dest)
	if !ok || peer.Addr == nil {
		return "", 0, ErrUnknownPeer
	}
	return peer.Addr.String(), peer.UDPPort, nil
}

var _ Router = (*peerTable)(nil)
