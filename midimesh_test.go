package midimesh

import (
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/localrivet/midimesh/discovery"
	"github.com/localrivet/midimesh/packet"
)

// staticRouter routes every destination to one fixed endpoint.
type staticRouter struct {
	host string
	port int
}

func (r *staticRouter) Route(dest packet.NodeID) (string, int, error) {
	return r.host, r.port, nil
}

// testConfig disables discovery and heartbeats so tests control the topology
// explicitly.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.EnableMDNS = false
	cfg.EnableMulticast = false
	cfg.HeartbeatPeriod = 0
	cfg.InitialTimeout = 100 * time.Millisecond
	return cfg
}

func startMesh(t *testing.T, options ...Option) *Mesh {
	t.Helper()
	m, err := New(testConfig(), options...)
	require.NoError(t, err)
	require.NoError(t, m.Start())
	t.Cleanup(func() { m.Stop() })
	return m
}

func TestMeshEndToEndUnreliable(t *testing.T) {
	b := startMesh(t)

	type received struct {
		source NodeID
		device uint16
		midi   []byte
	}
	got := make(chan received, 4)
	b.RegisterReceive(func(source NodeID, device uint16, midi []byte) {
		got <- received{source, device, append([]byte(nil), midi...)}
	})

	a := startMesh(t, WithRouter(&staticRouter{host: "127.0.0.1", port: b.LocalPort()}))

	midi := []byte{0x90, 0x3C, 0x64}
	token, err := a.Send(b.NodeID(), 1, midi, false)
	require.NoError(t, err)
	assert.Equal(t, uint16(0), token.Sequence)
	assert.False(t, token.Reliable)

	select {
	case r := <-got:
		assert.Equal(t, a.NodeID(), r.source)
		assert.Equal(t, uint16(1), r.device)
		assert.Equal(t, midi, r.midi)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for delivery")
	}

	stats := b.Statistics()
	assert.Equal(t, uint64(1), stats.Reorder.Delivered)
}

func TestMeshEndToEndReliable(t *testing.T) {
	b := startMesh(t)
	a := startMesh(t, WithRouter(&staticRouter{host: "127.0.0.1", port: b.LocalPort()}))

	delivered := make(chan []byte, 1)
	b.RegisterReceive(func(source NodeID, device uint16, midi []byte) {
		delivered <- append([]byte(nil), midi...)
	})

	acked := make(chan struct{})
	var failures atomic.Int32
	token, err := a.SendReliable(b.NodeID(), 2, []byte{0x90, 0x40, 0x7F},
		func() { close(acked) },
		func(reason string) { failures.Add(1) },
	)
	require.NoError(t, err)
	assert.True(t, token.Reliable)
	assert.False(t, token.ID.IsNil())

	select {
	case <-acked:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for ack")
	}
	select {
	case midi := <-delivered:
		assert.Equal(t, []byte{0x90, 0x40, 0x7F}, midi)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for delivery")
	}

	assert.EqualValues(t, 0, failures.Load())
	assert.Equal(t, uint64(1), a.Statistics().Reliability.AcksReceived)
}

func TestMeshOrderedDeliveryAcrossSends(t *testing.T) {
	b := startMesh(t)
	a := startMesh(t, WithRouter(&staticRouter{host: "127.0.0.1", port: b.LocalPort()}))

	var mu sync.Mutex
	var seqs []uint16
	done := make(chan struct{})
	b.RegisterReceive(func(source NodeID, device uint16, midi []byte) {
		mu.Lock()
		seqs = append(seqs, uint16(midi[0]))
		n := len(seqs)
		mu.Unlock()
		if n == 10 {
			close(done)
		}
	})

	for i := 0; i < 10; i++ {
		_, err := a.Send(b.NodeID(), 1, []byte{byte(i)}, false)
		require.NoError(t, err)
	}

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		mu.Lock()
		t.Fatalf("timeout: received %v", seqs)
	}

	mu.Lock()
	defer mu.Unlock()
	for i, s := range seqs {
		assert.Equal(t, uint16(i), s, "delivery order at %d", i)
	}
}

func TestMeshReliableFailureToBlackHole(t *testing.T) {
	// A bound but unread socket serves as the black hole.
	hole, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer hole.Close()
	holePort := hole.LocalAddr().(*net.UDPAddr).Port

	a := startMesh(t, WithRouter(&staticRouter{host: "127.0.0.1", port: holePort}))

	reasons := make(chan string, 1)
	_, err = a.SendReliable(NodeID(uuid.New()), 1, []byte{0x90}, nil, func(reason string) {
		reasons <- reason
	})
	require.NoError(t, err)

	select {
	case reason := <-reasons:
		assert.Equal(t, "max_attempts_exceeded", reason)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for failure")
	}
}

func TestMeshStopCancelsPendingSends(t *testing.T) {
	cfg := testConfig()
	cfg.InitialTimeout = 10 * time.Second
	m, err := New(cfg, WithRouter(&staticRouter{host: "127.0.0.1", port: 9}))
	require.NoError(t, err)
	require.NoError(t, m.Start())

	reasons := make(chan string, 1)
	_, err = m.SendReliable(NodeID(uuid.New()), 1, []byte{0x90}, nil, func(reason string) {
		reasons <- reason
	})
	require.NoError(t, err)

	require.NoError(t, m.Stop())

	select {
	case reason := <-reasons:
		assert.Equal(t, "canceled", reason)
	default:
		t.Fatal("pending send not canceled before Stop returned")
	}
}

func TestMeshSendWithoutStart(t *testing.T) {
	m, err := New(testConfig())
	require.NoError(t, err)

	_, err = m.Send(NodeID(uuid.New()), 1, []byte{0x90}, false)
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestMeshSendUnknownPeer(t *testing.T) {
	m := startMesh(t) // default router = empty peer table
	_, err := m.Send(NodeID(uuid.New()), 1, []byte{0x90}, false)
	assert.ErrorIs(t, err, ErrUnknownPeer)
}

func TestMeshPeerEventsDeduplicated(t *testing.T) {
	m := startMesh(t)

	var appeared []discovery.Peer
	var disappeared []NodeID
	m.RegisterPeerEvents(
		func(p discovery.Peer) { appeared = append(appeared, p) },
		func(id NodeID) { disappeared = append(disappeared, id) },
	)

	peer := discovery.Peer{
		NodeID:  uuid.New(),
		Name:    "studio-x",
		Addr:    net.IPv4(192, 168, 1, 20),
		UDPPort: 9999,
	}

	// Both mechanisms reporting the same peer produce one appearance.
	m.peerDiscovered(peer)
	m.peerDiscovered(peer)
	require.Len(t, appeared, 1)
	assert.Equal(t, peer.NodeID, appeared[0].NodeID)
	assert.Equal(t, 1, m.Statistics().PeerCount)

	// The discovered peer is routable through the default router.
	host, port, err := m.router.Route(peer.NodeID)
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.20", host)
	assert.Equal(t, 9999, port)

	// Removal fires once; re-discovery is a fresh appearance.
	m.peerRemoved(peer.NodeID)
	m.peerRemoved(peer.NodeID)
	require.Len(t, disappeared, 1)
	assert.Equal(t, peer.NodeID, disappeared[0])

	m.peerDiscovered(peer)
	assert.Len(t, appeared, 2)
}

func TestMeshStopStartResetsState(t *testing.T) {
	b := startMesh(t)

	cfg := testConfig()
	a, err := New(cfg, WithRouter(&staticRouter{host: "127.0.0.1", port: b.LocalPort()}))
	require.NoError(t, err)
	require.NoError(t, a.Start())

	_, err = a.Send(b.NodeID(), 1, []byte{0x90}, false)
	require.NoError(t, err)
	require.NoError(t, a.Stop())
	require.NoError(t, a.Start())
	defer a.Stop()

	stats := a.Statistics()
	assert.Zero(t, stats.Endpoint.PacketsSent, "endpoint counters must reset")
	assert.Zero(t, stats.Reliability.PacketsSent, "reliability counters must reset")
	assert.Zero(t, stats.Reorder.Delivered, "reorder counters must reset")
	assert.Zero(t, stats.PeerCount, "peer table must reset")

	// Sequence numbering restarts as well.
	token, err := a.Send(b.NodeID(), 1, []byte{0x90}, false)
	require.NoError(t, err)
	assert.Equal(t, uint16(0), token.Sequence)
}

func TestMeshStopIdempotent(t *testing.T) {
	m, err := New(testConfig())
	require.NoError(t, err)
	require.NoError(t, m.Start())
	require.NoError(t, m.Stop())
	require.NoError(t, m.Stop())
}

// recordingSink captures writes routed to the external MIDI adapter.
type recordingSink struct {
	mu     sync.Mutex
	writes []uint16
}

func (s *recordingSink) WriteMIDI(deviceID uint16, midi []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes = append(s.writes, deviceID)
	return nil
}

func TestMeshDeviceSink(t *testing.T) {
	sink := &recordingSink{}
	b := startMesh(t, WithDeviceSink(sink))
	a := startMesh(t, WithRouter(&staticRouter{host: "127.0.0.1", port: b.LocalPort()}))

	_, err := a.Send(b.NodeID(), 5, []byte{0x90, 0x3C, 0x64}, false)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(sink.writes) == 1 && sink.writes[0] == 5
	}, 2*time.Second, 10*time.Millisecond)
}

func TestMeshPeerActivity(t *testing.T) {
	m := startMesh(t)

	peer := discovery.Peer{
		NodeID:  uuid.New(),
		Name:    "studio-y",
		Addr:    net.IPv4(192, 168, 1, 30),
		UDPPort: 9999,
	}
	m.peerDiscovered(peer)

	act, ok := m.PeerActivity(peer.NodeID)
	require.True(t, ok)
	assert.Zero(t, act.Sent)

	m.peers.markSent(peer.NodeID)
	m.peers.touch(peer.NodeID, 123)

	act, ok = m.PeerActivity(peer.NodeID)
	require.True(t, ok)
	assert.Equal(t, uint64(1), act.Sent)
	assert.Equal(t, uint64(1), act.Received)
	assert.Equal(t, int64(123), act.LastSeen)

	_, ok = m.PeerActivity(NodeID(uuid.New()))
	assert.False(t, ok)
}

func TestMeshFixedNodeID(t *testing.T) {
	id := NodeID(uuid.New())
	m, err := New(testConfig(), WithNodeID(id))
	require.NoError(t, err)
	assert.Equal(t, id, m.NodeID())
}
