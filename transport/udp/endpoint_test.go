package udp

import (
	"bytes"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/localrivet/midimesh/packet"
)

// startEndpoint binds an endpoint to an OS-assigned port and registers a
// cleanup. Fails the test on bind errors.
func startEndpoint(t *testing.T, node packet.NodeID) *Endpoint {
	t.Helper()
	e := NewEndpoint(node, WithReadTimeout(50*time.Millisecond))
	if err := e.Start(0); err != nil {
		t.Fatalf("failed to start endpoint: %v", err)
	}
	t.Cleanup(func() { e.Stop() })
	return e
}

func TestEndpointSendReceive(t *testing.T) {
	nodeA := uuid.New()
	nodeB := uuid.New()

	a := startEndpoint(t, nodeA)
	b := startEndpoint(t, nodeB)

	received := make(chan *packet.Packet, 1)
	b.SetPacketHandler(func(pkt *packet.Packet, addr *net.UDPAddr) {
		received <- pkt
	})

	midi := []byte{0x90, 0x3C, 0x64}
	seq, err := a.SendMessage(nodeB, "127.0.0.1", b.LocalPort(), 1, midi, false)
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if seq != 0 {
		t.Errorf("expected first sequence 0, got %d", seq)
	}

	select {
	case pkt := <-received:
		if pkt.Kind != packet.KindData {
			t.Errorf("expected DATA, got %s", pkt.Kind)
		}
		if pkt.Source != nodeA || pkt.Dest != nodeB {
			t.Errorf("unexpected addressing: %v -> %v", pkt.Source, pkt.Dest)
		}
		if pkt.DeviceID != 1 {
			t.Errorf("expected device 1, got %d", pkt.DeviceID)
		}
		if !bytes.Equal(pkt.Payload, midi) {
			t.Errorf("payload mismatch: %x", pkt.Payload)
		}
		if pkt.Sequence != 0 {
			t.Errorf("expected sequence 0, got %d", pkt.Sequence)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for packet")
	}

	stats := a.Statistics()
	if stats.PacketsSent != 1 {
		t.Errorf("expected 1 packet sent, got %d", stats.PacketsSent)
	}
	if stats.BytesSent == 0 {
		t.Error("expected nonzero bytes sent")
	}
}

func TestEndpointSequenceAssignment(t *testing.T) {
	nodeA := uuid.New()
	dest1 := uuid.New()
	dest2 := uuid.New()

	a := startEndpoint(t, nodeA)
	sink := startEndpoint(t, dest1)

	// Sequences advance by one per destination, independently across
	// destinations.
	for i := 0; i < 3; i++ {
		seq, err := a.SendMessage(dest1, "127.0.0.1", sink.LocalPort(), 1, []byte{0x90}, false)
		if err != nil {
			t.Fatalf("send failed: %v", err)
		}
		if seq != uint16(i) {
			t.Errorf("dest1 send %d: expected seq %d, got %d", i, i, seq)
		}
	}
	seq, err := a.SendMessage(dest2, "127.0.0.1", sink.LocalPort(), 1, []byte{0x90}, false)
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if seq != 0 {
		t.Errorf("dest2 first send: expected seq 0, got %d", seq)
	}
}

func TestEndpointConcurrentSenders(t *testing.T) {
	nodeA := uuid.New()
	dest := uuid.New()

	a := startEndpoint(t, nodeA)
	sink := startEndpoint(t, dest)

	const workers = 8
	const perWorker = 25

	var wg sync.WaitGroup
	seqs := make(chan uint16, workers*perWorker)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				seq, err := a.SendMessage(dest, "127.0.0.1", sink.LocalPort(), 1, []byte{0x90}, false)
				if err != nil {
					t.Errorf("send failed: %v", err)
					return
				}
				seqs <- seq
			}
		}()
	}
	wg.Wait()
	close(seqs)

	// Every sequence in [0, workers*perWorker) must appear exactly once.
	seen := make(map[uint16]bool)
	for seq := range seqs {
		if seen[seq] {
			t.Fatalf("sequence %d assigned twice", seq)
		}
		seen[seq] = true
	}
	if len(seen) != workers*perWorker {
		t.Errorf("expected %d distinct sequences, got %d", workers*perWorker, len(seen))
	}
}

func TestEndpointDropsCorruptDatagrams(t *testing.T) {
	nodeB := uuid.New()
	b := startEndpoint(t, nodeB)

	received := make(chan *packet.Packet, 1)
	b.SetPacketHandler(func(pkt *packet.Packet, addr *net.UDPAddr) {
		received <- pkt
	})

	conn, err := net.Dial("udp4", net.JoinHostPort("127.0.0.1", strconv.Itoa(b.LocalPort())))
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	// Garbage shorter than the header.
	if _, err := conn.Write([]byte{0x01, 0x02, 0x03}); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	// A valid frame with one corrupted payload byte.
	pkt := packet.NewData(uuid.New(), nodeB, 1, 0, []byte{0x90, 0x3C, 0x64}, false)
	data, err := pkt.Marshal()
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	data[packet.HeaderSize] ^= 0xFF
	if _, err := conn.Write(data); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	// Give the receive loop a moment, then verify nothing was delivered and
	// both failures were counted.
	deadline := time.After(2 * time.Second)
	for {
		stats := b.Statistics()
		if stats.ParseFailures >= 1 && stats.ChecksumFailures >= 1 {
			break
		}
		select {
		case pkt := <-received:
			t.Fatalf("corrupt packet delivered: %+v", pkt)
		case <-deadline:
			t.Fatalf("failure counters not updated: %+v", stats)
		case <-time.After(10 * time.Millisecond):
		}
	}

	select {
	case pkt := <-received:
		t.Fatalf("corrupt packet delivered: %+v", pkt)
	default:
	}
}

func TestEndpointStopIdempotent(t *testing.T) {
	e := NewEndpoint(uuid.New())
	if err := e.Start(0); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := e.Stop(); err != nil {
		t.Fatalf("first stop failed: %v", err)
	}
	if err := e.Stop(); err != nil {
		t.Fatalf("second stop failed: %v", err)
	}
}

func TestEndpointStartResetsCounters(t *testing.T) {
	nodeA := uuid.New()
	dest := uuid.New()

	a := NewEndpoint(nodeA, WithReadTimeout(50*time.Millisecond))
	if err := a.Start(0); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	sink := startEndpoint(t, dest)

	if _, err := a.SendMessage(dest, "127.0.0.1", sink.LocalPort(), 1, []byte{0x90}, false); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if err := a.Stop(); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	if err := a.Start(0); err != nil {
		t.Fatalf("restart failed: %v", err)
	}
	defer a.Stop()

	stats := a.Statistics()
	if stats.PacketsSent != 0 || stats.BytesSent != 0 {
		t.Errorf("counters not reset across stop/start: %+v", stats)
	}

	// Sequence counters reset too.
	seq, err := a.SendMessage(dest, "127.0.0.1", sink.LocalPort(), 1, []byte{0x90}, false)
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if seq != 0 {
		t.Errorf("expected sequence reset to 0, got %d", seq)
	}
}

func TestEndpointBindFailure(t *testing.T) {
	a := NewEndpoint(uuid.New())
	if err := a.Start(0); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer a.Stop()

	b := NewEndpoint(uuid.New())
	err := b.Start(a.LocalPort())
	if err == nil {
		b.Stop()
		t.Fatal("expected bind failure on occupied port")
	}
}

func TestEndpointSendBeforeStart(t *testing.T) {
	e := NewEndpoint(uuid.New())
	_, err := e.SendMessage(uuid.New(), "127.0.0.1", 9, 1, []byte{0x90}, false)
	if err == nil {
		t.Fatal("expected error sending before start")
	}
}
