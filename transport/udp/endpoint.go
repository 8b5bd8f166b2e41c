// Package udp implements the datagram transport for midimesh.
//
// The package owns three cooperating pieces: the Endpoint (a single UDP
// socket with a receive loop and per-peer sequence counters), the
// Reliability layer (retry/ACK state machine for packets flagged reliable),
// and the Reorder buffer (per-source in-order delivery with bounded gap
// tolerance). The Endpoint is a pure transport; it never interprets packet
// semantics beyond parsing.
package udp

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/localrivet/midimesh/logx"
	"github.com/localrivet/midimesh/packet"
)

const (
	// DefaultReadTimeout bounds each blocking read so the receive loop can
	// observe the shutdown flag between reads.
	DefaultReadTimeout = 1 * time.Second

	// DefaultReadBufferSize is the default size for the UDP read buffer.
	DefaultReadBufferSize = 65536
)

// ErrBindFailed is returned when the socket cannot bind to the requested port.
var ErrBindFailed = errors.New("bind failed")

// ErrSendFailed is returned for transient OS-level send errors.
var ErrSendFailed = errors.New("send failed")

// ErrNotStarted is returned when an operation requires a running endpoint.
var ErrNotStarted = errors.New("endpoint not started")

// PacketHandler receives every successfully parsed packet along with the
// source address it arrived from. It runs on the endpoint's receive
// goroutine and must not block.
type PacketHandler func(pkt *packet.Packet, addr *net.UDPAddr)

// EndpointStatistics is a snapshot of endpoint counters.
type EndpointStatistics struct {
	PacketsSent      uint64
	PacketsReceived  uint64
	BytesSent        uint64
	BytesReceived    uint64
	ChecksumFailures uint64
	ParseFailures    uint64
	SendFailures     uint64
}

// Endpoint owns exactly one UDP socket. It transmits and receives packets,
// maintains per-peer outbound sequence counters, and dispatches received
// packets to a caller-supplied handler.
type Endpoint struct {
	localNode      packet.NodeID
	logger         logx.Logger
	readTimeout    time.Duration
	readBufferSize int

	conn   *net.UDPConn
	connMu sync.Mutex

	handler   PacketHandler
	handlerMu sync.RWMutex

	seqMu   sync.Mutex
	nextSeq map[packet.NodeID]uint16

	packetsSent      atomic.Uint64
	packetsReceived  atomic.Uint64
	bytesSent        atomic.Uint64
	bytesReceived    atomic.Uint64
	checksumFailures atomic.Uint64
	parseFailures    atomic.Uint64
	sendFailures     atomic.Uint64

	doneCh    chan struct{}
	wg        sync.WaitGroup
	running   bool
	runningMu sync.Mutex
}

// EndpointOption configures an Endpoint.
type EndpointOption func(*Endpoint)

// WithLogger sets the logger used by the endpoint.
func WithLogger(logger logx.Logger) EndpointOption {
	return func(e *Endpoint) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithReadTimeout sets the per-read deadline of the receive loop.
func WithReadTimeout(timeout time.Duration) EndpointOption {
	return func(e *Endpoint) {
		if timeout > 0 {
			e.readTimeout = timeout
		}
	}
}

// WithReadBufferSize sets the kernel read buffer size for the socket.
func WithReadBufferSize(size int) EndpointOption {
	return func(e *Endpoint) {
		if size > 0 {
			e.readBufferSize = size
		}
	}
}

// NewEndpoint creates an endpoint owned by the given node identity.
func NewEndpoint(localNode packet.NodeID, options ...EndpointOption) *Endpoint {
	e := &Endpoint{
		localNode:      localNode,
		logger:         logx.NewDefaultLogger(),
		readTimeout:    DefaultReadTimeout,
		readBufferSize: DefaultReadBufferSize,
		nextSeq:        make(map[packet.NodeID]uint16),
	}
	for _, option := range options {
		option(e)
	}
	return e
}

// LocalNode returns the node identity the endpoint stamps on outbound packets.
func (e *Endpoint) LocalNode() packet.NodeID {
	return e.localNode
}

// SetPacketHandler registers the receive callback. The handler receives the
// parsed packet and the source endpoint address.
func (e *Endpoint) SetPacketHandler(handler PacketHandler) {
	e.handlerMu.Lock()
	e.handler = handler
	e.handlerMu.Unlock()
}

// Start binds to the requested UDP port (0 means OS-assigned) and spins up
// the receive loop. Counters and sequence state are reset so a stop-start
// cycle observes a clean slate.
func (e *Endpoint) Start(port int) error {
	e.runningMu.Lock()
	defer e.runningMu.Unlock()

	if e.running {
		return nil
	}

	addr := &net.UDPAddr{Port: port}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBindFailed, err)
	}
	if err := conn.SetReadBuffer(e.readBufferSize); err != nil {
		e.logger.Warn("failed to set UDP read buffer size: %v", err)
	}

	e.connMu.Lock()
	e.conn = conn
	e.connMu.Unlock()

	e.resetState()
	e.doneCh = make(chan struct{})

	e.wg.Add(1)
	go e.receiveLoop(conn)

	e.running = true
	e.logger.Debug("endpoint listening on %s", conn.LocalAddr())
	return nil
}

// Stop terminates the receive loop and releases the socket. Idempotent.
func (e *Endpoint) Stop() error {
	e.runningMu.Lock()
	defer e.runningMu.Unlock()

	if !e.running {
		return nil
	}

	close(e.doneCh)

	e.connMu.Lock()
	conn := e.conn
	e.conn = nil
	e.connMu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}

	e.wg.Wait()
	e.running = false
	return nil
}

// LocalPort returns the bound UDP port, or 0 when the endpoint is stopped.
func (e *Endpoint) LocalPort() int {
	e.connMu.Lock()
	defer e.connMu.Unlock()
	if e.conn == nil {
		return 0
	}
	return e.conn.LocalAddr().(*net.UDPAddr).Port
}

// SendMessage assigns the next outbound sequence for dest, frames a DATA
// packet with the endpoint's node identity, transmits it, and returns the
// assigned sequence. The sequence counter is per destination node.
func (e *Endpoint) SendMessage(dest packet.NodeID, host string, port int, deviceID uint16, midi []byte, reliable bool) (uint16, error) {
	// Sequence assignment and transmission stay under one lock so the wire
	// order observed by a single caller matches the assigned order.
	e.seqMu.Lock()
	defer e.seqMu.Unlock()

	seq := e.nextSeq[dest]
	pkt := packet.NewData(e.localNode, dest, deviceID, seq, midi, reliable)
	if err := e.sendPacket(pkt, host, port); err != nil {
		return 0, err
	}
	e.nextSeq[dest] = seq + 1
	return seq, nil
}

// NextSequence assigns and returns the next outbound sequence for dest
// without transmitting. Used by the reliability layer, which owns the
// transmission of the packets it tracks.
func (e *Endpoint) NextSequence(dest packet.NodeID) uint16 {
	e.seqMu.Lock()
	defer e.seqMu.Unlock()
	seq := e.nextSeq[dest]
	e.nextSeq[dest] = seq + 1
	return seq
}

// SendRaw transmits a pre-built packet. Used by the reliability and
// discovery layers.
func (e *Endpoint) SendRaw(pkt *packet.Packet, host string, port int) error {
	return e.sendPacket(pkt, host, port)
}

func (e *Endpoint) sendPacket(pkt *packet.Packet, host string, port int) error {
	e.connMu.Lock()
	conn := e.conn
	e.connMu.Unlock()
	if conn == nil {
		return ErrNotStarted
	}

	data, err := pkt.Marshal()
	if err != nil {
		return err
	}

	raddr, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		e.sendFailures.Add(1)
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}

	n, err := conn.WriteToUDP(data, raddr)
	if err != nil {
		e.sendFailures.Add(1)
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}

	e.packetsSent.Add(1)
	e.bytesSent.Add(uint64(n))
	return nil
}

// receiveLoop reads datagrams until the endpoint stops. Parse failures are
// counted and the loop continues; only socket closure terminates it.
func (e *Endpoint) receiveLoop(conn *net.UDPConn) {
	defer e.wg.Done()

	buffer := make([]byte, packet.MaxPacketSize+1)
	for {
		select {
		case <-e.doneCh:
			return
		default:
		}

		if err := conn.SetReadDeadline(time.Now().Add(e.readTimeout)); err != nil {
			e.logger.Warn("failed to set read deadline: %v", err)
		}

		n, raddr, err := conn.ReadFromUDP(buffer)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			select {
			case <-e.doneCh:
				return
			default:
			}
			e.logger.Warn("read failed: %v", err)
			time.Sleep(10 * time.Millisecond)
			continue
		}
		if n == 0 {
			continue
		}

		e.bytesReceived.Add(uint64(n))

		pkt, err := packet.Unmarshal(buffer[:n])
		if err != nil {
			if errors.Is(err, packet.ErrChecksumMismatch) {
				e.checksumFailures.Add(1)
			} else {
				e.parseFailures.Add(1)
			}
			e.logger.Debug("dropping packet from %s: %v", raddr, err)
			continue
		}

		e.packetsReceived.Add(1)

		e.handlerMu.RLock()
		handler := e.handler
		e.handlerMu.RUnlock()
		if handler != nil {
			handler(pkt, raddr)
		}
	}
}

// Statistics returns a snapshot of the endpoint counters.
func (e *Endpoint) Statistics() EndpointStatistics {
	return EndpointStatistics{
		PacketsSent:      e.packetsSent.Load(),
		PacketsReceived:  e.packetsReceived.Load(),
		BytesSent:        e.bytesSent.Load(),
		BytesReceived:    e.bytesReceived.Load(),
		ChecksumFailures: e.checksumFailures.Load(),
		ParseFailures:    e.parseFailures.Load(),
		SendFailures:     e.sendFailures.Load(),
	}
}

func (e *Endpoint) resetState() {
	e.seqMu.Lock()
	e.nextSeq = make(map[packet.NodeID]uint16)
	e.seqMu.Unlock()

	e.packetsSent.Store(0)
	e.packetsReceived.Store(0)
	e.bytesSent.Store(0)
	e.bytesReceived.Store(0)
	e.checksumFailures.Store(0)
	e.parseFailures.Store(0)
	e.sendFailures.Store(0)
}
