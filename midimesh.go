// Package midimesh provides the transport and discovery substrate for a
// peer-to-peer network MIDI mesh.
//
// # Overview
//
// A mesh node exposes local MIDI devices to the LAN and consumes remote ones
// as if they were local. This package assembles the core subsystems into one
// facade:
//
//   - github.com/localrivet/midimesh/packet: the binary wire frame
//   - github.com/localrivet/midimesh/transport/udp: datagram endpoint,
//     reliability layer, and reorder buffer
//   - github.com/localrivet/midimesh/discovery: mDNS and UDP-multicast peer
//     discovery with liveness
//
// The Mesh type owns one UDP endpoint and both discovery mechanisms, keeps
// the per-peer table, routes outbound MIDI through discovered endpoints, and
// delivers inbound MIDI per source in sequence order. MIDI device I/O, the
// HTTP control API, and route policy are external collaborators wired in
// through the interfaces in this package.
//
// # Basic Usage
//
//	mesh, err := midimesh.New(midimesh.DefaultConfig())
//	if err != nil {
//	  log.Fatalf("failed to create mesh: %v", err)
//	}
//	mesh.RegisterReceive(func(source midimesh.NodeID, device uint16, midi []byte) {
//	  // inject into the local device
//	})
//	mesh.RegisterPeerEvents(onAppeared, onDisappeared)
//	if err := mesh.Start(); err != nil {
//	  log.Fatalf("failed to start mesh: %v", err)
//	}
//	defer mesh.Stop()
//
//	token, err := mesh.Send(dest, 1, []byte{0x90, 0x3C, 0x64}, true)
package midimesh

import (
	"errors"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/xid"

	"github.com/localrivet/midimesh/discovery"
	"github.com/localrivet/midimesh/logx"
	"github.com/localrivet/midimesh/packet"
	"github.com/localrivet/midimesh/transport/udp"
)

// NodeID re-exports the node identity type for callers that never touch the
// packet package directly.
type NodeID = packet.NodeID

// ErrNotRunning is returned by operations that need a started mesh.
var ErrNotRunning = errors.New("mesh not running")

// SendToken identifies a transmission. Reliable sends carry a tracking ID in
// addition to the assigned sequence.
type SendToken struct {
	Sequence uint16
	ID       xid.ID
	Reliable bool
}

// Statistics is the union of the subsystem statistics.
type Statistics struct {
	Endpoint    udp.EndpointStatistics
	Reliability udp.ReliabilityStatistics
	Reorder     udp.ReorderStatistics
	PeerCount   int
}

// Mesh is a self-contained mesh node. Multiple instances may coexist in one
// process; there is no global state.
type Mesh struct {
	cfg    Config
	logger logx.Logger
	nodeID NodeID
	clock  Clock

	router Router

	endpoint    *udp.Endpoint
	reliability *udp.Reliability
	reorder     *udp.Reorder
	mechanisms  []discovery.Discovery

	peers *peerTable
	acks  *ackCoalescer

	receiveMu sync.RWMutex
	onReceive ReceiveFunc
	sink      DeviceSink

	peerCbMu      sync.RWMutex
	onAppeared    func(peer discovery.Peer)
	onDisappeared func(id NodeID)

	hbDone chan struct{}
	hbWG   sync.WaitGroup

	running   bool
	runningMu sync.Mutex
}

// Option configures a Mesh.
type Option func(*Mesh)

// WithLogger sets the logger shared by the mesh and its subsystems.
func WithLogger(logger logx.Logger) Option {
	return func(m *Mesh) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithRouter substitutes the route resolver. The default routes through the
// discovered peer table.
func WithRouter(router Router) Option {
	return func(m *Mesh) {
		if router != nil {
			m.router = router
		}
	}
}

// WithClock substitutes the monotonic clock.
func WithClock(clock Clock) Option {
	return func(m *Mesh) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// WithNodeID fixes the node identity instead of generating one.
func WithNodeID(id NodeID) Option {
	return func(m *Mesh) {
		m.nodeID = id
	}
}

// WithDeviceSink wires the external MIDI adapter's inbound sink. Delivered
// payloads are written to it in addition to any registered receive callback.
func WithDeviceSink(sink DeviceSink) Option {
	return func(m *Mesh) {
		m.sink = sink
	}
}

// New creates a mesh node from the configuration. The node identity is
// generated fresh (stable for the life of the process) unless fixed with
// WithNodeID.
func New(cfg Config, options ...Option) (*Mesh, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := &Mesh{
		cfg:    cfg,
		logger: logx.NewLogger(cfg.LogLevel),
		nodeID: NodeID(uuid.New()),
		clock:  NewSystemClock(),
		peers:  newPeerTable(),
	}
	for _, option := range options {
		option(m)
	}
	if m.router == nil {
		m.router = m.peers
	}
	return m, nil
}

// NodeID returns this node's identity.
func (m *Mesh) NodeID() NodeID {
	return m.nodeID
}

// Start binds the endpoint, starts the reliability layer and discovery
// mechanisms, and begins heartbeats. Subsystem state is rebuilt on each
// start, so a stop-start cycle observes fresh counters and buffers.
func (m *Mesh) Start() error {
	m.runningMu.Lock()
	defer m.runningMu.Unlock()

	if m.running {
		return nil
	}

	m.endpoint = udp.NewEndpoint(m.nodeID, udp.WithLogger(m.logger))
	if err := m.endpoint.Start(m.cfg.UDPPort); err != nil {
		return err
	}

	m.reorder = udp.NewReorder(m.deliver,
		udp.WithMaxBufferSize(m.cfg.MaxBufferSize),
		udp.WithMaxSequenceGap(m.cfg.MaxSequenceGap),
		udp.WithReorderLogger(m.logger),
	)

	m.reliability = udp.NewReliability(m.endpoint,
		udp.WithInitialTimeout(m.cfg.InitialTimeout),
		udp.WithMaxAttempts(m.cfg.MaxAttempts),
		udp.WithBackoff(m.cfg.backoffStrategy()),
		udp.WithReliabilityLogger(m.logger),
	)
	m.reliability.Start()

	m.acks = newAckCoalescer(m, m.cfg.AckWindow)
	m.endpoint.SetPacketHandler(m.handlePacket)

	if err := m.startDiscovery(); err != nil {
		m.reliability.Stop()
		_ = m.endpoint.Stop()
		return err
	}

	if m.cfg.HeartbeatPeriod > 0 {
		m.hbDone = make(chan struct{})
		m.hbWG.Add(1)
		go m.heartbeatLoop()
	}

	m.running = true
	m.logger.Info("mesh node %s (%s) up on udp port %d", m.cfg.Name, m.nodeID, m.endpoint.LocalPort())
	return nil
}

// startDiscovery creates and starts the enabled mechanisms. One mechanism
// failing never prevents the other from operating; Start only fails when
// every enabled mechanism is unavailable.
func (m *Mesh) startDiscovery() error {
	hostname, _ := os.Hostname()
	ann := discovery.Announcement{
		UUID:     m.nodeID.String(),
		Name:     m.cfg.Name,
		Hostname: hostname,
		HTTPPort: m.cfg.HTTPPort,
		UDPPort:  m.endpoint.LocalPort(),
		Version:  packet.ProtocolVersion,
		Devices:  m.cfg.DeviceCount,
	}

	m.mechanisms = nil
	var lastErr error
	var started int

	if m.cfg.EnableMDNS {
		mdns, err := discovery.NewMDNS(ann, discovery.WithMDNSLogger(m.logger))
		if err != nil {
			lastErr = err
		} else if err := m.startMechanism(mdns); err != nil {
			lastErr = err
			m.logger.Warn("mdns discovery unavailable: %v", err)
		} else {
			m.mechanisms = append(m.mechanisms, mdns)
			started++
		}
	}

	if m.cfg.EnableMulticast {
		opts := []discovery.MulticastOption{
			discovery.WithAnnouncePeriod(m.cfg.AnnouncePeriod),
			discovery.WithMulticastLogger(m.logger),
		}
		if m.cfg.LivenessTimeout > 0 {
			opts = append(opts, discovery.WithLivenessTimeout(m.cfg.LivenessTimeout))
		}
		mc, err := discovery.NewMulticast(ann, opts...)
		if err != nil {
			lastErr = err
		} else if err := m.startMechanism(mc); err != nil {
			lastErr = err
			m.logger.Warn("multicast discovery unavailable: %v", err)
		} else {
			m.mechanisms = append(m.mechanisms, mc)
			started++
		}
	}

	if started == 0 && (m.cfg.EnableMDNS || m.cfg.EnableMulticast) {
		return lastErr
	}
	return nil
}

func (m *Mesh) startMechanism(d discovery.Discovery) error {
	if err := d.StartAdvertising(); err != nil {
		return err
	}
	if err := d.StartBrowsing(m.peerDiscovered, m.peerRemoved); err != nil {
		d.StopAdvertising()
		return err
	}
	return nil
}

// Stop shuts down discovery, heartbeats, the reliability layer (failing any
// pending reliable send with the canceled reason), and the endpoint. No
// callback fires after Stop returns. Idempotent.
func (m *Mesh) Stop() error {
	m.runningMu.Lock()
	defer m.runningMu.Unlock()

	if !m.running {
		return nil
	}

	if m.hbDone != nil {
		close(m.hbDone)
		m.hbWG.Wait()
		m.hbDone = nil
	}

	for _, d := range m.mechanisms {
		d.StopBrowsing()
		d.StopAdvertising()
	}
	m.mechanisms = nil

	m.acks.stop()
	m.reliability.Stop()
	err := m.endpoint.Stop()

	m.peers.reset()
	m.running = false
	return err
}

// Send transmits MIDI bytes to a device on a destination node. The route is
// resolved through the configured Router. Unreliable sends return the
// assigned sequence; reliable sends additionally return a tracking ID and
// are retried until acknowledged or the attempt budget runs out.
func (m *Mesh) Send(dest NodeID, deviceID uint16, midi []byte, reliable bool) (SendToken, error) {
	if !reliable {
		host, port, err := m.route(dest)
		if err != nil {
			return SendToken{}, err
		}
		seq, err := m.endpoint.SendMessage(dest, host, port, deviceID, midi, false)
		if err != nil {
			return SendToken{}, err
		}
		m.peers.markSent(dest)
		return SendToken{Sequence: seq}, nil
	}
	return m.SendReliable(dest, deviceID, midi, nil, func(reason string) {
		m.logger.Warn("reliable send to %s failed: %s", dest, reason)
	})
}

// SendReliable transmits MIDI bytes with delivery-or-failure notification.
// Exactly one of onSuccess or onFailure is eventually invoked, on a
// transport goroutine; neither may block.
func (m *Mesh) SendReliable(dest NodeID, deviceID uint16, midi []byte, onSuccess func(), onFailure func(reason string)) (SendToken, error) {
	host, port, err := m.route(dest)
	if err != nil {
		return SendToken{}, err
	}

	seq := m.endpoint.NextSequence(dest)
	pkt := packet.NewData(m.nodeID, dest, deviceID, seq, midi, true)
	id, err := m.reliability.SendReliable(pkt, host, port, onSuccess, onFailure)
	if err != nil {
		return SendToken{}, err
	}
	m.peers.markSent(dest)
	return SendToken{Sequence: seq, ID: id, Reliable: true}, nil
}

func (m *Mesh) route(dest NodeID) (string, int, error) {
	m.runningMu.Lock()
	running := m.running
	m.runningMu.Unlock()
	if !running {
		return "", 0, ErrNotRunning
	}
	return m.router.Route(dest)
}

// RegisterReceive registers the ordered delivery callback.
func (m *Mesh) RegisterReceive(fn ReceiveFunc) {
	m.receiveMu.Lock()
	m.onReceive = fn
	m.receiveMu.Unlock()
}

// RegisterPeerEvents registers the peer lifecycle callbacks. Events from the
// two discovery mechanisms are deduplicated by node id: a peer appears once
// and disappears once, regardless of which mechanism saw it.
func (m *Mesh) RegisterPeerEvents(onAppeared func(peer discovery.Peer), onDisappeared func(id NodeID)) {
	m.peerCbMu.Lock()
	m.onAppeared = onAppeared
	m.onDisappeared = onDisappeared
	m.peerCbMu.Unlock()
}

// UpdateDeviceCount refreshes the advertised local device count on every
// running discovery mechanism.
func (m *Mesh) UpdateDeviceCount(n int) {
	m.runningMu.Lock()
	mechanisms := m.mechanisms
	m.runningMu.Unlock()
	for _, d := range mechanisms {
		d.UpdateDeviceCount(n)
	}
}

// Peers returns a snapshot of the discovered peers.
func (m *Mesh) Peers() []discovery.Peer {
	return m.peers.snapshot()
}

// PeerActivity returns the traffic summary for one peer, if known.
func (m *Mesh) PeerActivity(id NodeID) (PeerActivity, bool) {
	return m.peers.activity(id)
}

// LocalPort returns the bound UDP data port, or 0 when stopped.
func (m *Mesh) LocalPort() int {
	m.runningMu.Lock()
	defer m.runningMu.Unlock()
	if !m.running {
		return 0
	}
	return m.endpoint.LocalPort()
}

// Statistics returns the union of the subsystem statistics.
func (m *Mesh) Statistics() Statistics {
	m.runningMu.Lock()
	defer m.runningMu.Unlock()
	if m.endpoint == nil {
		return Statistics{}
	}
	return Statistics{
		Endpoint:    m.endpoint.Statistics(),
		Reliability: m.reliability.Statistics(),
		Reorder:     m.reorder.Statistics(),
		PeerCount:   m.peers.count(),
	}
}

// handlePacket dispatches every parsed inbound packet. Runs on the
// endpoint's receive goroutine.
func (m *Mesh) handlePacket(pkt *packet.Packet, addr *net.UDPAddr) {
	m.peers.touch(pkt.Source, m.clock.NowMillis())

	switch pkt.Kind {
	case packet.KindAck:
		m.reliability.HandleAck(pkt)
	case packet.KindNak:
		m.reliability.HandleNak(pkt)
	case packet.KindData:
		if pkt.Reliable() {
			m.acks.add(pkt.Source, pkt.Sequence, addr.IP.String(), addr.Port)
		}
		m.reorder.AddPacket(pkt)
	case packet.KindHeartbeat:
		// Liveness refresh only; heartbeats are never reordered.
	case packet.KindHandshake:
		m.logger.Debug("handshake from %s ignored (no overlay registered)", pkt.Source)
	default:
		m.logger.Debug("dropping packet of unknown kind %d from %s", pkt.Kind, pkt.Source)
	}
}

// deliver hands an in-order DATA packet to the application.
func (m *Mesh) deliver(pkt *packet.Packet) {
	m.receiveMu.RLock()
	fn := m.onReceive
	sink := m.sink
	m.receiveMu.RUnlock()

	if fn != nil {
		fn(pkt.Source, pkt.DeviceID, pkt.Payload)
	}
	if sink != nil {
		if err := sink.WriteMIDI(pkt.DeviceID, pkt.Payload); err != nil {
			m.logger.Warn("device sink rejected %d bytes for device %d: %v", len(pkt.Payload), pkt.DeviceID, err)
		}
	}
}

// peerDiscovered handles an appearance from either discovery mechanism.
func (m *Mesh) peerDiscovered(peer discovery.Peer) {
	if !m.peers.upsert(peer, m.clock.NowMillis()) {
		return // already known via the other mechanism or a refresh
	}

	// Senders start their per-destination sequence at zero, so the stream
	// from a fresh peer is expected from zero.
	m.reorder.Prime(peer.NodeID, 0)
	m.logger.Info("peer appeared: %s (%s) at %s:%d", peer.Name, peer.NodeID, peer.Addr, peer.UDPPort)

	m.peerCbMu.RLock()
	cb := m.onAppeared
	m.peerCbMu.RUnlock()
	if cb != nil {
		cb(peer)
	}
}

// peerRemoved handles a disappearance from either discovery mechanism.
func (m *Mesh) peerRemoved(id uuid.UUID) {
	if !m.peers.remove(id) {
		return
	}

	m.reorder.Reset(id)
	m.logger.Info("peer disappeared: %s", id)

	m.peerCbMu.RLock()
	cb := m.onDisappeared
	m.peerCbMu.RUnlock()
	if cb != nil {
		cb(id)
	}
}

// heartbeatLoop sends HEARTBEAT packets to every known peer on the
// configured period.
func (m *Mesh) heartbeatLoop() {
	defer m.hbWG.Done()

	ticker := time.NewTicker(m.cfg.HeartbeatPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-m.hbDone:
			return
		case <-ticker.C:
			for _, peer := range m.peers.snapshot() {
				if peer.Addr == nil {
					continue
				}
				hb := packet.NewHeartbeat(m.nodeID, peer.NodeID)
				if err := m.endpoint.SendRaw(hb, peer.Addr.String(), peer.UDPPort); err != nil {
					m.logger.Debug("heartbeat to %s failed: %v", peer.NodeID, err)
				}
			}
		}
	}
}

// ackCoalescer batches outbound ACKs per peer within a window. A zero window
// acknowledges immediately; a positive window deduplicates ACKs for
// retransmitted packets that arrive inside it.
type ackCoalescer struct {
	mesh   *Mesh
	window time.Duration

	mu      sync.Mutex
	batches map[NodeID]*ackBatch
	stopped bool
}

type ackBatch struct {
	host string
	port int
	seqs map[uint16]struct{}
}

func newAckCoalescer(mesh *Mesh, window time.Duration) *ackCoalescer {
	return &ackCoalescer{
		mesh:    mesh,
		window:  window,
		batches: make(map[NodeID]*ackBatch),
	}
}

func (c *ackCoalescer) add(source NodeID, seq uint16, host string, port int) {
	if c.window <= 0 {
		c.send(source, host, port, seq)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}

	batch, ok := c.batches[source]
	if ok {
		batch.seqs[seq] = struct{}{}
		return
	}
	c.batches[source] = &ackBatch{
		host: host,
		port: port,
		seqs: map[uint16]struct{}{seq: {}},
	}
	time.AfterFunc(c.window, func() { c.flush(source) })
}

func (c *ackCoalescer) flush(source NodeID) {
	c.mu.Lock()
	batch, ok := c.batches[source]
	delete(c.batches, source)
	c.mu.Unlock()
	if !ok {
		return
	}
	for seq := range batch.seqs {
		c.send(source, batch.host, batch.port, seq)
	}
}

func (c *ackCoalescer) send(source NodeID, host string, port int, seq uint16) {
	ack := packet.NewAck(c.mesh.nodeID, source, seq)
	if err := c.mesh.endpoint.SendRaw(ack, host, port); err != nil {
		c.mesh.logger.Debug("ack send to %s failed: %v", source, err)
	}
}

// stop flushes every pending batch and rejects further additions.
func (c *ackCoalescer) stop() {
	c.mu.Lock()
	pending := make([]NodeID, 0, len(c.batches))
	for id := range c.batches {
		pending = append(pending, id)
	}
	c.stopped = true
	c.mu.Unlock()

	for _, id := range pending {
		c.flush(id)
	}
}
