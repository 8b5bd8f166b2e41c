package discovery

import (
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/ipv4"

	"github.com/localrivet/midimesh/logx"
)

// multicastTTL keeps announcements on the local subnet.
const multicastTTL = 1

// Multicast is the UDP-multicast fallback mechanism. Nodes announce
// themselves as JSON records on a fixed period; listeners refresh peer
// records on each announcement and a periodic scan removes peers whose
// announcements have stopped for the liveness timeout.
type Multicast struct {
	localID uuid.UUID
	logger  logx.Logger
	group   *net.UDPAddr

	announcePeriod  time.Duration
	livenessTimeout time.Duration

	annMu sync.Mutex
	ann   Announcement

	advMu   sync.Mutex
	advConn *net.UDPConn
	advDone chan struct{}
	advWG   sync.WaitGroup

	browseMu   sync.Mutex
	listenConn *net.UDPConn
	browseDone chan struct{}
	browseWG   sync.WaitGroup

	// cbMu serializes callback invocation and guards the peer table.
	cbMu         sync.Mutex
	peers        map[uuid.UUID]*Peer
	onDiscovered OnDiscovered
	onRemoved    OnRemoved
}

// MulticastOption configures a Multicast instance.
type MulticastOption func(*Multicast)

// WithAnnouncePeriod sets the announcement period. The liveness timeout is
// reset to LivenessMultiplier times the period; a WithLivenessTimeout applied
// after this option overrides it, one applied before it is overwritten.
func WithAnnouncePeriod(period time.Duration) MulticastOption {
	return func(m *Multicast) {
		if period > 0 {
			m.announcePeriod = period
			m.livenessTimeout = LivenessMultiplier * period
		}
	}
}

// WithLivenessTimeout overrides the liveness timeout.
func WithLivenessTimeout(timeout time.Duration) MulticastOption {
	return func(m *Multicast) {
		if timeout > 0 {
			m.livenessTimeout = timeout
		}
	}
}

// WithGroupAddress overrides the multicast group (host:port form).
func WithGroupAddress(addr string) MulticastOption {
	return func(m *Multicast) {
		if resolved, err := net.ResolveUDPAddr("udp4", addr); err == nil {
			m.group = resolved
		}
	}
}

// WithMulticastLogger sets the logger.
func WithMulticastLogger(logger logx.Logger) MulticastOption {
	return func(m *Multicast) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewMulticast creates the fallback mechanism for the node described by ann.
func NewMulticast(ann Announcement, options ...MulticastOption) (*Multicast, error) {
	id, err := uuid.Parse(ann.UUID)
	if err != nil {
		return nil, fmt.Errorf("invalid node uuid %q: %w", ann.UUID, err)
	}
	group, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(MulticastGroup, strconv.Itoa(MulticastPort)))
	if err != nil {
		return nil, fmt.Errorf("resolve multicast group: %w", err)
	}
	m := &Multicast{
		localID:         id,
		logger:          logx.NewDefaultLogger(),
		group:           group,
		announcePeriod:  DefaultAnnouncePeriod,
		livenessTimeout: LivenessMultiplier * DefaultAnnouncePeriod,
		ann:             ann,
		peers:           make(map[uuid.UUID]*Peer),
	}
	for _, option := range options {
		option(m)
	}
	return m, nil
}

// StartAdvertising begins periodic announcements. Idempotent while running.
func (m *Multicast) StartAdvertising() error {
	m.advMu.Lock()
	defer m.advMu.Unlock()

	if m.advConn != nil {
		return nil
	}

	conn, err := net.DialUDP("udp4", nil, m.group)
	if err != nil {
		return fmt.Errorf("%w: multicast dial: %v", ErrBackendUnavailable, err)
	}

	pc := ipv4.NewPacketConn(conn)
	if err := pc.SetMulticastTTL(multicastTTL); err != nil {
		m.logger.Warn("failed to set multicast TTL: %v", err)
	}
	// Loopback lets a listener on the same host hear its neighbors' view.
	_ = pc.SetMulticastLoopback(true)

	m.advConn = conn
	m.advDone = make(chan struct{})

	m.advWG.Add(1)
	go m.announceLoop(conn, m.advDone)

	m.logger.Info("multicast advertising on %s every %s", m.group, m.announcePeriod)
	return nil
}

// StopAdvertising halts announcements. Idempotent.
func (m *Multicast) StopAdvertising() {
	m.advMu.Lock()
	defer m.advMu.Unlock()

	if m.advConn == nil {
		return
	}
	close(m.advDone)
	_ = m.advConn.Close()
	m.advWG.Wait()
	m.advConn = nil
}

// StartBrowsing joins the multicast group and begins emitting peer events.
// Idempotent while running.
func (m *Multicast) StartBrowsing(onDiscovered OnDiscovered, onRemoved OnRemoved) error {
	m.browseMu.Lock()
	defer m.browseMu.Unlock()

	if m.listenConn != nil {
		return nil
	}

	conn, err := net.ListenMulticastUDP("udp4", nil, m.group)
	if err != nil {
		return fmt.Errorf("%w: multicast listen: %v", ErrBackendUnavailable, err)
	}
	if err := conn.SetReadBuffer(65536); err != nil {
		m.logger.Warn("failed to set multicast read buffer: %v", err)
	}

	m.cbMu.Lock()
	m.onDiscovered = onDiscovered
	m.onRemoved = onRemoved
	m.peers = make(map[uuid.UUID]*Peer)
	m.cbMu.Unlock()

	m.listenConn = conn
	m.browseDone = make(chan struct{})

	m.browseWG.Add(2)
	go m.listenLoop(conn, m.browseDone)
	go m.livenessLoop(m.browseDone)

	return nil
}

// StopBrowsing leaves the group and halts event emission. Idempotent. No
// callback fires after return.
func (m *Multicast) StopBrowsing() {
	m.browseMu.Lock()
	defer m.browseMu.Unlock()

	if m.listenConn == nil {
		return
	}
	close(m.browseDone)
	_ = m.listenConn.Close()
	m.browseWG.Wait()
	m.listenConn = nil
}

// UpdateDeviceCount refreshes the advertised device count; the next
// announcement carries it.
func (m *Multicast) UpdateDeviceCount(n int) {
	m.annMu.Lock()
	m.ann.Devices = n
	m.annMu.Unlock()
}

func (m *Multicast) announceLoop(conn *net.UDPConn, done chan struct{}) {
	defer m.advWG.Done()

	ticker := time.NewTicker(m.announcePeriod)
	defer ticker.Stop()

	m.announceOnce(conn)
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			m.announceOnce(conn)
		}
	}
}

func (m *Multicast) announceOnce(conn *net.UDPConn) {
	m.annMu.Lock()
	payload, err := m.ann.Encode()
	m.annMu.Unlock()
	if err != nil {
		m.logger.Error("failed to encode announcement: %v", err)
		return
	}
	if _, err := conn.Write(payload); err != nil {
		m.logger.Debug("announcement send failed: %v", err)
	}
}

func (m *Multicast) listenLoop(conn *net.UDPConn, done chan struct{}) {
	defer m.browseWG.Done()

	buffer := make([]byte, 2048)
	for {
		select {
		case <-done:
			return
		default:
		}

		if err := conn.SetReadDeadline(time.Now().Add(time.Second)); err != nil {
			m.logger.Warn("failed to set read deadline: %v", err)
		}
		n, raddr, err := conn.ReadFromUDP(buffer)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			select {
			case <-done:
				return
			default:
			}
			m.logger.Debug("multicast read failed: %v", err)
			time.Sleep(10 * time.Millisecond)
			continue
		}
		m.handleAnnouncement(buffer[:n], raddr.IP)
	}
}

// handleAnnouncement parses one announcement payload and creates or
// refreshes the sender's peer record.
func (m *Multicast) handleAnnouncement(data []byte, src net.IP) {
	ann, err := DecodeAnnouncement(data)
	if err != nil {
		m.logger.Debug("ignoring multicast payload: %v", err)
		return
	}
	peer, err := ann.Peer(src, time.Now())
	if err != nil {
		m.logger.Debug("ignoring multicast announcement: %v", err)
		return
	}
	if peer.NodeID == m.localID {
		return
	}

	m.cbMu.Lock()
	defer m.cbMu.Unlock()

	existing, known := m.peers[peer.NodeID]
	if known {
		*existing = peer
		return
	}
	copied := peer
	m.peers[peer.NodeID] = &copied
	if m.onDiscovered != nil {
		m.onDiscovered(peer)
	}
}

func (m *Multicast) livenessLoop(done chan struct{}) {
	defer m.browseWG.Done()

	interval := m.announcePeriod
	if interval > time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			m.expirePeers(time.Now())
		}
	}
}

// expirePeers removes every peer whose last announcement is older than the
// liveness timeout, emitting removals.
func (m *Multicast) expirePeers(now time.Time) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()

	for id, peer := range m.peers {
		if now.Sub(peer.LastSeen) > m.livenessTimeout {
			delete(m.peers, id)
			m.logger.Info("peer %s (%s) timed out", peer.Name, id)
			if m.onRemoved != nil {
				m.onRemoved(id)
			}
		}
	}
}

// Peers returns a snapshot of the currently known peers.
func (m *Multicast) Peers() []Peer {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()

	out := make([]Peer, 0, len(m.peers))
	for _, peer := range m.peers {
		out = append(out, *peer)
	}
	return out
}

var _ Discovery = (*Multicast)(nil)
