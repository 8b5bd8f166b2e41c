package discovery

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/grandcat/zeroconf"

	"github.com/localrivet/midimesh/logx"
)

// MDNS advertises and browses midimesh nodes over multicast DNS.
//
// The instance name is the node's human-readable name; capabilities travel in
// TXT records. Removal events arrive as goodbye packets (TTL 0) from the
// responder; environments that swallow those still get removals from the
// fallback mechanism's liveness scan.
type MDNS struct {
	localID uuid.UUID
	logger  logx.Logger

	annMu sync.Mutex
	ann   Announcement

	serverMu sync.Mutex
	server   *zeroconf.Server

	browseMu     sync.Mutex
	browseCancel context.CancelFunc
	browseWG     sync.WaitGroup

	// cbMu serializes callback invocation and guards the active peer view.
	cbMu     sync.Mutex
	active   map[uuid.UUID]bool
	instance map[string]uuid.UUID
}

// MDNSOption configures an MDNS instance.
type MDNSOption func(*MDNS)

// WithMDNSLogger sets the logger.
func WithMDNSLogger(logger logx.Logger) MDNSOption {
	return func(m *MDNS) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewMDNS creates the mDNS mechanism for the node described by ann. The
// announcement's UUID field must be the node's identity; it is also used to
// filter self-discovery.
func NewMDNS(ann Announcement, options ...MDNSOption) (*MDNS, error) {
	id, err := uuid.Parse(ann.UUID)
	if err != nil {
		return nil, fmt.Errorf("invalid node uuid %q: %w", ann.UUID, err)
	}
	m := &MDNS{
		localID:  id,
		logger:   logx.NewDefaultLogger(),
		ann:      ann,
		active:   make(map[uuid.UUID]bool),
		instance: make(map[string]uuid.UUID),
	}
	for _, option := range options {
		option(m)
	}
	return m, nil
}

// StartAdvertising publishes the service. Idempotent while running.
func (m *MDNS) StartAdvertising() error {
	m.serverMu.Lock()
	defer m.serverMu.Unlock()

	if m.server != nil {
		return nil
	}

	m.annMu.Lock()
	name := m.ann.Name
	port := m.ann.HTTPPort
	if port == 0 {
		port = m.ann.UDPPort
	}
	txt := m.txtRecords()
	m.annMu.Unlock()

	server, err := zeroconf.Register(name, ServiceType, ServiceDomain, port, txt, nil)
	if err != nil {
		return fmt.Errorf("%w: mdns register: %v", ErrBackendUnavailable, err)
	}
	m.server = server
	m.logger.Info("mdns advertising %q on %s", name, ServiceType)
	return nil
}

// StopAdvertising withdraws the service. Idempotent.
func (m *MDNS) StopAdvertising() {
	m.serverMu.Lock()
	defer m.serverMu.Unlock()

	if m.server == nil {
		return
	}
	m.server.Shutdown()
	m.server = nil
}

// UpdateDeviceCount refreshes the advertised device count in place.
func (m *MDNS) UpdateDeviceCount(n int) {
	m.annMu.Lock()
	m.ann.Devices = n
	txt := m.txtRecords()
	m.annMu.Unlock()

	m.serverMu.Lock()
	defer m.serverMu.Unlock()
	if m.server != nil {
		m.server.SetText(txt)
	}
}

// StartBrowsing subscribes to service events. Callback invocation is
// serialized; a peer's first OnDiscovered precedes any OnRemoved for it.
func (m *MDNS) StartBrowsing(onDiscovered OnDiscovered, onRemoved OnRemoved) error {
	m.browseMu.Lock()
	defer m.browseMu.Unlock()

	if m.browseCancel != nil {
		return nil
	}

	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return fmt.Errorf("%w: mdns resolver: %v", ErrBackendUnavailable, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	entries := make(chan *zeroconf.ServiceEntry, 16)
	if err := resolver.Browse(ctx, ServiceType, ServiceDomain, entries); err != nil {
		cancel()
		return fmt.Errorf("%w: mdns browse: %v", ErrBackendUnavailable, err)
	}
	m.browseCancel = cancel

	m.browseWG.Add(1)
	go func() {
		defer m.browseWG.Done()
		for entry := range entries {
			m.handleEntry(entry, onDiscovered, onRemoved)
		}
	}()

	return nil
}

// StopBrowsing unsubscribes. Idempotent. No callback fires after return.
func (m *MDNS) StopBrowsing() {
	m.browseMu.Lock()
	defer m.browseMu.Unlock()

	if m.browseCancel == nil {
		return
	}
	m.browseCancel()
	m.browseCancel = nil
	m.browseWG.Wait()
}

func (m *MDNS) handleEntry(entry *zeroconf.ServiceEntry, onDiscovered OnDiscovered, onRemoved OnRemoved) {
	if entry.TTL == 0 {
		m.handleRemoval(entry.Instance, onRemoved)
		return
	}

	ann, err := parseTXT(entry.Text)
	if err != nil {
		m.logger.Debug("ignoring mdns entry %q: %v", entry.Instance, err)
		return
	}
	if ann.Name == "" {
		ann.Name = entry.Instance
	}
	if ann.Hostname == "" {
		ann.Hostname = entry.HostName
	}

	var addr net.IP
	if len(entry.AddrIPv4) > 0 {
		addr = entry.AddrIPv4[0]
	} else if ips, err := net.LookupIP(entry.HostName); err == nil {
		for _, ip := range ips {
			if v4 := ip.To4(); v4 != nil {
				addr = v4
				break
			}
		}
	}

	peer, err := ann.Peer(addr, time.Now())
	if err != nil {
		m.logger.Debug("ignoring mdns entry %q: %v", entry.Instance, err)
		return
	}
	if peer.NodeID == m.localID {
		return
	}

	m.cbMu.Lock()
	defer m.cbMu.Unlock()

	m.instance[entry.Instance] = peer.NodeID
	first := !m.active[peer.NodeID]
	m.active[peer.NodeID] = true
	if first && onDiscovered != nil {
		onDiscovered(peer)
	}
}

func (m *MDNS) handleRemoval(instance string, onRemoved OnRemoved) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()

	id, ok := m.instance[instance]
	if !ok || !m.active[id] {
		return
	}
	delete(m.instance, instance)
	delete(m.active, id)
	if onRemoved != nil {
		onRemoved(id)
	}
}

// txtRecords renders the announcement as mDNS TXT key/value pairs.
// Caller holds annMu.
func (m *MDNS) txtRecords() []string {
	return []string{
		"uuid=" + m.ann.UUID,
		"http_port=" + strconv.Itoa(m.ann.HTTPPort),
		"udp_port=" + strconv.Itoa(m.ann.UDPPort),
		"hostname=" + m.ann.Hostname,
		"version=" + strconv.Itoa(m.ann.Version),
		"devices=" + strconv.Itoa(m.ann.Devices),
	}
}

// parseTXT reads announcement fields from TXT key/value pairs, tolerating
// unknown keys and any ordering.
func parseTXT(txt []string) (*Announcement, error) {
	var ann Announcement
	for _, kv := range txt {
		key, value, found := strings.Cut(kv, "=")
		if !found {
			continue
		}
		switch key {
		case "uuid":
			ann.UUID = value
		case "name":
			ann.Name = value
		case "hostname":
			ann.Hostname = value
		case "http_port":
			ann.HTTPPort, _ = strconv.Atoi(value)
		case "udp_port":
			ann.UDPPort, _ = strconv.Atoi(value)
		case "version":
			ann.Version, _ = strconv.Atoi(value)
		case "devices":
			ann.Devices, _ = strconv.Atoi(value)
		}
	}
	if ann.UUID == "" {
		return nil, fmt.Errorf("announcement missing uuid key")
	}
	return &ann, nil
}

var _ Discovery = (*MDNS)(nil)
