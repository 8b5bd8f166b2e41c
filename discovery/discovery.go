// Package discovery announces this node's presence and learns about peers on
// the local broadcast domain.
//
// Two independent mechanisms implement the same contract: multicast DNS (the
// preferred zero-config path) and a UDP-multicast fallback with
// timeout-based liveness for environments where mDNS is unavailable. Either
// or both may run; consumers deduplicate events by node id.
package discovery

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
)

const (
	// ServiceType is the advertised mDNS service type.
	ServiceType = "_midi-network._tcp"

	// ServiceDomain is the mDNS domain.
	ServiceDomain = "local."

	// MulticastGroup is the fallback announcement group. TTL is fixed at 1 so
	// announcements never leak off the subnet.
	MulticastGroup = "239.255.42.99"

	// MulticastPort is the fallback announcement port.
	MulticastPort = 5353

	// DefaultAnnouncePeriod is how often fallback announcements are sent.
	DefaultAnnouncePeriod = 5 * time.Second

	// LivenessMultiplier scales the announce period into the liveness
	// timeout: a peer silent for this many periods is deemed gone.
	LivenessMultiplier = 3
)

// ErrBackendUnavailable is returned when advertising or browsing cannot start
// on the chosen mechanism. The other mechanism is unaffected.
var ErrBackendUnavailable = errors.New("discovery backend unavailable")

// Peer is the record kept for a discovered node.
type Peer struct {
	NodeID   uuid.UUID
	Name     string
	Hostname string
	Addr     net.IP
	HTTPPort int
	UDPPort  int
	Version  int
	Devices  int
	LastSeen time.Time
}

// OnDiscovered is invoked when a peer first appears or reappears after
// removal.
type OnDiscovered func(peer Peer)

// OnRemoved is invoked when a peer disappears, with the peer's node id.
type OnRemoved func(nodeID uuid.UUID)

// Discovery is the common capability implemented by both mechanisms.
// Callbacks are serialized within one mechanism: no concurrent invocation,
// and a peer's first OnDiscovered precedes any OnRemoved for it.
type Discovery interface {
	StartAdvertising() error
	StopAdvertising()
	StartBrowsing(onDiscovered OnDiscovered, onRemoved OnRemoved) error
	StopBrowsing()
	UpdateDeviceCount(n int)
}

// Announcement is the self-describing record a node publishes about itself.
// It is carried as mDNS TXT key/value pairs and as the JSON payload of
// fallback multicast announcements. Parsers accept keys in any order and
// ignore unknown keys; senders include every key.
type Announcement struct {
	UUID     string `json:"uuid"`
	Name     string `json:"name"`
	Hostname string `json:"hostname"`
	HTTPPort int    `json:"http_port"`
	UDPPort  int    `json:"udp_port"`
	Version  int    `json:"version"`
	Devices  int    `json:"devices"`
}

// Encode renders the announcement as JSON.
func (a *Announcement) Encode() ([]byte, error) {
	return json.Marshal(a)
}

// DecodeAnnouncement parses a JSON announcement payload.
func DecodeAnnouncement(data []byte) (*Announcement, error) {
	var a Announcement
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("invalid announcement: %w", err)
	}
	return &a, nil
}

// Peer converts the announcement into a peer record. The addr parameter is
// the already-resolved IP the announcement arrived from (or was resolved to);
// now stamps the record's last-seen time.
func (a *Announcement) Peer(addr net.IP, now time.Time) (Peer, error) {
	id, err := uuid.Parse(a.UUID)
	if err != nil {
		return Peer{}, fmt.Errorf("invalid announcement uuid %q: %w", a.UUID, err)
	}
	return Peer{
		NodeID:   id,
		Name:     a.Name,
		Hostname: a.Hostname,
		Addr:     addr,
		HTTPPort: a.HTTPPort,
		UDPPort:  a.UDPPort,
		Version:  a.Version,
		Devices:  a.Devices,
		LastSeen: now,
	}, nil
}
