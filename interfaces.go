package midimesh

import (
	"time"

	"github.com/localrivet/midimesh/packet"
)

// Router resolves a destination node to the transport endpoint of its owner.
// The mesh's default router is its own peer table, fed by discovery; callers
// with static topologies may supply their own.
type Router interface {
	Route(dest packet.NodeID) (host string, port int, err error)
}

// Clock provides monotonic milliseconds. The mesh stamps peer activity with
// it; WithClock substitutes another implementation.
type Clock interface {
	NowMillis() int64
}

// SystemClock is the default Clock backed by the runtime's monotonic source.
type SystemClock struct {
	base time.Time
}

// NewSystemClock creates a SystemClock anchored at construction time.
func NewSystemClock() *SystemClock {
	return &SystemClock{base: time.Now()}
}

// NowMillis returns monotonic milliseconds since the clock was created.
func (c *SystemClock) NowMillis() int64 {
	return time.Since(c.base).Milliseconds()
}

// DeviceSink injects MIDI bytes received from the mesh into a local device,
// keyed by the local device identifier. Implemented by the external MIDI
// adapter.
type DeviceSink interface {
	WriteMIDI(deviceID uint16, midi []byte) error
}

// ReceiveFunc is called for every DATA payload released in sequence order.
// It runs on the endpoint's receive goroutine and must not block.
type ReceiveFunc func(source packet.NodeID, deviceID uint16, midi []byte)
