package udp

import (
	"sync"

	"github.com/localrivet/midimesh/logx"
	"github.com/localrivet/midimesh/packet"
)

const (
	// DefaultMaxBufferSize bounds buffered out-of-order packets per source.
	DefaultMaxBufferSize = 32

	// DefaultMaxSequenceGap is the tolerance for missing predecessors before
	// the stream is forced forward. MIDI tolerates lone drops; a missed
	// NoteOff is recovered by the next NoteOn/Off pair at the destination.
	DefaultMaxSequenceGap = 16
)

// DeliveryFunc receives packets in sequence order, synchronously within the
// AddPacket call that released them.
type DeliveryFunc func(pkt *packet.Packet)

// ReorderStatistics is a snapshot of reorder buffer counters.
type ReorderStatistics struct {
	Delivered      uint64
	BufferedPeak   int
	GapForcedDrops uint64
	CapacityDrops  uint64
	DuplicateDrops uint64
}

// sourceState tracks in-order delivery for one source node.
type sourceState struct {
	initialized bool
	expected    uint16
	buf         map[uint16]*packet.Packet
}

// Reorder delivers DATA packets per source node in ascending sequence order,
// bounding both buffering cost and head-of-line-blocking latency. A gap wider
// than the configured tolerance declares the missing predecessors lost and
// forces the stream forward; a full buffer evicts its smallest sequence.
type Reorder struct {
	maxBuffer int
	maxGap    int
	onReady   DeliveryFunc
	logger    logx.Logger

	mu      sync.Mutex
	sources map[packet.NodeID]*sourceState

	delivered      uint64
	bufferedPeak   int
	gapForcedDrops uint64
	capacityDrops  uint64
	duplicateDrops uint64
}

// ReorderOption configures a Reorder buffer.
type ReorderOption func(*Reorder)

// WithMaxBufferSize bounds the number of buffered out-of-order packets per
// source.
func WithMaxBufferSize(n int) ReorderOption {
	return func(r *Reorder) {
		if n > 0 {
			r.maxBuffer = n
		}
	}
}

// WithMaxSequenceGap sets the missing-predecessor tolerance before forced
// advance.
func WithMaxSequenceGap(g int) ReorderOption {
	return func(r *Reorder) {
		if g > 0 {
			r.maxGap = g
		}
	}
}

// WithReorderLogger sets the logger used by the reorder buffer.
func WithReorderLogger(logger logx.Logger) ReorderOption {
	return func(r *Reorder) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewReorder creates a reorder buffer delivering through onReady.
func NewReorder(onReady DeliveryFunc, options ...ReorderOption) *Reorder {
	r := &Reorder{
		maxBuffer: DefaultMaxBufferSize,
		maxGap:    DefaultMaxSequenceGap,
		onReady:   onReady,
		logger:    logx.NewDefaultLogger(),
		sources:   make(map[packet.NodeID]*sourceState),
	}
	for _, option := range options {
		option(r)
	}
	return r
}

// Prime fixes the next expected sequence for a source before any packet
// arrives. Senders start each per-destination counter at zero, so the caller
// primes new peers to zero at session establishment; without priming, the
// first packet observed from a source defines its expected sequence.
func (r *Reorder) Prime(source packet.NodeID, expected uint16) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sources[source] = &sourceState{
		initialized: true,
		expected:    expected,
		buf:         make(map[uint16]*packet.Packet),
	}
}

// Reset clears state for one source. Used on peer loss.
func (r *Reorder) Reset(source packet.NodeID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sources, source)
}

// AddPacket drives the per-source ordering state machine. Deliveries are
// issued via the delivery callback synchronously within the call.
func (r *Reorder) AddPacket(pkt *packet.Packet) {
	r.mu.Lock()
	ready := r.add(pkt)
	r.mu.Unlock()

	for _, p := range ready {
		r.onReady(p)
	}
}

// add applies the ordering rules and returns the packets released in order.
// Caller holds r.mu.
func (r *Reorder) add(pkt *packet.Packet) []*packet.Packet {
	src := pkt.Source
	state, ok := r.sources[src]
	if !ok {
		state = &sourceState{buf: make(map[uint16]*packet.Packet)}
		r.sources[src] = state
	}
	if !state.initialized {
		state.initialized = true
		state.expected = pkt.Sequence
	}

	seq := pkt.Sequence
	d := packet.SeqDistance(state.expected, seq)

	switch {
	case d < 0:
		// Duplicate or re-ordered past.
		r.duplicateDrops++
		return nil

	case d == 0:
		state.expected++
		r.delivered++
		ready := []*packet.Packet{pkt}
		return append(ready, r.drain(state)...)

	case d <= r.maxGap:
		if _, dup := state.buf[seq]; dup {
			r.duplicateDrops++
			return nil
		}
		state.buf[seq] = pkt
		if len(state.buf) > r.bufferedPeak {
			r.bufferedPeak = len(state.buf)
		}
		if len(state.buf) > r.maxBuffer {
			r.evictSmallest(state)
		}
		return nil

	default:
		// The missing predecessors are declared permanently lost: the stream
		// jumps to the new packet and everything buffered at or before it is
		// dropped.
		for bseq := range state.buf {
			if packet.SeqDistance(bseq, seq) >= 0 {
				delete(state.buf, bseq)
				r.gapForcedDrops++
			}
		}
		r.gapForcedDrops++
		state.expected = seq + 1
		r.delivered++
		r.logger.Debug("gap-forced advance to %d for source %s", seq, src)
		ready := []*packet.Packet{pkt}
		return append(ready, r.drain(state)...)
	}
}

// drain releases contiguous successors starting at state.expected.
// Caller holds r.mu.
func (r *Reorder) drain(state *sourceState) []*packet.Packet {
	var ready []*packet.Packet
	for {
		next, ok := state.buf[state.expected]
		if !ok {
			return ready
		}
		delete(state.buf, state.expected)
		state.expected++
		r.delivered++
		ready = append(ready, next)
	}
}

// evictSmallest drops the buffered entry closest to the expected sequence.
// Caller holds r.mu.
func (r *Reorder) evictSmallest(state *sourceState) {
	first := true
	var smallest uint16
	for seq := range state.buf {
		if first || packet.SeqDistance(smallest, seq) < 0 {
			smallest = seq
			first = false
		}
	}
	if !first {
		delete(state.buf, smallest)
		r.capacityDrops++
	}
}

// Statistics returns a snapshot of the reorder counters.
func (r *Reorder) Statistics() ReorderStatistics {
	r.mu.Lock()
	defer r.mu.Unlock()
	return ReorderStatistics{
		Delivered:      r.delivered,
		BufferedPeak:   r.bufferedPeak,
		GapForcedDrops: r.gapForcedDrops,
		CapacityDrops:  r.capacityDrops,
		DuplicateDrops: r.duplicateDrops,
	}
}
