package udp

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/xid"

	"github.com/localrivet/midimesh/logx"
	"github.com/localrivet/midimesh/packet"
)

const (
	// DefaultInitialTimeout is the deadline for the first retransmission.
	DefaultInitialTimeout = 100 * time.Millisecond

	// DefaultMaxAttempts is the total number of transmissions (first send
	// included) before a reliable send is declared failed.
	DefaultMaxAttempts = 3

	// DefaultMaxRetryInterval caps the interval for the capped strategy.
	DefaultMaxRetryInterval = 2 * time.Second

	// deadlineTick is how often pending deadlines are evaluated.
	deadlineTick = 10 * time.Millisecond
)

// Failure reasons delivered to OnFailure callbacks.
const (
	ReasonMaxAttempts = "max_attempts_exceeded"
	ReasonCanceled    = "canceled"
)

// ErrNotReliable is returned when SendReliable is handed a packet without the
// RELIABLE flag.
var ErrNotReliable = errors.New("packet not flagged reliable")

// BackoffStrategy defines how retransmission timing is calculated.
type BackoffStrategy int

const (
	// BackoffFixed uses the initial timeout for every retry.
	BackoffFixed BackoffStrategy = iota

	// BackoffExponential doubles the interval on each retry.
	BackoffExponential

	// BackoffCapped doubles the interval up to a maximum.
	BackoffCapped
)

// ReliabilityStatistics is a snapshot of reliability counters.
type ReliabilityStatistics struct {
	PacketsSent     uint64
	Retransmissions uint64
	AcksReceived    uint64
	Timeouts        uint64
	Canceled        uint64
	Pending         int
}

// pendingKey identifies a reliable send by its sequence and the node it was
// sent to. ACKs are matched against it by (ack.Sequence, ack.Source).
type pendingKey struct {
	seq  uint16
	dest packet.NodeID
}

// pendingSend tracks one reliable transmission from first send to terminal
// state.
type pendingSend struct {
	id        xid.ID
	pkt       *packet.Packet
	host      string
	port      int
	attempts  int
	interval  time.Duration
	deadline  time.Time
	onSuccess func()
	onFailure func(reason string)
}

// Reliability guarantees delivery-or-failure notification for packets the
// caller marks reliable. Each pending send resolves to exactly one of its
// callbacks: OnSuccess when a matching ACK arrives, OnFailure when the retry
// budget is exhausted or the send is canceled.
//
// Callbacks run on the reliability layer's goroutines (the ticker goroutine
// for retry exhaustion, the HandleAck caller for successes, the Stop or
// Cancel caller for cancellations) and must not block.
type Reliability struct {
	endpoint       *Endpoint
	logger         logx.Logger
	initialTimeout time.Duration
	maxAttempts    int
	strategy       BackoffStrategy
	maxInterval    time.Duration

	mu      sync.Mutex
	pending map[pendingKey]*pendingSend

	packetsSent     uint64
	retransmissions uint64
	acksReceived    uint64
	timeouts        uint64
	canceled        uint64

	done      chan struct{}
	wg        sync.WaitGroup
	running   bool
	runningMu sync.Mutex
}

// ReliabilityOption configures a Reliability layer.
type ReliabilityOption func(*Reliability)

// WithInitialTimeout sets the first retry deadline.
func WithInitialTimeout(timeout time.Duration) ReliabilityOption {
	return func(r *Reliability) {
		if timeout > 0 {
			r.initialTimeout = timeout
		}
	}
}

// WithMaxAttempts sets the total transmission budget per reliable send.
func WithMaxAttempts(attempts int) ReliabilityOption {
	return func(r *Reliability) {
		if attempts > 0 {
			r.maxAttempts = attempts
		}
	}
}

// WithBackoff sets the retransmission timing strategy.
func WithBackoff(strategy BackoffStrategy) ReliabilityOption {
	return func(r *Reliability) {
		r.strategy = strategy
	}
}

// WithMaxRetryInterval caps the interval for BackoffCapped.
func WithMaxRetryInterval(interval time.Duration) ReliabilityOption {
	return func(r *Reliability) {
		if interval > 0 {
			r.maxInterval = interval
		}
	}
}

// WithReliabilityLogger sets the logger used by the reliability layer.
func WithReliabilityLogger(logger logx.Logger) ReliabilityOption {
	return func(r *Reliability) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewReliability creates a reliability layer transmitting through the given
// endpoint.
func NewReliability(endpoint *Endpoint, options ...ReliabilityOption) *Reliability {
	r := &Reliability{
		endpoint:       endpoint,
		logger:         logx.NewDefaultLogger(),
		initialTimeout: DefaultInitialTimeout,
		maxAttempts:    DefaultMaxAttempts,
		strategy:       BackoffFixed,
		maxInterval:    DefaultMaxRetryInterval,
		pending:        make(map[pendingKey]*pendingSend),
	}
	for _, option := range options {
		option(r)
	}
	return r
}

// Start begins deadline evaluation.
func (r *Reliability) Start() {
	r.runningMu.Lock()
	defer r.runningMu.Unlock()

	if r.running {
		return
	}

	r.done = make(chan struct{})
	r.wg.Add(1)
	go r.deadlineLoop()
	r.running = true
}

// Stop halts deadline evaluation. Every still-pending send fires its failure
// callback with the canceled reason before Stop returns; no callback fires
// afterwards.
func (r *Reliability) Stop() {
	r.runningMu.Lock()
	defer r.runningMu.Unlock()

	if !r.running {
		return
	}

	close(r.done)
	r.wg.Wait()

	r.mu.Lock()
	canceled := make([]*pendingSend, 0, len(r.pending))
	for key, ps := range r.pending {
		canceled = append(canceled, ps)
		delete(r.pending, key)
	}
	r.canceled += uint64(len(canceled))
	r.mu.Unlock()

	for _, ps := range canceled {
		if ps.onFailure != nil {
			ps.onFailure(ReasonCanceled)
		}
	}

	r.running = false
}

// SendReliable transmits a packet with the RELIABLE flag set and arms its
// first retry deadline. The packet must carry a freshly assigned sequence.
// Exactly one of onSuccess or onFailure will eventually be invoked.
func (r *Reliability) SendReliable(pkt *packet.Packet, host string, port int, onSuccess func(), onFailure func(reason string)) (xid.ID, error) {
	if !pkt.Reliable() {
		return xid.ID{}, ErrNotReliable
	}

	ps := &pendingSend{
		id:        xid.New(),
		pkt:       pkt,
		host:      host,
		port:      port,
		attempts:  1,
		interval:  r.initialTimeout,
		deadline:  time.Now().Add(r.initialTimeout),
		onSuccess: onSuccess,
		onFailure: onFailure,
	}
	key := pendingKey{seq: pkt.Sequence, dest: pkt.Dest}

	r.mu.Lock()
	r.pending[key] = ps
	r.packetsSent++
	r.mu.Unlock()

	if err := r.endpoint.SendRaw(pkt, host, port); err != nil {
		// The first transmit failed at the OS level; the retry machinery
		// still owns the send, so surface nothing terminal yet.
		r.logger.Debug("reliable send %s transmit failed: %v", ps.id, err)
	}

	return ps.id, nil
}

// HandleAck matches an ACK against the pending table by the acknowledged
// sequence and the acknowledging node. The first match wins; duplicate or
// stale ACKs are ignored.
func (r *Reliability) HandleAck(ack *packet.Packet) {
	key := pendingKey{seq: ack.Sequence, dest: ack.Source}

	r.mu.Lock()
	ps, ok := r.pending[key]
	if ok {
		delete(r.pending, key)
		r.acksReceived++
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	if ps.onSuccess != nil {
		ps.onSuccess()
	}
}

// HandleNak retransmits a pending send immediately without waiting for its
// deadline. The retry budget is not consumed; the deadline is untouched.
func (r *Reliability) HandleNak(nak *packet.Packet) {
	key := pendingKey{seq: nak.Sequence, dest: nak.Source}

	r.mu.Lock()
	ps, ok := r.pending[key]
	if ok {
		r.retransmissions++
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	if err := r.endpoint.SendRaw(ps.pkt, ps.host, ps.port); err != nil {
		r.logger.Debug("nak retransmit failed: %v", err)
	}
}

// Cancel fails a pending send by its identifier with the canceled reason.
// Returns false if no such send is pending.
func (r *Reliability) Cancel(id xid.ID) bool {
	var found *pendingSend

	r.mu.Lock()
	for key, ps := range r.pending {
		if ps.id == id {
			found = ps
			delete(r.pending, key)
			r.canceled++
			break
		}
	}
	r.mu.Unlock()

	if found == nil {
		return false
	}
	if found.onFailure != nil {
		found.onFailure(ReasonCanceled)
	}
	return true
}

// Tick evaluates deadlines once. Exposed so callers driving their own timing
// (and tests) can run the state machine without the background goroutine.
func (r *Reliability) Tick() {
	now := time.Now()

	var retransmit []*pendingSend
	var failed []*pendingSend

	r.mu.Lock()
	for key, ps := range r.pending {
		if now.Before(ps.deadline) {
			continue
		}
		if ps.attempts >= r.maxAttempts {
			delete(r.pending, key)
			r.timeouts++
			failed = append(failed, ps)
			continue
		}
		ps.attempts++
		ps.interval = r.nextInterval(ps.interval)
		ps.deadline = now.Add(ps.interval)
		r.retransmissions++
		retransmit = append(retransmit, ps)
	}
	r.mu.Unlock()

	for _, ps := range retransmit {
		if err := r.endpoint.SendRaw(ps.pkt, ps.host, ps.port); err != nil {
			r.logger.Debug("retransmit failed: %v", err)
		}
	}
	for _, ps := range failed {
		r.logger.Debug("reliable send %s failed after %d attempts", ps.id, ps.attempts)
		if ps.onFailure != nil {
			ps.onFailure(ReasonMaxAttempts)
		}
	}
}

func (r *Reliability) nextInterval(current time.Duration) time.Duration {
	switch r.strategy {
	case BackoffExponential:
		return current * 2
	case BackoffCapped:
		next := current * 2
		if next > r.maxInterval {
			next = r.maxInterval
		}
		return next
	default:
		return r.initialTimeout
	}
}

func (r *Reliability) deadlineLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(deadlineTick)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			r.Tick()
		}
	}
}

// Statistics returns a snapshot of the reliability counters.
func (r *Reliability) Statistics() ReliabilityStatistics {
	r.mu.Lock()
	defer r.mu.Unlock()
	return ReliabilityStatistics{
		PacketsSent:     r.packetsSent,
		Retransmissions: r.retransmissions,
		AcksReceived:    r.acksReceived,
		Timeouts:        r.timeouts,
		Canceled:        r.canceled,
		Pending:         len(r.pending),
	}
}

// String helps log the strategy in debug output.
func (s BackoffStrategy) String() string {
	switch s {
	case BackoffFixed:
		return "fixed"
	case BackoffExponential:
		return "exponential"
	case BackoffCapped:
		return "capped"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}
