package overlay

import (
	"context"
	"encoding/binary"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"
	"lukechampine.com/blake3"

	"agentmesh/observability"
)

// PaymentSink receives payment-plane messages (invoices, proofs, streaming
// ticks, escrow approvals, swarm distributions).
type PaymentSink interface {
	HandlePaymentMessage(ctx context.Context, from string, msg Message) error
}

// ResponseSink receives response-plane messages (agent-response,
// stream-chunk, stream-complete). Handle reports whether the sink claimed the
// message; unclaimed messages fall through to the next subscriber.
type ResponseSink interface {
	HandleResponseMessage(from string, msg Message) bool
}

// DispatcherConfig tunes inbound policing.
type DispatcherConfig struct {
	// MsgsPerSec is the sustained per-peer inbound rate; zero disables
	// limiting.
	MsgsPerSec float64
	// Burst is the per-peer burst allowance.
	Burst int
	// SeenCacheSize bounds the duplicate-suppression window.
	SeenCacheSize int
}

const (
	defaultMsgsPerSec    = 32.0
	defaultBurst         = 128
	defaultSeenCacheSize = 8192
	maxTrackedPeers      = 4096
)

// Dispatcher routes inbound overlay envelopes into the payment state machine
// or a response sink based on the decoded message variant. Duplicate
// deliveries (gossip overlays redeliver) are suppressed by payload digest and
// each peer is token-bucket rate limited.
type Dispatcher struct {
	payments PaymentSink
	metrics  *observability.DispatcherMetrics
	log      *slog.Logger
	cfg      DispatcherConfig

	mu         sync.Mutex
	nextSubID  uint64
	responders map[uint64]ResponseSink
	limiters   map[string]*rate.Limiter
	seen       map[[32]byte]struct{}
	seenOrder  [][32]byte
}

// NewDispatcher wires a dispatcher. The payment sink may be nil on pure
// requester nodes; payment messages are then dropped with a log line.
func NewDispatcher(payments PaymentSink, cfg DispatcherConfig, log *slog.Logger) *Dispatcher {
	if cfg.MsgsPerSec == 0 {
		cfg.MsgsPerSec = defaultMsgsPerSec
	}
	if cfg.Burst <= 0 {
		cfg.Burst = defaultBurst
	}
	if cfg.SeenCacheSize <= 0 {
		cfg.SeenCacheSize = defaultSeenCacheSize
	}
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		payments:   payments,
		metrics:    observability.Dispatcher(),
		log:        log,
		cfg:        cfg,
		responders: make(map[uint64]ResponseSink),
		limiters:   make(map[string]*rate.Limiter),
		seen:       make(map[[32]byte]struct{}),
	}
}

// Subscribe registers a response sink and returns its unsubscribe function.
func (d *Dispatcher) Subscribe(sink ResponseSink) func() {
	d.mu.Lock()
	id := d.nextSubID
	d.nextSubID++
	d.responders[id] = sink
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		delete(d.responders, id)
		d.mu.Unlock()
	}
}

// Handle ingests one inbound envelope. Errors are routed to metrics and the
// log; the overlay read loop never sees them.
func (d *Dispatcher) Handle(ctx context.Context, env *Envelope) {
	if env == nil {
		return
	}
	if d.isDuplicate(env) {
		d.metrics.RecordDrop("duplicate")
		return
	}
	if !d.allow(env.From) {
		d.metrics.RecordThrottle(env.Type)
		return
	}
	msg, err := Decode(env)
	if err != nil {
		d.metrics.RecordDrop("malformed")
		d.log.Debug("dropping malformed overlay message",
			slog.String("type", env.Type),
			slog.String("from", env.From),
			slog.Any("error", err))
		return
	}

	switch msg.(type) {
	case AgentResponse, StreamChunk, StreamComplete:
		d.routeResponse(env.From, msg)
		d.metrics.RecordMessage(env.Type, nil)
	case InvoiceMessage, PaymentProofMessage, StreamingTick, EscrowApproval, SwarmDistribution:
		if d.payments == nil {
			d.metrics.RecordDrop("no_payment_sink")
			return
		}
		err := d.payments.HandlePaymentMessage(ctx, env.From, msg)
		d.metrics.RecordMessage(env.Type, err)
		if err != nil {
			d.log.Warn("payment message rejected",
				slog.String("type", env.Type),
				slog.String("from", env.From),
				slog.Any("error", err))
		}
	case AgentRequest:
		// Requests are served by the agent runtime, not this node role.
		d.metrics.RecordDrop("unhandled_request")
	}
}

func (d *Dispatcher) routeResponse(from string, msg Message) {
	d.mu.Lock()
	sinks := make([]ResponseSink, 0, len(d.responders))
	for _, sink := range d.responders {
		sinks = append(sinks, sink)
	}
	d.mu.Unlock()
	for _, sink := range sinks {
		if sink.HandleResponseMessage(from, msg) {
			return
		}
	}
	d.metrics.RecordDrop("unclaimed")
}

func (d *Dispatcher) allow(peerID string) bool {
	if d.cfg.MsgsPerSec <= 0 || peerID == "" {
		return true
	}
	d.mu.Lock()
	limiter, ok := d.limiters[peerID]
	if !ok {
		if len(d.limiters) >= maxTrackedPeers {
			// Full table: reset rather than grow without bound.
			d.limiters = make(map[string]*rate.Limiter)
		}
		limiter = rate.NewLimiter(rate.Limit(d.cfg.MsgsPerSec), d.cfg.Burst)
		d.limiters[peerID] = limiter
	}
	d.mu.Unlock()
	return limiter.Allow()
}

func (d *Dispatcher) isDuplicate(env *Envelope) bool {
	digest := envelopeDigest(env)
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[digest]; ok {
		return true
	}
	d.seen[digest] = struct{}{}
	d.seenOrder = append(d.seenOrder, digest)
	if len(d.seenOrder) > d.cfg.SeenCacheSize {
		oldest := d.seenOrder[0]
		d.seenOrder = d.seenOrder[1:]
		delete(d.seen, oldest)
	}
	return false
}

// The timestamp is part of the digest: distinct messages may legitimately
// carry identical payloads (successive metered ticks), and only a redelivery
// repeats the whole frame.
func envelopeDigest(env *Envelope) [32]byte {
	h := blake3.New(32, nil)
	h.Write([]byte(env.Type))
	h.Write([]byte{0})
	h.Write([]byte(env.From))
	h.Write([]byte{0})
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(env.Timestamp))
	h.Write(ts[:])
	h.Write(env.Payload)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
