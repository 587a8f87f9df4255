package orchestrate

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"agentmesh/overlay"
)

// Response handler defaults.
const (
	DefaultResponseTimeout = 120 * time.Second
	DefaultMaxStreamBytes  = 10 << 20
	DefaultMaxStreamChunks = 4096
)

// Handler errors.
var (
	ErrResponseTimeout = errors.New("orchestrate: response timeout")
	ErrStreamLimit     = errors.New("orchestrate: stream exceeded maximum size")
)

// ResponseOutcome is the terminal value of one pending request.
type ResponseOutcome struct {
	Text string
	Err  error
}

type pendingResponse struct {
	done  chan ResponseOutcome
	timer *time.Timer

	mu      sync.Mutex
	settled bool
}

// settle delivers the outcome exactly once.
func (p *pendingResponse) settle(out ResponseOutcome) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.settled {
		return false
	}
	p.settled = true
	if p.timer != nil {
		p.timer.Stop()
	}
	p.done <- out
	return true
}

type streamBuffer struct {
	text   strings.Builder
	bytes  int
	chunks int
}

// HandlerConfig tunes one orchestration's response collection.
type HandlerConfig struct {
	Timeout   time.Duration
	MaxBytes  int
	MaxChunks int
	// OnStream is invoked for every accepted chunk, outside the handler lock.
	OnStream func(requestID, chunk string)
}

// Handler demultiplexes interleaved replies for one orchestration, keyed by
// request id. Each pending entry resolves at most once: the map entry is
// removed before its resolver fires, so chunks arriving after completion are
// dropped silently.
type Handler struct {
	log       *slog.Logger
	timeout   time.Duration
	maxBytes  int
	maxChunks int
	onStream  func(requestID, chunk string)

	mu      sync.Mutex
	pending map[string]*pendingResponse
	buffers map[string]*streamBuffer
	done    bool
}

// NewHandler builds a response handler with the given limits.
func NewHandler(cfg HandlerConfig, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultResponseTimeout
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxStreamBytes
	}
	if cfg.MaxChunks <= 0 {
		cfg.MaxChunks = DefaultMaxStreamChunks
	}
	return &Handler{
		log:       log.With(slog.String("component", "responses")),
		timeout:   cfg.Timeout,
		maxBytes:  cfg.MaxBytes,
		maxChunks: cfg.MaxChunks,
		onStream:  cfg.OnStream,
		pending:   make(map[string]*pendingResponse),
		buffers:   make(map[string]*streamBuffer),
	}
}

// AddPending registers a resolver for a request id and arms its deadline.
func (h *Handler) AddPending(requestID string) <-chan ResponseOutcome {
	entry := &pendingResponse{done: make(chan ResponseOutcome, 1)}
	h.mu.Lock()
	h.pending[requestID] = entry
	h.buffers[requestID] = &streamBuffer{}
	h.mu.Unlock()
	entry.timer = time.AfterFunc(h.timeout, func() {
		h.resolve(requestID, ResponseOutcome{Err: ErrResponseTimeout})
	})
	return entry.done
}

// resolve removes the entry, then settles it. Removal-before-settle keeps
// late messages for the same id from observing a half-settled entry.
func (h *Handler) resolve(requestID string, out ResponseOutcome) bool {
	h.mu.Lock()
	entry, ok := h.pending[requestID]
	if ok {
		delete(h.pending, requestID)
		delete(h.buffers, requestID)
	}
	h.mu.Unlock()
	if !ok {
		return false
	}
	return entry.settle(out)
}

// RejectRequest aborts one pending request from outside, typically when the
// publish to its peer failed.
func (h *Handler) RejectRequest(requestID string, err error) {
	h.resolve(requestID, ResponseOutcome{Err: err})
}

// HandleResponseMessage routes one inbound message. It implements the
// dispatcher's response sink; the return value reports whether this handler
// owned the request id.
func (h *Handler) HandleResponseMessage(from string, msg overlay.Message) bool {
	switch m := msg.(type) {
	case overlay.AgentResponse:
		if m.Error != "" {
			return h.resolve(m.RequestID, ResponseOutcome{Err: fmt.Errorf("orchestrate: peer error: %s", m.Error)})
		}
		return h.resolve(m.RequestID, ResponseOutcome{Text: m.Response})
	case overlay.StreamChunk:
		return h.appendChunk(m)
	case overlay.StreamComplete:
		h.mu.Lock()
		buffer, ok := h.buffers[m.RequestID]
		var text string
		if ok && buffer.bytes > 0 {
			text = buffer.text.String()
		} else {
			text = m.Text
		}
		_, owned := h.pending[m.RequestID]
		h.mu.Unlock()
		if !owned {
			return false
		}
		return h.resolve(m.RequestID, ResponseOutcome{Text: text})
	default:
		return false
	}
}

// appendChunk grows a stream buffer, enforcing the byte and chunk ceilings.
// A breach rejects the whole request.
func (h *Handler) appendChunk(chunk overlay.StreamChunk) bool {
	h.mu.Lock()
	buffer, ok := h.buffers[chunk.RequestID]
	if !ok {
		h.mu.Unlock()
		return false
	}
	if buffer.bytes+len(chunk.Chunk) > h.maxBytes || buffer.chunks+1 > h.maxChunks {
		h.mu.Unlock()
		h.resolve(chunk.RequestID, ResponseOutcome{Err: ErrStreamLimit})
		return true
	}
	buffer.text.WriteString(chunk.Chunk)
	buffer.bytes += len(chunk.Chunk)
	buffer.chunks++
	callback := h.onStream
	h.mu.Unlock()

	if callback != nil {
		callback(chunk.RequestID, chunk.Chunk)
	}
	return true
}

// Cleanup rejects every outstanding request and drops all state. Idempotent.
func (h *Handler) Cleanup() {
	h.mu.Lock()
	if h.done {
		h.mu.Unlock()
		return
	}
	h.done = true
	outstanding := h.pending
	h.pending = make(map[string]*pendingResponse)
	h.buffers = make(map[string]*streamBuffer)
	h.mu.Unlock()

	for requestID, entry := range outstanding {
		if entry.settle(ResponseOutcome{Err: errors.New("orchestrate: orchestration cancelled")}) {
			h.log.Debug("pending request cancelled", slog.String("request", requestID))
		}
	}
}
