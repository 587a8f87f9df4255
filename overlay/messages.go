// Package overlay defines the message vocabulary exchanged between mesh
// nodes and the Network interface the rest of the node programs against. The
// gossip/DHT transport itself is an external collaborator; this package only
// fixes the payload schemas and their validation.
package overlay

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Message type tags carried in the envelope "type" field.
const (
	TypeAgentRequest      = "agent-request"
	TypeAgentResponse     = "agent-response"
	TypeStreamChunk       = "stream-chunk"
	TypeStreamComplete    = "stream-complete"
	TypeInvoice           = "invoice"
	TypePaymentProof      = "submit-payment-proof"
	TypeStreamingTick     = "streaming-tick"
	TypeEscrowApproval    = "escrow-approval"
	TypeSwarmDistribution = "swarm-distribution"
)

var (
	// ErrUnknownMessageType marks envelopes whose type tag has no variant.
	ErrUnknownMessageType = errors.New("overlay: unknown message type")
	// ErrMalformedPayload marks payloads that fail schema validation.
	ErrMalformedPayload = errors.New("overlay: malformed payload")
)

// Envelope is the transport frame for one overlay message.
type Envelope struct {
	Type      string          `json:"type"`
	From      string          `json:"from,omitempty"`
	To        string          `json:"to,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

// Message is the sum type over all overlay payloads. Exactly one variant
// exists per protocol message; routing pattern-matches on the concrete type.
type Message interface {
	MessageType() string
}

// AgentRequest asks a peer to answer a prompt. Extra carries caller-defined
// fields that travel opaquely with the request.
type AgentRequest struct {
	RequestID string                     `json:"requestId"`
	Prompt    string                     `json:"prompt"`
	Stream    bool                       `json:"stream,omitempty"`
	Extra     map[string]json.RawMessage `json:"extra,omitempty"`
}

// MessageType implements Message.
func (AgentRequest) MessageType() string { return TypeAgentRequest }

// AgentResponse carries a peer's complete answer, or its error.
type AgentResponse struct {
	RequestID string `json:"requestId"`
	Response  string `json:"response,omitempty"`
	Error     string `json:"error,omitempty"`
}

// MessageType implements Message.
func (AgentResponse) MessageType() string { return TypeAgentResponse }

// StreamChunk carries one incremental piece of a streamed answer.
type StreamChunk struct {
	RequestID string `json:"requestId"`
	Chunk     string `json:"chunk"`
	Partial   bool   `json:"partial,omitempty"`
}

// MessageType implements Message.
func (StreamChunk) MessageType() string { return TypeStreamChunk }

// StreamComplete terminates a streamed answer. Text, when set, replaces the
// accumulated buffer as the authoritative full response.
type StreamComplete struct {
	RequestID string `json:"requestId"`
	Text      string `json:"text,omitempty"`
	Complete  bool   `json:"complete,omitempty"`
}

// MessageType implements Message.
func (StreamComplete) MessageType() string { return TypeStreamComplete }

// InvoiceMessage transmits an invoice to the payer. The wire form is either
// {"invoice": {...}} or a bare invoice object; decode accepts both.
type InvoiceMessage struct {
	Invoice Invoice `json:"invoice"`
}

// MessageType implements Message.
func (InvoiceMessage) MessageType() string { return TypeInvoice }

// PaymentProofMessage submits an on-chain payment proof for verification.
type PaymentProofMessage struct {
	Proof PaymentProof `json:"proof"`
}

// MessageType implements Message.
func (PaymentProofMessage) MessageType() string { return TypePaymentProof }

// StreamingTick reports generated tokens against a streaming meter.
type StreamingTick struct {
	ChannelID       string `json:"channelId,omitempty"`
	TokensGenerated int    `json:"tokensGenerated"`
}

// MessageType implements Message.
func (StreamingTick) MessageType() string { return TypeStreamingTick }

// EscrowApproval releases one escrow milestone.
type EscrowApproval struct {
	JobID       string `json:"jobId"`
	MilestoneID string `json:"milestoneId"`
}

// MessageType implements Message.
func (EscrowApproval) MessageType() string { return TypeEscrowApproval }

// SwarmDistribution fans invoices out to swarm participants.
type SwarmDistribution struct {
	SplitID  string    `json:"splitId"`
	Invoices []Invoice `json:"invoices"`
}

// MessageType implements Message.
func (SwarmDistribution) MessageType() string { return TypeSwarmDistribution }

// Decode validates the envelope payload against its declared type and
// returns the concrete message variant.
func Decode(env *Envelope) (Message, error) {
	if env == nil {
		return nil, fmt.Errorf("%w: nil envelope", ErrMalformedPayload)
	}
	switch strings.TrimSpace(env.Type) {
	case TypeAgentRequest:
		var msg AgentRequest
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		if strings.TrimSpace(msg.RequestID) == "" {
			return nil, fmt.Errorf("%w: agent-request missing requestId", ErrMalformedPayload)
		}
		return msg, nil
	case TypeAgentResponse:
		var msg AgentResponse
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		if strings.TrimSpace(msg.RequestID) == "" {
			return nil, fmt.Errorf("%w: agent-response missing requestId", ErrMalformedPayload)
		}
		return msg, nil
	case TypeStreamChunk:
		var msg StreamChunk
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		if strings.TrimSpace(msg.RequestID) == "" {
			return nil, fmt.Errorf("%w: stream-chunk missing requestId", ErrMalformedPayload)
		}
		return msg, nil
	case TypeStreamComplete:
		var msg StreamComplete
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		if strings.TrimSpace(msg.RequestID) == "" {
			return nil, fmt.Errorf("%w: stream-complete missing requestId", ErrMalformedPayload)
		}
		return msg, nil
	case TypeInvoice:
		msg, err := decodeInvoicePayload(env.Payload)
		if err != nil {
			return nil, err
		}
		return msg, nil
	case TypePaymentProof:
		msg, err := decodeProofPayload(env.Payload)
		if err != nil {
			return nil, err
		}
		return msg, nil
	case TypeStreamingTick:
		var msg StreamingTick
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		if msg.TokensGenerated < 0 {
			return nil, fmt.Errorf("%w: negative token count", ErrMalformedPayload)
		}
		return msg, nil
	case TypeEscrowApproval:
		var msg EscrowApproval
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		if strings.TrimSpace(msg.JobID) == "" || strings.TrimSpace(msg.MilestoneID) == "" {
			return nil, fmt.Errorf("%w: escrow-approval requires jobId and milestoneId", ErrMalformedPayload)
		}
		return msg, nil
	case TypeSwarmDistribution:
		var msg SwarmDistribution
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		if strings.TrimSpace(msg.SplitID) == "" || len(msg.Invoices) == 0 {
			return nil, fmt.Errorf("%w: swarm-distribution requires splitId and invoices", ErrMalformedPayload)
		}
		return msg, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, env.Type)
}

// NewEnvelope wraps a message variant into a transport frame.
func NewEnvelope(from string, msg Message, timestamp int64) (*Envelope, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Type:      msg.MessageType(),
		From:      from,
		Timestamp: timestamp,
		Payload:   payload,
	}, nil
}

// decodeInvoicePayload accepts both the wrapped {"invoice": {...}} form and a
// bare invoice object.
func decodeInvoicePayload(raw json.RawMessage) (InvoiceMessage, error) {
	var wrapped InvoiceMessage
	if err := json.Unmarshal(raw, &wrapped); err == nil && strings.TrimSpace(wrapped.Invoice.ID) != "" {
		if err := wrapped.Invoice.Validate(); err != nil {
			return InvoiceMessage{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		return wrapped, nil
	}
	var bare Invoice
	if err := json.Unmarshal(raw, &bare); err != nil {
		return InvoiceMessage{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if err := bare.Validate(); err != nil {
		return InvoiceMessage{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return InvoiceMessage{Invoice: bare}, nil
}

func decodeProofPayload(raw json.RawMessage) (PaymentProofMessage, error) {
	var wrapped PaymentProofMessage
	if err := json.Unmarshal(raw, &wrapped); err == nil && strings.TrimSpace(wrapped.Proof.TxHash) != "" {
		if err := wrapped.Proof.Validate(); err != nil {
			return PaymentProofMessage{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		return wrapped, nil
	}
	var bare PaymentProof
	if err := json.Unmarshal(raw, &bare); err != nil {
		return PaymentProofMessage{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if err := bare.Validate(); err != nil {
		return PaymentProofMessage{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return PaymentProofMessage{Proof: bare}, nil
}
