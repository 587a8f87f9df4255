package overlay

import "context"

// PeerInfo describes a remote agent as advertised on the overlay.
type PeerInfo struct {
	ID            string   `json:"id"`
	Capabilities  []string `json:"capabilities,omitempty"`
	WalletAddress string   `json:"walletAddress,omitempty"`
	Stake         string   `json:"stake,omitempty"`
	LatencyZone   string   `json:"latencyZone,omitempty"`
}

// PeerMatch pairs a peer with its capability match score in [0,1].
type PeerMatch struct {
	Peer       PeerInfo `json:"peer"`
	MatchScore float64  `json:"matchScore"`
}

// Network is the surface the orchestration and payment subsystems require
// from the overlay transport. Implementations must be safe for concurrent
// use.
type Network interface {
	// SelfID returns the local node's peer id.
	SelfID() string
	// FindMatches queries the capability index for peers matching the query.
	FindMatches(ctx context.Context, query string, limit int) ([]PeerMatch, error)
	// Publish broadcasts an envelope on a topic.
	Publish(ctx context.Context, topic string, env *Envelope) error
	// SendDirect delivers an envelope to a single peer.
	SendDirect(ctx context.Context, peerID string, env *Envelope) error
	// SubscribeDirect registers a handler for inbound direct envelopes and
	// returns an unsubscribe function. Handlers run on the read loop and
	// must not block.
	SubscribeDirect(handler func(env *Envelope)) (func(), error)
}
