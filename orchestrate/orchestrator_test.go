package orchestrate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"agentmesh/overlay"
)

// stubNetwork is an in-process overlay whose SendDirect invokes a
// per-peer responder on a fresh goroutine.
type stubNetwork struct {
	self    string
	matches []overlay.PeerMatch
	bus     *stubBus

	mu         sync.Mutex
	responders map[string]func(req overlay.AgentRequest) overlay.Message
	sendErrs   map[string]error
	sent       []string
}

func newStubNetwork(self string) *stubNetwork {
	return &stubNetwork{
		self:       self,
		responders: make(map[string]func(req overlay.AgentRequest) overlay.Message),
		sendErrs:   make(map[string]error),
	}
}

func (n *stubNetwork) SelfID() string { return n.self }

func (n *stubNetwork) FindMatches(ctx context.Context, query string, limit int) ([]overlay.PeerMatch, error) {
	if len(n.matches) > limit {
		return n.matches[:limit], nil
	}
	return n.matches, nil
}

func (n *stubNetwork) Publish(ctx context.Context, topic string, env *overlay.Envelope) error {
	return nil
}

func (n *stubNetwork) SubscribeDirect(handler func(env *overlay.Envelope)) (func(), error) {
	return func() {}, nil
}

func (n *stubNetwork) SendDirect(ctx context.Context, peerID string, env *overlay.Envelope) error {
	n.mu.Lock()
	n.sent = append(n.sent, peerID)
	err := n.sendErrs[peerID]
	responder := n.responders[peerID]
	bus := n.bus
	n.mu.Unlock()
	if err != nil {
		return err
	}
	msg, decodeErr := overlay.Decode(env)
	if decodeErr != nil {
		return decodeErr
	}
	req, ok := msg.(overlay.AgentRequest)
	if !ok || responder == nil || bus == nil {
		return nil
	}
	go bus.deliver(peerID, responder(req))
	return nil
}

// stubBus fans delivered messages out to subscribed sinks, first claim wins.
type stubBus struct {
	mu    sync.Mutex
	sinks map[int]overlay.ResponseSink
	next  int
}

func newStubBus() *stubBus {
	return &stubBus{sinks: make(map[int]overlay.ResponseSink)}
}

func (b *stubBus) Subscribe(sink overlay.ResponseSink) func() {
	b.mu.Lock()
	id := b.next
	b.next++
	b.sinks[id] = sink
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.sinks, id)
		b.mu.Unlock()
	}
}

func (b *stubBus) deliver(from string, msg overlay.Message) {
	b.mu.Lock()
	sinks := make([]overlay.ResponseSink, 0, len(b.sinks))
	for _, sink := range b.sinks {
		sinks = append(sinks, sink)
	}
	b.mu.Unlock()
	for _, sink := range sinks {
		if sink.HandleResponseMessage(from, msg) {
			return
		}
	}
}

type stubExpecter struct {
	mu        sync.Mutex
	expected  []string
	forgotten []string
}

func (e *stubExpecter) ExpectInvoice(jobID, expectedRecipient string, expiresAt int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.expected = append(e.expected, jobID)
	return nil
}

func (e *stubExpecter) ForgetExpectedInvoice(jobID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.forgotten = append(e.forgotten, jobID)
}

func newTestOrchestrator(t *testing.T, net *stubNetwork, bus *stubBus, payments InvoiceExpecter) (*Orchestrator, *LoadTracker) {
	t.Helper()
	net.bus = bus
	loads := NewLoadTracker(nil)
	o, err := New(net, bus, loads, payments, nil)
	require.NoError(t, err)
	return o, loads
}

func echoResponder(text string) func(req overlay.AgentRequest) overlay.Message {
	return func(req overlay.AgentRequest) overlay.Message {
		return overlay.AgentResponse{RequestID: req.RequestID, Response: text}
	}
}

func failResponder(msg string) func(req overlay.AgentRequest) overlay.Message {
	return func(req overlay.AgentRequest) overlay.Message {
		return overlay.AgentResponse{RequestID: req.RequestID, Error: msg}
	}
}

func TestQueryConsensusAcrossTwoPeers(t *testing.T) {
	net := newStubNetwork("self")
	net.matches = []overlay.PeerMatch{
		{Peer: overlay.PeerInfo{ID: "peer-a"}, MatchScore: 0.9},
		{Peer: overlay.PeerInfo{ID: "peer-b"}, MatchScore: 0.8},
		{Peer: overlay.PeerInfo{ID: "self"}, MatchScore: 1},
	}
	net.responders["peer-a"] = echoResponder("Paris")
	net.responders["peer-b"] = echoResponder("paris")
	expecter := &stubExpecter{}
	o, loads := newTestOrchestrator(t, net, newStubBus(), expecter)

	result, err := o.Query(context.Background(), "capital of France?", QueryConfig{
		Capability: "geography",
		Selection:  SelectionConfig{Strategy: StrategyAll},
	}, nil)
	require.NoError(t, err)
	require.Equal(t, "Paris", result.Result)
	require.True(t, result.Consensus.Achieved)
	require.Equal(t, 2, result.Consensus.Agreement)
	require.Equal(t, 2, result.Metrics.TotalAgents)
	require.Equal(t, 2, result.Metrics.SuccessfulAgents)
	require.Zero(t, result.Metrics.FailedAgents)
	require.NotContains(t, net.sent, "self")

	require.Len(t, expecter.expected, 2)
	for _, state := range []AgentLoadState{loads.Get("peer-a"), loads.Get("peer-b")} {
		require.Zero(t, state.ActiveRequests)
		require.Equal(t, int64(1), state.TotalRequests)
		require.InDelta(t, 1.0, state.SuccessRate, 1e-9)
	}
}

func TestQueryPartialFailureWithPartialResults(t *testing.T) {
	net := newStubNetwork("self")
	net.matches = []overlay.PeerMatch{
		{Peer: overlay.PeerInfo{ID: "peer-a"}, MatchScore: 0.9},
		{Peer: overlay.PeerInfo{ID: "peer-b"}, MatchScore: 0.8},
	}
	net.responders["peer-a"] = echoResponder("answer")
	net.responders["peer-b"] = failResponder("model down")
	expecter := &stubExpecter{}
	o, loads := newTestOrchestrator(t, net, newStubBus(), expecter)

	result, err := o.Query(context.Background(), "q", QueryConfig{
		Selection:           SelectionConfig{Strategy: StrategyAll},
		AllowPartialResults: true,
	}, nil)
	require.NoError(t, err)
	require.Equal(t, "answer", result.Result)
	require.Equal(t, 1, result.Metrics.SuccessfulAgents)
	require.Equal(t, 1, result.Metrics.FailedAgents)

	require.Equal(t, int64(1), loads.Get("peer-b").TotalErrors)
	require.Len(t, expecter.forgotten, 1, "failed request's expected invoice is withdrawn")
}

func TestQueryAllFailedWithoutPartialResults(t *testing.T) {
	net := newStubNetwork("self")
	net.matches = []overlay.PeerMatch{{Peer: overlay.PeerInfo{ID: "peer-a"}, MatchScore: 0.9}}
	net.responders["peer-a"] = failResponder("down")
	o, _ := newTestOrchestrator(t, net, newStubBus(), nil)

	_, err := o.Query(context.Background(), "q", QueryConfig{
		Selection: SelectionConfig{Strategy: StrategyAll},
	}, nil)
	require.ErrorContains(t, err, "failed")
}

func TestQueryPublishFailureRejectsOnlyThatPeer(t *testing.T) {
	net := newStubNetwork("self")
	net.matches = []overlay.PeerMatch{
		{Peer: overlay.PeerInfo{ID: "peer-a"}, MatchScore: 0.9},
		{Peer: overlay.PeerInfo{ID: "peer-b"}, MatchScore: 0.8},
	}
	net.responders["peer-a"] = echoResponder("ok")
	net.sendErrs["peer-b"] = errors.New("connection reset")
	o, loads := newTestOrchestrator(t, net, newStubBus(), nil)

	result, err := o.Query(context.Background(), "q", QueryConfig{
		Selection:           SelectionConfig{Strategy: StrategyAll},
		AllowPartialResults: true,
	}, nil)
	require.NoError(t, err)
	require.Equal(t, "ok", result.Result)
	require.Equal(t, 1, result.Metrics.FailedAgents)
	require.Zero(t, loads.Get("peer-b").ActiveRequests)
}

func TestQueryNoAgents(t *testing.T) {
	net := newStubNetwork("self")
	o, _ := newTestOrchestrator(t, net, newStubBus(), nil)

	_, err := o.Query(context.Background(), "q", QueryConfig{}, nil)
	require.ErrorIs(t, err, ErrNoAgents)
}

func TestQueryMinAgentsExcludesAdditional(t *testing.T) {
	net := newStubNetwork("self")
	net.matches = []overlay.PeerMatch{{Peer: overlay.PeerInfo{ID: "peer-a"}, MatchScore: 0.9}}
	o, _ := newTestOrchestrator(t, net, newStubBus(), nil)

	extra := []AgentReply{reply("local-model", "x", 1)}
	_, err := o.Query(context.Background(), "q", QueryConfig{MinAgents: 2}, extra)
	require.ErrorIs(t, err, ErrInsufficientAgents)
}

func TestQueryAdditionalRepliesJoinAggregation(t *testing.T) {
	net := newStubNetwork("self")
	net.matches = []overlay.PeerMatch{
		{Peer: overlay.PeerInfo{ID: "peer-a"}, MatchScore: 0.9},
	}
	net.responders["peer-a"] = echoResponder("alpha")
	o, _ := newTestOrchestrator(t, net, newStubBus(), nil)

	extra := []AgentReply{
		reply("local-1", "alpha", 1),
		reply("local-2", "alpha", 1),
	}
	result, err := o.Query(context.Background(), "q", QueryConfig{
		Selection: SelectionConfig{Strategy: StrategyAll},
	}, extra)
	require.NoError(t, err)
	require.Equal(t, 3, result.Consensus.Agreement)
	require.Len(t, result.Replies, 3)
	require.Equal(t, 1, result.Metrics.TotalAgents, "metrics count network peers only")
}

func TestQueryFanoutCap(t *testing.T) {
	net := newStubNetwork("self")
	for i := 0; i < MaxFanout+5; i++ {
		id := fmt.Sprintf("peer-%02d", i)
		net.matches = append(net.matches, overlay.PeerMatch{
			Peer: overlay.PeerInfo{ID: id}, MatchScore: 0.5,
		})
		net.responders[id] = echoResponder("same")
	}
	o, _ := newTestOrchestrator(t, net, newStubBus(), nil)

	result, err := o.Query(context.Background(), "q", QueryConfig{
		Selection: SelectionConfig{Strategy: StrategyAll},
	}, nil)
	require.NoError(t, err)
	require.LessOrEqual(t, result.Metrics.TotalAgents, MaxFanout)
}
