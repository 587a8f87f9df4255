package orchestrate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"agentmesh/observability"
	"agentmesh/overlay"
)

// Orchestrator errors.
var (
	ErrNoAgents           = errors.New("orchestrate: no agents matched the query")
	ErrInsufficientAgents = errors.New("orchestrate: fewer agents than minAgents")
)

// expectedInvoiceTTL bounds how long an issued request may be answered with
// an invoice.
const expectedInvoiceTTL = 5 * time.Minute

// InvoiceExpecter is the slice of the payment engine the orchestrator uses
// to pre-authorise invoices for its outbound requests.
type InvoiceExpecter interface {
	ExpectInvoice(jobID, expectedRecipient string, expiresAt int64) error
	ForgetExpectedInvoice(jobID string)
}

// ResponseBus delivers inbound response messages to a sink for the duration
// of a subscription. The overlay dispatcher implements it.
type ResponseBus interface {
	Subscribe(sink overlay.ResponseSink) func()
}

// QueryConfig shapes one orchestration.
type QueryConfig struct {
	Capability string
	Selection  SelectionConfig

	// MinAgents is the minimum number of network candidates required.
	// Caller-supplied additional replies do not count toward it.
	MinAgents           int
	AllowPartialResults bool

	AggregationStrategy string
	ConsensusThreshold  float64
	CustomAggregator    Aggregator

	ResponseTimeout time.Duration
	MaxStreamBytes  int
	MaxStreamChunks int
	OnStream        func(requestID, chunk string)
}

// Consensus reports whether aggregation cleared the configured threshold.
type Consensus struct {
	Achieved   bool
	Confidence float64
	Agreement  int
}

// Metrics summarise one orchestration's fan-out.
type Metrics struct {
	TotalAgents      int
	SuccessfulAgents int
	FailedAgents     int
	DurationMs       int64
}

// Result is the outcome of one orchestration.
type Result struct {
	OrchestrationID string
	Result          string
	Consensus       Consensus
	Metrics         Metrics
	Replies         []AgentReply
}

// Orchestrator fans queries out over the overlay and reduces the replies.
type Orchestrator struct {
	log      *slog.Logger
	now      func() time.Time
	net      overlay.Network
	bus      ResponseBus
	loads    *LoadTracker
	payments InvoiceExpecter
	metrics  *observability.OrchestratorMetrics
	tracer   trace.Tracer
}

// New builds an orchestrator. The payments expecter may be nil for nodes
// that never expect invoices back.
func New(net overlay.Network, bus ResponseBus, loads *LoadTracker, payments InvoiceExpecter, log *slog.Logger) (*Orchestrator, error) {
	if net == nil {
		return nil, errors.New("orchestrate: network is required")
	}
	if loads == nil {
		return nil, errors.New("orchestrate: load tracker is required")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		log:      log.With(slog.String("component", "orchestrator")),
		now:      time.Now,
		net:      net,
		bus:      bus,
		loads:    loads,
		payments: payments,
		metrics:  observability.Orchestrator(),
		tracer:   otel.Tracer("agentmesh/orchestrate"),
	}, nil
}

// Query runs one full orchestration: match, select, fan out, collect,
// aggregate. Additional replies supplied by the caller join aggregation but
// are not counted against MinAgents.
func (o *Orchestrator) Query(ctx context.Context, prompt string, cfg QueryConfig, additional []AgentReply) (*Result, error) {
	started := o.now()
	orchestrationID := uuid.NewString()
	strategy := cfg.AggregationStrategy
	if strategy == "" {
		strategy = AggregateMajorityVote
	}
	threshold := cfg.ConsensusThreshold
	if threshold <= 0 {
		threshold = DefaultConsensusThreshold
	}

	ctx, span := o.tracer.Start(ctx, "orchestrate.query",
		trace.WithAttributes(
			attribute.String("orchestration.id", orchestrationID),
			attribute.String("orchestration.strategy", strategy),
		))
	defer span.End()

	result, err := o.execute(ctx, orchestrationID, prompt, cfg, strategy, threshold, additional)
	duration := o.now().Sub(started)
	o.metrics.Observe(strategy, duration, err)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	result.Metrics.DurationMs = duration.Milliseconds()
	o.metrics.RecordConsensus(result.Consensus.Achieved)
	return result, nil
}

func (o *Orchestrator) execute(ctx context.Context, orchestrationID, prompt string, cfg QueryConfig, strategy string, threshold float64, additional []AgentReply) (*Result, error) {
	matches, err := o.net.FindMatches(ctx, cfg.Capability, MaxFanout)
	if err != nil {
		return nil, fmt.Errorf("orchestrate: find matches: %w", err)
	}
	candidates := matches[:0:0]
	for _, match := range matches {
		if match.Peer.ID == o.net.SelfID() {
			continue
		}
		candidates = append(candidates, match)
	}
	if len(candidates)+len(additional) == 0 {
		return nil, ErrNoAgents
	}
	if len(candidates) < cfg.MinAgents {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrInsufficientAgents, len(candidates), cfg.MinAgents)
	}

	selected := SelectPeers(candidates, o.loads.Snapshot(), cfg.Selection)
	if len(selected) == 0 {
		return nil, ErrNoAgents
	}

	handler := NewHandler(HandlerConfig{
		Timeout:   cfg.ResponseTimeout,
		MaxBytes:  cfg.MaxStreamBytes,
		MaxChunks: cfg.MaxStreamChunks,
		OnStream:  cfg.OnStream,
	}, o.log)

	var unsubscribe func()
	if o.bus != nil {
		unsubscribe = o.bus.Subscribe(handler)
	}

	peerIDs := make([]string, 0, len(selected))
	requestIDs := make([]string, 0, len(selected))
	waits := make(map[string]<-chan ResponseOutcome, len(selected))
	for _, match := range selected {
		peerIDs = append(peerIDs, match.Peer.ID)
		requestID := orchestrationID + "-" + match.Peer.ID
		requestIDs = append(requestIDs, requestID)
		waits[requestID] = handler.AddPending(requestID)
	}
	o.loads.MarkSelected(peerIDs)

	// Every exit path releases the counters, the subscription, and the
	// expected-invoice entries for requests that never produced an invoice.
	defer func() {
		o.loads.FinalizeRelease(peerIDs)
		if unsubscribe != nil {
			unsubscribe()
		}
		handler.Cleanup()
	}()

	dispatched := o.now()
	for i, match := range selected {
		requestID := requestIDs[i]
		if o.payments != nil {
			if err := o.payments.ExpectInvoice(requestID, match.Peer.ID, o.now().Add(expectedInvoiceTTL).UnixMilli()); err != nil {
				o.log.Warn("expected-invoice registration failed",
					slog.String("request", requestID), slog.Any("error", err))
			}
		}
		env, err := overlay.NewEnvelope(o.net.SelfID(), overlay.AgentRequest{
			RequestID: requestID,
			Prompt:    prompt,
		}, o.now().UnixMilli())
		if err != nil {
			handler.RejectRequest(requestID, err)
			continue
		}
		if err := o.net.SendDirect(ctx, match.Peer.ID, env); err != nil {
			// A transport failure rejects only the affected request.
			handler.RejectRequest(requestID, fmt.Errorf("orchestrate: publish to %s: %w", match.Peer.ID, err))
		}
	}

	replies := make([]AgentReply, len(selected))
	var wg sync.WaitGroup
	wg.Add(len(selected))
	for i, match := range selected {
		go func(i int, match overlay.PeerMatch) {
			defer wg.Done()
			outcome := <-waits[requestIDs[i]]
			latency := o.now().Sub(dispatched).Milliseconds()
			reply := AgentReply{
				Peer:       match.Peer,
				MatchScore: match.MatchScore,
				LatencyMs:  latency,
			}
			if outcome.Err != nil {
				reply.Error = outcome.Err.Error()
			} else {
				reply.Response = outcome.Text
				reply.Success = true
			}
			replies[i] = reply
		}(i, match)
	}
	wg.Wait()

	successful := 0
	for i := range replies {
		o.loads.ApplyUpdate(replies[i].Peer.ID, float64(replies[i].LatencyMs), replies[i].Success)
		o.metrics.RecordAgentOutcome(replies[i].Success)
		if replies[i].Success {
			successful++
		} else if o.payments != nil {
			o.payments.ForgetExpectedInvoice(requestIDs[i])
		}
	}

	all := append(append([]AgentReply(nil), additional...), replies...)
	if successful == 0 && !cfg.AllowPartialResults && !anySuccess(additional) {
		return nil, fmt.Errorf("orchestrate: all %d agents failed", len(replies))
	}

	aggregated, err := Aggregate(strategy, all, cfg.CustomAggregator)
	if err != nil {
		return nil, err
	}

	result := &Result{
		OrchestrationID: orchestrationID,
		Result:          aggregated.Result,
		Consensus: Consensus{
			Achieved:   aggregated.Confidence >= threshold,
			Confidence: aggregated.Confidence,
			Agreement:  aggregated.AgreementCount,
		},
		Metrics: Metrics{
			TotalAgents:      len(replies),
			SuccessfulAgents: successful,
			FailedAgents:     len(replies) - successful,
		},
		Replies: all,
	}
	o.log.Info("orchestration finished",
		slog.String("orchestration", orchestrationID),
		slog.Int("agents", len(replies)),
		slog.Int("successful", successful),
		slog.Bool("consensus", result.Consensus.Achieved))
	return result, nil
}

func anySuccess(replies []AgentReply) bool {
	for _, reply := range replies {
		if reply.Success {
			return true
		}
	}
	return false
}
