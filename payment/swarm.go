package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/google/uuid"

	"agentmesh/ledger"
	"agentmesh/overlay"
	"agentmesh/wei"
)

// SwarmOptions describe one multi-party distribution.
type SwarmOptions struct {
	Payer        string
	TotalAmount  string
	ChainID      uint64
	Token        string
	TokenAddress string
	Participants []SwarmParticipant
}

// DistributeToSwarm splits a total pro rata by contribution, persists the
// split and its per-participant ledger entries atomically, and queues one
// invoice per participant. Floor division means up to participants-1 wei of
// the total stays with the payer. If the invoice queue cannot absorb every
// participant the whole distribution is rejected and nothing is enqueued.
func (e *Engine) DistributeToSwarm(ctx context.Context, jobID string, opts SwarmOptions) (*SwarmSplit, error) {
	if len(opts.Participants) == 0 {
		return nil, errors.New("payment: swarm requires at least one participant")
	}
	total, err := wei.ToWei(opts.TotalAmount)
	if err != nil {
		return nil, err
	}
	if total.Sign() <= 0 {
		return nil, fmt.Errorf("%w: swarm total must be positive", wei.ErrInvalidAmount)
	}

	weights := make([]*big.Int, len(opts.Participants))
	weightSum := new(big.Int)
	for i, p := range opts.Participants {
		weight, err := wei.ContributionToBigInt(p.Contribution)
		if err != nil {
			return nil, fmt.Errorf("payment: participant %s: %w", p.PeerID, err)
		}
		weights[i] = weight
		weightSum.Add(weightSum, weight)
	}
	if weightSum.Sign() <= 0 {
		return nil, errors.New("payment: swarm contributions sum to zero")
	}

	now := e.now().UnixMilli()
	split := &SwarmSplit{
		ID:           uuid.NewString(),
		JobID:        jobID,
		Payer:        opts.Payer,
		TotalAmount:  opts.TotalAmount,
		ChainID:      opts.ChainID,
		Token:        opts.Token,
		Participants: append([]SwarmParticipant(nil), opts.Participants...),
		Status:       ledger.SwarmStatusDistributed,
		CreatedAt:    now,
	}

	items := make([]queuedInvoice, 0, len(opts.Participants))
	entries := make([]ledger.EntryRow, 0, len(opts.Participants))
	for i := range split.Participants {
		share := new(big.Int).Mul(total, weights[i])
		share.Div(share, weightSum)
		amount := wei.FromWei(share)
		split.Participants[i].Amount = amount

		invoice := overlay.Invoice{
			ID:           uuid.NewString(),
			JobID:        jobID,
			ChainID:      opts.ChainID,
			Token:        opts.Token,
			TokenAddress: opts.TokenAddress,
			Amount:       amount,
			Recipient:    split.Participants[i].WalletAddress,
			CreatedAt:    now,
			ValidUntil:   e.now().Add(e.invoiceTTL).UnixMilli(),
		}
		entry := ledger.EntryRow{
			ID:        invoice.ID,
			Type:      ledger.EntryTypeSwarm,
			Status:    ledger.EntryStatusPending,
			ChainID:   opts.ChainID,
			Token:     opts.Token,
			Amount:    amount,
			Recipient: invoice.Recipient,
			Payer:     opts.Payer,
			JobID:     jobID,
			CreatedAt: now,
		}
		items = append(items, queuedInvoice{invoice: invoice, entry: entry})
		entries = append(entries, entry)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	// Capacity is checked for the whole batch up front: a split that would
	// overflow the queue enqueues nothing.
	if len(e.queue)+len(items) > e.queueCap {
		e.metrics.RecordError("swarm", "queue_full")
		return nil, fmt.Errorf("%w: %d queued, %d incoming", ErrQueueFull, len(e.queue), len(items))
	}

	participantsBlob, err := ledger.EncodeJSON(split.Participants)
	if err != nil {
		return nil, err
	}
	row := ledger.SwarmRow{
		ID:           split.ID,
		JobID:        split.JobID,
		Payer:        split.Payer,
		TotalAmount:  split.TotalAmount,
		ChainID:      split.ChainID,
		Token:        split.Token,
		Participants: participantsBlob,
		Status:       split.Status,
		CreatedAt:    split.CreatedAt,
	}
	if err := e.store.PutSwarmDistributed(row, entries); err != nil {
		return nil, fmt.Errorf("payment: write swarm split: %w", err)
	}
	for _, item := range items {
		invoiceBlob, err := ledger.EncodeJSON(item.invoice)
		if err != nil {
			return nil, fmt.Errorf("payment: encode swarm invoice: %w", err)
		}
		if err := e.store.PutPendingSettlement(ledger.PendingSettlementRow{
			ID:        item.invoice.ID,
			Invoice:   invoiceBlob,
			Recipient: item.invoice.Recipient,
			ChainID:   item.invoice.ChainID,
			Token:     item.invoice.Token,
			Amount:    item.invoice.Amount,
			CreatedAt: now,
		}); err != nil {
			return nil, fmt.Errorf("payment: write pending settlement: %w", err)
		}
	}
	e.queue = append(e.queue, items...)
	e.metrics.SetQueueDepth(len(e.queue))
	e.metrics.RecordInvoice("swarm")

	e.log.Info("swarm distributed",
		slog.String("job", jobID),
		slog.String("total", opts.TotalAmount),
		slog.Int("participants", len(split.Participants)))
	return split, nil
}
