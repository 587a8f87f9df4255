package payment

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/google/uuid"

	"agentmesh/ledger"
	"agentmesh/overlay"
	"agentmesh/wei"
)

// StreamOptions configure a streaming channel at lazy creation time and
// control per-tick invoicing.
type StreamOptions struct {
	JobID        string
	Payer        string
	Recipient    string
	ChainID      uint64
	Token        string
	RatePerToken string
	AutoInvoice  bool
}

// RecordTokens meters count generated tokens against a channel, creating the
// agreement lazily on the first tick. All mutation of one channel is
// serialised by its per-channel mutex, so accumulated amounts never regress.
func (e *Engine) RecordTokens(ctx context.Context, channelID string, count int64, opts StreamOptions) (*StreamingAgreement, error) {
	if count < 0 {
		return nil, fmt.Errorf("payment: token count must be non-negative, got %d", count)
	}
	lock := e.channelLock(channelID)
	lock.Lock()
	defer lock.Unlock()

	e.mu.Lock()
	channel, ok := e.channels[channelID]
	e.mu.Unlock()
	if !ok {
		created, err := e.createChannelLocked(channelID, opts)
		if err != nil {
			return nil, err
		}
		channel = created
	}
	if channel.Status != ledger.StreamingStatusActive {
		return nil, fmt.Errorf("%w: %s", ErrChannelClosed, channelID)
	}

	rate, err := wei.ToWei(channel.RatePerToken)
	if err != nil {
		return nil, err
	}
	accumulated, err := wei.ToWei(channel.AccumulatedAmount)
	if err != nil {
		return nil, err
	}
	increment := new(big.Int).Mul(rate, big.NewInt(count))
	accumulated.Add(accumulated, increment)

	channel.AccumulatedAmount = wei.FromWei(accumulated)
	channel.LastTick = e.now().UnixMilli()
	if err := e.store.PutStreaming(channel.toRow()); err != nil {
		return nil, fmt.Errorf("payment: write streaming agreement: %w", err)
	}

	if opts.AutoInvoice && increment.Sign() > 0 {
		if err := e.invoiceIncrement(ctx, channel, increment); err != nil {
			e.log.Warn("streaming auto-invoice failed",
				slog.String("channel", channelID), slog.Any("error", err))
		}
	}

	snapshot := *channel
	return &snapshot, nil
}

// createChannelLocked lazily registers a streaming agreement and its ledger
// row. Callers hold the per-channel mutex.
func (e *Engine) createChannelLocked(channelID string, opts StreamOptions) (*StreamingAgreement, error) {
	rate, err := wei.ToWei(opts.RatePerToken)
	if err != nil {
		return nil, fmt.Errorf("payment: rate per token: %w", err)
	}
	if rate.Sign() <= 0 {
		return nil, fmt.Errorf("%w: rate per token must be positive", wei.ErrInvalidAmount)
	}
	now := e.now().UnixMilli()
	channel := &StreamingAgreement{
		ID:                channelID,
		JobID:             opts.JobID,
		Payer:             opts.Payer,
		Recipient:         opts.Recipient,
		ChainID:           opts.ChainID,
		Token:             opts.Token,
		RatePerToken:      opts.RatePerToken,
		AccumulatedAmount: "0",
		Status:            ledger.StreamingStatusActive,
		CreatedAt:         now,
	}
	if err := e.store.PutStreaming(channel.toRow()); err != nil {
		return nil, fmt.Errorf("payment: write streaming agreement: %w", err)
	}
	entry := ledger.EntryRow{
		ID:        "stream-" + channelID,
		Type:      ledger.EntryTypeStreaming,
		Status:    ledger.EntryStatusStreaming,
		ChainID:   opts.ChainID,
		Token:     opts.Token,
		Amount:    "0",
		Recipient: opts.Recipient,
		Payer:     opts.Payer,
		JobID:     opts.JobID,
		CreatedAt: now,
	}
	if err := e.store.PutEntry(entry); err != nil {
		return nil, fmt.Errorf("payment: write streaming entry: %w", err)
	}
	e.mu.Lock()
	e.channels[channelID] = channel
	e.metrics.SetChannels(len(e.channels))
	e.mu.Unlock()
	e.log.Info("streaming channel opened",
		slog.String("channel", channelID),
		slog.String("rate", opts.RatePerToken))
	return channel, nil
}

func (e *Engine) invoiceIncrement(ctx context.Context, channel *StreamingAgreement, increment *big.Int) error {
	invoice := overlay.Invoice{
		ID:         uuid.NewString(),
		JobID:      channel.JobID,
		ChainID:    channel.ChainID,
		Token:      channel.Token,
		Amount:     wei.FromWei(increment),
		Recipient:  channel.Recipient,
		CreatedAt:  e.now().UnixMilli(),
		ValidUntil: e.now().Add(e.invoiceTTL).UnixMilli(),
	}
	if err := e.signInvoice(&invoice); err != nil {
		return err
	}
	e.metrics.RecordInvoice("streaming")
	if e.net == nil {
		return nil
	}
	env, err := overlay.NewEnvelope(e.net.SelfID(), overlay.InvoiceMessage{Invoice: invoice}, e.now().UnixMilli())
	if err != nil {
		return err
	}
	return e.net.SendDirect(ctx, channel.Payer, env)
}

// Channel returns a copy of a live streaming agreement. The per-channel
// mutex serialises the copy against concurrent tick and close mutation.
func (e *Engine) Channel(channelID string) (*StreamingAgreement, error) {
	lock := e.channelLock(channelID)
	lock.Lock()
	defer lock.Unlock()

	e.mu.Lock()
	channel, ok := e.channels[channelID]
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("payment: channel %s not found", channelID)
	}
	snapshot := *channel
	return &snapshot, nil
}

// CloseStreamingChannel settles and removes a channel. Closing an unknown or
// already-closed channel is an error; the caller's view is stale.
func (e *Engine) CloseStreamingChannel(channelID string) (*StreamingAgreement, error) {
	lock := e.channelLock(channelID)
	lock.Lock()
	defer lock.Unlock()

	e.mu.Lock()
	channel, ok := e.channels[channelID]
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("payment: channel %s not found", channelID)
	}

	now := e.now().UnixMilli()
	channel.Status = ledger.StreamingStatusClosed
	channel.ClosedAt = now
	if err := e.store.PutStreaming(channel.toRow()); err != nil {
		return nil, fmt.Errorf("payment: close streaming agreement: %w", err)
	}
	entry := ledger.EntryRow{
		ID:        "stream-" + channelID,
		Type:      ledger.EntryTypeStreaming,
		Status:    ledger.EntryStatusSettled,
		ChainID:   channel.ChainID,
		Token:     channel.Token,
		Amount:    channel.AccumulatedAmount,
		Recipient: channel.Recipient,
		Payer:     channel.Payer,
		JobID:     channel.JobID,
		CreatedAt: channel.CreatedAt,
		SettledAt: now,
	}
	if err := e.store.PutEntry(entry); err != nil {
		return nil, fmt.Errorf("payment: settle streaming entry: %w", err)
	}

	e.mu.Lock()
	delete(e.channels, channelID)
	e.metrics.SetChannels(len(e.channels))
	e.mu.Unlock()
	e.dropChannelLock(channelID)

	e.log.Info("streaming channel closed",
		slog.String("channel", channelID),
		slog.String("accumulated", channel.AccumulatedAmount))
	snapshot := *channel
	return &snapshot, nil
}
