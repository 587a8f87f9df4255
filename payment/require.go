package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"agentmesh/ledger"
	"agentmesh/overlay"
	"agentmesh/wei"
)

// PricingRequest describes one piece of work to be invoiced up front.
type PricingRequest struct {
	JobID        string
	Payer        string
	ChainID      uint64
	Token        string
	TokenAddress string
	Amount       string
}

type pendingOutcome struct {
	proof overlay.PaymentProof
	err   error
}

// pendingPayment is one armed payment waiter. The settled sentinel enforces
// first-wins between the timer, an inbound proof, and caller cancellation.
type pendingPayment struct {
	invoice overlay.Invoice
	entry   ledger.EntryRow
	timer   *time.Timer
	done    chan pendingOutcome

	mu      sync.Mutex
	settled bool
}

// settle delivers the outcome exactly once. Later callers observe the
// sentinel and become no-ops.
func (p *pendingPayment) settle(out pendingOutcome) bool {
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

// RequirePayment issues a signed invoice to the payer, records the pending
// ledger row before the invoice leaves the node, and blocks until a verified
// proof arrives or the waiter deadline fires. On timeout the invoice moves to
// the timed-out index where a late proof can still recover it.
func (e *Engine) RequirePayment(ctx context.Context, req PricingRequest) (*overlay.PaymentProof, error) {
	amount, err := wei.ToWei(req.Amount)
	if err != nil {
		return nil, err
	}
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", wei.ErrInvalidAmount)
	}
	now := e.now()
	invoice := overlay.Invoice{
		ID:           uuid.NewString(),
		JobID:        req.JobID,
		ChainID:      req.ChainID,
		Token:        req.Token,
		TokenAddress: req.TokenAddress,
		Amount:       req.Amount,
		Recipient:    e.wallet,
		CreatedAt:    now.UnixMilli(),
		ValidUntil:   now.Add(e.invoiceTTL).UnixMilli(),
	}
	if err := invoice.Validate(); err != nil {
		return nil, err
	}
	if err := e.signInvoice(&invoice); err != nil {
		return nil, fmt.Errorf("payment: sign invoice: %w", err)
	}

	entry := ledger.EntryRow{
		ID:        invoice.ID,
		Type:      ledger.EntryTypeStandard,
		Status:    ledger.EntryStatusPending,
		ChainID:   invoice.ChainID,
		Token:     invoice.Token,
		Amount:    invoice.Amount,
		Recipient: invoice.Recipient,
		Payer:     req.Payer,
		JobID:     invoice.JobID,
		CreatedAt: now.UnixMilli(),
	}
	// The ledger row must exist before the invoice is transmitted.
	if err := e.store.PutEntry(entry); err != nil {
		return nil, fmt.Errorf("payment: write pending entry: %w", err)
	}

	waiter := &pendingPayment{
		invoice: invoice,
		entry:   entry,
		done:    make(chan pendingOutcome, 1),
	}
	e.mu.Lock()
	e.pending[invoice.ID] = waiter
	e.metrics.SetPending(len(e.pending))
	e.mu.Unlock()
	e.metrics.RecordInvoice("standard")

	if err := e.publishInvoice(ctx, req.Payer, invoice); err != nil {
		e.removePending(invoice.ID)
		e.metrics.RecordError("require", "transport")
		return nil, fmt.Errorf("payment: publish invoice: %w", err)
	}

	waiter.timer = time.AfterFunc(e.waitTimeout, func() { e.expirePayment(invoice.ID) })

	select {
	case out := <-waiter.done:
		if out.err != nil {
			return nil, out.err
		}
		proof := out.proof
		return &proof, nil
	case <-ctx.Done():
		if waiter.settle(pendingOutcome{err: ctx.Err()}) {
			e.removePending(invoice.ID)
		}
		return nil, ctx.Err()
	}
}

func (e *Engine) publishInvoice(ctx context.Context, payer string, invoice overlay.Invoice) error {
	if e.net == nil {
		return nil
	}
	env, err := overlay.NewEnvelope(e.net.SelfID(), overlay.InvoiceMessage{Invoice: invoice}, e.now().UnixMilli())
	if err != nil {
		return err
	}
	return e.net.SendDirect(ctx, payer, env)
}

func (e *Engine) removePending(invoiceID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.pending, invoiceID)
	e.metrics.SetPending(len(e.pending))
}

// expirePayment is the waiter timer callback. Losing the race against an
// inbound proof makes it a no-op.
func (e *Engine) expirePayment(invoiceID string) {
	e.mu.Lock()
	waiter, ok := e.pending[invoiceID]
	e.mu.Unlock()
	if !ok {
		return
	}
	if !waiter.settle(pendingOutcome{err: ErrPaymentTimeout}) {
		return
	}
	e.removePending(invoiceID)

	blob, err := ledger.EncodeJSON(waiter.invoice)
	if err != nil {
		e.log.Error("encode timed-out invoice", slog.Any("error", err))
		return
	}
	row := ledger.TimedOutPaymentRow{
		InvoiceID: waiter.invoice.ID,
		Invoice:   blob,
		Amount:    waiter.invoice.Amount,
		ChainID:   waiter.invoice.ChainID,
		Recipient: waiter.invoice.Recipient,
		Status:    ledger.TimedOutStatusWaiting,
		TimedOut:  e.now().UnixMilli(),
	}
	if err := e.store.PutTimedOutPayment(row); err != nil {
		e.log.Error("record timed-out payment",
			slog.String("invoice", waiter.invoice.ID), slog.Any("error", err))
	}
	e.metrics.RecordError("require", "timeout")
	e.log.Warn("payment waiter timed out",
		slog.String("invoice", waiter.invoice.ID),
		slog.String("amount", waiter.invoice.Amount))
}

// VerifyPayment checks an inbound proof against the processed-proof set, the
// live and timed-out invoices, and the chain, then commits the proof and any
// timed-out recovery in one ledger transaction. It returns true only when
// this call was the one that consumed the proof.
func (e *Engine) VerifyPayment(ctx context.Context, proof overlay.PaymentProof) (bool, error) {
	if err := proof.Validate(); err != nil {
		e.metrics.RecordProof("malformed")
		return false, err
	}
	seen, err := e.store.HasProcessedProof(proof.TxHash)
	if err != nil {
		return false, err
	}
	if seen {
		e.metrics.RecordProof("replay")
		return false, fmt.Errorf("%w: proof %s", ErrAlreadySettled, proof.TxHash)
	}

	e.mu.Lock()
	waiter, live := e.pending[proof.InvoiceID]
	e.mu.Unlock()

	var invoice overlay.Invoice
	switch {
	case live:
		invoice = waiter.invoice
	default:
		row, err := e.store.TimedOutPayment(proof.InvoiceID)
		if errors.Is(err, ledger.ErrNotFound) {
			e.metrics.RecordProof("unsolicited")
			return false, fmt.Errorf("%w: %s", ErrUnknownInvoice, proof.InvoiceID)
		}
		if err != nil {
			return false, err
		}
		if err := ledger.DecodeJSON(row.Invoice, &invoice); err != nil {
			return false, fmt.Errorf("payment: decode timed-out invoice: %w", err)
		}
	}

	if e.settler != nil {
		if err := e.settler.VerifyPayment(ctx, proof, invoice); err != nil {
			e.metrics.RecordProof("mismatch")
			return false, fmt.Errorf("payment: on-chain verification: %w", err)
		}
	}

	// The tx-hash primary key is the canonical at-most-once gate. Two
	// concurrent calls both pass the checks above; exactly one insert wins.
	err = e.store.MarkProofProcessed(ledger.ProcessedProofRow{
		TxHash:    proof.TxHash,
		ChainID:   proof.ChainID,
		InvoiceID: proof.InvoiceID,
	})
	if errors.Is(err, ledger.ErrProofAlreadyProcessed) {
		e.metrics.RecordProof("replay")
		return false, fmt.Errorf("%w: proof %s", ErrAlreadySettled, proof.TxHash)
	}
	if err != nil {
		return false, err
	}

	if live && waiter.settle(pendingOutcome{proof: proof}) {
		e.removePending(proof.InvoiceID)
	}

	settledAt := e.now().UnixMilli()
	entry := ledger.EntryRow{
		ID:        invoice.ID,
		Type:      ledger.EntryTypeStandard,
		Status:    ledger.EntryStatusSettled,
		ChainID:   invoice.ChainID,
		Token:     invoice.Token,
		Amount:    invoice.Amount,
		Recipient: invoice.Recipient,
		JobID:     invoice.JobID,
		CreatedAt: invoice.CreatedAt,
		SettledAt: settledAt,
		TxHash:    proof.TxHash,
	}
	if live {
		entry.Payer = waiter.entry.Payer
		entry.CreatedAt = waiter.entry.CreatedAt
	}
	if err := e.store.PutEntry(entry); err != nil {
		e.log.Error("settled entry write failed",
			slog.String("invoice", invoice.ID), slog.Any("error", err))
	}
	e.metrics.RecordProof("accepted")
	e.log.Info("payment proof accepted",
		slog.String("invoice", invoice.ID),
		slog.String("tx", proof.TxHash))
	return true, nil
}
