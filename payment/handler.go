package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"agentmesh/ledger"
	"agentmesh/overlay"
)

// ExpectInvoice registers that an outbound request to expectedRecipient may
// produce an invoice for jobID before expiresAt. The dispatcher consults this
// index to reject unsolicited invoices.
func (e *Engine) ExpectInvoice(jobID, expectedRecipient string, expiresAt int64) error {
	return e.store.PutExpectedInvoice(ledger.ExpectedInvoiceRow{
		JobID:             jobID,
		ExpectedRecipient: expectedRecipient,
		ExpiresAt:         expiresAt,
	})
}

// ForgetExpectedInvoice drops the expectation once the job is finished.
func (e *Engine) ForgetExpectedInvoice(jobID string) {
	if err := e.store.DeleteExpectedInvoice(jobID); err != nil {
		e.log.Warn("expected-invoice cleanup failed",
			slog.String("job", jobID), slog.Any("error", err))
	}
}

// HandlePaymentMessage routes one inbound payment-flavoured message. It
// implements the dispatcher's payment sink.
func (e *Engine) HandlePaymentMessage(ctx context.Context, from string, msg overlay.Message) error {
	switch m := msg.(type) {
	case overlay.InvoiceMessage:
		return e.acceptInvoice(ctx, from, m.Invoice)
	case overlay.PaymentProofMessage:
		_, err := e.VerifyPayment(ctx, m.Proof)
		return err
	case overlay.StreamingTick:
		channelID := m.ChannelID
		if channelID == "" {
			channelID = from
		}
		_, err := e.RecordTokens(ctx, channelID, int64(m.TokensGenerated), StreamOptions{Payer: from})
		return err
	case overlay.EscrowApproval:
		_, err := e.ReleaseMilestone(ctx, m.JobID, m.MilestoneID, from)
		return err
	case overlay.SwarmDistribution:
		return e.acceptSwarmInvoices(from, m.Invoices)
	default:
		return fmt.Errorf("payment: unhandled message type %s", msg.MessageType())
	}
}

// acceptInvoice validates an inbound invoice against the expected-invoice
// index and the sender's signature, then queues it for settlement.
func (e *Engine) acceptInvoice(ctx context.Context, from string, invoice overlay.Invoice) error {
	if err := invoice.Validate(); err != nil {
		return err
	}
	expected, err := e.store.ExpectedInvoice(invoice.JobID)
	if errors.Is(err, ledger.ErrNotFound) {
		e.metrics.RecordError("invoice", "unsolicited")
		return fmt.Errorf("%w: no expectation for job %s", ErrUnsolicited, invoice.JobID)
	}
	if err != nil {
		return err
	}
	if expected.ExpiresAt > 0 && expected.ExpiresAt < e.now().UnixMilli() {
		e.metrics.RecordError("invoice", "expired")
		return fmt.Errorf("%w: expectation for job %s expired", ErrUnsolicited, invoice.JobID)
	}
	if !strings.EqualFold(expected.ExpectedRecipient, from) {
		e.metrics.RecordError("invoice", "wrong_sender")
		return fmt.Errorf("%w: invoice for job %s from %s, expected %s",
			ErrUnsolicited, invoice.JobID, from, expected.ExpectedRecipient)
	}
	if invoice.Signature != "" {
		if err := invoice.VerifySignature(from); err != nil {
			e.metrics.RecordError("invoice", "bad_signature")
			return err
		}
	}
	if err := e.QueueInvoice(invoice); err != nil {
		return err
	}
	e.ForgetExpectedInvoice(invoice.JobID)
	e.log.Info("invoice accepted",
		slog.String("invoice", invoice.ID),
		slog.String("job", invoice.JobID),
		slog.String("amount", invoice.Amount),
		slog.String("from", from))
	return nil
}

// acceptSwarmInvoices records the subset of a swarm distribution addressed
// to this node's wallet as pending receivables. The payer settles them; this
// side only tracks what it is owed.
func (e *Engine) acceptSwarmInvoices(from string, invoices []overlay.Invoice) error {
	recorded := 0
	for _, invoice := range invoices {
		if !strings.EqualFold(invoice.Recipient, e.wallet) {
			continue
		}
		if err := invoice.Validate(); err != nil {
			e.log.Warn("dropping invalid swarm invoice",
				slog.String("invoice", invoice.ID), slog.Any("error", err))
			continue
		}
		entry := ledger.EntryRow{
			ID:        invoice.ID,
			Type:      ledger.EntryTypeSwarm,
			Status:    ledger.EntryStatusPending,
			ChainID:   invoice.ChainID,
			Token:     invoice.Token,
			Amount:    invoice.Amount,
			Recipient: invoice.Recipient,
			Payer:     from,
			JobID:     invoice.JobID,
			CreatedAt: e.now().UnixMilli(),
		}
		if err := e.store.PutEntry(entry); err != nil {
			return fmt.Errorf("payment: record swarm receivable: %w", err)
		}
		recorded++
	}
	if recorded > 0 {
		e.log.Info("swarm receivables recorded",
			slog.Int("count", recorded), slog.String("from", from))
	}
	return nil
}
