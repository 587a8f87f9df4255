package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"agentmesh/ledger"
	"agentmesh/overlay"
)

// EscrowParams describes a new escrow agreement.
type EscrowParams struct {
	JobID            string
	Payer            string
	Recipient        string
	ChainID          uint64
	Token            string
	TokenAddress     string
	TotalAmount      string
	Milestones       []Milestone
	RequiresApproval bool
	Approver         string
}

// CreateEscrow locks a total amount against the supplied milestones and
// persists the agreement.
func (e *Engine) CreateEscrow(ctx context.Context, params EscrowParams) (*EscrowAgreement, error) {
	escrow := &EscrowAgreement{
		ID:               uuid.NewString(),
		JobID:            params.JobID,
		Payer:            params.Payer,
		Recipient:        params.Recipient,
		ChainID:          params.ChainID,
		Token:            params.Token,
		TotalAmount:      params.TotalAmount,
		Milestones:       append([]Milestone(nil), params.Milestones...),
		Status:           ledger.EscrowStatusLocked,
		RequiresApproval: params.RequiresApproval,
		Approver:         params.Approver,
		CreatedAt:        e.now().UnixMilli(),
	}
	for i := range escrow.Milestones {
		if escrow.Milestones[i].Status == "" {
			escrow.Milestones[i].Status = MilestonePending
		}
	}
	if err := escrow.Validate(); err != nil {
		return nil, err
	}

	row, err := escrow.toRow()
	if err != nil {
		return nil, err
	}
	if err := e.store.PutEscrow(row); err != nil {
		return nil, fmt.Errorf("payment: write escrow: %w", err)
	}

	e.mu.Lock()
	e.escrows[escrow.JobID] = escrow
	e.mu.Unlock()

	e.log.Info("escrow created",
		slog.String("job", escrow.JobID),
		slog.String("total", escrow.TotalAmount),
		slog.Int("milestones", len(escrow.Milestones)))
	return escrow.Clone(), nil
}

// Escrow returns a copy of the live escrow for a job.
func (e *Engine) Escrow(jobID string) (*EscrowAgreement, error) {
	e.mu.Lock()
	escrow, ok := e.escrows[jobID]
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: job %s", ErrEscrowNotFound, jobID)
	}
	return escrow.Clone(), nil
}

// ReleaseMilestone marks one milestone released and advances the escrow
// status. The commit goes through the store's compare-on-milestones update,
// so of two concurrent releases for the same milestone exactly one wins; the
// loser learns whether it lost to the same release or to an unrelated
// concurrent change.
func (e *Engine) ReleaseMilestone(ctx context.Context, jobID, milestoneID, caller string) (*EscrowAgreement, error) {
	e.mu.Lock()
	current, ok := e.escrows[jobID]
	if ok {
		current = current.Clone()
	}
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: job %s", ErrEscrowNotFound, jobID)
	}

	if current.RequiresApproval && !strings.EqualFold(caller, current.Approver) {
		e.metrics.RecordError("escrow", "unauthorized")
		return nil, fmt.Errorf("%w: %s", ErrUnauthorized, caller)
	}

	idx := current.FindMilestone(milestoneID)
	if idx < 0 {
		return nil, fmt.Errorf("%w: %s", ErrMilestoneNotFound, milestoneID)
	}
	milestone := current.Milestones[idx]
	if milestone.Released {
		return nil, fmt.Errorf("%w: milestone %s", ErrAlreadyReleased, milestoneID)
	}
	if milestone.Status == MilestoneCancelled {
		return nil, fmt.Errorf("%w: milestone %s is cancelled", ErrInvalidTransition, milestoneID)
	}

	expectedBlob, err := ledger.EncodeJSON(current.Milestones)
	if err != nil {
		return nil, err
	}

	next := current.Clone()
	next.Milestones[idx].Released = true
	next.Milestones[idx].Status = MilestoneReleased
	next.Milestones[idx].ReleasedAt = e.now().UnixMilli()
	newStatus := next.nextStatus()
	if !canTransition(current.Status, newStatus) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, newStatus)
	}
	next.Status = newStatus

	newBlob, err := ledger.EncodeJSON(next.Milestones)
	if err != nil {
		return nil, err
	}
	err = e.store.UpdateEscrowIfMilestonesUnchanged(current.ID, expectedBlob, newBlob, newStatus)
	if errors.Is(err, ledger.ErrConditionFailed) {
		return nil, e.classifyEscrowConflict(jobID, milestoneID)
	}
	if err != nil {
		return nil, fmt.Errorf("payment: escrow update: %w", err)
	}

	e.mu.Lock()
	e.escrows[jobID] = next
	e.mu.Unlock()

	// The released amount becomes a queued liability toward the recipient.
	invoice := overlay.Invoice{
		ID:         uuid.NewString(),
		JobID:      jobID,
		ChainID:    next.ChainID,
		Token:      next.Token,
		Amount:     milestone.Amount,
		Recipient:  next.Recipient,
		CreatedAt:  e.now().UnixMilli(),
		ValidUntil: e.now().Add(e.invoiceTTL).UnixMilli(),
	}
	entry := ledger.EntryRow{
		ID:        invoice.ID,
		Type:      ledger.EntryTypeEscrow,
		Status:    ledger.EntryStatusPending,
		ChainID:   next.ChainID,
		Token:     next.Token,
		Amount:    milestone.Amount,
		Recipient: next.Recipient,
		Payer:     next.Payer,
		JobID:     jobID,
		CreatedAt: e.now().UnixMilli(),
	}
	e.mu.Lock()
	queueErr := e.enqueueLocked(queuedInvoice{invoice: invoice, entry: entry})
	e.mu.Unlock()
	if queueErr != nil {
		e.log.Warn("released milestone could not be queued",
			slog.String("milestone", milestoneID), slog.Any("error", queueErr))
	}
	e.metrics.RecordInvoice("escrow")

	e.log.Info("milestone released",
		slog.String("job", jobID),
		slog.String("milestone", milestoneID),
		slog.String("status", newStatus))
	return next.Clone(), nil
}

// classifyEscrowConflict reloads the escrow after a failed conditional update
// and distinguishes a lost duplicate-release race from an unrelated change.
func (e *Engine) classifyEscrowConflict(jobID, milestoneID string) error {
	rows, err := e.store.Escrows()
	if err != nil {
		return ErrConcurrentUpdate
	}
	for _, row := range rows {
		if row.JobID != jobID {
			continue
		}
		escrow, err := escrowFromRow(row)
		if err != nil {
			return ErrConcurrentUpdate
		}
		e.mu.Lock()
		e.escrows[jobID] = escrow
		e.mu.Unlock()
		if idx := escrow.FindMilestone(milestoneID); idx >= 0 && escrow.Milestones[idx].Released {
			return fmt.Errorf("%w: milestone %s", ErrAlreadyReleased, milestoneID)
		}
	}
	return ErrConcurrentUpdate
}

// CancelMilestone voids a pending milestone. When every milestone ends up
// cancelled, the escrow collapses to cancelled.
func (e *Engine) CancelMilestone(ctx context.Context, jobID, milestoneID, caller string) (*EscrowAgreement, error) {
	e.mu.Lock()
	current, ok := e.escrows[jobID]
	if ok {
		current = current.Clone()
	}
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: job %s", ErrEscrowNotFound, jobID)
	}
	if current.RequiresApproval && !strings.EqualFold(caller, current.Approver) {
		return nil, fmt.Errorf("%w: %s", ErrUnauthorized, caller)
	}
	idx := current.FindMilestone(milestoneID)
	if idx < 0 {
		return nil, fmt.Errorf("%w: %s", ErrMilestoneNotFound, milestoneID)
	}
	if current.Milestones[idx].Released {
		return nil, fmt.Errorf("%w: milestone %s", ErrAlreadyReleased, milestoneID)
	}
	if current.Milestones[idx].Status == MilestoneCancelled {
		return current.Clone(), nil
	}

	expectedBlob, err := ledger.EncodeJSON(current.Milestones)
	if err != nil {
		return nil, err
	}
	next := current.Clone()
	next.Milestones[idx].Status = MilestoneCancelled
	newStatus := next.nextStatus()
	if !canTransition(current.Status, newStatus) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, newStatus)
	}
	next.Status = newStatus

	newBlob, err := ledger.EncodeJSON(next.Milestones)
	if err != nil {
		return nil, err
	}
	err = e.store.UpdateEscrowIfMilestonesUnchanged(current.ID, expectedBlob, newBlob, newStatus)
	if errors.Is(err, ledger.ErrConditionFailed) {
		return nil, e.classifyEscrowConflict(jobID, milestoneID)
	}
	if err != nil {
		return nil, fmt.Errorf("payment: escrow update: %w", err)
	}

	e.mu.Lock()
	e.escrows[jobID] = next
	e.mu.Unlock()

	e.log.Info("milestone cancelled",
		slog.String("job", jobID),
		slog.String("milestone", milestoneID),
		slog.String("status", newStatus))
	return next.Clone(), nil
}
