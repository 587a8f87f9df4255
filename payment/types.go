// Package payment implements the node's three pricing disciplines: one-shot
// invoices with a bounded waiter, per-token streaming meters, and milestone
// escrows, plus pro-rata swarm splits. The engine owns the live in-memory
// maps; every mutation writes through to the ledger store.
package payment

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"agentmesh/ledger"
	"agentmesh/wei"
)

// Engine errors.
var (
	ErrEscrowNotFound    = errors.New("payment: escrow not found")
	ErrMilestoneNotFound = errors.New("payment: milestone not found")
	ErrInvalidTransition = errors.New("payment: invalid status transition")
	ErrAlreadyReleased   = errors.New("payment: milestone already released")
	ErrConcurrentUpdate  = errors.New("payment: concurrent escrow update")
	ErrUnauthorized      = errors.New("payment: caller is not the approver")
	ErrAlreadySettled    = errors.New("payment: already settled")
	ErrPaymentTimeout    = errors.New("payment: payment timeout")
	ErrUnknownInvoice    = errors.New("payment: unknown invoice")
	ErrUnsolicited       = errors.New("payment: unsolicited invoice")
	ErrChannelClosed     = errors.New("payment: streaming channel closed")
	ErrQueueFull         = errors.New("payment: invoice queue full, settle before enqueueing more")
)

// Milestone is one releasable chunk of an escrow's total.
type Milestone struct {
	ID         string `json:"id"`
	Amount     string `json:"amount"`
	Released   bool   `json:"released"`
	Status     string `json:"status"`
	ReleasedAt int64  `json:"releasedAt,omitempty"`
}

// Milestone statuses.
const (
	MilestonePending   = "pending"
	MilestoneReleased  = "released"
	MilestoneCancelled = "cancelled"
)

// EscrowAgreement locks a total amount against a set of milestones.
type EscrowAgreement struct {
	ID               string      `json:"id"`
	JobID            string      `json:"jobId"`
	Payer            string      `json:"payer"`
	Recipient        string      `json:"recipient"`
	ChainID          uint64      `json:"chainId"`
	Token            string      `json:"token"`
	TotalAmount      string      `json:"totalAmount"`
	Milestones       []Milestone `json:"milestones"`
	Status           string      `json:"status"`
	RequiresApproval bool        `json:"requiresApproval"`
	Approver         string      `json:"approver,omitempty"`
	CreatedAt        int64       `json:"createdAt"`
}

// escrowTransitions is the escrow status graph. Terminal states have no
// outgoing edges.
var escrowTransitions = map[string][]string{
	ledger.EscrowStatusLocked: {
		ledger.EscrowStatusPartiallyReleased,
		ledger.EscrowStatusFullyReleased,
		ledger.EscrowStatusCancelled,
	},
	ledger.EscrowStatusPartiallyReleased: {
		ledger.EscrowStatusFullyReleased,
		ledger.EscrowStatusCancelled,
	},
}

func canTransition(from, to string) bool {
	if from == to {
		return true
	}
	for _, next := range escrowTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Validate checks structural invariants before the escrow is persisted.
func (e *EscrowAgreement) Validate() error {
	if e == nil {
		return errors.New("payment: escrow must not be nil")
	}
	if strings.TrimSpace(e.ID) == "" || strings.TrimSpace(e.JobID) == "" {
		return errors.New("payment: escrow id and jobId required")
	}
	if len(e.Milestones) == 0 {
		return errors.New("payment: escrow requires at least one milestone")
	}
	amounts := make([]string, 0, len(e.Milestones))
	for _, m := range e.Milestones {
		if strings.TrimSpace(m.ID) == "" {
			return errors.New("payment: milestone id required")
		}
		value, err := wei.ToWei(m.Amount)
		if err != nil {
			return fmt.Errorf("payment: milestone %s: %w", m.ID, err)
		}
		if value.Sign() <= 0 {
			return fmt.Errorf("payment: milestone %s amount must be positive", m.ID)
		}
		amounts = append(amounts, m.Amount)
	}
	if err := wei.ValidateMilestonesTotal(amounts, e.TotalAmount); err != nil {
		return err
	}
	if e.RequiresApproval && strings.TrimSpace(e.Approver) == "" {
		return errors.New("payment: approval required but no approver set")
	}
	return nil
}

// Clone returns a deep copy so callers cannot mutate engine state.
func (e *EscrowAgreement) Clone() *EscrowAgreement {
	if e == nil {
		return nil
	}
	copied := *e
	copied.Milestones = append([]Milestone(nil), e.Milestones...)
	return &copied
}

// FindMilestone returns the index of a milestone or -1.
func (e *EscrowAgreement) FindMilestone(id string) int {
	for i := range e.Milestones {
		if e.Milestones[i].ID == id {
			return i
		}
	}
	return -1
}

// nextStatus derives the escrow status from its milestones. Cancelled
// milestones are excluded from the release count; an escrow whose milestones
// are all cancelled collapses to cancelled.
func (e *EscrowAgreement) nextStatus() string {
	active, released := 0, 0
	for _, m := range e.Milestones {
		if m.Status == MilestoneCancelled {
			continue
		}
		active++
		if m.Released {
			released++
		}
	}
	switch {
	case active == 0:
		return ledger.EscrowStatusCancelled
	case released == active:
		return ledger.EscrowStatusFullyReleased
	case released > 0:
		return ledger.EscrowStatusPartiallyReleased
	default:
		return ledger.EscrowStatusLocked
	}
}

func (e *EscrowAgreement) toRow() (ledger.EscrowRow, error) {
	blob, err := ledger.EncodeJSON(e.Milestones)
	if err != nil {
		return ledger.EscrowRow{}, err
	}
	return ledger.EscrowRow{
		ID:               e.ID,
		JobID:            e.JobID,
		Payer:            e.Payer,
		Recipient:        e.Recipient,
		ChainID:          e.ChainID,
		Token:            e.Token,
		TotalAmount:      e.TotalAmount,
		Milestones:       blob,
		Status:           e.Status,
		RequiresApproval: e.RequiresApproval,
		Approver:         e.Approver,
		CreatedAt:        e.CreatedAt,
	}, nil
}

func escrowFromRow(row ledger.EscrowRow) (*EscrowAgreement, error) {
	var milestones []Milestone
	if err := ledger.DecodeJSON(row.Milestones, &milestones); err != nil {
		return nil, fmt.Errorf("payment: decode milestones for %s: %w", row.ID, err)
	}
	return &EscrowAgreement{
		ID:               row.ID,
		JobID:            row.JobID,
		Payer:            row.Payer,
		Recipient:        row.Recipient,
		ChainID:          row.ChainID,
		Token:            row.Token,
		TotalAmount:      row.TotalAmount,
		Milestones:       milestones,
		Status:           row.Status,
		RequiresApproval: row.RequiresApproval,
		Approver:         row.Approver,
		CreatedAt:        row.CreatedAt,
	}, nil
}

// StreamingAgreement meters token generation against a fixed per-token rate.
type StreamingAgreement struct {
	ID                string `json:"id"`
	JobID             string `json:"jobId"`
	Payer             string `json:"payer"`
	Recipient         string `json:"recipient"`
	ChainID           uint64 `json:"chainId"`
	Token             string `json:"token"`
	RatePerToken      string `json:"ratePerToken"`
	AccumulatedAmount string `json:"accumulatedAmount"`
	LastTick          int64  `json:"lastTick"`
	Status            string `json:"status"`
	CreatedAt         int64  `json:"createdAt"`
	ClosedAt          int64  `json:"closedAt,omitempty"`
}

// TotalTokens estimates how many tokens the accumulated amount covers. The
// division rounds to nearest; the estimate is intentionally approximate when
// the rate does not divide the total evenly.
func (s *StreamingAgreement) TotalTokens() (int64, error) {
	rate, err := wei.ToWei(s.RatePerToken)
	if err != nil {
		return 0, err
	}
	if rate.Sign() <= 0 {
		return 0, nil
	}
	acc, err := wei.ToWei(s.AccumulatedAmount)
	if err != nil {
		return 0, err
	}
	half := new(big.Int).Rsh(rate, 1)
	rounded := new(big.Int).Add(acc, half)
	rounded.Div(rounded, rate)
	return rounded.Int64(), nil
}

func (s *StreamingAgreement) toRow() ledger.StreamingRow {
	return ledger.StreamingRow{
		ID:                s.ID,
		JobID:             s.JobID,
		Payer:             s.Payer,
		Recipient:         s.Recipient,
		ChainID:           s.ChainID,
		Token:             s.Token,
		RatePerToken:      s.RatePerToken,
		AccumulatedAmount: s.AccumulatedAmount,
		LastTick:          s.LastTick,
		Status:            s.Status,
		CreatedAt:         s.CreatedAt,
		ClosedAt:          s.ClosedAt,
	}
}

// SwarmParticipant is one recipient of a swarm split.
type SwarmParticipant struct {
	PeerID        string  `json:"peerId"`
	WalletAddress string  `json:"walletAddress"`
	Contribution  float64 `json:"contribution"`
	Amount        string  `json:"amount,omitempty"`
}

// SwarmSplit divides one payment across participants pro rata.
type SwarmSplit struct {
	ID           string             `json:"id"`
	JobID        string             `json:"jobId"`
	Payer        string             `json:"payer"`
	TotalAmount  string             `json:"totalAmount"`
	ChainID      uint64             `json:"chainId"`
	Token        string             `json:"token"`
	Participants []SwarmParticipant `json:"participants"`
	Status       string             `json:"status"`
	CreatedAt    int64              `json:"createdAt"`
}
