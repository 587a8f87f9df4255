// Package ledger persists the node's economic state in a single relational
// store: one table per entity, string amounts, unix-millisecond timestamps,
// JSON blobs for nested collections. The payment state machine owns all
// writes; in-memory maps shadow these tables and never bypass them.
package ledger

import "encoding/json"

// Escrow statuses.
const (
	EscrowStatusLocked            = "locked"
	EscrowStatusPartiallyReleased = "partially-released"
	EscrowStatusFullyReleased     = "fully-released"
	EscrowStatusCancelled         = "cancelled"
)

// Ledger entry types.
const (
	EntryTypeStandard  = "standard"
	EntryTypeStreaming = "streaming"
	EntryTypeEscrow    = "escrow"
	EntryTypeSwarm     = "swarm"
)

// Ledger entry statuses.
const (
	EntryStatusPending   = "pending"
	EntryStatusStreaming = "streaming"
	EntryStatusSettled   = "settled"
	EntryStatusFailed    = "failed"
	EntryStatusCancelled = "cancelled"
)

// Streaming agreement statuses.
const (
	StreamingStatusActive = "active"
	StreamingStatusClosed = "closed"
)

// Swarm split statuses.
const (
	SwarmStatusPending     = "pending"
	SwarmStatusDistributed = "distributed"
	SwarmStatusFailed      = "failed"
)

// Timed-out payment statuses.
const (
	TimedOutStatusWaiting   = "waiting"
	TimedOutStatusRecovered = "recovered"
)

// EscrowRow is the durable form of an escrow agreement. Milestones are a
// JSON-encoded array; the encoded blob doubles as the compare value for the
// conditional update.
type EscrowRow struct {
	ID               string `gorm:"primaryKey;column:id"`
	JobID            string `gorm:"column:job_id;index"`
	Payer            string `gorm:"column:payer"`
	Recipient        string `gorm:"column:recipient"`
	ChainID          uint64 `gorm:"column:chain_id"`
	Token            string `gorm:"column:token"`
	TotalAmount      string `gorm:"column:total_amount"`
	Milestones       string `gorm:"column:milestones"`
	Status           string `gorm:"column:status"`
	RequiresApproval bool   `gorm:"column:requires_approval"`
	Approver         string `gorm:"column:approver"`
	CreatedAt        int64  `gorm:"column:created_at"`
}

// TableName pins the table name independent of gorm pluralisation rules.
func (EscrowRow) TableName() string { return "escrows" }

// EntryRow is one authoritative economic event.
type EntryRow struct {
	ID        string `gorm:"primaryKey;column:id"`
	Type      string `gorm:"column:type"`
	Status    string `gorm:"column:status;index"`
	ChainID   uint64 `gorm:"column:chain_id"`
	Token     string `gorm:"column:token"`
	Amount    string `gorm:"column:amount"`
	Recipient string `gorm:"column:recipient"`
	Payer     string `gorm:"column:payer"`
	JobID     string `gorm:"column:job_id;index"`
	CreatedAt int64  `gorm:"column:created_at"`
	SettledAt int64  `gorm:"column:settled_at"`
	TxHash    string `gorm:"column:tx_hash"`
	Metadata  string `gorm:"column:metadata"`
}

// TableName pins the table name.
func (EntryRow) TableName() string { return "ledger_entries" }

// StreamingRow is the durable form of a streaming agreement.
type StreamingRow struct {
	ID                string `gorm:"primaryKey;column:id"`
	JobID             string `gorm:"column:job_id;index"`
	Payer             string `gorm:"column:payer"`
	Recipient         string `gorm:"column:recipient"`
	ChainID           uint64 `gorm:"column:chain_id"`
	Token             string `gorm:"column:token"`
	RatePerToken      string `gorm:"column:rate_per_token"`
	AccumulatedAmount string `gorm:"column:accumulated_amount"`
	LastTick          int64  `gorm:"column:last_tick"`
	Status            string `gorm:"column:status;index"`
	CreatedAt         int64  `gorm:"column:created_at"`
	ClosedAt          int64  `gorm:"column:closed_at"`
}

// TableName pins the table name.
func (StreamingRow) TableName() string { return "streaming_agreements" }

// SwarmRow is the durable form of a swarm split. Participants are a
// JSON-encoded array.
type SwarmRow struct {
	ID           string `gorm:"primaryKey;column:id"`
	JobID        string `gorm:"column:job_id;index"`
	Payer        string `gorm:"column:payer"`
	TotalAmount  string `gorm:"column:total_amount"`
	ChainID      uint64 `gorm:"column:chain_id"`
	Token        string `gorm:"column:token"`
	Participants string `gorm:"column:participants"`
	Status       string `gorm:"column:status"`
	CreatedAt    int64  `gorm:"column:created_at"`
}

// TableName pins the table name.
func (SwarmRow) TableName() string { return "swarm_splits" }

// PendingSettlementRow is an invoice awaiting on-chain settlement.
type PendingSettlementRow struct {
	ID        string `gorm:"primaryKey;column:id"`
	Invoice   string `gorm:"column:invoice"`
	Recipient string `gorm:"column:recipient;index"`
	ChainID   uint64 `gorm:"column:chain_id"`
	Token     string `gorm:"column:token"`
	Amount    string `gorm:"column:amount"`
	CreatedAt int64  `gorm:"column:created_at"`
}

// TableName pins the table name.
func (PendingSettlementRow) TableName() string { return "pending_settlements" }

// ProcessedProofRow is the replay-protection record for one verified payment
// proof. TxHash is the primary key, so a second insert of the same hash is a
// no-op the caller can detect.
type ProcessedProofRow struct {
	TxHash      string `gorm:"primaryKey;column:tx_hash"`
	ChainID     uint64 `gorm:"column:chain_id"`
	InvoiceID   string `gorm:"column:invoice_id;index"`
	ProcessedAt int64  `gorm:"column:processed_at"`
}

// TableName pins the table name.
func (ProcessedProofRow) TableName() string { return "processed_proofs" }

// TimedOutPaymentRow records a pending invoice whose waiter deadline elapsed.
// The invoice stays recoverable: a matching proof arriving later flips the
// status to recovered.
type TimedOutPaymentRow struct {
	InvoiceID string `gorm:"primaryKey;column:invoice_id"`
	Invoice   string `gorm:"column:invoice"`
	Amount    string `gorm:"column:amount"`
	ChainID   uint64 `gorm:"column:chain_id"`
	Recipient string `gorm:"column:recipient"`
	Status    string `gorm:"column:status"`
	TimedOut  int64  `gorm:"column:timed_out_at"`
}

// TableName pins the table name.
func (TimedOutPaymentRow) TableName() string { return "timed_out_payments" }

// ExpectedInvoiceRow is written when this node issues an agent-request and
// consumed by the dispatcher to reject unsolicited invoices.
type ExpectedInvoiceRow struct {
	JobID             string `gorm:"primaryKey;column:job_id"`
	ExpectedRecipient string `gorm:"column:expected_recipient"`
	ExpiresAt         int64  `gorm:"column:expires_at;index"`
}

// TableName pins the table name.
func (ExpectedInvoiceRow) TableName() string { return "expected_invoices" }

// EncodeJSON renders a nested collection for blob storage.
func EncodeJSON(v interface{}) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// DecodeJSON round-trips a stored blob back into its collection type.
func DecodeJSON(blob string, out interface{}) error {
	if blob == "" {
		return nil
	}
	return json.Unmarshal([]byte(blob), out)
}
