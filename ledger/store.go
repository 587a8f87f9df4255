package ledger

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Store errors.
var (
	// ErrNotFound is returned when a keyed lookup matches no row.
	ErrNotFound = errors.New("ledger: not found")
	// ErrConditionFailed is returned when a conditional update matched no
	// row, either because the key is gone or the compare value changed.
	ErrConditionFailed = errors.New("ledger: conditional update failed")
	// ErrProofAlreadyProcessed is returned when a payment proof's
	// transaction hash has already been recorded.
	ErrProofAlreadyProcessed = errors.New("ledger: proof already processed")
)

// Store wraps the relational ledger database. All methods are safe for
// concurrent use; sqlite serialises writers underneath.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

var allModels = []interface{}{
	&EscrowRow{},
	&EntryRow{},
	&StreamingRow{},
	&SwarmRow{},
	&PendingSettlementRow{},
	&ProcessedProofRow{},
	&TimedOutPaymentRow{},
	&ExpectedInvoiceRow{},
}

// Open opens or creates the ledger database at path and migrates the schema.
// A node that has never settled anything gets a fresh empty store.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("ledger: database path required")
	}
	return open(path)
}

// OpenInMemory opens a throwaway in-memory store. Tests use it so each case
// starts from an empty schema.
func OpenInMemory() (*Store, error) {
	return open(":memory:")
}

func open(dsn string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("ledger: open %s: %w", dsn, err)
	}
	if err := db.AutoMigrate(allModels...); err != nil {
		return nil, fmt.Errorf("ledger: migrate: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// WithClock overrides the store clock. Tests use it to pin processed-at
// timestamps.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// PutEscrow inserts or fully replaces an escrow row.
func (s *Store) PutEscrow(row EscrowRow) error {
	return s.upsert(&row)
}

// Escrows returns every stored escrow.
func (s *Store) Escrows() ([]EscrowRow, error) {
	var rows []EscrowRow
	if err := s.db.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// UpdateEscrowIfMilestonesUnchanged replaces an escrow's milestones and
// status only when the stored milestone blob still equals expectedMilestones.
// A concurrent release that got there first changes the blob, the compare
// fails, and the caller reloads and retries.
func (s *Store) UpdateEscrowIfMilestonesUnchanged(id, expectedMilestones, newMilestones, newStatus string) error {
	res := s.db.Model(&EscrowRow{}).
		Where("id = ? AND milestones = ?", id, expectedMilestones).
		Updates(map[string]interface{}{"milestones": newMilestones, "status": newStatus})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrConditionFailed
	}
	return nil
}

// PutEntry inserts or fully replaces a ledger entry.
func (s *Store) PutEntry(row EntryRow) error {
	return s.upsert(&row)
}

// Entries returns every ledger entry.
func (s *Store) Entries() ([]EntryRow, error) {
	var rows []EntryRow
	if err := s.db.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// EntriesBetween returns entries created within [fromMs, toMs], ordered by
// creation time. The parquet exporter reads through this.
func (s *Store) EntriesBetween(fromMs, toMs int64) ([]EntryRow, error) {
	var rows []EntryRow
	err := s.db.Where("created_at >= ? AND created_at <= ?", fromMs, toMs).
		Order("created_at asc").Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// PutStreaming inserts or fully replaces a streaming agreement.
func (s *Store) PutStreaming(row StreamingRow) error {
	return s.upsert(&row)
}

// StreamingAgreements returns every streaming agreement.
func (s *Store) StreamingAgreements() ([]StreamingRow, error) {
	var rows []StreamingRow
	if err := s.db.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// PutSwarmDistributed records a swarm split together with its per-participant
// ledger entries in one transaction. The split is written already in the
// distributed state so a crash between the two writes cannot leave entries
// without their parent split.
func (s *Store) PutSwarmDistributed(split SwarmRow, entries []EntryRow) error {
	split.Status = SwarmStatusDistributed
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&split).Error; err != nil {
			return err
		}
		for i := range entries {
			if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&entries[i]).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// SwarmSplits returns every swarm split.
func (s *Store) SwarmSplits() ([]SwarmRow, error) {
	var rows []SwarmRow
	if err := s.db.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// PutPendingSettlement queues an invoice for on-chain settlement.
func (s *Store) PutPendingSettlement(row PendingSettlementRow) error {
	return s.upsert(&row)
}

// DeletePendingSettlement removes a settled or failed invoice from the queue.
func (s *Store) DeletePendingSettlement(id string) error {
	return s.db.Delete(&PendingSettlementRow{}, "id = ?", id).Error
}

// PendingSettlements returns the queued invoices oldest first.
func (s *Store) PendingSettlements() ([]PendingSettlementRow, error) {
	var rows []PendingSettlementRow
	if err := s.db.Order("created_at asc").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// HasProcessedProof reports whether txHash was already consumed by a proof.
func (s *Store) HasProcessedProof(txHash string) (bool, error) {
	var count int64
	err := s.db.Model(&ProcessedProofRow{}).Where("tx_hash = ?", txHash).Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// MarkProofProcessed records a verified proof and, in the same transaction,
// flips any timed-out payment for the proof's invoice to recovered. The
// tx-hash primary key makes the insert the at-most-once gate: a duplicate
// returns ErrProofAlreadyProcessed and touches nothing.
func (s *Store) MarkProofProcessed(proof ProcessedProofRow) error {
	if proof.ProcessedAt == 0 {
		proof.ProcessedAt = s.now().UnixMilli()
	}
	return s.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&proof)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrProofAlreadyProcessed
		}
		return tx.Model(&TimedOutPaymentRow{}).
			Where("invoice_id = ? AND status = ?", proof.InvoiceID, TimedOutStatusWaiting).
			Update("status", TimedOutStatusRecovered).Error
	})
}

// PutTimedOutPayment records an invoice whose payment waiter expired.
func (s *Store) PutTimedOutPayment(row TimedOutPaymentRow) error {
	return s.upsert(&row)
}

// TimedOutPayment returns the timeout record for one invoice.
func (s *Store) TimedOutPayment(invoiceID string) (TimedOutPaymentRow, error) {
	var row TimedOutPaymentRow
	err := s.db.First(&row, "invoice_id = ?", invoiceID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return TimedOutPaymentRow{}, ErrNotFound
	}
	return row, err
}

// TimedOutPayments returns every timeout record.
func (s *Store) TimedOutPayments() ([]TimedOutPaymentRow, error) {
	var rows []TimedOutPaymentRow
	if err := s.db.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// PutExpectedInvoice registers that a job this node requested may produce an
// invoice from the given recipient. Re-registering a job refreshes the row.
func (s *Store) PutExpectedInvoice(row ExpectedInvoiceRow) error {
	return s.upsert(&row)
}

// ExpectedInvoice returns the expectation for a job, if any.
func (s *Store) ExpectedInvoice(jobID string) (ExpectedInvoiceRow, error) {
	var row ExpectedInvoiceRow
	err := s.db.First(&row, "job_id = ?", jobID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ExpectedInvoiceRow{}, ErrNotFound
	}
	return row, err
}

// DeleteExpectedInvoice drops the expectation once an invoice was accepted or
// the job finished without one.
func (s *Store) DeleteExpectedInvoice(jobID string) error {
	return s.db.Delete(&ExpectedInvoiceRow{}, "job_id = ?", jobID).Error
}

// PruneExpectedInvoices removes expectations whose deadline passed and
// returns how many were dropped.
func (s *Store) PruneExpectedInvoices(nowMs int64) (int64, error) {
	res := s.db.Delete(&ExpectedInvoiceRow{}, "expires_at > 0 AND expires_at < ?", nowMs)
	return res.RowsAffected, res.Error
}

func (s *Store) upsert(row interface{}) error {
	return s.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(row).Error
}
