package ledger

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestOpenCreatesEmptyStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	store, err := Open(path)
	require.NoError(t, err)
	defer store.Close()

	escrows, err := store.Escrows()
	require.NoError(t, err)
	require.Empty(t, escrows)

	entries, err := store.Entries()
	require.NoError(t, err)
	require.Empty(t, entries)

	require.FileExists(t, path)
}

func TestEscrowUpsertAndReload(t *testing.T) {
	store := newTestStore(t)

	row := EscrowRow{
		ID: "esc-1", JobID: "job-1", Payer: "amesh1payer", Recipient: "amesh1agent",
		ChainID: 31337, Token: "ETH", TotalAmount: "3", Milestones: `[{"id":"m-1"}]`,
		Status: EscrowStatusLocked, CreatedAt: 1000,
	}
	require.NoError(t, store.PutEscrow(row))

	row.Status = EscrowStatusPartiallyReleased
	require.NoError(t, store.PutEscrow(row))

	escrows, err := store.Escrows()
	require.NoError(t, err)
	require.Len(t, escrows, 1)
	require.Equal(t, EscrowStatusPartiallyReleased, escrows[0].Status)
}

func TestUpdateEscrowIfMilestonesUnchanged(t *testing.T) {
	store := newTestStore(t)

	before := `[{"id":"m-1","status":"pending"}]`
	after := `[{"id":"m-1","status":"released"}]`
	require.NoError(t, store.PutEscrow(EscrowRow{ID: "esc-1", Milestones: before, Status: EscrowStatusLocked}))

	require.NoError(t, store.UpdateEscrowIfMilestonesUnchanged("esc-1", before, after, EscrowStatusFullyReleased))

	// The blob moved on, so the same compare value no longer matches.
	err := store.UpdateEscrowIfMilestonesUnchanged("esc-1", before, after, EscrowStatusFullyReleased)
	require.ErrorIs(t, err, ErrConditionFailed)

	err = store.UpdateEscrowIfMilestonesUnchanged("missing", before, after, EscrowStatusFullyReleased)
	require.ErrorIs(t, err, ErrConditionFailed)

	escrows, err := store.Escrows()
	require.NoError(t, err)
	require.Equal(t, after, escrows[0].Milestones)
	require.Equal(t, EscrowStatusFullyReleased, escrows[0].Status)
}

func TestMarkProofProcessedAtMostOnce(t *testing.T) {
	store := newTestStore(t)
	store.WithClock(func() time.Time { return time.UnixMilli(5000) })

	proof := ProcessedProofRow{TxHash: "0xabc", ChainID: 1, InvoiceID: "inv-1"}
	require.NoError(t, store.MarkProofProcessed(proof))
	require.ErrorIs(t, store.MarkProofProcessed(proof), ErrProofAlreadyProcessed)

	seen, err := store.HasProcessedProof("0xabc")
	require.NoError(t, err)
	require.True(t, seen)

	seen, err = store.HasProcessedProof("0xdef")
	require.NoError(t, err)
	require.False(t, seen)
}

func TestMarkProofProcessedRecoversTimedOut(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.PutTimedOutPayment(TimedOutPaymentRow{
		InvoiceID: "inv-1", Amount: "1.5", Status: TimedOutStatusWaiting, TimedOut: 100,
	}))

	require.NoError(t, store.MarkProofProcessed(ProcessedProofRow{TxHash: "0xabc", InvoiceID: "inv-1"}))

	row, err := store.TimedOutPayment("inv-1")
	require.NoError(t, err)
	require.Equal(t, TimedOutStatusRecovered, row.Status)

	// A duplicate proof leaves the recovered row alone and reports the replay.
	require.ErrorIs(t, store.MarkProofProcessed(ProcessedProofRow{TxHash: "0xabc", InvoiceID: "inv-1"}), ErrProofAlreadyProcessed)
}

func TestPutSwarmDistributedAtomic(t *testing.T) {
	store := newTestStore(t)

	split := SwarmRow{ID: "swarm-1", JobID: "job-1", TotalAmount: "9", Participants: `[]`}
	entries := []EntryRow{
		{ID: "swarm-1-0", Type: EntryTypeSwarm, Status: EntryStatusPending, Amount: "3", Recipient: "a"},
		{ID: "swarm-1-1", Type: EntryTypeSwarm, Status: EntryStatusPending, Amount: "3", Recipient: "b"},
		{ID: "swarm-1-2", Type: EntryTypeSwarm, Status: EntryStatusPending, Amount: "3", Recipient: "c"},
	}
	require.NoError(t, store.PutSwarmDistributed(split, entries))

	splits, err := store.SwarmSplits()
	require.NoError(t, err)
	require.Len(t, splits, 1)
	require.Equal(t, SwarmStatusDistributed, splits[0].Status)

	stored, err := store.Entries()
	require.NoError(t, err)
	require.Len(t, stored, 3)
}

func TestPendingSettlementQueueOrder(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.PutPendingSettlement(PendingSettlementRow{ID: "p-2", CreatedAt: 200}))
	require.NoError(t, store.PutPendingSettlement(PendingSettlementRow{ID: "p-1", CreatedAt: 100}))

	rows, err := store.PendingSettlements()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "p-1", rows[0].ID)

	require.NoError(t, store.DeletePendingSettlement("p-1"))
	rows, err = store.PendingSettlements()
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "p-2", rows[0].ID)
}

func TestExpectedInvoiceLifecycle(t *testing.T) {
	store := newTestStore(t)

	_, err := store.ExpectedInvoice("job-1")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.PutExpectedInvoice(ExpectedInvoiceRow{JobID: "job-1", ExpectedRecipient: "amesh1agent", ExpiresAt: 1000}))
	row, err := store.ExpectedInvoice("job-1")
	require.NoError(t, err)
	require.Equal(t, "amesh1agent", row.ExpectedRecipient)

	// Re-registering refreshes the deadline instead of erroring.
	require.NoError(t, store.PutExpectedInvoice(ExpectedInvoiceRow{JobID: "job-1", ExpectedRecipient: "amesh1agent", ExpiresAt: 5000}))
	row, err = store.ExpectedInvoice("job-1")
	require.NoError(t, err)
	require.Equal(t, int64(5000), row.ExpiresAt)

	pruned, err := store.PruneExpectedInvoices(2000)
	require.NoError(t, err)
	require.Zero(t, pruned)

	pruned, err = store.PruneExpectedInvoices(6000)
	require.NoError(t, err)
	require.Equal(t, int64(1), pruned)

	_, err = store.ExpectedInvoice("job-1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestEntriesBetween(t *testing.T) {
	store := newTestStore(t)

	for _, row := range []EntryRow{
		{ID: "e-1", CreatedAt: 100},
		{ID: "e-2", CreatedAt: 200},
		{ID: "e-3", CreatedAt: 300},
	} {
		require.NoError(t, store.PutEntry(row))
	}

	rows, err := store.EntriesBetween(150, 250)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "e-2", rows[0].ID)
}

func TestExportEntriesWritesFiles(t *testing.T) {
	store := newTestStore(t)
	dir := t.TempDir()

	require.NoError(t, store.PutEntry(EntryRow{
		ID: "e-1", Type: EntryTypeStandard, Status: EntryStatusSettled,
		ChainID: 1, Token: "ETH", Amount: "1.5", Recipient: "amesh1agent",
		CreatedAt: time.Now().UnixMilli(), TxHash: "0xabc",
	}))

	out, err := store.ExportEntries(dir, time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, out.Count)
	require.FileExists(t, out.CSVPath)
	require.FileExists(t, out.ParquetPath)
}
