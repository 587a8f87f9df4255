package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"

	"agentmesh/ledger"
	"agentmesh/observability"
	"agentmesh/overlay"
	"agentmesh/wei"

	meshcrypto "agentmesh/crypto"
)

// Defaults for the engine's timers and bounds.
const (
	DefaultWaitTimeout = 60 * time.Second
	DefaultInvoiceTTL  = 5 * time.Minute
	DefaultQueueCap    = 1000
)

// Settler is the on-chain surface the engine depends on. The settle package
// provides the production implementation; tests substitute fakes.
type Settler interface {
	Pay(ctx context.Context, invoice overlay.Invoice) (*overlay.PaymentProof, error)
	VerifyPayment(ctx context.Context, proof overlay.PaymentProof, invoice overlay.Invoice) error
}

// Config wires the engine's collaborators.
type Config struct {
	Store         *ledger.Store
	Key           *meshcrypto.PrivateKey
	Network       overlay.Network
	Settler       Settler
	WalletAddress string
	Logger        *slog.Logger
	Now           func() time.Time
	WaitTimeout   time.Duration
	InvoiceTTL    time.Duration
	QueueCap      int
}

type queuedInvoice struct {
	invoice overlay.Invoice
	entry   ledger.EntryRow
}

// Engine is the payment state machine. All exported methods are safe for
// concurrent use; the in-memory maps shadow the ledger tables and every
// mutation writes through.
type Engine struct {
	log         *slog.Logger
	now         func() time.Time
	store       *ledger.Store
	key         *meshcrypto.PrivateKey
	net         overlay.Network
	settler     Settler
	wallet      string
	metrics     *observability.PaymentMetrics
	waitTimeout time.Duration
	invoiceTTL  time.Duration
	queueCap    int

	mu       sync.Mutex
	escrows  map[string]*EscrowAgreement
	channels map[string]*StreamingAgreement
	locks    map[string]*sync.Mutex
	pending  map[string]*pendingPayment
	queue    []queuedInvoice
}

// NewEngine builds an engine and hydrates the in-memory maps from the store.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, errors.New("payment: store is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = DefaultWaitTimeout
	}
	if cfg.InvoiceTTL <= 0 {
		cfg.InvoiceTTL = DefaultInvoiceTTL
	}
	if cfg.QueueCap <= 0 {
		cfg.QueueCap = DefaultQueueCap
	}
	e := &Engine{
		log:         cfg.Logger.With(slog.String("component", "payment")),
		now:         cfg.Now,
		store:       cfg.Store,
		key:         cfg.Key,
		net:         cfg.Network,
		settler:     cfg.Settler,
		wallet:      cfg.WalletAddress,
		metrics:     observability.Payment(),
		waitTimeout: cfg.WaitTimeout,
		invoiceTTL:  cfg.InvoiceTTL,
		queueCap:    cfg.QueueCap,
		escrows:     make(map[string]*EscrowAgreement),
		channels:    make(map[string]*StreamingAgreement),
		locks:       make(map[string]*sync.Mutex),
		pending:     make(map[string]*pendingPayment),
	}
	if err := e.hydrate(); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Engine) hydrate() error {
	escrowRows, err := e.store.Escrows()
	if err != nil {
		return fmt.Errorf("payment: load escrows: %w", err)
	}
	for _, row := range escrowRows {
		escrow, err := escrowFromRow(row)
		if err != nil {
			return err
		}
		e.escrows[escrow.JobID] = escrow
	}
	streamingRows, err := e.store.StreamingAgreements()
	if err != nil {
		return fmt.Errorf("payment: load streaming agreements: %w", err)
	}
	for _, row := range streamingRows {
		if row.Status != ledger.StreamingStatusActive {
			continue
		}
		e.channels[row.ID] = &StreamingAgreement{
			ID:                row.ID,
			JobID:             row.JobID,
			Payer:             row.Payer,
			Recipient:         row.Recipient,
			ChainID:           row.ChainID,
			Token:             row.Token,
			RatePerToken:      row.RatePerToken,
			AccumulatedAmount: row.AccumulatedAmount,
			LastTick:          row.LastTick,
			Status:            row.Status,
			CreatedAt:         row.CreatedAt,
		}
	}
	pendingRows, err := e.store.PendingSettlements()
	if err != nil {
		return fmt.Errorf("payment: load pending settlements: %w", err)
	}
	for _, row := range pendingRows {
		var invoice overlay.Invoice
		if err := ledger.DecodeJSON(row.Invoice, &invoice); err != nil {
			return fmt.Errorf("payment: decode pending settlement %s: %w", row.ID, err)
		}
		e.queue = append(e.queue, queuedInvoice{invoice: invoice, entry: ledger.EntryRow{
			ID:        invoice.ID,
			Type:      ledger.EntryTypeStandard,
			Status:    ledger.EntryStatusPending,
			ChainID:   invoice.ChainID,
			Token:     invoice.Token,
			Amount:    invoice.Amount,
			Recipient: invoice.Recipient,
			JobID:     invoice.JobID,
			CreatedAt: row.CreatedAt,
		}})
	}
	e.metrics.SetQueueDepth(len(e.queue))
	return nil
}

// QueueInvoice adds an invoice to the bounded settlement queue and writes its
// pending ledger row. The queue cap forces callers to flush via SettleAll
// before accumulating unbounded liabilities.
func (e *Engine) QueueInvoice(invoice overlay.Invoice) error {
	entry := ledger.EntryRow{
		ID:        invoice.ID,
		Type:      ledger.EntryTypeStandard,
		Status:    ledger.EntryStatusPending,
		ChainID:   invoice.ChainID,
		Token:     invoice.Token,
		Amount:    invoice.Amount,
		Recipient: invoice.Recipient,
		Payer:     e.wallet,
		JobID:     invoice.JobID,
		CreatedAt: e.now().UnixMilli(),
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enqueueLocked(queuedInvoice{invoice: invoice, entry: entry})
}

// enqueueLocked appends one invoice under the engine lock after checking the
// cap. The ledger writes happen inside the lock so the in-memory queue and
// the pending_settlements table cannot diverge.
func (e *Engine) enqueueLocked(item queuedInvoice) error {
	if len(e.queue) >= e.queueCap {
		e.metrics.RecordError("queue", "full")
		return ErrQueueFull
	}
	blob, err := ledger.EncodeJSON(item.invoice)
	if err != nil {
		return err
	}
	if err := e.store.PutEntry(item.entry); err != nil {
		return fmt.Errorf("payment: write ledger entry: %w", err)
	}
	if err := e.store.PutPendingSettlement(ledger.PendingSettlementRow{
		ID:        item.invoice.ID,
		Invoice:   blob,
		Recipient: item.invoice.Recipient,
		ChainID:   item.invoice.ChainID,
		Token:     item.invoice.Token,
		Amount:    item.invoice.Amount,
		CreatedAt: item.entry.CreatedAt,
	}); err != nil {
		return fmt.Errorf("payment: write pending settlement: %w", err)
	}
	e.queue = append(e.queue, item)
	e.metrics.SetQueueDepth(len(e.queue))
	return nil
}

// QueueDepth reports the current invoice queue length.
func (e *Engine) QueueDepth() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

// SettleResult summarises one settled (recipient, chain, token) group.
type SettleResult struct {
	Recipient  string
	ChainID    uint64
	Token      string
	Amount     string
	InvoiceIDs []string
	TxHash     string
	Err        error
}

type settleGroup struct {
	items []queuedInvoice
	total *big.Int
}

// SettleAll drains the invoice queue, batches by (recipient, chainId, token),
// and submits one transfer per group. Failed groups are re-enqueued so a
// later flush retries them.
func (e *Engine) SettleAll(ctx context.Context) ([]SettleResult, error) {
	if e.settler == nil {
		return nil, errors.New("payment: no settler configured")
	}
	e.mu.Lock()
	drained := e.queue
	e.queue = nil
	e.metrics.SetQueueDepth(0)
	e.mu.Unlock()
	if len(drained) == 0 {
		return nil, nil
	}

	groups := make(map[string]*settleGroup)
	order := make([]string, 0)
	for _, item := range drained {
		amount, err := wei.ToWei(item.invoice.Amount)
		if err != nil {
			e.log.Warn("skipping unparseable queued invoice",
				slog.String("invoice", item.invoice.ID), slog.Any("error", err))
			continue
		}
		key := fmt.Sprintf("%s|%d|%s", item.invoice.Recipient, item.invoice.ChainID, item.invoice.Token)
		group, ok := groups[key]
		if !ok {
			group = &settleGroup{total: new(big.Int)}
			groups[key] = group
			order = append(order, key)
		}
		group.items = append(group.items, item)
		group.total.Add(group.total, amount)
	}

	results := make([]SettleResult, 0, len(order))
	for _, key := range order {
		group := groups[key]
		first := group.items[0].invoice
		result := SettleResult{
			Recipient: first.Recipient,
			ChainID:   first.ChainID,
			Token:     first.Token,
			Amount:    wei.FromWei(group.total),
		}
		for _, item := range group.items {
			result.InvoiceIDs = append(result.InvoiceIDs, item.invoice.ID)
		}
		batch := overlay.Invoice{
			ID:           uuid.NewString(),
			JobID:        first.JobID,
			ChainID:      first.ChainID,
			Token:        first.Token,
			TokenAddress: first.TokenAddress,
			Amount:       result.Amount,
			Recipient:    first.Recipient,
			CreatedAt:    e.now().UnixMilli(),
			ValidUntil:   e.now().Add(e.invoiceTTL).UnixMilli(),
		}
		proof, err := e.settler.Pay(ctx, batch)
		observability.Settlement().RecordBatch(err)
		if err != nil {
			result.Err = err
			results = append(results, result)
			e.requeue(group.items)
			continue
		}
		result.TxHash = proof.TxHash
		results = append(results, result)
		settledAt := e.now().UnixMilli()
		for _, item := range group.items {
			item.entry.Status = ledger.EntryStatusSettled
			item.entry.SettledAt = settledAt
			item.entry.TxHash = proof.TxHash
			if err := e.store.PutEntry(item.entry); err != nil {
				e.log.Error("settled entry write failed",
					slog.String("entry", item.entry.ID), slog.Any("error", err))
				continue
			}
			if err := e.store.DeletePendingSettlement(item.invoice.ID); err != nil {
				e.log.Error("pending settlement delete failed",
					slog.String("invoice", item.invoice.ID), slog.Any("error", err))
			}
		}
	}
	return results, nil
}

func (e *Engine) requeue(items []queuedInvoice) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.queue = append(e.queue, items...)
	e.metrics.SetQueueDepth(len(e.queue))
}

// channelLock returns the mutex serialising one streaming channel, creating
// it on first use. The engine lock is held only for the map access.
func (e *Engine) channelLock(channelID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.locks[channelID]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[channelID] = lock
	}
	return lock
}

func (e *Engine) dropChannelLock(channelID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.locks, channelID)
}

func (e *Engine) signInvoice(invoice *overlay.Invoice) error {
	if e.key == nil {
		return nil
	}
	return invoice.Sign(e.key)
}
