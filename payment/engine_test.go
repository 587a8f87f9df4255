package payment

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"agentmesh/ledger"
	"agentmesh/overlay"
)

type fakeNetwork struct {
	mu     sync.Mutex
	selfID string
	sent   []*overlay.Envelope
	failAt int
}

func (n *fakeNetwork) SelfID() string { return n.selfID }

func (n *fakeNetwork) FindMatches(_ context.Context, _ string, _ int) ([]overlay.PeerMatch, error) {
	return nil, nil
}

func (n *fakeNetwork) Publish(_ context.Context, _ string, env *overlay.Envelope) error {
	return n.record(env)
}

func (n *fakeNetwork) SendDirect(_ context.Context, _ string, env *overlay.Envelope) error {
	return n.record(env)
}

func (n *fakeNetwork) SubscribeDirect(func(env *overlay.Envelope)) (func(), error) {
	return func() {}, nil
}

func (n *fakeNetwork) record(env *overlay.Envelope) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, env)
	return nil
}

func (n *fakeNetwork) sentCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

type fakeSettler struct {
	mu        sync.Mutex
	paid      []overlay.Invoice
	payErr    error
	verifyErr error
}

func (s *fakeSettler) Pay(_ context.Context, invoice overlay.Invoice) (*overlay.PaymentProof, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.payErr != nil {
		return nil, s.payErr
	}
	s.paid = append(s.paid, invoice)
	return &overlay.PaymentProof{
		InvoiceID: invoice.ID,
		TxHash:    "0x" + repeatHex(64),
		ChainID:   invoice.ChainID,
	}, nil
}

func (s *fakeSettler) VerifyPayment(_ context.Context, _ overlay.PaymentProof, _ overlay.Invoice) error {
	return s.verifyErr
}

func repeatHex(n int) string {
	out := make([]byte, n)
	for i := range out {
		out[i] = "0123456789abcdef"[i%16]
	}
	return string(out)
}

func newTestEngine(t *testing.T, overrides ...func(*Config)) (*Engine, *fakeNetwork, *fakeSettler) {
	t.Helper()
	store, err := ledger.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	net := &fakeNetwork{selfID: "amesh1self"}
	settler := &fakeSettler{}
	cfg := Config{
		Store:         store,
		Network:       net,
		Settler:       settler,
		WalletAddress: "0x00000000000000000000000000000000000000aa",
	}
	for _, override := range overrides {
		override(&cfg)
	}
	engine, err := NewEngine(cfg)
	require.NoError(t, err)
	return engine, net, settler
}

func TestQueueInvoiceCap(t *testing.T) {
	engine, _, _ := newTestEngine(t, func(cfg *Config) { cfg.QueueCap = 2 })

	require.NoError(t, engine.QueueInvoice(testQueueInvoice("inv-1")))
	require.NoError(t, engine.QueueInvoice(testQueueInvoice("inv-2")))
	require.ErrorIs(t, engine.QueueInvoice(testQueueInvoice("inv-3")), ErrQueueFull)
	require.Equal(t, 2, engine.QueueDepth())
}

func TestSettleAllBatchesByGroup(t *testing.T) {
	engine, _, settler := newTestEngine(t)

	a1 := testQueueInvoice("inv-1")
	a2 := testQueueInvoice("inv-2")
	b := testQueueInvoice("inv-3")
	b.Recipient = "0x00000000000000000000000000000000000000bb"
	require.NoError(t, engine.QueueInvoice(a1))
	require.NoError(t, engine.QueueInvoice(a2))
	require.NoError(t, engine.QueueInvoice(b))

	results, err := engine.SettleAll(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Len(t, settler.paid, 2)

	// Same (recipient, chain, token) invoices merge into one summed transfer.
	require.Equal(t, "3", results[0].Amount)
	require.Len(t, results[0].InvoiceIDs, 2)
	require.Equal(t, "1.5", results[1].Amount)
	require.Zero(t, engine.QueueDepth())

	pending, err := engine.store.PendingSettlements()
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestSettleAllRequeuesFailedGroups(t *testing.T) {
	engine, _, settler := newTestEngine(t)
	settler.payErr = context.DeadlineExceeded

	require.NoError(t, engine.QueueInvoice(testQueueInvoice("inv-1")))
	results, err := engine.SettleAll(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Error(t, results[0].Err)
	require.Equal(t, 1, engine.QueueDepth())
}

func TestEngineHydratesQueueFromStore(t *testing.T) {
	store, err := ledger.OpenInMemory()
	require.NoError(t, err)
	defer store.Close()

	first, err := NewEngine(Config{Store: store})
	require.NoError(t, err)
	require.NoError(t, first.QueueInvoice(testQueueInvoice("inv-1")))

	second, err := NewEngine(Config{Store: store})
	require.NoError(t, err)
	require.Equal(t, 1, second.QueueDepth())
}

func testQueueInvoice(id string) overlay.Invoice {
	return overlay.Invoice{
		ID:         id,
		JobID:      "job-" + id,
		ChainID:    31337,
		Token:      "ETH",
		Amount:     "1.5",
		Recipient:  "0x00000000000000000000000000000000000000cc",
		CreatedAt:  time.Now().UnixMilli(),
		ValidUntil: time.Now().Add(time.Hour).UnixMilli(),
	}
}
