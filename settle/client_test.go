package settle

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	meshcrypto "agentmesh/crypto"

	"agentmesh/overlay"
)

type fakeBackend struct {
	mu         sync.Mutex
	block      uint64
	chainNonce uint64
	balance    *big.Int
	sent       []*types.Transaction
	receipts   map[common.Hash]*types.Receipt
	txs        map[common.Hash]*types.Transaction
	sendErr    error
	revertNext bool
}

func newFakeBackend() *fakeBackend {
	balance, _ := new(big.Int).SetString("1000000000000000000000", 10)
	return &fakeBackend{
		balance:  balance,
		receipts: make(map[common.Hash]*types.Receipt),
		txs:      make(map[common.Hash]*types.Transaction),
	}
}

func (b *fakeBackend) BlockNumber(context.Context) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.block, nil
}

func (b *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.chainNonce, nil
}

func (b *fakeBackend) BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return new(big.Int).Set(b.balance), nil
}

func (b *fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (b *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sendErr != nil {
		err := b.sendErr
		b.sendErr = nil
		return err
	}
	status := types.ReceiptStatusSuccessful
	if b.revertNext {
		status = types.ReceiptStatusFailed
		b.revertNext = false
	}
	b.sent = append(b.sent, tx)
	b.txs[tx.Hash()] = tx
	b.receipts[tx.Hash()] = &types.Receipt{Status: status, TxHash: tx.Hash()}
	return nil
}

func (b *fakeBackend) TransactionReceipt(_ context.Context, txHash common.Hash) (*types.Receipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	receipt, ok := b.receipts[txHash]
	if !ok {
		return nil, errors.New("not found")
	}
	return receipt, nil
}

func (b *fakeBackend) TransactionByHash(_ context.Context, txHash common.Hash) (*types.Transaction, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	tx, ok := b.txs[txHash]
	if !ok {
		return nil, false, errors.New("not found")
	}
	return tx, false, nil
}

func (b *fakeBackend) sentNonces() []uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	nonces := make([]uint64, 0, len(b.sent))
	for _, tx := range b.sent {
		nonces = append(nonces, tx.Nonce())
	}
	return nonces
}

func newTestClient(t *testing.T) (*Client, *fakeBackend) {
	t.Helper()
	key, err := meshcrypto.GeneratePrivateKey()
	require.NoError(t, err)
	client, err := NewClient(key, nil)
	require.NoError(t, err)
	backend := newFakeBackend()
	client.RegisterChain(31337, backend)
	return client, backend
}

func testSettleInvoice(amount string) overlay.Invoice {
	return overlay.Invoice{
		ID:         "inv-1",
		JobID:      "job-1",
		ChainID:    31337,
		Token:      "ETH",
		Amount:     amount,
		Recipient:  "0x00000000000000000000000000000000000000aa",
		CreatedAt:  time.Now().UnixMilli(),
		ValidUntil: time.Now().Add(time.Hour).UnixMilli(),
	}
}

func TestPayNativeTransfer(t *testing.T) {
	client, backend := newTestClient(t)

	proof, err := client.Pay(context.Background(), testSettleInvoice("1.5"))
	require.NoError(t, err)
	require.Equal(t, "inv-1", proof.InvoiceID)
	require.Equal(t, uint64(31337), proof.ChainID)

	require.Len(t, backend.sent, 1)
	tx := backend.sent[0]
	require.Equal(t, "1500000000000000000", tx.Value().String())
	require.Equal(t, common.HexToAddress("0x00000000000000000000000000000000000000aa"), *tx.To())
}

func TestPayRejectsUnknownChain(t *testing.T) {
	client, _ := newTestClient(t)
	invoice := testSettleInvoice("1")
	invoice.ChainID = 999
	_, err := client.Pay(context.Background(), invoice)
	require.ErrorIs(t, err, ErrUnknownChain)
}

func TestPayRejectsWhilePaused(t *testing.T) {
	client, _ := newTestClient(t)
	client.SetPaused(true)
	_, err := client.Pay(context.Background(), testSettleInvoice("1"))
	require.ErrorIs(t, err, ErrPaused)

	client.SetPaused(false)
	_, err = client.Pay(context.Background(), testSettleInvoice("1"))
	require.NoError(t, err)
}

func TestPayRejectsAboveCeiling(t *testing.T) {
	client, _ := newTestClient(t)
	_, err := client.Pay(context.Background(), testSettleInvoice("10000000000000000"))
	require.ErrorIs(t, err, ErrAmountTooLarge)
}

func TestPayRejectsInsufficientBalance(t *testing.T) {
	client, backend := newTestClient(t)
	backend.balance = big.NewInt(1)
	_, err := client.Pay(context.Background(), testSettleInvoice("1"))
	require.ErrorIs(t, err, ErrInsufficientBalance)
}

func TestPayNonceRollbackOnSendFailure(t *testing.T) {
	client, backend := newTestClient(t)
	backend.sendErr = errors.New("gateway down")

	_, err := client.Pay(context.Background(), testSettleInvoice("1"))
	require.Error(t, err)

	// The failed submission's nonce is reused by the next attempt.
	_, err = client.Pay(context.Background(), testSettleInvoice("1"))
	require.NoError(t, err)
	require.Equal(t, []uint64{0}, backend.sentNonces())
}

func TestPayRevertedReceiptFails(t *testing.T) {
	client, backend := newTestClient(t)
	backend.revertNext = true
	_, err := client.Pay(context.Background(), testSettleInvoice("1"))
	require.ErrorIs(t, err, ErrTxFailed)
}

func TestPayNonceMonotonicUnderConcurrency(t *testing.T) {
	client, backend := newTestClient(t)

	const transfers = 12
	var wg sync.WaitGroup
	errCh := make(chan error, transfers)
	wg.Add(transfers)
	for i := 0; i < transfers; i++ {
		go func() {
			defer wg.Done()
			if _, err := client.Pay(context.Background(), testSettleInvoice("0.1")); err != nil {
				errCh <- err
			}
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		require.NoError(t, err)
	}

	nonces := backend.sentNonces()
	require.Len(t, nonces, transfers)
	seen := make(map[uint64]bool, transfers)
	for _, nonce := range nonces {
		require.False(t, seen[nonce], "nonce %d reused", nonce)
		require.Less(t, nonce, uint64(transfers))
		seen[nonce] = true
	}
}

func TestNonceResyncsAfterStaleBlocks(t *testing.T) {
	client, backend := newTestClient(t)
	backend.chainNonce = 5

	_, err := client.Pay(context.Background(), testSettleInvoice("1"))
	require.NoError(t, err)
	require.Equal(t, []uint64{5}, backend.sentNonces())

	// Another wallet instance advanced the account; the stale cache is
	// refreshed once enough blocks pass.
	backend.mu.Lock()
	backend.block += nonceResyncBlocks + 1
	backend.chainNonce = 9
	backend.mu.Unlock()

	_, err = client.Pay(context.Background(), testSettleInvoice("1"))
	require.NoError(t, err)
	require.Equal(t, []uint64{5, 9}, backend.sentNonces())
}

func TestBatchSettleGroups(t *testing.T) {
	client, backend := newTestClient(t)

	a := testSettleInvoice("1")
	b := testSettleInvoice("2")
	c := testSettleInvoice("4")
	c.Recipient = "0x00000000000000000000000000000000000000bb"

	results := client.BatchSettle(context.Background(), []overlay.Invoice{a, b, c})
	require.Len(t, results, 2)
	require.Equal(t, "3", results[0].Amount)
	require.NoError(t, results[0].Err)
	require.Equal(t, "4", results[1].Amount)
	require.Len(t, backend.sent, 2)
}

func TestVerifyPaymentNative(t *testing.T) {
	client, _ := newTestClient(t)

	invoice := testSettleInvoice("1")
	proof, err := client.Pay(context.Background(), invoice)
	require.NoError(t, err)

	require.NoError(t, client.VerifyPayment(context.Background(), *proof, invoice))

	// More invoiced than paid fails verification.
	bigger := invoice
	bigger.Amount = "2"
	err = client.VerifyPayment(context.Background(), *proof, bigger)
	require.ErrorIs(t, err, ErrReceiptMismatch)

	// A different recipient fails verification.
	other := invoice
	other.Recipient = "0x00000000000000000000000000000000000000bb"
	err = client.VerifyPayment(context.Background(), *proof, other)
	require.ErrorIs(t, err, ErrReceiptMismatch)
}

func TestVerifyPaymentWrongChain(t *testing.T) {
	client, _ := newTestClient(t)
	invoice := testSettleInvoice("1")
	proof, err := client.Pay(context.Background(), invoice)
	require.NoError(t, err)

	proof.ChainID = 1
	err = client.VerifyPayment(context.Background(), *proof, invoice)
	require.ErrorIs(t, err, ErrReceiptMismatch)
}

func TestVerifyPaymentERC20Log(t *testing.T) {
	client, backend := newTestClient(t)

	invoice := testSettleInvoice("1")
	invoice.TokenAddress = "0x00000000000000000000000000000000000000ee"
	recipient := common.HexToAddress(invoice.Recipient)
	token := common.HexToAddress(invoice.TokenAddress)

	amount, ok := new(big.Int).SetString("1000000000000000000", 10)
	require.True(t, ok)
	txHash := common.HexToHash("0x1111111111111111111111111111111111111111111111111111111111111111")
	backend.receipts[txHash] = &types.Receipt{
		Status: types.ReceiptStatusSuccessful,
		TxHash: txHash,
		Logs: []*types.Log{{
			Address: token,
			Topics: []common.Hash{
				transferTopic,
				common.BytesToHash(common.LeftPadBytes([]byte{0x01}, 32)),
				common.BytesToHash(common.LeftPadBytes(recipient.Bytes(), 32)),
			},
			Data: common.LeftPadBytes(amount.Bytes(), 32),
		}},
	}

	proof := overlay.PaymentProof{InvoiceID: invoice.ID, TxHash: txHash.Hex(), ChainID: invoice.ChainID}
	require.NoError(t, client.VerifyPayment(context.Background(), proof, invoice))

	// A transfer from a different token contract does not satisfy the invoice.
	backend.receipts[txHash].Logs[0].Address = common.HexToAddress("0x00000000000000000000000000000000000000ff")
	err := client.VerifyPayment(context.Background(), proof, invoice)
	require.ErrorIs(t, err, ErrReceiptMismatch)
}
