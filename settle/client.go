// Package settle submits and verifies the on-chain transfers that back the
// node's invoices. One EVM backend is registered per chain id; nonce
// allocation per chain is strictly monotone.
package settle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"agentmesh/observability"
	"agentmesh/overlay"
	"agentmesh/wei"

	meshcrypto "agentmesh/crypto"
)

// Client errors.
var (
	ErrUnknownChain        = errors.New("settle: no backend for chain")
	ErrPaused              = errors.New("settle: settlement is paused")
	ErrInsufficientBalance = errors.New("settle: insufficient balance")
	ErrAmountTooLarge      = errors.New("settle: amount exceeds sanity ceiling")
	ErrReceiptMismatch     = errors.New("settle: receipt does not match invoice")
	ErrTxFailed            = errors.New("settle: transaction reverted")
)

// Backend is the slice of an EVM JSON-RPC client the settlement path needs.
// ethclient.Client satisfies it; tests provide fakes.
type Backend interface {
	BlockNumber(ctx context.Context) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, txHash common.Hash) (tx *types.Transaction, isPending bool, err error)
}

const (
	nativeTransferGas = uint64(21_000)
	erc20TransferGas  = uint64(90_000)
	receiptPoll       = 2 * time.Second
	receiptTimeout    = 2 * time.Minute
)

// amountCeiling is 10^15 ether in wei. Anything above it is assumed to be a
// corrupted amount rather than a real payment.
var amountCeiling = new(big.Int).Mul(
	new(big.Int).Exp(big.NewInt(10), big.NewInt(15), nil),
	new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil),
)

// transferTopic is keccak256("Transfer(address,address,uint256)").
var transferTopic = common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")

type chainBinding struct {
	backend Backend
	nonces  *nonceManager
}

// Client settles invoices on chain. Safe for concurrent use.
type Client struct {
	log     *slog.Logger
	key     *meshcrypto.PrivateKey
	from    common.Address
	metrics *observability.SettlementMetrics

	mu     sync.RWMutex
	chains map[uint64]*chainBinding
	paused bool
}

// NewClient builds a settlement client signing with the supplied key.
func NewClient(key *meshcrypto.PrivateKey, log *slog.Logger) (*Client, error) {
	if key == nil {
		return nil, errors.New("settle: signing key is required")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		log:     log.With(slog.String("component", "settle")),
		key:     key,
		from:    ethcrypto.PubkeyToAddress(key.PrivateKey.PublicKey),
		metrics: observability.Settlement(),
		chains:  make(map[uint64]*chainBinding),
	}, nil
}

// RegisterChain binds a backend to a chain id.
func (c *Client) RegisterChain(chainID uint64, backend Backend) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chains[chainID] = &chainBinding{
		backend: backend,
		nonces:  newNonceManager(backend, c.from),
	}
}

// SetPaused toggles the settlement pause guard. While paused, Pay rejects
// immediately; verification stays available.
func (c *Client) SetPaused(paused bool) {
	c.mu.Lock()
	c.paused = paused
	c.mu.Unlock()
	c.metrics.SetPause(paused)
	c.log.Warn("settlement pause toggled", slog.Bool("paused", paused))
}

func (c *Client) binding(chainID uint64) (*chainBinding, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	binding, ok := c.chains[chainID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownChain, chainID)
	}
	return binding, nil
}

// Pay submits one transfer covering the invoice and blocks until its receipt
// confirms. The reserved nonce is committed on success and rolled back on any
// failure so the gap is reused.
func (c *Client) Pay(ctx context.Context, invoice overlay.Invoice) (*overlay.PaymentProof, error) {
	c.mu.RLock()
	paused := c.paused
	c.mu.RUnlock()
	if paused {
		return nil, ErrPaused
	}

	binding, err := c.binding(invoice.ChainID)
	if err != nil {
		return nil, err
	}
	amount, err := wei.ToWei(invoice.Amount)
	if err != nil {
		return nil, err
	}
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", wei.ErrInvalidAmount)
	}
	if amount.Cmp(amountCeiling) > 0 {
		c.metrics.RecordError(chainLabel(invoice.ChainID), "ceiling")
		return nil, fmt.Errorf("%w: %s", ErrAmountTooLarge, invoice.Amount)
	}
	if !common.IsHexAddress(invoice.Recipient) {
		return nil, fmt.Errorf("settle: invalid recipient %q", invoice.Recipient)
	}
	recipient := common.HexToAddress(invoice.Recipient)

	balance, err := binding.backend.BalanceAt(ctx, c.from, nil)
	if err != nil {
		return nil, fmt.Errorf("settle: read balance: %w", err)
	}
	if invoice.TokenAddress == "" && balance.Cmp(amount) < 0 {
		c.metrics.RecordError(chainLabel(invoice.ChainID), "balance")
		return nil, fmt.Errorf("%w: have %s, need %s",
			ErrInsufficientBalance, wei.FromWei(balance), invoice.Amount)
	}

	gasPrice, err := binding.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("settle: suggest gas price: %w", err)
	}

	nonce, err := binding.nonces.acquire(ctx)
	if err != nil {
		return nil, err
	}

	var tx *types.Transaction
	if invoice.TokenAddress == "" {
		tx = types.NewTransaction(nonce, recipient, amount, nativeTransferGas, gasPrice, nil)
	} else {
		if !common.IsHexAddress(invoice.TokenAddress) {
			binding.nonces.rollback()
			return nil, fmt.Errorf("settle: invalid token address %q", invoice.TokenAddress)
		}
		token := common.HexToAddress(invoice.TokenAddress)
		tx = types.NewTransaction(nonce, token, big.NewInt(0), erc20TransferGas, gasPrice,
			erc20TransferCalldata(recipient, amount))
	}

	signer := types.LatestSignerForChainID(new(big.Int).SetUint64(invoice.ChainID))
	signed, err := types.SignTx(tx, signer, c.key.PrivateKey)
	if err != nil {
		binding.nonces.rollback()
		return nil, fmt.Errorf("settle: sign transaction: %w", err)
	}

	started := time.Now()
	if err := binding.backend.SendTransaction(ctx, signed); err != nil {
		binding.nonces.rollback()
		c.metrics.RecordError(chainLabel(invoice.ChainID), "send")
		return nil, fmt.Errorf("settle: send transaction: %w", err)
	}

	receipt, err := c.awaitReceipt(ctx, binding.backend, signed.Hash())
	if err != nil {
		binding.nonces.rollback()
		c.metrics.RecordError(chainLabel(invoice.ChainID), "receipt")
		return nil, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		binding.nonces.rollback()
		c.metrics.RecordError(chainLabel(invoice.ChainID), "reverted")
		return nil, fmt.Errorf("%w: %s", ErrTxFailed, signed.Hash())
	}
	binding.nonces.commit()
	c.metrics.ObserveLatency(chainLabel(invoice.ChainID), time.Since(started))

	c.log.Info("transfer confirmed",
		slog.Uint64("chain", invoice.ChainID),
		slog.String("tx", signed.Hash().Hex()),
		slog.String("amount", invoice.Amount),
		slog.String("recipient", invoice.Recipient))
	return &overlay.PaymentProof{
		InvoiceID: invoice.ID,
		TxHash:    signed.Hash().Hex(),
		ChainID:   invoice.ChainID,
	}, nil
}

func (c *Client) awaitReceipt(ctx context.Context, backend Backend, txHash common.Hash) (*types.Receipt, error) {
	deadline := time.NewTimer(receiptTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(receiptPoll)
	defer ticker.Stop()
	for {
		receipt, err := backend.TransactionReceipt(ctx, txHash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		select {
		case <-ticker.C:
		case <-deadline.C:
			return nil, fmt.Errorf("settle: receipt for %s not found in %s", txHash, receiptTimeout)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// BatchResult summarises one batched transfer group.
type BatchResult struct {
	Recipient string
	ChainID   uint64
	Token     string
	Amount    string
	Proof     *overlay.PaymentProof
	Err       error
}

// BatchSettle groups invoices by (recipient, chainId, token), sums each
// group, and submits one transfer per group.
func (c *Client) BatchSettle(ctx context.Context, invoices []overlay.Invoice) []BatchResult {
	type group struct {
		first overlay.Invoice
		total *big.Int
	}
	groups := make(map[string]*group)
	order := make([]string, 0)
	for _, invoice := range invoices {
		amount, err := wei.ToWei(invoice.Amount)
		if err != nil {
			c.log.Warn("skipping unparseable invoice in batch",
				slog.String("invoice", invoice.ID), slog.Any("error", err))
			continue
		}
		key := fmt.Sprintf("%s|%d|%s", strings.ToLower(invoice.Recipient), invoice.ChainID, invoice.Token)
		g, ok := groups[key]
		if !ok {
			g = &group{first: invoice, total: new(big.Int)}
			groups[key] = g
			order = append(order, key)
		}
		g.total.Add(g.total, amount)
	}

	results := make([]BatchResult, 0, len(order))
	for _, key := range order {
		g := groups[key]
		combined := g.first
		combined.Amount = wei.FromWei(g.total)
		proof, err := c.Pay(ctx, combined)
		c.metrics.RecordBatch(err)
		results = append(results, BatchResult{
			Recipient: g.first.Recipient,
			ChainID:   g.first.ChainID,
			Token:     g.first.Token,
			Amount:    combined.Amount,
			Proof:     proof,
			Err:       err,
		})
	}
	return results
}

// VerifyPayment confirms that the proof's transaction actually paid the
// invoice: a successful receipt, the right recipient, and at least the
// invoiced value, on the invoice's chain.
func (c *Client) VerifyPayment(ctx context.Context, proof overlay.PaymentProof, invoice overlay.Invoice) error {
	if proof.ChainID != invoice.ChainID {
		return fmt.Errorf("%w: proof chain %d, invoice chain %d",
			ErrReceiptMismatch, proof.ChainID, invoice.ChainID)
	}
	binding, err := c.binding(proof.ChainID)
	if err != nil {
		return err
	}
	expected, err := wei.ToWei(invoice.Amount)
	if err != nil {
		return err
	}
	txHash := common.HexToHash(proof.TxHash)
	receipt, err := binding.backend.TransactionReceipt(ctx, txHash)
	if err != nil {
		return fmt.Errorf("settle: read receipt: %w", err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return fmt.Errorf("%w: %s", ErrTxFailed, proof.TxHash)
	}
	recipient := common.HexToAddress(invoice.Recipient)

	if invoice.TokenAddress == "" {
		tx, _, err := binding.backend.TransactionByHash(ctx, txHash)
		if err != nil {
			return fmt.Errorf("settle: read transaction: %w", err)
		}
		if tx.To() == nil || *tx.To() != recipient {
			return fmt.Errorf("%w: wrong recipient", ErrReceiptMismatch)
		}
		if tx.Value().Cmp(expected) < 0 {
			return fmt.Errorf("%w: paid %s, expected %s",
				ErrReceiptMismatch, wei.FromWei(tx.Value()), invoice.Amount)
		}
		return nil
	}

	token := common.HexToAddress(invoice.TokenAddress)
	for _, entry := range receipt.Logs {
		if entry.Address != token || len(entry.Topics) != 3 || entry.Topics[0] != transferTopic {
			continue
		}
		if common.BytesToAddress(entry.Topics[2].Bytes()) != recipient {
			continue
		}
		value := new(big.Int).SetBytes(entry.Data)
		if value.Cmp(expected) >= 0 {
			return nil
		}
	}
	return fmt.Errorf("%w: no matching transfer log", ErrReceiptMismatch)
}

// erc20TransferCalldata encodes transfer(address,uint256).
func erc20TransferCalldata(to common.Address, amount *big.Int) []byte {
	selector := ethcrypto.Keccak256([]byte("transfer(address,uint256)"))[:4]
	data := make([]byte, 0, 4+64)
	data = append(data, selector...)
	data = append(data, common.LeftPadBytes(to.Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(amount.Bytes(), 32)...)
	return data
}

func chainLabel(chainID uint64) string {
	return fmt.Sprintf("%d", chainID)
}
