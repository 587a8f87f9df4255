package overlay

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"agentmesh/crypto"
	"agentmesh/wei"
)

var (
	// ErrInvalidInvoice marks invoices that fail field validation.
	ErrInvalidInvoice = errors.New("overlay: invalid invoice")
	// ErrInvalidProof marks malformed payment proofs.
	ErrInvalidProof = errors.New("overlay: invalid payment proof")
	// ErrBadSignature marks signature or sender-identity mismatches.
	ErrBadSignature = errors.New("overlay: invoice signature verification failed")
)

// Invoice is a claim of an amount owed to a recipient on a specific chain.
// Amounts are 18-decimal strings; an invoice becomes authoritative once the
// issuing node writes it to its ledger.
type Invoice struct {
	ID           string `json:"id"`
	JobID        string `json:"jobId"`
	ChainID      uint64 `json:"chainId"`
	Token        string `json:"token"`
	TokenAddress string `json:"tokenAddress,omitempty"`
	Amount       string `json:"amount"`
	Recipient    string `json:"recipient"`
	ValidUntil   int64  `json:"validUntil"`
	CreatedAt    int64  `json:"createdAt"`
	Signature    string `json:"signature,omitempty"`
	PublicKey    string `json:"publicKey,omitempty"`
}

// Validate checks invoice fields without touching the signature.
func (inv *Invoice) Validate() error {
	if inv == nil {
		return fmt.Errorf("%w: nil", ErrInvalidInvoice)
	}
	if strings.TrimSpace(inv.ID) == "" {
		return fmt.Errorf("%w: id required", ErrInvalidInvoice)
	}
	if inv.ChainID == 0 {
		return fmt.Errorf("%w: chain id required", ErrInvalidInvoice)
	}
	amount, err := wei.ToWei(inv.Amount)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInvoice, err)
	}
	if amount.Sign() < 0 {
		return fmt.Errorf("%w: amount must not be negative", ErrInvalidInvoice)
	}
	if !common.IsHexAddress(inv.Recipient) {
		return fmt.Errorf("%w: recipient %q is not a hex address", ErrInvalidInvoice, inv.Recipient)
	}
	if inv.TokenAddress != "" && !common.IsHexAddress(inv.TokenAddress) {
		return fmt.Errorf("%w: token address %q is not a hex address", ErrInvalidInvoice, inv.TokenAddress)
	}
	if inv.ValidUntil != 0 && inv.CreatedAt != 0 && inv.ValidUntil <= inv.CreatedAt {
		return fmt.Errorf("%w: validUntil must be after createdAt", ErrInvalidInvoice)
	}
	return nil
}

// SigningBytes returns the canonical JSON of the invoice minus signature and
// publicKey, the byte string every signature covers.
func (inv *Invoice) SigningBytes() ([]byte, error) {
	stripped := *inv
	stripped.Signature = ""
	stripped.PublicKey = ""
	return CanonicalJSON(stripped)
}

// Sign attaches a recoverable signature and the signer's public key.
func (inv *Invoice) Sign(key *crypto.PrivateKey) error {
	payload, err := inv.SigningBytes()
	if err != nil {
		return err
	}
	sig, err := key.Sign(payload)
	if err != nil {
		return err
	}
	inv.Signature = hex.EncodeToString(sig)
	inv.PublicKey = hex.EncodeToString(key.PubKey().Bytes())
	return nil
}

// VerifySignature checks the signature over the canonical signing bytes and,
// when senderID is non-empty, that the embedded public key derives to that
// peer id.
func (inv *Invoice) VerifySignature(senderID string) error {
	if strings.TrimSpace(inv.Signature) == "" || strings.TrimSpace(inv.PublicKey) == "" {
		return fmt.Errorf("%w: unsigned invoice", ErrBadSignature)
	}
	payload, err := inv.SigningBytes()
	if err != nil {
		return err
	}
	sig, err := hex.DecodeString(inv.Signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	keyBytes, err := hex.DecodeString(inv.PublicKey)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	declared, err := crypto.PublicKeyFromBytes(keyBytes)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	recovered, err := crypto.RecoverSigner(payload, sig)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if recovered.PeerID() != declared.PeerID() {
		return fmt.Errorf("%w: signature does not match embedded key", ErrBadSignature)
	}
	if senderID != "" && !crypto.VerifyPeerID(senderID, declared) {
		return fmt.Errorf("%w: sender %s does not own signing key", ErrBadSignature, senderID)
	}
	return nil
}

// PaymentProof binds an invoice to an on-chain transaction.
type PaymentProof struct {
	InvoiceID string `json:"invoiceId"`
	TxHash    string `json:"txHash"`
	ChainID   uint64 `json:"chainId"`
}

// Validate checks proof fields.
func (p *PaymentProof) Validate() error {
	if p == nil {
		return fmt.Errorf("%w: nil", ErrInvalidProof)
	}
	if strings.TrimSpace(p.InvoiceID) == "" {
		return fmt.Errorf("%w: invoice id required", ErrInvalidProof)
	}
	hash := strings.TrimPrefix(strings.TrimSpace(p.TxHash), "0x")
	if len(hash) != 64 {
		return fmt.Errorf("%w: tx hash must be 32 bytes", ErrInvalidProof)
	}
	if _, err := hex.DecodeString(hash); err != nil {
		return fmt.Errorf("%w: tx hash not hex: %v", ErrInvalidProof, err)
	}
	if p.ChainID == 0 {
		return fmt.Errorf("%w: chain id required", ErrInvalidProof)
	}
	return nil
}
