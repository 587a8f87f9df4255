// Package crypto manages node identity keys. Peer identifiers are bech32
// strings derived from the secp256k1 public key, so any signed message can be
// checked against the sender id without a directory lookup.
package crypto

import (
	"crypto/ecdsa"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/btcsuite/btcutil/bech32"
	"github.com/ethereum/go-ethereum/crypto"
)

// PeerIDPrefix is the human-readable part of every agentmesh peer id.
const PeerIDPrefix = "amesh"

// ErrInvalidPeerID marks peer ids that fail bech32 decoding or carry the
// wrong prefix.
var ErrInvalidPeerID = errors.New("crypto: invalid peer id")

// PrivateKey wraps a secp256k1 private key.
type PrivateKey struct {
	*ecdsa.PrivateKey
}

// PublicKey wraps a secp256k1 public key.
type PublicKey struct {
	*ecdsa.PublicKey
}

// GeneratePrivateKey creates a fresh node identity key.
func GeneratePrivateKey() (*PrivateKey, error) {
	key, err := ecdsa.GenerateKey(crypto.S256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// PrivateKeyFromBytes reconstructs a key from its raw byte form.
func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	key, err := crypto.ToECDSA(b)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// Bytes returns the raw byte representation of the private key.
func (k *PrivateKey) Bytes() []byte {
	return crypto.FromECDSA(k.PrivateKey)
}

// PubKey exposes the public half of the key pair.
func (k *PrivateKey) PubKey() *PublicKey {
	return &PublicKey{&k.PrivateKey.PublicKey}
}

// Sign produces a 65-byte recoverable signature over the keccak256 digest of
// the payload.
func (k *PrivateKey) Sign(payload []byte) ([]byte, error) {
	if k == nil || k.PrivateKey == nil {
		return nil, errors.New("crypto: nil private key")
	}
	digest := crypto.Keccak256(payload)
	return crypto.Sign(digest, k.PrivateKey)
}

// Bytes returns the uncompressed public key encoding.
func (k *PublicKey) Bytes() []byte {
	return crypto.FromECDSAPub(k.PublicKey)
}

// PeerID derives the bech32 peer identifier for this key.
func (k *PublicKey) PeerID() string {
	addr := crypto.PubkeyToAddress(*k.PublicKey)
	return encodePeerID(addr.Bytes())
}

// PublicKeyFromBytes parses an uncompressed public key encoding.
func PublicKeyFromBytes(b []byte) (*PublicKey, error) {
	key, err := crypto.UnmarshalPubkey(b)
	if err != nil {
		return nil, fmt.Errorf("crypto: invalid public key: %w", err)
	}
	return &PublicKey{key}, nil
}

// RecoverSigner returns the public key that produced the signature over the
// keccak256 digest of the payload.
func RecoverSigner(payload, signature []byte) (*PublicKey, error) {
	digest := crypto.Keccak256(payload)
	key, err := crypto.SigToPub(digest, signature)
	if err != nil {
		return nil, fmt.Errorf("crypto: signature recovery failed: %w", err)
	}
	return &PublicKey{key}, nil
}

// VerifyPeerID reports whether the supplied peer id was derived from the
// given public key.
func VerifyPeerID(peerID string, key *PublicKey) bool {
	if key == nil || key.PublicKey == nil {
		return false
	}
	return key.PeerID() == peerID
}

// DecodePeerID validates a peer id and returns the underlying 20-byte hash.
func DecodePeerID(peerID string) ([]byte, error) {
	prefix, decoded, err := bech32.Decode(peerID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPeerID, err)
	}
	if prefix != PeerIDPrefix {
		return nil, fmt.Errorf("%w: prefix %q", ErrInvalidPeerID, prefix)
	}
	conv, err := bech32.ConvertBits(decoded, 5, 8, false)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPeerID, err)
	}
	if len(conv) != 20 {
		return nil, fmt.Errorf("%w: payload length %d", ErrInvalidPeerID, len(conv))
	}
	return conv, nil
}

func encodePeerID(hash []byte) string {
	conv, err := bech32.ConvertBits(hash, 8, 5, true)
	if err != nil {
		panic(err)
	}
	encoded, err := bech32.Encode(PeerIDPrefix, conv)
	if err != nil {
		panic(err)
	}
	return encoded
}
