package crypto

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPeerIDRoundTrip(t *testing.T) {
	key, err := GeneratePrivateKey()
	require.NoError(t, err)

	id := key.PubKey().PeerID()
	require.True(t, strings.HasPrefix(id, PeerIDPrefix+"1"))

	hash, err := DecodePeerID(id)
	require.NoError(t, err)
	require.Len(t, hash, 20)

	require.True(t, VerifyPeerID(id, key.PubKey()))

	other, err := GeneratePrivateKey()
	require.NoError(t, err)
	require.False(t, VerifyPeerID(id, other.PubKey()))
}

func TestDecodePeerIDRejectsForeignPrefix(t *testing.T) {
	_, err := DecodePeerID("nhb1qqqsyqcyq5rqwzqfpg9scrgwpugpzysn3tn9vd")
	require.ErrorIs(t, err, ErrInvalidPeerID)
}

func TestSignRecover(t *testing.T) {
	key, err := GeneratePrivateKey()
	require.NoError(t, err)

	payload := []byte(`{"amount":"1.5","chainId":1}`)
	sig, err := key.Sign(payload)
	require.NoError(t, err)
	require.Len(t, sig, 65)

	recovered, err := RecoverSigner(payload, sig)
	require.NoError(t, err)
	require.Equal(t, key.PubKey().PeerID(), recovered.PeerID())

	tampered := append([]byte(nil), payload...)
	tampered[0] ^= 0xff
	recovered2, err := RecoverSigner(tampered, sig)
	if err == nil {
		require.NotEqual(t, key.PubKey().PeerID(), recovered2.PeerID())
	}
}
