package crypto

import (
	"path/filepath"
	"testing"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

func TestAddressRoundTrip(t *testing.T) {
	key, err := GeneratePrivateKey()
	require.NoError(t, err)

	addr := key.PubKey().Address()
	require.Equal(t, PeerPrefix, addr.Prefix())
	require.Len(t, addr.Bytes(), 20)

	decoded, err := DecodeAddress(addr.String())
	require.NoError(t, err)
	require.Equal(t, addr.Bytes(), decoded.Bytes())
	require.Equal(t, addr.Prefix(), decoded.Prefix())
}

func TestDecodeAddressRejectsGarbage(t *testing.T) {
	for _, bad := range []string{"", "pm1", "notbech32!!", "xx1qqqqqqqqqqqqqqqqqqqq"} {
		if _, err := DecodeAddress(bad); err == nil {
			t.Fatalf("expected decode failure for %q", bad)
		}
	}
}

func TestSignVerify(t *testing.T) {
	key, err := GeneratePrivateKey()
	require.NoError(t, err)

	digest := ethcrypto.Keccak256([]byte("payload"))
	sig, err := key.Sign(digest)
	require.NoError(t, err)
	require.True(t, key.PubKey().Verify(digest, sig))

	tampered := ethcrypto.Keccak256([]byte("other payload"))
	require.False(t, key.PubKey().Verify(tampered, sig))
}

func TestKeystoreRoundTrip(t *testing.T) {
	key, err := GeneratePrivateKey()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "node.keystore")
	require.NoError(t, SaveToKeystore(path, key, "hunter2"))

	loaded, err := LoadFromKeystore(path, "hunter2")
	require.NoError(t, err)
	require.Equal(t, key.Bytes(), loaded.Bytes())

	_, err = LoadFromKeystore(path, "wrong")
	require.Error(t, err)
}
