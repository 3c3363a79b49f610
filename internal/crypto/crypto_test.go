package crypto

import (
	"os"
	"path/filepath"
	"testing"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

const testKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func TestKeyFileRoundTrip(t *testing.T) {
	data, err := EncryptKey("0x"+testKey, "hunter2")
	require.NoError(t, err)

	got, err := DecryptKey(data, "hunter2")
	require.NoError(t, err)
	require.Equal(t, testKey, got)

	_, err = DecryptKey(data, "wrong")
	require.ErrorContains(t, err, "wrong password")
}

func TestEncryptKeyRejectsBadInput(t *testing.T) {
	_, err := EncryptKey(testKey, "")
	require.Error(t, err)
	_, err = EncryptKey("abcd", "pw")
	require.ErrorContains(t, err, "32-byte")
}

func TestLoadKey(t *testing.T) {
	got, err := LoadKey(KeyConfig{SigningKey: "0x" + testKey, EncryptedKeyPath: "/nonexistent"})
	require.NoError(t, err)
	require.Equal(t, testKey, got)

	data, err := EncryptKey(testKey, "pw")
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "ledger.key")
	require.NoError(t, os.WriteFile(path, data, 0o600))

	got, err = LoadKey(KeyConfig{EncryptedKeyPath: path, KeyPassword: "pw"})
	require.NoError(t, err)
	require.Equal(t, testKey, got)

	_, err = LoadKey(KeyConfig{})
	require.Error(t, err)
}

func TestSignerRoundTrip(t *testing.T) {
	s, err := NewSigner(testKey, 1)
	require.NoError(t, err)

	pk, err := ethcrypto.HexToECDSA(testKey)
	require.NoError(t, err)
	require.Equal(t, ethcrypto.PubkeyToAddress(pk.PublicKey), s.Address())

	body := []byte(`{"amount":"10"}`)
	sig, err := s.SignRequest("POST", "/v1/escrow", body, 1700000000)
	require.NoError(t, err)
	require.Len(t, sig, 2+130)

	addr, err := RecoverRequest(1, "POST", "/v1/escrow", body, 1700000000, sig)
	require.NoError(t, err)
	require.Equal(t, s.Address(), addr)

	// A different body, timestamp or chain recovers some other address.
	other, err := RecoverRequest(1, "POST", "/v1/escrow", []byte(`{"amount":"11"}`), 1700000000, sig)
	require.NoError(t, err)
	require.NotEqual(t, s.Address(), other)
	other, err = RecoverRequest(5, "POST", "/v1/escrow", body, 1700000000, sig)
	require.NoError(t, err)
	require.NotEqual(t, s.Address(), other)

	_, err = RecoverRequest(1, "POST", "/", body, 1, "0x1234")
	require.Error(t, err)
}

func TestHMACHeaders(t *testing.T) {
	auth := HMACAuth{Key: "key-1", Secret: "c2VjcmV0", Passphrase: "pp"}
	h := auth.HeadersAt("GET", "/v1/markets/m1/outcome", "", 1700000000)

	require.Equal(t, "key-1", h[HeaderAPIKey])
	require.Equal(t, "1700000000", h[HeaderTimestamp])
	require.True(t, auth.Verify("GET", "/v1/markets/m1/outcome", "", "1700000000", h[HeaderSignature]))
	require.False(t, auth.Verify("GET", "/v1/markets/m2/outcome", "", "1700000000", h[HeaderSignature]))
	require.Equal(t, "HMACAuth{key=key-****, secret=c2Vj****}", auth.String())
}

func TestSealKeyWritesLoadableFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.key")
	require.NoError(t, SealKey(KeyConfig{SigningKey: "0x" + testKey, EncryptedKeyPath: path, KeyPassword: "pw"}))

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	got, err := LoadKey(KeyConfig{EncryptedKeyPath: path, KeyPassword: "pw"})
	require.NoError(t, err)
	require.Equal(t, testKey, got)

	err = SealKey(KeyConfig{SigningKey: testKey, EncryptedKeyPath: path, KeyPassword: "other"})
	require.ErrorIs(t, err, os.ErrExist, "existing key file is kept")
	require.Error(t, SealKey(KeyConfig{EncryptedKeyPath: path, KeyPassword: "pw"}))
}
