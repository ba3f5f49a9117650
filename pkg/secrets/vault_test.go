package secrets

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testVault(t *testing.T) *Vault {
	key, err := GenerateKey()
	require.NoError(t, err)
	v, err := New(key)
	require.NoError(t, err)
	return v
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	v := testVault(t)

	ciphertext, err := v.Encrypt("sk_live_ABCDEF")
	require.NoError(t, err)
	assert.NotEqual(t, "sk_live_ABCDEF", ciphertext)

	plaintext, err := v.Decrypt(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, "sk_live_ABCDEF", plaintext)
}

func TestDecryptFailsClosedOnTamper(t *testing.T) {
	v := testVault(t)

	ciphertext, err := v.Encrypt("secret-value")
	require.NoError(t, err)

	tampered := []byte(ciphertext)
	tampered[len(tampered)-1] ^= 0x01

	_, err = v.Decrypt(string(tampered))
	assert.Error(t, err)
}

func TestDecryptFailsClosedOnWrongKey(t *testing.T) {
	v1 := testVault(t)
	v2 := testVault(t)

	ciphertext, err := v1.Encrypt("secret-value")
	require.NoError(t, err)

	_, err = v2.Decrypt(ciphertext)
	assert.Error(t, err)
}

func TestEncryptAllDecryptAll(t *testing.T) {
	v := testVault(t)

	plain := map[string]string{"API_KEY": "sk_live_X", "PASSWORD": "hunter2"}
	enc, err := v.EncryptAll(plain)
	require.NoError(t, err)

	dec, err := v.DecryptAll(enc)
	require.NoError(t, err)
	assert.Equal(t, plain, dec)
}

func TestNewRejectsWrongKeySize(t *testing.T) {
	_, err := New([]byte("too-short"))
	assert.Error(t, err)
}
