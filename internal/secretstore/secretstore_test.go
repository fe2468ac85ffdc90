package secretstore

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func testKey() []byte {
	k := make([]byte, keySize)
	for i := range k {
		k[i] = byte(i)
	}
	return k
}

func TestNew_RejectsWrongKeySize(t *testing.T) {
	_, err := New([]byte("too-short"))
	assert.Error(t, err)
}

func TestSealOpen_RoundTrip(t *testing.T) {
	box, err := New(testKey())
	assert.NoError(t, err)

	plaintext := []byte("a trading wallet private key")
	blob, err := box.Seal(plaintext)
	assert.NoError(t, err)
	assert.NotEqual(t, plaintext, blob)

	recovered, err := box.Open(blob)
	assert.NoError(t, err)
	assert.True(t, bytes.Equal(plaintext, recovered))
}

func TestSealOpen_DistinctNoncesProduceDistinctCiphertext(t *testing.T) {
	box, err := New(testKey())
	assert.NoError(t, err)

	plaintext := []byte("same plaintext twice")
	blob1, err := box.Seal(plaintext)
	assert.NoError(t, err)
	blob2, err := box.Seal(plaintext)
	assert.NoError(t, err)
	assert.NotEqual(t, blob1, blob2)
}

func TestOpen_RejectsTamperedCiphertext(t *testing.T) {
	box, err := New(testKey())
	assert.NoError(t, err)

	blob, err := box.Seal([]byte("secret"))
	assert.NoError(t, err)
	blob[len(blob)-1] ^= 0xFF

	_, err = box.Open(blob)
	assert.ErrorIs(t, err, ErrDecryptFailed)
}

func TestOpen_RejectsWrongKey(t *testing.T) {
	box1, err := New(testKey())
	assert.NoError(t, err)
	otherKey := make([]byte, keySize)
	copy(otherKey, testKey())
	otherKey[0] ^= 0xFF
	box2, err := New(otherKey)
	assert.NoError(t, err)

	blob, err := box1.Seal([]byte("secret"))
	assert.NoError(t, err)

	_, err = box2.Open(blob)
	assert.ErrorIs(t, err, ErrDecryptFailed)
}

func TestOpen_RejectsShortBlob(t *testing.T) {
	box, err := New(testKey())
	assert.NoError(t, err)

	_, err = box.Open([]byte("short"))
	assert.ErrorIs(t, err, ErrDecryptFailed)
}

func TestZero_ClearsKeyBytes(t *testing.T) {
	box, err := New(testKey())
	assert.NoError(t, err)
	box.Zero()

	_, err = box.Seal([]byte("irrelevant"))
	assert.NoError(t, err) // sealing with a zeroed key still succeeds mechanically

	blob, _ := box.Seal([]byte("data"))
	other, err := New(testKey())
	assert.NoError(t, err)
	_, err = other.Open(blob) // zeroed key no longer matches the original key
	assert.ErrorIs(t, err, ErrDecryptFailed)
}
