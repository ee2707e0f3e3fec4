package lark

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encrypt(t *testing.T, plaintext, encryptKey string) string {
	t.Helper()

	key := sha256.Sum256([]byte(encryptKey))
	block, err := aes.NewCipher(key[:])
	require.NoError(t, err)

	data := []byte(plaintext)
	padding := aes.BlockSize - len(data)%aes.BlockSize
	for i := 0; i < padding; i++ {
		data = append(data, byte(padding))
	}

	iv := make([]byte, aes.BlockSize)
	_, err = rand.Read(iv)
	require.NoError(t, err)

	ciphertext := make([]byte, len(data))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, data)

	return base64.StdEncoding.EncodeToString(append(iv, ciphertext...))
}

func TestDecryptRoundTrip(t *testing.T) {
	tests := []struct {
		name      string
		plaintext string
	}{
		{
			name:      "short payload",
			plaintext: `{"challenge":"abc"}`,
		},
		{
			name:      "multi-block payload",
			plaintext: `{"schema":"2.0","header":{"event_id":"e1","event_type":"im.message.receive_v1"},"event":{"message":{"content":"{\"text\":\"hello 世界\"}"}}}`,
		},
		{
			name:      "exactly one block after padding",
			plaintext: "0123456789abcde",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decrypted, err := Decrypt(encrypt(t, tt.plaintext, "shared-key"), "shared-key")
			require.NoError(t, err)
			assert.Equal(t, tt.plaintext, decrypted)
		})
	}
}

func TestDecryptRejectsWrongKey(t *testing.T) {
	ciphertext := encrypt(t, `{"schema":"2.0"}`, "right-key")

	decrypted, err := Decrypt(ciphertext, "wrong-key")
	if err == nil {
		// With a wrong key the padding check almost always fails; on the rare
		// clean unpad the plaintext must still be garbage.
		assert.NotEqual(t, `{"schema":"2.0"}`, decrypted)
		return
	}
	assert.Error(t, err)
}

func TestDecryptRejectsMalformedInput(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{
			name:  "not base64",
			input: "!!not-base64!!",
		},
		{
			name:  "too short for an IV",
			input: base64.StdEncoding.EncodeToString([]byte("short")),
		},
		{
			name:  "partial block",
			input: base64.StdEncoding.EncodeToString(make([]byte, aes.BlockSize+7)),
		},
		{
			name:  "empty ciphertext after IV",
			input: base64.StdEncoding.EncodeToString(make([]byte, aes.BlockSize)),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decrypt(tt.input, "shared-key")
			assert.Error(t, err)
		})
	}
}
