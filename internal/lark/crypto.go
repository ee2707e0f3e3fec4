package lark

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"larkgate/pkg/errors"
)

// Decrypt opens an encrypted webhook envelope. The provider derives the AES
// key as SHA-256 of the shared encrypt key, prepends a 16-byte IV to the
// ciphertext, and uses CBC with PKCS#7 padding.
//
// Every failure mode returns ErrDecryption; the caller rejects the request
// with a 400 and must never treat it as fatal to the process.
func Decrypt(ciphertextB64, encryptKey string) (string, error) {
	key := sha256.Sum256([]byte(encryptKey))

	buf, err := base64.StdEncoding.DecodeString(ciphertextB64)
	if err != nil {
		return "", errors.ErrDecryption.WithCause(fmt.Errorf("malformed base64: %w", err))
	}

	if len(buf) < aes.BlockSize || (len(buf)-aes.BlockSize)%aes.BlockSize != 0 {
		return "", errors.ErrDecryption.WithCause(fmt.Errorf("ciphertext length %d is not a whole number of blocks", len(buf)))
	}

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return "", errors.ErrDecryption.WithCause(err)
	}

	iv := buf[:aes.BlockSize]
	content := buf[aes.BlockSize:]

	plaintext := make([]byte, len(content))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, content)

	plaintext, err = pkcs7Unpad(plaintext, aes.BlockSize)
	if err != nil {
		return "", errors.ErrDecryption.WithCause(err)
	}

	return string(plaintext), nil
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, fmt.Errorf("invalid padded length %d", len(data))
	}

	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > blockSize {
		return nil, fmt.Errorf("invalid padding byte %d", padLen)
	}

	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, fmt.Errorf("inconsistent padding")
		}
	}

	return data[:len(data)-padLen], nil
}
