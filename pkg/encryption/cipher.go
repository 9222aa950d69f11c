package encryption

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// Cipher encrypts short secrets (TOTP seeds) with AES-CBC and PKCS#7
// padding. The block cipher is constructed once at startup and is safe for
// concurrent use; a fresh IV is generated per encryption.
type Cipher struct {
	block cipher.Block
}

// NewCipher creates a Cipher from a base64-encoded AES key (16, 24 or 32
// bytes decoded).
func NewCipher(encodedKey string) (*Cipher, error) {
	key, err := base64.StdEncoding.DecodeString(encodedKey)
	if err != nil {
		return nil, fmt.Errorf("invalid encryption key encoding: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("invalid encryption key: %w", err)
	}
	return &Cipher{block: block}, nil
}

// Encrypt returns the base64 ciphertext and base64 IV for the given
// plaintext.
func (c *Cipher) Encrypt(plaintext string) (data, iv string, err error) {
	rawIV := make([]byte, aes.BlockSize)
	if _, err := rand.Read(rawIV); err != nil {
		return "", "", fmt.Errorf("failed to generate IV: %w", err)
	}

	padded := pad([]byte(plaintext), aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(c.block, rawIV).CryptBlocks(out, padded)

	return base64.StdEncoding.EncodeToString(out), base64.StdEncoding.EncodeToString(rawIV), nil
}

// Decrypt reverses Encrypt.
func (c *Cipher) Decrypt(data, iv string) (string, error) {
	rawData, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return "", fmt.Errorf("invalid ciphertext encoding: %w", err)
	}
	rawIV, err := base64.StdEncoding.DecodeString(iv)
	if err != nil {
		return "", fmt.Errorf("invalid IV encoding: %w", err)
	}
	if len(rawIV) != aes.BlockSize {
		return "", fmt.Errorf("invalid IV length %d", len(rawIV))
	}
	if len(rawData) == 0 || len(rawData)%aes.BlockSize != 0 {
		return "", fmt.Errorf("invalid ciphertext length %d", len(rawData))
	}

	out := make([]byte, len(rawData))
	cipher.NewCBCDecrypter(c.block, rawIV).CryptBlocks(out, rawData)

	unpadded, err := unpad(out, aes.BlockSize)
	if err != nil {
		return "", err
	}
	return string(unpadded), nil
}

func pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty plaintext")
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, fmt.Errorf("invalid padding")
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, fmt.Errorf("invalid padding")
		}
	}
	return data[:len(data)-n], nil
}
