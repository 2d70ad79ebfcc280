package codec

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"errors"
	"fmt"
	"unicode/utf8"
)

// ErrNotDecryptable marks input that cannot be decrypted at all: wrong key,
// truncated ciphertext, invalid padding, or bytes that are not valid base64.
// Callers treat it as a permanently corrupt message, distinct from a payload
// that decrypts fine but fails validation later.
var ErrNotDecryptable = errors.New("payload not decryptable")

// Codec encrypts and decrypts queue payloads with AES-CBC under a fixed
// pre-shared key and IV. The ciphertext travels base64 encoded.
type Codec struct {
	block cipher.Block
	iv    []byte
}

// New creates a codec from a 16/24/32 byte key and a block-sized IV.
func New(key, iv string) (*Codec, error) {
	block, err := aes.NewCipher([]byte(key))
	if err != nil {
		return nil, fmt.Errorf("invalid payload key: %w", err)
	}
	if len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("invalid payload iv: need %d bytes, got %d", aes.BlockSize, len(iv))
	}
	return &Codec{block: block, iv: []byte(iv)}, nil
}

// Encrypt returns the base64-encoded AES-CBC ciphertext of plaintext.
// Empty input is returned unchanged.
func (c *Codec) Encrypt(plaintext string) string {
	if plaintext == "" {
		return ""
	}

	padded := pad([]byte(plaintext), aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(c.block, c.iv).CryptBlocks(out, padded)

	return base64.StdEncoding.EncodeToString(out)
}

// Decrypt reverses Encrypt. Any input that fails base64 decoding, block
// alignment, padding checks, or UTF-8 decoding yields ErrNotDecryptable;
// Decrypt never panics on hostile input. Empty input is returned unchanged.
func (c *Codec) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}

	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNotDecryptable, err)
	}
	if len(raw) == 0 || len(raw)%aes.BlockSize != 0 {
		return "", fmt.Errorf("%w: ciphertext length %d not block aligned", ErrNotDecryptable, len(raw))
	}

	out := make([]byte, len(raw))
	cipher.NewCBCDecrypter(c.block, c.iv).CryptBlocks(out, raw)

	plain, err := unpad(out, aes.BlockSize)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNotDecryptable, err)
	}
	if !utf8.Valid(plain) {
		return "", fmt.Errorf("%w: plaintext is not valid UTF-8", ErrNotDecryptable)
	}

	return string(plain), nil
}

// pad applies PKCS#7 padding.
func pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(n)}, n)...)
}

// unpad strips and verifies PKCS#7 padding.
func unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 {
		return nil, errors.New("empty plaintext")
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, errors.New("invalid padding length")
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, errors.New("invalid padding bytes")
		}
	}
	return data[:len(data)-n], nil
}
