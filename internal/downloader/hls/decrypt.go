package hls

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"
)

// KeySize is the AES-128 key length the upstream encodes with
const KeySize = 16

var errCiphertextLength = errors.New("ciphertext is not a whole number of blocks")

// NormalizeKey returns material when it is exactly KeySize bytes and an
// all-zero key otherwise.
func NormalizeKey(material []byte) ([]byte, bool) {
	key := make([]byte, KeySize)
	if len(material) != KeySize {
		return key, false
	}
	copy(key, material)
	return key, true
}

// Decrypt decrypts an AES-128-CBC segment whose IV is the key itself.
// Anything that cannot be decrypted is returned unchanged.
func Decrypt(ciphertext, key []byte) []byte {
	plaintext, err := decryptCBC(ciphertext, key)
	if err != nil {
		return ciphertext
	}
	return plaintext
}

func decryptCBC(ciphertext, key []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", KeySize, len(key))
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, errCiphertextLength
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, key).CryptBlocks(out, ciphertext)

	// An implausible pad length means the data was not padded (or the key is
	// wrong), so nothing is trimmed.
	pad := int(out[len(out)-1])
	if pad <= aes.BlockSize {
		out = out[:len(out)-pad]
	}
	return out, nil
}
