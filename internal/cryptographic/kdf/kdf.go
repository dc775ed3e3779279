package kdf

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

// HKDF fills buffer with HKDF-SHA256 output.
func HKDF(secret, salt, info, buffer []byte) (int, error) {
	h := hkdf.New(sha256.New, secret, salt, info)
	return io.ReadFull(h, buffer)
}

// DeriveKey32 derives a 32 byte AES-256 key.
func DeriveKey32(secret, salt, info []byte) ([]byte, error) {
	key := make([]byte, 32)
	if _, err := HKDF(secret, salt, info, key); err != nil {
		return nil, err
	}
	return key, nil
}
