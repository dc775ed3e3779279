// Package keywrap seals short secrets to a device public key.
//
// The sender generates an ephemeral X25519 key pair, runs DH against the
// recipient key, stretches the result with HKDF (salt = ephemeral public
// key || recipient public key) and seals the message with AES-256-GCM.
// The wire form is base64(ephemeral public key || nonce || ciphertext).
// Only the holder of the recipient private key can open it.
package keywrap

import (
	"encoding/base64"
	"fmt"

	"e2e_paste/internal/cryptographic/encryption"
	"e2e_paste/internal/cryptographic/kdf"
	"e2e_paste/internal/cryptographic/keys"
	"e2e_paste/internal/errs"
)

// MaxMessageSize bounds what can be wrapped. Exported shared keys are
// around 120 bytes.
const MaxMessageSize = 1024

var info = []byte("e2e_paste keywrap v1")

func EncryptAsymmetric(recipient keys.PublicKey, plaintext string) (string, error) {
	if len(plaintext) > MaxMessageSize {
		return "", fmt.Errorf("keywrap: message of %d bytes exceeds %d", len(plaintext), MaxMessageSize)
	}

	ephemeral, err := keys.GenerateKeyPair()
	if err != nil {
		return "", err
	}
	secret, err := ephemeral.Private.SharedSecret(recipient)
	if err != nil {
		return "", err
	}
	ephPub := ephemeral.Public.Bytes()
	key, err := kdf.DeriveKey32(secret, salt(ephPub, recipient.Bytes()), info)
	if err != nil {
		return "", err
	}

	sealed, err := encryption.AEADEncrypt(key, []byte(plaintext), ephPub)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(append(ephPub, sealed...)), nil
}

func DecryptAsymmetric(pair *keys.KeyPair, ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: %v", errs.ErrDecryption, err)
	}
	if len(raw) < 32 {
		return "", fmt.Errorf("%w: wrapped key too short", errs.ErrDecryption)
	}

	ephPub, err := keys.PublicKeyFromBytes(raw[:32])
	if err != nil {
		return "", err
	}
	secret, err := pair.Private.SharedSecret(ephPub)
	if err != nil {
		return "", fmt.Errorf("%w: %v", errs.ErrDecryption, err)
	}
	key, err := kdf.DeriveKey32(secret, salt(raw[:32], pair.Public.Bytes()), info)
	if err != nil {
		return "", err
	}

	plain, err := encryption.AEADDecrypt(key, raw[32:], raw[:32])
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

// WrapSharedKey exports key and seals it to recipient.
func WrapSharedKey(recipient keys.PublicKey, key keys.SharedKey) (string, error) {
	exported, err := key.Export()
	if err != nil {
		return "", err
	}
	return EncryptAsymmetric(recipient, exported)
}

func UnwrapSharedKey(pair *keys.KeyPair, wrapped string) (keys.SharedKey, error) {
	exported, err := DecryptAsymmetric(pair, wrapped)
	if err != nil {
		return keys.SharedKey{}, err
	}
	return keys.ImportSharedKey(exported)
}

func salt(ephPub, recipientPub []byte) []byte {
	s := make([]byte, 0, len(ephPub)+len(recipientPub))
	s = append(s, ephPub...)
	return append(s, recipientPub...)
}
