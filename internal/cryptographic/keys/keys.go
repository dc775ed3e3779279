// Package keys holds the two key kinds used by the paste stream: the
// per-device X25519 pairing key pair and the AES-256 shared stream key.
//
// Public keys and shared keys export to a JWK shaped JSON string so they
// can travel inside stream payloads and sit in the local store. Private
// keys have no export at all; they live only as long as the pairing flow
// that created them.
package keys

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"e2e_paste/internal/cryptographic/dh"
	"e2e_paste/internal/errs"
)

const SharedKeySize = 32

type (
	PublicKey struct {
		b [32]byte
	}

	// PrivateKey can only be used through SharedSecret.
	PrivateKey struct {
		b [32]byte
	}

	KeyPair struct {
		Public  PublicKey
		Private PrivateKey
	}

	SharedKey struct {
		b [SharedKeySize]byte
	}

	jwk struct {
		Kty    string   `json:"kty"`
		Crv    string   `json:"crv,omitempty"`
		X      string   `json:"x,omitempty"`
		K      string   `json:"k,omitempty"`
		Alg    string   `json:"alg,omitempty"`
		Ext    bool     `json:"ext,omitempty"`
		KeyOps []string `json:"key_ops,omitempty"`
	}
)

var b64 = base64.RawURLEncoding

func GenerateKeyPair() (*KeyPair, error) {
	priv, pub, err := dh.NewX25519KeyPair()
	if err != nil {
		return nil, err
	}
	return &KeyPair{Public: PublicKey{b: pub}, Private: PrivateKey{b: priv}}, nil
}

func GenerateSharedKey() (SharedKey, error) {
	var k SharedKey
	if _, err := rand.Read(k.b[:]); err != nil {
		return SharedKey{}, fmt.Errorf("failed to generate shared key: %w", err)
	}
	return k, nil
}

// SharedSecret runs X25519 between this private key and peer.
func (k PrivateKey) SharedSecret(peer PublicKey) ([]byte, error) {
	return dh.X25519SharedSecret(k.b, peer.b)
}

func (k PublicKey) Bytes() []byte {
	return append([]byte(nil), k.b[:]...)
}

func (k PublicKey) Equal(o PublicKey) bool {
	return k.b == o.b
}

func (k PublicKey) Export() (string, error) {
	return marshalJWK(jwk{Kty: "OKP", Crv: "X25519", X: b64.EncodeToString(k.b[:]), Ext: true})
}

// Bytes returns the raw AES key. Callers must not persist it anywhere but
// the local stream status.
func (k SharedKey) Bytes() []byte {
	return append([]byte(nil), k.b[:]...)
}

func (k SharedKey) IsZero() bool {
	return k.b == [SharedKeySize]byte{}
}

func (k SharedKey) Equal(o SharedKey) bool {
	return k.b == o.b
}

func (k SharedKey) Export() (string, error) {
	return marshalJWK(jwk{
		Kty:    "oct",
		K:      b64.EncodeToString(k.b[:]),
		Alg:    "A256GCM",
		Ext:    true,
		KeyOps: []string{"encrypt", "decrypt"},
	})
}

func ImportPublicKey(serialized string) (PublicKey, error) {
	var j jwk
	if err := json.Unmarshal([]byte(serialized), &j); err != nil {
		return PublicKey{}, fmt.Errorf("%w: %v", errs.ErrInvalidKey, err)
	}
	if j.Kty != "OKP" || j.Crv != "X25519" {
		return PublicKey{}, fmt.Errorf("%w: kty %q crv %q", errs.ErrInvalidKey, j.Kty, j.Crv)
	}
	raw, err := b64.DecodeString(j.X)
	if err != nil {
		return PublicKey{}, fmt.Errorf("%w: bad public key material", errs.ErrInvalidKey)
	}
	return PublicKeyFromBytes(raw)
}

// PublicKeyFromBytes wraps a raw 32 byte X25519 public key.
func PublicKeyFromBytes(raw []byte) (PublicKey, error) {
	if len(raw) != 32 {
		return PublicKey{}, fmt.Errorf("%w: public key must be 32 bytes, got %d", errs.ErrInvalidKey, len(raw))
	}
	var k PublicKey
	copy(k.b[:], raw)
	return k, nil
}

func ImportSharedKey(serialized string) (SharedKey, error) {
	var j jwk
	if err := json.Unmarshal([]byte(serialized), &j); err != nil {
		return SharedKey{}, fmt.Errorf("%w: %v", errs.ErrInvalidKey, err)
	}
	if j.Kty != "oct" {
		return SharedKey{}, fmt.Errorf("%w: kty %q", errs.ErrInvalidKey, j.Kty)
	}
	raw, err := b64.DecodeString(j.K)
	if err != nil || len(raw) != SharedKeySize {
		return SharedKey{}, fmt.Errorf("%w: bad shared key material", errs.ErrInvalidKey)
	}
	var k SharedKey
	copy(k.b[:], raw)
	return k, nil
}

func marshalJWK(j jwk) (string, error) {
	data, err := json.Marshal(j)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
