package model

import "e2e_paste/internal/cryptographic/keys"

// StreamStatus is the local sync position of one stream. It never leaves
// the device.
type StreamStatus struct {
	StreamId      string
	EncryptionKey keys.SharedKey
	LastId        string
}
