// Package errs holds the sentinel errors shared by the client and the
// server. Callers match them with errors.Is; producers wrap them with
// fmt.Errorf("...: %w", err) to add context.
package errs

import "errors"

// Session errors.
var (
	// ErrUnauthorized means the server rejected the session (HTTP 401).
	// It is never retried: the stored user and token are wiped instead.
	ErrUnauthorized = errors.New("unauthorized")
)

// Engine lifecycle errors. Both indicate caller misuse.
var (
	ErrServiceNotStarted     = errors.New("stream service not started")
	ErrServiceAlreadyStarted = errors.New("stream service already started")

	// ErrKeyUnavailable is returned by write paths while the shared key is
	// not known yet (offline start, or still registering this device).
	ErrKeyUnavailable = errors.New("shared key not available")
)

// Cryptographic errors.
var (
	// ErrDecryption covers tampered ciphertext, a wrong key and malformed
	// input alike. The sync loop skips such events instead of failing.
	ErrDecryption = errors.New("failed to decrypt")

	ErrInvalidKey = errors.New("invalid or unsupported key")
)

// Stream and device errors.
var (
	ErrStreamStatusNotFound = errors.New("stream status not found")
	ErrInvalidPayload       = errors.New("invalid event payload")

	// ErrCorruptStatus means the locally stored stream status cannot be
	// decoded. It is not retried: the device starts over instead.
	ErrCorruptStatus = errors.New("corrupt stream status")

	// ErrPairingTimeout means no device approved the join request in time.
	// The registration loop reacts by sending a fresh request.
	ErrPairingTimeout = errors.New("device request was not approved in time")

	// ErrDeviceExists is returned by the server when a second device tries
	// to register as the first device of a stream.
	ErrDeviceExists = errors.New("stream already has a device")

	// ErrNoPendingRequest is returned when approving or rejecting a device
	// request that is no longer the pending one.
	ErrNoPendingRequest = errors.New("no such pending device request")
)
