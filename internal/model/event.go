package model

type Kind string

const (
	KindPasteText     Kind = "PasteText"
	KindDeviceRequest Kind = "DeviceRequest"
	KindDeviceAdded   Kind = "DeviceAdded"
	KindFirstDevice   Kind = "FirstDevice"
)

func (k Kind) Valid() bool {
	switch k {
	case KindPasteText, KindDeviceRequest, KindDeviceAdded, KindFirstDevice:
		return true
	}
	return false
}

// IsControl reports whether events of this kind coordinate device trust
// rather than carry user content.
func (k Kind) IsControl() bool {
	return k != KindPasteText
}

type (
	// StreamEvent is one entry of an account's append-only stream. Id and
	// Timestamp are assigned by the server.
	StreamEvent struct {
		Id          string `json:"Id,omitempty"`
		Timestamp   int64  `json:"Timestamp"`
		Kind        Kind   `json:"Kind"`
		Payload     string `json:"Payload"`
		IsSensitive bool   `json:"IsSensitive,omitempty"`

		// Undecryptable is local only: set on PasteText events kept with a
		// placeholder payload because decryption failed.
		Undecryptable bool `json:"Undecryptable,omitempty"`
	}

	// NewStreamEvent is the body of an append request.
	NewStreamEvent struct {
		Kind        Kind   `json:"Kind"`
		Payload     string `json:"Payload"`
		IsSensitive bool   `json:"IsSensitive,omitempty"`
	}

	Device struct {
		Id          string `json:"Id"`
		Description string `json:"Description"`
	}

	DeviceRequestPayload struct {
		Id          string `json:"Id"`
		Description string `json:"Description"`
		PublicKey   string `json:"PublicKey"`
	}

	DeviceAddedPayload struct {
		Id           string `json:"Id"`
		Description  string `json:"Description"`
		PublicKey    string `json:"PublicKey"`
		EncryptedKey string `json:"EncryptedKey"`
		FromDeviceId string `json:"FromDeviceId"`
	}
)

func (p DeviceRequestPayload) Device() Device {
	return Device{Id: p.Id, Description: p.Description}
}

func (p DeviceAddedPayload) Device() Device {
	return Device{Id: p.Id, Description: p.Description}
}

// LastID returns the id of the final event, or "" for an empty batch.
func LastID(events []StreamEvent) string {
	if len(events) == 0 {
		return ""
	}
	return events[len(events)-1].Id
}
