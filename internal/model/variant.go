package model

import (
	"encoding/json"
	"fmt"

	"e2e_paste/internal/errs"
)

// Decoded is a StreamEvent whose Payload has been parsed according to its
// Kind. It is one of PasteText, DeviceRequest, DeviceAdded or FirstDevice.
type Decoded interface {
	Event() StreamEvent
	isDecoded()
}

type (
	// PasteText carries user content. Ciphertext is the still encrypted
	// payload.
	PasteText struct {
		Raw         StreamEvent
		Ciphertext  string
		IsSensitive bool
	}

	DeviceRequest struct {
		Raw     StreamEvent
		Request DeviceRequestPayload
	}

	DeviceAdded struct {
		Raw   StreamEvent
		Added DeviceAddedPayload
	}

	FirstDevice struct {
		Raw    StreamEvent
		Device Device
	}
)

func (e PasteText) Event() StreamEvent     { return e.Raw }
func (e DeviceRequest) Event() StreamEvent { return e.Raw }
func (e DeviceAdded) Event() StreamEvent   { return e.Raw }
func (e FirstDevice) Event() StreamEvent   { return e.Raw }

func (PasteText) isDecoded()     {}
func (DeviceRequest) isDecoded() {}
func (DeviceAdded) isDecoded()   {}
func (FirstDevice) isDecoded()   {}

// Decode parses e once at the boundary. Unknown kinds and malformed
// control payloads return errs.ErrInvalidPayload.
func Decode(e StreamEvent) (Decoded, error) {
	switch e.Kind {
	case KindPasteText:
		return PasteText{Raw: e, Ciphertext: e.Payload, IsSensitive: e.IsSensitive}, nil
	case KindDeviceRequest:
		var p DeviceRequestPayload
		if err := decodePayload(e, &p); err != nil {
			return nil, err
		}
		if p.Id == "" || p.PublicKey == "" {
			return nil, fmt.Errorf("%w: %s %s missing id or public key", errs.ErrInvalidPayload, e.Kind, e.Id)
		}
		return DeviceRequest{Raw: e, Request: p}, nil
	case KindDeviceAdded:
		var p DeviceAddedPayload
		if err := decodePayload(e, &p); err != nil {
			return nil, err
		}
		if p.Id == "" {
			return nil, fmt.Errorf("%w: %s %s missing device id", errs.ErrInvalidPayload, e.Kind, e.Id)
		}
		return DeviceAdded{Raw: e, Added: p}, nil
	case KindFirstDevice:
		var d Device
		if err := decodePayload(e, &d); err != nil {
			return nil, err
		}
		if d.Id == "" {
			return nil, fmt.Errorf("%w: %s %s missing device id", errs.ErrInvalidPayload, e.Kind, e.Id)
		}
		return FirstDevice{Raw: e, Device: d}, nil
	}
	return nil, fmt.Errorf("%w: unknown kind %q", errs.ErrInvalidPayload, e.Kind)
}

// EncodePayload marshals a control payload into the string form carried
// by StreamEvent.Payload.
func EncodePayload(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodePayload(e StreamEvent, v any) error {
	if err := json.Unmarshal([]byte(e.Payload), v); err != nil {
		return fmt.Errorf("%w: %s %s: %v", errs.ErrInvalidPayload, e.Kind, e.Id, err)
	}
	return nil
}
