// Package relay speaks the envelope protocol of the cloud relay: a single
// duplex websocket carrying JSON envelopes routed by device id.
package relay

import (
	"encoding/json"
	"fmt"
)

// Device identifies a peer on the relay. The relay injects it as `from` on
// every routed envelope; client-provided from fields are never trusted.
type Device struct {
	DeviceID   int    `json:"deviceId"`
	DeviceType string `json:"deviceType"`
	Name       string `json:"name,omitempty"`
	Icon       string `json:"icon,omitempty"`
}

// Envelope is a single message on the relay channel. To addresses one or
// more devices; Broadcast is true, "all", "pylons" or "clients".
type Envelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	To        any             `json:"to,omitempty"`
	Broadcast any             `json:"broadcast,omitempty"`
	From      *Device         `json:"from,omitempty"`
}

// NewEnvelope builds an envelope with a marshalled payload.
func NewEnvelope(typ string, payload any) (*Envelope, error) {
	env := &Envelope{Type: typ}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("relay: failed to marshal %s payload: %w", typ, err)
		}
		env.Payload = data
	}
	return env, nil
}

// DecodePayload unmarshals the envelope payload into v.
func (e *Envelope) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("relay: %s envelope has no payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("relay: invalid %s payload: %w", e.Type, err)
	}
	return nil
}

// AuthPayload is sent once per connection. Pylons authenticate with their
// numeric relay-assigned device id.
type AuthPayload struct {
	DeviceID   int    `json:"deviceId"`
	DeviceType string `json:"deviceType"`
	DeviceName string `json:"deviceName,omitempty"`
}

// AuthResult is the relay's answer to an auth envelope.
type AuthResult struct {
	Success bool    `json:"success"`
	Device  *Device `json:"device,omitempty"`
	Error   string  `json:"error,omitempty"`
}
