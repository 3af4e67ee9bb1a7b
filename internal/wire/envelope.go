package wire

import (
	"encoding/json"
	"fmt"
)

// Message types carried in the envelope.
const (
	TypeNodeHandshake = "node_handshake"
	TypeNewPeer       = "new_peer"

	TypeAdvertisementRequest = "advertisement_request"
	TypeAdvertisementNew     = "advertisement_new"

	TypeAdvertisementSyncRequest = "advertisement_sync_request"
	TypeAdvertisementSync        = "advertisement_sync"

	TypeNetworkAdvertisementRequest = "advertisement_network:advertisement_request"
	TypeNetworkAdvertisementSync    = "advertisement_network:advertisement_sync"

	TypePaymentRequest  = "advertisement_payment_request"
	TypePaymentResponse = "advertisement_payment_response"
	TypePaymentNew      = "advertisement_payment_new"
)

// Envelope is the outer wire shape: a type tag plus raw content decoded into
// the type-specific schema at dispatch time.
type Envelope struct {
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content"`
}

// NewEnvelope marshals content into an envelope of the given type.
func NewEnvelope(msgType string, content any) (*Envelope, error) {
	raw, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal %s content: %w", msgType, err)
	}
	return &Envelope{Type: msgType, Content: raw}, nil
}

// Encode marshals the envelope for framing.
func (e *Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal envelope: %w", err)
	}
	return data, nil
}

// DecodeEnvelope parses envelope bytes. Both fields are required.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("wire: unmarshal envelope: %w", err)
	}
	if e.Type == "" {
		return nil, fmt.Errorf("wire: envelope missing type")
	}
	if len(e.Content) == 0 {
		return nil, fmt.Errorf("wire: envelope %s missing content", e.Type)
	}
	return &e, nil
}

// DecodeContent parses the envelope content into the concrete schema for its
// type, validating required base fields.
func DecodeContent[T interface{ Base() BaseContent }](e *Envelope) (T, error) {
	var content T
	if err := json.Unmarshal(e.Content, &content); err != nil {
		return content, fmt.Errorf("wire: unmarshal %s content: %w", e.Type, err)
	}
	base := content.Base()
	if base.MessageGUID == "" {
		return content, fmt.Errorf("wire: %s content missing message_guid", e.Type)
	}
	if base.Timestamp <= 0 {
		return content, fmt.Errorf("wire: %s content missing timestamp", e.Type)
	}
	return content, nil
}
