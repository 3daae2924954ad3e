package relay

import (
	"encoding/json"
	"fmt"

	"github.com/matst80/relaygate/internal/proto"
)

// Envelope is the outer wire form published on session queues. Payload is the sealed
// content; encoding/json carries it as base64.
type Envelope struct {
	MessageType     proto.MessageType `json:"messageType"`
	SessionID       string            `json:"sessionId"`
	Payload         []byte            `json:"payload"`
	SenderPublicKey string            `json:"senderPublicKey,omitempty"`
}

// sealedContent is the plaintext inside Envelope.Payload. Its type and session id are
// authoritative and must equal the outer copies.
type sealedContent struct {
	MessageType proto.MessageType `json:"messageType"`
	SessionID   string            `json:"sessionId"`
	Role        Role              `json:"role"`
	Payload     []byte            `json:"payload,omitempty"`
}

// Message is a decoded, authenticated envelope.
type Message struct {
	Type      proto.MessageType
	SessionID string
	Role      Role
	Payload   []byte
}

// Into unmarshals a typed JSON payload.
func (m *Message) Into(v any) error {
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrFormat, m.Type, err)
	}
	return nil
}

// encodePayload serializes payload for message type t. Raw byte types need []byte,
// ack and close carry nothing, poll types carry their request or response DTO.
func encodePayload(t proto.MessageType, payload any) ([]byte, error) {
	switch t {
	case proto.TypeBytes:
		b, ok := payload.([]byte)
		if !ok {
			return nil, fmt.Errorf("%w: %T is not raw bytes", ErrEncoding, payload)
		}
		return b, nil
	case proto.TypeAck, proto.TypeClose:
		if payload != nil {
			return nil, fmt.Errorf("%w: %s carries no payload, got %T", ErrEncoding, t, payload)
		}
		return nil, nil
	case proto.TypeGSDPoll, proto.TypeICNProposal, proto.TypeAccessType:
		if !proto.IsRequestOf(t, payload) && !proto.IsResponseTo(t, payload) {
			return nil, fmt.Errorf("%w: can't serialize %T as %s", ErrEncoding, payload, t)
		}
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrEncoding, err)
		}
		return b, nil
	}
	return nil, fmt.Errorf("%w: unknown message type %q", ErrValidation, t)
}
