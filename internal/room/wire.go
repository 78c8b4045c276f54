package room

import "encoding/json"

// EnvelopeType tags every frame exchanged over a participant connection.
type EnvelopeType string

const (
	EnvelopeJoin            EnvelopeType = "join"
	EnvelopeLeave           EnvelopeType = "leave"
	EnvelopeSignalingOffer  EnvelopeType = "signaling-offer"
	EnvelopeSignalingAnswer EnvelopeType = "signaling-answer"
	EnvelopeSignalingICE    EnvelopeType = "signaling-ice"
	EnvelopeMediaState      EnvelopeType = "media-state"
	EnvelopeChatMessage     EnvelopeType = "chat-message"
	EnvelopeRoomClosed      EnvelopeType = "room-closed"
	EnvelopeError           EnvelopeType = "error"
)

// Signaling reports whether the frame carries connection-establishment
// payload. Signaling frames are relayed only, never persisted.
func (t EnvelopeType) Signaling() bool {
	switch t {
	case EnvelopeSignalingOffer, EnvelopeSignalingAnswer, EnvelopeSignalingICE:
		return true
	}
	return false
}

// Envelope is the wire frame for the inbound connection protocol.
// Payload is opaque to the relay.
type Envelope struct {
	Type       EnvelopeType    `json:"type"`
	RoomID     string          `json:"roomId"`
	FromUserID string          `json:"fromUserId,omitempty"`
	ToUserID   string          `json:"toUserId,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

func (e Envelope) Encode() []byte {
	b, err := json.Marshal(e)
	if err != nil {
		// Envelope fields are all marshalable; RawMessage payloads were
		// validated at decode time.
		return []byte(`{"type":"error"}`)
	}
	return b
}

// ErrorPayload is the body of an error envelope sent back to a client.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func ErrorEnvelope(roomID, code, message string) Envelope {
	body, _ := json.Marshal(ErrorPayload{Code: code, Message: message})
	return Envelope{Type: EnvelopeError, RoomID: roomID, Payload: body}
}
