package realtime

import (
	"encoding/json"
)

// server -> client event types
// unknown types are ignored by the dispatcher so the server can add
// new types without breaking older clients
const (
	EventTypeNewMessage  = "new_message"
	EventTypeMessageSent = "message_sent"
)

// client -> server, sent once immediately after each connection opens.
// there is no acknowledgment. the dispatcher filters events by recipient
// instead of trusting the handshake.
type AuthMessage struct {
	Type     string `json:"type"`
	UserId   int64  `json:"userId"`
	UserType string `json:"userType"`
}

func NewAuthMessage(identity *Identity) *AuthMessage {
	return &AuthMessage{
		Type:     "auth",
		UserId:   identity.UserId,
		UserType: string(identity.Role),
	}
}

type MessagePayload struct {
	MessageId   string `json:"message_id,omitempty"`
	SenderId    int64  `json:"sender_id"`
	RecipientId int64  `json:"recipient_id"`
	Subject     string `json:"subject,omitempty"`
	Preview     string `json:"preview,omitempty"`
	SentAt      int64  `json:"sent_at,omitempty"`
}

type Event struct {
	// set by the hub, used for log correlation only
	EventId string          `json:"event_id,omitempty"`
	Type    string          `json:"type"`
	Message *MessagePayload `json:"message,omitempty"`

	// the undecoded frame. set when json decoding failed so that the
	// payload is still delivered downstream instead of dropped.
	Raw []byte `json:"-"`
}

// DecodeEvent never fails. a malformed frame yields an event with an
// empty type and the raw bytes attached.
func DecodeEvent(frame []byte) *Event {
	var event Event
	if err := json.Unmarshal(frame, &event); err != nil {
		return &Event{Raw: frame}
	}
	return &event
}
