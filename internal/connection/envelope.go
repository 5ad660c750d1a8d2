package connection

import "encoding/json"

// Envelope types carried on the push channel.
const (
	EnvelopeNewMessage       = "new_message"
	EnvelopePong             = "pong"
	EnvelopeUserOnline       = "user_online"
	EnvelopeUserOffline      = "user_offline"
	EnvelopeConversationRead = "conversation_read"
)

// Envelope is the wire format of every push-channel event.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// PresencePayload is the payload of user_online / user_offline envelopes.
type PresencePayload struct {
	UserID string `json:"userId"`
}

// ReadPayload is the payload of conversation_read envelopes, emitted when
// another client of the same account marks a conversation read.
type ReadPayload struct {
	ConversationID string `json:"conversationId"`
	ReaderID       string `json:"readerId"`
}
