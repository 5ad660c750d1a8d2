package rest

import (
	"github.com/BRUFHALO/gestion-de-proyectos-unexca-sub000/internal/delivery"
	"github.com/BRUFHALO/gestion-de-proyectos-unexca-sub000/internal/store"
)

// WireMessage is the portal's message payload, shared by history fetch
// responses and new_message push envelopes.
type WireMessage struct {
	ID             string          `json:"id"`
	ClientTempID   string          `json:"clientTempId,omitempty"`
	ConversationID string          `json:"conversationId"`
	SenderID       string          `json:"senderId"`
	SenderName     string          `json:"senderName"`
	SenderRole     string          `json:"senderRole"`
	Body           string          `json:"body"`
	Attachment     *WireAttachment `json:"attachment,omitempty"`
	DeliveryState  string          `json:"deliveryState"`
	CreatedAt      int64           `json:"createdAt"`
}

// WireAttachment describes a server-hosted attachment on the wire.
type WireAttachment struct {
	URL       string `json:"url"`
	Filename  string `json:"filename"`
	MimeType  string `json:"mimeType"`
	SizeBytes int64  `json:"sizeBytes"`
}

// ToStoreMessage normalizes a wire message for ingestion. localUserID
// decides the FromMe flag.
func (w *WireMessage) ToStoreMessage(localUserID string) *store.Message {
	m := &store.Message{
		ConversationID: w.ConversationID,
		MsgID:          w.ID,
		ClientTempID:   w.ClientTempID,
		SenderID:       w.SenderID,
		SenderName:     w.SenderName,
		SenderRole:     w.SenderRole,
		Body:           w.Body,
		FromMe:         w.SenderID == localUserID,
		DeliveryState:  delivery.State(w.DeliveryState),
		CreatedAt:      w.CreatedAt,
	}
	if w.Attachment != nil {
		m.Attachment = &store.Attachment{
			URL:       w.Attachment.URL,
			Filename:  w.Attachment.Filename,
			MimeType:  w.Attachment.MimeType,
			SizeBytes: w.Attachment.SizeBytes,
		}
	}
	return m
}

// SendRequest is the send-message call payload. An empty ConversationID is
// serialized as null and signals create-or-reuse-on-first-send.
type SendRequest struct {
	ConversationID string          `json:"conversationId"`
	ClientTempID   string          `json:"clientTempId"`
	SenderID       string          `json:"senderId"`
	SenderRole     string          `json:"senderRole"`
	ReceiverID     string          `json:"receiverId"`
	ContextID      string          `json:"contextId,omitempty"`
	Body           string          `json:"body,omitempty"`
	Attachment     *WireAttachment `json:"attachment,omitempty"`
}

// SendResult is the server acknowledgment of a send.
type SendResult struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversationId"`
	ClientTempID   string `json:"clientTempId,omitempty"`
	CreatedAt      int64  `json:"createdAt"`
}

// ChatIdentity is the result of resolving a remote participant to an
// addressable chat target.
type ChatIdentity struct {
	ChatID         string `json:"chatId"`
	ConversationID string `json:"conversationId,omitempty"`
}
