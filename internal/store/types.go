package store

import "github.com/BRUFHALO/gestion-de-proyectos-unexca-sub000/internal/delivery"

// Source identifies where an ingested message came from.
type Source string

const (
	SourceFetch      Source = "fetch"
	SourcePush       Source = "push"
	SourceOptimistic Source = "optimistic"
)

// Attachment describes a server-hosted file referenced by a message.
type Attachment struct {
	URL       string
	Filename  string
	MimeType  string
	SizeBytes int64
}

// Message represents a conversation message in the session cache.
//
// MsgID is the server-assigned id once known. While a message is pending,
// MsgID equals ClientTempID; the pair is reconciled exactly once when the
// server echo arrives.
type Message struct {
	ConversationID string
	MsgID          string
	ClientTempID   string
	SenderID       string
	SenderName     string
	SenderRole     string
	Body           string
	Attachment     *Attachment
	FromMe         bool
	DeliveryState  delivery.State
	CreatedAt      int64 // unix millis, server time once acknowledged
}

// Conversation represents a two-party conversation summary.
// ParticipantA and ParticipantB are stored in normalized order (A < B).
type Conversation struct {
	ID                 string
	ParticipantA       string
	ParticipantB       string
	ContextID          string
	LastMessageSummary string
	UnreadCount        int
	LastMessageAt      int64
}

// OutboxEntry represents a send not yet acknowledged by the server.
// UploadedURL keeps the phase-1 attachment upload result so a retry of the
// send never re-uploads or discards an already uploaded resource.
type OutboxEntry struct {
	ID             int64
	ClientTempID   string
	ConversationID string
	ReceiverID     string
	ContextID      string
	Body           string
	AttachmentPath string
	AttachmentName string
	AttachmentMime string
	AttachmentSize int64
	UploadedURL    string
	Status         string // queued, sending, sent, failed
	ErrorMessage   string
	ServerMsgID    string
}
