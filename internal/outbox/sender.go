// Package outbox drains queued sends against the portal. Each entry walks
// the two-phase protocol: upload the attachment first if one is pending,
// then post the message carrying the client temp id. Failures park the
// entry as failed until an explicit retry re-queues it.
package outbox

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/BRUFHALO/gestion-de-proyectos-unexca-sub000/internal/attach"
	"github.com/BRUFHALO/gestion-de-proyectos-unexca-sub000/internal/bus"
	"github.com/BRUFHALO/gestion-de-proyectos-unexca-sub000/internal/delivery"
	"github.com/BRUFHALO/gestion-de-proyectos-unexca-sub000/internal/rest"
	"github.com/BRUFHALO/gestion-de-proyectos-unexca-sub000/internal/store"
)

const drainInterval = 500 * time.Millisecond

// PortalSender posts messages to the portal.
type PortalSender interface {
	Send(ctx context.Context, req *rest.SendRequest) (*rest.SendResult, error)
}

// Resolver maps a receiver to an existing conversation id, if any.
type Resolver interface {
	Resolve(ctx context.Context, remoteUserID, contextID string) (string, error)
	Confirm(remoteUserID, contextID, conversationID string) error
}

// Uploads performs phase-1 attachment uploads.
type Uploads interface {
	Process(ctx context.Context, f attach.File) (*attach.Descriptor, error)
}

// AckPayload is published on message.send_ack after a successful send.
type AckPayload struct {
	ClientTempID   string
	ServerMsgID    string
	ConversationID string
}

// FailPayload is published on message.send_failed.
type FailPayload struct {
	ClientTempID   string
	ConversationID string
	Reason         string
}

// Sender drains the outbox on a fixed interval.
type Sender struct {
	db       *store.DB
	portal   PortalSender
	resolver Resolver
	uploads  Uploads
	bus      *bus.Bus
	logger   *zap.Logger

	senderID   string
	senderRole string
}

func NewSender(db *store.DB, portal PortalSender, resolver Resolver, uploads Uploads,
	b *bus.Bus, senderID, senderRole string, logger *zap.Logger) *Sender {
	return &Sender{
		db:         db,
		portal:     portal,
		resolver:   resolver,
		uploads:    uploads,
		bus:        b,
		logger:     logger,
		senderID:   senderID,
		senderRole: senderRole,
	}
}

// Start runs the drain loop until ctx is cancelled.
func (s *Sender) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(drainInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Drain(ctx)
			}
		}
	}()
}

// Drain sends every queued entry once, oldest first.
func (s *Sender) Drain(ctx context.Context) {
	entries, err := s.db.PendingOutbox()
	if err != nil {
		s.logger.Error("list outbox", zap.Error(err))
		return
	}
	for i := range entries {
		if ctx.Err() != nil {
			return
		}
		s.sendOne(ctx, &entries[i])
	}
}

func (s *Sender) sendOne(ctx context.Context, e *store.OutboxEntry) {
	if err := s.db.MarkOutboxSending(e.ClientTempID); err != nil {
		s.logger.Error("mark sending", zap.Error(err))
		return
	}

	if e.ConversationID == "" {
		id, err := s.resolver.Resolve(ctx, e.ReceiverID, e.ContextID)
		if err != nil {
			s.fail(e, fmt.Sprintf("resolve conversation: %v", err))
			return
		}
		if id != "" {
			e.ConversationID = id
			if err := s.db.SetOutboxConversation(e.ClientTempID, id); err != nil {
				s.logger.Error("record conversation", zap.Error(err))
			}
		}
	}

	req := &rest.SendRequest{
		ConversationID: e.ConversationID,
		ClientTempID:   e.ClientTempID,
		SenderID:       s.senderID,
		SenderRole:     s.senderRole,
		ReceiverID:     e.ReceiverID,
		ContextID:      e.ContextID,
		Body:           e.Body,
	}

	if e.AttachmentPath != "" {
		url := e.UploadedURL
		if url == "" {
			d, err := s.uploads.Process(ctx, attach.File{
				Path:     e.AttachmentPath,
				Name:     e.AttachmentName,
				MimeType: e.AttachmentMime,
				Size:     e.AttachmentSize,
			})
			if err != nil {
				s.fail(e, fmt.Sprintf("upload attachment: %v", err))
				return
			}
			url = d.URL
			if err := s.db.SetOutboxUploadedURL(e.ClientTempID, url); err != nil {
				s.logger.Error("record upload url", zap.Error(err))
			}
		}
		if err := s.db.SetMessageAttachmentURL(e.ClientTempID, url); err != nil {
			s.logger.Error("record attachment url", zap.Error(err))
		}
		req.Attachment = &rest.WireAttachment{
			URL:       url,
			Filename:  e.AttachmentName,
			MimeType:  e.AttachmentMime,
			SizeBytes: e.AttachmentSize,
		}
	}

	res, err := s.portal.Send(ctx, req)
	if err != nil {
		s.fail(e, fmt.Sprintf("send: %v", err))
		return
	}

	if err := s.db.ApplyServerAck(e.ClientTempID, res.ID, res.ConversationID, res.CreatedAt); err != nil {
		s.logger.Error("apply ack", zap.Error(err))
	}
	if err := s.resolver.Confirm(e.ReceiverID, e.ContextID, res.ConversationID); err != nil {
		s.logger.Warn("confirm conversation", zap.Error(err))
	}
	if err := s.db.MarkOutboxSent(e.ClientTempID, res.ID); err != nil {
		s.logger.Error("mark sent", zap.Error(err))
	}

	s.logger.Info("message sent",
		zap.String("client_temp_id", e.ClientTempID),
		zap.String("msg_id", res.ID),
		zap.String("conversation_id", res.ConversationID))
	s.bus.Emit("message.send_ack", AckPayload{
		ClientTempID:   e.ClientTempID,
		ServerMsgID:    res.ID,
		ConversationID: res.ConversationID,
	})
}

func (s *Sender) fail(e *store.OutboxEntry, reason string) {
	s.logger.Warn("send failed",
		zap.String("client_temp_id", e.ClientTempID),
		zap.String("reason", reason))
	if err := s.db.MarkOutboxFailed(e.ClientTempID, reason); err != nil {
		s.logger.Error("mark failed", zap.Error(err))
	}
	// Keyed by temp id: the entry may carry no conversation id yet, and a
	// mid-drain resolve updates the entry before the message row follows.
	if _, err := s.db.UpdateDeliveryStateByTempID(e.ClientTempID, delivery.Failed); err != nil {
		s.logger.Error("mark message failed", zap.Error(err))
	}
	s.bus.Emit("message.send_failed", FailPayload{
		ClientTempID:   e.ClientTempID,
		ConversationID: e.ConversationID,
		Reason:         reason,
	})
}
