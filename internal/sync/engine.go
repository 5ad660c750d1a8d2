// Package sync orchestrates the conversation lifecycle: it opens views,
// merges history fetches with live pushes through the store's single
// ingestion path, and drives the optimistic send flow end to end.
package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BRUFHALO/gestion-de-proyectos-unexca-sub000/internal/attach"
	"github.com/BRUFHALO/gestion-de-proyectos-unexca-sub000/internal/bus"
	"github.com/BRUFHALO/gestion-de-proyectos-unexca-sub000/internal/connection"
	"github.com/BRUFHALO/gestion-de-proyectos-unexca-sub000/internal/delivery"
	"github.com/BRUFHALO/gestion-de-proyectos-unexca-sub000/internal/identity"
	"github.com/BRUFHALO/gestion-de-proyectos-unexca-sub000/internal/rest"
	"github.com/BRUFHALO/gestion-de-proyectos-unexca-sub000/internal/store"
)

// Portal is the REST surface the engine consumes.
type Portal interface {
	History(ctx context.Context, conversationID string) ([]rest.WireMessage, error)
	MarkRead(ctx context.Context, conversationID, readerRole string) error
}

// Resolver maps a receiver to an existing conversation id, if any.
type Resolver interface {
	Resolve(ctx context.Context, remoteUserID, contextID string) (string, error)
}

// Validator rejects bad attachments before any message is created.
type Validator interface {
	Validate(f attach.File) error
}

type viewState int

const (
	viewIdle viewState = iota
	viewLoading
	viewLive
)

// view tracks one opened conversation. Pushes arriving while history is
// loading are buffered and replayed through Ingest once the fetch lands,
// so the merge order never depends on network timing.
type view struct {
	state  viewState
	buffer []*store.Message
	cancel context.CancelFunc
}

// HistoryLoadedPayload is published on sync.history_loaded.
type HistoryLoadedPayload struct {
	ConversationID string
	MessageCount   int
}

// UpsertedPayload is published on message.upserted after ingestion.
type UpsertedPayload struct {
	ConversationID string
	Source         store.Source
}

// ReadPayload is published on message.read after a conversation is marked
// read, locally or by the remote participant.
type ReadPayload struct {
	ConversationID string
	ReaderID       string
}

// SendInput describes one logical send. Exactly one of Body and
// Attachments must be set; each attachment becomes its own message, so
// every file stays retryable on its own.
type SendInput struct {
	ReceiverID  string
	ContextID   string
	Body        string
	Attachments []attach.File
}

// Engine coordinates history fetches, push ingestion and sends for one
// user session.
type Engine struct {
	db        *store.DB
	portal    Portal
	resolver  Resolver
	validator Validator
	bus       *bus.Bus
	session   *identity.Session
	logger    *zap.Logger

	mu    sync.Mutex
	views map[string]*view
}

func NewEngine(db *store.DB, portal Portal, resolver Resolver, validator Validator,
	b *bus.Bus, session *identity.Session, logger *zap.Logger) *Engine {
	return &Engine{
		db:        db,
		portal:    portal,
		resolver:  resolver,
		validator: validator,
		bus:       b,
		session:   session,
		logger:    logger,
		views:     make(map[string]*view),
	}
}

// Start subscribes to push envelopes and connection state changes,
// running until ctx is cancelled.
func (e *Engine) Start(ctx context.Context) {
	pushes, cancelPush := e.bus.Subscribe("push", 256)
	states, cancelState := e.bus.Subscribe("conn", 8)

	go func() {
		defer cancelPush()
		defer cancelState()
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-pushes:
				e.handlePush(ev)
			case ev := <-states:
				e.handleState(ctx, ev)
			}
		}
	}()
}

// OpenConversation loads a conversation's history and switches its view
// live. Pushes arriving mid-load are buffered and replayed after the
// fetch. Opening an already loading conversation restarts the load;
// cancelling ctx discards the fetch without touching the store.
func (e *Engine) OpenConversation(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return fmt.Errorf("open conversation: empty id")
	}

	loadCtx, cancel := context.WithCancel(ctx)

	e.mu.Lock()
	if prev, ok := e.views[conversationID]; ok && prev.cancel != nil {
		prev.cancel()
	}
	e.views[conversationID] = &view{state: viewLoading, cancel: cancel}
	e.mu.Unlock()

	msgs, err := e.portal.History(loadCtx, conversationID)
	if err != nil {
		e.mu.Lock()
		if v, ok := e.views[conversationID]; ok && v.state == viewLoading {
			delete(e.views, conversationID)
		}
		e.mu.Unlock()
		if loadCtx.Err() != nil {
			return loadCtx.Err()
		}
		return fmt.Errorf("load history: %w", err)
	}
	if loadCtx.Err() != nil {
		return loadCtx.Err()
	}

	batch := make([]*store.Message, 0, len(msgs))
	for i := range msgs {
		batch = append(batch, msgs[i].ToStoreMessage(e.session.UserID))
	}
	if err := e.db.Ingest(store.SourceFetch, batch...); err != nil {
		return fmt.Errorf("ingest history: %w", err)
	}

	e.mu.Lock()
	v, ok := e.views[conversationID]
	if !ok || v.state != viewLoading {
		// A concurrent re-open superseded this load.
		e.mu.Unlock()
		return nil
	}
	buffered := v.buffer
	v.buffer = nil
	v.state = viewLive
	v.cancel = nil
	e.mu.Unlock()
	cancel()

	if len(buffered) > 0 {
		if err := e.db.Ingest(store.SourcePush, buffered...); err != nil {
			e.logger.Error("replay buffered pushes", zap.Error(err))
		} else {
			// The replay must leave the same summary a direct push would.
			e.bumpConversation(buffered[len(buffered)-1])
		}
	}

	e.bus.Emit("sync.history_loaded",
		HistoryLoadedPayload{ConversationID: conversationID, MessageCount: len(msgs)})
	e.logger.Info("history loaded",
		zap.String("conversation_id", conversationID),
		zap.Int("messages", len(msgs)))
	return nil
}

// CloseConversation returns a view to idle. New messages for it still
// ingest, but count as unread again.
func (e *Engine) CloseConversation(conversationID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if v, ok := e.views[conversationID]; ok {
		if v.cancel != nil {
			v.cancel()
		}
		delete(e.views, conversationID)
	}
}

// Send validates, records and queues one logical send. Every resulting
// message is visible in the store before any network activity; the outbox
// carries them to the server oldest first, one entry per message. All
// attachments are validated before anything is queued.
func (e *Engine) Send(ctx context.Context, in SendInput) ([]string, error) {
	if in.ReceiverID == "" {
		return nil, fmt.Errorf("send: empty receiver")
	}
	hasBody := in.Body != ""
	hasFiles := len(in.Attachments) > 0
	if hasBody == hasFiles {
		return nil, fmt.Errorf("send: exactly one of body and attachments required")
	}
	for i := range in.Attachments {
		if err := e.validator.Validate(in.Attachments[i]); err != nil {
			return nil, err
		}
	}

	conversationID, err := e.resolver.Resolve(ctx, in.ReceiverID, in.ContextID)
	if err != nil {
		// The outbox resolves again before sending; an unreachable
		// server must not block composing.
		e.logger.Warn("resolve at send time", zap.Error(err))
		conversationID = ""
	}

	if hasBody {
		id, err := e.queueOne(conversationID, in, nil)
		if err != nil {
			return nil, err
		}
		return []string{id}, nil
	}
	ids := make([]string, 0, len(in.Attachments))
	for i := range in.Attachments {
		id, err := e.queueOne(conversationID, in, &in.Attachments[i])
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// queueOne records one optimistic message plus its outbox entry. A nil
// file queues the body message; otherwise the message carries f alone.
func (e *Engine) queueOne(conversationID string, in SendInput, f *attach.File) (string, error) {
	tempID := uuid.NewString()
	now := time.Now().UnixMilli()

	msg := &store.Message{
		ConversationID: conversationID,
		MsgID:          tempID,
		ClientTempID:   tempID,
		SenderID:       e.session.UserID,
		SenderName:     e.session.Name,
		SenderRole:     e.session.Role,
		Body:           in.Body,
		FromMe:         true,
		DeliveryState:  delivery.Pending,
		CreatedAt:      now,
	}
	entry := &store.OutboxEntry{
		ClientTempID:   tempID,
		ConversationID: conversationID,
		ReceiverID:     in.ReceiverID,
		ContextID:      in.ContextID,
		Body:           in.Body,
	}
	if f != nil {
		name := f.Name
		msg.Attachment = &store.Attachment{
			Filename:  name,
			MimeType:  f.MimeType,
			SizeBytes: f.Size,
		}
		entry.AttachmentPath = f.Path
		entry.AttachmentName = name
		entry.AttachmentMime = f.MimeType
		entry.AttachmentSize = f.Size
	}

	if err := e.db.Ingest(store.SourceOptimistic, msg); err != nil {
		return "", fmt.Errorf("record optimistic message: %w", err)
	}
	if err := e.db.QueueOutbox(entry); err != nil {
		return "", fmt.Errorf("queue send: %w", err)
	}

	e.bus.Emit("message.upserted",
		UpsertedPayload{ConversationID: conversationID, Source: store.SourceOptimistic})
	return tempID, nil
}

// Retry re-queues a failed send under its original temp id. The message
// returns to pending; attachment uploads already completed are reused.
func (e *Engine) Retry(clientTempID string) error {
	entry, err := e.db.GetOutboxEntry(clientTempID)
	if err != nil {
		return err
	}
	if entry == nil {
		return fmt.Errorf("retry: unknown send %s", clientTempID)
	}
	if entry.Status != "failed" {
		return fmt.Errorf("retry: send %s is %s, not failed", clientTempID, entry.Status)
	}
	if err := e.db.RequeueOutbox(clientTempID); err != nil {
		return err
	}
	if _, err := e.db.UpdateDeliveryStateByTempID(clientTempID, delivery.Pending); err != nil {
		e.logger.Warn("reset message to pending", zap.Error(err))
	}
	e.bus.Emit("message.upserted",
		UpsertedPayload{ConversationID: entry.ConversationID, Source: store.SourceOptimistic})
	return nil
}

// MarkRead marks a conversation read for the local user, on the server
// and locally. The local user's own messages are never touched. Callers
// decide when reading happened; opening a view does not imply it.
func (e *Engine) MarkRead(ctx context.Context, conversationID string) error {
	if err := e.portal.MarkRead(ctx, conversationID, e.session.Role); err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	if _, err := e.db.MarkConversationRead(conversationID, e.session.UserID); err != nil {
		return fmt.Errorf("mark read locally: %w", err)
	}
	e.bus.Emit("message.read",
		ReadPayload{ConversationID: conversationID, ReaderID: e.session.UserID})
	return nil
}

func (e *Engine) handlePush(ev bus.Event) {
	switch ev.Kind {
	case "push.new_message":
		e.handleNewMessage(ev)
	case "push.conversation_read":
		e.handleRemoteRead(ev)
	}
}

func (e *Engine) handleNewMessage(ev bus.Event) {
	raw, ok := ev.Payload.(json.RawMessage)
	if !ok {
		return
	}
	var wire rest.WireMessage
	if err := json.Unmarshal(raw, &wire); err != nil {
		e.logger.Warn("decode new_message push", zap.Error(err))
		return
	}
	msg := wire.ToStoreMessage(e.session.UserID)

	e.mu.Lock()
	v, open := e.views[msg.ConversationID]
	if open && v.state == viewLoading {
		v.buffer = append(v.buffer, msg)
		e.mu.Unlock()
		return
	}
	live := open && v.state == viewLive
	e.mu.Unlock()

	if err := e.db.Ingest(store.SourcePush, msg); err != nil {
		e.logger.Error("ingest push", zap.Error(err))
		return
	}
	e.bumpConversation(msg)
	if !msg.FromMe && !live {
		if err := e.db.IncrementUnread(msg.ConversationID); err != nil {
			e.logger.Warn("count unread", zap.Error(err))
		}
	}
	e.bus.Emit("message.upserted",
		UpsertedPayload{ConversationID: msg.ConversationID, Source: store.SourcePush})
}

func (e *Engine) bumpConversation(m *store.Message) {
	summary := m.Body
	if summary == "" && m.Attachment != nil {
		summary = m.Attachment.Filename
	}
	if err := e.db.BumpConversation(m.ConversationID, summary, m.CreatedAt); err != nil {
		e.logger.Warn("bump conversation", zap.Error(err))
	}
}

func (e *Engine) handleRemoteRead(ev bus.Event) {
	raw, ok := ev.Payload.(json.RawMessage)
	if !ok {
		return
	}
	var p connection.ReadPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		e.logger.Warn("decode conversation_read push", zap.Error(err))
		return
	}
	// Works for both directions: the remote participant reading promotes
	// our sent messages, another client of our own account reading clears
	// the incoming ones. MarkConversationRead only ever touches messages
	// the reader did not send.
	if _, err := e.db.MarkConversationRead(p.ConversationID, p.ReaderID); err != nil {
		e.logger.Warn("apply remote read", zap.Error(err))
		return
	}
	e.bus.Emit("message.read",
		ReadPayload{ConversationID: p.ConversationID, ReaderID: p.ReaderID})
}

// handleState refetches every live conversation when the socket reopens,
// since pushes missed while disconnected are never replayed. Ingest keeps
// the refetch idempotent.
func (e *Engine) handleState(ctx context.Context, ev bus.Event) {
	if ev.Kind != "conn.state_changed" {
		return
	}
	change, ok := ev.Payload.(connection.StateChange)
	if !ok || change.To != connection.StateOpen {
		return
	}

	e.mu.Lock()
	var live []string
	for id, v := range e.views {
		if v.state == viewLive {
			live = append(live, id)
		}
	}
	e.mu.Unlock()

	for _, id := range live {
		msgs, err := e.portal.History(ctx, id)
		if err != nil {
			e.logger.Warn("refetch after reconnect",
				zap.String("conversation_id", id), zap.Error(err))
			continue
		}
		batch := make([]*store.Message, 0, len(msgs))
		for i := range msgs {
			batch = append(batch, msgs[i].ToStoreMessage(e.session.UserID))
		}
		if err := e.db.Ingest(store.SourceFetch, batch...); err != nil {
			e.logger.Error("ingest refetch", zap.Error(err))
			continue
		}
		e.bus.Emit("sync.history_loaded",
			HistoryLoadedPayload{ConversationID: id, MessageCount: len(msgs)})
	}
}
