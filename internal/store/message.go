package store

import (
	"database/sql"
	"fmt"
	"iter"
	"time"

	"github.com/BRUFHALO/gestion-de-proyectos-unexca-sub000/internal/delivery"
)

// correlationWindow bounds the content-based fallback used to match a
// server echo to an optimistic insert when the server did not echo the
// client temp id. Identical messages older than this are treated as new.
const correlationWindow = 5 * time.Minute

// Ingest is the single entry point for all message mutations. It is
// idempotent per message identity: overlapping fetch snapshots, duplicate
// push deliveries and racing sources all converge on one row per id.
func (db *DB) Ingest(source Source, msgs ...*Message) error {
	for _, m := range msgs {
		var err error
		switch source {
		case SourceOptimistic:
			err = db.insertOptimistic(m)
		case SourceFetch, SourcePush:
			err = db.ingestServerMessage(m)
		default:
			err = fmt.Errorf("unknown ingest source %q", source)
		}
		if err != nil {
			return fmt.Errorf("ingest %s message %s: %w", source, m.MsgID, err)
		}
	}
	return nil
}

// insertOptimistic records a locally created message before server
// acknowledgment. The row is keyed by the client temp id; re-inserting the
// same temp id (a retry) is a no-op.
func (db *DB) insertOptimistic(m *Message) error {
	if m.ClientTempID == "" {
		return fmt.Errorf("optimistic message needs a client temp id")
	}
	state := m.DeliveryState
	if state == "" {
		state = delivery.Pending
	}
	att := m.Attachment
	if att == nil {
		att = &Attachment{}
	}
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO messages (conversation_id, msg_id, client_temp_id, sender_id, sender_name, sender_role,
			body, attachment_url, attachment_name, attachment_mime, attachment_size,
			from_me, delivery_state, created_at, inserted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?, ?)
		ON CONFLICT(conversation_id, msg_id) DO NOTHING`,
		m.ConversationID, m.ClientTempID, m.ClientTempID, m.SenderID, m.SenderName, m.SenderRole,
		m.Body, att.URL, att.Filename, att.MimeType, att.SizeBytes,
		string(state), m.CreatedAt, now)
	return err
}

// ingestServerMessage merges a fetch or push payload. A payload that
// correlates to a pending optimistic insert replaces it in place, exactly
// once; everything else upserts keyed by (conversation, server id) with a
// forward-only delivery state merge.
func (db *DB) ingestServerMessage(m *Message) error {
	if m.MsgID == "" {
		return fmt.Errorf("server message without id")
	}

	tempID := m.ClientTempID
	if tempID == "" {
		var err error
		tempID, err = db.correlateByContent(m)
		if err != nil {
			return err
		}
	}
	if tempID != "" {
		reconciled, err := db.reconcileTempID(tempID, m)
		if err != nil || reconciled {
			return err
		}
	}
	return db.upsertServerMessage(m)
}

// correlateByContent finds a still-pending optimistic insert matching the
// payload by conversation, sender, body and attachment within the recency
// window. Fallback only; an echoed temp id always takes precedence.
func (db *DB) correlateByContent(m *Message) (string, error) {
	attURL := ""
	if m.Attachment != nil {
		attURL = m.Attachment.URL
	}
	cutoff := time.Now().Add(-correlationWindow).UnixMilli()
	var tempID string
	err := db.QueryRow(`
		SELECT client_temp_id FROM messages
		WHERE conversation_id = ? AND sender_id = ? AND body = ? AND attachment_url = ?
			AND client_temp_id != '' AND msg_id = client_temp_id AND inserted_at >= ?
		ORDER BY inserted_at DESC LIMIT 1`,
		m.ConversationID, m.SenderID, m.Body, attURL, cutoff).Scan(&tempID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return tempID, nil
}

// reconcileTempID replaces the optimistic row identified by tempID with the
// server identity. Content columns are taken from the echo: the optimistic
// row of an attachment send carries no URL until the server names one.
// Returns false when no pending row matches (already reconciled, or the
// temp id is unknown).
func (db *DB) reconcileTempID(tempID string, m *Message) (bool, error) {
	var current string
	err := db.QueryRow(`
		SELECT delivery_state FROM messages
		WHERE client_temp_id = ? AND msg_id = client_temp_id`, tempID).Scan(&current)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	state := delivery.Merge(delivery.State(current), m.DeliveryState)
	if !delivery.Valid(m.DeliveryState) {
		state = delivery.Merge(delivery.State(current), delivery.Sent)
	}
	att := m.Attachment
	if att == nil {
		att = &Attachment{}
	}
	res, err := db.Exec(`
		UPDATE messages SET msg_id = ?, conversation_id = ?, delivery_state = ?, created_at = ?,
			body = ?, attachment_url = ?, attachment_name = ?, attachment_mime = ?, attachment_size = ?
		WHERE client_temp_id = ? AND msg_id = client_temp_id`,
		m.MsgID, m.ConversationID, string(state), m.CreatedAt,
		m.Body, att.URL, att.Filename, att.MimeType, att.SizeBytes, tempID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (db *DB) upsertServerMessage(m *Message) error {
	state := m.DeliveryState
	if !delivery.Valid(state) {
		state = delivery.Delivered
	}
	var current string
	err := db.QueryRow(`
		SELECT delivery_state FROM messages WHERE conversation_id = ? AND msg_id = ?`,
		m.ConversationID, m.MsgID).Scan(&current)
	if err != nil && err != sql.ErrNoRows {
		return err
	}
	if err == nil {
		state = delivery.Merge(delivery.State(current), state)
	}

	att := m.Attachment
	if att == nil {
		att = &Attachment{}
	}
	now := time.Now().UnixMilli()
	_, err = db.Exec(`
		INSERT INTO messages (conversation_id, msg_id, client_temp_id, sender_id, sender_name, sender_role,
			body, attachment_url, attachment_name, attachment_mime, attachment_size,
			from_me, delivery_state, created_at, inserted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, msg_id) DO UPDATE SET
			sender_name = excluded.sender_name,
			sender_role = excluded.sender_role,
			body = excluded.body,
			attachment_url = excluded.attachment_url,
			attachment_name = excluded.attachment_name,
			attachment_mime = excluded.attachment_mime,
			attachment_size = excluded.attachment_size,
			delivery_state = excluded.delivery_state,
			created_at = excluded.created_at`,
		m.ConversationID, m.MsgID, m.ClientTempID, m.SenderID, m.SenderName, m.SenderRole,
		m.Body, att.URL, att.Filename, att.MimeType, att.SizeBytes,
		boolToInt(m.FromMe), string(state), m.CreatedAt, now)
	return err
}

// ApplyServerAck reconciles an outbox send acknowledgment with the
// optimistic row: the temp id becomes the server id and the state advances
// to sent. If a push echo already created the server-id row, the leftover
// optimistic row is removed instead so exactly one message stays visible.
func (db *DB) ApplyServerAck(tempID, serverMsgID, conversationID string, createdAt int64) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	err = tx.QueryRow(`
		SELECT COUNT(1) FROM messages WHERE conversation_id = ? AND msg_id = ?`,
		conversationID, serverMsgID).Scan(&exists)
	if err != nil {
		return err
	}

	if exists > 0 {
		if _, err := tx.Exec(`
			DELETE FROM messages WHERE client_temp_id = ? AND msg_id = client_temp_id`, tempID); err != nil {
			return err
		}
	} else {
		if _, err := tx.Exec(`
			UPDATE messages SET msg_id = ?, conversation_id = ?, created_at = ?,
				delivery_state = CASE WHEN delivery_state IN ('pending', 'failed') THEN 'sent' ELSE delivery_state END
			WHERE client_temp_id = ? AND msg_id = client_temp_id`,
			serverMsgID, conversationID, createdAt, tempID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// UpdateDeliveryStateByTempID moves an optimistic row's state, keyed by
// its client temp id. A send queued before its conversation exists has no
// conversation id to key on, so outbox failures and retries use this path.
// No-op once the row has been reconciled to a server id.
func (db *DB) UpdateDeliveryStateByTempID(tempID string, to delivery.State) (delivery.State, error) {
	var current string
	err := db.QueryRow(`
		SELECT delivery_state FROM messages
		WHERE client_temp_id = ? AND msg_id = client_temp_id`, tempID).Scan(&current)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	next := delivery.Merge(delivery.State(current), to)
	if next == delivery.State(current) {
		return next, nil
	}
	_, err = db.Exec(`
		UPDATE messages SET delivery_state = ?
		WHERE client_temp_id = ? AND msg_id = client_temp_id`, string(next), tempID)
	return next, err
}

// SetMessageAttachmentURL records the uploaded resource URL on the
// optimistic row once phase one of a send completes, so the attachment is
// present in the read model before the server acknowledges the message.
func (db *DB) SetMessageAttachmentURL(tempID, url string) error {
	_, err := db.Exec(`
		UPDATE messages SET attachment_url = ?
		WHERE client_temp_id = ? AND msg_id = client_temp_id`, url, tempID)
	return err
}

// UpdateDeliveryState moves a message's state forward. Regressions are
// silently kept at the current state; the applied state is returned.
func (db *DB) UpdateDeliveryState(conversationID, msgID string, to delivery.State) (delivery.State, error) {
	var current string
	err := db.QueryRow(`
		SELECT delivery_state FROM messages WHERE conversation_id = ? AND msg_id = ?`,
		conversationID, msgID).Scan(&current)
	if err != nil {
		return "", err
	}
	next := delivery.Merge(delivery.State(current), to)
	if next == delivery.State(current) {
		return next, nil
	}
	_, err = db.Exec(`
		UPDATE messages SET delivery_state = ? WHERE conversation_id = ? AND msg_id = ?`,
		string(next), conversationID, msgID)
	return next, err
}

// MarkConversationRead marks every message in the conversation that was NOT
// sent by readerID as read, and clears the unread count. Idempotent; the
// reader's own messages are never touched. Returns the number of messages
// transitioned.
func (db *DB) MarkConversationRead(conversationID, readerID string) (int64, error) {
	res, err := db.Exec(`
		UPDATE messages SET delivery_state = 'read'
		WHERE conversation_id = ? AND sender_id != ? AND delivery_state IN ('sent', 'delivered')`,
		conversationID, readerID)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	if err := db.ResetUnread(conversationID); err != nil {
		return n, err
	}
	return n, nil
}

// ListMessages returns all messages of a conversation ordered by server
// timestamp ascending, with the message id as a stable tie-break.
func (db *DB) ListMessages(conversationID string) ([]Message, error) {
	rows, err := db.Query(`
		SELECT conversation_id, msg_id, client_temp_id, sender_id, sender_name, sender_role,
			body, attachment_url, attachment_name, attachment_mime, attachment_size,
			from_me, delivery_state, created_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at ASC, msg_id ASC`, conversationID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

// GetMessage returns a single message, or nil when absent.
func (db *DB) GetMessage(conversationID, msgID string) (*Message, error) {
	row := db.QueryRow(`
		SELECT conversation_id, msg_id, client_temp_id, sender_id, sender_name, sender_role,
			body, attachment_url, attachment_name, attachment_mime, attachment_size,
			from_me, delivery_state, created_at
		FROM messages WHERE conversation_id = ? AND msg_id = ?`, conversationID, msgID)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// DateGroup is one calendar-day run of the ordered message sequence.
type DateGroup struct {
	Label    string
	Messages []Message
}

// GroupedByDate partitions the ordered messages of a conversation into
// contiguous runs sharing a calendar day in loc. The sequence is lazy and
// restartable; each range re-reads the store.
func (db *DB) GroupedByDate(conversationID string, loc *time.Location) iter.Seq2[string, []Message] {
	return func(yield func(string, []Message) bool) {
		msgs, err := db.ListMessages(conversationID)
		if err != nil || len(msgs) == 0 {
			return
		}
		label := dayLabel(msgs[0].CreatedAt, loc)
		start := 0
		for i := 1; i < len(msgs); i++ {
			l := dayLabel(msgs[i].CreatedAt, loc)
			if l != label {
				if !yield(label, msgs[start:i]) {
					return
				}
				label = l
				start = i
			}
		}
		yield(label, msgs[start:])
	}
}

func dayLabel(unixMilli int64, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	return time.UnixMilli(unixMilli).In(loc).Format("2006-01-02")
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(r rowScanner) (*Message, error) {
	var m Message
	var att Attachment
	var fromMe int
	var state string
	if err := r.Scan(&m.ConversationID, &m.MsgID, &m.ClientTempID, &m.SenderID, &m.SenderName, &m.SenderRole,
		&m.Body, &att.URL, &att.Filename, &att.MimeType, &att.SizeBytes,
		&fromMe, &state, &m.CreatedAt); err != nil {
		return nil, err
	}
	m.FromMe = fromMe != 0
	m.DeliveryState = delivery.State(state)
	// An optimistic attachment row has a filename before phase one names a URL.
	if att.URL != "" || att.Filename != "" {
		m.Attachment = &att
	}
	return &m, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
