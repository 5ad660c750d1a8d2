package store

import "time"

// QueueOutbox adds a send to the outbox. Re-queueing an existing temp id
// (a retry after failure) resets the entry to queued without duplicating it.
func (db *DB) QueueOutbox(e *OutboxEntry) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO outbox (client_temp_id, conversation_id, receiver_id, context_id, body,
			attachment_path, attachment_name, attachment_mime, attachment_size,
			status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 'queued', ?, ?)
		ON CONFLICT(client_temp_id) DO UPDATE SET
			status = 'queued',
			error_message = '',
			updated_at = excluded.updated_at`,
		e.ClientTempID, e.ConversationID, e.ReceiverID, e.ContextID, e.Body,
		e.AttachmentPath, e.AttachmentName, e.AttachmentMime, e.AttachmentSize,
		now, now)
	return err
}

// RequeueOutbox moves a failed entry back to queued, keeping its temp id,
// payload and any already obtained upload URL.
func (db *DB) RequeueOutbox(clientTempID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE outbox SET status = 'queued', error_message = '', updated_at = ?
		WHERE client_temp_id = ? AND status = 'failed'`, now, clientTempID)
	return err
}

// MarkOutboxSending updates an outbox entry to 'sending' status.
func (db *DB) MarkOutboxSending(clientTempID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'sending', updated_at = ? WHERE client_temp_id = ?`, now, clientTempID)
	return err
}

// MarkOutboxSent updates an outbox entry to 'sent' with the server message ID.
func (db *DB) MarkOutboxSent(clientTempID, serverMsgID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'sent', server_msg_id = ?, updated_at = ? WHERE client_temp_id = ?`, serverMsgID, now, clientTempID)
	return err
}

// MarkOutboxFailed updates an outbox entry to 'failed' with an error message.
func (db *DB) MarkOutboxFailed(clientTempID, errMsg string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'failed', error_message = ?, updated_at = ? WHERE client_temp_id = ?`, errMsg, now, clientTempID)
	return err
}

// SetOutboxUploadedURL records the phase-1 attachment upload result so a
// later retry sends the already hosted resource instead of re-uploading.
func (db *DB) SetOutboxUploadedURL(clientTempID, url string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET uploaded_url = ?, updated_at = ? WHERE client_temp_id = ?`, url, now, clientTempID)
	return err
}

// SetOutboxConversation records the conversation id resolved for an entry.
func (db *DB) SetOutboxConversation(clientTempID, conversationID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET conversation_id = ?, updated_at = ? WHERE client_temp_id = ?`, conversationID, now, clientTempID)
	return err
}

// PendingOutbox returns outbox entries that are still queued, oldest first.
func (db *DB) PendingOutbox() ([]OutboxEntry, error) {
	rows, err := db.Query(`
		SELECT id, client_temp_id, conversation_id, receiver_id, context_id, body,
			attachment_path, attachment_name, attachment_mime, attachment_size,
			uploaded_url, status, error_message, server_msg_id
		FROM outbox WHERE status = 'queued' ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		if err := rows.Scan(&e.ID, &e.ClientTempID, &e.ConversationID, &e.ReceiverID, &e.ContextID, &e.Body,
			&e.AttachmentPath, &e.AttachmentName, &e.AttachmentMime, &e.AttachmentSize,
			&e.UploadedURL, &e.Status, &e.ErrorMessage, &e.ServerMsgID); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// GetOutboxEntry returns an outbox entry by temp id, or nil when absent.
func (db *DB) GetOutboxEntry(clientTempID string) (*OutboxEntry, error) {
	rows, err := db.Query(`
		SELECT id, client_temp_id, conversation_id, receiver_id, context_id, body,
			attachment_path, attachment_name, attachment_mime, attachment_size,
			uploaded_url, status, error_message, server_msg_id
		FROM outbox WHERE client_temp_id = ?`, clientTempID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	if !rows.Next() {
		return nil, rows.Err()
	}
	var e OutboxEntry
	if err := rows.Scan(&e.ID, &e.ClientTempID, &e.ConversationID, &e.ReceiverID, &e.ContextID, &e.Body,
		&e.AttachmentPath, &e.AttachmentName, &e.AttachmentMime, &e.AttachmentSize,
		&e.UploadedURL, &e.Status, &e.ErrorMessage, &e.ServerMsgID); err != nil {
		return nil, err
	}
	return &e, nil
}
