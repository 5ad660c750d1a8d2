package store

import (
	"database/sql"
	"time"
)

// NormalizePair returns the unordered participant pair in storage order.
func NormalizePair(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}

// UpsertConversation inserts or updates a conversation record. The
// participant pair is normalized so the same two users always map to the
// same row regardless of argument order.
func (db *DB) UpsertConversation(c *Conversation) error {
	a, b := NormalizePair(c.ParticipantA, c.ParticipantB)
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO conversations (id, participant_a, participant_b, context_id,
			last_message_summary, unread_count, last_message_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			last_message_summary = CASE WHEN excluded.last_message_at >= conversations.last_message_at
				THEN excluded.last_message_summary ELSE conversations.last_message_summary END,
			last_message_at = MAX(conversations.last_message_at, excluded.last_message_at),
			updated_at = excluded.updated_at`,
		c.ID, a, b, c.ContextID, c.LastMessageSummary, c.UnreadCount, c.LastMessageAt, now)
	return err
}

// BumpConversation refreshes a conversation's last-message summary.
func (db *DB) BumpConversation(id, summary string, at int64) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE conversations SET
			last_message_summary = CASE WHEN ? >= last_message_at THEN ? ELSE last_message_summary END,
			last_message_at = MAX(last_message_at, ?),
			updated_at = ?
		WHERE id = ?`, at, truncate(summary, 100), at, now, id)
	return err
}

// IncrementUnread bumps the local participant's unread count.
func (db *DB) IncrementUnread(id string) error {
	_, err := db.Exec(`UPDATE conversations SET unread_count = unread_count + 1 WHERE id = ?`, id)
	return err
}

// ResetUnread zeroes the local participant's unread count.
func (db *DB) ResetUnread(id string) error {
	_, err := db.Exec(`UPDATE conversations SET unread_count = 0 WHERE id = ?`, id)
	return err
}

// GetConversation returns a conversation by id, or nil when absent.
func (db *DB) GetConversation(id string) (*Conversation, error) {
	row := db.QueryRow(`
		SELECT id, participant_a, participant_b, context_id, last_message_summary, unread_count, last_message_at
		FROM conversations WHERE id = ?`, id)
	return scanConversation(row)
}

// GetConversationByPair returns the conversation for an unordered
// participant pair plus context, or nil when none exists locally.
func (db *DB) GetConversationByPair(userA, userB, contextID string) (*Conversation, error) {
	a, b := NormalizePair(userA, userB)
	row := db.QueryRow(`
		SELECT id, participant_a, participant_b, context_id, last_message_summary, unread_count, last_message_at
		FROM conversations WHERE participant_a = ? AND participant_b = ? AND context_id = ?`,
		a, b, contextID)
	return scanConversation(row)
}

// ListConversations returns conversations sorted by last activity descending.
func (db *DB) ListConversations() ([]Conversation, error) {
	rows, err := db.Query(`
		SELECT id, participant_a, participant_b, context_id, last_message_summary, unread_count, last_message_at
		FROM conversations ORDER BY last_message_at DESC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.ParticipantA, &c.ParticipantB, &c.ContextID,
			&c.LastMessageSummary, &c.UnreadCount, &c.LastMessageAt); err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

func scanConversation(row *sql.Row) (*Conversation, error) {
	var c Conversation
	err := row.Scan(&c.ID, &c.ParticipantA, &c.ParticipantB, &c.ContextID,
		&c.LastMessageSummary, &c.UnreadCount, &c.LastMessageAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
