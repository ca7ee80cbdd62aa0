package store

import (
	"context"

	"github.com/lib/pq"
)

// ListMessages returns a conversation's full history, oldest first.
func (db *DB) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	var msgs []Message
	err := db.SelectContext(ctx, &msgs, `
		SELECT id, client_id, conversation_id, sender_id, body, sent_at, read
		FROM messages
		WHERE conversation_id = $1
		ORDER BY sent_at ASC, id ASC`, conversationID)
	return msgs, err
}

// InsertMessage submits a locally-created message. The store assigns
// the id and echoes the client correlation id in the returned record.
func (db *DB) InsertMessage(ctx context.Context, m Message) (Message, error) {
	var out Message
	err := db.QueryRowxContext(ctx, `
		INSERT INTO messages (client_id, conversation_id, sender_id, body, sent_at, read)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, client_id, conversation_id, sender_id, body, sent_at, read`,
		m.ClientID, m.ConversationID, m.SenderID, m.Body, m.SentAt, m.Read).
		StructScan(&out)
	return out, err
}

// MarkRead flips the read flag on exactly the given ids in a single
// round trip. Rows that are already read are untouched, so resending
// the same set is a no-op.
func (db *DB) MarkRead(ctx context.Context, conversationID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := db.ExecContext(ctx, `
		UPDATE messages SET read = TRUE
		WHERE conversation_id = $1 AND read = FALSE AND id = ANY($2::uuid[])`,
		conversationID, pq.Array(ids))
	return err
}
