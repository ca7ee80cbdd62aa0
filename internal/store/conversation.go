package store

import (
	"context"
	"database/sql"
	"errors"
)

// ErrConversationNotFound is returned when the conversation id does
// not exist in the store.
var ErrConversationNotFound = errors.New("conversation not found")

// GetConversation fetches a conversation record by id.
func (db *DB) GetConversation(ctx context.Context, id string) (Conversation, error) {
	var c Conversation
	err := db.GetContext(ctx, &c, `
		SELECT id, user_a, user_b FROM conversations WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, ErrConversationNotFound
	}
	return c, err
}
