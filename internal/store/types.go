package store

// Message is one entry of a conversation's history.
//
// A message without a store-assigned ID is pending: it was created
// locally and the store has not acknowledged the insert yet. ClientID
// is generated by the sending client and echoed back by the store, so
// a pending entry can be correlated with its acknowledged record.
type Message struct {
	ID             string `db:"id" json:"id"`
	ClientID       string `db:"client_id" json:"client_id"`
	ConversationID string `db:"conversation_id" json:"conversation_id"`
	SenderID       string `db:"sender_id" json:"sender_id"`
	Body           string `db:"body" json:"body"`
	SentAt         int64  `db:"sent_at" json:"sent_at"` // unix millis
	Read           bool   `db:"read" json:"read"`
}

// Confirmed reports whether the store has acknowledged the message.
func (m Message) Confirmed() bool {
	return m.ID != ""
}

// Conversation is a two-party conversation record. Read-only from
// this client's perspective; participants are assigned elsewhere.
type Conversation struct {
	ID    string `db:"id" json:"id"`
	UserA string `db:"user_a" json:"user_a"`
	UserB string `db:"user_b" json:"user_b"`
}

// Other returns the participant that is not self.
func (c Conversation) Other(self string) string {
	if c.UserA == self {
		return c.UserB
	}
	return c.UserA
}
