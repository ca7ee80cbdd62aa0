package bus

import "time"

// Event kinds published by the daemon. Subscribers filter on the
// prefix, e.g. "message." or "conversation.".
const (
	KindStatusChanged = "conversation.status_changed"
	KindLoadFailed    = "conversation.load_failed"
	KindListChanged   = "message.list_changed"
	KindSendFailed    = "message.send_failed"
)

// Event is one notification on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
