// Package channel delivers remote change notifications for one
// conversation's message set. Every transport speaks the same wire
// envelope: a JSON object tagging the full record with "inserted" or
// "updated".
package channel

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/pvictorino/dmsync/internal/store"
)

// EventKind tags a change notification.
type EventKind string

const (
	Inserted EventKind = "inserted"
	Updated  EventKind = "updated"
)

// Event is one change notification carrying the full record.
type Event struct {
	Kind   EventKind
	Record store.Message
}

// Handler receives events in arrival order, one at a time.
type Handler func(Event)

// Subscription is a live conversation feed. Close tears it down and
// is idempotent; no callbacks are expected after the first Close
// returns.
type Subscription interface {
	Close() error
}

// Channel opens conversation-scoped subscriptions.
type Channel interface {
	Subscribe(ctx context.Context, conversationID string, fn Handler) (Subscription, error)
}

type envelope struct {
	Kind   EventKind     `json:"kind"`
	Record store.Message `json:"record"`
}

func decodeEvent(payload []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Event{}, err
	}
	return Event{Kind: env.Kind, Record: env.Record}, nil
}

type subscription struct {
	once  sync.Once
	close func() error
}

func (s *subscription) Close() error {
	var err error
	s.once.Do(func() { err = s.close() })
	return err
}
