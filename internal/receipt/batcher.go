// Package receipt writes back read-state flips for messages the local
// viewer has now seen.
package receipt

import (
	"context"
	"fmt"
	"sync"

	"github.com/pvictorino/dmsync/internal/observability"
	"github.com/pvictorino/dmsync/internal/store"
	"go.uber.org/zap"
)

// Updater is the store-side batch update.
type Updater interface {
	MarkRead(ctx context.Context, conversationID string, ids []string) error
}

// UpdateError reports a failed receipt batch. It is logged and never
// surfaced to the user: the unread set is re-derived on the next list
// change, so a transient failure heals itself.
type UpdateError struct {
	ConversationID string
	Err            error
}

func (e *UpdateError) Error() string {
	return fmt.Sprintf("mark read in %s: %v", e.ConversationID, e.Err)
}

func (e *UpdateError) Unwrap() error {
	return e.Err
}

// Batcher derives the set of messages needing a read flip and issues
// one batched update per derivation.
type Batcher struct {
	store  Updater
	self   string
	logger *zap.Logger

	mu sync.Mutex // serializes store writes
}

// NewBatcher creates a batcher for the given local viewer.
func NewBatcher(st Updater, selfID string, logger *zap.Logger) *Batcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Batcher{store: st, self: selfID, logger: logger}
}

// Unread returns the ids needing a read flip: confirmed messages from
// the other participant that are still unread. Pending entries never
// qualify; they belong to the local sender by construction.
func (b *Batcher) Unread(msgs []store.Message) []string {
	var ids []string
	for _, m := range msgs {
		if m.Confirmed() && m.SenderID != b.self && !m.Read {
			ids = append(ids, m.ID)
		}
	}
	return ids
}

// Flush derives the unread set from msgs and writes it in a single
// round trip. Local read flags are not flipped here; the
// authoritative flip arrives back through the updated event path.
// Re-sending a set that was already written is a store-side no-op.
func (b *Batcher) Flush(ctx context.Context, conversationID string, msgs []store.Message) {
	ids := b.Unread(msgs)
	if len(ids) == 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.store.MarkRead(ctx, conversationID, ids); err != nil {
		observability.IncReceiptErrors()
		uerr := &UpdateError{ConversationID: conversationID, Err: err}
		b.logger.Warn("receipt batch failed", zap.Int("count", len(ids)), zap.Error(uerr))
		return
	}

	observability.IncReceiptBatches(len(ids))
	b.logger.Debug("receipt batch written", zap.Int("count", len(ids)))
}
