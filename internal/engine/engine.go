// Package engine owns the ordered in-memory message list for one
// conversation and reconciles it from three inputs: the initial
// history fetch, locally-originated optimistic sends, and the live
// change feed. Every list change re-derives the read-receipt set.
package engine

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pvictorino/dmsync/internal/bus"
	"github.com/pvictorino/dmsync/internal/channel"
	"github.com/pvictorino/dmsync/internal/observability"
	"github.com/pvictorino/dmsync/internal/receipt"
	"github.com/pvictorino/dmsync/internal/status"
	"github.com/pvictorino/dmsync/internal/store"
	"go.uber.org/zap"
)

// Store is the remote message store as seen by the engine.
type Store interface {
	GetConversation(ctx context.Context, id string) (store.Conversation, error)
	ListMessages(ctx context.Context, conversationID string) ([]store.Message, error)
	InsertMessage(ctx context.Context, m store.Message) (store.Message, error)
}

// Engine reconciles one conversation's message list. All mutations
// are serialized on one mutex; completions carry the epoch they were
// issued under and are dropped if the engine has moved on, so a store
// round trip finishing late can never write into the wrong
// conversation's list.
type Engine struct {
	store   Store
	channel channel.Channel
	batcher *receipt.Batcher
	bus     *bus.Bus
	machine *status.Machine
	logger  *zap.Logger
	self    string

	mu             sync.Mutex
	conversationID string
	peer           string
	epoch          uint64
	loading        bool
	closed         bool
	msgs           []store.Message
	sub            channel.Subscription
}

// NewEngine creates an engine for the local viewer selfID. The bus
// and machine may be nil; the engine is then silent about changes.
func NewEngine(st Store, ch channel.Channel, batcher *receipt.Batcher, b *bus.Bus, machine *status.Machine, selfID string, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:   st,
		channel: ch,
		batcher: batcher,
		bus:     b,
		machine: machine,
		logger:  logger,
		self:    selfID,
	}
}

// Open loads the conversation history and opens its change feed.
// Opening a different conversation tears down the previous
// subscription first; completions still in flight for the old
// conversation are discarded by the epoch check.
func (e *Engine) Open(ctx context.Context, conversationID string) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if e.sub != nil {
		_ = e.sub.Close()
		e.sub = nil
	}
	e.epoch++
	epoch := e.epoch
	e.conversationID = conversationID
	e.loading = true
	e.mu.Unlock()

	e.transition(status.Loading)

	if err := e.load(ctx, conversationID, epoch); err != nil {
		if errors.Is(err, errSuperseded) {
			return nil
		}
		return err
	}

	sub, err := e.channel.Subscribe(ctx, conversationID, func(evt channel.Event) {
		e.handleEvent(epoch, evt)
	})
	if err != nil {
		e.mu.Lock()
		stale := e.closed || epoch != e.epoch
		e.mu.Unlock()
		if stale {
			return nil
		}
		e.transition(status.Degraded)
		e.logger.Error("subscribe failed", zap.String("conversation", conversationID), zap.Error(err))
		return &FetchError{ConversationID: conversationID, Err: err}
	}

	e.mu.Lock()
	if e.closed || epoch != e.epoch {
		e.mu.Unlock()
		return sub.Close()
	}
	e.sub = sub
	e.mu.Unlock()

	e.logger.Info("conversation opened", zap.String("conversation", conversationID))
	return nil
}

// Refresh re-runs Open for the current conversation. This is the only
// recovery path after a load failure; nothing retries automatically.
func (e *Engine) Refresh(ctx context.Context) error {
	e.mu.Lock()
	closed := e.closed
	conversationID := e.conversationID
	e.mu.Unlock()

	if closed {
		return ErrClosed
	}
	if conversationID == "" {
		return ErrNoConversation
	}
	return e.Open(ctx, conversationID)
}

// load resolves the conversation record, fetches the full history and
// replaces the list wholesale. On failure the prior list survives and
// the error is announced. An outcome belonging to an abandoned epoch
// is discarded entirely: no list change, no status transition, no bus
// event.
func (e *Engine) load(ctx context.Context, conversationID string, epoch uint64) error {
	conv, err := e.store.GetConversation(ctx, conversationID)
	if err == nil && conv.UserA != e.self && conv.UserB != e.self {
		err = ErrNotParticipant
	}
	var msgs []store.Message
	if err == nil {
		msgs, err = e.store.ListMessages(ctx, conversationID)
	}

	e.mu.Lock()
	if e.closed || epoch != e.epoch {
		e.mu.Unlock()
		return errSuperseded
	}
	if err != nil {
		e.loading = false
		e.mu.Unlock()

		ferr := &FetchError{ConversationID: conversationID, Err: err}
		e.transition(status.Error)
		e.logger.Error("history load failed", zap.String("conversation", conversationID), zap.Error(err))
		e.publish(bus.KindLoadFailed, ferr)
		return ferr
	}
	e.msgs = msgs
	e.peer = conv.Other(e.self)
	e.loading = false
	snapshot := e.snapshotLocked()
	e.mu.Unlock()

	observability.AddMessagesMerged("load", len(msgs))
	e.transition(status.Ready)
	e.publish(bus.KindListChanged, conversationID)
	e.flushReceipts(ctx, conversationID, snapshot)
	return nil
}

// handleEvent merges one change feed event into the list.
func (e *Engine) handleEvent(epoch uint64, evt channel.Event) {
	e.mu.Lock()
	if e.closed || epoch != e.epoch {
		e.mu.Unlock()
		return
	}
	conversationID := e.conversationID

	var changed bool
	switch evt.Kind {
	case channel.Inserted:
		changed = e.applyInsertLocked(evt.Record)
	case channel.Updated:
		changed = e.applyUpdateLocked(evt.Record)
	default:
		e.logger.Warn("unknown event kind", zap.String("kind", string(evt.Kind)))
	}

	var snapshot []store.Message
	if changed {
		snapshot = e.snapshotLocked()
	}
	e.mu.Unlock()

	if !changed {
		return
	}
	e.publish(bus.KindListChanged, conversationID)
	e.flushReceipts(context.Background(), conversationID, snapshot)
}

// applyInsertLocked merges a remote insert. Own sends are dropped:
// the optimistic Pending/Confirmed entry already represents them, and
// the store echoes our own inserts back on the feed.
func (e *Engine) applyInsertLocked(m store.Message) bool {
	if m.SenderID == e.self {
		return false
	}
	for _, cur := range e.msgs {
		if cur.Confirmed() && cur.ID == m.ID {
			// Redelivered insert for a message we already hold.
			return false
		}
	}
	e.insertOrderedLocked(m)
	observability.AddMessagesMerged("insert", 1)
	return true
}

// applyUpdateLocked replaces the entry with a matching store id.
// Unknown ids are a no-op: the update may refer to a message whose
// insert acknowledgement has not been applied yet.
func (e *Engine) applyUpdateLocked(m store.Message) bool {
	for i, cur := range e.msgs {
		if cur.Confirmed() && cur.ID == m.ID {
			if cur == m {
				return false
			}
			e.msgs[i] = m
			observability.AddMessagesMerged("update", 1)
			return true
		}
	}
	return false
}

// insertOrderedLocked places m by sent_at. The feed normally delivers
// in non-decreasing time order, which makes this an append; a
// reordering transport degrades to an ordered insert instead of a
// scrambled list.
func (e *Engine) insertOrderedLocked(m store.Message) {
	i := sort.Search(len(e.msgs), func(i int) bool {
		return e.msgs[i].SentAt > m.SentAt
	})
	e.msgs = append(e.msgs, store.Message{})
	copy(e.msgs[i+1:], e.msgs[i:])
	e.msgs[i] = m
}

func (e *Engine) removeByClientIDLocked(clientID string) bool {
	for i, cur := range e.msgs {
		if cur.ClientID == clientID {
			e.msgs = append(e.msgs[:i], e.msgs[i+1:]...)
			return true
		}
	}
	return false
}

// Send appends an optimistic Pending entry and returns immediately;
// the store round trip completes in the background. Whitespace-only
// input is ignored without touching the list or the store.
func (e *Engine) Send(ctx context.Context, text string) {
	body := strings.TrimSpace(text)
	if body == "" {
		return
	}

	e.mu.Lock()
	if e.closed || e.conversationID == "" {
		e.mu.Unlock()
		return
	}
	pending := store.Message{
		ClientID:       uuid.NewString(),
		ConversationID: e.conversationID,
		SenderID:       e.self,
		Body:           body,
		SentAt:         time.Now().UnixMilli(),
	}
	epoch := e.epoch
	conversationID := e.conversationID
	e.insertOrderedLocked(pending)
	e.mu.Unlock()

	observability.IncSends()
	e.publish(bus.KindListChanged, conversationID)

	go e.completeSend(ctx, pending, epoch)
}

// completeSend applies the store's verdict on an optimistic entry:
// the acknowledged record replaces it, or a rejection removes it.
func (e *Engine) completeSend(ctx context.Context, pending store.Message, epoch uint64) {
	confirmed, err := e.store.InsertMessage(ctx, pending)

	e.mu.Lock()
	if e.closed || epoch != e.epoch {
		e.mu.Unlock()
		return
	}
	conversationID := e.conversationID

	if err != nil {
		e.removeByClientIDLocked(pending.ClientID)
		e.mu.Unlock()

		serr := &SendError{ClientID: pending.ClientID, Err: err}
		observability.IncSendFailures()
		e.logger.Error("send rejected", zap.String("client_id", pending.ClientID), zap.Error(err))
		e.publish(bus.KindSendFailed, SendFailure{
			ClientID: pending.ClientID,
			Body:     pending.Body,
			Err:      serr,
		})
		e.publish(bus.KindListChanged, conversationID)
		return
	}

	// Re-insert at the server-assigned timestamp's position; the
	// correlation id is what ties the two records together.
	e.removeByClientIDLocked(pending.ClientID)
	e.insertOrderedLocked(confirmed)
	snapshot := e.snapshotLocked()
	e.mu.Unlock()

	e.publish(bus.KindListChanged, conversationID)
	e.flushReceipts(ctx, conversationID, snapshot)
}

// Messages returns a copy of the current ordered list.
func (e *Engine) Messages() []store.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

// Loading reports whether a history fetch is in flight.
func (e *Engine) Loading() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loading
}

// Peer returns the other participant's id, or "" before the first
// successful Open.
func (e *Engine) Peer() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.peer
}

// Close tears down the change feed subscription. Idempotent; in-flight
// store calls are not cancelled but their completions are discarded.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	sub := e.sub
	e.sub = nil
	e.mu.Unlock()

	if sub != nil {
		return sub.Close()
	}
	return nil
}

func (e *Engine) snapshotLocked() []store.Message {
	out := make([]store.Message, len(e.msgs))
	copy(out, e.msgs)
	return out
}

// flushReceipts hands the batcher a snapshot. Receipt failures are the
// batcher's to log; the next list change re-derives the same set.
func (e *Engine) flushReceipts(ctx context.Context, conversationID string, snapshot []store.Message) {
	if e.batcher == nil {
		return
	}
	e.batcher.Flush(ctx, conversationID, snapshot)
}

func (e *Engine) publish(kind string, payload any) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}

func (e *Engine) transition(s status.State) {
	if e.machine == nil {
		return
	}
	if err := e.machine.Transition(s); err != nil {
		e.logger.Debug("status transition skipped", zap.Error(err))
	}
}
