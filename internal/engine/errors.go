package engine

import (
	"errors"
	"fmt"
)

// ErrClosed is returned by operations on a disposed engine.
var ErrClosed = errors.New("engine closed")

// ErrNoConversation is returned by Refresh before any Open.
var ErrNoConversation = errors.New("no conversation open")

// ErrNotParticipant is returned, wrapped in a FetchError, when the
// local user is not a participant of the requested conversation.
var ErrNotParticipant = errors.New("not a conversation participant")

// errSuperseded marks a load outcome that belongs to an epoch a newer
// Open has already replaced. Never surfaced to callers.
var errSuperseded = errors.New("superseded by a newer open")

// FetchError reports a failed history load. The prior list is left
// untouched; recovery is a manual Refresh.
type FetchError struct {
	ConversationID string
	Err            error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch history for %s: %v", e.ConversationID, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// SendError reports a send rejected by the store. The optimistic
// entry has already been rolled back when this surfaces.
type SendError struct {
	ClientID string
	Err      error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send %s: %v", e.ClientID, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// SendFailure is the bus payload published when a send is rejected.
type SendFailure struct {
	ClientID string
	Body     string
	Err      error
}
