package engine

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/pvictorino/dmsync/internal/bus"
	"github.com/pvictorino/dmsync/internal/channel"
	"github.com/pvictorino/dmsync/internal/receipt"
	"github.com/pvictorino/dmsync/internal/status"
	"github.com/pvictorino/dmsync/internal/store"
	"go.uber.org/zap"
)

// fakeStore implements Store and receipt.Updater in memory.
type fakeStore struct {
	mu           sync.Mutex
	history      map[string][]store.Message
	convs        map[string]store.Conversation
	convErr      error
	listErrs     map[string]error
	listGate     chan struct{} // when set, ListMessages for listGateConv blocks until closed
	listGateConv string
	listCalls    int
	insertErr    error
	insertGate   chan struct{} // when set, InsertMessage blocks until closed
	nextID       int
	inserts      int
	markCalls    [][]string
	markErr      error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		history:  map[string][]store.Message{},
		convs:    map[string]store.Conversation{},
		listErrs: map[string]error{},
	}
}

func (s *fakeStore) GetConversation(_ context.Context, id string) (store.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.convErr != nil {
		return store.Conversation{}, s.convErr
	}
	if c, ok := s.convs[id]; ok {
		return c, nil
	}
	return store.Conversation{ID: id, UserA: "me", UserB: "other"}, nil
}

func (s *fakeStore) ListMessages(_ context.Context, conversationID string) ([]store.Message, error) {
	s.mu.Lock()
	s.listCalls++
	gate, gateConv := s.listGate, s.listGateConv
	s.mu.Unlock()
	if gate != nil && conversationID == gateConv {
		<-gate
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.listErrs[conversationID]; err != nil {
		return nil, err
	}
	out := make([]store.Message, len(s.history[conversationID]))
	copy(out, s.history[conversationID])
	return out, nil
}

func (s *fakeStore) InsertMessage(_ context.Context, m store.Message) (store.Message, error) {
	s.mu.Lock()
	gate := s.insertGate
	s.mu.Unlock()
	if gate != nil {
		<-gate
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.inserts++
	if s.insertErr != nil {
		return store.Message{}, s.insertErr
	}
	s.nextID++
	m.ID = fmt.Sprintf("srv-%d", s.nextID)
	return m, nil
}

func (s *fakeStore) MarkRead(_ context.Context, _ string, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markCalls = append(s.markCalls, ids)
	return s.markErr
}

func (s *fakeStore) insertCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inserts
}

func (s *fakeStore) listCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listCalls
}

func (s *fakeStore) marks() [][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]string, len(s.markCalls))
	copy(out, s.markCalls)
	return out
}

// fakeChannel hands the subscription handler back to the test so
// events can be injected directly.
type fakeChannel struct {
	mu      sync.Mutex
	handler channel.Handler
	closed  int
	subErr  error
}

func (c *fakeChannel) Subscribe(_ context.Context, _ string, fn channel.Handler) (channel.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subErr != nil {
		return nil, c.subErr
	}
	c.handler = fn
	return fakeSub{c: c}, nil
}

func (c *fakeChannel) emit(evt channel.Event) {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	if h != nil {
		h(evt)
	}
}

func (c *fakeChannel) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeSub struct {
	c *fakeChannel
}

func (s fakeSub) Close() error {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	s.c.closed++
	return nil
}

func newTestEngine(st *fakeStore, ch *fakeChannel, b *bus.Bus) *Engine {
	return NewEngine(st, ch, receipt.NewBatcher(st, "me", nil), b, nil, "me", zap.NewNop())
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func ids(msgs []store.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func TestOpenLoadsHistoryAscending(t *testing.T) {
	st := newFakeStore()
	st.history["conv-1"] = []store.Message{
		{ID: "m1", SenderID: "me", SentAt: 10, Read: true},
		{ID: "m2", SenderID: "other", SentAt: 20, Read: true},
	}
	e := newTestEngine(st, &fakeChannel{}, nil)
	defer func() { _ = e.Close() }()

	if err := e.Open(context.Background(), "conv-1"); err != nil {
		t.Fatal(err)
	}

	if e.Loading() {
		t.Error("still loading after Open")
	}
	got := ids(e.Messages())
	if !reflect.DeepEqual(got, []string{"m1", "m2"}) {
		t.Errorf("list = %v, want [m1 m2]", got)
	}
	if peer := e.Peer(); peer != "other" {
		t.Errorf("peer = %q, want other", peer)
	}
}

func TestOpenUnknownConversation(t *testing.T) {
	st := newFakeStore()
	st.convErr = store.ErrConversationNotFound
	e := newTestEngine(st, &fakeChannel{}, nil)
	defer func() { _ = e.Close() }()

	err := e.Open(context.Background(), "conv-x")
	var ferr *FetchError
	if !errors.As(err, &ferr) {
		t.Fatalf("error = %v, want *FetchError", err)
	}
	if !errors.Is(err, store.ErrConversationNotFound) {
		t.Errorf("error = %v, want wrapped ErrConversationNotFound", err)
	}
}

func TestOpenRejectsNonParticipant(t *testing.T) {
	st := newFakeStore()
	st.convs["conv-x"] = store.Conversation{ID: "conv-x", UserA: "bob", UserB: "carol"}
	e := newTestEngine(st, &fakeChannel{}, nil)
	defer func() { _ = e.Close() }()

	err := e.Open(context.Background(), "conv-x")
	if !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("error = %v, want ErrNotParticipant", err)
	}
	if peer := e.Peer(); peer != "" {
		t.Errorf("peer = %q after rejected open, want empty", peer)
	}
}

func TestOpenFetchErrorLeavesListUntouched(t *testing.T) {
	st := newFakeStore()
	st.history["conv-1"] = []store.Message{{ID: "m1", SenderID: "other", SentAt: 10, Read: true}}
	e := newTestEngine(st, &fakeChannel{}, nil)
	defer func() { _ = e.Close() }()

	if err := e.Open(context.Background(), "conv-1"); err != nil {
		t.Fatal(err)
	}

	st.mu.Lock()
	st.listErrs["conv-1"] = errors.New("store down")
	st.mu.Unlock()

	err := e.Refresh(context.Background())
	var ferr *FetchError
	if !errors.As(err, &ferr) {
		t.Fatalf("error = %v, want *FetchError", err)
	}
	if got := ids(e.Messages()); !reflect.DeepEqual(got, []string{"m1"}) {
		t.Errorf("list after failed refresh = %v, want [m1]", got)
	}
	if e.Loading() {
		t.Error("loading flag stuck after failure")
	}
}

func TestInsertedFromOtherKeepsOrder(t *testing.T) {
	st := newFakeStore()
	st.history["conv-1"] = []store.Message{
		{ID: "m1", SenderID: "other", SentAt: 10, Read: true},
		{ID: "m2", SenderID: "other", SentAt: 30, Read: true},
	}
	ch := &fakeChannel{}
	e := newTestEngine(st, ch, nil)
	defer func() { _ = e.Close() }()

	if err := e.Open(context.Background(), "conv-1"); err != nil {
		t.Fatal(err)
	}

	// In-order arrival appends.
	ch.emit(channel.Event{Kind: channel.Inserted, Record: store.Message{
		ID: "m3", SenderID: "other", SentAt: 40, Read: true,
	}})
	// A late event lands at its timestamp's position.
	ch.emit(channel.Event{Kind: channel.Inserted, Record: store.Message{
		ID: "m4", SenderID: "other", SentAt: 20, Read: true,
	}})

	got := ids(e.Messages())
	if !reflect.DeepEqual(got, []string{"m1", "m4", "m2", "m3"}) {
		t.Errorf("list = %v, want [m1 m4 m2 m3]", got)
	}
	msgs := e.Messages()
	for i := 1; i < len(msgs); i++ {
		if msgs[i-1].SentAt > msgs[i].SentAt {
			t.Errorf("order violated at %d: %d > %d", i, msgs[i-1].SentAt, msgs[i].SentAt)
		}
	}
}

func TestInsertedFromSelfIsDropped(t *testing.T) {
	st := newFakeStore()
	st.history["conv-1"] = nil
	ch := &fakeChannel{}
	e := newTestEngine(st, ch, nil)
	defer func() { _ = e.Close() }()

	if err := e.Open(context.Background(), "conv-1"); err != nil {
		t.Fatal(err)
	}

	e.Send(context.Background(), "hi")
	waitFor(t, "send confirmation", func() bool {
		msgs := e.Messages()
		return len(msgs) == 1 && msgs[0].Confirmed()
	})

	// The store echoes our own insert back on the feed.
	confirmed := e.Messages()[0]
	ch.emit(channel.Event{Kind: channel.Inserted, Record: confirmed})

	if got := len(e.Messages()); got != 1 {
		t.Errorf("list length = %d after self echo, want 1", got)
	}
}

func TestInsertedRedeliveryIsDropped(t *testing.T) {
	st := newFakeStore()
	ch := &fakeChannel{}
	e := newTestEngine(st, ch, nil)
	defer func() { _ = e.Close() }()

	if err := e.Open(context.Background(), "conv-1"); err != nil {
		t.Fatal(err)
	}

	rec := store.Message{ID: "m1", SenderID: "other", SentAt: 10, Read: true}
	ch.emit(channel.Event{Kind: channel.Inserted, Record: rec})
	ch.emit(channel.Event{Kind: channel.Inserted, Record: rec})

	if got := len(e.Messages()); got != 1 {
		t.Errorf("list length = %d after redelivery, want 1", got)
	}
}

func TestUpdatedReplacesAndIsIdempotent(t *testing.T) {
	st := newFakeStore()
	st.history["conv-1"] = []store.Message{
		{ID: "m1", SenderID: "other", SentAt: 10, Read: false},
	}
	ch := &fakeChannel{}
	e := newTestEngine(st, ch, nil)
	defer func() { _ = e.Close() }()

	if err := e.Open(context.Background(), "conv-1"); err != nil {
		t.Fatal(err)
	}

	flipped := store.Message{ID: "m1", SenderID: "other", SentAt: 10, Read: true}
	ch.emit(channel.Event{Kind: channel.Updated, Record: flipped})
	once := e.Messages()
	ch.emit(channel.Event{Kind: channel.Updated, Record: flipped})
	twice := e.Messages()

	if !once[0].Read {
		t.Error("update not applied")
	}
	if !reflect.DeepEqual(once, twice) {
		t.Errorf("second apply changed the list: %v vs %v", once, twice)
	}
}

func TestUpdatedUnknownIDIsNoop(t *testing.T) {
	st := newFakeStore()
	ch := &fakeChannel{}
	e := newTestEngine(st, ch, nil)
	defer func() { _ = e.Close() }()

	if err := e.Open(context.Background(), "conv-1"); err != nil {
		t.Fatal(err)
	}

	ch.emit(channel.Event{Kind: channel.Updated, Record: store.Message{
		ID: "ghost", SenderID: "other", SentAt: 10,
	}})

	if got := len(e.Messages()); got != 0 {
		t.Errorf("list length = %d, want 0", got)
	}
}

func TestSendOptimisticThenConfirmed(t *testing.T) {
	st := newFakeStore()
	ch := &fakeChannel{}
	e := newTestEngine(st, ch, nil)
	defer func() { _ = e.Close() }()

	if err := e.Open(context.Background(), "conv-1"); err != nil {
		t.Fatal(err)
	}

	e.Send(context.Background(), "hello")

	msgs := e.Messages()
	if len(msgs) != 1 {
		t.Fatalf("no optimistic entry, list = %v", msgs)
	}
	if msgs[0].Confirmed() {
		t.Error("optimistic entry already has a store id")
	}
	if msgs[0].ClientID == "" {
		t.Error("optimistic entry has no correlation id")
	}

	waitFor(t, "confirmation", func() bool {
		msgs := e.Messages()
		return len(msgs) == 1 && msgs[0].Confirmed()
	})

	got := e.Messages()[0]
	if got.ClientID != msgs[0].ClientID {
		t.Errorf("correlation id changed: %q vs %q", got.ClientID, msgs[0].ClientID)
	}
	if got.Body != "hello" || got.SenderID != "me" {
		t.Errorf("confirmed record = %+v", got)
	}
}

func TestSendRejectedRollsBack(t *testing.T) {
	st := newFakeStore()
	st.insertErr = errors.New("rejected")
	ch := &fakeChannel{}
	b := bus.New()
	failures, unsub := b.Subscribe(bus.KindSendFailed, 10)
	defer unsub()

	e := newTestEngine(st, ch, b)
	defer func() { _ = e.Close() }()

	if err := e.Open(context.Background(), "conv-1"); err != nil {
		t.Fatal(err)
	}
	before := e.Messages()

	e.Send(context.Background(), "hi")
	waitFor(t, "rollback", func() bool {
		return len(e.Messages()) == 0
	})

	if !reflect.DeepEqual(e.Messages(), before) {
		t.Errorf("list not restored: %v", e.Messages())
	}

	select {
	case evt := <-failures:
		failure, ok := evt.Payload.(SendFailure)
		if !ok {
			t.Fatalf("payload type %T, want SendFailure", evt.Payload)
		}
		if failure.Body != "hi" {
			t.Errorf("failure body = %q", failure.Body)
		}
		var serr *SendError
		if !errors.As(failure.Err, &serr) {
			t.Errorf("failure err = %v, want *SendError", failure.Err)
		}
	case <-time.After(time.Second):
		t.Fatal("no send_failed event published")
	}
}

func TestSendWhitespaceOnlyIsNoop(t *testing.T) {
	st := newFakeStore()
	ch := &fakeChannel{}
	e := newTestEngine(st, ch, nil)
	defer func() { _ = e.Close() }()

	if err := e.Open(context.Background(), "conv-1"); err != nil {
		t.Fatal(err)
	}

	e.Send(context.Background(), "   ")
	time.Sleep(50 * time.Millisecond)

	if got := len(e.Messages()); got != 0 {
		t.Errorf("list length = %d, want 0", got)
	}
	if got := st.insertCount(); got != 0 {
		t.Errorf("store inserts = %d, want 0", got)
	}
}

func TestReceiptConvergence(t *testing.T) {
	st := newFakeStore()
	st.history["conv-1"] = []store.Message{
		{ID: "m1", SenderID: "other", SentAt: 10, Read: false},
		{ID: "m2", SenderID: "other", SentAt: 20, Read: false},
		{ID: "m3", SenderID: "me", SentAt: 30, Read: false},
	}
	ch := &fakeChannel{}
	e := newTestEngine(st, ch, nil)
	defer func() { _ = e.Close() }()

	if err := e.Open(context.Background(), "conv-1"); err != nil {
		t.Fatal(err)
	}

	marks := st.marks()
	if len(marks) != 1 {
		t.Fatalf("got %d receipt batches, want 1", len(marks))
	}
	if !reflect.DeepEqual(marks[0], []string{"m1", "m2"}) {
		t.Errorf("batch = %v, want [m1 m2]", marks[0])
	}

	// The read flags are not flipped locally, so until the store's
	// updated events arrive the same set derives again on any change.
	ch.emit(channel.Event{Kind: channel.Inserted, Record: store.Message{
		ID: "m4", SenderID: "other", SentAt: 40, Read: true,
	}})
	marks = st.marks()
	if !reflect.DeepEqual(marks[1], []string{"m1", "m2"}) {
		t.Errorf("re-derived batch = %v, want [m1 m2]", marks[1])
	}

	// The authoritative flip shrinks the derived set.
	ch.emit(channel.Event{Kind: channel.Updated, Record: store.Message{
		ID: "m1", SenderID: "other", SentAt: 10, Read: true,
	}})
	marks = st.marks()
	if got := marks[len(marks)-1]; !reflect.DeepEqual(got, []string{"m2"}) {
		t.Errorf("batch after flip = %v, want [m2]", got)
	}
}

// A fetch failure for a conversation the engine has already moved away
// from must leave the new conversation's status and list untouched and
// must not announce a load failure.
func TestStaleLoadFailureIsDiscarded(t *testing.T) {
	st := newFakeStore()
	st.history["conv-b"] = []store.Message{
		{ID: "m1", SenderID: "other", SentAt: 10, Read: true},
	}
	ch := &fakeChannel{}
	b := bus.New()
	m := status.NewMachine(b)
	failures, unsub := b.Subscribe(bus.KindLoadFailed, 10)
	defer unsub()

	e := NewEngine(st, ch, receipt.NewBatcher(st, "me", nil), b, m, "me", zap.NewNop())
	defer func() { _ = e.Close() }()

	gate := make(chan struct{})
	st.mu.Lock()
	st.listGate = gate
	st.listGateConv = "conv-a"
	st.listErrs["conv-a"] = errors.New("store down")
	st.mu.Unlock()

	openDone := make(chan error, 1)
	go func() { openDone <- e.Open(context.Background(), "conv-a") }()
	waitFor(t, "conv-a fetch to start", func() bool {
		return st.listCallCount() >= 1
	})

	if err := e.Open(context.Background(), "conv-b"); err != nil {
		t.Fatal(err)
	}
	if got := m.Current(); got != status.Ready {
		t.Fatalf("status after conv-b open = %s, want READY", got)
	}

	// Release the abandoned fetch; its failure belongs to a dead epoch.
	close(gate)
	if err := <-openDone; err != nil {
		t.Errorf("superseded Open returned %v, want nil", err)
	}

	if got := m.Current(); got != status.Ready {
		t.Errorf("stale failure moved status to %s", got)
	}
	select {
	case evt := <-failures:
		t.Errorf("stale failure published %s: %+v", evt.Kind, evt.Payload)
	default:
	}
	if got := ids(e.Messages()); !reflect.DeepEqual(got, []string{"m1"}) {
		t.Errorf("conv-b list = %v, want [m1]", got)
	}
}

func TestConversationSwitchDropsStaleCompletions(t *testing.T) {
	st := newFakeStore()
	ch := &fakeChannel{}
	e := newTestEngine(st, ch, nil)
	defer func() { _ = e.Close() }()

	if err := e.Open(context.Background(), "conv-a"); err != nil {
		t.Fatal(err)
	}

	gate := make(chan struct{})
	st.mu.Lock()
	st.insertGate = gate
	st.mu.Unlock()

	e.Send(context.Background(), "late")

	// Capture the old feed handler, then move to another conversation.
	ch.mu.Lock()
	oldHandler := ch.handler
	ch.mu.Unlock()

	st.mu.Lock()
	st.insertGate = nil
	st.mu.Unlock()
	if err := e.Open(context.Background(), "conv-b"); err != nil {
		t.Fatal(err)
	}
	if ch.closeCount() != 1 {
		t.Errorf("old subscription closed %d times, want 1", ch.closeCount())
	}

	// Release the in-flight insert for conv-a; its completion must not
	// land in conv-b's list.
	close(gate)
	waitFor(t, "stale completion to finish", func() bool {
		return st.insertCount() >= 1
	})
	time.Sleep(50 * time.Millisecond)
	if got := len(e.Messages()); got != 0 {
		t.Errorf("stale completion wrote into the new list: %v", e.Messages())
	}

	// Events from the old subscription are dropped too.
	oldHandler(channel.Event{Kind: channel.Inserted, Record: store.Message{
		ID: "old", SenderID: "other", SentAt: 10,
	}})
	if got := len(e.Messages()); got != 0 {
		t.Errorf("stale event applied: %v", e.Messages())
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	st := newFakeStore()
	ch := &fakeChannel{}
	e := newTestEngine(st, ch, nil)

	if err := e.Open(context.Background(), "conv-1"); err != nil {
		t.Fatal(err)
	}

	if err := e.Close(); err != nil {
		t.Errorf("first Close() error = %v", err)
	}
	if err := e.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if ch.closeCount() != 1 {
		t.Errorf("subscription closed %d times, want 1", ch.closeCount())
	}

	ch.emit(channel.Event{Kind: channel.Inserted, Record: store.Message{
		ID: "m1", SenderID: "other", SentAt: 10,
	}})
	if got := len(e.Messages()); got != 0 {
		t.Errorf("event applied after Close: %v", e.Messages())
	}

	if err := e.Open(context.Background(), "conv-1"); !errors.Is(err, ErrClosed) {
		t.Errorf("Open after Close error = %v, want ErrClosed", err)
	}
}

// The end-to-end merge scenario: bulk load, remote insert, optimistic
// send, acknowledgement.
func TestMergeScenario(t *testing.T) {
	st := newFakeStore()
	st.history["conv-1"] = []store.Message{
		{ID: "m1", SenderID: "other", SentAt: 10, Read: true},
		{ID: "m2", SenderID: "me", SentAt: 20, Read: true},
	}
	ch := &fakeChannel{}
	e := newTestEngine(st, ch, nil)
	defer func() { _ = e.Close() }()

	if err := e.Open(context.Background(), "conv-1"); err != nil {
		t.Fatal(err)
	}
	if got := ids(e.Messages()); !reflect.DeepEqual(got, []string{"m1", "m2"}) {
		t.Fatalf("after load: %v", got)
	}

	ch.emit(channel.Event{Kind: channel.Inserted, Record: store.Message{
		ID: "m3", SenderID: "other", SentAt: 30, Read: true,
	}})
	if got := ids(e.Messages()); !reflect.DeepEqual(got, []string{"m1", "m2", "m3"}) {
		t.Fatalf("after insert: %v", got)
	}

	e.Send(context.Background(), "x")
	if got := len(e.Messages()); got != 4 {
		t.Fatalf("after optimistic send: length %d, want 4", got)
	}

	waitFor(t, "all confirmed", func() bool {
		msgs := e.Messages()
		if len(msgs) != 4 {
			return false
		}
		for _, m := range msgs {
			if !m.Confirmed() {
				return false
			}
		}
		return true
	})

	got := ids(e.Messages())
	if !reflect.DeepEqual(got, []string{"m1", "m2", "m3", "srv-1"}) {
		t.Errorf("final list = %v", got)
	}
}
