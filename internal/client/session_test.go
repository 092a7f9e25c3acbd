package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/matestay/matestay-chat/internal/domain"
	"github.com/matestay/matestay-chat/internal/presence"
	"github.com/matestay/matestay-chat/internal/protocol"
)

var t0 = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

type fakeAPI struct {
	mu          sync.Mutex
	convs       []domain.ConversationSummary
	messages    map[string][]domain.Message
	users       map[string]*domain.User
	sendErr     error
	listCalls   int
	markedRead  []string
	sent        []domain.Message
	nextMessage int
}

func (f *fakeAPI) Conversations(context.Context) ([]domain.ConversationSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	return append([]domain.ConversationSummary(nil), f.convs...), nil
}

func (f *fakeAPI) Messages(_ context.Context, conversationID string) ([]domain.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Message(nil), f.messages[conversationID]...), nil
}

func (f *fakeAPI) SendMessage(_ context.Context, conversationID, senderID, text string) (*domain.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.nextMessage++
	m := domain.Message{
		ID:             fmt.Sprintf("sent-%d", f.nextMessage),
		ConversationID: conversationID,
		SenderID:       senderID,
		Text:           text,
		CreatedAt:      t0.Add(time.Hour),
	}
	f.sent = append(f.sent, m)
	return &m, nil
}

func (f *fakeAPI) MarkRead(_ context.Context, conversationID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markedRead = append(f.markedRead, conversationID)
	return 0, nil
}

func (f *fakeAPI) Conversation(_ context.Context, conversationID string) (*domain.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.convs {
		if c.ID == conversationID {
			conv := c.Conversation
			return &conv, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (f *fakeAPI) User(_ context.Context, userID string) (*domain.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[userID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return u, nil
}

type emitted struct {
	Type string
	Data any
}

type fakeEmitter struct {
	mu     sync.Mutex
	events []emitted
}

func (f *fakeEmitter) Emit(_ context.Context, eventType string, data any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, emitted{Type: eventType, Data: data})
	return nil
}

func (f *fakeEmitter) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.events))
	for _, e := range f.events {
		out = append(out, e.Type)
	}
	return out
}

func summary(id, other string, updated time.Time) domain.ConversationSummary {
	return domain.ConversationSummary{Conversation: domain.Conversation{
		ID:        id,
		Members:   []string{"me", other},
		UpdatedAt: updated,
	}}
}

func msg(id, conv, sender string, at time.Time) domain.Message {
	return domain.Message{ID: id, ConversationID: conv, SenderID: sender, Text: "text " + id, CreatedAt: at}
}

func newTestSession(t *testing.T) (*Session, *fakeAPI, *fakeEmitter) {
	t.Helper()
	api := &fakeAPI{
		convs: []domain.ConversationSummary{
			summary("c-alice", "alice", t0.Add(2*time.Minute)),
			summary("c-bob", "bob", t0.Add(time.Minute)),
			summary("c-carol", "carol", t0),
		},
		messages: map[string][]domain.Message{
			"c-bob": {msg("b1", "c-bob", "bob", t0), msg("b2", "c-bob", "me", t0.Add(time.Second))},
		},
		users: map[string]*domain.User{
			"alice": {ID: "alice", Username: "alice", DisplayName: "Alice"},
			"bob":   {ID: "bob", Username: "bob"},
		},
	}
	em := &fakeEmitter{}
	s := NewSession("me", api, em)
	if err := s.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	return s, api, em
}

func ids(views []ConversationView) []string {
	out := make([]string, 0, len(views))
	for _, v := range views {
		out = append(out, v.ID)
	}
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestLoadBuildsViews(t *testing.T) {
	s, _, _ := newTestSession(t)

	if s.State() != StateLoaded {
		t.Errorf("state = %v, want loaded", s.State())
	}
	views := s.Conversations()
	if got := ids(views); !equal(got, []string{"c-alice", "c-bob", "c-carol"}) {
		t.Errorf("order = %v", got)
	}
	if views[0].OtherName != "Alice" || views[1].OtherName != "bob" {
		t.Errorf("names = %q, %q", views[0].OtherName, views[1].OtherName)
	}
	if views[2].OtherName != "carol" {
		t.Errorf("missing profile should fall back to the id, got %q", views[2].OtherName)
	}
}

func TestIncomingMovesToFrontAndNotifiesOnce(t *testing.T) {
	s, _, _ := newTestSession(t)
	ctx := context.Background()

	if err := s.HandleIncoming(ctx, msg("x1", "c-carol", "carol", t0.Add(time.Hour))); err != nil {
		t.Fatal(err)
	}
	if got := ids(s.Conversations()); !equal(got, []string{"c-carol", "c-alice", "c-bob"}) {
		t.Errorf("order after carol = %v", got)
	}

	if err := s.HandleIncoming(ctx, msg("x2", "c-carol", "carol", t0.Add(2*time.Hour))); err != nil {
		t.Fatal(err)
	}
	// Duplicate delivery of the same message is ignored.
	if err := s.HandleIncoming(ctx, msg("x2", "c-carol", "carol", t0.Add(2*time.Hour))); err != nil {
		t.Fatal(err)
	}

	views := s.Conversations()
	if views[0].Unread != 2 {
		t.Errorf("unread = %d, want 2", views[0].Unread)
	}
	if views[0].LastMessage == nil || views[0].LastMessage.ID != "x2" {
		t.Errorf("preview = %+v", views[0].LastMessage)
	}
	if n := s.Notifications(); len(n) != 1 || n[0].ConversationID != "c-carol" {
		t.Errorf("notifications = %+v", n)
	}

	if err := s.HandleIncoming(ctx, msg("x3", "c-bob", "bob", t0.Add(3*time.Hour))); err != nil {
		t.Fatal(err)
	}
	if got := ids(s.Conversations()); !equal(got, []string{"c-bob", "c-carol", "c-alice"}) {
		t.Errorf("order after bob = %v", got)
	}
	if n := s.Notifications(); len(n) != 2 {
		t.Errorf("want one notification per conversation, got %+v", n)
	}
}

func TestIncomingUnknownConversationRefetches(t *testing.T) {
	s, api, _ := newTestSession(t)

	api.mu.Lock()
	api.convs = append([]domain.ConversationSummary{summary("c-dave", "dave", t0.Add(time.Hour))}, api.convs...)
	api.mu.Unlock()

	if err := s.HandleIncoming(context.Background(), msg("d1", "c-dave", "dave", t0.Add(time.Hour))); err != nil {
		t.Fatal(err)
	}

	if api.listCalls != 2 {
		t.Errorf("list calls = %d, want 2", api.listCalls)
	}
	views := s.Conversations()
	if views[0].ID != "c-dave" || views[0].Unread != 1 {
		t.Errorf("first view = %+v", views[0])
	}
	if n := s.Notifications(); len(n) != 1 || n[0].ConversationID != "c-dave" {
		t.Errorf("notifications = %+v", n)
	}
}

func TestOpenMergesWithoutDuplicates(t *testing.T) {
	s, api, em := newTestSession(t)
	ctx := context.Background()

	if err := s.HandleIncoming(ctx, msg("b3", "c-bob", "bob", t0.Add(time.Hour))); err != nil {
		t.Fatal(err)
	}
	if len(s.Notifications()) != 1 {
		t.Fatal("expected a notification before opening")
	}

	if err := s.Open(ctx, "c-bob"); err != nil {
		t.Fatal(err)
	}
	if len(s.Notifications()) != 0 {
		t.Error("opening should clear the conversation's notification")
	}
	if s.Conversations()[0].Unread != 0 {
		t.Error("opening should clear unread")
	}
	if len(api.markedRead) != 1 || api.markedRead[0] != "c-bob" {
		t.Errorf("marked read = %v", api.markedRead)
	}

	if err := s.HandleIncoming(ctx, msg("b4", "c-bob", "bob", t0.Add(2*time.Hour))); err != nil {
		t.Fatal(err)
	}
	if err := s.HandleIncoming(ctx, msg("b4", "c-bob", "bob", t0.Add(2*time.Hour))); err != nil {
		t.Fatal(err)
	}
	msgs := s.Messages()
	if len(msgs) != 3 || msgs[2].ID != "b4" {
		t.Errorf("messages = %v", msgs)
	}
	if len(s.Notifications()) != 0 {
		t.Error("messages in the open conversation should not notify")
	}

	if err := s.Open(ctx, "c-alice"); err != nil {
		t.Fatal(err)
	}
	want := []string{protocol.TypeJoinConversation, protocol.TypeLeaveConversation, protocol.TypeJoinConversation}
	if got := em.types(); !equal(got, want) {
		t.Errorf("emitted %v, want %v", got, want)
	}
}

func TestSendPersistsEmitsAndAppends(t *testing.T) {
	s, api, em := newTestSession(t)
	ctx := context.Background()

	if err := s.Open(ctx, "c-bob"); err != nil {
		t.Fatal(err)
	}
	sent, err := s.Send(ctx, "hello")
	if err != nil {
		t.Fatal(err)
	}

	if len(api.sent) != 1 {
		t.Fatalf("REST sends = %d", len(api.sent))
	}
	em.mu.Lock()
	last := em.events[len(em.events)-1]
	em.mu.Unlock()
	p, ok := last.Data.(protocol.SendMessage)
	if last.Type != protocol.TypeSendMessage || !ok {
		t.Fatalf("last emit = %+v", last)
	}
	if p.MessageID != sent.ID || p.ReceiverID != "bob" || p.SenderID != "me" {
		t.Errorf("emitted %+v", p)
	}

	// The server's confirmation carries the same id and must not duplicate it.
	if err := s.HandleIncoming(ctx, *sent); err != nil {
		t.Fatal(err)
	}
	msgs := s.Messages()
	if len(msgs) != 3 || msgs[2].Text != "hello" {
		t.Errorf("messages = %v", msgs)
	}
	if s.Conversations()[0].ID != "c-bob" {
		t.Error("sending should move the conversation to the front")
	}
	if len(s.Notifications()) != 0 {
		t.Error("own messages never notify")
	}
}

func TestSendFailureChangesNothing(t *testing.T) {
	s, api, em := newTestSession(t)
	ctx := context.Background()

	if _, err := s.Send(ctx, "nobody listening"); !errors.Is(err, ErrNoOpenConversation) {
		t.Errorf("no open conversation: got %v", err)
	}

	if err := s.Open(ctx, "c-bob"); err != nil {
		t.Fatal(err)
	}
	before := len(em.types())
	api.sendErr = &APIError{StatusCode: 400, Message: "text is required"}

	if _, err := s.Send(ctx, ""); !errors.Is(err, domain.ErrInvalid) {
		t.Errorf("got %v, want ErrInvalid", err)
	}
	if len(em.types()) != before {
		t.Error("failed send must not emit")
	}
	if len(s.Messages()) != 2 {
		t.Errorf("messages = %v", s.Messages())
	}
	if s.Conversations()[0].ID != "c-alice" {
		t.Error("failed send must not reorder the list")
	}
}

func TestHandleEvents(t *testing.T) {
	s, _, _ := newTestSession(t)
	ctx := context.Background()

	mustEnv := func(eventType string, data any) protocol.Envelope {
		t.Helper()
		frame, err := protocol.Encode(eventType, data)
		if err != nil {
			t.Fatal(err)
		}
		env, err := protocol.DecodeEnvelope(frame)
		if err != nil {
			t.Fatal(err)
		}
		return env
	}

	if err := s.HandleEvent(ctx, mustEnv(protocol.TypeGetUsers, []presence.Entry{{UserID: "bob", ConnectionID: "c"}})); err != nil {
		t.Fatal(err)
	}
	if !s.IsOnline("bob") || s.IsOnline("alice") {
		t.Errorf("online = %v", s.Online())
	}

	if err := s.HandleEvent(ctx, mustEnv(protocol.TypeTyping, protocol.Typing{ConversationID: "c-bob", UserID: "bob"})); err != nil {
		t.Fatal(err)
	}
	if got := s.Typing("c-bob"); !equal(got, []string{"bob"}) {
		t.Errorf("typing = %v", got)
	}
	if err := s.HandleEvent(ctx, mustEnv(protocol.TypeStopTyping, protocol.Typing{ConversationID: "c-bob", UserID: "bob"})); err != nil {
		t.Fatal(err)
	}
	if got := s.Typing("c-bob"); len(got) != 0 {
		t.Errorf("typing after stop = %v", got)
	}

	if err := s.Open(ctx, "c-bob"); err != nil {
		t.Fatal(err)
	}
	if err := s.HandleEvent(ctx, mustEnv(protocol.TypeMessagesRead, protocol.MessagesRead{
		ConversationID: "c-bob", ReaderID: "bob", MessageIDs: []string{"b2"},
	})); err != nil {
		t.Fatal(err)
	}
	for _, m := range s.Messages() {
		if m.ID == "b2" && (!m.Read || !m.IsReadBy("bob")) {
			t.Errorf("b2 should be read by bob: %+v", m)
		}
	}

	if err := s.HandleEvent(ctx, mustEnv(protocol.TypeError, protocol.Error{Code: protocol.CodeForbidden, RequestType: "addUser"})); err != nil {
		t.Fatal(err)
	}
	if e := s.LastError(); e == nil || e.Code != protocol.CodeForbidden {
		t.Errorf("last error = %+v", e)
	}

	if err := s.HandleEvent(ctx, mustEnv(protocol.TypeGetMessage, msg("b9", "c-bob", "bob", t0.Add(time.Hour)))); err != nil {
		t.Fatal(err)
	}
	if msgs := s.Messages(); msgs[len(msgs)-1].ID != "b9" {
		t.Errorf("getMessage not merged: %v", msgs)
	}
}

func TestSendInConversationStartedAfterLoad(t *testing.T) {
	s, api, em := newTestSession(t)
	ctx := context.Background()

	// Started by this user after the list was loaded.
	api.mu.Lock()
	api.convs = append(api.convs, summary("c-new", "erin", t0))
	api.mu.Unlock()

	if err := s.Open(ctx, "c-new"); err != nil {
		t.Fatal(err)
	}
	sent, err := s.Send(ctx, "hi")
	if err != nil {
		t.Fatal(err)
	}

	em.mu.Lock()
	last := em.events[len(em.events)-1]
	em.mu.Unlock()
	p, ok := last.Data.(protocol.SendMessage)
	if last.Type != protocol.TypeSendMessage || !ok {
		t.Fatalf("emitted %v, want a sendMessage last", em.types())
	}
	if p.ReceiverID != "erin" || p.MessageID != sent.ID || p.ConversationID != "c-new" {
		t.Errorf("emitted %+v", p)
	}

	if msgs := s.Messages(); len(msgs) != 1 || msgs[0].ID != sent.ID {
		t.Errorf("messages = %v", msgs)
	}
	views := s.Conversations()
	if views[0].ID != "c-new" || views[0].LastMessage == nil || views[0].LastMessage.ID != sent.ID {
		t.Errorf("first view = %+v", views[0])
	}
	if views[0].Unread != 0 || len(s.Notifications()) != 0 {
		t.Error("own message in the open conversation must not count as unread")
	}
}

func TestRepeatedMessageDoesNotReorder(t *testing.T) {
	s, _, _ := newTestSession(t)
	ctx := context.Background()

	x1 := msg("x1", "c-carol", "carol", t0.Add(3*time.Minute))
	y1 := msg("y1", "c-bob", "bob", t0.Add(4*time.Minute))
	for _, m := range []domain.Message{x1, y1, x1} {
		if err := s.HandleIncoming(ctx, m); err != nil {
			t.Fatal(err)
		}
	}

	views := s.Conversations()
	if got := ids(views); !equal(got, []string{"c-bob", "c-carol", "c-alice"}) {
		t.Errorf("order = %v", got)
	}
	if views[1].Unread != 1 {
		t.Errorf("c-carol unread = %d, want 1", views[1].Unread)
	}
}

func TestOpenUnknownConversationFails(t *testing.T) {
	s, _, em := newTestSession(t)

	if err := s.Open(context.Background(), "c-missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
	if s.OpenConversation() != "" || len(em.types()) != 0 {
		t.Error("a failed open must not change the active conversation")
	}
}

type chanSource struct {
	ch  chan protocol.Envelope
	err error
}

func (c *chanSource) Events() <-chan protocol.Envelope { return c.ch }
func (c *chanSource) Err() error                       { return c.err }

func TestRunStopsWhenSourceCloses(t *testing.T) {
	s, _, _ := newTestSession(t)
	src := &chanSource{ch: make(chan protocol.Envelope, 1), err: ErrSessionReplaced}

	frame, err := protocol.Encode(protocol.TypeGetUsers, []presence.Entry{{UserID: "alice"}})
	if err != nil {
		t.Fatal(err)
	}
	env, err := protocol.DecodeEnvelope(frame)
	if err != nil {
		t.Fatal(err)
	}
	src.ch <- env
	close(src.ch)

	if err := Run(context.Background(), s, src); !errors.Is(err, ErrSessionReplaced) {
		t.Errorf("Run = %v, want ErrSessionReplaced", err)
	}
	if !s.IsOnline("alice") {
		t.Error("event before close should be applied")
	}
}
