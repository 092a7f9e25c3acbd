package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/matestay/matestay-chat/internal/domain"
	"github.com/matestay/matestay-chat/internal/presence"
	"github.com/matestay/matestay-chat/internal/protocol"
)

// ErrNoOpenConversation is returned by Send when no conversation is open.
var ErrNoOpenConversation = errors.New("no conversation is open")

// API is the REST surface a Session needs. *Client implements it.
type API interface {
	Conversations(ctx context.Context) ([]domain.ConversationSummary, error)
	Messages(ctx context.Context, conversationID string) ([]domain.Message, error)
	SendMessage(ctx context.Context, conversationID, senderID, text string) (*domain.Message, error)
	MarkRead(ctx context.Context, conversationID string) (int, error)
	Conversation(ctx context.Context, conversationID string) (*domain.Conversation, error)
	User(ctx context.Context, userID string) (*domain.User, error)
}

// Emitter sends realtime events. *Socket implements it.
type Emitter interface {
	Emit(ctx context.Context, eventType string, data any) error
}

// State is the lifecycle of the conversation list.
type State int

// Session states.
const (
	StateIdle State = iota
	StateLoading
	StateLoaded
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateLoaded:
		return "loaded"
	default:
		return "idle"
	}
}

// ConversationView is one row of the conversation list.
type ConversationView struct {
	ID          string
	Members     []string
	OtherID     string
	OtherName   string
	LastMessage *domain.Message
	UpdatedAt   time.Time
	Unread      int
}

// Notification announces a message in a conversation that is not open.
type Notification struct {
	ConversationID string
	SenderID       string
	SenderName     string
	Text           string
}

// Session reconciles REST history with pushed events for one signed-in user.
// It is safe for concurrent use.
type Session struct {
	userID string
	api    API
	emit   Emitter

	mu            sync.Mutex
	state         State
	views         []ConversationView
	openID        string
	openOther     string
	messages      []domain.Message
	messageIDs    map[string]struct{}
	applied       map[string]struct{}
	counted       map[string]struct{}
	notifications []Notification
	online        []presence.Entry
	typing        map[string]map[string]struct{}
	profiles      map[string]string
	lastErr       *protocol.Error
}

// NewSession creates a session for userID.
func NewSession(userID string, api API, emit Emitter) *Session {
	return &Session{
		userID:     userID,
		api:        api,
		emit:       emit,
		messageIDs: make(map[string]struct{}),
		applied:    make(map[string]struct{}),
		counted:    make(map[string]struct{}),
		typing:     make(map[string]map[string]struct{}),
		profiles:   make(map[string]string),
	}
}

// Announce registers the user as online.
func (s *Session) Announce(ctx context.Context) error {
	return s.emit.Emit(ctx, protocol.TypeAddUser, protocol.AddUser{UserID: s.userID})
}

// Load refetches the conversation list. Unread counts survive the refetch.
func (s *Session) Load(ctx context.Context) error {
	s.mu.Lock()
	s.state = StateLoading
	s.mu.Unlock()

	summaries, err := s.api.Conversations(ctx)
	if err != nil {
		s.mu.Lock()
		if len(s.views) > 0 {
			s.state = StateLoaded
		} else {
			s.state = StateIdle
		}
		s.mu.Unlock()
		return fmt.Errorf("load conversations: %w", err)
	}

	views := make([]ConversationView, 0, len(summaries))
	for _, sum := range summaries {
		other := sum.OtherMember(s.userID)
		views = append(views, ConversationView{
			ID:          sum.ID,
			Members:     append([]string(nil), sum.Members...),
			OtherID:     other,
			OtherName:   s.profileName(ctx, other),
			LastMessage: sum.LastMessage,
			UpdatedAt:   sum.UpdatedAt,
		})
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	previous := make(map[string]int, len(s.views))
	for _, v := range s.views {
		previous[v.ID] = v.Unread
	}
	for i := range views {
		v := &views[i]
		if n, ok := previous[v.ID]; ok {
			v.Unread = n
		} else if v.LastMessage != nil && v.ID != s.openID && !v.LastMessage.IsReadBy(s.userID) {
			v.Unread = 1
			s.counted[v.LastMessage.ID] = struct{}{}
		}
	}
	s.views = views
	s.state = StateLoaded
	return nil
}

// Open makes conversationID the active conversation: loads its history, joins its
// typing room, clears its notification and marks it read.
func (s *Session) Open(ctx context.Context, conversationID string) error {
	msgs, err := s.api.Messages(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("load messages: %w", err)
	}
	other, err := s.otherMember(ctx, conversationID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	previous := s.openID
	s.openID = conversationID
	s.openOther = other
	s.messages = s.messages[:0]
	s.messageIDs = make(map[string]struct{}, len(msgs))
	for _, m := range msgs {
		s.mergeLocked(m)
		s.applied[m.ID] = struct{}{}
	}
	s.clearNotificationLocked(conversationID)
	if i := s.indexLocked(conversationID); i >= 0 {
		s.views[i].Unread = 0
	}
	s.mu.Unlock()

	if previous != "" && previous != conversationID {
		s.emitLogged(ctx, protocol.TypeLeaveConversation, protocol.Room{ConversationID: previous})
	}
	s.emitLogged(ctx, protocol.TypeJoinConversation, protocol.Room{ConversationID: conversationID})

	if _, err := s.api.MarkRead(ctx, conversationID); err != nil {
		slog.Warn("Failed to mark conversation read", "conversation_id", conversationID, "error", err)
	}
	return nil
}

// CloseConversation leaves the active conversation.
func (s *Session) CloseConversation(ctx context.Context) {
	s.mu.Lock()
	id := s.openID
	s.openID = ""
	s.openOther = ""
	s.messages = nil
	s.messageIDs = make(map[string]struct{})
	s.mu.Unlock()

	if id != "" {
		s.emitLogged(ctx, protocol.TypeLeaveConversation, protocol.Room{ConversationID: id})
	}
}

// Send persists text in the open conversation, asks the server to deliver it and
// appends it locally. When persisting fails nothing changes locally and nothing is
// emitted.
func (s *Session) Send(ctx context.Context, text string) (*domain.Message, error) {
	s.mu.Lock()
	convID := s.openID
	receiverID := s.openOther
	s.mu.Unlock()

	if convID == "" {
		return nil, ErrNoOpenConversation
	}

	msg, err := s.api.SendMessage(ctx, convID, s.userID, text)
	if err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}

	if receiverID != "" {
		s.emitLogged(ctx, protocol.TypeSendMessage, protocol.SendMessage{
			MessageID:      msg.ID,
			SenderID:       s.userID,
			ReceiverID:     receiverID,
			ConversationID: convID,
			Text:           msg.Text,
		})
	}

	s.mu.Lock()
	known := s.applyLocked(*msg)
	s.mu.Unlock()
	if !known {
		// Started after the last load: refetch so the list shows it.
		if err := s.Load(ctx); err != nil {
			slog.Warn("Failed to refresh conversations after send", "conversation_id", convID, "error", err)
			return msg, nil
		}
		s.mu.Lock()
		s.applyLocked(*msg)
		s.mu.Unlock()
	}
	return msg, nil
}

// otherMember returns the member of conversationID that is not the session user,
// asking the server when the conversation is not in the list.
func (s *Session) otherMember(ctx context.Context, conversationID string) (string, error) {
	s.mu.Lock()
	i := s.indexLocked(conversationID)
	other := ""
	if i >= 0 {
		other = s.views[i].OtherID
	}
	s.mu.Unlock()
	if i >= 0 {
		return other, nil
	}

	conv, err := s.api.Conversation(ctx, conversationID)
	if err != nil {
		return "", fmt.Errorf("load conversation: %w", err)
	}
	return conv.OtherMember(s.userID), nil
}

// HandleIncoming applies a pushed message. A message for a conversation the session
// does not know triggers a full refetch.
func (s *Session) HandleIncoming(ctx context.Context, msg domain.Message) error {
	s.mu.Lock()
	known := s.applyLocked(msg)
	s.mu.Unlock()
	if known {
		return nil
	}

	if err := s.Load(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	s.applyLocked(msg)
	s.mu.Unlock()
	return nil
}

// HandleEvent dispatches one realtime event.
func (s *Session) HandleEvent(ctx context.Context, env protocol.Envelope) error {
	switch env.Type {
	case protocol.TypeGetMessage, protocol.TypeMessageSent:
		var msg domain.Message
		if err := protocol.DecodeData(env, &msg); err != nil {
			return err
		}
		return s.HandleIncoming(ctx, msg)

	case protocol.TypeGetUsers:
		var online []presence.Entry
		if err := protocol.DecodeData(env, &online); err != nil {
			return err
		}
		s.mu.Lock()
		s.online = online
		s.mu.Unlock()

	case protocol.TypeTyping, protocol.TypeStopTyping:
		var p protocol.Typing
		if err := protocol.DecodeData(env, &p); err != nil {
			return err
		}
		s.mu.Lock()
		users := s.typing[p.ConversationID]
		if env.Type == protocol.TypeTyping {
			if users == nil {
				users = make(map[string]struct{})
				s.typing[p.ConversationID] = users
			}
			users[p.UserID] = struct{}{}
		} else if users != nil {
			delete(users, p.UserID)
		}
		s.mu.Unlock()

	case protocol.TypeMessagesRead:
		var p protocol.MessagesRead
		if err := protocol.DecodeData(env, &p); err != nil {
			return err
		}
		s.mu.Lock()
		s.markReadLocked(p)
		s.mu.Unlock()

	case protocol.TypeError:
		var p protocol.Error
		if err := protocol.DecodeData(env, &p); err != nil {
			return err
		}
		slog.Warn("Server rejected event", "code", p.Code, "request_type", p.RequestType, "message", p.Message)
		s.mu.Lock()
		s.lastErr = &p
		s.mu.Unlock()

	default:
		slog.Debug("Ignoring unknown event", "type", env.Type)
	}
	return nil
}

// applyLocked updates the list and the open conversation for msg. It reports false
// when the conversation is not in the list. A message applied before changes nothing.
func (s *Session) applyLocked(msg domain.Message) bool {
	if _, ok := s.applied[msg.ID]; ok {
		return true
	}
	if msg.ConversationID == s.openID {
		s.mergeLocked(msg)
	}
	i := s.indexLocked(msg.ConversationID)
	if i < 0 {
		return false
	}
	s.applied[msg.ID] = struct{}{}

	v := s.views[i]
	if v.LastMessage == nil || !msg.CreatedAt.Before(v.LastMessage.CreatedAt) {
		m := msg
		v.LastMessage = &m
	}
	if msg.CreatedAt.After(v.UpdatedAt) {
		v.UpdatedAt = msg.CreatedAt
	}

	if msg.ConversationID != s.openID && msg.SenderID != s.userID {
		if _, ok := s.counted[msg.ID]; !ok {
			s.counted[msg.ID] = struct{}{}
			v.Unread++
		}
		s.notifyLocked(v, msg)
	}

	// Stable move-to-front.
	copy(s.views[1:i+1], s.views[:i])
	s.views[0] = v
	return true
}

func (s *Session) mergeLocked(msg domain.Message) {
	if _, ok := s.messageIDs[msg.ID]; ok {
		return
	}
	s.messageIDs[msg.ID] = struct{}{}
	s.messages = append(s.messages, msg)
}

func (s *Session) notifyLocked(v ConversationView, msg domain.Message) {
	for _, n := range s.notifications {
		if n.ConversationID == v.ID {
			return
		}
	}
	s.notifications = append(s.notifications, Notification{
		ConversationID: v.ID,
		SenderID:       msg.SenderID,
		SenderName:     v.OtherName,
		Text:           msg.Text,
	})
}

func (s *Session) clearNotificationLocked(conversationID string) {
	kept := s.notifications[:0]
	for _, n := range s.notifications {
		if n.ConversationID != conversationID {
			kept = append(kept, n)
		}
	}
	s.notifications = kept
}

func (s *Session) markReadLocked(p protocol.MessagesRead) {
	ids := make(map[string]struct{}, len(p.MessageIDs))
	for _, id := range p.MessageIDs {
		ids[id] = struct{}{}
	}
	mark := func(m *domain.Message) {
		if _, ok := ids[m.ID]; !ok || m.IsReadBy(p.ReaderID) {
			return
		}
		m.ReadBy = append(m.ReadBy, p.ReaderID)
		m.Read = true
	}
	if p.ConversationID == s.openID {
		for i := range s.messages {
			mark(&s.messages[i])
		}
	}
	if i := s.indexLocked(p.ConversationID); i >= 0 && s.views[i].LastMessage != nil {
		m := *s.views[i].LastMessage
		m.ReadBy = append([]string(nil), m.ReadBy...)
		mark(&m)
		s.views[i].LastMessage = &m
	}
}

func (s *Session) indexLocked(conversationID string) int {
	if conversationID == "" {
		return -1
	}
	for i := range s.views {
		if s.views[i].ID == conversationID {
			return i
		}
	}
	return -1
}

func (s *Session) profileName(ctx context.Context, userID string) string {
	if userID == "" {
		return ""
	}
	s.mu.Lock()
	name, ok := s.profiles[userID]
	s.mu.Unlock()
	if ok {
		return name
	}

	u, err := s.api.User(ctx, userID)
	if err != nil {
		slog.Debug("Profile lookup failed", "user_id", userID, "error", err)
		return userID
	}
	name = u.Name()
	s.mu.Lock()
	s.profiles[userID] = name
	s.mu.Unlock()
	return name
}

func (s *Session) emitLogged(ctx context.Context, eventType string, data any) {
	if s.emit == nil {
		return
	}
	if err := s.emit.Emit(ctx, eventType, data); err != nil {
		slog.Warn("Failed to emit event", "type", eventType, "error", err)
	}
}

// State returns the list lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Conversations returns a copy of the conversation list, most recent first.
func (s *Session) Conversations() []ConversationView {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ConversationView(nil), s.views...)
}

// OpenConversation returns the active conversation id.
func (s *Session) OpenConversation() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openID
}

// Messages returns a copy of the open conversation's messages.
func (s *Session) Messages() []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Message(nil), s.messages...)
}

// Notifications returns pending notifications, at most one per conversation.
func (s *Session) Notifications() []Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Notification(nil), s.notifications...)
}

// Online returns the last presence list received.
func (s *Session) Online() []presence.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]presence.Entry(nil), s.online...)
}

// IsOnline reports whether userID appeared in the last presence list.
func (s *Session) IsOnline(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.online {
		if e.UserID == userID {
			return true
		}
	}
	return false
}

// Typing returns the users typing in a conversation, sorted.
func (s *Session) Typing(conversationID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	users := make([]string, 0, len(s.typing[conversationID]))
	for id := range s.typing[conversationID] {
		users = append(users, id)
	}
	sort.Strings(users)
	return users
}

// LastError returns the most recent rejection reported by the server.
func (s *Session) LastError() *protocol.Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// EventSource delivers realtime events. *Socket implements it.
type EventSource interface {
	Events() <-chan protocol.Envelope
	Err() error
}

// Run feeds events from src into s until the context ends or the source closes.
func Run(ctx context.Context, s *Session, src EventSource) error {
	events := src.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env, ok := <-events:
			if !ok {
				return src.Err()
			}
			if err := s.HandleEvent(ctx, env); err != nil {
				slog.Warn("Failed to handle event", "type", env.Type, "error", err)
			}
		}
	}
}
