package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/matestay/matestay-chat/internal/domain"
	"github.com/matestay/matestay-chat/internal/presence"
	"github.com/matestay/matestay-chat/internal/protocol"
)

// Conversations is the slice of the chat service the hub needs to authorize events.
type Conversations interface {
	Conversation(ctx context.Context, callerID, conversationID string) (*domain.Conversation, error)
	Message(ctx context.Context, callerID, messageID string) (*domain.Message, error)
	Seen(ctx context.Context, userID string)
}

// Options tune connection behaviour. Zero fields take DefaultOptions; a negative
// EventLimit disables inbound rate limiting.
type Options struct {
	SendBuffer   int
	PingInterval time.Duration
	WriteTimeout time.Duration
	EventLimit   int
	EventWindow  time.Duration
	ReadLimit    int64
}

// DefaultOptions are used for zero fields in the options passed to NewHub.
var DefaultOptions = Options{
	SendBuffer:   64,
	PingInterval: 30 * time.Second,
	WriteTimeout: 10 * time.Second,
	EventLimit:   30,
	EventWindow:  10 * time.Second,
	ReadLimit:    64 << 10,
}

func (o Options) withDefaults() Options {
	if o.SendBuffer <= 0 {
		o.SendBuffer = DefaultOptions.SendBuffer
	}
	if o.PingInterval == 0 {
		o.PingInterval = DefaultOptions.PingInterval
	}
	if o.WriteTimeout == 0 {
		o.WriteTimeout = DefaultOptions.WriteTimeout
	}
	if o.EventLimit == 0 {
		o.EventLimit = DefaultOptions.EventLimit
	}
	if o.EventWindow == 0 {
		o.EventWindow = DefaultOptions.EventWindow
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = DefaultOptions.ReadLimit
	}
	return o
}

// Hub routes events between connections. Presence lives in the injected registry;
// the hub owns the set of open connections and the typing rooms.
type Hub struct {
	registry *presence.Registry
	convs    Conversations
	limiter  *RateLimiter
	opts     Options

	mu        sync.RWMutex
	conns     map[*Conn]struct{}
	rooms     map[string]map[*Conn]struct{}
	connRooms map[*Conn]map[string]struct{}
	closed    bool
}

// NewHub creates a hub over the given registry and conversation source.
func NewHub(registry *presence.Registry, convs Conversations, opts Options) *Hub {
	opts = opts.withDefaults()
	return &Hub{
		registry:  registry,
		convs:     convs,
		limiter:   NewRateLimiter(opts.EventLimit, opts.EventWindow),
		opts:      opts,
		conns:     make(map[*Conn]struct{}),
		rooms:     make(map[string]map[*Conn]struct{}),
		connRooms: make(map[*Conn]map[string]struct{}),
	}
}

// Online returns the current presence list.
func (h *Hub) Online() []presence.Entry {
	return h.registry.Online()
}

// attach tracks a newly accepted connection. It reports false after Close.
func (h *Hub) attach(c *Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.conns[c] = struct{}{}
	return true
}

// detach forgets a closed connection, drops it from presence and tells everyone else.
func (h *Hub) detach(c *Conn) {
	h.mu.Lock()
	delete(h.conns, c)
	h.leaveAllLocked(c)
	h.mu.Unlock()

	if userID, ok := h.registry.Unregister(c); ok {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		h.convs.Seen(ctx, userID)
		cancel()
		h.broadcastPresence()
	}
}

// Close disconnects every client and clears presence.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	conns := make([]*Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.conns = make(map[*Conn]struct{})
	h.rooms = make(map[string]map[*Conn]struct{})
	h.connRooms = make(map[*Conn]map[string]struct{})
	h.mu.Unlock()

	h.registry.Close()
	h.limiter.Stop()
	for _, c := range conns {
		c.Close(websocket.StatusGoingAway, "server shutdown")
	}
	slog.Info("Realtime hub closed", "connections", len(conns))
}

// NotifyUser pushes an event to the user's current connection. It reports whether
// the user was online.
func (h *Hub) NotifyUser(userID, eventType string, data any) bool {
	handle, ok := h.registry.Lookup(userID)
	if !ok {
		return false
	}
	c, ok := handle.(*Conn)
	if !ok {
		return false
	}
	payload, err := protocol.Encode(eventType, data)
	if err != nil {
		slog.Error("Failed to encode event", "type", eventType, "error", err)
		return false
	}
	return c.Send(payload) == nil
}

// HandleFrame decodes and dispatches one inbound frame from c.
func (h *Hub) HandleFrame(ctx context.Context, c *Conn, frame []byte) {
	env, err := protocol.DecodeEnvelope(frame)
	if err != nil {
		h.reject(c, "", err)
		return
	}

	switch env.Type {
	case protocol.TypeAddUser:
		var p protocol.AddUser
		if err := protocol.DecodeData(env, &p); err != nil {
			h.reject(c, env.Type, err)
			return
		}
		h.handleAddUser(c, p, env.Type)

	case protocol.TypeSendMessage:
		if !h.limiter.Allow(c.userID) {
			h.rateLimited(c, env.Type)
			return
		}
		var p protocol.SendMessage
		if err := protocol.DecodeData(env, &p); err != nil {
			h.reject(c, env.Type, err)
			return
		}
		if err := h.handleSendMessage(ctx, c, p); err != nil {
			h.reject(c, env.Type, err)
		}

	case protocol.TypeJoinConversation:
		var p protocol.Room
		if err := protocol.DecodeData(env, &p); err != nil {
			h.reject(c, env.Type, err)
			return
		}
		if _, err := h.convs.Conversation(ctx, c.userID, p.ConversationID); err != nil {
			h.reject(c, env.Type, err)
			return
		}
		h.join(p.ConversationID, c)

	case protocol.TypeLeaveConversation:
		var p protocol.Room
		if err := protocol.DecodeData(env, &p); err != nil {
			h.reject(c, env.Type, err)
			return
		}
		h.leave(p.ConversationID, c)

	case protocol.TypeTyping, protocol.TypeStopTyping:
		if !h.limiter.Allow(c.userID) {
			h.rateLimited(c, env.Type)
			return
		}
		var p protocol.Typing
		if err := protocol.DecodeData(env, &p); err != nil {
			h.reject(c, env.Type, err)
			return
		}
		if p.UserID != c.userID {
			h.reject(c, env.Type, domain.ErrForbidden)
			return
		}
		if !h.inRoom(p.ConversationID, c) {
			h.reject(c, env.Type, fmt.Errorf("%w: join the conversation first", domain.ErrInvalid))
			return
		}
		h.broadcastRoom(p.ConversationID, env.Type, p, c)

	default:
		h.reject(c, env.Type, protocol.ErrInvalidEvent)
	}
}

func (h *Hub) handleAddUser(c *Conn, p protocol.AddUser, eventType string) {
	if p.UserID != c.userID {
		h.reject(c, eventType, domain.ErrForbidden)
		return
	}

	if prev := h.registry.Register(c.userID, c); prev != nil {
		if old, ok := prev.(*Conn); ok {
			h.mu.Lock()
			h.leaveAllLocked(old)
			h.mu.Unlock()
			old.Close(StatusSessionReplaced, "session replaced")
		}
	}
	h.broadcastPresence()
}

// handleSendMessage forwards a message the sender already persisted over REST. The
// stored copy is what gets delivered, so the payload text is only advisory.
func (h *Hub) handleSendMessage(ctx context.Context, c *Conn, p protocol.SendMessage) error {
	if p.SenderID != c.userID {
		return domain.ErrForbidden
	}

	msg, err := h.convs.Message(ctx, c.userID, p.MessageID)
	if err != nil {
		return err
	}
	if msg.ConversationID != p.ConversationID || msg.SenderID != c.userID {
		return domain.ErrForbidden
	}
	conv, err := h.convs.Conversation(ctx, c.userID, p.ConversationID)
	if err != nil {
		return err
	}
	if conv.OtherMember(c.userID) != p.ReceiverID {
		return domain.ErrInvalid
	}

	handle, ok := h.registry.Lookup(p.ReceiverID)
	if !ok {
		slog.Debug("Receiver offline, relying on stored copy", "conversation_id", p.ConversationID, "receiver_id", p.ReceiverID)
		return nil
	}
	receiver, ok := handle.(*Conn)
	if !ok {
		return nil
	}

	deliver, err := protocol.Encode(protocol.TypeGetMessage, msg)
	if err != nil {
		return err
	}
	if err := receiver.Send(deliver); err != nil {
		slog.Info("Message delivery failed", "conversation_id", p.ConversationID, "receiver_id", p.ReceiverID, "error", err)
		return nil
	}

	if receiver != c {
		sent, err := protocol.Encode(protocol.TypeMessageSent, msg)
		if err != nil {
			return err
		}
		if err := c.Send(sent); err != nil {
			slog.Debug("Sent confirmation dropped", "user_id", c.userID, "error", err)
		}
	}
	return nil
}

func (h *Hub) broadcastPresence() {
	payload, err := protocol.Encode(protocol.TypeGetUsers, h.registry.Online())
	if err != nil {
		slog.Error("Failed to encode presence", "error", err)
		return
	}

	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		_ = c.Send(payload)
	}
}

func (h *Hub) join(conversationID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[c]; !ok {
		return
	}

	room := h.rooms[conversationID]
	if room == nil {
		room = make(map[*Conn]struct{})
		h.rooms[conversationID] = room
	}
	room[c] = struct{}{}

	memberships := h.connRooms[c]
	if memberships == nil {
		memberships = make(map[string]struct{})
		h.connRooms[c] = memberships
	}
	memberships[conversationID] = struct{}{}
}

func (h *Hub) leave(conversationID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(conversationID, c)
}

func (h *Hub) inRoom(conversationID string, c *Conn) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.rooms[conversationID][c]
	return ok
}

func (h *Hub) broadcastRoom(conversationID, eventType string, data any, exclude *Conn) int {
	payload, err := protocol.Encode(eventType, data)
	if err != nil {
		slog.Error("Failed to encode room event", "type", eventType, "error", err)
		return 0
	}

	h.mu.RLock()
	targets := make([]*Conn, 0, len(h.rooms[conversationID]))
	for c := range h.rooms[conversationID] {
		if c != exclude {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	delivered := 0
	for _, c := range targets {
		if c.Send(payload) == nil {
			delivered++
		}
	}
	return delivered
}

func (h *Hub) leaveAllLocked(c *Conn) {
	for conversationID := range h.connRooms[c] {
		h.leaveLocked(conversationID, c)
	}
	delete(h.connRooms, c)
}

func (h *Hub) leaveLocked(conversationID string, c *Conn) {
	if room := h.rooms[conversationID]; room != nil {
		delete(room, c)
		if len(room) == 0 {
			delete(h.rooms, conversationID)
		}
	}
	if memberships, ok := h.connRooms[c]; ok {
		delete(memberships, conversationID)
		if len(memberships) == 0 {
			delete(h.connRooms, c)
		}
	}
}

func (h *Hub) rateLimited(c *Conn, eventType string) {
	h.sendError(c, protocol.Error{
		Code:        protocol.CodeRateLimited,
		Message:     "too many events, slow down",
		RequestType: eventType,
	})
}

func (h *Hub) reject(c *Conn, eventType string, err error) {
	e := protocol.Error{Code: protocol.CodeBadRequest, Message: err.Error(), RequestType: eventType}
	switch {
	case errors.Is(err, domain.ErrNotFound):
		e.Code = protocol.CodeNotFound
	case errors.Is(err, domain.ErrForbidden):
		e.Code = protocol.CodeForbidden
		e.Message = "not allowed"
	case errors.Is(err, domain.ErrInvalid), errors.Is(err, protocol.ErrInvalidEvent):
	default:
		slog.Error("Realtime event failed", "type", eventType, "user_id", c.userID, "error", err)
		e.Code = protocol.CodeInternal
		e.Message = "internal error"
	}
	h.sendError(c, e)
}

func (h *Hub) sendError(c *Conn, e protocol.Error) {
	payload, err := protocol.Encode(protocol.TypeError, e)
	if err != nil {
		return
	}
	_ = c.Send(payload)
}
