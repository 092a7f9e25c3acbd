// Package chat enforces conversation membership and message rules on top of the
// repository. HTTP handlers and the realtime hub both go through it.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/matestay/matestay-chat/internal/domain"
	"github.com/matestay/matestay-chat/internal/store"
)

// Service implements the chat use cases for an authenticated caller.
type Service struct {
	repo             store.Repository
	maxMessageLength int
}

// NewService creates a chat service. maxMessageLength of zero disables the limit.
func NewService(repo store.Repository, maxMessageLength int) *Service {
	return &Service{repo: repo, maxMessageLength: maxMessageLength}
}

// EnsureUser creates the caller's profile from token claims, or refreshes it when the
// username claim changed.
func (s *Service) EnsureUser(ctx context.Context, userID, username string) error {
	if userID == "" {
		return fmt.Errorf("%w: user id is required", domain.ErrInvalid)
	}
	existing, err := s.repo.GetUser(ctx, userID)
	switch {
	case err == nil && (username == "" || existing.Username == username):
		return nil
	case err != nil && !errors.Is(err, domain.ErrNotFound):
		return err
	}

	now := time.Now()
	return s.repo.UpsertUser(ctx, &domain.User{
		ID:         userID,
		Username:   username,
		LastSeenAt: now,
		CreatedAt:  now,
		UpdatedAt:  now,
	})
}

// User returns a profile by id.
func (s *Service) User(ctx context.Context, userID string) (*domain.User, error) {
	return s.repo.GetUser(ctx, userID)
}

// Seen records the caller's last activity. Failures are logged only.
func (s *Service) Seen(ctx context.Context, userID string) {
	if err := s.repo.UpdateLastSeen(ctx, userID, time.Now()); err != nil {
		slog.Warn("Failed to update last seen", "user_id", userID, "error", err)
	}
}

// StartConversation returns the caller's conversation with receiverID, creating it
// when needed. created reports whether a new conversation was stored.
func (s *Service) StartConversation(ctx context.Context, callerID, receiverID string) (*domain.Conversation, bool, error) {
	if _, _, err := domain.MemberPair(callerID, receiverID); err != nil {
		return nil, false, err
	}
	if _, err := s.repo.GetUser(ctx, receiverID); err != nil {
		return nil, false, fmt.Errorf("receiver %s: %w", receiverID, err)
	}

	conv, created, err := s.repo.CreateOrFindConversation(ctx, callerID, receiverID)
	if err != nil {
		return nil, false, err
	}
	if created {
		slog.Info("Conversation created", "conversation_id", conv.ID, "user_id", callerID, "receiver_id", receiverID)
	}
	return conv, created, nil
}

// Conversations lists the caller's conversations, most recently active first.
func (s *Service) Conversations(ctx context.Context, callerID string) ([]domain.ConversationSummary, error) {
	return s.repo.ListConversations(ctx, callerID)
}

// Conversation returns a conversation the caller belongs to.
func (s *Service) Conversation(ctx context.Context, callerID, conversationID string) (*domain.Conversation, error) {
	conv, err := s.repo.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.HasMember(callerID) {
		return nil, fmt.Errorf("conversation %s: %w", conversationID, domain.ErrForbidden)
	}
	return conv, nil
}

// SendMessage persists a message from the caller. senderID may be empty, in which case
// the caller is the sender; otherwise it must match the caller.
func (s *Service) SendMessage(ctx context.Context, callerID, conversationID, senderID, text string) (*domain.Message, error) {
	if senderID != "" && senderID != callerID {
		return nil, fmt.Errorf("%w: sender does not match the authenticated user", domain.ErrForbidden)
	}
	if conversationID == "" {
		return nil, fmt.Errorf("%w: conversationId is required", domain.ErrInvalid)
	}
	body, err := domain.NormalizeText(text, s.maxMessageLength)
	if err != nil {
		return nil, err
	}
	if _, err := s.Conversation(ctx, callerID, conversationID); err != nil {
		return nil, err
	}
	return s.repo.AppendMessage(ctx, conversationID, callerID, body)
}

// Messages returns the full history of a conversation the caller belongs to.
func (s *Service) Messages(ctx context.Context, callerID, conversationID string) ([]domain.Message, error) {
	if _, err := s.Conversation(ctx, callerID, conversationID); err != nil {
		return nil, err
	}
	return s.repo.ListMessages(ctx, conversationID)
}

// Message returns a single message from a conversation the caller belongs to.
func (s *Service) Message(ctx context.Context, callerID, messageID string) (*domain.Message, error) {
	msg, err := s.repo.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if _, err := s.Conversation(ctx, callerID, msg.ConversationID); err != nil {
		return nil, err
	}
	return msg, nil
}

// ReadReceipt describes messages that a reader has just seen.
type ReadReceipt struct {
	ConversationID string   `json:"conversationId"`
	ReaderID       string   `json:"readerId"`
	MessageIDs     []string `json:"messageIds"`
	// NotifyUserID is the member whose messages were read.
	NotifyUserID string `json:"-"`
}

// MarkRead marks the other member's messages as read by the caller.
func (s *Service) MarkRead(ctx context.Context, callerID, conversationID string) (*ReadReceipt, error) {
	conv, err := s.Conversation(ctx, callerID, conversationID)
	if err != nil {
		return nil, err
	}
	ids, err := s.repo.MarkRead(ctx, conversationID, callerID)
	if err != nil {
		return nil, err
	}
	if ids == nil {
		ids = []string{}
	}
	return &ReadReceipt{
		ConversationID: conversationID,
		ReaderID:       callerID,
		MessageIDs:     ids,
		NotifyUserID:   conv.OtherMember(callerID),
	}, nil
}
