// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/matestay/matestay-chat/internal/domain"
)

// Repository persists users, conversations and messages.
// Lookups of missing records return an error wrapping domain.ErrNotFound.
type Repository interface {
	// GetUser retrieves a user by ID.
	GetUser(ctx context.Context, userID string) (*domain.User, error)

	// UpsertUser creates or updates a user record. Empty profile fields keep their stored value.
	UpsertUser(ctx context.Context, user *domain.User) error

	// UpdateLastSeen updates the last_seen_at timestamp for a user.
	UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error

	// CreateOrFindConversation returns the conversation for the unordered pair (a, b),
	// creating it when none exists. created reports whether this call inserted it.
	CreateOrFindConversation(ctx context.Context, a, b string) (conv *domain.Conversation, created bool, err error)

	// GetConversation retrieves a conversation by ID.
	GetConversation(ctx context.Context, conversationID string) (*domain.Conversation, error)

	// ListConversations returns the user's conversations with their most recent message,
	// most recently active first.
	ListConversations(ctx context.Context, userID string) ([]domain.ConversationSummary, error)

	// AppendMessage stores a message and bumps the owning conversation's last activity.
	AppendMessage(ctx context.Context, conversationID, senderID, text string) (*domain.Message, error)

	// GetMessage retrieves a message by ID.
	GetMessage(ctx context.Context, messageID string) (*domain.Message, error)

	// ListMessages returns all messages of a conversation in append order.
	ListMessages(ctx context.Context, conversationID string) ([]domain.Message, error)

	// MarkRead marks every message in the conversation not sent by readerID as read by
	// readerID and returns the IDs that changed.
	MarkRead(ctx context.Context, conversationID, readerID string) ([]string, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
