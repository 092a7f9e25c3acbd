package domain

import (
	"fmt"
	"time"
)

// Conversation links exactly two users.
type Conversation struct {
	ID        string    `json:"_id"`
	Members   []string  `json:"members"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ConversationSummary is a conversation annotated with its most recent message.
type ConversationSummary struct {
	Conversation
	LastMessage *Message `json:"lastMessage"`
}

// MemberPair returns the two members in canonical (sorted) order.
// Conversations are unique per unordered pair, so storage keys on this order.
func MemberPair(a, b string) (string, string, error) {
	if a == "" || b == "" {
		return "", "", fmt.Errorf("%w: both members are required", ErrInvalid)
	}
	if a == b {
		return "", "", fmt.Errorf("%w: cannot start a conversation with yourself", ErrInvalid)
	}
	if a > b {
		a, b = b, a
	}
	return a, b, nil
}

// HasMember reports whether userID belongs to the conversation.
func (c *Conversation) HasMember(userID string) bool {
	for _, m := range c.Members {
		if m == userID {
			return true
		}
	}
	return false
}

// OtherMember returns the member that is not userID, or "" when userID is not a member.
func (c *Conversation) OtherMember(userID string) string {
	if !c.HasMember(userID) {
		return ""
	}
	for _, m := range c.Members {
		if m != userID {
			return m
		}
	}
	return ""
}
