package domain

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// Message is a single chat message inside a conversation.
type Message struct {
	ID             string    `json:"_id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	Text           string    `json:"text"`
	ReadBy         []string  `json:"readBy"`
	Read           bool      `json:"read"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// IsReadBy reports whether userID has seen the message.
func (m *Message) IsReadBy(userID string) bool {
	if m.SenderID == userID {
		return true
	}
	for _, id := range m.ReadBy {
		if id == userID {
			return true
		}
	}
	return false
}

// NormalizeText trims the body and enforces the length limit (in runes).
// A maxLen of zero disables the limit.
func NormalizeText(text string, maxLen int) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("%w: text is required", ErrInvalid)
	}
	if maxLen > 0 && utf8.RuneCountInString(text) > maxLen {
		return "", fmt.Errorf("%w: text exceeds %d characters", ErrInvalid, maxLen)
	}
	return text, nil
}
