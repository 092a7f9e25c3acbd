// Package protocol defines the realtime event envelope and its payloads.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Event types exchanged over the realtime connection.
const (
	TypeAddUser           = "addUser"
	TypeGetUsers          = "getUsers"
	TypeSendMessage       = "sendMessage"
	TypeGetMessage        = "getMessage"
	TypeMessageSent       = "messageSent"
	TypeJoinConversation  = "joinConversation"
	TypeLeaveConversation = "leaveConversation"
	TypeTyping            = "typing"
	TypeStopTyping        = "stopTyping"
	TypeMessagesRead      = "messagesRead"
	TypeError             = "error"
)

// Error codes carried by TypeError events.
const (
	CodeBadRequest  = "bad_request"
	CodeForbidden   = "forbidden"
	CodeNotFound    = "not_found"
	CodeRateLimited = "rate_limited"
	CodeInternal    = "internal"
)

// CloseSessionReplaced is the WebSocket close code sent to a connection evicted by a
// newer connection of the same user.
const CloseSessionReplaced = 4001

// ErrInvalidEvent reports a malformed or incomplete event.
var ErrInvalidEvent = errors.New("invalid event")

// Envelope is the wire form of every event.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// AddUser announces the caller as online.
type AddUser struct {
	UserID string `json:"userId"`
}

// SendMessage asks the server to deliver an already persisted message.
type SendMessage struct {
	MessageID      string `json:"messageId"`
	SenderID       string `json:"senderId"`
	ReceiverID     string `json:"receiverId"`
	ConversationID string `json:"conversationId"`
	Text           string `json:"text"`
}

// Room names a conversation for join and leave events.
type Room struct {
	ConversationID string `json:"conversationId"`
}

// Typing signals typing activity inside a conversation.
type Typing struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

// MessagesRead tells a sender that the other member has read their messages.
type MessagesRead struct {
	ConversationID string   `json:"conversationId"`
	ReaderID       string   `json:"readerId"`
	MessageIDs     []string `json:"messageIds"`
}

// Error reports a rejected inbound event to its sender.
type Error struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	RequestType string `json:"requestType,omitempty"`
}

// Validate checks required fields.
func (p AddUser) Validate() error {
	if p.UserID == "" {
		return fmt.Errorf("%w: userId is required", ErrInvalidEvent)
	}
	return nil
}

// Validate checks required fields.
func (p SendMessage) Validate() error {
	switch {
	case p.MessageID == "":
		return fmt.Errorf("%w: messageId is required", ErrInvalidEvent)
	case p.SenderID == "":
		return fmt.Errorf("%w: senderId is required", ErrInvalidEvent)
	case p.ReceiverID == "":
		return fmt.Errorf("%w: receiverId is required", ErrInvalidEvent)
	case p.ConversationID == "":
		return fmt.Errorf("%w: conversationId is required", ErrInvalidEvent)
	}
	return nil
}

// Validate checks required fields.
func (p Room) Validate() error {
	if p.ConversationID == "" {
		return fmt.Errorf("%w: conversationId is required", ErrInvalidEvent)
	}
	return nil
}

// Validate checks required fields.
func (p Typing) Validate() error {
	if p.ConversationID == "" {
		return fmt.Errorf("%w: conversationId is required", ErrInvalidEvent)
	}
	if p.UserID == "" {
		return fmt.Errorf("%w: userId is required", ErrInvalidEvent)
	}
	return nil
}

type validator interface {
	Validate() error
}

// Encode marshals an event into its envelope.
func Encode(eventType string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", eventType, err)
	}
	out, err := json.Marshal(Envelope{Type: eventType, Data: raw})
	if err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", eventType, err)
	}
	return out, nil
}

// DecodeEnvelope parses the outer envelope of an inbound frame.
func DecodeEnvelope(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: type is required", ErrInvalidEvent)
	}
	return env, nil
}

// DecodeData unmarshals the payload into dst and validates it when dst supports it.
func DecodeData(env Envelope, dst any) error {
	if len(env.Data) == 0 {
		return fmt.Errorf("%w: %s has no data", ErrInvalidEvent, env.Type)
	}
	if err := json.Unmarshal(env.Data, dst); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidEvent, env.Type, err)
	}
	if v, ok := dst.(validator); ok {
		return v.Validate()
	}
	return nil
}
