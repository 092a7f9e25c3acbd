package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/matestay/matestay-chat/internal/identity"
	"github.com/matestay/matestay-chat/internal/protocol"
)

// RegisterRoutes registers the authenticated API routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Route("/conversations", func(r chi.Router) {
			r.Post("/", h.StartConversation)
			r.Get("/", h.ListConversations)
			r.Get("/{conversationId}", h.GetConversation)
		})
		r.Route("/messages", func(r chi.Router) {
			r.Post("/", h.SendMessage)
			r.Get("/{conversationId}", h.ListMessages)
			r.Post("/{conversationId}/read", h.MarkRead)
		})
		r.Get("/users/me", h.GetMe)
		r.Get("/users/{userId}", h.GetUser)
		r.Get("/presence", h.ListPresence)
	})
}

type startConversationRequest struct {
	ReceiverID string `json:"receiverId"`
}

type sendMessageRequest struct {
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
	Text           string `json:"text"`
}

// StartConversation returns the caller's conversation with the receiver, creating it
// when needed: 201 when created, 200 when it already existed.
func (h *Handler) StartConversation(w http.ResponseWriter, r *http.Request) {
	callerID := identity.UserIDFromContext(r.Context())

	var req startConversationRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeServiceError(w, r, err, "start conversation")
		return
	}

	conv, created, err := h.chat.StartConversation(r.Context(), callerID, req.ReceiverID)
	if err != nil {
		writeServiceError(w, r, err, "start conversation")
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	JSON(w, status, conv)
}

// ListConversations returns the caller's conversations, most recent first.
func (h *Handler) ListConversations(w http.ResponseWriter, r *http.Request) {
	callerID := identity.UserIDFromContext(r.Context())

	convs, err := h.chat.Conversations(r.Context(), callerID)
	if err != nil {
		writeServiceError(w, r, err, "list conversations")
		return
	}
	JSON(w, http.StatusOK, convs)
}

// GetConversation returns one conversation of the caller.
func (h *Handler) GetConversation(w http.ResponseWriter, r *http.Request) {
	callerID := identity.UserIDFromContext(r.Context())

	conv, err := h.chat.Conversation(r.Context(), callerID, chi.URLParam(r, "conversationId"))
	if err != nil {
		writeServiceError(w, r, err, "get conversation")
		return
	}
	JSON(w, http.StatusOK, conv)
}

// SendMessage persists a message. Delivery to the receiver happens over the
// realtime channel once the client has the stored id.
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	callerID := identity.UserIDFromContext(r.Context())

	var req sendMessageRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeServiceError(w, r, err, "send message")
		return
	}

	msg, err := h.chat.SendMessage(r.Context(), callerID, req.ConversationID, req.SenderID, req.Text)
	if err != nil {
		writeServiceError(w, r, err, "send message")
		return
	}
	JSON(w, http.StatusCreated, msg)
}

// ListMessages returns a conversation's messages in the order they were sent.
func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	callerID := identity.UserIDFromContext(r.Context())

	msgs, err := h.chat.Messages(r.Context(), callerID, chi.URLParam(r, "conversationId"))
	if err != nil {
		writeServiceError(w, r, err, "list messages")
		return
	}
	JSON(w, http.StatusOK, msgs)
}

// MarkRead marks the other member's messages as read and tells them if online.
func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	callerID := identity.UserIDFromContext(r.Context())

	receipt, err := h.chat.MarkRead(r.Context(), callerID, chi.URLParam(r, "conversationId"))
	if err != nil {
		writeServiceError(w, r, err, "mark read")
		return
	}

	if len(receipt.MessageIDs) > 0 && h.notifier != nil {
		h.notifier.NotifyUser(receipt.NotifyUserID, protocol.TypeMessagesRead, protocol.MessagesRead{
			ConversationID: receipt.ConversationID,
			ReaderID:       receipt.ReaderID,
			MessageIDs:     receipt.MessageIDs,
		})
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"updated":    len(receipt.MessageIDs),
		"messageIds": receipt.MessageIDs,
	})
}

// GetMe returns the caller's profile.
func (h *Handler) GetMe(w http.ResponseWriter, r *http.Request) {
	user, err := h.chat.User(r.Context(), identity.UserIDFromContext(r.Context()))
	if err != nil {
		writeServiceError(w, r, err, "get me")
		return
	}
	JSON(w, http.StatusOK, user)
}

// GetUser returns another user's profile.
func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	user, err := h.chat.User(r.Context(), chi.URLParam(r, "userId"))
	if err != nil {
		writeServiceError(w, r, err, "get user")
		return
	}
	JSON(w, http.StatusOK, user)
}

// ListPresence returns the users currently online.
func (h *Handler) ListPresence(w http.ResponseWriter, r *http.Request) {
	if h.presence == nil {
		JSON(w, http.StatusOK, []struct{}{})
		return
	}
	JSON(w, http.StatusOK, h.presence.Online())
}
