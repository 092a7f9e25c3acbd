package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/matestay/matestay-chat/internal/domain"
)

func TestAPIErrorUnwrap(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusNotFound, domain.ErrNotFound},
		{http.StatusForbidden, domain.ErrForbidden},
		{http.StatusBadRequest, domain.ErrInvalid},
		{http.StatusConflict, domain.ErrConflict},
	}
	for _, tt := range tests {
		err := error(&APIError{StatusCode: tt.status, Message: "x"})
		if !errors.Is(err, tt.want) {
			t.Errorf("status %d: errors.Is(%v) = false", tt.status, tt.want)
		}
	}

	err := error(&APIError{StatusCode: http.StatusInternalServerError})
	for _, sentinel := range []error{domain.ErrNotFound, domain.ErrForbidden, domain.ErrInvalid, domain.ErrConflict} {
		if errors.Is(err, sentinel) {
			t.Errorf("500 should not match %v", sentinel)
		}
	}
}

func TestClientRequests(t *testing.T) {
	var gotAuth, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/conversations":
			var body map[string]string
			_ = json.NewDecoder(r.Body).Decode(&body)
			gotBody = body["receiverId"]
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(map[string]any{"_id": "c1", "members": []string{"u1", "u2"}})
		case r.URL.Path == "/api/messages/c1/read":
			_ = json.NewEncoder(w).Encode(map[string]any{"updated": 3})
		case r.URL.Path == "/api/users/ghost":
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "not found"})
		default:
			w.WriteHeader(http.StatusTeapot)
		}
	}))
	defer srv.Close()

	c := New(srv.URL+"/", "tok")
	ctx := context.Background()

	conv, created, err := c.StartConversation(ctx, "u2")
	if err != nil {
		t.Fatal(err)
	}
	if !created || conv.ID != "c1" || gotBody != "u2" {
		t.Errorf("conv=%+v created=%v body=%q", conv, created, gotBody)
	}
	if gotAuth != "Bearer tok" {
		t.Errorf("Authorization = %q", gotAuth)
	}

	n, err := c.MarkRead(ctx, "c1")
	if err != nil || n != 3 {
		t.Errorf("MarkRead = %d, %v", n, err)
	}

	_, err = c.User(ctx, "ghost")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Message != "not found" || !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("User(ghost) = %v", err)
	}

	_, err = c.Presence(ctx)
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusTeapot || apiErr.Message != http.StatusText(http.StatusTeapot) {
		t.Errorf("Presence = %v", err)
	}
}
