package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/matestay/matestay-chat/internal/chat"
	"github.com/matestay/matestay-chat/internal/client"
	"github.com/matestay/matestay-chat/internal/domain"
	"github.com/matestay/matestay-chat/internal/identity"
	"github.com/matestay/matestay-chat/internal/presence"
	"github.com/matestay/matestay-chat/internal/realtime"
	"github.com/matestay/matestay-chat/internal/store"
)

const testSecret = "router-secret"

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "chat.db"))
	if err != nil {
		t.Fatal(err)
	}
	svc := chat.NewService(repo, 0)
	hub := realtime.NewHub(presence.NewRegistry(), svc, realtime.Options{PingInterval: time.Minute})

	srv := httptest.NewServer(NewRouter(Deps{
		Repo:     repo,
		Chat:     svc,
		Hub:      hub,
		Verifier: identity.NewVerifier(testSecret, ""),
		IsDev:    true,
	}))
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
		_ = repo.Close()
	})
	return srv
}

func newClient(t *testing.T, srv *httptest.Server, userID string) *client.Client {
	t.Helper()
	token, err := identity.NewToken(testSecret, "", userID, userID, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	return client.New(srv.URL, token)
}

type liveSession struct {
	*client.Session
	socket *client.Socket
	done   chan error
}

func connect(t *testing.T, ctx context.Context, c *client.Client, userID string) *liveSession {
	t.Helper()
	sock, err := client.Dial(ctx, c)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = sock.Close() })

	s := client.NewSession(userID, c, sock)
	if err := s.Load(ctx); err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() { done <- client.Run(ctx, s, sock) }()
	if err := s.Announce(ctx); err != nil {
		t.Fatal(err)
	}
	return &liveSession{Session: s, socket: sock, done: done}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestHealthIsPublic(t *testing.T) {
	srv := newTestServer(t)

	for _, path := range []string{"/health", "/api/health"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		_ = resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s = %d", path, resp.StatusCode)
		}
	}

	resp, err := http.Get(srv.URL + "/api/conversations")
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("unauthenticated list = %d, want 401", resp.StatusCode)
	}
}

func TestStartConversationIsIdempotent(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	c1 := newClient(t, srv, "u1")
	c2 := newClient(t, srv, "u2")

	if _, _, err := c1.StartConversation(ctx, "u2"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("unknown receiver: got %v, want ErrNotFound", err)
	}
	if _, err := c2.Me(ctx); err != nil {
		t.Fatal(err)
	}

	first, created, err := c1.StartConversation(ctx, "u2")
	if err != nil || !created {
		t.Fatalf("first start: created=%v err=%v", created, err)
	}
	again, created, err := c1.StartConversation(ctx, "u2")
	if err != nil || created {
		t.Fatalf("second start: created=%v err=%v", created, err)
	}
	reverse, created, err := c2.StartConversation(ctx, "u1")
	if err != nil || created {
		t.Fatalf("reverse start: created=%v err=%v", created, err)
	}
	if again.ID != first.ID || reverse.ID != first.ID {
		t.Errorf("ids differ: %s %s %s", first.ID, again.ID, reverse.ID)
	}

	if _, _, err := c1.StartConversation(ctx, "u1"); !errors.Is(err, domain.ErrInvalid) {
		t.Errorf("self conversation: got %v, want ErrInvalid", err)
	}
}

func TestChatEndToEnd(t *testing.T) {
	srv := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	c1 := newClient(t, srv, "u1")
	c2 := newClient(t, srv, "u2")
	if _, err := c2.Me(ctx); err != nil {
		t.Fatal(err)
	}
	conv, _, err := c1.StartConversation(ctx, "u2")
	if err != nil {
		t.Fatal(err)
	}

	alice := connect(t, ctx, c1, "u1")
	bob := connect(t, ctx, c2, "u2")

	eventually(t, "u2 online for u1", func() bool { return alice.IsOnline("u2") })
	online, err := c1.Presence(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(online) != 2 {
		t.Errorf("presence = %v", online)
	}

	if err := alice.Open(ctx, conv.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := alice.Send(ctx, "hello"); err != nil {
		t.Fatal(err)
	}

	eventually(t, "notification for u2", func() bool { return len(bob.Notifications()) == 1 })
	n := bob.Notifications()[0]
	if n.ConversationID != conv.ID || n.SenderID != "u1" || n.Text != "hello" {
		t.Errorf("notification = %+v", n)
	}
	views := bob.Conversations()
	if len(views) != 1 || views[0].Unread != 1 || views[0].LastMessage.Text != "hello" {
		t.Errorf("u2 views = %+v", views)
	}

	if err := bob.socket.Close(); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-bob.done:
		if err != nil {
			t.Errorf("Run after normal close = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after close")
	}
	eventually(t, "u2 offline for u1", func() bool { return !alice.IsOnline("u2") })

	if _, err := alice.Send(ctx, "are you there?"); err != nil {
		t.Fatal(err)
	}

	history, err := c2.Messages(ctx, conv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 2 || history[0].Text != "hello" || history[1].Text != "are you there?" {
		t.Errorf("history = %+v", history)
	}

	online, err = c1.Presence(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(online) != 1 || online[0].UserID != "u1" {
		t.Errorf("presence after disconnect = %v", online)
	}

	updated, err := c2.MarkRead(ctx, conv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if updated != 2 {
		t.Errorf("marked %d, want 2", updated)
	}
	eventually(t, "read receipt for u1", func() bool {
		for _, m := range alice.Messages() {
			if !m.IsReadBy("u2") {
				return false
			}
		}
		return true
	})
}

func TestSecondConnectionReplacesFirst(t *testing.T) {
	srv := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c1 := newClient(t, srv, "u1")
	first := connect(t, ctx, c1, "u1")
	eventually(t, "u1 online", func() bool { return first.IsOnline("u1") })

	second := connect(t, ctx, c1, "u1")

	select {
	case err := <-first.done:
		if !errors.Is(err, client.ErrSessionReplaced) {
			t.Errorf("first session ended with %v, want ErrSessionReplaced", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("first session was not replaced")
	}
	eventually(t, "u1 online on second", func() bool { return second.IsOnline("u1") })
}
