package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/coder/websocket"

	"github.com/matestay/matestay-chat/internal/protocol"
)

// ErrSessionReplaced reports that another connection for the same user took over.
var ErrSessionReplaced = errors.New("session replaced by another connection")

// Socket is a realtime connection to the server. Inbound events arrive on Events
// in the order the server sent them.
type Socket struct {
	ws     *websocket.Conn
	events chan protocol.Envelope
	done   chan struct{}
	once   sync.Once

	mu  sync.Mutex
	err error
}

// Dial opens the realtime connection for the client's token.
func Dial(ctx context.Context, c *Client) (*Socket, error) {
	wsURL := c.BaseURL() + "/ws"
	switch {
	case strings.HasPrefix(wsURL, "https://"):
		wsURL = "wss://" + strings.TrimPrefix(wsURL, "https://")
	case strings.HasPrefix(wsURL, "http://"):
		wsURL = "ws://" + strings.TrimPrefix(wsURL, "http://")
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.Token())
	ws, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", wsURL, err)
	}

	s := &Socket{
		ws:     ws,
		events: make(chan protocol.Envelope, 64),
		done:   make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

// Emit sends one event.
func (s *Socket) Emit(ctx context.Context, eventType string, data any) error {
	frame, err := protocol.Encode(eventType, data)
	if err != nil {
		return err
	}
	if err := s.ws.Write(ctx, websocket.MessageText, frame); err != nil {
		return fmt.Errorf("emit %s: %w", eventType, err)
	}
	return nil
}

// Events returns inbound events. The channel closes when the connection ends.
func (s *Socket) Events() <-chan protocol.Envelope { return s.events }

// Err returns why the connection ended, or nil while it is open or after a normal close.
func (s *Socket) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close closes the connection normally.
func (s *Socket) Close() error {
	s.once.Do(func() { close(s.done) })
	return s.ws.Close(websocket.StatusNormalClosure, "client closing")
}

func (s *Socket) closing() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *Socket) readLoop() {
	defer close(s.events)
	for {
		_, frame, err := s.ws.Read(context.Background())
		if err != nil {
			s.mu.Lock()
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			case -1:
				if !s.closing() {
					s.err = err
				}
			case websocket.StatusCode(protocol.CloseSessionReplaced):
				s.err = ErrSessionReplaced
			default:
				s.err = err
			}
			s.mu.Unlock()
			return
		}
		env, err := protocol.DecodeEnvelope(frame)
		if err != nil {
			slog.Debug("Dropping malformed event", "error", err)
			continue
		}
		select {
		case s.events <- env:
		case <-s.done:
			return
		}
	}
}

