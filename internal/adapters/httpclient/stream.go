package httpclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/bnema/paychat/internal/domain"
	"github.com/bnema/paychat/internal/ports"
)

const (
	streamBuffer  = 16
	maxFrameBytes = 4 << 20
)

var _ ports.StreamDialer = (*Client)(nil)

// Dial opens the live stream for a conversation.
func (c *Client) Dial(ctx context.Context, conversationID string) (ports.StreamConn, error) {
	wsURL, err := c.streamURL(conversationID)
	if err != nil {
		return nil, err
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusGone {
			return nil, domain.ErrSessionExpired
		}
		return nil, fmt.Errorf("dial stream: %w", err)
	}
	conn.SetReadLimit(maxFrameBytes)

	sc := &streamConn{
		conn:   conn,
		events: make(chan ports.StreamEvent, streamBuffer),
		done:   make(chan struct{}),
	}
	go sc.readLoop()
	return sc, nil
}

func (c *Client) streamURL(conversationID string) (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse relay url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/conversations/" + url.PathEscape(conversationID) + "/stream"
	return u.String(), nil
}

type streamConn struct {
	conn   *websocket.Conn
	events chan ports.StreamEvent
	done   chan struct{}

	mu        sync.Mutex
	err       error
	closeOnce sync.Once
}

func (s *streamConn) readLoop() {
	defer close(s.events)
	for {
		var ev ports.StreamEvent
		if err := s.conn.ReadJSON(&ev); err != nil {
			s.mu.Lock()
			s.err = err
			s.mu.Unlock()
			return
		}
		select {
		case s.events <- ev:
		case <-s.done:
			return
		}
	}
}

func (s *streamConn) Next(ctx context.Context) (ports.StreamEvent, error) {
	select {
	case ev, ok := <-s.events:
		if !ok {
			s.mu.Lock()
			defer s.mu.Unlock()
			if s.err == nil {
				return ports.StreamEvent{}, errors.New("stream closed")
			}
			return ports.StreamEvent{}, fmt.Errorf("read stream: %w", s.err)
		}
		return ev, nil
	case <-ctx.Done():
		return ports.StreamEvent{}, ctx.Err()
	}
}

func (s *streamConn) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.conn.Close()
	})
	return err
}
