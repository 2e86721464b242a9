package signaling

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/1ureka/confer/internal/protocol"
	"github.com/1ureka/confer/internal/room"
	"github.com/1ureka/confer/internal/util"
)

// Client is a Channel backed by a WebSocket connection to a relay Server.
type Client struct {
	*Dispatcher

	conn   *websocket.Conn
	roomID string
	self   string

	mu        sync.Mutex // serializes writes
	closeOnce sync.Once
	log       util.Logger
}

// Dial connects to the relay at baseURL (e.g. wss://host/ws) and joins roomID
// as self.
func Dial(ctx context.Context, baseURL, roomID string, self room.Participant) (*Client, error) {
	target, err := joinURL(baseURL, roomID, self)
	if err != nil {
		return nil, err
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, target, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to WS server: %w", err)
	}

	return &Client{
		Dispatcher: NewDispatcher(),
		conn:       conn,
		roomID:     roomID,
		self:       self.ID(),
		log:        util.Scope("ws"),
	}, nil
}

// joinURL appends the room path segment and the participant query to baseURL.
func joinURL(baseURL, roomID string, self room.Participant) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid WebSocket URL: %s", baseURL)
	}
	u = u.JoinPath(roomID)

	q := u.Query()
	q.Set("peerId", self.ID())
	q.Set("name", self.Identity().Name)
	if self.User.Avatar != "" {
		q.Set("avatar", self.User.Avatar)
	}
	if self.User.ID != "" {
		q.Set("userId", self.User.ID)
	}
	q.Set("host", strconv.FormatBool(self.IsHost))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Send writes env to the WebSocket, guarded by a mutex.
func (c *Client) Send(env protocol.Envelope) error {
	env.From = c.self
	if env.RoomID == "" {
		env.RoomID = c.roomID
	}
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Run reads envelopes until the connection closes or ctx is cancelled,
// dispatching each one in arrival order. Malformed envelopes are logged and
// skipped.
func (c *Client) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, websocket.ErrCloseSent) ||
				websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("failed to read WS message: %w", err)
		}

		env, err := protocol.Decode(data)
		if err != nil {
			c.log.Warn("dropping envelope: %v", err)
			continue
		}
		c.Dispatch(env)
	}
}

// Close sends a close frame and shuts the connection down.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		_ = c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "leaving"))
		c.mu.Unlock()
		err = c.conn.Close()
	})
	return err
}

var _ Channel = (*Client)(nil)
