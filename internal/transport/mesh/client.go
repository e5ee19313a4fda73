package mesh

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/ChuLiYu/groupmesh/pkg/types"
)

var (
	ErrClosed   = errors.New("mesh: connection closed")
	ErrRejected = errors.New("mesh: hub rejected delivery")
)

// Client is a relay connection to a Hub and implements distributor.Mesh.
type Client struct {
	ws *websocket.Conn
	wm sync.Mutex

	mu      sync.Mutex
	pending map[string]chan Frame
	done    chan struct{}
	err     error
}

// Dial opens a relay connection, e.g. ws://host/mesh/relay.
func Dial(ctx context.Context, rawURL string) (*Client, error) {
	ws, _, err := websocket.Dial(ctx, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("mesh: dial: %w", err)
	}
	ws.SetReadLimit(ReadLimit)
	c := &Client{
		ws:      ws,
		pending: make(map[string]chan Frame),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) readLoop() {
	for {
		var f Frame
		if err := wsjson.Read(context.Background(), c.ws, &f); err != nil {
			c.mu.Lock()
			c.err = err
			c.mu.Unlock()
			close(c.done)
			return
		}
		if f.Type != FrameAck {
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[f.ID]
		delete(c.pending, f.ID)
		c.mu.Unlock()
		if ok {
			ch <- f
		}
	}
}

// Deliver sends one deliver frame and waits for its ack.
func (c *Client) Deliver(ctx context.Context, members []string, env types.Envelope) ([]string, error) {
	id := uuid.NewString()
	ch := make(chan Frame, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	c.wm.Lock()
	err := wsjson.Write(ctx, c.ws, Frame{Type: FrameDeliver, ID: id, Members: members, Envelope: &env})
	c.wm.Unlock()
	if err != nil {
		return nil, fmt.Errorf("mesh: write: %w", err)
	}

	select {
	case ack := <-ch:
		if ack.Error != "" {
			return nil, fmt.Errorf("%w: %s", ErrRejected, ack.Error)
		}
		return ack.Failed, nil
	case <-c.done:
		return nil, fmt.Errorf("%w: %w", ErrClosed, c.err)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close closes the relay connection.
func (c *Client) Close() error {
	return c.ws.Close(websocket.StatusNormalClosure, "")
}

// Member is a receiving member connection.
type Member struct {
	ID string
	ws *websocket.Conn
}

// Join connects memberID to the hub's member endpoint.
func Join(ctx context.Context, rawURL, memberID string) (*Member, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("member", memberID)
	u.RawQuery = q.Encode()

	ws, _, err := websocket.Dial(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("mesh: join: %w", err)
	}
	ws.SetReadLimit(ReadLimit)
	return &Member{ID: memberID, ws: ws}, nil
}

// Receive blocks for the next envelope.
func (m *Member) Receive(ctx context.Context) (types.Envelope, error) {
	for {
		var f Frame
		if err := wsjson.Read(ctx, m.ws, &f); err != nil {
			return types.Envelope{}, err
		}
		if f.Type == FrameEnvelope && f.Envelope != nil {
			return *f.Envelope, nil
		}
	}
}

func (m *Member) Close() error {
	return m.ws.Close(websocket.StatusNormalClosure, "")
}
