package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/plantsocial/backend/internal/bus"
	"github.com/plantsocial/backend/internal/logger"
	"github.com/plantsocial/backend/internal/presence"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufSize    = 256
)

// Client represents a single WebSocket connection.
// Lifecycle: NewClient -> Register -> [readPump, writePump, pipe] -> Close -> Wait.
type Client struct {
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	userID  string
	display presence.DisplayInfo

	// subMu guards sub and pendingJoins. Room joins that land while
	// registration is still opening the bus subscription are queued here
	// and replayed once the hub attaches it.
	subMu        sync.Mutex
	sub          bus.Subscription
	pendingJoins []string

	// done is used as a non-blocking guard in sendToClient.
	done   chan struct{}
	cancel context.CancelFunc
	once   sync.Once
	wg     sync.WaitGroup
}

func NewClient(hub *Hub, conn *websocket.Conn, userID string, display presence.DisplayInfo) *Client {
	return &Client{
		hub:     hub,
		conn:    conn,
		send:    make(chan []byte, sendBufSize),
		userID:  userID,
		display: display,
		done:    make(chan struct{}),
	}
}

// Start launches the read and write pumps. ctx controls pump lifetime;
// cancel is stored for Close().
func (c *Client) Start(ctx context.Context, cancel context.CancelFunc) {
	c.cancel = cancel
	c.wg.Add(2)
	go c.writePump(ctx)
	go c.readPump(ctx)
}

// Wait blocks until both pump goroutines have exited.
func (c *Client) Wait() {
	c.wg.Wait()
}

// Close signals the client to stop. Safe to call multiple times from any
// goroutine.
func (c *Client) Close() {
	c.once.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		close(c.done)
		if sub := c.subscription(); sub != nil {
			sub.Close()
		}
		// Force both pumps to unblock (ReadMessage / WriteMessage will error).
		c.conn.Close()
	})
}

// attachSub publishes the subscription and returns the room joins that were
// queued while registration was still in flight.
func (c *Client) attachSub(sub bus.Subscription) []string {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.sub = sub
	pending := c.pendingJoins
	c.pendingJoins = nil
	return pending
}

// joinSub returns the subscription to add a room's channels to. Before the
// subscription is attached the join is queued for replay and nil is
// returned.
func (c *Client) joinSub(roomID string) bus.Subscription {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if c.sub == nil {
		c.pendingJoins = append(c.pendingJoins, roomID)
		return nil
	}
	return c.sub
}

// leaveSub is the counterpart of joinSub: a leave before the subscription is
// attached cancels the queued join.
func (c *Client) leaveSub(roomID string) bus.Subscription {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if c.sub == nil {
		kept := c.pendingJoins[:0]
		for _, id := range c.pendingJoins {
			if id != roomID {
				kept = append(kept, id)
			}
		}
		c.pendingJoins = kept
		return nil
	}
	return c.sub
}

func (c *Client) subscription() bus.Subscription {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	return c.sub
}

// pipe forwards this connection's bus events to the send channel. Runs as its
// own goroutine once the hub has attached the subscription; exits when the
// subscription closes.
func (c *Client) pipe() {
	sub := c.subscription()
	if sub == nil {
		return
	}
	for ev := range sub.Events() {
		select {
		case c.send <- ev.Payload:
		case <-c.done:
			return
		default:
			// Backpressure: send buffer full, close slow client.
			logger.Errorf("ws send buffer full, closing slow client user=%s", c.userID)
			c.Close()
			return
		}
	}
}

// readPump reads messages from the WebSocket connection.
// Exits on read error (triggered by conn.Close from Close() or writePump exit).
func (c *Client) readPump(ctx context.Context) {
	defer c.wg.Done()
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		logger.Errorf("ws set read deadline user=%s: %v", c.userID, err)
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Errorf("ws read error user=%s: %v", c.userID, err)
			}
			return
		}

		var msg IncomingMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			logger.Errorf("ws unmarshal error user=%s: %v", c.userID, err)
			continue
		}

		c.hub.HandleMessage(ctx, c, msg)
	}
}

// writePump writes messages to the WebSocket connection. Frames arriving on
// send are already encoded envelopes and go out verbatim.
// Exits on ctx cancellation, write error, or connection close.
func (c *Client) writePump(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			if err := c.conn.WriteMessage(websocket.CloseMessage, nil); err != nil {
				logger.Errorf("ws close message user=%s: %v", c.userID, err)
			}
			return
		case data := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				logger.Errorf("ws set write deadline user=%s: %v", c.userID, err)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				logger.Errorf("ws set write deadline user=%s: %v", c.userID, err)
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
