// README: One websocket connection: read/write pumps and its EventBus subscriptions.
package ws

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"ridecore/internal/modules/eventbus"
	"ridecore/internal/types"
)

type Client struct {
	ID     string
	UserID types.ID
	Role   string

	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	done chan struct{}

	mu   sync.Mutex
	subs map[eventbus.Topic]*eventbus.Subscription

	closeOnce sync.Once
}

func newClient(h *Hub, conn *websocket.Conn, uid types.ID, role string) *Client {
	return &Client{
		ID:     newClientID(),
		UserID: uid,
		Role:   role,
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
		subs:   make(map[eventbus.Topic]*eventbus.Subscription),
	}
}

// subscribe forwards events on topic to the socket. Repeated calls for the
// same topic are no-ops.
func (c *Client) subscribe(topic eventbus.Topic) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
		return errClientClosed
	default:
	}
	if _, ok := c.subs[topic]; ok {
		return nil
	}
	sub, err := c.hub.bus.Subscribe(c.ID, topic)
	if err != nil {
		return err
	}
	c.subs[topic] = sub
	go c.forward(sub)
	return nil
}

func (c *Client) forward(sub *eventbus.Subscription) {
	for e := range sub.C() {
		c.enqueue(encode(outbound{Type: e.Type, Data: e.Payload}))
	}
	if errors.Is(sub.Err(), eventbus.ErrSlowSubscriber) {
		c.hub.log.Warn("client evicted from topic", "client_id", c.ID, "topics", sub.Topics())
		c.close()
	}
}

// enqueue never blocks; a client whose buffer is full is disconnected.
func (c *Client) enqueue(msg []byte) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- msg:
	case <-c.done:
	default:
		c.hub.log.Warn("client send buffer full", "client_id", c.ID, "user_id", c.UserID)
		go c.close()
	}
}

func (c *Client) reply(v outbound) {
	c.enqueue(encode(v))
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		for _, sub := range c.subs {
			sub.Close()
		}
		c.subs = nil
		c.mu.Unlock()
		c.hub.unregister(c)
		_ = c.conn.Close()
	})
}

func (c *Client) readPump() {
	defer c.close()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.log.Warn("websocket read failed", "client_id", c.ID, "error", err)
			}
			return
		}
		c.handle(message)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
