package ws

import (
	"encoding/json"
	"log"
	"time"

	"github.com/gorilla/websocket"

	"github.com/strukturag/pdfdraw/internal/room"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 65536

	sendBufferSize = 256
)

// Client is one websocket connection bound to a room participant.
type Client struct {
	id       string
	conn     *websocket.Conn
	send     chan room.Message
	done     chan struct{}
	room     *room.Room
	registry *room.Registry
}

func newClient(id string, conn *websocket.Conn, registry *room.Registry) *Client {
	return &Client{
		id:       id,
		conn:     conn,
		send:     make(chan room.Message, sendBufferSize),
		done:     make(chan struct{}),
		registry: registry,
	}
}

// ID implements room.Peer.
func (c *Client) ID() string { return c.id }

// Send implements room.Peer. It never blocks; a slow consumer that fills the
// buffer loses messages rather than stalling the room.
func (c *Client) Send(msg room.Message) {
	select {
	case c.send <- msg:
	default:
		log.Printf("connection %s: send buffer full, dropping message", c.id)
	}
}

// ReadPump consumes inbound messages until the connection dies, then tears
// down the participant and releases the room.
func (c *Client) ReadPump() {
	defer func() {
		c.room.RemoveParticipant(c.id)
		c.registry.Release(c.room.ID)
		close(c.done)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Printf("connection %s: read error: %v", c.id, err)
			}
			return
		}

		var msg room.Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			log.Printf("connection %s: ignoring unparsable message: %v", c.id, err)
			continue
		}
		c.handleMessage(msg)
	}
}

// handleMessage validates one inbound message, applies it to the room and
// re-broadcasts it when the room accepted the change. Invalid or rejected
// messages are dropped without notifying the sender.
func (c *Client) handleMessage(msg room.Message) {
	switch msg.Type {
	case room.TypeItem:
		item := msg.Item
		if item == nil || item.Page <= 0 || item.Name == "" || item.Data == "" {
			return
		}
		if !json.Valid([]byte(item.Data)) {
			return
		}
		if !c.room.AddItem(c.id, item.Page, item.Name, item.Data) {
			return
		}
	case room.TypeDelete:
		del := msg.Delete
		if del == nil || del.Page <= 0 || del.Name == "" {
			return
		}
		if !c.room.RemoveItem(c.id, del.Page, del.Name) {
			return
		}
	case room.TypeControl:
		control := msg.Control
		if control == nil || control.Type == "" {
			log.Printf("connection %s: ignoring invalid control message", c.id)
			return
		}
		if control.Type != "page" {
			log.Printf("connection %s: ignoring unsupported control type %q", c.id, control.Type)
			return
		}
		if control.Page <= 0 {
			return
		}
		if !c.room.SetCurrentPage(c.id, control.Page) {
			return
		}
	case room.TypeCursor:
		// Ephemeral, passes through without touching room state.
		if msg.Cursor == nil {
			return
		}
	default:
		log.Printf("connection %s: ignoring message type %q", c.id, msg.Type)
		return
	}

	msg.UserID = c.id
	c.room.Broadcast(c.id, msg)
}

// WritePump serializes outbound messages and keeps the connection alive
// with pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			data, err := json.Marshal(msg)
			if err != nil {
				log.Printf("connection %s: marshal failed: %v", c.id, err)
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}
