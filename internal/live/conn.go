package live

import (
	"context"
	"time"

	ws "github.com/coder/websocket"
)

const (
	sendBufferSize = 16
	pingInterval   = 30 * time.Second
)

// Conn is one subscriber's websocket on the server side.
type Conn struct {
	hub      *Hub
	conn     *ws.Conn
	familyID string
	send     chan []byte
}

func NewConn(hub *Hub, conn *ws.Conn, familyID string) *Conn {
	return &Conn{
		hub:      hub,
		conn:     conn,
		familyID: familyID,
		send:     make(chan []byte, sendBufferSize),
	}
}

// Run starts the write pump and blocks in the read pump until the
// connection closes, then unregisters. The caller registers first.
func (c *Conn) Run(ctx context.Context) {
	defer c.hub.Unregister(c)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go c.writePump(ctx)
	c.readPump(ctx)
}

// enqueue queues data without the drop-on-full policy of Publish.
func (c *Conn) enqueue(ctx context.Context, data []byte) bool {
	select {
	case c.send <- data:
		return true
	case <-ctx.Done():
		return false
	}
}

// readPump discards client messages. It returns when the connection closes.
func (c *Conn) readPump(ctx context.Context) {
	for {
		if _, _, err := c.conn.Read(ctx); err != nil {
			return
		}
	}
}

func (c *Conn) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.Write(ctx, ws.MessageText, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.Ping(ctx); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
