package collaboration

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"collab-live/internal/models"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second // must be less than pongWait
	maxMessageSize = 512 * 1024
)

// Connection is one editor's WebSocket plus its outbound queue
// Learning: only WritePump writes to the socket, only ReadPump reads from it
type Connection struct {
	Context *models.SessionContext

	conn *websocket.Conn
	send chan []byte
	done chan struct{}

	closeOnce   sync.Once
	closeCode   int
	closeReason string
}

// NewConnection wraps an upgraded socket. sendBuffer <= 0 uses 256.
func NewConnection(conn *websocket.Conn, sc *models.SessionContext, sendBuffer int) *Connection {
	if sendBuffer <= 0 {
		sendBuffer = 256
	}
	return &Connection{
		Context: sc,
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		done:    make(chan struct{}),
	}
}

// Send queues a message without blocking. A connection whose buffer is
// full is too slow to keep up and gets closed.
func (c *Connection) Send(msg *models.ServerMessage) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("❌ Failed to encode %s message: %v", msg.Type, err)
		return false
	}

	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- data:
		return true
	default:
		log.Printf("⚠️  Socket %s buffer full, closing connection", c.Context.SocketID)
		c.Close(CloseTryAgainLater, "send buffer full")
		return false
	}
}

// Close asks the write pump to send a close frame and drop the socket.
// Only the first call has an effect.
func (c *Connection) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeReason = truncateReason(reason)
		close(c.done)
	})
}

// Done is closed once Close has been called
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// CloseCode returns the code passed to Close, or 0 while the connection is open
func (c *Connection) CloseCode() int {
	select {
	case <-c.done:
		return c.closeCode
	default:
		return 0
	}
}

// ReadPump reads frames until the socket fails and hands each one to handle.
// Frames are handled sequentially, so one session's events stay ordered.
func (c *Connection) ReadPump(handle func(data []byte)) {
	defer c.Close(CloseNormal, "")

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error on socket %s: %v", c.Context.SocketID, err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		handle(message)
	}
}

// WritePump drains the send queue and pings the client. When the connection
// is closed it flushes what is already queued, then writes the close frame.
// Learning: Separate goroutine for writing prevents blocking on slow clients
func (c *Connection) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			if err := c.write(message); err != nil {
				c.Close(CloseAbnormal, "")
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close(CloseAbnormal, "")
				return
			}

		case <-c.done:
			c.flush()
			if c.closeCode != CloseAbnormal {
				c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(c.closeCode, c.closeReason))
			}
			return
		}
	}
}

func (c *Connection) flush() {
	for {
		select {
		case message := <-c.send:
			if err := c.write(message); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Connection) write(message []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, message)
}
