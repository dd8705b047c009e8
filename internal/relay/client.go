package relay

import (
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	sendBufferSize = 256
)

// Client is one websocket connection attached to a session.
type Client struct {
	ID      string
	UserID  string
	Name    string
	Color   string
	conn      *websocket.Conn
	session   *Session
	send      chan []byte
	closeOnce sync.Once
}

func NewClient(id, userID, name, color string, conn *websocket.Conn, session *Session) *Client {
	return &Client{
		ID:      id,
		UserID:  userID,
		Name:    name,
		Color:   color,
		conn:    conn,
		session: session,
		send:    make(chan []byte, sendBufferSize),
	}
}

// Serve registers the client and runs both pumps, blocking until the
// connection drops.
func (c *Client) Serve() {
	c.session.Join(c)
	go c.writePump()
	c.readPump()
}

func (c *Client) readPump() {
	defer func() {
		c.session.Leave(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Printf("relay: read error from %s: %v", c.ID, err)
			}
			return
		}
		c.session.HandleFrame(c, message)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// closeSend shuts the write pump down. Both the session actor and a join
// that raced teardown may call it, so it must tolerate repeats.
func (c *Client) closeSend() {
	c.closeOnce.Do(func() { close(c.send) })
}

// enqueue hands a frame to the write pump without blocking the session. A
// full buffer means a stalled reader; the frame is dropped and logged.
func (c *Client) enqueue(frame []byte) {
	select {
	case c.send <- frame:
	default:
		log.Printf("relay: send buffer full for client %s, dropping frame", c.ID)
	}
}
