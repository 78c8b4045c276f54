package httpapi

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait     = 10 * time.Second
	pingPeriod    = 30 * time.Second
	sendBufferCap = 128
)

// wsConn adapts one websocket to the room.Sink contract. Outbound frames
// go through a buffered channel drained by a single write loop; a client
// that cannot keep up is closed rather than allowed to stall the relay.
type wsConn struct {
	userID string
	ws     *websocket.Conn
	send   chan []byte
	once   sync.Once
	closed chan struct{}
}

func newWSConn(userID string, ws *websocket.Conn) *wsConn {
	return &wsConn{
		userID: userID,
		ws:     ws,
		send:   make(chan []byte, sendBufferCap),
		closed: make(chan struct{}),
	}
}

// start launches the write loop. Call exactly once per connection.
func (c *wsConn) start() {
	go c.writeLoop()
}

func (c *wsConn) Deliver(payload []byte) error {
	select {
	case <-c.closed:
		return errors.New("connection closed")
	case c.send <- payload:
		return nil
	default:
		c.Close("send buffer full")
		return errors.New("connection buffer exceeded")
	}
}

func (c *wsConn) Close(reason string) {
	c.once.Do(func() {
		close(c.closed)
		deadline := time.Now().Add(writeWait)
		_ = c.ws.SetWriteDeadline(deadline)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason), deadline)
		_ = c.ws.Close()
	})
}

func (c *wsConn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.closed:
			return
		case msg := <-c.send:
			if err := c.writeMessage(msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.writePing(); err != nil {
				return
			}
		}
	}
}

func (c *wsConn) writeMessage(payload []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, payload)
}

func (c *wsConn) writePing() error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.PingMessage, nil)
}
