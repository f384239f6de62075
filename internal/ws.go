package internal

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	_wsWriteTimeout = 10 * time.Second

	// Inbound frames are control messages only (ready/ping/pong/cancel), so
	// anything large is garbage.
	_wsReadLimit = 64 << 10
)

var _upgrader = websocket.Upgrader{
	ReadBufferSize:  1 << 10,
	WriteBufferSize: 4 << 10,
	// Clients are mobile apps and CLIs, not browsers, so Origin carries no
	// signal here.
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsConn wraps one progress socket. Data writes are serialized by the owning
// job actor; gorilla permits concurrent WriteControl, which is all the read
// side ever issues.
type wsConn struct {
	conn *websocket.Conn
}

func upgradeWS(w http.ResponseWriter, r *http.Request) (*wsConn, error) {
	conn, err := _upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote an HTTP error to the client.
		return nil, errBadRequest.withMessage("websocket upgrade failed")
	}
	conn.SetReadLimit(_wsReadLimit)
	return &wsConn{conn: conn}, nil
}

// send writes one text frame under a deadline so a wedged client can't stall
// the actor loop.
func (c *wsConn) send(data []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(_wsWriteTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// closeWith delivers a close frame carrying code and reason, then tears down
// the connection. Callers may invoke it multiple times; later calls no-op at
// the TCP layer.
func (c *wsConn) closeWith(code int, reason string) {
	deadline := time.Now().Add(time.Second)
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, deadline)
	_ = c.conn.Close()
}

// readPump drains inbound frames until the socket dies. Parsed messages are
// handed to onMsg; a frame that isn't valid JSON or lacks a type closes the
// socket with 1002. onClose fires exactly once when reading stops.
func (c *wsConn) readPump(onMsg func(clientMsg), onClose func(error)) {
	go func() {
		for {
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				onClose(err)
				return
			}
			m, err := parseClientMsg(data)
			if err != nil {
				c.closeWith(websocket.CloseProtocolError, "malformed message")
				onClose(err)
				return
			}
			onMsg(m)
		}
	}()
}
