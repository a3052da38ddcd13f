package relay

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/chellapp/portal/internal/protocol"
)

type role int

const (
	roleNone role = iota
	roleDesktop
	roleMobile
)

func (r role) String() string {
	switch r {
	case roleDesktop:
		return "desktop"
	case roleMobile:
		return "mobile"
	default:
		return "open"
	}
}

const (
	// sendBuffer absorbs bursts without blocking the hub; overflow is
	// dropped for that client only.
	sendBuffer = 256

	maxFrameBytes = 512 * 1024
	writeWait     = 10 * time.Second
	pongWait      = 60 * time.Second
	pingPeriod    = 30 * time.Second
)

// conn is one live transport. Identity on the wire is the handle, an
// opaque id minted on accept; routing tables key on it, never on the
// socket pointer. Role, device identity, and session token are owned
// by the hub's event loop: they are written and read only there.
type conn struct {
	handle string
	sock   *websocket.Conn
	hub    *hub
	logger *slog.Logger

	send chan []byte
	done chan struct{}
	once sync.Once

	// Hub-owned state (single-writer: the hub event loop).
	role         role
	deviceID     string
	deviceName   string
	sessionToken string
	passphrase   string

	// inputLimiter protects desktops from terminal_input floods.
	inputLimiter *rate.Limiter
}

// close signals shutdown exactly once; writePump sends the close frame
// and tears down the socket.
func (c *conn) close() {
	c.once.Do(func() {
		close(c.done)
	})
}

// sendRaw queues bytes for delivery without blocking. Slow clients
// lose frames rather than stalling the hub.
func (c *conn) sendRaw(data []byte) {
	select {
	case <-c.done:
	case c.send <- data:
	default:
		c.logger.Warn("send buffer full, dropping frame", "conn", c.handle)
	}
}

// sendFrame marshals and queues a frame.
func (c *conn) sendFrame(f *protocol.Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		c.logger.Error("marshal frame", "type", f.Type, "err", err)
		return
	}
	c.sendRaw(data)
}

// sendError reports a failure to the peer without closing the
// connection.
func (c *conn) sendError(code, message string) {
	f := protocol.New(protocol.TypeError)
	f.Code = code
	f.Message = message
	c.sendFrame(f)
}

func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.sock.Close()
	}()
	for {
		select {
		case <-c.done:
			_ = c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.sock.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case data := <-c.send:
			_ = c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.sock.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug("write failed", "conn", c.handle, "err", err)
				return
			}
		case <-ticker.C:
			_ = c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.sock.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump feeds frames into the hub in arrival order, preserving the
// per-connection ordering guarantee. A frame that fails to parse is
// answered with an error frame and the connection stays open; one bad
// frame never takes down the shard.
func (c *conn) readPump() {
	defer func() {
		c.hub.disconnected(c)
		c.close()
	}()

	c.sock.SetReadLimit(maxFrameBytes)
	_ = c.sock.SetReadDeadline(time.Now().Add(pongWait))
	c.sock.SetPongHandler(func(string) error {
		return c.sock.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.sock.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseAbnormalClosure) {
				c.logger.Debug("read failed", "conn", c.handle, "err", err)
			}
			return
		}
		frame := &protocol.Frame{}
		if err := json.Unmarshal(data, frame); err != nil || frame.Type == "" {
			c.logger.Warn("malformed frame", "conn", c.handle, "err", err)
			c.sendError(protocol.CodeMalformedFrame, "frame could not be parsed")
			continue
		}
		if !c.hub.received(c, frame, data) {
			return
		}
	}
}
