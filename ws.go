// Kanaparty websocket transport
//
// Each connection to /ws gets a Client with its own bounded send queue and
// two goroutines:
// - readPump hands every text frame to the games router, and tells the router
//   when the connection goes away
// - writePump owns all socket writes: queued messages, keepalive pings, and
//   the close frame
//
// Rooms enqueue with Client.Send, which never blocks; a full or closed queue
// drops the message.

package main

import (
	"net/http"
	"sync"
	"time"

	"github.com/Seednode/kanaparty/games"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendQueueSize  = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type Client struct {
	conn *websocket.Conn
	send chan []byte

	done      chan struct{}
	closeOnce sync.Once
}

func newClient(conn *websocket.Conn) *Client {
	return &Client{
		conn: conn,
		send: make(chan []byte, sendQueueSize),
		done: make(chan struct{}),
	}
}

// Send implements games.Conn.
func (c *Client) Send(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Client) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

func serveWS(cfg *Config, rt *games.Router) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			cfg.log.Warn().Err(err).Str("ip", realIP(r)).Msg("websocket upgrade failed")
			return
		}

		ip := realIP(r)
		cfg.log.Debug().Str("ip", ip).Msg("websocket connected")

		client := newClient(conn)

		go client.writePump()
		client.readPump(cfg, rt)

		cfg.log.Debug().Str("ip", ip).Msg("websocket closed")
	}
}

func (c *Client) readPump(cfg *Config, rt *games.Router) {
	session := rt.NewSession(c)

	defer func() {
		c.shutdown()
		rt.Close(session)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				cfg.log.Debug().Err(err).Str("player", session.PlayerID()).Msg("websocket read failed")
			}
			return
		}

		if messageType != websocket.TextMessage {
			continue
		}

		rt.Handle(session, data)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)

	defer func() {
		ticker.Stop()
		c.shutdown()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}
