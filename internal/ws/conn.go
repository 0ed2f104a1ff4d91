package ws

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/router-for-me/ChatRelay/internal/registry"
	log "github.com/sirupsen/logrus"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBuffer     = 256
)

var (
	errConnClosed = errors.New("ws: connection closed")
	errSlowReader = errors.New("ws: send buffer full")
)

// envelope is a server-initiated event.
type envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// Conn is one upgraded websocket. It implements registry.Conn.
type Conn struct {
	id   string
	info registry.ClientInfo
	ws   *websocket.Conn

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newConn(id string, info registry.ClientInfo, wsConn *websocket.Conn) *Conn {
	return &Conn{
		id:   id,
		info: info,
		ws:   wsConn,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
}

// ID returns the connection id.
func (c *Conn) ID() string { return c.id }

// Info returns the client metadata captured at upgrade.
func (c *Conn) Info() registry.ClientInfo { return c.info }

// Send queues an event without blocking. A connection whose buffer is full is closed.
func (c *Conn) Send(event string, payload any) error {
	data, errMarshal := json.Marshal(envelope{Event: event, Data: payload})
	if errMarshal != nil {
		return errMarshal
	}
	return c.enqueue(data)
}

// Close stops both pumps. Queued frames are flushed before the socket closes.
// Safe to call more than once.
func (c *Conn) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Conn) reply(data []byte) {
	if errSend := c.enqueue(data); errSend != nil {
		log.WithError(errSend).WithField("conn_id", c.id).Debug("ws: reply dropped")
	}
}

func (c *Conn) enqueue(data []byte) error {
	select {
	case <-c.done:
		return errConnClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return errConnClosed
	default:
		log.WithField("conn_id", c.id).Warn("ws: dropping slow connection")
		c.Close()
		return errSlowReader
	}
}

// readPump delivers frames to handle until the peer goes away or Close is called.
func (c *Conn) readPump(handle func([]byte)) {
	defer c.Close()
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		messageType, data, errRead := c.ws.ReadMessage()
		if errRead != nil {
			if websocket.IsUnexpectedCloseError(errRead, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.WithError(errRead).WithField("conn_id", c.id).Debug("ws: read failed")
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		handle(data)
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
		_ = c.ws.Close()
	}()
	for {
		select {
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if errWrite := c.ws.WriteMessage(websocket.TextMessage, msg); errWrite != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if errPing := c.ws.WriteMessage(websocket.PingMessage, nil); errPing != nil {
				return
			}
		case <-c.done:
			c.flush()
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

// flush writes whatever is already queued, such as a forcedLogout notice.
func (c *Conn) flush() {
	for {
		select {
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if errWrite := c.ws.WriteMessage(websocket.TextMessage, msg); errWrite != nil {
				return
			}
		default:
			return
		}
	}
}
