package signal

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// writeWait bounds a single frame write.
	writeWait = 10 * time.Second
	// pongWait is how long a silent peer survives; pings go out at
	// pingPeriod to keep healthy peers inside the window.
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	// maxMessageSize accommodates RTP capability blobs.
	maxMessageSize = 128 << 10
	// sendBuffer is the per-client outbound queue; a client that cannot
	// drain it is disconnected rather than allowed to stall broadcasts.
	sendBuffer = 64
)

type client struct {
	id      string
	addr    string
	gateway *Gateway
	conn    *websocket.Conn
	send    chan []byte
}

// enqueue hands an encoded frame to the write pump. It reports false when
// the client's queue is full.
func (c *client) enqueue(frame []byte) bool {
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *client) sendEnvelope(envelope Envelope) {
	frame, err := json.Marshal(envelope)
	if err != nil {
		c.gateway.logger.Error("encode envelope", "type", envelope.Type, "error", err)
		return
	}
	if !c.enqueue(frame) {
		c.gateway.logger.Warn("client send queue full, dropping connection", "conn_id", c.id)
		c.gateway.disconnect(c)
	}
}

func (c *client) readPump() {
	defer c.gateway.disconnect(c)

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.gateway.logger.Debug("websocket read", "conn_id", c.id, "error", err)
			}
			return
		}

		var envelope Envelope
		if err := json.Unmarshal(frame, &envelope); err != nil {
			c.sendEnvelope(errorEnvelope("", errMalformedFrame))
			continue
		}
		c.gateway.handleMessage(c, envelope)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
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
