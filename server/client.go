package server

import (
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/teranos/leakhunter/finding"
	"github.com/teranos/leakhunter/logger"
)

// WebSocket timeouts, as in the gorilla chat example
const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second // must be less than pongWait
	maxMessageSize = 4096             // clients only send control frames
	sendBuffer     = 256
)

// streamFilter narrows the findings a client receives
type streamFilter struct {
	platform string
	severity string
	rule     string
	ecs      bool
}

func (f streamFilter) match(fd finding.Finding) bool {
	if f.platform != "" && !strings.EqualFold(f.platform, fd.Platform) {
		return false
	}
	if f.severity != "" && !strings.EqualFold(f.severity, fd.Severity.String()) {
		return false
	}
	if f.rule != "" && f.rule != fd.Rule {
		return false
	}
	return true
}

// streamMessage is one frame on /integrations/events/stream
type streamMessage struct {
	Type  string `json:"type"` // finding | run
	Event any    `json:"event,omitempty"`
	Phase string `json:"phase,omitempty"` // started | finished, for runs
	Run   any    `json:"run,omitempty"`
}

// Client is one websocket subscriber
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan streamMessage
	id     string
	filter streamFilter

	// ids already written during replay; live copies are skipped
	replayed map[string]struct{}

	closeOnce sync.Once
}

func (c *Client) findingMessage(f finding.Finding) streamMessage {
	if c.filter.ecs {
		return streamMessage{Type: "finding", Event: finding.ToECS(f)}
	}
	return streamMessage{Type: "finding", Event: f}
}

// readPump only services pings and closes; the stream is one-way
func (c *Client) readPump() {
	defer func() {
		c.hub.leave(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				c.hub.log.Warnw("WebSocket read error", "client_id", c.id, logger.FieldError, err)
			}
			return
		}
	}
}

// writePump delivers queued messages and keeps the connection alive
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.hub.ctx.Done():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if c.skip(msg) {
				continue
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				c.hub.log.Debugw("WebSocket write error", "client_id", c.id, logger.FieldError, err)
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

func (c *Client) skip(msg streamMessage) bool {
	if len(c.replayed) == 0 || msg.Type != "finding" {
		return false
	}
	var id string
	switch ev := msg.Event.(type) {
	case finding.Finding:
		id = ev.ID
	case map[string]any:
		if e, ok := ev["event"].(map[string]any); ok {
			id, _ = e["id"].(string)
		}
	}
	_, seen := c.replayed[id]
	return seen
}

func (c *Client) close() {
	c.closeOnce.Do(func() { close(c.send) })
}
