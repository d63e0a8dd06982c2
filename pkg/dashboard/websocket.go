package dashboard

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sipeed/wabridge/pkg/bus"
	"github.com/sipeed/wabridge/pkg/logger"
	"github.com/sipeed/wabridge/pkg/session"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	maxMessage = 512
)

// wsClient couples one websocket connection to one hub subscriber.
type wsClient struct {
	server *Server
	conn   *websocket.Conn
	sub    *bus.Subscriber
}

type clientMessage struct {
	Type string `json:"type"`
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.ErrorCF("dashboard", "WebSocket upgrade failed", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	c := &wsClient{
		server: s,
		conn:   conn,
		sub:    s.hub.Subscribe(),
	}
	logger.InfoCF("dashboard", "WebSocket client connected", map[string]interface{}{
		"subscriber": c.sub.ID,
		"remote":     r.RemoteAddr,
	})

	go c.writePump()
	go c.readPump()
}

func (c *wsClient) readPump() {
	defer func() {
		c.server.hub.Unsubscribe(c.sub)
		c.conn.Close()
		logger.InfoCF("dashboard", "WebSocket client disconnected", map[string]interface{}{
			"subscriber": c.sub.ID,
			"dropped":    c.sub.Dropped(),
		})
	}()

	c.conn.SetReadLimit(maxMessage)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		// Any client traffic counts as liveness
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.sub.Send(bus.ErrorEvent("invalid message", ""))
			continue
		}
		c.dispatch(msg)
	}
}

func (c *wsClient) dispatch(msg clientMessage) {
	sess := c.server.session
	switch msg.Type {
	case "ping":
		c.sub.Send(bus.PongEvent())

	case "init":
		// Launching can block on the connection handshake
		go func() {
			err := sess.Start()
			switch {
			case err == nil:
			case errors.Is(err, session.ErrAlreadyInitialized):
				c.sub.Send(bus.StatusEvent(c.server.hub.Snapshot()))
			default:
				c.sub.Send(bus.ErrorEvent(err.Error(), "retry"))
			}
		}()

	case "disconnect":
		if err := sess.Stop(userDisconnectReason); err != nil {
			c.sub.Send(bus.ErrorEvent(err.Error(), ""))
			return
		}
		c.sub.Send(bus.DisconnectedAckEvent())

	default:
		logger.DebugCF("dashboard", "Ignoring unknown websocket message", map[string]interface{}{
			"type":       msg.Type,
			"subscriber": c.sub.ID,
		})
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	events := c.sub.Events()
	for {
		select {
		case ev, ok := <-events:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(ev); err != nil {
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
