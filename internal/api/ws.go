package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/muxhq/mux/pkg/models"
)

const (
	wsWriteWait    = 10 * time.Second
	wsPongWait     = 45 * time.Second
	wsPingInterval = 15 * time.Second
	wsSendBuffer   = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  8192,
	WriteBufferSize: 8192,
	CheckOrigin: func(*http.Request) bool {
		return true
	},
}

// wsFrame is one outbound frame on a subscription socket. Exactly one of
// the payload fields is set, keyed by Type.
type wsFrame struct {
	Type string `json:"type"`

	// history / replay (chat socket catch-up)
	Messages []models.Message   `json:"messages,omitempty"`
	Events   []models.ChatEvent `json:"events,omitempty"`

	// snapshot (metadata socket catch-up)
	Workspaces []models.WorkspaceMetadata `json:"workspaces,omitempty"`

	// event
	Chat     *models.ChatEvent     `json:"chat,omitempty"`
	Metadata *models.MetadataEvent `json:"metadata,omitempty"`
	Init     *models.InitEvent     `json:"init,omitempty"`
}

// wsConn wraps a websocket connection with a single writer goroutine and a
// reader that only services pongs and disconnects.
type wsConn struct {
	conn   *websocket.Conn
	send   chan wsFrame
	done   chan struct{}
	once   sync.Once
	logger *slog.Logger
}

func (s *Server) newWSConn(conn *websocket.Conn) *wsConn {
	c := &wsConn{
		conn:   conn,
		send:   make(chan wsFrame, wsSendBuffer),
		done:   make(chan struct{}),
		logger: s.logger,
	}
	go c.writeLoop()
	go c.readLoop()
	return c
}

func (c *wsConn) close() {
	c.once.Do(func() { close(c.done) })
}

// enqueue queues a frame for the writer; returns false once the socket is
// gone.
func (c *wsConn) enqueue(frame wsFrame) bool {
	select {
	case c.send <- frame:
		return true
	case <-c.done:
		return false
	}
}

// writeLoop owns all writes on the socket: queued frames plus the ping
// heartbeat.
func (c *wsConn) writeLoop() {
	ticker := time.NewTicker(wsPingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			data, err := json.Marshal(frame)
			if err != nil {
				c.logger.Warn("encoding ws frame failed", "error", err)
				continue
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)) //nolint:errcheck
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)) //nolint:errcheck
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}

// readLoop discards inbound frames; it exists to process pongs and notice
// the peer going away.
func (c *wsConn) readLoop() {
	defer c.close()
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait)) //nolint:errcheck
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// handleChatSocket streams one workspace's chat channel: committed history
// and in-flight replay first, then live events until the client leaves.
func (s *Server) handleChatSocket(w http.ResponseWriter, r *http.Request) {
	workspaceID := r.URL.Query().Get("workspace_id")
	if workspaceID == "" {
		s.writeError(w, http.StatusBadRequest, "workspace_id is required")
		return
	}
	sub, err := s.engine.SubscribeChat(workspaceID)
	if err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	defer sub.Cancel()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := s.newWSConn(conn)
	defer c.close()

	c.enqueue(wsFrame{Type: "history", Messages: sub.History})
	if len(sub.Replay) > 0 {
		c.enqueue(wsFrame{Type: "replay", Events: sub.Replay})
	}

	for {
		select {
		case <-c.done:
			return
		case ev, ok := <-sub.Events:
			if !ok {
				return
			}
			if !c.enqueue(wsFrame{Type: "event", Chat: &ev}) {
				return
			}
		}
	}
}

// handleMetadataSocket streams the process-wide workspace metadata channel
// with a full snapshot first.
func (s *Server) handleMetadataSocket(w http.ResponseWriter, r *http.Request) {
	snapshot, events, cancel := s.engine.SubscribeMetadata()
	defer cancel()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := s.newWSConn(conn)
	defer c.close()

	c.enqueue(wsFrame{Type: "snapshot", Workspaces: snapshot})

	for {
		select {
		case <-c.done:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if !c.enqueue(wsFrame{Type: "event", Metadata: &ev}) {
				return
			}
		}
	}
}

// handleInitSocket streams a workspace's init hook output. The channel
// closes when the hooks complete, which ends the socket.
func (s *Server) handleInitSocket(w http.ResponseWriter, r *http.Request) {
	workspaceID := r.URL.Query().Get("workspace_id")
	if workspaceID == "" {
		s.writeError(w, http.StatusBadRequest, "workspace_id is required")
		return
	}
	events, cancel := s.engine.SubscribeInit(workspaceID)
	defer cancel()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := s.newWSConn(conn)
	defer c.close()

	for {
		select {
		case <-c.done:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if !c.enqueue(wsFrame{Type: "event", Init: &ev}) {
				return
			}
		}
	}
}
