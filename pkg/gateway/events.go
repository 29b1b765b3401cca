package gateway

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/DeBrosOfficial/datamarket/pkg/logging"
	"github.com/DeBrosOfficial/datamarket/pkg/marketplace"
)

const (
	streamBuffer  = 64
	writeWait     = 10 * time.Second
	pingInterval  = 30 * time.Second
	readLimitSize = 4 << 10
)

type streamClient struct {
	send   chan []byte
	closed chan struct{}
	once   sync.Once
}

func (c *streamClient) close() {
	c.once.Do(func() { close(c.closed) })
}

// eventHub fans coordinator events out to WebSocket clients. Broadcasts
// never block: a client whose buffer is full loses the event.
type eventHub struct {
	logger *logging.ColoredLogger

	mu      sync.Mutex
	clients map[*streamClient]struct{}
	done    bool
}

func newEventHub(logger *logging.ColoredLogger) *eventHub {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &eventHub{logger: logger, clients: make(map[*streamClient]struct{})}
}

func (h *eventHub) add() (*streamClient, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.done {
		return nil, false
	}
	c := &streamClient{send: make(chan []byte, streamBuffer), closed: make(chan struct{})}
	h.clients[c] = struct{}{}
	return c, true
}

func (h *eventHub) remove(c *streamClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.close()
}

func (h *eventHub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// broadcast is the coordinator subscriber. It runs on the publishing
// goroutine.
func (h *eventHub) broadcast(ev marketplace.Event) {
	b, err := json.Marshal(ev)
	if err != nil {
		h.logger.ComponentWarn(logging.ComponentGateway, "Dropping unencodable event",
			zap.String("type", string(ev.Type)), zap.Error(err))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- b:
		default:
			h.logger.ComponentWarn(logging.ComponentGateway, "Stream client slow, dropping event",
				zap.String("type", string(ev.Type)))
		}
	}
}

func (h *eventHub) closeAll() {
	h.mu.Lock()
	h.done = true
	clients := h.clients
	h.clients = make(map[*streamClient]struct{})
	h.mu.Unlock()
	for c := range clients {
		c.close()
	}
}

// eventsHandler upgrades to a WebSocket and streams coordinator events. The
// first two messages are the current session and purchase progress so a
// client never starts from a blank state.
func (g *Gateway) eventsHandler(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(r *http.Request) bool { return g.originAllowed(r.Header.Get("Origin")) },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.ComponentWarn(logging.ComponentGateway, "Event stream upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	client, ok := g.events.add()
	if !ok {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(writeWait))
		return
	}
	defer g.events.remove(client)

	g.logger.ComponentDebug(logging.ComponentGateway, "Event stream client connected",
		zap.String("remote", getClientIP(r)))

	s := g.market.Session()
	p := g.market.Progress()
	now := time.Now().UTC()
	for _, ev := range []marketplace.Event{
		{Type: marketplace.EventSession, Change: "snapshot", Session: &s, At: now},
		{Type: marketplace.EventProgress, Progress: &p, At: now},
	} {
		b, err := json.Marshal(ev)
		if err != nil {
			return
		}
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
			return
		}
	}

	// Reader: clients do not send anything meaningful; reading surfaces
	// close frames and keeps pong handling alive.
	go func() {
		defer client.close()
		conn.SetReadLimit(readLimitSize)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case b := <-client.send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-client.closed:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		case <-r.Context().Done():
			return
		}
	}
}
