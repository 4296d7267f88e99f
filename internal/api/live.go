package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"plantnode/internal/auth"
	"plantnode/internal/cloud"
)

const (
	liveSendBuffer = 16
	liveWriteWait  = 10 * time.Second
	livePongWait   = 60 * time.Second
	livePingPeriod = livePongWait * 9 / 10
)

// Hub fans publish updates out to live websocket clients
type Hub struct {
	mu      sync.RWMutex
	clients map[*liveClient]struct{}
	logger  *zap.Logger
}

type liveClient struct {
	send chan cloud.Update
}

// NewHub creates an empty hub
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		clients: make(map[*liveClient]struct{}),
		logger:  logger,
	}
}

func (h *Hub) register() *liveClient {
	c := &liveClient{send: make(chan cloud.Update, liveSendBuffer)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	return c
}

func (h *Hub) unregister(c *liveClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// Broadcast queues u for every client. Clients whose buffer is full miss
// the update.
func (h *Hub) Broadcast(u cloud.Update) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- u:
		default:
			h.logger.Debug("live client too slow, update dropped", zap.String("property", u.Property))
		}
	}
}

// Len returns the number of connected clients
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// LiveHandler serves the live update websocket
type LiveHandler struct {
	hub      *Hub
	tickets  *auth.TicketStore
	clientIP clientIPFunc
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

// NewLiveHandler creates new live handler
func NewLiveHandler(hub *Hub, tickets *auth.TicketStore, clientIP clientIPFunc, logger *zap.Logger) *LiveHandler {
	h := &LiveHandler{
		hub:      hub,
		tickets:  tickets,
		clientIP: clientIP,
		logger:   logger,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		// The one-time ticket guards against cross-site hijacking
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	return h
}

// Ticket handles POST /api/live/ticket
// Returns a one-time ticket for GET /api/live?ticket=...
func (h *LiveHandler) Ticket(w http.ResponseWriter, r *http.Request) {
	subject := "anonymous"
	if claims := auth.ClaimsFromContext(r.Context()); claims != nil {
		subject = claims.Subject
	}

	t, err := h.tickets.Issue(subject)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to issue ticket")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ticket":    t,
		"expiresIn": int(auth.TicketTTL / time.Second),
	})
}

// Connect handles GET /api/live
func (h *LiveHandler) Connect(w http.ResponseWriter, r *http.Request) {
	subject, ok := h.tickets.Redeem(r.URL.Query().Get("ticket"))
	if !ok {
		writeError(w, http.StatusUnauthorized, "invalid or expired ticket")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := h.hub.register()
	h.logger.Info("live client connected", zap.String("subject", subject), zap.String("ip", h.clientIP(r)))

	go h.readPump(conn, client)
	h.writePump(conn, client)
}

// readPump discards client messages and unregisters on close
func (h *LiveHandler) readPump(conn *websocket.Conn, client *liveClient) {
	defer h.hub.unregister(client)

	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(livePongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(livePongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *LiveHandler) writePump(conn *websocket.Conn, client *liveClient) {
	ticker := time.NewTicker(livePingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case u, ok := <-client.send:
			conn.SetWriteDeadline(time.Now().Add(liveWriteWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteJSON(u); err != nil {
				h.hub.unregister(client)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(liveWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.hub.unregister(client)
				return
			}
		}
	}
}
