package chat

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"

	myMiddleware "go-social/internal/middleware"
	"go-social/internal/presence"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// TokenValidator returns userID, username, error.
type TokenValidator interface {
	ValidateToken(tokenString string) (string, string, error)
}

type HistoryStore interface {
	RecentMessages(ctx context.Context, userA, userB string, limit int) ([]*Message, error)
}

type HandlerConfig struct {
	SendBuffer     int
	MaxMessageSize int64
	RequireToken   bool
	RateLimit      float64
	RateBurst      int
}

type Handler struct {
	relay     *Relay
	registry  *presence.Registry
	history   HistoryStore
	validator TokenValidator
	metrics   *Metrics
	log       *slog.Logger
	cfg       HandlerConfig

	mu       sync.Mutex
	clients  map[*Client]struct{}
	closing  bool
	sessions sync.WaitGroup
}

func NewHandler(relay *Relay, registry *presence.Registry, history HistoryStore, validator TokenValidator,
	metrics *Metrics, log *slog.Logger, cfg HandlerConfig) *Handler {
	return &Handler{
		relay:     relay,
		registry:  registry,
		history:   history,
		validator: validator,
		metrics:   metrics,
		log:       log,
		cfg:       cfg,
		clients:   make(map[*Client]struct{}),
	}
}

// ServeWs upgrades the request and starts a client. The user identifier comes from the
// userId query parameter; without one the connection is never reachable for live delivery.
func (h *Handler) ServeWs(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("userId"))

	if h.isClosing() {
		http.Error(w, "Server shutting down", http.StatusServiceUnavailable)
		return
	}

	if h.cfg.RequireToken {
		tokenID, _, err := h.validator.ValidateToken(myMiddleware.TokenFromRequest(r))
		if err != nil || userID == "" || tokenID != userID {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	id := uuid.NewString()
	client := &Client{
		id:       id,
		userID:   userID,
		conn:     conn,
		send:     make(chan []byte, h.cfg.SendBuffer),
		relay:    h.relay,
		registry: h.registry,
		metrics:  h.metrics,
		log:      h.log.With("connection_id", id, "user_id", userID),
		ctx:      context.WithoutCancel(r.Context()),
		state:    StateConnecting,
	}
	if h.cfg.RateLimit > 0 {
		client.limiter = rate.NewLimiter(rate.Limit(h.cfg.RateLimit), h.cfg.RateBurst)
	}
	if !h.track(client) {
		conn.Close()
		return
	}
	client.activate()

	go client.WritePump()
	go func() {
		defer h.untrack(client)
		client.ReadPump(h.cfg.MaxMessageSize)
	}()
}

func (h *Handler) isClosing() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closing
}

func (h *Handler) track(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closing {
		return false
	}
	h.clients[c] = struct{}{}
	h.sessions.Add(1)
	return true
}

func (h *Handler) untrack(c *Client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	h.sessions.Done()
}

// Shutdown closes every live session, registered or not, and waits for their read
// loops to return so no insert is still running when the database goes away.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closing = true
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.Close()
	}

	done := make(chan struct{})
	go func() {
		h.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetChatHistory returns recent messages between the caller and peerId, oldest first.
func (h *Handler) GetChatHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value(myMiddleware.UserKey).(string)
	if !ok || userID == "" {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	peerID := strings.TrimSpace(r.URL.Query().Get("peerId"))
	if peerID == "" {
		http.Error(w, "peerId is required", http.StatusBadRequest)
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(n, 200)
	}

	msgs, err := h.history.RecentMessages(r.Context(), userID, peerID, limit)
	if err != nil {
		h.log.Error("failed to load history", "user_id", userID, "peer_id", peerID, "error", err)
		http.Error(w, "failed to load history", http.StatusInternalServerError)
		return
	}

	out := make([]OutboundMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, NewOutboundMessage(m))
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}
