package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"souk-chat/internal/database"
	"souk-chat/internal/metrics"
	"souk-chat/internal/middleware"
	"souk-chat/internal/models"
	"souk-chat/internal/repository"
)

// Close codes sent by the hub. 4401 tells clients to stop reconnecting until
// they have a new credential.
const (
	CloseUnauthorized = 4401
	CloseForbidden    = 4403
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 45 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Source delivers the frames published for a thread until ctx ends.
type Source interface {
	Subscribe(ctx context.Context, threadID string) <-chan []byte
}

type ThreadReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Thread, error)
}

type TypingState interface {
	Typing(ctx context.Context, threadID string) (bool, error)
}

type client struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *client) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *client) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.write(data)
}

func (c *client) writeControl(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteControl(messageType, data, time.Now().Add(writeWait))
}

// Hub keeps the open chat sockets per thread and relays published frames to
// them.
type Hub struct {
	mu          sync.RWMutex
	connections map[string][]*client
	cancelFuncs map[string]context.CancelFunc

	source  Source
	auth    *middleware.JWTAuth
	threads ThreadReader
	typing  TypingState
	logger  zerolog.Logger
}

func NewHub(source Source, auth *middleware.JWTAuth, threads ThreadReader, typing TypingState, logger zerolog.Logger) *Hub {
	return &Hub{
		connections: make(map[string][]*client),
		cancelFuncs: make(map[string]context.CancelFunc),
		source:      source,
		auth:        auth,
		threads:     threads,
		typing:      typing,
		logger:      logger.With().Str("component", "ws_hub").Logger(),
	}
}

// HandleWebSocket serves GET /ws/chat/{threadID}/.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	threadID, err := uuid.Parse(chi.URLParam(r, "threadID"))
	if err != nil {
		http.Error(w, "invalid thread id", http.StatusBadRequest)
		return
	}

	claims, authErr := h.auth.ParseToken(middleware.TokenFromRequest(r))

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	c := &client{conn: conn}

	// Rejections happen after the upgrade so browsers see the close code.
	if authErr != nil {
		h.reject(c, CloseUnauthorized, "unauthorized", authErr.Error())
		return
	}

	thread, err := h.threads.GetByID(r.Context(), threadID)
	switch {
	case errors.Is(err, repository.ErrThreadNotFound):
		thread = &models.Thread{ID: threadID, UserID: claims.UserID}
	case err != nil:
		h.logger.Error().Err(err).Str("thread_id", threadID.String()).Msg("failed to load thread")
		h.reject(c, websocket.CloseTryAgainLater, "unavailable", "thread store unavailable")
		return
	}
	if thread.UserID != claims.UserID {
		h.reject(c, CloseForbidden, "forbidden", "thread belongs to another user")
		return
	}

	id := threadID.String()
	h.registerConnection(id, c)

	ctx, cancel := context.WithCancel(context.Background())
	go h.pingLoop(ctx, c)
	go func() {
		defer cancel()
		defer h.unregisterConnection(id, c)
		h.readLoop(ctx, id, c)
	}()
}

func (h *Hub) reject(c *client, code int, reason, text string) {
	metrics.WSRejected.WithLabelValues(reason).Inc()
	c.writeControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text))
	c.conn.Close()
}

func (h *Hub) readLoop(ctx context.Context, threadID string, c *client) {
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(data, &msg) != nil {
			continue
		}
		if msg.Type == models.TypeClientHello {
			h.hello(ctx, threadID, c)
		}
	}
}

// hello replays the thread state and any reply still being generated.
func (h *Hub) hello(ctx context.Context, threadID string, c *client) {
	id, _ := uuid.Parse(threadID)
	thread, err := h.threads.GetByID(ctx, id)
	if err != nil {
		thread = &models.Thread{ID: id}
	}
	if err := c.writeJSON(models.NewRehydration(thread)); err != nil {
		return
	}

	typing, err := h.typing.Typing(ctx, threadID)
	if err != nil {
		h.logger.Warn().Err(err).Str("thread_id", threadID).Msg("failed to read typing state")
		return
	}
	if typing {
		c.writeJSON(models.NewTyping(threadID, true))
	}
}

func (h *Hub) pingLoop(ctx context.Context, c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.writeControl(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) registerConnection(threadID string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.connections[threadID] = append(h.connections[threadID], c)
	metrics.WSConnections.Inc()

	// First socket for this thread starts its subscription.
	if len(h.connections[threadID]) == 1 && h.source != nil {
		ctx, cancel := context.WithCancel(context.Background())
		h.cancelFuncs[threadID] = cancel
		go h.subscribe(ctx, threadID)
	}

	h.logger.Debug().Str("thread_id", threadID).Int("total", len(h.connections[threadID])).Msg("websocket connected")
}

func (h *Hub) unregisterConnection(threadID string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	c.conn.Close()

	conns := h.connections[threadID]
	for i, existing := range conns {
		if existing == c {
			h.connections[threadID] = append(conns[:i], conns[i+1:]...)
			metrics.WSConnections.Dec()
			break
		}
	}

	if len(h.connections[threadID]) == 0 {
		delete(h.connections, threadID)
		if cancel, ok := h.cancelFuncs[threadID]; ok {
			cancel()
			delete(h.cancelFuncs, threadID)
		}
	}

	h.logger.Debug().Str("thread_id", threadID).Msg("websocket disconnected")
}

func (h *Hub) subscribe(ctx context.Context, threadID string) {
	for data := range h.source.Subscribe(ctx, threadID) {
		h.Broadcast(threadID, data)
	}
}

// Broadcast writes data to every socket open on threadID.
func (h *Hub) Broadcast(threadID string, data []byte) {
	h.mu.RLock()
	conns := append([]*client(nil), h.connections[threadID]...)
	h.mu.RUnlock()

	for _, c := range conns {
		if err := c.write(data); err != nil {
			h.logger.Debug().Err(err).Str("thread_id", threadID).Msg("broadcast write failed")
		}
	}
}

// Connections reports how many sockets are open on threadID.
func (h *Hub) Connections(threadID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections[threadID])
}

// RedisSource subscribes to the thread_updates:<id> channels.
type RedisSource struct {
	redis *redis.Client
}

func NewRedisSource(redisClient *redis.Client) *RedisSource {
	return &RedisSource{redis: redisClient}
}

func (s *RedisSource) Subscribe(ctx context.Context, threadID string) <-chan []byte {
	out := make(chan []byte, 16)
	go func() {
		defer close(out)

		pubsub := s.redis.Subscribe(ctx, database.ThreadChannel(threadID))
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}
