package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/opsledger/intake-engine/internal/tenant"
)

const streamWriteWait = 5 * time.Second

// Event is one message pushed down the stream.
type Event struct {
	Type string    `json:"type"`
	At   time.Time `json:"at"`
	Data any       `json:"data"`
}

// Stream event types.
const (
	EventJobProgress    = "job_progress"
	EventSuggestion     = "pattern_suggestion"
	EventPatternChanged = "pattern_changed"
)

type event struct {
	tenantID string
	payload  []byte
}

// Hub fans job-progress and pattern events out to stream subscribers. Every
// connection is bound to the tenant that opened it and only ever receives
// that tenant's events.
type Hub struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]string // conn -> tenant binding
	events  chan event
	log     zerolog.Logger
}

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[*websocket.Conn]string),
		events:  make(chan event, 256),
		log:     log.With().Str("component", "stream").Logger(),
	}
}

// Run delivers queued events until Close. Writes carry a deadline so one
// stuck client cannot hang the loop for the rest.
func (h *Hub) Run() {
	for ev := range h.events {
		h.mu.Lock()
		for conn, bound := range h.clients {
			if bound != ev.tenantID {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, ev.payload); err != nil {
				h.log.Debug().Err(err).Msg("dropping stream client after write error")
				conn.Close()
				delete(h.clients, conn)
			}
		}
		h.mu.Unlock()
	}
}

// Broadcast queues one event for a tenant's subscribers. A full queue drops
// the event instead of stalling the pipeline behind slow readers; the stream
// is a convenience view, job state stays queryable.
func (h *Hub) Broadcast(tenantID, kind string, data any) {
	payload, err := json.Marshal(Event{Type: kind, At: time.Now().UTC(), Data: data})
	if err != nil {
		h.log.Error().Err(err).Str("type", kind).Msg("stream payload marshal failed")
		return
	}
	select {
	case h.events <- event{tenantID: tenantID, payload: payload}:
	default:
		h.log.Warn().Str("type", kind).Str("tenant_id", tenantID).Msg("stream queue full, event dropped")
	}
}

// Close stops the delivery loop and hangs up on every client.
func (h *Hub) Close() {
	close(h.events)
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.Close()
		delete(h.clients, conn)
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// the API is header-bound and carries no cookies, so any origin may
	// subscribe; tenancy still comes from the header binding
	CheckOrigin: func(*http.Request) bool { return true },
}

// Subscribe upgrades the request and binds the connection to the tenant the
// middleware resolved.
func (h *Hub) Subscribe(c *gin.Context) {
	tenantID, err := tenant.FromContext(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	h.mu.Lock()
	h.clients[conn] = tenantID
	total := len(h.clients)
	h.mu.Unlock()
	h.log.Info().Str("tenant_id", tenantID).Int("clients", total).Msg("stream client connected")

	// subscribers never send anything we act on; the read loop exists to
	// notice the close frame
	go func() {
		defer func() {
			h.mu.Lock()
			delete(h.clients, conn)
			h.mu.Unlock()
			conn.Close()
			h.log.Info().Str("tenant_id", tenantID).Msg("stream client disconnected")
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
