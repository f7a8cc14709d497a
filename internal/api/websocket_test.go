package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/opsledger/intake-engine/internal/tenant"
)

func newStreamServer(t *testing.T) (*Hub, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	hub := NewHub(zerolog.Nop())
	go hub.Run()
	t.Cleanup(hub.Close)

	r := gin.New()
	r.Use(tenant.Middleware(zerolog.Nop()))
	r.GET("/stream", hub.Subscribe)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	return hub, "ws" + strings.TrimPrefix(srv.URL, "http") + "/stream"
}

func dialStream(t *testing.T, url, tenantID string) *websocket.Conn {
	t.Helper()
	hdr := http.Header{}
	hdr.Set(tenant.Header, tenantID)
	conn, resp, err := websocket.DefaultDialer.Dial(url, hdr)
	if err != nil {
		t.Fatalf("dial as %s: %v", tenantID, err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	return conn
}

func waitForClients(t *testing.T, hub *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		hub.mu.Lock()
		n := len(hub.clients)
		hub.mu.Unlock()
		if n == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("never saw %d stream clients", want)
}

func TestStreamDeliversOnlyToBoundTenant(t *testing.T) {
	hub, url := newStreamServer(t)

	connA := dialStream(t, url, "acme")
	defer connA.Close()
	connB := dialStream(t, url, "globex")
	defer connB.Close()
	waitForClients(t, hub, 2)

	hub.Broadcast("acme", EventJobProgress, map[string]int{"rowsProcessed": 500})

	_ = connA.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := connA.ReadMessage()
	if err != nil {
		t.Fatalf("bound tenant never got its event: %v", err)
	}
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		t.Fatalf("bad event payload %q: %v", raw, err)
	}
	if ev.Type != EventJobProgress {
		t.Fatalf("wrong event type %q", ev.Type)
	}

	_ = connB.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, _, err := connB.ReadMessage(); err == nil {
		t.Fatal("event leaked to another tenant")
	}
}

func TestStreamRefusesUnboundHandshake(t *testing.T) {
	_, url := newStreamServer(t)

	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		conn.Close()
		t.Fatal("handshake succeeded without a tenant binding")
	}
	if resp == nil || resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected a 400 refusal, got %+v", resp)
	}
	resp.Body.Close()
}

func TestStreamDropsDisconnectedClients(t *testing.T) {
	hub, url := newStreamServer(t)

	conn := dialStream(t, url, "acme")
	waitForClients(t, hub, 1)

	conn.Close()
	waitForClients(t, hub, 0)

	// broadcasting into an empty room is a no-op, not a panic
	hub.Broadcast("acme", EventPatternChanged, nil)
}
