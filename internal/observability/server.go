// Package observability implements the push/REST surface of §6.5: a
// WebSocket feed of connection lifecycle and activity events, plus a REST
// snapshot for anything that missed the feed (a dashboard reconnecting,
// an operator's curl).
//
// An HTTP server serves the /ws push channel, JSON snapshots under
// /api/connections and /api/stats, and a /health check. The push channel
// follows gorilla/websocket's chat-room example idiom (per-client send
// channel + writer goroutine).
package observability

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/aiva-labs/voicebridge/internal/billing"
	"github.com/aiva-labs/voicebridge/internal/connection"
	"github.com/aiva-labs/voicebridge/internal/functions"
	"github.com/aiva-labs/voicebridge/internal/provider"
)

// Event is the wire shape pushed to every connected WebSocket client.
type Event struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	SessionID string    `json:"session_id,omitempty"`
	Data      any       `json:"data,omitempty"`
}

type connectionSummary struct {
	SessionID    string  `json:"session_id"`
	TenantID     string  `json:"tenant_id"`
	AgentID      string  `json:"agent_id"`
	CallerID     string  `json:"caller_id"`
	Variant      string  `json:"variant"`
	AsteriskPort int     `json:"asterisk_port"`
	DurationSec  float64 `json:"duration_seconds"`
}

type transcriptPayload struct {
	Speaker provider.Speaker `json:"speaker"`
	Text    string           `json:"text"`
	Final   bool             `json:"final"`
}

type functionCallPayload struct {
	CallID    string `json:"call_id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type functionResponsePayload struct {
	CallID  string `json:"call_id"`
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// wsClient is one connected dashboard/observer socket.
type wsClient struct {
	id   string
	conn *websocket.Conn
	send chan Event
}

// Server is the Observability push+REST server. It implements
// connection.Observer directly: the Connection Manager calls these methods
// inline from its work queue, so every method here must return quickly.
type Server struct {
	addr     string
	manager  *connection.Manager
	upgrader websocket.Upgrader
	http     *http.Server

	mu      sync.Mutex
	clients map[string]*wsClient
}

// NewServer builds the server and wires its routes. The Connection Manager
// is supplied afterward via SetManager: bootstrap constructs this Server
// first (it implements connection.Observer), passes it into
// connection.NewManager, and only then has a *Manager to hand back for the
// REST snapshot endpoints.
func NewServer(addr string) *Server {
	s := &Server{
		addr: addr,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[string]*wsClient),
	}

	r := mux.NewRouter()
	r.HandleFunc("/ws", s.handleWS)
	r.HandleFunc("/api/connections", s.handleConnections).Methods(http.MethodGet)
	r.HandleFunc("/api/stats", s.handleStats).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	s.http = &http.Server{Addr: addr, Handler: r}
	return s
}

// SetManager wires the Connection Manager in for the REST snapshot
// endpoints. Must be called before Start.
func (s *Server) SetManager(manager *connection.Manager) {
	s.manager = manager
}

// Start begins listening in the background.
func (s *Server) Start() {
	go func() {
		slog.Info("[Observability] listening", "addr", s.addr)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("[Observability] server error", "error", err)
		}
	}()
}

// Stop gracefully shuts down the HTTP server and drops every client.
func (s *Server) Stop() {
	_ = s.http.Close()
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, c := range s.clients {
		close(c.send)
		delete(s.clients, id)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleConnections(w http.ResponseWriter, _ *http.Request) {
	conns := s.manager.Snapshot()
	out := make([]connectionSummary, 0, len(conns))
	for _, c := range conns {
		out = append(out, summarize(c))
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	conns := s.manager.Snapshot()
	s.mu.Lock()
	clientCount := len(s.clients)
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"active_connections":  len(conns),
		"observers_connected": clientCount,
	})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("[Observability] websocket upgrade failed", "error", err)
		return
	}

	c := &wsClient{id: uuid.NewString(), conn: conn, send: make(chan Event, 64)}
	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()

	slog.Info("[Observability] observer connected", "client_id", c.id)
	go s.writePump(c)
	go s.readPump(c)
}

// readPump does nothing but detect disconnects; the feed is one-directional.
func (s *Server) readPump(c *wsClient) {
	defer s.dropClient(c)
	c.conn.SetReadLimit(512)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) writePump(c *wsClient) {
	defer c.conn.Close()
	for ev := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := c.conn.WriteJSON(ev); err != nil {
			return
		}
	}
}

func (s *Server) dropClient(c *wsClient) {
	s.mu.Lock()
	if _, ok := s.clients[c.id]; ok {
		delete(s.clients, c.id)
		close(c.send)
	}
	s.mu.Unlock()
}

func (s *Server) broadcast(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.clients {
		select {
		case c.send <- ev:
		default:
			// Slow observer; drop rather than block the Connection's work
			// queue (the caller of every Observer method below).
			slog.Warn("[Observability] dropping event for slow client", "client_id", c.id)
		}
	}
}

func summarize(c *connection.Connection) connectionSummary {
	return connectionSummary{
		SessionID:    c.ID,
		TenantID:     c.TenantID,
		AgentID:      c.AgentID,
		CallerID:     c.CallerID,
		Variant:      c.Variant,
		AsteriskPort: c.AsteriskPort,
		DurationSec:  c.Ledger.DurationSeconds(),
	}
}

// ConnectionAdded implements connection.Observer.
func (s *Server) ConnectionAdded(c *connection.Connection) {
	s.broadcast(Event{Type: "connection_added", Timestamp: time.Now(), SessionID: c.ID, Data: summarize(c)})
}

// ConnectionUpdated implements connection.Observer.
func (s *Server) ConnectionUpdated(c *connection.Connection) {
	s.broadcast(Event{Type: "connection_updated", Timestamp: time.Now(), SessionID: c.ID, Data: summarize(c)})
}

// ConnectionRemoved implements connection.Observer.
func (s *Server) ConnectionRemoved(c *connection.Connection) {
	s.broadcast(Event{Type: "connection_removed", Timestamp: time.Now(), SessionID: c.ID, Data: summarize(c)})
}

// Transcript implements connection.Observer.
func (s *Server) Transcript(c *connection.Connection, speaker provider.Speaker, text string, final bool) {
	s.broadcast(Event{
		Type: "transcript", Timestamp: time.Now(), SessionID: c.ID,
		Data: transcriptPayload{Speaker: speaker, Text: text, Final: final},
	})
}

// CostUpdate implements connection.Observer.
func (s *Server) CostUpdate(c *connection.Connection, snap billing.Snapshot) {
	s.broadcast(Event{Type: "cost_update", Timestamp: time.Now(), SessionID: c.ID, Data: snap})
}

// FunctionCall implements connection.Observer.
func (s *Server) FunctionCall(c *connection.Connection, callID, name, arguments string) {
	s.broadcast(Event{
		Type: "function_call", Timestamp: time.Now(), SessionID: c.ID,
		Data: functionCallPayload{CallID: callID, Name: name, Arguments: arguments},
	})
}

// FunctionResponse implements connection.Observer.
func (s *Server) FunctionResponse(c *connection.Connection, callID string, result functions.Result) {
	s.broadcast(Event{
		Type: "function_response", Timestamp: time.Now(), SessionID: c.ID,
		Data: functionResponsePayload{CallID: callID, Success: result.Success, Data: result.Data, Error: result.Error},
	})
}
