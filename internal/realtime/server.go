// Package realtime is the bridge's HTTP and WebSocket surface: synchronous
// command execution, health, settings, and a push-only advert stream.
package realtime

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"mesh-bridge/internal/eventlog"
	"mesh-bridge/internal/protocol"
	"mesh-bridge/internal/session"

	"github.com/gorilla/websocket"
)

const (
	pingInterval  = 30 * time.Second
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Bridge sits on an internal Docker network.
	},
}

// Bridge is the slice of the session supervisor the HTTP layer needs.
type Bridge interface {
	Execute(args []string, timeout time.Duration) (string, error)
	Health() session.Health
	ApplyManualAddContacts(enabled bool) (string, error)
}

// Server routes HTTP requests to the session supervisor and streams advert
// records and session state transitions to WebSocket clients.
type Server struct {
	bridge    Bridge
	events    *eventlog.Log
	configDir string

	clientsMu sync.RWMutex
	clients   map[*client]bool
}

type client struct {
	conn   *websocket.Conn
	send   chan []byte
	server *Server
	subID  string

	// forwardDone is closed once the advert forwarding goroutine has
	// drained its subscription channel. Teardown must not close send
	// before then.
	forwardDone chan struct{}
}

// New creates the HTTP/WebSocket server.
func New(bridge Bridge, events *eventlog.Log, configDir string) *Server {
	return &Server{
		bridge:    bridge,
		events:    events,
		configDir: configDir,
		clients:   make(map[*client]bool),
	}
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/ws", s.handleWebSocket)

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /cli", s.handleCLI)
	mux.HandleFunc("POST /set_manual_add_contacts", s.handleSetManualAddContacts)

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// handleWebSocket upgrades the connection and starts the event stream: the
// current session state, recent advert history, then live records.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket upgrade error: %v", err)
		return
	}

	c := &client{
		conn:        conn,
		send:        make(chan []byte, 256),
		server:      s,
		forwardDone: make(chan struct{}),
	}

	s.clientsMu.Lock()
	s.clients[c] = true
	s.clientsMu.Unlock()

	c.enqueueState(string(s.bridge.Health().State))

	subID, ch, history := s.events.Subscribe()
	c.subID = subID
	for _, rec := range history {
		c.enqueueAdvert(rec)
	}
	go func() {
		defer close(c.forwardDone)
		for rec := range ch {
			c.enqueueAdvert(rec)
		}
	}()

	go c.writePump()
	go c.readPump()
}

// BroadcastState pushes a session lifecycle transition to all clients.
// Registered as the supervisor's state-change callback.
func (s *Server) BroadcastState(st session.State) {
	msg, err := protocol.NewMessage(protocol.TypeSessionState, protocol.SessionStatePayload{
		State: string(st),
	})
	if err != nil {
		return
	}
	data, _ := json.Marshal(msg)

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	for c := range s.clients {
		select {
		case c.send <- data:
		default:
			// Client buffer full, skip.
		}
	}
}

func (c *client) enqueueState(state string) {
	msg, err := protocol.NewMessage(protocol.TypeSessionState, protocol.SessionStatePayload{State: state})
	if err != nil {
		return
	}
	c.enqueue(msg)
}

func (c *client) enqueueAdvert(rec json.RawMessage) {
	msg, err := protocol.NewMessage(protocol.TypeAdvert, rec)
	if err != nil {
		return
	}
	c.enqueue(msg)
}

func (c *client) enqueue(msg *protocol.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// readPump drains the connection. The stream is push-only, so inbound
// frames only serve to keep the read deadline and pong handler alive.
func (c *client) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("websocket read error: %v", err)
			}
			return
		}
	}
}

// writePump writes queued messages and periodic pings to the connection.
func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// removeClient cleans up a disconnected client.
func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	delete(s.clients, c)
	s.clientsMu.Unlock()

	// Unsubscribe closes the subscription channel, but the forwarding
	// goroutine may still be draining buffered records into send. Wait
	// for it before closing send, or a racing enqueue panics.
	if c.subID != "" {
		s.events.Unsubscribe(c.subID)
		<-c.forwardDone
	}
	close(c.send)
}
