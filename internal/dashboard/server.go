// Package dashboard streams sync activity to WebSocket clients.
//
// Every daemon pass is broadcast as a pass_complete message followed by a
// fresh stats snapshot, so a supervisor's screen shows pending work per
// device without polling the store. Each client owns a bounded send queue;
// a client that falls behind is disconnected instead of stalling the rest.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/contavoto/fieldsync/internal/store"
)

// MessageType names a dashboard message.
type MessageType string

const (
	// MessageTypePass reports a finished sync and media pass
	MessageTypePass MessageType = "pass_complete"

	// MessageTypeStats carries the pending-work snapshot
	MessageTypeStats MessageType = "stats"

	// MessageTypeConnectivity reports an online transition
	MessageTypeConnectivity MessageType = "connectivity"
)

const (
	clientQueue  = 32
	writeTimeout = 5 * time.Second
)

// Message is the envelope of every frame sent to clients.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// PassData summarizes one daemon pass.
type PassData struct {
	Trigger      string `json:"trigger"`
	SyncRan      bool   `json:"sync_ran"`
	SyncReason   string `json:"sync_reason,omitempty"`
	RecordsOK    int    `json:"records_ok"`
	RecordsFail  int    `json:"records_failed"`
	Uploaded     int    `json:"uploaded"`
	UploadsFail  int    `json:"uploads_failed"`
	DurationMs   int64  `json:"duration_ms"`
	DeviceOnline bool   `json:"device_online"`
}

// ConnectivityData reports the connectivity state.
type ConnectivityData struct {
	Online bool `json:"online"`
}

// StatsFunc returns the snapshot sent to new clients and after each pass.
type StatsFunc func(ctx context.Context) (*store.Stats, error)

// Config holds server configuration.
type Config struct {
	// Host to bind (default: all interfaces)
	Host string

	// Port to listen on (0 picks a free port)
	Port int

	// Stats feeds the welcome snapshot and /stats (optional)
	Stats StatsFunc

	// Logger (default: stderr with [dashboard] prefix)
	Logger *log.Logger
}

// DefaultConfig listens on the dashboard's usual port.
func DefaultConfig() *Config {
	return &Config{Port: 8787}
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

// Server accepts WebSocket clients and fans messages out to them.
type Server struct {
	addr   string
	stats  StatsFunc
	logger *log.Logger

	listener net.Listener
	http     *http.Server

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool

	wg sync.WaitGroup
}

// NewServer creates a dashboard server. Call Start to listen.
func NewServer(config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	logger := config.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[dashboard] ", log.LstdFlags)
	}
	return &Server{
		addr:    net.JoinHostPort(config.Host, strconv.Itoa(config.Port)),
		stats:   config.Stats,
		logger:  logger,
		clients: make(map[*client]struct{}),
	}
}

// Routes returns the HTTP handler: /ws, /health, /stats and an index page.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/ws", s.handleWebSocket)
	r.Get("/health", s.handleHealth)
	r.Get("/stats", s.handleStats)
	r.Get("/", s.handleRoot)
	return r
}

// Start listens and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln
	s.http = &http.Server{
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Dashboard listening on %s", ln.Addr())
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("WARNING: dashboard server: %v", err)
		}
	}()
	return nil
}

// Stop disconnects every client and shuts the listener down.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.clients = make(map[*client]struct{})
	s.mu.Unlock()

	for _, c := range clients {
		s.drop(c, websocket.StatusGoingAway, "server shutting down")
	}

	var err error
	if s.http != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if serr := s.http.Shutdown(ctx); serr != nil {
			err = fmt.Errorf("failed to shut down dashboard: %w", serr)
		}
	}
	s.wg.Wait()
	return err
}

// Broadcast queues msg for every client. Clients whose queue is full are
// disconnected.
func (s *Server) Broadcast(msg Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	frame, err := json.Marshal(msg)
	if err != nil {
		s.logger.Printf("WARNING: failed to encode %s message: %v", msg.Type, err)
		return
	}

	var slow []*client
	s.mu.Lock()
	for c := range s.clients {
		select {
		case c.send <- frame:
		default:
			delete(s.clients, c)
			slow = append(slow, c)
		}
	}
	s.mu.Unlock()

	for _, c := range slow {
		s.logger.Printf("WARNING: dropping slow dashboard client")
		s.drop(c, websocket.StatusPolicyViolation, "too slow")
	}
}

// BroadcastData encodes data as the payload of a t message and broadcasts it.
func (s *Server) BroadcastData(t MessageType, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal %s data: %w", t, err)
	}
	s.Broadcast(Message{Type: t, Timestamp: time.Now(), Data: raw})
	return nil
}

// snapshot builds a stats message; Data stays empty without a StatsFunc.
func (s *Server) snapshot(ctx context.Context) Message {
	msg := Message{Type: MessageTypeStats, Timestamp: time.Now()}
	if s.stats == nil {
		return msg
	}
	st, err := s.stats(ctx)
	if err != nil {
		s.logger.Printf("WARNING: failed to load stats: %v", err)
		return msg
	}
	if raw, err := json.Marshal(st); err == nil {
		msg.Data = raw
	}
	return msg
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		s.logger.Printf("WARNING: websocket upgrade failed: %v", err)
		return
	}

	c := &client{conn: conn, send: make(chan []byte, clientQueue)}
	welcome, _ := json.Marshal(s.snapshot(r.Context()))
	c.send <- welcome

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	s.clients[c] = struct{}{}
	n := len(s.clients)
	s.mu.Unlock()
	s.logger.Printf("Client connected (%d total)", n)

	s.wg.Add(1)
	go s.writeLoop(c)

	// Client frames are ignored; reading only notices the disconnect.
	ctx := conn.CloseRead(context.Background())
	<-ctx.Done()
	s.remove(c)
}

func (s *Server) writeLoop(c *client) {
	defer s.wg.Done()
	for frame := range c.send {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := c.conn.Write(ctx, websocket.MessageText, frame)
		cancel()
		if err != nil {
			s.remove(c)
			return
		}
	}
}

func (s *Server) remove(c *client) {
	s.mu.Lock()
	_, ok := s.clients[c]
	delete(s.clients, c)
	n := len(s.clients)
	s.mu.Unlock()
	if ok {
		s.drop(c, websocket.StatusNormalClosure, "")
		s.logger.Printf("Client disconnected (%d total)", n)
	}
}

// drop closes the client's queue and connection once.
func (s *Server) drop(c *client, code websocket.StatusCode, reason string) {
	c.once.Do(func() {
		close(c.send)
		_ = c.conn.Close(code, reason)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]any{"status": "ok", "clients": s.ClientCount()})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	msg := s.snapshot(r.Context())
	if msg.Data == nil {
		render.JSON(w, r, map[string]any{})
		return
	}
	render.JSON(w, r, msg.Data)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head><title>fieldsync dashboard</title></head>
<body>
  <h1>fieldsync dashboard</h1>
  <p>WebSocket: <code>ws://%s/ws</code></p>
  <p><a href="/stats">Pending work</a> &middot; <a href="/health">Health</a></p>
</body>
</html>`, html.EscapeString(r.Host))
}

// GetAddr returns the listening address once started.
func (s *Server) GetAddr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}
