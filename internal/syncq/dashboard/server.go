// Package dashboard serves a read-only, real-time view of the queue.
//
// Endpoints:
//   - GET /ws: WebSocket stream of queue_snapshot messages, one on connect
//     and one after every queue change
//   - GET /api/queue: the current snapshot as JSON
//   - GET /health: server status
//
// Nothing here can modify the queue.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/schoolhub/syncq/internal/syncq/projection"
	"github.com/schoolhub/syncq/internal/syncq/task"
)

// MessageType defines the type of dashboard message
type MessageType string

const (
	// MessageTypeQueueSnapshot carries the full queue and its counts
	MessageTypeQueueSnapshot MessageType = "queue_snapshot"
)

// Message is the envelope sent to WebSocket clients.
type Message struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      Snapshot    `json:"data"`
}

// Snapshot is the queue state served by /api/queue and /ws.
type Snapshot struct {
	Online bool              `json:"online"`
	Counts projection.Counts `json:"counts"`
	Tasks  []task.Task       `json:"tasks"`
}

// Source is the queue view the dashboard serves. *projection.Projection
// satisfies it.
type Source interface {
	Snapshot() []task.Task
	Subscribe(fn projection.Listener) (unsubscribe func())
}

// Config holds server configuration
type Config struct {
	// Port to listen on (default: 8080; 0 picks a free port)
	Port int

	// Host to bind (default: DefaultHost). Snapshots carry full task
	// bodies, so only bind other interfaces on a trusted network.
	Host string

	// Online reports connectivity for snapshots (default: always true)
	Online func() bool

	// Logger for server activity (default: stderr logger)
	Logger *log.Logger
}

// DefaultHost is the loopback address the dashboard binds unless told otherwise.
const DefaultHost = "127.0.0.1"

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Port:   8080,
		Host:   DefaultHost,
		Logger: log.New(os.Stderr, "[dashboard] ", log.LstdFlags),
	}
}

// Server manages WebSocket clients and pushes queue snapshots to them.
type Server struct {
	addr     string
	source   Source
	online   func() bool
	listener net.Listener
	server   *http.Server

	clients   map[*websocket.Conn]struct{}
	clientsMu sync.RWMutex

	// changed is signalled on queue changes; snapshots are coalesced so a
	// slow client only ever gets the latest state
	changed     chan struct{}
	unsubscribe func()

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// NewServer creates a dashboard for source.
func NewServer(source Source, config *Config) (*Server, error) {
	if source == nil {
		return nil, fmt.Errorf("source cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[dashboard] ", log.LstdFlags)
	}
	host := config.Host
	if host == "" {
		host = DefaultHost
	}
	online := config.Online
	if online == nil {
		online = func() bool { return true }
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		addr:    net.JoinHostPort(host, fmt.Sprint(config.Port)),
		source:  source,
		online:  online,
		clients: make(map[*websocket.Conn]struct{}),
		changed: make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
		logger:  config.Logger,
	}, nil
}

// Handler returns the HTTP routes, for embedding or tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	mux.HandleFunc("GET /api/queue", s.handleQueue)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /{$}", s.handleRoot)
	return mux
}

// Start listens and begins pushing snapshots. It returns once the listener
// is bound.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:     s.Handler(),
		ReadTimeout: 10 * time.Second,
	}

	s.unsubscribe = s.source.Subscribe(func([]task.Task) { s.Notify() })

	s.wg.Add(1)
	go s.broadcastLoop()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Dashboard listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("Server error: %v", err)
		}
	}()

	return nil
}

// Stop closes all clients and shuts the server down.
func (s *Server) Stop() error {
	s.logger.Println("Stopping dashboard")

	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
	}

	s.wg.Wait()
	return nil
}

// Notify schedules a snapshot push. It never blocks.
func (s *Server) Notify() {
	select {
	case s.changed <- struct{}{}:
	default:
	}
}

// Current returns the snapshot clients are sent.
func (s *Server) Current() Snapshot {
	tasks := s.source.Snapshot()
	if tasks == nil {
		tasks = []task.Task{}
	}
	return Snapshot{
		Online: s.online(),
		Counts: projection.CountTasks(tasks),
		Tasks:  tasks,
	}
}

func (s *Server) message() ([]byte, error) {
	return json.Marshal(Message{
		Type:      MessageTypeQueueSnapshot,
		Timestamp: time.Now(),
		Data:      s.Current(),
	})
}

func (s *Server) broadcastLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.changed:
			data, err := s.message()
			if err != nil {
				s.logger.Printf("Failed to marshal snapshot: %v", err)
				continue
			}

			s.clientsMu.RLock()
			clients := make([]*websocket.Conn, 0, len(s.clients))
			for conn := range s.clients {
				clients = append(clients, conn)
			}
			s.clientsMu.RUnlock()

			for _, conn := range clients {
				if err := s.write(conn, data); err != nil {
					s.logger.Printf("Failed to send to client: %v", err)
					s.removeClient(conn)
				}
			}
		}
	}
}

func (s *Server) write(conn *websocket.Conn, data []byte) error {
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	s.clientsMu.Lock()
	s.clients[conn] = struct{}{}
	count := len(s.clients)
	s.clientsMu.Unlock()
	s.logger.Printf("Client connected (total: %d)", count)

	data, err := s.message()
	if err == nil {
		err = s.write(conn, data)
	}
	if err != nil {
		s.removeClient(conn)
		return
	}

	go s.readLoop(conn)
}

// readLoop only detects disconnects; client messages are ignored.
func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.removeClient(conn)

	for {
		if _, _, err := conn.Read(s.ctx); err != nil {
			return
		}
	}
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	if _, ok := s.clients[conn]; !ok {
		s.clientsMu.Unlock()
		return
	}
	delete(s.clients, conn)
	count := len(s.clients)
	s.clientsMu.Unlock()

	_ = conn.Close(websocket.StatusNormalClosure, "")
	s.logger.Printf("Client disconnected (total: %d)", count)
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.Current())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"online":  s.online(),
		"clients": s.ClientCount(),
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head>
    <title>syncq</title>
</head>
<body>
    <h1>syncq queue</h1>
    <p>Live queue: <code>ws://%s/ws</code></p>
    <p>Snapshot: <a href="/api/queue">/api/queue</a></p>
    <p>Health check: <a href="/health">/health</a></p>
</body>
</html>`, r.Host)
}

// Addr returns the listening address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the number of connected WebSocket clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}
