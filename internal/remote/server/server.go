package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/mschirtzinger/tasksync/internal/remote"
)

// Config holds server configuration
type Config struct {
	// Port to listen on (default: 8080, 0 picks a free port)
	Port int

	// DBPath is the SQLite database file (required)
	DBPath string

	// Tokens maps bearer tokens to user ids. When empty, the bearer token
	// itself is taken as the user id.
	Tokens map[string]string

	// Logger for server activity (default: stderr logger)
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Port:   8080,
		Logger: log.New(os.Stderr, "[server] ", log.LstdFlags),
	}
}

// envelope is one event addressed to the subscribers of a user.
type envelope struct {
	userID string
	event  remote.Event
}

// subscriber is one websocket push connection.
type subscriber struct {
	conn   *websocket.Conn
	kind   remote.EntityKind
	userID string
}

// Server serves the REST API and pushes row changes to websocket clients.
type Server struct {
	addr     string
	listener net.Listener
	server   *http.Server
	db       *DB
	tokens   map[string]string

	clients   map[*subscriber]bool
	clientsMu sync.RWMutex

	broadcast chan envelope

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// New opens the database and creates a server. The broadcast loop starts
// immediately so Handler can be used without Start.
func New(config *Config) (*Server, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[server] ", log.LstdFlags)
	}
	if config.DBPath == "" {
		return nil, fmt.Errorf("database path cannot be empty")
	}

	db, err := OpenDB(config.DBPath)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		addr:      fmt.Sprintf(":%d", config.Port),
		db:        db,
		tokens:    config.Tokens,
		clients:   make(map[*subscriber]bool),
		broadcast: make(chan envelope, 256),
		ctx:       ctx,
		cancel:    cancel,
		logger:    config.Logger,
	}

	s.wg.Add(1)
	go s.broadcastLoop()

	return s, nil
}

// Handler returns the HTTP routes of the service.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/tasks", s.handleListTasks)
	mux.HandleFunc("POST /api/tasks", s.handleCreateTask)
	mux.HandleFunc("PATCH /api/tasks/{id}", s.handleUpdateTask)
	mux.HandleFunc("DELETE /api/tasks/{id}", s.handleDeleteTask)
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	mux.HandleFunc("GET /health", s.handleHealth)
	return mux
}

// Start begins serving HTTP on the configured port.
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

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Task service listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("Server error: %v", err)
		}
	}()

	return nil
}

// Stop closes subscriber connections, shuts the HTTP server down and
// closes the database.
func (s *Server) Stop() error {
	s.logger.Println("Stopping task service")

	s.cancel()

	s.clientsMu.Lock()
	for sub := range s.clients {
		_ = sub.conn.Close(websocket.StatusGoingAway, "Server shutting down")
		delete(s.clients, sub)
	}
	s.clientsMu.Unlock()

	var shutdownErr error
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			shutdownErr = fmt.Errorf("server shutdown error: %w", err)
		}
	}

	s.wg.Wait()

	if err := s.db.Close(); err != nil && shutdownErr == nil {
		shutdownErr = err
	}

	s.logger.Println("Task service stopped")
	return shutdownErr
}

// Addr returns the server's listening address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// DB returns the server's database.
func (s *Server) DB() *DB {
	return s.db
}

// ClientCount returns the current number of push subscribers.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// publish queues events for the subscribers of userID.
func (s *Server) publish(userID string, events []remote.Event) {
	for _, ev := range events {
		select {
		case s.broadcast <- envelope{userID: userID, event: ev}:
		case <-s.ctx.Done():
			return
		default:
			s.logger.Printf("Warning: broadcast channel full, dropping %s %s event", ev.Kind, ev.Type)
		}
	}
}

// broadcastLoop delivers queued events to matching subscribers in order.
func (s *Server) broadcastLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return

		case env := <-s.broadcast:
			data, err := json.Marshal(env.event)
			if err != nil {
				s.logger.Printf("Failed to marshal event: %v", err)
				continue
			}

			s.clientsMu.RLock()
			targets := make([]*subscriber, 0, len(s.clients))
			for sub := range s.clients {
				if sub.userID == env.userID && sub.kind == env.event.Kind {
					targets = append(targets, sub)
				}
			}
			s.clientsMu.RUnlock()

			for _, sub := range targets {
				ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
				err := sub.conn.Write(ctx, websocket.MessageText, data)
				cancel()

				if err != nil {
					s.logger.Printf("Failed to push to subscriber: %v", err)
					s.removeClient(sub)
				}
			}
		}
	}
}

// handleWebSocket registers a push subscriber for one kind and user.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.authenticate(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing or invalid bearer token")
		return
	}
	kind := remote.EntityKind(r.URL.Query().Get("kind"))
	if !kind.IsValid() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown kind %q", kind))
		return
	}
	if requested := r.URL.Query().Get("user_id"); requested != "" && requested != userID {
		writeError(w, http.StatusForbidden, "cannot subscribe to another user's rows")
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	sub := &subscriber{conn: conn, kind: kind, userID: userID}
	s.clientsMu.Lock()
	s.clients[sub] = true
	clientCount := len(s.clients)
	s.clientsMu.Unlock()

	s.logger.Printf("Subscriber connected: %s/%s (total: %d)", userID, kind, clientCount)

	s.readLoop(sub)
}

// readLoop keeps the connection open until the client goes away.
func (s *Server) readLoop(sub *subscriber) {
	defer s.removeClient(sub)

	for {
		if _, _, err := sub.conn.Read(s.ctx); err != nil {
			return
		}
	}
}

// removeClient safely removes a subscriber.
func (s *Server) removeClient(sub *subscriber) {
	s.clientsMu.Lock()
	if _, exists := s.clients[sub]; exists {
		delete(s.clients, sub)
		clientCount := len(s.clients)
		s.clientsMu.Unlock()

		_ = sub.conn.Close(websocket.StatusNormalClosure, "")
		s.logger.Printf("Subscriber disconnected (total: %d)", clientCount)
	} else {
		s.clientsMu.Unlock()
	}
}

// handleHealth returns server health status
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"clients": s.ClientCount(),
	})
}
