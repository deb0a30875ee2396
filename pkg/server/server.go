package server

import (
	"context"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/aeolun/roomcast/pkg/database"
	"github.com/aeolun/roomcast/pkg/protocol"
	"github.com/gorilla/websocket"
)

var (
	errorLog *log.Logger
	debugLog *log.Logger
)

// initLoggers sets up error and debug loggers. Debug output is discarded
// until EnableDebugLogging is called.
func initLoggers() {
	if errorLog == nil {
		errorLog = log.New(os.Stderr, "ERROR: ", log.LstdFlags)
	}
	if debugLog == nil {
		debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)
	}
}

// MessageStore is the persistence boundary for room history. Both
// database.DB and database.MemStore satisfy it. Implementations serialize
// their own writes; the server treats the store as an opaque, thread-safe
// collaborator.
type MessageStore interface {
	AppendMessage(room, username, text string, createdAt int64) error
	RecentMessages(room string, limit int) ([]*database.Message, error)
	Close() error
}

// Server relays chat envelopes between websocket clients grouped into rooms
type Server struct {
	store    MessageStore
	registry *SessionRegistry
	config   ServerConfig
	metrics  *Metrics

	listener      net.Listener
	httpServer    *http.Server
	metricsServer *http.Server
	upgrader      websocket.Upgrader

	// Live connections, joined or not, so shutdown can close them all.
	// Unjoined connections are invisible to the registry.
	connsMu sync.Mutex
	conns   map[uint64]*SafeConn

	shutdown  chan struct{}
	wg        sync.WaitGroup
	startTime time.Time
}

// NewServer creates a new server instance
func NewServer(store MessageStore, config ServerConfig) *Server {
	initLoggers()

	metrics := NewMetrics()
	registry := NewSessionRegistry()
	registry.SetMetrics(metrics)

	return &Server{
		store:    store,
		registry: registry,
		config:   config,
		metrics:  metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Origin policy is left to the fronting proxy
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns:     make(map[uint64]*SafeConn),
		shutdown:  make(chan struct{}),
		startTime: time.Now(),
	}
}

// Registry exposes the session registry, mainly for tests
func (s *Server) Registry() *SessionRegistry {
	return s.registry
}

// EnableDebugLogging sends debug output to stderr
func (s *Server) EnableDebugLogging() {
	debugLog = log.New(os.Stderr, "DEBUG: ", log.LstdFlags)
	debugLog.Println("Debug logging enabled")
}

// Start binds the listen address and begins accepting websocket connections.
// It returns once the listener is bound; serving happens in background
// goroutines until Stop is called.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return err
	}
	s.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	s.httpServer = &http.Server{Handler: mux}
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			errorLog.Printf("HTTP server error: %v", err)
		}
	}()
	log.Printf("RoomCast server listening on %s", listener.Addr())

	if s.config.MetricsAddr != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", s.metrics.Handler())
		s.metricsServer = &http.Server{Addr: s.config.MetricsAddr, Handler: metricsMux}
		go func() {
			if err := s.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errorLog.Printf("Metrics server error: %v", err)
			}
		}()
		log.Printf("Metrics available on %s/metrics", s.config.MetricsAddr)
	}

	return nil
}

// Addr returns the bound listen address, useful when the config asked for
// an ephemeral port
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop gracefully stops the server
func (s *Server) Stop() error {
	log.Println("Graceful shutdown initiated...")

	close(s.shutdown)

	// Stop accepting new connections
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()
		s.httpServer.Shutdown(ctx)
	}
	if s.metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()
		s.metricsServer.Shutdown(ctx)
	}

	// Close all live connections; hijacked websockets are not covered by
	// http.Server.Shutdown. Closing them unblocks every read loop.
	s.connsMu.Lock()
	log.Printf("Closing %d client connections...", len(s.conns))
	for _, conn := range s.conns {
		conn.Close()
	}
	s.connsMu.Unlock()

	// Wait for read loops to finish (with timeout)
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.config.ShutdownTimeout):
		log.Println("Shutdown timeout reached, some connections may not have drained")
	}

	if err := s.store.Close(); err != nil {
		log.Printf("Error closing message store: %v", err)
		return err
	}

	log.Println("Graceful shutdown complete")
	return nil
}

// handleUpgrade upgrades an HTTP request to a websocket and runs the
// connection's read loop. The serving goroutine is the connection's one
// execution unit; it exits when the stream ends.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		errorLog.Printf("Upgrade failed for %s: %v", r.RemoteAddr, err)
		return
	}

	if s.metrics != nil {
		s.metrics.RecordConnection()
	}

	sc := NewSafeConn(conn, s.config.WriteTimeout)
	if s.config.MaxEnvelopeBytes > 0 {
		sc.SetReadLimit(s.config.MaxEnvelopeBytes)
	}

	sess := s.registry.NewSession(sc, r.RemoteAddr)
	debugLog.Printf("Session %d: connected from %s", sess.ID, sess.RemoteAddr)

	s.trackConn(sess)
	s.wg.Add(1)
	s.readLoop(sess)
}

// readLoop reads envelopes from one connection until the stream ends. Every
// exit path unregisters the session and closes the connection; Unregister is
// idempotent, so a session already pruned by a failed broadcast is fine.
func (s *Server) readLoop(sess *Session) {
	defer s.wg.Done()
	defer s.registry.Unregister(sess)
	defer sess.Conn.Close()
	defer s.untrackConn(sess)

	if s.config.IdleTimeout > 0 {
		sess.Conn.RefreshReadDeadline(s.config.IdleTimeout)
		sess.Conn.SetPongHandler(func(string) error {
			return sess.Conn.RefreshReadDeadline(s.config.IdleTimeout)
		})

		stopPing := make(chan struct{})
		defer close(stopPing)
		go s.pingLoop(sess, stopPing)
	}

	for {
		data, err := sess.Conn.ReadEnvelope()
		if err != nil {
			// Transport fatal: read failure ends the handler
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				debugLog.Printf("Session %d: client disconnected", sess.ID)
			} else {
				debugLog.Printf("Session %d: read error: %v", sess.ID, err)
			}
			return
		}

		if s.config.IdleTimeout > 0 {
			sess.Conn.RefreshReadDeadline(s.config.IdleTimeout)
		}

		env, err := protocol.DecodeInbound(data)
		if err != nil {
			// Malformed input is skippable: log, drop the frame, keep the
			// connection open
			debugLog.Printf("Session %d: dropping frame: %v", sess.ID, err)
			if s.metrics != nil {
				s.metrics.RecordMalformedEnvelope()
			}
			continue
		}

		if s.metrics != nil {
			s.metrics.RecordEnvelopeReceived(env.Type)
		}

		if err := s.handleEnvelope(sess, env); err != nil {
			// Handler errors mean a write to this connection failed; it is
			// dead and the loop ends
			debugLog.Printf("Session %d: handler error: %v", sess.ID, err)
			return
		}
	}
}

// pingLoop keeps an idle-bounded connection alive while its peer responds
func (s *Server) pingLoop(sess *Session, stop <-chan struct{}) {
	interval := s.config.IdleTimeout * 9 / 10
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-s.shutdown:
			return
		case <-ticker.C:
			if err := sess.Conn.WritePing(); err != nil {
				return
			}
		}
	}
}

func (s *Server) trackConn(sess *Session) {
	s.connsMu.Lock()
	s.conns[sess.ID] = sess.Conn
	s.connsMu.Unlock()
}

func (s *Server) untrackConn(sess *Session) {
	s.connsMu.Lock()
	delete(s.conns, sess.ID)
	s.connsMu.Unlock()
}
