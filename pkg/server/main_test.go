package server

import (
	"io"
	"log"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aeolun/roomcast/pkg/database"
)

// TestMain sets up package-level test state once before any test runs.
// This avoids data races from individual tests writing to package-level
// loggers while goroutines from previous tests may still be reading them.
func TestMain(m *testing.M) {
	// Initialize loggers once — no test should modify these after this point
	errorLog = log.New(io.Discard, "ERROR: ", log.LstdFlags)
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)
	log.SetOutput(io.Discard)

	os.Exit(m.Run())
}

// fakeConn is an in-memory wireConn for exercising handlers and read loops
// without a network. Frames written by the server are recorded; frames for
// the server to read are pushed onto inbound.
type fakeConn struct {
	mu       sync.Mutex
	written  [][]byte
	writeErr error
	closed   bool

	inbound chan []byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan []byte, 16)}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	data, ok := <-c.inbound
	if !ok {
		return 0, nil, io.EOF
	}
	return websocket.TextMessage, data, nil
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	if messageType == websocket.TextMessage {
		buf := make([]byte, len(data))
		copy(buf, data)
		c.written = append(c.written, buf)
	}
	return nil
}

func (c *fakeConn) SetReadLimit(limit int64)            {}
func (c *fakeConn) SetReadDeadline(t time.Time) error   { return nil }
func (c *fakeConn) SetWriteDeadline(t time.Time) error  { return nil }
func (c *fakeConn) SetPongHandler(h func(string) error) {}

func (c *fakeConn) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)}
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.inbound)
	}
	return nil
}

// push queues a frame for the server's read loop
func (c *fakeConn) push(frame string) {
	c.inbound <- []byte(frame)
}

// setWriteErr makes all subsequent writes fail
func (c *fakeConn) setWriteErr(err error) {
	c.mu.Lock()
	c.writeErr = err
	c.mu.Unlock()
}

// frames returns a copy of everything written so far
func (c *fakeConn) frames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.written))
	copy(out, c.written)
	return out
}

// testConfig returns a config suitable for in-process tests
func testConfig() ServerConfig {
	cfg := DefaultConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.MetricsAddr = ""
	cfg.ShutdownTimeout = 2 * time.Second
	return cfg
}

// newTestServer builds a server over an in-memory store, without starting
// any listener
func newTestServer(t *testing.T) (*Server, *database.MemStore) {
	t.Helper()
	store := database.NewMemStore()
	return NewServer(store, testConfig()), store
}

// newTestSession attaches a fake connection to the server's registry
func newTestSession(s *Server) (*Session, *fakeConn) {
	conn := newFakeConn()
	sess := s.registry.NewSession(NewSafeConn(conn, 0), "127.0.0.1:0")
	return sess, conn
}
