package server

import (
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wireConn is the subset of *websocket.Conn the server relies on. It exists
// so tests can stand in an in-memory connection.
type wireConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
	RemoteAddr() net.Addr
}

// SafeConn wraps a websocket connection with automatic write synchronization.
//
// A connection is a broadcast target for every other handler goroutine in its
// room while its own handler may be answering a list or join at the same
// time. Without synchronization those writes interleave and gorilla/websocket
// panics on concurrent writers. SafeConn encapsulates the connection and its
// write mutex so writing without serialization is impossible.
type SafeConn struct {
	conn         wireConn
	mu           sync.Mutex // Protects writes to conn
	writeTimeout time.Duration
}

// NewSafeConn wraps a websocket connection with write synchronization
func NewSafeConn(conn wireConn, writeTimeout time.Duration) *SafeConn {
	return &SafeConn{
		conn:         conn,
		writeTimeout: writeTimeout,
	}
}

// WriteEnvelope sends one JSON envelope as a text frame. This is the ONLY
// way to write envelopes to the connection - the raw conn is private.
func (sc *SafeConn) WriteEnvelope(data []byte) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.writeTimeout > 0 {
		sc.conn.SetWriteDeadline(time.Now().Add(sc.writeTimeout))
	}
	return sc.conn.WriteMessage(websocket.TextMessage, data)
}

// WritePing sends a websocket ping control frame
func (sc *SafeConn) WritePing() error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.writeTimeout > 0 {
		sc.conn.SetWriteDeadline(time.Now().Add(sc.writeTimeout))
	}
	return sc.conn.WriteMessage(websocket.PingMessage, nil)
}

// ReadEnvelope reads the next text frame from the connection. Control frames
// are handled by gorilla internally; binary frames are skipped.
// Reads don't need write synchronization.
func (sc *SafeConn) ReadEnvelope() ([]byte, error) {
	for {
		messageType, data, err := sc.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if messageType != websocket.TextMessage {
			continue
		}
		return data, nil
	}
}

// SetReadLimit caps the size of inbound frames
func (sc *SafeConn) SetReadLimit(limit int64) {
	sc.conn.SetReadLimit(limit)
}

// RefreshReadDeadline pushes the read deadline forward by timeout. A zero
// timeout clears the deadline.
func (sc *SafeConn) RefreshReadDeadline(timeout time.Duration) error {
	if timeout <= 0 {
		return sc.conn.SetReadDeadline(time.Time{})
	}
	return sc.conn.SetReadDeadline(time.Now().Add(timeout))
}

// SetPongHandler installs h as the pong control frame handler
func (sc *SafeConn) SetPongHandler(h func(appData string) error) {
	sc.conn.SetPongHandler(h)
}

// Close closes the underlying connection
func (sc *SafeConn) Close() error {
	return sc.conn.Close()
}

// RemoteAddr returns the remote network address
func (sc *SafeConn) RemoteAddr() net.Addr {
	return sc.conn.RemoteAddr()
}
