package server

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aeolun/roomcast/pkg/database"
)

// testClient is a real websocket client talking to an in-process server
type testClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func dialTestClient(t *testing.T, addr string) *testClient {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &testClient{t: t, conn: conn}
}

func (c *testClient) send(frame string) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, []byte(frame)))
}

func (c *testClient) recv() map[string]interface{} {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := c.conn.ReadMessage()
	require.NoError(c.t, err)

	var m map[string]interface{}
	require.NoError(c.t, json.Unmarshal(data, &m))
	return m
}

func startJourneyServer(t *testing.T) (*Server, *database.MemStore) {
	t.Helper()
	store := database.NewMemStore()
	s := NewServer(store, testConfig())
	require.NoError(t, s.Start())
	t.Cleanup(func() { s.Stop() })
	return s, store
}

// TestJourneyRoomChat walks the full client journey over real websockets:
// join with history replay, presence on later joins, room broadcast with
// sender exclusion, and private messages with sender echo.
func TestJourneyRoomChat(t *testing.T) {
	s, store := startJourneyServer(t)

	alice := dialTestClient(t, s.Addr())
	alice.send(`{"type":"join","username":"alice","room":"lobby"}`)

	joined := alice.recv()
	assert.Equal(t, "joined", joined["type"])
	assert.Equal(t, "alice", joined["username"])
	assert.Equal(t, "lobby", joined["room"])
	assert.Equal(t, []interface{}{}, joined["recent"])

	bob := dialTestClient(t, s.Addr())
	bob.send(`{"type":"join","username":"bob","room":"lobby"}`)
	assert.Equal(t, "joined", bob.recv()["type"])

	presence := alice.recv()
	assert.Equal(t, "presence", presence["type"])
	assert.Equal(t, []interface{}{"alice", "bob"}, presence["users"])

	// Room broadcast reaches bob, not the sender
	alice.send(`{"type":"message","text":"hello room"}`)
	msg := bob.recv()
	assert.Equal(t, "message", msg["type"])
	assert.Equal(t, "alice", msg["username"])
	assert.Equal(t, "lobby", msg["room"])
	assert.Equal(t, "hello room", msg["text"])
	_, hasTS := msg["ts"].(float64)
	assert.True(t, hasTS, "ts must be numeric")

	// Private message: recipient gets it, sender gets the echo
	bob.send(`{"type":"private","to":"alice","text":"psst"}`)
	private := alice.recv()
	assert.Equal(t, "private", private["type"])
	assert.Equal(t, "bob", private["username"])
	assert.Equal(t, "psst", private["text"])
	echo := bob.recv()
	assert.Equal(t, "private", echo["type"])
	assert.Equal(t, "bob", echo["username"])

	// A late joiner replays the room message, not the private one
	carol := dialTestClient(t, s.Addr())
	carol.send(`{"type":"join","username":"carol","room":"lobby"}`)
	carolJoined := carol.recv()
	assert.Equal(t, "joined", carolJoined["type"])
	recent, ok := carolJoined["recent"].([]interface{})
	require.True(t, ok)
	require.Len(t, recent, 1)
	entry := recent[0].(map[string]interface{})
	assert.Equal(t, "alice", entry["username"])
	assert.Equal(t, "hello room", entry["text"])

	// Existing members see carol arrive
	assert.Equal(t, []interface{}{"alice", "bob", "carol"}, alice.recv()["users"])
	assert.Equal(t, []interface{}{"alice", "bob", "carol"}, bob.recv()["users"])

	// And the store holds exactly the broadcast message
	records, err := store.RecentMessages("lobby", 50)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "hello room", records[0].Text)
}

// TestJourneyRoomsAreIsolated checks that broadcasts stay within their room
func TestJourneyRoomsAreIsolated(t *testing.T) {
	s, _ := startJourneyServer(t)

	alice := dialTestClient(t, s.Addr())
	alice.send(`{"type":"join","username":"alice","room":"lobby"}`)
	alice.recv()

	bob := dialTestClient(t, s.Addr())
	bob.send(`{"type":"join","username":"bob","room":"dev"}`)
	bob.recv()

	alice.send(`{"type":"message","text":"lobby only"}`)

	// bob asks for his member list; the answer must arrive before any stray
	// broadcast would
	bob.send(`{"type":"list"}`)
	list := bob.recv()
	assert.Equal(t, "list", list["type"])
	assert.Equal(t, []interface{}{"bob"}, list["users"])
}

// TestJourneyDisconnectPrunesPresence checks that closing a connection
// removes it from room membership
func TestJourneyDisconnectPrunesPresence(t *testing.T) {
	s, _ := startJourneyServer(t)

	alice := dialTestClient(t, s.Addr())
	alice.send(`{"type":"join","username":"alice","room":"lobby"}`)
	alice.recv()

	bob := dialTestClient(t, s.Addr())
	bob.send(`{"type":"join","username":"bob","room":"lobby"}`)
	bob.recv()
	alice.recv() // presence for bob

	require.NoError(t, bob.conn.Close())

	// The read loop notices the close and unregisters bob
	require.Eventually(t, func() bool {
		return s.registry.CountSessions() == 1
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, []string{"alice"}, s.registry.Members("lobby"))
}

// TestJourneyMalformedFramesKeepConnectionOpen sends garbage interleaved
// with valid envelopes over a real connection
func TestJourneyMalformedFramesKeepConnectionOpen(t *testing.T) {
	s, _ := startJourneyServer(t)

	alice := dialTestClient(t, s.Addr())
	alice.send(`garbage`)
	alice.send(`{"type":"join"}`)
	alice.send(`{"type":"wat","x":1}`)
	alice.send(`{"type":"join","username":"alice","room":"lobby"}`)

	joined := alice.recv()
	assert.Equal(t, "joined", joined["type"])
	assert.Equal(t, "alice", joined["username"])
}

// TestJourneyGracefulShutdown verifies Stop closes live connections
func TestJourneyGracefulShutdown(t *testing.T) {
	store := database.NewMemStore()
	s := NewServer(store, testConfig())
	require.NoError(t, s.Start())

	alice := dialTestClient(t, s.Addr())
	alice.send(`{"type":"join","username":"alice","room":"lobby"}`)
	alice.recv()

	require.NoError(t, s.Stop())

	alice.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := alice.conn.ReadMessage()
	assert.Error(t, err, "connection should be closed by shutdown")
}
