package server

import (
	"sort"
	"sync"
	"sync/atomic"
)

// Session represents an active client connection and the identity bound to
// it. A session exists from the moment the connection is accepted, but it is
// not visible to the registry until the client's first join.
type Session struct {
	ID         uint64
	Conn       *SafeConn // Websocket connection with automatic write synchronization
	RemoteAddr string    // Remote address (for logging)

	mu       sync.RWMutex // Protects Username and Room
	Username string       // Current username ("" before first join)
	Room     string       // Currently joined room ("" before first join)
}

// Identity returns the username and room currently bound to the session
func (s *Session) Identity() (username, room string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Username, s.Room
}

// SessionRegistry is the concurrent source of truth for live sessions. It
// keeps three indices - session ID, room membership, and username - that are
// only ever mutated together under one lock, so they cannot drift apart.
//
// The registry holds non-owning references: it never constructs or closes
// connections. Each connection's handler owns its lifecycle and must call
// Unregister on every exit path.
type SessionRegistry struct {
	mu        sync.RWMutex
	sessions  map[uint64]*Session
	rooms     map[string]map[uint64]*Session // room name -> member sessions
	usernames map[string]*Session            // username -> session, last claim wins

	nextID  uint64
	metrics *Metrics
}

// NewSessionRegistry creates an empty session registry
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		sessions:  make(map[uint64]*Session),
		rooms:     make(map[string]map[uint64]*Session),
		usernames: make(map[string]*Session),
	}
}

// SetMetrics attaches metrics to the registry
func (r *SessionRegistry) SetMetrics(metrics *Metrics) {
	r.metrics = metrics
}

// NewSession creates a session for an accepted connection. The session is
// not registered yet; it joins the indices on the first Register call.
func (r *SessionRegistry) NewSession(conn *SafeConn, remoteAddr string) *Session {
	return &Session{
		ID:         atomic.AddUint64(&r.nextID, 1),
		Conn:       conn,
		RemoteAddr: remoteAddr,
	}
}

// Register inserts or replaces the session's identity. A repeated join moves
// the session between rooms and usernames in place; it never duplicates an
// entry. If username was already bound to a different connection, that
// binding is silently superseded - usernames are not authenticated
// identities here.
func (r *SessionRegistry) Register(sess *Session, username, room string) {
	r.mu.Lock()
	r.detachLocked(sess)

	r.sessions[sess.ID] = sess

	members := r.rooms[room]
	if members == nil {
		members = make(map[uint64]*Session)
		r.rooms[room] = members
	}
	members[sess.ID] = sess

	r.usernames[username] = sess

	sess.mu.Lock()
	sess.Username = username
	sess.Room = room
	sess.mu.Unlock()

	count := len(r.sessions)
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.RecordRegisteredSessions(count)
	}
}

// Unregister removes the session from all indices. It is idempotent: calling
// it twice, or on a session that never joined, is a no-op. The connection
// itself is left untouched; closing it is the handler's job.
func (r *SessionRegistry) Unregister(sess *Session) {
	r.mu.Lock()
	if _, ok := r.sessions[sess.ID]; !ok {
		r.mu.Unlock()
		return
	}
	r.detachLocked(sess)
	count := len(r.sessions)
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.RecordRegisteredSessions(count)
	}
}

// detachLocked removes sess from whichever indices currently reference it.
// The username binding is only cleared if it still points at this session;
// a binding claimed since by a newer connection is left alone.
// Caller must hold r.mu.
func (r *SessionRegistry) detachLocked(sess *Session) {
	if _, ok := r.sessions[sess.ID]; !ok {
		return
	}
	delete(r.sessions, sess.ID)

	sess.mu.RLock()
	username, room := sess.Username, sess.Room
	sess.mu.RUnlock()

	if members := r.rooms[room]; members != nil {
		delete(members, sess.ID)
		if len(members) == 0 {
			delete(r.rooms, room)
		}
	}
	if r.usernames[username] == sess {
		delete(r.usernames, username)
	}
}

// SetUsername rebinds the session's username, preserving its room. No-op for
// sessions that never joined.
func (r *SessionRegistry) SetUsername(sess *Session, username string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[sess.ID]; !ok {
		return
	}

	sess.mu.Lock()
	old := sess.Username
	sess.Username = username
	sess.mu.Unlock()

	if r.usernames[old] == sess {
		delete(r.usernames, old)
	}
	r.usernames[username] = sess
}

// SetRoom moves the session to another room, preserving its username. The
// session leaves its previous room's member set in the same critical
// section, so it is never in two rooms or in none while joined. No-op for
// sessions that never joined.
func (r *SessionRegistry) SetRoom(sess *Session, room string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[sess.ID]; !ok {
		return
	}

	sess.mu.Lock()
	old := sess.Room
	sess.Room = room
	sess.mu.Unlock()

	if members := r.rooms[old]; members != nil {
		delete(members, sess.ID)
		if len(members) == 0 {
			delete(r.rooms, old)
		}
	}

	members := r.rooms[room]
	if members == nil {
		members = make(map[uint64]*Session)
		r.rooms[room] = members
	}
	members[sess.ID] = sess
}

// Members returns a snapshot of the usernames currently joined to room,
// sorted for determinism.
func (r *SessionRegistry) Members(room string) []string {
	r.mu.RLock()
	members := r.rooms[room]
	users := make([]string, 0, len(members))
	for _, sess := range members {
		username, _ := sess.Identity()
		users = append(users, username)
	}
	r.mu.RUnlock()

	sort.Strings(users)
	return users
}

// Broadcast delivers one pre-encoded envelope to every member of room except
// exclude (if non-nil). The target list is snapshotted under the lock and
// the writes happen outside it, so one slow consumer cannot stall the
// registry or the rest of the room. A failed write is logged and the dead
// session is unregistered; delivery to the remaining targets continues.
func (r *SessionRegistry) Broadcast(room string, data []byte, exclude *Session) {
	r.mu.RLock()
	members := r.rooms[room]
	targets := make([]*Session, 0, len(members))
	for _, sess := range members {
		if exclude != nil && sess.ID == exclude.ID {
			continue
		}
		targets = append(targets, sess)
	}
	r.mu.RUnlock()

	if r.metrics != nil {
		r.metrics.RecordBroadcast(len(targets))
	}

	var failed []*Session
	for _, sess := range targets {
		if err := sess.Conn.WriteEnvelope(data); err != nil {
			debugLog.Printf("Session %d: broadcast write failed: %v", sess.ID, err)
			if r.metrics != nil {
				r.metrics.RecordBroadcastError()
			}
			failed = append(failed, sess)
		}
	}

	// Prune dead targets immediately so later broadcasts skip them. Their
	// own read loops will unregister again on exit, which is a no-op.
	for _, sess := range failed {
		r.Unregister(sess)
	}
}

// Unicast delivers one pre-encoded envelope to the session currently bound
// to username. It consults only the username index, never room membership.
// Returns whether a live binding existed; a write failure to an existing
// binding still counts as delivered-to and is handled like a broadcast
// failure.
func (r *SessionRegistry) Unicast(username string, data []byte) bool {
	r.mu.RLock()
	sess := r.usernames[username]
	r.mu.RUnlock()

	if sess == nil {
		return false
	}

	if err := sess.Conn.WriteEnvelope(data); err != nil {
		debugLog.Printf("Session %d: unicast write failed: %v", sess.ID, err)
		if r.metrics != nil {
			r.metrics.RecordBroadcastError()
		}
		r.Unregister(sess)
	}
	return true
}

// CountSessions returns the number of registered sessions
func (r *SessionRegistry) CountSessions() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
