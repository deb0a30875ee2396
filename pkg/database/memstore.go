package database

import (
	"sort"
	"sync"
)

// MemStore keeps messages in memory only. It backs tests and the --ephemeral
// server mode where history does not survive a restart. It implements the
// same store surface as DB and serializes its own access.
type MemStore struct {
	mu     sync.RWMutex
	nextID int64
	rooms  map[string][]*Message // room -> messages in insertion order
}

// NewMemStore creates an empty in-memory message store
func NewMemStore() *MemStore {
	return &MemStore{
		nextID: 1,
		rooms:  make(map[string][]*Message),
	}
}

// AppendMessage records one message in memory. It never fails.
func (s *MemStore) AppendMessage(room, username, text string, createdAt int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := &Message{
		ID:        s.nextID,
		Room:      room,
		Username:  username,
		Text:      text,
		CreatedAt: createdAt,
	}
	s.nextID++
	s.rooms[room] = append(s.rooms[room], m)
	return nil
}

// RecentMessages returns at most limit of the newest messages in room,
// ordered oldest first. Timestamp ties are broken by insertion order.
func (s *MemStore) RecentMessages(room string, limit int) ([]*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		return []*Message{}, nil
	}

	all := s.rooms[room]
	// Insertion order already breaks timestamp ties; a stable sort keeps it
	// that way if a caller ever appended out of timestamp order.
	ordered := make([]*Message, len(all))
	copy(ordered, all)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].CreatedAt < ordered[j].CreatedAt
	})

	if len(ordered) > limit {
		ordered = ordered[len(ordered)-limit:]
	}

	result := make([]*Message, len(ordered))
	copy(result, ordered)
	return result, nil
}

// Close releases nothing; it exists to satisfy the store surface.
func (s *MemStore) Close() error {
	return nil
}
