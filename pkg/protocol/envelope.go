package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"
)

// Envelope type strings (Client → Server)
const (
	TypeJoin    = "join"
	TypeMessage = "message"
	TypePrivate = "private"
	TypeList    = "list"
)

// Envelope type strings (Server → Client)
const (
	TypeJoined   = "joined"
	TypePresence = "presence"
	// TypeMessage, TypePrivate and TypeList are reused on the outbound side
)

var (
	// ErrInvalidJSON indicates the frame was not a valid JSON object.
	ErrInvalidJSON = errors.New("invalid JSON envelope")
	// ErrInvalidUTF8 indicates the frame was not valid UTF-8.
	ErrInvalidUTF8 = errors.New("envelope is not valid UTF-8")
	// ErrMissingType indicates the required "type" field was absent or empty.
	ErrMissingType = errors.New("envelope missing type field")
	// ErrMissingField indicates a required field for the envelope type was
	// absent or empty.
	ErrMissingField = errors.New("envelope missing required field")
	// ErrUnknownType indicates the "type" field held an unrecognized value.
	ErrUnknownType = errors.New("unknown envelope type")
)

// Inbound is the decoded form of one client frame. Only the fields relevant
// to the envelope's type are populated; unknown JSON fields are ignored.
type Inbound struct {
	Type     string `json:"type"`
	Username string `json:"username"`
	Room     string `json:"room"`
	Text     string `json:"text"`
	To       string `json:"to"`
}

// DecodeInbound parses and validates one inbound frame. A non-nil error means
// the frame must be skipped; it never means the connection should be torn
// down.
func DecodeInbound(data []byte) (*Inbound, error) {
	if !utf8.Valid(data) {
		return nil, ErrInvalidUTF8
	}

	var env Inbound
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}

	if env.Type == "" {
		return nil, ErrMissingType
	}

	switch env.Type {
	case TypeJoin:
		if env.Username == "" {
			return nil, fmt.Errorf("%w: join.username", ErrMissingField)
		}
		if env.Room == "" {
			return nil, fmt.Errorf("%w: join.room", ErrMissingField)
		}
	case TypeMessage:
		if env.Text == "" {
			return nil, fmt.Errorf("%w: message.text", ErrMissingField)
		}
	case TypePrivate:
		if env.To == "" {
			return nil, fmt.Errorf("%w: private.to", ErrMissingField)
		}
		if env.Text == "" {
			return nil, fmt.Errorf("%w: private.text", ErrMissingField)
		}
	case TypeList:
		// No required fields.
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}

	return &env, nil
}

// HistoryEntry is one replayed room message inside a joined envelope.
type HistoryEntry struct {
	Username  string `json:"username"`
	Text      string `json:"text"`
	Timestamp int64  `json:"ts"`
}

// JoinedMessage confirms a join to the joining client and replays recent
// room history, oldest first.
type JoinedMessage struct {
	Type     string         `json:"type"`
	Username string         `json:"username"`
	Room     string         `json:"room"`
	Recent   []HistoryEntry `json:"recent"`
}

// NewJoined builds a joined envelope. A nil recent slice is normalized to an
// empty one so the wire always carries an array.
func NewJoined(username, room string, recent []HistoryEntry) *JoinedMessage {
	if recent == nil {
		recent = []HistoryEntry{}
	}
	return &JoinedMessage{
		Type:     TypeJoined,
		Username: username,
		Room:     room,
		Recent:   recent,
	}
}

// Encode serializes the message to one JSON frame
func (m *JoinedMessage) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// PresenceMessage announces the current member list of a room.
type PresenceMessage struct {
	Type  string   `json:"type"`
	Users []string `json:"users"`
}

// NewPresence builds a presence envelope from a member-name snapshot.
func NewPresence(users []string) *PresenceMessage {
	if users == nil {
		users = []string{}
	}
	return &PresenceMessage{Type: TypePresence, Users: users}
}

// Encode serializes the message to one JSON frame
func (m *PresenceMessage) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// ChatMessage carries one room broadcast.
type ChatMessage struct {
	Type      string `json:"type"`
	Username  string `json:"username"`
	Room      string `json:"room"`
	Text      string `json:"text"`
	Timestamp int64  `json:"ts"`
}

// NewChat builds a message envelope.
func NewChat(username, room, text string, ts int64) *ChatMessage {
	return &ChatMessage{
		Type:      TypeMessage,
		Username:  username,
		Room:      room,
		Text:      text,
		Timestamp: ts,
	}
}

// Encode serializes the message to one JSON frame
func (m *ChatMessage) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// PrivateMessage carries one direct message. Username is the sender; the
// same frame is delivered to both recipient and sender.
type PrivateMessage struct {
	Type      string `json:"type"`
	Username  string `json:"username"`
	Text      string `json:"text"`
	Timestamp int64  `json:"ts"`
}

// NewPrivate builds a private envelope.
func NewPrivate(sender, text string, ts int64) *PrivateMessage {
	return &PrivateMessage{
		Type:      TypePrivate,
		Username:  sender,
		Text:      text,
		Timestamp: ts,
	}
}

// Encode serializes the message to one JSON frame
func (m *PrivateMessage) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// ListMessage answers a list request with the requester's room members.
type ListMessage struct {
	Type  string   `json:"type"`
	Users []string `json:"users"`
}

// NewList builds a list envelope from a member-name snapshot.
func NewList(users []string) *ListMessage {
	if users == nil {
		users = []string{}
	}
	return &ListMessage{Type: TypeList, Users: users}
}

// Encode serializes the message to one JSON frame
func (m *ListMessage) Encode() ([]byte, error) {
	return json.Marshal(m)
}
