package server

import (
	"fmt"
	"time"

	"github.com/aeolun/roomcast/pkg/database"
	"github.com/aeolun/roomcast/pkg/protocol"
)

// handleEnvelope dispatches a decoded envelope to the appropriate handler.
// A returned error means a write to the session's own connection failed and
// the read loop must exit; everything recoverable is swallowed here.
//
// The session's state machine is implicit: a session with an empty room is
// UNJOINED and may only join or list. Clients are never sent a protocol
// error; bad input is handled by omission.
func (s *Server) handleEnvelope(sess *Session, env *protocol.Inbound) error {
	switch env.Type {
	case protocol.TypeJoin:
		return s.handleJoin(sess, env)
	case protocol.TypeMessage:
		return s.handleChatMessage(sess, env)
	case protocol.TypePrivate:
		return s.handlePrivate(sess, env)
	case protocol.TypeList:
		return s.handleList(sess)
	default:
		// DecodeInbound rejects unknown types; this is unreachable unless
		// a new inbound type is added without a handler
		debugLog.Printf("Session %d: no handler for %q", sess.ID, env.Type)
		return nil
	}
}

// handleJoin registers or updates the session's identity, replays recent
// room history to the joining client, and announces the new member list to
// the rest of the room.
func (s *Server) handleJoin(sess *Session, env *protocol.Inbound) error {
	if s.config.MaxMessageLength > 0 &&
		(len(env.Username) > s.config.MaxMessageLength || len(env.Room) > s.config.MaxMessageLength) {
		debugLog.Printf("Session %d: join fields exceed length limit", sess.ID)
		if s.metrics != nil {
			s.metrics.RecordMalformedEnvelope()
		}
		return nil
	}

	s.registry.Register(sess, env.Username, env.Room)
	debugLog.Printf("Session %d: %q joined room %q", sess.ID, env.Username, env.Room)

	// History replay is best effort: a store failure downgrades the join to
	// an empty history, it never fails the join
	recent, err := s.store.RecentMessages(env.Room, s.config.HistoryLimit)
	if err != nil {
		errorLog.Printf("Session %d: failed to load history for %q: %v", sess.ID, env.Room, err)
		if s.metrics != nil {
			s.metrics.RecordStoreFailure()
		}
		recent = nil
	}

	joined := protocol.NewJoined(env.Username, env.Room, historyEntries(recent))
	if err := s.sendToSelf(sess, protocol.TypeJoined, joined); err != nil {
		return err
	}

	presence, err := protocol.NewPresence(s.registry.Members(env.Room)).Encode()
	if err != nil {
		return fmt.Errorf("failed to encode presence: %w", err)
	}
	if s.metrics != nil {
		s.metrics.RecordEnvelopeSent(protocol.TypePresence)
	}
	s.registry.Broadcast(env.Room, presence, sess)

	return nil
}

// handleChatMessage persists a room message and fans it out to the other
// members. Requires a joined session.
func (s *Server) handleChatMessage(sess *Session, env *protocol.Inbound) error {
	username, room := sess.Identity()
	if room == "" {
		// Precondition violation, treated like malformed input
		debugLog.Printf("Session %d: message before join, dropping", sess.ID)
		if s.metrics != nil {
			s.metrics.RecordMalformedEnvelope()
		}
		return nil
	}

	if s.config.MaxMessageLength > 0 && len(env.Text) > s.config.MaxMessageLength {
		debugLog.Printf("Session %d: message exceeds %d bytes, dropping", sess.ID, s.config.MaxMessageLength)
		if s.metrics != nil {
			s.metrics.RecordMalformedEnvelope()
		}
		return nil
	}

	ts := time.Now().UnixMilli()

	// Live delivery must not depend on successful persistence
	if err := s.store.AppendMessage(room, username, env.Text, ts); err != nil {
		errorLog.Printf("Session %d: failed to persist message: %v", sess.ID, err)
		if s.metrics != nil {
			s.metrics.RecordStoreFailure()
		}
	}

	data, err := protocol.NewChat(username, room, env.Text, ts).Encode()
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	if s.metrics != nil {
		s.metrics.RecordEnvelopeSent(protocol.TypeMessage)
	}
	s.registry.Broadcast(room, data, sess)

	return nil
}

// handlePrivate unicasts a direct message to the target username and echoes
// it to the sender. Private messages are never persisted. Requires a joined
// session.
func (s *Server) handlePrivate(sess *Session, env *protocol.Inbound) error {
	username, room := sess.Identity()
	if room == "" {
		debugLog.Printf("Session %d: private before join, dropping", sess.ID)
		if s.metrics != nil {
			s.metrics.RecordMalformedEnvelope()
		}
		return nil
	}

	if s.config.MaxMessageLength > 0 && len(env.Text) > s.config.MaxMessageLength {
		debugLog.Printf("Session %d: private exceeds %d bytes, dropping", sess.ID, s.config.MaxMessageLength)
		if s.metrics != nil {
			s.metrics.RecordMalformedEnvelope()
		}
		return nil
	}

	data, err := protocol.NewPrivate(username, env.Text, time.Now().UnixMilli()).Encode()
	if err != nil {
		return fmt.Errorf("failed to encode private: %w", err)
	}

	if s.metrics != nil {
		s.metrics.RecordEnvelopeSent(protocol.TypePrivate)
	}
	if !s.registry.Unicast(env.To, data) {
		// Nobody holds that username right now; the sender still gets the
		// echo and no error, consistent with handling-by-omission
		debugLog.Printf("Session %d: private to unknown user %q", sess.ID, env.To)
	}

	// Echo to the sending connection directly - not through the username
	// index, which may already point at a newer connection
	if err := sess.Conn.WriteEnvelope(data); err != nil {
		return fmt.Errorf("failed to echo private: %w", err)
	}
	return nil
}

// handleList answers with the member list of the session's current room.
// Valid in any state; before a join the room is "" and the list is empty.
func (s *Server) handleList(sess *Session) error {
	_, room := sess.Identity()
	return s.sendToSelf(sess, protocol.TypeList, protocol.NewList(s.registry.Members(room)))
}

// sendToSelf encodes an envelope and writes it to the session's own
// connection. A failure here is fatal to the handler.
func (s *Server) sendToSelf(sess *Session, envType string, msg interface{ Encode() ([]byte, error) }) error {
	data, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", envType, err)
	}
	if s.metrics != nil {
		s.metrics.RecordEnvelopeSent(envType)
	}
	if err := sess.Conn.WriteEnvelope(data); err != nil {
		return fmt.Errorf("failed to send %s: %w", envType, err)
	}
	return nil
}

// historyEntries converts store records to their wire representation
func historyEntries(records []*database.Message) []protocol.HistoryEntry {
	entries := make([]protocol.HistoryEntry, 0, len(records))
	for _, m := range records {
		entries = append(entries, protocol.HistoryEntry{
			Username:  m.Username,
			Text:      m.Text,
			Timestamp: m.CreatedAt,
		})
	}
	return entries
}
