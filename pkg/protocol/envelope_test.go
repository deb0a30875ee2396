package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeInboundJoin(t *testing.T) {
	env, err := DecodeInbound([]byte(`{"type":"join","username":"alice","room":"lobby"}`))
	require.NoError(t, err)
	assert.Equal(t, TypeJoin, env.Type)
	assert.Equal(t, "alice", env.Username)
	assert.Equal(t, "lobby", env.Room)
}

func TestDecodeInboundIgnoresUnknownFields(t *testing.T) {
	env, err := DecodeInbound([]byte(`{"type":"message","text":"hi","color":"red","nested":{"a":1}}`))
	require.NoError(t, err)
	assert.Equal(t, "hi", env.Text)
}

func TestDecodeInboundErrors(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr error
	}{
		{"not json", `hello there`, ErrInvalidJSON},
		{"empty object", `{}`, ErrMissingType},
		{"empty type", `{"type":""}`, ErrMissingType},
		{"unknown type", `{"type":"dance"}`, ErrUnknownType},
		{"join without username", `{"type":"join","room":"lobby"}`, ErrMissingField},
		{"join without room", `{"type":"join","username":"alice"}`, ErrMissingField},
		{"message without text", `{"type":"message"}`, ErrMissingField},
		{"private without to", `{"type":"private","text":"psst"}`, ErrMissingField},
		{"private without text", `{"type":"private","to":"bob"}`, ErrMissingField},
		{"mistyped field", `{"type":"join","username":42,"room":"lobby"}`, ErrInvalidJSON},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := DecodeInbound([]byte(tt.input))
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Nil(t, env)
		})
	}
}

func TestDecodeInboundListNeedsNoFields(t *testing.T) {
	env, err := DecodeInbound([]byte(`{"type":"list"}`))
	require.NoError(t, err)
	assert.Equal(t, TypeList, env.Type)
}

func TestOutboundEnvelopeShapes(t *testing.T) {
	joined, err := NewJoined("bob", "lobby", []HistoryEntry{{Username: "alice", Text: "hi", Timestamp: 1700000000000}}).Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"joined","username":"bob","room":"lobby","recent":[{"username":"alice","text":"hi","ts":1700000000000}]}`, string(joined))

	presence, err := NewPresence([]string{"alice", "bob"}).Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"presence","users":["alice","bob"]}`, string(presence))

	chat, err := NewChat("bob", "lobby", "hi", 1700000000001).Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"message","username":"bob","room":"lobby","text":"hi","ts":1700000000001}`, string(chat))

	private, err := NewPrivate("bob", "psst", 1700000000002).Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"private","username":"bob","text":"psst","ts":1700000000002}`, string(private))

	list, err := NewList(nil).Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"list","users":[]}`, string(list))
}

// Empty history must serialize as an empty array, not null — clients iterate
// over recent without a nil check.
func TestJoinedRecentNeverNull(t *testing.T) {
	data, err := NewJoined("bob", "lobby", nil).Encode()
	require.NoError(t, err)

	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "[]", string(raw["recent"]))
}
