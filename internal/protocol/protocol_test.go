package protocol

import (
	"encoding/json"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	assert.Equal(t, ChannelPublic, KindOf("room"))
	assert.Equal(t, ChannelPrivate, KindOf("private-room"))
	assert.Equal(t, ChannelPrivateEncrypted, KindOf("private-encrypted-room"))
	assert.Equal(t, ChannelPresence, KindOf("presence-room"))
	// presence- wins over the embedded private- lookalike.
	assert.Equal(t, ChannelPresence, KindOf("presence-private-room"))
}

func TestIsCacheVariants(t *testing.T) {
	assert.True(t, IsCache("cache-room"))
	assert.True(t, IsCache("private-cache-room"))
	assert.True(t, IsCache("private-encrypted-cache-room"))
	assert.True(t, IsCache("presence-cache-room"))
	assert.False(t, IsCache("room"))
	assert.False(t, IsCache("private-room"))
}

func TestValidChannel(t *testing.T) {
	assert.True(t, ValidChannel("presence-room_1,alpha=beta@x.y;z"))
	assert.False(t, ValidChannel(""))
	assert.False(t, ValidChannel("room with spaces"))
	assert.False(t, ValidChannel("room#1"))

	long := make([]byte, 201)
	for i := range long {
		long[i] = 'a'
	}
	assert.False(t, ValidChannel(string(long)))
	assert.True(t, ValidChannel(string(long[:200])))
}

func TestNewSocketIDFormat(t *testing.T) {
	re := regexp.MustCompile(`^\d{1,10}\.\d{1,10}$`)
	for i := 0; i < 100; i++ {
		assert.Regexp(t, re, NewSocketID())
	}
}

func TestParseRejectsEventlessFrames(t *testing.T) {
	_, err := Parse([]byte(`{"channel":"room"}`))
	assert.Error(t, err)
	_, err = Parse([]byte(`not json`))
	assert.Error(t, err)
}

func TestConnectionEstablishedDataIsEncodedString(t *testing.T) {
	frame := NewConnectionEstablished("1.2", 120)
	raw, err := frame.Encode()
	require.NoError(t, err)

	var outer struct {
		Event string `json:"event"`
		Data  string `json:"data"`
	}
	require.NoError(t, json.Unmarshal(raw, &outer))
	assert.Equal(t, EventConnectionEstablished, outer.Event)

	var inner struct {
		SocketID        string `json:"socket_id"`
		ActivityTimeout int    `json:"activity_timeout"`
	}
	require.NoError(t, json.Unmarshal([]byte(outer.Data), &inner))
	assert.Equal(t, "1.2", inner.SocketID)
	assert.Equal(t, 120, inner.ActivityTimeout)
}

func TestSubscriptionSucceededPresenceRoster(t *testing.T) {
	roster := map[string]PresenceMemberInfo{
		"u1": {UserID: "u1", UserInfo: json.RawMessage(`{"name":"one"}`)},
		"u2": {UserID: "u2"},
	}
	raw, err := NewSubscriptionSucceeded("presence-room", roster).Encode()
	require.NoError(t, err)

	var outer struct {
		Data string `json:"data"`
	}
	require.NoError(t, json.Unmarshal(raw, &outer))

	var inner struct {
		Presence struct {
			Count int                        `json:"count"`
			IDs   []string                   `json:"ids"`
			Hash  map[string]json.RawMessage `json:"hash"`
		} `json:"presence"`
	}
	require.NoError(t, json.Unmarshal([]byte(outer.Data), &inner))
	assert.Equal(t, 2, inner.Presence.Count)
	assert.ElementsMatch(t, []string{"u1", "u2"}, inner.Presence.IDs)
	assert.JSONEq(t, `{"name":"one"}`, string(inner.Presence.Hash["u1"]))
}

func TestStringData(t *testing.T) {
	m := &Message{Data: json.RawMessage(`"{\"a\":1}"`)}
	assert.Equal(t, `{"a":1}`, m.StringData())

	m = &Message{Data: json.RawMessage(`{"a":1}`)}
	assert.Equal(t, `{"a":1}`, m.StringData())

	m = &Message{}
	assert.Equal(t, "", m.StringData())
}
