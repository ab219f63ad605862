package wire

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseServerMessageKinds(t *testing.T) {
	tests := []struct {
		raw  string
		kind FrameKind
	}{
		{`{"ctrl":{"id":"1","code":200,"text":"ok"}}`, KindCtrl},
		{`{"meta":{"topic":"grpXYZ"}}`, KindMeta},
		{`{"data":{"topic":"grpXYZ","seq":3,"content":"hi"}}`, KindData},
		{`{"pres":{"topic":"me","src":"usrBob","what":"on"}}`, KindPres},
		{`{"info":{"topic":"grpXYZ","from":"usrBob","what":"read","seq":5}}`, KindInfo},
		{`{}`, KindMalformed},
		{`{"unexpected":{"a":1}}`, KindMalformed},
	}
	for _, tc := range tests {
		msg, err := ParseServerMessage([]byte(tc.raw))
		require.NoError(t, err, tc.raw)
		assert.Equal(t, tc.kind, msg.Kind(), tc.raw)
	}
}

func TestParseServerMessageRejectsGarbage(t *testing.T) {
	_, err := ParseServerMessage([]byte(`not json`))
	assert.Error(t, err)
}

func TestFrameKindString(t *testing.T) {
	assert.Equal(t, "ctrl", KindCtrl.String())
	assert.Equal(t, "malformed", KindMalformed.String())
}

func TestCtrlParams(t *testing.T) {
	msg, err := ParseServerMessage([]byte(`{"ctrl":{"id":"2","code":200,"params":{"user":"usrAbc","seq":14,"ver":"0"}}}`))
	require.NoError(t, err)
	ctrl := msg.Ctrl

	assert.Equal(t, "usrAbc", ctrl.StringParam("user"))
	assert.Equal(t, 14, ctrl.IntParam("seq"))
	assert.Equal(t, "0", ctrl.StringParam("ver"))

	// Missing or mistyped params degrade to zero values.
	assert.Empty(t, ctrl.StringParam("absent"))
	assert.Zero(t, ctrl.IntParam("user"))
	assert.Zero(t, ctrl.IntParam("absent"))
}

func TestClientMessageMarshalSingleKey(t *testing.T) {
	tests := []struct {
		msg *ClientMessage
		key string
	}{
		{&ClientMessage{Hi: &MsgClientHi{ID: "1", Version: "0"}}, "hi"},
		{&ClientMessage{Login: &MsgClientLogin{ID: "2", Scheme: AuthSchemeBasic, Secret: "eA=="}}, "login"},
		{&ClientMessage{Sub: &MsgClientSub{ID: "3", Topic: "grpXYZ"}}, "sub"},
		{&ClientMessage{Leave: &MsgClientLeave{ID: "4", Topic: "grpXYZ", Unsub: true}}, "leave"},
		{&ClientMessage{Pub: &MsgClientPub{ID: "5", Topic: "grpXYZ", Content: json.RawMessage(`"hello"`)}}, "pub"},
		{&ClientMessage{Note: &MsgClientNote{Topic: "grpXYZ", What: NoteRead, Seq: 8}}, "note"},
	}
	for _, tc := range tests {
		raw, err := tc.msg.Marshal()
		require.NoError(t, err)
		var m map[string]json.RawMessage
		require.NoError(t, json.Unmarshal(raw, &m))
		require.Len(t, m, 1, "frame must carry exactly one top-level key")
		assert.Contains(t, m, tc.key)
	}
}

func TestNoteOmitsZeroSeq(t *testing.T) {
	raw, err := (&ClientMessage{Note: &MsgClientNote{Topic: "grpXYZ", What: NoteKeyPress}}).Marshal()
	require.NoError(t, err)
	assert.NotContains(t, string(raw), `"seq"`)
}

func TestEncodeBasicAuth(t *testing.T) {
	secret := EncodeBasicAuth("alice", "s3cret")
	decoded, err := base64.StdEncoding.DecodeString(secret)
	require.NoError(t, err)
	assert.Equal(t, "alice:s3cret", string(decoded))
}
