package internal

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeFrame(t *testing.T, frame []byte) Message {
	frames := NewParser().Execute(frame)
	require.Len(t, frames, 1)
	require.Equal(t, FrameMessage, frames[0].Kind)

	m, err := DecodeMessage(frames[0].Message)
	require.NoError(t, err)
	return m
}

func TestMessage_EncodeDecode(t *testing.T) {
	tests := []struct {
		Name    string
		Message Message
	}{
		{
			Name:    "ident",
			Message: &Ident{SessionID: 1<<53 - 1, YourAddress: "10.26.104.11"},
		},
		{
			Name: "gossip0",
			Message: &Gossip0{Digest: Digest{
				{Owner: 1, MaxVersion: 4},
				{Owner: 7, MaxVersion: 2},
			}},
		},
		{
			Name: "gossip1",
			Message: &Gossip1{
				Digest: Digest{{Owner: 1, MaxVersion: 4}},
				Update: Update{
					{Owner: 7, Key: "heartbeat", Value: json.RawMessage(`1700000000000`), Version: 2},
				},
			},
		},
		{
			Name: "gossip2",
			Message: &Gossip2{Update: Update{
				{Owner: 7, Key: "host", Value: json.RawMessage(`"10.26.104.11"`), Version: 1},
				{Owner: 7, Key: "meta", Value: json.RawMessage(`{"a":[1,2]}`), Version: 3},
			}},
		},
		{
			Name:    "shell close",
			Message: &ShellClose{},
		},
		{
			Name:    "winsize",
			Message: &Winsize{Cols: 80, Rows: 24},
		},
	}
	for _, tt := range tests {
		t.Run(tt.Name, func(t *testing.T) {
			frame, err := EncodeMessage(tt.Message)
			require.NoError(t, err)
			assert.Equal(t, tt.Message, decodeFrame(t, frame))
		})
	}
}

func TestMessage_EncodeEmptyGossip(t *testing.T) {
	frame, err := EncodeMessage(&Gossip1{})
	require.NoError(t, err)
	assert.Equal(t, "{\"cmd\":\"gossip1\",\"digest\":[],\"update\":[]}\r\n", string(frame))
}

func TestMessage_WireFormat(t *testing.T) {
	m, err := DecodeMessage(json.RawMessage(
		`{"cmd":"gossip1","digest":[[12,3]],"update":[["12","host","10.0.0.1",1]]}`,
	))
	require.NoError(t, err)
	assert.Equal(t, &Gossip1{
		Digest: Digest{{Owner: 12, MaxVersion: 3}},
		Update: Update{{Owner: 12, Key: "host", Value: json.RawMessage(`"10.0.0.1"`), Version: 1}},
	}, m)
}

func TestMessage_AppMessages(t *testing.T) {
	for _, raw := range []string{
		`{"cmd":"hello","n":1}`,
		`{"n":1}`,
		`[1,2,3]`,
		`"just a string"`,
		`null`,
		`{"cmd":42}`,
	} {
		m, err := DecodeMessage(json.RawMessage(raw))
		require.NoError(t, err)
		assert.Equal(t, &AppMessage{Raw: json.RawMessage(raw)}, m, raw)
	}
}

func TestMessage_MissingField(t *testing.T) {
	for _, raw := range []string{
		`{"cmd":"ident"}`,
		`{"cmd":"gossip0"}`,
		`{"cmd":"gossip0","digest":null}`,
		`{"cmd":"gossip1","digest":[]}`,
		`{"cmd":"gossip1","update":[]}`,
		`{"cmd":"gossip2"}`,
		`{"cmd":"winsize"}`,
	} {
		_, err := DecodeMessage(json.RawMessage(raw))
		assert.ErrorIs(t, err, ErrMissingField, raw)
	}
}

func TestMessage_InvalidFields(t *testing.T) {
	for _, raw := range []string{
		`{"cmd":"ident","sessionId":"abc"}`,
		`{"cmd":"gossip0","digest":[[1]]}`,
		`{"cmd":"gossip2","update":[[1,"k",2]]}`,
		`{"cmd":"winsize","size":[80]}`,
	} {
		_, err := DecodeMessage(json.RawMessage(raw))
		assert.Error(t, err, raw)
	}
}

func TestIsReserved(t *testing.T) {
	for _, cmd := range []string{"ident", "gossip0", "gossip1", "gossip2", "shellClose", "winsize"} {
		assert.True(t, IsReserved(cmd), cmd)
	}
	assert.False(t, IsReserved("hello"))
	assert.False(t, IsReserved(""))
}
