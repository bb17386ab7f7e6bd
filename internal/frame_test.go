package internal

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func messages(t *testing.T, frames []Frame) []string {
	var msgs []string
	for _, f := range frames {
		require.Equal(t, FrameMessage, f.Kind, "unexpected frame: %v", f.Err)
		msgs = append(msgs, string(f.Message))
	}
	return msgs
}

func TestParser_Messages(t *testing.T) {
	p := NewParser()
	frames := p.Execute([]byte("{\"a\":1}\n[1,2]\r\n\"foo\"\r\n"))
	assert.Equal(t, []string{`{"a":1}`, `[1,2]`, `"foo"`}, messages(t, frames))
}

func TestParser_SkipsEmptyLines(t *testing.T) {
	p := NewParser()
	frames := p.Execute([]byte("\r\n\n{}\n\r\n"))
	assert.Equal(t, []string{`{}`}, messages(t, frames))
}

func TestParser_BuffersPartialLine(t *testing.T) {
	p := NewParser()
	assert.Empty(t, p.Execute([]byte(`{"foo":`)))
	assert.Empty(t, p.Execute([]byte(`"bar"}`)))
	assert.Equal(t, []string{`{"foo":"bar"}`}, messages(t, p.Execute([]byte("\r\n"))))
}

func TestParser_RoundTrip(t *testing.T) {
	tests := []struct {
		Name  string
		Value interface{}
	}{
		{
			Name:  "empty object",
			Value: map[string]interface{}{},
		},
		{
			Name: "nested",
			Value: map[string]interface{}{
				"a": []interface{}{1.0, "b", map[string]interface{}{"c": nil}},
			},
		},
		{
			Name:  "string with line terminators",
			Value: map[string]interface{}{"s": "line1\r\nline2\n\r"},
		},
		{
			Name:  "unicode",
			Value: map[string]interface{}{"s": "héllo ☃ 𝄞"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.Name, func(t *testing.T) {
			frame, err := Serialize(tt.Value)
			require.NoError(t, err)

			frames := NewParser().Execute(frame)
			require.Len(t, frames, 1)
			require.Equal(t, FrameMessage, frames[0].Kind)

			var decoded interface{}
			require.NoError(t, json.Unmarshal(frames[0].Message, &decoded))
			assert.Equal(t, tt.Value, decoded)
		})
	}
}

func TestParser_ChunkBoundaries(t *testing.T) {
	var stream []byte
	for _, v := range []interface{}{
		map[string]interface{}{"cmd": "ident", "sessionId": 1234},
		map[string]interface{}{"s": "☃ with\r\nnewlines"},
		[]interface{}{},
		map[string]interface{}{"u": "upgrade: not really"},
	} {
		frame, err := Serialize(v)
		require.NoError(t, err)
		stream = append(stream, frame...)
	}

	expected := messages(t, NewParser().Execute(stream))
	require.Len(t, expected, 4)

	// Splitting the stream at any offset must produce the same messages.
	for i := 0; i <= len(stream); i++ {
		p := NewParser()
		frames := p.Execute(stream[:i])
		frames = append(frames, p.Execute(stream[i:])...)
		assert.Equal(t, expected, messages(t, frames), "split at %d", i)
	}

	// As must feeding one byte at a time.
	p := NewParser()
	var frames []Frame
	for i := range stream {
		frames = append(frames, p.Execute(stream[i:i+1])...)
	}
	assert.Equal(t, expected, messages(t, frames))
}

func TestParser_Upgrade(t *testing.T) {
	stream := []byte("{\"a\":1}\r\nupgrade: blah\r\nhello")
	upgradeEnd := len("{\"a\":1}\r\nupgrade: blah\r\n")

	for i := 0; i <= len(stream); i++ {
		p := NewParser()
		frames := p.Execute(stream[:i])
		frames = append(frames, p.Execute(stream[i:])...)

		if i < upgradeEnd || i == len(stream) {
			require.Len(t, frames, 2, "split at %d", i)
		} else {
			// Bytes after the upgrade in a later chunk are not framed.
			require.Len(t, frames, 3, "split at %d", i)
			assert.Equal(t, FrameError, frames[2].Kind)
		}

		assert.Equal(t, FrameMessage, frames[0].Kind)
		assert.Equal(t, `{"a":1}`, string(frames[0].Message))
		assert.Equal(t, FrameUpgrade, frames[1].Kind)
		assert.Equal(t, "blah", frames[1].Upgrade)

		// Only the trailing bytes in the same chunk as the upgrade line are
		// returned with it.
		if i < upgradeEnd {
			assert.Equal(t, []byte("hello"), frames[1].Rest, "split at %d", i)
		} else {
			assert.Equal(t, stream[upgradeEnd:i], frames[1].Rest, "split at %d", i)
		}
	}
}

func TestParser_UpgradeExtraSpaces(t *testing.T) {
	frames := NewParser().Execute([]byte("upgrade:    shell\nrest"))
	require.Len(t, frames, 1)
	assert.Equal(t, FrameUpgrade, frames[0].Kind)
	assert.Equal(t, "shell", frames[0].Upgrade)
	assert.Equal(t, []byte("rest"), frames[0].Rest)
}

func TestParser_TerminalAfterUpgrade(t *testing.T) {
	p := NewParser()
	frames := p.Execute(UpgradeLine("shell"))
	require.Len(t, frames, 1)
	assert.Equal(t, FrameUpgrade, frames[0].Kind)
	assert.Empty(t, frames[0].Rest)

	frames = p.Execute([]byte("{}\n"))
	require.Len(t, frames, 1)
	assert.Equal(t, FrameError, frames[0].Kind)
	assert.ErrorIs(t, frames[0].Err, ErrParserClosed)
}

func TestParser_Errors(t *testing.T) {
	tests := []struct {
		Name  string
		Input string
	}{
		{
			Name:  "invalid json",
			Input: "{\"a\":}\n",
		},
		{
			Name:  "carriage return without newline",
			Input: "{}\rx",
		},
		{
			Name:  "upgrade without type",
			Input: "upgrade: \r\n",
		},
		{
			Name:  "upgrade type must start with a letter",
			Input: "upgrade: 1shell\n",
		},
		{
			Name:  "partial upgrade prefix",
			Input: "upgrade:shell\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.Name, func(t *testing.T) {
			p := NewParser()
			frames := p.Execute([]byte(tt.Input))
			require.NotEmpty(t, frames)
			assert.Equal(t, FrameError, frames[len(frames)-1].Kind)

			// The parser is closed after an error.
			frames = p.Execute([]byte("{}\n"))
			require.Len(t, frames, 1)
			assert.ErrorIs(t, frames[0].Err, ErrParserClosed)
		})
	}
}

func TestParser_MessagesBeforeError(t *testing.T) {
	frames := NewParser().Execute([]byte("{}\nnope\n{}\n"))
	require.Len(t, frames, 2)
	assert.Equal(t, FrameMessage, frames[0].Kind)
	assert.Equal(t, FrameError, frames[1].Kind)
}

func TestParser_LineTooLong(t *testing.T) {
	p := NewParser()
	chunk := bytes.Repeat([]byte("a"), 1024*1024)
	var frames []Frame
	for i := 0; i <= MaxLineSize/len(chunk); i++ {
		frames = p.Execute(chunk)
		if len(frames) > 0 {
			break
		}
	}
	require.Len(t, frames, 1)
	assert.Equal(t, FrameError, frames[0].Kind)
	assert.ErrorIs(t, frames[0].Err, ErrLineTooLong)
}

func TestUpgradeLine(t *testing.T) {
	assert.Equal(t, []byte("upgrade: shell\r\n"), UpgradeLine("shell"))
}
