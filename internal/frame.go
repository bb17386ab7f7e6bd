package internal

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const (
	// MaxLineSize is the largest partial line the parser will buffer while
	// waiting for a line terminator.
	MaxLineSize = 64 * 1024 * 1024

	upgradePrefix = "upgrade: "
)

var (
	ErrParserClosed = errors.New("parser closed")
	ErrLineTooLong  = errors.New("line too long")
)

type FrameKind uint8

const (
	FrameMessage FrameKind = iota + 1
	FrameUpgrade
	FrameError
)

func (k FrameKind) String() string {
	switch k {
	case FrameMessage:
		return "message"
	case FrameUpgrade:
		return "upgrade"
	case FrameError:
		return "error"
	default:
		return "unknown"
	}
}

// Frame is a single event produced by the Parser.
type Frame struct {
	Kind FrameKind
	// Message contains the JSON of a FrameMessage.
	Message json.RawMessage
	// Upgrade is the protocol requested by a FrameUpgrade.
	Upgrade string
	// Rest contains the bytes that followed the upgrade line in the chunk
	// passed to Execute. These belong to the upgraded protocol.
	Rest []byte
	Err  error
}

type parserState uint8

const (
	stateLineStart parserState = iota
	stateJSON
	stateJSONLF
	statePrefix
	stateUpgradeSpace
	stateUpgradeType
	stateUpgradeLF
	stateUpgraded
	stateError
)

// Parser splits a byte stream into newline delimited JSON messages, or
// detects an "upgrade: <type>" line after which the stream is no longer
// framed.
//
// Input may be split at any byte. A partial line is buffered until its
// terminator arrives so multi-byte characters split across chunks are
// decoded intact.
//
// Once the parser emits an upgrade or an error it is closed and any further
// input results in an error frame.
//
// Note this is not thread safe.
type Parser struct {
	state parserState
	// prefixLen is the number of bytes of upgradePrefix matched on the
	// current line.
	prefixLen int
	// line holds the bytes of the current line received in earlier calls
	// to Execute.
	line []byte
}

func NewParser() *Parser {
	return &Parser{
		state: stateLineStart,
	}
}

// Execute consumes the next chunk of the stream and returns the frames it
// completes, in stream order.
func (p *Parser) Execute(b []byte) []Frame {
	if len(b) == 0 {
		return nil
	}

	switch p.state {
	case stateUpgraded:
		return []Frame{p.fail(fmt.Errorf("data after upgrade: %w", ErrParserClosed))}
	case stateError:
		return []Frame{{Kind: FrameError, Err: ErrParserClosed}}
	}

	var frames []Frame
	// start is the offset in b of the current line.
	start := 0
	for i := 0; i < len(b); i++ {
		c := b[i]
		switch p.state {
		case stateLineStart:
			if c == upgradePrefix[0] {
				p.state = statePrefix
				p.prefixLen = 1
				continue
			}
			p.state = stateJSON
			i--

		case stateJSON:
			if c == '\r' {
				p.state = stateJSONLF
			} else if c == '\n' {
				f, ok := p.endLine(b[start:i])
				start = i + 1
				if ok {
					frames = append(frames, f)
					if f.Kind == FrameError {
						return frames
					}
				}
			}

		case stateJSONLF:
			if c != '\n' {
				return append(frames, p.fail(fmt.Errorf("expected \\n after \\r, got %q", c)))
			}
			f, ok := p.endLine(b[start:i])
			start = i + 1
			if ok {
				frames = append(frames, f)
				if f.Kind == FrameError {
					return frames
				}
			}

		case statePrefix:
			if c != upgradePrefix[p.prefixLen] {
				// Not an upgrade, so examine the byte again as part of a
				// JSON line.
				p.state = stateJSON
				i--
				continue
			}
			p.prefixLen++
			if p.prefixLen == len(upgradePrefix) {
				p.state = stateUpgradeSpace
			}

		case stateUpgradeSpace:
			if c == ' ' {
				continue
			}
			if !isASCIILetter(c) {
				return append(frames, p.fail(fmt.Errorf("invalid upgrade type: %q", c)))
			}
			p.state = stateUpgradeType

		case stateUpgradeType:
			if c == '\r' {
				p.state = stateUpgradeLF
			} else if c == '\n' {
				return append(frames, p.upgrade(b, start, i))
			}

		case stateUpgradeLF:
			if c != '\n' {
				return append(frames, p.fail(fmt.Errorf("expected \\n after \\r, got %q", c)))
			}
			return append(frames, p.upgrade(b, start, i))
		}
	}

	p.line = append(p.line, b[start:]...)
	if len(p.line) > MaxLineSize {
		return append(frames, p.fail(ErrLineTooLong))
	}
	return frames
}

// endLine completes the current line whose remaining bytes in this chunk
// are tail. Empty lines produce no frame.
func (p *Parser) endLine(tail []byte) (Frame, bool) {
	line := append(p.line, tail...)
	line = bytes.TrimSuffix(line, []byte{'\r'})
	p.state = stateLineStart
	p.prefixLen = 0

	if len(bytes.TrimSpace(line)) == 0 {
		p.line = p.line[:0]
		return Frame{}, false
	}
	if !json.Valid(line) {
		return p.fail(fmt.Errorf("invalid json: %q", truncate(line, 64))), true
	}

	msg := make(json.RawMessage, len(line))
	copy(msg, line)
	p.line = p.line[:0]
	return Frame{Kind: FrameMessage, Message: msg}, true
}

// upgrade completes an upgrade line ending at b[i].
func (p *Parser) upgrade(b []byte, start int, i int) Frame {
	line := append(p.line, b[start:i]...)
	line = bytes.TrimSuffix(line, []byte{'\r'})
	upgradeType := strings.TrimLeft(strings.TrimPrefix(string(line), upgradePrefix), " ")

	rest := make([]byte, len(b)-(i+1))
	copy(rest, b[i+1:])

	p.state = stateUpgraded
	p.line = nil
	return Frame{Kind: FrameUpgrade, Upgrade: upgradeType, Rest: rest}
}

func (p *Parser) fail(err error) Frame {
	p.state = stateError
	p.line = nil
	return Frame{Kind: FrameError, Err: fmt.Errorf("parse error: %w", err)}
}

// Serialize encodes v as a single frame.
func Serialize(v interface{}) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}
	return append(b, '\r', '\n'), nil
}

// UpgradeLine returns the line requesting an upgrade to the given protocol.
func UpgradeLine(upgradeType string) []byte {
	return []byte(upgradePrefix + upgradeType + "\r\n")
}

func isASCIILetter(c byte) bool {
	return ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z')
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
