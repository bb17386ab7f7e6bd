package internal

import (
	"encoding/json"
	"errors"
	"fmt"
)

const (
	CmdIdent      = "ident"
	CmdGossip0    = "gossip0"
	CmdGossip1    = "gossip1"
	CmdGossip2    = "gossip2"
	CmdShellClose = "shellClose"
	CmdWinsize    = "winsize"
)

var ErrMissingField = errors.New("missing required field")

// IsReserved returns true if cmd is handled by the protocol itself and so
// can't be used by application messages.
func IsReserved(cmd string) bool {
	switch cmd {
	case CmdIdent, CmdGossip0, CmdGossip1, CmdGossip2, CmdShellClose, CmdWinsize:
		return true
	default:
		return false
	}
}

// Message is one of *Ident, *Gossip0, *Gossip1, *Gossip2, *ShellClose,
// *Winsize or *AppMessage.
type Message interface {
	Cmd() string
}

type Ident struct {
	SessionID uint64
	// YourAddress is the address the sender sees the receiver connecting
	// from.
	YourAddress string
}

func (*Ident) Cmd() string { return CmdIdent }

type Gossip0 struct {
	Digest Digest
}

func (*Gossip0) Cmd() string { return CmdGossip0 }

type Gossip1 struct {
	Digest Digest
	Update Update
}

func (*Gossip1) Cmd() string { return CmdGossip1 }

type Gossip2 struct {
	Update Update
}

func (*Gossip2) Cmd() string { return CmdGossip2 }

type ShellClose struct{}

func (*ShellClose) Cmd() string { return CmdShellClose }

type Winsize struct {
	Cols int
	Rows int
}

func (*Winsize) Cmd() string { return CmdWinsize }

// AppMessage is any message without a reserved cmd. It is delivered to the
// application unchanged.
type AppMessage struct {
	Raw json.RawMessage
}

func (*AppMessage) Cmd() string { return "" }

// wireMessage is the union of the fields of all reserved messages.
type wireMessage struct {
	Cmd         string  `json:"cmd"`
	SessionID   *uint64 `json:"sessionId,omitempty"`
	YourAddress *string `json:"yourAddress,omitempty"`
	Digest      *Digest `json:"digest,omitempty"`
	Update      *Update `json:"update,omitempty"`
	Size        *[]int  `json:"size,omitempty"`
}

// DecodeMessage decodes a single frame. Frames that are not JSON objects or
// that don't carry a reserved cmd are returned as an *AppMessage.
func DecodeMessage(raw json.RawMessage) (Message, error) {
	var header struct {
		Cmd *string `json:"cmd"`
	}
	if err := json.Unmarshal(raw, &header); err != nil || header.Cmd == nil || !IsReserved(*header.Cmd) {
		return &AppMessage{Raw: raw}, nil
	}

	var m wireMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", *header.Cmd, err)
	}

	switch m.Cmd {
	case CmdIdent:
		if m.SessionID == nil {
			return nil, fmt.Errorf("ident: sessionId: %w", ErrMissingField)
		}
		ident := &Ident{SessionID: *m.SessionID}
		if m.YourAddress != nil {
			ident.YourAddress = *m.YourAddress
		}
		return ident, nil
	case CmdGossip0:
		if m.Digest == nil {
			return nil, fmt.Errorf("gossip0: digest: %w", ErrMissingField)
		}
		return &Gossip0{Digest: *m.Digest}, nil
	case CmdGossip1:
		if m.Digest == nil {
			return nil, fmt.Errorf("gossip1: digest: %w", ErrMissingField)
		}
		if m.Update == nil {
			return nil, fmt.Errorf("gossip1: update: %w", ErrMissingField)
		}
		return &Gossip1{Digest: *m.Digest, Update: *m.Update}, nil
	case CmdGossip2:
		if m.Update == nil {
			return nil, fmt.Errorf("gossip2: update: %w", ErrMissingField)
		}
		return &Gossip2{Update: *m.Update}, nil
	case CmdShellClose:
		return &ShellClose{}, nil
	case CmdWinsize:
		if m.Size == nil {
			return nil, fmt.Errorf("winsize: size: %w", ErrMissingField)
		}
		if len(*m.Size) != 2 {
			return nil, fmt.Errorf("winsize: expected [cols, rows], got %d values", len(*m.Size))
		}
		return &Winsize{Cols: (*m.Size)[0], Rows: (*m.Size)[1]}, nil
	}
	// Unreachable as cmd is reserved.
	return &AppMessage{Raw: raw}, nil
}

// EncodeMessage returns the frame for a reserved message.
func EncodeMessage(m Message) ([]byte, error) {
	w := wireMessage{Cmd: m.Cmd()}
	switch m := m.(type) {
	case *Ident:
		w.SessionID = &m.SessionID
		w.YourAddress = &m.YourAddress
	case *Gossip0:
		d := nonNilDigest(m.Digest)
		w.Digest = &d
	case *Gossip1:
		d := nonNilDigest(m.Digest)
		u := nonNilUpdate(m.Update)
		w.Digest = &d
		w.Update = &u
	case *Gossip2:
		u := nonNilUpdate(m.Update)
		w.Update = &u
	case *ShellClose:
	case *Winsize:
		w.Size = &[]int{m.Cols, m.Rows}
	case *AppMessage:
		return append(append([]byte(nil), m.Raw...), '\r', '\n'), nil
	default:
		return nil, fmt.Errorf("unknown message type: %T", m)
	}
	return Serialize(w)
}

func nonNilDigest(d Digest) Digest {
	if d == nil {
		return Digest{}
	}
	return d
}

func nonNilUpdate(u Update) Update {
	if u == nil {
		return Update{}
	}
	return u
}
