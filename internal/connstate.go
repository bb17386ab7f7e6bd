package internal

import (
	"errors"
	"fmt"
)

var ErrInvalidTransition = errors.New("invalid state transition")

// ConnState is the protocol state of a single connection.
type ConnState int

const (
	ConnStateNew = ConnState(iota)
	ConnStateHandshaking
	ConnStateOK
	ConnStateShellUpgradeReq
	ConnStateShell
	ConnStateError
)

var connTransitions = map[ConnState][]ConnState{
	ConnStateNew:             {ConnStateHandshaking, ConnStateError},
	ConnStateHandshaking:     {ConnStateOK, ConnStateError},
	ConnStateOK:              {ConnStateShellUpgradeReq, ConnStateShell, ConnStateError},
	ConnStateShellUpgradeReq: {ConnStateShell, ConnStateError},
	ConnStateShell:           {ConnStateError},
	ConnStateError:           nil,
}

func (s ConnState) String() string {
	switch s {
	case ConnStateNew:
		return "new"
	case ConnStateHandshaking:
		return "handshaking"
	case ConnStateOK:
		return "ok"
	case ConnStateShellUpgradeReq:
		return "shellUpgradeReq"
	case ConnStateShell:
		return "shell"
	case ConnStateError:
		return "error"
	default:
		return "unknown"
	}
}

// Transition returns the target state if moving from s to it is allowed.
func (s ConnState) Transition(to ConnState) (ConnState, error) {
	for _, allowed := range connTransitions[s] {
		if allowed == to {
			return to, nil
		}
	}
	return s, fmt.Errorf("%s -> %s: %w", s, to, ErrInvalidTransition)
}

// Ready returns true if application messages may be sent in this state.
func (s ConnState) Ready() bool {
	return s == ConnStateOK
}

// Framed returns true if the connection still carries framed messages in
// the outbound direction, so protocol messages may be written.
func (s ConnState) Framed() bool {
	return s == ConnStateNew || s == ConnStateHandshaking || s == ConnStateOK
}
