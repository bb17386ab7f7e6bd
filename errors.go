package botnet

import (
	"errors"
)

var (
	// ErrClosed is returned by operations on a closed bot.
	ErrClosed = errors.New("bot closed")
	// ErrUnauthorized is returned when the remote's certificate isn't signed
	// by our CA.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrIdentTimeout is returned when the remote doesn't identify itself
	// within the ident timeout.
	ErrIdentTimeout = errors.New("timed out waiting for ident")
	// ErrPeerParted is returned when sending to, or connecting to, a peer
	// that has parted.
	ErrPeerParted = errors.New("peer parted")
	// ErrReservedCommand is returned when sending an application message
	// whose cmd is used by the protocol.
	ErrReservedCommand = errors.New("reserved command")
	// ErrSelfConnect is returned when a connection turns out to be to
	// ourselves.
	ErrSelfConnect = errors.New("connected to self")
	// ErrNoReadyConnection is returned when no connection to the peer can
	// carry messages.
	ErrNoReadyConnection = errors.New("no ready connection")
	// ErrProtocolViolation wraps errors caused by unexpected input from the
	// remote.
	ErrProtocolViolation = errors.New("protocol violation")
)
