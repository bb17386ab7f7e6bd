package botnet

import (
	"context"
	"crypto/x509"
	"io"
	"net"
	"time"
)

// Conn is an authenticated, reliable, ordered byte stream to another bot.
type Conn interface {
	io.ReadWriteCloser

	// Authorized returns true if the remote presented a certificate that
	// chains to our CA. Unauthorized connections are closed by the bot
	// before anything is written.
	Authorized() bool

	// PeerCertificate returns the certificate presented by the remote, or
	// nil if none was presented.
	PeerCertificate() *x509.Certificate

	RemoteAddr() net.Addr
}

// Listener accepts incoming connections. Connections are only returned
// once the transport handshake has completed.
type Listener interface {
	Accept() (Conn, error)

	// Addr returns the address the listener is bound to. Note this may be
	// different from the configured address if the system chooses the port
	// (such as using a port of 0).
	Addr() net.Addr

	// Close stops listening. Any blocked Accept calls return an error.
	Close() error
}

// Transport is an interface for an authenticated stream oriented transport.
type Transport interface {
	Listen(addr string) (Listener, error)

	Dial(ctx context.Context, addr string) (Conn, error)
}

// writeDeadliner is implemented by connections that support write
// deadlines, such as *tls.Conn.
type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}
