package botnet

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultHandshakeTimeout = 10 * time.Second
)

// TLSTransport is a Transport implementation using TLS over TCP.
//
// Both sides present a certificate. Rather than failing the handshake when
// the remote's certificate doesn't chain to our CA, the connection is
// reported as unauthorized so the bot can log and close it.
type TLSTransport struct {
	cert             tls.Certificate
	roots            *x509.CertPool
	handshakeTimeout time.Duration
	logger           *zap.Logger
}

// NewTLSTransport returns a TLS transport presenting cert and trusting
// certificates signed by roots.
func NewTLSTransport(cert tls.Certificate, roots *x509.CertPool, logger *zap.Logger) *TLSTransport {
	return &TLSTransport{
		cert:             cert,
		roots:            roots,
		handshakeTimeout: DefaultHandshakeTimeout,
		logger:           logger,
	}
}

func (t *TLSTransport) Listen(addr string) (Listener, error) {
	tcpListener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to start TLS listener on %s: %w", addr, err)
	}

	l := &tlsListener{
		tcpListener: tcpListener,
		config:      t.serverConfig(),
		roots:       t.roots,
		timeout:     t.handshakeTimeout,
		connCh:      make(chan Conn),
		done:        make(chan struct{}),
		logger:      t.logger,
	}
	l.group.Go(l.acceptLoop)
	return l, nil
}

func (t *TLSTransport) Dial(ctx context.Context, addr string) (Conn, error) {
	dialer := &tls.Dialer{
		Config: t.clientConfig(),
	}
	c, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return newTLSConn(c.(*tls.Conn), t.roots), nil
}

func (t *TLSTransport) serverConfig() *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{t.cert},
		ClientAuth:   tls.RequestClientCert,
		MinVersion:   tls.VersionTLS12,
	}
}

func (t *TLSTransport) clientConfig() *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{t.cert},
		// The server certificate is verified against our CA after the
		// handshake to compute Authorized.
		InsecureSkipVerify: true,
		MinVersion:         tls.VersionTLS12,
	}
}

type tlsListener struct {
	tcpListener net.Listener
	config      *tls.Config
	roots       *x509.CertPool
	timeout     time.Duration
	connCh      chan Conn

	shutdown atomic.Bool
	done     chan struct{}
	group    errgroup.Group

	logger *zap.Logger
}

func (l *tlsListener) Accept() (Conn, error) {
	select {
	case c := <-l.connCh:
		return c, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

func (l *tlsListener) Addr() net.Addr {
	return l.tcpListener.Addr()
}

func (l *tlsListener) Close() error {
	if !l.shutdown.CompareAndSwap(false, true) {
		return nil
	}

	close(l.done)
	// Close the listener, which will stop the accept loop.
	err := l.tcpListener.Close()

	// Block until the accept loop and all handshakes have finished.
	_ = l.group.Wait()
	return err
}

// acceptLoop is a long running goroutine that accepts incoming TCP
// connections and hands them off to Accept once the TLS handshake
// completes.
func (l *tlsListener) acceptLoop() error {
	for {
		c, err := l.tcpListener.Accept()
		if err != nil {
			if l.shutdown.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}

			l.logger.Error("failed to accept tcp connection", zap.Error(err))
			continue
		}

		l.group.Go(func() error {
			l.handshake(c)
			return nil
		})
	}
}

func (l *tlsListener) handshake(c net.Conn) {
	tc := tls.Server(c, l.config)

	ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
	defer cancel()
	go func() {
		select {
		case <-l.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := tc.HandshakeContext(ctx); err != nil {
		l.logger.Debug(
			"tls handshake failed",
			zap.String("remote", c.RemoteAddr().String()),
			zap.Error(err),
		)
		tc.Close()
		return
	}

	select {
	case l.connCh <- newTLSConn(tc, l.roots):
	case <-l.done:
		tc.Close()
	}
}

// tlsConn is a TLS connection whose remote certificate has been checked
// against our CA.
type tlsConn struct {
	*tls.Conn

	authorized bool
	cert       *x509.Certificate
}

func newTLSConn(c *tls.Conn, roots *x509.CertPool) *tlsConn {
	cert, authorized := verifyPeer(c.ConnectionState(), roots)
	return &tlsConn{
		Conn:       c,
		authorized: authorized,
		cert:       cert,
	}
}

func (c *tlsConn) Authorized() bool {
	return c.authorized
}

func (c *tlsConn) PeerCertificate() *x509.Certificate {
	return c.cert
}

// verifyPeer returns the remote's leaf certificate and whether it chains to
// roots.
func verifyPeer(state tls.ConnectionState, roots *x509.CertPool) (*x509.Certificate, bool) {
	if len(state.PeerCertificates) == 0 {
		return nil, false
	}
	leaf := state.PeerCertificates[0]
	if roots == nil {
		return leaf, false
	}

	intermediates := x509.NewCertPool()
	for _, cert := range state.PeerCertificates[1:] {
		intermediates.AddCert(cert)
	}
	_, err := leaf.Verify(x509.VerifyOptions{
		Roots:         roots,
		Intermediates: intermediates,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	return leaf, err == nil
}
