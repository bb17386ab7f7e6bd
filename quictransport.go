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

	"github.com/quic-go/quic-go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	quicALPN = "botnet"

	DefaultQUICKeepAlive = 15 * time.Second
)

// QUICTransport is a Transport implementation using QUIC. Each connection
// carries a single bidirectional stream, opened by the dialer. The listener
// only sees the stream once the dialer writes to it, which the dialer's
// ident always does.
//
// Authorization follows TLSTransport: the remote's certificate is checked
// against our CA after the handshake.
type QUICTransport struct {
	cert             tls.Certificate
	roots            *x509.CertPool
	config           *quic.Config
	handshakeTimeout time.Duration
	logger           *zap.Logger
}

func NewQUICTransport(cert tls.Certificate, roots *x509.CertPool, logger *zap.Logger) *QUICTransport {
	return &QUICTransport{
		cert:  cert,
		roots: roots,
		config: &quic.Config{
			KeepAlivePeriod: DefaultQUICKeepAlive,
		},
		handshakeTimeout: DefaultHandshakeTimeout,
		logger:           logger,
	}
}

func (t *QUICTransport) Listen(addr string) (Listener, error) {
	ln, err := quic.ListenAddr(addr, &tls.Config{
		Certificates: []tls.Certificate{t.cert},
		ClientAuth:   tls.RequestClientCert,
		NextProtos:   []string{quicALPN},
		MinVersion:   tls.VersionTLS13,
	}, t.config)
	if err != nil {
		return nil, fmt.Errorf("failed to start QUIC listener on %s: %w", addr, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &quicListener{
		listener: ln,
		roots:    t.roots,
		timeout:  t.handshakeTimeout,
		connCh:   make(chan Conn),
		ctx:      ctx,
		cancel:   cancel,
		logger:   t.logger,
	}
	l.group.Go(l.acceptLoop)
	return l, nil
}

func (t *QUICTransport) Dial(ctx context.Context, addr string) (Conn, error) {
	qc, err := quic.DialAddr(ctx, addr, &tls.Config{
		Certificates: []tls.Certificate{t.cert},
		// The server certificate is verified against our CA after the
		// handshake to compute Authorized.
		InsecureSkipVerify: true,
		NextProtos:         []string{quicALPN},
		MinVersion:         tls.VersionTLS13,
	}, t.config)
	if err != nil {
		return nil, err
	}

	stream, err := qc.OpenStreamSync(ctx)
	if err != nil {
		_ = qc.CloseWithError(0, "stream open failed")
		return nil, fmt.Errorf("open stream: %w", err)
	}
	return newQUICConn(qc, stream, t.roots), nil
}

type quicListener struct {
	listener *quic.Listener
	roots    *x509.CertPool
	timeout  time.Duration
	connCh   chan Conn

	shutdown atomic.Bool
	ctx      context.Context
	cancel   context.CancelFunc
	group    errgroup.Group

	logger *zap.Logger
}

func (l *quicListener) Accept() (Conn, error) {
	select {
	case c := <-l.connCh:
		return c, nil
	case <-l.ctx.Done():
		return nil, net.ErrClosed
	}
}

func (l *quicListener) Addr() net.Addr {
	return l.listener.Addr()
}

func (l *quicListener) Close() error {
	if !l.shutdown.CompareAndSwap(false, true) {
		return nil
	}

	l.cancel()
	err := l.listener.Close()

	// Block until the accept loop and all pending streams have finished.
	_ = l.group.Wait()
	return err
}

// acceptLoop is a long running goroutine that accepts incoming QUIC
// connections and hands them off to Accept once the dialer opens its
// stream.
func (l *quicListener) acceptLoop() error {
	for {
		qc, err := l.listener.Accept(l.ctx)
		if err != nil {
			if l.shutdown.Load() || errors.Is(err, quic.ErrServerClosed) {
				return nil
			}

			l.logger.Error("failed to accept quic connection", zap.Error(err))
			continue
		}

		l.group.Go(func() error {
			l.acceptStream(qc)
			return nil
		})
	}
}

func (l *quicListener) acceptStream(qc *quic.Conn) {
	ctx, cancel := context.WithTimeout(l.ctx, l.timeout)
	defer cancel()

	stream, err := qc.AcceptStream(ctx)
	if err != nil {
		l.logger.Debug(
			"failed to accept stream",
			zap.String("remote", qc.RemoteAddr().String()),
			zap.Error(err),
		)
		_ = qc.CloseWithError(0, "no stream")
		return
	}

	select {
	case l.connCh <- newQUICConn(qc, stream, l.roots):
	case <-l.ctx.Done():
		_ = qc.CloseWithError(0, "listener closed")
	}
}

// quicConn is the single stream of a QUIC connection.
type quicConn struct {
	*quic.Stream

	qc         *quic.Conn
	authorized bool
	cert       *x509.Certificate
}

func newQUICConn(qc *quic.Conn, stream *quic.Stream, roots *x509.CertPool) *quicConn {
	cert, authorized := verifyPeer(qc.ConnectionState().TLS, roots)
	return &quicConn{
		Stream:     stream,
		qc:         qc,
		authorized: authorized,
		cert:       cert,
	}
}

// Close closes the stream and the connection carrying it.
func (c *quicConn) Close() error {
	_ = c.Stream.Close()
	return c.qc.CloseWithError(0, "connection closed")
}

func (c *quicConn) Authorized() bool {
	return c.authorized
}

func (c *quicConn) PeerCertificate() *x509.Certificate {
	return c.cert
}

func (c *quicConn) RemoteAddr() net.Addr {
	return c.qc.RemoteAddr()
}
