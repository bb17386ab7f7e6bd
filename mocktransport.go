package botnet

import (
	"bytes"
	"context"
	"crypto/x509"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// MockNetwork is used as a factory that produces MockTransport instances
// which are wired up to talk to each other in memory.
type MockNetwork struct {
	mu        sync.Mutex
	listeners map[string]*MockListener
	nextPort  int
}

func NewMockNetwork() *MockNetwork {
	return &MockNetwork{
		listeners: make(map[string]*MockListener),
		nextPort:  20000,
	}
}

func (n *MockNetwork) NewTransport() *MockTransport {
	return &MockTransport{
		net: n,
	}
}

// allocPort returns the next unused port. Must hold mu.
func (n *MockNetwork) allocPort() int {
	port := n.nextPort
	n.nextPort++
	return port
}

// MockAddress is a wrapper which adds the net.Addr interface to our mock
// address scheme.
type MockAddress struct {
	addr string
}

func (a *MockAddress) Network() string {
	return "mock"
}

func (a *MockAddress) String() string {
	return a.addr
}

// MockTransport is a Transport whose connections are in memory pipes to
// other transports on the same MockNetwork.
type MockTransport struct {
	net *MockNetwork

	// unauthorized marks connections to and from this transport as
	// unauthorized to the remote.
	unauthorized atomic.Bool
	// dialLatency delays each dial.
	dialLatency atomic.Int64
	dials       atomic.Int64
	// writeLatency delays each write on connections from this transport.
	writeLatency atomic.Int64
}

// SetUnauthorized makes the remote side of connections to and from this
// transport see them as unauthorized, as if we had an untrusted certificate.
func (t *MockTransport) SetUnauthorized(unauthorized bool) {
	t.unauthorized.Store(unauthorized)
}

// SetDialLatency delays each subsequent dial by d.
func (t *MockTransport) SetDialLatency(d time.Duration) {
	t.dialLatency.Store(int64(d))
}

// SetWriteLatency delays every write on this transports connections by d,
// including connections that are already open.
func (t *MockTransport) SetWriteLatency(d time.Duration) {
	t.writeLatency.Store(int64(d))
}

// Dials returns the number of dials attempted.
func (t *MockTransport) Dials() int {
	return int(t.dials.Load())
}

func (t *MockTransport) Listen(addr string) (Listener, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid address %s: %w", addr, err)
	}
	if host == "" {
		host = "127.0.0.1"
	}

	t.net.mu.Lock()
	defer t.net.mu.Unlock()

	if portStr == "0" {
		portStr = strconv.Itoa(t.net.allocPort())
	}
	bindAddr := net.JoinHostPort(host, portStr)
	if _, ok := t.net.listeners[bindAddr]; ok {
		return nil, fmt.Errorf("listen %s: address already in use", bindAddr)
	}

	ln := &MockListener{
		net:       t.net,
		transport: t,
		addr:      &MockAddress{addr: bindAddr},
		connCh:    make(chan *MockConn),
		done:      make(chan struct{}),
	}
	t.net.listeners[bindAddr] = ln
	return ln, nil
}

func (t *MockTransport) Dial(ctx context.Context, addr string) (Conn, error) {
	t.dials.Add(1)

	if latency := time.Duration(t.dialLatency.Load()); latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	t.net.mu.Lock()
	ln, ok := t.net.listeners[addr]
	localAddr := &MockAddress{addr: net.JoinHostPort("127.0.0.1", strconv.Itoa(t.net.allocPort()))}
	t.net.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("dial %s: connection refused", addr)
	}

	toServer := newPipeBuffer()
	toClient := newPipeBuffer()
	client := &MockConn{
		r:          toClient,
		w:          toServer,
		localAddr:  localAddr,
		remoteAddr: ln.addr,
		authorized: !ln.transport.unauthorized.Load(),
		transport:  t,
	}
	server := &MockConn{
		r:          toServer,
		w:          toClient,
		localAddr:  ln.addr,
		remoteAddr: localAddr,
		authorized: !t.unauthorized.Load(),
		transport:  ln.transport,
	}

	select {
	case ln.connCh <- server:
		return client, nil
	case <-ln.done:
		return nil, fmt.Errorf("dial %s: connection refused", addr)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type MockListener struct {
	net       *MockNetwork
	transport *MockTransport
	addr      *MockAddress
	connCh    chan *MockConn

	closeOnce sync.Once
	done      chan struct{}
}

func (l *MockListener) Accept() (Conn, error) {
	select {
	case c := <-l.connCh:
		return c, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

func (l *MockListener) Addr() net.Addr {
	return l.addr
}

func (l *MockListener) Close() error {
	l.closeOnce.Do(func() {
		l.net.mu.Lock()
		delete(l.net.listeners, l.addr.addr)
		l.net.mu.Unlock()

		close(l.done)
	})
	return nil
}

// MockConn is one end of an in memory connection. Unlike net.Pipe writes
// are buffered so don't block waiting for the remote to read.
type MockConn struct {
	r          *pipeBuffer
	w          *pipeBuffer
	localAddr  net.Addr
	remoteAddr net.Addr
	authorized bool
	transport  *MockTransport
}

func (c *MockConn) Read(b []byte) (int, error) {
	return c.r.read(b)
}

func (c *MockConn) Write(b []byte) (int, error) {
	if latency := time.Duration(c.transport.writeLatency.Load()); latency > 0 {
		time.Sleep(latency)
	}
	return c.w.write(b)
}

// Close closes both directions. Unread inbound bytes are discarded, though
// the remote reads any bytes we wrote before getting io.EOF.
func (c *MockConn) Close() error {
	c.r.close(true)
	c.w.close(false)
	return nil
}

func (c *MockConn) Authorized() bool {
	return c.authorized
}

func (c *MockConn) PeerCertificate() *x509.Certificate {
	return nil
}

func (c *MockConn) LocalAddr() net.Addr {
	return c.localAddr
}

func (c *MockConn) RemoteAddr() net.Addr {
	return c.remoteAddr
}

type pipeBuffer struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    bytes.Buffer
	closed bool
}

func newPipeBuffer() *pipeBuffer {
	p := &pipeBuffer{}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (p *pipeBuffer) read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for p.buf.Len() == 0 && !p.closed {
		p.cond.Wait()
	}
	if p.buf.Len() == 0 {
		return 0, io.EOF
	}
	return p.buf.Read(b)
}

func (p *pipeBuffer) write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return 0, io.ErrClosedPipe
	}
	n, _ := p.buf.Write(b)
	p.cond.Broadcast()
	return n, nil
}

func (p *pipeBuffer) close(discard bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if discard {
		p.buf.Reset()
	}
	p.closed = true
	p.cond.Broadcast()
}
