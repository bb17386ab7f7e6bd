package botnet

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"io"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type testCA struct {
	cert *x509.Certificate
	key  *ecdsa.PrivateKey
	pool *x509.CertPool
}

func newTestCA(t *testing.T) *testCA {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "botnet ca"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	pool := x509.NewCertPool()
	pool.AddCert(cert)
	return &testCA{cert: cert, key: key, pool: pool}
}

func (ca *testCA) issue(t *testing.T, name string) tls.Certificate {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: name},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, ca.cert, &key.PublicKey, ca.key)
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
		Leaf:        leaf,
	}
}

type transportFactory func(cert tls.Certificate, roots *x509.CertPool) Transport

var transports = map[string]transportFactory{
	"tls": func(cert tls.Certificate, roots *x509.CertPool) Transport {
		return NewTLSTransport(cert, roots, zap.NewNop())
	},
	"quic": func(cert tls.Certificate, roots *x509.CertPool) Transport {
		return NewQUICTransport(cert, roots, zap.NewNop())
	},
}

// exchange dials the listener, writes from the dialer first, then echoes a
// reply, returning both ends.
func exchange(t *testing.T, ln Listener, dialer Transport) (Conn, Conn) {
	accepted := make(chan Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	client, err := dialer.Dial(ctx, ln.Addr().String())
	require.NoError(t, err)

	// QUIC streams are only announced to the listener once written to.
	_, err = client.Write([]byte("ping"))
	require.NoError(t, err)

	var server Conn
	select {
	case server = <-accepted:
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for connection")
	}

	buf := make([]byte, 4)
	_, err = io.ReadFull(server, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))

	_, err = server.Write([]byte("pong"))
	require.NoError(t, err)
	_, err = io.ReadFull(client, buf)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(buf))

	return client, server
}

func TestTransport_Authorized(t *testing.T) {
	for name, factory := range transports {
		t.Run(name, func(t *testing.T) {
			ca := newTestCA(t)

			server := factory(ca.issue(t, "server"), ca.pool)
			client := factory(ca.issue(t, "client"), ca.pool)

			ln, err := server.Listen("127.0.0.1:0")
			require.NoError(t, err)
			defer ln.Close()

			clientConn, serverConn := exchange(t, ln, client)
			defer clientConn.Close()
			defer serverConn.Close()

			assert.True(t, clientConn.Authorized())
			assert.True(t, serverConn.Authorized())
			assert.Equal(t, "server", clientConn.PeerCertificate().Subject.CommonName)
			assert.Equal(t, "client", serverConn.PeerCertificate().Subject.CommonName)
			assert.NotNil(t, serverConn.RemoteAddr())
		})
	}
}

func TestTransport_Unauthorized(t *testing.T) {
	for name, factory := range transports {
		t.Run(name, func(t *testing.T) {
			ca := newTestCA(t)
			untrusted := newTestCA(t)

			server := factory(ca.issue(t, "server"), ca.pool)
			client := factory(untrusted.issue(t, "intruder"), untrusted.pool)

			ln, err := server.Listen("127.0.0.1:0")
			require.NoError(t, err)
			defer ln.Close()

			clientConn, serverConn := exchange(t, ln, client)
			defer clientConn.Close()
			defer serverConn.Close()

			// Each side presented a certificate the other doesn't trust.
			assert.False(t, clientConn.Authorized())
			assert.False(t, serverConn.Authorized())
			assert.Equal(t, "intruder", serverConn.PeerCertificate().Subject.CommonName)
		})
	}
}

func TestTLSTransport_ClientWithoutCertificate(t *testing.T) {
	ca := newTestCA(t)

	ln, err := NewTLSTransport(ca.issue(t, "server"), ca.pool, zap.NewNop()).Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	// The server asks for a certificate but still completes the handshake
	// without one, leaving the connection unauthorized.
	client, err := tls.Dial("tcp", ln.Addr().String(), &tls.Config{
		InsecureSkipVerify: true,
	})
	require.NoError(t, err)
	defer client.Close()
	_, err = client.Write([]byte("ping"))
	require.NoError(t, err)

	select {
	case server := <-accepted:
		defer server.Close()
		assert.False(t, server.Authorized())
		assert.Nil(t, server.PeerCertificate())
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for connection")
	}
}

func TestTransport_AcceptAfterClose(t *testing.T) {
	for name, factory := range transports {
		t.Run(name, func(t *testing.T) {
			ca := newTestCA(t)

			ln, err := factory(ca.issue(t, "server"), ca.pool).Listen("127.0.0.1:0")
			require.NoError(t, err)

			require.NoError(t, ln.Close())
			_, err = ln.Accept()
			assert.ErrorIs(t, err, net.ErrClosed)
		})
	}
}

func TestBot_OverTransport(t *testing.T) {
	for name, factory := range transports {
		t.Run(name, func(t *testing.T) {
			ca := newTestCA(t)

			recorder := &messageRecorder{}
			b1, err := Create(
				WithTransport(factory(ca.issue(t, "bot-1"), ca.pool)),
				WithLogger(zap.NewNop()),
				WithOnMessage(recorder.onMessage),
			)
			require.NoError(t, err)
			defer b1.Close()
			b2, err := Create(
				WithTransport(factory(ca.issue(t, "bot-2"), ca.pool)),
				WithLogger(zap.NewNop()),
			)
			require.NoError(t, err)
			defer b2.Close()

			require.NoError(t, b1.Listen("127.0.0.1:0"))
			p := connect(t, b2, b1.Addr().String())
			require.NoError(t, p.Send(testMessage{Cmd: "hello", N: 1}))

			assert.Eventually(t, func() bool {
				return len(recorder.Messages()) == 1
			}, waitTimeout, 10*time.Millisecond)
		})
	}
}
