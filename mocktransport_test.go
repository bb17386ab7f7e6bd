package botnet

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// dialPair dials ln from dialer, returning the client and server ends.
func dialPair(t *testing.T, ln Listener, dialer *MockTransport) (Conn, Conn) {
	accepted := make(chan Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	client, err := dialer.Dial(ctx, ln.Addr().String())
	require.NoError(t, err)

	select {
	case server := <-accepted:
		return client, server
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for connection")
		return nil, nil
	}
}

func TestMockTransport_WriteAndRead(t *testing.T) {
	network := NewMockNetwork()

	t1 := network.NewTransport()
	t2 := network.NewTransport()

	ln, err := t1.Listen(":0")
	require.NoError(t, err)
	defer ln.Close()

	client, server := dialPair(t, ln, t2)

	_, err = client.Write([]byte("foo"))
	assert.Nil(t, err)

	buf := make([]byte, 3)
	_, err = io.ReadFull(server, buf)
	assert.Nil(t, err)
	assert.Equal(t, "foo", string(buf))
	assert.Equal(t, ln.Addr().String(), client.RemoteAddr().String())
	assert.True(t, server.Authorized())
	assert.Equal(t, 1, t2.Dials())
}

func TestMockTransport_CloseDeliversPendingWrites(t *testing.T) {
	network := NewMockNetwork()

	ln, err := network.NewTransport().Listen(":0")
	require.NoError(t, err)
	defer ln.Close()

	client, server := dialPair(t, ln, network.NewTransport())

	_, err = server.Write([]byte("bye"))
	require.NoError(t, err)
	require.NoError(t, server.Close())

	b, err := io.ReadAll(client)
	assert.Nil(t, err)
	assert.Equal(t, "bye", string(b))

	_, err = client.Write([]byte("foo"))
	assert.ErrorIs(t, err, io.ErrClosedPipe)
}

func TestMockTransport_DialRefused(t *testing.T) {
	network := NewMockNetwork()

	ln, err := network.NewTransport().Listen(":0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = network.NewTransport().Dial(ctx, addr)
	assert.ErrorContains(t, err, "connection refused")
}

func TestMockTransport_ListenAddressInUse(t *testing.T) {
	network := NewMockNetwork()

	ln, err := network.NewTransport().Listen(":8123")
	require.NoError(t, err)
	defer ln.Close()
	assert.Equal(t, "127.0.0.1:8123", ln.Addr().String())

	_, err = network.NewTransport().Listen("127.0.0.1:8123")
	assert.Error(t, err)
}

func TestMockTransport_Unauthorized(t *testing.T) {
	network := NewMockNetwork()

	t1 := network.NewTransport()
	t2 := network.NewTransport()
	t2.SetUnauthorized(true)

	ln, err := t1.Listen(":0")
	require.NoError(t, err)
	defer ln.Close()

	client, server := dialPair(t, ln, t2)

	assert.True(t, client.Authorized())
	assert.False(t, server.Authorized())
}
