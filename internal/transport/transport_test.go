package transport

import (
	"bytes"
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sheerbytes/chunkftp/pkg/protocol"
)

func streamPair(t *testing.T) (*StreamConn, *StreamConn) {
	t.Helper()
	a, b := net.Pipe()
	ca := NewStreamConn(a, a.LocalAddr(), a.RemoteAddr())
	cb := NewStreamConn(b, b.LocalAddr(), b.RemoteAddr())
	t.Cleanup(func() {
		ca.Close()
		cb.Close()
	})
	return ca, cb
}

func TestStreamConnPreservesBoundaries(t *testing.T) {
	a, b := streamPair(t)
	ctx := context.Background()

	msgs := [][]byte{{1}, {}, bytes.Repeat([]byte{9}, protocol.MaxMessageSize), {2, 3}}
	go func() {
		for _, m := range msgs {
			if err := a.Send(ctx, m); err != nil {
				return
			}
		}
	}()
	for _, want := range msgs {
		got, err := b.Receive(ctx)
		require.NoError(t, err)
		assert.Equal(t, len(want), len(got))
		assert.True(t, bytes.Equal(want, got))
	}
}

func TestStreamConnTimeoutDoesNotDesync(t *testing.T) {
	a, b := streamPair(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := b.Receive(ctx)
	require.Error(t, err)
	assert.True(t, IsTimeout(err), "got %v", err)

	go a.Send(context.Background(), []byte("after"))
	got, err := b.Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("after"), got)
}

func TestStreamConnRejectsOversize(t *testing.T) {
	a, _ := streamPair(t)
	err := a.Send(context.Background(), make([]byte, protocol.MaxMessageSize+1))
	assert.True(t, errors.Is(err, ErrFrameTooLarge))
}

func TestStreamConnPeerClose(t *testing.T) {
	a, b := streamPair(t)
	require.NoError(t, a.Close())
	_, err := b.Receive(context.Background())
	assert.True(t, errors.Is(err, ErrClosed), "got %v", err)
}

func TestTCPRoundTrip(t *testing.T) {
	ln, err := ListenTCP("127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	accepted := make(chan Conn, 1)
	go func() {
		c, err := ln.Accept(ctx)
		if err == nil {
			accepted <- c
		}
	}()

	client, err := TCPDialer{Timeout: time.Second}.Dial(ctx, ln.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	var server Conn
	select {
	case server = <-accepted:
	case <-ctx.Done():
		t.Fatal("accept timed out")
	}
	defer server.Close()

	require.NoError(t, client.Send(ctx, []byte("ping")))
	got, err := server.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("ping"), got)

	require.NoError(t, server.Send(ctx, []byte("pong")))
	got, err = client.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("pong"), got)
}

func TestTCPAcceptHonoursContext(t *testing.T) {
	ln, err := ListenTCP("127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = ln.Accept(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
}

func TestPipeDeliversAndDrops(t *testing.T) {
	ln := NewPipeListener()
	defer ln.Close()

	var n atomic.Int32
	ln.DropToServer = func(msg []byte) bool {
		return n.Add(1)%2 == 0
	}

	ctx := context.Background()
	client, err := ln.Dial(ctx, "")
	require.NoError(t, err)
	server, err := ln.Accept(ctx)
	require.NoError(t, err)

	for i := byte(0); i < 4; i++ {
		require.NoError(t, client.Send(ctx, []byte{i}))
	}
	for _, want := range []byte{0, 2} {
		got, err := server.Receive(ctx)
		require.NoError(t, err)
		assert.Equal(t, []byte{want}, got)
	}

	short, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	_, err = server.Receive(short)
	assert.True(t, IsTimeout(err))

	require.NoError(t, server.Send(ctx, []byte("bye")))
	require.NoError(t, server.Close())
	got, err := client.Receive(ctx)
	require.NoError(t, err, "messages sent before close are delivered")
	assert.Equal(t, []byte("bye"), got)
	_, err = client.Receive(ctx)
	assert.True(t, errors.Is(err, ErrClosed))
	assert.True(t, errors.Is(client.Send(ctx, []byte{1}), ErrClosed))
}

func TestPipeListenerClose(t *testing.T) {
	ln := NewPipeListener()
	require.NoError(t, ln.Close())
	_, err := ln.Accept(context.Background())
	assert.True(t, errors.Is(err, ErrClosed))
	_, err = ln.Dial(context.Background(), "")
	assert.True(t, errors.Is(err, ErrClosed))
}
