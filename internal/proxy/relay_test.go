package proxy

import (
	"context"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/die-net/ruleproxy/internal/stream"
)

// pipeStream returns a Stream and the raw conn at its far end.
func pipeStream(t *testing.T) (stream.Stream, net.Conn) {
	t.Helper()

	near, far := net.Pipe()
	t.Cleanup(func() {
		_ = near.Close()
		_ = far.Close()
	})
	return stream.New(near), far
}

func TestRelayCopiesBothWays(t *testing.T) {
	t.Parallel()

	a, aFar := pipeStream(t)
	b, bFar := pipeStream(t)

	type result struct {
		aToB, bToA int64
		err        error
	}
	done := make(chan result, 1)
	go func() {
		aToB, bToA, err := Relay(context.Background(), a, b)
		done <- result{aToB, bToA, err}
	}()

	go func() { _, _ = aFar.Write([]byte("ping")) }()
	buf := make([]byte, 4)
	_, err := io.ReadFull(bFar, buf)
	require.NoError(t, err)
	require.Equal(t, "ping", string(buf))

	go func() { _, _ = bFar.Write([]byte("pong!")) }()
	buf = make([]byte, 5)
	_, err = io.ReadFull(aFar, buf)
	require.NoError(t, err)
	require.Equal(t, "pong!", string(buf))

	// EOF from one side closes both.
	require.NoError(t, aFar.Close())

	select {
	case r := <-done:
		require.NoError(t, r.err)
		require.Equal(t, int64(4), r.aToB)
		require.Equal(t, int64(5), r.bToA)
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not finish")
	}

	_, err = bFar.Read(make([]byte, 1))
	require.ErrorIs(t, err, io.EOF)

	select {
	case <-b.Done():
	default:
		t.Fatal("b not closed")
	}
}

func TestRelayContextCancel(t *testing.T) {
	t.Parallel()

	a, _ := pipeStream(t)
	b, _ := pipeStream(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, _, err := Relay(ctx, a, b)
		done <- err
	}()

	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("relay ignored cancellation")
	}
	<-a.Done()
	<-b.Done()
}

func TestRelaySyntheticSource(t *testing.T) {
	t.Parallel()

	a, aFar := pipeStream(t)
	b := stream.NewSynthetic(strings.NewReader("HTTP/1.1 410 Gone\r\n\r\n"))

	go func() {
		_, _, _ = Relay(context.Background(), a, b)
	}()

	got, err := io.ReadAll(aFar)
	require.NoError(t, err)
	require.Equal(t, "HTTP/1.1 410 Gone\r\n\r\n", string(got))
}
