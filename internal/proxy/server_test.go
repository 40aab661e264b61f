package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/die-net/ruleproxy/internal/connector"
	"github.com/die-net/ruleproxy/internal/stream"
	"github.com/die-net/ruleproxy/internal/testutil"
)

func TestServerCloseStopsServeAndSessions(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoServer(t, ctx)

	ln, err := ListenTCP("tcp", "127.0.0.1:0", net.KeepAliveConfig{Enable: true})
	require.NoError(t, err)

	srv := NewServer(ctx, Config{Connector: connector.NewDirect(connector.Config{})})
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ln) }()

	c := dialProxy(t, ln.Addr().String())
	writeString(t, c, "CONNECT "+echoLn.Addr().String()+" HTTP/1.1\r\n\r\n")
	resp := make([]byte, len(connectEstablished))
	_, err = io.ReadFull(c, resp)
	require.NoError(t, err)

	require.NoError(t, srv.Close())
	require.NoError(t, <-served)

	waited := make(chan struct{})
	go func() {
		srv.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(2 * time.Second):
		t.Fatal("sessions still running after Close")
	}

	// The open tunnel was torn down.
	_, err = io.ReadAll(c)
	require.NoError(t, err)
}

func TestServerServeAfterClose(t *testing.T) {
	t.Parallel()

	ln, err := ListenTCP("tcp", "127.0.0.1:0", net.KeepAliveConfig{})
	require.NoError(t, err)

	srv := NewServer(context.Background(), Config{Connector: connector.NewReject()})
	require.NoError(t, srv.Close())
	require.NoError(t, srv.Serve(ln))

	// The listener was closed by Serve.
	_, err = ln.Accept()
	require.Error(t, err)
}

func TestNextBackoff(t *testing.T) {
	t.Parallel()

	d := nextBackoff(0)
	require.Equal(t, 5*time.Millisecond, d)
	for range 20 {
		d = nextBackoff(d)
	}
	require.Equal(t, time.Second, d)
}

// lockedBuffer is a bytes.Buffer safe for concurrent log writes.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestServerLogsMissingRuleAtError(t *testing.T) {
	t.Parallel()

	var logs lockedBuffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelInfo}))

	noRule := connectFunc(func(_ context.Context, host string, port int) (stream.Stream, error) {
		return nil, fmt.Errorf("rules /etc/rules: %s:%d: %w", host, port, connector.ErrNoRule)
	})
	addr := startProxy(t, Config{Connector: noRule, Logger: logger})

	c := dialProxy(t, addr)
	writeString(t, c, "CONNECT example.com:443 HTTP/1.1\r\n\r\n")
	require.Empty(t, testutil.ReadAll(t, c, 2*time.Second))

	require.Eventually(t, func() bool {
		out := logs.String()
		return strings.Contains(out, "level=ERROR") && strings.Contains(out, "no matching rule")
	}, 2*time.Second, 10*time.Millisecond)
}
