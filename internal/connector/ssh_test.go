package connector

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/errgroup"

	"github.com/die-net/ruleproxy/internal/testutil"
)

type directTCPIPPayload struct {
	Host       string
	Port       uint32
	OriginHost string
	OriginPort uint32
}

// startSSHForwardServer runs an SSH server that accepts "direct-tcpip"
// channels for username/password. The returned counter tracks accepted
// transports.
func startSSHForwardServer(t *testing.T, ctx context.Context, username, password string) (net.Listener, *atomic.Int32) {
	t.Helper()

	_, key, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(key)
	require.NoError(t, err)

	cfg := &ssh.ServerConfig{
		PasswordCallback: func(meta ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if meta.User() != username || string(pass) != password {
				return nil, errors.New("invalid credentials")
			}
			return &ssh.Permissions{}, nil
		},
	}
	cfg.AddHostKey(signer)

	ln := testutil.Listen(t, ctx)
	var transports atomic.Int32

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				serveSSHConn(ctx, c, cfg, &transports)
			}()
		}
	}()

	return ln, &transports
}

func serveSSHConn(ctx context.Context, c net.Conn, cfg *ssh.ServerConfig, transports *atomic.Int32) {
	_, chans, reqs, err := ssh.NewServerConn(c, cfg)
	if err != nil {
		return
	}
	transports.Add(1)
	go ssh.DiscardRequests(reqs)

	for newChan := range chans {
		if newChan.ChannelType() != "direct-tcpip" {
			_ = newChan.Reject(ssh.UnknownChannelType, "unsupported channel")
			continue
		}

		var p directTCPIPPayload
		if err := ssh.Unmarshal(newChan.ExtraData(), &p); err != nil {
			_ = newChan.Reject(ssh.Prohibited, "bad direct-tcpip payload")
			continue
		}

		d := net.Dialer{}
		dst, err := d.DialContext(ctx, "tcp", net.JoinHostPort(p.Host, fmt.Sprint(p.Port)))
		if err != nil {
			_ = newChan.Reject(ssh.ConnectionFailed, "dial failed")
			continue
		}

		ch, chReqs, err := newChan.Accept()
		if err != nil {
			_ = dst.Close()
			continue
		}
		go ssh.DiscardRequests(chReqs)

		go func() {
			defer ch.Close()
			defer dst.Close()

			g := errgroup.Group{}
			g.Go(func() error {
				_, err := io.Copy(dst, ch)
				_ = dst.Close()
				return err
			})
			g.Go(func() error {
				_, err := io.Copy(ch, dst)
				_ = ch.CloseWrite()
				return err
			})
			_ = g.Wait()
		}()
	}
}

func TestSSHConnect(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	echoLn1 := testutil.StartEchoServer(t, ctx)
	echoLn2 := testutil.StartEchoServer(t, ctx)
	sshLn, transports := startSSHForwardServer(t, ctx, "user", "pass")

	c, err := NewSSH(Config{DialTimeout: 2 * time.Second, NegotiationTimeout: 2 * time.Second}, "user:pass@"+sshLn.Addr().String(), "")
	require.NoError(t, err)
	defer c.Close()

	host, port := splitTestAddr(t, echoLn1.Addr())
	s1, err := c.Connect(ctx, host, port)
	require.NoError(t, err)
	testutil.AssertEcho(t, s1, s1, []byte("hello"))
	require.NoError(t, s1.Close())

	host, port = splitTestAddr(t, echoLn2.Addr())
	s2, err := c.Connect(ctx, host, port)
	require.NoError(t, err)
	defer s2.Close()
	testutil.AssertEcho(t, s2, s2, []byte("hello2"))

	require.Equal(t, int32(1), transports.Load())
}

func TestSSHConnectChannelRejected(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sshLn, transports := startSSHForwardServer(t, ctx, "user", "pass")

	c, err := NewSSH(Config{NegotiationTimeout: 2 * time.Second}, "user:pass@"+sshLn.Addr().String(), "")
	require.NoError(t, err)
	defer c.Close()

	closed := testutil.Listen(t, ctx)
	host, port := splitTestAddr(t, closed.Addr())
	require.NoError(t, closed.Close())

	_, err = c.Connect(ctx, host, port)
	var openErr *ssh.OpenChannelError
	require.True(t, errors.As(err, &openErr))

	// A refused channel leaves the transport in place.
	require.Equal(t, int32(1), transports.Load())
}

func TestSSHConnectAfterClose(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoServer(t, ctx)
	sshLn, transports := startSSHForwardServer(t, ctx, "user", "pass")

	c, err := NewSSH(Config{NegotiationTimeout: 2 * time.Second}, "user:pass@"+sshLn.Addr().String(), "")
	require.NoError(t, err)
	defer c.Close()

	host, port := splitTestAddr(t, echoLn.Addr())
	s, err := c.Connect(ctx, host, port)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	require.NoError(t, c.Close())

	s, err = c.Connect(ctx, host, port)
	require.NoError(t, err)
	defer s.Close()
	testutil.AssertEcho(t, s, s, []byte("again"))
	require.Equal(t, int32(2), transports.Load())
}

func TestSSHConnectCanceledKeepsTransport(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoServer(t, ctx)
	sshLn, transports := startSSHForwardServer(t, ctx, "user", "pass")

	c, err := NewSSH(Config{NegotiationTimeout: 2 * time.Second}, "user:pass@"+sshLn.Addr().String(), "")
	require.NoError(t, err)
	defer c.Close()

	host, port := splitTestAddr(t, echoLn.Addr())
	first, err := c.Connect(ctx, host, port)
	require.NoError(t, err)
	defer first.Close()

	canceled, cancelSession := context.WithCancel(ctx)
	cancelSession()
	_, err = c.Connect(canceled, host, port)
	require.ErrorIs(t, err, context.Canceled)

	// The channel opened before the cancellation still works.
	testutil.AssertEcho(t, first, first, []byte("still open"))

	second, err := c.Connect(ctx, host, port)
	require.NoError(t, err)
	defer second.Close()
	testutil.AssertEcho(t, second, second, []byte("same transport"))
	require.Equal(t, int32(1), transports.Load())
}

func TestSSHAuthFailure(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sshLn, _ := startSSHForwardServer(t, ctx, "user", "pass")

	c, err := NewSSH(Config{NegotiationTimeout: 2 * time.Second}, "user:wrong@"+sshLn.Addr().String(), "")
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Connect(ctx, "127.0.0.1", 1)
	require.Error(t, err)
}
