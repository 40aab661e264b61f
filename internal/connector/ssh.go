package connector

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/singleflight"

	internalssh "github.com/die-net/ruleproxy/internal/ssh"
	"github.com/die-net/ruleproxy/internal/stream"
)

const sshDefaultPort = 22

// SSH tunnels connections as "direct-tcpip" channels over one shared SSH
// transport. The transport is established on the first Connect and
// re-established once if a channel open fails on a dead transport.
type SSH struct {
	base
	cfg       Config
	direct    *Direct
	addr      string
	clientCfg internalssh.ClientConfig

	mu     sync.Mutex
	client *ssh.Client
	sf     singleflight.Group
}

// parseSSHURL splits netloc "user[:pass]@host[:port]".
func parseSSHURL(netloc string) (user, pass, addr string, err error) {
	cred, hostport := SplitCredentials(netloc)
	user, pass, _ = strings.Cut(cred, ":")
	host, port, err := ParseHostPort(hostport, sshDefaultPort)
	if err != nil {
		return "", "", "", fmt.Errorf("ssh server: %w", err)
	}
	return user, pass, net.JoinHostPort(host, strconv.Itoa(port)), nil
}

// validateSSH checks netloc without loading keys or touching known_hosts.
func validateSSH(cfg Config, u URL) error {
	user, pass, _, err := parseSSHURL(u.Netloc)
	if err != nil {
		return err
	}
	if user == "" {
		return errors.New("ssh: missing user")
	}
	if pass == "" && cfg.SSHKeyPath == "" {
		return errors.New("ssh: missing password or key")
	}
	return nil
}

// NewSSH builds a connector for the server at netloc. Private keys come
// from cfg.SSHKeyPath and host keys are checked against
// cfg.SSHKnownHostsPath.
func NewSSH(cfg Config, netloc, path string) (*SSH, error) {
	user, pass, addr, err := parseSSHURL(netloc)
	if err != nil {
		return nil, err
	}

	signers, err := internalssh.LoadSigners(cfg.SSHKeyPath)
	if err != nil {
		return nil, err
	}
	hostKeyCallback, err := internalssh.HostKeyCallback(cfg.SSHKnownHostsPath, cfg.Logger)
	if err != nil {
		return nil, err
	}

	clientCfg := internalssh.ClientConfig{
		User:             user,
		Password:         pass,
		Signers:          signers,
		HostKeyCallback:  hostKeyCallback,
		HandshakeTimeout: cfg.NegotiationTimeout,
	}
	if err := clientCfg.Validate(); err != nil {
		return nil, err
	}

	return &SSH{
		base:      base{name: "SSH", netloc: netloc, path: path},
		cfg:       cfg,
		direct:    NewDirect(cfg),
		addr:      addr,
		clientCfg: clientCfg,
	}, nil
}

func (s *SSH) Connect(ctx context.Context, host string, port int) (stream.Stream, error) {
	address := net.JoinHostPort(host, strconv.Itoa(port))

	client, err := s.getClient(ctx)
	if err != nil {
		return nil, err
	}

	conn, err := client.DialContext(ctx, "tcp", address)
	if err != nil {
		// The transport is fine; the server could not reach address.
		var openErr *ssh.OpenChannelError
		if errors.As(err, &openErr) {
			return nil, fmt.Errorf("ssh connect %s: %w", address, err)
		}
		// Other sessions share the transport.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}

		s.invalidate(client)
		client, err2 := s.getClient(ctx)
		if err2 != nil {
			return nil, err2
		}
		conn, err = client.DialContext(ctx, "tcp", address)
		if err != nil {
			return nil, fmt.Errorf("ssh connect %s: %w", address, err)
		}
	}

	return stream.New(conn), nil
}

// Close tears down the shared transport, if any.
func (s *SSH) Close() error {
	s.mu.Lock()
	client := s.client
	s.client = nil
	s.mu.Unlock()
	if client == nil {
		return nil
	}
	return client.Close()
}

func (s *SSH) getClient(ctx context.Context) (*ssh.Client, error) {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client != nil {
		return client, nil
	}

	ch := s.sf.DoChan("transport", func() (any, error) {
		s.mu.Lock()
		if s.client != nil {
			c := s.client
			s.mu.Unlock()
			return c, nil
		}
		s.mu.Unlock()

		// Other waiters may still want the transport if ctx is canceled.
		c, err := s.handshake(context.Background())
		if err != nil {
			return nil, err
		}

		s.mu.Lock()
		s.client = c
		s.mu.Unlock()
		return c, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*ssh.Client), nil
	}
}

func (s *SSH) handshake(ctx context.Context) (*ssh.Client, error) {
	conn, err := s.direct.dial(ctx, s.addr)
	if err != nil {
		return nil, fmt.Errorf("ssh transport: %w", err)
	}

	client, err := internalssh.Handshake(conn, s.addr, s.clientCfg)
	if err != nil {
		return nil, fmt.Errorf("ssh transport %s: %w", s.addr, err)
	}
	s.cfg.logger().Debug("ssh transport established", "server", s.addr)

	go func() {
		_ = client.Wait()
		s.invalidate(client)
	}()
	return client, nil
}

// invalidate drops client if it is still the shared transport.
func (s *SSH) invalidate(client *ssh.Client) {
	s.mu.Lock()
	if s.client == client {
		s.client = nil
	}
	s.mu.Unlock()
	_ = client.Close()
}
