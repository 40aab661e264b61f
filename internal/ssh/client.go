package ssh

import (
	"errors"
	"fmt"
	"net"
	"time"

	"golang.org/x/crypto/ssh"
)

// ClientConfig configures the client side of an SSH handshake.
type ClientConfig struct {
	User     string
	Password string
	Signers  []ssh.Signer

	HostKeyCallback ssh.HostKeyCallback

	// HandshakeTimeout bounds the handshake. Zero means no limit.
	HandshakeTimeout time.Duration
}

func (c *ClientConfig) authMethods() []ssh.AuthMethod {
	var methods []ssh.AuthMethod
	if len(c.Signers) > 0 {
		methods = append(methods, ssh.PublicKeys(c.Signers...))
	}
	if c.Password != "" {
		methods = append(methods, ssh.Password(c.Password))
	}
	return methods
}

// Validate reports configuration errors that would make every handshake
// fail.
func (c *ClientConfig) Validate() error {
	if c.User == "" {
		return errors.New("ssh: missing user")
	}
	if c.Password == "" && len(c.Signers) == 0 {
		return errors.New("ssh: missing password or key")
	}
	return nil
}

// Handshake runs the SSH client handshake over conn, which is closed on
// failure. addr is the server address used for host key verification.
func Handshake(conn net.Conn, addr string, cfg ClientConfig) (*ssh.Client, error) {
	if cfg.HandshakeTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(cfg.HandshakeTimeout))
	}

	hostKeyCallback := cfg.HostKeyCallback
	if hostKeyCallback == nil {
		hostKeyCallback = ssh.InsecureIgnoreHostKey() //nolint:gosec // Caller opted out of host key checking.
	}

	cc, chans, reqs, err := ssh.NewClientConn(conn, addr, &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            cfg.authMethods(),
		HostKeyCallback: hostKeyCallback,
	})
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ssh handshake: %w", err)
	}

	if cfg.HandshakeTimeout > 0 {
		_ = conn.SetDeadline(time.Time{})
	}
	return ssh.NewClient(cc, chans, reqs), nil
}
