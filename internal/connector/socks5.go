package connector

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/die-net/ruleproxy/internal/socks5"
	"github.com/die-net/ruleproxy/internal/stream"
)

const socks5DefaultPort = 1080

// Socks5 connects through a SOCKS5 server, with optional username/password
// authentication.
type Socks5 struct {
	base
	cfg    Config
	direct *Direct
	addr   string
	auth   socks5.Auth
}

// NewSocks5 builds a connector for the server at netloc
// "[user:pass@]host[:port]".
func NewSocks5(cfg Config, netloc, path string) (*Socks5, error) {
	cred, hostport := SplitCredentials(netloc)
	host, port, err := ParseHostPort(hostport, socks5DefaultPort)
	if err != nil {
		return nil, fmt.Errorf("socks5 server: %w", err)
	}

	s := &Socks5{
		base:   base{name: "Socks5", netloc: netloc, path: path},
		cfg:    cfg,
		direct: NewDirect(cfg),
		addr:   net.JoinHostPort(host, strconv.Itoa(port)),
	}
	if cred != "" {
		s.auth.Username, s.auth.Password, _ = strings.Cut(cred, ":")
	}
	return s, nil
}

func (s *Socks5) Connect(ctx context.Context, host string, port int) (stream.Stream, error) {
	conn, err := s.direct.dial(ctx, s.addr)
	if err != nil {
		return nil, fmt.Errorf("socks5: %w", err)
	}

	done := negotiate(ctx, conn, s.cfg.NegotiationTimeout)
	err = socks5.Handshake(conn, s.auth, host, port)
	done()
	if err != nil {
		_ = conn.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("socks5 connect %s: %w", net.JoinHostPort(host, strconv.Itoa(port)), err)
	}
	return stream.New(conn), nil
}
