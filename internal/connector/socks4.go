package connector

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/die-net/ruleproxy/internal/stream"
)

const (
	socks4Version     = 0x04
	socks4CmdConnect  = 0x01
	socks4Granted     = 0x5a
	socks4ReplyLen    = 8
	socks4DefaultPort = 1080
	socks4UserID      = "userid"
)

// Socks4Error reports a SOCKS4 reply other than "request granted".
type Socks4Error struct {
	Code byte
}

func (e *Socks4Error) Error() string {
	return fmt.Sprintf("socks4 request rejected: code 0x%02x", e.Code)
}

// Socks4 connects through a SOCKS4 server using the 4A extension, so the
// server resolves destination hostnames.
type Socks4 struct {
	base
	cfg    Config
	direct *Direct
	addr   string
}

// NewSocks4 builds a connector for the server at netloc "host[:port]".
func NewSocks4(cfg Config, netloc, path string) (*Socks4, error) {
	host, port, err := ParseHostPort(netloc, socks4DefaultPort)
	if err != nil {
		return nil, fmt.Errorf("socks4 server: %w", err)
	}
	return &Socks4{
		base:   base{name: "Socks4", netloc: netloc, path: path},
		cfg:    cfg,
		direct: NewDirect(cfg),
		addr:   net.JoinHostPort(host, strconv.Itoa(port)),
	}, nil
}

func (s *Socks4) Connect(ctx context.Context, host string, port int) (stream.Stream, error) {
	req, err := socks4Request(host, port)
	if err != nil {
		return nil, err
	}

	conn, err := s.direct.dial(ctx, s.addr)
	if err != nil {
		return nil, fmt.Errorf("socks4: %w", err)
	}
	st := stream.New(conn)

	done := negotiate(ctx, conn, s.cfg.NegotiationTimeout)
	defer done()

	if _, err := st.Write(req); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("socks4 connect write: %w", err)
	}

	reply, err := st.ReadExactly(socks4ReplyLen)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("socks4 connect read: %w", err)
	}
	if reply[1] != socks4Granted {
		_ = st.Close()
		return nil, &Socks4Error{Code: reply[1]}
	}
	return st, nil
}

// socks4Request encodes a SOCKS4A CONNECT request. The destination IP
// 0.0.0.9 is deliberately invalid, telling the server to resolve the
// hostname that follows the user ID.
func socks4Request(host string, port int) ([]byte, error) {
	if host == "" || strings.IndexByte(host, 0) >= 0 {
		return nil, fmt.Errorf("socks4: invalid host %q", host)
	}
	if port < 0 || port > 0xffff {
		return nil, fmt.Errorf("socks4: invalid port %d", port)
	}

	req := make([]byte, 0, 9+len(socks4UserID)+len(host)+1)
	req = append(req, socks4Version, socks4CmdConnect)
	req = binary.BigEndian.AppendUint16(req, uint16(port))
	req = append(req, 0, 0, 0, 9)
	req = append(req, socks4UserID...)
	req = append(req, 0)
	req = append(req, host...)
	req = append(req, 0)
	return req, nil
}
