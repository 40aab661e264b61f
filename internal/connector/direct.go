package connector

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/die-net/ruleproxy/internal/stream"
)

// Direct connects to destinations over plain TCP.
type Direct struct {
	base
	cfg Config
}

func NewDirect(cfg Config) *Direct {
	return &Direct{base: base{name: "Direct"}, cfg: cfg}
}

func (d *Direct) Connect(ctx context.Context, host string, port int) (stream.Stream, error) {
	conn, err := d.dial(ctx, net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, err
	}
	return stream.New(conn), nil
}

// dial opens a TCP connection to address. The proxy-protocol connectors use
// it to reach their upstream server.
func (d *Direct) dial(ctx context.Context, address string) (net.Conn, error) {
	dd := net.Dialer{Timeout: d.cfg.DialTimeout}

	conn, err := dd.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dial tcp %s: %w", address, err)
	}

	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetKeepAliveConfig(d.cfg.KeepAlive)
	}
	return conn, nil
}
