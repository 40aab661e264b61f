package proxy

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/pires/go-proxyproto"
)

// ListenTCP listens on the given network/address and returns a net.Listener
// that applies keepAliveConfig to accepted TCP connections. Where supported,
// the kernel holds back connections until the client has sent data.
func ListenTCP(network, addr string, keepAliveConfig net.KeepAliveConfig) (net.Listener, error) {
	lc := net.ListenConfig{Control: controlListener}

	ln, err := lc.Listen(context.Background(), network, addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s %s: %w", network, addr, err)
	}

	return &KeepAliveListener{Listener: ln, KeepAliveConfig: keepAliveConfig}, nil
}

// KeepAliveListener wraps a net.Listener and applies KeepAliveConfig to any
// accepted *net.TCPConn.
type KeepAliveListener struct {
	net.Listener
	net.KeepAliveConfig
}

func (l *KeepAliveListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}

	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetKeepAliveConfig(l.KeepAliveConfig)
	}
	return conn, nil
}

// ProxyProtocolListener wraps ln so every accepted connection must start
// with a PROXY protocol v1 or v2 header. RemoteAddr on accepted conns then
// reports the original client. headerTimeout bounds the wait for the
// header; zero means no limit.
func ProxyProtocolListener(ln net.Listener, headerTimeout time.Duration) net.Listener {
	return &proxyproto.Listener{
		Listener:          ln,
		Policy:            requireProxyHeader,
		ReadHeaderTimeout: headerTimeout,
	}
}

func requireProxyHeader(net.Addr) (proxyproto.Policy, error) {
	return proxyproto.REQUIRE, nil
}
