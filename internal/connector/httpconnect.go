package connector

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/die-net/ruleproxy/internal/stream"
)

const (
	httpProxyDefaultPort  = 3128
	httpsProxyDefaultPort = 443

	// maxConnectResponse bounds the proxy's reply head.
	maxConnectResponse = 64 << 10
)

// HTTPStatusError reports a CONNECT reply other than 200.
type HTTPStatusError struct {
	Status string
}

func (e *HTTPStatusError) Error() string {
	return "http connect: proxy replied " + strconv.Quote(e.Status)
}

// HTTPConnect tunnels through an HTTP proxy with the CONNECT method,
// optionally over TLS to the proxy itself.
type HTTPConnect struct {
	base
	cfg    Config
	direct *Direct
	addr   string
	host   string
	useTLS bool

	// auth is the pre-encoded Proxy-Authorization value, or empty.
	auth string
}

// NewHTTPConnect builds a connector for the proxy at netloc
// "[cred@]host[:port]". The credential is sent verbatim as Basic auth.
func NewHTTPConnect(cfg Config, netloc, path string, useTLS bool) (*HTTPConnect, error) {
	cred, hostport := SplitCredentials(netloc)

	defaultPort := httpProxyDefaultPort
	name := "HTTPConnect"
	if useTLS {
		defaultPort = httpsProxyDefaultPort
		name = "HTTPSConnect"
	}
	host, port, err := ParseHostPort(hostport, defaultPort)
	if err != nil {
		return nil, fmt.Errorf("http proxy: %w", err)
	}

	h := &HTTPConnect{
		base:   base{name: name, netloc: netloc, path: path},
		cfg:    cfg,
		direct: NewDirect(cfg),
		addr:   net.JoinHostPort(host, strconv.Itoa(port)),
		host:   host,
		useTLS: useTLS,
	}
	if cred != "" {
		h.auth = "Basic " + base64.StdEncoding.EncodeToString([]byte(cred))
	}
	return h, nil
}

func (h *HTTPConnect) Connect(ctx context.Context, host string, port int) (stream.Stream, error) {
	conn, err := h.direct.dial(ctx, h.addr)
	if err != nil {
		return nil, fmt.Errorf("http connect: %w", err)
	}

	done := negotiate(ctx, conn, h.cfg.NegotiationTimeout)
	defer done()

	if h.useTLS {
		tc := tls.Client(conn, h.tlsConfig())
		if err := tc.HandshakeContext(ctx); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("http connect tls: %w", err)
		}
		conn = tc
	}
	st := stream.New(conn)

	if _, err := st.Write(h.request(host, port)); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("http connect write: %w", err)
	}

	head, err := st.ReadUntil([]byte("\r\n\r\n"), maxConnectResponse)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("http connect read: %w", err)
	}

	status, _, _ := bytes.Cut(head, []byte("\r\n"))
	fields := strings.Fields(string(status))
	if len(fields) < 2 || fields[1] != "200" {
		_ = st.Close()
		return nil, &HTTPStatusError{Status: string(status)}
	}
	return st, nil
}

func (h *HTTPConnect) request(host string, port int) []byte {
	var b bytes.Buffer
	b.WriteString("CONNECT ")
	b.WriteString(net.JoinHostPort(host, strconv.Itoa(port)))
	b.WriteString(" HTTP/1.1\r\n")
	if h.auth != "" {
		b.WriteString("Proxy-Authorization: ")
		b.WriteString(h.auth)
		b.WriteString("\r\n")
	}
	b.WriteString("Proxy-Connection: closed\r\n\r\n")
	return b.Bytes()
}

func (h *HTTPConnect) tlsConfig() *tls.Config {
	var c *tls.Config
	if h.cfg.TLSConfig != nil {
		c = h.cfg.TLSConfig.Clone()
	} else {
		c = &tls.Config{}
	}
	if c.MinVersion == 0 {
		c.MinVersion = tls.VersionTLS12
	}
	if c.ServerName == "" {
		c.ServerName = h.host
	}
	return c
}
