package connector

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/die-net/ruleproxy/internal/metrics"
	"github.com/die-net/ruleproxy/internal/stream"
)

var (
	// ErrNoRule means a rules dispatch found no matching rule, which the
	// implicit catch-all makes impossible unless dispatch itself is broken.
	ErrNoRule = errors.New("no matching rule")

	// ErrUnknownScheme is returned for URLs whose scheme has no builder.
	ErrUnknownScheme = errors.New("unknown connector scheme")
)

// Connector opens streams to destinations.
type Connector interface {
	// Connect returns an established stream to host:port, or an error.
	// Failures are final; Connect does not retry.
	Connect(ctx context.Context, host string, port int) (stream.Stream, error)
}

// Config holds settings shared by all connectors built by a Registry.
type Config struct {
	// DialTimeout bounds DNS lookup and TCP connect. Zero means no limit.
	DialTimeout time.Duration

	// NegotiationTimeout bounds upstream handshakes (SOCKS, CONNECT, TLS,
	// SSH). Zero means no limit.
	NegotiationTimeout time.Duration

	KeepAlive net.KeepAliveConfig

	// RulesInterval is how often rules:// connectors poll their file.
	RulesInterval time.Duration

	// TLSConfig is cloned for https:// proxies. Nil uses system roots.
	TLSConfig *tls.Config

	// SSHKeyPath is "", "agent" or a private key file for ssh:// connectors.
	SSHKeyPath string
	// SSHKnownHostsPath is the known_hosts file; empty disables checking.
	SSHKnownHostsPath string

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

func (c Config) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// URL is a connector URL split the way the rule file and --upstream flag
// write it: scheme://netloc/path. Netloc is kept verbatim, including any
// credentials.
type URL struct {
	Scheme string
	Netloc string
	Path   string
}

// ParseURL splits raw into scheme, netloc and path. Query and fragment are
// dropped. The scheme is lowercased.
func ParseURL(raw string) (URL, error) {
	i := strings.Index(raw, "://")
	if i <= 0 {
		return URL{}, fmt.Errorf("invalid url %q: missing scheme", raw)
	}
	scheme := strings.ToLower(raw[:i])
	for _, r := range scheme {
		if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '+' || r == '-' || r == '.') {
			return URL{}, fmt.Errorf("invalid url %q: bad scheme", raw)
		}
	}

	rest := raw[i+len("://"):]
	if j := strings.IndexAny(rest, "?#"); j >= 0 {
		rest = rest[:j]
	}
	netloc, path := rest, ""
	if j := strings.IndexByte(rest, '/'); j >= 0 {
		netloc, path = rest[:j], rest[j:]
	}
	return URL{Scheme: scheme, Netloc: netloc, Path: path}, nil
}

func (u URL) String() string {
	return u.Scheme + "://" + u.Netloc + u.Path
}

// SplitCredentials splits netloc at its last "@" into the credential part
// and the host part. The credential is empty if there is no "@".
func SplitCredentials(netloc string) (cred, hostport string) {
	if i := strings.LastIndexByte(netloc, '@'); i >= 0 {
		return netloc[:i], netloc[i+1:]
	}
	return "", netloc
}

// ParseHostPort splits "host[:port]" (IPv6 hosts in brackets), applying
// defaultPort when the port is absent.
func ParseHostPort(s string, defaultPort int) (string, int, error) {
	if s == "" {
		return "", 0, errors.New("empty address")
	}

	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		var addrErr *net.AddrError
		if !errors.As(err, &addrErr) || addrErr.Err != "missing port in address" {
			return "", 0, err
		}
		host = s
		if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
			host = host[1 : len(host)-1]
		}
		if host == "" {
			return "", 0, fmt.Errorf("address %q: missing host", s)
		}
		return host, defaultPort, nil
	}
	if host == "" {
		return "", 0, fmt.Errorf("address %q: missing host", s)
	}

	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return "", 0, fmt.Errorf("address %q: invalid port", s)
	}
	return host, port, nil
}

// base carries the URL parts every connector remembers for logging.
type base struct {
	name   string
	netloc string
	path   string
}

func (b base) String() string {
	return fmt.Sprintf("%s(netloc=%q, path=%q)", b.name, b.netloc, b.path)
}

// negotiate arms a deadline and a context watcher on conn for the duration
// of an upstream handshake. The returned func disarms both.
func negotiate(ctx context.Context, conn net.Conn, timeout time.Duration) func() {
	if timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(timeout))
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
	})
	return func() {
		stop()
		_ = conn.SetDeadline(time.Time{})
	}
}
