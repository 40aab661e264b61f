package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/die-net/ruleproxy/internal/connector"
	"github.com/die-net/ruleproxy/internal/stream"
)

var (
	// ErrMalformedRequest is returned for request heads that cannot be
	// parsed. The client is disconnected without a response.
	ErrMalformedRequest = errors.New("malformed request")

	// ErrMissingHost is returned for plain requests without a Host header.
	ErrMissingHost = errors.New("missing Host header")
)

const (
	connectEstablished = "HTTP/1.1 200 Connection Established\r\n\r\n"

	defaultConnectPort = 443
	defaultHTTPPort    = 80
)

var crlf = []byte("\r\n")

// Session modes, as reported in logs and metrics.
const (
	modeInvalid = "invalid"
	modeConnect = "connect"
	modePlain   = "plain"
)

// Session serves one client connection: it reads a single request, connects
// upstream and relays until either side is done.
type Session struct {
	id     string
	cfg    Config
	client stream.Stream
	log    *slog.Logger

	method  string
	target  string
	version string
	header  Header

	// remaining is the unread part of the request head budget.
	remaining int

	mu       sync.Mutex
	upstream stream.Stream
	closed   bool
}

// NewSession prepares a session for client. remote is used for logging only.
func NewSession(client stream.Stream, remote string, cfg Config) *Session {
	cfg = cfg.withDefaults()
	id := uuid.NewString()
	return &Session{
		id:        id,
		cfg:       cfg,
		client:    client,
		log:       cfg.Logger.With(slog.String("session", id), slog.String("client", remote)),
		remaining: cfg.MaxHeaderBytes,
	}
}

func (s *Session) ID() string {
	return s.id
}

// Serve runs the session to completion. Both streams are closed when it
// returns. A client that disconnects before sending anything is not an
// error.
func (s *Session) Serve(ctx context.Context) (err error) {
	s.cfg.Metrics.SessionStarted()
	mode := modeInvalid
	defer func() {
		s.close()
		s.cfg.Metrics.SessionFinished(mode, sessionResult(err))
	}()

	stop := context.AfterFunc(ctx, s.close)
	defer stop()

	if err := s.readRequestLine(); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	if err := s.readHeaders(); err != nil {
		return err
	}
	s.log.Debug("request", slog.String("method", s.method), slog.String("target", s.target))

	if s.method == "CONNECT" {
		mode = modeConnect
		return s.serveConnect(ctx)
	}
	mode = modePlain
	return s.servePlain(ctx)
}

// close closes the client and, once connected, the upstream stream. It may
// run concurrently with the session goroutine.
func (s *Session) close() {
	s.mu.Lock()
	s.closed = true
	up := s.upstream
	s.mu.Unlock()

	_ = s.client.Close()
	if up != nil {
		_ = up.Close()
	}
}

// setUpstream records up for close. If the session was closed meanwhile, up
// is closed and false is returned.
func (s *Session) setUpstream(up stream.Stream) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		_ = up.Close()
		return false
	}
	s.upstream = up
	return true
}

// readLine reads one CRLF-terminated line, charging it to the head budget.
func (s *Session) readLine() (string, error) {
	if s.remaining <= 0 {
		return "", s.errHeadTooLong()
	}

	line, err := s.client.ReadUntil(crlf, s.remaining)
	if errors.Is(err, stream.ErrTooLong) {
		return "", s.errHeadTooLong()
	}
	if err != nil {
		return "", err
	}
	s.remaining -= len(line)
	return string(line[:len(line)-len(crlf)]), nil
}

func (s *Session) errHeadTooLong() error {
	return fmt.Errorf("%w: request head exceeds %d bytes", ErrMalformedRequest, s.cfg.MaxHeaderBytes)
}

func (s *Session) readRequestLine() error {
	line, err := s.readLine()
	if err != nil {
		return err
	}

	parts := strings.Fields(line)
	if len(parts) != 3 {
		return fmt.Errorf("%w: request line %q", ErrMalformedRequest, line)
	}
	s.method, s.target, s.version = parts[0], parts[1], parts[2]
	return nil
}

func (s *Session) readHeaders() error {
	for {
		line, err := s.readLine()
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return fmt.Errorf("read headers: %w", err)
		}
		if line == "" {
			return nil
		}

		name, value, ok := ParseHeaderLine(line)
		if !ok {
			s.log.Debug("skipping header line without colon", slog.String("line", line))
			continue
		}
		s.header.Set(name, value)
	}
}

func (s *Session) serveConnect(ctx context.Context) error {
	host, port, err := connector.ParseHostPort(s.target, defaultConnectPort)
	if err != nil {
		return fmt.Errorf("%w: connect target: %w", ErrMalformedRequest, err)
	}

	up, err := s.cfg.Connector.Connect(ctx, host, port)
	if err != nil {
		return fmt.Errorf("connect %s:%d: %w", host, port, err)
	}
	if !s.setUpstream(up) {
		return context.Cause(ctx)
	}

	// A rejected destination has nothing to tunnel to. The client gets no
	// response, exactly as for a failed connect.
	if stream.IsSynthetic(up) {
		return fmt.Errorf("connect %s:%d: %w", host, port, connector.ErrRejected)
	}

	if _, err := io.WriteString(s.client, connectEstablished); err != nil {
		return fmt.Errorf("write connect response: %w", err)
	}

	return s.relay(ctx)
}

func (s *Session) relay(ctx context.Context) error {
	up, down, err := Relay(ctx, s.client, s.upstream)
	s.cfg.Metrics.Relayed(up, down)
	s.log.Debug("relay done", slog.Int64("upstream_bytes", up), slog.Int64("downstream_bytes", down))
	if err != nil {
		return fmt.Errorf("relay: %w", err)
	}
	return nil
}

func (s *Session) servePlain(ctx context.Context) error {
	s.header.Del("Proxy-Connection")
	s.header.Set("Connection", "close")

	hostHeader, ok := s.header.Get("Host")
	if !ok {
		return ErrMissingHost
	}
	host, port, err := connector.ParseHostPort(hostHeader, defaultHTTPPort)
	if err != nil {
		return fmt.Errorf("%w: Host header: %w", ErrMalformedRequest, err)
	}

	contentLength := int64(-1)
	if v, ok := s.header.Get("Content-Length"); ok {
		contentLength, err = strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil || contentLength < 0 {
			return fmt.Errorf("%w: Content-Length %q", ErrMalformedRequest, v)
		}
	}

	up, err := s.cfg.Connector.Connect(ctx, host, port)
	if err != nil {
		return fmt.Errorf("connect %s:%d: %w", host, port, err)
	}
	if !s.setUpstream(up) {
		return context.Cause(ctx)
	}

	var head bytes.Buffer
	head.WriteString(s.method + " " + requestURI(s.target) + " " + s.version + "\r\n")
	_, _ = s.header.WriteTo(&head)
	head.WriteString("\r\n")
	if _, err := up.Write(head.Bytes()); err != nil {
		return fmt.Errorf("write request: %w", err)
	}

	var sent int64
	if contentLength > 0 {
		sent, err = io.CopyN(up, s.client, contentLength)
		if err != nil {
			return fmt.Errorf("forward request body: %w", err)
		}
	}

	received, err := copyPooled(s.client, up)
	s.cfg.Metrics.Relayed(sent, received)
	if err != nil {
		return fmt.Errorf("relay response: %w", err)
	}
	return nil
}

// requestURI strips the scheme and authority from an absolute request
// target. The rest is forwarded byte for byte, fragment included. Targets
// without a scheme pass through unchanged.
func requestURI(target string) string {
	i := strings.Index(target, "://")
	if i < 0 {
		return target
	}
	rest := target[i+len("://"):]

	j := strings.IndexAny(rest, "/?#")
	if j < 0 {
		return "/"
	}
	if rest[j] != '/' {
		return "/" + rest[j:]
	}
	return rest[j:]
}

func sessionResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, connector.ErrRejected):
		return "rejected"
	case errors.Is(err, ErrMalformedRequest), errors.Is(err, ErrMissingHost):
		return "bad_request"
	default:
		return "error"
	}
}
