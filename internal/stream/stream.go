package stream

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
)

// ErrTooLong is returned by ReadUntil when the delimiter was not found within
// the requested limit.
var ErrTooLong = errors.New("stream: delimiter not found within limit")

// Stream is a bidirectional byte channel.
type Stream interface {
	io.Reader
	io.Writer

	// ReadUntil reads until and including delim. If limit is positive and
	// the result, delim included, would exceed limit bytes, ErrTooLong is
	// returned. Reaching EOF before delim yields io.ErrUnexpectedEOF, or
	// io.EOF if nothing was read at all.
	ReadUntil(delim []byte, limit int) ([]byte, error)

	// ReadExactly reads exactly n bytes.
	ReadExactly(n int) ([]byte, error)

	// Close closes the stream. It is safe to call more than once.
	Close() error

	// Done is closed once Close has been called.
	Done() <-chan struct{}
}

type conn struct {
	br     *bufio.Reader
	w      io.Writer
	closer io.Closer

	synthetic bool

	closeOnce sync.Once
	closeErr  error
	done      chan struct{}
}

// New wraps c as a Stream.
func New(c net.Conn) Stream {
	return &conn{
		br:     bufio.NewReader(c),
		w:      c,
		closer: c,
		done:   make(chan struct{}),
	}
}

// NewSynthetic returns a Stream that is not backed by a socket: reads are
// served from r and writes are discarded.
func NewSynthetic(r io.Reader) Stream {
	return &conn{
		br:        bufio.NewReader(r),
		w:         io.Discard,
		closer:    nopCloser{},
		synthetic: true,
		done:      make(chan struct{}),
	}
}

// IsSynthetic reports whether s was created by NewSynthetic.
func IsSynthetic(s Stream) bool {
	c, ok := s.(*conn)
	return ok && c.synthetic
}

func (c *conn) Read(p []byte) (int, error) {
	if c.closed() {
		return 0, net.ErrClosed
	}
	return c.br.Read(p)
}

func (c *conn) Write(p []byte) (int, error) {
	if c.closed() {
		return 0, net.ErrClosed
	}
	return c.w.Write(p)
}

func (c *conn) ReadUntil(delim []byte, limit int) ([]byte, error) {
	if len(delim) == 0 {
		return nil, errors.New("stream: empty delimiter")
	}
	last := delim[len(delim)-1]

	var buf []byte
	for {
		chunk, err := c.br.ReadSlice(last)
		buf = append(buf, chunk...)
		if limit > 0 && len(buf) > limit {
			return nil, ErrTooLong
		}
		if err == nil && bytes.HasSuffix(buf, delim) {
			return buf, nil
		}
		switch {
		case err == nil, errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			if len(buf) == 0 {
				return nil, io.EOF
			}
			return nil, io.ErrUnexpectedEOF
		default:
			return nil, err
		}
	}
}

func (c *conn) ReadExactly(n int) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("stream: negative read length %d", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(c.br, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (c *conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.closeErr = c.closer.Close()
	})
	return c.closeErr
}

func (c *conn) Done() <-chan struct{} {
	return c.done
}

func (c *conn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
