package stream

import (
	"io"
	"net"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func pipe(t *testing.T, data string, closeAfter bool) Stream {
	t.Helper()

	client, server := net.Pipe()
	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})

	go func() {
		_, _ = io.WriteString(client, data)
		if closeAfter {
			_ = client.Close()
		}
	}()

	return New(server)
}

func TestReadUntil(t *testing.T) {
	t.Parallel()

	s := pipe(t, "GET / HTTP/1.1\r\nHost: a\r\n\r\nbody", true)

	line, err := s.ReadUntil([]byte("\r\n"), 0)
	require.NoError(t, err)
	require.Equal(t, "GET / HTTP/1.1\r\n", string(line))

	head, err := s.ReadUntil([]byte("\r\n\r\n"), 0)
	require.NoError(t, err)
	require.Equal(t, "Host: a\r\n\r\n", string(head))

	rest, err := io.ReadAll(s)
	require.NoError(t, err)
	require.Equal(t, "body", string(rest))
}

func TestReadUntilEOF(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		data string
		want error
	}{
		{name: "empty", data: "", want: io.EOF},
		{name: "partial", data: "no terminator", want: io.ErrUnexpectedEOF},
		{name: "partial delimiter", data: "almost\r", want: io.ErrUnexpectedEOF},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			s := pipe(t, tt.data, true)
			_, err := s.ReadUntil([]byte("\r\n"), 0)
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestReadUntilLimit(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		data    string
		limit   int
		wantErr error
	}{
		{name: "long_line_in_one_chunk", data: "0123456789abcdef\r\n", limit: 8, wantErr: ErrTooLong},
		{name: "one_byte_over", data: "0123\r\n", limit: 5, wantErr: ErrTooLong},
		{name: "exactly_at_limit", data: "0123\r\n", limit: 6},
		{name: "unlimited", data: "0123456789abcdef\r\n", limit: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			s := pipe(t, tt.data, true)
			got, err := s.ReadUntil([]byte("\r\n"), tt.limit)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.data, string(got))
		})
	}
}

func TestReadExactly(t *testing.T) {
	t.Parallel()

	s := pipe(t, "\x00\x5a\x00\x00\x00\x00\x00\x00extra", true)

	b, err := s.ReadExactly(8)
	require.NoError(t, err)
	require.Equal(t, byte(0x5a), b[1])

	b, err = s.ReadExactly(5)
	require.NoError(t, err)
	require.Equal(t, "extra", string(b))

	_, err = s.ReadExactly(1)
	require.ErrorIs(t, err, io.EOF)
}

func TestReadExactlyShort(t *testing.T) {
	t.Parallel()

	s := pipe(t, "abc", true)
	_, err := s.ReadExactly(8)
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestCloseIdempotentAndNotifies(t *testing.T) {
	t.Parallel()

	client, server := net.Pipe()
	defer client.Close()

	s := New(server)

	select {
	case <-s.Done():
		t.Fatal("done before close")
	default:
	}

	require.NoError(t, s.Close())
	_ = s.Close()

	select {
	case <-s.Done():
	default:
		t.Fatal("done not closed after close")
	}

	_, err := s.Write([]byte("x"))
	require.Error(t, err)
}

func TestSynthetic(t *testing.T) {
	t.Parallel()

	s := NewSynthetic(strings.NewReader("HTTP/1.1 410 Gone\r\n\r\n"))
	require.True(t, IsSynthetic(s))

	n, err := s.Write([]byte("GET / HTTP/1.1\r\n\r\n"))
	require.NoError(t, err)
	require.Equal(t, 18, n)

	line, err := s.ReadUntil([]byte("\r\n"), 0)
	require.NoError(t, err)
	require.Equal(t, "HTTP/1.1 410 Gone\r\n", string(line))

	rest, err := io.ReadAll(s)
	require.NoError(t, err)
	require.Equal(t, "\r\n", string(rest))

	require.NoError(t, s.Close())
	_, err = s.Read(make([]byte, 1))
	require.ErrorIs(t, err, net.ErrClosed)
}

func TestIsSyntheticConn(t *testing.T) {
	t.Parallel()

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	require.False(t, IsSynthetic(New(server)))
}
