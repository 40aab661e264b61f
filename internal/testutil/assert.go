package testutil

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// AssertEcho writes msg to w and requires the same bytes back from r.
func AssertEcho(t *testing.T, w io.Writer, r io.Reader, msg []byte) {
	t.Helper()

	_, err := w.Write(msg)
	require.NoError(t, err)

	buf := make([]byte, len(msg))
	_, err = io.ReadFull(r, buf)
	require.NoError(t, err)
	require.Equal(t, string(msg), string(buf))
}

// ReadAll reads c until EOF, failing the test if that takes longer than
// timeout.
func ReadAll(t *testing.T, c net.Conn, timeout time.Duration) []byte {
	t.Helper()

	require.NoError(t, c.SetReadDeadline(time.Now().Add(timeout)))
	b, err := io.ReadAll(c)
	require.NoError(t, err)
	return b
}
