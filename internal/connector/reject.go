package connector

import (
	"context"
	"errors"
	"strings"

	"github.com/die-net/ruleproxy/internal/stream"
)

// GoneResponse is the entire reply a Reject stream produces.
const GoneResponse = "HTTP/1.1 410 Gone\r\n\r\n"

// ErrRejected is reported for tunnels routed to a Reject connector, which
// has nothing to tunnel to.
var ErrRejected = errors.New("connection rejected by rule")

// Reject never opens a socket. Its streams read as GoneResponse followed by
// EOF and discard writes; stream.IsSynthetic reports true for them so that
// tunnel requests can refuse them outright.
type Reject struct {
	base
}

func NewReject() *Reject {
	return &Reject{base: base{name: "Reject"}}
}

func (*Reject) Connect(context.Context, string, int) (stream.Stream, error) {
	return stream.NewSynthetic(strings.NewReader(GoneResponse)), nil
}
