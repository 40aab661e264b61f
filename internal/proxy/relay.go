package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/die-net/ruleproxy/internal/stream"
)

// Relay copies a to b and b to a until either side reaches EOF or fails,
// then closes both. Canceling ctx also closes both. It returns the bytes
// copied in each direction and the first I/O error other than the closure
// Relay itself caused.
//
// Relay applies no flow control of its own; a slow reader on one side is
// only held back by the other side's TCP window.
func Relay(ctx context.Context, a, b stream.Stream) (aToB, bToA int64, err error) {
	var closeOnce sync.Once
	closeBoth := func() {
		closeOnce.Do(func() {
			_ = a.Close()
			_ = b.Close()
		})
	}
	defer closeBoth()

	stop := context.AfterFunc(ctx, closeBoth)
	defer stop()

	var g errgroup.Group
	g.Go(func() error {
		var err error
		aToB, err = copyPooled(b, a)
		closeBoth()
		return relayErr(err)
	})
	g.Go(func() error {
		var err error
		bToA, err = copyPooled(a, b)
		closeBoth()
		return relayErr(err)
	})

	err = g.Wait()
	return aToB, bToA, err
}

// relayErr drops errors caused by Relay closing the streams.
func relayErr(err error) error {
	if err == nil || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
