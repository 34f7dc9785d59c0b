package multi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/genotrance/mcurl/pkg/transfer"
)

// ErrNoUpstream is returned by Tunnel when the transfer has no live
// upstream socket to splice.
var ErrNoUpstream = errors.New("multi: transfer has no upstream socket")

// Tunnel splices client and the transfer's upstream connection in both
// directions until either side closes, the context is canceled, or no
// bytes move for idle. It is used after a CONNECT completes. When the
// transfer deferred its handshake to the client (plain connection through
// an authenticating proxy), the buffered request preamble is replayed
// upstream first. Both connections are closed on return.
func (s *Scheduler) Tunnel(ctx context.Context, t *transfer.Transfer, client net.Conn, idle time.Duration) error {
	fd, err := t.ActiveSocket()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNoUpstream, err)
	}

	// The splice gets its own duplicate of the descriptor, so the
	// engine's copy stays untouched and each side owns its lifetime.
	upstream, err := adoptSocket(fd)
	if err != nil {
		return fmt.Errorf("multi: adopt upstream socket: %w", err)
	}
	defer upstream.Close()

	if t.NeedsClientHandshake() {
		if err := t.WriteClientPreamble(upstream); err != nil {
			return fmt.Errorf("multi: replay preamble: %w", err)
		}
	}

	s.dprint("%s: tunnel open", t.ID())
	err = s.splice(ctx, client, upstream, idle)
	s.dprint("%s: tunnel closed: %v", t.ID(), err)
	if err != nil && !isExpectedClose(err) {
		return err
	}
	return nil
}

// splice pumps bytes both ways. Deadlines are refreshed on every chunk, so
// idle bounds inactivity rather than total duration.
func (s *Scheduler) splice(ctx context.Context, client, upstream net.Conn, idle time.Duration) error {
	g, gctx := errgroup.WithContext(ctx)

	var closeOnce sync.Once
	closeBoth := func() {
		closeOnce.Do(func() {
			_ = client.Close()
			_ = upstream.Close()
		})
	}
	defer closeBoth()

	bump := func() {
		if idle > 0 {
			dl := time.Now().Add(idle)
			_ = client.SetDeadline(dl)
			_ = upstream.SetDeadline(dl)
		}
	}
	bump()

	g.Go(func() error {
		n, err := io.Copy(client, refreshReader{upstream, bump})
		s.countTunneled("downstream", n)
		// One direction finishing tears down the other.
		closeBoth()
		return err
	})

	g.Go(func() error {
		n, err := io.Copy(upstream, refreshReader{client, bump})
		s.countTunneled("upstream", n)
		closeBoth()
		return err
	})

	// If the context is canceled, close both sides to unblock the copies.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-gctx.Done():
			closeBoth()
		case <-stop:
		}
	}()

	return g.Wait()
}

func (s *Scheduler) countTunneled(direction string, n int64) {
	if s.met != nil && n > 0 {
		s.met.TunneledBytes.WithLabelValues(direction).Add(float64(n))
	}
}

// refreshReader resets both deadlines after every successful read.
type refreshReader struct {
	r    io.Reader
	bump func()
}

func (r refreshReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	if n > 0 {
		r.bump()
	}
	return n, err
}

// isExpectedClose filters the errors a torn-down splice normally ends
// with: one side closing unblocks the other's copy.
func isExpectedClose(err error) bool {
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return false
}
