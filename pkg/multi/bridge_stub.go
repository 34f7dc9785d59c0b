//go:build !unix

package multi

import (
	"net"
	"time"

	"github.com/genotrance/mcurl/internal/poller"
	"github.com/genotrance/mcurl/pkg/transfer"
)

// DoBridged requires poll(2) and is unsupported on this platform.
func (s *Scheduler) DoBridged(t *transfer.Transfer, client net.Conn, idle time.Duration) Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stop(t, poller.ErrUnsupported.Error())
	return OutcomeError
}

func adoptSocket(fd int) (net.Conn, error) {
	return nil, poller.ErrUnsupported
}
