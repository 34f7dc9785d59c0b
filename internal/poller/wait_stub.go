//go:build !unix

package poller

import "time"

// Wait is unavailable without poll(2). Blocking Perform and the buffered
// transfer path remain usable on these platforms.
func (s *Set) Wait(extra []int, timeout time.Duration) ([]Event, error) {
	return nil, ErrUnsupported
}
