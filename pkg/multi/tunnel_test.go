//go:build unix

package multi

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/genotrance/mcurl/internal/enginetest"
	"github.com/genotrance/mcurl/internal/testutil"
	"github.com/genotrance/mcurl/pkg/transfer"
)

// connectTransfer performs a scripted CONNECT whose active socket is the
// given descriptor.
func connectTransfer(t *testing.T, behavior enginetest.Behavior) *transfer.Transfer {
	t.Helper()
	tr, inst := newSchedTransfer(t, "example.com:443", "CONNECT")
	inst.Behavior = behavior
	return tr
}

func TestTunnelSplicesBothWays(t *testing.T) {
	s := newScheduler(t)
	client, clientPeer := testutil.ConnPair(t)
	upstream, upstreamPeer := testutil.ConnPair(t)

	fd, err := connFD(upstream)
	require.NoError(t, err)

	tr := connectTransfer(t, enginetest.Behavior{ConnectCode: 200, ActiveFD: fd})
	require.True(t, tr.Perform().OK())

	done := make(chan error, 1)
	go func() {
		done <- s.Tunnel(context.Background(), tr, client, 5*time.Second)
	}()

	_ = clientPeer.SetDeadline(time.Now().Add(2 * time.Second))
	_ = upstreamPeer.SetDeadline(time.Now().Add(2 * time.Second))

	testutil.AssertEcho(t, clientPeer, upstreamPeer, []byte("ping"))
	testutil.AssertEcho(t, upstreamPeer, clientPeer, []byte("pong"))

	_ = clientPeer.Close()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("tunnel did not shut down")
	}
}

func TestTunnelReplaysPreamble(t *testing.T) {
	s := newScheduler(t)
	client, clientPeer := testutil.ConnPair(t)
	upstream, upstreamPeer := testutil.ConnPair(t)

	fd, err := connFD(upstream)
	require.NoError(t, err)

	tr, inst := newSchedTransfer(t, "example.com:443", "CONNECT")
	inst.Behavior = enginetest.Behavior{ConnectCode: 200, ActiveFD: fd, UsedProxy: true}

	// Plain connect through the proxy: the client authenticates itself,
	// so its CONNECT preamble is replayed over the tunnel.
	require.True(t, tr.SetProxy("proxy.corp", 3128, nil))
	h := transfer.NewHeaders()
	h.Set("Host", "example.com:443")
	require.NoError(t, tr.SetHeaders(h))
	require.True(t, tr.Perform().OK())
	require.True(t, tr.NeedsClientHandshake())

	done := make(chan error, 1)
	go func() {
		done <- s.Tunnel(context.Background(), tr, client, 5*time.Second)
	}()

	want := "CONNECT example.com:443 HTTP/1.1\r\nHost: example.com:443\r\n\r\n"
	_ = upstreamPeer.SetDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, len(want))
	_, err = io.ReadFull(upstreamPeer, buf)
	require.NoError(t, err)
	require.Equal(t, want, string(buf))

	_ = clientPeer.Close()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("tunnel did not shut down")
	}
}

func TestTunnelWithoutSocket(t *testing.T) {
	s := newScheduler(t)
	client, _ := testutil.ConnPair(t)

	tr := connectTransfer(t, enginetest.Behavior{ConnectCode: 200})
	tr.Perform()

	err := s.Tunnel(context.Background(), tr, client, time.Second)
	require.ErrorIs(t, err, ErrNoUpstream)
}
