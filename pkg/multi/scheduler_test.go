//go:build unix

package multi

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/genotrance/mcurl/internal/enginetest"
	"github.com/genotrance/mcurl/internal/testutil"
	"github.com/genotrance/mcurl/pkg/authcache"
	"github.com/genotrance/mcurl/pkg/engine"
	"github.com/genotrance/mcurl/pkg/transfer"
)

func newScheduler(t *testing.T) *Scheduler {
	t.Helper()
	s, err := New(enginetest.New())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newSchedTransfer(t *testing.T, url, method string) (*transfer.Transfer, *enginetest.Instance) {
	t.Helper()
	tr, err := transfer.New(enginetest.New(), nil, url, method, "", 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	return tr, tr.Instance().(*enginetest.Instance)
}

func TestDoSuccess(t *testing.T) {
	s := newScheduler(t)
	tr, inst := newSchedTransfer(t, "http://example.com/", "GET")
	inst.Behavior = enginetest.Behavior{
		ResponseCode: 200,
		ResponseBody: []byte("hello"),
	}
	tr.Buffer(nil)

	require.True(t, s.Do(tr, time.Second))
	require.Equal(t, transfer.CompleteOK, tr.State())
	require.Equal(t, 200, tr.StatusCode())
	require.Equal(t, 0, s.Len())

	body, err := tr.DataBytes()
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), body)
}

func TestDoEngineError(t *testing.T) {
	s := newScheduler(t)
	tr, inst := newSchedTransfer(t, "http://example.com/", "GET")
	inst.Behavior = enginetest.Behavior{
		Result: engine.Result{Code: engine.CodeCouldntConnect, Message: "refused"},
	}
	tr.Buffer(nil)

	require.False(t, s.Do(tr, time.Second))
	require.Equal(t, transfer.CompleteError, tr.State())
	require.Equal(t, 502, tr.StatusCode())
	require.Equal(t, 0, s.Len())
}

func TestDoServicesOtherTransfers(t *testing.T) {
	s := newScheduler(t)

	a, ia := newSchedTransfer(t, "http://example.com/a", "GET")
	ia.Behavior = enginetest.Behavior{
		ResponseCode: 200,
		ResponseBody: []byte("payload-a"),
		Steps:        2,
	}
	a.Buffer(nil)

	body := []byte("test8192")
	b, ib := newSchedTransfer(t, "http://example.com/b", "POST")
	ib.Behavior = enginetest.Behavior{
		ResponseCode:   200,
		Echo:           true,
		ReadChunkSizes: []int{3, 5},
		Steps:          3,
	}
	b.Buffer(body)
	h := transfer.NewHeaders()
	h.Set("Content-Length", "8")
	require.NoError(t, b.SetHeaders(h))

	require.NoError(t, s.Add(a))
	require.ErrorIs(t, s.Add(a), ErrAlreadyRegistered)

	// Driving b to completion also pumps a.
	require.True(t, s.Do(b, time.Second))
	require.Equal(t, body, ib.RequestBody())

	require.True(t, s.Do(a, time.Second))
	gotA, err := a.DataBytes()
	require.NoError(t, err)
	require.Equal(t, []byte("payload-a"), gotA)
	require.Equal(t, 0, s.Len())
}

func TestSharedProxyMechanismAcrossTransfers(t *testing.T) {
	s := newScheduler(t)
	cache := authcache.New()

	authTransfer := func(steps int) (*transfer.Transfer, *enginetest.Instance) {
		tr, err := transfer.New(enginetest.New(), cache, "http://example.com/", "GET", "", 5*time.Second)
		require.NoError(t, err)
		t.Cleanup(func() { _ = tr.Close() })
		inst := tr.Instance().(*enginetest.Instance)
		inst.Behavior = enginetest.Behavior{
			ResponseCode:      200,
			SendAuthMechanism: "NTLM",
			Steps:             steps,
		}
		return tr, inst
	}

	first, _ := authTransfer(2)
	require.True(t, first.SetProxy("proxy.corp", 3128, nil))
	require.NoError(t, first.SetAuth("alice", "secret", ""))
	require.Equal(t, "ANY", first.AuthMechanism())

	// A slower neighbor keeps the scheduler busy across both exchanges.
	slow, islow := newSchedTransfer(t, "http://example.com/slow", "GET")
	islow.Behavior = enginetest.Behavior{ResponseCode: 200, Steps: 8}
	slow.Buffer(nil)
	require.NoError(t, s.Add(slow))

	require.True(t, s.Do(first, time.Second))
	require.Equal(t, "NTLM", first.AuthMechanism())
	require.Equal(t, 1, s.Len())

	// The second transfer to the same proxy identity skips negotiation:
	// SetProxy preselects the recorded mechanism before credentials are
	// even supplied.
	second, _ := authTransfer(2)
	require.True(t, second.SetProxy("proxy.corp", 3128, nil))
	require.Equal(t, "NTLM", second.AuthMechanism())
	require.NoError(t, second.SetAuth("alice", "secret", ""))
	require.Equal(t, "NTLM", second.AuthMechanism())

	require.True(t, s.Do(second, time.Second))
	require.Equal(t, 200, second.StatusCode())

	require.True(t, s.Do(slow, time.Second))
	require.Equal(t, 0, s.Len())

	e := cache.Lookup(authcache.Identity{Host: "proxy.corp", Port: 3128, Principal: "alice"})
	require.Equal(t, authcache.Known, e.State)
	require.Equal(t, "NTLM", e.Mechanism)
}

func TestDoIdleTimeout(t *testing.T) {
	s := newScheduler(t)
	tr, inst := newSchedTransfer(t, "http://example.com/", "GET")
	inst.Behavior = enginetest.Behavior{Stall: true}
	tr.Buffer(nil)

	start := time.Now()
	require.False(t, s.Do(tr, 80*time.Millisecond))
	require.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
	require.Equal(t, transfer.CompleteError, tr.State())
	require.Contains(t, tr.Err(), "idle timeout")
	require.Equal(t, 0, s.Len())
}

func TestTimerDrivenTransfer(t *testing.T) {
	s := newScheduler(t)
	tr, inst := newSchedTransfer(t, "http://example.com/", "GET")
	inst.Behavior = enginetest.Behavior{
		ResponseCode: 200,
		ResponseBody: []byte("ticked"),
		TimerDriven:  true,
		Steps:        3,
	}
	tr.Buffer(nil)

	require.True(t, s.Do(tr, time.Second))
	body, err := tr.DataBytes()
	require.NoError(t, err)
	require.Equal(t, []byte("ticked"), body)
}

func TestStopAbortsTransfer(t *testing.T) {
	s := newScheduler(t)
	tr, inst := newSchedTransfer(t, "http://example.com/", "GET")
	inst.Behavior = enginetest.Behavior{Stall: true}
	tr.Buffer(nil)

	require.NoError(t, s.Add(tr))
	require.Equal(t, 1, s.Len())

	s.Stop(tr)
	require.True(t, tr.Done())
	require.Equal(t, transfer.CompleteError, tr.State())
	require.Equal(t, 0, s.Len())

	// Stopping again is harmless.
	s.Stop(tr)
}

func TestCloseStopsEverything(t *testing.T) {
	s, err := New(enginetest.New())
	require.NoError(t, err)

	tr, inst := newSchedTransfer(t, "http://example.com/", "GET")
	inst.Behavior = enginetest.Behavior{Stall: true}
	tr.Buffer(nil)
	require.NoError(t, s.Add(tr))

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	require.True(t, tr.Done())

	other, _ := newSchedTransfer(t, "http://example.com/", "GET")
	require.ErrorIs(t, s.Add(other), ErrClosed)
}

func TestDoBridgedCompletes(t *testing.T) {
	s := newScheduler(t)
	client, _ := testutil.ConnPair(t)

	tr, inst := newSchedTransfer(t, "http://example.com/", "GET")
	inst.Behavior = enginetest.Behavior{ResponseCode: 200, ResponseBody: []byte("ok")}
	tr.Buffer(nil)

	require.Equal(t, OutcomeOK, s.DoBridged(tr, client, time.Second))
	require.Equal(t, transfer.CompleteOK, tr.State())
}

func TestDoBridgedClientClosed(t *testing.T) {
	s := newScheduler(t)
	client, peer := testutil.ConnPair(t)

	tr, inst := newSchedTransfer(t, "http://example.com/", "GET")
	inst.Behavior = enginetest.Behavior{Stall: true}
	tr.Buffer(nil)

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = peer.Close()
	}()

	out := s.DoBridged(tr, client, 2*time.Second)
	require.Equal(t, OutcomeClientClosed, out)
	require.True(t, tr.Done())
	require.Contains(t, tr.Err(), "client closed")
	require.Equal(t, 0, s.Len())
}

func TestDoBridgedPendingClientDataStillTimesOut(t *testing.T) {
	s := newScheduler(t)
	client, peer := testutil.ConnPair(t)

	tr, inst := newSchedTransfer(t, "http://example.com/upload", "POST")
	inst.Behavior = enginetest.Behavior{Stall: true}
	tr.Bridge(client, nil, nil)

	// Body bytes arrive before the engine asks for them. Unconsumed
	// readability must not count as progress or hold the loop awake.
	_, err := peer.Write([]byte{'x'})
	require.NoError(t, err)

	type result struct {
		out     Outcome
		elapsed time.Duration
	}
	ch := make(chan result, 1)
	go func() {
		start := time.Now()
		out := s.DoBridged(tr, client, 200*time.Millisecond)
		ch <- result{out, time.Since(start)}
	}()

	select {
	case r := <-ch:
		require.Equal(t, OutcomeIdleTimeout, r.out)
		require.GreaterOrEqual(t, r.elapsed, 200*time.Millisecond)
	case <-time.After(3 * time.Second):
		t.Fatal("bridged wait did not observe the idle bound")
	}
	require.Contains(t, tr.Err(), "idle timeout")
	require.Equal(t, 0, s.Len())
}

func TestDoBridgedIdleTimeout(t *testing.T) {
	s := newScheduler(t)
	client, _ := testutil.ConnPair(t)

	tr, inst := newSchedTransfer(t, "http://example.com/", "GET")
	inst.Behavior = enginetest.Behavior{Stall: true}
	tr.Buffer(nil)

	require.Equal(t, OutcomeIdleTimeout, s.DoBridged(tr, client, 80*time.Millisecond))
	require.Contains(t, tr.Err(), "idle timeout")
}

func TestOutcomeString(t *testing.T) {
	require.Equal(t, "ok", OutcomeOK.String())
	require.Equal(t, "error", OutcomeError.String())
	require.Equal(t, "idle-timeout", OutcomeIdleTimeout.String())
	require.Equal(t, "client-closed", OutcomeClientClosed.String())
}
