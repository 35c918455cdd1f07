package outbound

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// blockingDialer never completes a dial until its context is cancelled,
// simulating a peer that never answers (spec §8 S4: connect timeout).
type blockingDialer struct{}

func (blockingDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func newTestWorker(t *testing.T, opts ...WorkerOption) (*Worker, context.CancelFunc) {
	t.Helper()
	w := NewWorker(opts...)
	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)
	t.Cleanup(cancel)
	return w, cancel
}

func collectEvents(t *testing.T) (Sink, func() []Event) {
	t.Helper()
	ch := make(chan Event, 64)
	sink := SinkFunc(func(e Event) { ch <- e })
	drain := func() []Event {
		var got []Event
		for {
			select {
			case e := <-ch:
				got = append(got, e)
			case <-time.After(50 * time.Millisecond):
				return got
			}
		}
	}
	return sink, drain
}

func TestTCPConnection_HappyPathEchoesData(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 1024)
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		_, _ = conn.Write(buf[:n])
	}()

	w, _ := newTestWorker(t)
	sink, drain := collectEvents(t)

	addr := ln.Addr().(*net.TCPAddr)
	c := NewTCPConnection(w, "127.0.0.1", uint16(addr.Port), Options{}, sink)
	c.Start()

	require.Eventually(t, func() bool { return c.State() == StateConnected }, time.Second, 5*time.Millisecond)

	c.Send(DataEvent([]byte("ping")))

	events := drain()
	require.NotEmpty(t, events)
	assert.Equal(t, Data, events[0].Kind)
	assert.Equal(t, []byte("ping"), events[0].Payload)

	c.Close()
	require.Eventually(t, func() bool { return c.State() == StateClosed }, time.Second, 5*time.Millisecond)
}

func TestTCPConnection_ConnectionRefusedRetriesThenTerminates(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close()) // closed: nothing listens on port anymore.

	w, _ := newTestWorker(t)
	sink, drain := collectEvents(t)

	var transitions []State
	opts := Options{
		RetryCount: 2,
		RetryDelay: 5 * time.Millisecond,
		OnStateChanged: func(c Connection) {
			transitions = append(transitions, c.State())
		},
	}
	c := NewTCPConnection(w, "127.0.0.1", uint16(port), opts, sink)
	c.Start()

	require.Eventually(t, func() bool { return c.State() == StateClosed }, 2*time.Second, 5*time.Millisecond)

	events := drain()
	require.Len(t, events, 1)
	assert.Equal(t, StreamEnd, events[0].Kind)
	assert.Equal(t, ConnectionRefused, events[0].Err)
	assert.Equal(t, 2, c.Retries())
	assert.Contains(t, transitions, StateClosed)
}

func TestTCPConnection_CannotResolveTerminatesImmediately(t *testing.T) {
	w, _ := newTestWorker(t, WithResolver(&fakeResolver{err: errors.New("no such host")}))
	sink, drain := collectEvents(t)

	c := NewTCPConnection(w, "bogus.invalid", 80, Options{}, sink)
	c.Start()

	require.Eventually(t, func() bool { return c.State() == StateClosed }, time.Second, 5*time.Millisecond)

	events := drain()
	require.Len(t, events, 1)
	assert.Equal(t, StreamEnd, events[0].Kind)
	assert.Equal(t, CannotResolve, events[0].Err)
	assert.Equal(t, 0, c.Retries()) // default RetryCount is 0: no retry.
}

func TestTCPConnection_ConnectTimeoutTerminates(t *testing.T) {
	w, _ := newTestWorker(t)
	sink, drain := collectEvents(t)

	opts := Options{ConnectTimeout: 20 * time.Millisecond}
	c := NewTCPConnection(w, "127.0.0.1", 9, opts, sink).WithDialer(blockingDialer{})
	c.Start()

	require.Eventually(t, func() bool { return c.State() == StateClosed }, time.Second, 5*time.Millisecond)

	events := drain()
	require.Len(t, events, 1)
	assert.Equal(t, StreamEnd, events[0].Kind)
	assert.Equal(t, ConnectionTimeout, events[0].Err)
}

// staleCompletionResolver simulates a resolver whose first call keeps
// running past its context's cancellation (as a real net.Resolver
// lookup can, since cancellation only stops the caller from waiting)
// and only reports back after the connect timeout has already started
// a second attempt, but before that second attempt itself completes —
// the exact window in which a stale completion could be mistaken for
// the retry that superseded it.
type staleCompletionResolver struct {
	calls atomic.Int32
	addr  netip.Addr
}

func (r *staleCompletionResolver) Resolve(ctx context.Context, network, host string) (netip.Addr, error) {
	if r.calls.Add(1) == 1 {
		<-ctx.Done()
		time.Sleep(20 * time.Millisecond)
		return netip.Addr{}, ctx.Err()
	}
	time.Sleep(50 * time.Millisecond)
	return r.addr, nil
}

// TestTCPConnection_StaleResolveCompletionDoesNotClobberRetry guards
// against a connect-timeout during resolving racing with the retry it
// triggers: the stale first attempt's belated completion must not be
// mistaken for the second attempt's, which would otherwise consume an
// extra retry, report the wrong error kind, and discard the real
// completion.
func TestTCPConnection_StaleResolveCompletionDoesNotClobberRetry(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			conn.Close()
		}
	}()
	addr := ln.Addr().(*net.TCPAddr)

	resolver := &staleCompletionResolver{addr: netip.MustParseAddr("127.0.0.1")}
	w, _ := newTestWorker(t, WithResolver(resolver))
	sink, drain := collectEvents(t)

	opts := Options{
		ConnectTimeout: 10 * time.Millisecond,
		RetryCount:     1,
		RetryDelay:     0,
	}
	c := NewTCPConnection(w, "ignored-by-fake-resolver", uint16(addr.Port), opts, sink)
	c.Start()

	require.Eventually(t, func() bool { return c.State() == StateConnected }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, c.Retries())

	c.Close()
	_ = drain()
}

func TestTCPConnection_CloseDuringConnectedEmitsNoEvent(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 1)
		_, _ = conn.Read(buf) // blocks until the client closes.
	}()

	w, _ := newTestWorker(t)
	sink, drain := collectEvents(t)

	addr := ln.Addr().(*net.TCPAddr)
	c := NewTCPConnection(w, "127.0.0.1", uint16(addr.Port), Options{}, sink)
	c.Start()
	require.Eventually(t, func() bool { return c.State() == StateConnected }, time.Second, 5*time.Millisecond)

	c.Close()
	require.Eventually(t, func() bool { return c.State() == StateClosed }, time.Second, 5*time.Millisecond)

	events := drain()
	assert.Empty(t, events)
}

// slowDialer delays every dial by a fixed duration, giving a test a
// window in which Send can be called before the connection reaches
// StateConnected.
type slowDialer struct {
	delay time.Duration
	inner Dialer
}

func (d slowDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	select {
	case <-time.After(d.delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return d.inner.DialContext(ctx, network, address)
}

// TestTCPConnection_SendBeforeConnectIsBufferedAndFlushed guards
// against spec §8 invariant 4: Data handed to Send while still
// resolving/connecting must reach the peer once connect completes,
// not be silently dropped.
func TestTCPConnection_SendBeforeConnectIsBufferedAndFlushed(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	received := make(chan []byte, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 1024)
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		received <- append([]byte(nil), buf[:n]...)
	}()

	w, _ := newTestWorker(t)
	sink, _ := collectEvents(t)

	addr := ln.Addr().(*net.TCPAddr)
	c := NewTCPConnection(w, "127.0.0.1", uint16(addr.Port), Options{}, sink).
		WithDialer(slowDialer{delay: 50 * time.Millisecond, inner: &net.Dialer{}})
	c.Start()

	// Sent while still connecting: must be queued, not discarded. The
	// slowDialer's delay keeps the connection in StateConnecting for
	// long enough that this send always lands before the pump exists.
	require.Eventually(t, func() bool { return c.State() == StateConnecting }, time.Second, time.Millisecond)
	c.Send(DataEvent([]byte("queued")))

	select {
	case got := <-received:
		assert.Equal(t, []byte("queued"), got)
	case <-time.After(time.Second):
		t.Fatal("peer never received the pre-connect write")
	}

	c.Close()
}

// TestTCPConnection_EgressStreamEndHalfClosesWrite guards against
// spec §8 invariant 4's other half: an egress StreamEnd shuts down
// only the write side (the peer sees EOF), while the connection can
// still deliver whatever the peer sends back.
func TestTCPConnection_EgressStreamEndHalfClosesWrite(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 1024)
		n, err := conn.Read(buf)
		if err != nil && n == 0 {
			return
		}
		// Read returns 0, io.EOF once the client half-closes.
		for err == nil {
			n, err = conn.Read(buf)
		}
		_, _ = conn.Write([]byte("reply"))
	}()

	w, _ := newTestWorker(t)
	sink, drain := collectEvents(t)

	addr := ln.Addr().(*net.TCPAddr)
	c := NewTCPConnection(w, "127.0.0.1", uint16(addr.Port), Options{}, sink)
	c.Start()
	require.Eventually(t, func() bool { return c.State() == StateConnected }, time.Second, 5*time.Millisecond)

	c.Send(DataEvent([]byte("hi")))
	c.Send(Event{Kind: StreamEnd})

	events := drain()
	require.NotEmpty(t, events)
	assert.Equal(t, Data, events[0].Kind)
	assert.Equal(t, []byte("reply"), events[0].Payload)

	c.Close()
}

// TestTCPConnection_RetryExhaustedUnregistersFromWorker guards against
// a terminated (retries-exhausted) connection leaking its entry in the
// Worker's registry, which would corrupt pipy_outbound_count.
func TestTCPConnection_RetryExhaustedUnregistersFromWorker(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	w, _ := newTestWorker(t)
	sink, drain := collectEvents(t)

	c := NewTCPConnection(w, "127.0.0.1", uint16(port), Options{}, sink)
	c.Start()

	require.Eventually(t, func() bool { return c.State() == StateClosed }, time.Second, 5*time.Millisecond)
	_ = drain()

	assert.Equal(t, 0, w.Registry().Len())
}
