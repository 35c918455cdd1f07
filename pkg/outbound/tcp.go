package outbound

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// Dialer abstracts the act of opening a TCP connection, so tests (and
// embedders composing dpeckett/network's userspace stack) can supply
// their own.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// TCPConnection is the reliable-stream specialization of spec §4.2:
// resolve, connect, then hand off to a full-duplex byte-pump until
// half/full close or error.
type TCPConnection struct {
	*base

	dialer Dialer

	connMu sync.Mutex
	conn   net.Conn
	pump   *bytePump

	// pendingWrites holds Data payloads handed to Send before the
	// byte-pump exists yet (resolving/connecting/idle): the original
	// buffers these into the socket's output buffer and flushes on
	// connect (outbound.cpp's SocketTCP::output), so bytes written
	// before connect completes are not lost. writeClosed records an
	// egress StreamEnd seen before connect, applied once the pump
	// starts. Only ever touched from the worker goroutine.
	pendingWrites [][]byte
	writeClosed   bool

	trafficRead  atomic.Uint64
	trafficWrite atomic.Uint64
	connectTime  time.Duration

	resolveCancel context.CancelFunc
	dialCancel    context.CancelFunc

	// attempt counts resolve->connect cycles. Bumped once per
	// beginResolve call (the initial attempt and every retry); the
	// goroutines launched by beginResolve/beginConnect capture the
	// value in effect when they start and hand it back with their
	// result, so a stale completion from an attempt that connect_timeout
	// already aborted can be told apart from the attempt that
	// superseded it, even though both attempts share the worker's
	// single completion queue.
	attempt uint64
}

var _ Connection = (*TCPConnection)(nil)
var _ registryMember = (*TCPConnection)(nil)

// NewTCPConnection creates a TCP outbound connection on w. Call Start
// to begin the lifecycle.
func NewTCPConnection(w *Worker, host string, port uint16, opts Options, sink Sink) *TCPConnection {
	opts.Protocol = ProtocolTCP
	c := &TCPConnection{
		base:   newBase(w, ProtocolTCP, host, port, opts, sink),
		dialer: &net.Dialer{},
	}
	return c
}

// WithDialer overrides the default *net.Dialer.
func (c *TCPConnection) WithDialer(d Dialer) *TCPConnection {
	c.dialer = d
	return c
}

// Bind opens and immediately releases a listening socket on
// (localIP, localPort) to claim the local endpoint, then configures
// the default dialer to originate from it. Must be called before
// Start. Returns a *BindError if the OS refuses the bind (spec
// §4.1).
func (c *TCPConnection) Bind(localIP netip.Addr, localPort uint16) error {
	d, ok := c.dialer.(*net.Dialer)
	if !ok {
		return &BindError{Err: errors.New("outbound: dialer does not support binding")}
	}
	ln, err := net.ListenTCP("tcp", &net.TCPAddr{IP: localIP.AsSlice(), Port: int(localPort)})
	if err != nil {
		return &BindError{Err: err}
	}
	addr := ln.Addr().(*net.TCPAddr)
	_ = ln.Close()
	d.LocalAddr = &net.TCPAddr{IP: addr.IP, Port: addr.Port}
	c.setLocal(localIP, uint16(addr.Port))
	return nil
}

func (c *TCPConnection) Start() {
	c.worker.run(func() {
		c.register(c)
		c.beginResolve()
	})
}

// Send forwards a single event to the byte-pump. TCP ignores message
// framing on egress: payload bytes are concatenated (spec §6). Writes
// that arrive before the pump exists (resolving/connecting/idle) are
// queued and flushed once connect completes, rather than dropped.
func (c *TCPConnection) Send(ev Event) {
	c.worker.run(func() {
		if c.closed || c.writeClosed {
			return
		}
		switch ev.Kind {
		case Data:
			c.connMu.Lock()
			pump := c.pump
			c.connMu.Unlock()
			if pump != nil {
				pump.write(ev.Payload)
			} else {
				c.pendingWrites = append(c.pendingWrites, ev.Payload)
			}
		case StreamEnd:
			c.writeClosed = true
			c.connMu.Lock()
			pump := c.pump
			c.connMu.Unlock()
			if pump != nil {
				pump.closeWrite()
			}
		}
	})
}

func (c *TCPConnection) Close() {
	c.worker.run(c.closeInternal)
}

func (c *TCPConnection) closeInternal() {
	if c.closed {
		return
	}
	c.closed = true

	c.disarmConnectTimer()
	c.disarmRetryTimer()

	if c.resolveCancel != nil {
		c.resolveCancel()
		c.resolveCancel = nil
	}
	if c.dialCancel != nil {
		c.dialCancel()
		c.dialCancel = nil
	}

	c.connMu.Lock()
	pump := c.pump
	conn := c.conn
	c.connMu.Unlock()

	switch {
	case pump != nil:
		pump.close()
	case conn != nil:
		_ = conn.Close()
	}

	c.unregister()
	c.setState(StateClosed, c)
}

func (c *TCPConnection) beginResolve() {
	c.attempt++
	attempt := c.attempt

	c.startTime = time.Now()
	c.setState(StateResolving, c)

	host := rewriteLocalhost(c.host)
	ctx, cancel := context.WithCancel(context.Background())
	c.resolveCancel = cancel
	c.armConnectTimer(c.onConnectTimeout)

	go func() {
		addr, err := c.worker.resolver.Resolve(ctx, "tcp", host)
		c.worker.run(func() { c.onResolved(attempt, addr, err) })
	}()
}

func (c *TCPConnection) onResolved(attempt uint64, addr netip.Addr, err error) {
	if attempt != c.attempt || c.resolveCancel == nil || c.closed {
		return // stale attempt or torn down: operation-aborted, not an error.
	}
	c.resolveCancel = nil

	if err != nil {
		c.disarmConnectTimer()
		c.retryOrTerminate(CannotResolve, c, c.beginResolve)
		return
	}

	c.setRemote(addr)
	c.beginConnect(attempt, addr)
}

func (c *TCPConnection) beginConnect(attempt uint64, addr netip.Addr) {
	c.setState(StateConnecting, c)

	ctx, cancel := context.WithCancel(context.Background())
	c.dialCancel = cancel
	target := netip.AddrPortFrom(addr, c.port).String()

	go func() {
		conn, err := c.dialer.DialContext(ctx, "tcp", target)
		c.worker.run(func() { c.onConnected(attempt, conn, err) })
	}()
}

func (c *TCPConnection) onConnected(attempt uint64, conn net.Conn, err error) {
	if attempt != c.attempt || c.dialCancel == nil || c.closed {
		if conn != nil {
			_ = conn.Close()
		}
		return // stale attempt or torn down: operation-aborted.
	}
	c.dialCancel = nil
	c.disarmConnectTimer()

	if err != nil {
		c.retryOrTerminate(classifyDialError(err), c, c.beginResolve)
		return
	}

	local, _ := netip.ParseAddrPort(conn.LocalAddr().String())
	c.setLocal(local.Addr(), local.Port())
	c.connectTime = time.Since(c.startTime)

	if m := c.worker.ensureMetrics(); m != nil {
		m.connTime.Observe(float64(c.connectTime.Milliseconds()))
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	c.setState(StateConnected, c)
	c.startPump(conn)
}

func (c *TCPConnection) startPump(conn net.Conn) {
	logger := c.logger
	pump := newBytePump(conn, c.sink, logger, &c.trafficRead, &c.trafficWrite, c.worker.run, c.onPumpClosed)
	c.connMu.Lock()
	c.pump = pump
	c.connMu.Unlock()
	pump.start()

	for _, chunk := range c.pendingWrites {
		pump.write(chunk)
	}
	c.pendingWrites = nil
	if c.writeClosed {
		pump.closeWrite()
	}
}

func (c *TCPConnection) onPumpClosed(kind ErrorKind) {
	if c.closed {
		return
	}
	c.closed = true
	c.unregister()
	c.emitTerminal(kind)
	c.setState(StateClosed, c)
}

func (c *TCPConnection) onConnectTimeout() {
	if c.closed {
		return
	}
	switch c.State() {
	case StateResolving:
		if c.resolveCancel != nil {
			c.resolveCancel()
			c.resolveCancel = nil
		}
	case StateConnecting:
		if c.dialCancel != nil {
			c.dialCancel()
			c.dialCancel = nil
		}
	default:
		return
	}
	c.retryOrTerminate(ConnectionTimeout, c, c.beginResolve)
}

// GetTrafficIn drains and returns the bytes read since the last call
// (spec §4.2: "read-and-reset the socket counters").
func (c *TCPConnection) GetTrafficIn() uint64 {
	return c.trafficRead.Swap(0)
}

// GetTrafficOut drains and returns the bytes written since the last
// call.
func (c *TCPConnection) GetTrafficOut() uint64 {
	return c.trafficWrite.Swap(0)
}

// drainTraffic implements registryMember for the metric scrape path.
func (c *TCPConnection) drainTraffic() (in, out uint64) {
	return c.GetTrafficIn(), c.GetTrafficOut()
}

func classifyDialError(err error) ErrorKind {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ConnectionTimeout
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return ConnectionRefused
	}
	return ConnectionRefused
}
