package outbound

import (
	"context"
	"errors"
	"io"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// UDPConnection is the datagram specialization of spec §4.3: resolve,
// bind a peer address, then frame the event stream into whole
// datagrams on the way out and emit one MessageStart/Data/MessageEnd
// triple per datagram received.
type UDPConnection struct {
	*base

	dialer Dialer

	connMu sync.Mutex
	conn   net.Conn

	buffer         []byte
	pending        [][]byte
	messageStarted bool
	ended          bool

	sendCh chan []byte

	trafficRead  atomic.Uint64
	trafficWrite atomic.Uint64

	idleTimer Timer

	resolveCancel context.CancelFunc
	dialCancel    context.CancelFunc

	// attempt counts resolve->connect cycles; see the field comment on
	// TCPConnection.attempt.
	attempt uint64
}

var _ Connection = (*UDPConnection)(nil)
var _ registryMember = (*UDPConnection)(nil)

// NewUDPConnection creates a UDP outbound connection on w. Call Start
// to begin the lifecycle.
func NewUDPConnection(w *Worker, host string, port uint16, opts Options, sink Sink) *UDPConnection {
	opts.Protocol = ProtocolUDP
	return &UDPConnection{
		base:   newBase(w, ProtocolUDP, host, port, opts, sink),
		dialer: &net.Dialer{},
		sendCh: make(chan []byte, 256),
	}
}

// WithDialer overrides the default *net.Dialer.
func (c *UDPConnection) WithDialer(d Dialer) *UDPConnection {
	c.dialer = d
	return c
}

// Bind opens and immediately releases a UDP socket on (localIP,
// localPort) to claim the local endpoint, then configures the
// default dialer to originate from it. Must be called before Start.
func (c *UDPConnection) Bind(localIP netip.Addr, localPort uint16) error {
	d, ok := c.dialer.(*net.Dialer)
	if !ok {
		return &BindError{Err: errors.New("outbound: dialer does not support binding")}
	}
	pc, err := net.ListenUDP("udp", &net.UDPAddr{IP: localIP.AsSlice(), Port: int(localPort)})
	if err != nil {
		return &BindError{Err: err}
	}
	addr := pc.LocalAddr().(*net.UDPAddr)
	_ = pc.Close()
	d.LocalAddr = &net.UDPAddr{IP: addr.IP, Port: addr.Port}
	c.setLocal(localIP, uint16(addr.Port))
	return nil
}

func (c *UDPConnection) Start() {
	c.worker.run(func() {
		c.register(c)
		c.beginResolve()
	})
}

// Send implements the datagram framing of spec §4.3.
func (c *UDPConnection) Send(ev Event) {
	c.worker.run(func() { c.handleEvent(ev) })
}

func (c *UDPConnection) handleEvent(ev Event) {
	switch ev.Kind {
	case MessageStart:
		if c.ended {
			return
		}
		c.messageStarted = true
		c.buffer = c.buffer[:0]
	case Data:
		if !c.messageStarted {
			return // discarded: no open message (spec §8 S6).
		}
		c.buffer = append(c.buffer, ev.Payload...)
	case MessageEnd:
		if !c.messageStarted {
			return
		}
		c.messageStarted = false
		datagram := c.buffer
		c.buffer = nil
		c.pending = append(c.pending, datagram)
		c.drainPending()
	case StreamEnd:
		c.ended = true
		c.drainPending()
	}
}

// drainPending submits queued datagrams to the sender goroutine without
// blocking the worker: if sendCh is full it stops and leaves the rest
// in pending for sendLoop to wake back up once it frees a slot. It
// must only be called from the worker goroutine.
func (c *UDPConnection) drainPending() {
	if c.closed || c.State() != StateConnected {
		return
	}
	for len(c.pending) > 0 {
		datagram := c.pending[0]
		select {
		case c.sendCh <- datagram:
			c.pending = c.pending[1:]
		default:
			return // sender is behind; resume on the next wakeup from sendLoop.
		}
	}
}

func (c *UDPConnection) Close() {
	c.worker.run(c.closeInternal)
}

func (c *UDPConnection) closeInternal() {
	if c.closed {
		return
	}
	c.closed = true

	c.disarmConnectTimer()
	c.disarmRetryTimer()
	c.disarmIdleTimer()

	if c.resolveCancel != nil {
		c.resolveCancel()
		c.resolveCancel = nil
	}
	if c.dialCancel != nil {
		c.dialCancel()
		c.dialCancel = nil
	}

	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	close(c.sendCh)

	c.buffer = nil
	c.pending = nil
	c.messageStarted = false

	c.unregister()
	c.setState(StateClosed, c)
}

func (c *UDPConnection) beginResolve() {
	c.attempt++
	attempt := c.attempt

	c.startTime = time.Now()
	c.setState(StateResolving, c)

	host := rewriteLocalhost(c.host)
	ctx, cancel := context.WithCancel(context.Background())
	c.resolveCancel = cancel
	c.armConnectTimer(c.onConnectTimeout)

	go func() {
		addr, err := c.worker.resolver.Resolve(ctx, "udp", host)
		c.worker.run(func() { c.onResolved(attempt, addr, err) })
	}()
}

func (c *UDPConnection) onResolved(attempt uint64, addr netip.Addr, err error) {
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

func (c *UDPConnection) beginConnect(attempt uint64, addr netip.Addr) {
	c.setState(StateConnecting, c)

	ctx, cancel := context.WithCancel(context.Background())
	c.dialCancel = cancel
	target := netip.AddrPortFrom(addr, c.port).String()

	go func() {
		conn, err := c.dialer.DialContext(ctx, "udp", target)
		c.worker.run(func() { c.onConnected(attempt, conn, err) })
	}()
}

func (c *UDPConnection) onConnected(attempt uint64, conn net.Conn, err error) {
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

	if m := c.worker.ensureMetrics(); m != nil {
		m.connTime.Observe(float64(time.Since(c.startTime).Milliseconds()))
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	c.setState(StateConnected, c)
	c.armIdleTimer()
	c.drainPending()

	go c.sendLoop(conn)
	go c.receiveLoop(conn)
}

func (c *UDPConnection) sendLoop(conn net.Conn) {
	for datagram := range c.sendCh {
		n, err := conn.Write(datagram)
		if err != nil {
			c.worker.run(func() { c.onIOError(classifyWriteError(err)) })
			return
		}
		c.trafficWrite.Add(uint64(n))
		c.worker.run(func() {
			c.armIdleTimer()
			c.drainPending()
		})
	}
}

func (c *UDPConnection) receiveLoop(conn net.Conn) {
	maxPacket := c.opts.maxPacketSize()
	buf := make([]byte, maxPacket)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			c.worker.run(func() { c.onIOError(classifyUDPReadError(err)) })
			return
		}
		datagram := append([]byte(nil), buf[:n]...)
		c.trafficRead.Add(uint64(n))
		c.worker.run(func() { c.emitReceived(datagram) })
	}
}

func (c *UDPConnection) emitReceived(datagram []byte) {
	if c.closed {
		return
	}
	c.sink.Send(Event{Kind: MessageStart})
	c.sink.Send(DataEvent(datagram))
	c.sink.Send(Event{Kind: MessageEnd})
	c.armIdleTimer()
}

func (c *UDPConnection) onIOError(kind ErrorKind) {
	if c.closed {
		return
	}
	c.closed = true
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	close(c.sendCh)
	c.disarmIdleTimer()
	c.unregister()
	c.emitTerminal(kind)
	c.setState(StateClosed, c)
}

func (c *UDPConnection) onConnectTimeout() {
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

// armIdleTimer (re)schedules the idle-close timer described in spec
// §4.3. Any traffic rearms it. Must run on the worker goroutine.
func (c *UDPConnection) armIdleTimer() {
	if c.closed || c.opts.IdleTimeout <= 0 {
		return
	}
	c.disarmIdleTimer()
	c.idleTimer = c.worker.sched.AfterFunc(c.opts.IdleTimeout, func() {
		c.worker.run(func() { c.onIOError(IdleTimeout) })
	})
}

func (c *UDPConnection) disarmIdleTimer() {
	if c.idleTimer != nil {
		c.idleTimer.Stop()
		c.idleTimer = nil
	}
}

// drainTraffic implements registryMember for the metric scrape path.
// Per spec §9's open question, UDP counters use the same
// drain-on-scrape accounting as TCP for consistency, rather than the
// source's pattern of bumping metric objects directly during I/O.
func (c *UDPConnection) drainTraffic() (in, out uint64) {
	return c.trafficRead.Swap(0), c.trafficWrite.Swap(0)
}

func classifyUDPReadError(err error) ErrorKind {
	if errors.Is(err, io.EOF) {
		return NoError
	}
	if errors.Is(err, syscall.ECONNRESET) {
		return ConnectionReset
	}
	return ReadError
}
