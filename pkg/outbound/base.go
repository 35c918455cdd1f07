package outbound

import (
	"container/list"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Connection is the public contract shared by TCPConnection and
// UDPConnection (spec §4.1).
type Connection interface {
	// Start begins the lifecycle asynchronously.
	Start()
	// Send feeds one upstream event into the connection.
	Send(Event)
	// Close requests a graceful shutdown. Idempotent.
	Close()

	State() State
	Protocol() Protocol
	LocalAddr() netip.Addr
	LocalPort() uint16
	RemoteAddr() netip.Addr
	Address() string
}

// base implements the lifecycle, retry bookkeeping, registry
// membership, and error-reporting machinery common to both
// transports (spec §4.1). All mutation of the fields below happens on
// worker's goroutine; mu only guards the narrow "observable state
// surface" (spec §6) that may be read from other goroutines (e.g. a
// scripting host calling State()).
type base struct {
	worker *Worker
	id     string
	proto  Protocol
	opts   Options
	sink   Sink
	logger *slog.Logger

	host string
	port uint16

	mu         sync.Mutex
	state      State
	remoteAddr netip.Addr
	localAddr  netip.Addr
	localPort  uint16

	retries   int
	startTime time.Time
	err       ErrorKind
	errSet    bool

	address    string
	regElem    *list.Element
	registered bool

	// closed marks the connection as having reached its terminal state
	// (spec §3: registered at creation, deregistered at destruction).
	// Every path that transitions to StateClosed must set this and
	// unregister exactly once, so the registry and pipy_outbound_count
	// never outlive a connection's actual lifetime.
	closed bool

	connectTimer Timer
	retryTimer   Timer
}

func newBase(w *Worker, proto Protocol, host string, port uint16, opts Options, sink Sink) *base {
	id := uuid.NewString()
	b := &base{
		worker: w,
		id:     id,
		proto:  proto,
		opts:   opts,
		sink:   sink,
		host:   host,
		port:   port,
		state:  StateIdle,
	}
	b.address = fmt.Sprintf("[%s]:%d", host, port)
	b.logger = w.logger.With(
		slog.String("conn_id", id),
		slog.String("protocol", proto.String()),
		slog.String("address", b.address),
	)
	return b
}

// registryMember implementation.

func (b *base) protocolLabel() string { return b.proto.String() }
func (b *base) addressLabel() string  { return b.address }

// State returns a consistent snapshot of the lifecycle state. Safe
// from any goroutine.
func (b *base) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *base) Protocol() Protocol { return b.proto }

func (b *base) LocalAddr() netip.Addr {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.localAddr
}

func (b *base) LocalPort() uint16 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.localPort
}

func (b *base) RemoteAddr() netip.Addr {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.remoteAddr
}

func (b *base) Address() string { return b.address }

// setState performs a transition and invokes OnStateChanged. Must be
// called only from the worker goroutine (spec §3: "invoked... exactly
// once per transition, from within the async runtime thread").
func (b *base) setState(s State, conn Connection) {
	b.mu.Lock()
	b.state = s
	b.mu.Unlock()

	b.logger.Debug("state transition", slog.String("state", s.String()))
	if b.opts.OnStateChanged != nil {
		b.opts.OnStateChanged(conn)
	}
}

func (b *base) setRemote(addr netip.Addr) {
	b.mu.Lock()
	b.remoteAddr = addr
	b.mu.Unlock()
}

func (b *base) setLocal(addr netip.Addr, port uint16) {
	b.mu.Lock()
	b.localAddr = addr
	b.localPort = port
	b.mu.Unlock()
}

// register adds the connection to the worker's registry. Idempotent.
func (b *base) register(m registryMember) {
	if b.registered {
		return
	}
	b.regElem = b.worker.registry.add(m)
	b.registered = true
}

// unregister removes the connection from the worker's registry.
// Idempotent (spec §3: "registered at creation and deregistered at
// destruction").
func (b *base) unregister() {
	if !b.registered {
		return
	}
	b.worker.registry.remove(b.regElem)
	b.regElem = nil
	b.registered = false
}

// armConnectTimer (re)starts the connect-timeout timer covering
// resolving+connecting (spec §4.1 timer discipline). Any previously
// armed timer is stopped first: "two timers never run concurrently
// for the same phase."
func (b *base) armConnectTimer(onExpire func()) {
	b.disarmConnectTimer()
	if b.opts.ConnectTimeout <= 0 {
		return
	}
	b.connectTimer = b.worker.sched.AfterFunc(b.opts.ConnectTimeout, func() {
		b.worker.run(onExpire)
	})
}

func (b *base) disarmConnectTimer() {
	if b.connectTimer != nil {
		b.connectTimer.Stop()
		b.connectTimer = nil
	}
}

func (b *base) armRetryTimer(onExpire func()) {
	b.disarmRetryTimer()
	b.retryTimer = b.worker.sched.AfterFunc(b.opts.RetryDelay, func() {
		b.worker.run(onExpire)
	})
}

func (b *base) disarmRetryTimer() {
	if b.retryTimer != nil {
		b.retryTimer.Stop()
		b.retryTimer = nil
	}
}

// markError records the terminal error kind at most once (spec §3
// invariant).
func (b *base) markError(kind ErrorKind) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.errSet {
		return false
	}
	b.err = kind
	b.errSet = true
	return true
}

// emitTerminal sends a single StreamEnd(kind) event to the sink, and
// only the first call for a given connection has any effect.
func (b *base) emitTerminal(kind ErrorKind) {
	if !b.markError(kind) {
		return
	}
	if b.sink != nil {
		b.sink.Send(StreamEndEvent(kind))
	}
}

// retryOrTerminate implements the retry policy of spec §4.1: on a
// pre-connect failure, either terminate with the given error or
// schedule a retry through StateIdle. restart is called once the
// retry delay elapses (or immediately if RetryDelay is zero) and
// should re-enter start() at StateResolving.
func (b *base) retryOrTerminate(kind ErrorKind, conn Connection, restart func()) {
	if !b.opts.retryAllowed(b.retries) {
		b.closed = true
		b.unregister()
		b.emitTerminal(kind)
		b.setState(StateClosed, conn)
		return
	}
	b.retries++
	b.setState(StateIdle, conn)
	if b.opts.RetryDelay <= 0 {
		restart()
		return
	}
	b.armRetryTimer(restart)
}

// Retries reports the number of failed attempts consumed so far.
func (b *base) Retries() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.retries
}
