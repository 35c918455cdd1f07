package outbound

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"syscall"

	"golang.org/x/sync/errgroup"
)

// bytePump is the full-duplex byte-pump of spec §4.4: a dedicated
// reader goroutine turns socket reads into Data events, and a
// dedicated writer goroutine drains a software write queue with one
// outstanding conn.Write at a time. Traffic counters are updated on
// every completed I/O. No channel/library in the retrieval pack
// offers an unbounded single-consumer byte queue, so this uses a
// plain mutex-guarded slice — the same shape as the teacher's
// packetBufferPool-backed queues in muxed_conn.go, adapted from
// pooled buffers to an ordered queue.
type bytePump struct {
	conn   net.Conn
	sink   Sink
	logger *slog.Logger

	trafficRead  *atomic.Uint64
	trafficWrite *atomic.Uint64

	qmu   sync.Mutex
	queue [][]byte
	wake  chan struct{}
	stop  chan struct{}

	// closeWriteRequested signals writeLoop to half-close the
	// connection's write side once the queue drains, rather than
	// closing it outright: an egress StreamEnd shuts down writes only,
	// the read side stays open for whatever the peer still has to say.
	closeWriteRequested atomic.Bool

	closeOnce sync.Once
	closing   atomic.Bool
	done      chan struct{}

	// schedule marshals a closure onto the owning connection's Worker
	// goroutine (see Worker.run); sink emission and terminal reporting
	// both go through it to keep ordering consistent with state
	// transitions.
	schedule func(func())
	onClosed func(ErrorKind)
}

func newBytePump(conn net.Conn, sink Sink, logger *slog.Logger, trafficRead, trafficWrite *atomic.Uint64, schedule func(func()), onClosed func(ErrorKind)) *bytePump {
	return &bytePump{
		conn:         conn,
		sink:         sink,
		logger:       logger,
		trafficRead:  trafficRead,
		trafficWrite: trafficWrite,
		wake:         make(chan struct{}, 1),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
		schedule:     schedule,
		onClosed:     onClosed,
	}
}

// start launches the reader and writer goroutines.
func (p *bytePump) start() {
	go func() {
		var g errgroup.Group
		g.Go(p.readLoop)
		g.Go(p.writeLoop)
		g.Wait()
		close(p.done)
	}()
}

// write enqueues a chunk for the writer goroutine. Never blocks the
// caller (it may be invoked from the owning Worker's goroutine).
func (p *bytePump) write(b []byte) {
	if len(b) == 0 || p.closing.Load() {
		return
	}
	p.qmu.Lock()
	p.queue = append(p.queue, b)
	p.qmu.Unlock()
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// closeWrite half-closes the connection's write side once any queued
// writes drain, without touching the read side. Never blocks the
// caller.
func (p *bytePump) closeWrite() {
	if p.closing.Load() {
		return
	}
	p.closeWriteRequested.Store(true)
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *bytePump) readLoop() error {
	buf := make([]byte, 32*1024)
	for {
		n, err := p.conn.Read(buf)
		if n > 0 {
			p.trafficRead.Add(uint64(n))
			chunk := append([]byte(nil), buf[:n]...)
			p.schedule(func() { p.sink.Send(DataEvent(chunk)) })
		}
		if err != nil {
			p.reportClose(classifyReadError(err))
			return err
		}
	}
}

func (p *bytePump) writeLoop() error {
	for {
		p.qmu.Lock()
		if len(p.queue) == 0 {
			p.qmu.Unlock()
			if p.closeWriteRequested.Load() {
				if cw, ok := p.conn.(interface{ CloseWrite() error }); ok {
					_ = cw.CloseWrite()
				}
				return nil
			}
			select {
			case <-p.wake:
				continue
			case <-p.stop:
				return nil
			}
		}
		chunk := p.queue[0]
		p.queue = p.queue[1:]
		p.qmu.Unlock()

		n, err := p.conn.Write(chunk)
		if n > 0 {
			p.trafficWrite.Add(uint64(n))
		}
		if err != nil {
			p.reportClose(classifyWriteError(err))
			return err
		}
	}
}

// reportClose fires exactly once, whichever of readLoop, writeLoop,
// or an explicit close() gets there first. If an explicit close() won
// the race, no event is reported (spec §7: "cancellations due to
// close() produce no event").
func (p *bytePump) reportClose(kind ErrorKind) {
	p.closeOnce.Do(func() {
		aborted := p.closing.Load()
		p.closing.Store(true)
		_ = p.conn.Close()
		close(p.stop)
		if !aborted {
			p.schedule(func() { p.onClosed(kind) })
		}
	})
}

// close performs the graceful shutdown side of spec §4.2's
// close()-during-connected path: cancel I/O, no event.
func (p *bytePump) close() {
	p.closeOnce.Do(func() {
		p.closing.Store(true)
		_ = p.conn.Close()
		close(p.stop)
	})
}

func classifyReadError(err error) ErrorKind {
	if err == nil || errors.Is(err, io.EOF) {
		return NoError
	}
	if isConnReset(err) {
		return ConnectionReset
	}
	return ReadError
}

func classifyWriteError(err error) ErrorKind {
	if isConnReset(err) {
		return ConnectionReset
	}
	return WriteError
}

func isConnReset(err error) bool {
	return errors.Is(err, syscall.ECONNRESET)
}
