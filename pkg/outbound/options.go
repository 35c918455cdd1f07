package outbound

import "time"

// StateChangeFunc is invoked on every state transition, including the
// idle reset that marks a retry boundary. It runs on the owning
// Worker's goroutine and must not block or call Close on the same
// connection reentrantly.
type StateChangeFunc func(Connection)

// Options configures a Connection. The zero value is valid: no
// connect timeout, no retries, no idle timeout, and a default receive
// buffer for UDP.
type Options struct {
	Protocol Protocol

	// ConnectTimeout bounds resolving+connecting. Zero disables it.
	ConnectTimeout time.Duration

	// RetryCount bounds retries after a pre-connect failure. -1 means
	// unlimited, 0 means no retry (default).
	RetryCount int

	// RetryDelay is the idle wait before a retry's resolve begins.
	RetryDelay time.Duration

	// IdleTimeout closes a UDP connection after this much silence in
	// both directions. Zero disables it. Unused for TCP.
	IdleTimeout time.Duration

	// MaxPacketSize bounds the UDP receive buffer. Zero selects a
	// 64KiB default.
	MaxPacketSize int

	// OnStateChanged is invoked on every transition.
	OnStateChanged StateChangeFunc
}

func (o Options) maxPacketSize() int {
	if o.MaxPacketSize > 0 {
		return o.MaxPacketSize
	}
	return 65536
}

func (o Options) retryAllowed(retries int) bool {
	if o.RetryCount < 0 {
		return true
	}
	return retries < o.RetryCount
}
