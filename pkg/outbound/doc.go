// Package outbound implements the outbound connection subsystem of a
// programmable proxy: given a symbolic destination and an event
// stream from an upstream pipeline, it resolves a name, establishes a
// TCP or UDP connection to the remote peer, forwards bytes or
// datagrams in both directions, and reports lifecycle and error
// information back to the pipeline.
//
// A Worker models one OS thread's worth of cooperative scheduling: it
// owns exactly one Registry and one set of metric collectors, and
// every state transition for a connection created on that Worker runs
// on the Worker's own goroutine. Blocking I/O (DNS, dial, socket
// read/write) happens off that goroutine and reports back through it.
package outbound
