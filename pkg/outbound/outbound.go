package outbound

// DialTCP creates a TCP outbound connection on w and starts its
// lifecycle.
func DialTCP(w *Worker, host string, port uint16, opts Options, sink Sink) *TCPConnection {
	c := NewTCPConnection(w, host, port, opts, sink)
	c.Start()
	return c
}

// DialUDP creates a UDP outbound connection on w and starts its
// lifecycle.
func DialUDP(w *Worker, host string, port uint16, opts Options, sink Sink) *UDPConnection {
	c := NewUDPConnection(w, host, port, opts, sink)
	c.Start()
	return c
}
