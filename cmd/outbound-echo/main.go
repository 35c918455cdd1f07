// Command outbound-echo dials a single TCP or UDP destination through
// the outbound package, streams stdin to it, prints whatever comes
// back on stdout, and optionally serves the connection's Prometheus
// registry over HTTP.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pipy-go/proxy/pkg/outbound"
)

var (
	proto          = flag.String("proto", "tcp", "Transport protocol: tcp or udp.")
	host           = flag.String("host", "127.0.0.1", "Destination host.")
	port           = flag.Uint("port", 0, "Destination port.")
	connectTimeout = flag.Duration("connect_timeout", 5*time.Second, "Resolve+connect timeout. 0 disables it.")
	retryCount     = flag.Int("retry_count", 0, "Retries after a pre-connect failure. -1 for unlimited.")
	retryDelay     = flag.Duration("retry_delay", time.Second, "Delay between retries.")
	idleTimeout    = flag.Duration("idle_timeout", 0, "UDP idle timeout. 0 disables it.")
	metricsAddr    = flag.String("metrics_addr", "", "If set, serve the connection's metrics registry on this address.")
)

func main() {
	flag.Parse()
	logger := slog.Default()

	if *port == 0 || *port > 65535 {
		logger.Error("a valid --port is required")
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		logger.Error("exiting with error", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger) error {
	worker := outbound.NewWorker(outbound.WithWorkerLogger(logger))
	go worker.Run(ctx)

	if *metricsAddr != "" {
		serveMetrics(ctx, worker, logger)
	}

	done := make(chan struct{})
	consoleSink := newConsoleSink(os.Stdout, logger, done)

	var conn outbound.Connection
	opts := outbound.Options{
		ConnectTimeout: *connectTimeout,
		RetryCount:     *retryCount,
		RetryDelay:     *retryDelay,
		IdleTimeout:    *idleTimeout,
		OnStateChanged: func(c outbound.Connection) {
			logger.Info("state changed", slog.String("state", c.State().String()))
		},
	}

	switch *proto {
	case "tcp":
		conn = outbound.DialTCP(worker, *host, uint16(*port), opts, consoleSink)
	case "udp":
		conn = outbound.DialUDP(worker, *host, uint16(*port), opts, consoleSink)
	default:
		return fmt.Errorf("unknown --proto %q: want tcp or udp", *proto)
	}

	go pumpStdin(ctx, conn, *proto)

	select {
	case <-ctx.Done():
	case <-done:
	}
	conn.Close()
	return nil
}

func serveMetrics(ctx context.Context, w *outbound.Worker, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(w.Gatherer(), promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: *metricsAddr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	go func() {
		logger.Info("serving metrics", slog.String("addr", *metricsAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server exited", slog.Any("error", err))
		}
	}()
}

// pumpStdin reads stdin line by line and forwards each line as one
// framed message: a single Data event for TCP (message boundaries are
// irrelevant on a byte stream), or a MessageStart/Data/MessageEnd
// triple for UDP (one line, one datagram).
func pumpStdin(ctx context.Context, conn outbound.Connection, proto string) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := append([]byte(nil), scanner.Bytes()...)
		line = append(line, '\n')
		switch proto {
		case "udp":
			conn.Send(outbound.Event{Kind: outbound.MessageStart})
			conn.Send(outbound.DataEvent(line))
			conn.Send(outbound.Event{Kind: outbound.MessageEnd})
		default:
			conn.Send(outbound.DataEvent(line))
		}
	}
}

// consoleSink prints received data to stdout and closes done on
// StreamEnd so main can exit once the peer is finished.
type consoleSink struct {
	out    *bufio.Writer
	logger *slog.Logger
	done   chan struct{}
}

func newConsoleSink(out *os.File, logger *slog.Logger, done chan struct{}) outbound.Sink {
	return &consoleSink{out: bufio.NewWriter(out), logger: logger, done: done}
}

func (s *consoleSink) Send(ev outbound.Event) {
	switch ev.Kind {
	case outbound.Data:
		_, _ = s.out.Write(ev.Payload)
		_ = s.out.Flush()
	case outbound.StreamEnd:
		s.logger.Info("stream ended", slog.String("error", ev.Err.String()))
		close(s.done)
	}
}
