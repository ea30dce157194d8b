// Package metrics exposes the client's Prometheus instrumentation:
// tunnel liveness, frame/byte counters, request outcomes, and ping
// round-trip latency.
//
// Grounded on github.com/etalazz-vsa's internal/ratelimiter/telemetry/churn
// (prom_counters.go): package-level registered collectors plus a small
// standalone HTTP server serving promhttp.Handler() on its own address.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TunnelsConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pagekite_tunnels_connected",
		Help: "Number of tunnel connections currently established to relays.",
	})
	FramesSentTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pagekite_frames_sent_total",
		Help: "Total hex-chunked frames written to relay tunnels.",
	})
	FramesReceivedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pagekite_frames_received_total",
		Help: "Total hex-chunked frames read from relay tunnels.",
	})
	BytesSentTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pagekite_bytes_sent_total",
		Help: "Total payload bytes written to relay tunnels.",
	})
	RequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pagekite_requests_total",
		Help: "Total HTTP requests served, labeled by response code.",
	}, []string{"code"})
	PingRoundTripSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "pagekite_ping_round_trip_seconds",
		Help:    "Observed PING to PONG round-trip latency per tunnel.",
		Buckets: prometheus.DefBuckets,
	})
)

func init() {
	prometheus.MustRegister(
		TunnelsConnected,
		FramesSentTotal,
		FramesReceivedTotal,
		BytesSentTotal,
		RequestsTotal,
		PingRoundTripSeconds,
	)
}

// ObserveRequest records the outcome of one served HTTP request.
func ObserveRequest(code int) {
	RequestsTotal.WithLabelValues(statusBucket(code)).Inc()
}

func statusBucket(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "other"
	}
}

// Server exposes /metrics on its own listen address.
type Server struct {
	httpServer *http.Server
}

// NewServer builds a Server bound to addr. It does not start listening
// until Serve is called.
func NewServer(addr string) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &Server{httpServer: &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}}
}

// Serve runs the metrics HTTP server until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.httpServer.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
