// Package metrics exposes Prometheus collectors for transport clients,
// request trackers and the session router. A nil *Collectors is valid and
// records nothing, so components can be built without metrics.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tutornet"

// Tracker outcomes
const (
	OutcomeSuccess    = "success"
	OutcomeNACK       = "nack"
	OutcomeTimeout    = "timeout"
	OutcomeConnection = "connection"
	OutcomeDecode     = "decode"
)

// Collectors groups every tutornet metric
type Collectors struct {
	clientSends      *prometheus.CounterVec
	clientReconnects *prometheus.CounterVec
	clientsOnline    prometheus.Gauge

	trackerOutcomes *prometheus.CounterVec
	trackerLatency  prometheus.Histogram

	routerDispatched   *prometheus.CounterVec
	routerDropped      prometheus.Counter
	routerDecodeErrors prometheus.Counter
	routerBindings     prometheus.Gauge
	allocations        *prometheus.CounterVec
}

// New creates the collectors and registers them on reg
func New(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		clientSends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "sends_total",
			Help:      "Messages published by transport clients.",
		}, []string{"kind", "result"}),
		clientReconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "reconnects_total",
			Help:      "Reconnect attempts by transport clients.",
		}, []string{"result"}),
		clientsOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "online",
			Help:      "Transport clients currently online.",
		}),
		trackerOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tracker",
			Name:      "outcomes_total",
			Help:      "Finished multicast requests by outcome.",
		}, []string{"outcome"}),
		trackerLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "tracker",
			Name:      "duration_seconds",
			Help:      "Time from send until a multicast request finished.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		routerDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "dispatched_total",
			Help:      "Inbound envelopes dispatched by lane and destination.",
		}, []string{"lane", "target"}),
		routerDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "dropped_total",
			Help:      "Unclaimed acknowledgements dropped by the router.",
		}),
		routerDecodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "decode_errors_total",
			Help:      "Inbound messages that could not be decoded.",
		}),
		routerBindings: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "session_bindings",
			Help:      "Current session to module bindings.",
		}),
		allocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "allocations_total",
			Help:      "Module allocation attempts by module type and result.",
		}, []string{"module", "result"}),
	}

	if reg != nil {
		reg.MustRegister(
			c.clientSends, c.clientReconnects, c.clientsOnline,
			c.trackerOutcomes, c.trackerLatency,
			c.routerDispatched, c.routerDropped, c.routerDecodeErrors, c.routerBindings,
			c.allocations,
		)
	}
	return c
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// RecordSend counts one publish on a queue or topic
func (c *Collectors) RecordSend(kind string, err error) {
	if c == nil {
		return
	}
	c.clientSends.WithLabelValues(kind, result(err)).Inc()
}

// RecordReconnect counts one reconnect attempt
func (c *Collectors) RecordReconnect(err error) {
	if c == nil {
		return
	}
	c.clientReconnects.WithLabelValues(result(err)).Inc()
}

// ClientOnline adjusts the online client gauge
func (c *Collectors) ClientOnline(online bool) {
	if c == nil {
		return
	}
	if online {
		c.clientsOnline.Inc()
	} else {
		c.clientsOnline.Dec()
	}
}

// RecordTracker counts a finished multicast request
func (c *Collectors) RecordTracker(outcome string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.trackerOutcomes.WithLabelValues(outcome).Inc()
	c.trackerLatency.Observe(elapsed.Seconds())
}

// RecordDispatch counts an inbound envelope handed to a tracker or the module
func (c *Collectors) RecordDispatch(lane, target string) {
	if c == nil {
		return
	}
	c.routerDispatched.WithLabelValues(lane, target).Inc()
}

// RecordDrop counts an unclaimed acknowledgement
func (c *Collectors) RecordDrop() {
	if c == nil {
		return
	}
	c.routerDropped.Inc()
}

// RecordDecodeError counts an undecodable inbound message
func (c *Collectors) RecordDecodeError() {
	if c == nil {
		return
	}
	c.routerDecodeErrors.Inc()
}

// SetBindings sets the session binding gauge
func (c *Collectors) SetBindings(n int) {
	if c == nil {
		return
	}
	c.routerBindings.Set(float64(n))
}

// RecordAllocation counts an allocation attempt for a module type
func (c *Collectors) RecordAllocation(module string, granted bool) {
	if c == nil {
		return
	}
	res := "granted"
	if !granted {
		res = "denied"
	}
	c.allocations.WithLabelValues(module, res).Inc()
}

// Server serves a registry over HTTP
type Server struct {
	srv *http.Server
}

// NewServer creates a metrics server for reg at addr and path
func NewServer(addr, path string, reg *prometheus.Registry) *Server {
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	return &Server{srv: &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}}
}

// Serve blocks until ctx is done or the listener fails
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	}
}
