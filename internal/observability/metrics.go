package observability

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// Collector bundles the emulator's Prometheus metrics: topology size and
// link activity, daemon startup, handover events, command dispatch and the
// control API.
type Collector struct {
	gatherer prometheus.Gatherer

	RPCRequests  *prometheus.CounterVec
	RPCDurations *prometheus.HistogramVec

	Nodes   prometheus.Gauge
	Links   prometheus.Gauge
	LinksUp prometheus.Gauge

	LinkTransitions     *prometheus.CounterVec
	ProfileApplications *prometheus.CounterVec

	DaemonStartDuration prometheus.Histogram
	DaemonStartFailures prometheus.Counter

	HandoverEvents  *prometheus.CounterVec
	HandoverPending prometheus.Gauge

	Dispatches       *prometheus.CounterVec
	DispatchDuration *prometheus.HistogramVec
}

// NewCollector registers the emulator metrics against reg, defaulting to
// the global Prometheus registry when nil. Registering twice against the
// same registry reuses the existing collectors.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}
	c := &Collector{gatherer: gatherer}
	var err error

	if c.RPCRequests, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "satnet_control_requests_total",
		Help: "Control API RPCs handled, labeled by service, method, and gRPC status code.",
	}, []string{"service", "method", "code"}), "satnet_control_requests_total"); err != nil {
		return nil, err
	}
	if c.RPCDurations, err = registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "satnet_control_request_duration_seconds",
		Help:    "Control API RPC latency in seconds.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	}, []string{"service", "method"}), "satnet_control_request_duration_seconds"); err != nil {
		return nil, err
	}

	if c.Nodes, err = registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "satnet_nodes",
		Help: "Emulated nodes currently running.",
	}), "satnet_nodes"); err != nil {
		return nil, err
	}
	if c.Links, err = registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "satnet_links",
		Help: "Emulated links currently present, up or down.",
	}), "satnet_links"); err != nil {
		return nil, err
	}
	if c.LinksUp, err = registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "satnet_links_up",
		Help: "Emulated links currently administratively up.",
	}), "satnet_links_up"); err != nil {
		return nil, err
	}

	if c.LinkTransitions, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "satnet_link_transitions_total",
		Help: "Link state transitions, labeled by link id and resulting state.",
	}, []string{"link", "state"}), "satnet_link_transitions_total"); err != nil {
		return nil, err
	}
	if c.ProfileApplications, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "satnet_profile_applications_total",
		Help: "Link profiles pushed to the substrate, labeled by link id.",
	}, []string{"link"}), "satnet_profile_applications_total"); err != nil {
		return nil, err
	}

	if c.DaemonStartDuration, err = registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "satnet_daemon_start_duration_seconds",
		Help:    "Time from launching a forwarding daemon to its control endpoint being ready.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8},
	}), "satnet_daemon_start_duration_seconds"); err != nil {
		return nil, err
	}
	if c.DaemonStartFailures, err = registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "satnet_daemon_start_failures_total",
		Help: "Forwarding daemons that failed to become ready.",
	}), "satnet_daemon_start_failures_total"); err != nil {
		return nil, err
	}

	if c.HandoverEvents, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "satnet_handover_events_total",
		Help: "Scheduled link events fired, labeled by outcome (applied, failed).",
	}, []string{"outcome"}), "satnet_handover_events_total"); err != nil {
		return nil, err
	}
	if c.HandoverPending, err = registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "satnet_handover_events_pending",
		Help: "Scheduled link events not yet fired.",
	}), "satnet_handover_events_pending"); err != nil {
		return nil, err
	}

	if c.Dispatches, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "satnet_dispatch_total",
		Help: "Operator commands dispatched to daemons, labeled by command and outcome (ok, nonzero, error).",
	}, []string{"command", "outcome"}), "satnet_dispatch_total"); err != nil {
		return nil, err
	}
	if c.DispatchDuration, err = registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "satnet_dispatch_duration_seconds",
		Help:    "Wall time of dispatched operator commands.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	}, []string{"command"}), "satnet_dispatch_duration_seconds"); err != nil {
		return nil, err
	}

	return c, nil
}

// Gatherer returns the gatherer the collector registered against.
func (c *Collector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// Handler exposes a ready-to-use /metrics handler.
func (c *Collector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// UnaryServerInterceptor records request counts and durations for unary RPCs.
func (c *Collector) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		if c == nil {
			return resp, err
		}

		fullMethod := ""
		if info != nil {
			fullMethod = info.FullMethod
		}
		service, method := SplitMethod(fullMethod)
		if c.RPCRequests != nil {
			c.RPCRequests.WithLabelValues(service, method, status.Code(err).String()).Inc()
		}
		if c.RPCDurations != nil {
			c.RPCDurations.WithLabelValues(service, method).Observe(time.Since(start).Seconds())
		}
		return resp, err
	}
}

// SplitMethod parses a fully-qualified gRPC method name into service and
// method components, returning "unknown" for parts it cannot find.
func SplitMethod(fullMethod string) (string, string) {
	if fullMethod == "" {
		return "unknown", "unknown"
	}
	parts := strings.Split(strings.TrimPrefix(fullMethod, "/"), "/")
	if len(parts) < 2 {
		return "unknown", "unknown"
	}
	service := parts[len(parts)-2]
	method := parts[len(parts)-1]
	if dot := strings.LastIndex(service, "."); dot >= 0 && dot+1 < len(service) {
		service = service[dot+1:]
	}
	if service == "" {
		service = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	return service, method
}
