package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestUnaryInterceptorRecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewCollector(reg)
	if err != nil {
		t.Fatalf("NewCollector: %v", err)
	}

	interceptor := collector.UnaryServerInterceptor()
	info := &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}
	_, err = interceptor(context.Background(), struct{}{}, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("interceptor handler returned error: %v", err)
	}
	_, _ = interceptor(context.Background(), struct{}{}, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return nil, status.Error(codes.NotFound, "unknown service")
	})

	if got := testutil.ToFloat64(collector.RPCRequests.WithLabelValues("Health", "Check", "OK")); got != 1 {
		t.Fatalf("satnet_control_requests_total{OK} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(collector.RPCRequests.WithLabelValues("Health", "Check", "NotFound")); got != 1 {
		t.Fatalf("satnet_control_requests_total{NotFound} = %v, want 1", got)
	}
	if count := histogramSampleCount(t, reg, "satnet_control_request_duration_seconds", map[string]string{
		"service": "Health",
		"method":  "Check",
	}); count != 2 {
		t.Fatalf("satnet_control_request_duration_seconds sample_count = %d, want 2", count)
	}
}

func TestRecordersDriveSeries(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewCollector(reg)
	if err != nil {
		t.Fatalf("NewCollector: %v", err)
	}

	c.SetTopologySize(5, 6, 4)
	c.ObserveLinkTransition("g1-s2", true)
	c.ObserveLinkTransition("g1-s1", false)
	c.ObserveProfileApplied("g1-s2")
	c.ObserveProfileApplied("g1-s2")
	c.ObserveDaemonStart("s1", 150*time.Millisecond, nil)
	c.ObserveDaemonStart("s2", 0, errors.New("not ready"))
	c.ObserveHandoverEvent("g1-s1", nil)
	c.ObserveHandoverEvent("g2-s3", errors.New("boom"))
	c.SetHandoverPending(2)
	c.ObserveDispatch("cat", 0, 10*time.Millisecond, nil)
	c.ObserveDispatch("cat", 1, 10*time.Millisecond, nil)
	c.ObserveDispatch("put", 0, 0, errors.New("no such node"))

	checks := []struct {
		name string
		got  float64
		want float64
	}{
		{"satnet_nodes", testutil.ToFloat64(c.Nodes), 5},
		{"satnet_links_up", testutil.ToFloat64(c.LinksUp), 4},
		{"transitions up", testutil.ToFloat64(c.LinkTransitions.WithLabelValues("g1-s2", "up")), 1},
		{"transitions down", testutil.ToFloat64(c.LinkTransitions.WithLabelValues("g1-s1", "down")), 1},
		{"profile applications", testutil.ToFloat64(c.ProfileApplications.WithLabelValues("g1-s2")), 2},
		{"daemon failures", testutil.ToFloat64(c.DaemonStartFailures), 1},
		{"handover applied", testutil.ToFloat64(c.HandoverEvents.WithLabelValues("applied")), 1},
		{"handover failed", testutil.ToFloat64(c.HandoverEvents.WithLabelValues("failed")), 1},
		{"handover pending", testutil.ToFloat64(c.HandoverPending), 2},
		{"dispatch ok", testutil.ToFloat64(c.Dispatches.WithLabelValues("cat", "ok")), 1},
		{"dispatch nonzero", testutil.ToFloat64(c.Dispatches.WithLabelValues("cat", "nonzero")), 1},
		{"dispatch error", testutil.ToFloat64(c.Dispatches.WithLabelValues("put", "error")), 1},
	}
	for _, tc := range checks {
		if tc.got != tc.want {
			t.Fatalf("%s = %v, want %v", tc.name, tc.got, tc.want)
		}
	}
}

func TestNilCollectorIsSafe(t *testing.T) {
	var c *Collector
	c.SetTopologySize(1, 1, 1)
	c.ObserveLinkTransition("a-b", true)
	c.ObserveDispatch("cat", 0, 0, nil)
	if c.Gatherer() != nil {
		t.Fatalf("nil collector returned a gatherer")
	}
}

func TestNewCollectorReusesRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewCollector(reg)
	if err != nil {
		t.Fatalf("NewCollector: %v", err)
	}
	second, err := NewCollector(reg)
	if err != nil {
		t.Fatalf("second NewCollector: %v", err)
	}
	first.ObserveProfileApplied("a-b")
	if got := testutil.ToFloat64(second.ProfileApplications.WithLabelValues("a-b")); got != 1 {
		t.Fatalf("shared counter = %v, want 1", got)
	}
}

func TestMetricsHandlerExposesTopologyGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewCollector(reg)
	if err != nil {
		t.Fatalf("NewCollector: %v", err)
	}
	c.SetTopologySize(3, 4, 2)

	rr := httptest.NewRecorder()
	c.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("/metrics status = %d, want 200", rr.Code)
	}
	body := rr.Body.String()
	for _, line := range []string{"satnet_nodes 3", "satnet_links 4", "satnet_links_up 2"} {
		if !strings.Contains(body, line) {
			t.Fatalf("expected %q in /metrics output:\n%s", line, body)
		}
	}
}

func TestSplitMethod(t *testing.T) {
	service, method := SplitMethod("/grpc.health.v1.Health/Watch")
	if service != "Health" || method != "Watch" {
		t.Fatalf("SplitMethod = %s/%s, want Health/Watch", service, method)
	}
	service, method = SplitMethod("")
	if service != "unknown" || method != "unknown" {
		t.Fatalf("SplitMethod(\"\") = %s/%s", service, method)
	}
}

func histogramSampleCount(t *testing.T, gatherer prometheus.Gatherer, name string, labels map[string]string) uint64 {
	t.Helper()

	metrics, err := gatherer.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range metrics {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.Metric {
			if matchLabels(m.GetLabel(), labels) && m.GetHistogram() != nil {
				return m.GetHistogram().GetSampleCount()
			}
		}
	}
	return 0
}

func matchLabels(got []*dto.LabelPair, want map[string]string) bool {
	if len(got) < len(want) {
		return false
	}
	matched := 0
	for _, lp := range got {
		if val, ok := want[lp.GetName()]; ok && val == lp.GetValue() {
			matched++
		}
	}
	return matched == len(want)
}
