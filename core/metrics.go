package core

import "time"

// MetricsRecorder receives topology activity. observability.Collector
// implements it.
type MetricsRecorder interface {
	SetTopologySize(nodes, links, linksUp int)
	ObserveLinkTransition(link string, up bool)
	ObserveProfileApplied(link string)
	ObserveDaemonStart(node string, d time.Duration, err error)
}

type noopMetrics struct{}

func (noopMetrics) SetTopologySize(int, int, int)                   {}
func (noopMetrics) ObserveLinkTransition(string, bool)              {}
func (noopMetrics) ObserveProfileApplied(string)                    {}
func (noopMetrics) ObserveDaemonStart(string, time.Duration, error) {}

// StatusListener is told when nodes become ready and when the topology goes
// away. The control API health service implements it.
type StatusListener interface {
	NodeReady(node string)
	TopologyUp(name string)
	TopologyDown(nodes []string)
}
