package observability

import (
	"time"
)

// The methods below let one Collector serve as the metrics recorder of the
// topology, the handover scheduler and the command router. All of them are
// safe on a nil receiver.

// SetTopologySize updates the node and link gauges.
func (c *Collector) SetTopologySize(nodes, links, linksUp int) {
	if c == nil {
		return
	}
	c.Nodes.Set(float64(nodes))
	c.Links.Set(float64(links))
	c.LinksUp.Set(float64(linksUp))
}

// ObserveLinkTransition counts a link changing administrative state.
func (c *Collector) ObserveLinkTransition(link string, up bool) {
	if c == nil {
		return
	}
	state := "down"
	if up {
		state = "up"
	}
	c.LinkTransitions.WithLabelValues(link, state).Inc()
}

// ObserveProfileApplied counts a profile pushed to the substrate.
func (c *Collector) ObserveProfileApplied(link string) {
	if c == nil {
		return
	}
	c.ProfileApplications.WithLabelValues(link).Inc()
}

// ObserveDaemonStart records how long a daemon took to become ready.
func (c *Collector) ObserveDaemonStart(_ string, d time.Duration, err error) {
	if c == nil {
		return
	}
	if err != nil {
		c.DaemonStartFailures.Inc()
		return
	}
	c.DaemonStartDuration.Observe(d.Seconds())
}

// ObserveHandoverEvent counts a fired scheduled event.
func (c *Collector) ObserveHandoverEvent(_ string, err error) {
	if c == nil {
		return
	}
	outcome := "applied"
	if err != nil {
		outcome = "failed"
	}
	c.HandoverEvents.WithLabelValues(outcome).Inc()
}

// SetHandoverPending updates the pending event gauge.
func (c *Collector) SetHandoverPending(n int) {
	if c == nil {
		return
	}
	c.HandoverPending.Set(float64(n))
}

// ObserveDispatch records one dispatched command. A non-zero exit status is
// an outcome of its own, distinct from failing to run the command at all.
func (c *Collector) ObserveDispatch(command string, exitCode int, d time.Duration, err error) {
	if c == nil {
		return
	}
	outcome := "ok"
	switch {
	case err != nil:
		outcome = "error"
	case exitCode != 0:
		outcome = "nonzero"
	}
	c.Dispatches.WithLabelValues(command, outcome).Inc()
	c.DispatchDuration.WithLabelValues(command).Observe(d.Seconds())
}
