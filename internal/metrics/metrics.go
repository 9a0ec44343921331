package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ActiveCallsProvider exposes the number of live call legs.
type ActiveCallsProvider interface {
	ActiveCallCount() int
}

// RegistrationCounter returns the number of live SIP bindings.
type RegistrationCounter interface {
	Count(ctx context.Context) (int64, error)
}

// ProxyStatusEntry describes one outbound proxy slot for metrics.
type ProxyStatusEntry struct {
	URI         string
	Active      bool
	FailedCalls int
}

// ProxyStatusProvider exposes the primary and fallback proxy state.
type ProxyStatusProvider interface {
	ProxyStatuses() []ProxyStatusEntry
	SwitchCount() int64
}

// CallVolumeCounter returns processed call counts grouped by direction.
type CallVolumeCounter interface {
	CountByDirection(ctx context.Context) (map[string]int64, error)
}

// Collector is a prometheus.Collector that gathers VoxBridge metrics at scrape time.
type Collector struct {
	activeCalls   ActiveCallsProvider
	registrations RegistrationCounter
	proxies       ProxyStatusProvider
	calls         CallVolumeCounter
	startTime     time.Time

	// Metric descriptors.
	activeCallsDesc   *prometheus.Desc
	registrationsDesc *prometheus.Desc
	proxyStatusDesc   *prometheus.Desc
	proxyFailuresDesc *prometheus.Desc
	proxySwitchesDesc *prometheus.Desc
	callsTotalDesc    *prometheus.Desc
	uptimeDesc        *prometheus.Desc
}

// NewCollector creates a new metrics collector. Any provider may be nil if unavailable.
func NewCollector(
	activeCalls ActiveCallsProvider,
	registrations RegistrationCounter,
	proxies ProxyStatusProvider,
	calls CallVolumeCounter,
	startTime time.Time,
) *Collector {
	return &Collector{
		activeCalls:   activeCalls,
		registrations: registrations,
		proxies:       proxies,
		calls:         calls,
		startTime:     startTime,

		activeCallsDesc: prometheus.NewDesc(
			"voxbridge_active_calls",
			"Number of currently active call legs (ringing + answered)",
			nil, nil,
		),
		registrationsDesc: prometheus.NewDesc(
			"voxbridge_registered_clients",
			"Number of currently registered SIP bindings",
			nil, nil,
		),
		proxyStatusDesc: prometheus.NewDesc(
			"voxbridge_proxy_active",
			"Outbound proxy slot state (1=active, 0=standby)",
			[]string{"uri"}, nil,
		),
		proxyFailuresDesc: prometheus.NewDesc(
			"voxbridge_proxy_failed_calls",
			"Consecutive failed calls counted against the active proxy",
			[]string{"uri"}, nil,
		),
		proxySwitchesDesc: prometheus.NewDesc(
			"voxbridge_proxy_switches_total",
			"Total number of proxy failover switches since start",
			nil, nil,
		),
		callsTotalDesc: prometheus.NewDesc(
			"voxbridge_calls_total",
			"Total number of calls processed (from call records)",
			[]string{"direction"}, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"voxbridge_uptime_seconds",
			"Seconds since the VoxBridge process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeCallsDesc
	ch <- c.registrationsDesc
	ch <- c.proxyStatusDesc
	ch <- c.proxyFailuresDesc
	ch <- c.proxySwitchesDesc
	ch <- c.callsTotalDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Active call legs gauge.
	if c.activeCalls != nil {
		ch <- prometheus.MustNewConstMetric(
			c.activeCallsDesc, prometheus.GaugeValue,
			float64(c.activeCalls.ActiveCallCount()),
		)
	}

	// Registered bindings gauge.
	if c.registrations != nil {
		count, err := c.registrations.Count(ctx)
		if err != nil {
			slog.Error("metrics: failed to count registrations", "error", err)
		} else {
			ch <- prometheus.MustNewConstMetric(
				c.registrationsDesc, prometheus.GaugeValue,
				float64(count),
			)
		}
	}

	// Proxy slot gauges, one pair per configured URI.
	if c.proxies != nil {
		for _, p := range c.proxies.ProxyStatuses() {
			val := 0.0
			if p.Active {
				val = 1.0
			}
			ch <- prometheus.MustNewConstMetric(
				c.proxyStatusDesc, prometheus.GaugeValue, val, p.URI,
			)
			ch <- prometheus.MustNewConstMetric(
				c.proxyFailuresDesc, prometheus.GaugeValue,
				float64(p.FailedCalls), p.URI,
			)
		}
		ch <- prometheus.MustNewConstMetric(
			c.proxySwitchesDesc, prometheus.CounterValue,
			float64(c.proxies.SwitchCount()),
		)
	}

	// Call volume counters by direction.
	if c.calls != nil {
		counts, err := c.calls.CountByDirection(ctx)
		if err != nil {
			slog.Error("metrics: failed to count calls by direction", "error", err)
		} else {
			for _, dir := range []string{"inbound", "outbound", "client"} {
				ch <- prometheus.MustNewConstMetric(
					c.callsTotalDesc, prometheus.CounterValue,
					float64(counts[dir]), dir,
				)
			}
		}
	}

	// Uptime.
	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}
