package location

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// metrics counts swap outcomes.
type metrics struct {
	swaps                   atomic.Int64
	noSwaps                 atomic.Int64
	startedSwaps            atomic.Int64
	rejectedAlreadyLocked   atomic.Int64
	rejectedNowhereToGo     atomic.Int64
	rejectedRateLimit       atomic.Int64
	rejectedLoop            atomic.Int64
	rejectedRecognizedID    atomic.Int64
	remotePeerLocationsSeen atomic.Int64
}

// MetricsSnapshot is a copy of the swap counters.
type MetricsSnapshot struct {
	Swaps                   int64 `json:"swaps"`
	NoSwaps                 int64 `json:"no_swaps"`
	StartedSwaps            int64 `json:"started_swaps"`
	RejectedAlreadyLocked   int64 `json:"rejected_already_locked"`
	RejectedNowhereToGo     int64 `json:"rejected_nowhere_to_go"`
	RejectedRateLimit       int64 `json:"rejected_rate_limit"`
	RejectedLoop            int64 `json:"rejected_loop"`
	RejectedRecognizedID    int64 `json:"rejected_recognized_id"`
	RemotePeerLocationsSeen int64 `json:"remote_peer_locations_seen"`
}

func (m *metrics) snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Swaps:                   m.swaps.Load(),
		NoSwaps:                 m.noSwaps.Load(),
		StartedSwaps:            m.startedSwaps.Load(),
		RejectedAlreadyLocked:   m.rejectedAlreadyLocked.Load(),
		RejectedNowhereToGo:     m.rejectedNowhereToGo.Load(),
		RejectedRateLimit:       m.rejectedRateLimit.Load(),
		RejectedLoop:            m.rejectedLoop.Load(),
		RejectedRecognizedID:    m.rejectedRecognizedID.Load(),
		RemotePeerLocationsSeen: m.remotePeerLocationsSeen.Load(),
	}
}

var (
	swapOutcomeDesc = prometheus.NewDesc(
		"keynode_swap_outcomes_total",
		"Swap attempts by outcome.",
		[]string{"outcome"}, nil,
	)
	locationDesc = prometheus.NewDesc(
		"keynode_location",
		"Current location of this node on the unit circle.",
		nil, nil,
	)
	locChangeDesc = prometheus.NewDesc(
		"keynode_location_change_session",
		"Net signed distance moved since start.",
		nil, nil,
	)
	swapTimeDesc = prometheus.NewDesc(
		"keynode_average_swap_seconds",
		"Decaying average of swap durations.",
		nil, nil,
	)
	forwardedDesc = prometheus.NewDesc(
		"keynode_swap_chains_tracked",
		"Swap chains currently in the forwarding table.",
		nil, nil,
	)
	netSizeDesc = prometheus.NewDesc(
		"keynode_network_size_estimate",
		"Distinct remote locations seen within the retention window.",
		nil, nil,
	)
)

// Collector exports engine state to Prometheus.
type Collector struct {
	e *Engine
}

// NewCollector returns a collector reading from e.
func NewCollector(e *Engine) *Collector { return &Collector{e: e} }

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- swapOutcomeDesc
	ch <- locationDesc
	ch <- locChangeDesc
	ch <- swapTimeDesc
	ch <- forwardedDesc
	ch <- netSizeDesc
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.e.Metrics()
	for outcome, v := range map[string]int64{
		"swapped":                 s.Swaps,
		"not_swapped":             s.NoSwaps,
		"started":                 s.StartedSwaps,
		"rejected_already_locked": s.RejectedAlreadyLocked,
		"rejected_nowhere_to_go":  s.RejectedNowhereToGo,
		"rejected_rate_limit":     s.RejectedRateLimit,
		"rejected_loop":           s.RejectedLoop,
		"rejected_recognized_id":  s.RejectedRecognizedID,
	} {
		ch <- prometheus.MustNewConstMetric(swapOutcomeDesc, prometheus.CounterValue, float64(v), outcome)
	}
	ch <- prometheus.MustNewConstMetric(locationDesc, prometheus.GaugeValue, c.e.state.Location())
	ch <- prometheus.MustNewConstMetric(locChangeDesc, prometheus.GaugeValue, c.e.state.LocChangeSession())
	ch <- prometheus.MustNewConstMetric(swapTimeDesc, prometheus.GaugeValue, c.e.state.AverageSwapTime().Seconds())
	ch <- prometheus.MustNewConstMetric(forwardedDesc, prometheus.GaugeValue, float64(c.e.table.len()))
	ch <- prometheus.MustNewConstMetric(netSizeDesc, prometheus.GaugeValue, float64(c.e.known.Len()))
}
