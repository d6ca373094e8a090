// Package metrics registers (but does not serve) the Prometheus collectors
// named in spec.md's engine section, grounded on Edholm-qbit-service's
// promauto.NewCounter pattern. Mounting promhttp.Handler() against the
// default registry is a collaborator's HTTP-layer concern, out of scope
// here.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CyclesTotal counts completed cycles, labelled by whether the cycle
	// hit its target (|ratio-1| <= 0.03).
	CyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pacer_cycles_total",
			Help: "Completed tracker-announce cycles, labelled by hit/miss.",
		},
		[]string{"hit"},
	)

	// ReannouncesTotal counts forced reannounces, labelled by reason.
	ReannouncesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pacer_reannounces_total",
			Help: "Forced tracker reannounces, labelled by trigger reason.",
		},
		[]string{"reason"},
	)

	// OverspeedBrakesTotal counts hard safety-brake activations.
	OverspeedBrakesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pacer_overspeed_brakes_total",
			Help: "Times the overspeed safety brake capped a torrent to MIN_LIMIT.",
		},
	)

	// PacedTorrents is a gauge of the number of actively tracked
	// TorrentStates.
	PacedTorrents = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pacer_paced_torrents",
			Help: "Number of torrents currently tracked by the limit engine.",
		},
	)
)

// ObserveCycle records one completed cycle.
func ObserveCycle(hit bool) {
	label := "miss"
	if hit {
		label = "hit"
	}
	CyclesTotal.WithLabelValues(label).Inc()
}

// ObserveReannounce records one forced reannounce.
func ObserveReannounce(reason string) {
	ReannouncesTotal.WithLabelValues(reason).Inc()
}

// ObserveOverspeedBrake records one overspeed-brake activation.
func ObserveOverspeedBrake() {
	OverspeedBrakesTotal.Inc()
}

// SetPacedTorrents updates the active-torrent gauge.
func SetPacedTorrents(n int) {
	PacedTorrents.Set(float64(n))
}
