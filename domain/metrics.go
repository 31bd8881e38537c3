package domain

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"strconv"
	"time"
)

var (
	syncDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sfcdomain_sync_duration_seconds",
		Help:    "Duration of domain syncs",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"rank"})

	syncTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sfcdomain_sync_total",
		Help: "Domain syncs by result",
	}, []string{"rank", "result"})

	ownedParticles = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sfcdomain_owned_particles",
		Help: "Particles owned by the rank after the last sync",
	}, []string{"rank"})

	haloParticles = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sfcdomain_halo_particles",
		Help: "Halo particles held by the rank after the last sync",
	}, []string{"rank"})

	globalLeaves = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sfcdomain_global_tree_leaves",
		Help: "Leaves of the global octree",
	}, []string{"rank"})

	focusLeaves = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sfcdomain_focus_tree_leaves",
		Help: "Leaves of the rank's focus tree",
	}, []string{"rank"})

	exchangedParticles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sfcdomain_exchanged_particles_total",
		Help: "Particles sent to other ranks by the global exchange",
	}, []string{"rank"})
)

type metrics struct {
	rank string
}

func newMetrics(rank int) metrics {
	return metrics{rank: strconv.Itoa(rank)}
}

func (m metrics) observeSync(start time.Time, err error) {
	syncDuration.WithLabelValues(m.rank).Observe(time.Since(start).Seconds())
	result := "ok"
	switch {
	case err == nil:
	case isCapacity(err):
		result = "capacity"
	default:
		result = "error"
	}
	syncTotal.WithLabelValues(m.rank, result).Inc()
}

func (m metrics) publish(d *Domain, sent int) {
	ownedParticles.WithLabelValues(m.rank).Set(float64(d.NParticles()))
	haloParticles.WithLabelValues(m.rank).Set(float64(d.NParticlesWithHalos() - d.NParticles()))
	globalLeaves.WithLabelValues(m.rank).Set(float64(len(d.counts)))
	focusLeaves.WithLabelValues(m.rank).Set(float64(d.focus.NumLeaves()))
	exchangedParticles.WithLabelValues(m.rank).Add(float64(sent))
}
