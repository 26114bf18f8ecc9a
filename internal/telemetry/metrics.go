package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusSink mirrors a Progress snapshot onto a set of Prometheus
// gauges, following the NewXMetrics(registry) (*X, error) constructor
// shape used for metric groups in the richer example repo in the pack.
// It is optional: a Coordinator with no sink configured skips Observe
// entirely, so exporting metrics never becomes a requirement for a run.
type PrometheusSink struct {
	chunksTotal     *prometheus.GaugeVec
	chunkDurationMS prometheus.Gauge
}

// NewPrometheusSink registers the run's progress gauges against registry.
func NewPrometheusSink(registry prometheus.Registerer) (*PrometheusSink, error) {
	s := &PrometheusSink{
		chunksTotal: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ivrit_transcribe",
			Subsystem: "run",
			Name:      "chunks",
			Help:      "Number of chunks in each lifecycle state for the current run.",
		}, []string{"state"}),
		chunkDurationMS: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ivrit_transcribe",
			Subsystem: "run",
			Name:      "chunk_duration_ms_mean",
			Help:      "Mean per-chunk processing time in milliseconds for the current run.",
		}),
	}
	if err := registry.Register(s.chunksTotal); err != nil {
		return nil, err
	}
	if err := registry.Register(s.chunkDurationMS); err != nil {
		return nil, err
	}
	return s, nil
}

// Observe updates every gauge from a fresh Snapshot.
func (s *PrometheusSink) Observe(snap Snapshot) {
	if s == nil {
		return
	}
	s.chunksTotal.WithLabelValues("pending").Set(float64(snap.Pending))
	s.chunksTotal.WithLabelValues("running").Set(float64(snap.Running))
	s.chunksTotal.WithLabelValues("completed").Set(float64(snap.Completed))
	s.chunksTotal.WithLabelValues("failed").Set(float64(snap.Failed))
	s.chunksTotal.WithLabelValues("skipped").Set(float64(snap.Skipped))
	s.chunkDurationMS.Set(snap.MeanChunkMS)
}
