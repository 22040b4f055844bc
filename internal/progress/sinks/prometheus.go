package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/catalog-harvester/internal/progress"
)

// PrometheusSink exports harvest progress. It owns the job and item
// collectors so a registry can be scoped per process or per test.
type PrometheusSink struct {
	jobsStarted   prometheus.Counter
	jobsRunning   prometheus.Gauge
	jobsCompleted *prometheus.CounterVec
	jobPhase      *prometheus.GaugeVec

	itemsDiscovered prometheus.Gauge
	itemsFinished   *prometheus.CounterVec
	payloadBytes    prometheus.Counter
	itemDuration    *prometheus.HistogramVec
}

// NewPrometheusSink registers the collectors against reg.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		jobsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvester_progress_jobs_started_total",
			Help: "Jobs that have started.",
		}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "harvester_progress_jobs_running",
			Help: "Jobs currently running.",
		}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_progress_jobs_completed_total",
			Help: "Jobs that reached a terminal state, partitioned by result.",
		}, []string{"result"}),
		jobPhase: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "harvester_progress_job_phase",
			Help: "Set to 1 for the state the current job is in.",
		}, []string{"state"}),
		itemsDiscovered: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "harvester_progress_items_discovered",
			Help: "Items discovered by the current job.",
		}),
		itemsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_progress_items_finished_total",
			Help: "Finalized items partitioned by status and failure kind.",
		}, []string{"status", "kind"}),
		payloadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvester_progress_payload_bytes_total",
			Help: "Payload bytes committed to disk.",
		}),
		itemDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "harvester_progress_item_duration_seconds",
			Help:    "Wall time per item, partitioned by status.",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"status"}),
	}
	for _, collector := range []prometheus.Collector{
		s.jobsStarted,
		s.jobsRunning,
		s.jobsCompleted,
		s.jobPhase,
		s.itemsDiscovered,
		s.itemsFinished,
		s.payloadBytes,
		s.itemDuration,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageJobStart:
		s.jobsStarted.Inc()
		s.jobsRunning.Inc()
		s.itemsDiscovered.Set(0)
	case progress.StagePhase:
		s.jobPhase.Reset()
		s.jobPhase.WithLabelValues(evt.State).Set(1)
		if evt.Total > 0 {
			s.itemsDiscovered.Set(float64(evt.Total))
		}
	case progress.StageItemDone:
		s.itemsFinished.WithLabelValues("succeeded", "").Inc()
		if evt.Bytes > 0 {
			s.payloadBytes.Add(float64(evt.Bytes))
		}
		s.itemDuration.WithLabelValues("succeeded").Observe(evt.Dur.Seconds())
	case progress.StageItemError:
		s.itemsFinished.WithLabelValues("failed", evt.Kind).Inc()
		s.itemDuration.WithLabelValues("failed").Observe(evt.Dur.Seconds())
	case progress.StageJobDone:
		s.finishJob("summarized")
	case progress.StageJobAbort:
		s.finishJob("aborted")
	}
}

func (s *PrometheusSink) finishJob(result string) {
	s.jobsCompleted.WithLabelValues(result).Inc()
	s.jobsRunning.Dec()
	s.jobPhase.Reset()
	s.jobPhase.WithLabelValues(result).Set(1)
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
