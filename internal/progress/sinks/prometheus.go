package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/revision-crawler/internal/progress"
)

// PrometheusSink exports run and record progress via Prometheus collectors.
type PrometheusSink struct {
	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runsRunning   prometheus.Gauge
	runDuration   *prometheus.HistogramVec

	records        *prometheus.CounterVec
	recordDuration *prometheus.HistogramVec
	changes        prometheus.Counter
	authRefreshes  *prometheus.CounterVec
	syncItems      *prometheus.CounterVec
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "revision_crawl_runs_started_total",
			Help: "Crawl runs that have started.",
		}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "revision_crawl_runs_completed_total",
			Help: "Crawl runs completed partitioned by result.",
		}, []string{"result"}),
		runsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "revision_crawl_runs_running",
			Help: "Crawl runs currently in progress.",
		}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "revision_crawl_run_duration_seconds",
			Help:    "Wall time per completed crawl run.",
			Buckets: []float64{10, 30, 60, 300, 900, 1800, 3600, 7200},
		}, []string{"result"}),
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "revision_crawl_records_total",
			Help: "Records crawled partitioned by outcome and failure kind.",
		}, []string{"outcome", "kind"}),
		recordDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "revision_crawl_record_duration_seconds",
			Help:    "Time spent crawling one record.",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"outcome"}),
		changes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "revision_crawl_changes_total",
			Help: "Change entries persisted across all records.",
		}),
		authRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "revision_crawl_auth_refresh_total",
			Help: "Forced re-logins triggered by expired sessions.",
		}, []string{"result"}),
		syncItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "revision_sync_items_total",
			Help: "Entities upserted by the hierarchy sync partitioned by level.",
		}, []string{"level"}),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.runsCompleted,
		s.runsRunning,
		s.runDuration,
		s.records,
		s.recordDuration,
		s.changes,
		s.authRefreshes,
		s.syncItems,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageRunStart:
			s.runsStarted.Inc()
			s.runsRunning.Inc()
		case progress.StageRunDone:
			s.finishRun(evt, "success")
		case progress.StageRunError:
			s.finishRun(evt, "error")
		case progress.StageRecordDone:
			s.records.WithLabelValues("success", "").Inc()
			s.changes.Add(float64(evt.Changes))
			s.observeRecord(evt, "success")
		case progress.StageRecordFailed:
			s.records.WithLabelValues("failed", evt.Kind).Inc()
			s.observeRecord(evt, "failed")
		case progress.StageAuthRefresh:
			result := evt.Kind
			if result == "" {
				result = "ok"
			}
			s.authRefreshes.WithLabelValues(result).Inc()
		case progress.StageSyncPage:
			s.syncItems.WithLabelValues(evt.Level).Add(float64(evt.Items))
		}
	}
	return nil
}

func (s *PrometheusSink) finishRun(evt progress.Event, result string) {
	s.runsCompleted.WithLabelValues(result).Inc()
	s.runsRunning.Dec()
	if evt.Dur > 0 {
		s.runDuration.WithLabelValues(result).Observe(evt.Dur.Seconds())
	}
}

func (s *PrometheusSink) observeRecord(evt progress.Event, outcome string) {
	if evt.Dur > 0 {
		s.recordDuration.WithLabelValues(outcome).Observe(evt.Dur.Seconds())
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
