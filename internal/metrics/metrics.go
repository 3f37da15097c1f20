// Package metrics records Prometheus metrics for dump and restore runs.
package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
)

const jobName = "sqlscript_backups"

// Recorder owns a private registry so a one-shot run can push exactly what it
// recorded.
type Recorder struct {
	registry *prometheus.Registry

	// OperationCount tracks backups and restores by outcome
	OperationCount *prometheus.CounterVec

	// OperationDuration measures time taken by a backup or restore
	OperationDuration *prometheus.HistogramVec

	// ScriptSize tracks the size of the last artifact in bytes
	ScriptSize *prometheus.GaugeVec

	// RowsDumped counts rows written into scripts
	RowsDumped *prometheus.CounterVec

	// StatementsReplayed counts statements executed by restores
	StatementsReplayed *prometheus.CounterVec

	// RetentionDeletes counts artifacts removed by the retention policy
	RetentionDeletes *prometheus.CounterVec

	// LastSuccessTimestamp records when a database last completed an operation
	LastSuccessTimestamp *prometheus.GaugeVec
}

func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Recorder{
		registry: reg,
		OperationCount: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sqlscript_operations_total",
			Help: "The total number of backups and restores performed",
		}, []string{"operation", "database", "status"}),
		OperationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sqlscript_operation_duration_seconds",
			Help:    "Time taken to perform a backup or restore",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation", "database"}),
		ScriptSize: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sqlscript_artifact_size_bytes",
			Help: "Size of the backup artifact in bytes",
		}, []string{"database"}),
		RowsDumped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sqlscript_rows_dumped_total",
			Help: "The total number of rows written into backup scripts",
		}, []string{"database"}),
		StatementsReplayed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sqlscript_statements_replayed_total",
			Help: "The total number of statements executed by restores",
		}, []string{"database"}),
		RetentionDeletes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sqlscript_retention_deletions_total",
			Help: "The total number of artifacts deleted by the retention policy",
		}, []string{"database"}),
		LastSuccessTimestamp: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sqlscript_last_success_timestamp",
			Help: "Timestamp of the last successful operation",
		}, []string{"operation", "database"}),
	}
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// ObserveBackup records one finished backup. size and rows are ignored on
// failure.
func (r *Recorder) ObserveBackup(database string, d time.Duration, size, rows int64, err error) {
	r.observe("backup", database, d, err)
	if err != nil {
		return
	}
	r.ScriptSize.WithLabelValues(database).Set(float64(size))
	r.RowsDumped.WithLabelValues(database).Add(float64(rows))
}

// ObserveRestore records one finished restore. Statements executed before a
// rollback are still counted.
func (r *Recorder) ObserveRestore(database string, d time.Duration, statements int, err error) {
	r.observe("restore", database, d, err)
	r.StatementsReplayed.WithLabelValues(database).Add(float64(statements))
}

func (r *Recorder) ObserveRetention(database string, deleted int) {
	r.RetentionDeletes.WithLabelValues(database).Add(float64(deleted))
}

func (r *Recorder) observe(op, database string, d time.Duration, err error) {
	r.OperationCount.WithLabelValues(op, database, status(err)).Inc()
	r.OperationDuration.WithLabelValues(op, database).Observe(d.Seconds())
	if err == nil {
		r.LastSuccessTimestamp.WithLabelValues(op, database).SetToCurrentTime()
	}
}

func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Push sends every metric to a Prometheus Pushgateway, grouped by run.
func (r *Recorder) Push(ctx context.Context, url, runID string) error {
	if url == "" {
		return nil
	}

	pusher := push.New(url, jobName).Gatherer(r.registry)
	if runID != "" {
		pusher = pusher.Grouping("run_id", runID)
	}
	if err := pusher.PushContext(ctx); err != nil {
		return fmt.Errorf("failed to push metrics: %w", err)
	}
	return nil
}
