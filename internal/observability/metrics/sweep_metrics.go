package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

const (
	SweepErrorTypeDeadlineExceeded = "deadline_exceeded"
	SweepErrorTypeDB               = "db"
	SweepErrorTypeBusinessRule     = "business_rule"
)

// SweepMetrics captures expiry sweep health signals.
type SweepMetrics struct {
	jobRuns        *prometheus.CounterVec
	jobDuration    *prometheus.HistogramVec
	jobErrors      *prometheus.CounterVec
	batchProcessed *prometheus.CounterVec
}

var (
	sweepMetricsOnce sync.Once
	sweepMetrics     *SweepMetrics
)

// Sweep returns the singleton sweep metrics registry.
func Sweep() *SweepMetrics {
	return SweepWithConfig(Config{})
}

// SweepWithConfig returns the singleton sweep metrics registry using config labels.
func SweepWithConfig(cfg Config) *SweepMetrics {
	sweepMetricsOnce.Do(func() {
		sweepMetrics = newSweepMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return sweepMetrics
}

// ResetSweepMetricsForTest resets the sweep metrics singleton for tests.
func ResetSweepMetricsForTest() {
	sweepMetricsOnce = sync.Once{}
	sweepMetrics = nil
}

func newSweepMetrics(registerer prometheus.Registerer, cfg Config) *SweepMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "keymint"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	jobRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "keymint_sweep_job_runs_total",
		Help:        "Expiry sweep runs by job name.",
		ConstLabels: constLabels,
	}, []string{"job"})
	jobDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "keymint_sweep_job_duration_seconds",
		Help:        "Expiry sweep latency to keep licenses from lingering past expiry.",
		Buckets:     []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		ConstLabels: constLabels,
	}, []string{"job"})
	jobErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "keymint_sweep_job_errors_total",
		Help:        "Expiry sweep errors by low-cardinality type.",
		ConstLabels: constLabels,
	}, []string{"job", "error_type"})
	batchProcessed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "keymint_sweep_batch_processed_total",
		Help:        "Licenses expired per sweep batch to gauge throughput.",
		ConstLabels: constLabels,
	}, []string{"job"})

	registerer.MustRegister(
		jobRuns,
		jobDuration,
		jobErrors,
		batchProcessed,
	)

	return &SweepMetrics{
		jobRuns:        jobRuns,
		jobDuration:    jobDuration,
		jobErrors:      jobErrors,
		batchProcessed: batchProcessed,
	}
}

// IncJobRun increments the run counter for a sweep job.
func (m *SweepMetrics) IncJobRun(job string) {
	if m == nil || m.jobRuns == nil {
		return
	}
	m.jobRuns.WithLabelValues(job).Inc()
}

// ObserveJobDuration records sweep job latency in seconds.
func (m *SweepMetrics) ObserveJobDuration(job string, duration time.Duration) {
	if m == nil || m.jobDuration == nil {
		return
	}
	m.jobDuration.WithLabelValues(job).Observe(duration.Seconds())
}

// IncJobError increments the sweep job error counter with classification.
func (m *SweepMetrics) IncJobError(job string, err error) {
	if m == nil || err == nil || m.jobErrors == nil {
		return
	}
	m.jobErrors.WithLabelValues(job, classifySweepError(err)).Inc()
}

// AddBatchProcessed increments the batch processed counter by count.
func (m *SweepMetrics) AddBatchProcessed(job string, count int) {
	if m == nil || count <= 0 || m.batchProcessed == nil {
		return
	}
	m.batchProcessed.WithLabelValues(job).Add(float64(count))
}

func classifySweepError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return SweepErrorTypeDeadlineExceeded
	}
	if isDBError(err) {
		return SweepErrorTypeDB
	}
	return SweepErrorTypeBusinessRule
}

func isDBError(err error) bool {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false
	}
	return errors.Is(err, gorm.ErrInvalidDB) ||
		errors.Is(err, gorm.ErrInvalidTransaction) ||
		errors.Is(err, gorm.ErrDuplicatedKey) ||
		errors.Is(err, gorm.ErrMissingWhereClause)
}
