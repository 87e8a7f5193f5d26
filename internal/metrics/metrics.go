package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Printer population metrics
	PrintersAttached = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "conveyor_printers_attached",
			Help: "Number of printers currently attached and published to the registry",
		},
	)

	PrintersBlacklisted = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "conveyor_printers_blacklisted",
			Help: "Number of ports currently suppressed by the attach blacklist",
		},
	)

	AttachEventsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "conveyor_attach_events_total",
			Help: "Total number of printer attach events observed by the detector",
		},
	)

	DetachEventsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "conveyor_detach_events_total",
			Help: "Total number of printer detach events observed by the detector",
		},
	)

	DetectorCycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "conveyor_detector_cycle_duration_seconds",
			Help:    "Time taken for one detector poll/diff/publish iteration",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Job queue and execution metrics
	QueuedJobs = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "conveyor_queued_jobs",
			Help: "Number of jobs queued per printer",
		},
		[]string{"port_id"},
	)

	JobsStartedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conveyor_jobs_started_total",
			Help: "Total number of jobs started by mode",
		},
		[]string{"mode"},
	)

	JobsEndedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conveyor_jobs_ended_total",
			Help: "Total number of jobs reaching a terminal state, by outcome",
		},
		[]string{"mode", "outcome"},
	)

	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "conveyor_job_duration_seconds",
			Help:    "Wall-clock time from pipeline start to terminal state, by mode",
			Buckets: []float64{1, 5, 15, 30, 60, 300, 900, 1800, 3600, 7200},
		},
		[]string{"mode"},
	)

	// Recipe planning metrics
	RecipePlanDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "conveyor_recipe_plan_duration_seconds",
			Help:    "Time taken to classify a job and build its task pipeline",
			Buckets: prometheus.DefBuckets,
		},
	)

	SliceDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "conveyor_slice_duration_seconds",
			Help:    "Time taken for a single slicer subprocess invocation",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
	)

	PlanErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conveyor_plan_errors_total",
			Help: "Total number of recipe planning failures by error kind",
		},
		[]string{"kind"},
	)

	// Streaming metrics
	BytesStreamedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conveyor_bytes_streamed_total",
			Help: "Total toolpath bytes streamed to hardware",
		},
		[]string{"port_id"},
	)

	TemperaturePollsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "conveyor_temperature_polls_total",
			Help: "Total number of temperature poll cycles performed by printer workers",
		},
	)
)

func init() {
	prometheus.MustRegister(PrintersAttached)
	prometheus.MustRegister(PrintersBlacklisted)
	prometheus.MustRegister(AttachEventsTotal)
	prometheus.MustRegister(DetachEventsTotal)
	prometheus.MustRegister(DetectorCycleDuration)

	prometheus.MustRegister(QueuedJobs)
	prometheus.MustRegister(JobsStartedTotal)
	prometheus.MustRegister(JobsEndedTotal)
	prometheus.MustRegister(JobDuration)

	prometheus.MustRegister(RecipePlanDuration)
	prometheus.MustRegister(SliceDuration)
	prometheus.MustRegister(PlanErrorsTotal)

	prometheus.MustRegister(BytesStreamedTotal)
	prometheus.MustRegister(TemperaturePollsTotal)
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer times a single operation and reports it to a histogram.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time to a labeled histogram.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}
