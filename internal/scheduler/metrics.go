package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/saltfish/paramsearch/internal/domain"
)

const metricsNamespace = "paramsearch"

// Metrics holds the engine's Prometheus collectors. A nil *Metrics records
// nothing.
type Metrics struct {
	JobsTotal       *prometheus.CounterVec
	JobDuration     *prometheus.HistogramVec
	JobBestFitness  *prometheus.HistogramVec
	JobTransitions  *prometheus.CounterVec
	FollowUpsQueued *prometheus.CounterVec
	StateSaves      *prometheus.CounterVec
	PlansFinished   *prometheus.CounterVec
	ActivePlans     prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		JobsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "engine",
			Name:      "jobs_total",
			Help:      "Finished jobs by status and tier",
		}, []string{"status", "tier"}),
		JobDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "engine",
			Name:      "job_duration_seconds",
			Help:      "Wall time of finished jobs by tier",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 14),
		}, []string{"tier"}),
		JobBestFitness: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "engine",
			Name:      "job_best_fitness",
			Help:      "Best fitness of completed jobs by tier",
			Buckets:   []float64{-1, 0, 0.5, 1, 1.5, 2, 3, 5},
		}, []string{"tier"}),
		JobTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "queue",
			Name:      "job_transitions_total",
			Help:      "Job status changes observed by the queue",
		}, []string{"from", "to"}),
		FollowUpsQueued: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "engine",
			Name:      "follow_ups_queued_total",
			Help:      "Follow-up jobs queued by target tier",
		}, []string{"tier"}),
		StateSaves: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "engine",
			Name:      "state_saves_total",
			Help:      "Plan state persistence attempts by result",
		}, []string{"result"}),
		PlansFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "engine",
			Name:      "plans_finished_total",
			Help:      "Plans that reached a terminal status",
		}, []string{"status"}),
		ActivePlans: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "engine",
			Name:      "active_plans",
			Help:      "Plans currently running or paused",
		}),
	}
}

func (m *Metrics) jobFinished(job *domain.Job) {
	if m == nil {
		return
	}
	tier := job.Tier.String()
	m.JobsTotal.WithLabelValues(job.Status.String(), tier).Inc()
	if !job.Status.IsTerminal() {
		return
	}
	m.JobDuration.WithLabelValues(tier).Observe(job.Duration().Seconds())
	if fitness, ok := job.BestFitness(); ok {
		m.JobBestFitness.WithLabelValues(tier).Observe(fitness)
	}
}

func (m *Metrics) transition(from, to string) {
	if m == nil {
		return
	}
	m.JobTransitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) followUpQueued(tier domain.ResolutionTier) {
	if m == nil {
		return
	}
	m.FollowUpsQueued.WithLabelValues(tier.String()).Inc()
}

func (m *Metrics) stateSaved(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.StateSaves.WithLabelValues(result).Inc()
}

func (m *Metrics) planFinished(status domain.PlanStatus) {
	if m == nil {
		return
	}
	m.PlansFinished.WithLabelValues(status.String()).Inc()
}

func (m *Metrics) setActivePlans(n int) {
	if m == nil {
		return
	}
	m.ActivePlans.Set(float64(n))
}
