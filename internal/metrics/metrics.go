// Package metrics exposes training progress as Prometheus metrics on a
// private registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"commgame/internal/model"
)

const namespace = "commgame"

// Recorder is safe for concurrent use. A nil *Recorder records nothing.
type Recorder struct {
	registry *prometheus.Registry

	steps          prometheus.Counter
	skipped        prometheus.Counter
	degeneracies   *prometheus.CounterVec
	rewardMean     prometheus.Gauge
	pairAccuracy   *prometheus.GaugeVec
	meanAccuracy   prometheus.Gauge
	devAccuracy    *prometheus.GaugeVec
	checkpoints    *prometheus.CounterVec
	speakerEntropy prometheus.Gauge
}

func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		steps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_total",
			Help:      "Optimizer steps applied.",
		}),
		skipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "skipped_steps_total",
			Help:      "Steps skipped because the loss or gradients were not finite.",
		}),
		degeneracies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_degeneracies_total",
			Help:      "Draws that fell back to the other edge category.",
		}, []string{"requested", "used"}),
		rewardMean: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "reward_mean",
			Help:      "Mean reward of the most recent training batch.",
		}),
		pairAccuracy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pair_accuracy",
			Help:      "Most recent evaluation accuracy per agent pair.",
		}, []string{"pair"}),
		meanAccuracy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "population_accuracy_mean",
			Help:      "Mean pairwise accuracy over the population.",
		}),
		devAccuracy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dev_accuracy",
			Help:      "Mean dev accuracy per split at the last evaluation.",
		}, []string{"split"}),
		checkpoints: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoints_total",
			Help:      "Population checkpoints written.",
		}, []string{"tag_kind"}),
		speakerEntropy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "speaker_entropy_mean",
			Help:      "Mean message entropy of the most recent training batch.",
		}),
	}
	r.registry.MustRegister(
		r.steps,
		r.skipped,
		r.degeneracies,
		r.rewardMean,
		r.pairAccuracy,
		r.meanAccuracy,
		r.devAccuracy,
		r.checkpoints,
		r.speakerEntropy,
	)
	return r
}

func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// Handler serves the registry in the Prometheus text format. A nil recorder
// answers 503.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("metrics not enabled"))
		})
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func (r *Recorder) ObserveStep(rewardMean, entropyMean float64) {
	if r == nil {
		return
	}
	r.steps.Inc()
	r.rewardMean.Set(rewardMean)
	r.speakerEntropy.Set(entropyMean)
}

func (r *Recorder) ObserveSkip() {
	if r == nil {
		return
	}
	r.skipped.Inc()
}

func (r *Recorder) ObserveDegeneracy(requested, used model.EdgeCategory) {
	if r == nil {
		return
	}
	r.degeneracies.WithLabelValues(string(requested), string(used)).Inc()
}

func (r *Recorder) ObserveAccuracy(entries []model.PairAccuracy, mean float64) {
	if r == nil {
		return
	}
	for _, e := range entries {
		r.pairAccuracy.WithLabelValues(e.Pair.String()).Set(e.Accuracy)
	}
	r.meanAccuracy.Set(mean)
}

func (r *Recorder) ObserveDevAccuracy(split model.Split, accuracy float64) {
	if r == nil {
		return
	}
	r.devAccuracy.WithLabelValues(string(split)).Set(accuracy)
}

// ObserveCheckpoint counts a save. kind is "latest" or "distinct".
func (r *Recorder) ObserveCheckpoint(kind string) {
	if r == nil {
		return
	}
	r.checkpoints.WithLabelValues(kind).Inc()
}
