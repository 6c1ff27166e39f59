// Package metrics exports post-processing counters and latencies to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/nvr-ai/go-maskrcnn/models/postprocess"
)

// Namespace prefixes every metric name.
const Namespace = "maskrcnn"

// Collector records suppression and unmolding runs. It satisfies both
// postprocess.SuppressionObserver and postprocess.UnmoldObserver.
type Collector struct {
	suppressionRuns     *prometheus.CounterVec
	suppressionDuration *prometheus.HistogramVec
	suppressionInput    *prometheus.HistogramVec
	suppressionKept     *prometheus.HistogramVec

	unmoldRuns     prometheus.Counter
	unmoldDuration prometheus.Histogram
	unmoldDropped  prometheus.Counter
	unmoldKept     prometheus.Histogram
}

var (
	_ postprocess.SuppressionObserver = (*Collector)(nil)
	_ postprocess.UnmoldObserver      = (*Collector)(nil)
)

// NewCollector registers the metrics with reg. A nil reg uses the default
// registerer.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	boxBuckets := []float64{0, 1, 10, 50, 100, 500, 1000, 6000}

	return &Collector{
		suppressionRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "nms_runs_total",
				Help:      "Total number of suppression runs",
			},
			[]string{"strategy"},
		),
		suppressionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Name:      "nms_duration_seconds",
				Help:      "Suppression duration in seconds",
				Buckets:   prometheus.ExponentialBuckets(1e-5, 4, 10),
			},
			[]string{"strategy"},
		),
		suppressionInput: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Name:      "nms_input_boxes",
				Help:      "Number of boxes given to suppression",
				Buckets:   boxBuckets,
			},
			[]string{"strategy"},
		),
		suppressionKept: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Name:      "nms_kept_boxes",
				Help:      "Number of boxes kept by suppression",
				Buckets:   boxBuckets,
			},
			[]string{"strategy"},
		),
		unmoldRuns: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "unmold_runs_total",
			Help:      "Total number of unmolded images",
		}),
		unmoldDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "unmold_duration_seconds",
			Help:      "Unmold duration per image in seconds",
			Buckets:   prometheus.ExponentialBuckets(1e-4, 4, 10),
		}),
		unmoldDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "unmold_dropped_detections_total",
			Help:      "Total number of detections dropped as degenerate",
		}),
		unmoldKept: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "unmold_kept_detections",
			Help:      "Number of detections kept per image",
			Buckets:   []float64{0, 1, 5, 10, 25, 50, 100},
		}),
	}
}

// ObserveSuppression implements postprocess.SuppressionObserver.
func (c *Collector) ObserveSuppression(strategy postprocess.Strategy, in, kept int, elapsed time.Duration) {
	s := string(strategy)
	c.suppressionRuns.WithLabelValues(s).Inc()
	c.suppressionDuration.WithLabelValues(s).Observe(elapsed.Seconds())
	c.suppressionInput.WithLabelValues(s).Observe(float64(in))
	c.suppressionKept.WithLabelValues(s).Observe(float64(kept))
}

// ObserveUnmold implements postprocess.UnmoldObserver.
func (c *Collector) ObserveUnmold(in, kept int, elapsed time.Duration) {
	c.unmoldRuns.Inc()
	c.unmoldDuration.Observe(elapsed.Seconds())
	c.unmoldDropped.Add(float64(in - kept))
	c.unmoldKept.Observe(float64(kept))
}
