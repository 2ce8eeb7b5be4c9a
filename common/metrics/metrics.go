package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// latencyBuckets spans a page cache write to a stuck resource manager,
// 0.5ms to about 16s.
var latencyBuckets = prometheus.ExponentialBuckets(0.0005, 2, 16)

// Timer observes call latencies as a histogram named <name>_h.
type Timer struct {
	histogram *prometheus.HistogramVec
}

func NewTimer(namespace, metricName, help string, labels []string) *Timer {
	histogram := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      metricName + "_h",
		Help:      help + " (histogram)",
		Buckets:   latencyBuckets,
	}, labels)
	prometheus.MustRegister(histogram)
	return &Timer{histogram: histogram}
}

// Timer starts a measure, the returned function ends it with the label values.
//
//	defer func(timer func(...string)) {
//		timer("commit", operator.Result(err))
//	}(txnTimer.Timer())
func (t *Timer) Timer() func(values ...string) {
	if t == nil {
		return func(values ...string) {}
	}
	start := time.Now()
	return func(values ...string) {
		t.histogram.WithLabelValues(values...).Observe(time.Since(start).Seconds())
	}
}

// GaugeVec counts things currently in a state, <subsystem>_<name>_g.
type GaugeVec struct {
	gauges *prometheus.GaugeVec
}

func NewGaugeVec(namespace, subsystem, metricName, help string, labels []string) *GaugeVec {
	gauges := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      metricName + "_g",
		Help:      help + " (gauges)",
	}, labels)
	prometheus.MustRegister(gauges)
	return &GaugeVec{gauges: gauges}
}

func (g *GaugeVec) Inc(labels ...string) {
	g.gauges.WithLabelValues(labels...).Inc()
}

func (g *GaugeVec) Dec(labels ...string) {
	g.gauges.WithLabelValues(labels...).Dec()
}

// CounterVec counts events, <name>_c.
type CounterVec struct {
	counters *prometheus.CounterVec
}

func NewCounterVec(namespace, metricName, help string, labels []string) *CounterVec {
	counters := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      metricName + "_c",
		Help:      help + " (counters)",
	}, labels)
	prometheus.MustRegister(counters)
	return &CounterVec{counters: counters}
}

func (c *CounterVec) Inc(labels ...string) {
	c.counters.WithLabelValues(labels...).Inc()
}
