package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"
)

func TestMetricsSuite(t *testing.T) {
	suite.Run(t, new(_metricsSuite))
}

type _metricsSuite struct {
	suite.Suite
}

func (s *_metricsSuite) TestTimer() {
	timer := NewTimer("xatm_test", "call", "call timer", []string{"op", "ret"})
	done := timer.Timer()
	done("commit", "ok")
	timer.Timer()("commit", "ok")
	timer.Timer()("commit", "err")

	s.Equal(2, testutil.CollectAndCount(timer.histogram))

	var nilTimer *Timer
	nilTimer.Timer()("commit", "ok")
}

func (s *_metricsSuite) TestGaugeAndCounter() {
	gauge := NewGaugeVec("xatm_test", "txn", "state", "transactions", []string{"state"})
	gauge.Inc("active")
	gauge.Inc("active")
	gauge.Dec("active")
	s.Equal(float64(1), testutil.ToFloat64(gauge.gauges.WithLabelValues("active")))

	counter := NewCounterVec("xatm_test", "outcome", "outcomes", []string{"outcome"})
	counter.Inc("COMMITTED")
	counter.Inc("COMMITTED")
	s.Equal(float64(2), testutil.ToFloat64(counter.counters.WithLabelValues("COMMITTED")))
}

func (s *_metricsSuite) TestDuplicateName() {
	NewCounterVec("xatm_test", "twice", "registered twice", nil)
	s.Panics(func() { NewCounterVec("xatm_test", "twice", "registered twice", nil) })
}
