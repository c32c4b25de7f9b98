package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Timer measures elapsed wall-clock time for a single operation and reports
// it into a histogram once the operation completes.
type Timer struct {
	start time.Time
}

// NewTimer starts a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed duration into histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(t.Duration().Seconds())
}

// ObserveDurationVec records the elapsed duration into a histogram vector
// under the given label values.
func (t *Timer) ObserveDurationVec(histogramVec *prometheus.HistogramVec, labels ...string) {
	histogramVec.WithLabelValues(labels...).Observe(t.Duration().Seconds())
}
