package task

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricSink receives per-task observations. Implementations must be safe
// for concurrent use.
type MetricSink interface {
	ObserveDuration(task string, seconds float64)
	AddRows(task string, in, out int)
	AddBytes(task string, n int64)
	CountRun(task, status string)
}

// NopSink discards everything.
type NopSink struct{}

func (NopSink) ObserveDuration(string, float64) {}
func (NopSink) AddRows(string, int, int)        {}
func (NopSink) AddBytes(string, int64)          {}
func (NopSink) CountRun(string, string)         {}

// PromSink exports task metrics to a prometheus registry.
type PromSink struct {
	duration *prometheus.HistogramVec
	rowsIn   *prometheus.CounterVec
	rowsOut  *prometheus.CounterVec
	bytesOut *prometheus.CounterVec
	runs     *prometheus.CounterVec
}

// NewPromSink registers the task metric family on reg.
func NewPromSink(reg prometheus.Registerer) *PromSink {
	s := &PromSink{
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "champion_task_duration_seconds",
			Help:    "Per-attempt task execution time.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2.5, 12),
		}, []string{"task"}),
		rowsIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "champion_task_rows_in_total",
			Help: "Rows consumed by tasks.",
		}, []string{"task"}),
		rowsOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "champion_task_rows_out_total",
			Help: "Rows emitted by tasks.",
		}, []string{"task"}),
		bytesOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "champion_task_bytes_out_total",
			Help: "Bytes written by tasks.",
		}, []string{"task"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "champion_task_runs_total",
			Help: "Task completions by final status.",
		}, []string{"task", "status"}),
	}
	reg.MustRegister(s.duration, s.rowsIn, s.rowsOut, s.bytesOut, s.runs)
	return s
}

func (s *PromSink) ObserveDuration(task string, seconds float64) {
	s.duration.WithLabelValues(task).Observe(seconds)
}

func (s *PromSink) AddRows(task string, in, out int) {
	s.rowsIn.WithLabelValues(task).Add(float64(in))
	s.rowsOut.WithLabelValues(task).Add(float64(out))
}

func (s *PromSink) AddBytes(task string, n int64) {
	s.bytesOut.WithLabelValues(task).Add(float64(n))
}

func (s *PromSink) CountRun(task, status string) {
	s.runs.WithLabelValues(task, status).Inc()
}

// TestSink records observations in memory for assertions.
type TestSink struct {
	mu        sync.Mutex
	Durations map[string][]float64
	RowsIn    map[string]int
	RowsOut   map[string]int
	Bytes     map[string]int64
	Runs      map[string]map[string]int
}

func NewTestSink() *TestSink {
	return &TestSink{
		Durations: map[string][]float64{},
		RowsIn:    map[string]int{},
		RowsOut:   map[string]int{},
		Bytes:     map[string]int64{},
		Runs:      map[string]map[string]int{},
	}
}

func (s *TestSink) ObserveDuration(task string, seconds float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Durations[task] = append(s.Durations[task], seconds)
}

func (s *TestSink) AddRows(task string, in, out int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.RowsIn[task] += in
	s.RowsOut[task] += out
}

func (s *TestSink) AddBytes(task string, n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Bytes[task] += n
}

func (s *TestSink) CountRun(task, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Runs[task] == nil {
		s.Runs[task] = map[string]int{}
	}
	s.Runs[task][status]++
}

// RunCount is a locked read for assertions.
func (s *TestSink) RunCount(task, status string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Runs[task][status]
}
