package task

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	taskRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "atlas",
		Subsystem: "task",
		Name:      "runs_total",
		Help:      "Task executions by name and outcome.",
	}, []string{"task", "queue", "outcome"})

	taskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "atlas",
		Subsystem: "task",
		Name:      "duration_seconds",
		Help:      "Task wall time by name.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14),
	}, []string{"task"})

	queueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "atlas",
		Subsystem: "task",
		Name:      "queue_depth",
		Help:      "Tasks waiting per queue.",
	}, []string{"queue"})

	loopRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "atlas",
		Subsystem: "loop",
		Name:      "runs_total",
		Help:      "Control loop executions by name and outcome.",
	}, []string{"loop", "outcome"})
)

func observeTask(name, queue string, err error, elapsed time.Duration) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	taskRuns.WithLabelValues(name, queue, outcome).Inc()
	taskDuration.WithLabelValues(name).Observe(elapsed.Seconds())
}

func observeQueueDepth(queue string, depth int64) {
	queueDepth.WithLabelValues(queue).Set(float64(depth))
}

func observeLoop(name string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	loopRuns.WithLabelValues(name, outcome).Inc()
}
