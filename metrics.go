package mux

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	dispatchedBatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mux_dispatched_batches",
			Help: "Number of command buffers dispatched to hardware queues.",
		},
		[]string{"queue"},
	)
	batchedCommands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mux_batched_commands",
			Help: "Number of commands recorded, by batching decision.",
		},
		[]string{"queue", "decision"},
	)
	gatedCommands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mux_gated_commands",
			Help: "Number of commands held back by unresolved events.",
		},
		[]string{"queue"},
	)
	completedCommands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mux_completed_commands",
			Help: "Number of commands whose batch completed, by result.",
		},
		[]string{"queue", "result"},
	)

	muxCollectors = []prometheus.Collector{
		dispatchedBatches,
		batchedCommands,
		gatedCommands,
		completedCommands,
	}

	metricsOnce sync.Once
)

func initMetrics() {
	metricsOnce.Do(func() {
		prometheus.MustRegister(muxCollectors...)
	})
}

// forgetQueue deletes the series of a released queue.
func forgetQueue(label string) {
	dispatchedBatches.DeleteLabelValues(label)
	gatedCommands.DeleteLabelValues(label)
	for _, d := range []batchChoice{newBuffer, extendRecording, extendDependency} {
		batchedCommands.DeleteLabelValues(label, d.String())
	}
	for _, result := range []string{"success", "error"} {
		completedCommands.DeleteLabelValues(label, result)
	}
}
