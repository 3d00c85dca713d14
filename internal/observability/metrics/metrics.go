// Package metrics exports task lifecycle events as Prometheus collectors.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ticklane/internal/eventbus"
	"ticklane/internal/task/engine"
	"ticklane/internal/task/scheduler"
)

const namespace = "ticklane"

// Collector owns a private registry fed from the event bus.
type Collector struct {
	reg *prometheus.Registry
	ch  <-chan eventbus.Event
	end func()

	runs       *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	queueDelay *prometheus.HistogramVec
	inFlight   *prometheus.GaugeVec
	deferred   *prometheus.CounterVec
	clamped    *prometheus.CounterVec
	disabled   *prometheus.GaugeVec
}

// New registers the collectors. snap, when non-nil, backs gauges read at
// scrape time (armed tasks, lane queue, bus drops).
func New(bus eventbus.Bus, snap func() scheduler.Snapshot) *Collector {
	c := &Collector{
		reg: prometheus.NewRegistry(),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_runs_total",
			Help:      "Finished or dropped dispatches by outcome.",
		}, []string{"task", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_run_duration_seconds",
			Help:      "Execution time of task bodies.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
		}, []string{"task"}),
		queueDelay: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_start_delay_seconds",
			Help:      "Delay between the due time and the actual start.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"task"}),
		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "task_in_flight",
			Help:      "Runs currently executing.",
		}, []string{"task"}),
		deferred: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_deferred_total",
			Help:      "Runs that waited for the sequential lane or a pool slot.",
		}, []string{"task"}),
		clamped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_due_clamped_total",
			Help:      "Due times clamped to now (clock rollback or trigger failure).",
		}, []string{"task", "reason"}),
		disabled: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "task_disabled",
			Help:      "1 when the task's trigger can no longer produce a due time.",
		}, []string{"task"}),
	}
	c.reg.MustRegister(c.runs, c.duration, c.queueDelay, c.inFlight, c.deferred, c.clamped, c.disabled)
	c.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	c.reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "eventbus_dropped_total",
		Help:      "Events not delivered because a subscriber was full.",
	}, func() float64 { return float64(bus.Dropped()) }))
	if snap != nil {
		c.reg.MustRegister(
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "scheduler_armed_tasks",
				Help:      "Tasks waiting in the due-time heap.",
			}, func() float64 { return float64(snap().Armed) }),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "lane_queue_length",
				Help:      "Sequential runs waiting for the lane.",
			}, func() float64 { return float64(len(snap().Engine.LaneQueue)) }),
		)
	}
	c.ch, c.end = bus.Subscribe(512, "task.")
	return c
}

func (c *Collector) Registry() *prometheus.Registry { return c.reg }

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{Registry: c.reg})
}

// Run consumes events until ctx is done.
func (c *Collector) Run(ctx context.Context) error {
	defer c.end()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-c.ch:
			c.observe(ev)
		}
	}
}

func (c *Collector) observe(ev eventbus.Event) {
	switch d := ev.Data.(type) {
	case engine.TaskEvent:
		switch ev.Type {
		case eventbus.TaskStarted:
			c.inFlight.WithLabelValues(d.Name).Inc()
			c.queueDelay.WithLabelValues(d.Name).Observe(d.QueueDelay.Seconds())
			if d.Deferred {
				c.deferred.WithLabelValues(d.Name).Inc()
			}
		case eventbus.TaskSucceeded, eventbus.TaskFailed, eventbus.TaskCancelled:
			c.inFlight.WithLabelValues(d.Name).Dec()
			c.duration.WithLabelValues(d.Name).Observe(d.Duration.Seconds())
			c.runs.WithLabelValues(d.Name, ev.Type[len("task."):]).Inc()
		case eventbus.TaskDropped:
			c.runs.WithLabelValues(d.Name, "dropped").Inc()
		}
	case scheduler.DueEvent:
		switch ev.Type {
		case eventbus.TaskClamped:
			c.clamped.WithLabelValues(d.Name, d.Reason).Inc()
		case eventbus.TaskDisabled:
			c.disabled.WithLabelValues(d.Name).Set(1)
		}
	}
}
