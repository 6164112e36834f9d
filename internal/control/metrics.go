package control

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/xkilldash9x/scenepilot/internal/driver"
)

const (
	metricsNamespace = "scenepilot"
	metricsSubsystem = "driver"
)

// Metrics exposes Prometheus collectors for commands and driver activity.
type Metrics struct {
	commands       *prometheus.CounterVec
	itemsCompleted prometheus.Counter
	retries        prometheus.Counter
	reloads        prometheus.Counter
	suspensions    prometheus.Counter
	wrongContext   prometheus.Counter
	running        prometheus.Gauge

	mu       sync.Mutex
	lastRun  string
	lastDone int
}

// MustNewMetrics builds the collectors and registers them with reg. Collectors
// already registered under the same name are reused; any other registration
// error panics.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	counter := func(name, help string) prometheus.Counter {
		return register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      name,
			Help:      help,
		}))
	}
	return &Metrics{
		commands: register(reg, prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "control",
				Name:      "commands_total",
				Help:      "Commands received by the control surface.",
			},
			[]string{"command", "outcome"},
		)),
		itemsCompleted: counter("items_completed_total", "Instructions submitted and confirmed by the driver."),
		retries:        counter("retries_total", "Step failures that were retried."),
		reloads:        counter("reloads_total", "Page reloads issued after step failures."),
		suspensions:    counter("suspensions_total", "Runs suspended after the retry budget ran out."),
		wrongContext:   counter("wrong_context_total", "Starts refused because the tab was not on the target page."),
		running: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "running",
			Help:      "1 while a run or queue is in progress.",
		})),
	}
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

// ObserveCommand counts one dispatched command.
func (m *Metrics) ObserveCommand(command, outcome string) {
	if m == nil || m.commands == nil {
		return
	}
	m.commands.WithLabelValues(command, outcome).Inc()
}

// Observe updates the collectors from one driver event.
func (m *Metrics) Observe(ev driver.Event) {
	if m == nil {
		return
	}
	switch ev.Type {
	case driver.EventProgress, driver.EventQueueProgress:
		if ev.Progress != nil {
			m.observeDone(ev.RunID, ev.Progress.Done)
		}
	case driver.EventRetry:
		m.retries.Inc()
	case driver.EventReload:
		m.reloads.Inc()
	case driver.EventSuspend:
		m.suspensions.Inc()
	case driver.EventWrongContext:
		m.wrongContext.Inc()
	case driver.EventStatus:
		switch ev.Status {
		case driver.StatusRunning, driver.StatusQueueRunning:
			m.running.Set(1)
		default:
			m.running.Set(0)
		}
	}
}

// observeDone counts the increase of a run's done counter since the last event
// for the same run.
func (m *Metrics) observeDone(runID string, done int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if runID != m.lastRun {
		m.lastRun = runID
		m.lastDone = done
		return
	}
	if done > m.lastDone {
		m.itemsCompleted.Add(float64(done - m.lastDone))
		m.lastDone = done
	}
}

// Run feeds events into the collectors until ctx is done or events closes.
func (m *Metrics) Run(ctx context.Context, events <-chan driver.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			m.Observe(ev)
		}
	}
}
