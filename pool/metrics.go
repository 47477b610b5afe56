package pool

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	submitted prometheus.Counter
	processed prometheus.Counter
	failed    prometheus.Counter
	dropped   prometheus.Counter
	aborted   prometheus.Counter
	duration  *prometheus.HistogramVec
}

func newMetrics(reg prometheus.Registerer, prefix string, p *Pool) (*metrics, error) {
	m := &metrics{}
	var err error

	if _, err = register(reg, prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: prefix + "_queue_depth",
		Help: "Current worker pool queue depth",
	}, func() float64 { return float64(len(p.queue)) })); err != nil {
		return nil, err
	}
	if _, err = register(reg, prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: prefix + "_active_workers",
		Help: "Workers currently running a job",
	}, func() float64 { return float64(p.active.Load()) })); err != nil {
		return nil, err
	}

	counters := []struct {
		dst  *prometheus.Counter
		name string
		help string
	}{
		{&m.submitted, "_submitted_total", "Total jobs submitted"},
		{&m.processed, "_processed_total", "Total jobs processed"},
		{&m.failed, "_failed_total", "Total jobs that returned an error"},
		{&m.dropped, "_dropped_total", "Total jobs rejected because the queue was full"},
		{&m.aborted, "_aborted_total", "Total queued jobs aborted by shutdown"},
	}
	for _, c := range counters {
		if *c.dst, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + c.name,
			Help: c.help,
		})); err != nil {
			return nil, err
		}
	}

	if m.duration, err = register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    prefix + "_processing_duration_seconds",
		Help:    "Time spent running jobs",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 5.0},
	}, []string{"status"})); err != nil {
		return nil, err
	}
	return m, nil
}

// register adds c to reg, reusing an identical collector that is already registered.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		var zero C
		return zero, fmt.Errorf("register collector: %w", err)
	}
	return c, nil
}
