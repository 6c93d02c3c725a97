// Package promsink counts run events in Prometheus metrics.
package promsink

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/fyrsmithlabs/graphd/pkg/event"
)

var (
	globalSink *Sink
	sinkOnce   sync.Once
)

// Sink implements event.Sink by updating counters.
//
// Metrics:
//   - graphd_events_total{kind} - events emitted per kind
//   - graphd_runs_finished_total{status} - runs reaching a terminal status
//   - graphd_step_cost_total - cost reported by completed steps
//   - graphd_approval_decisions_total{decision} - resolved approval requests
type Sink struct {
	EventsTotal            *prometheus.CounterVec
	RunsFinishedTotal      *prometheus.CounterVec
	StepCostTotal          prometheus.Counter
	ApprovalDecisionsTotal *prometheus.CounterVec
}

var _ event.Sink = (*Sink)(nil)

// Default returns the sink registered on the default Prometheus registry.
// It uses sync.Once so repeated calls do not register twice.
func Default() *Sink {
	sinkOnce.Do(func() {
		globalSink = New(prometheus.DefaultRegisterer)
	})
	return globalSink
}

// New registers the metrics on reg.
func New(reg prometheus.Registerer) *Sink {
	f := promauto.With(reg)
	return &Sink{
		EventsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "graphd_events_total",
				Help: "Total number of run lifecycle events emitted",
			},
			[]string{"kind"},
		),
		RunsFinishedTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "graphd_runs_finished_total",
				Help: "Total number of runs reaching a terminal status",
			},
			[]string{"status"},
		),
		StepCostTotal: f.NewCounter(
			prometheus.CounterOpts{
				Name: "graphd_step_cost_total",
				Help: "Total cost reported by completed steps",
			},
		),
		ApprovalDecisionsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "graphd_approval_decisions_total",
				Help: "Total number of resolved approval requests",
			},
			[]string{"decision"},
		),
	}
}

// Emit implements event.Sink.
func (s *Sink) Emit(_ context.Context, e event.Event) error {
	s.EventsTotal.WithLabelValues(string(e.Kind)).Inc()
	switch e.Kind {
	case event.StepCompleted:
		if e.Cost > 0 {
			s.StepCostTotal.Add(float64(e.Cost))
		}
	case event.ApprovalResolved:
		s.ApprovalDecisionsTotal.WithLabelValues(string(e.Decision)).Inc()
	case event.RunCompleted, event.RunFailed, event.RunCancelled:
		s.RunsFinishedTotal.WithLabelValues(string(e.Status)).Inc()
	}
	return nil
}
