package btscan

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts search engine activity. Register one per index with
// NewMetrics and pass it through WithMetrics; a nil Metrics disables
// counting.
type Metrics struct {
	Descents     prometheus.Counter
	PagesRead    prometheus.Counter
	MoveRights   prometheus.Counter
	LeftRestarts prometheus.Counter
	PrimScans    prometheus.Counter
	TuplesKilled prometheus.Counter
}

// NewMetrics registers scan counters with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Descents: f.NewCounter(prometheus.CounterOpts{
			Namespace: "btscan",
			Name:      "descents_total",
			Help:      "Root-to-leaf descents performed.",
		}),
		PagesRead: f.NewCounter(prometheus.CounterOpts{
			Namespace: "btscan",
			Name:      "pages_read_total",
			Help:      "Leaf pages examined by scans.",
		}),
		MoveRights: f.NewCounter(prometheus.CounterOpts{
			Namespace: "btscan",
			Name:      "move_rights_total",
			Help:      "Right-sibling hops taken to recover from splits.",
		}),
		LeftRestarts: f.NewCounter(prometheus.CounterOpts{
			Namespace: "btscan",
			Name:      "left_restarts_total",
			Help:      "Backward scans that restarted left-sibling validation.",
		}),
		PrimScans: f.NewCounter(prometheus.CounterOpts{
			Namespace: "btscan",
			Name:      "primitive_scans_total",
			Help:      "Primitive index scans, counting array-key redescents.",
		}),
		TuplesKilled: f.NewCounter(prometheus.CounterOpts{
			Namespace: "btscan",
			Name:      "tuples_killed_total",
			Help:      "Index tuples marked dead by scans.",
		}),
	}
}

// The inc methods tolerate a nil receiver so call sites need no guard.

func (m *Metrics) incDescents() {
	if m != nil {
		m.Descents.Inc()
	}
}

func (m *Metrics) incPagesRead() {
	if m != nil {
		m.PagesRead.Inc()
	}
}

func (m *Metrics) incMoveRights() {
	if m != nil {
		m.MoveRights.Inc()
	}
}

func (m *Metrics) incLeftRestarts() {
	if m != nil {
		m.LeftRestarts.Inc()
	}
}

func (m *Metrics) incPrimScans() {
	if m != nil {
		m.PrimScans.Inc()
	}
}

func (m *Metrics) addTuplesKilled(n int) {
	if m != nil {
		m.TuplesKilled.Add(float64(n))
	}
}
