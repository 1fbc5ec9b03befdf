package observability

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PlannerCollector bundles Prometheus metrics for solver runs and the PRR
// oracle calls they make. It satisfies core.MetricsRecorder.
type PlannerCollector struct {
	gatherer prometheus.Gatherer

	Solves        *prometheus.CounterVec
	SolveDuration *prometheus.HistogramVec
	OracleCalls   *prometheus.CounterVec
	OracleCells   *prometheus.CounterVec

	PricingRounds prometheus.Counter
	ColumnsPriced prometheus.Counter
	Nodes         prometheus.Counter
}

// NewPlannerCollector registers planner metrics against the provided
// registerer, defaulting to the global Prometheus registry when nil.
func NewPlannerCollector(reg prometheus.Registerer) (*PlannerCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	solves, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "planner_solves_total",
		Help: "Total number of solver runs, labeled by mode and outcome.",
	}, []string{"mode", "outcome"}), "planner_solves_total")
	if err != nil {
		return nil, err
	}

	durations, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "planner_solve_duration_seconds",
		Help:    "Wall-clock duration of solver runs in seconds.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300, 900},
	}, []string{"mode"}), "planner_solve_duration_seconds")
	if err != nil {
		return nil, err
	}

	calls, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "planner_oracle_calls_total",
		Help: "PRR oracle calls, labeled by kind (exact, upper, lower, improve_upper).",
	}, []string{"kind"}), "planner_oracle_calls_total")
	if err != nil {
		return nil, err
	}

	cells, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "planner_oracle_cells_total",
		Help: "Demand-point cells requested from the PRR oracle, labeled by kind.",
	}, []string{"kind"}), "planner_oracle_cells_total")
	if err != nil {
		return nil, err
	}

	rounds, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "planner_pricing_rounds_total",
		Help: "Branch-and-price pricing rounds.",
	}), "planner_pricing_rounds_total")
	if err != nil {
		return nil, err
	}
	columns, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "planner_columns_priced_total",
		Help: "Facility columns added by pricing.",
	}), "planner_columns_priced_total")
	if err != nil {
		return nil, err
	}
	nodes, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "planner_bnb_nodes_total",
		Help: "Branch-and-bound nodes processed.",
	}), "planner_bnb_nodes_total")
	if err != nil {
		return nil, err
	}

	return &PlannerCollector{
		gatherer:      gatherer,
		Solves:        solves,
		SolveDuration: durations,
		OracleCalls:   calls,
		OracleCells:   cells,
		PricingRounds: rounds,
		ColumnsPriced: columns,
		Nodes:         nodes,
	}, nil
}

// Handler exposes a ready-to-use /metrics handler.
func (c *PlannerCollector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// ObserveSolve records one finished solver run.
func (c *PlannerCollector) ObserveSolve(mode, outcome string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.Solves.WithLabelValues(mode, outcome).Inc()
	c.SolveDuration.WithLabelValues(mode).Observe(elapsed.Seconds())
}

// ObserveOracleCall records one oracle call covering cells demand points.
func (c *PlannerCollector) ObserveOracleCall(kind string, cells int) {
	if c == nil {
		return
	}
	c.OracleCalls.WithLabelValues(kind).Inc()
	if cells > 0 {
		c.OracleCells.WithLabelValues(kind).Add(float64(cells))
	}
}

func (c *PlannerCollector) AddPricing(rounds, columns int) {
	if c == nil {
		return
	}
	if rounds > 0 {
		c.PricingRounds.Add(float64(rounds))
	}
	if columns > 0 {
		c.ColumnsPriced.Add(float64(columns))
	}
}

func (c *PlannerCollector) AddNodes(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.Nodes.Add(float64(n))
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}
