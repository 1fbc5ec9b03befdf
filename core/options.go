package core

import (
	"context"
	"fmt"
	"time"

	"github.com/signalsfoundry/iot-net-planner/internal/logging"
	"github.com/signalsfoundry/iot-net-planner/internal/mip"
	"github.com/signalsfoundry/iot-net-planner/prr"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"
)

const tracerName = "github.com/signalsfoundry/iot-net-planner/core"

// Option customises a solver.
type Option func(*solverConfig)

type solverConfig struct {
	log       logging.Logger
	metrics   MetricsRecorder
	workers   int
	mipParams mip.Params
}

func newSolverConfig(opts []Option) solverConfig {
	cfg := solverConfig{
		workers:   1,
		mipParams: mip.DefaultParams(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return cfg
}

// WithLogger attaches a structured logger. Without one, solvers use the
// logger stored on the context by logging.ContextWithLogger, if any.
func WithLogger(l logging.Logger) Option {
	return func(c *solverConfig) {
		if l != nil {
			c.log = l
		}
	}
}

// WithMetricsRecorder attaches an optional metrics recorder.
func WithMetricsRecorder(m MetricsRecorder) Option {
	return func(c *solverConfig) {
		c.metrics = m
	}
}

// WithWorkers bounds the number of facility columns evaluated in parallel.
// Values below 1 mean sequential evaluation.
func WithWorkers(n int) Option {
	return func(c *solverConfig) {
		if n < 1 {
			n = 1
		}
		c.workers = n
	}
}

// WithMIPParams overrides the host solver tolerances and limits.
func WithMIPParams(p mip.Params) Option {
	return func(c *solverConfig) {
		c.mipParams = p
	}
}

func (c solverConfig) logger(ctx context.Context) logging.Logger {
	if c.log != nil {
		return c.log
	}
	if l := logging.LoggerFromContext(ctx); l != nil {
		return l
	}
	return logging.Noop()
}

// feasTol is the tolerance the objective scalar is derived from; it matches
// the default the model itself falls back to.
func (c solverConfig) feasTol() float64 {
	if c.mipParams.FeasTol <= 0 {
		return mip.DefaultParams().FeasTol
	}
	return c.mipParams.FeasTol
}

func (c solverConfig) modelOptions(log logging.Logger) []mip.Option {
	return []mip.Option{mip.WithParams(c.mipParams), mip.WithLogger(log)}
}

// instrument reports oracle calls to the metrics recorder. A cache is
// instrumented underneath so that only cells reaching its oracle count.
func (c solverConfig) instrument(o prr.Oracle) prr.Oracle {
	if c.metrics == nil {
		return o
	}
	if cache, ok := o.(*prr.Cache); ok {
		return cache.WithRecorder(c.metrics)
	}
	return prr.Instrument(o, c.metrics)
}

func (c solverConfig) observe(mode string, start time.Time, sol *Solution, err error) {
	if c.metrics == nil {
		return
	}
	outcome := "ok"
	switch {
	case err != nil:
		outcome = "error"
	case sol != nil && !sol.Feasible:
		outcome = "infeasible"
	}
	c.metrics.ObserveSolve(mode, outcome, time.Since(start))
	if sol != nil {
		c.metrics.AddNodes(sol.Stats.Nodes)
		c.metrics.AddPricing(sol.Stats.PricingRounds, sol.Stats.ColumnsPriced)
	}
}

// columnFunc fetches one facility's PRR vector over all demand points.
type columnFunc func(ctx context.Context, fac int, mask prr.Mask) ([]float64, error)

// buildMatrix evaluates fetch for every facility in facs on a bounded
// worker pool and returns the D × len(facs) log-failure matrix, or nil
// when facs is empty.
func (c solverConfig) buildMatrix(ctx context.Context, d int, facs []int, fetch columnFunc) (*mat.Dense, error) {
	cols := make([][]float64, len(facs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)
	for k, fac := range facs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			v, err := fetch(gctx, fac, nil)
			if err != nil {
				return fmt.Errorf("facility %d: %w", fac, err)
			}
			if len(v) != d {
				return fmt.Errorf("%w: facility %d: got %d, want %d", prr.ErrResultLength, fac, len(v), d)
			}
			cols[k] = transformColumn(v)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if len(facs) == 0 {
		return nil, nil
	}
	a := mat.NewDense(d, len(facs), nil)
	for k, col := range cols {
		a.SetCol(k, col)
	}
	return a, nil
}

func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func solveStats(m *mip.Model, start time.Time) SolveStats {
	st := m.Stats()
	return SolveStats{
		Nodes:         st.Nodes,
		LPSolves:      st.LPSolves,
		PricingRounds: st.PricingRounds,
		ColumnsPriced: st.PricedVars,
		Duration:      time.Since(start),
	}
}
