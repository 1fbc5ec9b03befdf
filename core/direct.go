package core

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/signalsfoundry/iot-net-planner/internal/logging"
	"github.com/signalsfoundry/iot-net-planner/internal/mip"
	"github.com/signalsfoundry/iot-net-planner/prr"
	"go.opentelemetry.io/otel/attribute"
	"gonum.org/v1/gonum/mat"
)

// DirectSolver evaluates every PRR exactly up front and solves the full
// covering program in one branch-and-bound run.
type DirectSolver struct {
	cfg solverConfig
}

var (
	_ CoverageSolver = (*DirectSolver)(nil)
	_ BudgetSolver   = (*DirectSolver)(nil)
)

func NewDirectSolver(opts ...Option) *DirectSolver {
	return &DirectSolver{cfg: newSolverConfig(opts)}
}

// SolveCoverage selects facilities maximising the blended coverage
// objective within p.Budget. Built facilities are always selected.
func (s *DirectSolver) SolveCoverage(ctx context.Context, p CoverageParams, inst *Instance, oracle prr.Oracle) (sol *Solution, err error) {
	start := time.Now()
	ctx, log := logging.WithRunLogger(ctx, s.cfg.logger(ctx))
	ctx, span := startSpan(ctx, "planner.solve_coverage",
		attribute.String("solver", "direct"),
		attribute.Float64("budget", p.Budget),
	)
	defer func() {
		endSpan(span, err)
		s.cfg.observe("coverage", start, sol, err)
	}()

	if err := checkCoverageInput(p, inst, oracle); err != nil {
		return nil, err
	}
	d, n := len(inst.Demands), len(inst.Facilities)
	span.SetAttributes(attribute.Int("demands", d), attribute.Int("facilities", n))

	o := s.cfg.instrument(oracle)
	a, err := s.cfg.buildMatrix(ctx, d, allFacilities(n), o.Exact)
	if err != nil {
		return nil, fmt.Errorf("exact prr matrix: %w", err)
	}
	a = Blobify(inst.ExactFlags(), inst.FacilityLocations(), a, p.blobWidth())
	scalar := objectiveScalar(a, s.cfg.feasTol())

	cm, err := newCoverageModel(coverageModelSpec{
		name:   "coverage",
		sense:  mip.Maximize,
		scalar: scalar,
		d:      d,
	}, p, s.cfg.modelOptions(log)...)
	if err != nil {
		return nil, err
	}
	for j, f := range inst.Facilities {
		if err := cm.addFacility(j, mat.Col(nil, j, a), f.Cost, f.Built); err != nil {
			return nil, err
		}
	}

	status, err := cm.m.Solve(ctx)
	if err != nil {
		return nil, err
	}
	if status == mip.StatusInfeasible {
		return nil, fmt.Errorf("coverage model reported %s", status)
	}
	selected, err := cm.selected()
	if err != nil {
		return nil, err
	}

	sol = &Solution{
		Selected:  selected,
		Objective: coverageObjective(pointCoverage(a, selected), p),
		Feasible:  true,
		Stats:     solveStats(cm.m, start),
	}
	log.Info(ctx, "coverage solve finished",
		logging.String("solver", "direct"),
		logging.String("status", status.String()),
		logging.Int("selected", len(selected)),
		logging.Float("objective", sol.Objective),
		logging.Float("scalar", scalar),
		logging.Int("nodes", sol.Stats.Nodes),
		logging.Duration("elapsed", sol.Stats.Duration),
	)
	return sol, nil
}

// SolveBudget selects the cheapest facility set meeting every point's
// required coverage. When even all facilities together fall short the
// solver is not run; every facility is returned with Feasible=false.
func (s *DirectSolver) SolveBudget(ctx context.Context, p BudgetParams, inst *Instance, oracle prr.Oracle) (sol *Solution, err error) {
	start := time.Now()
	ctx, log := logging.WithRunLogger(ctx, s.cfg.logger(ctx))
	ctx, span := startSpan(ctx, "planner.solve_budget", attribute.String("solver", "direct"))
	defer func() {
		endSpan(span, err)
		s.cfg.observe("budget", start, sol, err)
	}()

	if inst == nil {
		return nil, fmt.Errorf("%w: nil instance", ErrInvalidParams)
	}
	if err := inst.Validate(oracle); err != nil {
		return nil, err
	}
	d, n := len(inst.Demands), len(inst.Facilities)
	if err := p.Validate(d); err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("demands", d), attribute.Int("facilities", n))
	required := p.Required
	if required == nil {
		required = inst.RequiredCoverage()
	}

	o := s.cfg.instrument(oracle)
	a, err := s.cfg.buildMatrix(ctx, d, allFacilities(n), o.Exact)
	if err != nil {
		return nil, fmt.Errorf("exact prr matrix: %w", err)
	}
	a = Blobify(inst.ExactFlags(), inst.FacilityLocations(), a, p.blobWidth())

	reach := pointCoverage(a, allFacilities(n))
	for i, r := range required {
		if need := LogFailure(r); reach[i] < need {
			log.Warn(ctx, "coverage requirement unreachable with every facility",
				logging.String("demand", inst.Demands[i].ID),
				logging.Float("required", r),
			)
			sol = &Solution{
				Selected:  allFacilities(n),
				Objective: totalCost(inst, allFacilities(n)),
				Feasible:  false,
				Stats:     SolveStats{Duration: time.Since(start)},
			}
			return sol, nil
		}
	}

	m := mip.NewModel("budget", s.cfg.modelOptions(log)...)
	m.SetObjectiveSense(mip.Minimize)
	var rows []requirement
	for i, r := range required {
		need := LogFailure(r)
		if need == 0 {
			continue
		}
		c, err := m.AddCons(fmt.Sprintf("req_%d", i), nil, mip.GreaterEqual, need, false)
		if err != nil {
			return nil, err
		}
		rows = append(rows, requirement{point: i, need: need, row: c})
	}
	x := make([]mip.Var, n)
	col := make([]float64, d)
	for j, f := range inst.Facilities {
		lb := 0.0
		if f.Built {
			lb = 1
		}
		x[j], err = m.AddVar(fmt.Sprintf("x_%d", j), mip.Binary, lb, 1, f.Cost)
		if err != nil {
			return nil, err
		}
		mat.Col(col, j, a)
		for _, r := range rows {
			if err := m.AddConsCoeff(r.row, x[j], col[r.point]); err != nil {
				return nil, err
			}
		}
	}

	m.SetHeuristic(coverRounding(a, rows, x, inst))

	status, err := m.Solve(ctx)
	if err != nil {
		return nil, err
	}
	if status == mip.StatusInfeasible {
		return nil, fmt.Errorf("budget model reported %s", status)
	}
	selected, err := selectedFacilities(m, x, allFacilities(n))
	if err != nil {
		return nil, err
	}
	sol = &Solution{
		Selected:  selected,
		Objective: totalCost(inst, selected),
		Feasible:  true,
		Stats:     solveStats(m, start),
	}
	log.Info(ctx, "budget solve finished",
		logging.String("status", status.String()),
		logging.Int("selected", len(selected)),
		logging.Float("cost", sol.Objective),
		logging.Int("rows", len(rows)),
		logging.Int("nodes", sol.Stats.Nodes),
	)
	return sol, nil
}

// requirement is one coverage row of the budget model.
type requirement struct {
	point int
	need  float64
	row   mip.Cons
}

// coverRounding is the budget model's primal heuristic. It opens built
// facilities, then the others by descending LP value until every
// requirement holds, and finally closes redundant ones in reverse order.
func coverRounding(a *mat.Dense, reqs []requirement, x []mip.Var, inst *Instance) mip.Heuristic {
	return func(lp []float64) map[mip.Var]float64 {
		order := allFacilities(len(x))
		sort.SliceStable(order, func(p, q int) bool {
			jp, jq := order[p], order[q]
			bp, bq := inst.Facilities[jp].Built, inst.Facilities[jq].Built
			if bp != bq {
				return bp
			}
			return lp[x[jp]] > lp[x[jq]]
		})

		cov := make([]float64, len(reqs))
		on := make([]bool, len(x))
		short := len(reqs)
		for _, j := range order {
			if short == 0 && !inst.Facilities[j].Built {
				break
			}
			on[j] = true
			for r, q := range reqs {
				was := cov[r] < q.need
				cov[r] += a.At(q.point, j)
				if was && cov[r] >= q.need {
					short--
				}
			}
		}
		if short > 0 {
			return nil
		}

		for k := len(order) - 1; k >= 0; k-- {
			j := order[k]
			if !on[j] || inst.Facilities[j].Built {
				continue
			}
			redundant := true
			for r, q := range reqs {
				if cov[r]-a.At(q.point, j) < q.need {
					redundant = false
					break
				}
			}
			if !redundant {
				continue
			}
			on[j] = false
			for r, q := range reqs {
				cov[r] -= a.At(q.point, j)
			}
		}

		vals := make(map[mip.Var]float64, len(x))
		for j, v := range x {
			vals[v] = 0
			if on[j] {
				vals[v] = 1
			}
		}
		return vals
	}
}

func checkCoverageInput(p CoverageParams, inst *Instance, oracle prr.Oracle) error {
	if inst == nil {
		return fmt.Errorf("%w: nil instance", ErrInvalidParams)
	}
	if err := p.Validate(); err != nil {
		return err
	}
	if err := inst.Validate(oracle); err != nil {
		return err
	}
	if built := inst.BuiltCost(); built > p.Budget {
		return fmt.Errorf("%w: built cost %v, budget %v", ErrBudgetInfeasible, built, p.Budget)
	}
	return nil
}

func allFacilities(n int) []int {
	out := make([]int, n)
	for j := range out {
		out[j] = j
	}
	return out
}

func totalCost(inst *Instance, facs []int) float64 {
	var total float64
	for _, j := range facs {
		total += inst.Facilities[j].Cost
	}
	return total
}
