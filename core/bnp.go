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

// BranchAndPriceSolver maximises coverage for large candidate sets. It
// seeds a restricted master from lower-bound coefficients and then prices
// in the remaining facilities, tightening their upper bounds only as far as
// needed to prove a facility is or is not worth an exact column.
type BranchAndPriceSolver struct {
	cfg solverConfig
}

var _ CoverageSolver = (*BranchAndPriceSolver)(nil)

func NewBranchAndPriceSolver(opts ...Option) *BranchAndPriceSolver {
	return &BranchAndPriceSolver{cfg: newSolverConfig(opts)}
}

// SolveCoverage solves the same program as DirectSolver.SolveCoverage
// without evaluating every facility exactly. Oracles that cannot tighten
// their upper bounds are wrapped in a prr.Cache. BlobWidth is ignored.
func (s *BranchAndPriceSolver) SolveCoverage(ctx context.Context, p CoverageParams, inst *Instance, oracle prr.Oracle) (sol *Solution, err error) {
	start := time.Now()
	ctx, log := logging.WithRunLogger(ctx, s.cfg.logger(ctx))
	log = log.With(logging.String("solver", "branch_and_price"))
	ctx, span := startSpan(ctx, "planner.solve_coverage",
		attribute.String("solver", "branch_and_price"),
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

	o, imp, err := s.improvable(oracle, inst)
	if err != nil {
		return nil, err
	}

	basics, scalar, err := s.seed(ctx, log, p, inst, o)
	if err != nil {
		return nil, err
	}
	exact, err := s.exactify(ctx, d, basics, o)
	if err != nil {
		return nil, err
	}

	ctx, masterSpan := startSpan(ctx, "planner.master", attribute.Int("basics", len(basics)))
	cm, err := newCoverageModel(coverageModelSpec{
		name:       "master",
		sense:      mip.Minimize,
		modifiable: true,
		scalar:     scalar,
		d:          d,
	}, p, s.cfg.modelOptions(log)...)
	if err != nil {
		endSpan(masterSpan, err)
		return nil, err
	}
	columns := make(map[int][]float64, len(basics))
	for k, j := range basics {
		a := mat.Col(nil, k, exact)
		columns[j] = a
		if err := cm.addFacility(j, a, inst.Facilities[j].Cost, inst.Facilities[j].Built); err != nil {
			endSpan(masterSpan, err)
			return nil, err
		}
	}

	// The seed already fits the budget, so every basic together is a
	// feasible start for the master.
	all := make([]bool, len(basics))
	for k := range all {
		all[k] = true
	}
	cm.m.SetStart(cm.assignment(all))

	ps := newPricingState(cm, inst, o, imp, basics, p.qinc(), log)
	cm.m.SetPricer(ps.price)
	status, err := cm.m.Solve(ctx)
	masterSpan.SetAttributes(
		attribute.Int("columns_priced", len(ps.priced)),
		attribute.String("status", status.String()),
	)
	endSpan(masterSpan, err)
	if err != nil {
		return nil, err
	}
	if status == mip.StatusInfeasible {
		return nil, fmt.Errorf("master model reported %s", status)
	}

	selected, err := cm.selected()
	if err != nil {
		return nil, err
	}
	for j, a := range ps.priced {
		columns[j] = a
	}
	cov := make([]float64, d)
	for _, j := range selected {
		for i, v := range columns[j] {
			cov[i] += v
		}
	}

	stats := solveStats(cm.m, start)
	stats.Basics = len(basics)
	sol = &Solution{
		Selected:  selected,
		Objective: coverageObjective(cov, p),
		Feasible:  true,
		Stats:     stats,
	}
	log.Info(ctx, "coverage solve finished",
		logging.String("status", status.String()),
		logging.Int("basics", len(basics)),
		logging.Int("columns_priced", stats.ColumnsPriced),
		logging.Int("pricing_rounds", stats.PricingRounds),
		logging.Int("selected", len(selected)),
		logging.Float("objective", sol.Objective),
		logging.Int("nodes", stats.Nodes),
		logging.Duration("elapsed", stats.Duration),
	)
	return sol, nil
}

// improvable returns the oracle the solve runs against together with its
// bound-tightening capability.
func (s *BranchAndPriceSolver) improvable(oracle prr.Oracle, inst *Instance) (prr.Oracle, prr.Improver, error) {
	base := oracle
	if _, ok := oracle.(prr.Improver); !ok {
		c, err := prr.NewCache(oracle, inst.DemandLocations(), inst.FacilityLocations())
		if err != nil {
			return nil, nil, err
		}
		base = c
	}
	o := s.cfg.instrument(base)
	imp, ok := o.(prr.Improver)
	if !ok {
		return nil, nil, prr.ErrNotImprovable
	}
	return o, imp, nil
}

// seed solves the coverage program over every facility with lower-bound
// coefficients. The selected facilities are the basics of the master.
func (s *BranchAndPriceSolver) seed(ctx context.Context, log logging.Logger, p CoverageParams, inst *Instance, o prr.Oracle) (basics []int, scalar float64, err error) {
	ctx, span := startSpan(ctx, "planner.seed")
	defer func() { endSpan(span, err) }()

	d, n := len(inst.Demands), len(inst.Facilities)
	lower, err := s.cfg.buildMatrix(ctx, d, allFacilities(n), o.Lower)
	if err != nil {
		return nil, 0, fmt.Errorf("lower prr matrix: %w", err)
	}
	scalar = objectiveScalar(lower, s.cfg.feasTol())

	cm, err := newCoverageModel(coverageModelSpec{
		name:   "seed",
		sense:  mip.Maximize,
		scalar: scalar,
		d:      d,
	}, p, s.cfg.modelOptions(log)...)
	if err != nil {
		return nil, 0, err
	}
	for j, f := range inst.Facilities {
		if err := cm.addFacility(j, mat.Col(nil, j, lower), f.Cost, f.Built); err != nil {
			return nil, 0, err
		}
	}
	status, err := cm.m.Solve(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("seed: %w", err)
	}
	if status == mip.StatusInfeasible {
		return nil, 0, fmt.Errorf("seed model reported %s", status)
	}
	basics, err = cm.selected()
	if err != nil {
		return nil, 0, err
	}
	span.SetAttributes(attribute.Int("basics", len(basics)))
	log.Info(ctx, "seed solved",
		logging.Int("basics", len(basics)),
		logging.Float("scalar", scalar),
		logging.Int("nodes", cm.m.Stats().Nodes),
	)
	return basics, scalar, nil
}

// exactify evaluates the basics exactly, one column per basic.
func (s *BranchAndPriceSolver) exactify(ctx context.Context, d int, basics []int, o prr.Oracle) (a *mat.Dense, err error) {
	ctx, span := startSpan(ctx, "planner.exactify", attribute.Int("basics", len(basics)))
	defer func() { endSpan(span, err) }()

	a, err = s.cfg.buildMatrix(ctx, d, basics, o.Exact)
	if err != nil {
		return nil, fmt.Errorf("exact prr for basics: %w", err)
	}
	return a, nil
}

// trialColumn is a facility's upper-bound column at a quantile level.
type trialColumn struct {
	quantile float64
	col      mip.Column
}

// pricingState is owned by the pricing closure; nothing else mutates it.
type pricingState struct {
	cm     *coverageModel
	inst   *Instance
	oracle prr.Oracle
	imp    prr.Improver
	qinc   float64
	log    logging.Logger

	frontier []int // ascending facility indices not yet priced exactly
	quantile map[int]float64
	trial    map[int]trialColumn
	priced   map[int][]float64 // exact log-failure columns of priced facilities
}

func newPricingState(cm *coverageModel, inst *Instance, o prr.Oracle, imp prr.Improver, basics []int, qinc float64, log logging.Logger) *pricingState {
	inBasics := make(map[int]bool, len(basics))
	for _, j := range basics {
		inBasics[j] = true
	}
	ps := &pricingState{
		cm:       cm,
		inst:     inst,
		oracle:   o,
		imp:      imp,
		qinc:     qinc,
		log:      log,
		quantile: make(map[int]float64),
		trial:    make(map[int]trialColumn),
		priced:   make(map[int][]float64),
	}
	for j := range inst.Facilities {
		if !inBasics[j] {
			ps.frontier = append(ps.frontier, j)
			ps.quantile[j] = 0
		}
	}
	return ps
}

type pricingCandidate struct {
	fac int
	rc  float64
}

// price is the master's pricer. It adds at most one column per round.
func (ps *pricingState) price(ctx context.Context, m *mip.Model) (bool, error) {
	if len(ps.frontier) == 0 {
		return false, nil
	}
	cands := make([]pricingCandidate, 0, len(ps.frontier))
	for _, j := range ps.frontier {
		rc, err := ps.reducedCost(ctx, m, j)
		if err != nil {
			return false, err
		}
		cands = append(cands, pricingCandidate{fac: j, rc: rc})
	}
	sort.SliceStable(cands, func(a, b int) bool { return cands[a].rc < cands[b].rc })

	ps.log.Debug(ctx, "pricing round",
		logging.Int("frontier", len(ps.frontier)),
		logging.Int("best_facility", cands[0].fac),
		logging.Float("best_reduced_cost", cands[0].rc),
	)
	for _, c := range cands {
		if !ps.negative(m, c.rc) {
			break
		}
		added, err := ps.refine(ctx, m, c.fac)
		if err != nil {
			return false, err
		}
		if added {
			return true, nil
		}
	}
	return false, nil
}

// refine walks facility j up the quantile ladder while its reduced cost
// stays negative and adds its exact column once the ladder reaches 1.0.
func (ps *pricingState) refine(ctx context.Context, m *mip.Model, j int) (bool, error) {
	q := ps.quantile[j]
	for q < 1 {
		q = nextQuantile(q, ps.qinc)
		ps.quantile[j] = q
		rc, err := ps.reducedCost(ctx, m, j)
		if err != nil {
			return false, err
		}
		if !ps.negative(m, rc) {
			ps.log.Debug(ctx, "bound disproves facility",
				logging.Int("facility", j),
				logging.Float("quantile", q),
				logging.Float("reduced_cost", rc),
			)
			return false, nil
		}
	}

	vals, err := ps.oracle.Exact(ctx, j, nil)
	if err != nil {
		return false, fmt.Errorf("facility %d: %w", j, err)
	}
	if len(vals) != ps.cm.d {
		return false, fmt.Errorf("%w: facility %d: got %d, want %d", prr.ErrResultLength, j, len(vals), ps.cm.d)
	}
	a := transformColumn(vals)
	if err := ps.cm.addPricedFacility(j, a, ps.inst.Facilities[j].Cost); err != nil {
		return false, err
	}
	ps.priced[j] = a
	ps.remove(j)
	ps.log.Info(ctx, "facility priced in", logging.Int("facility", j), logging.Int("frontier", len(ps.frontier)))
	return true, nil
}

// reducedCost prices j's trial column at its current quantile, rebuilding
// the column only when the quantile moved.
func (ps *pricingState) reducedCost(ctx context.Context, m *mip.Model, j int) (float64, error) {
	q := ps.quantile[j]
	tc, ok := ps.trial[j]
	if !ok || tc.quantile != q {
		if err := ps.imp.ImproveUpper(ctx, j, q); err != nil {
			return 0, fmt.Errorf("facility %d: %w", j, err)
		}
		vals, err := ps.oracle.Upper(ctx, j, nil)
		if err != nil {
			return 0, fmt.Errorf("facility %d: %w", j, err)
		}
		if len(vals) != ps.cm.d {
			return 0, fmt.Errorf("%w: facility %d: got %d, want %d", prr.ErrResultLength, j, len(vals), ps.cm.d)
		}
		tc = trialColumn{
			quantile: q,
			col:      ps.cm.column(transformColumn(vals), ps.inst.Facilities[j].Cost),
		}
		ps.trial[j] = tc
	}
	return m.ReducedCost(tc.col)
}

// negative compares in unscaled objective units so the solver tolerance
// does not swamp small scaled reduced costs.
func (ps *pricingState) negative(m *mip.Model, rc float64) bool {
	return m.IsLT(rc/ps.cm.scalar, 0)
}

func (ps *pricingState) remove(j int) {
	k := sort.SearchInts(ps.frontier, j)
	if k < len(ps.frontier) && ps.frontier[k] == j {
		ps.frontier = append(ps.frontier[:k], ps.frontier[k+1:]...)
	}
	delete(ps.trial, j)
	delete(ps.quantile, j)
}

// nextQuantile is the next ladder step after q. The last step is exactly
// 1.0 whatever the increment.
func nextQuantile(q, inc float64) float64 {
	if !(inc > 0 && inc <= 1) {
		return 1
	}
	next := q + inc
	if next >= 1 {
		return 1
	}
	return next
}
