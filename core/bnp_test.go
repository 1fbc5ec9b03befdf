package core

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/signalsfoundry/iot-net-planner/prr"
	"gonum.org/v1/gonum/mat"
)

// boundedOracle serves exact values from a matrix, lower bounds scaled per
// facility and upper bounds halfway to 1. It cannot tighten its own bounds.
type boundedOracle struct {
	exact      *prr.MatrixOracle
	lowerScale []float64
}

func (o *boundedOracle) DemandCount() int   { return o.exact.DemandCount() }
func (o *boundedOracle) FacilityCount() int { return o.exact.FacilityCount() }

func (o *boundedOracle) Exact(ctx context.Context, fac int, mask prr.Mask) ([]float64, error) {
	return o.exact.Exact(ctx, fac, mask)
}

func (o *boundedOracle) Upper(ctx context.Context, fac int, mask prr.Mask) ([]float64, error) {
	v, err := o.exact.Exact(ctx, fac, mask)
	if err != nil {
		return nil, err
	}
	for i := range v {
		v[i] += 0.5 * (1 - v[i])
	}
	return v, nil
}

func (o *boundedOracle) Lower(ctx context.Context, fac int, mask prr.Mask) ([]float64, error) {
	v, err := o.exact.Exact(ctx, fac, mask)
	if err != nil {
		return nil, err
	}
	for i := range v {
		v[i] *= o.lowerScale[fac]
	}
	return v, nil
}

func uniform(n int, v float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

// decayInstance places facilities every 2 units and demand points every
// 1.3 units along a line, with PRR decaying in distance.
func decayInstance(t *testing.T, costs []float64, d int) (*Instance, *prr.MatrixOracle) {
	t.Helper()
	inst := lineSites(costs, d)
	m := mat.NewDense(d, len(costs), nil)
	for i, dem := range inst.Demands {
		for j, fac := range inst.Facilities {
			m.Set(i, j, 0.95*math.Exp(-fac.Location.DistanceTo(dem.Location)/3))
		}
	}
	return inst, matrixOracle(t, m)
}

func TestBranchAndPrice_PricesInFacilityMissedBySeed(t *testing.T) {
	inst := lineSites([]float64{1, 1}, 3)
	o := &boundedOracle{exact: matrixOracle(t, smallPRR()), lowerScale: []float64{0.01, 1}}
	rec := newRecordingMetrics()

	sol, err := NewBranchAndPriceSolver(WithMetricsRecorder(rec)).
		SolveCoverage(context.Background(), CoverageParams{Budget: 1, MinWeight: 1}, inst, o)
	if err != nil {
		t.Fatalf("SolveCoverage: %v", err)
	}
	if diff := cmp.Diff([]int{0}, sol.Selected); diff != "" {
		t.Fatalf("Selected mismatch (-want +got):\n%s", diff)
	}
	if sol.Stats.Basics != 1 || sol.Stats.ColumnsPriced != 1 {
		t.Fatalf("stats = %+v, want 1 basic and 1 priced column", sol.Stats)
	}
	if want := LogFailure(0.2); math.Abs(sol.Objective-want) > 1e-9 {
		t.Fatalf("Objective = %v, want %v", sol.Objective, want)
	}
	if rec.oracle["lower"] != 6 {
		t.Fatalf("lower cells = %d, want 6", rec.oracle["lower"])
	}
	// Bound tightening resolves cells through the cache, so every cell is
	// fetched exactly once across exactify, tightening and pricing.
	if rec.oracle["exact"] != 6 {
		t.Fatalf("exact cells = %d, want 6: %v", rec.oracle["exact"], rec.oracle)
	}
	if rec.columns != 1 || rec.rounds == 0 {
		t.Fatalf("pricing metrics rounds=%d columns=%d", rec.rounds, rec.columns)
	}
}

func TestBranchAndPrice_MatchesDirectObjective(t *testing.T) {
	costs := []float64{1, 1.5, 1, 2, 1}
	inst, exact := decayInstance(t, costs, 7)
	ctx := context.Background()

	cases := []struct {
		name string
		p    CoverageParams
		low  float64
	}{
		{"max-min", CoverageParams{Budget: 3, MinWeight: 0.4}, 0.5},
		{"mean only", CoverageParams{Budget: 2, QInc: 0.25}, 0.3},
		{"threshold", CoverageParams{Budget: 3.5, MinWeight: 0.2, ThresholdWeight: 0.3, Threshold: 0.5, QInc: 0.5}, 0.6},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			direct, err := NewDirectSolver().SolveCoverage(ctx, tc.p, inst, exact)
			if err != nil {
				t.Fatalf("direct SolveCoverage: %v", err)
			}
			o := &boundedOracle{exact: exact, lowerScale: uniform(len(costs), tc.low)}
			bnp, err := NewBranchAndPriceSolver(WithWorkers(3)).SolveCoverage(ctx, tc.p, inst, o)
			if err != nil {
				t.Fatalf("branch-and-price SolveCoverage: %v", err)
			}
			if math.Abs(direct.Objective-bnp.Objective) > 1e-6*math.Max(1, math.Abs(direct.Objective)) {
				t.Fatalf("objective %v (selected %v), direct %v (selected %v)",
					bnp.Objective, bnp.Selected, direct.Objective, direct.Selected)
			}
			if got := totalCost(inst, bnp.Selected); got > tc.p.Budget+1e-9 {
				t.Fatalf("selection %v costs %v over budget %v", bnp.Selected, got, tc.p.Budget)
			}
		})
	}
}

func TestBranchAndPrice_BuiltAndBudgetErrors(t *testing.T) {
	inst := lineSites([]float64{1, 1}, 3)
	inst.Facilities[1].Built = true
	o := &boundedOracle{exact: matrixOracle(t, smallPRR()), lowerScale: []float64{1, 1}}
	s := NewBranchAndPriceSolver()

	sol, err := s.SolveCoverage(context.Background(), CoverageParams{Budget: 1, MinWeight: 1}, inst, o)
	if err != nil {
		t.Fatalf("SolveCoverage: %v", err)
	}
	if diff := cmp.Diff([]int{1}, sol.Selected); diff != "" {
		t.Fatalf("Selected mismatch (-want +got):\n%s", diff)
	}

	if _, err := s.SolveCoverage(context.Background(), CoverageParams{Budget: 0.5}, inst, o); !errors.Is(err, ErrBudgetInfeasible) {
		t.Fatalf("error = %v, want ErrBudgetInfeasible", err)
	}
}

// tallyOracle counts the cells each call kind asks of the wrapped oracle.
type tallyOracle struct {
	prr.Oracle
	mu    sync.Mutex
	cells map[string]int
}

func (o *tallyOracle) add(kind string, mask prr.Mask) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cells[kind] += mask.Count(o.DemandCount())
}

func (o *tallyOracle) Exact(ctx context.Context, fac int, mask prr.Mask) ([]float64, error) {
	o.add("exact", mask)
	return o.Oracle.Exact(ctx, fac, mask)
}

func (o *tallyOracle) Upper(ctx context.Context, fac int, mask prr.Mask) ([]float64, error) {
	o.add("upper", mask)
	return o.Oracle.Upper(ctx, fac, mask)
}

func (o *tallyOracle) Lower(ctx context.Context, fac int, mask prr.Mask) ([]float64, error) {
	o.add("lower", mask)
	return o.Oracle.Lower(ctx, fac, mask)
}

func TestBranchAndPrice_MetricsCountOnlyCellsReachingOracle(t *testing.T) {
	costs := []float64{1, 1.5, 1, 2, 1}
	inst, exact := decayInstance(t, costs, 7)
	o := &tallyOracle{
		Oracle: &boundedOracle{exact: exact, lowerScale: uniform(len(costs), 0.4)},
		cells:  map[string]int{},
	}
	rec := newRecordingMetrics()

	_, err := NewBranchAndPriceSolver(WithMetricsRecorder(rec)).
		SolveCoverage(context.Background(), CoverageParams{Budget: 3, MinWeight: 0.5, QInc: 0.25}, inst, o)
	if err != nil {
		t.Fatalf("SolveCoverage: %v", err)
	}
	if diff := cmp.Diff(o.cells, rec.oracle); diff != "" {
		t.Fatalf("recorded oracle cells mismatch (-oracle +recorded):\n%s", diff)
	}
	if rec.oracle["exact"] > len(costs)*7 {
		t.Fatalf("exact cells = %d, more than the %d cells of the instance", rec.oracle["exact"], len(costs)*7)
	}
}

// tighteningLog records every bound-tightening request on a cache.
type tighteningLog struct {
	*prr.Cache
	facs []int
	qs   []float64
}

func (o *tighteningLog) ImproveUpper(ctx context.Context, fac int, q float64) error {
	o.facs = append(o.facs, fac)
	o.qs = append(o.qs, q)
	return o.Cache.ImproveUpper(ctx, fac, q)
}

func TestBranchAndPrice_TiedCandidatesPriceLowerIndexFirst(t *testing.T) {
	exact := mat.NewDense(3, 3, []float64{
		0.3, 0.9, 0.9,
		0.3, 0.9, 0.9,
		0.3, 0.9, 0.9,
	})
	inst := lineSites([]float64{1, 1, 1}, 3)
	// Facilities 1 and 2 share a site and a column, so their reduced costs
	// tie at every quantile.
	inst.Facilities[2].Location = inst.Facilities[1].Location
	bounded := &boundedOracle{exact: matrixOracle(t, exact), lowerScale: []float64{1, 0.01, 0.01}}
	cache, err := prr.NewCache(bounded, inst.DemandLocations(), inst.FacilityLocations())
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	o := &tighteningLog{Cache: cache}

	sol, err := NewBranchAndPriceSolver().
		SolveCoverage(context.Background(), CoverageParams{Budget: 1, MinWeight: 1, QInc: 0.5}, inst, o)
	if err != nil {
		t.Fatalf("SolveCoverage: %v", err)
	}
	if sol.Stats.Basics != 1 || sol.Stats.ColumnsPriced == 0 {
		t.Fatalf("stats = %+v, want the seed's single basic and a priced column", sol.Stats)
	}
	if want := LogFailure(0.9); math.Abs(sol.Objective-want) > 1e-9 {
		t.Fatalf("Objective = %v, want %v", sol.Objective, want)
	}

	// Every frontier facility is tightened at quantile 0 first; the first
	// ladder step past 0 belongs to the facility refined first.
	for k, q := range o.qs {
		if q > 0 {
			if o.facs[k] != 1 {
				t.Fatalf("first refined facility = %d, want 1 (calls %v at %v)", o.facs[k], o.facs, o.qs)
			}
			return
		}
	}
	t.Fatalf("no facility was refined: calls %v at %v", o.facs, o.qs)
}

func TestNextQuantileEndsAtOne(t *testing.T) {
	cases := []struct {
		q, inc, want float64
	}{
		{0, 0.25, 0.25},
		{0.5, 0.25, 0.75},
		{0.9, 0.2, 1},
		{0.3, 0, 1},
		{0.3, -1, 1},
		{0.3, 1.5, 1},
		{1, 0.1, 1},
	}
	for _, tc := range cases {
		if got := nextQuantile(tc.q, tc.inc); got != tc.want {
			t.Errorf("nextQuantile(%v, %v) = %v, want %v", tc.q, tc.inc, got, tc.want)
		}
	}

	// A ladder from 0 always terminates at exactly 1.
	for _, inc := range []float64{0.3, 0.1, 1.0 / 3} {
		q, steps := 0.0, 0
		for q < 1 {
			q = nextQuantile(q, inc)
			steps++
			if steps > 100 {
				t.Fatalf("ladder with increment %v did not terminate", inc)
			}
		}
		if q != 1 {
			t.Fatalf("ladder with increment %v ended at %v", inc, q)
		}
	}
}
