package core

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/signalsfoundry/iot-net-planner/model"
	"gonum.org/v1/gonum/mat"
)

// fieldInstance scatters f candidate gateways and d demand points over a
// 40 × 40 field with a fixed seed. PRR decays with distance.
func fieldInstance(t *testing.T, d, f int) (*Instance, *mat.Dense) {
	t.Helper()
	rng := rand.New(rand.NewSource(7))
	inst := &Instance{}
	for j := 0; j < f; j++ {
		inst.Facilities = append(inst.Facilities, model.Facility{
			ID:       fmt.Sprintf("gw-%02d", j),
			Location: model.Location{X: 40 * rng.Float64(), Y: 40 * rng.Float64()},
			Cost:     1 + 2*rng.Float64(),
		})
	}
	for i := 0; i < d; i++ {
		inst.Demands = append(inst.Demands, model.DemandPoint{
			ID:       fmt.Sprintf("pt-%03d", i),
			Location: model.Location{X: 40 * rng.Float64(), Y: 40 * rng.Float64()},
		})
	}
	prrs := mat.NewDense(d, f, nil)
	for i, dem := range inst.Demands {
		for j, fac := range inst.Facilities {
			prrs.Set(i, j, 0.95*math.Exp(-fac.Location.DistanceTo(dem.Location)/12))
		}
	}
	return inst, prrs
}

// Each solve gets a wall-clock budget; a search that stalls fails on the
// context deadline instead of hanging the suite.
func TestSolversFinishMediumFieldInBudget(t *testing.T) {
	if testing.Short() {
		t.Skip("medium field solves skipped in short mode")
	}
	const budget = 10 * time.Second
	inst, prrs := fieldInstance(t, 60, 20)
	p := CoverageParams{Budget: 8, MinWeight: 0.5}

	run := func(t *testing.T, solve func(ctx context.Context) (*Solution, error)) *Solution {
		t.Helper()
		ctx, cancel := context.WithTimeout(context.Background(), budget)
		defer cancel()
		start := time.Now()
		sol, err := solve(ctx)
		if err != nil {
			t.Fatalf("solve after %v: %v", time.Since(start), err)
		}
		return sol
	}

	direct := run(t, func(ctx context.Context) (*Solution, error) {
		return NewDirectSolver().SolveCoverage(ctx, p, inst, matrixOracle(t, prrs))
	})
	if got := totalCost(inst, direct.Selected); got > p.Budget+1e-9 {
		t.Fatalf("direct selection %v costs %v over budget %v", direct.Selected, got, p.Budget)
	}

	bnp := run(t, func(ctx context.Context) (*Solution, error) {
		o := &boundedOracle{exact: matrixOracle(t, prrs), lowerScale: uniform(len(inst.Facilities), 0.5)}
		return NewBranchAndPriceSolver().SolveCoverage(ctx, p, inst, o)
	})
	if math.Abs(direct.Objective-bnp.Objective) > 1e-6*math.Max(1, math.Abs(direct.Objective)) {
		t.Fatalf("branch-and-price objective %v, direct %v", bnp.Objective, direct.Objective)
	}

	required := make([]float64, len(inst.Demands))
	for i := range required {
		required[i] = 0.9
	}
	cover := run(t, func(ctx context.Context) (*Solution, error) {
		return NewDirectSolver().SolveBudget(ctx, BudgetParams{Required: required}, inst, matrixOracle(t, prrs))
	})
	if cover.Feasible && len(cover.Selected) == 0 {
		t.Fatalf("feasible budget solution selected nothing")
	}
}
