package core

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/signalsfoundry/iot-net-planner/internal/mip"
	"gonum.org/v1/gonum/mat"
)

func TestCoverageRoundingFillsBudgetByLPValue(t *testing.T) {
	p := CoverageParams{Budget: 2, MinWeight: 0.5, ThresholdWeight: 0.5, Threshold: 0.6}
	cm, err := newCoverageModel(coverageModelSpec{name: "round", sense: mip.Maximize, scalar: 1, d: 2}, p)
	if err != nil {
		t.Fatalf("newCoverageModel: %v", err)
	}
	cols := [][]float64{
		{LogFailure(0.5), LogFailure(0.5)},
		{LogFailure(0.7), 0},
		{0, LogFailure(0.4)},
	}
	for j, a := range cols {
		if err := cm.addFacility(j, a, 1, false); err != nil {
			t.Fatalf("addFacility: %v", err)
		}
	}

	lp := make([]float64, cm.m.NumVars())
	lp[cm.x[0]], lp[cm.x[1]], lp[cm.x[2]] = 0.2, 0.9, 0.6
	vals := cm.round(lp)

	got := []float64{vals[cm.x[0]], vals[cm.x[1]], vals[cm.x[2]]}
	if diff := cmp.Diff([]float64{0, 1, 1}, got); diff != "" {
		t.Fatalf("x mismatch (-want +got):\n%s", diff)
	}
	if want := LogFailure(0.4); math.Abs(vals[cm.minCov]-want) > 1e-12 {
		t.Fatalf("min_cov = %v, want %v", vals[cm.minCov], want)
	}
	// Only the first point reaches the 0.6 threshold.
	if vals[cm.y[0]] != 1 || vals[cm.y[1]] != 0 {
		t.Fatalf("y = %v, %v, want 1, 0", vals[cm.y[0]], vals[cm.y[1]])
	}
}

func TestCoverageRoundingKeepsBuiltFacilities(t *testing.T) {
	p := CoverageParams{Budget: 2, MinWeight: 1}
	cm, err := newCoverageModel(coverageModelSpec{name: "built", sense: mip.Minimize, scalar: 1, d: 1}, p)
	if err != nil {
		t.Fatalf("newCoverageModel: %v", err)
	}
	for j, built := range []bool{false, false, true} {
		if err := cm.addFacility(j, []float64{1}, 1, built); err != nil {
			t.Fatalf("addFacility: %v", err)
		}
	}
	lp := make([]float64, cm.m.NumVars())
	lp[cm.x[0]], lp[cm.x[1]], lp[cm.x[2]] = 0.7, 0.8, 1
	vals := cm.round(lp)

	got := []float64{vals[cm.x[0]], vals[cm.x[1]], vals[cm.x[2]]}
	if diff := cmp.Diff([]float64{0, 1, 1}, got); diff != "" {
		t.Fatalf("x mismatch (-want +got):\n%s", diff)
	}
}

func TestCoverRoundingDropsRedundantFacilities(t *testing.T) {
	inst := lineSites([]float64{1, 1, 1}, 1)
	inst.Facilities[2].Built = true
	a := mat.NewDense(1, 3, []float64{1, 2, 0.5})
	x := []mip.Var{0, 1, 2}
	reqs := []requirement{{point: 0, need: 2}}

	vals := coverRounding(a, reqs, x, inst)([]float64{0.9, 0.8, 0.1})
	got := []float64{vals[0], vals[1], vals[2]}
	// Built facility 2 opens first, 0 and 1 follow by LP value, and 0 is
	// closed again because 1 and 2 already reach the requirement.
	if diff := cmp.Diff([]float64{0, 1, 1}, got); diff != "" {
		t.Fatalf("x mismatch (-want +got):\n%s", diff)
	}

	if vals := coverRounding(a, []requirement{{point: 0, need: 10}}, x, inst)([]float64{1, 1, 1}); vals != nil {
		t.Fatalf("unreachable requirement gave %v, want nil", vals)
	}
}
