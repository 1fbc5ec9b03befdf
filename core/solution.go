package core

import (
	"context"
	"time"

	"github.com/signalsfoundry/iot-net-planner/model"
	"github.com/signalsfoundry/iot-net-planner/prr"
)

// Solution is the outcome of a solve.
type Solution struct {
	// Selected holds the facility indices to build, ascending.
	Selected []int
	// Objective is the blended coverage objective of Selected (coverage
	// mode) or its total cost (budget mode), in unscaled units.
	Objective float64
	// Feasible is false when the budget requirements cannot be met even
	// with every facility; Selected then lists all facilities.
	Feasible bool
	Stats    SolveStats
}

// SolveStats are counters from the host solver.
type SolveStats struct {
	Nodes         int
	LPSolves      int
	PricingRounds int
	ColumnsPriced int
	Basics        int
	Duration      time.Duration
}

// CoverageSolver maximises coverage under a budget.
type CoverageSolver interface {
	SolveCoverage(ctx context.Context, p CoverageParams, inst *Instance, oracle prr.Oracle) (*Solution, error)
}

// BudgetSolver minimises cost under per-point coverage requirements.
type BudgetSolver interface {
	SolveBudget(ctx context.Context, p BudgetParams, inst *Instance, oracle prr.Oracle) (*Solution, error)
}

// MetricsRecorder receives solver telemetry. Implementations must be safe
// for concurrent use because oracle calls are observed from worker
// goroutines.
type MetricsRecorder interface {
	prr.Recorder
	ObserveSolve(mode, outcome string, elapsed time.Duration)
	AddPricing(rounds, columns int)
	AddNodes(n int)
}

// Instance is the facility and demand data of one planning problem.
// Facility j and demand point i correspond to oracle indices j and i.
type Instance struct {
	Facilities []model.Facility
	Demands    []model.DemandPoint
}
