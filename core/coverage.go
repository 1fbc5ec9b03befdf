package core

import (
	"context"
	"fmt"

	"github.com/signalsfoundry/iot-net-planner/prr"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// PredictedCoverage scores a selection in the probability domain: each
// demand point is covered with probability 1 - Π_j (1 - p[i,j]) and the
// score is (1-minWeight)·mean + minWeight·min over points. An empty
// selection scores 0.
func PredictedCoverage(ctx context.Context, oracle prr.Oracle, selected []int, minWeight float64) (float64, error) {
	if !(minWeight >= 0 && minWeight <= 1) {
		return 0, fmt.Errorf("%w: min weight %v not in [0,1]", ErrInvalidParams, minWeight)
	}
	d := oracle.DemandCount()
	if len(selected) == 0 || d == 0 {
		return 0, nil
	}
	miss := make([]float64, d)
	for i := range miss {
		miss[i] = 1
	}
	for _, j := range selected {
		p, err := oracle.Exact(ctx, j, nil)
		if err != nil {
			return 0, fmt.Errorf("facility %d: %w", j, err)
		}
		if len(p) != d {
			return 0, fmt.Errorf("%w: facility %d: got %d, want %d", prr.ErrResultLength, j, len(p), d)
		}
		for i, v := range p {
			miss[i] *= 1 - v
		}
	}
	cov := make([]float64, d)
	for i, m := range miss {
		cov[i] = 1 - m
	}
	return (1-minWeight)*stat.Mean(cov, nil) + minWeight*floats.Min(cov), nil
}
