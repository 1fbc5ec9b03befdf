package core

import (
	"context"
	"errors"
	"math"
	"testing"
)

func TestPredictedCoverage(t *testing.T) {
	ctx := context.Background()
	o := matrixOracle(t, smallPRR())

	got, err := PredictedCoverage(ctx, o, []int{0, 1}, 0.5)
	if err != nil {
		t.Fatalf("PredictedCoverage: %v", err)
	}
	// Per-point coverage: 0.91, 0.75, 0.84.
	want := 0.5*(0.91+0.75+0.84)/3 + 0.5*0.75
	if math.Abs(got-want) > 1e-12 {
		t.Fatalf("PredictedCoverage = %v, want %v", got, want)
	}

	if got, err := PredictedCoverage(ctx, o, nil, 0.5); err != nil || got != 0 {
		t.Fatalf("empty selection = %v, %v; want 0, nil", got, err)
	}
	if _, err := PredictedCoverage(ctx, o, []int{0}, 2); !errors.Is(err, ErrInvalidParams) {
		t.Fatalf("error = %v, want ErrInvalidParams", err)
	}
}
