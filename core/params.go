package core

import (
	"errors"
	"fmt"
	"math"
)

var (
	ErrInvalidParams    = errors.New("invalid solver parameters")
	ErrBudgetInfeasible = errors.New("built facilities exceed budget")
)

// DefaultBlobWidth is the number of neighbours averaged into an inexact
// facility's column when CoverageParams.BlobWidth is zero.
const DefaultBlobWidth = 10

// CoverageParams configures coverage maximisation.
//
// The objective is MinWeight·(worst coverage) + ThresholdWeight·(share of
// points meeting Threshold) + (1-MinWeight-ThresholdWeight)·(mean coverage),
// with coverage measured in the log-failure domain.
type CoverageParams struct {
	Budget          float64
	MinWeight       float64 // α
	ThresholdWeight float64 // β; zero drops the threshold variables
	Threshold       float64 // τ, a probability

	// BlobWidth is the neighbourhood size of the inexact-facility envelope.
	// Zero means DefaultBlobWidth. Ignored when no facility carries
	// exactness metadata.
	BlobWidth int

	// QInc is the quantile step of the branch-and-price bound ladder.
	// Values outside (0,1] mean a single step to 1.0.
	QInc float64
}

// Validate checks weights and budget.
func (p CoverageParams) Validate() error {
	switch {
	case math.IsNaN(p.Budget) || p.Budget < 0:
		return fmt.Errorf("%w: budget %v", ErrInvalidParams, p.Budget)
	case !(p.MinWeight >= 0 && p.MinWeight <= 1):
		return fmt.Errorf("%w: min weight %v not in [0,1]", ErrInvalidParams, p.MinWeight)
	case !(p.ThresholdWeight >= 0 && p.ThresholdWeight <= 1):
		return fmt.Errorf("%w: threshold weight %v not in [0,1]", ErrInvalidParams, p.ThresholdWeight)
	case p.MinWeight+p.ThresholdWeight > 1+1e-12:
		return fmt.Errorf("%w: min weight + threshold weight = %v > 1", ErrInvalidParams, p.MinWeight+p.ThresholdWeight)
	case !(p.Threshold >= 0 && p.Threshold < 1):
		return fmt.Errorf("%w: threshold %v not in [0,1)", ErrInvalidParams, p.Threshold)
	case p.BlobWidth < 0:
		return fmt.Errorf("%w: blob width %d", ErrInvalidParams, p.BlobWidth)
	}
	return nil
}

func (p CoverageParams) blobWidth() int {
	if p.BlobWidth == 0 {
		return DefaultBlobWidth
	}
	return p.BlobWidth
}

func (p CoverageParams) qinc() float64 {
	if !(p.QInc > 0 && p.QInc <= 1) {
		return 1
	}
	return p.QInc
}

// avgWeight is the weight of the mean-coverage term.
func (p CoverageParams) avgWeight() float64 {
	return math.Max(0, 1-p.MinWeight-p.ThresholdWeight)
}

// BudgetParams configures budget minimisation.
type BudgetParams struct {
	// Required is the per-demand-point coverage probability. nil takes
	// DemandPoint.RequiredCoverage from the instance.
	Required []float64

	BlobWidth int
}

func (p BudgetParams) blobWidth() int {
	if p.BlobWidth == 0 {
		return DefaultBlobWidth
	}
	return p.BlobWidth
}

// Validate checks the requirement vector against d demand points.
func (p BudgetParams) Validate(d int) error {
	if p.BlobWidth < 0 {
		return fmt.Errorf("%w: blob width %d", ErrInvalidParams, p.BlobWidth)
	}
	if p.Required == nil {
		return nil
	}
	if len(p.Required) != d {
		return fmt.Errorf("%w: %d required coverages for %d demand points", ErrInvalidParams, len(p.Required), d)
	}
	for i, r := range p.Required {
		if !(r >= 0 && r <= 1) {
			return fmt.Errorf("%w: required coverage %v at demand %d", ErrInvalidParams, r, i)
		}
	}
	return nil
}
