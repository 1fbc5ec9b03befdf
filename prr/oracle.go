// Package prr provides packet reception rate (PRR) oracles: exact values
// and cheap bounds between candidate gateways and demand points, plus a
// caching layer that refines upper bounds incrementally.
package prr

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrFacilityRange = errors.New("facility index out of range")
	ErrMaskLength    = errors.New("demand mask has wrong length")
	ErrShapeMismatch = errors.New("prr matrix shape does not match instance")
	ErrResultLength  = errors.New("oracle returned wrong number of values")
	ErrNotImprovable = errors.New("oracle does not support bound improvement")
	ErrBadQuantile   = errors.New("quantile is not a number")
)

// Mask selects demand points. A nil Mask selects all of them.
type Mask []bool

// All returns a mask selecting n demand points.
func All(n int) Mask {
	m := make(Mask, n)
	for i := range m {
		m[i] = true
	}
	return m
}

// Count returns the number of selected points out of n.
func (m Mask) Count(n int) int {
	if m == nil {
		return n
	}
	c := 0
	for _, v := range m {
		if v {
			c++
		}
	}
	return c
}

// Has reports whether point i is selected.
func (m Mask) Has(i int) bool {
	return m == nil || m[i]
}

// Oracle returns PRR vectors for one facility over the demand points
// selected by mask, in mask order. For every cell
// Lower ≤ Exact ≤ Upper.
type Oracle interface {
	Exact(ctx context.Context, fac int, mask Mask) ([]float64, error)
	Upper(ctx context.Context, fac int, mask Mask) ([]float64, error)
	Lower(ctx context.Context, fac int, mask Mask) ([]float64, error)
	DemandCount() int
	FacilityCount() int
}

// Improver tightens the upper bounds of a facility by resolving the exact
// PRR of its nearest quantile of demand points.
type Improver interface {
	ImproveUpper(ctx context.Context, fac int, quantile float64) error
}

// CheckArgs validates a facility index and mask against an oracle's shape.
// Oracle implementations call it before doing any work.
func CheckArgs(o Oracle, fac int, mask Mask) error {
	if fac < 0 || fac >= o.FacilityCount() {
		return fmt.Errorf("%w: %d not in [0,%d)", ErrFacilityRange, fac, o.FacilityCount())
	}
	if mask != nil && len(mask) != o.DemandCount() {
		return fmt.Errorf("%w: got %d, want %d", ErrMaskLength, len(mask), o.DemandCount())
	}
	return nil
}

