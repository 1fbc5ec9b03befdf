package prr

import (
	"context"
	"fmt"

	"github.com/signalsfoundry/iot-net-planner/internal/store"
	"gonum.org/v1/gonum/mat"
)

// MatrixOracle serves PRRs from a precomputed demand × facility matrix.
// Exact, upper and lower values coincide.
type MatrixOracle struct {
	prr *mat.Dense
}

var _ Oracle = (*MatrixOracle)(nil)

// NewMatrixOracle validates that every entry of prr is a probability.
func NewMatrixOracle(prr *mat.Dense) (*MatrixOracle, error) {
	r, c := prr.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if v := prr.At(i, j); !(v >= 0 && v <= 1) {
				return nil, fmt.Errorf("prr[%d,%d] = %v is not a probability", i, j, v)
			}
		}
	}
	return &MatrixOracle{prr: prr}, nil
}

// LoadMatrix reads a gonum binary matrix from st.
func LoadMatrix(ctx context.Context, st store.Store, key string) (*MatrixOracle, error) {
	data, err := st.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("load prr matrix %s: %w", key, err)
	}
	var m mat.Dense
	if err := m.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("decode prr matrix %s: %w", key, err)
	}
	return NewMatrixOracle(&m)
}

// SaveMatrix writes m to st in gonum's binary format.
func SaveMatrix(ctx context.Context, st store.Store, key string, m *mat.Dense) error {
	data, err := m.MarshalBinary()
	if err != nil {
		return fmt.Errorf("encode prr matrix: %w", err)
	}
	if err := st.Put(ctx, key, data); err != nil {
		return fmt.Errorf("save prr matrix %s: %w", key, err)
	}
	return nil
}

// SavePRRs evaluates the exact PRR of every cell of o and stores the
// resulting matrix under key. The matrix is returned as well.
func SavePRRs(ctx context.Context, o Oracle, st store.Store, key string) (*mat.Dense, error) {
	d, f := o.DemandCount(), o.FacilityCount()
	if d == 0 || f == 0 {
		return nil, fmt.Errorf("%w: empty %dx%d oracle", ErrShapeMismatch, d, f)
	}
	m := mat.NewDense(d, f, nil)
	for j := 0; j < f; j++ {
		col, err := o.Exact(ctx, j, nil)
		if err != nil {
			return nil, fmt.Errorf("exact prr for facility %d: %w", j, err)
		}
		if len(col) != d {
			return nil, fmt.Errorf("%w: facility %d: got %d, want %d", ErrResultLength, j, len(col), d)
		}
		m.SetCol(j, col)
	}
	if err := SaveMatrix(ctx, st, key, m); err != nil {
		return nil, err
	}
	return m, nil
}

// Validate checks the matrix against an instance of the given shape.
func (o *MatrixOracle) Validate(demands, facilities int) error {
	r, c := o.prr.Dims()
	if r != demands || c != facilities {
		return fmt.Errorf("%w: matrix is %dx%d, instance is %dx%d", ErrShapeMismatch, r, c, demands, facilities)
	}
	return nil
}

func (o *MatrixOracle) DemandCount() int {
	r, _ := o.prr.Dims()
	return r
}

func (o *MatrixOracle) FacilityCount() int {
	_, c := o.prr.Dims()
	return c
}

func (o *MatrixOracle) Exact(ctx context.Context, fac int, mask Mask) ([]float64, error) {
	return o.column(fac, mask)
}

func (o *MatrixOracle) Upper(ctx context.Context, fac int, mask Mask) ([]float64, error) {
	return o.column(fac, mask)
}

func (o *MatrixOracle) Lower(ctx context.Context, fac int, mask Mask) ([]float64, error) {
	return o.column(fac, mask)
}

func (o *MatrixOracle) column(fac int, mask Mask) ([]float64, error) {
	if err := CheckArgs(o, fac, mask); err != nil {
		return nil, err
	}
	d := o.DemandCount()
	out := make([]float64, 0, mask.Count(d))
	for i := 0; i < d; i++ {
		if mask.Has(i) {
			out = append(out, o.prr.At(i, fac))
		}
	}
	return out, nil
}
