package mip

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize/convex/lp"
)

// simplexTol is the pivoting tolerance handed to lp.Simplex. Objectives are
// normalised to unit scale before solving, so an absolute value is enough.
const simplexTol = 1e-10

// bigM prices artificial columns relative to the largest cost coefficient.
// A solve that leaves an artificial basic falls back to a phase-one check.
const bigM = 1e5

// artTol is the largest artificial value still read as zero.
const artTol = 1e-9

var errInfeasibleLP = errors.New("linear program is infeasible")

type bound struct {
	lb, ub float64
}

// relaxation is the solution of one node LP. obj is in the internal,
// normalised minimisation units.
type relaxation struct {
	infeasible bool
	x          []float64
	obj        float64
	dual       *dualProblem
}

// lpColumn maps a standard-form column t ≥ 0 back to its model variable:
// x_k = base_k + sign·t.
type lpColumn struct {
	k    int
	sign float64
}

// dualProblem keeps what a node needs to recover its duals on demand.
type dualProblem struct {
	g       *mat.Dense // nil when the node LP had no columns
	h       []float64
	c       []float64
	consRow []int // constraint → row of g, -1 when dropped
}

// orient is +1 for ≤ rows and -1 for ≥ rows, turning every row into ≤ form.
func (c constraint) orient() float64 {
	if c.sense == GreaterEqual {
		return -1
	}
	return 1
}

// constraintRows returns every constraint as a dense ≤-form row over all
// variables, nil for rows without coefficients. The rows are cached until
// the model changes.
func (m *Model) constraintRows() [][]float64 {
	if m.rowCache != nil {
		return m.rowCache
	}
	rows := make([][]float64, len(m.cons))
	for k, v := range m.vars {
		for _, e := range v.entries {
			if rows[e.Cons] == nil {
				rows[e.Cons] = make([]float64, len(m.vars))
			}
			rows[e.Cons][k] += m.cons[e.Cons].orient() * e.Coef
		}
	}
	m.rowCache = rows
	return rows
}

// solveRelaxation solves the LP relaxation of the model under the node's
// bound overrides.
//
// Variables are shifted onto their finite bound so that every LP column is
// non-negative; fixed variables and variables without any row are resolved
// without the simplex. The remaining program min cᵀt s.t. Gt ≤ h, t ≥ 0 has
// one row per non-empty constraint plus one row per finite upper bound.
func (m *Model) solveRelaxation(overrides map[int]bound) (relaxation, error) {
	m.stats.LPSolves++

	n := len(m.vars)
	lbs := make([]float64, n)
	ubs := make([]float64, n)
	for k, v := range m.vars {
		lbs[k], ubs[k] = v.lb, v.ub
		if b, ok := overrides[k]; ok {
			lbs[k] = math.Max(lbs[k], b.lb)
			ubs[k] = math.Min(ubs[k], b.ub)
		}
		if lbs[k] > ubs[k]+m.params.FeasTol {
			return relaxation{infeasible: true}, nil
		}
	}

	rows := m.constraintRows()
	sign := m.objSign()
	x := make([]float64, n)
	cost := make([]float64, n)
	var cols []lpColumn
	for k, v := range m.vars {
		lo, hi := lbs[k], ubs[k]
		cost[k] = sign * v.obj / m.objScale
		if hi <= lo {
			x[k] = lo
			continue
		}
		inRow := false
		for _, e := range v.entries {
			if rows[e.Cons][k] != 0 {
				inRow = true
				break
			}
		}
		if !inRow {
			val, err := rowless(v.name, cost[k], lo, hi)
			if err != nil {
				return relaxation{}, err
			}
			x[k] = val
			continue
		}
		switch {
		case !math.IsInf(lo, -1):
			x[k] = lo
			cols = append(cols, lpColumn{k: k, sign: 1})
		case !math.IsInf(hi, 1):
			x[k] = hi
			cols = append(cols, lpColumn{k: k, sign: -1})
		default:
			cols = append(cols, lpColumn{k: k, sign: 1}, lpColumn{k: k, sign: -1})
		}
	}
	nc := len(cols)

	var (
		gData   []float64
		h       []float64
		consRow = make([]int, len(m.cons))
	)
	for r, c := range m.cons {
		consRow[r] = -1
		rhs := c.orient() * c.rhs
		row := rows[r]
		if row == nil {
			if rhs < -m.params.FeasTol*math.Max(1, math.Abs(rhs)) {
				return relaxation{infeasible: true}, nil
			}
			continue
		}
		nonzero := false
		for _, col := range cols {
			if row[col.k] != 0 {
				nonzero = true
				break
			}
		}
		rhs -= floats.Dot(row, x)
		if !nonzero {
			if rhs < -m.params.FeasTol*math.Max(1, math.Abs(c.rhs)) {
				return relaxation{infeasible: true}, nil
			}
			continue
		}
		consRow[r] = len(h)
		for _, col := range cols {
			gData = append(gData, col.sign*row[col.k])
		}
		h = append(h, rhs)
	}
	for p, col := range cols {
		if col.sign > 0 && !math.IsInf(ubs[col.k], 1) {
			row := make([]float64, nc)
			row[p] = 1
			gData = append(gData, row...)
			h = append(h, ubs[col.k]-lbs[col.k])
		}
	}

	if nc == 0 {
		return relaxation{x: x, obj: floats.Dot(cost, x), dual: &dualProblem{consRow: consRow}}, nil
	}

	c := make([]float64, nc)
	for p, col := range cols {
		c[p] = col.sign * cost[col.k]
	}
	g := mat.NewDense(len(h), nc, gData)
	t, err := solveLE(c, g, h)
	switch {
	case errors.Is(err, errInfeasibleLP):
		return relaxation{infeasible: true}, nil
	case err != nil:
		return relaxation{}, fmt.Errorf("primal simplex: %w", err)
	}
	for p, col := range cols {
		x[col.k] += col.sign * t[p]
	}
	for k := range x {
		x[k] = math.Min(math.Max(x[k], lbs[k]), ubs[k])
	}

	return relaxation{
		x:    x,
		obj:  floats.Dot(cost, x),
		dual: &dualProblem{g: g, h: h, c: c, consRow: consRow},
	}, nil
}

// rowless places a variable that appears in no row at its best bound.
func rowless(name string, cost, lo, hi float64) (float64, error) {
	switch {
	case cost < 0 && math.IsInf(hi, 1), cost > 0 && math.IsInf(lo, -1):
		return 0, fmt.Errorf("%w: variable %s has no rows", ErrUnbounded, name)
	case cost < 0:
		return hi, nil
	case cost > 0, !math.IsInf(lo, -1):
		return lo, nil
	case !math.IsInf(hi, 1):
		return hi, nil
	}
	return 0, nil
}

// duals solves the dual of the node LP, max −hᵀλ s.t. Gᵀλ ≥ −c, λ ≥ 0, and
// returns the multipliers of the model's constraints in ≤-row convention.
func (m *Model) solveDuals(d *dualProblem) ([]float64, error) {
	m.stats.DualSolves++
	duals := make([]float64, len(m.cons))
	if d.g == nil {
		return duals, nil
	}
	r, n := d.g.Dims()
	gt := mat.NewDense(n, r, nil)
	gt.Scale(-1, d.g.T())
	lambda, err := solveLE(d.h, gt, d.c)
	if err != nil {
		return nil, fmt.Errorf("dual simplex: %w", err)
	}
	for k, row := range d.consRow {
		if row >= 0 {
			duals[k] = lambda[row]
		}
	}
	return duals, nil
}

// solveLE solves min cᵀx s.t. Gx ≤ h, x ≥ 0 and returns x.
//
// lp.Simplex is always handed a feasible starting basis: slacks for rows
// with h ≥ 0 and artificial columns, priced at bigM, for the others. When an
// artificial stays positive a phase-one solve from the same basis decides
// feasibility; only a feasible program that bigM could not drive there, or
// a numerical failure, falls back to lp.Simplex's own basis search.
func solveLE(c []float64, g *mat.Dense, h []float64) ([]float64, error) {
	r, n := g.Dims()
	var neg []int
	for i, v := range h {
		if v < 0 {
			neg = append(neg, i)
		}
	}
	width := n + r + len(neg)
	a := mat.NewDense(r, width, nil)
	b := make([]float64, r)
	basis := make([]int, r)
	art := n + r
	for i := 0; i < r; i++ {
		s := 1.0
		if h[i] < 0 {
			s = -1
		}
		for j := 0; j < n; j++ {
			if v := g.At(i, j); v != 0 {
				a.Set(i, j, s*v)
			}
		}
		a.Set(i, n+i, s)
		b[i] = s * h[i]
		if s > 0 {
			basis[i] = n + i
			continue
		}
		a.Set(i, art, 1)
		basis[i] = art
		art++
	}

	cost := make([]float64, width)
	copy(cost, c)
	if len(neg) > 0 {
		penalty := bigM * (1 + floats.Norm(c, math.Inf(1)))
		for q := n + r; q < width; q++ {
			cost[q] = penalty
		}
	}
	_, x, err := lp.Simplex(cost, a, b, simplexTol, append([]int(nil), basis...))
	if err == nil && artificialsZero(x[n+r:]) {
		return x[:n], nil
	}
	if len(neg) == 0 && errors.Is(err, lp.ErrUnbounded) {
		return nil, ErrUnbounded
	}

	if len(neg) > 0 {
		phase1 := make([]float64, width)
		for q := n + r; q < width; q++ {
			phase1[q] = 1
		}
		_, y, perr := lp.Simplex(phase1, a, b, simplexTol, append([]int(nil), basis...))
		if perr == nil && !artificialsZero(y[n+r:]) {
			return nil, errInfeasibleLP
		}
	}

	_, x, err = lp.Simplex(cost[:n+r], a.Slice(0, r, 0, n+r), b, simplexTol, nil)
	switch {
	case errors.Is(err, lp.ErrInfeasible):
		return nil, errInfeasibleLP
	case errors.Is(err, lp.ErrUnbounded):
		return nil, ErrUnbounded
	case err != nil:
		return nil, err
	}
	return x[:n], nil
}

func artificialsZero(arts []float64) bool {
	for _, v := range arts {
		if v > artTol {
			return false
		}
	}
	return true
}
