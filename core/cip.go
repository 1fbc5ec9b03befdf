package core

import (
	"fmt"
	"math"
	"sort"

	"github.com/signalsfoundry/iot-net-planner/internal/mip"
)

// coverageModel is the covering program for coverage maximisation:
//
//	opt  scalar·(α·min_cov + β/D·Σy + (1-α-β)/D·Σ_i Σ_j A[i,j]·x_j)
//	s.t. Σ_j cost_j·x_j ≤ budget
//	     Σ_j A[i,j]·x_j − min_cov ≥ 0      ∀i
//	     Σ_j A[i,j]·x_j − τ'·y_i ≥ 0       ∀i  (β > 0 only)
//	     x_j ≥ built_j, x, y binary, min_cov ≥ 0
//
// The direct solver maximises; the branch-and-price master minimises the
// negated objective.
type coverageModel struct {
	m      *mip.Model
	sign   float64
	scalar float64
	p      CoverageParams
	d      int

	x     []mip.Var
	facs  []int       // facility index of x[k]
	cols  [][]float64 // log-failure column of x[k]
	costs []float64
	built []bool

	minCov  mip.Var
	y       []mip.Var
	budget  mip.Cons
	covRows []mip.Cons
	thrRows []mip.Cons
}

type coverageModelSpec struct {
	name       string
	sense      mip.ObjSense
	modifiable bool
	scalar     float64
	d          int
}

func newCoverageModel(spec coverageModelSpec, p CoverageParams, opts ...mip.Option) (*coverageModel, error) {
	m := mip.NewModel(spec.name, opts...)
	m.SetObjectiveSense(spec.sense)
	cm := &coverageModel{
		m:      m,
		sign:   1,
		scalar: spec.scalar,
		p:      p,
		d:      spec.d,
	}
	if spec.sense == mip.Minimize {
		cm.sign = -1
	}
	m.SetHeuristic(cm.round)

	var err error
	cm.minCov, err = m.AddVar("min_cov", mip.Continuous, 0, math.Inf(1), cm.sign*spec.scalar*p.MinWeight)
	if err != nil {
		return nil, err
	}
	cm.budget, err = m.AddCons("budget", nil, mip.LessEqual, p.Budget, spec.modifiable)
	if err != nil {
		return nil, err
	}

	tau := LogFailure(p.Threshold)
	cm.covRows = make([]mip.Cons, spec.d)
	for i := 0; i < spec.d; i++ {
		cm.covRows[i], err = m.AddCons(fmt.Sprintf("cov_%d", i),
			[]mip.Term{{Var: cm.minCov, Coef: -1}}, mip.GreaterEqual, 0, spec.modifiable)
		if err != nil {
			return nil, err
		}
	}
	if p.ThresholdWeight > 0 {
		cm.y = make([]mip.Var, spec.d)
		cm.thrRows = make([]mip.Cons, spec.d)
		yObj := cm.sign * spec.scalar * p.ThresholdWeight / float64(spec.d)
		for i := 0; i < spec.d; i++ {
			cm.y[i], err = m.AddVar(fmt.Sprintf("y_%d", i), mip.Binary, 0, 1, yObj)
			if err != nil {
				return nil, err
			}
			cm.thrRows[i], err = m.AddCons(fmt.Sprintf("thr_%d", i),
				[]mip.Term{{Var: cm.y[i], Coef: -tau}}, mip.GreaterEqual, 0, spec.modifiable)
			if err != nil {
				return nil, err
			}
		}
	}
	return cm, nil
}

// column is the objective and row coefficients of a facility with
// log-failure column a and the given cost.
func (cm *coverageModel) column(a []float64, cost float64) mip.Column {
	var total float64
	for _, v := range a {
		total += v
	}
	col := mip.Column{
		Obj:     cm.sign * cm.scalar * cm.p.avgWeight() / float64(cm.d) * total,
		Entries: make([]mip.Entry, 0, 1+len(cm.covRows)+len(cm.thrRows)),
	}
	if cost != 0 {
		col.Entries = append(col.Entries, mip.Entry{Cons: cm.budget, Coef: cost})
	}
	for i, v := range a {
		if v == 0 {
			continue
		}
		col.Entries = append(col.Entries, mip.Entry{Cons: cm.covRows[i], Coef: v})
		if cm.thrRows != nil {
			col.Entries = append(col.Entries, mip.Entry{Cons: cm.thrRows[i], Coef: v})
		}
	}
	return col
}

// addFacility adds x_fac before solving.
func (cm *coverageModel) addFacility(fac int, a []float64, cost float64, built bool) error {
	col := cm.column(a, cost)
	lb := 0.0
	if built {
		lb = 1
	}
	v, err := cm.m.AddVar(fmt.Sprintf("x_%d", fac), mip.Binary, lb, 1, col.Obj)
	if err != nil {
		return err
	}
	for _, e := range col.Entries {
		if err := cm.m.AddConsCoeff(e.Cons, v, e.Coef); err != nil {
			return err
		}
	}
	return cm.track(v, fac, a, cost, built)
}

// addPricedFacility adds x_fac during pricing.
func (cm *coverageModel) addPricedFacility(fac int, a []float64, cost float64) error {
	v, err := cm.m.AddPricedVar(fmt.Sprintf("x_%d", fac), mip.Binary, 0, 1, cm.column(a, cost))
	if err != nil {
		return err
	}
	return cm.track(v, fac, a, cost, false)
}

// track records x_fac. Facility variables branch before threshold
// indicators: fixing y first leaves the x relaxation loose.
func (cm *coverageModel) track(v mip.Var, fac int, a []float64, cost float64, built bool) error {
	if err := cm.m.SetBranchPriority(v, 1); err != nil {
		return err
	}
	cm.x = append(cm.x, v)
	cm.facs = append(cm.facs, fac)
	cm.cols = append(cm.cols, a)
	cm.costs = append(cm.costs, cost)
	cm.built = append(cm.built, built)
	return nil
}

// assignment completes a choice of facilities, on[k] for x[k], with the
// best min_cov and threshold indicators it allows.
func (cm *coverageModel) assignment(on []bool) map[mip.Var]float64 {
	cov := make([]float64, cm.d)
	vals := make(map[mip.Var]float64, len(cm.x)+len(cm.y)+1)
	for k, v := range cm.x {
		if !on[k] {
			vals[v] = 0
			continue
		}
		vals[v] = 1
		for i, a := range cm.cols[k] {
			cov[i] += a
		}
	}
	minCov := math.Inf(1)
	for _, c := range cov {
		minCov = math.Min(minCov, c)
	}
	if cm.d == 0 {
		minCov = 0
	}
	vals[cm.minCov] = minCov
	tau := LogFailure(cm.p.Threshold)
	for i, y := range cm.y {
		vals[y] = 0
		if cov[i] >= tau {
			vals[y] = 1
		}
	}
	return vals
}

// round is the model's primal heuristic: built facilities, then the others
// by descending LP value while the budget allows.
func (cm *coverageModel) round(x []float64) map[mip.Var]float64 {
	order := make([]int, len(cm.x))
	for k := range order {
		order[k] = k
	}
	sort.SliceStable(order, func(a, b int) bool {
		ka, kb := order[a], order[b]
		if cm.built[ka] != cm.built[kb] {
			return cm.built[ka]
		}
		return x[cm.x[ka]] > x[cm.x[kb]]
	})
	on := make([]bool, len(cm.x))
	var spent float64
	for _, k := range order {
		if cm.built[k] || spent+cm.costs[k] <= cm.p.Budget {
			on[k] = true
			spent += cm.costs[k]
		}
	}
	return cm.assignment(on)
}

// selected returns the facilities with x > 0.9, ascending.
func (cm *coverageModel) selected() ([]int, error) {
	return selectedFacilities(cm.m, cm.x, cm.facs)
}

func selectedFacilities(m *mip.Model, x []mip.Var, facs []int) ([]int, error) {
	var out []int
	for k, v := range x {
		val, err := m.Value(v)
		if err != nil {
			return nil, err
		}
		if val > 0.9 {
			out = append(out, facs[k])
		}
	}
	sort.Ints(out)
	return out, nil
}
