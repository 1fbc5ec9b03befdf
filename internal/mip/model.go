// Package mip is a small mixed-integer programming host for covering
// problems. It solves LP relaxations with gonum's simplex from a slack
// starting basis, recovers duals on demand by solving the LP dual, and runs
// a best-bound branch-and-bound in which a caller-supplied pricer may add
// columns after every node LP (branch-and-price). Start solutions and a
// rounding heuristic supply incumbents for pruning.
package mip

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/signalsfoundry/iot-net-planner/internal/logging"
)

var (
	ErrNotModifiable = errors.New("constraint is not modifiable")
	ErrUnknownVar    = errors.New("unknown variable")
	ErrUnknownCons   = errors.New("unknown constraint")
	ErrBadBounds     = errors.New("invalid variable bounds")
	ErrNoDuals       = errors.New("duals are only available while pricing")
	ErrUnbounded     = errors.New("problem is unbounded")
	ErrNotSolved     = errors.New("model has not been solved")
)

// Sense is the direction of a linear constraint.
type Sense int

const (
	LessEqual Sense = iota
	GreaterEqual
)

func (s Sense) String() string {
	if s == GreaterEqual {
		return ">="
	}
	return "<="
}

// VarType selects the integrality of a variable.
type VarType int

const (
	Continuous VarType = iota
	Binary
	Integer
)

// ObjSense is the optimisation direction.
type ObjSense int

const (
	Minimize ObjSense = iota
	Maximize
)

// Status is the outcome of Solve.
type Status int

const (
	StatusUnknown Status = iota
	StatusOptimal
	StatusInfeasible
	StatusNodeLimit
)

func (s Status) String() string {
	switch s {
	case StatusOptimal:
		return "optimal"
	case StatusInfeasible:
		return "infeasible"
	case StatusNodeLimit:
		return "node_limit"
	default:
		return "unknown"
	}
}

// Var and Cons are handles into a Model.
type Var int
type Cons int

// Term is one coefficient of a constraint row.
type Term struct {
	Var  Var
	Coef float64
}

// Entry is one coefficient of a column.
type Entry struct {
	Cons Cons
	Coef float64
}

// Column is a prospective variable: its objective coefficient and its
// coefficients in existing constraints.
type Column struct {
	Obj     float64
	Entries []Entry
}

// Params tune the host solver.
type Params struct {
	// FeasTol is the primal feasibility tolerance exposed to callers for
	// objective scaling.
	FeasTol float64
	// Epsilon is the comparison tolerance used by IsLT / IsGT.
	Epsilon float64
	// IntTol is the integrality tolerance.
	IntTol float64
	// NodeLimit bounds the number of branch-and-bound nodes; 0 = unlimited.
	NodeLimit int
	// MaxPricingRounds bounds pricing rounds per node; 0 = unlimited.
	MaxPricingRounds int
}

// DefaultParams mirrors the tolerances of common CIP solvers.
func DefaultParams() Params {
	return Params{
		FeasTol: 1e-6,
		Epsilon: 1e-9,
		IntTol:  1e-6,
	}
}

// Stats are counters collected during Solve.
type Stats struct {
	Nodes         int
	LPSolves      int
	DualSolves    int
	PricingRounds int
	PricedVars    int
	// Incumbents counts accepted improving solutions, from the start
	// solution, the heuristic or integral node LPs.
	Incumbents int
}

// Pricer is invoked after every node LP. It may inspect duals through
// ReducedCost and add columns through AddPricedVar. It reports whether at
// least one column was added; the node LP is then re-solved.
type Pricer func(ctx context.Context, m *Model) (bool, error)

// Heuristic proposes a solution from a node's LP values, indexed by Var.
// It returns nil when it has nothing to offer. Proposals are checked
// against the global bounds and rows before they are accepted.
type Heuristic func(x []float64) map[Var]float64

type variable struct {
	name     string
	typ      VarType
	lb, ub   float64
	obj      float64
	entries  []Entry
	priced   bool
	priority int
}

type constraint struct {
	name       string
	sense      Sense
	rhs        float64
	modifiable bool
}

// Model is a mixed-integer program under construction or solution. A Model
// is not safe for concurrent use.
type Model struct {
	name   string
	params Params
	log    logging.Logger

	sense ObjSense
	vars  []variable
	cons  []constraint

	pricer    Pricer
	heuristic Heuristic
	start     map[Var]float64
	solving   bool

	// rowCache holds the ≤-form constraint rows; nil after any change.
	rowCache [][]float64

	// pending is the node LP whose duals ReducedCost solves for on first
	// use; duals caches them. Both are set only while pricing.
	pending  *dualProblem
	duals    []float64
	objScale float64

	status Status
	sol    []float64
	objVal float64
	stats  Stats
}

// Option configures a Model.
type Option func(*Model)

// WithParams overrides the default solver parameters.
func WithParams(p Params) Option {
	return func(m *Model) {
		m.params = p
	}
}

// WithLogger attaches a logger for node and pricing diagnostics.
func WithLogger(l logging.Logger) Option {
	return func(m *Model) {
		if l != nil {
			m.log = l
		}
	}
}

// NewModel creates an empty minimisation model.
func NewModel(name string, opts ...Option) *Model {
	m := &Model{
		name:   name,
		params: DefaultParams(),
		log:    logging.Noop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.params.FeasTol <= 0 {
		m.params.FeasTol = 1e-6
	}
	if m.params.Epsilon <= 0 {
		m.params.Epsilon = 1e-9
	}
	if m.params.IntTol <= 0 {
		m.params.IntTol = 1e-6
	}
	return m
}

// Name returns the model name.
func (m *Model) Name() string { return m.name }

// FeasTol returns the feasibility tolerance.
func (m *Model) FeasTol() float64 { return m.params.FeasTol }

// IsLT reports a < b beyond Epsilon.
func (m *Model) IsLT(a, b float64) bool { return a-b < -m.params.Epsilon }

// IsGT reports a > b beyond Epsilon.
func (m *Model) IsGT(a, b float64) bool { return a-b > m.params.Epsilon }

// SetObjectiveSense sets the optimisation direction.
func (m *Model) SetObjectiveSense(s ObjSense) { m.sense = s }

// SetPricer registers the column-generation callback.
func (m *Model) SetPricer(p Pricer) { m.pricer = p }

// SetHeuristic registers a primal heuristic run after every node LP that
// survives pruning.
func (m *Model) SetHeuristic(h Heuristic) { m.heuristic = h }

// SetStart supplies a solution to seed the incumbent. Variables missing
// from vals take the feasible value nearest zero. An infeasible start is
// ignored by Solve.
func (m *Model) SetStart(vals map[Var]float64) { m.start = vals }

// SetBranchPriority makes branch-and-bound branch on fractional variables
// of higher priority first. The default priority is 0.
func (m *Model) SetBranchPriority(v Var, priority int) error {
	if err := m.checkVar(v); err != nil {
		return err
	}
	m.vars[v].priority = priority
	return nil
}

// NumVars returns the number of variables, including priced ones.
func (m *Model) NumVars() int { return len(m.vars) }

// AddVar declares a variable. Binary variables have their bounds
// intersected with [0,1]; lb may be -Inf and ub may be +Inf.
func (m *Model) AddVar(name string, typ VarType, lb, ub, obj float64) (Var, error) {
	if typ == Binary {
		lb = math.Max(lb, 0)
		ub = math.Min(ub, 1)
	}
	if math.IsNaN(lb) || math.IsNaN(ub) || lb > ub || math.IsInf(lb, 1) || math.IsInf(ub, -1) {
		return -1, fmt.Errorf("%w: %s [%v, %v]", ErrBadBounds, name, lb, ub)
	}
	m.vars = append(m.vars, variable{name: name, typ: typ, lb: lb, ub: ub, obj: obj})
	m.rowCache = nil
	return Var(len(m.vars) - 1), nil
}

// SetObj changes the objective coefficient of v. It is only valid before
// Solve.
func (m *Model) SetObj(v Var, obj float64) error {
	if err := m.checkVar(v); err != nil {
		return err
	}
	m.vars[v].obj = obj
	return nil
}

// AddCons adds the row Σ terms (sense) rhs. Modifiable rows accept new
// coefficients after Solve has started, which pricing relies on.
func (m *Model) AddCons(name string, terms []Term, sense Sense, rhs float64, modifiable bool) (Cons, error) {
	for _, t := range terms {
		if err := m.checkVar(t.Var); err != nil {
			return -1, err
		}
	}
	m.cons = append(m.cons, constraint{name: name, sense: sense, rhs: rhs, modifiable: modifiable})
	m.rowCache = nil
	c := Cons(len(m.cons) - 1)
	for _, t := range terms {
		if t.Coef == 0 {
			continue
		}
		m.vars[t.Var].entries = append(m.vars[t.Var].entries, Entry{Cons: c, Coef: t.Coef})
	}
	return c, nil
}

// AddConsCoeff adds coef·v to constraint c.
func (m *Model) AddConsCoeff(c Cons, v Var, coef float64) error {
	if err := m.checkCons(c); err != nil {
		return err
	}
	if err := m.checkVar(v); err != nil {
		return err
	}
	if m.solving && !m.cons[c].modifiable {
		return fmt.Errorf("%w: %s", ErrNotModifiable, m.cons[c].name)
	}
	if coef == 0 {
		return nil
	}
	m.vars[v].entries = append(m.vars[v].entries, Entry{Cons: c, Coef: coef})
	m.rowCache = nil
	return nil
}

// AddPricedVar adds a variable together with its column in one step. All
// referenced constraints must be modifiable once Solve has started.
func (m *Model) AddPricedVar(name string, typ VarType, lb, ub float64, col Column) (Var, error) {
	for _, e := range col.Entries {
		if err := m.checkCons(e.Cons); err != nil {
			return -1, err
		}
		if m.solving && !m.cons[e.Cons].modifiable {
			return -1, fmt.Errorf("%w: %s", ErrNotModifiable, m.cons[e.Cons].name)
		}
	}
	v, err := m.AddVar(name, typ, lb, ub, col.Obj)
	if err != nil {
		return -1, err
	}
	for _, e := range col.Entries {
		if e.Coef != 0 {
			m.vars[v].entries = append(m.vars[v].entries, e)
		}
	}
	m.vars[v].priced = true
	m.rowCache = nil
	m.stats.PricedVars++
	return v, nil
}

// ReducedCost returns the reduced cost of col against the current node's
// duals, in the model's objective units and direction: for a minimisation a
// negative value marks an improving column, for a maximisation a positive
// one. The column does not need to be part of the model.
func (m *Model) ReducedCost(col Column) (float64, error) {
	if m.duals == nil {
		if m.pending == nil {
			return 0, ErrNoDuals
		}
		duals, err := m.solveDuals(m.pending)
		if err != nil {
			return 0, err
		}
		m.duals = duals
	}
	sign := m.objSign()
	rc := sign * col.Obj / m.objScale
	for _, e := range col.Entries {
		if err := m.checkCons(e.Cons); err != nil {
			return 0, err
		}
		g := e.Coef
		if m.cons[e.Cons].sense == GreaterEqual {
			g = -g
		}
		rc += m.duals[e.Cons] * g
	}
	return sign * rc * m.objScale, nil
}

// VarReducedCost is ReducedCost for a variable already in the model.
func (m *Model) VarReducedCost(v Var) (float64, error) {
	if err := m.checkVar(v); err != nil {
		return 0, err
	}
	return m.ReducedCost(Column{Obj: m.vars[v].obj, Entries: m.vars[v].entries})
}

// Value returns the value of v in the best solution found.
func (m *Model) Value(v Var) (float64, error) {
	if err := m.checkVar(v); err != nil {
		return 0, err
	}
	if m.sol == nil {
		return 0, ErrNotSolved
	}
	if int(v) >= len(m.sol) {
		return 0, nil
	}
	return m.sol[v], nil
}

// Objective returns the objective value of the best solution found.
func (m *Model) Objective() float64 { return m.objVal }

// Status returns the outcome of the last Solve.
func (m *Model) Status() Status { return m.status }

// Stats returns solve counters.
func (m *Model) Stats() Stats { return m.stats }

func (m *Model) objSign() float64 {
	if m.sense == Maximize {
		return -1
	}
	return 1
}

func (m *Model) checkVar(v Var) error {
	if v < 0 || int(v) >= len(m.vars) {
		return fmt.Errorf("%w: %d", ErrUnknownVar, v)
	}
	return nil
}

func (m *Model) checkCons(c Cons) error {
	if c < 0 || int(c) >= len(m.cons) {
		return fmt.Errorf("%w: %d", ErrUnknownCons, c)
	}
	return nil
}
