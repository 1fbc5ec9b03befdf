package mip

import (
	"container/heap"
	"context"
	"fmt"
	"math"

	"github.com/signalsfoundry/iot-net-planner/internal/logging"
	"gonum.org/v1/gonum/floats"
)

type node struct {
	bounds map[int]bound
	depth  int
	// bound is the parent's LP objective, a lower bound for the subtree.
	bound float64
	seq   int
}

func (n node) child(k int, b bound, lpObj float64, seq int) node {
	bounds := make(map[int]bound, len(n.bounds)+1)
	for key, v := range n.bounds {
		bounds[key] = v
	}
	bounds[k] = b
	return node{bounds: bounds, depth: n.depth + 1, bound: lpObj, seq: seq}
}

// nodeQueue is a min-heap of open nodes: lowest bound first, then deepest,
// then most recently created.
type nodeQueue []node

func (q nodeQueue) Len() int { return len(q) }

func (q nodeQueue) Less(i, j int) bool {
	if q[i].bound != q[j].bound {
		return q[i].bound < q[j].bound
	}
	if q[i].depth != q[j].depth {
		return q[i].depth > q[j].depth
	}
	return q[i].seq > q[j].seq
}

func (q nodeQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *nodeQueue) Push(x any) { *q = append(*q, x.(node)) }

func (q *nodeQueue) Pop() any {
	old := *q
	n := old[len(old)-1]
	*q = old[:len(old)-1]
	return n
}

// incumbent is the best known solution in internal objective units.
type incumbent struct {
	x   []float64
	obj float64
}

func (inc *incumbent) ok() bool { return inc.x != nil }

// Solve runs best-bound branch-and-bound, pricing at every node when a
// pricer is registered. The context is checked between nodes.
func (m *Model) Solve(ctx context.Context) (Status, error) {
	m.solving = true
	defer func() {
		m.solving = false
		m.pending = nil
		m.duals = nil
	}()

	m.objScale = 0
	for _, v := range m.vars {
		m.objScale = math.Max(m.objScale, math.Abs(v.obj))
	}
	if m.objScale == 0 {
		m.objScale = 1
	}

	inc := incumbent{obj: math.Inf(1)}
	m.status = StatusUnknown
	m.sol = nil
	if m.start != nil {
		if x, obj, ok := m.candidate(m.start); ok {
			m.accept(ctx, &inc, x, obj, "start")
		} else {
			m.log.Debug(ctx, "start solution rejected", logging.String("model", m.name))
		}
	}

	queue := &nodeQueue{{bounds: map[int]bound{}, bound: math.Inf(-1)}}
	seq := 0
	for queue.Len() > 0 {
		if err := ctx.Err(); err != nil {
			return m.status, err
		}
		if m.params.NodeLimit > 0 && m.stats.Nodes >= m.params.NodeLimit {
			m.finish(inc, StatusNodeLimit)
			m.log.Warn(ctx, "branch-and-bound node limit reached",
				logging.String("model", m.name),
				logging.Int("nodes", m.stats.Nodes),
			)
			return m.status, nil
		}

		nd := heap.Pop(queue).(node)
		if inc.ok() && nd.bound >= inc.obj-m.pruneTol(inc.obj) {
			continue
		}
		m.stats.Nodes++

		rel, err := m.solveNode(ctx, nd)
		if err != nil {
			return m.status, err
		}
		if rel.infeasible {
			continue
		}
		if m.heuristic != nil {
			if vals := m.heuristic(rel.x); vals != nil {
				if x, obj, ok := m.candidate(vals); ok && obj < inc.obj-m.pruneTol(inc.obj) {
					m.accept(ctx, &inc, x, obj, "heuristic")
				}
			}
		}
		if inc.ok() && rel.obj >= inc.obj-m.pruneTol(inc.obj) {
			continue
		}

		k := m.branchVar(rel.x)
		if k < 0 {
			m.accept(ctx, &inc, append([]float64(nil), rel.x...), rel.obj, "lp")
			continue
		}

		v := rel.x[k]
		lo, hi := m.vars[k].lb, m.vars[k].ub
		if b, ok := nd.bounds[k]; ok {
			lo, hi = math.Max(lo, b.lb), math.Min(hi, b.ub)
		}
		// The up-branch is newer, so it wins ties.
		heap.Push(queue, nd.child(k, bound{lb: lo, ub: math.Floor(v)}, rel.obj, seq))
		heap.Push(queue, nd.child(k, bound{lb: math.Ceil(v), ub: hi}, rel.obj, seq+1))
		seq += 2
	}

	status := StatusOptimal
	if !inc.ok() {
		status = StatusInfeasible
	}
	m.finish(inc, status)
	m.log.Debug(ctx, "branch-and-bound finished",
		logging.String("model", m.name),
		logging.String("status", status.String()),
		logging.Int("nodes", m.stats.Nodes),
		logging.Int("lp_solves", m.stats.LPSolves),
		logging.Int("dual_solves", m.stats.DualSolves),
		logging.Int("incumbents", m.stats.Incumbents),
		logging.Int("priced_vars", m.stats.PricedVars),
	)
	return status, nil
}

func (m *Model) accept(ctx context.Context, inc *incumbent, x []float64, obj float64, source string) {
	inc.x, inc.obj = x, obj
	m.stats.Incumbents++
	m.log.Debug(ctx, "new incumbent",
		logging.String("model", m.name),
		logging.String("source", source),
		logging.Float("objective", m.external(obj)),
	)
}

// candidate checks a proposed solution against the global bounds,
// integrality and every row, and returns it as a dense vector with its
// internal objective.
func (m *Model) candidate(vals map[Var]float64) ([]float64, float64, bool) {
	x := make([]float64, len(m.vars))
	var obj float64
	for k, v := range m.vars {
		val, ok := vals[Var(k)]
		if !ok {
			val = math.Min(math.Max(0, v.lb), v.ub)
		}
		tol := m.params.FeasTol * math.Max(1, math.Abs(val))
		if math.IsNaN(val) || val < v.lb-tol || val > v.ub+tol {
			return nil, 0, false
		}
		if v.typ != Continuous {
			if math.Abs(val-math.Round(val)) > m.params.IntTol {
				return nil, 0, false
			}
			val = math.Round(val)
		}
		x[k] = val
		obj += m.objSign() * v.obj / m.objScale * val
	}
	rows := m.constraintRows()
	for r, c := range m.cons {
		var lhs float64
		if rows[r] != nil {
			lhs = floats.Dot(rows[r], x)
		}
		rhs := c.orient() * c.rhs
		if lhs > rhs+m.params.FeasTol*math.Max(1, math.Abs(rhs)) {
			return nil, 0, false
		}
	}
	return x, obj, true
}

// solveNode solves the node LP and runs pricing rounds until the pricer adds
// no column. Infeasible nodes are not priced: every column a covering pricer
// can add only consumes budget, so it cannot restore feasibility.
func (m *Model) solveNode(ctx context.Context, nd node) (relaxation, error) {
	rounds := 0
	for {
		rel, err := m.solveRelaxation(nd.bounds)
		if err != nil {
			return relaxation{}, fmt.Errorf("node %d LP: %w", m.stats.Nodes, err)
		}
		if rel.infeasible || m.pricer == nil {
			return rel, nil
		}
		if m.params.MaxPricingRounds > 0 && rounds >= m.params.MaxPricingRounds {
			return rel, nil
		}

		m.pending, m.duals = rel.dual, nil
		rounds++
		m.stats.PricingRounds++
		added, err := m.pricer(ctx, m)
		m.pending, m.duals = nil, nil
		if err != nil {
			return relaxation{}, fmt.Errorf("pricing: %w", err)
		}
		if !added {
			return rel, nil
		}
	}
}

// branchVar returns the fractional integer variable of highest branching
// priority, the most fractional among those and the lowest index on ties,
// or -1 when x is integral.
func (m *Model) branchVar(x []float64) int {
	best, bestPri, bestFrac := -1, 0, 0.0
	for k, v := range m.vars {
		if v.typ == Continuous {
			continue
		}
		f := x[k] - math.Floor(x[k])
		frac := math.Min(f, 1-f)
		if frac <= m.params.IntTol {
			continue
		}
		if best < 0 || v.priority > bestPri || (v.priority == bestPri && frac > bestFrac) {
			best, bestPri, bestFrac = k, v.priority, frac
		}
	}
	return best
}

func (m *Model) pruneTol(obj float64) float64 {
	return m.params.Epsilon * math.Max(1, math.Abs(obj))
}

func (m *Model) external(obj float64) float64 {
	return m.objSign() * obj * m.objScale
}

func (m *Model) finish(inc incumbent, status Status) {
	m.status = status
	if !inc.ok() {
		m.sol = nil
		m.objVal = math.NaN()
		return
	}
	sol := make([]float64, len(m.vars))
	copy(sol, inc.x)
	for k, v := range m.vars {
		if v.typ != Continuous {
			sol[k] = math.Round(sol[k])
		}
	}
	m.sol = sol
	m.objVal = m.external(inc.obj)
}
