package prr

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/signalsfoundry/iot-net-planner/model"
	"gonum.org/v1/gonum/stat"
)

// minDistance keeps log-distances finite for co-located sites.
const minDistance = 1.0

// Cache memoizes exact PRRs per (demand, facility) cell. A cell is written
// once, and only with an exact oracle value; bound queries are served from
// exact cells where available and never populate the cache.
//
// Cache is safe for concurrent use. Oracle calls are made without holding
// the lock, so two goroutines asking for the same uncached cell may both
// query the oracle; the first value written wins.
type Cache struct {
	oracle  Oracle
	demands []model.Location
	facs    []model.Location
	d, f    int
	cells   *cells
}

// cells is the memo shared by a Cache and its recorder views.
type cells struct {
	mu     sync.RWMutex
	values []float64 // facility-major: fac*d + i
	exact  []bool
}

var (
	_ Oracle   = (*Cache)(nil)
	_ Improver = (*Cache)(nil)
)

// NewCache wraps o. The locations are used by ImproveUpper to rank demand
// points by distance and must match the oracle's shape.
func NewCache(o Oracle, demands, facilities []model.Location) (*Cache, error) {
	d, f := o.DemandCount(), o.FacilityCount()
	if len(demands) != d || len(facilities) != f {
		return nil, fmt.Errorf("%w: oracle is %dx%d, locations are %dx%d",
			ErrShapeMismatch, d, f, len(demands), len(facilities))
	}
	return &Cache{
		oracle:  o,
		demands: demands,
		facs:    facilities,
		d:       d,
		f:       f,
		cells: &cells{
			values: make([]float64, d*f),
			exact:  make([]bool, d*f),
		},
	}, nil
}

// WithRecorder returns a view of c over the same cells whose calls to the
// wrapped oracle are reported to rec. Cache hits are not reported.
func (c *Cache) WithRecorder(rec Recorder) *Cache {
	if rec == nil {
		return c
	}
	view := *c
	view.oracle = Instrument(c.oracle, rec)
	return &view
}

func (c *Cache) DemandCount() int   { return c.d }
func (c *Cache) FacilityCount() int { return c.f }

// Exact serves cached cells and asks the oracle only for the rest of the
// mask. New values are cached.
func (c *Cache) Exact(ctx context.Context, fac int, mask Mask) ([]float64, error) {
	out, need, missing, err := c.lookup(fac, mask)
	if err != nil || missing == 0 {
		return out, err
	}
	res, err := c.oracle.Exact(ctx, fac, need)
	if err != nil {
		return nil, fmt.Errorf("exact prr for facility %d: %w", fac, err)
	}
	if len(res) != missing {
		return nil, fmt.Errorf("%w: facility %d: got %d, want %d", ErrResultLength, fac, len(res), missing)
	}
	c.store(fac, need, res)
	merge(out, mask, need, res)
	return out, nil
}

// Upper returns cached exact values where present and oracle upper bounds
// elsewhere.
func (c *Cache) Upper(ctx context.Context, fac int, mask Mask) ([]float64, error) {
	return c.bound(ctx, fac, mask, c.oracle.Upper, "upper")
}

// Lower returns cached exact values where present and oracle lower bounds
// elsewhere.
func (c *Cache) Lower(ctx context.Context, fac int, mask Mask) ([]float64, error) {
	return c.bound(ctx, fac, mask, c.oracle.Lower, "lower")
}

type boundFunc func(ctx context.Context, fac int, mask Mask) ([]float64, error)

func (c *Cache) bound(ctx context.Context, fac int, mask Mask, fn boundFunc, kind string) ([]float64, error) {
	out, need, missing, err := c.lookup(fac, mask)
	if err != nil || missing == 0 {
		return out, err
	}
	res, err := fn(ctx, fac, need)
	if err != nil {
		return nil, fmt.Errorf("%s prr bound for facility %d: %w", kind, fac, err)
	}
	if len(res) != missing {
		return nil, fmt.Errorf("%w: facility %d: got %d, want %d", ErrResultLength, fac, len(res), missing)
	}
	merge(out, mask, need, res)
	return out, nil
}

// ImproveUpper resolves the exact PRR of every uncached demand point whose
// log-distance to fac is at most the empirical quantile q of the
// log-distances to all demand points. q is clamped to [0,1]; NaN is
// rejected. On oracle failure the cache is left unchanged.
func (c *Cache) ImproveUpper(ctx context.Context, fac int, q float64) error {
	if err := CheckArgs(c, fac, nil); err != nil {
		return err
	}
	if math.IsNaN(q) {
		return fmt.Errorf("improve upper bound of facility %d: %w", fac, ErrBadQuantile)
	}
	q = math.Min(math.Max(q, 0), 1)
	if c.d == 0 {
		return nil
	}

	dists := c.logDistances(fac)
	sorted := append([]float64(nil), dists...)
	sort.Float64s(sorted)
	cut := stat.Quantile(q, stat.Empirical, sorted, nil)

	base := fac * c.d
	need := make(Mask, c.d)
	missing := 0
	c.cells.mu.RLock()
	for i, dist := range dists {
		if dist <= cut && !c.cells.exact[base+i] {
			need[i] = true
			missing++
		}
	}
	c.cells.mu.RUnlock()
	if missing == 0 {
		return nil
	}

	res, err := c.oracle.Exact(ctx, fac, need)
	if err != nil {
		return fmt.Errorf("improve upper bound of facility %d: %w", fac, err)
	}
	if len(res) != missing {
		return fmt.Errorf("%w: facility %d: got %d, want %d", ErrResultLength, fac, len(res), missing)
	}
	c.store(fac, need, res)
	return nil
}

// ExactCount returns how many cells of fac hold exact values.
func (c *Cache) ExactCount(fac int) int {
	c.cells.mu.RLock()
	defer c.cells.mu.RUnlock()
	n := 0
	for _, ok := range c.cells.exact[fac*c.d : (fac+1)*c.d] {
		if ok {
			n++
		}
	}
	return n
}

// IsExact reports whether cell (i, fac) is cached.
func (c *Cache) IsExact(i, fac int) bool {
	c.cells.mu.RLock()
	defer c.cells.mu.RUnlock()
	return c.cells.exact[fac*c.d+i]
}

// lookup fills the cached part of the result and returns the mask of
// uncached selected points.
func (c *Cache) lookup(fac int, mask Mask) (out []float64, need Mask, missing int, err error) {
	if err := CheckArgs(c, fac, mask); err != nil {
		return nil, nil, 0, err
	}
	out = make([]float64, 0, mask.Count(c.d))
	need = make(Mask, c.d)
	base := fac * c.d

	c.cells.mu.RLock()
	defer c.cells.mu.RUnlock()
	for i := 0; i < c.d; i++ {
		if !mask.Has(i) {
			continue
		}
		if c.cells.exact[base+i] {
			out = append(out, c.cells.values[base+i])
			continue
		}
		out = append(out, 0)
		need[i] = true
		missing++
	}
	return out, need, missing, nil
}

func (c *Cache) store(fac int, need Mask, res []float64) {
	base := fac * c.d
	c.cells.mu.Lock()
	defer c.cells.mu.Unlock()
	k := 0
	for i, ok := range need {
		if !ok {
			continue
		}
		if !c.cells.exact[base+i] {
			c.cells.values[base+i] = res[k]
			c.cells.exact[base+i] = true
		}
		k++
	}
}

// merge writes oracle results into the uncached slots of out.
func merge(out []float64, mask, need Mask, res []float64) {
	pos, k := 0, 0
	for i := range need {
		if !mask.Has(i) {
			continue
		}
		if need[i] {
			out[pos] = res[k]
			k++
		}
		pos++
	}
}

func (c *Cache) logDistances(fac int) []float64 {
	at := c.facs[fac]
	out := make([]float64, c.d)
	for i, p := range c.demands {
		out[i] = math.Log(math.Max(at.DistanceTo(p), minDistance))
	}
	return out
}
