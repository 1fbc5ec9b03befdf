package core

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// MaxPRR caps probabilities before the log-failure transform so that
// coefficients stay finite: -ln(1e-9) ≈ 20.72.
const MaxPRR = 1 - 1e-9

// LogFailure maps a probability to -ln(1-p), clipping p to [0, MaxPRR].
func LogFailure(p float64) float64 {
	p = math.Min(math.Max(p, 0), MaxPRR)
	return -math.Log1p(-p)
}

// transformColumn applies LogFailure element-wise.
func transformColumn(prrs []float64) []float64 {
	out := make([]float64, len(prrs))
	for i, p := range prrs {
		out[i] = LogFailure(p)
	}
	return out
}

// objectiveScalar is 2·feasTol / median(|A| over non-zero entries), or 1
// when A has no non-zero entry.
func objectiveScalar(a *mat.Dense, feasTol float64) float64 {
	raw := a.RawMatrix()
	var nz []float64
	for i := 0; i < raw.Rows; i++ {
		for _, v := range raw.Data[i*raw.Stride : i*raw.Stride+raw.Cols] {
			if v != 0 {
				nz = append(nz, math.Abs(v))
			}
		}
	}
	med := median(nz)
	if med == 0 {
		return 1
	}
	return 2 * feasTol / med
}

func median(x []float64) float64 {
	if len(x) == 0 {
		return 0
	}
	s := append([]float64(nil), x...)
	sort.Float64s(s)
	n := len(s)
	if n%2 == 1 {
		return s[n/2]
	}
	return (s[n/2-1] + s[n/2]) / 2
}

// pointCoverage returns Σ_{j∈sel} A[i,j] for every row i.
func pointCoverage(a *mat.Dense, cols []int) []float64 {
	d, _ := a.Dims()
	cov := make([]float64, d)
	col := make([]float64, d)
	for _, j := range cols {
		mat.Col(col, j, a)
		floats.Add(cov, col)
	}
	return cov
}

// coverageObjective evaluates the blended objective, unscaled, for a
// log-failure coverage vector.
func coverageObjective(cov []float64, p CoverageParams) float64 {
	if len(cov) == 0 {
		return 0
	}
	d := float64(len(cov))
	obj := p.MinWeight*floats.Min(cov) + p.avgWeight()/d*floats.Sum(cov)
	if p.ThresholdWeight > 0 {
		tau := LogFailure(p.Threshold)
		met := 0
		for _, c := range cov {
			if c >= tau-1e-9 {
				met++
			}
		}
		obj += p.ThresholdWeight / d * float64(met)
	}
	return obj
}
