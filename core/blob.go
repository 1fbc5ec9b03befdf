package core

import (
	"math"

	"github.com/signalsfoundry/iot-net-planner/model"
	"gonum.org/v1/gonum/mat"
)

// Blobify replaces the column of every inexact facility by the element-wise
// minimum of the original columns of its k nearest inexact facilities (the
// facility itself included). A nil exact slice means no metadata, and a is
// returned as is. Otherwise a is left untouched and a new matrix returned.
//
// Lower log-failure coefficients mean lower coverage, so the envelope is a
// pessimistic estimate for sites whose PRRs were not measured.
func Blobify(exact []bool, locs []model.Location, a *mat.Dense, k int) *mat.Dense {
	if exact == nil {
		return a
	}
	var inexact []int
	for j, ok := range exact {
		if !ok {
			inexact = append(inexact, j)
		}
	}
	out := mat.DenseCopyOf(a)
	if len(inexact) == 0 {
		return out
	}
	if k < 1 {
		k = 1
	}
	if k > len(inexact) {
		k = len(inexact)
	}

	pts := make([]model.Location, len(inexact))
	for p, j := range inexact {
		pts[p] = locs[j]
	}

	d, _ := a.Dims()
	col := make([]float64, d)
	for p, j := range inexact {
		env := make([]float64, d)
		for i := range env {
			env[i] = math.Inf(1)
		}
		for _, n := range blobMembers(inexact, pts, p, k) {
			mat.Col(col, n, a)
			for i, v := range col {
				env[i] = math.Min(env[i], v)
			}
		}
		out.SetCol(j, env)
	}
	return out
}

// blobMembers maps the k nearest neighbours of inexact[p], found among the
// inexact facilities, back to original facility indices.
func blobMembers(inexact []int, pts []model.Location, p, k int) []int {
	nbrs := nearestNeighbours(pts, p, k)
	out := make([]int, len(nbrs))
	for n, q := range nbrs {
		out[n] = inexact[q]
	}
	return out
}
