package core

import (
	"sort"

	"github.com/signalsfoundry/iot-net-planner/model"
)

// nearestNeighbours returns the positions (into pts) of the k points
// closest to pts[at], including at itself at distance 0. Ties are broken by
// ascending position so the result is deterministic.
func nearestNeighbours(pts []model.Location, at, k int) []int {
	if k > len(pts) {
		k = len(pts)
	}
	order := make([]int, len(pts))
	dist := make([]float64, len(pts))
	for q := range pts {
		order[q] = q
		dist[q] = pts[at].DistanceTo(pts[q])
	}
	sort.SliceStable(order, func(a, b int) bool {
		return dist[order[a]] < dist[order[b]]
	})
	// The anchor must win a tie with a co-located point.
	for pos, q := range order {
		if q == at {
			copy(order[1:pos+1], order[:pos])
			order[0] = at
			break
		}
	}
	return order[:k]
}
