package core

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/signalsfoundry/iot-net-planner/model"
	"gonum.org/v1/gonum/mat"
)

// blobFixture has one exact facility at x=0 and inexact ones at x=1, 2, 10.
func blobFixture() ([]bool, []model.Location, *mat.Dense) {
	exact := []bool{true, false, false, false}
	locs := []model.Location{{X: 0}, {X: 1}, {X: 2}, {X: 10}}
	a := mat.NewDense(2, 4, []float64{
		5, 1, 3, 0.5,
		5, 4, 2, 6,
	})
	return exact, locs, a
}

func TestBlobify_EnvelopeAndRemapping(t *testing.T) {
	exact, locs, a := blobFixture()
	orig := mat.DenseCopyOf(a)

	got := Blobify(exact, locs, a, 2)

	want := mat.NewDense(2, 4, []float64{
		5, 1, 1, 0.5,
		5, 2, 2, 2,
	})
	if !mat.Equal(got, want) {
		t.Fatalf("Blobify =\n%v\nwant\n%v", mat.Formatted(got), mat.Formatted(want))
	}
	if !mat.Equal(a, orig) {
		t.Fatalf("input matrix modified")
	}
}

func TestBlobify_EnvelopeNeverExceedsNeighbours(t *testing.T) {
	exact, locs, a := blobFixture()
	got := Blobify(exact, locs, a, 3)

	inexact := []int{1, 2, 3}
	pts := []model.Location{locs[1], locs[2], locs[3]}
	for p, j := range inexact {
		for _, n := range blobMembers(inexact, pts, p, 3) {
			for i := 0; i < 2; i++ {
				if got.At(i, j) > a.At(i, n) {
					t.Fatalf("blob[%d,%d] = %v exceeds neighbour %d value %v", i, j, got.At(i, j), n, a.At(i, n))
				}
			}
		}
	}
}

func TestBlobMembers_ReturnsOriginalIndices(t *testing.T) {
	inexact := []int{1, 2, 3}
	pts := []model.Location{{X: 1}, {X: 2}, {X: 10}}

	got := blobMembers(inexact, pts, 2, 2)
	if diff := cmp.Diff([]int{3, 2}, got); diff != "" {
		t.Fatalf("blobMembers mismatch (-want +got):\n%s", diff)
	}
}

func TestBlobify_NoMetadataOrWidthOne(t *testing.T) {
	_, locs, a := blobFixture()
	if got := Blobify(nil, locs, a, 5); got != a {
		t.Fatalf("nil exact flags should return the input matrix")
	}

	exact, _, _ := blobFixture()
	if got := Blobify(exact, locs, a, 0); !mat.Equal(got, a) {
		t.Fatalf("width 1 envelope should equal the input:\n%v", mat.Formatted(got))
	}
}
