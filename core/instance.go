package core

import (
	"encoding/json"
	"fmt"
	"io"
	"math"

	"github.com/signalsfoundry/iot-net-planner/kb"
	"github.com/signalsfoundry/iot-net-planner/model"
	"github.com/signalsfoundry/iot-net-planner/prr"
)

// InstanceFromRegistry snapshots the registry in index order.
func InstanceFromRegistry(reg *kb.Registry) *Instance {
	return &Instance{Facilities: reg.Facilities(), Demands: reg.Demands()}
}

// Validate checks costs and the oracle's shape.
func (in *Instance) Validate(oracle prr.Oracle) error {
	if len(in.Facilities) == 0 {
		return fmt.Errorf("%w: no facilities", ErrInvalidParams)
	}
	if len(in.Demands) == 0 {
		return fmt.Errorf("%w: no demand points", ErrInvalidParams)
	}
	for j, f := range in.Facilities {
		if math.IsNaN(f.Cost) || math.IsInf(f.Cost, 0) || f.Cost < 0 {
			return fmt.Errorf("%w: facility %d (%s) cost %v", ErrInvalidParams, j, f.ID, f.Cost)
		}
	}
	if oracle == nil {
		return fmt.Errorf("%w: nil oracle", ErrInvalidParams)
	}
	if oracle.DemandCount() != len(in.Demands) || oracle.FacilityCount() != len(in.Facilities) {
		return fmt.Errorf("%w: oracle is %dx%d, instance is %dx%d", prr.ErrShapeMismatch,
			oracle.DemandCount(), oracle.FacilityCount(), len(in.Demands), len(in.Facilities))
	}
	return nil
}

// Costs returns facility costs in index order.
func (in *Instance) Costs() []float64 {
	out := make([]float64, len(in.Facilities))
	for j, f := range in.Facilities {
		out[j] = f.Cost
	}
	return out
}

// BuiltCost is the total cost of already deployed facilities.
func (in *Instance) BuiltCost() float64 {
	var total float64
	for _, f := range in.Facilities {
		if f.Built {
			total += f.Cost
		}
	}
	return total
}

// FacilityLocations returns facility positions in index order.
func (in *Instance) FacilityLocations() []model.Location {
	out := make([]model.Location, len(in.Facilities))
	for j, f := range in.Facilities {
		out[j] = f.Location
	}
	return out
}

// DemandLocations returns demand positions in index order.
func (in *Instance) DemandLocations() []model.Location {
	out := make([]model.Location, len(in.Demands))
	for i, d := range in.Demands {
		out[i] = d.Location
	}
	return out
}

// ExactFlags returns per-facility exactness, or nil when no facility
// carries the metadata. Facilities without metadata count as exact.
func (in *Instance) ExactFlags() []bool {
	var flags []bool
	for j, f := range in.Facilities {
		if f.Exact == nil {
			continue
		}
		if flags == nil {
			flags = make([]bool, len(in.Facilities))
			for k := range flags {
				flags[k] = true
			}
		}
		flags[j] = *f.Exact
	}
	return flags
}

// RequiredCoverage returns the per-point requirement in index order.
func (in *Instance) RequiredCoverage() []float64 {
	out := make([]float64, len(in.Demands))
	for i, d := range in.Demands {
		out[i] = d.RequiredCoverage
	}
	return out
}

// internal JSON shapes; kept unexported so the file format can evolve.
type instanceJSON struct {
	Facilities []facilityJSON `json:"facilities"`
	Demands    []demandJSON   `json:"demands"`
}

type facilityJSON struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Altitude float64 `json:"altitude"`
	Cost     float64 `json:"cost"`
	Built    bool    `json:"built"`
	Exact    *bool   `json:"exact"` // optional; absent means no metadata
}

type demandJSON struct {
	ID               string  `json:"id"`
	X                float64 `json:"x"`
	Y                float64 `json:"y"`
	Altitude         float64 `json:"altitude"`
	RequiredCoverage float64 `json:"required_coverage"`
}

// LoadInstance reads a JSON scenario from r into reg and returns the
// resulting instance. Sites are indexed in file order after any sites
// already in the registry.
func LoadInstance(reg *kb.Registry, r io.Reader) (*Instance, error) {
	if reg == nil {
		return nil, fmt.Errorf("LoadInstance: registry is nil")
	}

	var payload instanceJSON
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&payload); err != nil {
		return nil, fmt.Errorf("LoadInstance: decode failed: %w", err)
	}

	for _, f := range payload.Facilities {
		if _, err := reg.AddFacility(model.Facility{
			ID:       f.ID,
			Name:     f.Name,
			Location: model.Location{X: f.X, Y: f.Y},
			Altitude: f.Altitude,
			Cost:     f.Cost,
			Built:    f.Built,
			Exact:    f.Exact,
		}); err != nil {
			return nil, fmt.Errorf("LoadInstance: %w", err)
		}
	}
	for _, d := range payload.Demands {
		if _, err := reg.AddDemand(model.DemandPoint{
			ID:               d.ID,
			Location:         model.Location{X: d.X, Y: d.Y},
			Altitude:         d.Altitude,
			RequiredCoverage: d.RequiredCoverage,
		}); err != nil {
			return nil, fmt.Errorf("LoadInstance: %w", err)
		}
	}
	return InstanceFromRegistry(reg), nil
}
