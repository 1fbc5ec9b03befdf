package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/signalsfoundry/iot-net-planner/kb"
)

// RegistryCollector exposes the size of the site registry.
type RegistryCollector struct {
	Facilities      prometheus.Gauge
	BuiltFacilities prometheus.Gauge
	DemandPoints    prometheus.Gauge
	CandidateCost   prometheus.Gauge
}

// NewRegistryCollector registers registry gauges against the provided
// registerer.
func NewRegistryCollector(reg prometheus.Registerer) (*RegistryCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	facilities, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "planner_facilities",
		Help: "Candidate facilities in the registry.",
	}), "planner_facilities")
	if err != nil {
		return nil, err
	}
	built, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "planner_facilities_built",
		Help: "Facilities already deployed.",
	}), "planner_facilities_built")
	if err != nil {
		return nil, err
	}
	demands, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "planner_demand_points",
		Help: "Demand points in the registry.",
	}), "planner_demand_points")
	if err != nil {
		return nil, err
	}
	cost, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "planner_candidate_cost",
		Help: "Total cost of facilities not yet deployed.",
	}), "planner_candidate_cost")
	if err != nil {
		return nil, err
	}

	return &RegistryCollector{
		Facilities:      facilities,
		BuiltFacilities: built,
		DemandPoints:    demands,
		CandidateCost:   cost,
	}, nil
}

// Sync sets every gauge from the registry's current contents.
func (c *RegistryCollector) Sync(reg *kb.Registry) {
	if c == nil || reg == nil {
		return
	}
	facs := reg.Facilities()
	var built int
	var cost float64
	for _, f := range facs {
		if f.Built {
			built++
		} else {
			cost += f.Cost
		}
	}
	c.Facilities.Set(float64(len(facs)))
	c.BuiltFacilities.Set(float64(built))
	c.DemandPoints.Set(float64(len(reg.Demands())))
	c.CandidateCost.Set(cost)
}

// Watch syncs the gauges now and after every registry event. The returned
// function stops watching.
func (c *RegistryCollector) Watch(reg *kb.Registry) (stop func()) {
	c.Sync(reg)
	return reg.Subscribe(func(kb.Event) { c.Sync(reg) })
}
