package kb

import (
	"fmt"
	"sync"

	"github.com/signalsfoundry/iot-net-planner/model"
)

// EventType indicates what kind of change happened in the registry.
type EventType int

const (
	EventFacilityBuilt EventType = iota
	EventFacilityCostUpdated
)

// Event is emitted to subscribers when a facility changes.
type Event struct {
	Type     EventType
	Index    int
	Facility model.Facility
}

// Registry is an in-memory, thread-safe store of candidate facilities and
// demand points. Entries keep the index they were added with; solvers and
// oracles address sites by that index.
type Registry struct {
	mu sync.RWMutex

	facilities []*model.Facility
	demands    []*model.DemandPoint
	facIndex   map[string]int
	demIndex   map[string]int

	subs []func(Event)
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		facIndex: make(map[string]int),
		demIndex: make(map[string]int),
	}
}

// AddFacility appends a facility and returns its index. IDs must be unique
// and costs non-negative.
func (r *Registry) AddFacility(f model.Facility) (int, error) {
	if f.ID == "" {
		return -1, fmt.Errorf("facility with empty ID")
	}
	if f.Cost < 0 {
		return -1, fmt.Errorf("facility %q has negative cost %v", f.ID, f.Cost)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.facIndex[f.ID]; exists {
		return -1, fmt.Errorf("facility with ID %q already exists", f.ID)
	}
	idx := len(r.facilities)
	r.facilities = append(r.facilities, &f)
	r.facIndex[f.ID] = idx
	return idx, nil
}

// AddDemand appends a demand point and returns its index.
func (r *Registry) AddDemand(d model.DemandPoint) (int, error) {
	if d.ID == "" {
		return -1, fmt.Errorf("demand point with empty ID")
	}
	if !(d.RequiredCoverage >= 0 && d.RequiredCoverage <= 1) {
		return -1, fmt.Errorf("demand point %q has required coverage %v outside [0,1]", d.ID, d.RequiredCoverage)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.demIndex[d.ID]; exists {
		return -1, fmt.Errorf("demand point with ID %q already exists", d.ID)
	}
	idx := len(r.demands)
	r.demands = append(r.demands, &d)
	r.demIndex[d.ID] = idx
	return idx, nil
}

// Facility returns a copy of the facility with the given ID.
func (r *Registry) Facility(id string) (model.Facility, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	idx, ok := r.facIndex[id]
	if !ok {
		return model.Facility{}, false
	}
	return *r.facilities[idx], true
}

// FacilityIndex returns the index of the facility with the given ID, or -1.
func (r *Registry) FacilityIndex(id string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if idx, ok := r.facIndex[id]; ok {
		return idx
	}
	return -1
}

// Facilities returns a snapshot in index order.
func (r *Registry) Facilities() []model.Facility {
	r.mu.RLock()
	defer r.mu.RUnlock()

	res := make([]model.Facility, len(r.facilities))
	for i, f := range r.facilities {
		res[i] = *f
	}
	return res
}

// Demands returns a snapshot in index order.
func (r *Registry) Demands() []model.DemandPoint {
	r.mu.RLock()
	defer r.mu.RUnlock()

	res := make([]model.DemandPoint, len(r.demands))
	for i, d := range r.demands {
		res[i] = *d
	}
	return res
}

// MarkBuilt flags the facilities at the given indices as deployed and
// notifies subscribers once per facility that changed.
func (r *Registry) MarkBuilt(indices ...int) error {
	r.mu.Lock()
	var events []Event
	for _, idx := range indices {
		if idx < 0 || idx >= len(r.facilities) {
			r.mu.Unlock()
			return fmt.Errorf("facility index %d out of range", idx)
		}
	}
	for _, idx := range indices {
		f := r.facilities[idx]
		if f.Built {
			continue
		}
		f.Built = true
		events = append(events, Event{Type: EventFacilityBuilt, Index: idx, Facility: *f})
	}
	subs := append([]func(Event){}, r.subs...)
	r.mu.Unlock()

	// Notify subscribers outside the lock to avoid deadlocks.
	for _, e := range events {
		for _, sub := range subs {
			sub(e)
		}
	}
	return nil
}

// UpdateCost changes a facility's cost and notifies subscribers.
func (r *Registry) UpdateCost(id string, cost float64) error {
	if cost < 0 {
		return fmt.Errorf("negative cost %v", cost)
	}
	r.mu.Lock()
	idx, ok := r.facIndex[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("facility with ID %q not found", id)
	}
	f := r.facilities[idx]
	f.Cost = cost
	event := Event{Type: EventFacilityCostUpdated, Index: idx, Facility: *f}
	subs := append([]func(Event){}, r.subs...)
	r.mu.Unlock()

	for _, sub := range subs {
		sub(event)
	}
	return nil
}

// Subscribe registers a callback for registry events. It returns an
// unsubscribe function.
func (r *Registry) Subscribe(fn func(Event)) (unsubscribe func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs = append(r.subs, fn)
	idx := len(r.subs) - 1

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if idx < 0 || idx >= len(r.subs) {
			return
		}
		r.subs = append(r.subs[:idx], r.subs[idx+1:]...)
		idx = -1
	}
}
