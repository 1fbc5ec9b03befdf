package kb

import (
	"fmt"
	"sync"
	"testing"

	"github.com/signalsfoundry/iot-net-planner/model"
)

func TestAddAndGetFacility(t *testing.T) {
	reg := NewRegistry()
	idx, err := reg.AddFacility(model.Facility{ID: "gw1", Name: "Rooftop", Cost: 2})
	if err != nil {
		t.Fatalf("AddFacility error: %v", err)
	}
	if idx != 0 {
		t.Fatalf("index = %d, want 0", idx)
	}
	got, ok := reg.Facility("gw1")
	if !ok || got.Name != "Rooftop" {
		t.Fatalf("Facility returned %#v, want name Rooftop", got)
	}
	if reg.FacilityIndex("missing") != -1 {
		t.Fatalf("FacilityIndex of unknown ID should be -1")
	}
}

func TestAddFacilityValidation(t *testing.T) {
	reg := NewRegistry()
	if _, err := reg.AddFacility(model.Facility{ID: "gw1"}); err != nil {
		t.Fatalf("first AddFacility error: %v", err)
	}
	if _, err := reg.AddFacility(model.Facility{ID: "gw1"}); err == nil {
		t.Fatalf("expected duplicate AddFacility to fail")
	}
	if _, err := reg.AddFacility(model.Facility{ID: "gw2", Cost: -1}); err == nil {
		t.Fatalf("expected negative cost to fail")
	}
	if _, err := reg.AddFacility(model.Facility{}); err == nil {
		t.Fatalf("expected empty ID to fail")
	}
	if _, err := reg.AddDemand(model.DemandPoint{ID: "d", RequiredCoverage: 1.5}); err == nil {
		t.Fatalf("expected required coverage > 1 to fail")
	}
}

func TestSnapshotsKeepInsertionOrder(t *testing.T) {
	reg := NewRegistry()
	for i := range 5 {
		if _, err := reg.AddFacility(model.Facility{ID: fmt.Sprintf("gw-%d", 4-i)}); err != nil {
			t.Fatalf("AddFacility error: %v", err)
		}
		if _, err := reg.AddDemand(model.DemandPoint{ID: fmt.Sprintf("d-%d", i)}); err != nil {
			t.Fatalf("AddDemand error: %v", err)
		}
	}

	facs := reg.Facilities()
	for i, f := range facs {
		if want := fmt.Sprintf("gw-%d", 4-i); f.ID != want {
			t.Fatalf("Facilities()[%d] = %s, want %s", i, f.ID, want)
		}
	}
	if got := len(reg.Demands()); got != 5 {
		t.Fatalf("Demands len=%d, want 5", got)
	}

	// Snapshots are copies.
	facs[0].Cost = 99
	if f, _ := reg.Facility("gw-4"); f.Cost == 99 {
		t.Fatalf("snapshot mutation leaked into registry")
	}
}

func TestMarkBuiltAndSubscribe(t *testing.T) {
	reg := NewRegistry()
	for _, id := range []string{"a", "b", "c"} {
		if _, err := reg.AddFacility(model.Facility{ID: id}); err != nil {
			t.Fatalf("AddFacility error: %v", err)
		}
	}

	var got []Event
	unsubscribe := reg.Subscribe(func(e Event) {
		got = append(got, e)
	})

	if err := reg.MarkBuilt(0, 2); err != nil {
		t.Fatalf("MarkBuilt error: %v", err)
	}
	if len(got) != 2 || got[0].Facility.ID != "a" || got[1].Index != 2 {
		t.Fatalf("events = %#v, want built events for a and c", got)
	}
	if got[0].Type != EventFacilityBuilt {
		t.Fatalf("event type = %v, want EventFacilityBuilt", got[0].Type)
	}

	// Already built facilities do not emit again.
	if err := reg.MarkBuilt(0); err != nil {
		t.Fatalf("MarkBuilt error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("re-marking emitted an event")
	}

	if err := reg.MarkBuilt(7); err == nil {
		t.Fatalf("expected out of range MarkBuilt to fail")
	}

	unsubscribe()
	if err := reg.UpdateCost("b", 3); err != nil {
		t.Fatalf("UpdateCost error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("unsubscribed callback still invoked")
	}
	if f, _ := reg.Facility("b"); f.Cost != 3 {
		t.Fatalf("cost = %v, want 3", f.Cost)
	}
}

func TestConcurrentAccess(t *testing.T) {
	reg := NewRegistry()
	if _, err := reg.AddFacility(model.Facility{ID: "gw"}); err != nil {
		t.Fatalf("AddFacility error: %v", err)
	}

	var wg sync.WaitGroup
	// Concurrent readers/writers
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = reg.Facility("gw")
			_ = reg.Facilities()
		}()
		go func() {
			defer wg.Done()
			_ = reg.UpdateCost("gw", float64(i))
		}()
	}
	wg.Wait()
}
