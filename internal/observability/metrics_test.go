package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/signalsfoundry/iot-net-planner/core"
	"github.com/signalsfoundry/iot-net-planner/kb"
	"github.com/signalsfoundry/iot-net-planner/model"
)

var _ core.MetricsRecorder = (*PlannerCollector)(nil)

func TestPlannerCollectorRecordsSolves(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewPlannerCollector(reg)
	if err != nil {
		t.Fatalf("NewPlannerCollector: %v", err)
	}

	collector.ObserveSolve("coverage", "ok", 250*time.Millisecond)
	collector.ObserveSolve("budget", "infeasible", time.Millisecond)
	collector.AddNodes(7)
	collector.AddPricing(3, 1)

	if got := testutil.ToFloat64(collector.Solves.WithLabelValues("coverage", "ok")); got != 1 {
		t.Fatalf("planner_solves_total{coverage,ok} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(collector.Solves.WithLabelValues("budget", "infeasible")); got != 1 {
		t.Fatalf("planner_solves_total{budget,infeasible} = %v, want 1", got)
	}
	if count := histogramSampleCount(t, reg, "planner_solve_duration_seconds", map[string]string{"mode": "coverage"}); count != 1 {
		t.Fatalf("planner_solve_duration_seconds sample_count = %d, want 1", count)
	}
	if got := testutil.ToFloat64(collector.Nodes); got != 7 {
		t.Fatalf("planner_bnb_nodes_total = %v, want 7", got)
	}
	if got := testutil.ToFloat64(collector.PricingRounds); got != 3 {
		t.Fatalf("planner_pricing_rounds_total = %v, want 3", got)
	}
	if got := testutil.ToFloat64(collector.ColumnsPriced); got != 1 {
		t.Fatalf("planner_columns_priced_total = %v, want 1", got)
	}
}

func TestPlannerCollectorRecordsOracleCalls(t *testing.T) {
	collector, err := NewPlannerCollector(prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("NewPlannerCollector: %v", err)
	}
	collector.ObserveOracleCall("exact", 12)
	collector.ObserveOracleCall("exact", 3)
	collector.ObserveOracleCall("improve_upper", 0)

	if got := testutil.ToFloat64(collector.OracleCalls.WithLabelValues("exact")); got != 2 {
		t.Fatalf("planner_oracle_calls_total{exact} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(collector.OracleCells.WithLabelValues("exact")); got != 15 {
		t.Fatalf("planner_oracle_cells_total{exact} = %v, want 15", got)
	}
	if got := testutil.ToFloat64(collector.OracleCalls.WithLabelValues("improve_upper")); got != 1 {
		t.Fatalf("planner_oracle_calls_total{improve_upper} = %v, want 1", got)
	}
}

func TestNewPlannerCollectorReusesRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewPlannerCollector(reg)
	if err != nil {
		t.Fatalf("NewPlannerCollector: %v", err)
	}
	second, err := NewPlannerCollector(reg)
	if err != nil {
		t.Fatalf("second NewPlannerCollector: %v", err)
	}
	first.AddNodes(2)
	if got := testutil.ToFloat64(second.Nodes); got != 2 {
		t.Fatalf("second collector sees %v nodes, want 2", got)
	}
}

func TestMetricsHandlerExposesPlannerMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewPlannerCollector(reg)
	if err != nil {
		t.Fatalf("NewPlannerCollector: %v", err)
	}
	registry, err := NewRegistryCollector(reg)
	if err != nil {
		t.Fatalf("NewRegistryCollector: %v", err)
	}
	sites := kb.NewRegistry()
	if _, err := sites.AddFacility(model.Facility{ID: "roof-1", Cost: 4}); err != nil {
		t.Fatalf("AddFacility: %v", err)
	}
	registry.Sync(sites)
	collector.ObserveSolve("coverage", "ok", time.Second)
	collector.ObserveOracleCall("lower", 5)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	collector.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("/metrics status = %d, want 200", rr.Code)
	}
	body := rr.Body.String()
	for _, metric := range []string{
		"planner_solves_total",
		"planner_solve_duration_seconds",
		"planner_oracle_calls_total",
		"planner_oracle_cells_total",
		"planner_facilities",
		"planner_candidate_cost 4",
	} {
		if !strings.Contains(body, metric) {
			t.Fatalf("expected %q in /metrics output", metric)
		}
	}
}

func histogramSampleCount(t *testing.T, gatherer prometheus.Gatherer, name string, labels map[string]string) uint64 {
	t.Helper()

	metrics, err := gatherer.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range metrics {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.Metric {
			if matchLabels(m.GetLabel(), labels) && m.GetHistogram() != nil {
				return m.GetHistogram().GetSampleCount()
			}
		}
	}
	return 0
}

func matchLabels(got []*dto.LabelPair, want map[string]string) bool {
	if len(got) < len(want) {
		return false
	}
	matched := 0
	for _, lp := range got {
		if val, ok := want[lp.GetName()]; ok && val == lp.GetValue() {
			matched++
		}
	}
	return matched == len(want)
}
