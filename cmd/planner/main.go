package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/signalsfoundry/iot-net-planner/core"
	"github.com/signalsfoundry/iot-net-planner/internal/config"
	"github.com/signalsfoundry/iot-net-planner/internal/logging"
	"github.com/signalsfoundry/iot-net-planner/internal/observability"
	"github.com/signalsfoundry/iot-net-planner/internal/store"
	"github.com/signalsfoundry/iot-net-planner/kb"
	"github.com/signalsfoundry/iot-net-planner/prr"
)

const usage = `usage: planner <maximize-coverage|minimize-budget> [flags]

Run "planner <command> -h" for the flags of a command.
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// options are the command-line settings layered over the config file.
type options struct {
	configPath string
	scenario   string
	prrKey     string
	modelKey   string
	los        float64
	savePRR    string
	outKey     string
	coverage   float64
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return 2
	}
	cmd := args[0]
	if cmd != "maximize-coverage" && cmd != "minimize-budget" {
		fmt.Fprintf(stderr, "unknown command %q\n%s", cmd, usage)
		return 2
	}

	var opts options
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.configPath, "config", "", "path to a YAML or JSON config file")
	fs.StringVar(&opts.scenario, "scenario", "", "path to the JSON scenario (facilities and demand points)")
	fs.StringVar(&opts.prrKey, "prr", "", "store key of a precomputed PRR matrix")
	fs.StringVar(&opts.modelKey, "model", "", "store key of a logistic LOS model, used when -prr is empty")
	fs.Float64Var(&opts.los, "los", 1, "line-of-sight fraction assumed by the logistic model")
	fs.StringVar(&opts.savePRR, "save-prr", "", "store key to export the exact PRR matrix to before solving")
	fs.StringVar(&opts.outKey, "out", "", "store key to write the result JSON to, in addition to stdout")
	fs.Float64Var(&opts.coverage, "coverage", -1, "required coverage for every demand point (minimize-budget); negative uses the scenario's values")
	budget := fs.Float64("budget", 0, "facility budget (maximize-coverage)")
	minWeight := fs.Float64("min-weight", 0, "weight of the worst-covered point")
	thrWeight := fs.Float64("threshold-weight", 0, "weight of the share of points meeting -threshold")
	threshold := fs.Float64("threshold", 0, "coverage probability counted as met")
	blobWidth := fs.Int("blob-width", 0, "neighbours in the inexact-facility envelope")
	qinc := fs.Float64("qinc", 0, "quantile step of the branch-and-price bound ladder")
	mode := fs.String("solver", "", "direct or branch_and_price")
	workers := fs.Int("workers", 0, "parallel oracle evaluations")
	metricsAddr := fs.String("metrics-addr", "", "HTTP address for Prometheus /metrics")
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stderr, "load config: %v\n", err)
		return 1
	}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "budget":
			cfg.Solver.Budget = *budget
		case "min-weight":
			cfg.Solver.MinWeight = *minWeight
		case "threshold-weight":
			cfg.Solver.ThresholdWeight = *thrWeight
		case "threshold":
			cfg.Solver.Threshold = *threshold
		case "blob-width":
			cfg.Solver.BlobWidth = *blobWidth
		case "qinc":
			cfg.Solver.QInc = *qinc
		case "solver":
			cfg.Solver.Mode = *mode
		case "workers":
			cfg.Solver.Workers = *workers
		case "metrics-addr":
			cfg.Metrics.Addr = *metricsAddr
		}
	})
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "%v\n", err)
		return 2
	}

	lc := cfg.LoggerConfig()
	lc.Output = stderr
	log := logging.New(lc)

	ctx = logging.ContextWithLogger(ctx, log)
	if err := execute(ctx, cmd, cfg, opts, log, stdout); err != nil {
		log.Error(ctx, "planner failed", logging.String("command", cmd), logging.Err(err))
		return 1
	}
	return 0
}

func execute(ctx context.Context, cmd string, cfg config.Config, opts options, log logging.Logger, stdout io.Writer) error {
	tcfg := cfg.TracingConfig()
	tcfg.Scenario = opts.scenario
	shutdown, err := observability.InitTracing(ctx, tcfg, log)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdown, log)

	promReg := prometheus.NewRegistry()
	collector, err := observability.NewPlannerCollector(promReg)
	if err != nil {
		return err
	}
	regMetrics, err := observability.NewRegistryCollector(promReg)
	if err != nil {
		return err
	}
	if cfg.Metrics.Addr != "" {
		srv := serveMetrics(cfg.Metrics.Addr, collector, log)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	sites := kb.NewRegistry()
	stopWatch := regMetrics.Watch(sites)
	defer stopWatch()
	inst, err := loadScenario(sites, opts.scenario)
	if err != nil {
		return err
	}
	regMetrics.Sync(sites)
	log.Info(ctx, "loaded scenario",
		logging.String("path", opts.scenario),
		logging.Int("facilities", len(inst.Facilities)),
		logging.Int("demands", len(inst.Demands)),
	)

	st, err := store.Open(ctx, cfg.StoreConfig())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	oracle, err := loadOracle(ctx, st, inst, opts)
	if err != nil {
		return err
	}
	oracle, err = cachedOracle(oracle, inst)
	if err != nil {
		return err
	}
	if opts.savePRR != "" {
		if _, err := prr.SavePRRs(ctx, oracle, st, opts.savePRR); err != nil {
			return err
		}
		log.Info(ctx, "exported prr matrix", logging.String("key", opts.savePRR))
	}

	solverOpts := []core.Option{
		core.WithMetricsRecorder(collector),
		core.WithWorkers(cfg.Solver.Workers),
		core.WithMIPParams(cfg.MIPParams()),
	}

	var result any
	switch cmd {
	case "maximize-coverage":
		result, err = maximizeCoverage(ctx, cfg, inst, oracle, solverOpts)
	case "minimize-budget":
		result, err = minimizeBudget(ctx, cfg, opts, inst, oracle, solverOpts)
	}
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	data = append(data, '\n')
	if _, err := stdout.Write(data); err != nil {
		return err
	}
	if opts.outKey != "" {
		if err := st.Put(ctx, opts.outKey, data); err != nil {
			return fmt.Errorf("write result: %w", err)
		}
	}
	return nil
}

type coverageResult struct {
	Budget            float64  `json:"budget"`
	MinWeight         float64  `json:"min_weight"`
	Sol               []int    `json:"sol"`
	IDs               []string `json:"ids"`
	Objective         float64  `json:"objective"`
	PredictedCoverage float64  `json:"predicted_coverage"`
}

type budgetResult struct {
	Coverage float64  `json:"coverage"`
	Sol      []int    `json:"sol"`
	IDs      []string `json:"ids"`
	Cost     float64  `json:"cost"`
	Feasible bool     `json:"feasible"`
}

func maximizeCoverage(ctx context.Context, cfg config.Config, inst *core.Instance, oracle prr.Oracle, opts []core.Option) (*coverageResult, error) {
	var solver core.CoverageSolver = core.NewDirectSolver(opts...)
	if cfg.Solver.Mode == config.ModeBranchAndPrice {
		solver = core.NewBranchAndPriceSolver(opts...)
	}
	p := cfg.CoverageParams()
	sol, err := solver.SolveCoverage(ctx, p, inst, oracle)
	if err != nil {
		return nil, err
	}
	predicted, err := core.PredictedCoverage(ctx, oracle, sol.Selected, p.MinWeight)
	if err != nil {
		return nil, err
	}
	return &coverageResult{
		Budget:            p.Budget,
		MinWeight:         p.MinWeight,
		Sol:               nonNil(sol.Selected),
		IDs:               facilityIDs(inst, sol.Selected),
		Objective:         sol.Objective,
		PredictedCoverage: predicted,
	}, nil
}

func minimizeBudget(ctx context.Context, cfg config.Config, opts options, inst *core.Instance, oracle prr.Oracle, solverOpts []core.Option) (*budgetResult, error) {
	p := core.BudgetParams{BlobWidth: cfg.Solver.BlobWidth}
	if opts.coverage >= 0 {
		p.Required = make([]float64, len(inst.Demands))
		for i := range p.Required {
			p.Required[i] = opts.coverage
		}
	}
	sol, err := core.NewDirectSolver(solverOpts...).SolveBudget(ctx, p, inst, oracle)
	if err != nil {
		return nil, err
	}
	return &budgetResult{
		Coverage: opts.coverage,
		Sol:      nonNil(sol.Selected),
		IDs:      facilityIDs(inst, sol.Selected),
		Cost:     sol.Objective,
		Feasible: sol.Feasible,
	}, nil
}

func loadScenario(sites *kb.Registry, path string) (*core.Instance, error) {
	if path == "" {
		return nil, errors.New("-scenario is required")
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open scenario %q: %w", path, err)
	}
	defer f.Close()
	return core.LoadInstance(sites, f)
}

func loadOracle(ctx context.Context, st store.Store, inst *core.Instance, opts options) (prr.Oracle, error) {
	switch {
	case opts.prrKey != "":
		m, err := prr.LoadMatrix(ctx, st, opts.prrKey)
		if err != nil {
			return nil, err
		}
		if err := m.Validate(len(inst.Demands), len(inst.Facilities)); err != nil {
			return nil, err
		}
		return m, nil
	case opts.modelKey != "":
		m, err := prr.LoadLogisticModel(ctx, st, opts.modelKey)
		if err != nil {
			return nil, err
		}
		return prr.NewLogisticOracle(m, inst.Facilities, inst.Demands, prr.ConstantLOS(opts.los)), nil
	default:
		return nil, errors.New("one of -prr or -model is required")
	}
}

// cachedOracle wraps o in the cache that the export, the solve and the
// coverage prediction share, so every cell reaches o at most once.
func cachedOracle(o prr.Oracle, inst *core.Instance) (*prr.Cache, error) {
	return prr.NewCache(o, inst.DemandLocations(), inst.FacilityLocations())
}

func facilityIDs(inst *core.Instance, selected []int) []string {
	ids := make([]string, len(selected))
	for k, j := range selected {
		ids[k] = inst.Facilities[j].ID
	}
	return ids
}

func nonNil(sel []int) []int {
	if sel == nil {
		return []int{}
	}
	return sel
}

func serveMetrics(addr string, collector *observability.PlannerCollector, log logging.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())
	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn(context.Background(), "metrics server exited", logging.String("error", err.Error()))
		}
	}()
	log.Info(context.Background(), "serving Prometheus metrics", logging.String("addr", addr))
	return srv
}
