package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/signalsfoundry/iot-net-planner/core"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Solver.Mode != ModeDirect || cfg.Solver.Workers != 1 {
		t.Fatalf("solver defaults = %+v", cfg.Solver)
	}
	if cfg.Solver.BlobWidth != core.DefaultBlobWidth {
		t.Fatalf("blob width = %d, want %d", cfg.Solver.BlobWidth, core.DefaultBlobWidth)
	}
	if cfg.Store.Driver != "fs" {
		t.Fatalf("store driver = %q, want fs", cfg.Store.Driver)
	}
}

func TestLoadFileWithEnvOverrides(t *testing.T) {
	path := writeConfig(t, "planner.yaml", `
solver:
  mode: branch_and_price
  budget: 12.5
  min_weight: 0.3
  qinc: 0.25
  workers: 4
store:
  driver: s3
  bucket: coverage-runs
  path_style: true
logging:
  format: json
`)
	t.Setenv("PLANNER_SOLVER_BUDGET", "20")
	t.Setenv("PLANNER_STORE_PREFIX", "brooklyn")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Solver.Mode != ModeBranchAndPrice || cfg.Solver.Workers != 4 {
		t.Fatalf("solver = %+v", cfg.Solver)
	}
	p := cfg.CoverageParams()
	if p.Budget != 20 || p.MinWeight != 0.3 || p.QInc != 0.25 {
		t.Fatalf("coverage params = %+v", p)
	}
	sc := cfg.StoreConfig()
	if sc.Driver != "s3" || sc.S3.Bucket != "coverage-runs" || sc.S3.Prefix != "brooklyn" || !sc.S3.PathStyle {
		t.Fatalf("store config = %+v", sc)
	}
	if lc := cfg.LoggerConfig(); lc.Format != "json" || lc.Level != "info" {
		t.Fatalf("logger config = %+v", lc)
	}
	if mp := cfg.MIPParams(); mp.FeasTol != 1e-6 {
		t.Fatalf("mip params = %+v", mp)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	path := writeConfig(t, "planner.json", `{"solver": {"mode": "heuristic"}}`)
	if _, err := Load(path); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("Load error = %v, want ErrInvalidConfig", err)
	}

	t.Setenv("PLANNER_STORE_DRIVER", "gcs")
	if _, err := Load(""); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("Load error = %v, want ErrInvalidConfig", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
