// Package config loads planner settings from a YAML or JSON file with
// PLANNER_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/signalsfoundry/iot-net-planner/core"
	"github.com/signalsfoundry/iot-net-planner/internal/logging"
	"github.com/signalsfoundry/iot-net-planner/internal/mip"
	"github.com/signalsfoundry/iot-net-planner/internal/observability"
	"github.com/signalsfoundry/iot-net-planner/internal/store"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g.
// PLANNER_SOLVER_BUDGET or PLANNER_STORE_DRIVER.
const EnvPrefix = "PLANNER"

const (
	ModeDirect         = "direct"
	ModeBranchAndPrice = "branch_and_price"
)

var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	Solver  SolverConfig  `mapstructure:"solver"`
	Logging LoggingConfig `mapstructure:"logging"`
	Tracing TracingConfig `mapstructure:"tracing"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Store   StoreConfig   `mapstructure:"store"`
}

type SolverConfig struct {
	Mode            string  `mapstructure:"mode"`
	Budget          float64 `mapstructure:"budget"`
	MinWeight       float64 `mapstructure:"min_weight"`
	ThresholdWeight float64 `mapstructure:"threshold_weight"`
	Threshold       float64 `mapstructure:"threshold"`
	BlobWidth       int     `mapstructure:"blob_width"`
	QInc            float64 `mapstructure:"qinc"`
	Workers         int     `mapstructure:"workers"`
	FeasTol         float64 `mapstructure:"feastol"`
	NodeLimit       int     `mapstructure:"node_limit"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	Exporter    string  `mapstructure:"exporter"`
	Endpoint    string  `mapstructure:"endpoint"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

type MetricsConfig struct {
	// Addr serves /metrics when non-empty, e.g. ":9090".
	Addr string `mapstructure:"addr"`
}

type StoreConfig struct {
	Driver    string `mapstructure:"driver"`
	Root      string `mapstructure:"root"`
	Bucket    string `mapstructure:"bucket"`
	Prefix    string `mapstructure:"prefix"`
	Region    string `mapstructure:"region"`
	Endpoint  string `mapstructure:"endpoint"`
	PathStyle bool   `mapstructure:"path_style"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("solver.mode", ModeDirect)
	v.SetDefault("solver.budget", 0.0)
	v.SetDefault("solver.min_weight", 0.0)
	v.SetDefault("solver.threshold_weight", 0.0)
	v.SetDefault("solver.threshold", 0.0)
	v.SetDefault("solver.blob_width", core.DefaultBlobWidth)
	v.SetDefault("solver.qinc", 0.1)
	v.SetDefault("solver.workers", 1)
	v.SetDefault("solver.feastol", mip.DefaultParams().FeasTol)
	v.SetDefault("solver.node_limit", 0)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.exporter", "stdout")
	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.service_name", "iot-net-planner")
	v.SetDefault("tracing.sample_ratio", 1.0)

	v.SetDefault("metrics.addr", "")

	v.SetDefault("store.driver", string(store.DriverFilesystem))
	v.SetDefault("store.root", ".")
	v.SetDefault("store.bucket", "")
	v.SetDefault("store.prefix", "")
	v.SetDefault("store.region", "")
	v.SetDefault("store.endpoint", "")
	v.SetDefault("store.path_style", false)
}

// Load reads path (if non-empty) on top of the defaults and applies
// environment overrides.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the settings that core does not validate itself.
func (c Config) Validate() error {
	switch c.Solver.Mode {
	case ModeDirect, ModeBranchAndPrice:
	default:
		return fmt.Errorf("%w: solver mode %q", ErrInvalidConfig, c.Solver.Mode)
	}
	if c.Solver.Workers < 1 {
		return fmt.Errorf("%w: workers %d", ErrInvalidConfig, c.Solver.Workers)
	}
	if c.Solver.FeasTol <= 0 {
		return fmt.Errorf("%w: feastol %v", ErrInvalidConfig, c.Solver.FeasTol)
	}
	switch store.Driver(c.Store.Driver) {
	case store.DriverFilesystem, store.DriverS3, store.DriverMemory:
	default:
		return fmt.Errorf("%w: store driver %q", ErrInvalidConfig, c.Store.Driver)
	}
	return nil
}

func (c Config) CoverageParams() core.CoverageParams {
	return core.CoverageParams{
		Budget:          c.Solver.Budget,
		MinWeight:       c.Solver.MinWeight,
		ThresholdWeight: c.Solver.ThresholdWeight,
		Threshold:       c.Solver.Threshold,
		BlobWidth:       c.Solver.BlobWidth,
		QInc:            c.Solver.QInc,
	}
}

func (c Config) MIPParams() mip.Params {
	p := mip.DefaultParams()
	p.FeasTol = c.Solver.FeasTol
	p.NodeLimit = c.Solver.NodeLimit
	return p
}

func (c Config) LoggerConfig() logging.Config {
	return logging.Config{Level: c.Logging.Level, Format: c.Logging.Format}
}

func (c Config) TracingConfig() observability.TracingConfig {
	return observability.TracingConfig{
		Enabled:     c.Tracing.Enabled,
		ServiceName: c.Tracing.ServiceName,
		Exporter:    c.Tracing.Exporter,
		Endpoint:    c.Tracing.Endpoint,
		SampleRatio: c.Tracing.SampleRatio,
		SolverMode:  c.Solver.Mode,
	}
}

func (c Config) StoreConfig() store.Config {
	return store.Config{
		Driver: c.Store.Driver,
		Root:   c.Store.Root,
		S3: store.S3Config{
			Bucket:    c.Store.Bucket,
			Prefix:    c.Store.Prefix,
			Region:    c.Store.Region,
			Endpoint:  c.Store.Endpoint,
			PathStyle: c.Store.PathStyle,
		},
	}
}
