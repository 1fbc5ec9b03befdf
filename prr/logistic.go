package prr

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"github.com/signalsfoundry/iot-net-planner/internal/store"
	"github.com/signalsfoundry/iot-net-planner/model"
)

// LogisticModel predicts PRR from three standardized features:
// log-distance, line-of-sight fraction and their product.
type LogisticModel struct {
	Weights [3]float64 `json:"weights"`
	Bias    float64    `json:"bias"`
	Mean    [3]float64 `json:"mean"`
	Scale   [3]float64 `json:"scale"`
}

// LoadLogisticModel reads a JSON-encoded model from st.
func LoadLogisticModel(ctx context.Context, st store.Store, key string) (LogisticModel, error) {
	data, err := st.Get(ctx, key)
	if err != nil {
		return LogisticModel{}, fmt.Errorf("load logistic model %s: %w", key, err)
	}
	var m LogisticModel
	if err := json.Unmarshal(data, &m); err != nil {
		return LogisticModel{}, fmt.Errorf("decode logistic model %s: %w", key, err)
	}
	for k, s := range m.Scale {
		if s == 0 {
			m.Scale[k] = 1
		}
	}
	return m, nil
}

// Predict returns σ(w·standardize([logDist, los, logDist·los]) + b).
func (m LogisticModel) Predict(logDist, los float64) float64 {
	x := [3]float64{logDist, los, logDist * los}
	z := m.Bias
	for k := range x {
		scale := m.Scale[k]
		if scale == 0 {
			scale = 1
		}
		z += m.Weights[k] * (x[k] - m.Mean[k]) / scale
	}
	return 1 / (1 + math.Exp(-z))
}

// LOSSampler estimates the fraction of the path between two sites that has
// clear line of sight, in [0,1].
type LOSSampler interface {
	LineOfSight(ctx context.Context, fac model.Facility, dem model.DemandPoint) (float64, error)
}

// ConstantLOS is a sampler that reports the same line-of-sight fraction for
// every path, e.g. 1 for open terrain.
type ConstantLOS float64

func (c ConstantLOS) LineOfSight(context.Context, model.Facility, model.DemandPoint) (float64, error) {
	return math.Min(math.Max(float64(c), 0), 1), nil
}

// LogisticOracle evaluates a LogisticModel. Exact values sample line of
// sight; the bounds take the extreme of the prediction over los ∈ {0,1},
// which brackets every los in [0,1] because the model is monotone in los.
type LogisticOracle struct {
	model      LogisticModel
	facilities []model.Facility
	demands    []model.DemandPoint
	sampler    LOSSampler
}

var _ Oracle = (*LogisticOracle)(nil)

func NewLogisticOracle(m LogisticModel, facilities []model.Facility, demands []model.DemandPoint, sampler LOSSampler) *LogisticOracle {
	if sampler == nil {
		sampler = ConstantLOS(1)
	}
	return &LogisticOracle{model: m, facilities: facilities, demands: demands, sampler: sampler}
}

func (o *LogisticOracle) DemandCount() int   { return len(o.demands) }
func (o *LogisticOracle) FacilityCount() int { return len(o.facilities) }

func (o *LogisticOracle) Exact(ctx context.Context, fac int, mask Mask) ([]float64, error) {
	return o.eval(ctx, fac, mask, func(dem model.DemandPoint, logDist float64) (float64, error) {
		los, err := o.sampler.LineOfSight(ctx, o.facilities[fac], dem)
		if err != nil {
			return 0, fmt.Errorf("line of sight %s-%s: %w", o.facilities[fac].ID, dem.ID, err)
		}
		return o.model.Predict(logDist, los), nil
	})
}

func (o *LogisticOracle) Upper(ctx context.Context, fac int, mask Mask) ([]float64, error) {
	return o.eval(ctx, fac, mask, func(_ model.DemandPoint, logDist float64) (float64, error) {
		return math.Max(o.model.Predict(logDist, 0), o.model.Predict(logDist, 1)), nil
	})
}

func (o *LogisticOracle) Lower(ctx context.Context, fac int, mask Mask) ([]float64, error) {
	return o.eval(ctx, fac, mask, func(_ model.DemandPoint, logDist float64) (float64, error) {
		return math.Min(o.model.Predict(logDist, 0), o.model.Predict(logDist, 1)), nil
	})
}

func (o *LogisticOracle) eval(ctx context.Context, fac int, mask Mask, fn func(model.DemandPoint, float64) (float64, error)) ([]float64, error) {
	if err := CheckArgs(o, fac, mask); err != nil {
		return nil, err
	}
	at := o.facilities[fac].Location
	out := make([]float64, 0, mask.Count(len(o.demands)))
	for i, dem := range o.demands {
		if !mask.Has(i) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		v, err := fn(dem, math.Log(math.Max(at.DistanceTo(dem.Location), minDistance)))
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
