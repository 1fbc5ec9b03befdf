package prr

import "context"

// Recorder receives one observation per oracle call. kind is one of
// "exact", "upper", "lower" or "improve_upper".
type Recorder interface {
	ObserveOracleCall(kind string, cells int)
}

// Instrumented reports every call on the wrapped oracle to a Recorder.
type Instrumented struct {
	inner Oracle
	rec   Recorder
}

var (
	_ Oracle   = (*Instrumented)(nil)
	_ Improver = (*Instrumented)(nil)
)

// Instrument wraps o. A nil recorder returns o unchanged.
func Instrument(o Oracle, rec Recorder) Oracle {
	if rec == nil {
		return o
	}
	return &Instrumented{inner: o, rec: rec}
}

func (o *Instrumented) DemandCount() int   { return o.inner.DemandCount() }
func (o *Instrumented) FacilityCount() int { return o.inner.FacilityCount() }

func (o *Instrumented) Exact(ctx context.Context, fac int, mask Mask) ([]float64, error) {
	o.rec.ObserveOracleCall("exact", mask.Count(o.inner.DemandCount()))
	return o.inner.Exact(ctx, fac, mask)
}

func (o *Instrumented) Upper(ctx context.Context, fac int, mask Mask) ([]float64, error) {
	o.rec.ObserveOracleCall("upper", mask.Count(o.inner.DemandCount()))
	return o.inner.Upper(ctx, fac, mask)
}

func (o *Instrumented) Lower(ctx context.Context, fac int, mask Mask) ([]float64, error) {
	o.rec.ObserveOracleCall("lower", mask.Count(o.inner.DemandCount()))
	return o.inner.Lower(ctx, fac, mask)
}

// ImproveUpper forwards to the wrapped oracle, or fails with
// ErrNotImprovable when it has no such capability.
func (o *Instrumented) ImproveUpper(ctx context.Context, fac int, quantile float64) error {
	imp, ok := o.inner.(Improver)
	if !ok {
		return ErrNotImprovable
	}
	o.rec.ObserveOracleCall("improve_upper", 0)
	return imp.ImproveUpper(ctx, fac, quantile)
}
