package model

// Facility is a candidate gateway site.
type Facility struct {
	ID       string
	Name     string
	Location Location
	Altitude float64 // metres above the terrain datum

	Cost float64

	// Built marks an already deployed gateway; solvers must keep it.
	Built bool

	// Exact reports whether the site's PRRs come from measured data. nil means
	// no metadata; only the blob approximation looks at it.
	Exact *bool
}

// DemandPoint is a location that should receive coverage.
type DemandPoint struct {
	ID       string
	Location Location
	Altitude float64

	// RequiredCoverage is the minimum coverage probability used by budget
	// minimisation. Zero means no requirement.
	RequiredCoverage float64
}
