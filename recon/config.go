package recon

// =============================================================================
// RECONCILIATION CONFIG - Explicit tunables, threaded through every stage
// =============================================================================

// MatchingOptions weights the scoring sub-scores. A weight of zero removes
// the signal from the combined score entirely.
type MatchingOptions struct {
	WTime   float64 `yaml:"w_time" json:"wTime"`
	WAmount float64 `yaml:"w_amount" json:"wAmount"`
	WUnit   float64 `yaml:"w_unit" json:"wUnit"`

	// TimeSpanDays is the distance from the statement day beyond which the
	// time sub-score reaches zero.
	TimeSpanDays float64 `yaml:"time_span_days" json:"timeSpanDays"`
}

// DefaultMatchingOptions weights time alone. Amount and unit signals are not
// yet normalized at the statement level.
func DefaultMatchingOptions() MatchingOptions {
	return MatchingOptions{WTime: 1, WAmount: 0, WUnit: 0, TimeSpanDays: 1}
}

// ReconciliationConfig is built once per invocation by a ConfigSource and
// never read ad hoc mid-algorithm.
type ReconciliationConfig struct {
	// UnderpayTolerance is the relative gap below which a residual is noise.
	UnderpayTolerance float64 `yaml:"underpay_tolerance"`
	// IVTBandPP is added to the trailing p95 IVT rate, in percentage points.
	IVTBandPP float64 `yaml:"ivt_p95_band_pp"`
	// FXBandPct is the allowed deviation from the trailing median, in percent.
	FXBandPct float64 `yaml:"fx_band_pct"`
	// ViewabilityGapPP is the allowed |om - statement| gap, in percentage points.
	ViewabilityGapPP float64 `yaml:"viewability_gap_pp"`
	BaselineDays     int     `yaml:"baseline_days"`
	Epsilon          float64 `yaml:"epsilon"`

	Matching            MatchingOptions `yaml:"matching"`
	AutoAcceptThreshold float64         `yaml:"auto_accept_threshold"`
	ReviewMinThreshold  float64         `yaml:"review_min_threshold"`

	DefaultExpectedLimit     int `yaml:"default_expected_limit"`
	DefaultStatementLimit    int `yaml:"default_statement_limit"`
	DefaultExpectedReadLimit int `yaml:"default_expected_read_limit"`
	ReconcileRowLimit        int `yaml:"reconcile_row_limit"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() ReconciliationConfig {
	return ReconciliationConfig{
		UnderpayTolerance:        0.02,
		IVTBandPP:                2,
		FXBandPct:                0.5,
		ViewabilityGapPP:         15,
		BaselineDays:             30,
		Epsilon:                  1e-9,
		Matching:                 DefaultMatchingOptions(),
		AutoAcceptThreshold:      0.8,
		ReviewMinThreshold:       0.5,
		DefaultExpectedLimit:     5000,
		DefaultStatementLimit:    10000,
		DefaultExpectedReadLimit: 10000,
		ReconcileRowLimit:        500000,
	}
}

// Normalize clamps out-of-range values back into something the algorithms
// can use. It never fails.
func (c ReconciliationConfig) Normalize() ReconciliationConfig {
	d := DefaultConfig()
	if c.UnderpayTolerance < 0 {
		c.UnderpayTolerance = d.UnderpayTolerance
	}
	if c.IVTBandPP < 0 {
		c.IVTBandPP = d.IVTBandPP
	}
	if c.FXBandPct < 0 {
		c.FXBandPct = d.FXBandPct
	}
	if c.ViewabilityGapPP < 0 {
		c.ViewabilityGapPP = d.ViewabilityGapPP
	}
	if c.BaselineDays <= 0 {
		c.BaselineDays = d.BaselineDays
	}
	if c.Epsilon <= 0 {
		c.Epsilon = d.Epsilon
	}
	c.Matching = c.Matching.normalize()
	c.AutoAcceptThreshold = clamp01(c.AutoAcceptThreshold)
	c.ReviewMinThreshold = clamp01(c.ReviewMinThreshold)
	if c.ReviewMinThreshold > c.AutoAcceptThreshold {
		c.ReviewMinThreshold = c.AutoAcceptThreshold
	}
	if c.DefaultExpectedLimit <= 0 {
		c.DefaultExpectedLimit = d.DefaultExpectedLimit
	}
	if c.DefaultStatementLimit <= 0 {
		c.DefaultStatementLimit = d.DefaultStatementLimit
	}
	if c.DefaultExpectedReadLimit <= 0 {
		c.DefaultExpectedReadLimit = d.DefaultExpectedReadLimit
	}
	if c.ReconcileRowLimit <= 0 {
		c.ReconcileRowLimit = d.ReconcileRowLimit
	}
	return c
}

func (o MatchingOptions) normalize() MatchingOptions {
	if o.WTime < 0 {
		o.WTime = 0
	}
	if o.WAmount < 0 {
		o.WAmount = 0
	}
	if o.WUnit < 0 {
		o.WUnit = 0
	}
	if o.WTime+o.WAmount+o.WUnit == 0 {
		o.WTime = 1
	}
	if o.TimeSpanDays <= 0 {
		o.TimeSpanDays = DefaultMatchingOptions().TimeSpanDays
	}
	return o
}

// ConfigSource produces a fresh config. Service calls it once per entry
// point invocation so tunables can change without a restart.
type ConfigSource func() ReconciliationConfig

// StaticConfig returns a source that always yields c.
func StaticConfig(c ReconciliationConfig) ConfigSource {
	return func() ReconciliationConfig { return c }
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
