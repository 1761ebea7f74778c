package config

import (
	"errors"
	"io/fs"
	"math"
	"os"
	"strconv"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/apexmediation/revenue-recon/recon"
)

// Loader builds a fresh recon.ReconciliationConfig on every Load call.
type Loader struct {
	// Path is an optional YAML file; a missing file is not an error.
	Path   string
	Logger *zap.Logger

	// lookup defaults to os.LookupEnv.
	lookup func(string) (string, bool)
}

// NewLoader creates a loader reading path (may be empty) and the environment.
func NewLoader(path string, logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{Path: path, Logger: logger, lookup: os.LookupEnv}
}

// Source adapts the loader to recon.Service.
func (l *Loader) Source() recon.ConfigSource { return l.Load }

// Load never fails: unreadable files and invalid values fall back to the
// defaults and are logged.
func (l *Loader) Load() recon.ReconciliationConfig {
	cfg := recon.DefaultConfig()
	l.applyFile(&cfg)
	l.applyEnv(&cfg)
	return Validate(cfg)
}

// Validate clamps thresholds into [0, 1] and forces ReviewMin <= AutoAccept.
func Validate(cfg recon.ReconciliationConfig) recon.ReconciliationConfig {
	return cfg.Normalize()
}

func (l *Loader) applyFile(cfg *recon.ReconciliationConfig) {
	if l.Path == "" {
		return
	}
	data, err := os.ReadFile(l.Path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			l.Logger.Warn("config file unreadable, using defaults", zap.String("path", l.Path), zap.Error(err))
		}
		return
	}
	fromFile := *cfg
	if err := yaml.Unmarshal(data, &fromFile); err != nil {
		l.Logger.Warn("config file invalid, using defaults", zap.String("path", l.Path), zap.Error(err))
		return
	}
	*cfg = fromFile
}

func (l *Loader) applyEnv(cfg *recon.ReconciliationConfig) {
	l.envFloat("UNDERPAY_TOL", &cfg.UnderpayTolerance)
	l.envFloat("IVT_P95_BAND_PP", &cfg.IVTBandPP)
	l.envFloat("FX_BAND_PCT", &cfg.FXBandPct)
	l.envFloat("VIEWABILITY_GAP_PP", &cfg.ViewabilityGapPP)
	l.envInt("RECON_BASELINE_DAYS", &cfg.BaselineDays)
	l.envFloat("MATCH_AUTO_ACCEPT", &cfg.AutoAcceptThreshold)
	l.envFloat("MATCH_REVIEW_MIN", &cfg.ReviewMinThreshold)
	l.envFloat("MATCH_W_TIME", &cfg.Matching.WTime)
	l.envFloat("MATCH_W_AMOUNT", &cfg.Matching.WAmount)
	l.envFloat("MATCH_W_UNIT", &cfg.Matching.WUnit)
	l.envFloat("MATCH_TIME_SPAN_DAYS", &cfg.Matching.TimeSpanDays)
}

func (l *Loader) env(key string) (string, bool) {
	lookup := l.lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	v, ok := lookup(key)
	return v, ok && v != ""
}

func (l *Loader) envFloat(key string, dst *float64) {
	raw, ok := l.env(key)
	if !ok {
		return
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		l.Logger.Warn("invalid tunable, keeping default", zap.String("key", key), zap.String("value", raw))
		return
	}
	*dst = v
}

func (l *Loader) envInt(key string, dst *int) {
	raw, ok := l.env(key)
	if !ok {
		return
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		l.Logger.Warn("invalid tunable, keeping default", zap.String("key", key), zap.String("value", raw))
		return
	}
	*dst = v
}
