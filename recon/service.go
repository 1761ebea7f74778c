package recon

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// =============================================================================
// SERVICE - Public entry points
// =============================================================================
//
// Each entry point validates its window, reads the configuration once, and
// delegates to one stage. Only an invalid window is returned as an error;
// everything else is reported in the result.

type Service struct {
	Stores  Stores
	Config  ConfigSource // nil uses DefaultConfig
	Logger  *zap.Logger
	Metrics Metrics
	Sink    DeltaSink // optional
}

// NewService wires a service over a backend with default configuration.
func NewService(b Backend, logger *zap.Logger) *Service {
	return &Service{
		Stores: StoresFrom(b),
		Config: StaticConfig(DefaultConfig()),
		Logger: logger,
	}
}

type BuildExpectedInput struct {
	Window         Window
	Limit          int
	DryRun         bool
	CollectMetrics bool
}

type MatchingInput struct {
	Window          Window
	LimitStatements int
	LimitExpected   int
	DryRun          bool
	Options         *MatchingOptions
	PersistReview   bool
}

type ReconcileInput struct {
	Window Window
	DryRun bool
}

// BuildExpected materializes expected revenue for the window.
func (s *Service) BuildExpected(ctx context.Context, in BuildExpectedInput) (ExpectedResult, error) {
	if err := in.Window.Validate(); err != nil {
		return ExpectedResult{}, fmt.Errorf("build expected: %w", err)
	}
	b := &ExpectedBuilder{
		Receipts:   s.Stores.Receipts,
		PaidEvents: s.Stores.PaidEvents,
		Expected:   s.Stores.Expected,
		Logger:     s.Logger,
		Metrics:    s.Metrics,
	}
	return b.Build(ctx, s.config(), in.Window, BuildOptions{
		Limit:          in.Limit,
		DryRun:         in.DryRun,
		CollectMetrics: in.CollectMetrics,
	}), nil
}

// RunMatchingBatch matches statements to expected revenue for the window.
func (s *Service) RunMatchingBatch(ctx context.Context, in MatchingInput) (MatchingResult, error) {
	if err := in.Window.Validate(); err != nil {
		return MatchingResult{}, fmt.Errorf("run matching batch: %w", err)
	}
	e := &MatchingEngine{
		Statements: s.Stores.Statements,
		Expected:   s.Stores.Expected,
		Matches:    s.Stores.Matches,
		Review:     s.Stores.ReviewMatch,
		Logger:     s.Logger,
		Metrics:    s.Metrics,
	}
	return e.Match(ctx, s.config(), in.Window, MatchOptions{
		LimitStatements: in.LimitStatements,
		LimitExpected:   in.LimitExpected,
		DryRun:          in.DryRun,
		PersistReview:   in.PersistReview,
		Options:         in.Options,
	}), nil
}

// ReconcileWindow classifies the window's discrepancies into Deltas.
func (s *Service) ReconcileWindow(ctx context.Context, in ReconcileInput) (ReconcileResult, error) {
	if err := in.Window.Validate(); err != nil {
		return ReconcileResult{}, fmt.Errorf("reconcile window: %w", err)
	}
	r := &WindowReconciler{
		Expected:   s.Stores.Expected,
		PaidEvents: s.Stores.PaidEvents,
		Statements: s.Stores.Statements,
		Deltas:     s.Stores.Deltas,
		Sink:       s.Sink,
		Logger:     s.Logger,
		Metrics:    s.Metrics,
	}
	return r.Reconcile(ctx, s.config(), in.Window, ReconcileOptions{DryRun: in.DryRun}), nil
}

// config reads the source once and normalizes the result.
func (s *Service) config() ReconciliationConfig {
	if s.Config == nil {
		return DefaultConfig()
	}
	return s.Config().Normalize()
}
