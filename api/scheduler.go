/*
scheduler.go - Automated window scheduler

PURPOSE:
  Periodically advances each pipeline stage over fixed-size windows up to
  "now - lag", so late-arriving receipts, revenue events and statements are
  in place before a window is processed.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Keeps one watermark per stage (expected, matching, reconcile); the
    stages never wait on each other
  - A stage whose run read or wrote nothing reliably (read, write or
    aggregate degradation) keeps its watermark and retries next tick;
    every write is idempotent so the retry is safe
  - With Redis checkpoints, a short lease per stage keeps replicas from
    running the same window concurrently

CONFIGURATION:
  - Interval: How often to check (default: 15 minutes)
  - Step:     Window size (default: 1 hour)
  - Lag:      Distance kept from now (default: 2 hours)
  - MaxSteps: Windows processed per stage per tick (default: 24)

USAGE:
  scheduler := NewWindowScheduler(svc, NewMemoryCheckpoints(), logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: Manual stage triggers
  - store/redis: Shared checkpoints
*/
package api

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/apexmediation/revenue-recon/recon"
)

// Checkpoints persists one watermark per stage.
type Checkpoints interface {
	Load(ctx context.Context, stage string) (time.Time, bool, error)
	Save(ctx context.Context, stage string, t time.Time) error
}

// Locker is optionally implemented by shared checkpoint stores.
type Locker interface {
	TryLock(ctx context.Context, stage string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, stage string) error
}

// MemoryCheckpoints keeps watermarks in process.
type MemoryCheckpoints struct {
	mu    sync.Mutex
	marks map[string]time.Time
}

func NewMemoryCheckpoints() *MemoryCheckpoints {
	return &MemoryCheckpoints{marks: make(map[string]time.Time)}
}

func (m *MemoryCheckpoints) Load(_ context.Context, stage string) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.marks[stage]
	return t, ok, nil
}

func (m *MemoryCheckpoints) Save(_ context.Context, stage string, t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.marks[stage] = t.UTC()
	return nil
}

// StageStatus is the last known state of one stage.
type StageStatus struct {
	Stage       string        `json:"stage"`
	Watermark   time.Time     `json:"watermark"`
	LastRunID   string        `json:"lastRunId,omitempty"`
	LastOutcome recon.Outcome `json:"lastOutcome,omitempty"`
	LastRunAt   time.Time     `json:"lastRunAt"`
	Windows     int           `json:"windows"`
	Stalled     bool          `json:"stalled"`
}

// stageRun runs one stage for a window and reports whether the watermark
// may advance.
type stageRun func(ctx context.Context, w recon.Window) (runID string, outcome recon.Outcome, degraded []recon.Degradation)

// WindowScheduler drives the three stages on a timer.
type WindowScheduler struct {
	Service     *recon.Service
	Checkpoints Checkpoints
	Logger      *zap.Logger

	Interval time.Duration
	Step     time.Duration
	Lag      time.Duration
	MaxSteps int
	Enabled  bool

	now    func() time.Time
	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex

	statusMu sync.RWMutex
	status   map[string]StageStatus
}

// NewWindowScheduler creates a new scheduler.
func NewWindowScheduler(svc *recon.Service, cp Checkpoints, logger *zap.Logger) *WindowScheduler {
	if cp == nil {
		cp = NewMemoryCheckpoints()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WindowScheduler{
		Service:     svc,
		Checkpoints: cp,
		Logger:      logger.Named("scheduler"),
		Interval:    15 * time.Minute,
		Step:        time.Hour,
		Lag:         2 * time.Hour,
		MaxSteps:    24,
		Enabled:     true,
		now:         time.Now,
		status:      make(map[string]StageStatus),
	}
}

// Start begins the scheduler.
func (s *WindowScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.Logger.Info("disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}

	s.ticker = time.NewTicker(s.Interval)
	s.stop = make(chan struct{})
	s.wg.Add(1)

	go s.run()

	s.Logger.Info("started", zap.Duration("interval", s.Interval), zap.Duration("step", s.Step), zap.Duration("lag", s.Lag))
}

// Stop stops the scheduler and waits for the current tick to finish.
func (s *WindowScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker != nil {
		s.ticker.Stop()
		close(s.stop)
		s.wg.Wait()
		s.ticker = nil
		s.Logger.Info("stopped")
	}
}

func (s *WindowScheduler) run() {
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-s.stop
		cancel()
	}()

	// Run immediately on start
	s.RunNow(ctx)

	for {
		select {
		case <-s.ticker.C:
			s.RunNow(ctx)
		case <-s.stop:
			return
		}
	}
}

// RunNow advances every stage as far as the horizon allows.
func (s *WindowScheduler) RunNow(ctx context.Context) {
	horizon := s.now().UTC().Add(-s.Lag).Truncate(s.Step)
	for _, st := range s.stages() {
		s.advance(ctx, st.name, st.run, horizon)
	}
}

// Status returns a snapshot of every stage's status.
func (s *WindowScheduler) Status() []StageStatus {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()

	out := make([]StageStatus, 0, len(s.status))
	for _, name := range []string{recon.StageExpected, recon.StageMatching, recon.StageReconcile} {
		if st, ok := s.status[name]; ok {
			out = append(out, st)
		}
	}
	return out
}

type namedStage struct {
	name string
	run  stageRun
}

func (s *WindowScheduler) stages() []namedStage {
	return []namedStage{
		{recon.StageExpected, func(ctx context.Context, w recon.Window) (string, recon.Outcome, []recon.Degradation) {
			res, err := s.Service.BuildExpected(ctx, recon.BuildExpectedInput{Window: w, CollectMetrics: true})
			if err != nil {
				return "", recon.OutcomeError, nil
			}
			return res.RunID, res.Outcome, res.Degraded
		}},
		{recon.StageMatching, func(ctx context.Context, w recon.Window) (string, recon.Outcome, []recon.Degradation) {
			res, err := s.Service.RunMatchingBatch(ctx, recon.MatchingInput{Window: w, PersistReview: true})
			if err != nil {
				return "", recon.OutcomeError, nil
			}
			return res.RunID, res.Outcome, res.Degraded
		}},
		{recon.StageReconcile, func(ctx context.Context, w recon.Window) (string, recon.Outcome, []recon.Degradation) {
			res, err := s.Service.ReconcileWindow(ctx, recon.ReconcileInput{Window: w})
			if err != nil {
				return "", recon.OutcomeError, nil
			}
			return res.RunID, res.Outcome, res.Degraded
		}},
	}
}

func (s *WindowScheduler) advance(ctx context.Context, stage string, run stageRun, horizon time.Time) {
	log := s.Logger.With(zap.String("stage", stage))

	if locker, ok := s.Checkpoints.(Locker); ok {
		locked, err := locker.TryLock(ctx, stage, s.Interval)
		if err != nil {
			log.Warn("lock failed", zap.Error(err))
			return
		}
		if !locked {
			log.Debug("another replica holds the stage")
			return
		}
		defer func() {
			if err := locker.Unlock(context.WithoutCancel(ctx), stage); err != nil {
				log.Warn("unlock failed", zap.Error(err))
			}
		}()
	}

	mark, ok, err := s.Checkpoints.Load(ctx, stage)
	if err != nil {
		log.Warn("checkpoint load failed", zap.Error(err))
		return
	}
	if !ok {
		mark = horizon.Add(-s.Step)
	}

	status := s.stageStatus(stage)
	status.Watermark = mark
	status.Stalled = false
	for steps := 0; steps < s.MaxSteps && !mark.Add(s.Step).After(horizon); steps++ {
		if ctx.Err() != nil {
			break
		}
		w, err := recon.NewWindow(mark, mark.Add(s.Step))
		if err != nil {
			log.Error("bad scheduler window", zap.Error(err))
			break
		}

		runID, outcome, degraded := run(ctx, w)
		status.LastRunID, status.LastOutcome, status.LastRunAt = runID, outcome, s.now().UTC()
		status.Windows++

		if blocksWatermark(outcome, degraded) {
			status.Stalled = true
			log.Warn("stage degraded, watermark held",
				zap.Stringer("window", w), zap.String("run_id", runID), zap.Int("degradations", len(degraded)))
			break
		}

		mark = w.To
		if err := s.Checkpoints.Save(ctx, stage, mark); err != nil {
			log.Warn("checkpoint save failed", zap.Error(err))
			break
		}
		status.Watermark = mark
	}
	s.setStageStatus(status)
}

// blocksWatermark reports whether a run must be retried. A failing anomaly
// rule does not hold the watermark.
func blocksWatermark(outcome recon.Outcome, degraded []recon.Degradation) bool {
	if outcome == recon.OutcomeError {
		return true
	}
	for _, d := range degraded {
		if d.Reason != recon.DegradeRuleFailed {
			return true
		}
	}
	return false
}

func (s *WindowScheduler) stageStatus(stage string) StageStatus {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	st, ok := s.status[stage]
	if !ok {
		st = StageStatus{Stage: stage}
	}
	return st
}

func (s *WindowScheduler) setStageStatus(st StageStatus) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	s.status[st.Stage] = st
}
