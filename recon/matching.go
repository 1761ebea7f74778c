/*
matching.go - MatchingEngine: statements x expected revenue -> matches

PURPOSE:
  Links day-granular settlement rows to request-level expected revenue with
  a calibrated confidence, then buckets each link for automatic acceptance,
  human review, or neither.

ALGORITHM:
  1. Read statements and expected records for the window (independent limits)
  2. Either side empty -> unmatched = |statements|, nothing else
  3. Derive the structural statementId of every statement
  4. Score each statement against its candidates; keep the best one
     (ties resolve to the earliest-timestamp expected record)
  5. Bucket by confidence:
       confidence >= autoAccept                -> auto
       reviewMin <= confidence < autoAccept    -> review
       confidence < reviewMin or no candidate  -> unmatched
  6. Unless dry-run: insert auto matches (conflict-ignore on
     (statementId, requestId)); when persistReview, insert review matches

FAILURE POLICY:
  Read failures degrade to empty input. Insert failures are logged and
  count as zero inserted/persisted; they never change the bucket counts,
  because scoring and persistence are reported separately.

SEE ALSO:
  - scoring.go: Sub-score formulas and weighting
  - service.go: RunMatchingBatch entry point
*/
package recon

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Bucket is the confidence band a scored pair falls into.
type Bucket string

const (
	BucketAuto      Bucket = "auto"
	BucketReview    Bucket = "review"
	BucketUnmatched Bucket = "unmatched"
)

// Classify places a confidence into exactly one bucket.
func Classify(confidence, autoAccept, reviewMin float64) Bucket {
	switch {
	case confidence >= autoAccept:
		return BucketAuto
	case confidence >= reviewMin:
		return BucketReview
	default:
		return BucketUnmatched
	}
}

// =============================================================================
// MATCHING ENGINE
// =============================================================================

type MatchingEngine struct {
	Statements StatementStore
	Expected   ExpectedStore
	Matches    MatchStore
	Review     ReviewMatchStore
	Logger     *zap.Logger
	Metrics    Metrics
}

// MatchOptions controls one Match call. Limits <= 0 use configured defaults.
// A nil Options uses the configured weights.
type MatchOptions struct {
	LimitStatements int
	LimitExpected   int
	DryRun          bool
	PersistReview   bool
	Options         *MatchingOptions
}

// MatchingResult reports one Match call. Match never fails.
type MatchingResult struct {
	RunID           string        `json:"runId"`
	Window          Window        `json:"-"`
	Auto            int           `json:"auto"`
	Review          int           `json:"review"`
	Unmatched       int           `json:"unmatched"`
	Inserted        int           `json:"inserted"`
	ReviewPersisted int           `json:"reviewPersisted"`
	Outcome         Outcome       `json:"outcome"`
	Degraded        []Degradation `json:"degraded,omitempty"`
}

// ScoredPair is the best candidate found for one statement.
type ScoredPair struct {
	Statement   Statement
	StatementID string
	Expected    ExpectedRecord
	Score       Score
	Confidence  float64
	Bucket      Bucket
}

// Match runs one batch over the window.
func (m *MatchingEngine) Match(ctx context.Context, cfg ReconciliationConfig, w Window, opts MatchOptions) MatchingResult {
	start := time.Now()
	res := MatchingResult{RunID: uuid.NewString(), Window: w}
	log := loggerOr(m.Logger).With(
		zap.String("stage", StageMatching),
		zap.Stringer("window", w),
		zap.String("run_id", res.RunID),
	)

	limitStatements := opts.LimitStatements
	if limitStatements <= 0 {
		limitStatements = cfg.DefaultStatementLimit
	}
	limitExpected := opts.LimitExpected
	if limitExpected <= 0 {
		limitExpected = cfg.DefaultExpectedReadLimit
	}
	weights := cfg.Matching
	if opts.Options != nil {
		weights = opts.Options.normalize()
	}

	statements, deg := readOrDegrade(log, "statements_in_window", func() ([]Statement, error) {
		return m.Statements.StatementsInWindow(ctx, w, limitStatements)
	})
	res.Degraded = appendDegraded(res.Degraded, deg)
	expected, deg := readOrDegrade(log, "expected_in_window", func() ([]ExpectedRecord, error) {
		return m.Expected.ExpectedInWindow(ctx, w, limitExpected)
	})
	res.Degraded = appendDegraded(res.Degraded, deg)

	if len(statements) == 0 || len(expected) == 0 {
		res.Unmatched = len(statements)
		res.Outcome = OutcomeEmpty
		m.finish(log, res, time.Since(start))
		return res
	}

	pairs := ScorePairs(statements, expected, weights, cfg.AutoAcceptThreshold, cfg.ReviewMinThreshold)
	// Statements without any candidate are unmatched too.
	res.Unmatched = len(statements) - len(pairs)

	var auto, review []Match
	now := time.Now().UTC()
	for _, p := range pairs {
		switch p.Bucket {
		case BucketAuto:
			res.Auto++
			auto = append(auto, p.toMatch(now, nil))
		case BucketReview:
			res.Review++
			reasons := &MatchReasons{
				TimeScore:           p.Score.Time,
				AmountScore:         p.Score.Amount,
				UnitScore:           p.Score.Unit,
				Combined:            p.Score.Combined,
				AutoAcceptThreshold: cfg.AutoAcceptThreshold,
				ReviewMinThreshold:  cfg.ReviewMinThreshold,
			}
			review = append(review, p.toMatch(now, reasons))
		default:
			res.Unmatched++
		}
	}

	if opts.DryRun {
		res.Outcome = OutcomeDryRun
		m.finish(log, res, time.Since(start))
		return res
	}

	res.Outcome = OutcomeSuccess
	if len(auto) > 0 {
		n, deg := writeOrDegrade(log, "insert_matches", func() (int, error) {
			return m.Matches.InsertMatches(ctx, auto)
		})
		res.Inserted = n
		if deg != nil {
			res.Degraded = appendDegraded(res.Degraded, deg)
			res.Outcome = OutcomeError
		}
	}
	if opts.PersistReview && len(review) > 0 {
		n, deg := writeOrDegrade(log, "insert_review_matches", func() (int, error) {
			return m.Review.InsertReviewMatches(ctx, review)
		})
		res.ReviewPersisted = n
		if deg != nil {
			res.Degraded = appendDegraded(res.Degraded, deg)
			res.Outcome = OutcomeError
		}
	}

	m.finish(log, res, time.Since(start))
	return res
}

func (m *MatchingEngine) finish(log *zap.Logger, res MatchingResult, d time.Duration) {
	log.Info("matching batch finished",
		zap.Int("auto", res.Auto),
		zap.Int("review", res.Review),
		zap.Int("unmatched", res.Unmatched),
		zap.Int("inserted", res.Inserted),
		zap.Int("review_persisted", res.ReviewPersisted),
		zap.String("outcome", string(res.Outcome)),
		zap.Duration("duration", d),
	)
	mt := metricsOr(m.Metrics)
	mt.MatchCounts(res.Inserted, res.ReviewPersisted)
	mt.ObserveStage(StageMatching, res.Outcome, d)
}

// =============================================================================
// PAIR SELECTION
// =============================================================================

// ScorePairs returns one pair per statement that has at least one candidate,
// in statement order. Statements with no candidate are omitted.
func ScorePairs(statements []Statement, expected []ExpectedRecord, opts MatchingOptions, autoAccept, reviewMin float64) []ScoredPair {
	sorted := append([]ExpectedRecord(nil), expected...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Ts.Before(sorted[j].Ts) })

	// With time as the only weighted signal, records beyond the span score
	// zero, so only the span around the statement day needs scanning.
	timeOnly := opts.WTime > 0 && opts.WAmount == 0 && opts.WUnit == 0
	span := time.Duration(opts.TimeSpanDays * float64(24*time.Hour))

	pairs := make([]ScoredPair, 0, len(statements))
	for _, s := range statements {
		lo, hi := 0, len(sorted)
		if timeOnly {
			dayStart := TruncateDay(s.EventDate)
			from := dayStart.Add(-span)
			to := dayStart.Add(24*time.Hour + span)
			lo = sort.Search(len(sorted), func(i int) bool { return !sorted[i].Ts.Before(from) })
			hi = sort.Search(len(sorted), func(i int) bool { return !sorted[i].Ts.Before(to) })
		}

		best := -1
		var bestScore Score
		for i := lo; i < hi; i++ {
			sc := opts.Score(s, sorted[i])
			if len(sc.KeysUsed) == 0 {
				continue
			}
			// Strictly greater keeps the earliest record on ties.
			if best < 0 || sc.Combined > bestScore.Combined {
				best, bestScore = i, sc
			}
		}
		if best < 0 {
			continue
		}

		// Bucketing uses the raw score; only the stored confidence is rounded.
		pairs = append(pairs, ScoredPair{
			Statement:   s,
			StatementID: s.ID(),
			Expected:    sorted[best],
			Score:       bestScore,
			Confidence:  round2(bestScore.Combined),
			Bucket:      Classify(bestScore.Combined, autoAccept, reviewMin),
		})
	}
	return pairs
}

func (p ScoredPair) toMatch(now time.Time, reasons *MatchReasons) Match {
	return Match{
		StatementID:    p.StatementID,
		RequestID:      p.Expected.RequestID,
		LinkConfidence: p.Confidence,
		KeysUsed:       append([]string(nil), p.Score.KeysUsed...),
		Reasons:        reasons,
		CreatedAt:      now,
	}
}
