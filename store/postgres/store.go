/*
Package postgres is the production recon.Backend on PostgreSQL.

PURPOSE:
  Same tables and semantics as store/sqlite, expressed through gorm. Every
  output insert uses ON CONFLICT DO NOTHING on the natural key, so
  RowsAffected is exactly the number of rows inserted.

USAGE:
  st, err := postgres.Connect(ctx, dsn, logger)
  if err != nil {
      return err
  }
  defer st.Close()
  if err := st.Migrate(ctx); err != nil {
      return err
  }
  svc := recon.NewService(st, logger)

SEE ALSO:
  - recon/store.go: Port definitions
  - store/sqlite: Single-node backend with the same schema
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/apexmediation/revenue-recon/recon"
)

// batchSize bounds rows per INSERT and ids per IN (...) list.
const batchSize = 1000

// Store implements recon.Backend using PostgreSQL.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
	now    func() time.Time
}

var _ recon.Backend = (*Store)(nil)

// New wraps an open gorm handle.
func New(db *gorm.DB, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, logger: logger, now: time.Now}
}

// Connect opens and pings a PostgreSQL database.
func Connect(ctx context.Context, dsn string, logger *zap.Logger) (*Store, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open gorm postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("resolve postgres sql db handle: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := sqlDB.PingContext(pingCtx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return New(db, logger), nil
}

// Close closes the underlying pool.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Migrate creates or updates every recon table.
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(allModels()...); err != nil {
		return s.logError("recon_repo_migrate_failed", err)
	}
	return nil
}

// =============================================================================
// SEEDING
// =============================================================================

func (s *Store) AddReceipts(ctx context.Context, rs ...recon.Receipt) error {
	rows := make([]receiptModel, 0, len(rs))
	for _, r := range rs {
		rows = append(rows, receiptModelFromEntity(r))
	}
	return s.appendRows(ctx, "receipts", &rows, len(rows))
}

func (s *Store) AddPaidEvents(ctx context.Context, ps ...recon.PaidEvent) error {
	rows := make([]paidEventModel, 0, len(ps))
	for _, p := range ps {
		rows = append(rows, paidEventModelFromEntity(p))
	}
	return s.appendRows(ctx, "paid_events", &rows, len(rows))
}

func (s *Store) AddStatements(ctx context.Context, ss ...recon.Statement) error {
	rows := make([]statementModel, 0, len(ss))
	for _, st := range ss {
		rows = append(rows, statementModelFromEntity(st))
	}
	return s.appendRows(ctx, "statements", &rows, len(rows))
}

func (s *Store) appendRows(ctx context.Context, table string, rows any, n int) error {
	if n == 0 {
		return nil
	}
	if err := s.db.WithContext(ctx).CreateInBatches(rows, batchSize).Error; err != nil {
		return s.logError("recon_repo_append_failed", err, zap.String("table", table))
	}
	return nil
}

// insertIgnoring inserts rows with ON CONFLICT DO NOTHING and returns the
// number of rows actually written.
func (s *Store) insertIgnoring(ctx context.Context, event string, rows any, n int) (int, error) {
	if n == 0 {
		return 0, nil
	}
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		CreateInBatches(rows, batchSize)
	if res.Error != nil {
		return 0, s.logError(event, res.Error, zap.Int("rows", n), zap.Bool("unique_violation", isUniqueViolation(res.Error)))
	}
	return int(res.RowsAffected), nil
}

// =============================================================================
// INPUT PORTS
// =============================================================================

func (s *Store) ReceiptsInWindow(ctx context.Context, w recon.Window, limit int) ([]recon.Receipt, error) {
	var rows []receiptModel
	if err := withLimit(s.windowed(ctx, "ts", w), limit).
		Order("ts ASC, id ASC").
		Find(&rows).Error; err != nil {
		return nil, s.logError("recon_repo_receipts_failed", err)
	}
	out := make([]recon.Receipt, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toEntity())
	}
	return out, nil
}

func (s *Store) EarliestPaidEvents(ctx context.Context, w recon.Window, requestIDs []string) (map[string]recon.PaidEvent, error) {
	out := make(map[string]recon.PaidEvent, len(requestIDs))
	for _, chunk := range chunks(requestIDs, batchSize) {
		var rows []paidEventModel
		err := s.db.WithContext(ctx).Raw(`
			SELECT DISTINCT ON (request_id) *
			FROM recon_paid_events
			WHERE request_id IN ? AND ts >= ? AND ts < ? AND revenue_usd > 0
			ORDER BY request_id, ts ASC, id ASC
		`, chunk, w.From, w.To).Scan(&rows).Error
		if err != nil {
			return nil, s.logError("recon_repo_earliest_paid_failed", err, zap.Int("ids", len(chunk)))
		}
		for _, r := range rows {
			out[r.RequestID] = r.toEntity()
		}
	}
	return out, nil
}

func (s *Store) PaidEventsInWindow(ctx context.Context, w recon.Window, limit int) ([]recon.PaidEvent, error) {
	var rows []paidEventModel
	if err := withLimit(s.windowed(ctx, "ts", w), limit).
		Order("ts ASC, id ASC").
		Find(&rows).Error; err != nil {
		return nil, s.logError("recon_repo_paid_events_failed", err)
	}
	out := make([]recon.PaidEvent, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toEntity())
	}
	return out, nil
}

func (s *Store) StatementsInWindow(ctx context.Context, w recon.Window, limit int) ([]recon.Statement, error) {
	var rows []statementModel
	q := s.db.WithContext(ctx).
		Where("event_date >= ?::date AND event_date <= ?::date", recon.DayKey(w.From), recon.DayKey(w.To.Add(-time.Nanosecond)))
	if err := withLimit(q, limit).
		Order("event_date ASC, id ASC").
		Find(&rows).Error; err != nil {
		return nil, s.logError("recon_repo_statements_failed", err)
	}
	out := make([]recon.Statement, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toEntity())
	}
	return out, nil
}

// =============================================================================
// EXPECTED STORE
// =============================================================================

func (s *Store) ExistingRequestIDs(ctx context.Context, requestIDs []string) (map[string]bool, error) {
	out := make(map[string]bool)
	for _, chunk := range chunks(requestIDs, batchSize) {
		var ids []string
		if err := s.db.WithContext(ctx).
			Model(&expectedModel{}).
			Where("request_id IN ?", chunk).
			Pluck("request_id", &ids).Error; err != nil {
			return nil, s.logError("recon_repo_existing_ids_failed", err, zap.Int("ids", len(chunk)))
		}
		for _, id := range ids {
			out[id] = true
		}
	}
	return out, nil
}

func (s *Store) InsertExpected(ctx context.Context, records []recon.ExpectedRecord) (int, error) {
	rows := make([]expectedModel, 0, len(records))
	for _, r := range records {
		rows = append(rows, expectedModelFromEntity(r))
	}
	return s.insertIgnoring(ctx, "recon_repo_insert_expected_failed", &rows, len(rows))
}

func (s *Store) ExpectedInWindow(ctx context.Context, w recon.Window, limit int) ([]recon.ExpectedRecord, error) {
	var rows []expectedModel
	if err := withLimit(s.windowed(ctx, "ts", w), limit).
		Order("ts ASC, request_id ASC").
		Find(&rows).Error; err != nil {
		return nil, s.logError("recon_repo_expected_failed", err)
	}
	out := make([]recon.ExpectedRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toEntity())
	}
	return out, nil
}

// =============================================================================
// MATCH STORES
// =============================================================================

func (s *Store) InsertMatches(ctx context.Context, matches []recon.Match) (int, error) {
	now := s.now()
	rows := make([]matchModel, 0, len(matches))
	for _, m := range matches {
		rows = append(rows, matchModelFromEntity(m, now))
	}
	return s.insertIgnoring(ctx, "recon_repo_insert_matches_failed", &rows, len(rows))
}

func (s *Store) InsertReviewMatches(ctx context.Context, matches []recon.Match) (int, error) {
	now := s.now()
	rows := make([]reviewMatchModel, 0, len(matches))
	for _, m := range matches {
		rows = append(rows, reviewMatchModelFromEntity(m, now))
	}
	return s.insertIgnoring(ctx, "recon_repo_insert_review_failed", &rows, len(rows))
}

func (s *Store) ReviewMatches(ctx context.Context, limit int) ([]recon.Match, error) {
	var rows []reviewMatchModel
	if err := withLimit(s.db.WithContext(ctx), limit).
		Order("created_at DESC").
		Find(&rows).Error; err != nil {
		return nil, s.logError("recon_repo_review_matches_failed", err)
	}
	out := make([]recon.Match, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toEntity())
	}
	return out, nil
}

// =============================================================================
// DELTA STORE
// =============================================================================

func (s *Store) InsertDeltas(ctx context.Context, deltas []recon.Delta) (int, error) {
	now := s.now()
	rows := make([]deltaModel, 0, len(deltas))
	for _, d := range deltas {
		rows = append(rows, deltaModelFromEntity(d, now))
	}
	return s.insertIgnoring(ctx, "recon_repo_insert_deltas_failed", &rows, len(rows))
}

func (s *Store) DeltasInWindow(ctx context.Context, w recon.Window, kind recon.DeltaKind) ([]recon.Delta, error) {
	q := s.windowed(ctx, "window_start", w)
	if kind != "" {
		q = q.Where("kind = ?", string(kind))
	}
	var rows []deltaModel
	if err := q.Order("window_start ASC, evidence_id ASC").Find(&rows).Error; err != nil {
		return nil, s.logError("recon_repo_deltas_failed", err, zap.String("kind", string(kind)))
	}
	out := make([]recon.Delta, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toEntity())
	}
	return out, nil
}

// Helper functions

func (s *Store) windowed(ctx context.Context, column string, w recon.Window) *gorm.DB {
	return s.db.WithContext(ctx).
		Where(column+" >= ? AND "+column+" < ?", w.From, w.To)
}

func withLimit(q *gorm.DB, limit int) *gorm.DB {
	if limit > 0 {
		return q.Limit(limit)
	}
	return q
}

func (s *Store) logError(event string, err error, fields ...zap.Field) error {
	s.logger.Error("recon repository operation failed",
		append([]zap.Field{zap.String("event", event), zap.Error(err)}, fields...)...)
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func chunks(ids []string, size int) [][]string {
	var out [][]string
	for len(ids) > size {
		out = append(out, ids[:size])
		ids = ids[size:]
	}
	if len(ids) > 0 {
		out = append(out, ids)
	}
	return out
}
