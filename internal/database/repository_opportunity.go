package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"candle-break-backtester/internal/opportunity"
	"candle-break-backtester/internal/patterns"
)

const opportunityColumns = `id, symbol, timeframe, trigger_bar_index, kind, direction,
	entry_price, target_price, percentage_difference, meets_alert_threshold, period_valid,
	fib_levels, status, milestones, max_drawdown, max_drawdown_at, max_drawdown_price, created_at, updated_at`

// PostgresStore is the PostgreSQL-backed opportunity store.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store on an open connection
func NewPostgresStore(db *DB) *PostgresStore {
	return &PostgresStore{db: db.SQL}
}

// RecordIfQualifying inserts the event; an existing key is returned unchanged.
func (s *PostgresStore) RecordIfQualifying(ctx context.Context, ev patterns.PatternEvent, target patterns.Target, periodValid bool) (*opportunity.Opportunity, bool, error) {
	opp := opportunity.New(ev, target, periodValid)

	fib, err := json.Marshal(opp.Fib)
	if err != nil {
		return nil, false, fmt.Errorf("failed to encode fib levels: %w", err)
	}
	milestones, err := encodeMilestones(opp.Milestones)
	if err != nil {
		return nil, false, err
	}

	query := `
		INSERT INTO opportunities (` + opportunityColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		ON CONFLICT (symbol, timeframe, trigger_bar_index) DO NOTHING
		RETURNING id
	`

	var id string
	err = s.db.QueryRowContext(ctx, query,
		opp.ID, opp.Symbol, opp.Timeframe, opp.TriggerBarIndex, string(opp.Kind), string(opp.Direction),
		opp.EntryPrice, opp.TargetPrice, opp.PercentageDifference, opp.MeetsAlertThreshold, opp.PeriodValid,
		fib, string(opp.Status), milestones, opp.MaxDrawdown, nullTime(opp.MaxDrawdownAt), opp.MaxDrawdownPrice, opp.CreatedAt, opp.UpdatedAt,
	).Scan(&id)

	if errors.Is(err, sql.ErrNoRows) {
		existing, getErr := s.byKey(ctx, opp.Key())
		if getErr != nil {
			return nil, false, getErr
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert opportunity: %w", err)
	}

	return opp, true, nil
}

// Get returns the opportunity with id
func (s *PostgresStore) Get(ctx context.Context, id string) (*opportunity.Opportunity, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+opportunityColumns+` FROM opportunities WHERE id = $1`, id)
	return scanOpportunity(row)
}

func (s *PostgresStore) byKey(ctx context.Context, key opportunity.Key) (*opportunity.Opportunity, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+opportunityColumns+` FROM opportunities WHERE symbol = $1 AND timeframe = $2 AND trigger_bar_index = $3`,
		key.Symbol, key.Timeframe, key.TriggerBarIndex)
	return scanOpportunity(row)
}

// ByStatus returns opportunities in any of statuses, oldest first.
func (s *PostgresStore) ByStatus(ctx context.Context, statuses ...opportunity.Status) ([]*opportunity.Opportunity, error) {
	if len(statuses) == 0 {
		return s.All(ctx)
	}

	placeholders := make([]string, len(statuses))
	args := make([]interface{}, len(statuses))
	for i, st := range statuses {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = string(st)
	}

	query := `SELECT ` + opportunityColumns + ` FROM opportunities
		WHERE status IN (` + strings.Join(placeholders, ", ") + `)
		ORDER BY created_at, id`
	return s.list(ctx, query, args...)
}

// BySymbolTimeframe returns the pair's opportunities, oldest first.
func (s *PostgresStore) BySymbolTimeframe(ctx context.Context, symbol, timeframe string) ([]*opportunity.Opportunity, error) {
	query := `SELECT ` + opportunityColumns + ` FROM opportunities
		WHERE symbol = $1 AND timeframe = $2
		ORDER BY created_at, id`
	return s.list(ctx, query, symbol, timeframe)
}

// All returns every opportunity, oldest first.
func (s *PostgresStore) All(ctx context.Context) ([]*opportunity.Opportunity, error) {
	return s.list(ctx, `SELECT `+opportunityColumns+` FROM opportunities ORDER BY created_at, id`)
}

// Update writes status, milestones and drawdown after checking the transition
// against the stored row.
func (s *PostgresStore) Update(ctx context.Context, opp *opportunity.Opportunity) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+opportunityColumns+` FROM opportunities WHERE id = $1 FOR UPDATE`, opp.ID)
	current, err := scanOpportunity(row)
	if err != nil {
		return err
	}

	next := opp.Clone()
	if err := opportunity.MergeUpdate(current, next); err != nil {
		return err
	}

	milestones, err := encodeMilestones(next.Milestones)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE opportunities
		SET status = $2, milestones = $3, max_drawdown = $4, max_drawdown_at = $5, max_drawdown_price = $6, updated_at = $7
		WHERE id = $1
	`, next.ID, string(next.Status), milestones, next.MaxDrawdown, nullTime(next.MaxDrawdownAt), next.MaxDrawdownPrice, next.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update opportunity: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *PostgresStore) list(ctx context.Context, query string, args ...interface{}) ([]*opportunity.Opportunity, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query opportunities: %w", err)
	}
	defer rows.Close()

	var out []*opportunity.Opportunity
	for rows.Next() {
		o, err := scanOpportunity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating opportunities: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOpportunity(row rowScanner) (*opportunity.Opportunity, error) {
	var (
		o             opportunity.Opportunity
		kind, dir     string
		status        string
		fib           []byte
		milestones    []byte
		maxDrawdownAt sql.NullTime
	)

	err := row.Scan(
		&o.ID, &o.Symbol, &o.Timeframe, &o.TriggerBarIndex, &kind, &dir,
		&o.EntryPrice, &o.TargetPrice, &o.PercentageDifference, &o.MeetsAlertThreshold, &o.PeriodValid,
		&fib, &status, &milestones, &o.MaxDrawdown, &maxDrawdownAt, &o.MaxDrawdownPrice, &o.CreatedAt, &o.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, opportunity.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan opportunity: %w", err)
	}

	o.Kind = patterns.PatternKind(kind)
	o.Direction = patterns.Direction(dir)
	if o.Status, err = opportunity.ParseStatus(status); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(fib, &o.Fib); err != nil {
		return nil, fmt.Errorf("failed to decode fib levels: %w", err)
	}
	if o.Milestones, err = decodeMilestones(milestones); err != nil {
		return nil, err
	}
	if maxDrawdownAt.Valid {
		o.MaxDrawdownAt = maxDrawdownAt.Time
	}
	return &o, nil
}

func encodeMilestones(m map[opportunity.Milestone]time.Time) ([]byte, error) {
	if m == nil {
		m = map[opportunity.Milestone]time.Time{}
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode milestones: %w", err)
	}
	return data, nil
}

func decodeMilestones(data []byte) (map[opportunity.Milestone]time.Time, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var m map[opportunity.Milestone]time.Time
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode milestones: %w", err)
	}
	if len(m) == 0 {
		return nil, nil
	}
	return m, nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
