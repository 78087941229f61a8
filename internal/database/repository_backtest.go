package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"candle-break-backtester/internal/backtest"
)

// ErrRunNotFound is returned when a simulation run has not been saved.
var ErrRunNotFound = errors.New("simulation run not found")

// SimulationRun is the stored summary of a simulator run
type SimulationRun struct {
	RunID              string    `json:"run_id"`
	StartingBankroll   float64   `json:"starting_bankroll"`
	EndingBankroll     float64   `json:"ending_bankroll"`
	OpenCostBasis      float64   `json:"open_cost_basis"`
	RealizedPnL        float64   `json:"realized_pnl"`
	TotalFees          float64   `json:"total_fees"`
	TotalTrades        int       `json:"total_trades"`
	WinningTrades      int       `json:"winning_trades"`
	WinRate            float64   `json:"win_rate"`
	MaxDrawdownPercent float64   `json:"max_drawdown_percent"`
	LastProcessedAt    time.Time `json:"last_processed_at"`
	CreatedAt          time.Time `json:"created_at"`
}

// RunRepository stores simulator results in PostgreSQL.
type RunRepository struct {
	db *sql.DB
}

// NewRunRepository creates a repository on an open connection
func NewRunRepository(db *DB) *RunRepository {
	return &RunRepository{db: db.SQL}
}

// SaveRun writes the run summary and replaces its positions in one
// transaction. Saving the same run again overwrites it.
func (r *RunRepository) SaveRun(ctx context.Context, state *backtest.State, m backtest.Metrics) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	runQuery := `
		INSERT INTO simulation_runs (
			run_id, starting_bankroll, ending_bankroll, open_cost_basis,
			realized_pnl, total_fees, total_trades, winning_trades,
			win_rate, max_drawdown_percent, last_processed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (run_id) DO UPDATE SET
			ending_bankroll = EXCLUDED.ending_bankroll,
			open_cost_basis = EXCLUDED.open_cost_basis,
			realized_pnl = EXCLUDED.realized_pnl,
			total_fees = EXCLUDED.total_fees,
			total_trades = EXCLUDED.total_trades,
			winning_trades = EXCLUDED.winning_trades,
			win_rate = EXCLUDED.win_rate,
			max_drawdown_percent = EXCLUDED.max_drawdown_percent,
			last_processed_at = EXCLUDED.last_processed_at
	`

	_, err = tx.ExecContext(ctx, runQuery,
		state.RunID, state.StartingBankroll, state.Bankroll, m.OpenCostBasis,
		m.RealizedPnL, m.TotalFees, m.TotalTrades, m.WinningTrades,
		m.WinRate, m.MaxDrawdownPercent, nullTime(state.LastProcessedTimestamp),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert simulation run: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM simulation_positions WHERE run_id = $1`, state.RunID); err != nil {
		return fmt.Errorf("failed to clear simulation positions: %w", err)
	}

	positionQuery := `
		INSERT INTO simulation_positions (
			run_id, opportunity_id, symbol, timeframe, side, size,
			entry_price, entry_time, exit_price, exit_time,
			cost_basis, fees, realized_pnl, exit_reason
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`

	positions := append(append([]*backtest.Position{}, state.ClosedPositions...), state.OpenPositions...)
	for _, p := range positions {
		var exitPrice sql.NullFloat64
		var exitReason sql.NullString
		if !p.IsOpen() {
			exitPrice = sql.NullFloat64{Float64: p.ExitPrice, Valid: true}
			exitReason = sql.NullString{String: string(p.ExitReason), Valid: true}
		}

		_, err = tx.ExecContext(ctx, positionQuery,
			state.RunID, p.OpportunityID, p.Symbol, p.Timeframe, string(p.Side), p.Size,
			p.EntryPrice, p.EntryTime, exitPrice, nullTime(p.ExitTime),
			p.CostBasis, p.EntryFee+p.ExitFee, p.RealizedPnL, exitReason,
		)
		if err != nil {
			return fmt.Errorf("failed to insert simulation position: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// GetRun returns a saved run summary
func (r *RunRepository) GetRun(ctx context.Context, runID string) (*SimulationRun, error) {
	query := `
		SELECT run_id, starting_bankroll, ending_bankroll, open_cost_basis,
			   realized_pnl, total_fees, total_trades, winning_trades,
			   win_rate, max_drawdown_percent, last_processed_at, created_at
		FROM simulation_runs
		WHERE run_id = $1
	`

	var run SimulationRun
	var lastProcessed, created sql.NullTime
	err := r.db.QueryRowContext(ctx, query, runID).Scan(
		&run.RunID, &run.StartingBankroll, &run.EndingBankroll, &run.OpenCostBasis,
		&run.RealizedPnL, &run.TotalFees, &run.TotalTrades, &run.WinningTrades,
		&run.WinRate, &run.MaxDrawdownPercent, &lastProcessed, &created,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get simulation run: %w", err)
	}

	run.LastProcessedAt = lastProcessed.Time
	run.CreatedAt = created.Time
	return &run, nil
}

// ListRuns returns the most recent runs first
func (r *RunRepository) ListRuns(ctx context.Context, limit int) ([]SimulationRun, error) {
	query := `
		SELECT run_id, starting_bankroll, ending_bankroll, open_cost_basis,
			   realized_pnl, total_fees, total_trades, winning_trades,
			   win_rate, max_drawdown_percent, last_processed_at, created_at
		FROM simulation_runs
		ORDER BY created_at DESC
		LIMIT $1
	`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query simulation runs: %w", err)
	}
	defer rows.Close()

	runs := []SimulationRun{}
	for rows.Next() {
		var run SimulationRun
		var lastProcessed, created sql.NullTime
		err := rows.Scan(
			&run.RunID, &run.StartingBankroll, &run.EndingBankroll, &run.OpenCostBasis,
			&run.RealizedPnL, &run.TotalFees, &run.TotalTrades, &run.WinningTrades,
			&run.WinRate, &run.MaxDrawdownPercent, &lastProcessed, &created,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan simulation run: %w", err)
		}
		run.LastProcessedAt = lastProcessed.Time
		run.CreatedAt = created.Time
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating simulation runs: %w", err)
	}

	return runs, nil
}
