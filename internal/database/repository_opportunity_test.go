package database

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"candle-break-backtester/internal/opportunity"
)

var opportunityRowColumns = []string{
	"id", "symbol", "timeframe", "trigger_bar_index", "kind", "direction",
	"entry_price", "target_price", "percentage_difference", "meets_alert_threshold", "period_valid",
	"fib_levels", "status", "milestones", "max_drawdown", "max_drawdown_at", "max_drawdown_price", "created_at", "updated_at",
}

func opportunityRow(rows *sqlmock.Rows, o *opportunity.Opportunity, milestones string) *sqlmock.Rows {
	var drawdownAt interface{}
	if !o.MaxDrawdownAt.IsZero() {
		drawdownAt = o.MaxDrawdownAt
	}
	return rows.AddRow(
		o.ID, o.Symbol, o.Timeframe, o.TriggerBarIndex, string(o.Kind), string(o.Direction),
		o.EntryPrice, o.TargetPrice, o.PercentageDifference, o.MeetsAlertThreshold, o.PeriodValid,
		[]byte(`{"fib_0_5":97.5,"fib_0":95,"fib_neg_0_5":92.5,"fib_neg_1":90}`),
		string(o.Status), []byte(milestones), o.MaxDrawdown, drawdownAt, o.MaxDrawdownPrice, o.CreatedAt, o.UpdatedAt,
	)
}

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	return NewPostgresStore(NewDBFromSQL(db)), mock, func() { db.Close() }
}

func TestPostgresStoreRecordIfQualifying(t *testing.T) {
	ev, target := testEvent("BTCUSDT", "1H", 5)
	existing := opportunity.New(ev, target, true)

	tests := []struct {
		name        string
		mockSetup   func(mock sqlmock.Sqlmock)
		wantCreated bool
		expectError bool
	}{
		{
			name: "new key",
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(`INSERT INTO opportunities .* ON CONFLICT \(symbol, timeframe, trigger_bar_index\) DO NOTHING`).
					WithArgs(existing.ID, "BTCUSDT", "1H", existing.TriggerBarIndex, "candle_break", "Long",
						100.0, 103.09, 3.09, true, true,
						sqlmock.AnyArg(), "Pending", sqlmock.AnyArg(), 0.0, sqlmock.AnyArg(), 0.0, existing.CreatedAt, existing.UpdatedAt).
					WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(existing.ID))
			},
			wantCreated: true,
		},
		{
			name: "existing key returns stored row",
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(`INSERT INTO opportunities`).
					WillReturnRows(sqlmock.NewRows([]string{"id"}))
				mock.ExpectQuery(`SELECT .* FROM opportunities WHERE symbol = \$1 AND timeframe = \$2 AND trigger_bar_index = \$3`).
					WithArgs("BTCUSDT", "1H", existing.TriggerBarIndex).
					WillReturnRows(opportunityRow(sqlmock.NewRows(opportunityRowColumns), existing, `{}`))
			},
			wantCreated: false,
		},
		{
			name: "database error",
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(`INSERT INTO opportunities`).
					WillReturnError(errors.New("connection reset"))
			},
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, mock, done := newMockStore(t)
			defer done()
			tt.mockSetup(mock)

			opp, created, err := store.RecordIfQualifying(context.Background(), ev, target, true)
			if tt.expectError {
				if err == nil {
					t.Error("expected error, got nil")
				}
			} else {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if created != tt.wantCreated {
					t.Errorf("expected created=%v, got %v", tt.wantCreated, created)
				}
				if opp.ID != existing.ID {
					t.Errorf("expected ID %s, got %s", existing.ID, opp.ID)
				}
				if opp.Fib.MinusOne != 90 {
					t.Errorf("expected fib -1 at 90, got %v", opp.Fib.MinusOne)
				}
			}

			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("unfulfilled expectations: %v", err)
			}
		})
	}
}

func TestPostgresStoreGetNotFound(t *testing.T) {
	store, mock, done := newMockStore(t)
	defer done()

	mock.ExpectQuery(`SELECT .* FROM opportunities WHERE id = \$1`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(opportunityRowColumns))

	if _, err := store.Get(context.Background(), "missing"); !errors.Is(err, opportunity.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestPostgresStoreByStatus(t *testing.T) {
	store, mock, done := newMockStore(t)
	defer done()

	ev, target := testEvent("BTCUSDT", "1H", 5)
	o := opportunity.New(ev, target, true)
	o.Status = opportunity.StatusActivated
	entryAt := o.CreatedAt.Add(3 * time.Minute)

	mock.ExpectQuery(`SELECT .* FROM opportunities WHERE status IN \(\$1, \$2\) ORDER BY created_at, id`).
		WithArgs("Pending", "Activated").
		WillReturnRows(opportunityRow(sqlmock.NewRows(opportunityRowColumns), o,
			`{"entry":"`+entryAt.Format(time.RFC3339Nano)+`"}`))

	got, err := store.ByStatus(context.Background(), opportunity.StatusPending, opportunity.StatusActivated)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 row, got %d", len(got))
	}
	if got[0].Status != opportunity.StatusActivated {
		t.Errorf("expected Activated, got %s", got[0].Status)
	}
	if at, ok := got[0].Milestone(opportunity.MilestoneEntry); !ok || !at.Equal(entryAt) {
		t.Errorf("expected entry milestone %v, got %v", entryAt, at)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestPostgresStoreUpdate(t *testing.T) {
	ev, target := testEvent("BTCUSDT", "1H", 5)
	stored := opportunity.New(ev, target, true)

	t.Run("legal transition", func(t *testing.T) {
		store, mock, done := newMockStore(t)
		defer done()

		next := stored.Clone()
		next.Status = opportunity.StatusActivated
		next.RecordMilestone(opportunity.MilestoneEntry, stored.CreatedAt.Add(time.Minute))
		next.MaxDrawdown = 0.2
		next.MaxDrawdownAt = stored.CreatedAt.Add(time.Minute)
		next.MaxDrawdownPrice = 99.8

		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT .* FROM opportunities WHERE id = \$1 FOR UPDATE`).
			WithArgs(stored.ID).
			WillReturnRows(opportunityRow(sqlmock.NewRows(opportunityRowColumns), stored, `{}`))
		mock.ExpectExec(`UPDATE opportunities SET status = \$2`).
			WithArgs(stored.ID, "Activated", sqlmock.AnyArg(), 0.2, sqlmock.AnyArg(), 99.8, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		if err := store.Update(context.Background(), next); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unfulfilled expectations: %v", err)
		}
	})

	t.Run("terminal record rejects change", func(t *testing.T) {
		store, mock, done := newMockStore(t)
		defer done()

		hit := stored.Clone()
		hit.Status = opportunity.StatusTargetHit

		next := stored.Clone()
		next.Status = opportunity.StatusActivated

		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT .* FROM opportunities WHERE id = \$1 FOR UPDATE`).
			WithArgs(stored.ID).
			WillReturnRows(opportunityRow(sqlmock.NewRows(opportunityRowColumns), hit, `{}`))
		mock.ExpectRollback()

		if err := store.Update(context.Background(), next); !errors.Is(err, opportunity.ErrInvalidTransition) {
			t.Errorf("expected ErrInvalidTransition, got %v", err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unfulfilled expectations: %v", err)
		}
	})
}

func TestRunMigrations(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	for range migrations {
		mock.ExpectExec(`CREATE`).WillReturnResult(sqlmock.NewResult(0, 0))
	}

	if err := NewDBFromSQL(db).RunMigrations(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestRunMigrationsStopsOnFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS opportunities`).WillReturnError(errors.New("permission denied"))

	if err := NewDBFromSQL(db).RunMigrations(context.Background()); err == nil {
		t.Error("expected error, got nil")
	}
}
