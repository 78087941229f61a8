package reporting

import (
	"bytes"
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"candle-break-backtester/internal/backtest"
	"candle-break-backtester/internal/patterns"
)

func day(month time.Month, d, hour int) time.Time {
	return time.Date(2024, month, d, hour, 0, 0, 0, time.UTC)
}

// twoMonthState has a winning long closed in February and a losing short
// opened in February and closed in March.
func twoMonthState() *backtest.State {
	state := backtest.NewState("report-run", 10000)

	long := &backtest.Position{
		ID: "p1", OpportunityID: "o1", Symbol: "BTCUSDT", Timeframe: "1H", SituationTag: "1v1",
		Side: patterns.Long, Size: 1, EntryPrice: 100, EntryTime: day(time.February, 10, 0),
		TargetPrice: 103, CostBasis: 100, EntryFee: 0.03,
		ExitPrice: 103, ExitTime: day(time.February, 10, 1), ExitFee: 0.0309, RealizedPnL: 3,
		ExitReason: backtest.ExitTarget,
	}
	short := &backtest.Position{
		ID: "p2", OpportunityID: "o2", Symbol: "BTCUSDT", Timeframe: "4H", SituationTag: "engulfing",
		Side: patterns.Short, Size: 2, EntryPrice: 100, EntryTime: day(time.February, 20, 0),
		TargetPrice: 95, CostBasis: 200, EntryFee: 0.06,
		ExitPrice: 102, ExitTime: day(time.March, 2, 0), ExitFee: 0.0612, RealizedPnL: -4,
		ExitReason: backtest.StopReason("fib_0.0"),
	}
	state.ClosedPositions = []*backtest.Position{long, short}
	state.Events = []backtest.TradeEvent{
		{Time: long.EntryTime, Type: backtest.EventOpenLong, PositionID: "p1", Fee: 0.03},
		{Time: long.ExitTime, Type: backtest.EventCloseLong, PositionID: "p1", Fee: 0.0309},
		{Time: short.EntryTime, Type: backtest.EventOpenShort, PositionID: "p2", Fee: 0.06},
		{Time: short.ExitTime, Type: backtest.EventCloseShort, PositionID: "p2", Fee: 0.0612},
	}
	state.EquityCurve = []backtest.EquityPoint{
		{Timestamp: day(time.February, 10, 0), Equity: 9999.97},
		{Timestamp: day(time.February, 10, 1), Equity: 10002.9391},
		{Timestamp: day(time.February, 20, 0), Equity: 10002.8791},
		{Timestamp: day(time.March, 2, 0), Equity: 9998.8179},
	}
	state.Bankroll = 9998.8179
	state.TotalFees = 0.1821
	return state
}

func TestMonthlySummary(t *testing.T) {
	rows := MonthlySummary(twoMonthState())
	if len(rows) != 2 {
		t.Fatalf("Expected 2 months, got %d", len(rows))
	}

	feb, mar := rows[0], rows[1]
	if feb.Month != "2024-02" || mar.Month != "2024-03" {
		t.Fatalf("Expected 2024-02 and 2024-03, got %s and %s", feb.Month, mar.Month)
	}

	if feb.TotalTrades != 3 || feb.OpenLong != 1 || feb.CloseLong != 1 || feb.OpenShort != 1 {
		t.Errorf("Unexpected February trade counts: %+v", feb)
	}
	if feb.Wins != 1 || feb.Losses != 0 || feb.WinRate() != 1 {
		t.Errorf("Expected 1 February win, got %d wins %d losses", feb.Wins, feb.Losses)
	}
	if round4(feb.SumPnL) != "2.9391" {
		t.Errorf("Expected February PnL 2.9391, got %s", round4(feb.SumPnL))
	}
	if feb.CurrentShorts != 1 || feb.CurrentLongs != 0 {
		t.Errorf("Expected 1 short carried out of February, got longs=%d shorts=%d", feb.CurrentLongs, feb.CurrentShorts)
	}
	if feb.OpeningBankroll != 9999.97 || feb.ClosingBankroll != 10002.8791 {
		t.Errorf("Unexpected February bankroll: %v -> %v", feb.OpeningBankroll, feb.ClosingBankroll)
	}
	if feb.BankrollHigh != 10002.9391 || !feb.BankrollHighDate.Equal(day(time.February, 10, 1)) {
		t.Errorf("Unexpected February high: %v on %v", feb.BankrollHigh, feb.BankrollHighDate)
	}

	if mar.CloseShort != 1 || mar.Losses != 1 || mar.CurrentShorts != 0 {
		t.Errorf("Unexpected March row: %+v", mar)
	}
	if round4(mar.SumPnL) != "-4.1212" {
		t.Errorf("Expected March PnL -4.1212, got %s", round4(mar.SumPnL))
	}
}

func TestMonthlySummary_Empty(t *testing.T) {
	if rows := MonthlySummary(backtest.NewState("empty", 10000)); len(rows) != 0 {
		t.Errorf("Expected no rows, got %d", len(rows))
	}
}

func TestWriteMonthlyCSV(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteMonthlyCSV(&buf, MonthlySummary(twoMonthState())); err != nil {
		t.Fatalf("WriteMonthlyCSV failed: %v", err)
	}

	records, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("failed to read csv: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("Expected header + 2 rows, got %d", len(records))
	}
	if records[0][0] != "Month" || len(records[0]) != len(records[1]) {
		t.Errorf("Unexpected header: %v", records[0])
	}
	if records[1][8] != "2.9391" {
		t.Errorf("Expected Sum of PnL 2.9391, got %s", records[1][8])
	}
	if records[1][16] != "2024-02-10" {
		t.Errorf("Expected BR High Date 2024-02-10, got %s", records[1][16])
	}
}

func TestWritePositionsCSV(t *testing.T) {
	state := twoMonthState()
	open := backtest.Position{
		ID: "p3", OpportunityID: "o3", Symbol: "ETHUSDT", Timeframe: "72m", Side: patterns.Long,
		Size: 1, EntryPrice: 50, EntryTime: day(time.March, 3, 0), CostBasis: 50, EntryFee: 0.015,
		UnrealizedPnL: 1.5, EntryLevel: "fib_0.5",
	}

	var buf bytes.Buffer
	err := WritePositionsCSV(&buf, []backtest.Position{*state.ClosedPositions[0], open})
	if err != nil {
		t.Fatalf("WritePositionsCSV failed: %v", err)
	}

	records, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("failed to read csv: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("Expected header + 2 rows, got %d", len(records))
	}
	if records[1][12] != "target" || records[1][18] != "true" {
		t.Errorf("Expected closed winner by target, got reason=%s winner=%s", records[1][12], records[1][18])
	}
	if records[2][10] != "" || records[2][18] != "" {
		t.Errorf("Expected empty exit columns for open position, got %v", records[2])
	}
	if records[1][19] != "" || records[2][19] != "fib_0.5" {
		t.Errorf("Expected entry levels \"\" and fib_0.5, got %q and %q", records[1][19], records[2][19])
	}
}

func TestWriteSummary(t *testing.T) {
	state := twoMonthState()
	var buf bytes.Buffer
	if err := WriteSummary(&buf, backtest.ComputeMetrics(state), nil); err != nil {
		t.Fatalf("WriteSummary failed: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "Timeframe") || !strings.Contains(out, "Win Rate") {
		t.Errorf("Expected timeframe table, got:\n%s", out)
	}
	i1, i4 := strings.Index(out, "\n1H "), strings.Index(out, "\n4H ")
	if i1 < 0 || i4 < 0 || i1 > i4 {
		t.Errorf("Expected 1H before 4H, got:\n%s", out)
	}
}

func TestWriteRunFiles(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "report")
	if err := WriteRunFiles(dir, twoMonthState(), nil); err != nil {
		t.Fatalf("WriteRunFiles failed: %v", err)
	}
	for _, name := range []string{"monthly.csv", "positions.csv", "summary.txt"} {
		if info, err := os.Stat(filepath.Join(dir, name)); err != nil || info.Size() == 0 {
			t.Errorf("Expected non-empty %s, got err=%v", name, err)
		}
	}
}
