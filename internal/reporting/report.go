// Package reporting turns a finished simulation into monthly and per-timeframe
// tables.
package reporting

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"text/tabwriter"
	"time"

	"candle-break-backtester/internal/backtest"

	"github.com/shopspring/decimal"
)

// DefaultTimeframeOrder lists timeframes smallest first for summary tables.
var DefaultTimeframeOrder = []string{
	"1m", "2m", "3m", "4m", "5m", "6m", "8m", "9m", "10m", "12m", "15m", "16m", "18m", "20m", "24m", "30m",
	"32m", "40m", "45m", "48m", "1H", "72m", "80m", "90m", "96m", "2H", "144m", "160m", "3H", "4H", "288m",
	"6H", "8H", "12H", "1D", "2D", "3D", "1W", "1M",
}

// MonthRow is one line of the monthly summary.
type MonthRow struct {
	Month            string
	OpeningBankroll  float64
	ClosingBankroll  float64
	BankrollHigh     float64
	BankrollHighDate time.Time
	BankrollLow      float64
	BankrollLowDate  time.Time
	TotalTrades      int
	OpenLong         int
	OpenShort        int
	CloseLong        int
	CloseShort       int
	SumPnL           float64
	Fees             float64
	Wins             int
	Losses           int
	CurrentLongs     int
	CurrentShorts    int
}

// WinRate is wins over decided trades, as a fraction.
func (r MonthRow) WinRate() float64 {
	if r.Wins+r.Losses == 0 {
		return 0
	}
	return float64(r.Wins) / float64(r.Wins+r.Losses)
}

// MonthlySummary groups the run by UTC calendar month. Bankroll columns track
// equity; PnL is net of both fees and is booked in the month a trade closes.
func MonthlySummary(state *backtest.State) []MonthRow {
	net := make(map[string]float64, len(state.ClosedPositions))
	for _, p := range state.ClosedPositions {
		net[p.ID] = p.NetPnL()
	}

	rows := make(map[string]*MonthRow)
	row := func(t time.Time) *MonthRow {
		key := t.UTC().Format("2006-01")
		r, ok := rows[key]
		if !ok {
			r = &MonthRow{Month: key}
			rows[key] = r
		}
		return r
	}

	for _, pt := range state.EquityCurve {
		r := row(pt.Timestamp)
		if r.BankrollHighDate.IsZero() || pt.Equity > r.BankrollHigh {
			r.BankrollHigh = pt.Equity
			r.BankrollHighDate = pt.Timestamp
		}
		if r.BankrollLowDate.IsZero() || pt.Equity < r.BankrollLow {
			r.BankrollLow = pt.Equity
			r.BankrollLowDate = pt.Timestamp
		}
		if r.OpeningBankroll == 0 {
			r.OpeningBankroll = pt.Equity
		}
		r.ClosingBankroll = pt.Equity
	}

	for _, ev := range state.Events {
		r := row(ev.Time)
		r.TotalTrades++
		r.Fees += ev.Fee
		switch ev.Type {
		case backtest.EventOpenLong:
			r.OpenLong++
		case backtest.EventOpenShort:
			r.OpenShort++
		case backtest.EventCloseLong:
			r.CloseLong++
		case backtest.EventCloseShort:
			r.CloseShort++
		}
		if !ev.Type.IsClose() {
			continue
		}
		pnl := net[ev.PositionID]
		r.SumPnL += pnl
		switch {
		case pnl > 0:
			r.Wins++
		case pnl < 0:
			r.Losses++
		}
	}

	keys := make([]string, 0, len(rows))
	for k := range rows {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]MonthRow, 0, len(keys))
	previousClose := state.StartingBankroll
	longs, shorts := 0, 0
	for _, k := range keys {
		r := rows[k]
		if r.BankrollHighDate.IsZero() {
			r.OpeningBankroll = previousClose
			r.ClosingBankroll = previousClose
			r.BankrollHigh = previousClose
			r.BankrollLow = previousClose
		}
		longs += r.OpenLong - r.CloseLong
		shorts += r.OpenShort - r.CloseShort
		r.CurrentLongs = longs
		r.CurrentShorts = shorts
		previousClose = r.ClosingBankroll
		out = append(out, *r)
	}
	return out
}

var monthlyHeader = []string{
	"Month", "Opening Bankroll", "Closing Bankroll", "Total Trades",
	"Open Long Trades", "Open Short Trades", "Close Long Trades", "Close Short Trades",
	"Sum of PnL", "Fees", "Wins", "Losses", "Win Rate", "Current Longs", "Current Shorts",
	"Bankroll High", "BR High Date", "Bankroll Low", "BR Low Date",
}

// WriteMonthlyCSV writes the monthly summary
func WriteMonthlyCSV(w io.Writer, rows []MonthRow) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(monthlyHeader); err != nil {
		return fmt.Errorf("failed to write monthly header: %w", err)
	}
	for _, r := range rows {
		record := []string{
			r.Month, round4(r.OpeningBankroll), round4(r.ClosingBankroll), strconv.Itoa(r.TotalTrades),
			strconv.Itoa(r.OpenLong), strconv.Itoa(r.OpenShort), strconv.Itoa(r.CloseLong), strconv.Itoa(r.CloseShort),
			round4(r.SumPnL), round4(r.Fees), strconv.Itoa(r.Wins), strconv.Itoa(r.Losses), round4(r.WinRate()),
			strconv.Itoa(r.CurrentLongs), strconv.Itoa(r.CurrentShorts),
			round4(r.BankrollHigh), formatDate(r.BankrollHighDate), round4(r.BankrollLow), formatDate(r.BankrollLowDate),
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("failed to write monthly row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

var positionsHeader = []string{
	"position_id", "opportunity_id", "symbol", "timeframe", "situation", "side", "size",
	"entry_time", "entry_price", "target_price", "exit_time", "exit_price", "exit_reason",
	"cost_basis", "fees", "realized_pnl", "net_pnl", "unrealized_pnl", "winner", "entry_level",
}

// WritePositionsCSV writes one line per position, open positions with empty
// exit columns.
func WritePositionsCSV(w io.Writer, positions []backtest.Position) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(positionsHeader); err != nil {
		return fmt.Errorf("failed to write positions header: %w", err)
	}
	for _, p := range positions {
		exitTime, exitPrice, net, winner := "", "", "", ""
		if !p.IsOpen() {
			exitTime = p.ExitTime.UTC().Format(time.RFC3339)
			exitPrice = formatFloat(p.ExitPrice)
			net = round4(p.NetPnL())
			winner = strconv.FormatBool(p.IsWin())
		}
		record := []string{
			p.ID, p.OpportunityID, p.Symbol, p.Timeframe, p.SituationTag, string(p.Side), formatFloat(p.Size),
			p.EntryTime.UTC().Format(time.RFC3339), formatFloat(p.EntryPrice), formatFloat(p.TargetPrice),
			exitTime, exitPrice, string(p.ExitReason),
			round4(p.CostBasis), round4(p.EntryFee + p.ExitFee), round4(p.RealizedPnL), net, round4(p.UnrealizedPnL), winner,
			string(p.EntryLevel),
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("failed to write position row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteSummary prints the headline metrics followed by the timeframe table.
func WriteSummary(w io.Writer, m backtest.Metrics, order []string) error {
	if order == nil {
		order = DefaultTimeframeOrder
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Starting Bankroll:\t%s\n", round4(m.StartingBankroll))
	fmt.Fprintf(tw, "Ending Bankroll:\t%s\n", round4(m.EndingBankroll))
	fmt.Fprintf(tw, "Equity:\t%s\n", round4(m.Equity))
	fmt.Fprintf(tw, "Net Profit:\t%s (%s%%)\n", round4(m.NetProfit), round2(m.ROI))
	fmt.Fprintf(tw, "Closed Trades:\t%d (open %d, skipped %d)\n", m.TotalTrades, m.OpenPositions, m.SkippedEntries)
	fmt.Fprintf(tw, "Win Rate:\t%s%%\n", round2(m.WinRate))
	fmt.Fprintf(tw, "Profit Factor:\t%s\n", round2(m.ProfitFactor))
	fmt.Fprintf(tw, "Max Drawdown:\t%s (%s%%)\n", round4(m.MaxDrawdown), round2(m.MaxDrawdownPercent))
	fmt.Fprintf(tw, "Sharpe Ratio:\t%s\n", round2(m.SharpeRatio))
	fmt.Fprintf(tw, "Total Fees:\t%s\n", round4(m.TotalFees))
	fmt.Fprintln(tw)

	fmt.Fprintln(tw, "Timeframe\tWins\tLosses\tAverage PnL\tWin Rate")
	for _, s := range m.SortedTimeframes(order) {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%s\t%s\n", s.Timeframe, s.Wins, s.Losses, round4(s.AveragePnL), round4(timeframeWinRate(s)))
	}
	return tw.Flush()
}

func timeframeWinRate(s *backtest.TimeframeStats) float64 {
	if s.Wins+s.Losses == 0 {
		return 0
	}
	return float64(s.Wins) / float64(s.Wins+s.Losses)
}

// WriteRunFiles writes monthly.csv, positions.csv and summary.txt into dir.
func WriteRunFiles(dir string, state *backtest.State, order []string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create report dir: %w", err)
	}

	positions := make([]backtest.Position, 0, len(state.ClosedPositions)+len(state.OpenPositions))
	for _, p := range state.ClosedPositions {
		positions = append(positions, *p)
	}
	for _, p := range state.OpenPositions {
		positions = append(positions, *p)
	}

	writers := []struct {
		name  string
		write func(io.Writer) error
	}{
		{"monthly.csv", func(w io.Writer) error { return WriteMonthlyCSV(w, MonthlySummary(state)) }},
		{"positions.csv", func(w io.Writer) error { return WritePositionsCSV(w, positions) }},
		{"summary.txt", func(w io.Writer) error { return WriteSummary(w, backtest.ComputeMetrics(state), order) }},
	}

	for _, out := range writers {
		f, err := os.Create(filepath.Join(dir, out.name))
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", out.name, err)
		}
		if err := out.write(f); err != nil {
			f.Close()
			return fmt.Errorf("failed to write %s: %w", out.name, err)
		}
		if err := f.Close(); err != nil {
			return fmt.Errorf("failed to close %s: %w", out.name, err)
		}
	}
	return nil
}

func round4(v float64) string {
	return decimal.NewFromFloat(v).Round(4).String()
}

func round2(v float64) string {
	return decimal.NewFromFloat(v).StringFixed(2)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format("2006-01-02")
}
