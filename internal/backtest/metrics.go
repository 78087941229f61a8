package backtest

import (
	"math"
	"sort"
)

// TimeframeStats aggregates closed trades for one timeframe.
type TimeframeStats struct {
	Timeframe    string  `json:"timeframe"`
	Wins         int     `json:"wins"`
	Losses       int     `json:"losses"`
	ClosedTrades int     `json:"closed_trades"`
	PnLSum       float64 `json:"pnl_sum"`
	AveragePnL   float64 `json:"average_pnl"`
	WinRate      float64 `json:"win_rate"`
}

// Metrics summarises a run. PnL figures are net of fees unless named gross.
// A closed trade with zero net PnL is neither a win nor a loss.
type Metrics struct {
	StartingBankroll   float64                    `json:"starting_bankroll"`
	EndingBankroll     float64                    `json:"ending_bankroll"`
	OpenCostBasis      float64                    `json:"open_cost_basis"`
	Equity             float64                    `json:"equity"`
	RealizedPnL        float64                    `json:"realized_pnl_gross"`
	TotalFees          float64                    `json:"total_fees"`
	NetProfit          float64                    `json:"net_profit"`
	ROI                float64                    `json:"roi"`
	TotalTrades        int                        `json:"total_trades"`
	WinningTrades      int                        `json:"winning_trades"`
	LosingTrades       int                        `json:"losing_trades"`
	WinRate            float64                    `json:"win_rate"`
	AverageWin         float64                    `json:"average_win"`
	AverageLoss        float64                    `json:"average_loss"`
	ProfitFactor       float64                    `json:"profit_factor"`
	MaxDrawdown        float64                    `json:"max_drawdown"`
	MaxDrawdownPercent float64                    `json:"max_drawdown_percent"`
	SharpeRatio        float64                    `json:"sharpe_ratio"`
	OpenPositions      int                        `json:"open_positions"`
	SkippedEntries     int                        `json:"skipped_entries"`
	ByTimeframe        map[string]*TimeframeStats `json:"by_timeframe"`
}

// ComputeMetrics derives run metrics from a state.
func ComputeMetrics(state *State) Metrics {
	m := Metrics{
		StartingBankroll: state.StartingBankroll,
		EndingBankroll:   state.Bankroll,
		OpenCostBasis:    state.OpenCostBasis(),
		Equity:           state.Equity(),
		RealizedPnL:      state.RealizedPnL(),
		TotalFees:        state.TotalFees,
		TotalTrades:      len(state.ClosedPositions),
		OpenPositions:    len(state.OpenPositions),
		SkippedEntries:   state.SkippedEntries,
		ByTimeframe:      make(map[string]*TimeframeStats),
	}

	var totalWin, totalLoss float64
	for _, p := range state.ClosedPositions {
		net := p.NetPnL()
		stats, ok := m.ByTimeframe[p.Timeframe]
		if !ok {
			stats = &TimeframeStats{Timeframe: p.Timeframe}
			m.ByTimeframe[p.Timeframe] = stats
		}
		stats.ClosedTrades++
		stats.PnLSum += net

		if p.IsWin() {
			m.WinningTrades++
			stats.Wins++
			totalWin += net
		} else if net < 0 {
			m.LosingTrades++
			stats.Losses++
			totalLoss += -net
		}
	}

	for _, stats := range m.ByTimeframe {
		stats.AveragePnL = stats.PnLSum / float64(stats.ClosedTrades)
		stats.WinRate = float64(stats.Wins) / float64(stats.ClosedTrades) * 100
	}

	if m.TotalTrades > 0 {
		m.WinRate = float64(m.WinningTrades) / float64(m.TotalTrades) * 100
	}
	if m.WinningTrades > 0 {
		m.AverageWin = totalWin / float64(m.WinningTrades)
	}
	if m.LosingTrades > 0 {
		m.AverageLoss = totalLoss / float64(m.LosingTrades)
	}
	if totalLoss > 0 {
		m.ProfitFactor = totalWin / totalLoss
	}

	m.NetProfit = m.Equity - m.StartingBankroll
	if m.StartingBankroll > 0 {
		m.ROI = m.NetProfit / m.StartingBankroll * 100
	}

	m.MaxDrawdown, m.MaxDrawdownPercent = maxDrawdown(state.EquityCurve, state.StartingBankroll)
	m.SharpeRatio = sharpeRatio(state.ClosedPositions)
	return m
}

// SortedTimeframes returns the per-timeframe stats ordered by the given
// label order, with unknown labels appended alphabetically.
func (m Metrics) SortedTimeframes(order []string) []*TimeframeStats {
	rank := make(map[string]int, len(order))
	for i, tf := range order {
		rank[tf] = i
	}
	out := make([]*TimeframeStats, 0, len(m.ByTimeframe))
	for _, s := range m.ByTimeframe {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		ri, iok := rank[out[i].Timeframe]
		rj, jok := rank[out[j].Timeframe]
		switch {
		case iok && jok:
			return ri < rj
		case iok != jok:
			return iok
		}
		return out[i].Timeframe < out[j].Timeframe
	})
	return out
}

// maxDrawdown walks the equity curve from the starting bankroll.
func maxDrawdown(curve []EquityPoint, start float64) (float64, float64) {
	if len(curve) == 0 {
		return 0, 0
	}

	peak := start
	worst, worstPercent := 0.0, 0.0
	for _, point := range curve {
		if point.Equity > peak {
			peak = point.Equity
		}
		drawdown := peak - point.Equity
		if drawdown > worst {
			worst = drawdown
		}
		if peak > 0 {
			if pct := drawdown / peak * 100; pct > worstPercent {
				worstPercent = pct
			}
		}
	}
	return worst, worstPercent
}

// sharpeRatio is mean over stddev of per-trade percent returns on cost basis,
// with a zero risk-free rate.
func sharpeRatio(closed []*Position) float64 {
	if len(closed) == 0 {
		return 0
	}

	returns := make([]float64, 0, len(closed))
	total := 0.0
	for _, p := range closed {
		if p.CostBasis <= 0 {
			continue
		}
		r := p.NetPnL() / p.CostBasis * 100
		returns = append(returns, r)
		total += r
	}
	if len(returns) == 0 {
		return 0
	}
	avg := total / float64(len(returns))

	variance := 0.0
	for _, r := range returns {
		diff := r - avg
		variance += diff * diff
	}
	stdDev := math.Sqrt(variance / float64(len(returns)))
	if stdDev == 0 {
		return 0
	}
	return avg / stdDev
}
