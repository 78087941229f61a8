package patterns

import "candle-break-backtester/internal/market"

// isBullishEngulfing checks for a bullish engulfing pair
func isBullishEngulfing(prev, curr market.Bar) bool {
	// Current: bullish
	if curr.Close <= curr.Open {
		return false
	}

	// Previous: bearish
	if prev.Close >= prev.Open {
		return false
	}

	// Close above the prior open
	if curr.Close <= prev.Open {
		return false
	}

	// Higher low than the prior bar
	return curr.Low > prev.Low
}

// isBearishEngulfing checks for a bearish engulfing pair
func isBearishEngulfing(prev, curr market.Bar) bool {
	// Current: bearish
	if curr.Close >= curr.Open {
		return false
	}

	// Previous: bullish
	if prev.Close <= prev.Open {
		return false
	}

	// Close below the prior open
	if curr.Close >= prev.Open {
		return false
	}

	// Lower high than the prior bar
	return curr.High < prev.High
}
