package timeframe

import "time"

// CheckPeriod validates that the triggering bar is commensurate with the bar
// before it. The current duration is its close minus its open; the previous
// duration is the gap between the two opens. A nil result means period-valid.
func CheckPeriod(prevOpen, currOpen, currClose time.Time) error {
	current := currClose.Sub(currOpen)
	previous := currOpen.Sub(prevOpen)
	if current <= previous {
		return nil
	}
	return &DataGapError{
		CurrentDuration:  current,
		PreviousDuration: previous,
		TriggerOpenTime:  currOpen,
	}
}

// CheckAdjacent rejects an event whose compared bars were not neighbours in
// the input, i.e. malformed bars between them were skipped.
func CheckAdjacent(priorIndex, triggerIndex int, prevOpen, currOpen, currClose time.Time) error {
	if triggerIndex-priorIndex <= 1 {
		return nil
	}
	return &DataGapError{
		CurrentDuration:  currClose.Sub(currOpen),
		PreviousDuration: currOpen.Sub(prevOpen),
		TriggerOpenTime:  currOpen,
		SkippedBars:      triggerIndex - priorIndex - 1,
	}
}
