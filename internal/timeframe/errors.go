package timeframe

import (
	"fmt"
	"time"
)

// UnmappedTimeframeError reports a fractional hour label that has no minute
// rewrite. The label is still usable as-is.
type UnmappedTimeframeError struct {
	Label string
}

func (e *UnmappedTimeframeError) Error() string {
	return fmt.Sprintf("unmapped fractional timeframe %s, passing through", e.Label)
}

// DataGapError is the "time mismatch" outcome: the triggering bar spans more
// wall-clock time than the bar it is compared with, or malformed bars were
// dropped between the two.
type DataGapError struct {
	CurrentDuration  time.Duration
	PreviousDuration time.Duration
	TriggerOpenTime  time.Time
	SkippedBars      int
}

func (e *DataGapError) Error() string {
	if e.SkippedBars > 0 {
		return fmt.Sprintf("time mismatch at %s: %d malformed bar(s) skipped before the trigger bar",
			e.TriggerOpenTime.UTC().Format(time.RFC3339), e.SkippedBars)
	}
	return fmt.Sprintf("time mismatch at %s: current bar spans %s, previous bar spans %s",
		e.TriggerOpenTime.UTC().Format(time.RFC3339), e.CurrentDuration, e.PreviousDuration)
}
