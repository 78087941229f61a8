package patterns

import (
	"sync"
	"time"
)

// DefaultReferenceLineCap is how many engulfing reference lines are retained.
const DefaultReferenceLineCap = 50

// LineColor is the presentation state of a reference line.
type LineColor string

const (
	LineGreen LineColor = "green"
	LineRed   LineColor = "red"
)

// ReferenceLine marks the prior bar's extreme at an engulfing bar and extends
// forward from there.
type ReferenceLine struct {
	Price     float64   `json:"price"`
	Direction Direction `json:"direction"`
	CreatedAt time.Time `json:"created_at"`
	Color     LineColor `json:"color"`
}

// ReferenceLines is a fixed-capacity FIFO of reference lines. It carries
// chart annotation state only and plays no part in detection.
type ReferenceLines struct {
	mu    sync.Mutex
	cap   int
	lines []ReferenceLine
}

// NewReferenceLines creates a buffer holding at most capacity lines.
// Non-positive capacity falls back to DefaultReferenceLineCap.
func NewReferenceLines(capacity int) *ReferenceLines {
	if capacity <= 0 {
		capacity = DefaultReferenceLineCap
	}
	return &ReferenceLines{cap: capacity, lines: make([]ReferenceLine, 0, capacity)}
}

// Add records a line for an engulfing event, evicting the oldest past the cap.
func (r *ReferenceLines) Add(ev PatternEvent) {
	price := ev.PriorLow
	if ev.Direction == Short {
		price = ev.PriorHigh
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.lines) == r.cap {
		copy(r.lines, r.lines[1:])
		r.lines = r.lines[:len(r.lines)-1]
	}
	r.lines = append(r.lines, ReferenceLine{
		Price:     price,
		Direction: ev.Direction,
		CreatedAt: ev.TriggerCloseTime,
		Color:     LineRed,
	})
}

// Recolor re-evaluates every line against the latest close.
func (r *ReferenceLines) Recolor(close float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.lines {
		if close > r.lines[i].Price {
			r.lines[i].Color = LineGreen
		} else {
			r.lines[i].Color = LineRed
		}
	}
}

// Lines returns a copy of the buffer, oldest first.
func (r *ReferenceLines) Lines() []ReferenceLine {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]ReferenceLine, len(r.lines))
	copy(out, r.lines)
	return out
}

// Len returns the number of retained lines.
func (r *ReferenceLines) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.lines)
}
