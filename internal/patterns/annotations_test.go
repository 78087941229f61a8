package patterns

import (
	"testing"
	"time"
)

func TestReferenceLinesEvictOldestFirst(t *testing.T) {
	lines := NewReferenceLines(3)

	for i := 0; i < 5; i++ {
		lines.Add(PatternEvent{
			Direction:        Long,
			PriorLow:         float64(100 + i),
			TriggerCloseTime: base.Add(time.Duration(i) * time.Hour),
		})
	}

	got := lines.Lines()
	if len(got) != 3 {
		t.Fatalf("Expected 3 retained lines, got %d", len(got))
	}
	for i, want := range []float64{102, 103, 104} {
		if got[i].Price != want {
			t.Errorf("line %d: expected price %v, got %v", i, want, got[i].Price)
		}
	}
}

func TestReferenceLinesRecolor(t *testing.T) {
	lines := NewReferenceLines(0)
	lines.Add(PatternEvent{Direction: Long, PriorLow: 95})
	lines.Add(PatternEvent{Direction: Short, PriorHigh: 110})

	lines.Recolor(100)
	got := lines.Lines()
	if got[0].Color != LineGreen {
		t.Errorf("Expected green above the line, got %s", got[0].Color)
	}
	if got[1].Color != LineRed {
		t.Errorf("Expected red below the line, got %s", got[1].Color)
	}

	lines.Recolor(95)
	if lines.Lines()[0].Color != LineRed {
		t.Error("Expected red when close equals the line price")
	}
}

func TestReferenceLinesDefaultCap(t *testing.T) {
	lines := NewReferenceLines(-1)
	for i := 0; i < DefaultReferenceLineCap+10; i++ {
		lines.Add(PatternEvent{Direction: Long, PriorLow: float64(i)})
	}
	if lines.Len() != DefaultReferenceLineCap {
		t.Errorf("Expected %d lines, got %d", DefaultReferenceLineCap, lines.Len())
	}
	if lines.Lines()[0].Price != 10 {
		t.Errorf("Expected oldest retained price 10, got %v", lines.Lines()[0].Price)
	}
}
