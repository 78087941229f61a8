package opportunity_test

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"candle-break-backtester/internal/database"
	"candle-break-backtester/internal/logging"
	"candle-break-backtester/internal/market"
	"candle-break-backtester/internal/opportunity"
	"candle-break-backtester/internal/patterns"
)

type recordingPublisher struct {
	mu     sync.Mutex
	alerts []opportunity.Alert
}

func (p *recordingPublisher) PublishOpportunityAlert(a opportunity.Alert) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.alerts = append(p.alerts, a)
}

var start = time.Date(2024, 5, 6, 0, 0, 0, 0, time.UTC)

func bar(open time.Time, d time.Duration, o, h, l, c float64) market.Bar {
	return market.Bar{OpenTime: open, CloseTime: open.Add(d - time.Millisecond), Open: o, High: h, Low: l, Close: c, Volume: 1}
}

func newFinder(store opportunity.Store, pub opportunity.AlertPublisher) *opportunity.Finder {
	calc := patterns.NewTargetCalculator(patterns.RetracementRatio, patterns.DefaultAlertThreshold)
	return opportunity.NewFinder(patterns.DefaultConfig(), calc, store, pub, logging.Nop())
}

func TestFinderEndToEnd(t *testing.T) {
	series := market.Series{
		Symbol:    "BTCUSDT",
		Timeframe: "1.2H",
		Bars: []market.Bar{
			bar(start, 72*time.Minute, 100, 105, 95, 90),
			bar(start.Add(72*time.Minute), 72*time.Minute, 90, 103, 89, 102),
		},
	}

	store := database.NewMemoryStore()
	pub := &recordingPublisher{}
	result, err := newFinder(store, pub).Run(context.Background(), series)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.Timeframe != "72m" {
		t.Errorf("expected canonical label 72m, got %s", result.Timeframe)
	}
	if result.Created != 1 || result.Alerts != 1 {
		t.Fatalf("expected 1 created and 1 alert, got %+v", result)
	}

	opp := result.Opportunities[0]
	if opp.Direction != patterns.Long || opp.EntryPrice != 100 {
		t.Errorf("expected Long at 100, got %s at %v", opp.Direction, opp.EntryPrice)
	}
	if result.SkippedBars != 0 {
		t.Errorf("expected no skipped bars, got %d", result.SkippedBars)
	}
	// 100 + (100-95)*0.618 = 103.09
	if opp.TargetPrice != 103.09 {
		t.Errorf("expected target 103.09, got %v", opp.TargetPrice)
	}
	if opp.PercentageDifference != 3.09 {
		t.Errorf("expected percentage difference 3.09, got %v", opp.PercentageDifference)
	}
	if !opp.MeetsAlertThreshold || opp.Kind != patterns.CandleBreak {
		t.Errorf("expected alerting candle break, got kind %s threshold %v", opp.Kind, opp.MeetsAlertThreshold)
	}

	if len(pub.alerts) != 1 {
		t.Fatalf("expected 1 alert, got %d", len(pub.alerts))
	}
	a := pub.alerts[0]
	if a.SituationTag != "1v1" {
		t.Errorf("expected situation tag 1v1, got %s", a.SituationTag)
	}
	if !a.Timestamp.Equal(series.Bars[1].CloseTime) {
		t.Errorf("expected alert at bar close %v, got %v", series.Bars[1].CloseTime, a.Timestamp)
	}
}

func TestFinderReplayIsIdempotent(t *testing.T) {
	var bars []market.Bar
	price := 100.0
	for i := 0; i < 40; i++ {
		open := start.Add(time.Duration(i) * time.Hour)
		if i%2 == 0 {
			bars = append(bars, bar(open, time.Hour, price, price+1, price-6, price-4))
		} else {
			bars = append(bars, bar(open, time.Hour, price-4, price+3, price-5, price+2))
		}
		price += 0.5
	}
	series := market.Series{Symbol: "ETHUSDT", Timeframe: "1H", Bars: bars}

	store := database.NewMemoryStore()
	pub := &recordingPublisher{}
	finder := newFinder(store, pub)

	first, err := finder.Run(context.Background(), series)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.Created == 0 {
		t.Fatal("expected the first run to create opportunities")
	}
	alertsAfterFirst := len(pub.alerts)

	second, err := finder.Run(context.Background(), series)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.Created != 0 {
		t.Errorf("expected replay to create nothing, got %d", second.Created)
	}
	if second.Duplicates != first.Events {
		t.Errorf("expected %d duplicates, got %d", first.Events, second.Duplicates)
	}
	if len(pub.alerts) != alertsAfterFirst {
		t.Errorf("expected no new alerts on replay, got %d more", len(pub.alerts)-alertsAfterFirst)
	}
	if store.Len() != first.Created {
		t.Errorf("expected %d stored, got %d", first.Created, store.Len())
	}
}

func TestFinderTimeMismatch(t *testing.T) {
	// The trigger bar spans 65 minutes against a 60 minute spacing.
	series := market.Series{
		Symbol:    "BTCUSDT",
		Timeframe: "1H",
		Bars: []market.Bar{
			bar(start, time.Hour, 100, 105, 88, 90),
			bar(start.Add(time.Hour), 65*time.Minute, 90, 103, 87, 102),
		},
	}

	store := database.NewMemoryStore()
	pub := &recordingPublisher{}
	result, err := newFinder(store, pub).Run(context.Background(), series)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.TimeMismatches != 1 {
		t.Errorf("expected 1 time mismatch, got %d", result.TimeMismatches)
	}
	if len(pub.alerts) != 0 {
		t.Errorf("expected no alert for a time mismatch, got %d", len(pub.alerts))
	}
	if result.Opportunities[0].Status != opportunity.StatusInvalidated {
		t.Errorf("expected Invalidated, got %s", result.Opportunities[0].Status)
	}
}

func TestFinderShiftedWindowKeepsKeys(t *testing.T) {
	bars := []market.Bar{
		bar(start, time.Hour, 100, 106, 99, 105),
		bar(start.Add(time.Hour), time.Hour, 105, 106, 97, 98),     // Short break
		bar(start.Add(2*time.Hour), time.Hour, 98, 108, 97.5, 107), // Long
		bar(start.Add(3*time.Hour), time.Hour, 107, 109, 95, 96),   // Short break
	}

	store := database.NewMemoryStore()
	finder := newFinder(store, &recordingPublisher{})

	first, err := finder.Run(context.Background(), market.Series{Symbol: "BTCUSDT", Timeframe: "1H", Bars: bars[0:3]})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.Created != 2 {
		t.Fatalf("expected 2 created in the first window, got %d", first.Created)
	}

	// The second download starts one bar later, so every series position shifts.
	second, err := finder.Run(context.Background(), market.Series{Symbol: "BTCUSDT", Timeframe: "1H", Bars: bars[1:4]})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.Created != 1 || second.Duplicates != 1 {
		t.Fatalf("expected 1 created and 1 duplicate, got %+v", second)
	}
	if store.Len() != 3 {
		t.Errorf("expected 3 stored opportunities, got %d", store.Len())
	}

	opp := second.Opportunities[0]
	if opp.Direction != patterns.Short || !opp.CreatedAt.Equal(bars[3].CloseTime) {
		t.Errorf("expected the new Short break at %v, got %s at %v", bars[3].CloseTime, opp.Direction, opp.CreatedAt)
	}
	if opp.TriggerBarIndex != opportunity.BarIndexAt(bars[3].OpenTime) {
		t.Errorf("expected absolute bar index %d, got %d", opportunity.BarIndexAt(bars[3].OpenTime), opp.TriggerBarIndex)
	}
}

func TestFinderSkippedBarIsTimeMismatch(t *testing.T) {
	series := market.Series{
		Symbol:    "BTCUSDT",
		Timeframe: "1H",
		Bars: []market.Bar{
			bar(start, time.Hour, 100, 105, 88, 90),
			bar(start.Add(time.Hour), time.Hour, 90, 85, 95, 91), // high below low
			bar(start.Add(2*time.Hour), time.Hour, 91, 103, 87, 102),
		},
	}

	var logs bytes.Buffer
	logger := logging.NewWithWriter(&logging.Config{Level: "WARN", JSONFormat: true}, &logs)
	calc := patterns.NewTargetCalculator(patterns.RetracementRatio, patterns.DefaultAlertThreshold)

	store := database.NewMemoryStore()
	pub := &recordingPublisher{}
	result, err := opportunity.NewFinder(patterns.DefaultConfig(), calc, store, pub, logger).Run(context.Background(), series)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.SkippedBars != 1 {
		t.Errorf("expected 1 skipped bar, got %d", result.SkippedBars)
	}
	if result.TimeMismatches != 1 || len(pub.alerts) != 0 {
		t.Errorf("expected the event spanning the skipped bar to be a silent time mismatch, got %+v", result)
	}

	var entry map[string]interface{}
	if err := json.Unmarshal([]byte(strings.TrimSpace(logs.String())), &entry); err != nil {
		t.Fatalf("expected one JSON warning line, got %q: %v", logs.String(), err)
	}
	if entry["component"] != "finder" || entry["symbol"] != "BTCUSDT" || entry["timeframe"] != "1H" {
		t.Errorf("expected finder warning tagged with symbol and timeframe, got %v", entry)
	}
	if _, ok := entry["pattern_type"]; !ok {
		t.Errorf("expected pattern_type on the rejection, got %v", entry)
	}
}

func TestFinderBelowThresholdIsRecordedWithoutAlert(t *testing.T) {
	// Prior range of 0.5 on a 100 open targets 100.31, a 0.31% move.
	series := market.Series{
		Symbol:    "BTCUSDT",
		Timeframe: "1H",
		Bars: []market.Bar{
			bar(start, time.Hour, 100, 100.2, 99.5, 99.6),
			bar(start.Add(time.Hour), time.Hour, 99.6, 100.4, 99.55, 100.3),
		},
	}

	store := database.NewMemoryStore()
	pub := &recordingPublisher{}
	result, err := newFinder(store, pub).Run(context.Background(), series)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Created != 1 || result.BelowThreshold != 1 {
		t.Fatalf("expected 1 created below threshold, got %+v", result)
	}
	if result.Opportunities[0].MeetsAlertThreshold {
		t.Error("expected MeetsAlertThreshold=false")
	}
	if len(pub.alerts) != 0 {
		t.Errorf("expected no alerts, got %d", len(pub.alerts))
	}
}

func TestFinderNilPublisher(t *testing.T) {
	series := market.Series{
		Symbol:    "BTCUSDT",
		Timeframe: "1H",
		Bars: []market.Bar{
			bar(start, time.Hour, 100, 105, 88, 90),
			bar(start.Add(time.Hour), time.Hour, 90, 103, 87, 102),
		},
	}
	if _, err := newFinder(database.NewMemoryStore(), nil).Run(context.Background(), series); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
