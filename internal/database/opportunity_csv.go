package database

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"candle-break-backtester/internal/opportunity"
	"candle-break-backtester/internal/patterns"
)

var opportunityCSVHeader = func() []string {
	h := []string{
		"id", "symbol", "timeframe", "kind", "direction", "trigger_bar_index",
		"entry_price", "target_price", "percentage_difference",
		"meets_alert_threshold", "period_valid",
		"fib_0.5", "fib_0.0", "fib_-0.5", "fib_-1.0",
		"created_at", "status",
	}
	for _, m := range opportunity.Milestones {
		h = append(h, "milestone_"+string(m))
	}
	return append(h, "max_drawdown", "max_drawdown_at", "max_drawdown_price", "updated_at")
}()

// WriteOpportunitiesCSV writes opportunities with every field, one row each.
func WriteOpportunitiesCSV(w io.Writer, opps []*opportunity.Opportunity) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(opportunityCSVHeader); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	for _, o := range opps {
		row := []string{
			o.ID, o.Symbol, o.Timeframe, string(o.Kind), string(o.Direction),
			strconv.Itoa(o.TriggerBarIndex),
			formatFloat(o.EntryPrice), formatFloat(o.TargetPrice), formatFloat(o.PercentageDifference),
			strconv.FormatBool(o.MeetsAlertThreshold), strconv.FormatBool(o.PeriodValid),
			formatFloat(o.Fib.Half), formatFloat(o.Fib.Zero), formatFloat(o.Fib.MinusHalf), formatFloat(o.Fib.MinusOne),
			formatTime(o.CreatedAt), string(o.Status),
		}
		for _, m := range opportunity.Milestones {
			at, _ := o.Milestone(m)
			row = append(row, formatTime(at))
		}
		row = append(row, formatFloat(o.MaxDrawdown), formatTime(o.MaxDrawdownAt), formatFloat(o.MaxDrawdownPrice), formatTime(o.UpdatedAt))

		if err := cw.Write(row); err != nil {
			return fmt.Errorf("failed to write opportunity %s: %w", o.ID, err)
		}
	}

	cw.Flush()
	return cw.Error()
}

// WriteOpportunitiesCSVFile writes opportunities to path
func WriteOpportunitiesCSVFile(path string, opps []*opportunity.Opportunity) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := WriteOpportunitiesCSV(f, opps); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// ReadOpportunitiesCSV parses the format written by WriteOpportunitiesCSV.
// Unlike bar files, a bad row is an error: the file is our own output.
func ReadOpportunitiesCSV(r io.Reader) ([]*opportunity.Opportunity, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = len(opportunityCSVHeader)

	header, err := cr.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	if header[0] != "id" {
		return nil, fmt.Errorf("unexpected opportunity csv header %q", header[0])
	}

	var out []*opportunity.Opportunity
	line := 1
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		o, err := parseOpportunityRow(rec)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		out = append(out, o)
	}
	return out, nil
}

// ReadOpportunitiesCSVFile reads opportunities from path
func ReadOpportunitiesCSVFile(path string) ([]*opportunity.Opportunity, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()
	return ReadOpportunitiesCSV(f)
}

func parseOpportunityRow(rec []string) (*opportunity.Opportunity, error) {
	p := &fieldParser{rec: rec}
	o := &opportunity.Opportunity{
		ID:        p.str(),
		Symbol:    p.str(),
		Timeframe: p.str(),
		Kind:      patterns.PatternKind(p.str()),
	}

	rawDir := p.str()
	dir, ok := patterns.ParseDirection(rawDir)
	if !ok {
		return nil, fmt.Errorf("unknown direction %q", rawDir)
	}
	o.Direction = dir
	o.TriggerBarIndex = p.int()
	o.EntryPrice = p.float()
	o.TargetPrice = p.float()
	o.PercentageDifference = p.float()
	o.MeetsAlertThreshold = p.bool()
	o.PeriodValid = p.bool()
	o.Fib.Half = p.float()
	o.Fib.Zero = p.float()
	o.Fib.MinusHalf = p.float()
	o.Fib.MinusOne = p.float()
	o.CreatedAt = p.time()

	status, err := opportunity.ParseStatus(p.str())
	if err != nil {
		return nil, err
	}
	o.Status = status
	for _, m := range opportunity.Milestones {
		if at := p.time(); !at.IsZero() {
			o.RecordMilestone(m, at)
		}
	}
	o.MaxDrawdown = p.float()
	o.MaxDrawdownAt = p.time()
	o.MaxDrawdownPrice = p.float()
	o.UpdatedAt = p.time()

	if p.err != nil {
		return nil, p.err
	}
	return o, nil
}

// fieldParser walks a record left to right and keeps the first error.
type fieldParser struct {
	rec []string
	pos int
	err error
}

func (p *fieldParser) str() string {
	s := p.rec[p.pos]
	p.pos++
	return s
}

func (p *fieldParser) float() float64 {
	s := p.str()
	v, err := strconv.ParseFloat(s, 64)
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("column %s: %w", opportunityCSVHeader[p.pos-1], err)
	}
	return v
}

func (p *fieldParser) int() int {
	s := p.str()
	v, err := strconv.Atoi(s)
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("column %s: %w", opportunityCSVHeader[p.pos-1], err)
	}
	return v
}

func (p *fieldParser) bool() bool {
	s := p.str()
	v, err := strconv.ParseBool(s)
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("column %s: %w", opportunityCSVHeader[p.pos-1], err)
	}
	return v
}

func (p *fieldParser) time() time.Time {
	s := p.str()
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("column %s: %w", opportunityCSVHeader[p.pos-1], err)
	}
	return t
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
