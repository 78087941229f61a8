package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"candle-break-backtester/internal/binance"
	"candle-break-backtester/internal/logging"
	"candle-break-backtester/internal/market"
	"candle-break-backtester/internal/metrics"
)

// CSVSource serves bars from <dir>/<SYMBOL>_<interval>.csv files.
type CSVSource struct {
	dir    string
	logger *logging.Logger
}

var _ binance.KlineSource = (*CSVSource)(nil)

// NewCSVSource creates a source rooted at dir
func NewCSVSource(dir string, logger *logging.Logger) *CSVSource {
	if logger == nil {
		logger = logging.Default()
	}
	return &CSVSource{dir: dir, logger: logger.WithComponent("csv_source")}
}

// Path returns the file a symbol and interval are read from
func (s *CSVSource) Path(symbol, interval string) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s_%s.csv", symbol, interval))
}

// GetKlinesRange reads the file and keeps bars with open time in
// [start, end). A zero bound is open.
func (s *CSVSource) GetKlinesRange(ctx context.Context, symbol, interval string, start, end time.Time) ([]market.Bar, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := s.Path(symbol, interval)
	bars, skipped, err := market.ReadCSVFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read bars for %s: %w", symbol, err)
	}
	if skipped > 0 {
		metrics.BarsSkipped.WithLabelValues(symbol, interval).Add(float64(skipped))
		s.logger.Warn("Skipped malformed rows", "path", path, "skipped", skipped)
	}

	out := bars[:0]
	for _, b := range bars {
		if !start.IsZero() && b.OpenTime.Before(start) {
			continue
		}
		if !end.IsZero() && !b.OpenTime.Before(end) {
			continue
		}
		out = append(out, b)
	}
	return out, nil
}
