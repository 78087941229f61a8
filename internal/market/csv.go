package market

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
)

// CSV columns: open_time,open,high,low,close,volume,close_time
// Times are Unix milliseconds, matching the exchange kline payload.
var csvHeader = []string{"open_time", "open", "high", "low", "close", "volume", "close_time"}

// ReadCSV parses bars from r. Rows that fail to parse are counted in skipped
// instead of failing the whole read.
func ReadCSV(r io.Reader) (bars []Bar, skipped int, err error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	first := true
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, skipped, fmt.Errorf("failed to read bar csv: %w", err)
		}
		if first {
			first = false
			if len(record) > 0 && strings.EqualFold(strings.TrimSpace(record[0]), "open_time") {
				continue
			}
		}
		bar, perr := parseRecord(record)
		if perr != nil {
			skipped++
			continue
		}
		bars = append(bars, bar)
	}
	return bars, skipped, nil
}

// ReadCSVFile opens path and parses it with ReadCSV.
func ReadCSVFile(path string) ([]Bar, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()
	return ReadCSV(f)
}

// WriteCSV writes bars with a header row.
func WriteCSV(w io.Writer, bars []Bar) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(csvHeader); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	for _, b := range bars {
		row := []string{
			strconv.FormatInt(b.OpenTime.UnixMilli(), 10),
			strconv.FormatFloat(b.Open, 'f', -1, 64),
			strconv.FormatFloat(b.High, 'f', -1, 64),
			strconv.FormatFloat(b.Low, 'f', -1, 64),
			strconv.FormatFloat(b.Close, 'f', -1, 64),
			strconv.FormatFloat(b.Volume, 'f', -1, 64),
			strconv.FormatInt(b.CloseTime.UnixMilli(), 10),
		}
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write bar: %w", err)
		}
	}
	writer.Flush()
	return writer.Error()
}

// WriteCSVFile writes bars to path, replacing any existing file.
func WriteCSVFile(path string, bars []Bar) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := WriteCSV(f, bars); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func parseRecord(record []string) (Bar, error) {
	if len(record) < 7 {
		return Bar{}, fmt.Errorf("expected 7 columns, got %d", len(record))
	}
	openMs, err := strconv.ParseInt(strings.TrimSpace(record[0]), 10, 64)
	if err != nil {
		return Bar{}, err
	}
	closeMs, err := strconv.ParseInt(strings.TrimSpace(record[6]), 10, 64)
	if err != nil {
		return Bar{}, err
	}
	var prices [5]float64
	for i := range prices {
		v, err := strconv.ParseFloat(strings.TrimSpace(record[i+1]), 64)
		if err != nil {
			return Bar{}, err
		}
		prices[i] = v
	}
	return Bar{
		OpenTime:  time.UnixMilli(openMs).UTC(),
		CloseTime: time.UnixMilli(closeMs).UTC(),
		Open:      prices[0],
		High:      prices[1],
		Low:       prices[2],
		Close:     prices[3],
		Volume:    prices[4],
	}, nil
}
