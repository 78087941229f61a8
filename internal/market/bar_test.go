package market

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

var t0 = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func bar(minute int, o, h, l, c float64) Bar {
	open := t0.Add(time.Duration(minute) * time.Minute)
	return Bar{OpenTime: open, CloseTime: open.Add(time.Minute - time.Millisecond), Open: o, High: h, Low: l, Close: c}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		bar     Bar
		wantErr bool
	}{
		{"valid", bar(0, 10, 11, 9, 10.5), false},
		{"zero price", bar(0, 0, 11, 9, 10), true},
		{"high below low", bar(0, 10, 8, 9, 10), true},
		{"close below low is kept", bar(0, 100, 105, 95, 90), false},
		{"closes before open", Bar{OpenTime: t0, CloseTime: t0.Add(-time.Second), Open: 1, High: 1, Low: 1, Close: 1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.bar.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestCleanDropsMalformedAndOutOfOrder(t *testing.T) {
	bars := []Bar{
		bar(0, 10, 11, 9, 10.5),
		bar(1, 10, 8, 9, 10), // high < low
		bar(2, 10, 11, 9, 10.2),
		bar(2, 10, 11, 9, 10.2), // duplicate timestamp
		bar(3, 10, 11, 9, 10.1),
	}
	clean, skipped := Clean(bars)
	if len(clean) != 3 {
		t.Fatalf("Expected 3 clean bars, got %d", len(clean))
	}
	if skipped != 2 {
		t.Errorf("Expected 2 skipped bars, got %d", skipped)
	}
}

func TestCSVRoundTrip(t *testing.T) {
	in := []Bar{bar(0, 100, 105, 95, 90.5), bar(1, 90, 103, 89, 102)}
	in[0].Low = 90
	in[0].Volume = 12.5

	var buf bytes.Buffer
	if err := WriteCSV(&buf, in); err != nil {
		t.Fatalf("WriteCSV failed: %v", err)
	}

	out, skipped, err := ReadCSV(&buf)
	if err != nil {
		t.Fatalf("ReadCSV failed: %v", err)
	}
	if skipped != 0 {
		t.Errorf("Expected no skipped rows, got %d", skipped)
	}
	if len(out) != len(in) {
		t.Fatalf("Expected %d bars, got %d", len(in), len(out))
	}
	for i := range in {
		if !out[i].OpenTime.Equal(in[i].OpenTime) || out[i].Close != in[i].Close || out[i].Volume != in[i].Volume {
			t.Errorf("bar %d mismatch: got %+v, want %+v", i, out[i], in[i])
		}
	}
}

func TestReadCSVSkipsBadRows(t *testing.T) {
	data := strings.Join([]string{
		"open_time,open,high,low,close,volume,close_time",
		"1709251200000,10,11,9,10.5,1,1709251259999",
		"not-a-time,10,11,9,10.5,1,1709251319999",
		"1709251320000,10,11,9",
	}, "\n")

	bars, skipped, err := ReadCSV(strings.NewReader(data))
	if err != nil {
		t.Fatalf("ReadCSV failed: %v", err)
	}
	if len(bars) != 1 || skipped != 2 {
		t.Errorf("Expected 1 bar and 2 skipped, got %d and %d", len(bars), skipped)
	}
}
