package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"candle-break-backtester/internal/market"
	"candle-break-backtester/internal/timeframe"
)

// Resamples <dir>/<SYMBOL>_1m.csv into one file per timeframe in the same
// directory, named with the canonical label.
func main() {
	dir := flag.String("data", "data", "directory holding <SYMBOL>_1m.csv")
	symbol := flag.String("symbol", "BTCUSDT", "symbol to convert")
	labels := flag.String("timeframes", "15m,1h,4h,1d", "comma separated target timeframes")
	flag.Parse()

	sym := strings.ToUpper(*symbol)
	src := filepath.Join(*dir, sym+"_1m.csv")
	bars, skipped, err := market.ReadCSVFile(src)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read %s: %v\n", src, err)
		os.Exit(1)
	}
	bars, dropped := market.Clean(bars)
	fmt.Printf("Loaded %d 1m bars from %s (%d malformed rows, %d dropped)\n", len(bars), src, skipped, dropped)

	failed := false
	for _, raw := range strings.Split(*labels, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		label, err := timeframe.Canonical(raw)
		if err != nil {
			fmt.Printf("  %-6s skipped: %v\n", raw, err)
			failed = true
			continue
		}
		out, err := timeframe.Resample(bars, label)
		if err != nil {
			fmt.Printf("  %-6s failed: %v\n", label, err)
			failed = true
			continue
		}
		dst := filepath.Join(*dir, fmt.Sprintf("%s_%s.csv", sym, label))
		if err := market.WriteCSVFile(dst, out); err != nil {
			fmt.Printf("  %-6s failed: %v\n", label, err)
			failed = true
			continue
		}
		fmt.Printf("  %-6s %6d bars -> %s\n", label, len(out), dst)
	}

	if failed {
		os.Exit(1)
	}
}
