package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"candle-break-backtester/config"
	"candle-break-backtester/internal/binance"
	"candle-break-backtester/internal/events"
	"candle-break-backtester/internal/pipeline"
	"candle-break-backtester/internal/reporting"

	"github.com/joho/godotenv"
)

func main() {
	dataDir := flag.String("data", "", "read <data>/<SYMBOL>_1m.csv instead of downloading")
	symbols := flag.String("symbols", "", "comma separated symbols, overrides config")
	timeframes := flag.String("timeframes", "", "comma separated timeframes, overrides config")
	start := flag.String("start", "", "first day, YYYY-MM-DD")
	end := flag.String("end", "", "last day, inclusive, YYYY-MM-DD")
	runID := flag.String("run-id", "", "run id; resume needs the id of the interrupted run")
	resume := flag.Bool("resume", false, "continue from the last checkpoint of -run-id")
	reportDir := flag.String("reports", "", "report directory, overrides config")
	export := flag.String("export", "", "write opportunities CSV to this path")
	mock := flag.Bool("mock", false, "use simulated bars")
	flag.Parse()

	// Try the working directory and the binary's directory for .env
	exe, _ := os.Executable()
	godotenv.Load()
	godotenv.Load(filepath.Join(filepath.Dir(exe), ".env"))

	cfg, err := config.Load()
	if err != nil {
		fail("Failed to load configuration: %v", err)
	}

	if *dataDir != "" {
		cfg.PipelineConfig.Source = "csv"
		cfg.PipelineConfig.DataDir = *dataDir
	}
	if *symbols != "" {
		cfg.PipelineConfig.Symbols = splitList(*symbols)
	}
	if *timeframes != "" {
		cfg.PipelineConfig.Timeframes = splitList(*timeframes)
	}
	if *start != "" {
		cfg.PipelineConfig.StartDate = *start
	}
	if *end != "" {
		cfg.PipelineConfig.EndDate = *end
	}
	if *runID != "" {
		cfg.PipelineConfig.RunID = *runID
	}
	if *reportDir != "" {
		cfg.SimulationConfig.ReportDir = *reportDir
	}
	if *export != "" {
		cfg.PipelineConfig.ExportCSV = *export
	}
	if *mock {
		cfg.BinanceConfig.MockMode = true
	}
	if *resume && cfg.PipelineConfig.RunID == "" {
		fail("-resume needs -run-id")
	}
	if err := cfg.Validate(); err != nil {
		fail("%v", err)
	}

	logger := pipeline.NewLogger(cfg.LoggingConfig, "backtest")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bus := events.NewEventBus()
	services, err := pipeline.OpenServices(ctx, cfg, bus, logger)
	if err != nil {
		fail("Failed to initialize services: %v", err)
	}
	defer services.Close()

	settings, err := pipeline.FromConfig(cfg, time.Now())
	if err != nil {
		fail("%v", err)
	}
	settings.Resume = *resume

	var source binance.KlineSource
	if cfg.PipelineConfig.Source == "csv" {
		source = pipeline.NewCSVSource(cfg.PipelineConfig.DataDir, logger)
	} else {
		source = services.KlineSource(cfg.BinanceConfig, logger)
	}

	p, err := pipeline.New(settings, services.PipelineOptions(source, bus, logger))
	if err != nil {
		fail("%v", err)
	}

	fmt.Printf("Run %s: %s on %s\n", p.RunID(),
		strings.Join(settings.Symbols, ","), strings.Join(settings.Timeframes, ","))

	result, err := p.Run(ctx)
	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	if derr := bus.Drain(drainCtx); derr != nil {
		fmt.Fprintf(os.Stderr, "Notifications still in flight at exit: %v\n", derr)
	}
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			fmt.Printf("Interrupted. Continue with: -run-id %s -resume\n", p.RunID())
		}
		services.Close()
		fail("Backtest failed: %v", err)
	}

	created, alerts := 0, 0
	for _, f := range result.Find {
		created += f.Created
		alerts += f.Alerts
	}
	fmt.Printf("Opportunities: %d created, %d alerts, %d of %d changed status\n",
		created, alerts, result.Status.Changed, result.Status.Processed)
	fmt.Println()
	if err := reporting.WriteSummary(os.Stdout, result.Metrics, reporting.DefaultTimeframeOrder); err != nil {
		fail("%v", err)
	}
	if settings.ReportDir != "" {
		fmt.Printf("\nReports written to %s\n", settings.ReportDir)
	}
}

const drainTimeout = 10 * time.Second

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func fail(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
