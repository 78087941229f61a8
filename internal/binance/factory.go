package binance

import (
	"net/http"

	"candle-break-backtester/config"
	"candle-break-backtester/internal/logging"
)

// NewKlineSource builds the kline source described by cfg: the simulated
// client in mock mode, otherwise the exchange client, wrapped in the page
// cache when one is given and caching is enabled.
func NewKlineSource(cfg config.BinanceConfig, pages PageCache, logger *logging.Logger) KlineSource {
	if logger == nil {
		logger = logging.Default()
	}
	logger = logger.WithComponent("binance")

	var source KlineSource
	if cfg.MockMode {
		logger.Info("Using simulated kline data")
		source = NewMockClient()
	} else {
		opts := []ClientOption{
			WithRateLimiter(NewRateLimiter(cfg.RequestsPerSec)),
			WithMaxRetries(cfg.MaxRetries),
			WithLogger(logger),
		}
		if cfg.Timeout > 0 {
			opts = append(opts, WithHTTPClient(&http.Client{Timeout: cfg.Timeout}))
		}
		source = NewClient(cfg.BaseURL, opts...)
	}

	if cfg.CacheKlines && pages != nil {
		logger.Info("Kline page cache enabled")
		return NewCachedClient(source, pages)
	}
	return source
}
