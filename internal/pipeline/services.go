package pipeline

import (
	"context"
	"fmt"

	"candle-break-backtester/config"
	"candle-break-backtester/internal/backtest"
	"candle-break-backtester/internal/binance"
	"candle-break-backtester/internal/cache"
	"candle-break-backtester/internal/database"
	"candle-break-backtester/internal/events"
	"candle-break-backtester/internal/logging"
	"candle-break-backtester/internal/notification"
	"candle-break-backtester/internal/opportunity"
)

// Services holds the long-lived collaborators built from configuration.
// Optional ones are nil when disabled.
type Services struct {
	Store       opportunity.Store
	DB          *database.DB
	Runs        *database.RunRepository
	Cache       *cache.CacheService
	Klines      *cache.KlineCache
	Checkpoints backtest.CheckpointStore
	Notifier    *notification.Manager

	logger *logging.Logger
}

// NewLogger builds the process logger from the logging section
func NewLogger(cfg config.LoggingConfig, component string) *logging.Logger {
	return logging.New(&logging.Config{
		Level:       cfg.Level,
		Output:      cfg.Output,
		JSONFormat:  cfg.JSONFormat,
		IncludeFile: cfg.IncludeFile,
		Component:   component,
	})
}

// OpenServices connects the database, Redis and notifiers named by cfg and
// subscribes the notifier to bus. Call Close when done.
func OpenServices(ctx context.Context, cfg *config.Config, bus *events.EventBus, logger *logging.Logger) (*Services, error) {
	s := &Services{logger: logger}

	if cfg.DatabaseConfig.Enabled {
		db, err := database.NewDB(database.Config{
			Host:     cfg.DatabaseConfig.Host,
			Port:     cfg.DatabaseConfig.Port,
			User:     cfg.DatabaseConfig.User,
			Password: cfg.DatabaseConfig.Password,
			Database: cfg.DatabaseConfig.Name,
			SSLMode:  cfg.DatabaseConfig.SSLMode,
			MaxConns: cfg.DatabaseConfig.MaxConns,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := db.RunMigrations(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
		s.DB = db
		s.Store = database.NewPostgresStore(db)
		s.Runs = database.NewRunRepository(db)
		logger.Info("Using PostgreSQL opportunity store", "database", cfg.DatabaseConfig.Name)
	} else {
		s.Store = database.NewMemoryStore()
		logger.Info("Using in-memory opportunity store")
	}

	if cfg.RedisConfig.Enabled {
		svc, err := cache.NewCacheService(cfg.RedisConfig)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.Cache = svc
		s.Klines = cache.NewKlineCache(svc, cache.DefaultKlineTTL, cache.DefaultMemoryPages)
	}

	checkpoints, err := s.openCheckpoints(cfg.SimulationConfig, logger)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.Checkpoints = checkpoints

	if cfg.NotificationConfig.Enabled && bus != nil {
		s.Notifier = notification.NewManager()
		if cfg.NotificationConfig.Telegram.Enabled {
			s.Notifier.AddNotifier(notification.NewTelegramNotifier(notification.TelegramConfig{
				BotToken: cfg.NotificationConfig.Telegram.BotToken,
				ChatID:   cfg.NotificationConfig.Telegram.ChatID,
				Enabled:  true,
			}))
			logger.Info("Telegram notifications enabled")
		}
		if cfg.NotificationConfig.Discord.Enabled {
			s.Notifier.AddNotifier(notification.NewDiscordNotifier(notification.DiscordConfig{
				WebhookURL: cfg.NotificationConfig.Discord.WebhookURL,
				Enabled:    true,
			}))
			logger.Info("Discord notifications enabled")
		}
		s.Notifier.Subscribe(bus)
	}

	return s, nil
}

func (s *Services) openCheckpoints(sim config.SimulationConfig, logger *logging.Logger) (backtest.CheckpointStore, error) {
	switch sim.CheckpointBackend {
	case "memory":
		return backtest.NewMemoryCheckpointStore(), nil
	case "redis":
		if s.Cache == nil {
			return nil, fmt.Errorf("checkpoint backend redis needs redis.enabled")
		}
		return database.NewRedisCheckpointStore(s.Cache.GetClient(), logger), nil
	default:
		store, err := backtest.NewFileCheckpointStore(sim.CheckpointDir)
		if err != nil {
			return nil, fmt.Errorf("failed to open checkpoint dir: %w", err)
		}
		return store, nil
	}
}

// KlineSource returns the exchange or mock source, behind the Redis page
// cache when one is configured.
func (s *Services) KlineSource(cfg config.BinanceConfig, logger *logging.Logger) binance.KlineSource {
	if s.Klines == nil {
		return binance.NewKlineSource(cfg, nil, logger)
	}
	return binance.NewKlineSource(cfg, s.Klines, logger)
}

// PipelineOptions fills Options from the services, leaving interface fields
// nil for disabled services.
func (s *Services) PipelineOptions(source binance.KlineSource, bus *events.EventBus, logger *logging.Logger) Options {
	opts := Options{
		Source:      source,
		Store:       s.Store,
		Events:      bus,
		Checkpoints: s.Checkpoints,
		Logger:      logger,
	}
	if s.Runs != nil {
		opts.Runs = s.Runs
	}
	return opts
}

// Close releases every connection
func (s *Services) Close() {
	if s.Klines != nil && s.logger != nil {
		st := s.Klines.Stats()
		s.logger.Info("Kline cache closed",
			"hits", st.Hits, "misses", st.Misses, "hit_rate", st.HitRate,
			"memory_pages", st.MemoryPages, "redis_healthy", st.RedisHealthy, "redis_errors", st.RedisErrors)
	}
	if s.Cache != nil {
		s.Cache.Close()
	}
	if s.DB != nil {
		s.DB.Close()
	}
}
