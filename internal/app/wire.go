package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	s3blob "github.com/derobiwan/trader-sub000/internal/blob/s3"
	"github.com/derobiwan/trader-sub000/internal/breaker"
	"github.com/derobiwan/trader-sub000/internal/cache/redis"
	"github.com/derobiwan/trader-sub000/internal/config"
	"github.com/derobiwan/trader-sub000/internal/crypto"
	"github.com/derobiwan/trader-sub000/internal/domain"
	"github.com/derobiwan/trader-sub000/internal/executor"
	"github.com/derobiwan/trader-sub000/internal/feed"
	"github.com/derobiwan/trader-sub000/internal/notify"
	"github.com/derobiwan/trader-sub000/internal/platform/bybit"
	"github.com/derobiwan/trader-sub000/internal/protection"
	"github.com/derobiwan/trader-sub000/internal/reconcile"
	"github.com/derobiwan/trader-sub000/internal/risk"
	"github.com/derobiwan/trader-sub000/internal/server/handler"
	"github.com/derobiwan/trader-sub000/internal/server/middleware"
	"github.com/derobiwan/trader-sub000/internal/service"
	"github.com/derobiwan/trader-sub000/internal/store/memory"
	"github.com/derobiwan/trader-sub000/internal/store/postgres"
)

// Dependencies bundles everything the run modes need. It is built by Wire and
// torn down by the cleanup function Wire returns.
type Dependencies struct {
	// Stores
	Positions       domain.PositionStore
	Orders          domain.OrderStore
	Executions      domain.ExecutionStore
	BreakerStore    domain.BreakerStore
	Reconciliations domain.ReconciliationStore
	Audit           domain.AuditStore

	// Caches. Locks and Bus are nil without Redis.
	PriceCache  domain.PriceCache
	RateLimiter domain.RateLimiter
	Locks       domain.LockManager
	Bus         domain.SignalBus

	// Archiver is nil unless archiving is enabled.
	Archiver *s3blob.Archiver
	Notifier *notify.Notifier

	// Core
	Executor   *executor.Executor
	Prices     *feed.Prices
	Ticker     *feed.BybitTickerFeed
	Protection *protection.Manager
	Breaker    *breaker.Breaker
	Reconciler *reconcile.Engine
	Trades     *service.TradeService

	// Pingers feed the health endpoint, keyed by dependency name.
	Pingers map[string]handler.Pinger
}

// Wire builds every dependency from cfg. The returned cleanup releases
// connections in reverse order and is safe to call once.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(what string, err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, fmt.Errorf("wire: %s: %w", what, err)
	}

	deps := &Dependencies{Pingers: make(map[string]handler.Pinger)}

	// --- Storage ---
	if cfg.Postgres.Enabled {
		pg, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:             cfg.Postgres.DSN,
			Host:            cfg.Postgres.Host,
			Port:            cfg.Postgres.Port,
			Database:        cfg.Postgres.Database,
			User:            cfg.Postgres.User,
			Password:        cfg.Postgres.Password,
			SSLMode:         cfg.Postgres.SSLMode,
			MaxConns:        cfg.Postgres.PoolMaxConns,
			MinConns:        cfg.Postgres.PoolMinConns,
			MaxConnLifetime: cfg.Postgres.MaxConnLifetime.Duration,
		})
		if err != nil {
			return fail("postgres", err)
		}
		closers = append(closers, pg.Close)
		if cfg.Postgres.RunMigrations {
			if err := pg.RunMigrations(ctx); err != nil {
				return fail("postgres migrations", err)
			}
		}
		pool := pg.Pool()
		deps.Positions = postgres.NewPositionStore(pool)
		deps.Orders = postgres.NewOrderStore(pool)
		deps.Executions = postgres.NewExecutionStore(pool)
		deps.BreakerStore = postgres.NewBreakerStore(pool)
		deps.Reconciliations = postgres.NewReconciliationStore(pool)
		deps.Audit = postgres.NewAuditStore(pool)
		deps.Pingers["postgres"] = pg
	} else {
		logger.WarnContext(ctx, "postgres disabled, state is kept in memory and lost on restart")
		deps.Positions = memory.NewPositionStore()
		deps.Orders = memory.NewOrderStore()
		deps.Executions = memory.NewExecutionStore()
		deps.BreakerStore = memory.NewBreakerStore()
		deps.Reconciliations = memory.NewReconciliationStore()
		deps.Audit = memory.NewAuditStore()
	}

	// --- Redis ---
	if cfg.Redis.Enabled {
		rc, err := redis.New(ctx, redis.ClientConfig{
			Addr:        cfg.Redis.Addr,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			PoolSize:    cfg.Redis.PoolSize,
			MaxRetries:  cfg.Redis.MaxRetries,
			DialTimeout: 5 * time.Second,
			TLSEnabled:  cfg.Redis.TLSEnabled,
		})
		if err != nil {
			return fail("redis", err)
		}
		closers = append(closers, func() { _ = rc.Close() })
		deps.PriceCache = redis.NewPriceCache(rc, cfg.Redis.PriceTTL.Duration)
		deps.RateLimiter = redis.NewRateLimiter(rc, cfg.Server.RateLimit, cfg.Server.RateWindow.Duration)
		deps.Locks = redis.NewLockManager(rc)
		deps.Bus = redis.NewSignalBus(rc)
		deps.Pingers["redis"] = rc
	} else {
		deps.PriceCache = feed.NewMemoryCache()
		deps.RateLimiter = middleware.NewLocalLimiter(cfg.Server.RateLimit, cfg.Server.RateWindow.Duration)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, notify.Config{
		Events:      cfg.Notify.Events,
		MinSeverity: domain.Severity(cfg.Notify.MinSeverity),
		QueueSize:   256,
		PerSecond:   cfg.Notify.PerSecond,
		Burst:       5,
	}, logger)

	// --- Object storage ---
	if cfg.Archive.Enabled {
		sc, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail("s3", err)
		}
		loc, err := time.LoadLocation(cfg.Breaker.Timezone)
		if err != nil {
			return fail("archive timezone", err)
		}
		deps.Archiver = s3blob.NewArchiver(s3blob.ArchiveConfig{
			Prefix:   cfg.Archive.Prefix,
			Schedule: cfg.Archive.Schedule,
			Location: loc,
		}, s3blob.NewWriter(sc), s3blob.NewReader(sc), deps.Executions, deps.Reconciliations, deps.Audit, logger)
		deps.Pingers["s3"] = sc
	}

	if err := wireCore(ctx, cfg, deps, logger); err != nil {
		return fail("core", err)
	}
	return deps, cleanup, nil
}

// wireCore builds the exchange boundary and the trading components on top of
// the infrastructure in deps.
func wireCore(ctx context.Context, cfg *config.Config, deps *Dependencies, logger *slog.Logger) error {
	secret, err := crypto.Load(crypto.SecretSource{
		Raw:      cfg.Exchange.APISecret,
		File:     cfg.Exchange.SecretFile,
		Password: cfg.Exchange.SecretPassword,
	})
	if err != nil {
		return fmt.Errorf("exchange secret: %w", err)
	}
	client := bybit.NewClient(bybit.Config{
		APIKey:    cfg.Exchange.APIKey,
		APISecret: secret,
		BaseURL:   cfg.Exchange.BaseURL,
		Testnet:   cfg.Exchange.Testnet,
		Demo:      cfg.Exchange.Demo,
	})
	logger.InfoContext(ctx, "exchange configured", slog.String("environment", client.Environment()))

	deps.Executor = executor.New(client, executorConfig(cfg.Executor), logger)
	deps.Executor.SetStores(deps.Orders, deps.Executions)

	deps.Prices = feed.NewPrices(deps.PriceCache, deps.Executor, cfg.Exchange.PriceMaxAge.Duration, logger)
	wsURL := cfg.Exchange.WSURL
	if wsURL == "" {
		wsURL = feed.MainnetURL
		if cfg.Exchange.Testnet {
			wsURL = feed.TestnetURL
		}
	}
	deps.Ticker = feed.NewBybitTickerFeed(wsURL, cfg.Exchange.Symbols, deps.PriceCache, logger)

	pcfg := protection.DefaultConfig()
	pcfg.PriceInterval = cfg.Protection.PriceInterval.Duration
	pcfg.EmergencyInterval = cfg.Protection.EmergencyInterval.Duration
	pcfg.EmergencyLossPct = cfg.Protection.EmergencyLossPct.Decimal
	pcfg.Confirmations = cfg.Protection.Confirmations
	pcfg.StopCheckEvery = cfg.Protection.StopCheckEvery
	pcfg.EscalationWindow = cfg.Protection.EscalationWindow.Duration
	if age := cfg.Exchange.PriceMaxAge.Duration; age > 0 {
		pcfg.MaxPriceAge = age
	}
	deps.Protection = protection.NewManager(pcfg, deps.Executor, deps.Prices, deps.Notifier, nil, logger)

	loc, err := time.LoadLocation(cfg.Breaker.Timezone)
	if err != nil {
		return fmt.Errorf("breaker timezone: %w", err)
	}
	deps.Breaker = breaker.New(breaker.Config{
		ThresholdPct:       cfg.Breaker.ThresholdPct.Decimal,
		Location:           loc,
		FlattenTimeout:     cfg.Breaker.FlattenTimeout.Duration,
		FlattenConcurrency: cfg.Breaker.FlattenConcurrency,
	}, deps.BreakerStore, deps.Executor, deps.Notifier, logger)

	deps.Reconciler = reconcile.New(reconcile.Config{
		Interval:  cfg.Reconcile.Interval.Duration,
		Tolerance: cfg.Reconcile.TolerancePct.Div(decimal.NewFromInt(100)),
		LockTTL:   cfg.Reconcile.LockTTL.Duration,
	}, deps.Positions, deps.Executor, deps.Prices, deps.Reconciliations, deps.Locks, deps.Notifier, logger)

	deps.Trades = service.NewTradeService(service.Deps{
		Executor:   deps.Executor,
		Protection: deps.Protection,
		Breaker:    deps.Breaker,
		Reconciler: deps.Reconciler,
		Validator:  risk.NewValidator(riskLimits(cfg.Risk)),
		Positions:  deps.Positions,
		Feed:       deps.Prices,
		Bus:        deps.Bus,
		Audit:      deps.Audit,
		Alerter:    deps.Notifier,
	}, logger)

	deps.Protection.SetListener(deps.Trades)
	deps.Reconciler.SetListener(deps.Trades)
	deps.Breaker.SetFlattener(deps.Positions, deps.Trades, deps.Executor.FlattenPolicy())
	return nil
}

func executorConfig(c config.ExecutorConfig) executor.Config {
	out := executor.DefaultConfig()
	out.CallTimeout = c.CallTimeout.Duration
	out.MaxAttempts = c.MaxAttempts
	out.InitialBackoff = c.InitialBackoff.Duration
	out.MaxBackoff = c.MaxBackoff.Duration
	out.RequestsPerSec = c.RequestsPerSec
	out.Burst = c.Burst
	out.FillPollInterval = c.FillPollInterval.Duration
	out.FillPollAttempts = c.FillPollAttempts
	out.BreakerFailures = uint32(c.BreakerFailures)
	out.BreakerCooldown = c.BreakerCooldown.Duration
	out.FlattenAttempts = c.FlattenAttempts
	out.FlattenBudget = c.FlattenBudget.Duration
	return out
}

func riskLimits(c config.RiskConfig) risk.Limits {
	bounds := func(b config.LeverageBounds) risk.LeverageBounds {
		return risk.LeverageBounds{Min: b.Min.Decimal, Max: b.Max.Decimal}
	}
	limits := risk.Limits{
		MaxOpenPositions: c.MaxOpenPositions,
		MaxPositionPct:   c.MaxPositionPct.Decimal,
		MaxExposurePct:   c.MaxExposurePct.Decimal,
		DefaultLeverage:  bounds(c.Leverage),
		SymbolLeverage:   make(map[string]risk.LeverageBounds, len(c.Symbols)),
	}
	for sym, b := range c.Symbols {
		limits.SymbolLeverage[sym] = bounds(b)
	}
	return limits
}
