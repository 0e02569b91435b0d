package app

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"

	"github.com/consensus-hq/agent-pulse-sub000/internal/api"
	"github.com/consensus-hq/agent-pulse-sub000/internal/config"
	"github.com/consensus-hq/agent-pulse-sub000/internal/crypto"
	"github.com/consensus-hq/agent-pulse-sub000/internal/ledger"
	"github.com/consensus-hq/agent-pulse-sub000/internal/logging"
	"github.com/consensus-hq/agent-pulse-sub000/internal/protocol"
	"github.com/consensus-hq/agent-pulse-sub000/internal/ratelimit"
	"github.com/consensus-hq/agent-pulse-sub000/internal/service"
	"github.com/consensus-hq/agent-pulse-sub000/internal/settlement"
	"github.com/consensus-hq/agent-pulse-sub000/internal/storage"
	"github.com/consensus-hq/agent-pulse-sub000/internal/storage/memory"
	"github.com/consensus-hq/agent-pulse-sub000/internal/storage/postgres"
	"github.com/consensus-hq/agent-pulse-sub000/internal/storage/sqlite"
)

type Application struct {
	Server *http.Server
	Store  storage.Store
	Gate   *service.Gate

	cache   *service.SignalCache
	limiter *ratelimit.Limiter
	logger  *slog.Logger

	correlationInterval time.Duration
	stop                chan struct{}
}

func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Application, error) {
	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	tokens := ledger.NewMemoryLedger()
	registry, err := service.NewRegistry(ctx, service.RegistryParams{
		Store:          store,
		Tokens:         tokens,
		TTLSeconds:     cfg.Registry.TTLSeconds,
		MinPulseAmount: protocol.WholeTokens(cfg.Registry.MinPulseTokens),
		Owner:          cfg.Registry.Owner,
		SignalSink:     cfg.Registry.SignalSink,
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("build registry: %w", err)
	}

	engine, err := service.NewSignalEngine(service.SignalEngineParams{
		Store:                    store,
		TrailingEvents:           cfg.Signals.TrailingEvents,
		ObservationWindowSeconds: cfg.Signals.ObservationWindowDays * protocol.SecondsPerDay,
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("build signal engine: %w", err)
	}

	rc := redisClient(cfg)
	cache := service.NewSignalCache(service.SignalCacheParams{
		Redis:  rc,
		Logger: logger,
	})

	verifier, err := buildVerifier(cfg)
	if err != nil {
		store.Close()
		return nil, err
	}

	attestor, err := loadAttestor(cfg)
	if err != nil {
		store.Close()
		return nil, err
	}

	prices := make(map[protocol.SignalType]service.PricePlan, len(cfg.Gate.Prices))
	for name, entry := range cfg.Gate.Prices {
		typ, _ := protocol.ParseSignalType(name)
		prices[typ] = service.PricePlan{
			BaseAtomic: entry.BasePriceAtomic,
			CacheTTL:   time.Duration(entry.CacheTTLSeconds) * time.Second,
		}
	}
	gate, err := service.NewGate(service.GateParams{
		Store:          store,
		Engine:         engine,
		Cache:          cache,
		Verifier:       verifier,
		Attestor:       attestor,
		Logger:         logger,
		Prices:         prices,
		Asset:          cfg.Gate.Asset,
		Network:        cfg.Gate.Network,
		PayTo:          cfg.Gate.PayTo,
		RequirementTTL: time.Duration(cfg.Gate.RequirementTTLSeconds) * time.Second,
		ComputeTimeout: time.Duration(cfg.Gate.ComputeTimeoutSeconds) * time.Second,
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("build gate: %w", err)
	}

	limiter := ratelimit.New(ratelimit.Quota{
		PerMinute: cfg.FreeTier.PerMinute,
		PerDay:    cfg.FreeTier.PerDay,
	}, nil)
	if rc != nil {
		limiter.WithRedis(rc)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(logging.Middleware(logger, logging.Environment{
		Service: cfg.Logging.Service,
		Version: cfg.Logging.Version,
		Commit:  cfg.Logging.Commit,
		Network: cfg.Gate.Network,
	}))
	api.NewHandler(api.HandlerParams{
		Registry:   registry,
		Gate:       gate,
		Store:      store,
		Limiter:    limiter,
		Logger:     logger,
		AdminToken: cfg.Security.AdminBearerToken,
		Service:    cfg.Logging.Service,
		Version:    cfg.Logging.Version,
	}).Register(e)

	server := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           e,
		ReadTimeout:       time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      time.Duration(cfg.Server.WriteTimeoutSeconds) * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	app := &Application{
		Server:              server,
		Store:               store,
		Gate:                gate,
		cache:               cache,
		limiter:             limiter,
		logger:              logger,
		correlationInterval: time.Duration(cfg.Signals.CorrelationIntervalSec) * time.Second,
		stop:                make(chan struct{}),
	}
	go app.runCorrelationRefresh()
	go app.runLimiterPrune()
	return app, nil
}

func openStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	switch cfg.Storage.Driver {
	case "postgres":
		store, err := postgres.Open(ctx, cfg.Storage.PostgresDSN, cfg.Storage.MaxConns, cfg.Storage.MinConns)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		return store, nil
	case "sqlite":
		store, err := sqlite.Open(cfg.Storage.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return store, nil
	case "memory":
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}

func redisClient(cfg *config.Config) *redis.Client {
	if !cfg.Redis.Enabled {
		return nil
	}
	options := &redis.Options{
		Addr:         cfg.Redis.Address,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
		MaxRetries:   3,
	}
	if cfg.Redis.UseTLS {
		options.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return redis.NewClient(options)
}

func buildVerifier(cfg *config.Config) (settlement.Verifier, error) {
	switch cfg.Settlement.Mode {
	case "http":
		verifier, err := settlement.NewHTTPVerifier(settlement.HTTPVerifierParams{
			BaseURL: cfg.Settlement.FacilitatorURL,
			Timeout: time.Duration(cfg.Settlement.TimeoutSeconds) * time.Second,
		})
		if err != nil {
			return nil, fmt.Errorf("build settlement verifier: %w", err)
		}
		return verifier, nil
	case "static":
		return settlement.StaticVerifier{}, nil
	default:
		return nil, fmt.Errorf("unknown settlement mode %q", cfg.Settlement.Mode)
	}
}

func loadAttestor(cfg *config.Config) (*crypto.Attestor, error) {
	if cfg.Gate.AttestationKeyPath == "" {
		return nil, nil
	}
	attestor, err := crypto.LoadAttestor(cfg.Gate.AttestationKeyPath)
	if err != nil {
		return nil, fmt.Errorf("load attestation key: %w", err)
	}
	return attestor, nil
}

// runCorrelationRefresh keeps the expensive cross-agent signal warm so the
// request path can serve it at the cached tier.
func (a *Application) runCorrelationRefresh() {
	ticker := time.NewTicker(a.correlationInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), a.correlationInterval)
			if err := a.Gate.RefreshCorrelation(ctx); err != nil {
				if !service.IsCode(err, "INSUFFICIENT_DATA") {
					a.logger.Warn("correlation refresh failed", "error", err)
				}
			}
			cancel()
		case <-a.stop:
			return
		}
	}
}

func (a *Application) runLimiterPrune() {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.limiter.Prune()
		case <-a.stop:
			return
		}
	}
}

func (a *Application) Shutdown(ctx context.Context) error {
	close(a.stop)
	defer a.Store.Close()
	defer a.cache.Close()
	return a.Server.Shutdown(ctx)
}
