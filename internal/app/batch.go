package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/consensus-hq/agent-pulse-sub000/internal/config"
	"github.com/consensus-hq/agent-pulse-sub000/internal/protocol"
	"github.com/consensus-hq/agent-pulse-sub000/internal/service"
	"github.com/consensus-hq/agent-pulse-sub000/internal/storage"
)

// Batch is the offline worker wiring: the same store, cache, and gate as the
// server, without the HTTP surface.
type Batch struct {
	Store storage.Store
	Gate  *service.Gate

	cache  *service.SignalCache
	logger *slog.Logger
}

func NewBatch(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Batch, error) {
	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
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
	cache := service.NewSignalCache(service.SignalCacheParams{
		Redis:  redisClient(cfg),
		Logger: logger,
	})
	verifier, err := buildVerifier(cfg)
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
	return &Batch{Store: store, Gate: gate, cache: cache, logger: logger}, nil
}

func (b *Batch) Close() {
	b.cache.Close()
	b.Store.Close()
}
