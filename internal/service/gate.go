package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/consensus-hq/agent-pulse-sub000/internal/crypto"
	"github.com/consensus-hq/agent-pulse-sub000/internal/ledger"
	"github.com/consensus-hq/agent-pulse-sub000/internal/protocol"
	"github.com/consensus-hq/agent-pulse-sub000/internal/settlement"
	"github.com/consensus-hq/agent-pulse-sub000/internal/storage"
)

const networkSubject = "network"

// PricePlan prices one signal type in atomic units of the settlement asset
// and bounds how long a computed result may be served from cache.
type PricePlan struct {
	BaseAtomic int64
	CacheTTL   time.Duration
}

func (p PricePlan) cachedPrice() int64 { return p.BaseAtomic / 2 }
func (p PricePlan) freshPrice() int64  { return p.BaseAtomic + p.BaseAtomic/2 }

// Gate sells derived signals behind a two-phase payment. Phase one quotes a
// price and hands out a single-use requirement; phase two redeems a proof
// against it and serves the signal. The quoted tier is pinned inside the
// requirement, so the price a caller saw is the price they pay even if the
// cache changes underneath them.
type Gate struct {
	store    storage.Store
	engine   *SignalEngine
	cache    *SignalCache
	verifier settlement.Verifier
	attestor *crypto.Attestor
	clock    ledger.Clock
	logger   *slog.Logger

	group singleflight.Group

	prices         map[protocol.SignalType]PricePlan
	asset          string
	network        string
	payTo          string
	requirementTTL time.Duration
	computeTimeout time.Duration
}

type GateParams struct {
	Store          storage.Store
	Engine         *SignalEngine
	Cache          *SignalCache
	Verifier       settlement.Verifier
	Attestor       *crypto.Attestor // optional; when set, served payloads are signed
	Clock          ledger.Clock
	Logger         *slog.Logger
	Prices         map[protocol.SignalType]PricePlan
	Asset          string
	Network        string
	PayTo          string
	RequirementTTL time.Duration
	ComputeTimeout time.Duration
}

func NewGate(params GateParams) (*Gate, error) {
	if params.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if params.Engine == nil {
		return nil, fmt.Errorf("signal engine is required")
	}
	if params.Cache == nil {
		return nil, fmt.Errorf("cache is required")
	}
	if params.Verifier == nil {
		return nil, fmt.Errorf("settlement verifier is required")
	}
	if params.Clock == nil {
		params.Clock = ledger.SystemClock()
	}
	if params.Logger == nil {
		params.Logger = slog.Default()
	}
	for _, typ := range protocol.SignalTypes() {
		plan, ok := params.Prices[typ]
		if !ok {
			return nil, fmt.Errorf("no price plan for signal %q", typ)
		}
		if plan.BaseAtomic <= 0 || plan.CacheTTL <= 0 {
			return nil, fmt.Errorf("invalid price plan for signal %q", typ)
		}
	}
	if params.PayTo == "" {
		return nil, fmt.Errorf("pay-to address is required")
	}
	if params.RequirementTTL <= 0 {
		params.RequirementTTL = 5 * time.Minute
	}
	if params.ComputeTimeout <= 0 {
		params.ComputeTimeout = 15 * time.Second
	}
	if params.Asset == "" {
		params.Asset = "USDC"
	}
	return &Gate{
		store:          params.Store,
		engine:         params.Engine,
		cache:          params.Cache,
		verifier:       params.Verifier,
		attestor:       params.Attestor,
		clock:          params.Clock,
		logger:         params.Logger,
		prices:         params.Prices,
		asset:          params.Asset,
		network:        params.Network,
		payTo:          params.PayTo,
		requirementTTL: params.RequirementTTL,
		computeTimeout: params.ComputeTimeout,
	}, nil
}

// GetSignal runs one gate round trip. Without a proof it returns the payment
// challenge; with a valid proof it returns the signal. Exactly one of the
// two results is non-nil on success.
func (g *Gate) GetSignal(ctx context.Context, typ protocol.SignalType, subject string, fresh bool, proof *settlement.Proof) (*protocol.SignalResponse, *protocol.PaymentRequiredResponse, error) {
	plan, ok := g.prices[typ]
	if !ok {
		return nil, nil, NewAppError(http.StatusBadRequest, "UNKNOWN_SIGNAL", fmt.Sprintf("unknown signal type %q", typ), false, nil)
	}
	if typ.NetworkScoped() {
		subject = networkSubject
	} else {
		addr, err := protocol.NormalizeAddress(subject)
		if err != nil {
			return nil, nil, NewAppError(http.StatusBadRequest, "BAD_ADDRESS", err.Error(), false, err)
		}
		subject = addr
	}

	key, err := g.cacheKey(ctx, typ, subject)
	if err != nil {
		return nil, nil, err
	}

	if proof == nil {
		challenge, err := g.issueRequirement(ctx, typ, subject, fresh, plan, key)
		if err != nil {
			return nil, nil, err
		}
		return nil, challenge, nil
	}

	requirement, tier, err := g.redeem(ctx, *proof, typ, subject)
	if err != nil {
		return nil, nil, err
	}
	return g.serve(ctx, typ, subject, tier, plan, key, requirement, proof)
}

// cacheKey folds the subject's signal epoch into the key, so every accepted
// pulse implicitly invalidates the agent's cached signals. Network-scoped
// signals key on the global event count instead.
func (g *Gate) cacheKey(ctx context.Context, typ protocol.SignalType, subject string) (string, error) {
	var epoch int64
	if subject == networkSubject {
		count, err := g.store.CountEvents(ctx)
		if err != nil {
			return "", Internal("count pulse events", err)
		}
		epoch = count
	} else {
		rec, _, err := g.store.GetAgent(ctx, subject)
		if err != nil {
			return "", Internal("read agent record", err)
		}
		epoch = rec.SignalEpoch
	}
	return fmt.Sprintf("signal:%s:%s:e%d", typ, subject, epoch), nil
}

func resourceName(typ protocol.SignalType, subject, tier string) string {
	return fmt.Sprintf("signal:%s:%s:%s", typ, subject, tier)
}

func (g *Gate) issueRequirement(ctx context.Context, typ protocol.SignalType, subject string, fresh bool, plan PricePlan, key string) (*protocol.PaymentRequiredResponse, error) {
	tier := "fresh"
	price := plan.freshPrice()
	if !fresh {
		if _, hit := g.cache.Get(ctx, key); hit {
			tier = "cached"
			price = plan.cachedPrice()
		}
	}
	id, err := protocol.RandomID("req")
	if err != nil {
		return nil, Internal("generate requirement id", err)
	}
	requirement := protocol.PaymentRequirement{
		RequirementID: id,
		Resource:      resourceName(typ, subject, tier),
		PriceAtomic:   price,
		Asset:         g.asset,
		Network:       g.network,
		PayTo:         g.payTo,
		ExpiresAt:     g.clock.Now().UTC().Add(g.requirementTTL).Unix(),
	}
	if err := g.store.CreateRequirement(ctx, requirement); err != nil {
		return nil, Internal("persist payment requirement", err)
	}
	return &protocol.PaymentRequiredResponse{
		Error: protocol.ErrorBody{
			Code:    "PAYMENT_REQUIRED",
			Message: fmt.Sprintf("payment of %d atomic %s is required for %s", price, g.asset, requirement.Resource),
		},
		Accepts: []protocol.PaymentRequirement{requirement},
	}, nil
}

// redeem consumes the requirement the proof names. Replay, expiry, resource
// mismatch, and facilitator rejection each map to their own error code so
// callers can tell a lost payment from a retryable outage.
func (g *Gate) redeem(ctx context.Context, proof settlement.Proof, typ protocol.SignalType, subject string) (protocol.PaymentRequirement, string, error) {
	var zero protocol.PaymentRequirement
	rec, found, err := g.store.GetRequirement(ctx, proof.RequirementID)
	if err != nil {
		return zero, "", Internal("read payment requirement", err)
	}
	if !found {
		return zero, "", NewAppError(http.StatusPaymentRequired, "PAYMENT_PROOF_INVALID", "unknown payment requirement", false, nil)
	}
	if rec.UsedAt != nil {
		return zero, "", NewAppError(http.StatusPaymentRequired, "PAYMENT_PROOF_INVALID", "payment requirement already redeemed", false, nil)
	}
	now := g.clock.Now().UTC().Unix()
	if now > rec.Requirement.ExpiresAt {
		return zero, "", NewAppError(http.StatusPaymentRequired, "PAYMENT_PROOF_EXPIRED", "payment requirement expired", false, nil)
	}
	prefix := fmt.Sprintf("signal:%s:%s:", typ, subject)
	if !strings.HasPrefix(rec.Requirement.Resource, prefix) {
		return zero, "", NewAppError(http.StatusPaymentRequired, "PAYMENT_PROOF_INVALID", "payment requirement covers a different resource", false, nil)
	}
	tier := strings.TrimPrefix(rec.Requirement.Resource, prefix)

	if err := g.verifier.Verify(ctx, proof, rec.Requirement); err != nil {
		switch {
		case errors.Is(err, settlement.ErrProofExpired):
			return zero, "", NewAppError(http.StatusPaymentRequired, "PAYMENT_PROOF_EXPIRED", "payment proof expired", false, err)
		case errors.Is(err, settlement.ErrUnavailable):
			return zero, "", NewAppError(http.StatusServiceUnavailable, "SETTLEMENT_UNAVAILABLE", "payment verification is temporarily unavailable", true, err)
		default:
			return zero, "", NewAppError(http.StatusPaymentRequired, "PAYMENT_PROOF_INVALID", "payment proof rejected", false, err)
		}
	}

	if err := g.store.MarkRequirementUsed(ctx, proof.RequirementID, now); err != nil {
		if errors.Is(err, storage.ErrRequirementUsed) {
			return zero, "", NewAppError(http.StatusPaymentRequired, "PAYMENT_PROOF_INVALID", "payment requirement already redeemed", false, err)
		}
		return zero, "", Internal("redeem payment requirement", err)
	}
	return rec.Requirement, tier, nil
}

func (g *Gate) serve(ctx context.Context, typ protocol.SignalType, subject, tier string, plan PricePlan, key string, requirement protocol.PaymentRequirement, proof *settlement.Proof) (*protocol.SignalResponse, *protocol.PaymentRequiredResponse, error) {
	var payload []byte
	cacheSourced := false
	if tier == "cached" {
		if hit, ok := g.cache.Get(ctx, key); ok {
			payload = hit
			cacheSourced = true
		}
	}
	if payload == nil {
		computed, err := g.computeShared(ctx, typ, subject, plan, key)
		if err != nil {
			return nil, nil, err
		}
		payload = computed
	}
	resp := &protocol.SignalResponse{
		Signal:       typ,
		Subject:      subjectField(subject),
		CacheSourced: cacheSourced,
		PriceCharged: requirement.PriceAtomic,
		Asset:        g.asset,
		ComputedAt:   g.clock.Now().UTC().Unix(),
		PaymentRef:   proof.TxHash,
		Data:         json.RawMessage(payload),
	}
	if g.attestor != nil {
		resp.Attestation = &protocol.Attestation{
			KeyID:     g.attestor.KeyID(),
			Signature: g.attestor.Attest(payload),
		}
	}
	return resp, nil, nil
}

func subjectField(subject string) string {
	if subject == networkSubject {
		return ""
	}
	return subject
}

// computeShared collapses concurrent computations of the same key into one.
// The computation runs on a context detached from the winning request, so a
// caller hanging up does not poison the result every waiter shares. Failures
// are returned, never cached.
func (g *Gate) computeShared(ctx context.Context, typ protocol.SignalType, subject string, plan PricePlan, key string) ([]byte, error) {
	out, err, _ := g.group.Do(key, func() (any, error) {
		computeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.computeTimeout)
		defer cancel()
		data, err := g.compute(computeCtx, typ, subject)
		if err != nil {
			return nil, err
		}
		payload, err := json.Marshal(data)
		if err != nil {
			return nil, Internal("marshal signal payload", err)
		}
		g.cache.Set(computeCtx, key, payload, plan.CacheTTL)
		return payload, nil
	})
	if err != nil {
		return nil, err
	}
	return out.([]byte), nil
}

func (g *Gate) compute(ctx context.Context, typ protocol.SignalType, subject string) (any, error) {
	switch typ {
	case protocol.SignalReliability:
		return g.engine.Reliability(ctx, subject)
	case protocol.SignalJitter:
		return g.engine.Jitter(ctx, subject)
	case protocol.SignalHazard:
		return g.engine.Hazard(ctx, subject)
	case protocol.SignalUptime:
		return g.engine.Uptime(ctx, subject)
	case protocol.SignalStreak:
		return g.engine.Streaks(ctx, subject)
	case protocol.SignalRisk:
		return g.engine.Risk(ctx, subject)
	case protocol.SignalCorrelation:
		return g.engine.Correlation(ctx)
	case protocol.SignalNetwork:
		return g.engine.Network(ctx)
	default:
		return nil, NewAppError(http.StatusBadRequest, "UNKNOWN_SIGNAL", fmt.Sprintf("unknown signal type %q", typ), false, nil)
	}
}

const metaCorrelationRefreshedAt = "correlation_refreshed_at"

// RefreshCorrelation recomputes the peer-correlation signal and warms its
// cache entry. The batch job calls this on a schedule; each successful run
// leaves its timestamp in the store's metadata.
func (g *Gate) RefreshCorrelation(ctx context.Context) error {
	key, err := g.cacheKey(ctx, protocol.SignalCorrelation, networkSubject)
	if err != nil {
		return err
	}
	plan := g.prices[protocol.SignalCorrelation]
	if _, err := g.computeShared(ctx, protocol.SignalCorrelation, networkSubject, plan, key); err != nil {
		return err
	}
	stamp := strconv.FormatInt(g.clock.Now().UTC().Unix(), 10)
	if err := g.store.SetMeta(ctx, metaCorrelationRefreshedAt, stamp); err != nil {
		return Internal("record correlation refresh", err)
	}
	return nil
}

// LastCorrelationRefresh reports when the correlation signal was last
// recomputed by a refresh run. ok is false before the first run.
func (g *Gate) LastCorrelationRefresh(ctx context.Context) (int64, bool, error) {
	raw, found, err := g.store.GetMeta(ctx, metaCorrelationRefreshedAt)
	if err != nil {
		return 0, false, Internal("read correlation refresh", err)
	}
	if !found {
		return 0, false, nil
	}
	at, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false, Internal("parse correlation refresh", err)
	}
	return at, true, nil
}

// Quote exposes the current price for one signal tier without creating a
// requirement.
func (g *Gate) Quote(ctx context.Context, typ protocol.SignalType, subject string, fresh bool) (int64, error) {
	plan, ok := g.prices[typ]
	if !ok {
		return 0, NewAppError(http.StatusBadRequest, "UNKNOWN_SIGNAL", fmt.Sprintf("unknown signal type %q", typ), false, nil)
	}
	if typ.NetworkScoped() {
		subject = networkSubject
	} else {
		addr, err := protocol.NormalizeAddress(subject)
		if err != nil {
			return 0, NewAppError(http.StatusBadRequest, "BAD_ADDRESS", err.Error(), false, err)
		}
		subject = addr
	}
	if fresh {
		return plan.freshPrice(), nil
	}
	key, err := g.cacheKey(ctx, typ, subject)
	if err != nil {
		return 0, err
	}
	if _, hit := g.cache.Get(ctx, key); hit {
		return plan.cachedPrice(), nil
	}
	return plan.freshPrice(), nil
}
