package service

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"net/http"
	"sync"

	"github.com/consensus-hq/agent-pulse-sub000/internal/ledger"
	"github.com/consensus-hq/agent-pulse-sub000/internal/protocol"
	"github.com/consensus-hq/agent-pulse-sub000/internal/storage"
)

const lockStripes = 64

// RegistryService is the liveness state machine. Every mutating operation is
// one atomic transition: either the burn, the record update, and the event
// append all land, or none do. Per-agent lock striping serializes concurrent
// pulses for the same agent; agents never contend with each other beyond
// stripe collisions.
type RegistryService struct {
	store  storage.Store
	tokens ledger.TokenLedger
	clock  ledger.Clock

	locks    [lockStripes]sync.Mutex
	paramsMu sync.Mutex
}

type RegistryParams struct {
	Store          storage.Store
	Tokens         ledger.TokenLedger
	Clock          ledger.Clock
	TTLSeconds     int64
	MinPulseAmount protocol.Amount
	Owner          string
	SignalSink     string
}

func NewRegistry(ctx context.Context, params RegistryParams) (*RegistryService, error) {
	if params.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if params.Tokens == nil {
		return nil, fmt.Errorf("token ledger is required")
	}
	if params.Clock == nil {
		params.Clock = ledger.SystemClock()
	}
	s := &RegistryService{store: params.Store, tokens: params.Tokens, clock: params.Clock}

	if _, found, err := s.store.GetParams(ctx); err != nil {
		return nil, fmt.Errorf("read protocol params: %w", err)
	} else if found {
		// Params already initialized; the stored signal sink stays
		// authoritative and never changes after init.
		return s, nil
	}

	owner, err := protocol.NormalizeAddress(params.Owner)
	if err != nil {
		return nil, fmt.Errorf("owner: %w", err)
	}
	sink, err := protocol.NormalizeAddress(params.SignalSink)
	if err != nil {
		return nil, fmt.Errorf("signal sink: %w", err)
	}
	if protocol.ZeroAddress(params.SignalSink) {
		return nil, fmt.Errorf("signal sink must not be the zero address")
	}
	if err := validateTTL(params.TTLSeconds); err != nil {
		return nil, err
	}
	if err := validateMinPulse(params.MinPulseAmount); err != nil {
		return nil, err
	}
	initial := protocol.ProtocolParams{
		TTLSeconds:     params.TTLSeconds,
		MinPulseAmount: params.MinPulseAmount,
		Owner:          owner,
		SignalSink:     sink,
	}
	if err := s.store.SaveParams(ctx, initial); err != nil {
		return nil, fmt.Errorf("initialize protocol params: %w", err)
	}
	return s, nil
}

func (s *RegistryService) lockFor(address string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(address))
	return &s.locks[h.Sum32()%lockStripes]
}

// Pulse records a liveness burn for the agent. Rejections leave every piece
// of state untouched: the token transfer happens only after all validation
// passes, and if the persist then fails the burn is refunded from the sink
// before the error is returned.
func (s *RegistryService) Pulse(ctx context.Context, agent string, amount protocol.Amount) (protocol.PulseResponse, error) {
	addr, err := protocol.NormalizeAddress(agent)
	if err != nil {
		return protocol.PulseResponse{}, NewAppError(http.StatusBadRequest, "BAD_ADDRESS", err.Error(), false, err)
	}
	params, err := s.params(ctx)
	if err != nil {
		return protocol.PulseResponse{}, err
	}
	if params.Paused {
		return protocol.PulseResponse{}, NewAppError(http.StatusConflict, "REGISTRY_PAUSED", "registry is paused, pulses are not accepted", true, nil)
	}
	if amount.Cmp(params.MinPulseAmount) < 0 {
		return protocol.PulseResponse{}, NewAppError(
			http.StatusBadRequest,
			"PULSE_AMOUNT_TOO_LOW",
			fmt.Sprintf("pulse amount %s is below the minimum %s", amount, params.MinPulseAmount),
			false,
			nil,
		)
	}

	lock := s.lockFor(addr)
	lock.Lock()
	defer lock.Unlock()

	rec, found, err := s.store.GetAgent(ctx, addr)
	if err != nil {
		return protocol.PulseResponse{}, Internal("read agent record", err)
	}

	if err := s.tokens.Transfer(ctx, addr, params.SignalSink, amount); err != nil {
		return protocol.PulseResponse{}, NewAppError(http.StatusConflict, "TRANSFER_REJECTED", "token transfer rejected", false, err)
	}

	now := s.clock.Now().UTC().Unix()
	next := advanceStreak(rec, found, addr, now)
	event := protocol.PulseEvent{Agent: addr, Amount: amount, Timestamp: now, Streak: next.Streak}
	if err := s.store.ApplyPulse(ctx, storage.ApplyPulseInput{Record: next, Event: event}); err != nil {
		// The burn already happened; refund it so the rejected pulse
		// leaves the ledger exactly as it was. The refund runs on a
		// detached context so a cancelled request cannot strand tokens.
		refundCtx := context.WithoutCancel(ctx)
		if refundErr := s.tokens.Transfer(refundCtx, params.SignalSink, addr, amount); refundErr != nil {
			return protocol.PulseResponse{}, Internal("persist pulse (burn refund also failed)", errors.Join(err, refundErr))
		}
		return protocol.PulseResponse{}, Internal("persist pulse", err)
	}

	return protocol.PulseResponse{
		Status:    "pulse_recorded",
		Agent:     addr,
		Amount:    amount,
		Timestamp: now,
		Streak:    next.Streak,
	}, nil
}

// advanceStreak applies the day-indexed streak rule: first pulse starts at 1,
// a same-day re-pulse leaves the counter alone, the next calendar day
// increments it, and any gap of two days or more resets it to 1.
func advanceStreak(rec protocol.AgentRecord, found bool, addr string, now int64) protocol.AgentRecord {
	day := now / protocol.SecondsPerDay
	next := rec
	next.Address = addr
	next.LastPulseAt = now
	next.SignalEpoch++
	switch {
	case !found || rec.Streak == 0:
		next.Streak = 1
		next.LastStreakDay = day
	case day == rec.LastStreakDay:
		// same-day re-pulse
	case day == rec.LastStreakDay+1:
		next.Streak++
		next.LastStreakDay = day
	default:
		next.Streak = 1
		next.LastStreakDay = day
	}
	return next
}

// IsAlive is a pure view and stays available while paused. The TTL boundary
// is inclusive: an agent is still alive at exactly lastPulseAt + ttl.
func (s *RegistryService) IsAlive(ctx context.Context, agent string) (protocol.AliveResponse, error) {
	addr, err := protocol.NormalizeAddress(agent)
	if err != nil {
		return protocol.AliveResponse{}, NewAppError(http.StatusBadRequest, "BAD_ADDRESS", err.Error(), false, err)
	}
	params, err := s.params(ctx)
	if err != nil {
		return protocol.AliveResponse{}, err
	}
	rec, found, err := s.store.GetAgent(ctx, addr)
	if err != nil {
		return protocol.AliveResponse{}, Internal("read agent record", err)
	}
	now := s.clock.Now().UTC().Unix()
	out := protocol.AliveResponse{Address: addr, TTLSeconds: params.TTLSeconds}
	if !found || rec.LastPulseAt == 0 {
		return out, nil
	}
	out.IsAlive = now <= rec.LastPulseAt+params.TTLSeconds
	out.LastPulseTimestamp = rec.LastPulseAt
	out.Streak = rec.Streak
	out.StalenessSeconds = now - rec.LastPulseAt
	return out, nil
}

func (s *RegistryService) AgentStatus(ctx context.Context, agent string) (protocol.AgentStatusResponse, error) {
	alive, err := s.IsAlive(ctx, agent)
	if err != nil {
		return protocol.AgentStatusResponse{}, err
	}
	rec, _, err := s.store.GetAgent(ctx, alive.Address)
	if err != nil {
		return protocol.AgentStatusResponse{}, Internal("read agent record", err)
	}
	return protocol.AgentStatusResponse{
		Address:     alive.Address,
		Alive:       alive.IsAlive,
		LastPulseAt: rec.LastPulseAt,
		Streak:      rec.Streak,
		HazardScore: rec.HazardScore,
	}, nil
}

// UpdateHazard sets the administrative risk indicator. It may target agents
// that have never pulsed.
func (s *RegistryService) UpdateHazard(ctx context.Context, caller, agent string, score int) error {
	params, err := s.params(ctx)
	if err != nil {
		return err
	}
	if err := s.requireOwner(params, caller, "updateHazard"); err != nil {
		return err
	}
	if score < 0 || score > 100 {
		return NewAppError(
			http.StatusBadRequest,
			"HAZARD_OUT_OF_RANGE",
			fmt.Sprintf("hazard score %d is outside [0, 100]", score),
			false,
			nil,
		)
	}
	addr, err := protocol.NormalizeAddress(agent)
	if err != nil {
		return NewAppError(http.StatusBadRequest, "BAD_ADDRESS", err.Error(), false, err)
	}
	lock := s.lockFor(addr)
	lock.Lock()
	defer lock.Unlock()
	rec, _, err := s.store.GetAgent(ctx, addr)
	if err != nil {
		return Internal("read agent record", err)
	}
	rec.Address = addr
	rec.HazardScore = score
	if err := s.store.PutAgent(ctx, rec); err != nil {
		return Internal("persist hazard score", err)
	}
	return nil
}

func (s *RegistryService) SetTTL(ctx context.Context, caller string, ttlSeconds int64) error {
	return s.mutateParams(ctx, caller, "setTTL", func(p *protocol.ProtocolParams) error {
		if err := validateTTL(ttlSeconds); err != nil {
			return NewAppError(http.StatusBadRequest, "PARAM_OUT_OF_BOUNDS", err.Error(), false, nil)
		}
		p.TTLSeconds = ttlSeconds
		return nil
	})
}

func (s *RegistryService) SetMinPulseAmount(ctx context.Context, caller string, amount protocol.Amount) error {
	return s.mutateParams(ctx, caller, "setMinPulseAmount", func(p *protocol.ProtocolParams) error {
		if err := validateMinPulse(amount); err != nil {
			return NewAppError(http.StatusBadRequest, "PARAM_OUT_OF_BOUNDS", err.Error(), false, nil)
		}
		p.MinPulseAmount = amount
		return nil
	})
}

func (s *RegistryService) Pause(ctx context.Context, caller string) error {
	return s.mutateParams(ctx, caller, "pause", func(p *protocol.ProtocolParams) error {
		if p.Paused {
			return NewAppError(http.StatusConflict, "ALREADY_PAUSED", "registry is already paused", false, nil)
		}
		p.Paused = true
		return nil
	})
}

func (s *RegistryService) Unpause(ctx context.Context, caller string) error {
	return s.mutateParams(ctx, caller, "unpause", func(p *protocol.ProtocolParams) error {
		if !p.Paused {
			return NewAppError(http.StatusConflict, "NOT_PAUSED", "registry is not paused", false, nil)
		}
		p.Paused = false
		return nil
	})
}

// TransferOwnership records a pending owner without granting any privilege.
// Only AcceptOwnership by that address completes the handover, so a mistyped
// candidate cannot brick administrative control.
func (s *RegistryService) TransferOwnership(ctx context.Context, caller, candidate string) error {
	return s.mutateParams(ctx, caller, "transferOwnership", func(p *protocol.ProtocolParams) error {
		addr, err := protocol.NormalizeAddress(candidate)
		if err != nil {
			return NewAppError(http.StatusBadRequest, "BAD_ADDRESS", err.Error(), false, err)
		}
		if protocol.ZeroAddress(candidate) {
			return NewAppError(http.StatusBadRequest, "BAD_ADDRESS", "pending owner must not be the zero address", false, nil)
		}
		p.PendingOwner = addr
		return nil
	})
}

func (s *RegistryService) AcceptOwnership(ctx context.Context, caller string) error {
	s.paramsMu.Lock()
	defer s.paramsMu.Unlock()
	params, err := s.params(ctx)
	if err != nil {
		return err
	}
	addr, err := protocol.NormalizeAddress(caller)
	if err != nil {
		return NewAppError(http.StatusBadRequest, "BAD_ADDRESS", err.Error(), false, err)
	}
	if params.PendingOwner == "" || params.PendingOwner != addr {
		return NewAppError(http.StatusForbidden, "NOT_PENDING_OWNER", "caller is not the pending owner", false, nil)
	}
	params.Owner = addr
	params.PendingOwner = ""
	if err := s.store.SaveParams(ctx, params); err != nil {
		return Internal("persist ownership transfer", err)
	}
	return nil
}

func (s *RegistryService) Params(ctx context.Context) (protocol.ProtocolParams, error) {
	return s.params(ctx)
}

func (s *RegistryService) params(ctx context.Context) (protocol.ProtocolParams, error) {
	params, found, err := s.store.GetParams(ctx)
	if err != nil {
		return protocol.ProtocolParams{}, Internal("read protocol params", err)
	}
	if !found {
		return protocol.ProtocolParams{}, Internal("protocol params missing", storage.ErrParamsMissing)
	}
	return params, nil
}

func (s *RegistryService) mutateParams(ctx context.Context, caller, operation string, mutate func(*protocol.ProtocolParams) error) error {
	s.paramsMu.Lock()
	defer s.paramsMu.Unlock()
	params, err := s.params(ctx)
	if err != nil {
		return err
	}
	if err := s.requireOwner(params, caller, operation); err != nil {
		return err
	}
	if err := mutate(&params); err != nil {
		return err
	}
	if err := s.store.SaveParams(ctx, params); err != nil {
		return Internal("persist protocol params", err)
	}
	return nil
}

func (s *RegistryService) requireOwner(params protocol.ProtocolParams, caller, operation string) error {
	addr, err := protocol.NormalizeAddress(caller)
	if err != nil {
		return NewAppError(http.StatusBadRequest, "BAD_ADDRESS", err.Error(), false, err)
	}
	if addr != params.Owner {
		return NotOwner(operation)
	}
	return nil
}

func validateTTL(ttlSeconds int64) error {
	if ttlSeconds <= 0 {
		return fmt.Errorf("ttl %d must be positive", ttlSeconds)
	}
	if ttlSeconds > protocol.MaxTTLSeconds {
		return fmt.Errorf("ttl %d exceeds the maximum %d", ttlSeconds, protocol.MaxTTLSeconds)
	}
	return nil
}

func validateMinPulse(amount protocol.Amount) error {
	if amount.IsZero() {
		return fmt.Errorf("minimum pulse amount must be positive")
	}
	if amount.Cmp(protocol.MaxMinPulseAmount) > 0 {
		return fmt.Errorf("minimum pulse amount %s exceeds the maximum %s", amount, protocol.MaxMinPulseAmount)
	}
	return nil
}
