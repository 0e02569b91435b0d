package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/consensus-hq/agent-pulse-sub000/internal/ledger"
	"github.com/consensus-hq/agent-pulse-sub000/internal/protocol"
	"github.com/consensus-hq/agent-pulse-sub000/internal/storage"
	"github.com/consensus-hq/agent-pulse-sub000/internal/storage/memory"
)

const (
	testOwner = "0x00000000000000000000000000000000000000aa"
	testSink  = "0x00000000000000000000000000000000000000ff"
	agentOne  = "0x1111111111111111111111111111111111111111"
	agentTwo  = "0x2222222222222222222222222222222222222222"
	stranger  = "0x3333333333333333333333333333333333333333"
)

// dayStart is an exact UTC day boundary, so streak tests control which
// calendar day each pulse lands on.
const dayStart = int64(1_699_920_000)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) set(unix int64) { c.now = time.Unix(unix, 0).UTC() }

type registryFixture struct {
	store    *memory.Store
	tokens   *ledger.MemoryLedger
	clock    *fakeClock
	registry *RegistryService
}

func newRegistryFixture(t *testing.T) *registryFixture {
	t.Helper()
	f := &registryFixture{
		store:  memory.New(),
		tokens: ledger.NewMemoryLedger(),
		clock:  &fakeClock{},
	}
	f.clock.set(dayStart + 1000)
	reg, err := NewRegistry(context.Background(), RegistryParams{
		Store:          f.store,
		Tokens:         f.tokens,
		Clock:          f.clock,
		TTLSeconds:     3600,
		MinPulseAmount: protocol.WholeTokens(1),
		Owner:          testOwner,
		SignalSink:     testSink,
	})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	f.registry = reg
	return f
}

func (f *registryFixture) mint(t *testing.T, agent string, tokens int64) {
	t.Helper()
	addr, err := protocol.NormalizeAddress(agent)
	if err != nil {
		t.Fatalf("normalize %q: %v", agent, err)
	}
	f.tokens.Mint(addr, protocol.WholeTokens(tokens))
}

func (f *registryFixture) balance(t *testing.T, agent string) protocol.Amount {
	t.Helper()
	addr, err := protocol.NormalizeAddress(agent)
	if err != nil {
		t.Fatalf("normalize %q: %v", agent, err)
	}
	bal, err := f.tokens.BalanceOf(context.Background(), addr)
	if err != nil {
		t.Fatalf("BalanceOf: %v", err)
	}
	return bal
}

func (f *registryFixture) pulse(t *testing.T, agent string, tokens int64) protocol.PulseResponse {
	t.Helper()
	resp, err := f.registry.Pulse(context.Background(), agent, protocol.WholeTokens(tokens))
	if err != nil {
		t.Fatalf("Pulse: %v", err)
	}
	return resp
}

func TestPulseFirstStartsStreakAtOne(t *testing.T) {
	f := newRegistryFixture(t)
	f.mint(t, agentOne, 10)

	resp := f.pulse(t, agentOne, 1)
	if resp.Streak != 1 {
		t.Fatalf("streak = %d, want 1", resp.Streak)
	}
	if resp.Status != "pulse_recorded" {
		t.Fatalf("status = %q", resp.Status)
	}
	if resp.Timestamp != dayStart+1000 {
		t.Fatalf("timestamp = %d, want %d", resp.Timestamp, dayStart+1000)
	}
}

func TestPulseSameDayKeepsStreak(t *testing.T) {
	f := newRegistryFixture(t)
	f.mint(t, agentOne, 10)

	f.pulse(t, agentOne, 1)
	f.clock.set(dayStart + 40_000)
	resp := f.pulse(t, agentOne, 1)
	if resp.Streak != 1 {
		t.Fatalf("same-day streak = %d, want 1", resp.Streak)
	}
	// both burns still happened
	want := protocol.WholeTokens(8)
	if got := f.balance(t, agentOne); got.Cmp(want) != 0 {
		t.Fatalf("balance = %s, want %s", got, want)
	}
}

func TestPulseNextDayIncrementsStreak(t *testing.T) {
	f := newRegistryFixture(t)
	f.mint(t, agentOne, 10)

	f.pulse(t, agentOne, 1)
	f.clock.set(dayStart + protocol.SecondsPerDay + 500)
	if resp := f.pulse(t, agentOne, 1); resp.Streak != 2 {
		t.Fatalf("streak = %d, want 2", resp.Streak)
	}
	f.clock.set(dayStart + 2*protocol.SecondsPerDay + 80_000)
	if resp := f.pulse(t, agentOne, 1); resp.Streak != 3 {
		t.Fatalf("streak = %d, want 3", resp.Streak)
	}
}

func TestPulseGapResetsStreak(t *testing.T) {
	f := newRegistryFixture(t)
	f.mint(t, agentOne, 10)

	f.pulse(t, agentOne, 1)
	f.clock.set(dayStart + protocol.SecondsPerDay + 500)
	f.pulse(t, agentOne, 1)
	f.clock.set(dayStart + 3*protocol.SecondsPerDay + 500)
	if resp := f.pulse(t, agentOne, 1); resp.Streak != 1 {
		t.Fatalf("streak after two-day gap = %d, want 1", resp.Streak)
	}
}

func TestStreakSurvivesTTLExpiry(t *testing.T) {
	// the ttl is one hour, so the agent is long dead by the next calendar
	// day, but the streak rule only looks at day indices
	f := newRegistryFixture(t)
	f.mint(t, agentOne, 10)

	f.pulse(t, agentOne, 1)
	f.clock.set(dayStart + protocol.SecondsPerDay + 500)

	alive, err := f.registry.IsAlive(context.Background(), agentOne)
	if err != nil {
		t.Fatalf("IsAlive: %v", err)
	}
	if alive.IsAlive {
		t.Fatalf("agent still alive %ds after pulse with ttl 3600", alive.StalenessSeconds)
	}
	if resp := f.pulse(t, agentOne, 1); resp.Streak != 2 {
		t.Fatalf("streak = %d, want 2", resp.Streak)
	}
}

func TestPulseBelowMinimumRejected(t *testing.T) {
	f := newRegistryFixture(t)
	f.mint(t, agentOne, 10)
	if err := f.registry.SetMinPulseAmount(context.Background(), testOwner, protocol.WholeTokens(5)); err != nil {
		t.Fatalf("SetMinPulseAmount: %v", err)
	}

	_, err := f.registry.Pulse(context.Background(), agentOne, protocol.WholeTokens(4))
	if !IsCode(err, "PULSE_AMOUNT_TOO_LOW") {
		t.Fatalf("err = %v, want PULSE_AMOUNT_TOO_LOW", err)
	}
	// rejection must not touch balances or records
	if got := f.balance(t, agentOne); got.Cmp(protocol.WholeTokens(10)) != 0 {
		t.Fatalf("balance changed on rejected pulse: %s", got)
	}
	alive, err := f.registry.IsAlive(context.Background(), agentOne)
	if err != nil {
		t.Fatalf("IsAlive: %v", err)
	}
	if alive.LastPulseTimestamp != 0 {
		t.Fatalf("record written on rejected pulse: %+v", alive)
	}
}

func TestPulseExactMinimumAccepted(t *testing.T) {
	f := newRegistryFixture(t)
	f.mint(t, agentOne, 10)
	if err := f.registry.SetMinPulseAmount(context.Background(), testOwner, protocol.WholeTokens(5)); err != nil {
		t.Fatalf("SetMinPulseAmount: %v", err)
	}
	if resp := f.pulse(t, agentOne, 5); resp.Streak != 1 {
		t.Fatalf("streak = %d, want 1", resp.Streak)
	}
}

func TestPulseInsufficientBalanceRejected(t *testing.T) {
	f := newRegistryFixture(t)
	f.mint(t, agentOne, 1)

	_, err := f.registry.Pulse(context.Background(), agentOne, protocol.WholeTokens(2))
	if !IsCode(err, "TRANSFER_REJECTED") {
		t.Fatalf("err = %v, want TRANSFER_REJECTED", err)
	}
	alive, err := f.registry.IsAlive(context.Background(), agentOne)
	if err != nil {
		t.Fatalf("IsAlive: %v", err)
	}
	if alive.LastPulseTimestamp != 0 {
		t.Fatalf("record written after failed transfer: %+v", alive)
	}
}

func TestPulseBadAddressRejected(t *testing.T) {
	f := newRegistryFixture(t)
	_, err := f.registry.Pulse(context.Background(), "not-an-address", protocol.WholeTokens(1))
	if !IsCode(err, "BAD_ADDRESS") {
		t.Fatalf("err = %v, want BAD_ADDRESS", err)
	}
}

func TestBurnCreditsSignalSink(t *testing.T) {
	f := newRegistryFixture(t)
	f.mint(t, agentOne, 10)

	f.pulse(t, agentOne, 3)
	if got := f.balance(t, testSink); got.Cmp(protocol.WholeTokens(3)) != 0 {
		t.Fatalf("sink balance = %s, want 3 tokens", got)
	}
	if got := f.balance(t, agentOne); got.Cmp(protocol.WholeTokens(7)) != 0 {
		t.Fatalf("agent balance = %s, want 7 tokens", got)
	}
}

func TestIsAliveInclusiveBoundary(t *testing.T) {
	f := newRegistryFixture(t)
	f.mint(t, agentOne, 10)
	f.pulse(t, agentOne, 1)

	f.clock.set(dayStart + 1000 + 3600)
	alive, err := f.registry.IsAlive(context.Background(), agentOne)
	if err != nil {
		t.Fatalf("IsAlive: %v", err)
	}
	if !alive.IsAlive {
		t.Fatalf("agent not alive at exactly lastPulse+ttl")
	}

	f.clock.set(dayStart + 1000 + 3601)
	alive, err = f.registry.IsAlive(context.Background(), agentOne)
	if err != nil {
		t.Fatalf("IsAlive: %v", err)
	}
	if alive.IsAlive {
		t.Fatalf("agent alive one second past ttl")
	}
	if alive.StalenessSeconds != 3601 {
		t.Fatalf("staleness = %d, want 3601", alive.StalenessSeconds)
	}
}

func TestIsAliveUnregisteredAgent(t *testing.T) {
	f := newRegistryFixture(t)
	alive, err := f.registry.IsAlive(context.Background(), agentOne)
	if err != nil {
		t.Fatalf("IsAlive: %v", err)
	}
	if alive.IsAlive {
		t.Fatalf("unregistered agent reported alive")
	}
	if alive.LastPulseTimestamp != 0 || alive.Streak != 0 {
		t.Fatalf("unexpected fields for unregistered agent: %+v", alive)
	}
}

func TestPauseBlocksPulsesNotReads(t *testing.T) {
	f := newRegistryFixture(t)
	f.mint(t, agentOne, 10)
	f.pulse(t, agentOne, 1)

	if err := f.registry.Pause(context.Background(), testOwner); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	_, err := f.registry.Pulse(context.Background(), agentOne, protocol.WholeTokens(1))
	if !IsCode(err, "REGISTRY_PAUSED") {
		t.Fatalf("err = %v, want REGISTRY_PAUSED", err)
	}
	var appErr *AppError
	if !errors.As(err, &appErr) || !appErr.Retryable {
		t.Fatalf("paused rejection should be retryable: %v", err)
	}

	alive, err := f.registry.IsAlive(context.Background(), agentOne)
	if err != nil {
		t.Fatalf("IsAlive while paused: %v", err)
	}
	if !alive.IsAlive {
		t.Fatalf("alive check broken by pause")
	}

	if err := f.registry.Unpause(context.Background(), testOwner); err != nil {
		t.Fatalf("Unpause: %v", err)
	}
	f.pulse(t, agentOne, 1)
}

func TestPauseUnpauseConflicts(t *testing.T) {
	f := newRegistryFixture(t)
	ctx := context.Background()

	if err := f.registry.Unpause(ctx, testOwner); !IsCode(err, "NOT_PAUSED") {
		t.Fatalf("err = %v, want NOT_PAUSED", err)
	}
	if err := f.registry.Pause(ctx, testOwner); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if err := f.registry.Pause(ctx, testOwner); !IsCode(err, "ALREADY_PAUSED") {
		t.Fatalf("err = %v, want ALREADY_PAUSED", err)
	}
	if err := f.registry.Pause(ctx, stranger); !IsCode(err, "NOT_OWNER") {
		t.Fatalf("err = %v, want NOT_OWNER", err)
	}
}

func TestUpdateHazard(t *testing.T) {
	f := newRegistryFixture(t)
	ctx := context.Background()

	// never-pulsed agents are valid targets
	if err := f.registry.UpdateHazard(ctx, testOwner, agentOne, 73); err != nil {
		t.Fatalf("UpdateHazard: %v", err)
	}
	status, err := f.registry.AgentStatus(ctx, agentOne)
	if err != nil {
		t.Fatalf("AgentStatus: %v", err)
	}
	if status.HazardScore != 73 {
		t.Fatalf("hazard = %d, want 73", status.HazardScore)
	}

	if err := f.registry.UpdateHazard(ctx, testOwner, agentOne, 101); !IsCode(err, "HAZARD_OUT_OF_RANGE") {
		t.Fatalf("err = %v, want HAZARD_OUT_OF_RANGE", err)
	}
	if err := f.registry.UpdateHazard(ctx, testOwner, agentOne, -1); !IsCode(err, "HAZARD_OUT_OF_RANGE") {
		t.Fatalf("err = %v, want HAZARD_OUT_OF_RANGE", err)
	}
	if err := f.registry.UpdateHazard(ctx, stranger, agentOne, 10); !IsCode(err, "NOT_OWNER") {
		t.Fatalf("err = %v, want NOT_OWNER", err)
	}
	// boundary values are legal
	if err := f.registry.UpdateHazard(ctx, testOwner, agentOne, 0); err != nil {
		t.Fatalf("UpdateHazard(0): %v", err)
	}
	if err := f.registry.UpdateHazard(ctx, testOwner, agentOne, 100); err != nil {
		t.Fatalf("UpdateHazard(100): %v", err)
	}
}

func TestSetTTLBounds(t *testing.T) {
	f := newRegistryFixture(t)
	ctx := context.Background()

	if err := f.registry.SetTTL(ctx, testOwner, 0); !IsCode(err, "PARAM_OUT_OF_BOUNDS") {
		t.Fatalf("err = %v, want PARAM_OUT_OF_BOUNDS", err)
	}
	if err := f.registry.SetTTL(ctx, testOwner, protocol.MaxTTLSeconds+1); !IsCode(err, "PARAM_OUT_OF_BOUNDS") {
		t.Fatalf("err = %v, want PARAM_OUT_OF_BOUNDS", err)
	}
	if err := f.registry.SetTTL(ctx, testOwner, protocol.MaxTTLSeconds); err != nil {
		t.Fatalf("SetTTL at the maximum: %v", err)
	}
	if err := f.registry.SetTTL(ctx, stranger, 60); !IsCode(err, "NOT_OWNER") {
		t.Fatalf("err = %v, want NOT_OWNER", err)
	}
	params, err := f.registry.Params(ctx)
	if err != nil {
		t.Fatalf("Params: %v", err)
	}
	if params.TTLSeconds != protocol.MaxTTLSeconds {
		t.Fatalf("ttl = %d, want %d", params.TTLSeconds, protocol.MaxTTLSeconds)
	}
}

func TestSetMinPulseAmountBounds(t *testing.T) {
	f := newRegistryFixture(t)
	ctx := context.Background()

	if err := f.registry.SetMinPulseAmount(ctx, testOwner, protocol.Amount{}); !IsCode(err, "PARAM_OUT_OF_BOUNDS") {
		t.Fatalf("err = %v, want PARAM_OUT_OF_BOUNDS", err)
	}
	oneWei, err := protocol.ParseAmount("1")
	if err != nil {
		t.Fatalf("ParseAmount: %v", err)
	}
	over := protocol.MaxMinPulseAmount.Add(oneWei)
	if err := f.registry.SetMinPulseAmount(ctx, testOwner, over); !IsCode(err, "PARAM_OUT_OF_BOUNDS") {
		t.Fatalf("err = %v, want PARAM_OUT_OF_BOUNDS", err)
	}
	if err := f.registry.SetMinPulseAmount(ctx, testOwner, protocol.MaxMinPulseAmount); err != nil {
		t.Fatalf("SetMinPulseAmount at the maximum: %v", err)
	}
}

func TestOwnershipTwoPhase(t *testing.T) {
	f := newRegistryFixture(t)
	ctx := context.Background()
	candidate := agentTwo

	if err := f.registry.TransferOwnership(ctx, stranger, candidate); !IsCode(err, "NOT_OWNER") {
		t.Fatalf("err = %v, want NOT_OWNER", err)
	}
	if err := f.registry.TransferOwnership(ctx, testOwner, candidate); err != nil {
		t.Fatalf("TransferOwnership: %v", err)
	}

	// pending owner has no privilege before accepting
	if err := f.registry.Pause(ctx, candidate); !IsCode(err, "NOT_OWNER") {
		t.Fatalf("err = %v, want NOT_OWNER", err)
	}
	if err := f.registry.AcceptOwnership(ctx, stranger); !IsCode(err, "NOT_PENDING_OWNER") {
		t.Fatalf("err = %v, want NOT_PENDING_OWNER", err)
	}
	if err := f.registry.AcceptOwnership(ctx, candidate); err != nil {
		t.Fatalf("AcceptOwnership: %v", err)
	}

	if err := f.registry.Pause(ctx, candidate); err != nil {
		t.Fatalf("new owner pause: %v", err)
	}
	if err := f.registry.Unpause(ctx, testOwner); !IsCode(err, "NOT_OWNER") {
		t.Fatalf("old owner kept privilege: %v", err)
	}
	if err := f.registry.AcceptOwnership(ctx, candidate); !IsCode(err, "NOT_PENDING_OWNER") {
		t.Fatalf("second accept should fail: %v", err)
	}
}

func TestTransferOwnershipRejectsZeroAddress(t *testing.T) {
	f := newRegistryFixture(t)
	err := f.registry.TransferOwnership(context.Background(), testOwner, "0x0000000000000000000000000000000000000000")
	if !IsCode(err, "BAD_ADDRESS") {
		t.Fatalf("err = %v, want BAD_ADDRESS", err)
	}
}

func TestAgentsAreIsolated(t *testing.T) {
	f := newRegistryFixture(t)
	f.mint(t, agentOne, 10)
	f.mint(t, agentTwo, 10)

	f.pulse(t, agentOne, 1)
	f.clock.set(dayStart + protocol.SecondsPerDay + 500)
	f.pulse(t, agentOne, 1)
	f.pulse(t, agentTwo, 1)

	one, err := f.registry.AgentStatus(context.Background(), agentOne)
	if err != nil {
		t.Fatalf("AgentStatus: %v", err)
	}
	two, err := f.registry.AgentStatus(context.Background(), agentTwo)
	if err != nil {
		t.Fatalf("AgentStatus: %v", err)
	}
	if one.Streak != 2 || two.Streak != 1 {
		t.Fatalf("streaks = %d/%d, want 2/1", one.Streak, two.Streak)
	}
}

func TestPulseCaseInsensitiveAddress(t *testing.T) {
	f := newRegistryFixture(t)
	lower := "0xabcdefabcdefabcdefabcdefabcdefabcdefabcd"
	f.mint(t, lower, 10)

	f.pulse(t, lower, 1)
	f.clock.set(dayStart + protocol.SecondsPerDay + 500)
	upper := "0xABCDEFABCDEFABCDEFABCDEFABCDEFABCDEFABCD"
	resp, err := f.registry.Pulse(context.Background(), upper, protocol.WholeTokens(1))
	if err != nil {
		t.Fatalf("Pulse: %v", err)
	}
	if resp.Streak != 2 {
		t.Fatalf("casing split the agent record: streak = %d, want 2", resp.Streak)
	}
}

func TestRestartKeepsStoredParams(t *testing.T) {
	f := newRegistryFixture(t)
	ctx := context.Background()
	if err := f.registry.SetTTL(ctx, testOwner, 7200); err != nil {
		t.Fatalf("SetTTL: %v", err)
	}

	// a second boot against the same store must not clobber stored params
	reg, err := NewRegistry(ctx, RegistryParams{
		Store:          f.store,
		Tokens:         f.tokens,
		Clock:          f.clock,
		TTLSeconds:     60,
		MinPulseAmount: protocol.WholeTokens(999),
		Owner:          stranger,
		SignalSink:     stranger,
	})
	if err != nil {
		t.Fatalf("NewRegistry reboot: %v", err)
	}
	params, err := reg.Params(ctx)
	if err != nil {
		t.Fatalf("Params: %v", err)
	}
	if params.TTLSeconds != 7200 {
		t.Fatalf("ttl = %d, want 7200", params.TTLSeconds)
	}
	ownerAddr, _ := protocol.NormalizeAddress(testOwner)
	if params.Owner != ownerAddr {
		t.Fatalf("owner = %s, want %s", params.Owner, ownerAddr)
	}
}

// brokenPulseStore fails the transactional persist while leaving every read
// path intact.
type brokenPulseStore struct {
	storage.Store
	fail bool
}

func (s *brokenPulseStore) ApplyPulse(ctx context.Context, in storage.ApplyPulseInput) error {
	if s.fail {
		return errors.New("write failed")
	}
	return s.Store.ApplyPulse(ctx, in)
}

func TestPulseRefundsBurnWhenPersistFails(t *testing.T) {
	f := newRegistryFixture(t)
	broken := &brokenPulseStore{Store: f.store, fail: true}
	reg, err := NewRegistry(context.Background(), RegistryParams{
		Store:  broken,
		Tokens: f.tokens,
		Clock:  f.clock,
	})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	f.mint(t, agentOne, 5)

	_, err = reg.Pulse(context.Background(), agentOne, protocol.WholeTokens(2))
	if !IsCode(err, "INTERNAL_ERROR") {
		t.Fatalf("err = %v, want INTERNAL_ERROR", err)
	}

	// The failed pulse must not have moved tokens or recorded anything.
	if got := f.balance(t, agentOne); got.Cmp(protocol.WholeTokens(5)) != 0 {
		t.Fatalf("agent balance = %s after failed pulse, want 5 tokens", got)
	}
	if got := f.balance(t, testSink); !got.IsZero() {
		t.Fatalf("sink balance = %s after failed pulse, want zero", got)
	}
	if _, found, err := f.store.GetAgent(context.Background(), agentOne); err != nil || found {
		t.Fatalf("agent record found=%v err=%v after failed pulse", found, err)
	}
	events, err := f.store.ListAgentEvents(context.Background(), agentOne, 10)
	if err != nil {
		t.Fatalf("ListAgentEvents: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("%d events recorded by a failed pulse", len(events))
	}

	// The same registry accepts the pulse once the store recovers.
	broken.fail = false
	if _, err := reg.Pulse(context.Background(), agentOne, protocol.WholeTokens(2)); err != nil {
		t.Fatalf("Pulse after recovery: %v", err)
	}
	if got := f.balance(t, testSink); got.Cmp(protocol.WholeTokens(2)) != 0 {
		t.Fatalf("sink balance = %s after recovered pulse, want 2 tokens", got)
	}
}
