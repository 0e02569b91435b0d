// Package memory is the in-process Store used by tests and by the embedded
// test-harness deployment mode. It mirrors the transactional guarantees of the
// durable stores with a single mutex.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/consensus-hq/agent-pulse-sub000/internal/protocol"
	"github.com/consensus-hq/agent-pulse-sub000/internal/storage"
)

type Store struct {
	mu           sync.Mutex
	params       *protocol.ProtocolParams
	agents       map[string]protocol.AgentRecord
	events       []protocol.PulseEvent
	requirements map[string]storage.RequirementRecord
	meta         map[string]string
}

func New() *Store {
	return &Store{
		agents:       make(map[string]protocol.AgentRecord),
		requirements: make(map[string]storage.RequirementRecord),
		meta:         make(map[string]string),
	}
}

func (s *Store) Close() {}

func (s *Store) GetParams(ctx context.Context) (protocol.ProtocolParams, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.params == nil {
		return protocol.ProtocolParams{}, false, nil
	}
	return *s.params, true, nil
}

func (s *Store) SaveParams(ctx context.Context, p protocol.ProtocolParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := p
	s.params = &cp
	return nil
}

func (s *Store) GetAgent(ctx context.Context, address string) (protocol.AgentRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.agents[address]
	return rec, ok, nil
}

func (s *Store) ListAgents(ctx context.Context) ([]protocol.AgentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.AgentRecord, 0, len(s.agents))
	for _, rec := range s.agents {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out, nil
}

func (s *Store) PutAgent(ctx context.Context, rec protocol.AgentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[rec.Address] = rec
	return nil
}

func (s *Store) ApplyPulse(ctx context.Context, in storage.ApplyPulseInput) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[in.Record.Address] = in.Record
	s.events = append(s.events, in.Event)
	return nil
}

func (s *Store) ListAgentEvents(ctx context.Context, address string, limit int) ([]protocol.PulseEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []protocol.PulseEvent
	for _, ev := range s.events {
		if ev.Agent == address {
			out = append(out, ev)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *Store) ListEventsSince(ctx context.Context, since int64) ([]protocol.PulseEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []protocol.PulseEvent
	for _, ev := range s.events {
		if ev.Timestamp >= since {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (s *Store) CountEvents(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.events)), nil
}

func (s *Store) CreateRequirement(ctx context.Context, req protocol.PaymentRequirement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.requirements[req.RequirementID]; ok {
		return storage.ErrRequirementExists
	}
	s.requirements[req.RequirementID] = storage.RequirementRecord{Requirement: req}
	return nil
}

func (s *Store) GetRequirement(ctx context.Context, id string) (storage.RequirementRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.requirements[id]
	return rec, ok, nil
}

func (s *Store) MarkRequirementUsed(ctx context.Context, id string, usedAt int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.requirements[id]
	if !ok {
		return storage.ErrRequirementMissing
	}
	if rec.UsedAt != nil {
		return storage.ErrRequirementUsed
	}
	rec.UsedAt = &usedAt
	s.requirements[id] = rec
	return nil
}

func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meta[key] = value
	return nil
}

func (s *Store) GetMeta(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.meta[key]
	return v, ok, nil
}
