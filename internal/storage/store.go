package storage

import (
	"context"
	"errors"

	"github.com/consensus-hq/agent-pulse-sub000/internal/protocol"
)

var (
	ErrParamsMissing      = errors.New("protocol params not initialized")
	ErrRequirementExists  = errors.New("payment requirement already exists")
	ErrRequirementMissing = errors.New("payment requirement missing")
	ErrRequirementUsed    = errors.New("payment requirement already used")
)

// ApplyPulseInput carries the fully computed outcome of an accepted pulse.
// The registry computes the state transition; the store persists the new
// record and the event atomically or not at all.
type ApplyPulseInput struct {
	Record protocol.AgentRecord
	Event  protocol.PulseEvent
}

// RequirementRecord is a stored payment requirement plus its redemption mark.
type RequirementRecord struct {
	Requirement protocol.PaymentRequirement
	UsedAt      *int64
}

type Store interface {
	Close()

	GetParams(ctx context.Context) (protocol.ProtocolParams, bool, error)
	SaveParams(ctx context.Context, p protocol.ProtocolParams) error

	GetAgent(ctx context.Context, address string) (protocol.AgentRecord, bool, error)
	ListAgents(ctx context.Context) ([]protocol.AgentRecord, error)
	PutAgent(ctx context.Context, rec protocol.AgentRecord) error
	ApplyPulse(ctx context.Context, in ApplyPulseInput) error

	// ListAgentEvents returns the agent's trailing events ordered by
	// timestamp ascending, at most limit entries (0 means no limit).
	ListAgentEvents(ctx context.Context, address string, limit int) ([]protocol.PulseEvent, error)
	ListEventsSince(ctx context.Context, since int64) ([]protocol.PulseEvent, error)
	CountEvents(ctx context.Context) (int64, error)

	CreateRequirement(ctx context.Context, req protocol.PaymentRequirement) error
	GetRequirement(ctx context.Context, id string) (RequirementRecord, bool, error)
	// MarkRequirementUsed redeems a requirement exactly once; a second call
	// returns ErrRequirementUsed.
	MarkRequirementUsed(ctx context.Context, id string, usedAt int64) error

	SetMeta(ctx context.Context, key, value string) error
	GetMeta(ctx context.Context, key string) (string, bool, error)
}
