package protocol

// Registry bounds. TTL and minimum pulse amount are owner-tunable but clamped
// to these protocol-wide maxima.
const (
	SecondsPerDay = int64(86400)
	MaxTTLSeconds = int64(30 * 86400)
	TokenDecimals = 18

	// HighRiskThreshold is the hazard rate above which an agent is reported
	// as at imminent risk of expiry.
	HighRiskThreshold = 0.85
)

// AgentRecord is the registry's per-agent state. Created implicitly on the
// first accepted pulse, never deleted; the burn history behind it is permanent.
type AgentRecord struct {
	Address       string `json:"address"`
	LastPulseAt   int64  `json:"last_pulse_at"`
	Streak        int64  `json:"streak"`
	LastStreakDay int64  `json:"last_streak_day"`
	HazardScore   int    `json:"hazard_score"`
	// SignalEpoch increments on every accepted pulse and is folded into
	// derived-signal cache keys so pre-pulse snapshots fall out of scope.
	SignalEpoch int64 `json:"signal_epoch"`
}

// ProtocolParams is the registry's global singleton configuration. SignalSink
// is fixed at initialization and never mutated afterwards.
type ProtocolParams struct {
	TTLSeconds     int64  `json:"ttl_seconds"`
	MinPulseAmount Amount `json:"min_pulse_amount"`
	Paused         bool   `json:"paused"`
	Owner          string `json:"owner"`
	PendingOwner   string `json:"pending_owner,omitempty"`
	SignalSink     string `json:"signal_sink"`
}

// PulseEvent is one entry of the append-only burn log, the canonical source
// for every derived signal.
type PulseEvent struct {
	Agent     string `json:"agent"`
	Amount    Amount `json:"amount"`
	Timestamp int64  `json:"timestamp"`
	Streak    int64  `json:"resulting_streak"`
}

type PulseRequest struct {
	Address string `json:"address"`
	Amount  Amount `json:"amount"`
}

type PulseResponse struct {
	Status    string `json:"status"`
	Agent     string `json:"agent"`
	Amount    Amount `json:"amount"`
	Timestamp int64  `json:"timestamp"`
	Streak    int64  `json:"streak"`
}

// AliveResponse keeps the field names the deployed v2 API exposed; external
// liveness filters parse these exact keys.
type AliveResponse struct {
	Address            string `json:"address"`
	IsAlive            bool   `json:"isAlive"`
	LastPulseTimestamp int64  `json:"lastPulseTimestamp"`
	Streak             int64  `json:"streak"`
	StalenessSeconds   int64  `json:"stalenessSeconds"`
	TTLSeconds         int64  `json:"ttlSeconds"`
}

type AgentStatusResponse struct {
	Address     string `json:"address"`
	Alive       bool   `json:"alive"`
	LastPulseAt int64  `json:"last_pulse_at"`
	Streak      int64  `json:"streak"`
	HazardScore int    `json:"hazard_score"`
}

type ErrorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}
