package protocol

// SignalType identifies one sellable derived signal. The alive check is not a
// SignalType: it is the free tier and never passes through the paid gate.
type SignalType string

const (
	SignalReliability SignalType = "reliability"
	SignalJitter      SignalType = "jitter"
	SignalHazard      SignalType = "hazard"
	SignalUptime      SignalType = "uptime"
	SignalStreak      SignalType = "streak"
	SignalRisk        SignalType = "risk"
	SignalCorrelation SignalType = "correlation"
	SignalNetwork     SignalType = "network"
)

func SignalTypes() []SignalType {
	return []SignalType{
		SignalReliability,
		SignalJitter,
		SignalHazard,
		SignalUptime,
		SignalStreak,
		SignalRisk,
		SignalCorrelation,
		SignalNetwork,
	}
}

func ParseSignalType(s string) (SignalType, bool) {
	for _, t := range SignalTypes() {
		if string(t) == s {
			return t, true
		}
	}
	return "", false
}

// NetworkScoped reports whether the signal is computed over the whole agent
// set rather than one subject address.
func (t SignalType) NetworkScoped() bool {
	return t == SignalCorrelation || t == SignalNetwork
}

type ReliabilityReport struct {
	Score         int      `json:"score"`
	UptimePercent float64  `json:"uptime_percent"`
	Streak        int64    `json:"streak"`
	Jitter        *float64 `json:"jitter,omitempty"`
	HazardRate    float64  `json:"hazard_rate"`
}

type JitterReport struct {
	CoefficientOfVariation float64 `json:"coefficient_of_variation"`
	MeanIntervalSeconds    float64 `json:"mean_interval_seconds"`
	SampleCount            int     `json:"sample_count"`
}

type HazardReport struct {
	Rate           float64 `json:"rate"`
	ElapsedSeconds int64   `json:"elapsed_seconds"`
	TTLSeconds     int64   `json:"ttl_seconds"`
	HighRisk       bool    `json:"high_risk"`
}

type UptimeReport struct {
	UptimePercent  float64 `json:"uptime_percent"`
	WindowSeconds  int64   `json:"window_seconds"`
	DowntimeEvents int     `json:"downtime_events"`
	MTTRSeconds    float64 `json:"mttr_seconds"`
	MTBFSeconds    float64 `json:"mtbf_seconds"`
}

type StreakReport struct {
	Current       int64 `json:"current"`
	Max           int64 `json:"max"`
	Consistency   int   `json:"consistency"`
	BreakDeadline int64 `json:"break_deadline"`
}

type RiskReport struct {
	Classification string  `json:"classification"`
	Confidence     float64 `json:"confidence"`
	HazardRate     float64 `json:"hazard_rate"`
	SampleCount    int     `json:"sample_count"`
}

type CorrelationPair struct {
	AgentA      string  `json:"agent_a"`
	AgentB      string  `json:"agent_b"`
	Coefficient float64 `json:"coefficient"`
}

type CorrelationReport struct {
	AgentCount int               `json:"agent_count"`
	Pairs      []CorrelationPair `json:"pairs"`
	Clusters   [][]string        `json:"clusters"`
}

type NetworkReport struct {
	TotalAgents        int     `json:"total_agents"`
	ActiveAgents       int     `json:"active_agents"`
	AverageStreak      float64 `json:"average_streak"`
	AverageReliability float64 `json:"average_reliability"`
	Health             string  `json:"health"`
}

// PaymentRequirement describes the payment a caller must present before a
// paid signal is served. Requirements are single-use and expire.
type PaymentRequirement struct {
	RequirementID string `json:"requirement_id"`
	Resource      string `json:"resource"`
	PriceAtomic   int64  `json:"price_atomic"`
	Asset         string `json:"asset"`
	Network       string `json:"network"`
	PayTo         string `json:"pay_to"`
	ExpiresAt     int64  `json:"expires_at"`
}

type PaymentRequiredResponse struct {
	Error   ErrorBody            `json:"error"`
	Accepts []PaymentRequirement `json:"accepts"`
}

// SignalResponse wraps every paid signal with its billing metadata.
type SignalResponse struct {
	Signal       SignalType `json:"signal"`
	Subject      string     `json:"subject,omitempty"`
	CacheSourced bool       `json:"cache_sourced"`
	PriceCharged int64      `json:"price_charged_atomic"`
	Asset        string     `json:"asset"`
	ComputedAt   int64      `json:"computed_at"`
	PaymentRef   string     `json:"payment_ref,omitempty"`
	Data         any        `json:"data"`

	// Attestation is present when the service is configured with a
	// signing key. The signature covers the JSON encoding of Data.
	Attestation *Attestation `json:"attestation,omitempty"`
}

// Attestation is an ed25519 signature over a served signal payload.
type Attestation struct {
	KeyID     string `json:"key_id"`
	Signature string `json:"signature"`
}
