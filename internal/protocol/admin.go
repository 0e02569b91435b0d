package protocol

// Admin request bodies. The caller's address arrives out of band in the
// X-Caller-Address header, these carry only the operation arguments.

type UpdateHazardRequest struct {
	Agent string `json:"agent"`
	Score int    `json:"score"`
}

type SetTTLRequest struct {
	TTLSeconds int64 `json:"ttl_seconds"`
}

type SetMinPulseRequest struct {
	Amount Amount `json:"amount"`
}

type TransferOwnershipRequest struct {
	Candidate string `json:"candidate"`
}

type StatusOK struct {
	Status string `json:"status"`
}

type HealthResponse struct {
	Status     string `json:"status"`
	Service    string `json:"service,omitempty"`
	Version    string `json:"version,omitempty"`
	Paused     bool   `json:"paused"`
	TTLSeconds int64  `json:"ttl_seconds"`
	Agents     int    `json:"agents"`
}
