// Package settlement verifies payment proofs against an external
// facilitator. The gate relies on its three-way error split: an invalid
// proof and an expired proof are both terminal for the caller, while an
// unreachable facilitator is a retryable outage that must never read as a
// caller mistake.
package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/consensus-hq/agent-pulse-sub000/internal/protocol"
)

var (
	ErrProofInvalid = errors.New("settlement: payment proof invalid")
	ErrProofExpired = errors.New("settlement: payment proof expired")
	ErrUnavailable  = errors.New("settlement: facilitator unavailable")
)

// Proof is the caller-supplied evidence of an on-chain payment.
type Proof struct {
	RequirementID string `json:"requirement_id"`
	Payer         string `json:"payer"`
	TxHash        string `json:"tx_hash"`
	Signature     string `json:"signature"`
}

type Verifier interface {
	Verify(ctx context.Context, proof Proof, requirement protocol.PaymentRequirement) error
}

// HTTPVerifier submits proofs to a facilitator endpoint for verification.
type HTTPVerifier struct {
	baseURL    string
	httpClient *http.Client
}

type HTTPVerifierParams struct {
	BaseURL string
	Timeout time.Duration
}

func NewHTTPVerifier(params HTTPVerifierParams) (*HTTPVerifier, error) {
	if params.BaseURL == "" {
		return nil, fmt.Errorf("facilitator base url is required")
	}
	if params.Timeout <= 0 {
		params.Timeout = 10 * time.Second
	}
	return &HTTPVerifier{
		baseURL:    strings.TrimRight(params.BaseURL, "/"),
		httpClient: &http.Client{Timeout: params.Timeout},
	}, nil
}

type verifyRequest struct {
	Proof       Proof                      `json:"proof"`
	Requirement protocol.PaymentRequirement `json:"requirement"`
}

type verifyResponse struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

func (v *HTTPVerifier) Verify(ctx context.Context, proof Proof, requirement protocol.PaymentRequirement) error {
	body, err := json.Marshal(verifyRequest{Proof: proof, Requirement: requirement})
	if err != nil {
		return fmt.Errorf("marshal verify request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.baseURL+"/verify", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build verify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: facilitator returned %d", ErrUnavailable, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: facilitator returned %d", ErrProofInvalid, resp.StatusCode)
	}

	var out verifyResponse
	dec := json.NewDecoder(resp.Body)
	if err := dec.Decode(&out); err != nil {
		return fmt.Errorf("%w: decode facilitator response: %v", ErrUnavailable, err)
	}
	if out.Valid {
		return nil
	}
	if strings.Contains(strings.ToLower(out.Reason), "expire") {
		return fmt.Errorf("%w: %s", ErrProofExpired, out.Reason)
	}
	return fmt.Errorf("%w: %s", ErrProofInvalid, out.Reason)
}

// StaticVerifier accepts any proof that names the requirement it is redeemed
// against and carries a non-empty signature. It backs local development and
// tests where no facilitator runs.
type StaticVerifier struct{}

func (StaticVerifier) Verify(_ context.Context, proof Proof, requirement protocol.PaymentRequirement) error {
	if proof.RequirementID != requirement.RequirementID {
		return fmt.Errorf("%w: proof targets requirement %q", ErrProofInvalid, proof.RequirementID)
	}
	if proof.Signature == "" {
		return fmt.Errorf("%w: missing signature", ErrProofInvalid)
	}
	return nil
}
