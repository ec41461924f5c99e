// Copyright 2025 Certen Protocol
//
// Prover service client
//
// The proving protocol is opaque to the engine: it submits the counter
// transition with the transaction amounts and records whatever identifier
// the service returns. Proof bytes never enter the core.

package prover

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/certen/vapp-engine/pkg/database"
)

// ErrRejected marks a submission the prover refused as invalid, as
// opposed to a transport failure.
var ErrRejected = errors.New("prover rejected the batch")

// Job is the proving input for one batch: the counter transition and the
// ordered transaction amounts.
type Job struct {
	BatchID      int64   `json:"batch_id"`
	PrevCounter  int64   `json:"prev_counter"`
	FinalCounter int64   `json:"final_counter"`
	Amounts      []int32 `json:"amounts"`
}

// Client is the boundary to the external proving service.
type Client interface {
	// Submit sends a job and returns the service's opaque identifier.
	Submit(ctx context.Context, job *Job) (string, error)

	// Status reports the proving state for an identifier.
	Status(ctx context.Context, externalID string) (database.ProofStatus, error)
}

// HTTPClient talks JSON over HTTP to a proving service.
type HTTPClient struct {
	baseURL string
	http    *http.Client
}

// NewHTTPClient creates a client for the given base URL.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

// Submit posts the job and returns the returned proof identifier.
func (c *HTTPClient) Submit(ctx context.Context, job *Job) (string, error) {
	body, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("failed to encode job: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/proofs", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("prover unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("%w: %s: %s", ErrRejected, resp.Status, payload)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return "", fmt.Errorf("prover returned %s", resp.Status)
	}

	var out struct {
		ProofID string `json:"proof_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode prover response: %w", err)
	}
	if out.ProofID == "" {
		return "", fmt.Errorf("prover returned empty proof id")
	}
	return out.ProofID, nil
}

// Status fetches the proving state for an identifier.
func (c *HTTPClient) Status(ctx context.Context, externalID string) (database.ProofStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/proofs/"+externalID, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("prover unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("prover returned %s", resp.Status)
	}

	var out struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode prover response: %w", err)
	}
	switch out.Status {
	case "pending", "proven", "failed":
		return database.ProofStatus(out.Status), nil
	default:
		return "", fmt.Errorf("prover returned unknown status %q", out.Status)
	}
}

var _ Client = (*HTTPClient)(nil)
