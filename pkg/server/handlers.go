// Copyright 2025 Certen Protocol
//
// API Handlers for intake, batching, commitments and proofs

package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-chi/chi/v5"

	"github.com/certen/vapp-engine/pkg/database"
	verrors "github.com/certen/vapp-engine/pkg/errors"
	"github.com/certen/vapp-engine/pkg/imt"
	"github.com/certen/vapp-engine/pkg/orchestrator"
)

// ========================================
// Intake
// ========================================

// SubmitTransactionRequest is the intake request body
type SubmitTransactionRequest struct {
	Amount int32 `json:"amount"`
}

// SubmitTransactionResponse echoes the assigned id
type SubmitTransactionResponse struct {
	ID        int64     `json:"id"`
	Amount    int32     `json:"amount"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Server) handleSubmitTransaction(w http.ResponseWriter, r *http.Request) {
	var req SubmitTransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	tx, err := s.repos.Transactions.Submit(r.Context(), req.Amount)
	if err != nil {
		s.writeKindedError(w, err)
		return
	}
	if s.metrics != nil {
		s.metrics.TransactionsSubmitted.Inc()
	}
	writeJSON(w, http.StatusCreated, SubmitTransactionResponse{
		ID:        tx.ID,
		Amount:    tx.Amount,
		CreatedAt: tx.CreatedAt,
	})
}

func (s *Server) handleUnbatchedCount(w http.ResponseWriter, r *http.Request) {
	count, err := s.repos.Transactions.CountUnbatched(r.Context())
	if err != nil {
		s.writeKindedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"unbatched": count})
}

// ========================================
// Batches
// ========================================

// CreateBatchRequest is the batch trigger request body
type CreateBatchRequest struct {
	Size int `json:"size,omitempty"`
}

// BatchResponse is the JSON shape of one batch
type BatchResponse struct {
	ID               int64      `json:"id"`
	PrevCounter      int64      `json:"prev_counter"`
	FinalCounter     int64      `json:"final_counter"`
	TransactionIDs   []int64    `json:"transaction_ids"`
	ProofStatus      string     `json:"proof_status"`
	ExternalProofID  string     `json:"external_proof_id,omitempty"`
	PostedToContract bool       `json:"posted_to_contract"`
	PostedAt         *time.Time `json:"posted_to_contract_at,omitempty"`
	MerkleRoot       string     `json:"merkle_root,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

func batchResponse(b *database.Batch, c *database.ADSCommitment) BatchResponse {
	resp := BatchResponse{
		ID:               b.ID,
		PrevCounter:      b.PrevCounter,
		FinalCounter:     b.FinalCounter,
		TransactionIDs:   b.TransactionIDs,
		ProofStatus:      string(b.ProofStatus),
		PostedToContract: b.PostedToContract,
		CreatedAt:        b.CreatedAt,
	}
	if b.ExternalProofID.Valid {
		resp.ExternalProofID = b.ExternalProofID.String
	}
	if b.PostedToContractAt.Valid {
		t := b.PostedToContractAt.Time
		resp.PostedAt = &t
	}
	if c != nil {
		resp.MerkleRoot = hexutil.Encode(c.MerkleRoot.Bytes())
	}
	return resp
}

func (s *Server) handleCreateBatch(w http.ResponseWriter, r *http.Request) {
	var req CreateBatchRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}

	result, err := s.orch.CreateBatch(r.Context(), req.Size, orchestrator.TriggerAPI)
	if err != nil {
		s.writeKindedError(w, err)
		return
	}
	if result == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"created": false})
		return
	}
	commitment := &database.ADSCommitment{BatchID: result.Batch.ID, MerkleRoot: result.Root}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"created": true,
		"batch":   batchResponse(result.Batch, commitment),
	})
}

func (s *Server) handleListBatches(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}
	batches, err := s.repos.Batches.ListRecent(r.Context(), limit)
	if err != nil {
		s.writeKindedError(w, err)
		return
	}
	out := make([]BatchResponse, 0, len(batches))
	for _, b := range batches {
		out = append(out, batchResponse(b, nil))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"batches": out})
}

func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid batch id")
		return
	}
	batch, err := s.repos.Batches.GetBatch(r.Context(), id)
	if err != nil {
		if verrors.Is(err, database.ErrBatchNotFound) {
			writeError(w, http.StatusNotFound, "batch not found")
			return
		}
		s.writeKindedError(w, err)
		return
	}
	commitment, err := s.repos.Batches.GetCommitment(r.Context(), id)
	if err != nil && !verrors.Is(err, database.ErrCommitmentNotFound) {
		s.writeKindedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, batchResponse(batch, commitment))
}

func (s *Server) handleMarkPosted(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid batch id")
		return
	}
	if err := s.repos.Batches.MarkPosted(r.Context(), id); err != nil {
		if verrors.Is(err, database.ErrBatchNotFound) {
			writeError(w, http.StatusNotFound, "batch not found")
			return
		}
		s.writeKindedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"posted": true})
}

func (s *Server) handleRetryProof(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid batch id")
		return
	}
	if err := s.handoff.Retry(r.Context(), id); err != nil {
		s.writeKindedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"resubmitted": true})
}

// ========================================
// State commitment and proofs
// ========================================

func (s *Server) handleStateCommitment(w http.ResponseWriter, r *http.Request) {
	root, err := s.ads.StateCommitment(r.Context())
	if err != nil {
		s.writeKindedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"commitment": hexutil.Encode(root.Bytes())})
}

func (s *Server) handleMembership(w http.ResponseWriter, r *http.Request) {
	value, ok := parseValue(w, r)
	if !ok {
		return
	}
	proof, err := s.ads.ProveMembership(r.Context(), value)
	if err != nil {
		s.writeKindedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, membershipJSON(proof))
}

func (s *Server) handleNonMembership(w http.ResponseWriter, r *http.Request) {
	value, ok := parseValue(w, r)
	if !ok {
		return
	}
	proof, err := s.ads.ProveNonMembership(r.Context(), value)
	if err != nil {
		s.writeKindedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"value": strconv.FormatUint(proof.Value, 10),
		"low":   membershipJSON(&proof.Low),
	})
}

func (s *Server) handleAuditTrail(w http.ResponseWriter, r *http.Request) {
	value, ok := parseValue(w, r)
	if !ok {
		return
	}
	events, err := s.ads.AuditTrail(r.Context(), value)
	if err != nil {
		s.writeKindedError(w, err)
		return
	}
	out := make([]map[string]interface{}, 0, len(events))
	for _, ev := range events {
		entry := map[string]interface{}{
			"event_id":    ev.EventID.String(),
			"event_type":  string(ev.EventType),
			"root_before": hexutil.Encode(ev.RootBefore.Bytes()),
			"root_after":  hexutil.Encode(ev.RootAfter.Bytes()),
			"created_at":  ev.CreatedAt,
		}
		if ev.Operator.Valid {
			entry["operator"] = ev.Operator.String
		}
		out = append(out, entry)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": out})
}

// membershipJSON hex-encodes a membership proof for the wire.
func membershipJSON(p *imt.MembershipProof) map[string]interface{} {
	siblings := make([]string, len(p.Siblings))
	for i, h := range p.Siblings {
		siblings[i] = hexutil.Encode(h.Bytes())
	}
	return map[string]interface{}{
		"value":      strconv.FormatUint(p.Value, 10),
		"next_value": strconv.FormatUint(p.NextValue, 10),
		"next_index": strconv.FormatUint(p.NextIndex, 10),
		"tree_index": strconv.FormatUint(p.TreeIndex, 10),
		"siblings":   siblings,
		"root":       hexutil.Encode(p.Root.Bytes()),
	}
}

// ========================================
// Health
// ========================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health, err := s.client.Health(r.Context())
	if err != nil || !health.Healthy {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status": "degraded", "database": health,
		})
		return
	}
	status := "ok"
	code := http.StatusOK
	if s.orch.Halted() {
		status = "halted"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]interface{}{"status": status, "database": health})
}

// ========================================
// Helpers
// ========================================

func parseValue(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	value, err := strconv.ParseUint(chi.URLParam(r, "value"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid nullifier value")
		return 0, false
	}
	return value, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeKindedError maps the engine's error taxonomy onto HTTP statuses.
func (s *Server) writeKindedError(w http.ResponseWriter, err error) {
	switch verrors.KindOf(err) {
	case verrors.KindInput:
		writeError(w, http.StatusBadRequest, err.Error())
	case verrors.KindNotFound:
		writeError(w, http.StatusNotFound, err.Error())
	case verrors.KindConflict:
		writeError(w, http.StatusConflict, err.Error())
	case verrors.KindIntegrity:
		s.logger.Printf("INTEGRITY fault surfaced to API: %v", err)
		writeError(w, http.StatusServiceUnavailable, "integrity fault: engine halted")
	case verrors.KindExternal:
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		s.logger.Printf("Internal error: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
