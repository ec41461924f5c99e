// Copyright 2025 Certen Protocol
//
// Prover Handoff - submission, proof-status state machine and recovery
//
// Lifecycle states:
// - pending: batch sealed, proof not yet confirmed
// - proven:  proof confirmed (terminal)
// - failed:  prover rejected the batch; explicit retry returns to pending
//
// Submission is idempotent keyed by batch id: a replay observes the
// recorded external identifier instead of submitting again.

package prover

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/certen/vapp-engine/pkg/database"
	verrors "github.com/certen/vapp-engine/pkg/errors"
	"github.com/certen/vapp-engine/pkg/metrics"
)

// StateTransition represents a valid proof-status transition
type StateTransition struct {
	From database.ProofStatus
	To   database.ProofStatus
}

// ValidTransitions defines all valid proof-status transitions
var ValidTransitions = []StateTransition{
	{database.ProofStatusPending, database.ProofStatusProven},
	{database.ProofStatusPending, database.ProofStatusFailed},
	{database.ProofStatusFailed, database.ProofStatusPending},
}

// IsValidTransition checks if a proof-status transition is allowed.
func IsValidTransition(from, to database.ProofStatus) bool {
	for _, t := range ValidTransitions {
		if t.From == from && t.To == to {
			return true
		}
	}
	return false
}

// BatchStore is the slice of the batch repository the handoff needs.
type BatchStore interface {
	GetBatch(ctx context.Context, id int64) (*database.Batch, error)
	TransactionsInBatch(ctx context.Context, batchID int64) ([]*database.Transaction, error)
	RecordProofSubmission(ctx context.Context, id int64, externalID string) error
	TransitionProofStatus(ctx context.Context, id int64, from, to database.ProofStatus) (bool, error)
	PendingSubmission(ctx context.Context, limit int) ([]*database.Batch, error)
	AwaitingProof(ctx context.Context, limit int) ([]*database.Batch, error)
}

// Config holds handoff configuration
type Config struct {
	RecoveryInterval time.Duration
	RecoveryLimit    int
	Logger           *log.Logger
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	return &Config{
		RecoveryInterval: 15 * time.Second,
		RecoveryLimit:    50,
		Logger:           log.New(log.Writer(), "[ProverHandoff] ", log.LstdFlags),
	}
}

// Handoff submits batches to the proving service and applies the status
// state machine.
type Handoff struct {
	store   BatchStore
	client  Client
	metrics *metrics.Metrics

	recoveryInterval time.Duration
	recoveryLimit    int
	logger           *log.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewHandoff creates a handoff service.
func NewHandoff(store BatchStore, client Client, m *metrics.Metrics, cfg *Config) *Handoff {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(log.Writer(), "[ProverHandoff] ", log.LstdFlags)
	}
	return &Handoff{
		store:            store,
		client:           client,
		metrics:          m,
		recoveryInterval: cfg.RecoveryInterval,
		recoveryLimit:    cfg.RecoveryLimit,
		logger:           cfg.Logger,
	}
}

// Submit hands one batch to the prover. Idempotent under replay: a batch
// that already carries an external identifier is refreshed, not
// resubmitted, and a proven batch is left untouched.
func (h *Handoff) Submit(ctx context.Context, batchID int64) error {
	const op = "prover.Submit"

	batch, err := h.store.GetBatch(ctx, batchID)
	if err != nil {
		return verrors.E(verrors.KindInternal, op, err)
	}
	if batch.ProofStatus == database.ProofStatusProven {
		return nil
	}
	if batch.ExternalProofID.Valid {
		return h.Refresh(ctx, batch)
	}

	txs, err := h.store.TransactionsInBatch(ctx, batchID)
	if err != nil {
		return verrors.E(verrors.KindInternal, op, err)
	}
	job := &Job{
		BatchID:      batch.ID,
		PrevCounter:  batch.PrevCounter,
		FinalCounter: batch.FinalCounter,
		Amounts:      make([]int32, len(txs)),
	}
	for i, t := range txs {
		job.Amounts[i] = t.Amount
	}

	externalID, err := h.client.Submit(ctx, job)
	if err != nil {
		if verrors.Is(err, ErrRejected) {
			h.count("rejected")
			if _, terr := h.store.TransitionProofStatus(ctx, batchID,
				database.ProofStatusPending, database.ProofStatusFailed); terr != nil {
				return verrors.E(verrors.KindInternal, op, terr)
			}
			h.logger.Printf("batch %d rejected by prover: %v", batchID, err)
			return verrors.E(verrors.KindInput, op, err)
		}
		// Unreachable prover: the batch stays pending and the recovery
		// loop resubmits it.
		h.count("unreachable")
		return verrors.E(verrors.KindExternal, op, err)
	}

	if err := h.store.RecordProofSubmission(ctx, batchID, externalID); err != nil {
		return verrors.E(verrors.KindInternal, op, err)
	}
	h.count("submitted")
	h.logger.Printf("batch %d submitted (proof_id=%s)", batchID, externalID)
	return nil
}

// Refresh polls the prover for a submitted batch and applies the result.
func (h *Handoff) Refresh(ctx context.Context, batch *database.Batch) error {
	const op = "prover.Refresh"

	if batch.ProofStatus != database.ProofStatusPending || !batch.ExternalProofID.Valid {
		return nil
	}
	status, err := h.client.Status(ctx, batch.ExternalProofID.String)
	if err != nil {
		return verrors.E(verrors.KindExternal, op, err)
	}
	if status == database.ProofStatusPending {
		return nil
	}
	if !IsValidTransition(batch.ProofStatus, status) {
		return verrors.Ef(verrors.KindInternal, op,
			"invalid proof status transition %s -> %s for batch %d", batch.ProofStatus, status, batch.ID)
	}
	moved, err := h.store.TransitionProofStatus(ctx, batch.ID, batch.ProofStatus, status)
	if err != nil {
		return verrors.E(verrors.KindInternal, op, err)
	}
	if moved {
		h.count(string(status))
		h.logger.Printf("batch %d proof %s (proof_id=%s)", batch.ID, status, batch.ExternalProofID.String)
	}
	return nil
}

// Retry explicitly moves a failed batch back to pending and resubmits it.
func (h *Handoff) Retry(ctx context.Context, batchID int64) error {
	const op = "prover.Retry"

	moved, err := h.store.TransitionProofStatus(ctx, batchID,
		database.ProofStatusFailed, database.ProofStatusPending)
	if err != nil {
		return verrors.E(verrors.KindInternal, op, err)
	}
	if !moved {
		return verrors.Ef(verrors.KindInput, op, "batch %d is not in failed state", batchID)
	}
	return h.Submit(ctx, batchID)
}

// Start launches the recovery loop: it resubmits batches that never
// reached the prover and polls the ones awaiting a verdict.
func (h *Handoff) Start(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return
	}
	h.stopCh = make(chan struct{})
	h.doneCh = make(chan struct{})
	h.running = true

	go h.run(ctx)
	h.logger.Printf("Recovery loop started (interval=%s)", h.recoveryInterval)
}

// Stop halts the recovery loop.
func (h *Handoff) Stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	close(h.stopCh)
	h.running = false
	h.mu.Unlock()

	<-h.doneCh
	h.logger.Println("Recovery loop stopped")
}

// run is the recovery loop body.
func (h *Handoff) run(ctx context.Context) {
	defer close(h.doneCh)

	ticker := time.NewTicker(h.recoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.recoverOnce(ctx)
		}
	}
}

// recoverOnce performs one recovery sweep.
func (h *Handoff) recoverOnce(ctx context.Context) {
	unsent, err := h.store.PendingSubmission(ctx, h.recoveryLimit)
	if err != nil {
		h.logger.Printf("Recovery sweep failed to list unsent batches: %v", err)
	}
	for _, b := range unsent {
		if err := h.Submit(ctx, b.ID); err != nil {
			h.logger.Printf("Recovery resubmission of batch %d failed: %v", b.ID, err)
		}
	}

	awaiting, err := h.store.AwaitingProof(ctx, h.recoveryLimit)
	if err != nil {
		h.logger.Printf("Recovery sweep failed to list awaiting batches: %v", err)
	}
	for _, b := range awaiting {
		if err := h.Refresh(ctx, b); err != nil {
			h.logger.Printf("Recovery refresh of batch %d failed: %v", b.ID, err)
		}
	}

	if h.metrics != nil {
		h.metrics.PendingBatches.Set(float64(len(unsent) + len(awaiting)))
	}
}

// count increments the submissions counter when metrics are wired.
func (h *Handoff) count(outcome string) {
	if h.metrics != nil {
		h.metrics.ProverSubmissions.WithLabelValues(outcome).Inc()
	}
}
