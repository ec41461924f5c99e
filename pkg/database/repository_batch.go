// Copyright 2025 Certen Protocol
//
// Batch Repository - counter chain, race-free claim, proof status and
// ADS commitment rows

package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/lib/pq"

	verrors "github.com/certen/vapp-engine/pkg/errors"
)

// BatchRepository handles batch and commitment operations
type BatchRepository struct {
	client *Client
}

// NewBatchRepository creates a new batch repository
func NewBatchRepository(client *Client) *BatchRepository {
	return &BatchRepository{client: client}
}

const batchColumns = `id, prev_counter, final_counter, transaction_ids, proof_status,
		external_proof_id, posted_to_contract, posted_to_contract_at, created_at, updated_at`

// Claim atomically claims up to n unbatched transactions oldest-first and
// creates the batch row carrying the counter transition. Runs on the
// caller's transaction; the caller must have taken the tree_state row lock
// first so that concurrent claimants serialize the counter chain, while
// skip-locked selection keeps their row sets disjoint.
//
// Returns (nil, nil, nil) when no unbatched transactions exist.
func (r *BatchRepository) Claim(ctx context.Context, tx *sql.Tx, n int) (*Batch, []*Transaction, error) {
	// Current counter: final_counter of the most recent batch regardless
	// of proof status, 0 if none. Continuity across asynchronous proving.
	var prev int64
	err := tx.QueryRowContext(ctx,
		`SELECT final_counter FROM batches ORDER BY id DESC LIMIT 1`).Scan(&prev)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, nil, classify("database.Claim", err)
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT id, amount, included_in_batch, created_at
		FROM transactions
		WHERE included_in_batch IS NULL
		ORDER BY id ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED`, n)
	if err != nil {
		return nil, nil, classify("database.Claim", err)
	}
	defer rows.Close()

	var (
		claimed []*Transaction
		ids     []int64
		total   int64
	)
	for rows.Next() {
		t := &Transaction{}
		if err := rows.Scan(&t.ID, &t.Amount, &t.IncludedInBatch, &t.CreatedAt); err != nil {
			return nil, nil, classify("database.Claim", err)
		}
		claimed = append(claimed, t)
		ids = append(ids, t.ID)
		total += int64(t.Amount)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, classify("database.Claim", err)
	}
	if len(claimed) == 0 {
		return nil, nil, nil
	}

	batch := &Batch{
		PrevCounter:    prev,
		FinalCounter:   prev + total,
		TransactionIDs: ids,
		ProofStatus:    ProofStatusPending,
	}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO batches (prev_counter, final_counter, transaction_ids, proof_status)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at, updated_at`,
		batch.PrevCounter, batch.FinalCounter, pq.Array(batch.TransactionIDs), batch.ProofStatus,
	).Scan(&batch.ID, &batch.CreatedAt, &batch.UpdatedAt)
	if err != nil {
		return nil, nil, classify("database.Claim", err)
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE transactions
		SET included_in_batch = $1
		WHERE id = ANY($2) AND included_in_batch IS NULL`,
		batch.ID, pq.Array(ids))
	if err != nil {
		return nil, nil, classify("database.Claim", err)
	}
	affected, _ := result.RowsAffected()
	if affected != int64(len(ids)) {
		// A claimed row was batched underneath us despite the row locks.
		return nil, nil, verrors.Ef(verrors.KindConflict, "database.Claim",
			"claimed %d transactions but stamped %d", len(ids), affected)
	}

	for _, t := range claimed {
		t.IncludedInBatch = sql.NullInt64{Int64: batch.ID, Valid: true}
	}
	return batch, claimed, nil
}

// GetBatch retrieves a batch by id
func (r *BatchRepository) GetBatch(ctx context.Context, id int64) (*Batch, error) {
	query := `SELECT ` + batchColumns + ` FROM batches WHERE id = $1`
	return scanBatch(r.client.QueryRowContext(ctx, query, id))
}

// ListRecent returns the newest batches, newest first
func (r *BatchRepository) ListRecent(ctx context.Context, limit int) ([]*Batch, error) {
	query := `SELECT ` + batchColumns + ` FROM batches ORDER BY id DESC LIMIT $1`

	rows, err := r.client.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, classify("database.ListRecent", err)
	}
	defer rows.Close()

	var batches []*Batch
	for rows.Next() {
		b, err := scanBatchRows(rows)
		if err != nil {
			return nil, err
		}
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

// RecordProofSubmission stores the external proof id for a batch. The
// first submission wins; a replay observes the already-recorded id.
func (r *BatchRepository) RecordProofSubmission(ctx context.Context, id int64, externalID string) error {
	query := `
		UPDATE batches
		SET external_proof_id = $2, updated_at = NOW()
		WHERE id = $1 AND external_proof_id IS NULL`

	if _, err := r.client.ExecContext(ctx, query, id, externalID); err != nil {
		return classify("database.RecordProofSubmission", err)
	}
	return nil
}

// TransitionProofStatus moves a batch's proof status from one state to
// another. Returns without effect when the batch is not in the expected
// state, so the FSM in pkg/prover stays authoritative.
func (r *BatchRepository) TransitionProofStatus(ctx context.Context, id int64, from, to ProofStatus) (bool, error) {
	query := `
		UPDATE batches
		SET proof_status = $3, updated_at = NOW()
		WHERE id = $1 AND proof_status = $2`

	result, err := r.client.ExecContext(ctx, query, id, from, to)
	if err != nil {
		return false, classify("database.TransitionProofStatus", err)
	}
	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

// PendingSubmission returns pending batches that never reached the prover,
// oldest first. The recovery loop re-submits them.
func (r *BatchRepository) PendingSubmission(ctx context.Context, limit int) ([]*Batch, error) {
	query := `SELECT ` + batchColumns + `
		FROM batches
		WHERE proof_status = 'pending' AND external_proof_id IS NULL
		ORDER BY id ASC
		LIMIT $1`

	rows, err := r.client.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, classify("database.PendingSubmission", err)
	}
	defer rows.Close()

	var batches []*Batch
	for rows.Next() {
		b, err := scanBatchRows(rows)
		if err != nil {
			return nil, err
		}
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

// AwaitingProof returns submitted batches still pending, for status polls.
func (r *BatchRepository) AwaitingProof(ctx context.Context, limit int) ([]*Batch, error) {
	query := `SELECT ` + batchColumns + `
		FROM batches
		WHERE proof_status = 'pending' AND external_proof_id IS NOT NULL
		ORDER BY id ASC
		LIMIT $1`

	rows, err := r.client.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, classify("database.AwaitingProof", err)
	}
	defer rows.Close()

	var batches []*Batch
	for rows.Next() {
		b, err := scanBatchRows(rows)
		if err != nil {
			return nil, err
		}
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

// TransactionsInBatch returns the transactions a batch claimed, in
// claimed (id) order.
func (r *BatchRepository) TransactionsInBatch(ctx context.Context, batchID int64) ([]*Transaction, error) {
	query := `
		SELECT id, amount, included_in_batch, created_at
		FROM transactions
		WHERE included_in_batch = $1
		ORDER BY id ASC`

	rows, err := r.client.QueryContext(ctx, query, batchID)
	if err != nil {
		return nil, classify("database.TransactionsInBatch", err)
	}
	defer rows.Close()

	var txs []*Transaction
	for rows.Next() {
		t := &Transaction{}
		if err := rows.Scan(&t.ID, &t.Amount, &t.IncludedInBatch, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		txs = append(txs, t)
	}
	return txs, rows.Err()
}

// MarkPosted stamps a batch as acknowledged by the settlement layer
func (r *BatchRepository) MarkPosted(ctx context.Context, id int64) error {
	query := `
		UPDATE batches
		SET posted_to_contract = TRUE, posted_to_contract_at = NOW(), updated_at = NOW()
		WHERE id = $1`

	result, err := r.client.ExecContext(ctx, query, id)
	if err != nil {
		return classify("database.MarkPosted", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrBatchNotFound
	}
	return nil
}

// ============================================================================
// ADS COMMITMENT OPERATIONS
// ============================================================================

// InsertCommitment writes the ads_commitments row binding a batch to the
// root its insertions produced. Runs on the orchestrator's transaction.
func (r *BatchRepository) InsertCommitment(ctx context.Context, tx *sql.Tx, batchID int64, root common.Hash) error {
	query := `INSERT INTO ads_commitments (batch_id, merkle_root) VALUES ($1, $2)`

	if _, err := tx.ExecContext(ctx, query, batchID, root.Bytes()); err != nil {
		return classify("database.InsertCommitment", err)
	}
	return nil
}

// GetCommitment retrieves the ADS commitment for a batch
func (r *BatchRepository) GetCommitment(ctx context.Context, batchID int64) (*ADSCommitment, error) {
	query := `SELECT batch_id, merkle_root, created_at FROM ads_commitments WHERE batch_id = $1`

	var (
		c   ADSCommitment
		raw []byte
	)
	err := r.client.QueryRowContext(ctx, query, batchID).Scan(&c.BatchID, &raw, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCommitmentNotFound
	}
	if err != nil {
		return nil, classify("database.GetCommitment", err)
	}
	c.MerkleRoot = common.BytesToHash(raw)
	return &c, nil
}

// ============================================================================
// SCAN HELPERS
// ============================================================================

func scanBatch(row *sql.Row) (*Batch, error) {
	b := &Batch{}
	var ids pq.Int64Array
	err := row.Scan(&b.ID, &b.PrevCounter, &b.FinalCounter, &ids, &b.ProofStatus,
		&b.ExternalProofID, &b.PostedToContract, &b.PostedToContractAt, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBatchNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan batch: %w", err)
	}
	b.TransactionIDs = []int64(ids)
	return b, nil
}

func scanBatchRows(rows *sql.Rows) (*Batch, error) {
	b := &Batch{}
	var ids pq.Int64Array
	err := rows.Scan(&b.ID, &b.PrevCounter, &b.FinalCounter, &ids, &b.ProofStatus,
		&b.ExternalProofID, &b.PostedToContract, &b.PostedToContractAt, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to scan batch: %w", err)
	}
	b.TransactionIDs = []int64(ids)
	return b, nil
}
