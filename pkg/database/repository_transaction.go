// Copyright 2025 Certen Protocol
//
// Transaction Repository - append-only intake of integer transactions

package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// TransactionRepository handles transaction intake and queries
type TransactionRepository struct {
	client *Client
}

// NewTransactionRepository creates a new transaction repository
func NewTransactionRepository(client *Client) *TransactionRepository {
	return &TransactionRepository{client: client}
}

// Submit appends one transaction and returns its monotonically assigned id
func (r *TransactionRepository) Submit(ctx context.Context, amount int32) (*Transaction, error) {
	query := `
		INSERT INTO transactions (amount)
		VALUES ($1)
		RETURNING id, amount, included_in_batch, created_at`

	tx := &Transaction{}
	err := r.client.QueryRowContext(ctx, query, amount).Scan(
		&tx.ID, &tx.Amount, &tx.IncludedInBatch, &tx.CreatedAt)
	if err != nil {
		return nil, classify("database.Submit", err)
	}
	return tx, nil
}

// GetTransaction retrieves a transaction by id
func (r *TransactionRepository) GetTransaction(ctx context.Context, id int64) (*Transaction, error) {
	query := `
		SELECT id, amount, included_in_batch, created_at
		FROM transactions
		WHERE id = $1`

	tx := &Transaction{}
	err := r.client.QueryRowContext(ctx, query, id).Scan(
		&tx.ID, &tx.Amount, &tx.IncludedInBatch, &tx.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, classify("database.GetTransaction", err)
	}
	return tx, nil
}

// CountUnbatched returns the number of transactions not yet claimed by any
// batch. The count-threshold trigger polls this.
func (r *TransactionRepository) CountUnbatched(ctx context.Context) (int64, error) {
	query := `SELECT COUNT(*) FROM transactions WHERE included_in_batch IS NULL`

	var count int64
	if err := r.client.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return 0, classify("database.CountUnbatched", err)
	}
	return count, nil
}

// ListUnbatched returns unclaimed transactions oldest-first, for
// operational inspection only; the claim path uses skip-locked selection.
func (r *TransactionRepository) ListUnbatched(ctx context.Context, limit int) ([]*Transaction, error) {
	query := `
		SELECT id, amount, included_in_batch, created_at
		FROM transactions
		WHERE included_in_batch IS NULL
		ORDER BY id ASC
		LIMIT $1`

	rows, err := r.client.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, classify("database.ListUnbatched", err)
	}
	defer rows.Close()

	var txs []*Transaction
	for rows.Next() {
		tx := &Transaction{}
		if err := rows.Scan(&tx.ID, &tx.Amount, &tx.IncludedInBatch, &tx.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}
