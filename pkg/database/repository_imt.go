// Copyright 2025 Certen Protocol
//
// IMT Repository - relational implementation of the tree store primitives
//
// Every method runs on the Querier handed in at construction; the callers
// (the ADS database scope and the orchestrator) bind it to a *sql.Tx for
// mutation so that any failure rolls back the whole insertion, and allocate_index takes the tree_state row lock that
// serializes tree mutation within the database.

package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/lib/pq"

	"github.com/certen/vapp-engine/pkg/imt"
)

// IMTRepository implements imt.Store against Postgres.
type IMTRepository struct {
	q Querier
}

// NewIMTRepository binds a repository to a connection or transaction.
func NewIMTRepository(q Querier) *IMTRepository {
	return &IMTRepository{q: q}
}

// GetRecord returns the nullifier record for value.
func (r *IMTRepository) GetRecord(ctx context.Context, value uint64) (*imt.Record, error) {
	query := `
		SELECT value, next_index, next_value, tree_index, active
		FROM nullifiers
		WHERE value = $1`

	rec, err := scanRecord(r.q.QueryRowContext(ctx, query, int64(value)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", imt.ErrNotFound, value)
	}
	if err != nil {
		return nil, classify("database.GetRecord", err)
	}
	return rec, nil
}

// FindLow returns the low nullifier for value and locks its row; the
// forward pointer is about to be rewritten.
func (r *IMTRepository) FindLow(ctx context.Context, value uint64) (*imt.Record, error) {
	query := `
		SELECT value, next_index, next_value, tree_index, active
		FROM nullifiers
		WHERE active AND value < $1 AND (next_value = 0 OR next_value > $1)
		ORDER BY value DESC
		LIMIT 1
		FOR UPDATE`

	rec, err := scanRecord(r.q.QueryRowContext(ctx, query, int64(value)))
	if errors.Is(err, sql.ErrNoRows) {
		// Cannot happen post-genesis: in the sorted list rooted at value 0,
		// some active record satisfies the predicate for every positive input.
		return nil, fmt.Errorf("%w: low nullifier for %d", imt.ErrNotFound, value)
	}
	if err != nil {
		return nil, classify("database.FindLow", err)
	}
	return rec, nil
}

// AllocateIndex claims the next leaf index under the tree_state row lock.
func (r *IMTRepository) AllocateIndex(ctx context.Context) (uint64, error) {
	query := `
		UPDATE tree_state
		SET next_available_index = next_available_index + 1, updated_at = NOW()
		WHERE id = 1
		RETURNING next_available_index - 1`

	var index int64
	if err := r.q.QueryRowContext(ctx, query).Scan(&index); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, imt.ErrNoTreeState
		}
		return 0, classify("database.AllocateIndex", err)
	}
	return uint64(index), nil
}

// InsertRecord inserts one nullifier row.
func (r *IMTRepository) InsertRecord(ctx context.Context, rec *imt.Record) error {
	query := `
		INSERT INTO nullifiers (value, next_index, next_value, tree_index, active)
		VALUES ($1, $2, $3, $4, $5)`

	_, err := r.q.ExecContext(ctx, query,
		int64(rec.Value), nextIndexParam(rec), int64(rec.NextValue), int64(rec.TreeIndex), rec.Active)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == pqUniqueViolation {
			return fmt.Errorf("%w: %d", imt.ErrDuplicate, rec.Value)
		}
		return classify("database.InsertRecord", err)
	}
	return nil
}

// RelinkLow rewrites the forward pointer of the low record.
func (r *IMTRepository) RelinkLow(ctx context.Context, lowValue, newNextIndex, newNextValue uint64) error {
	query := `
		UPDATE nullifiers
		SET next_index = $2, next_value = $3
		WHERE value = $1 AND active`

	result, err := r.q.ExecContext(ctx, query, int64(lowValue), int64(newNextIndex), int64(newNextValue))
	if err != nil {
		return classify("database.RelinkLow", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("%w: %d", imt.ErrNotFound, lowValue)
	}
	return nil
}

// UpsertNode writes one Merkle node.
func (r *IMTRepository) UpsertNode(ctx context.Context, level int, index uint64, hash common.Hash) error {
	query := `
		INSERT INTO merkle_nodes (level, node_index, hash, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (level, node_index)
		DO UPDATE SET hash = EXCLUDED.hash, updated_at = NOW()`

	if _, err := r.q.ExecContext(ctx, query, level, int64(index), hash.Bytes()); err != nil {
		return classify("database.UpsertNode", err)
	}
	return nil
}

// GetNode returns a stored node hash; ok is false when the node is not
// materialized and the caller should use the zero cache.
func (r *IMTRepository) GetNode(ctx context.Context, level int, index uint64) (common.Hash, bool, error) {
	query := `SELECT hash FROM merkle_nodes WHERE level = $1 AND node_index = $2`

	var raw []byte
	err := r.q.QueryRowContext(ctx, query, level, int64(index)).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return common.Hash{}, false, nil
	}
	if err != nil {
		return common.Hash{}, false, classify("database.GetNode", err)
	}
	return common.BytesToHash(raw), true, nil
}

// TreeState reads the singleton summary row.
func (r *IMTRepository) TreeState(ctx context.Context) (*imt.TreeState, error) {
	query := `SELECT root_hash, next_available_index, total_active, height FROM tree_state WHERE id = 1`

	var (
		raw               []byte
		nextIndex, active int64
		height            int
	)
	err := r.q.QueryRowContext(ctx, query).Scan(&raw, &nextIndex, &active, &height)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, imt.ErrNoTreeState
	}
	if err != nil {
		return nil, classify("database.TreeState", err)
	}
	return &imt.TreeState{
		Root:               common.BytesToHash(raw),
		NextAvailableIndex: uint64(nextIndex),
		TotalActive:        uint64(active),
		Height:             height,
	}, nil
}

// SetRootAndCounters commits a new root and adjusts the active count.
func (r *IMTRepository) SetRootAndCounters(ctx context.Context, root common.Hash, deltaActive int64) error {
	query := `
		UPDATE tree_state
		SET root_hash = $1, total_active = total_active + $2, updated_at = NOW()
		WHERE id = 1`

	result, err := r.q.ExecContext(ctx, query, root.Bytes(), deltaActive)
	if err != nil {
		return classify("database.SetRootAndCounters", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return imt.ErrNoTreeState
	}
	return nil
}

// SeedTreeState creates the singleton during genesis initialization.
func (r *IMTRepository) SeedTreeState(ctx context.Context, st *imt.TreeState) error {
	query := `
		INSERT INTO tree_state (id, root_hash, next_available_index, total_active, height)
		VALUES (1, $1, $2, $3, $4)`

	_, err := r.q.ExecContext(ctx, query,
		st.Root.Bytes(), int64(st.NextAvailableIndex), int64(st.TotalActive), st.Height)
	if err != nil {
		return classify("database.SeedTreeState", err)
	}
	return nil
}

// ActiveRecords returns every active nullifier ordered by tree index.
func (r *IMTRepository) ActiveRecords(ctx context.Context) ([]imt.Record, error) {
	query := `
		SELECT value, next_index, next_value, tree_index, active
		FROM nullifiers
		WHERE active
		ORDER BY tree_index ASC`

	rows, err := r.q.QueryContext(ctx, query)
	if err != nil {
		return nil, classify("database.ActiveRecords", err)
	}
	defer rows.Close()

	var out []imt.Record
	for rows.Next() {
		var (
			value, nextValue, treeIndex int64
			nextIndex                   sql.NullInt64
			active                      bool
		)
		if err := rows.Scan(&value, &nextIndex, &nextValue, &treeIndex, &active); err != nil {
			return nil, classify("database.ActiveRecords", err)
		}
		out = append(out, imt.Record{
			Value:     uint64(value),
			NextValue: uint64(nextValue),
			NextIndex: uint64(nextIndex.Int64),
			TreeIndex: uint64(treeIndex),
			Active:    active,
		})
	}
	return out, rows.Err()
}

// LockTreeState takes the tree_state row lock without modifying the row.
// The batch claim uses it to serialize the counter chain ahead of the
// allocation lock the insertions will take.
func (r *IMTRepository) LockTreeState(ctx context.Context) error {
	query := `SELECT id FROM tree_state WHERE id = 1 FOR UPDATE`

	var id int
	if err := r.q.QueryRowContext(ctx, query).Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return imt.ErrNoTreeState
		}
		return classify("database.LockTreeState", err)
	}
	return nil
}

// nextIndexParam maps the zero-sentinel pointer onto a NULL column.
func nextIndexParam(rec *imt.Record) interface{} {
	if rec.NextValue == 0 {
		return nil
	}
	return int64(rec.NextIndex)
}

// scanRecord scans one nullifier row.
func scanRecord(row *sql.Row) (*imt.Record, error) {
	var (
		value, nextValue, treeIndex int64
		nextIndex                   sql.NullInt64
		active                      bool
	)
	if err := row.Scan(&value, &nextIndex, &nextValue, &treeIndex, &active); err != nil {
		return nil, err
	}
	return &imt.Record{
		Value:     uint64(value),
		NextValue: uint64(nextValue),
		NextIndex: uint64(nextIndex.Int64),
		TreeIndex: uint64(treeIndex),
		Active:    active,
	}, nil
}

// Compile-time check that the repository satisfies the engine contract.
var _ imt.Store = (*IMTRepository)(nil)
