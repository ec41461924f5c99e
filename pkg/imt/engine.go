// Copyright 2025 Certen Protocol
//
// IMT Engine - insertion, proof generation and chain validation
//
// Insertion follows the seven-step indexed-merkle-tree algorithm: locate
// the low nullifier, check uniqueness and range, allocate a leaf index,
// splice the new record into the sorted linked list, rewire the low
// record, and recompute the two dirty Merkle paths. The two comparisons of
// the range check are exactly the constraints the downstream circuit
// re-proves.

package imt

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	verrors "github.com/certen/vapp-engine/pkg/errors"
)

// Engine implements tree mutation and proof generation over a Store. The
// engine itself is stateless; the store passed to each call scopes the
// database transaction.
type Engine struct {
	hasher *Hasher
	zeros  *ZeroCache
}

// NewEngine creates an engine with a fresh hasher and zero cache.
func NewEngine() *Engine {
	h := NewHasher()
	return &Engine{hasher: h, zeros: NewZeroCache(h)}
}

// Hasher exposes the engine's hasher for proof verification helpers.
func (e *Engine) Hasher() *Hasher { return e.hasher }

// Zeros exposes the precomputed empty-subtree digests.
func (e *Engine) Zeros() *ZeroCache { return e.zeros }

// InsertResult reports one completed insertion.
type InsertResult struct {
	Value      uint64
	TreeIndex  uint64
	RootBefore common.Hash
	Root       common.Hash
}

// EnsureGenesis initializes the tree if the singleton is absent: one
// permanent record with value 0 at index 0, pointing nowhere. Idempotent.
func (e *Engine) EnsureGenesis(ctx context.Context, st Store) (*TreeState, error) {
	state, err := st.TreeState(ctx)
	if err == nil {
		return state, nil
	}
	if !verrors.Is(err, ErrNoTreeState) {
		return nil, err
	}

	genesis := &Record{Value: 0, NextValue: 0, NextIndex: 0, TreeIndex: 0, Active: true}
	if err := st.InsertRecord(ctx, genesis); err != nil {
		return nil, verrors.E(verrors.KindInternal, "imt.EnsureGenesis", err)
	}
	leaf := e.hasher.HashLeaf(genesis.Value, genesis.NextValue, genesis.NextIndex)
	if err := st.UpsertNode(ctx, 0, 0, leaf); err != nil {
		return nil, verrors.E(verrors.KindInternal, "imt.EnsureGenesis", err)
	}
	root, err := e.recomputePath(ctx, st, 0)
	if err != nil {
		return nil, err
	}
	state = &TreeState{
		Root:               root,
		NextAvailableIndex: 1,
		TotalActive:        1,
		Height:             TreeHeight,
	}
	if err := st.SeedTreeState(ctx, state); err != nil {
		return nil, verrors.E(verrors.KindInternal, "imt.EnsureGenesis", err)
	}
	return state, nil
}

// Insert adds one nullifier value to the tree and returns the new root.
func (e *Engine) Insert(ctx context.Context, st Store, value uint64) (*InsertResult, error) {
	const op = "imt.Insert"

	// Zero is reserved for the genesis sentinel; 2^63-1 bounds the value.
	if value == 0 || value > MaxNullifier {
		return nil, verrors.Ef(verrors.KindInput, op, "%w: %d", ErrOutOfRange, value)
	}

	state, err := st.TreeState(ctx)
	if err != nil {
		return nil, verrors.E(verrors.KindInternal, op, err)
	}

	// Step 2: uniqueness.
	if existing, err := st.GetRecord(ctx, value); err == nil && existing.Active {
		return nil, verrors.Ef(verrors.KindInput, op, "%w: %d", ErrDuplicate, value)
	} else if err != nil && !verrors.Is(err, ErrNotFound) {
		return nil, verrors.E(verrors.KindInternal, op, err)
	}

	// Step 1: locate the low nullifier.
	low, err := st.FindLow(ctx, value)
	if err != nil {
		return nil, verrors.E(verrors.KindInternal, op, err)
	}

	// Step 3: range check. These two comparisons are the circuit's range
	// constraints; a violation here means the linked list is corrupt.
	if low.Value >= value || (low.NextValue != 0 && value >= low.NextValue) {
		return nil, verrors.Ef(verrors.KindIntegrity, op,
			"%w: low=(%d -> %d) for value %d", ErrChainBroken, low.Value, low.NextValue, value)
	}

	// The low leaf's stored path must still fold to the committed root;
	// a mismatch means a node row was altered out-of-band.
	if err := e.verifyStoredPath(ctx, st, low, state.Root); err != nil {
		return nil, err
	}

	// Step 4: allocate the leaf index under the tree-state row lock.
	index, err := st.AllocateIndex(ctx)
	if err != nil {
		return nil, err
	}

	// Step 5: splice the new record, inheriting the low record's pointer.
	rec := &Record{
		Value:     value,
		NextValue: low.NextValue,
		NextIndex: low.NextIndex,
		TreeIndex: index,
		Active:    true,
	}
	if err := st.InsertRecord(ctx, rec); err != nil {
		if verrors.Is(err, ErrDuplicate) {
			return nil, verrors.Ef(verrors.KindInput, op, "%w: %d", ErrDuplicate, value)
		}
		return nil, verrors.E(verrors.KindInternal, op, err)
	}

	// Step 6: rewire the low record to point at the new one.
	if err := st.RelinkLow(ctx, low.Value, index, value); err != nil {
		return nil, verrors.E(verrors.KindInternal, op, err)
	}

	// Step 7: recompute both dirty paths. The low leaf changed because its
	// pointer is part of the leaf digest; the new leaf is fresh.
	lowLeaf := e.hasher.HashLeaf(low.Value, value, index)
	if err := st.UpsertNode(ctx, 0, low.TreeIndex, lowLeaf); err != nil {
		return nil, verrors.E(verrors.KindInternal, op, err)
	}
	newLeaf := e.hasher.HashLeaf(rec.Value, rec.NextValue, rec.NextIndex)
	if err := st.UpsertNode(ctx, 0, rec.TreeIndex, newLeaf); err != nil {
		return nil, verrors.E(verrors.KindInternal, op, err)
	}
	if _, err := e.recomputePath(ctx, st, low.TreeIndex); err != nil {
		return nil, err
	}
	root, err := e.recomputePath(ctx, st, rec.TreeIndex)
	if err != nil {
		return nil, err
	}
	if err := st.SetRootAndCounters(ctx, root, +1); err != nil {
		return nil, verrors.E(verrors.KindInternal, op, err)
	}

	return &InsertResult{
		Value:      value,
		TreeIndex:  index,
		RootBefore: state.Root,
		Root:       root,
	}, nil
}

// recomputePath rehashes the path from the leaf at index to the root,
// reading siblings from the store with the zero cache as fallback, and
// returns the new root. The leaf node itself must already be written.
func (e *Engine) recomputePath(ctx context.Context, st Store, index uint64) (common.Hash, error) {
	const op = "imt.recomputePath"

	current, err := e.node(ctx, st, 0, index)
	if err != nil {
		return common.Hash{}, verrors.E(verrors.KindInternal, op, err)
	}
	for level := 0; level < TreeHeight; level++ {
		sibling, err := e.node(ctx, st, level, index^1)
		if err != nil {
			return common.Hash{}, verrors.E(verrors.KindInternal, op, err)
		}
		var parent common.Hash
		if index%2 == 0 {
			parent = e.hasher.HashPair(current, sibling)
		} else {
			parent = e.hasher.HashPair(sibling, current)
		}
		index /= 2
		if err := st.UpsertNode(ctx, level+1, index, parent); err != nil {
			return common.Hash{}, verrors.E(verrors.KindInternal, op, err)
		}
		current = parent
	}
	return current, nil
}

// verifyStoredPath folds the record's leaf digest up through the stored
// sibling nodes and compares the result to the committed root.
func (e *Engine) verifyStoredPath(ctx context.Context, st Store, rec *Record, root common.Hash) error {
	const op = "imt.verifyStoredPath"

	current := e.hasher.HashLeaf(rec.Value, rec.NextValue, rec.NextIndex)
	index := rec.TreeIndex
	for level := 0; level < TreeHeight; level++ {
		sibling, err := e.node(ctx, st, level, index^1)
		if err != nil {
			return verrors.E(verrors.KindInternal, op, err)
		}
		if index%2 == 0 {
			current = e.hasher.HashPair(current, sibling)
		} else {
			current = e.hasher.HashPair(sibling, current)
		}
		index /= 2
	}
	if current != root {
		return verrors.Ef(verrors.KindIntegrity, op,
			"%w: path of leaf %d folds to %s, committed root is %s",
			ErrRootMismatch, rec.TreeIndex, current.Hex(), root.Hex())
	}
	return nil
}

// node reads a Merkle node, substituting the empty-subtree digest for
// unmaterialized nodes.
func (e *Engine) node(ctx context.Context, st Store, level int, index uint64) (common.Hash, error) {
	h, ok, err := st.GetNode(ctx, level, index)
	if err != nil {
		return common.Hash{}, err
	}
	if !ok {
		return e.zeros.Zero(level), nil
	}
	return h, nil
}

// RecomputeRoot rebuilds the root from scratch over all active leaves,
// ignoring stored internal nodes. Used by integrity checks.
func (e *Engine) RecomputeRoot(ctx context.Context, st Store) (common.Hash, error) {
	records, err := st.ActiveRecords(ctx)
	if err != nil {
		return common.Hash{}, verrors.E(verrors.KindInternal, "imt.RecomputeRoot", err)
	}

	level := make(map[uint64]common.Hash, len(records))
	for _, rec := range records {
		level[rec.TreeIndex] = e.hasher.HashLeaf(rec.Value, rec.NextValue, rec.NextIndex)
	}
	for k := 0; k < TreeHeight; k++ {
		next := make(map[uint64]common.Hash, (len(level)+1)/2)
		for idx := range level {
			parentIdx := idx / 2
			if _, done := next[parentIdx]; done {
				continue
			}
			left, ok := level[parentIdx*2]
			if !ok {
				left = e.zeros.Zero(k)
			}
			right, ok := level[parentIdx*2+1]
			if !ok {
				right = e.zeros.Zero(k)
			}
			next[parentIdx] = e.hasher.HashPair(left, right)
		}
		level = next
	}
	if len(level) == 0 {
		return e.zeros.EmptyRoot(), nil
	}
	return level[0], nil
}

// ValidateChain verifies the sorted linked list and the stored root.
// Any mismatch is an integrity fault: the caller must stop mutating.
func (e *Engine) ValidateChain(ctx context.Context, st Store) error {
	const op = "imt.ValidateChain"

	state, err := st.TreeState(ctx)
	if err != nil {
		return verrors.E(verrors.KindInternal, op, err)
	}

	// Walk the chain from genesis. Every hop must strictly increase and
	// land on an active record; the walk must visit every active record.
	cur, err := st.GetRecord(ctx, 0)
	if err != nil {
		return verrors.Ef(verrors.KindIntegrity, op, "%w: genesis record missing", ErrChainBroken)
	}
	visited := uint64(1)
	for cur.NextValue != 0 {
		if cur.NextValue <= cur.Value {
			return verrors.Ef(verrors.KindIntegrity, op,
				"%w: %d -> %d not increasing", ErrChainBroken, cur.Value, cur.NextValue)
		}
		next, err := st.GetRecord(ctx, cur.NextValue)
		if err != nil || !next.Active {
			return verrors.Ef(verrors.KindIntegrity, op,
				"%w: %d points to missing value %d", ErrChainBroken, cur.Value, cur.NextValue)
		}
		if next.TreeIndex != cur.NextIndex {
			return verrors.Ef(verrors.KindIntegrity, op,
				"%w: %d points to index %d, record has %d", ErrChainBroken, cur.Value, cur.NextIndex, next.TreeIndex)
		}
		cur = next
		visited++
	}
	if visited != state.TotalActive {
		return verrors.Ef(verrors.KindIntegrity, op,
			"%w: chain visits %d records, tree state says %d", ErrChainBroken, visited, state.TotalActive)
	}

	root, err := e.RecomputeRoot(ctx, st)
	if err != nil {
		return err
	}
	if root != state.Root {
		return verrors.Ef(verrors.KindIntegrity, op,
			"%w: recomputed %s, stored %s", ErrRootMismatch, root.Hex(), state.Root.Hex())
	}

	// Stored internal nodes must agree with the committed root too, not
	// just the leaf records they were derived from.
	records, err := st.ActiveRecords(ctx)
	if err != nil {
		return verrors.E(verrors.KindInternal, op, err)
	}
	for i := range records {
		if err := e.verifyStoredPath(ctx, st, &records[i], state.Root); err != nil {
			return err
		}
	}
	return nil
}
