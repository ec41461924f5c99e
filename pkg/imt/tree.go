// Copyright 2025 Certen Protocol
//
// Core types and the storage contract for the Indexed Merkle Tree
//
// The tree's leaves form a sorted linked list over nullifier values: each
// record points forward to the next-higher active value, with a zero
// sentinel on the current maximum. The genesis record (value 0, index 0)
// is permanent and keeps the tree non-empty, eliminating empty-tree
// branches from the insertion algorithm.

package imt

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
)

// Sentinel errors surfaced by engine and stores. Callers receive them
// wrapped with a kind from pkg/errors.
var (
	ErrDuplicate    = errors.New("nullifier already active")
	ErrNotFound     = errors.New("nullifier not found")
	ErrOutOfRange   = errors.New("nullifier value out of range")
	ErrChainBroken  = errors.New("nullifier chain broken")
	ErrRootMismatch = errors.New("recomputed root does not match stored root")
	ErrNoTreeState  = errors.New("tree state not initialized")
)

// Record is one nullifier leaf: a value plus its forward pointer in the
// sorted linked list.
type Record struct {
	Value     uint64
	NextValue uint64 // 0 sentinel when Value is the current maximum
	NextIndex uint64 // meaningless when NextValue == 0
	TreeIndex uint64
	Active    bool
}

// TreeState is the singleton summary row: the current root and the
// allocation counters.
type TreeState struct {
	Root               common.Hash
	NextAvailableIndex uint64
	TotalActive        uint64
	Height             int
}

// Store is the persistence contract the engine operates against. Every
// method runs inside a database transaction scoped by the caller; the
// relational implementation lives in pkg/database, an in-memory one in
// this package backs tests.
type Store interface {
	// GetRecord returns the record for value, or ErrNotFound.
	GetRecord(ctx context.Context, value uint64) (*Record, error)

	// FindLow returns the record L with L.Value < value and
	// (L.NextValue > value or L.NextValue == 0). Post-genesis the low
	// record always exists.
	FindLow(ctx context.Context, value uint64) (*Record, error)

	// AllocateIndex atomically claims the next leaf index. Serializes
	// against concurrent callers via the tree-state row lock.
	AllocateIndex(ctx context.Context) (uint64, error)

	// InsertRecord inserts one nullifier row. ErrDuplicate if the value
	// is already active.
	InsertRecord(ctx context.Context, rec *Record) error

	// RelinkLow updates the forward pointer of the record with lowValue.
	RelinkLow(ctx context.Context, lowValue, newNextIndex, newNextValue uint64) error

	// UpsertNode writes one Merkle node.
	UpsertNode(ctx context.Context, level int, index uint64, hash common.Hash) error

	// GetNode returns the stored node hash. ok is false when the node is
	// not materialized; the caller falls back to the zero cache.
	GetNode(ctx context.Context, level int, index uint64) (hash common.Hash, ok bool, err error)

	// TreeState returns the singleton, or ErrNoTreeState before genesis.
	TreeState(ctx context.Context) (*TreeState, error)

	// SetRootAndCounters updates the singleton root and bumps
	// total_active by deltaActive.
	SetRootAndCounters(ctx context.Context, root common.Hash, deltaActive int64) error

	// SeedTreeState creates the singleton during genesis initialization.
	SeedTreeState(ctx context.Context, st *TreeState) error

	// ActiveRecords returns every active record, ordered by tree index.
	// Used by full-root recomputation and chain validation.
	ActiveRecords(ctx context.Context) ([]Record, error)
}
