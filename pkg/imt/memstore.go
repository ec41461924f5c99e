// Copyright 2025 Certen Protocol
//
// In-memory Store for engine and ADS tests

package imt

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// MemStore is a Store backed by maps. Safe for concurrent use; tests and
// local tooling only.
type MemStore struct {
	mu        sync.Mutex
	records   map[uint64]*Record
	nodes     map[int]map[uint64]common.Hash
	state     *TreeState
	nextIndex uint64
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		records: make(map[uint64]*Record),
		nodes:   make(map[int]map[uint64]common.Hash),
	}
}

func (m *MemStore) GetRecord(ctx context.Context, value uint64) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[value]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, value)
	}
	cp := *rec
	return &cp, nil
}

func (m *MemStore) FindLow(ctx context.Context, value uint64) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.records {
		if !rec.Active || rec.Value >= value {
			continue
		}
		if rec.NextValue == 0 || rec.NextValue > value {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("%w: low nullifier for %d", ErrNotFound, value)
}

func (m *MemStore) AllocateIndex(ctx context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := m.nextIndex
	m.nextIndex++
	if m.state != nil {
		m.state.NextAvailableIndex = m.nextIndex
	}
	return idx, nil
}

func (m *MemStore) InsertRecord(ctx context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.records[rec.Value]; ok && existing.Active {
		return fmt.Errorf("%w: %d", ErrDuplicate, rec.Value)
	}
	cp := *rec
	m.records[rec.Value] = &cp
	if rec.TreeIndex >= m.nextIndex {
		m.nextIndex = rec.TreeIndex + 1
	}
	return nil
}

func (m *MemStore) RelinkLow(ctx context.Context, lowValue, newNextIndex, newNextValue uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[lowValue]
	if !ok {
		return fmt.Errorf("%w: %d", ErrNotFound, lowValue)
	}
	rec.NextIndex = newNextIndex
	rec.NextValue = newNextValue
	return nil
}

func (m *MemStore) UpsertNode(ctx context.Context, level int, index uint64, hash common.Hash) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.nodes[level] == nil {
		m.nodes[level] = make(map[uint64]common.Hash)
	}
	m.nodes[level][index] = hash
	return nil
}

func (m *MemStore) GetNode(ctx context.Context, level int, index uint64) (common.Hash, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.nodes[level][index]
	return h, ok, nil
}

func (m *MemStore) TreeState(ctx context.Context) (*TreeState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		return nil, ErrNoTreeState
	}
	cp := *m.state
	return &cp, nil
}

func (m *MemStore) SetRootAndCounters(ctx context.Context, root common.Hash, deltaActive int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		return ErrNoTreeState
	}
	m.state.Root = root
	m.state.TotalActive = uint64(int64(m.state.TotalActive) + deltaActive)
	m.state.NextAvailableIndex = m.nextIndex
	return nil
}

func (m *MemStore) SeedTreeState(ctx context.Context, st *TreeState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *st
	m.state = &cp
	m.nextIndex = st.NextAvailableIndex
	return nil
}

func (m *MemStore) ActiveRecords(ctx context.Context) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, 0, len(m.records))
	for _, rec := range m.records {
		if rec.Active {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TreeIndex < out[j].TreeIndex })
	return out, nil
}

// CorruptNode overwrites a stored node out-of-band. Test hook for
// integrity-alarm scenarios.
func (m *MemStore) CorruptNode(level int, index uint64, hash common.Hash) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.nodes[level] == nil {
		m.nodes[level] = make(map[uint64]common.Hash)
	}
	m.nodes[level][index] = hash
}
