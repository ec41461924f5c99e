// Copyright 2025 Certen Protocol
//
// IMT Engine tests over the in-memory store

package imt

import (
	"context"
	"math/rand"
	"testing"

	verrors "github.com/certen/vapp-engine/pkg/errors"
)

func newTestEngine(t *testing.T) (*Engine, *MemStore) {
	t.Helper()
	e := NewEngine()
	st := NewMemStore()
	if _, err := e.EnsureGenesis(context.Background(), st); err != nil {
		t.Fatalf("failed to initialize genesis: %v", err)
	}
	return e, st
}

func TestEnsureGenesis(t *testing.T) {
	e := NewEngine()
	st := NewMemStore()
	ctx := context.Background()

	state, err := e.EnsureGenesis(ctx, st)
	if err != nil {
		t.Fatalf("genesis failed: %v", err)
	}
	if state.TotalActive != 1 {
		t.Errorf("total_active after genesis: got %d, want 1", state.TotalActive)
	}
	if state.NextAvailableIndex != 1 {
		t.Errorf("next_available_index after genesis: got %d, want 1", state.NextAvailableIndex)
	}
	if state.Root == e.Zeros().EmptyRoot() {
		t.Error("genesis root must differ from the empty root")
	}

	// Idempotent: a second call returns the same state.
	again, err := e.EnsureGenesis(ctx, st)
	if err != nil {
		t.Fatalf("second genesis call failed: %v", err)
	}
	if again.Root != state.Root || again.TotalActive != 1 {
		t.Error("genesis is not idempotent")
	}
}

func TestInsertSingle(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()

	result, err := e.Insert(ctx, st, 42)
	if err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if result.TreeIndex != 1 {
		t.Errorf("tree index: got %d, want 1", result.TreeIndex)
	}
	if result.Root == result.RootBefore {
		t.Error("root did not change on insertion")
	}

	state, _ := st.TreeState(ctx)
	if state.TotalActive != 2 {
		t.Errorf("total_active: got %d, want 2 (genesis + value)", state.TotalActive)
	}
	if state.Root != result.Root {
		t.Error("stored root does not match insertion result")
	}

	// Genesis now points at the new value.
	genesis, _ := st.GetRecord(ctx, 0)
	if genesis.NextValue != 42 || genesis.NextIndex != 1 {
		t.Errorf("genesis pointer: got (%d, %d), want (42, 1)", genesis.NextValue, genesis.NextIndex)
	}
}

func TestInsertRejectsInvalidValues(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.Insert(ctx, st, 0); !verrors.IsKind(err, verrors.KindInput) {
		t.Errorf("zero value: got %v, want input error", err)
	}
	if _, err := e.Insert(ctx, st, MaxNullifier+1); !verrors.IsKind(err, verrors.KindInput) {
		t.Errorf("oversized value: got %v, want input error", err)
	}
}

func TestInsertDuplicate(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.Insert(ctx, st, 7); err != nil {
		t.Fatalf("first insert failed: %v", err)
	}
	_, err := e.Insert(ctx, st, 7)
	if !verrors.IsKind(err, verrors.KindInput) {
		t.Fatalf("duplicate insert: got kind %v, want input", verrors.KindOf(err))
	}
	if !verrors.Is(err, ErrDuplicate) {
		t.Errorf("duplicate insert: got %v, want ErrDuplicate", err)
	}
}

func TestInsertBelowAllValues(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()

	mustInsert(t, e, st, 100)
	mustInsert(t, e, st, 10)

	// 10 splices between genesis and 100.
	genesis, _ := st.GetRecord(ctx, 0)
	if genesis.NextValue != 10 {
		t.Errorf("genesis next_value: got %d, want 10", genesis.NextValue)
	}
	ten, _ := st.GetRecord(ctx, 10)
	if ten.NextValue != 100 {
		t.Errorf("record 10 next_value: got %d, want 100", ten.NextValue)
	}

	if err := e.ValidateChain(ctx, st); err != nil {
		t.Errorf("chain validation failed: %v", err)
	}
}

func TestInsertNewMaximum(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()

	mustInsert(t, e, st, 5)
	mustInsert(t, e, st, 50)

	fifty, _ := st.GetRecord(ctx, 50)
	if fifty.NextValue != 0 {
		t.Errorf("new maximum next_value: got %d, want 0 sentinel", fifty.NextValue)
	}
	five, _ := st.GetRecord(ctx, 5)
	if five.NextValue != 50 {
		t.Errorf("record 5 next_value: got %d, want 50", five.NextValue)
	}
}

func TestChainWellFormedness(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()

	values := []uint64{900, 17, 3, 450000, 88, 12, 7777}
	for _, v := range values {
		mustInsert(t, e, st, v)
	}

	// P3: every forward pointer lands on an active record with a strictly
	// larger value and nothing in between.
	records, _ := st.ActiveRecords(ctx)
	byValue := make(map[uint64]Record, len(records))
	for _, r := range records {
		byValue[r.Value] = r
	}
	for _, r := range records {
		if r.NextValue == 0 {
			continue
		}
		next, ok := byValue[r.NextValue]
		if !ok {
			t.Fatalf("record %d points to absent value %d", r.Value, r.NextValue)
		}
		if next.Value <= r.Value {
			t.Fatalf("pointer %d -> %d not strictly increasing", r.Value, next.Value)
		}
		for between := range byValue {
			if between > r.Value && between < r.NextValue {
				t.Fatalf("value %d lies strictly between %d and %d", between, r.Value, r.NextValue)
			}
		}
	}

	if err := e.ValidateChain(ctx, st); err != nil {
		t.Errorf("chain validation failed: %v", err)
	}
}

func TestRootRoundTrip(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()

	// P4: the incrementally maintained root equals a from-scratch rehash
	// after a randomized insertion sequence.
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 60; i++ {
		v := uint64(rng.Int63n(1_000_000)) + 1
		if _, err := e.Insert(ctx, st, v); err != nil {
			if verrors.Is(err, ErrDuplicate) {
				continue
			}
			t.Fatalf("insert %d failed: %v", v, err)
		}
	}

	state, _ := st.TreeState(ctx)
	recomputed, err := e.RecomputeRoot(ctx, st)
	if err != nil {
		t.Fatalf("recompute failed: %v", err)
	}
	if recomputed != state.Root {
		t.Errorf("incremental root %s != recomputed root %s", state.Root.Hex(), recomputed.Hex())
	}
}

func TestMembershipProofs(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()

	values := []uint64{7, 13, 20}
	for _, v := range values {
		mustInsert(t, e, st, v)
	}
	state, _ := st.TreeState(ctx)

	// P5: every active value proves and verifies under the current root.
	for _, v := range values {
		proof, err := e.ProveMembership(ctx, st, v)
		if err != nil {
			t.Fatalf("membership proof for %d failed: %v", v, err)
		}
		if !VerifyMembership(e.Hasher(), proof, state.Root) {
			t.Errorf("membership proof for %d does not verify", v)
		}
		// Wrong root rejects.
		if VerifyMembership(e.Hasher(), proof, e.Zeros().EmptyRoot()) {
			t.Errorf("membership proof for %d verifies under the wrong root", v)
		}
	}

	// No proof for an absent value.
	if _, err := e.ProveMembership(ctx, st, 99); !verrors.IsKind(err, verrors.KindNotFound) {
		t.Errorf("membership proof of absent value: got %v, want not_found", err)
	}
}

func TestNonMembershipProof(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()

	for _, v := range []uint64{7, 13, 20} {
		mustInsert(t, e, st, v)
	}
	state, _ := st.TreeState(ctx)

	// The witness pair for 10 is (7, 13).
	proof, err := e.ProveNonMembership(ctx, st, 10)
	if err != nil {
		t.Fatalf("non-membership proof failed: %v", err)
	}
	if proof.Low.Value != 7 || proof.Low.NextValue != 13 {
		t.Errorf("witness pair: got (%d, %d), want (7, 13)", proof.Low.Value, proof.Low.NextValue)
	}
	if !VerifyNonMembership(e.Hasher(), proof, state.Root) {
		t.Error("non-membership proof does not verify")
	}

	// Beyond the maximum: low is 20 with the zero sentinel.
	beyond, err := e.ProveNonMembership(ctx, st, 1000)
	if err != nil {
		t.Fatalf("non-membership proof beyond max failed: %v", err)
	}
	if beyond.Low.Value != 20 || beyond.Low.NextValue != 0 {
		t.Errorf("witness pair beyond max: got (%d, %d), want (20, 0)", beyond.Low.Value, beyond.Low.NextValue)
	}
	if !VerifyNonMembership(e.Hasher(), beyond, state.Root) {
		t.Error("non-membership proof beyond max does not verify")
	}

	// An active value has no non-membership proof.
	if _, err := e.ProveNonMembership(ctx, st, 13); !verrors.IsKind(err, verrors.KindNotFound) {
		t.Errorf("non-membership of active value: got %v, want not_found", err)
	}

	// A tampered witness fails the range check.
	tampered := *proof
	tampered.Value = 13
	if VerifyNonMembership(e.Hasher(), &tampered, state.Root) {
		t.Error("tampered non-membership proof verifies")
	}
}

func TestIntegrityDetection(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()

	mustInsert(t, e, st, 7)
	mustInsert(t, e, st, 13)

	// Corrupt one internal node out-of-band: (4, 1) sits on the sibling
	// path of every occupied leaf.
	corrupted := e.Hasher().HashLeaf(0xdead, 0, 0)
	st.CorruptNode(4, 1, corrupted)

	if err := e.ValidateChain(ctx, st); !verrors.IsKind(err, verrors.KindIntegrity) {
		t.Errorf("chain validation after corruption: got %v, want integrity fault", err)
	}

	// The next insertion trips on the corrupted path too.
	if _, err := e.Insert(ctx, st, 10); !verrors.IsKind(err, verrors.KindIntegrity) {
		t.Errorf("insert after corruption: got %v, want integrity fault", err)
	}
}

func mustInsert(t *testing.T, e *Engine, st Store, v uint64) {
	t.Helper()
	if _, err := e.Insert(context.Background(), st, v); err != nil {
		t.Fatalf("insert %d failed: %v", v, err)
	}
}
