// Copyright 2025 Certen Protocol
//
// Membership and non-membership proofs
//
// A membership proof carries the leaf's record fields and the 32 sibling
// digests along its path; the left/right direction at each level is the
// corresponding bit of the tree index. A non-membership proof is a
// membership proof of the low nullifier together with the target value:
// verification reduces to the low leaf's Merkle path plus the two range
// checks of the insertion algorithm.

package imt

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	verrors "github.com/certen/vapp-engine/pkg/errors"
)

// MembershipProof proves that a value is an active leaf under a root.
type MembershipProof struct {
	Value     uint64                  `json:"value"`
	NextValue uint64                  `json:"next_value"`
	NextIndex uint64                  `json:"next_index"`
	TreeIndex uint64                  `json:"tree_index"`
	Siblings  [TreeHeight]common.Hash `json:"siblings"`
	Root      common.Hash             `json:"root"`
}

// NonMembershipProof proves that a value is absent under a root.
type NonMembershipProof struct {
	Value uint64          `json:"value"`
	Low   MembershipProof `json:"low"`
}

// ProveMembership builds a membership proof for an active value.
func (e *Engine) ProveMembership(ctx context.Context, st Store, value uint64) (*MembershipProof, error) {
	const op = "imt.ProveMembership"

	rec, err := st.GetRecord(ctx, value)
	if err != nil || !rec.Active {
		return nil, verrors.Ef(verrors.KindNotFound, op, "%w: %d", ErrNotFound, value)
	}
	state, err := st.TreeState(ctx)
	if err != nil {
		return nil, verrors.E(verrors.KindInternal, op, err)
	}

	proof := &MembershipProof{
		Value:     rec.Value,
		NextValue: rec.NextValue,
		NextIndex: rec.NextIndex,
		TreeIndex: rec.TreeIndex,
		Root:      state.Root,
	}
	index := rec.TreeIndex
	for level := 0; level < TreeHeight; level++ {
		sibling, err := e.node(ctx, st, level, index^1)
		if err != nil {
			return nil, verrors.E(verrors.KindInternal, op, err)
		}
		proof.Siblings[level] = sibling
		index /= 2
	}
	return proof, nil
}

// ProveNonMembership builds a non-membership proof for an absent value.
func (e *Engine) ProveNonMembership(ctx context.Context, st Store, value uint64) (*NonMembershipProof, error) {
	const op = "imt.ProveNonMembership"

	if value == 0 || value > MaxNullifier {
		return nil, verrors.Ef(verrors.KindInput, op, "%w: %d", ErrOutOfRange, value)
	}
	if rec, err := st.GetRecord(ctx, value); err == nil && rec.Active {
		return nil, verrors.Ef(verrors.KindNotFound, op, "value %d is active", value)
	}
	low, err := st.FindLow(ctx, value)
	if err != nil {
		return nil, verrors.E(verrors.KindInternal, op, err)
	}
	lowProof, err := e.ProveMembership(ctx, st, low.Value)
	if err != nil {
		return nil, err
	}
	return &NonMembershipProof{Value: value, Low: *lowProof}, nil
}

// VerifyMembership recomputes the root from the proof and compares it to
// the expected root.
func VerifyMembership(h *Hasher, proof *MembershipProof, root common.Hash) bool {
	current := h.HashLeaf(proof.Value, proof.NextValue, proof.NextIndex)
	index := proof.TreeIndex
	for level := 0; level < TreeHeight; level++ {
		if index%2 == 0 {
			current = h.HashPair(current, proof.Siblings[level])
		} else {
			current = h.HashPair(proof.Siblings[level], current)
		}
		index /= 2
	}
	return current == root
}

// VerifyNonMembership checks the low leaf's Merkle path and the two range
// constraints: low.Value < value and (low.NextValue == 0 or
// value < low.NextValue).
func VerifyNonMembership(h *Hasher, proof *NonMembershipProof, root common.Hash) bool {
	if proof.Low.Value >= proof.Value {
		return false
	}
	if proof.Low.NextValue != 0 && proof.Value >= proof.Low.NextValue {
		return false
	}
	return VerifyMembership(h, &proof.Low, root)
}
