// Copyright 2025 Certen Protocol
//
// Hasher and ZeroCache for the Indexed Merkle Tree
//
// The pair hash is MiMC over the BN254 scalar field, so the same function
// is cheap to re-express as circuit constraints downstream. Distinct
// domain tags separate leaf hashing, internal-node hashing and the empty
// leaf, so a nullifier value can never be confused with an internal node.

package imt

import (
	"encoding/binary"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr/mimc"
	"github.com/ethereum/go-ethereum/common"
)

// TreeHeight is the fixed height of the tree. Leaves live at level 0, the
// root at level TreeHeight. Hard cap, not configurable.
const TreeHeight = 32

// MaxNullifier is the largest admissible nullifier value (2^63 - 1).
const MaxNullifier = uint64(1<<63 - 1)

// Domain tags. Each is a distinct small field element written ahead of the
// hashed operands.
const (
	domainLeaf  = 1
	domainNode  = 2
	domainEmpty = 3
)

// Hasher computes the 32-byte digests used throughout the tree.
type Hasher struct{}

// NewHasher returns a Hasher.
func NewHasher() *Hasher {
	return &Hasher{}
}

// frBytes encodes v as a 32-byte big-endian field element. Every uint64 is
// far below the BN254 modulus, so the encoding is always in-field.
func frBytes(v uint64) [32]byte {
	var b [32]byte
	binary.BigEndian.PutUint64(b[24:], v)
	return b
}

// HashPair computes the internal-node digest of two children.
func (h *Hasher) HashPair(left, right common.Hash) common.Hash {
	mc := mimc.NewMiMC()
	tag := frBytes(domainNode)
	mc.Write(tag[:])
	mc.Write(left[:])
	mc.Write(right[:])
	return common.BytesToHash(mc.Sum(nil))
}

// HashLeaf computes the leaf digest of a nullifier record. The forward
// pointer fields are part of the leaf so that re-pointing a record changes
// the committed state.
func (h *Hasher) HashLeaf(value, nextValue, nextIndex uint64) common.Hash {
	mc := mimc.NewMiMC()
	tag := frBytes(domainLeaf)
	v := frBytes(value)
	nv := frBytes(nextValue)
	ni := frBytes(nextIndex)
	mc.Write(tag[:])
	mc.Write(v[:])
	mc.Write(nv[:])
	mc.Write(ni[:])
	return common.BytesToHash(mc.Sum(nil))
}

// EmptyLeaf returns the digest of an unoccupied leaf slot. Distinct from
// every real leaf, including genesis.
func (h *Hasher) EmptyLeaf() common.Hash {
	mc := mimc.NewMiMC()
	tag := frBytes(domainEmpty)
	mc.Write(tag[:])
	return common.BytesToHash(mc.Sum(nil))
}

// ZeroCache holds the digests of fully-empty subtrees for every level.
// Any internal node whose subtree contains no active leaf has digest
// Z[level] and is never materialized in storage.
type ZeroCache struct {
	zeros [TreeHeight + 1]common.Hash
}

// NewZeroCache precomputes Z[0..TreeHeight] once at process start.
func NewZeroCache(h *Hasher) *ZeroCache {
	zc := &ZeroCache{}
	zc.zeros[0] = h.EmptyLeaf()
	for k := 1; k <= TreeHeight; k++ {
		zc.zeros[k] = h.HashPair(zc.zeros[k-1], zc.zeros[k-1])
	}
	return zc
}

// Zero returns the empty-subtree digest for a level.
func (zc *ZeroCache) Zero(level int) common.Hash {
	return zc.zeros[level]
}

// EmptyRoot returns the root of a tree with no leaves at all, Z[TreeHeight].
func (zc *ZeroCache) EmptyRoot() common.Hash {
	return zc.zeros[TreeHeight]
}
