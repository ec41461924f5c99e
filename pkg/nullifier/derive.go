// Copyright 2025 Certen Protocol
//
// Nullifier derivation
//
// Maps a transaction's immutable fields to a strictly-positive 63-bit
// value. Positivity comes from reducing the hash modulo 2^63-1 and adding
// one; taking an absolute value of a signed width is forbidden because it
// fails at the minimum signed value.

package nullifier

import (
	"crypto/sha256"
	"encoding/binary"
	"time"
)

// MaxValue is the largest derivable nullifier, 2^63 - 1.
const MaxValue = uint64(1<<63 - 1)

// Tx carries the immutable transaction fields the derivation reads.
type Tx struct {
	ID        int64
	Amount    int32
	CreatedAt time.Time
}

// Deriver maps a transaction to its nullifier value.
type Deriver interface {
	Derive(tx Tx) uint64
}

// SHA256Deriver is the production deriver.
type SHA256Deriver struct{}

// Derive hashes (id, amount, created_at) and reduces the first 8 bytes to
// [1, 2^63-1]. Deterministic and collision-resistant in practice.
func (SHA256Deriver) Derive(tx Tx) uint64 {
	var buf [20]byte
	binary.BigEndian.PutUint64(buf[0:8], uint64(tx.ID))
	binary.BigEndian.PutUint32(buf[8:12], uint32(tx.Amount))
	binary.BigEndian.PutUint64(buf[12:20], uint64(tx.CreatedAt.UnixNano()))

	sum := sha256.Sum256(buf[:])
	h := binary.BigEndian.Uint64(sum[:8])
	return h%MaxValue + 1
}

// FuncDeriver adapts a function to the Deriver interface. Test seam for
// forcing collisions.
type FuncDeriver func(tx Tx) uint64

// Derive calls the wrapped function.
func (f FuncDeriver) Derive(tx Tx) uint64 { return f(tx) }
