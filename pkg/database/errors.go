// Copyright 2025 Certen Protocol
//
// Package database provides sentinel errors and error-kind classification
// for repository operations.

package database

import (
	"database/sql"
	"errors"

	"github.com/lib/pq"

	verrors "github.com/certen/vapp-engine/pkg/errors"
)

// Sentinel errors for database operations
var (
	// ErrTransactionNotFound is returned when a transaction row is not found
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrBatchNotFound is returned when a batch is not found
	ErrBatchNotFound = errors.New("batch not found")

	// ErrCommitmentNotFound is returned when a batch has no ADS commitment
	ErrCommitmentNotFound = errors.New("ads commitment not found")
)

// Postgres SQLSTATE codes the engine branches on.
const (
	pqSerializationFailure = "40001"
	pqDeadlockDetected     = "40P01"
	pqLockNotAvailable     = "55P03"
	pqUniqueViolation      = "23505"
)

// classify maps a raw driver error onto the engine's error taxonomy.
// Serialization and lock failures become retriable conflicts; unique
// violations are caller faults; everything else is internal.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return verrors.E(verrors.KindNotFound, op, err)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch string(pqErr.Code) {
		case pqSerializationFailure, pqDeadlockDetected, pqLockNotAvailable:
			return verrors.E(verrors.KindConflict, op, err)
		case pqUniqueViolation:
			return verrors.E(verrors.KindInput, op, err)
		}
	}
	return verrors.E(verrors.KindInternal, op, err)
}
