// Copyright 2025 Certen Protocol
//
// Row types for the vApp engine's durable state

package database

import (
	"database/sql"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// ProofStatus is the proving lifecycle state of a batch.
type ProofStatus string

const (
	ProofStatusPending ProofStatus = "pending"
	ProofStatusProven  ProofStatus = "proven"
	ProofStatusFailed  ProofStatus = "failed"
)

// Transaction is one incoming integer transaction. included_in_batch is
// set exactly once, when a batch claims the row, and never changed.
type Transaction struct {
	ID              int64
	Amount          int32
	IncludedInBatch sql.NullInt64
	CreatedAt       time.Time
}

// Batch is one sealed counter transition over an ordered set of claimed
// transactions.
type Batch struct {
	ID                 int64
	PrevCounter        int64
	FinalCounter       int64
	TransactionIDs     []int64
	ProofStatus        ProofStatus
	ExternalProofID    sql.NullString
	PostedToContract   bool
	PostedToContractAt sql.NullTime
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// ADSCommitment binds a batch to the tree root its insertions produced.
type ADSCommitment struct {
	BatchID    int64
	MerkleRoot common.Hash
	CreatedAt  time.Time
}

// AuditEventType labels an audit trail entry.
type AuditEventType string

const (
	AuditInserted              AuditEventType = "inserted"
	AuditVerifiedMembership    AuditEventType = "verified_membership"
	AuditVerifiedNonMembership AuditEventType = "verified_non_membership"
)

// AuditEvent is one append-only audit trail entry.
type AuditEvent struct {
	EventID        uuid.UUID
	NullifierValue uint64
	EventType      AuditEventType
	RootBefore     common.Hash
	RootAfter      common.Hash
	Operator       sql.NullString
	CreatedAt      time.Time
}
