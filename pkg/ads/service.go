// Copyright 2025 Certen Protocol
//
// ADS Service - thread-safe facade over the IMT engine
//
// Mutating calls hold an exclusive in-process lock; proof generation holds
// a shared lock. Cross-process safety is the database's job via the
// tree-state row lock. Every insertion and every proof generation is
// audited with the roots before and after. An integrity fault latches the service: once tripped, no
// further mutation is accepted.

package ads

import (
	"context"
	"database/sql"
	"log"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"

	"github.com/certen/vapp-engine/pkg/database"
	verrors "github.com/certen/vapp-engine/pkg/errors"
	"github.com/certen/vapp-engine/pkg/imt"
)

// AuditLog appends and reads the append-only audit trail.
type AuditLog interface {
	Append(ctx context.Context, ev *database.AuditEvent) error
	TrailByValue(ctx context.Context, value uint64) ([]*database.AuditEvent, error)
}

// TxScope provides stores bound to an appropriate execution scope: Mutate
// runs inside one database transaction that commits only if fn succeeds,
// View runs on the pooled connection.
type TxScope interface {
	Mutate(ctx context.Context, fn func(st imt.Store, audit AuditLog) error) error
	View(ctx context.Context, fn func(st imt.Store, audit AuditLog) error) error
}

// InsertReceipt reports one completed insertion with its proof.
type InsertReceipt struct {
	Value     uint64
	TreeIndex uint64
	Root      common.Hash
	Proof     *imt.MembershipProof
}

// BatchReceipt reports a batch insertion: the final root plus a receipt
// per value in caller order.
type BatchReceipt struct {
	RootBefore common.Hash
	Root       common.Hash
	Receipts   []*InsertReceipt
}

// Service is the ADS facade.
type Service struct {
	mu       sync.RWMutex
	engine   *imt.Engine
	scope    TxScope
	operator string
	logger   *log.Logger
	halted   atomic.Bool
}

// Config holds service configuration
type Config struct {
	Operator string
	Logger   *log.Logger
}

// New creates the ADS service.
func New(scope TxScope, cfg *Config) *Service {
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(log.Writer(), "[ADS] ", log.LstdFlags)
	}
	return &Service{
		engine:   imt.NewEngine(),
		scope:    scope,
		operator: cfg.Operator,
		logger:   cfg.Logger,
	}
}

// Engine exposes the underlying IMT engine.
func (s *Service) Engine() *imt.Engine { return s.engine }

// Halted reports whether an integrity fault has latched the service.
func (s *Service) Halted() bool { return s.halted.Load() }

// EnsureGenesis initializes the tree if needed. Called once at startup.
func (s *Service) EnsureGenesis(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scope.Mutate(ctx, func(st imt.Store, _ AuditLog) error {
		state, err := s.engine.EnsureGenesis(ctx, st)
		if err != nil {
			return err
		}
		s.logger.Printf("Tree ready (root=%s, active=%d)", state.Root.Hex(), state.TotalActive)
		return nil
	})
}

// Insert adds one nullifier in its own database transaction and returns
// the new root with a membership proof of the inserted value.
func (s *Service) Insert(ctx context.Context, value uint64) (*InsertReceipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkHalted("ads.Insert"); err != nil {
		return nil, err
	}

	var receipt *InsertReceipt
	err := s.scope.Mutate(ctx, func(st imt.Store, audit AuditLog) error {
		var err error
		receipt, err = s.insertOne(ctx, st, audit, value)
		return err
	})
	if err != nil {
		s.latchOnIntegrity(err)
		return nil, err
	}
	return receipt, nil
}

// BatchInsert adds values in caller order inside one database transaction.
func (s *Service) BatchInsert(ctx context.Context, values []uint64) (*BatchReceipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkHalted("ads.BatchInsert"); err != nil {
		return nil, err
	}

	var receipt *BatchReceipt
	err := s.scope.Mutate(ctx, func(st imt.Store, audit AuditLog) error {
		var err error
		receipt, err = s.batchInsert(ctx, st, audit, values)
		return err
	})
	if err != nil {
		s.latchOnIntegrity(err)
		return nil, err
	}
	return receipt, nil
}

// WithExclusive runs fn under the service's exclusive lock. The batch
// orchestrator wraps its whole pipeline in it so the in-process lock is
// always taken before any database row lock, keeping the lock order
// consistent with the standalone mutators.
func (s *Service) WithExclusive(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkHalted("ads.WithExclusive"); err != nil {
		return err
	}
	err := fn()
	if err != nil {
		s.latchOnIntegrity(err)
	}
	return err
}

// BatchInsertOn adds values on a caller-scoped store and audit sink. The
// batch orchestrator binds both to its own transaction so that nullifier
// insertions roll back with the counter advance. The caller must hold the
// exclusive lock via WithExclusive.
func (s *Service) BatchInsertOn(ctx context.Context, st imt.Store, audit AuditLog, values []uint64) (*BatchReceipt, error) {
	return s.batchInsert(ctx, st, audit, values)
}

// batchInsert runs the insertions sequentially in caller order.
func (s *Service) batchInsert(ctx context.Context, st imt.Store, audit AuditLog, values []uint64) (*BatchReceipt, error) {
	state, err := st.TreeState(ctx)
	if err != nil {
		return nil, verrors.E(verrors.KindInternal, "ads.BatchInsert", err)
	}
	receipt := &BatchReceipt{
		RootBefore: state.Root,
		Receipts:   make([]*InsertReceipt, 0, len(values)),
	}
	for _, v := range values {
		one, err := s.insertOne(ctx, st, audit, v)
		if err != nil {
			return nil, err
		}
		receipt.Receipts = append(receipt.Receipts, one)
		receipt.Root = one.Root
	}
	return receipt, nil
}

// insertOne performs one audited insertion and proves the fresh value.
func (s *Service) insertOne(ctx context.Context, st imt.Store, audit AuditLog, value uint64) (*InsertReceipt, error) {
	result, err := s.engine.Insert(ctx, st, value)
	if err != nil {
		return nil, err
	}
	proof, err := s.engine.ProveMembership(ctx, st, value)
	if err != nil {
		return nil, err
	}
	if err := audit.Append(ctx, s.auditEvent(value, database.AuditInserted, result.RootBefore, result.Root)); err != nil {
		return nil, verrors.E(verrors.KindInternal, "ads.insert", err)
	}
	return &InsertReceipt{
		Value:     value,
		TreeIndex: result.TreeIndex,
		Root:      result.Root,
		Proof:     proof,
	}, nil
}

// ProveMembership generates a membership proof for an active value.
func (s *Service) ProveMembership(ctx context.Context, value uint64) (*imt.MembershipProof, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var proof *imt.MembershipProof
	err := s.scope.View(ctx, func(st imt.Store, audit AuditLog) error {
		var err error
		proof, err = s.engine.ProveMembership(ctx, st, value)
		if err != nil {
			return err
		}
		return audit.Append(ctx, s.auditEvent(value, database.AuditVerifiedMembership, proof.Root, proof.Root))
	})
	if err != nil {
		return nil, err
	}
	return proof, nil
}

// ProveNonMembership generates a non-membership proof for an absent value.
func (s *Service) ProveNonMembership(ctx context.Context, value uint64) (*imt.NonMembershipProof, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var proof *imt.NonMembershipProof
	err := s.scope.View(ctx, func(st imt.Store, audit AuditLog) error {
		var err error
		proof, err = s.engine.ProveNonMembership(ctx, st, value)
		if err != nil {
			return err
		}
		return audit.Append(ctx, s.auditEvent(value, database.AuditVerifiedNonMembership, proof.Low.Root, proof.Low.Root))
	})
	if err != nil {
		return nil, err
	}
	return proof, nil
}

// StateCommitment returns the current 32-byte tree root.
func (s *Service) StateCommitment(ctx context.Context) (common.Hash, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var root common.Hash
	err := s.scope.View(ctx, func(st imt.Store, _ AuditLog) error {
		state, err := st.TreeState(ctx)
		if err != nil {
			return verrors.E(verrors.KindInternal, "ads.StateCommitment", err)
		}
		root = state.Root
		return nil
	})
	return root, err
}

// TreeState returns the current singleton summary.
func (s *Service) TreeState(ctx context.Context) (*imt.TreeState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var state *imt.TreeState
	err := s.scope.View(ctx, func(st imt.Store, _ AuditLog) error {
		var err error
		state, err = st.TreeState(ctx)
		return err
	})
	return state, err
}

// ValidateChain verifies the linked list and roots. An integrity fault
// latches the service.
func (s *Service) ValidateChain(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	err := s.scope.View(ctx, func(st imt.Store, _ AuditLog) error {
		return s.engine.ValidateChain(ctx, st)
	})
	if err != nil {
		s.latchOnIntegrity(err)
	}
	return err
}

// AuditTrail returns the audit trail for one nullifier, oldest first.
func (s *Service) AuditTrail(ctx context.Context, value uint64) ([]*database.AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var events []*database.AuditEvent
	err := s.scope.View(ctx, func(_ imt.Store, audit AuditLog) error {
		var err error
		events, err = audit.TrailByValue(ctx, value)
		return err
	})
	return events, err
}

// checkHalted refuses mutation after an integrity fault.
func (s *Service) checkHalted(op string) error {
	if s.halted.Load() {
		return verrors.Ef(verrors.KindIntegrity, op, "ads service halted after integrity fault")
	}
	return nil
}

// latchOnIntegrity trips the halt latch on integrity faults.
func (s *Service) latchOnIntegrity(err error) {
	if verrors.IsKind(err, verrors.KindIntegrity) && s.halted.CompareAndSwap(false, true) {
		s.logger.Printf("INTEGRITY FAULT - halting all further mutation: %v", err)
	}
}

// auditEvent builds an event stamped with the operator id.
func (s *Service) auditEvent(value uint64, typ database.AuditEventType, before, after common.Hash) *database.AuditEvent {
	ev := &database.AuditEvent{
		NullifierValue: value,
		EventType:      typ,
		RootBefore:     before,
		RootAfter:      after,
	}
	if s.operator != "" {
		ev.Operator = sql.NullString{String: s.operator, Valid: true}
	}
	return ev
}
