// Copyright 2025 Certen Protocol
//
// ADS service tests over the in-memory store

package ads

import (
	"context"
	"sync"
	"testing"

	"github.com/certen/vapp-engine/pkg/database"
	verrors "github.com/certen/vapp-engine/pkg/errors"
	"github.com/certen/vapp-engine/pkg/imt"
)

// memScope satisfies TxScope over a MemStore. No rollback: mutation
// atomicity is the database's job, not this test double's.
type memScope struct {
	store *imt.MemStore
	audit *memAudit
}

func (s *memScope) Mutate(ctx context.Context, fn func(st imt.Store, audit AuditLog) error) error {
	return fn(s.store, s.audit)
}

func (s *memScope) View(ctx context.Context, fn func(st imt.Store, audit AuditLog) error) error {
	return fn(s.store, s.audit)
}

// memAudit is an in-memory AuditLog.
type memAudit struct {
	mu     sync.Mutex
	events []*database.AuditEvent
}

func (a *memAudit) Append(ctx context.Context, ev *database.AuditEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	cp := *ev
	a.events = append(a.events, &cp)
	return nil
}

func (a *memAudit) TrailByValue(ctx context.Context, value uint64) ([]*database.AuditEvent, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []*database.AuditEvent
	for _, ev := range a.events {
		if ev.NullifierValue == value {
			out = append(out, ev)
		}
	}
	return out, nil
}

func newTestService(t *testing.T) (*Service, *memScope) {
	t.Helper()
	scope := &memScope{store: imt.NewMemStore(), audit: &memAudit{}}
	svc := New(scope, &Config{Operator: "test-operator"})
	if err := svc.EnsureGenesis(context.Background()); err != nil {
		t.Fatalf("genesis failed: %v", err)
	}
	return svc, scope
}

func TestInsertReturnsVerifiableProof(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	receipt, err := svc.Insert(ctx, 42)
	if err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if receipt.Proof == nil {
		t.Fatal("insert returned no membership proof")
	}
	if !imt.VerifyMembership(svc.Engine().Hasher(), receipt.Proof, receipt.Root) {
		t.Error("returned proof does not verify under the returned root")
	}

	commitment, err := svc.StateCommitment(ctx)
	if err != nil {
		t.Fatalf("state commitment failed: %v", err)
	}
	if commitment != receipt.Root {
		t.Error("state commitment does not match the last insertion root")
	}
}

func TestBatchInsertOrderAndAudit(t *testing.T) {
	svc, scope := newTestService(t)
	ctx := context.Background()

	values := []uint64{20, 7, 13}
	receipt, err := svc.BatchInsert(ctx, values)
	if err != nil {
		t.Fatalf("batch insert failed: %v", err)
	}
	if len(receipt.Receipts) != 3 {
		t.Fatalf("receipts: got %d, want 3", len(receipt.Receipts))
	}

	// Caller order is preserved and audited per insertion.
	for i, v := range values {
		if receipt.Receipts[i].Value != v {
			t.Errorf("receipt %d: got value %d, want %d", i, receipt.Receipts[i].Value, v)
		}
	}
	if len(scope.audit.events) != 3 {
		t.Fatalf("audit events: got %d, want 3", len(scope.audit.events))
	}
	for i, ev := range scope.audit.events {
		if ev.EventType != database.AuditInserted {
			t.Errorf("event %d type: got %s, want inserted", i, ev.EventType)
		}
		if ev.NullifierValue != values[i] {
			t.Errorf("event %d value: got %d, want %d", i, ev.NullifierValue, values[i])
		}
		if ev.RootBefore == ev.RootAfter {
			t.Errorf("event %d: root did not change", i)
		}
	}

	// Final root is the last receipt's root.
	if receipt.Root != receipt.Receipts[2].Root {
		t.Error("batch root does not equal the last insertion root")
	}
}

func TestBatchInsertDuplicateFails(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.BatchInsert(ctx, []uint64{5, 9, 5})
	if !verrors.IsKind(err, verrors.KindInput) {
		t.Fatalf("duplicate in batch: got %v, want input error", err)
	}
}

func TestProofsAreAudited(t *testing.T) {
	svc, scope := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Insert(ctx, 7); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if _, err := svc.ProveMembership(ctx, 7); err != nil {
		t.Fatalf("membership proof failed: %v", err)
	}
	if _, err := svc.ProveNonMembership(ctx, 10); err != nil {
		t.Fatalf("non-membership proof failed: %v", err)
	}

	trail, err := svc.AuditTrail(ctx, 7)
	if err != nil {
		t.Fatalf("audit trail failed: %v", err)
	}
	if len(trail) != 2 {
		t.Fatalf("trail for 7: got %d events, want 2", len(trail))
	}
	if trail[0].EventType != database.AuditInserted {
		t.Errorf("first event: got %s, want inserted", trail[0].EventType)
	}
	if trail[1].EventType != database.AuditVerifiedMembership {
		t.Errorf("second event: got %s, want verified_membership", trail[1].EventType)
	}

	// Non-membership is audited under the queried value.
	nm, _ := scope.audit.TrailByValue(ctx, 10)
	if len(nm) != 1 || nm[0].EventType != database.AuditVerifiedNonMembership {
		t.Error("non-membership verification was not audited")
	}
}

func TestIntegrityLatch(t *testing.T) {
	svc, scope := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Insert(ctx, 7); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	// Corrupt a sibling-path node out-of-band; validation must latch the
	// service and refuse all further mutation.
	scope.store.CorruptNode(4, 1, svc.Engine().Hasher().HashLeaf(0xbad, 0, 0))

	if err := svc.ValidateChain(ctx); !verrors.IsKind(err, verrors.KindIntegrity) {
		t.Fatalf("validation after corruption: got %v, want integrity fault", err)
	}
	if !svc.Halted() {
		t.Fatal("service did not latch after integrity fault")
	}
	if _, err := svc.Insert(ctx, 9); !verrors.IsKind(err, verrors.KindIntegrity) {
		t.Errorf("insert after latch: got %v, want integrity refusal", err)
	}
	if _, err := svc.BatchInsert(ctx, []uint64{11}); !verrors.IsKind(err, verrors.KindIntegrity) {
		t.Errorf("batch insert after latch: got %v, want integrity refusal", err)
	}
}
