// Copyright 2025 Certen Protocol
//
// End-to-end pipeline tests
// Run against a disposable Postgres database: set VAPP_TEST_DB to a
// connection string; the suite is skipped when unset.

package orchestrator

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/certen/vapp-engine/pkg/ads"
	"github.com/certen/vapp-engine/pkg/config"
	"github.com/certen/vapp-engine/pkg/database"
	verrors "github.com/certen/vapp-engine/pkg/errors"
	"github.com/certen/vapp-engine/pkg/imt"
	"github.com/certen/vapp-engine/pkg/nullifier"
)

var testClient *database.Client

func TestMain(m *testing.M) {
	connStr := os.Getenv("VAPP_TEST_DB")
	if connStr == "" {
		os.Exit(0)
	}

	cfg := &config.Config{
		DatabaseURL:         connStr,
		DatabaseMaxConns:    10,
		DatabaseMinConns:    2,
		DatabaseMaxIdleTime: 60,
		DatabaseMaxLifetime: 600,
	}
	var err error
	testClient, err = database.NewClient(cfg)
	if err != nil {
		panic("Failed to connect to test database: " + err.Error())
	}
	if err := testClient.MigrateUp(context.Background()); err != nil {
		panic("Failed to migrate test database: " + err.Error())
	}

	code := m.Run()
	testClient.Close()
	os.Exit(code)
}

// recordingDispatcher remembers dispatched batch ids.
type recordingDispatcher struct {
	mu  sync.Mutex
	ids []int64
}

func (d *recordingDispatcher) Submit(ctx context.Context, batchID int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ids = append(d.ids, batchID)
	return nil
}

// newPipeline resets the database and wires a full pipeline.
func newPipeline(t *testing.T, deriver nullifier.Deriver) (*Orchestrator, *database.Repositories, *ads.Service) {
	t.Helper()
	ctx := context.Background()
	if _, err := testClient.ExecContext(ctx, `
		TRUNCATE transactions, batches, ads_commitments, nullifiers, merkle_nodes, tree_state, audit_events`); err != nil {
		t.Fatalf("failed to reset database: %v", err)
	}

	repos := database.NewRepositories(testClient)
	adsService := ads.New(ads.NewDatabaseScope(testClient), &ads.Config{Operator: "test"})
	if err := adsService.EnsureGenesis(ctx); err != nil {
		t.Fatalf("genesis failed: %v", err)
	}
	orch := New(testClient, repos, adsService, deriver, &recordingDispatcher{}, nil, DefaultConfig())
	return orch, repos, adsService
}

func TestSingleTransactionBatch(t *testing.T) {
	if testClient == nil {
		t.Skip("Test database not configured")
	}
	orch, repos, adsService := newPipeline(t, nullifier.SHA256Deriver{})
	ctx := context.Background()

	// Fresh database, one submission, one API-triggered batch.
	submitted, err := repos.Transactions.Submit(ctx, 5)
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	result, err := orch.CreateBatch(ctx, 1, TriggerAPI)
	if err != nil {
		t.Fatalf("create batch failed: %v", err)
	}
	if result == nil {
		t.Fatal("expected a batch")
	}

	b := result.Batch
	if b.PrevCounter != 0 || b.FinalCounter != 5 {
		t.Errorf("counter transition: got (%d, %d), want (0, 5)", b.PrevCounter, b.FinalCounter)
	}
	if len(b.TransactionIDs) != 1 || b.TransactionIDs[0] != submitted.ID {
		t.Errorf("transaction ids: got %v", b.TransactionIDs)
	}

	// One commitment row bound to the batch, root not the empty root.
	commitment, err := repos.Batches.GetCommitment(ctx, b.ID)
	if err != nil {
		t.Fatalf("commitment lookup failed: %v", err)
	}
	if commitment.MerkleRoot != result.Root {
		t.Error("commitment root does not match the pipeline result")
	}
	if result.Root == adsService.Engine().Zeros().EmptyRoot() {
		t.Error("root equals the empty root after an insertion")
	}

	// Genesis plus the derived nullifier.
	state, err := adsService.TreeState(ctx)
	if err != nil {
		t.Fatalf("tree state failed: %v", err)
	}
	if state.TotalActive != 2 {
		t.Errorf("total_active: got %d, want 2", state.TotalActive)
	}
}

func TestCounterContinuityAcrossTriggers(t *testing.T) {
	if testClient == nil {
		t.Skip("Test database not configured")
	}
	orch, repos, _ := newPipeline(t, nullifier.SHA256Deriver{})
	ctx := context.Background()

	steps := []struct {
		amount  int32
		trigger string
		final   int64
	}{
		{5, TriggerAPI, 5},
		{7, TriggerTimer, 12},
		{10, TriggerCountThreshold, 22},
	}

	var prev int64
	for _, step := range steps {
		if _, err := repos.Transactions.Submit(ctx, step.amount); err != nil {
			t.Fatalf("submit failed: %v", err)
		}
		result, err := orch.CreateBatch(ctx, 1, step.trigger)
		if err != nil {
			t.Fatalf("trigger %s failed: %v", step.trigger, err)
		}
		if result.Batch.PrevCounter != prev {
			t.Errorf("trigger %s prev_counter: got %d, want %d", step.trigger, result.Batch.PrevCounter, prev)
		}
		if result.Batch.FinalCounter != step.final {
			t.Errorf("trigger %s final_counter: got %d, want %d", step.trigger, result.Batch.FinalCounter, step.final)
		}
		prev = result.Batch.FinalCounter
	}
}

func TestConcurrentCreateBatch(t *testing.T) {
	if testClient == nil {
		t.Skip("Test database not configured")
	}
	orch, repos, adsService := newPipeline(t, nullifier.SHA256Deriver{})
	ctx := context.Background()

	const total = 100
	for i := 0; i < total; i++ {
		if _, err := repos.Transactions.Submit(ctx, 1); err != nil {
			t.Fatalf("submit failed: %v", err)
		}
	}

	var wg sync.WaitGroup
	errCh := make(chan error, 64)
	for w := 0; w < 5; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				result, err := orch.CreateBatch(ctx, 10, "x")
				if err != nil {
					errCh <- err
					return
				}
				if result == nil {
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatalf("concurrent create batch failed: %v", err)
	}

	batches, err := repos.Batches.ListRecent(ctx, 200)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	seen := make(map[int64]bool)
	count := 0
	for _, b := range batches {
		for _, id := range b.TransactionIDs {
			if seen[id] {
				t.Errorf("transaction %d claimed twice", id)
			}
			seen[id] = true
			count++
		}
	}
	if count != total {
		t.Errorf("claimed %d transactions, want %d", count, total)
	}
	if batches[0].FinalCounter != total {
		t.Errorf("latest final_counter: got %d, want %d", batches[0].FinalCounter, total)
	}

	// 100 nullifiers plus genesis, and the tree still validates.
	state, err := adsService.TreeState(ctx)
	if err != nil {
		t.Fatalf("tree state failed: %v", err)
	}
	if state.TotalActive != total+1 {
		t.Errorf("total_active: got %d, want %d", state.TotalActive, total+1)
	}
	if err := adsService.ValidateChain(ctx); err != nil {
		t.Errorf("chain validation failed: %v", err)
	}
}

func TestDerivationCollisionRollsBackBatch(t *testing.T) {
	if testClient == nil {
		t.Skip("Test database not configured")
	}

	// Test seam: every transaction derives the same nullifier, so the
	// second insertion in the batch is a duplicate.
	collider := nullifier.FuncDeriver(func(tx nullifier.Tx) uint64 { return 777 })
	orch, repos, adsService := newPipeline(t, collider)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := repos.Transactions.Submit(ctx, 1); err != nil {
			t.Fatalf("submit failed: %v", err)
		}
	}

	_, err := orch.CreateBatch(ctx, 2, TriggerAPI)
	if !verrors.IsKind(err, verrors.KindInput) {
		t.Fatalf("colliding batch: got %v, want input error", err)
	}
	if !verrors.Is(err, imt.ErrDuplicate) {
		t.Errorf("colliding batch: got %v, want ErrDuplicate", err)
	}

	// The whole batch rolled back: no batch rows, both transactions
	// unclaimed, tree untouched.
	batches, err := repos.Batches.ListRecent(ctx, 10)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(batches) != 0 {
		t.Errorf("batches after rollback: got %d, want 0", len(batches))
	}
	count, _ := repos.Transactions.CountUnbatched(ctx)
	if count != 2 {
		t.Errorf("unbatched after rollback: got %d, want 2", count)
	}
	state, err := adsService.TreeState(ctx)
	if err != nil {
		t.Fatalf("tree state failed: %v", err)
	}
	if state.TotalActive != 1 {
		t.Errorf("total_active after rollback: got %d, want 1 (genesis only)", state.TotalActive)
	}
}

func TestCreateBatchOnEmptyQueue(t *testing.T) {
	if testClient == nil {
		t.Skip("Test database not configured")
	}
	orch, _, _ := newPipeline(t, nullifier.SHA256Deriver{})

	result, err := orch.CreateBatch(context.Background(), 10, TriggerTimer)
	if err != nil {
		t.Fatalf("create batch failed: %v", err)
	}
	if result != nil {
		t.Error("expected no batch on an empty queue")
	}
}
