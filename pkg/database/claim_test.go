// Copyright 2025 Certen Protocol
//
// Batch claim and IMT store tests
// Run against a disposable Postgres database: set VAPP_TEST_DB to a
// connection string; the suite is skipped when unset.

package database

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/certen/vapp-engine/pkg/config"
	"github.com/certen/vapp-engine/pkg/imt"
)

var testClient *Client

func TestMain(m *testing.M) {
	connStr := os.Getenv("VAPP_TEST_DB")
	if connStr == "" {
		// Skip database tests if no test DB configured
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
	testClient, err = NewClient(cfg)
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

// resetDB truncates all engine tables and reseeds genesis.
func resetDB(t *testing.T) *Repositories {
	t.Helper()
	ctx := context.Background()
	_, err := testClient.ExecContext(ctx, `
		TRUNCATE transactions, batches, ads_commitments, nullifiers, merkle_nodes, tree_state, audit_events`)
	if err != nil {
		t.Fatalf("failed to reset database: %v", err)
	}

	engine := imt.NewEngine()
	tx, err := testClient.BeginTx(ctx)
	if err != nil {
		t.Fatalf("failed to begin genesis tx: %v", err)
	}
	defer tx.Rollback()
	if _, err := engine.EnsureGenesis(ctx, NewIMTRepository(tx)); err != nil {
		t.Fatalf("failed to seed genesis: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("failed to commit genesis: %v", err)
	}

	return NewRepositories(testClient)
}

func TestSubmitAssignsMonotoneIDs(t *testing.T) {
	if testClient == nil {
		t.Skip("Test database not configured")
	}
	repos := resetDB(t)
	ctx := context.Background()

	var last int64
	for i := 0; i < 5; i++ {
		tx, err := repos.Transactions.Submit(ctx, int32(i))
		if err != nil {
			t.Fatalf("submit failed: %v", err)
		}
		if tx.ID <= last {
			t.Fatalf("ids not strictly increasing: %d after %d", tx.ID, last)
		}
		last = tx.ID
	}

	count, err := repos.Transactions.CountUnbatched(ctx)
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 5 {
		t.Errorf("unbatched count: got %d, want 5", count)
	}
}

func TestClaimSingle(t *testing.T) {
	if testClient == nil {
		t.Skip("Test database not configured")
	}
	repos := resetDB(t)
	ctx := context.Background()

	submitted, err := repos.Transactions.Submit(ctx, 5)
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	tx, err := testClient.BeginTx(ctx)
	if err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	defer tx.Rollback()

	if err := NewIMTRepository(tx).LockTreeState(ctx); err != nil {
		t.Fatalf("lock failed: %v", err)
	}
	batch, claimed, err := repos.Batches.Claim(ctx, tx, 10)
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit failed: %v", err)
	}

	if batch.PrevCounter != 0 || batch.FinalCounter != 5 {
		t.Errorf("counter transition: got (%d, %d), want (0, 5)", batch.PrevCounter, batch.FinalCounter)
	}
	if len(claimed) != 1 || claimed[0].ID != submitted.ID {
		t.Fatalf("claimed rows mismatch: %+v", claimed)
	}

	// The claim stamped the transaction exactly once.
	stored, err := repos.Transactions.GetTransaction(ctx, submitted.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if !stored.IncludedInBatch.Valid || stored.IncludedInBatch.Int64 != batch.ID {
		t.Error("transaction does not reference the claiming batch")
	}
}

func TestClaimEmptyReturnsNil(t *testing.T) {
	if testClient == nil {
		t.Skip("Test database not configured")
	}
	repos := resetDB(t)
	ctx := context.Background()

	tx, err := testClient.BeginTx(ctx)
	if err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	defer tx.Rollback()

	batch, claimed, err := repos.Batches.Claim(ctx, tx, 10)
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if batch != nil || claimed != nil {
		t.Error("claim on an empty queue must return no batch")
	}
}

func TestClaimCounterContinuity(t *testing.T) {
	if testClient == nil {
		t.Skip("Test database not configured")
	}
	repos := resetDB(t)
	ctx := context.Background()

	amounts := []int32{5, 7, 10}
	wantFinal := []int64{5, 12, 22}
	var prev int64

	for i, amount := range amounts {
		if _, err := repos.Transactions.Submit(ctx, amount); err != nil {
			t.Fatalf("submit failed: %v", err)
		}

		tx, err := testClient.BeginTx(ctx)
		if err != nil {
			t.Fatalf("begin failed: %v", err)
		}
		if err := NewIMTRepository(tx).LockTreeState(ctx); err != nil {
			t.Fatalf("lock failed: %v", err)
		}
		batch, _, err := repos.Batches.Claim(ctx, tx, 1)
		if err != nil {
			t.Fatalf("claim %d failed: %v", i, err)
		}
		if err := tx.Commit(); err != nil {
			t.Fatalf("commit failed: %v", err)
		}

		if batch.PrevCounter != prev {
			t.Errorf("batch %d prev_counter: got %d, want %d", i, batch.PrevCounter, prev)
		}
		if batch.FinalCounter != wantFinal[i] {
			t.Errorf("batch %d final_counter: got %d, want %d", i, batch.FinalCounter, wantFinal[i])
		}
		prev = batch.FinalCounter
	}
}

func TestClaimConcurrent(t *testing.T) {
	if testClient == nil {
		t.Skip("Test database not configured")
	}
	repos := resetDB(t)
	ctx := context.Background()

	const total = 100
	for i := 0; i < total; i++ {
		if _, err := repos.Transactions.Submit(ctx, 1); err != nil {
			t.Fatalf("submit failed: %v", err)
		}
	}

	// Five claimants race until the queue drains. Every transaction must
	// land in exactly one batch and the counter chain must stay intact.
	var wg sync.WaitGroup
	errCh := make(chan error, 64)
	for w := 0; w < 5; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				tx, err := testClient.BeginTx(ctx)
				if err != nil {
					errCh <- err
					return
				}
				if err := NewIMTRepository(tx).LockTreeState(ctx); err != nil {
					tx.Rollback()
					errCh <- err
					return
				}
				batch, _, err := repos.Batches.Claim(ctx, tx, 10)
				if err != nil {
					tx.Rollback()
					errCh <- err
					return
				}
				if batch == nil {
					tx.Rollback()
					return
				}
				if err := tx.Commit(); err != nil {
					errCh <- err
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatalf("concurrent claim failed: %v", err)
	}

	batches, err := repos.Batches.ListRecent(ctx, 100)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}

	seen := make(map[int64]bool)
	var txCount int
	for _, b := range batches {
		if len(b.TransactionIDs) == 0 {
			t.Error("empty batch created")
		}
		if b.FinalCounter-b.PrevCounter != int64(len(b.TransactionIDs)) {
			t.Errorf("batch %d counter delta %d != tx count %d",
				b.ID, b.FinalCounter-b.PrevCounter, len(b.TransactionIDs))
		}
		for _, id := range b.TransactionIDs {
			if seen[id] {
				t.Errorf("transaction %d appears in more than one batch", id)
			}
			seen[id] = true
			txCount++
		}
	}
	if txCount != total {
		t.Errorf("claimed %d transactions, want %d", txCount, total)
	}

	// Chain: ListRecent returns batches newest first; walk them oldest to
	// newest and verify continuity; the newest final counter equals the
	// sum of all amounts.
	for i := len(batches) - 1; i > 0; i-- {
		older, newer := batches[i], batches[i-1]
		if newer.PrevCounter != older.FinalCounter {
			t.Errorf("batch %d prev_counter %d != batch %d final_counter %d",
				newer.ID, newer.PrevCounter, older.ID, older.FinalCounter)
		}
	}
	if batches[0].FinalCounter != total {
		t.Errorf("latest final_counter: got %d, want %d", batches[0].FinalCounter, total)
	}

	count, _ := repos.Transactions.CountUnbatched(ctx)
	if count != 0 {
		t.Errorf("unbatched remainder: got %d, want 0", count)
	}
}
