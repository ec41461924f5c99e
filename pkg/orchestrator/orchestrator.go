// Copyright 2025 Certen Protocol
//
// Batch Orchestrator - the single unified batch pipeline
//
// Every trigger (API call, timer, count threshold) funnels into
// CreateBatch, the sole producer of batches. One database transaction
// covers the claim, the counter advance, the nullifier insertions and the
// ADS commitment row; the prover handoff happens after commit and its
// failure never rolls the batch back. Lock and serialization conflicts
// retry with bounded exponential backoff; an integrity fault latches the
// orchestrator and every later call is refused.

package orchestrator

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/certen/vapp-engine/pkg/ads"
	"github.com/certen/vapp-engine/pkg/database"
	verrors "github.com/certen/vapp-engine/pkg/errors"
	"github.com/certen/vapp-engine/pkg/metrics"
	"github.com/certen/vapp-engine/pkg/nullifier"
)

// Trigger sources recorded on every orchestrator log line.
const (
	TriggerAPI            = "api"
	TriggerTimer          = "timer"
	TriggerCountThreshold = "count_threshold"
)

// Dispatcher hands a committed batch to the proving pipeline.
type Dispatcher interface {
	Submit(ctx context.Context, batchID int64) error
}

// Result reports one committed batch.
type Result struct {
	Batch      *database.Batch
	Root       common.Hash
	Nullifiers []uint64
}

// Config holds orchestrator configuration
type Config struct {
	MaxBatchSize    int
	RetryAttempts   int
	RetryBackoff    time.Duration
	DispatchTimeout time.Duration
	Logger          *log.Logger
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	return &Config{
		MaxBatchSize:    100,
		RetryAttempts:   5,
		RetryBackoff:    50 * time.Millisecond,
		DispatchTimeout: 30 * time.Second,
		Logger:          log.New(log.Writer(), "[Orchestrator] ", log.LstdFlags),
	}
}

// Orchestrator drives the batch pipeline. Safe for concurrent use; the
// ADS service's exclusive lock and the database row locks do the
// serialization.
type Orchestrator struct {
	client     *database.Client
	repos      *database.Repositories
	ads        *ads.Service
	deriver    nullifier.Deriver
	dispatcher Dispatcher
	metrics    *metrics.Metrics

	maxBatchSize    int
	retryAttempts   int
	retryBackoff    time.Duration
	dispatchTimeout time.Duration

	logger *log.Logger
	halted atomic.Bool
}

// New creates an orchestrator.
func New(client *database.Client, repos *database.Repositories, adsService *ads.Service,
	deriver nullifier.Deriver, dispatcher Dispatcher, m *metrics.Metrics, cfg *Config) *Orchestrator {

	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(log.Writer(), "[Orchestrator] ", log.LstdFlags)
	}
	return &Orchestrator{
		client:          client,
		repos:           repos,
		ads:             adsService,
		deriver:         deriver,
		dispatcher:      dispatcher,
		metrics:         m,
		maxBatchSize:    cfg.MaxBatchSize,
		retryAttempts:   cfg.RetryAttempts,
		retryBackoff:    cfg.RetryBackoff,
		dispatchTimeout: cfg.DispatchTimeout,
		logger:          cfg.Logger,
	}
}

// Halted reports whether an integrity fault stopped the orchestrator.
func (o *Orchestrator) Halted() bool { return o.halted.Load() || o.ads.Halted() }

// CreateBatch claims up to requestedSize transactions and seals them into
// a batch. Returns (nil, nil) when there is nothing to batch.
func (o *Orchestrator) CreateBatch(ctx context.Context, requestedSize int, trigger string) (*Result, error) {
	const op = "orchestrator.CreateBatch"

	if o.Halted() {
		return nil, verrors.Ef(verrors.KindIntegrity, op, "orchestrator halted after integrity fault")
	}

	size := o.maxBatchSize
	if requestedSize > 0 && requestedSize < size {
		size = requestedSize
	}

	started := time.Now()
	var result *Result
	var err error
	for attempt := 1; ; attempt++ {
		result, err = o.createOnce(ctx, size)
		if err == nil {
			break
		}
		if verrors.IsKind(err, verrors.KindIntegrity) {
			if o.halted.CompareAndSwap(false, true) {
				o.logger.Printf("trigger=%s INTEGRITY FAULT - orchestrator stopping: %v", trigger, err)
			}
			return nil, err
		}
		if !verrors.IsRetriable(err) || attempt >= o.retryAttempts {
			return nil, err
		}
		if o.metrics != nil {
			o.metrics.ClaimConflicts.Inc()
		}
		backoff := o.retryBackoff << (attempt - 1)
		o.logger.Printf("trigger=%s claim conflict, retrying in %s (attempt %d/%d)",
			trigger, backoff, attempt, o.retryAttempts)
		select {
		case <-ctx.Done():
			return nil, verrors.E(verrors.KindInternal, op, ctx.Err())
		case <-time.After(backoff):
		}
	}

	if result == nil {
		o.logger.Printf("trigger=%s no unbatched transactions", trigger)
		return nil, nil
	}

	if o.metrics != nil {
		o.metrics.BatchesCreated.WithLabelValues(trigger).Inc()
		o.metrics.NullifiersInserted.Add(float64(len(result.Nullifiers)))
		o.metrics.BatchDuration.Observe(time.Since(started).Seconds())
		if state, serr := o.ads.TreeState(ctx); serr == nil {
			o.metrics.TreeActive.Set(float64(state.TotalActive))
		}
	}
	o.logger.Printf("trigger=%s batch %d sealed: counter %d -> %d, %d txs, root=%s",
		trigger, result.Batch.ID, result.Batch.PrevCounter, result.Batch.FinalCounter,
		len(result.Batch.TransactionIDs), result.Root.Hex())

	// Hand off to the prover outside the transaction. Proof failure leaves
	// the batch pending/failed; it never unwinds the commit.
	o.dispatch(result.Batch.ID, trigger)

	return result, nil
}

// createOnce runs one attempt of the pipeline inside one transaction,
// under the ADS exclusive lock so the in-process lock is always taken
// before the tree-state row lock.
func (o *Orchestrator) createOnce(ctx context.Context, size int) (*Result, error) {
	var result *Result
	err := o.ads.WithExclusive(func() error {
		var err error
		result, err = o.pipelineTx(ctx, size)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// pipelineTx is the claim -> derive -> insert -> commit body.
func (o *Orchestrator) pipelineTx(ctx context.Context, size int) (*Result, error) {
	tx, err := o.client.BeginTx(ctx)
	if err != nil {
		return nil, verrors.E(verrors.KindInternal, "orchestrator.createOnce", err)
	}
	defer tx.Rollback()

	imtRepo := database.NewIMTRepository(tx)
	auditRepo := database.NewAuditRepository(tx)

	// The tree-state row lock serializes the counter chain across
	// claimants; skip-locked selection keeps their row sets disjoint.
	if err := imtRepo.LockTreeState(ctx); err != nil {
		return nil, classifyLock(err)
	}

	batch, claimed, err := o.repos.Batches.Claim(ctx, tx, size)
	if err != nil {
		return nil, err
	}
	if batch == nil {
		if err := tx.Commit(); err != nil {
			return nil, verrors.E(verrors.KindInternal, "orchestrator.createOnce", err)
		}
		return nil, nil
	}

	values := make([]uint64, len(claimed))
	for i, t := range claimed {
		values[i] = o.deriver.Derive(nullifier.Tx{
			ID:        t.ID,
			Amount:    t.Amount,
			CreatedAt: t.CreatedAt,
		})
	}

	receipt, err := o.ads.BatchInsertOn(ctx, imtRepo, auditRepo, values)
	if err != nil {
		return nil, err
	}

	if err := o.repos.Batches.InsertCommitment(ctx, tx, batch.ID, receipt.Root); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, verrors.E(verrors.KindConflict, "orchestrator.createOnce", err)
	}

	return &Result{Batch: batch, Root: receipt.Root, Nullifiers: values}, nil
}

// dispatch submits the batch asynchronously with its own deadline.
func (o *Orchestrator) dispatch(batchID int64, trigger string) {
	if o.dispatcher == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), o.dispatchTimeout)
		defer cancel()
		if err := o.dispatcher.Submit(ctx, batchID); err != nil {
			o.logger.Printf("trigger=%s prover dispatch for batch %d failed: %v", trigger, batchID, err)
		}
	}()
}

// classifyLock keeps lock acquisition failures retriable.
func classifyLock(err error) error {
	if verrors.IsKind(err, verrors.KindConflict) {
		return err
	}
	return verrors.E(verrors.KindInternal, "orchestrator.lockTreeState", err)
}
