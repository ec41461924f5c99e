// Copyright 2025 Certen Protocol
//
// Trigger Scheduler - periodic and count-threshold batch triggers
//
// The scheduler owns the two background triggers. Both funnel into the
// orchestrator's CreateBatch, never around it.

package orchestrator

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/certen/vapp-engine/pkg/database"
)

// ErrSchedulerRunning is returned when Start is called twice.
var ErrSchedulerRunning = errors.New("scheduler is already running")

// SchedulerConfig holds scheduler configuration
type SchedulerConfig struct {
	Interval       time.Duration // Timer trigger cadence
	CountThreshold int           // Unbatched count that trips the threshold trigger
	ThresholdPoll  time.Duration // How often to poll the unbatched count
	Logger         *log.Logger
}

// DefaultSchedulerConfig returns default configuration
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		Interval:       30 * time.Second,
		CountThreshold: 10,
		ThresholdPoll:  2 * time.Second,
		Logger:         log.New(log.Writer(), "[Scheduler] ", log.LstdFlags),
	}
}

// Scheduler fires the timer and count-threshold triggers.
type Scheduler struct {
	mu sync.Mutex

	orch         *Orchestrator
	transactions *database.TransactionRepository

	interval       time.Duration
	countThreshold int
	thresholdPoll  time.Duration

	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	logger *log.Logger
}

// NewScheduler creates a scheduler over the orchestrator.
func NewScheduler(orch *Orchestrator, transactions *database.TransactionRepository, cfg *SchedulerConfig) *Scheduler {
	if cfg == nil {
		cfg = DefaultSchedulerConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(log.Writer(), "[Scheduler] ", log.LstdFlags)
	}
	return &Scheduler{
		orch:           orch,
		transactions:   transactions,
		interval:       cfg.Interval,
		countThreshold: cfg.CountThreshold,
		thresholdPoll:  cfg.ThresholdPoll,
		logger:         cfg.Logger,
	}
}

// Start begins both trigger loops.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrSchedulerRunning
	}
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.running = true

	go s.run(ctx)

	s.logger.Printf("Scheduler started (interval=%s, threshold=%d, poll=%s)",
		s.interval, s.countThreshold, s.thresholdPoll)
	return nil
}

// Stop halts the trigger loops and waits for them to drain.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	close(s.stopCh)
	s.running = false
	s.mu.Unlock()

	<-s.doneCh
	s.logger.Println("Scheduler stopped")
}

// run is the main trigger loop.
func (s *Scheduler) run(ctx context.Context) {
	defer close(s.doneCh)

	timer := time.NewTicker(s.interval)
	defer timer.Stop()
	poll := time.NewTicker(s.thresholdPoll)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Println("Scheduler context cancelled")
			return

		case <-s.stopCh:
			return

		case <-timer.C:
			s.fire(ctx, TriggerTimer)

		case <-poll.C:
			count, err := s.transactions.CountUnbatched(ctx)
			if err != nil {
				s.logger.Printf("Failed to poll unbatched count: %v", err)
				continue
			}
			if count >= int64(s.countThreshold) {
				s.fire(ctx, TriggerCountThreshold)
			}
		}
	}
}

// fire invokes the unified pipeline for one trigger.
func (s *Scheduler) fire(ctx context.Context, trigger string) {
	if s.orch.Halted() {
		s.logger.Printf("trigger=%s skipped: orchestrator halted", trigger)
		return
	}
	if _, err := s.orch.CreateBatch(ctx, 0, trigger); err != nil {
		s.logger.Printf("trigger=%s batch creation failed: %v", trigger, err)
	}
}
