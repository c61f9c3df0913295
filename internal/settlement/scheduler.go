package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/metergate/metergate/internal/logging"
)

// Scheduler runs settlement batches on a fixed interval.
type Scheduler struct {
	service  *Service
	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup

	mu         sync.Mutex
	running    bool
	lastRun    time.Time
	lastResult *BatchResult
}

// NewScheduler creates a scheduler that runs one batch per interval.
func NewScheduler(service *Service, interval time.Duration) *Scheduler {
	return &Scheduler{
		service:  service,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the scheduled batch loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already running")
	}
	s.running = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(ctx)

	log := logging.NewLogger("settlement")
	log.Info().
		Dur("interval", s.interval).
		Msg("Settlement scheduler started")
	return nil
}

// Stop halts the loop and waits for an in-flight batch to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()
	log := logging.NewLogger("settlement")
	log.Info().Msg("Settlement scheduler stopped")
}

// IsRunning reports whether the loop is active.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// LastRun returns the time of the most recent batch run.
func (s *Scheduler) LastRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun
}

// LastResult returns the result of the most recent batch run.
func (s *Scheduler) LastResult() *BatchResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastResult
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.runBatch(ctx)
		}
	}
}

func (s *Scheduler) runBatch(ctx context.Context) {
	result, err := s.service.Run(ctx)
	if err != nil {
		// Overlap with a manually triggered run is fine; the ticker
		// just tries again next interval.
		if !errors.Is(err, ErrBatchInProgress) {
			log := logging.NewLogger("settlement")
			log.Error().Err(err).Msg("Scheduled settlement batch failed")
		}
		return
	}

	s.mu.Lock()
	s.lastRun = time.Now().UTC()
	s.lastResult = result
	s.mu.Unlock()
}

// RunNow triggers an immediate batch outside the schedule.
func (s *Scheduler) RunNow(ctx context.Context) (*BatchResult, error) {
	result, err := s.service.Run(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.lastRun = time.Now().UTC()
	s.lastResult = result
	s.mu.Unlock()

	return result, nil
}

// Status is the scheduler's observable state.
type Status struct {
	Running    bool         `json:"running"`
	LastRun    *time.Time   `json:"last_run,omitempty"`
	LastResult *BatchResult `json:"last_result,omitempty"`
}

// GetStatus returns the scheduler's current status.
func (s *Scheduler) GetStatus() *Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := &Status{Running: s.running}
	if !s.lastRun.IsZero() {
		t := s.lastRun
		status.LastRun = &t
	}
	if s.lastResult != nil {
		status.LastResult = s.lastResult
	}
	return status
}
