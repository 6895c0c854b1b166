// Package scheduler drives the replay engine from connectivity
// transitions and a periodic sweep, so queued actions drain without
// any caller having to ask for it.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/fieldsync/fieldsync/internal/connectivity"
	apperrors "github.com/fieldsync/fieldsync/internal/errors"
	"github.com/fieldsync/fieldsync/internal/logging"
	syncpkg "github.com/fieldsync/fieldsync/internal/sync"
)

// DefaultSweepInterval is how often the scheduler replays the queue
// while the device stays online.
const DefaultSweepInterval = 5 * time.Minute

// Scheduler triggers synchronization passes on three occasions: at
// startup when the device is already online, whenever connectivity
// transitions from offline to online, and on a fixed interval while
// online. All triggers funnel into the engine, which coalesces
// overlapping passes itself.
type Scheduler struct {
	engine        *syncpkg.Engine
	conn          connectivity.Observer
	sweepInterval time.Duration
	logger        *logging.Logger

	stopCh      chan struct{}
	unsubscribe func()
	wg          sync.WaitGroup

	mu           sync.RWMutex
	running      bool
	lastSyncTime time.Time
	lastSyncErr  error
}

// NewScheduler wires a scheduler to the engine and connectivity
// source. A non-positive interval falls back to DefaultSweepInterval.
func NewScheduler(engine *syncpkg.Engine, conn connectivity.Observer, sweepInterval time.Duration) *Scheduler {
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}
	return &Scheduler{
		engine:        engine,
		conn:          conn,
		sweepInterval: sweepInterval,
		logger:        logging.Get(),
		stopCh:        make(chan struct{}),
	}
}

// Start launches the sweep loop and subscribes to connectivity
// transitions. If the device is online at startup a pass runs
// immediately, picking up actions left over from the previous run.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	s.unsubscribe = s.conn.Subscribe(func(online bool) {
		if !online {
			return
		}
		s.logger.Info("connectivity restored, starting synchronization", nil)
		s.trigger(ctx)
	})

	if s.conn.Online() {
		s.trigger(ctx)
	}

	s.wg.Add(1)
	go s.sweepLoop(ctx)

	s.logger.Info("sync scheduler started", map[string]interface{}{
		"sweep_interval": s.sweepInterval.String(),
	})
}

// Stop halts the sweep loop and drops the connectivity subscription.
// A pass already in flight finishes on its own.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	close(s.stopCh)
	s.wg.Wait()

	s.logger.Info("sync scheduler stopped", nil)
}

// SyncNow runs a synchronization pass on the calling goroutine,
// regardless of the sweep schedule.
func (s *Scheduler) SyncNow(ctx context.Context) error {
	err := s.engine.SyncPending(ctx)
	s.record(err)
	return err
}

// Status is a point-in-time snapshot of the scheduler.
type Status struct {
	Running      bool      `json:"running"`
	Online       bool      `json:"online"`
	LastSyncTime time.Time `json:"lastSyncTime"`
	LastSyncErr  string    `json:"lastSyncError,omitempty"`
}

// Status reports whether the scheduler is running, current
// connectivity, and the outcome of the most recent pass.
func (s *Scheduler) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Status{
		Running:      s.running,
		Online:       s.conn.Online(),
		LastSyncTime: s.lastSyncTime,
	}
	if s.lastSyncErr != nil {
		st.LastSyncErr = s.lastSyncErr.Error()
	}
	return st
}

func (s *Scheduler) sweepLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.conn.Online() {
				continue
			}
			s.trigger(ctx)
		}
	}
}

// trigger runs a pass in the background. An already-running pass is
// left alone; it will pick up whatever this trigger would have.
func (s *Scheduler) trigger(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := s.engine.SyncPending(ctx)
		if apperrors.Is(err, apperrors.ErrSyncInProgress) {
			return
		}
		s.record(err)
		if err != nil {
			s.logger.Error("scheduled synchronization failed", err, nil)
		}
	}()
}

func (s *Scheduler) record(err error) {
	s.mu.Lock()
	s.lastSyncTime = time.Now()
	s.lastSyncErr = err
	s.mu.Unlock()
}
