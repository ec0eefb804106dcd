package provider

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/nightscape/knowledge/internal/types"
)

// Syncer is one external system's sync entry point. A stream hub implements
// it: each Sync call exchanges queued commands for fresh state and fans the
// response out on its typed broadcasters.
type Syncer interface {
	Source() string
	Sync(ctx context.Context) error
}

// DefaultSyncInterval paces scheduled provider syncs.
const DefaultSyncInterval = 30 * time.Second

// Scheduler drives a Syncer on a schedule and on demand. One scheduler runs
// per external system.
type Scheduler struct {
	syncer   Syncer
	interval time.Duration
	log      *zap.SugaredLogger
	trigger  chan struct{}
	done     chan struct{}
}

// NewScheduler builds a scheduler; interval <= 0 selects
// DefaultSyncInterval.
func NewScheduler(s Syncer, interval time.Duration, log *zap.SugaredLogger) *Scheduler {
	if interval <= 0 {
		interval = DefaultSyncInterval
	}
	return &Scheduler{
		syncer:   s,
		interval: interval,
		log:      log,
		trigger:  make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Start spawns the sync loop. The loop exits when ctx ends.
func (s *Scheduler) Start(ctx context.Context) {
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			case <-s.trigger:
			}
			if err := s.syncer.Sync(ctx); err != nil {
				if types.IsTransient(err) {
					s.log.Infow("provider sync unavailable",
						"source", s.syncer.Source(), "err", err)
					continue
				}
				s.log.Errorw("provider sync failed",
					"source", s.syncer.Source(), "err", err)
			}
		}
	}()
}

// TriggerSync requests an immediate sync; coalesces when one is already
// pending.
func (s *Scheduler) TriggerSync() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Wait blocks until the sync loop has exited.
func (s *Scheduler) Wait() { <-s.done }
