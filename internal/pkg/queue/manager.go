package queue

import (
	"context"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
)

// Hooks are the periodic maintenance entry points the manager drives.
// They live in the engine packages; the manager only owns the cadence.
type Hooks struct {
	// PollDueFeeds enqueues one poll_feed task per due feed.
	PollDueFeeds func(ctx context.Context) (int, error)
	// RenewDueSubscriptions refreshes outbound subscriptions close to expiry.
	RenewDueSubscriptions func(ctx context.Context) (int, error)
	// CleanupExpiredVerifications purges user callbacks whose
	// verification token lapsed.
	CleanupExpiredVerifications func(ctx context.Context) (int64, error)
	// ClearExpiredSubscriptions deletes inbound subscriptions past
	// expiry plus grace.
	ClearExpiredSubscriptions func(ctx context.Context) (int64, error)
}

// Intervals are the scheduler cadences.
type Intervals struct {
	Poll        time.Duration
	Maintenance time.Duration
	ExpireSweep time.Duration
}

// DefaultIntervals returns the standard cadences: poll every minute,
// renewal/cleanup every 10 minutes, expiry sweep every hour.
func DefaultIntervals() Intervals {
	return Intervals{
		Poll:        time.Minute,
		Maintenance: 10 * time.Minute,
		ExpireSweep: time.Hour,
	}
}

// Manager owns the task queue and the periodic triggers
type Manager struct {
	queue     *Queue
	hooks     Hooks
	intervals Intervals
	stopCh    chan struct{}
	wg        sync.WaitGroup
	mu        sync.Mutex
	running   bool
}

var (
	globalManager *Manager
	managerOnce   sync.Once
)

// InitManager builds the global manager (singleton)
func InitManager(q *Queue, hooks Hooks, intervals Intervals) *Manager {
	managerOnce.Do(func() {
		globalManager = &Manager{
			queue:     q,
			hooks:     hooks,
			intervals: intervals,
			stopCh:    make(chan struct{}),
		}
	})
	return globalManager
}

// GetManager returns the global manager; InitManager must have run.
func GetManager() *Manager {
	if globalManager == nil {
		panic("Queue manager not initialized. Call InitManager first.")
	}
	return globalManager
}

// GetQueue returns the managed task queue
func (m *Manager) GetQueue() *Queue {
	return m.queue
}

// Start starts the task queue and the periodic triggers
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}

	// Recreate stop channel for each start cycle so the manager can be
	// restarted safely.
	m.stopCh = make(chan struct{})
	m.running = true
	log.Info("[Queue Manager] Starting task queue and periodic triggers")

	m.queue.Start()

	m.wg.Add(1)
	go m.tickLoop("poll", m.intervals.Poll, func(ctx context.Context) {
		if m.hooks.PollDueFeeds == nil {
			return
		}
		n, err := m.hooks.PollDueFeeds(ctx)
		if err != nil {
			log.Errorf("[Queue Manager] Poll trigger failed: %v", err)
			return
		}
		if n > 0 {
			log.Infof("[Queue Manager] Enqueued %d due feeds", n)
		}
	})

	m.wg.Add(1)
	go m.tickLoop("maintenance", m.intervals.Maintenance, func(ctx context.Context) {
		if m.hooks.RenewDueSubscriptions != nil {
			if n, err := m.hooks.RenewDueSubscriptions(ctx); err != nil {
				log.Errorf("[Queue Manager] Renewal trigger failed: %v", err)
			} else if n > 0 {
				log.Infof("[Queue Manager] Scheduled %d subscription renewals", n)
			}
		}
		if m.hooks.CleanupExpiredVerifications != nil {
			if n, err := m.hooks.CleanupExpiredVerifications(ctx); err != nil {
				log.Errorf("[Queue Manager] Verification cleanup failed: %v", err)
			} else if n > 0 {
				log.Infof("[Queue Manager] Purged %d expired callback verifications", n)
			}
		}
	})

	m.wg.Add(1)
	go m.tickLoop("expire-sweep", m.intervals.ExpireSweep, func(ctx context.Context) {
		if m.hooks.ClearExpiredSubscriptions == nil {
			return
		}
		n, err := m.hooks.ClearExpiredSubscriptions(ctx)
		if err != nil {
			log.Errorf("[Queue Manager] Expiry sweep failed: %v", err)
			return
		}
		if n > 0 {
			log.Infof("[Queue Manager] Deleted %d expired subscriptions", n)
		}
	})
}

// Stop stops the periodic triggers and drains the queue workers
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	log.Info("[Queue Manager] Stopping...")
	close(m.stopCh)
	m.running = false
	m.mu.Unlock()

	m.wg.Wait()
	m.queue.Stop()
	log.Info("[Queue Manager] Stopped")
}

func (m *Manager) tickLoop(name string, interval time.Duration, fn func(ctx context.Context)) {
	defer m.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			log.Infof("[Queue Manager] %s trigger stopping", name)
			return
		case <-ticker.C:
			fn(context.Background())
		}
	}
}
