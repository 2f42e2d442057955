package jobqueue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/wagginmeals/storefront/internal/pkg/env"
	"github.com/wagginmeals/storefront/internal/pkg/subscription"
)

const (
	defaultBillingInterval = 60 * time.Minute
	billingRunTimeout      = 30 * time.Minute
)

var ErrBillingInProgress = errors.New("billing run already in progress")

type BillingRunner interface {
	Run(ctx context.Context) subscription.RunResult
}

// Lifecycle is a background component started and stopped with the manager.
type Lifecycle interface {
	Start()
	Stop()
}

type ManagerConfig struct {
	Queue   *Queue
	Billing BillingRunner
	SyncLog Lifecycle
	// BillingInterval of zero disables the periodic sweep.
	BillingInterval time.Duration
}

// Manager owns the background side of the service: the sync log writer,
// the job queue and the periodic billing sweep. Components start in that
// order and stop in reverse, so the sync log drains last.
type Manager struct {
	queue    *Queue
	billing  BillingRunner
	interval time.Duration
	parts    []Lifecycle

	sweepMu sync.Mutex

	mu      sync.Mutex
	stopCh  chan struct{}
	sweepWG sync.WaitGroup
	running bool
}

func NewManager(cfg ManagerConfig) *Manager {
	m := &Manager{queue: cfg.Queue, billing: cfg.Billing, interval: cfg.BillingInterval}
	if cfg.SyncLog != nil {
		m.parts = append(m.parts, cfg.SyncLog)
	}
	if cfg.Queue != nil {
		m.parts = append(m.parts, cfg.Queue)
	}
	return m
}

// BillingIntervalFromEnv reads BILLING_SWEEP_INTERVAL_MINUTES (default 60, 0 disables).
func BillingIntervalFromEnv() time.Duration {
	minutes := env.GetEnvInt("BILLING_SWEEP_INTERVAL_MINUTES", int(defaultBillingInterval/time.Minute), 0)
	return time.Duration(minutes) * time.Minute
}

func (m *Manager) Queue() *Queue {
	return m.queue
}

func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	for _, p := range m.parts {
		p.Start()
	}
	m.stopCh = make(chan struct{})
	if m.billing != nil && m.interval > 0 {
		m.sweepWG.Add(1)
		go m.sweepLoop(m.stopCh)
	}
	m.running = true
	log.Infof("[Scheduler] Started (%d components, billing sweep every %s)", len(m.parts), m.interval)
}

// Stop lets a sweep already in progress finish before stopping components.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	close(m.stopCh)
	m.sweepWG.Wait()
	for i := len(m.parts) - 1; i >= 0; i-- {
		m.parts[i].Stop()
	}
	m.running = false
	log.Info("[Scheduler] Stopped")
}

func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Manager) sweepLoop(stopCh <-chan struct{}) {
	defer m.sweepWG.Done()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), billingRunTimeout)
			if _, err := m.RunBillingOnce(ctx); err != nil {
				log.Warnf("[Scheduler] Billing sweep skipped: %v", err)
			}
			cancel()
		}
	}
}

// RunBillingOnce runs a single billing sweep. Overlapping sweeps are refused.
func (m *Manager) RunBillingOnce(ctx context.Context) (subscription.RunResult, error) {
	if m.billing == nil {
		return subscription.RunResult{}, errors.New("billing runner not configured")
	}
	if !m.sweepMu.TryLock() {
		return subscription.RunResult{}, ErrBillingInProgress
	}
	defer m.sweepMu.Unlock()
	return m.billing.Run(ctx), nil
}
