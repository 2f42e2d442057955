package ghl

import (
	"context"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/wagginmeals/storefront/internal/pkg/metrics"
)

const (
	defaultSyncLogQueueSize = 256
	syncLogWriteTimeout     = 10 * time.Second
)

// SyncLogEntry is the outcome of one contact sync, to be mirrored on the
// local row that triggered it.
type SyncLogEntry struct {
	Table       string
	RecordID    string
	Result      SyncResult
	Tags        []string
	RemovedTags []string
}

// SyncLogStore persists sync outcomes.
type SyncLogStore interface {
	RecordSync(ctx context.Context, entry SyncLogEntry, at time.Time) error
}

// SyncLogger records sync outcomes on a detached worker so callers never
// wait on, or fail because of, the mirror write.
type SyncLogger struct {
	store   SyncLogStore
	queue   chan SyncLogEntry
	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	now     func() time.Time
}

func NewSyncLogger(store SyncLogStore, queueSize int) *SyncLogger {
	if queueSize <= 0 {
		queueSize = defaultSyncLogQueueSize
	}
	return &SyncLogger{
		store: store,
		queue: make(chan SyncLogEntry, queueSize),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// LogSync enqueues entry and returns immediately. A full queue drops the
// entry with an error log.
func (l *SyncLogger) LogSync(entry SyncLogEntry) {
	select {
	case l.queue <- entry:
	default:
		log.Errorf("[GHL SyncLog] Queue full, dropping sync log for %s/%s", entry.Table, entry.RecordID)
		metrics.SyncLogFailures.WithLabelValues("queue_full").Inc()
	}
}

func (l *SyncLogger) Start() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return
	}
	l.stopCh = make(chan struct{})
	l.running = true
	l.wg.Add(1)
	go l.worker(l.stopCh)
	log.Info("[GHL SyncLog] Worker started")
}

// Stop waits for the worker to drain queued entries.
func (l *SyncLogger) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	close(l.stopCh)
	l.running = false
	l.mu.Unlock()

	l.wg.Wait()
	log.Info("[GHL SyncLog] Worker stopped")
}

func (l *SyncLogger) IsRunning() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

func (l *SyncLogger) worker(stopCh <-chan struct{}) {
	defer l.wg.Done()
	for {
		select {
		case entry := <-l.queue:
			l.record(entry)
		case <-stopCh:
			for {
				select {
				case entry := <-l.queue:
					l.record(entry)
				default:
					return
				}
			}
		}
	}
}

func (l *SyncLogger) record(entry SyncLogEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), syncLogWriteTimeout)
	defer cancel()
	if err := l.store.RecordSync(ctx, entry, l.now()); err != nil {
		log.Errorf("[GHL SyncLog] Failed to record sync for %s/%s: %v", entry.Table, entry.RecordID, err)
		metrics.SyncLogFailures.WithLabelValues("store_error").Inc()
	}
}
