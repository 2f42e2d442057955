package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/wagginmeals/storefront/internal/pkg/metrics"
)

const (
	keyPrefix   = "wagginmeals:jobs:"
	readyKey    = keyPrefix + "ready"
	inflightKey = keyPrefix + "inflight"
	delayedKey  = keyPrefix + "delayed"
	statsKey    = keyPrefix + "stats"

	// DefaultMaxAttempts is one try plus three retries.
	DefaultMaxAttempts = 4
	// Dead jobs stay readable this long for inspection.
	jobTTL = 72 * time.Hour

	maxBackoff     = time.Hour
	stuckAfter     = 10 * time.Minute
	stuckScanEvery = time.Minute
	popTimeout     = time.Second
)

// ErrPermanent marks a handler failure that retrying cannot fix.
var ErrPermanent = errors.New("permanent job failure")

// Handler processes one job. Returning an error schedules a retry unless
// the error wraps ErrPermanent or the job is out of attempts.
type Handler func(ctx context.Context, job *Job) error

func jobKey(id string) string { return keyPrefix + "job:" + id }

// Queue runs jobs on a fixed set of workers. Ready jobs live in a Redis
// list, retries wait in a sorted set scored by their due time, so both
// survive a restart.
type Queue struct {
	client   *redis.Client
	workers  int
	handlers map[Kind]Handler
	backoff  time.Duration
	tick     time.Duration

	mu      sync.Mutex
	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool
}

func NewQueue(client *redis.Client, workers int) *Queue {
	if workers <= 0 {
		workers = 3
	}
	return &Queue{
		client:   client,
		workers:  workers,
		handlers: make(map[Kind]Handler),
		backoff:  30 * time.Second,
		tick:     time.Second,
	}
}

// Register installs the handler for a job kind. Call before Start.
func (q *Queue) Register(kind Kind, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[kind] = h
}

// SetBackoff sets the first retry delay. Each later retry doubles it, up
// to an hour.
func (q *Queue) SetBackoff(d time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.backoff = d
	if d < q.tick {
		q.tick = d
	}
}

func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running {
		return
	}
	q.stopCh = make(chan struct{})
	q.running = true
	log.Infof("[JobQueue] Starting %d workers", q.workers)

	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.work(i, q.stopCh)
	}
	q.wg.Add(1)
	go q.maintain(q.stopCh, q.tick)
}

// Stop waits for in-flight jobs to finish.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	close(q.stopCh)
	q.running = false
	q.mu.Unlock()

	q.wg.Wait()
	log.Info("[JobQueue] Workers stopped")
}

// IsRunning reports whether workers are consuming the queue.
func (q *Queue) IsRunning() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

// Enqueue stores payload as JSON and makes the job ready for a worker.
func (q *Queue) Enqueue(ctx context.Context, kind Kind, payload interface{}) (*Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", kind, err)
	}
	job := &Job{
		ID:          uuid.NewString(),
		Kind:        kind,
		State:       StateQueued,
		Payload:     raw,
		MaxAttempts: DefaultMaxAttempts,
		EnqueuedAt:  time.Now(),
	}
	data, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("encode job: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.Set(ctx, jobKey(job.ID), data, jobTTL)
	pipe.LPush(ctx, readyKey, job.ID)
	pipe.HIncrBy(ctx, statsKey, string(StateQueued), 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("enqueue %s job: %w", kind, err)
	}
	log.Debugf("[JobQueue] Enqueued %s job %s", kind, job.ID)
	return job, nil
}

func (q *Queue) work(id int, stopCh <-chan struct{}) {
	defer q.wg.Done()
	ctx := context.Background()
	for {
		select {
		case <-stopCh:
			return
		default:
		}

		jobID, err := q.client.BRPopLPush(ctx, readyKey, inflightKey, popTimeout).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			log.Errorf("[JobQueue] Worker %d: pop failed: %v", id, err)
			select {
			case <-stopCh:
				return
			case <-time.After(time.Second):
			}
			continue
		}

		job, err := q.Get(ctx, jobID)
		if err != nil {
			log.Warnf("[JobQueue] Worker %d: dropping job %s: %v", id, jobID, err)
			q.client.LRem(ctx, inflightKey, 1, jobID)
			continue
		}
		q.run(ctx, job)
	}
}

func (q *Queue) run(ctx context.Context, job *Job) {
	job.start(time.Now())
	q.save(ctx, job)

	q.mu.Lock()
	handler, ok := q.handlers[job.Kind]
	backoff := q.backoff
	q.mu.Unlock()

	var err error
	if ok {
		err = handler(ctx, job)
	} else {
		err = fmt.Errorf("%w: no handler for %q", ErrPermanent, job.Kind)
	}

	if lerr := q.client.LRem(ctx, inflightKey, 1, job.ID).Err(); lerr != nil {
		log.Errorf("[JobQueue] Release job %s: %v", job.ID, lerr)
	}

	if err == nil {
		metrics.Jobs.WithLabelValues(string(job.Kind), "done").Inc()
		q.count(ctx, StateDone)
		q.client.Del(ctx, jobKey(job.ID))
		return
	}

	runAt := time.Now().Add(retryDelay(backoff, job.Attempts))
	if job.fail(err, errors.Is(err, ErrPermanent), runAt) {
		log.Warnf("[JobQueue] %s job %s attempt %d/%d failed, retrying at %s: %v",
			job.Kind, job.ID, job.Attempts, job.MaxAttempts, runAt.Format(time.RFC3339), err)
		metrics.Jobs.WithLabelValues(string(job.Kind), "retry").Inc()
		q.save(ctx, job)
		q.client.ZAdd(ctx, delayedKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: job.ID})
		return
	}

	log.Errorf("[JobQueue] %s job %s dead after %d attempts: %v", job.Kind, job.ID, job.Attempts, err)
	metrics.Jobs.WithLabelValues(string(job.Kind), "dead").Inc()
	q.save(ctx, job)
	q.count(ctx, StateDead)
}

// retryDelay doubles base for every attempt after the first.
func retryDelay(base time.Duration, attempts int) time.Duration {
	d := base
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	return d
}

// maintain promotes due retries on every tick and rescues stuck jobs once
// a minute.
func (q *Queue) maintain(stopCh <-chan struct{}, tick time.Duration) {
	defer q.wg.Done()
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	ctx := context.Background()
	lastScan := time.Now()
	for {
		select {
		case <-stopCh:
			return
		case now := <-ticker.C:
			q.promoteDue(ctx, now)
			if now.Sub(lastScan) >= stuckScanEvery {
				q.recoverStuck(ctx, now, stuckAfter)
				lastScan = now
			}
		}
	}
}

// promoteDue moves retries whose time has come back onto the ready list.
func (q *Queue) promoteDue(ctx context.Context, now time.Time) int {
	ids, err := q.client.ZRangeByScore(ctx, delayedKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		log.Errorf("[JobQueue] Read retry set: %v", err)
		return 0
	}
	moved := 0
	for _, id := range ids {
		// ZRem decides the winner when several instances promote at once.
		if n, err := q.client.ZRem(ctx, delayedKey, id).Result(); err != nil || n == 0 {
			continue
		}
		if err := q.client.LPush(ctx, readyKey, id).Err(); err != nil {
			log.Errorf("[JobQueue] Promote job %s: %v", id, err)
			continue
		}
		moved++
	}
	return moved
}

// recoverStuck requeues jobs a crashed worker left in flight.
func (q *Queue) recoverStuck(ctx context.Context, now time.Time, maxAge time.Duration) {
	ids, err := q.client.LRange(ctx, inflightKey, 0, -1).Result()
	if err != nil {
		log.Errorf("[JobQueue] Read in-flight list: %v", err)
		return
	}
	for _, id := range ids {
		job, err := q.Get(ctx, id)
		if err != nil {
			q.client.LRem(ctx, inflightKey, 1, id)
			continue
		}
		if !job.stuck(now, maxAge) {
			continue
		}
		log.Warnf("[JobQueue] Requeueing stuck %s job %s (started %s)", job.Kind, job.ID, job.StartedAt.Format(time.RFC3339))
		job.State = StateQueued
		job.LastError = "worker lost while running"
		q.save(ctx, job)
		pipe := q.client.TxPipeline()
		pipe.LRem(ctx, inflightKey, 1, id)
		pipe.RPush(ctx, readyKey, id)
		if _, err := pipe.Exec(ctx); err != nil {
			log.Errorf("[JobQueue] Requeue job %s: %v", id, err)
		}
	}
}

func (q *Queue) save(ctx context.Context, job *Job) {
	data, err := json.Marshal(job)
	if err != nil {
		log.Errorf("[JobQueue] Encode job %s: %v", job.ID, err)
		return
	}
	if err := q.client.Set(ctx, jobKey(job.ID), data, jobTTL).Err(); err != nil {
		log.Errorf("[JobQueue] Save job %s: %v", job.ID, err)
	}
}

func (q *Queue) count(ctx context.Context, state State) {
	if err := q.client.HIncrBy(ctx, statsKey, string(state), 1).Err(); err != nil {
		log.Errorf("[JobQueue] Count %s: %v", state, err)
	}
}

// Get loads a job. Jobs that finished successfully are gone and return
// redis.Nil.
func (q *Queue) Get(ctx context.Context, id string) (*Job, error) {
	data, err := q.client.Get(ctx, jobKey(id)).Bytes()
	if err != nil {
		return nil, err
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return &job, nil
}

// Stats returns lifetime counters keyed by state: queued counts enqueues,
// done and dead count final outcomes.
func (q *Queue) Stats(ctx context.Context) (map[State]int64, error) {
	raw, err := q.client.HGetAll(ctx, statsKey).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[State]int64, len(raw))
	for state, v := range raw {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			out[State(state)] = n
		}
	}
	return out, nil
}

// Depth reports how many jobs are ready, in flight and waiting to retry.
func (q *Queue) Depth(ctx context.Context) (ready, inflight, delayed int64, err error) {
	pipe := q.client.Pipeline()
	r := pipe.LLen(ctx, readyKey)
	i := pipe.LLen(ctx, inflightKey)
	d := pipe.ZCard(ctx, delayedKey)
	if _, err = pipe.Exec(ctx); err != nil {
		return 0, 0, 0, err
	}
	return r.Val(), i.Val(), d.Val(), nil
}
