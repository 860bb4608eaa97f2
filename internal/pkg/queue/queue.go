package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/superduperfeeder/superduperfeeder/internal/pkg/cache"
)

const (
	// Redis key prefixes
	TaskKeyPrefix     = "task:"
	TaskQueueKey      = "task_queue"
	TaskProcessingKey = "task_processing"
	TaskDelayedKey    = "task_delayed"
	TaskDeadKey       = "task_dead"
	TaskStatsKey      = "task_stats"

	// Task settings
	DefaultMaxRetries = 3
	TaskTTL           = 24 * time.Hour // Task records expire after 24 hours

	// Shutdown drains in-flight handlers before abandoning them;
	// abandoned work is repeated safely after restart.
	shutdownGrace = 30 * time.Second
)

// Handler processes one dequeued task. A returned error consumes one
// retry; a nil return completes the task.
type Handler func(ctx context.Context, task *Task) error

// EnqueueOptions tune a single enqueue.
type EnqueueOptions struct {
	// Delay postpones the first attempt.
	Delay time.Duration
	// MaxRetries overrides DefaultMaxRetries when > 0.
	MaxRetries int
	// BackoffSeconds is the per-attempt retry delay schedule.
	BackoffSeconds []int64
}

// Queue manages durable background tasks using Redis
type Queue struct {
	client     *redis.Client
	workers    int
	handlers   map[TaskType]Handler
	workerPool chan struct{}
	stopCh     chan struct{}
	wg         sync.WaitGroup
	mu         sync.Mutex
	running    bool
}

// NewQueue creates a new task queue
func NewQueue(workers int) *Queue {
	if workers <= 0 {
		workers = 3 // Default number of workers
	}

	return &Queue{
		client:     cache.GetClient(),
		workers:    workers,
		handlers:   make(map[TaskType]Handler),
		workerPool: make(chan struct{}, workers),
		stopCh:     make(chan struct{}),
	}
}

// Register installs the handler for a task type. Must be called before
// Start; the dispatch loop routes by task tag.
func (q *Queue) Register(t TaskType, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[t] = h
}

// Start starts the queue workers, the delayed-task mover and the
// stuck-processing sweeper
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.running {
		return
	}

	q.stopCh = make(chan struct{})
	q.running = true
	log.Infof("[Queue] Starting %d workers", q.workers)

	for i := 0; i < q.workers; i++ {
		q.workerPool <- struct{}{}
	}
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(i)
	}

	// Delayed tasks become visible once their ready time passes.
	q.wg.Add(1)
	go q.delayedMover(time.Second)

	// Recover tasks stuck in processing after a crash.
	q.wg.Add(1)
	go q.stuckSweeper(10*time.Minute, time.Minute)
}

// Stop stops the workers, draining in-flight handlers for up to the
// shutdown grace period
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	log.Info("[Queue] Stopping workers...")
	close(q.stopCh)
	q.running = false
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("[Queue] All workers stopped")
	case <-time.After(shutdownGrace):
		log.Warn("[Queue] Shutdown grace elapsed, abandoning in-flight tasks")
	}
}

// Enqueue adds a new task to the queue. The task is durably stored in
// Redis before Enqueue returns.
func (q *Queue) Enqueue(taskType TaskType, payload map[string]interface{}, opts *EnqueueOptions) (*Task, error) {
	ctx := context.Background()

	task := &Task{
		ID:         uuid.New().String(),
		Type:       taskType,
		Status:     TaskStatusPending,
		Payload:    payload,
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
		RetryCount: 0,
		MaxRetries: DefaultMaxRetries,
	}

	var delay time.Duration
	if opts != nil {
		if opts.MaxRetries > 0 {
			task.MaxRetries = opts.MaxRetries
		}
		task.BackoffSeconds = opts.BackoffSeconds
		delay = opts.Delay
	}

	taskData, err := json.Marshal(task)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal task: %w", err)
	}

	taskKey := TaskKeyPrefix + task.ID

	// Use a pipeline for atomic operations
	pipe := q.client.TxPipeline()
	pipe.Set(ctx, taskKey, taskData, TaskTTL)
	if delay > 0 {
		pipe.ZAdd(ctx, TaskDelayedKey, redis.Z{
			Score:  float64(time.Now().Add(delay).UnixMilli()),
			Member: task.ID,
		})
	} else {
		pipe.LPush(ctx, TaskQueueKey, task.ID)
	}
	pipe.HIncrBy(ctx, TaskStatsKey, string(TaskStatusPending), 1)

	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to enqueue task: %w", err)
	}

	log.Debugf("[Queue] Enqueued task %s (Type: %s, Delay: %s)", task.ID, task.Type, delay)
	return task, nil
}

// worker processes tasks from the queue
func (q *Queue) worker(id int) {
	defer q.wg.Done()
	log.Infof("[Queue] Worker %d started", id)

	ctx := context.Background()

	for {
		select {
		case <-q.stopCh:
			log.Infof("[Queue] Worker %d stopping", id)
			return
		default:
			<-q.workerPool

			task, err := q.dequeueTask(ctx)
			if err != nil {
				if err != redis.Nil {
					log.Errorf("[Queue] Worker %d: Error dequeuing task: %v", id, err)
				}
				q.workerPool <- struct{}{}
				time.Sleep(time.Second)
				continue
			}

			if task != nil {
				q.processTask(ctx, task)
			}

			q.workerPool <- struct{}{}
		}
	}
}

// dequeueTask gets the next task from the queue
func (q *Queue) dequeueTask(ctx context.Context) (*Task, error) {
	// Move task from pending queue to processing queue atomically
	taskID, err := q.client.BRPopLPush(ctx, TaskQueueKey, TaskProcessingKey, time.Second).Result()
	if err != nil {
		return nil, err
	}

	taskKey := TaskKeyPrefix + taskID
	taskData, err := q.client.Get(ctx, taskKey).Result()
	if err != nil {
		// Task data not found, remove from processing queue
		q.client.LRem(ctx, TaskProcessingKey, 1, taskID)
		return nil, fmt.Errorf("task data not found for ID %s", taskID)
	}

	var task Task
	if err := json.Unmarshal([]byte(taskData), &task); err != nil {
		q.client.LRem(ctx, TaskProcessingKey, 1, taskID)
		return nil, fmt.Errorf("failed to unmarshal task %s: %w", taskID, err)
	}

	return &task, nil
}

// processTask runs the handler for a single task, converting panics to
// retryable failures so a poison message ends in the dead list rather
// than killing a worker
func (q *Queue) processTask(ctx context.Context, task *Task) {
	task.MarkAsProcessing()
	q.updateTask(ctx, task)

	err := q.runHandler(ctx, task)

	if err != nil {
		log.Errorf("[Queue] Task %s (%s) failed: %v", task.ID, task.Type, err)
		task.MarkAsFailed(err.Error())

		if task.IsRetryable() {
			delay := task.NextRetryDelay()
			log.Infof("[Queue] Retrying task %s in %s (Attempt %d/%d)", task.ID, delay, task.RetryCount, task.MaxRetries)
			task.MarkAsRetrying()
			q.updateTask(ctx, task)
			q.scheduleRetry(ctx, task, delay)
		} else {
			log.Errorf("[Queue] Task %s permanently failed after %d attempts, moving to dead list", task.ID, task.RetryCount)
			task.MarkAsDead()
			q.updateTask(ctx, task)
			q.client.LPush(ctx, TaskDeadKey, task.ID)
			q.updateTaskStats(ctx, TaskStatusDead, 1)
		}
	} else {
		log.Debugf("[Queue] Task %s completed", task.ID)
		task.MarkAsCompleted()
		q.updateTaskStats(ctx, TaskStatusCompleted, 1)
		// Remove completed task from Redis entirely
		q.client.Del(ctx, TaskKeyPrefix+task.ID)
	}

	q.client.LRem(ctx, TaskProcessingKey, 1, task.ID)
}

func (q *Queue) runHandler(ctx context.Context, task *Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s handler: %v", task.Type, r)
		}
	}()

	q.mu.Lock()
	handler, ok := q.handlers[task.Type]
	q.mu.Unlock()
	if !ok {
		return fmt.Errorf("no handler registered for task type %s", task.Type)
	}
	return handler(ctx, task)
}

// scheduleRetry makes the task visible again after the delay
func (q *Queue) scheduleRetry(ctx context.Context, task *Task, delay time.Duration) {
	err := q.client.ZAdd(ctx, TaskDelayedKey, redis.Z{
		Score:  float64(time.Now().Add(delay).UnixMilli()),
		Member: task.ID,
	}).Err()
	if err != nil {
		log.Errorf("[Queue] Failed to schedule retry for task %s: %v", task.ID, err)
	}
}

// delayedMover promotes delayed tasks whose ready time has passed onto
// the pending queue
func (q *Queue) delayedMover(interval time.Duration) {
	defer q.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	ctx := context.Background()

	for {
		select {
		case <-q.stopCh:
			return
		case <-ticker.C:
			now := strconv.FormatInt(time.Now().UnixMilli(), 10)
			ids, err := q.client.ZRangeByScore(ctx, TaskDelayedKey, &redis.ZRangeBy{
				Min: "-inf",
				Max: now,
			}).Result()
			if err != nil {
				log.Errorf("[Queue] Delayed mover error: %v", err)
				continue
			}
			for _, id := range ids {
				pipe := q.client.TxPipeline()
				pipe.ZRem(ctx, TaskDelayedKey, id)
				pipe.LPush(ctx, TaskQueueKey, id)
				if _, err := pipe.Exec(ctx); err != nil {
					log.Errorf("[Queue] Failed to promote delayed task %s: %v", id, err)
				}
			}
		}
	}
}

// stuckSweeper periodically scans the processing list and requeues tasks
// stuck for longer than maxAge
func (q *Queue) stuckSweeper(maxAge time.Duration, interval time.Duration) {
	defer q.wg.Done()
	log.Infof("[Queue] Stuck sweeper running (maxAge=%s, interval=%s)", maxAge, interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	ctx := context.Background()

	for {
		select {
		case <-q.stopCh:
			log.Info("[Queue] Stuck sweeper stopping")
			return
		case <-ticker.C:
			ids, err := q.client.LRange(ctx, TaskProcessingKey, 0, -1).Result()
			if err != nil {
				log.Errorf("[Queue] Sweeper LRange error: %v", err)
				continue
			}
			now := time.Now()
			for _, id := range ids {
				taskKey := TaskKeyPrefix + id
				data, err := q.client.Get(ctx, taskKey).Result()
				if err != nil {
					// Task data missing; remove from processing list
					if err != redis.Nil {
						log.Errorf("[Queue] Sweeper Get error for %s: %v", id, err)
					}
					_ = q.client.LRem(ctx, TaskProcessingKey, 1, id).Err()
					continue
				}
				var task Task
				if uerr := json.Unmarshal([]byte(data), &task); uerr != nil {
					log.Errorf("[Queue] Sweeper unmarshal error for %s: %v", id, uerr)
					_ = q.client.LRem(ctx, TaskProcessingKey, 1, id).Err()
					continue
				}
				if task.Status != TaskStatusProcessing {
					// Clean up stray entry
					_ = q.client.LRem(ctx, TaskProcessingKey, 1, id).Err()
					continue
				}
				started := task.ProcessedAt
				if started == nil || started.IsZero() {
					tmp := task.UpdatedAt
					if tmp.IsZero() {
						tmp = task.CreatedAt
					}
					started = &tmp
				}
				if now.Sub(*started) > maxAge {
					log.Warnf("[Queue] Recovering stuck task %s (type=%s), age=%s", task.ID, task.Type, now.Sub(*started))
					task.Status = TaskStatusPending
					task.ErrorMsg = "recovered by sweeper"
					task.UpdatedAt = now
					q.updateTask(ctx, &task)
					_ = q.client.LRem(ctx, TaskProcessingKey, 1, id).Err()
					_ = q.client.RPush(ctx, TaskQueueKey, id).Err()
				}
			}
		}
	}
}

// updateTask updates task data in Redis
func (q *Queue) updateTask(ctx context.Context, task *Task) {
	taskData, err := json.Marshal(task)
	if err != nil {
		log.Errorf("[Queue] Failed to marshal task %s: %v", task.ID, err)
		return
	}
	if err := q.client.Set(ctx, TaskKeyPrefix+task.ID, taskData, TaskTTL).Err(); err != nil {
		log.Errorf("[Queue] Failed to update task %s: %v", task.ID, err)
	}
}

// updateTaskStats updates task statistics
func (q *Queue) updateTaskStats(ctx context.Context, status TaskStatus, delta int64) {
	if err := q.client.HIncrBy(ctx, TaskStatsKey, string(status), delta).Err(); err != nil {
		log.Errorf("[Queue] Failed to update task stats: %v", err)
	}
}

// GetTask retrieves a task by ID
func (q *Queue) GetTask(ctx context.Context, taskID string) (*Task, error) {
	taskData, err := q.client.Get(ctx, TaskKeyPrefix+taskID).Result()
	if err != nil {
		return nil, err
	}
	var task Task
	if err := json.Unmarshal([]byte(taskData), &task); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task: %w", err)
	}
	return &task, nil
}

// GetStats returns counters per task status
func (q *Queue) GetStats(ctx context.Context) (map[TaskStatus]int64, error) {
	stats, err := q.client.HGetAll(ctx, TaskStatsKey).Result()
	if err != nil {
		return nil, err
	}
	result := make(map[TaskStatus]int64)
	for status, count := range stats {
		if n, err := strconv.ParseInt(count, 10, 64); err == nil {
			result[TaskStatus(status)] = n
		}
	}
	return result, nil
}

// GetQueueSize returns the number of pending tasks
func (q *Queue) GetQueueSize(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, TaskQueueKey).Result()
}

// GetProcessingSize returns the number of tasks being processed
func (q *Queue) GetProcessingSize(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, TaskProcessingKey).Result()
}

// GetDelayedSize returns the number of tasks waiting on a delay
func (q *Queue) GetDelayedSize(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, TaskDelayedKey).Result()
}

// GetDeadSize returns the number of dead tasks
func (q *Queue) GetDeadSize(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, TaskDeadKey).Result()
}
