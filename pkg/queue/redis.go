package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/obertruper/BOT-AI-V3-sub001/pkg/logger"

	"github.com/redis/go-redis/v9"
)

const (
	defaultKeyPrefix = "botai:queue"

	popTimeout     = time.Second
	pingTimeout    = 5 * time.Second
	retryScanEvery = 5 * time.Second
)

// RedisQueue is a Redis-backed job queue for fire-and-forget persistence
// work. Producers push JSON envelopes onto a list, a fixed worker pool pops
// and dispatches them to registered jobs, and failed messages are parked in
// a sorted set scored by the time they become due again. Messages that
// exhaust their retry budget land on a dead-letter list.
type RedisQueue struct {
	log    *logger.Logger
	cfg    *QueueConfig
	client *redis.Client
	prefix string

	mu      sync.RWMutex
	jobs    map[string]Job
	running bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option adjusts queue construction.
type Option func(*RedisQueue)

// WithKeyPrefix overrides the namespace shared by the message list, the
// retry set and the dead-letter list. Empty keeps the default.
func WithKeyPrefix(prefix string) Option {
	return func(q *RedisQueue) {
		if prefix != "" {
			q.prefix = prefix
		}
	}
}

// NewRedisQueue builds a queue on an existing Redis client. Workers default
// to one and the retry delay to ten seconds; nothing talks to Redis until
// Start.
func NewRedisQueue(log *logger.Logger, cfg *QueueConfig, client *redis.Client, opts ...Option) *RedisQueue {
	if cfg == nil {
		cfg = &QueueConfig{}
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 10 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &RedisQueue{
		log:    log,
		cfg:    cfg,
		client: client,
		prefix: defaultKeyPrefix,
		jobs:   make(map[string]Job),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// RegisterJob wires a job into the dispatch table. Later registrations for
// the same message type are ignored.
func (q *RedisQueue) RegisterJob(job Job) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, dup := q.jobs[job.Type()]; dup {
		q.log.Warn("job already registered", logger.String("job", job.Name()))
		return
	}
	q.jobs[job.Type()] = job
	q.log.Info("job registered",
		logger.String("job", job.Name()),
		logger.String("type", job.Type()))
}

// Start verifies the Redis connection and launches the worker pool plus the
// retry scanner.
func (q *RedisQueue) Start() error {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return errors.New("queue already running")
	}
	q.running = true
	q.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := q.client.Ping(ctx).Err(); err != nil {
		q.mu.Lock()
		q.running = false
		q.mu.Unlock()
		return fmt.Errorf("redis ping: %w", err)
	}

	for i := 0; i < q.cfg.Workers; i++ {
		q.wg.Add(1)
		go q.worker(i)
	}
	q.wg.Add(1)
	go q.retryLoop()

	q.log.Info("job queue started",
		logger.Int("workers", q.cfg.Workers),
		logger.String("addr", q.client.Options().Addr))
	return nil
}

// Stop cancels the workers and waits for them to drain, up to the given
// context's deadline.
func (q *RedisQueue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return nil
	}
	q.running = false
	q.mu.Unlock()

	q.cancel()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		q.log.Warn("job queue workers did not drain", logger.Error(ctx.Err()))
		return fmt.Errorf("stop queue: %w", ctx.Err())
	case <-done:
		q.log.Info("job queue stopped")
		return nil
	}
}

// PublishMessage enqueues a payload for asynchronous processing. It
// implements QueueService.
func (q *RedisQueue) PublishMessage(ctx context.Context, msgType string, payload interface{}) error {
	q.mu.RLock()
	running := q.running
	_, known := q.jobs[msgType]
	q.mu.RUnlock()

	if !running {
		return errors.New("queue not running")
	}
	if !known {
		return fmt.Errorf("no job registered for type %q", msgType)
	}

	msg := Message{
		ID:        strconv.FormatInt(time.Now().UnixNano(), 10),
		Type:      msgType,
		Payload:   payload,
		Timestamp: time.Now(),
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if err := q.client.LPush(ctx, q.key("messages"), raw).Err(); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	return nil
}

func (q *RedisQueue) worker(id int) {
	defer q.wg.Done()

	for q.ctx.Err() == nil {
		q.consumeOne()
	}
	q.log.Debug("queue worker stopped", logger.Int("worker", id))
}

func (q *RedisQueue) consumeOne() {
	res, err := q.client.BRPop(q.ctx, popTimeout, q.key("messages")).Result()
	if err != nil {
		switch {
		case errors.Is(err, redis.Nil):
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		default:
			q.log.Error("queue pop failed", logger.Error(err))
			time.Sleep(popTimeout)
		}
		return
	}
	if len(res) < 2 {
		return
	}

	var msg Message
	if err := json.Unmarshal([]byte(res[1]), &msg); err != nil {
		q.log.Error("malformed queue message", logger.Error(err))
		return
	}
	q.dispatch(msg)
}

func (q *RedisQueue) dispatch(msg Message) {
	q.mu.RLock()
	job, ok := q.jobs[msg.Type]
	q.mu.RUnlock()
	if !ok {
		q.log.Error("no job for message",
			logger.String("type", msg.Type),
			logger.String("id", msg.ID))
		return
	}

	err := job.Handle(q.ctx, normalizePayload(msg.Payload))
	if err == nil {
		return
	}
	if errors.Is(err, context.Canceled) {
		q.log.Warn("message abandoned on shutdown",
			logger.String("id", msg.ID),
			logger.String("job", job.Name()))
		return
	}
	q.retryOrBury(msg, job, err)
}

// normalizePayload turns decoded-JSON container shapes back into raw JSON
// so ParsePayload can target the concrete type.
func normalizePayload(payload interface{}) interface{} {
	switch payload.(type) {
	case map[string]interface{}, []interface{}:
		raw, err := json.Marshal(payload)
		if err != nil {
			return payload
		}
		return json.RawMessage(raw)
	default:
		return payload
	}
}

func (q *RedisQueue) retryOrBury(msg Message, job Job, cause error) {
	q.log.Error("job failed",
		logger.String("id", msg.ID),
		logger.String("job", job.Name()),
		logger.Int("attempt", msg.Attempts+1),
		logger.Error(cause))

	if msg.Attempts >= q.cfg.RetryLimit {
		q.log.Error("retry budget exhausted, moving to dead letter",
			logger.String("id", msg.ID),
			logger.String("job", job.Name()))
		q.pushRaw(q.key("dlq"), msg)
		return
	}

	msg.Attempts++
	due := time.Now().Add(q.cfg.RetryDelay)
	raw, err := json.Marshal(msg)
	if err != nil {
		q.log.Error("marshal retry message", logger.Error(err))
		return
	}
	if err := q.client.ZAdd(context.Background(), q.key("retry"), redis.Z{
		Score:  float64(due.Unix()),
		Member: raw,
	}).Err(); err != nil {
		q.log.Error("schedule retry", logger.Error(err))
		return
	}
	q.log.Info("retry scheduled",
		logger.String("id", msg.ID),
		logger.String("job", job.Name()),
		logger.Int("attempt", msg.Attempts),
		logger.String("due", due.Format(time.RFC3339)))
}

func (q *RedisQueue) pushRaw(key string, msg Message) {
	raw, err := json.Marshal(msg)
	if err != nil {
		q.log.Error("marshal message", logger.Error(err))
		return
	}
	if err := q.client.LPush(context.Background(), key, raw).Err(); err != nil {
		q.log.Error("push message", logger.String("key", key), logger.Error(err))
	}
}

// retryLoop periodically moves due retry messages back onto the main list.
func (q *RedisQueue) retryLoop() {
	defer q.wg.Done()

	ticker := time.NewTicker(retryScanEvery)
	defer ticker.Stop()

	for {
		select {
		case <-q.ctx.Done():
			return
		case <-ticker.C:
			q.requeueDue()
		}
	}
}

func (q *RedisQueue) requeueDue() {
	deadline := strconv.FormatInt(time.Now().Unix(), 10)
	entries, err := q.client.ZRangeByScore(q.ctx, q.key("retry"), &redis.ZRangeBy{
		Min: "0",
		Max: deadline,
	}).Result()
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			q.log.Error("scan retry set", logger.Error(err))
		}
		return
	}

	for _, raw := range entries {
		if q.ctx.Err() != nil {
			return
		}
		pipe := q.client.TxPipeline()
		pipe.ZRem(q.ctx, q.key("retry"), raw)
		pipe.LPush(q.ctx, q.key("messages"), raw)
		if _, err := pipe.Exec(q.ctx); err != nil && !errors.Is(err, context.Canceled) {
			q.log.Error("requeue retry message", logger.Error(err))
		}
	}
}

func (q *RedisQueue) key(suffix string) string {
	return q.prefix + ":" + suffix
}
