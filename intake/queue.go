// Package intake is the asynchronous submission queue of the relayer. It uses redis as a backend.
//
// Queue uses one sorted set in redis to store items. The score of an item is the earliest time it may be
// processed (unix milliseconds), every item also carries a deadline after which it is dropped.
//
// Usage:
// 1. Create a new queue instance with `NewRedisQueue`.
// 2. Start processing loop with `StartProcessLoop`.
// 3. Push items to the queue with `Push`.
//
// NOTE: Queue is not 100% reliable.
//
//	There is a small chance that an item is lost when the worker who claimed the item crashes or loses connection
//	to the network. Workers never hold more items than they are processing, so at most one item per worker
//	can be lost this way.
//
// Queue processing:
//
//  1. The queue is processed by a number of workers in parallel, one per `ProcessFunc` passed to
//     `StartProcessLoop`. Each worker works on one item at a time.
//
//  2. Items are popped in the following order:
//     * Items with the earlier not-before time are processed first. If the time is not reached yet the item is
//     pushed back.
//     * Items with the same not-before time are ordered lexicographically by
//     + high priority
//     + number of retries of this item
//     + time of submission
//     + deadline
//     + payload data itself
//
//  3. `ProcessFunc` returns
//     * `nil` when the item was processed.
//     * `ErrProcessRetryLater` when the item should be retried after `RetryInterval` (e.g. no disposable key was
//     available).
//     * `ErrProcessWorkerError` when the item should be retried right away by another worker.
//     Retried items are pushed back up to `MaxRetries` times and never past their deadline.
//
// Queue shutdown:
// 1. Workers stop when the context passed to `StartProcessLoop` is cancelled.
// 2. The WaitGroup returned from `StartProcessLoop` can be used to wait for all workers to finish processing.
package intake

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/808putnam/qtrade-relayer/metrics"
	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var (
	ErrStaleItem         = errors.New("item is stale")
	ErrQueueFull         = errors.New("queue is full")
	ErrMaxRetriesReached = errors.New("max retries reached")
	ErrRequeueFailed     = errors.New("item requeue failed")
)

// Errors returned by ProcessFunc.
var (
	// ErrProcessRetryLater is returned by ProcessFunc if the item should be retried after RetryInterval.
	ErrProcessRetryLater = errors.New("retry processing later")
	// ErrProcessWorkerError is returned by ProcessFunc if the item should be retried right away by a different worker.
	ErrProcessWorkerError = errors.New("worker error, retry processing on another worker")
)

// ItemInfo describes the queued item handed to a ProcessFunc.
type ItemInfo struct {
	Iteration uint16
	Deadline  time.Time
	Queued    time.Time
}

type ProcessFunc func(ctx context.Context, data []byte, info ItemInfo) error

type Queue interface {
	Push(ctx context.Context, data []byte, highPriority bool, notBefore, deadline time.Time) error
	StartProcessLoop(ctx context.Context, workers []ProcessFunc) *sync.WaitGroup
}

type RedisQueue struct {
	log       *zap.Logger
	red       *redis.Client
	queueName string
	now       func() time.Time

	Config
}

func NewRedisQueue(log *zap.Logger, red *redis.Client, queueName string, cfg Config) *RedisQueue {
	return &RedisQueue{
		log:       log.With(zap.String("queue", queueName)),
		red:       red,
		queueName: queueName,
		now:       time.Now,
		Config:    cfg,
	}
}

func (s *RedisQueue) Push(ctx context.Context, data []byte, highPriority bool, notBefore, deadline time.Time) error {
	now := s.now()
	if !deadline.After(now) {
		s.log.Debug("deadline already passed, skipping", zap.Time("deadline", deadline))
		metrics.IncIntakeStaleItems()
		return ErrStaleItem
	}
	if notBefore.Before(now) {
		notBefore = now
	}

	args := packArgs{
		data:         data,
		notBefore:    notBefore,
		deadline:     deadline,
		highPriority: highPriority,
		timestamp:    now,
		iteration:    0,
	}
	if err := s.pushToQueue(ctx, args); err != nil {
		return err
	}
	metrics.IncIntakeQueued()
	s.log.Debug("pushed to queue", zap.Time("not_before", notBefore), zap.Time("deadline", deadline), zap.Bool("high_priority", highPriority))
	return nil
}

// QueuedItems returns the number of items waiting in the queue.
func (s *RedisQueue) QueuedItems(ctx context.Context) (uint64, error) {
	return s.red.ZCard(ctx, s.queueName).Uint64()
}

func (s *RedisQueue) pushToQueue(ctx context.Context, args packArgs) error {
	queued, err := s.QueuedItems(ctx)
	if err != nil {
		s.log.Warn("failed to get queued items", zap.Error(err))
		return err
	}
	threshold := s.MaxQueuedItemsLowPrio
	if args.highPriority {
		threshold = s.MaxQueuedItemsHighPrio
	}
	if queued >= threshold {
		s.log.Error("too many unprocessed items in the queue", zap.Uint64("queued", queued), zap.Uint64("max_queued_items", threshold))
		metrics.IncIntakeQueueFull()
		return ErrQueueFull
	}

	score, redisData := packData(args)
	err = s.red.ZAdd(ctx, s.queueName, redis.Z{Score: score, Member: redisData}).Err()
	if err != nil {
		s.log.Debug("failed to push to queue", zap.Error(err))
	}
	return err
}

// popFromQueue pops an item from the queue
// it will block for up to 1 second waiting for an item if a queue is empty
func (s *RedisQueue) popFromQueue(ctx context.Context) (packArgs, error) {
	value, err := s.red.BZPopMin(ctx, time.Second, s.queueName).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return packArgs{}, err
		}
		s.log.Error("failed to pop from queue", zap.Error(err))
		return packArgs{}, err
	}

	redisData, ok := value.Member.(string)
	if !ok {
		s.log.Error("failed to pop from queue, invalid data type")
		return packArgs{}, errInvalidPackedData
	}

	args, err := unpackData(value.Score, []byte(redisData))
	if err != nil {
		s.log.Error("failed to unpack data", zap.Error(err))
		return packArgs{}, err
	}
	return args, nil
}

func (s *RedisQueue) processNextItem(ctx context.Context, process ProcessFunc) error {
	// requeue retries use their own backoff because items must not be lost
	exp := backoff.NewExponentialBackOff()
	exp.MaxElapsedTime = 4 * time.Second
	back := backoff.WithContext(exp, ctx)

	args, err := s.popFromQueue(ctx)
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return err
	}

	now := s.now()
	if now.After(args.deadline) {
		s.log.Debug("skipping stale item", zap.Time("deadline", args.deadline), zap.Uint16("iteration", args.iteration))
		metrics.IncIntakeStaleItems()
		return nil
	}

	// too early to process, push back and wait a bit so the loop does not spin on the same item
	if wait := args.notBefore.Sub(now); wait > 0 {
		if err := s.retryItem(ctx, args, false, back); err != nil {
			return err
		}
		if wait > s.PollInterval {
			wait = s.PollInterval
		}
		select {
		case <-ctx.Done():
		case <-time.After(wait):
		}
		return nil
	}

	workerCtx, workerCancel := context.WithTimeout(ctx, s.WorkerTimeout)
	defer workerCancel()
	err = process(workerCtx, args.data, ItemInfo{Iteration: args.iteration, Deadline: args.deadline, Queued: args.timestamp})

	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrProcessWorkerError):
		s.log.Warn("worker failed to process item, retrying", zap.Error(err), zap.Uint16("iteration", args.iteration))
		if err := s.retryItem(ctx, args, true, back); err != nil {
			return err
		}
	case errors.Is(err, ErrProcessRetryLater):
		args.notBefore = s.now().Add(s.RetryInterval)
		if args.notBefore.After(args.deadline) {
			s.log.Debug("item can't be retried before its deadline, dropping", zap.Time("deadline", args.deadline))
			metrics.IncIntakeStaleItems()
			return nil
		}
		s.log.Debug("item scheduled for retry", zap.Error(err), zap.Time("not_before", args.notBefore), zap.Uint16("iteration", args.iteration))
		if err := s.retryItem(ctx, args, true, back); err != nil {
			return err
		}
	case err != nil:
		return err
	}
	s.log.Debug("processed queue item", zap.Uint16("iteration", args.iteration), zap.Duration("time_in_queue", time.Since(args.timestamp)))
	return nil
}

// StartProcessLoop starts a loop that will process items from the queue
// it will spawn a goroutine for each worker.
// ctx can be used to signal shutdown
// Wait group is returned to allow for graceful shutdown
func (s *RedisQueue) StartProcessLoop(ctx context.Context, workers []ProcessFunc) *sync.WaitGroup {
	var wg sync.WaitGroup
	for _, process := range workers {
		wg.Add(1)
		go func(process ProcessFunc) {
			defer wg.Done()

			exp := backoff.NewExponentialBackOff()
			exp.MaxInterval = 30 * time.Second
			exp.MaxElapsedTime = 2 * time.Minute
			back := backoff.WithContext(exp, ctx)
			for {
				select {
				case <-ctx.Done():
					return
				default:
					err := backoff.Retry(func() error {
						return s.processNextItem(ctx, process)
					}, back)
					if err != nil && !errors.Is(err, context.Canceled) {
						s.log.Error("Processing next element failed", zap.Error(err))
					}
				}
			}
		}(process)
	}
	return &wg
}

func (s *RedisQueue) retryItem(ctx context.Context, args packArgs, incrIteration bool, back backoff.BackOff) error {
	if incrIteration {
		if args.iteration >= s.MaxRetries {
			return backoff.Permanent(ErrMaxRetriesReached)
		}
		args.iteration++
		metrics.IncIntakeRequeued()
	}
	err := backoff.Retry(func() error {
		return s.pushToQueue(ctx, args)
	}, back)
	if err != nil {
		s.log.Error("failed to requeue item", zap.Error(err))
		return errors.Join(err, ErrRequeueFailed)
	}
	return nil
}

// CleanQueues cleans all data in redis associated with the given queue
// NOTE: slow and dangerous operation, should only be used for testing
func (s *RedisQueue) CleanQueues(ctx context.Context) error {
	return s.red.Del(ctx, s.queueName).Err()
}
