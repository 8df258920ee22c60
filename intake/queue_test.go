package intake

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/flashbots/go-utils/cli"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var testRedisEndpoint = cli.GetEnv("TEST_REDIS_ENDPOINT", "redis://localhost:6379")

func newTestQueue(t *testing.T, cfg Config) *RedisQueue {
	t.Helper()
	opts, err := redis.ParseURL(testRedisEndpoint)
	require.NoError(t, err)
	red := redis.NewClient(opts)
	if err := red.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis is not available: %v", err)
	}
	t.Cleanup(func() { _ = red.Close() })

	queue := NewRedisQueue(zap.NewNop(), red, "intake_test", cfg)
	require.NoError(t, queue.CleanQueues(context.Background()))
	t.Cleanup(func() { _ = queue.CleanQueues(context.Background()) })
	return queue
}

func TestRedisQueue(t *testing.T) {
	ctx := context.Background()
	queue := newTestQueue(t, DefaultConfig)

	processed := make(chan []byte, 10)
	nextProcessed := func() []byte {
		select {
		case data := <-processed:
			return data
		case <-time.After(2 * time.Second):
			t.Fatal("timeout")
		}
		return nil
	}
	processOk := func(ctx context.Context, data []byte, info ItemInfo) error {
		processed <- data
		return nil
	}

	t.Run("empty queue cancel", func(t *testing.T) {
		procCtx, procCancel := context.WithCancel(ctx)
		wg := queue.StartProcessLoop(procCtx, []ProcessFunc{processOk})

		// wait so code gets to the blocking pop operation
		time.Sleep(10 * time.Millisecond)

		procCancel()
		wg.Wait()
	})

	t.Run("normal processing", func(t *testing.T) {
		procCtx, procCancel := context.WithCancel(ctx)
		wg := queue.StartProcessLoop(procCtx, []ProcessFunc{processOk})

		err := queue.Push(ctx, []byte("test"), false, time.Now(), time.Now().Add(time.Minute))
		require.NoError(t, err)

		require.Equal(t, "test", string(nextProcessed()))
		procCancel()
		wg.Wait()
		require.NoError(t, queue.CleanQueues(ctx))
	})

	t.Run("multiple workers", func(t *testing.T) {
		procCtx, procCancel := context.WithCancel(ctx)
		workers := MultipleWorkers(processOk, 10, rate.Inf, 1)
		wg := queue.StartProcessLoop(procCtx, workers)

		for i := 0; i < 10; i++ {
			err := queue.Push(ctx, []byte("test-multiple"), false, time.Now(), time.Now().Add(time.Minute))
			require.NoError(t, err)
		}
		for i := 0; i < 10; i++ {
			require.Equal(t, "test-multiple", string(nextProcessed()))
		}
		procCancel()
		wg.Wait()
		require.NoError(t, queue.CleanQueues(ctx))
	})

	t.Run("not before is respected", func(t *testing.T) {
		procCtx, procCancel := context.WithCancel(ctx)
		wg := queue.StartProcessLoop(procCtx, []ProcessFunc{processOk})

		start := time.Now()
		err := queue.Push(ctx, []byte("test-later"), false, start.Add(200*time.Millisecond), start.Add(time.Minute))
		require.NoError(t, err)
		err = queue.Push(ctx, []byte("test-now"), false, start, start.Add(time.Minute))
		require.NoError(t, err)

		require.Equal(t, "test-now", string(nextProcessed()))
		require.Equal(t, "test-later", string(nextProcessed()))
		require.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)

		procCancel()
		wg.Wait()
		require.NoError(t, queue.CleanQueues(ctx))
	})

	t.Run("queue push", func(t *testing.T) {
		queue.MaxQueuedItemsLowPrio = 3
		queue.MaxQueuedItemsHighPrio = 4
		defer func() {
			queue.MaxQueuedItemsLowPrio = DefaultConfig.MaxQueuedItemsLowPrio
			queue.MaxQueuedItemsHighPrio = DefaultConfig.MaxQueuedItemsHighPrio
		}()
		deadline := time.Now().Add(time.Minute)

		err := queue.Push(ctx, []byte("test-stale"), false, time.Now(), time.Now().Add(-time.Second))
		require.ErrorIs(t, err, ErrStaleItem)

		for i := 0; i < 3; i++ {
			require.NoError(t, queue.Push(ctx, []byte{byte(i)}, false, time.Now(), deadline))
		}
		queued, err := queue.QueuedItems(ctx)
		require.NoError(t, err)
		require.Equal(t, uint64(3), queued)

		err = queue.Push(ctx, []byte("test-full"), false, time.Now(), deadline)
		require.ErrorIs(t, err, ErrQueueFull)

		err = queue.Push(ctx, []byte("test-full-high"), true, time.Now(), deadline)
		require.NoError(t, err)

		err = queue.Push(ctx, []byte("test-full-high-2"), true, time.Now(), deadline)
		require.ErrorIs(t, err, ErrQueueFull)

		require.NoError(t, queue.CleanQueues(ctx))
	})

	t.Run("retry later", func(t *testing.T) {
		var calls atomic.Int32
		processRetry := func(ctx context.Context, data []byte, info ItemInfo) error {
			if calls.Add(1) < 3 {
				return ErrProcessRetryLater
			}
			assert.Equal(t, uint16(2), info.Iteration)
			processed <- data
			return nil
		}
		queue.RetryInterval = 20 * time.Millisecond
		defer func() { queue.RetryInterval = DefaultConfig.RetryInterval }()

		procCtx, procCancel := context.WithCancel(ctx)
		wg := queue.StartProcessLoop(procCtx, []ProcessFunc{processRetry})

		err := queue.Push(ctx, []byte("test-retry"), false, time.Now(), time.Now().Add(time.Minute))
		require.NoError(t, err)
		require.Equal(t, "test-retry", string(nextProcessed()))
		require.Equal(t, int32(3), calls.Load())

		procCancel()
		wg.Wait()
		require.NoError(t, queue.CleanQueues(ctx))
	})

	t.Run("processing with error", func(t *testing.T) {
		processErr := func(ctx context.Context, data []byte, info ItemInfo) error {
			return errors.New("processing error") //nolint:goerr113
		}

		procCtx, procCancel := context.WithCancel(ctx)
		wg := queue.StartProcessLoop(procCtx, []ProcessFunc{processOk, processErr})

		for i := 0; i < 4; i++ {
			err := queue.Push(ctx, []byte("test-error"), false, time.Now(), time.Now().Add(time.Minute))
			require.NoError(t, err)
		}
		// errors other than the process errors drop the item, so only count what was processed
		received := 0
		timeout := time.After(2 * time.Second)
	loop:
		for received < 4 {
			select {
			case <-processed:
				received++
			case <-timeout:
				break loop
			}
		}
		require.Greater(t, received, 0)

		procCancel()
		wg.Wait()
		require.NoError(t, queue.CleanQueues(ctx))
	})
}
