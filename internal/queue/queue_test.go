package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	return mr, redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestExecuteQueue_PushPop(t *testing.T) {
	_, client := setupRedis(t)
	q := NewExecuteQueue(client, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, q.Push(ctx, "webhook", "action-1"))
	require.NoError(t, q.Push(ctx, "webhook", "action-2"))

	n, err := q.Len(ctx, "webhook")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	// FIFO 顺序
	id, err := q.Pop(ctx, "webhook", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "action-1", id)

	id, err = q.Pop(ctx, "webhook", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "action-2", id)
}

func TestExecuteQueue_Validation(t *testing.T) {
	_, client := setupRedis(t)
	q := NewExecuteQueue(client, zap.NewNop())

	assert.Error(t, q.Push(context.Background(), "", "action-1"))
	assert.Error(t, q.Push(context.Background(), "webhook", ""))
}

func TestDelayQueue_PopDue(t *testing.T) {
	_, client := setupRedis(t)
	d := NewDelayQueue(client, zap.NewNop())
	ctx := context.Background()

	now := time.Now()
	require.NoError(t, d.Schedule(ctx, DelayedTask{ActionType: "webhook", ActionID: "a1"}, now.Add(-time.Minute)))
	require.NoError(t, d.Schedule(ctx, DelayedTask{ActionType: "notice", ActionID: "a2"}, now.Add(-time.Second)))
	require.NoError(t, d.Schedule(ctx, DelayedTask{ActionType: "job", ActionID: "a3"}, now.Add(time.Hour)))

	tasks, err := d.PopDue(ctx, now)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, "a1", tasks[0].ActionID)
	assert.Equal(t, "notice", tasks[1].ActionType)

	// 已取出的任务不会重复出现，未到期的留在队列
	tasks, err = d.PopDue(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, tasks)

	tasks, err = d.PopDue(ctx, now.Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "a3", tasks[0].ActionID)
}

func TestServiceLock(t *testing.T) {
	mr, client := setupRedis(t)
	lock := NewServiceLock(client)
	ctx := context.Background()

	ok, err := lock.Acquire(ctx, "test.lock", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	// 二次获取失败
	ok, err = lock.Acquire(ctx, "test.lock", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	// TTL 到期后可重新获取
	mr.FastForward(2 * time.Minute)
	ok, err = lock.Acquire(ctx, "test.lock", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, lock.Release(ctx, "test.lock"))
	ok, err = lock.Acquire(ctx, "test.lock", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}
