package queue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/TencentBlueKing/bk-monitor-sub002/internal/cache"
)

// ExecuteQueue 待执行队列，按插件类型分队列的 Redis list
type ExecuteQueue struct {
	redisClient *redis.Client
	logger      *zap.Logger
}

// NewExecuteQueue 创建执行队列
func NewExecuteQueue(redisClient *redis.Client, logger *zap.Logger) *ExecuteQueue {
	return &ExecuteQueue{
		redisClient: redisClient,
		logger:      logger,
	}
}

// Push 将动作ID推入指定类型的执行队列
func (q *ExecuteQueue) Push(ctx context.Context, actionType, actionID string) error {
	if actionType == "" {
		return fmt.Errorf("action type is required")
	}
	if actionID == "" {
		return fmt.Errorf("action id is required")
	}

	key := cache.ExecuteQueueKey(actionType)
	pipe := q.redisClient.TxPipeline()
	pipe.LPush(ctx, key, actionID)
	pipe.Expire(ctx, key, cache.ExecuteQueueTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to push action: %w", err)
	}

	q.logger.Debug("Pushed action to execute queue",
		zap.String("action_type", actionType),
		zap.String("action_id", actionID),
	)
	return nil
}

// Pop 从执行队列阻塞弹出一个动作ID，超时返回空串
func (q *ExecuteQueue) Pop(ctx context.Context, actionType string, timeout time.Duration) (string, error) {
	if actionType == "" {
		return "", fmt.Errorf("action type is required")
	}

	vals, err := q.redisClient.BRPop(ctx, timeout, cache.ExecuteQueueKey(actionType)).Result()
	if err != nil {
		if err == redis.Nil {
			return "", nil
		}
		return "", fmt.Errorf("failed to pop action: %w", err)
	}
	// BRPOP 返回 [key, value]
	if len(vals) != 2 {
		return "", fmt.Errorf("unexpected brpop result: %v", vals)
	}
	return vals[1], nil
}

// Len 队列长度
func (q *ExecuteQueue) Len(ctx context.Context, actionType string) (int64, error) {
	n, err := q.redisClient.LLen(ctx, cache.ExecuteQueueKey(actionType)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get queue length: %w", err)
	}
	return n, nil
}

// DelayQueue 延迟调度队列，score 为到期时间戳的 sorted set。
// 插件步骤的 need_schedule 延迟和失败重试都走这条队列，不占用 worker 睡眠。
type DelayQueue struct {
	redisClient *redis.Client
	logger      *zap.Logger
}

// NewDelayQueue 创建延迟队列
func NewDelayQueue(redisClient *redis.Client, logger *zap.Logger) *DelayQueue {
	return &DelayQueue{
		redisClient: redisClient,
		logger:      logger,
	}
}

// DelayedTask 延迟任务，member 编码为 "actionType|actionID"
type DelayedTask struct {
	ActionType string
	ActionID   string
}

func (t DelayedTask) member() string {
	return t.ActionType + "|" + t.ActionID
}

func parseMember(member string) (DelayedTask, error) {
	for i := 0; i < len(member); i++ {
		if member[i] == '|' {
			return DelayedTask{ActionType: member[:i], ActionID: member[i+1:]}, nil
		}
	}
	return DelayedTask{}, fmt.Errorf("invalid delayed task member: %s", member)
}

// Schedule 将任务加入延迟队列，runAt 到期后可被 PopDue 取出
func (d *DelayQueue) Schedule(ctx context.Context, task DelayedTask, runAt time.Time) error {
	if task.ActionType == "" || task.ActionID == "" {
		return fmt.Errorf("action type and id are required")
	}

	err := d.redisClient.ZAdd(ctx, cache.DelayQueueKey(), &redis.Z{
		Score:  float64(runAt.Unix()),
		Member: task.member(),
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to schedule delayed task: %w", err)
	}

	d.logger.Debug("Scheduled delayed task",
		zap.String("action_id", task.ActionID),
		zap.Time("run_at", runAt),
	)
	return nil
}

// PopDue 取出全部已到期的任务并从队列移除
func (d *DelayQueue) PopDue(ctx context.Context, now time.Time) ([]DelayedTask, error) {
	key := cache.DelayQueueKey()
	max := strconv.FormatInt(now.Unix(), 10)

	members, err := d.redisClient.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: "-inf",
		Max: max,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read delayed tasks: %w", err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	removeArgs := make([]interface{}, len(members))
	tasks := make([]DelayedTask, 0, len(members))
	for i, member := range members {
		removeArgs[i] = member
		task, err := parseMember(member)
		if err != nil {
			d.logger.Warn("Dropping malformed delayed task", zap.String("member", member))
			continue
		}
		tasks = append(tasks, task)
	}

	if err := d.redisClient.ZRem(ctx, key, removeArgs...).Err(); err != nil {
		return nil, fmt.Errorf("failed to remove delayed tasks: %w", err)
	}
	return tasks, nil
}

// ServiceLock 基于 SETNX 的租约锁，多实例部署时保证周期任务单点执行
type ServiceLock struct {
	redisClient *redis.Client
}

// NewServiceLock 创建租约锁
func NewServiceLock(redisClient *redis.Client) *ServiceLock {
	return &ServiceLock{redisClient: redisClient}
}

// Acquire 尝试获取锁，已被占用时返回 false
func (l *ServiceLock) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if key == "" {
		return false, fmt.Errorf("lock key is required")
	}
	ok, err := l.redisClient.SetNX(ctx, key, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock: %w", err)
	}
	return ok, nil
}

// Release 释放锁
func (l *ServiceLock) Release(ctx context.Context, key string) error {
	if key == "" {
		return fmt.Errorf("lock key is required")
	}
	if err := l.redisClient.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}
