package noisereduce

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/TencentBlueKing/bk-monitor-sub002/internal/cache"
)

// Gate 降噪门。按 (策略, 降噪维度, 级别) 统计窗口内异常对象占比，
// 比例未达标时告警被记录并滞留，达标后一次性放行窗口内全部滞留告警。
type Gate struct {
	redisClient *redis.Client
	logger      *zap.Logger
}

// NewGate 创建降噪门
func NewGate(redisClient *redis.Client, logger *zap.Logger) *Gate {
	return &Gate{
		redisClient: redisClient,
		logger:      logger,
	}
}

// RegisterTotal 登记策略范围内的监控对象基数
func (g *Gate) RegisterTotal(ctx context.Context, strategyID int64, noiseDimensionHash string, objectHashes []string, now time.Time) error {
	if len(objectHashes) == 0 {
		return nil
	}
	key := cache.NoiseReduceTotalKey(strategyID, noiseDimensionHash)
	members := make([]*redis.Z, len(objectHashes))
	for i, hash := range objectHashes {
		members[i] = &redis.Z{Score: float64(now.Unix()), Member: hash}
	}
	pipe := g.redisClient.TxPipeline()
	pipe.ZAdd(ctx, key, members...)
	pipe.Expire(ctx, key, cache.NoiseReduceTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to register total objects: %w", err)
	}
	return nil
}

// Record 记录一个将要通知的告警及其异常对象指纹
func (g *Gate) Record(ctx context.Context, strategyID int64, noiseDimensionHash string, severity int, alertID, objectHash string, firstAnomalyTime int64, now time.Time) error {
	if alertID == "" {
		return fmt.Errorf("alert id is required")
	}

	alertKey := cache.NoiseReduceAlertKey(strategyID, noiseDimensionHash, severity)
	abnormalKey := cache.NoiseReduceAbnormalKey(strategyID, noiseDimensionHash, severity)

	pipe := g.redisClient.TxPipeline()
	pipe.ZAdd(ctx, alertKey, &redis.Z{Score: float64(firstAnomalyTime), Member: alertID})
	pipe.Expire(ctx, alertKey, cache.NoiseReduceTTL)
	pipe.ZAdd(ctx, abnormalKey, &redis.Z{Score: float64(now.Unix()), Member: objectHash})
	pipe.Expire(ctx, abnormalKey, cache.NoiseReduceTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record noise-reduce alert: %w", err)
	}
	return nil
}

// Check 判定比例是否达标。达标时返回窗口内滞留的告警ID并清空记录；
// 未达标时返回 admitted=false，告警继续滞留。
func (g *Gate) Check(ctx context.Context, strategyID int64, noiseDimensionHash string, severity int, ratio float64, window time.Duration, now time.Time) (admitted bool, heldAlerts []string, err error) {
	if ratio <= 0 {
		// 比例为 0 视为未启用降噪，直接放行
		return true, nil, nil
	}

	totalKey := cache.NoiseReduceTotalKey(strategyID, noiseDimensionHash)
	abnormalKey := cache.NoiseReduceAbnormalKey(strategyID, noiseDimensionHash, severity)
	alertKey := cache.NoiseReduceAlertKey(strategyID, noiseDimensionHash, severity)

	windowStart := strconv.FormatInt(now.Add(-window).Unix(), 10)

	// 清理窗口外的旧记录
	pipe := g.redisClient.TxPipeline()
	pipe.ZRemRangeByScore(ctx, abnormalKey, "-inf", "("+windowStart)
	pipe.ZRemRangeByScore(ctx, totalKey, "-inf", "("+windowStart)
	totalCmd := pipe.ZCard(ctx, totalKey)
	abnormalCmd := pipe.ZCard(ctx, abnormalKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, nil, fmt.Errorf("failed to count noise-reduce sets: %w", err)
	}

	total := totalCmd.Val()
	abnormal := abnormalCmd.Val()
	if total == 0 {
		return false, nil, nil
	}

	current := float64(abnormal) / float64(total)
	if current < ratio {
		g.logger.Debug("降噪窗口未达标，告警滞留",
			zap.Int64("strategy_id", strategyID),
			zap.Int64("abnormal", abnormal),
			zap.Int64("total", total),
			zap.Float64("ratio", current),
		)
		return false, nil, nil
	}

	// 达标，放行窗口内全部滞留告警并清空
	alerts, err := g.redisClient.ZRange(ctx, alertKey, 0, -1).Result()
	if err != nil {
		return false, nil, fmt.Errorf("failed to read held alerts: %w", err)
	}

	clean := g.redisClient.TxPipeline()
	clean.Del(ctx, alertKey)
	clean.Del(ctx, abnormalKey)
	if _, err := clean.Exec(ctx); err != nil {
		return false, nil, fmt.Errorf("failed to clear noise-reduce sets: %w", err)
	}

	g.logger.Info("降噪窗口达标，放行滞留告警",
		zap.Int64("strategy_id", strategyID),
		zap.Int("held_count", len(alerts)),
		zap.Float64("ratio", current),
	)
	return true, alerts, nil
}

// TryInitWindow 尝试创建降噪窗口，返回是否由当前调用方创建
func (g *Gate) TryInitWindow(ctx context.Context, strategyID int64, noiseDimensionHash string, window time.Duration) (bool, error) {
	key := cache.NoiseReduceInitLockKey(strategyID, noiseDimensionHash)
	ok, err := g.redisClient.SetNX(ctx, key, "1", window).Result()
	if err != nil {
		return false, fmt.Errorf("failed to init noise-reduce window: %w", err)
	}
	return ok, nil
}
