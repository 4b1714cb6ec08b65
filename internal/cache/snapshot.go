package cache

import (
	"context"
	"fmt"
	"strconv"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/TencentBlueKing/bk-monitor-sub002/internal/models"
)

// SnapshotStore 告警快照存取，动作执行过程中读取的告警内容以快照为准
type SnapshotStore struct {
	redisClient *redis.Client
	logger      *zap.Logger
}

// NewSnapshotStore 创建快照存储
func NewSnapshotStore(redisClient *redis.Client, logger *zap.Logger) *SnapshotStore {
	return &SnapshotStore{
		redisClient: redisClient,
		logger:      logger,
	}
}

// Save 写入告警快照
func (s *SnapshotStore) Save(ctx context.Context, alert *models.Alert) error {
	if alert == nil || alert.ID == "" {
		return fmt.Errorf("alert id is required")
	}

	data, err := alert.MarshalSnapshot()
	if err != nil {
		return fmt.Errorf("failed to marshal alert snapshot: %w", err)
	}

	key := AlertSnapshotKey(alert.StrategyID, alert.ID)
	member := indexMember(alert.StrategyID, alert.ID)
	pipe := s.redisClient.TxPipeline()
	pipe.Set(ctx, key, data, AlertSnapshotTTL)
	// 未恢复告警进入索引供周期调度器扫描，恢复后移除
	if alert.IsAbnormal() {
		pipe.SAdd(ctx, AbnormalAlertIndexKey(), member)
	} else {
		pipe.SRem(ctx, AbnormalAlertIndexKey(), member)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save alert snapshot: %w", err)
	}

	s.logger.Debug("Saved alert snapshot",
		zap.String("alert_id", alert.ID),
		zap.Int64("strategy_id", alert.StrategyID),
	)
	return nil
}

// Get 读取告警快照
func (s *SnapshotStore) Get(ctx context.Context, strategyID int64, alertID string) (*models.Alert, error) {
	if alertID == "" {
		return nil, fmt.Errorf("alert id is required")
	}

	key := AlertSnapshotKey(strategyID, alertID)
	val, err := s.redisClient.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, fmt.Errorf("alert snapshot not found: %s", alertID)
		}
		return nil, fmt.Errorf("failed to get alert snapshot: %w", err)
	}

	alert, err := models.UnmarshalSnapshot([]byte(val))
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal alert snapshot: %w", err)
	}
	return alert, nil
}

// ListAbnormalAlerts 读取索引中全部未恢复告警的快照。
// 快照过期或已丢失的索引项顺带清理。
func (s *SnapshotStore) ListAbnormalAlerts(ctx context.Context) ([]*models.Alert, error) {
	members, err := s.redisClient.SMembers(ctx, AbnormalAlertIndexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read abnormal alert index: %w", err)
	}

	alerts := make([]*models.Alert, 0, len(members))
	for _, member := range members {
		strategyID, alertID, ok := parseIndexMember(member)
		if !ok {
			s.redisClient.SRem(ctx, AbnormalAlertIndexKey(), member)
			continue
		}
		alert, err := s.Get(ctx, strategyID, alertID)
		if err != nil {
			s.logger.Debug("Dropping stale abnormal alert index entry",
				zap.String("member", member),
				zap.Error(err),
			)
			s.redisClient.SRem(ctx, AbnormalAlertIndexKey(), member)
			continue
		}
		alerts = append(alerts, alert)
	}
	return alerts, nil
}

func indexMember(strategyID int64, alertID string) string {
	return fmt.Sprintf("%d|%s", strategyID, alertID)
}

func parseIndexMember(member string) (int64, string, bool) {
	for i := 0; i < len(member); i++ {
		if member[i] == '|' {
			strategyID, err := strconv.ParseInt(member[:i], 10, 64)
			if err != nil {
				return 0, "", false
			}
			return strategyID, member[i+1:], true
		}
	}
	return 0, "", false
}
