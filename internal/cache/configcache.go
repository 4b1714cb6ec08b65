package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/TencentBlueKing/bk-monitor-sub002/internal/models"
)

// ConfigCache 配置缓存，策略快照、套餐、插件、告警组统一走 Redis hash
type ConfigCache struct {
	redisClient *redis.Client
	logger      *zap.Logger
}

// NewConfigCache 创建配置缓存
func NewConfigCache(redisClient *redis.Client, logger *zap.Logger) *ConfigCache {
	return &ConfigCache{
		redisClient: redisClient,
		logger:      logger,
	}
}

// GetStrategy 读取策略快照
func (c *ConfigCache) GetStrategy(ctx context.Context, strategyID int64) (*models.StrategySnapshot, error) {
	var snapshot models.StrategySnapshot
	if err := c.getHashJSON(ctx, StrategyCacheKey(), strconv.FormatInt(strategyID, 10), &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

// SetStrategy 写入策略快照
func (c *ConfigCache) SetStrategy(ctx context.Context, snapshot *models.StrategySnapshot) error {
	if snapshot == nil {
		return fmt.Errorf("strategy snapshot is required")
	}
	return c.setHashJSON(ctx, StrategyCacheKey(), strconv.FormatInt(snapshot.ID, 10), snapshot)
}

// GetActionConfig 读取套餐配置
func (c *ConfigCache) GetActionConfig(ctx context.Context, configID int64) (*models.ActionConfig, error) {
	var config models.ActionConfig
	if err := c.getHashJSON(ctx, ActionConfigCacheKey(), strconv.FormatInt(configID, 10), &config); err != nil {
		return nil, err
	}
	return &config, nil
}

// SetActionConfig 写入套餐配置
func (c *ConfigCache) SetActionConfig(ctx context.Context, config *models.ActionConfig) error {
	if config == nil {
		return fmt.Errorf("action config is required")
	}
	return c.setHashJSON(ctx, ActionConfigCacheKey(), strconv.FormatInt(config.ID, 10), config)
}

// GetPlugin 读取插件定义
func (c *ConfigCache) GetPlugin(ctx context.Context, pluginID int64) (*models.ActionPlugin, error) {
	var plugin models.ActionPlugin
	if err := c.getHashJSON(ctx, PluginCacheKey(), strconv.FormatInt(pluginID, 10), &plugin); err != nil {
		return nil, err
	}
	return &plugin, nil
}

// SetPlugin 写入插件定义
func (c *ConfigCache) SetPlugin(ctx context.Context, plugin *models.ActionPlugin) error {
	if plugin == nil {
		return fmt.Errorf("action plugin is required")
	}
	return c.setHashJSON(ctx, PluginCacheKey(), strconv.FormatInt(plugin.ID, 10), plugin)
}

// GetUserGroup 读取告警组
func (c *ConfigCache) GetUserGroup(ctx context.Context, groupID int64) (*models.UserGroup, error) {
	var group models.UserGroup
	if err := c.getHashJSON(ctx, UserGroupCacheKey(), strconv.FormatInt(groupID, 10), &group); err != nil {
		return nil, err
	}
	return &group, nil
}

// SetUserGroup 写入告警组
func (c *ConfigCache) SetUserGroup(ctx context.Context, group *models.UserGroup) error {
	if group == nil {
		return fmt.Errorf("user group is required")
	}
	return c.setHashJSON(ctx, UserGroupCacheKey(), strconv.FormatInt(group.ID, 10), group)
}

// GetUserGroups 批量读取告警组，缺失的ID跳过
func (c *ConfigCache) GetUserGroups(ctx context.Context, groupIDs []int64) ([]*models.UserGroup, error) {
	var groups []*models.UserGroup
	for _, id := range groupIDs {
		group, err := c.GetUserGroup(ctx, id)
		if err != nil {
			c.logger.Warn("User group not found in cache",
				zap.Int64("group_id", id),
				zap.Error(err),
			)
			continue
		}
		groups = append(groups, group)
	}
	return groups, nil
}

// ListDutyPlans 读取告警组展开后的轮值时间片，按规则ID过滤（空表示全部）
func (c *ConfigCache) ListDutyPlans(ctx context.Context, groupID int64, ruleIDs []int64) ([]*models.DutyPlan, error) {
	val, err := c.redisClient.Get(ctx, DutyPlanCacheKey(groupID)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read duty plans: %w", err)
	}
	var plans []*models.DutyPlan
	if err := json.Unmarshal([]byte(val), &plans); err != nil {
		return nil, fmt.Errorf("failed to unmarshal duty plans: %w", err)
	}
	if len(ruleIDs) == 0 {
		return plans, nil
	}
	wanted := make(map[int64]bool, len(ruleIDs))
	for _, id := range ruleIDs {
		wanted[id] = true
	}
	filtered := plans[:0]
	for _, plan := range plans {
		if wanted[plan.DutyRuleID] {
			filtered = append(filtered, plan)
		}
	}
	return filtered, nil
}

// SetDutyPlans 写入告警组的轮值时间片
func (c *ConfigCache) SetDutyPlans(ctx context.Context, groupID int64, plans []*models.DutyPlan) error {
	data, err := json.Marshal(plans)
	if err != nil {
		return fmt.Errorf("failed to marshal duty plans: %w", err)
	}
	if err := c.redisClient.Set(ctx, DutyPlanCacheKey(groupID), data, ConfigCacheTTL).Err(); err != nil {
		return fmt.Errorf("failed to write duty plans: %w", err)
	}
	return nil
}

// GroupUsers 将业务人员组标识（如 bk_biz_maintainer）展开为用户名列表
func (c *ConfigCache) GroupUsers(ctx context.Context, bizID int64, groupKey string) ([]string, error) {
	val, err := c.redisClient.HGet(ctx, BizDirectoryCacheKey(bizID), groupKey).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read biz directory: %w", err)
	}
	var users []string
	if err := json.Unmarshal([]byte(val), &users); err != nil {
		return nil, fmt.Errorf("failed to unmarshal biz directory entry: %w", err)
	}
	return users, nil
}

// SetGroupUsers 写入业务人员组成员
func (c *ConfigCache) SetGroupUsers(ctx context.Context, bizID int64, groupKey string, users []string) error {
	data, err := json.Marshal(users)
	if err != nil {
		return fmt.Errorf("failed to marshal biz directory entry: %w", err)
	}
	pipe := c.redisClient.TxPipeline()
	pipe.HSet(ctx, BizDirectoryCacheKey(bizID), groupKey, data)
	pipe.Expire(ctx, BizDirectoryCacheKey(bizID), ConfigCacheTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to write biz directory: %w", err)
	}
	return nil
}

// GetBizName 读取业务名称，缓存缺失时返回空串
func (c *ConfigCache) GetBizName(ctx context.Context, bizID int64) string {
	val, err := c.redisClient.HGet(ctx, BizNameCacheKey(), strconv.FormatInt(bizID, 10)).Result()
	if err != nil {
		return ""
	}
	return val
}

// SetBizName 写入业务名称
func (c *ConfigCache) SetBizName(ctx context.Context, bizID int64, name string) error {
	if err := c.redisClient.HSet(ctx, BizNameCacheKey(), strconv.FormatInt(bizID, 10), name).Err(); err != nil {
		return fmt.Errorf("failed to write biz name: %w", err)
	}
	return nil
}

func (c *ConfigCache) getHashJSON(ctx context.Context, key, field string, out interface{}) error {
	val, err := c.redisClient.HGet(ctx, key, field).Result()
	if err != nil {
		if err == redis.Nil {
			return fmt.Errorf("cache entry not found: %s/%s", key, field)
		}
		return fmt.Errorf("failed to read cache: %w", err)
	}
	if err := json.Unmarshal([]byte(val), out); err != nil {
		return fmt.Errorf("failed to unmarshal cache entry: %w", err)
	}
	return nil
}

func (c *ConfigCache) setHashJSON(ctx context.Context, key, field string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal cache entry: %w", err)
	}
	pipe := c.redisClient.TxPipeline()
	pipe.HSet(ctx, key, field, data)
	pipe.Expire(ctx, key, ConfigCacheTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to write cache: %w", err)
	}
	return nil
}
