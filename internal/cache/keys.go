package cache

import (
	"fmt"
	"time"
)

// 键前缀，多套环境共用 Redis 时通过前缀隔离
const KeyPrefix = "bkmonitor.fta"

// 各类键的 TTL
const (
	AlertSnapshotTTL      = 30 * time.Minute
	NoticeCollectTTL      = 24 * time.Hour
	ConvergeDimensionTTL  = 30 * time.Minute
	SubConvergeTTL        = 30 * time.Minute
	NoiseReduceTTL        = 24 * time.Hour
	ServiceLockTTL        = time.Minute
	TimeoutLockTTL        = 2 * time.Minute
	NoticeCollectLockTTL  = 5 * time.Minute
	ExecuteQueueTTL       = 7 * 24 * time.Hour
	ConfigCacheTTL        = 10 * time.Minute
	AlertDetectTTL        = 3 * time.Hour
)

// AlertSnapshotKey 告警内容快照
func AlertSnapshotKey(strategyID int64, alertID string) string {
	return fmt.Sprintf("%s.alert.builder.snapshot.%d.%s", KeyPrefix, strategyID, alertID)
}

// AlertDetectKey 单告警检测结果
func AlertDetectKey(alertID string) string {
	return fmt.Sprintf("%s.alert.detect.%s", KeyPrefix, alertID)
}

// NoticeCollectKey 单告警汇总待发送池，hash 结构，field 为接收人
func NoticeCollectKey(signal, noticeWay, alertID string) string {
	return fmt.Sprintf("%s.fta_action.notice.%s.%s.%s", KeyPrefix, signal, noticeWay, alertID)
}

// NoticeCollectLockKey 单告警汇总发送锁
func NoticeCollectLockKey(signal, noticeWay, alertID string) string {
	return fmt.Sprintf("%s.fta_action.notice.lock.%s.%s.%s", KeyPrefix, signal, noticeWay, alertID)
}

// ConvergeDimensionKey 一级收敛维度存储，sorted set，member 为动作ID，score 为创建时间
func ConvergeDimensionKey(strategyID int64, dimensionHash string) string {
	return fmt.Sprintf("%s.fta_action.converge.%d.%s", KeyPrefix, strategyID, dimensionHash)
}

// ConvergeProcessLockKey 收敛主任务处理锁
func ConvergeProcessLockKey(dimensionHash string) string {
	return fmt.Sprintf("%s.fta_action.converge.%s.process.lock", KeyPrefix, dimensionHash)
}

// SubConvergeDimensionKey 二级收敛维度存储，sorted set
func SubConvergeDimensionKey(bizID int64, signal, noticeWay, receiver string, level int) string {
	return fmt.Sprintf("%s.fta_action.sub_converge.%d.%s.%s.%s.%d", KeyPrefix, bizID, signal, noticeWay, receiver, level)
}

// SubConvergeLockKey 二级收敛窗口锁
func SubConvergeLockKey(bizID int64, signal, noticeWay, receiver string, level int) string {
	return fmt.Sprintf("%s.fta_action.sub_converge.lock.%d.%s.%s.%s.%d", KeyPrefix, bizID, signal, noticeWay, receiver, level)
}

// NoiseReduceTotalKey 降噪窗口基数，sorted set，member 为告警维度哈希
func NoiseReduceTotalKey(strategyID int64, noiseDimensionHash string) string {
	return fmt.Sprintf("%s.access.noise_reduce.total.%d.%s", KeyPrefix, strategyID, noiseDimensionHash)
}

// NoiseReduceAbnormalKey 降噪窗口内异常维度计数，sorted set
func NoiseReduceAbnormalKey(strategyID int64, noiseDimensionHash string, severity int) string {
	return fmt.Sprintf("%s.access.noise_reduce.dimension_count.%d.%s.%d", KeyPrefix, strategyID, noiseDimensionHash, severity)
}

// NoiseReduceAlertKey 降噪窗口内告警集合，sorted set
func NoiseReduceAlertKey(strategyID int64, noiseDimensionHash string, severity int) string {
	return fmt.Sprintf("%s.access.noise_reduce.alert.%d.%s.%d", KeyPrefix, strategyID, noiseDimensionHash, severity)
}

// NoiseReduceInitLockKey 降噪窗口创建锁
func NoiseReduceInitLockKey(strategyID int64, noiseDimensionHash string) string {
	return fmt.Sprintf("%s.access.noise_reduce.init.lock.%d.%s", KeyPrefix, strategyID, noiseDimensionHash)
}

// ExecuteQueueKey 待执行队列，list 结构，按执行类型分队列
func ExecuteQueueKey(actionType string) string {
	return fmt.Sprintf("%s.fta_action.%s", KeyPrefix, actionType)
}

// ConvergeQueueKey 待收敛队列，list 结构
func ConvergeQueueKey(convergeType string) string {
	return fmt.Sprintf("%s.converge.%s", KeyPrefix, convergeType)
}

// DelayQueueKey 延迟调度队列，sorted set，score 为到期时间戳
func DelayQueueKey() string {
	return fmt.Sprintf("%s.fta_action.delay", KeyPrefix)
}

// TimeoutLockKey 超时扫描周期任务锁
func TimeoutLockKey() string {
	return fmt.Sprintf("%s.fta_action.timeout.process.lock", KeyPrefix)
}

// CycleLockKey 单告警单配置的周期任务创建锁
func CycleLockKey(alertID string, relationID int64) string {
	return fmt.Sprintf("%s.fta_action.interval.lock.%s.%d", KeyPrefix, alertID, relationID)
}

// StrategyCacheKey 策略快照缓存，hash 结构，field 为策略ID
func StrategyCacheKey() string {
	return fmt.Sprintf("%s.cache.strategy", KeyPrefix)
}

// ActionConfigCacheKey 套餐配置缓存，hash 结构，field 为配置ID
func ActionConfigCacheKey() string {
	return fmt.Sprintf("%s.cache.action_config", KeyPrefix)
}

// PluginCacheKey 插件定义缓存，hash 结构，field 为插件ID
func PluginCacheKey() string {
	return fmt.Sprintf("%s.cache.action_plugin", KeyPrefix)
}

// UserGroupCacheKey 告警组缓存，hash 结构，field 为告警组ID
func UserGroupCacheKey() string {
	return fmt.Sprintf("%s.cache.user_group", KeyPrefix)
}

// DutyPlanCacheKey 告警组轮值时间片缓存，value 为 JSON 数组
func DutyPlanCacheKey(groupID int64) string {
	return fmt.Sprintf("%s.cache.duty_plan.%d", KeyPrefix, groupID)
}

// BizDirectoryCacheKey 业务人员目录缓存，hash 结构，field 为人员组标识
func BizDirectoryCacheKey(bizID int64) string {
	return fmt.Sprintf("%s.cache.biz_directory.%d", KeyPrefix, bizID)
}

// BizNameCacheKey 业务名称缓存，hash 结构，field 为业务ID
func BizNameCacheKey() string {
	return fmt.Sprintf("%s.cache.biz_name", KeyPrefix)
}

// ShieldRuleCacheKey 屏蔽规则缓存，value 为业务下全部规则的 JSON 数组
func ShieldRuleCacheKey(bizID int64) string {
	return fmt.Sprintf("%s.cache.shield.%d", KeyPrefix, bizID)
}

// AbnormalAlertIndexKey 未恢复告警索引，set 结构，member 为 "策略ID|告警ID"
func AbnormalAlertIndexKey() string {
	return fmt.Sprintf("%s.alert.abnormal.index", KeyPrefix)
}
