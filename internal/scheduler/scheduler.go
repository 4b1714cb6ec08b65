// Package scheduler 周期性任务：循环通知、屏蔽状态迁移、超时看护和父任务状态聚合。
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/TencentBlueKing/bk-monitor-sub002/internal/cache"
	"github.com/TencentBlueKing/bk-monitor-sub002/internal/config"
	"github.com/TencentBlueKing/bk-monitor-sub002/internal/models"
	"github.com/TencentBlueKing/bk-monitor-sub002/internal/queue"
	"github.com/TencentBlueKing/bk-monitor-sub002/internal/repository"
	"github.com/TencentBlueKing/bk-monitor-sub002/internal/shield"
)

// AlertSource 提供当前需要周期处理的异常告警
type AlertSource interface {
	ListAbnormalAlerts(ctx context.Context) ([]*models.Alert, error)
}

// ActionCreator 动作工厂的调度侧入口
type ActionCreator interface {
	CreateActions(ctx context.Context, strategyID int64, signal models.ActionSignal, alertIDs []string, now time.Time) ([]string, error)
	CreateIntervalActions(ctx context.Context, strategyID int64, signal models.ActionSignal, alertIDs []string, relationID int64, executeTimes int, now time.Time) ([]string, error)
	CreateUnshieldActions(ctx context.Context, strategyID int64, alertIDs []string, shieldIDs []int64, now time.Time) ([]string, error)
}

// Scheduler 周期调度器
type Scheduler struct {
	cfg       *config.Config
	clock     clock.Clock
	actions   *repository.ActionRepository
	configs   *cache.ConfigCache
	snapshots *cache.SnapshotStore
	creator   ActionCreator
	shield    *shield.Evaluator
	lock      *queue.ServiceLock
	source    AlertSource
	logger    *zap.Logger
}

// NewScheduler 创建周期调度器
func NewScheduler(
	cfg *config.Config,
	clk clock.Clock,
	actions *repository.ActionRepository,
	configs *cache.ConfigCache,
	snapshots *cache.SnapshotStore,
	creator ActionCreator,
	shieldEvaluator *shield.Evaluator,
	lock *queue.ServiceLock,
	source AlertSource,
	logger *zap.Logger,
) *Scheduler {
	return &Scheduler{
		cfg:       cfg,
		clock:     clk,
		actions:   actions,
		configs:   configs,
		snapshots: snapshots,
		creator:   creator,
		shield:    shieldEvaluator,
		lock:      lock,
		source:    source,
		logger:    logger,
	}
}

// Run 启动全部周期任务，阻塞到 ctx 取消
func (s *Scheduler) Run(ctx context.Context) {
	cycleTicker := s.clock.Ticker(time.Duration(s.cfg.Engine.PollInterval) * time.Second)
	timeoutTicker := s.clock.Ticker(time.Duration(s.cfg.Engine.TimeoutScanInterval) * time.Second)
	defer cycleTicker.Stop()
	defer timeoutTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-cycleTicker.C:
			now := s.clock.Now()
			s.TickCycle(ctx, now)
			s.SweepParents(ctx, now)
		case <-timeoutTicker.C:
			s.WatchTimeout(ctx, s.clock.Now())
		}
	}
}

// NotifyInterval 计算第 executeTimes 次通知的间隔（秒）。
// standard 为固定间隔，increasing 按倍增因子递增并受全局上限约束。
func (s *Scheduler) NotifyInterval(execConfig *models.ExecuteConfig, executeTimes int) int64 {
	if execConfig == nil || execConfig.NotifyInterval <= 0 {
		return 0
	}
	interval := execConfig.NotifyInterval
	if execConfig.IntervalNotifyMode == models.IntervalModeIncreasing {
		for i := 1; i < executeTimes; i++ {
			interval *= int64(s.cfg.IntervalNotifyFactor)
			if interval >= s.cfg.IntervalNotifyCap {
				return s.cfg.IntervalNotifyCap
			}
		}
	}
	if s.cfg.IntervalNotifyCap > 0 && interval > s.cfg.IntervalNotifyCap {
		return s.cfg.IntervalNotifyCap
	}
	return interval
}

// TickCycle 周期通知主循环：对每个异常告警检查各订阅关联是否到期
func (s *Scheduler) TickCycle(ctx context.Context, now time.Time) {
	alerts, err := s.source.ListAbnormalAlerts(ctx)
	if err != nil {
		s.logger.Error("获取异常告警失败", zap.Error(err))
		return
	}
	for _, alert := range alerts {
		if !s.cfg.OwnsBiz(alert.BizID) {
			continue
		}
		if err := s.handleAlertCycle(ctx, alert, now); err != nil {
			s.logger.Warn("告警周期处理失败",
				zap.String("alert_id", alert.ID),
				zap.Error(err),
			)
		}
	}
}

func (s *Scheduler) handleAlertCycle(ctx context.Context, alert *models.Alert, now time.Time) error {
	strategy, err := s.configs.GetStrategy(ctx, alert.StrategyID)
	if err != nil {
		return err
	}

	if err := s.watchShieldTransition(ctx, alert, strategy, now); err != nil {
		return err
	}

	if strategy.Notice == nil || !strategy.Notice.HasSignal(models.SignalAbnormal) {
		return nil
	}
	relation := strategy.Notice.AsActionRelation()
	actionConfig, err := s.configs.GetActionConfig(ctx, relation.ConfigID)
	if err != nil {
		return err
	}
	if actionConfig.ExecuteConfig == nil || actionConfig.ExecuteConfig.NotifyInterval <= 0 {
		return nil
	}

	relationKey := fmt.Sprintf("%d", relation.ID)
	record := alert.CycleRecord(relationKey)
	if record == nil {
		// 首次通知由事件驱动入口负责，周期记录缺失说明还未首发
		return nil
	}

	interval := s.NotifyInterval(actionConfig.ExecuteConfig, record.ExecuteTimes)
	if interval <= 0 || now.Unix()-record.LastTime < interval {
		return nil
	}

	// 同一告警同一关联一个周期只发一次
	locked, err := s.lock.Acquire(ctx, cache.CycleLockKey(alert.ID, relation.ID), time.Duration(interval)*time.Second)
	if err != nil {
		return err
	}
	if !locked {
		return nil
	}

	nextTimes := record.ExecuteTimes + 1
	parentIDs, err := s.creator.CreateIntervalActions(ctx, alert.StrategyID, models.SignalAbnormal, []string{alert.ID}, relation.ID, nextTimes, now)
	if err != nil {
		return err
	}
	if len(parentIDs) == 0 {
		return nil
	}

	alert.SetCycleRecord(relationKey, &models.CycleHandleRecord{
		ExecuteTimes:      nextTimes,
		LastTime:          now.Unix(),
		IsShielded:        alert.ExtraInfo != nil && alert.ExtraInfo.IsShielded,
		LatestAnomalyTime: alert.LatestTime,
	})
	if err := s.snapshots.Save(ctx, alert); err != nil {
		return err
	}

	s.logger.Info("周期通知已触发",
		zap.String("alert_id", alert.ID),
		zap.Int64("relation_id", relation.ID),
		zap.Int("execute_times", nextTimes),
	)
	return nil
}

// watchShieldTransition 跟踪屏蔽状态迁移。
// 恢复中的告警解除屏蔽不补发通知；屏蔽周期内未通知过的告警在解除时补发一次。
func (s *Scheduler) watchShieldTransition(ctx context.Context, alert *models.Alert, strategy *models.StrategySnapshot, now time.Time) error {
	result, err := s.shield.Evaluate(ctx, alert, now)
	if err != nil {
		return err
	}
	if alert.ExtraInfo == nil {
		alert.ExtraInfo = &models.AlertExtraInfo{}
	}
	wasShielded := alert.ExtraInfo.IsShielded

	switch {
	case result.IsShielded && !wasShielded:
		alert.ExtraInfo.IsShielded = true
		alert.ExtraInfo.NeedUnshieldNotice = true
		return s.snapshots.Save(ctx, alert)

	case !result.IsShielded && wasShielded:
		alert.ExtraInfo.IsShielded = false
		if alert.ExtraInfo.IsRecovering {
			// 恢复中解除屏蔽属于瞬态，不补发；新异常点会重新武装
			alert.ExtraInfo.IgnoreUnshieldNotice = true
			alert.ExtraInfo.NeedUnshieldNotice = false
			return s.snapshots.Save(ctx, alert)
		}
		if !alert.ExtraInfo.NeedUnshieldNotice || alert.ExtraInfo.IgnoreUnshieldNotice {
			return s.snapshots.Save(ctx, alert)
		}
		alert.ExtraInfo.NeedUnshieldNotice = false
		if err := s.snapshots.Save(ctx, alert); err != nil {
			return err
		}
		if s.shieldedCycleNotified(ctx, alert, strategy) {
			// 屏蔽周期内已实际发出过通知，解除时不再补发
			return nil
		}
		if _, err := s.creator.CreateUnshieldActions(ctx, alert.StrategyID, []string{alert.ID}, alert.ShieldIDs, now); err != nil {
			return err
		}
		s.logger.Info("屏蔽解除，补发通知", zap.String("alert_id", alert.ID))
		return nil

	case result.IsShielded && wasShielded && alert.IsAbnormal() && alert.ExtraInfo.IgnoreUnshieldNotice:
		// 新异常点重新武装解除补发
		alert.ExtraInfo.IgnoreUnshieldNotice = false
		alert.ExtraInfo.NeedUnshieldNotice = true
		return s.snapshots.Save(ctx, alert)
	}
	return nil
}

// shieldedCycleNotified 判断屏蔽周期内的最近一次通知是否真正发出。
// 带轮询标记的父任务意味着通知已扇出且周期仍在推进。
func (s *Scheduler) shieldedCycleNotified(ctx context.Context, alert *models.Alert, strategy *models.StrategySnapshot) bool {
	if strategy.Notice == nil {
		return false
	}
	parent, err := s.actions.GetLatestParent(ctx, strategy.Notice.ID, alert.ID)
	if err != nil {
		s.logger.Warn("查询最近父任务失败",
			zap.String("alert_id", alert.ID),
			zap.Error(err),
		)
		return false
	}
	return parent != nil && parent.NeedPoll
}

// WatchTimeout 超时看护：扫描超时未结束的动作并判失败
func (s *Scheduler) WatchTimeout(ctx context.Context, now time.Time) {
	locked, err := s.lock.Acquire(ctx, cache.TimeoutLockKey(), cache.TimeoutLockTTL)
	if err != nil {
		s.logger.Error("获取超时扫描锁失败", zap.Error(err))
		return
	}
	if !locked {
		return
	}
	defer s.lock.Release(ctx, cache.TimeoutLockKey())

	timedOut, err := s.actions.ListTimeoutActions(ctx, now, 200)
	if err != nil {
		s.logger.Error("扫描超时动作失败", zap.Error(err))
		return
	}
	for _, action := range timedOut {
		message := fmt.Sprintf("任务执行超过 %d 秒仍未完成", action.Timeout)
		if err := s.actions.SetFinished(ctx, action.ID, models.StatusFailure, models.FailureTimeout, message, nil); err != nil {
			s.logger.Warn("标记超时失败", zap.String("action_id", action.ID), zap.Error(err))
			continue
		}
		s.logger.Info("动作执行超时",
			zap.String("action_id", action.ID),
			zap.Int64("timeout", action.Timeout),
		)
		// 超时即执行失败，向订阅者发执行失败信号
		if !action.IsParentAction && len(action.Alerts) > 0 {
			if _, err := s.creator.CreateActions(ctx, action.StrategyID, models.SignalExecuteFailed, action.Alerts, now); err != nil {
				s.logger.Warn("执行失败信号扇出失败", zap.String("action_id", action.ID), zap.Error(err))
			}
		}
	}
}

// SweepParents 聚合已结束子任务的父任务状态
func (s *Scheduler) SweepParents(ctx context.Context, now time.Time) {
	grace := time.Duration(s.cfg.Engine.ConvergeGrace) * time.Second
	parents, err := s.actions.ListUnfinishedParents(ctx, now.Add(-grace), 200)
	if err != nil {
		s.logger.Error("扫描未结束父任务失败", zap.Error(err))
		return
	}
	for _, parent := range parents {
		children, err := s.actions.ListChildren(ctx, parent.ID)
		if err != nil {
			s.logger.Warn("读取子任务失败", zap.String("parent_id", parent.ID), zap.Error(err))
			continue
		}
		if len(children) == 0 {
			continue
		}

		statuses := make([]models.ActionStatus, 0, len(children))
		allFinished := true
		for _, child := range children {
			if !child.IsFinished() {
				allFinished = false
				break
			}
			statuses = append(statuses, child.Status)
		}
		if !allFinished {
			continue
		}

		aggregated := models.AggregateStatus(statuses)
		if err := s.actions.SetFinished(ctx, parent.ID, aggregated, "", "", nil); err != nil {
			s.logger.Warn("父任务状态聚合失败", zap.String("parent_id", parent.ID), zap.Error(err))
			continue
		}
		s.logger.Debug("父任务状态已聚合",
			zap.String("parent_id", parent.ID),
			zap.String("status", string(aggregated)),
		)
	}
}
