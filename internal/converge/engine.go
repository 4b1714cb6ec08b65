package converge

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/TencentBlueKing/bk-monitor-sub002/internal/cache"
	"github.com/TencentBlueKing/bk-monitor-sub002/internal/models"
	"github.com/TencentBlueKing/bk-monitor-sub002/internal/repository"
)

// CollectActionBuilder 汇总动作工厂。
// 收敛引擎判定需要汇总时，由上层（动作工厂）构造并持久化 signal=collect 的汇总动作。
type CollectActionBuilder interface {
	BuildCollectAction(ctx context.Context, seed *models.ActionInstance, convergeID int64, peerIDs []string) (*models.ActionInstance, error)
}

// Outcome 收敛判定结果
type Outcome struct {
	// Status 为空表示动作正常放行
	Status      models.ActionStatus
	Description string
	ConvergeID  int64
	// CollectActionID 触发汇总时的主汇总动作
	CollectActionID string
}

// Proceed 动作是否继续执行
func (o *Outcome) Proceed() bool {
	return o.Status == ""
}

// Engine 两级收敛引擎
type Engine struct {
	converges   *repository.ConvergeRepository
	actions     *repository.ActionRepository
	redisClient *redis.Client
	builder     CollectActionBuilder
	logger      *zap.Logger
}

// NewEngine 创建收敛引擎
func NewEngine(converges *repository.ConvergeRepository, actions *repository.ActionRepository, redisClient *redis.Client, builder CollectActionBuilder, logger *zap.Logger) *Engine {
	return &Engine{
		converges:   converges,
		actions:     actions,
		redisClient: redisClient,
		builder:     builder,
		logger:      logger,
	}
}

// ProcessAction 一级收敛入口。动作入库后、入执行队列前调用。
func (e *Engine) ProcessAction(ctx context.Context, action *models.ActionInstance, config *models.ConvergeConfig, now time.Time) (*Outcome, error) {
	if config == nil || config.ConvergeFunc == "" {
		return &Outcome{}, nil
	}

	// 收敛关闭时父子任务直接终止为已收敛，不再进入二级收敛
	if !config.IsEnabled {
		return &Outcome{Status: models.StatusConverged, Description: "收敛配置未启用"}, nil
	}

	key := ConvergeKey(action, config)
	count, err := e.trackDimension(ctx, action, key, config.Timedelta, now)
	if err != nil {
		return nil, err
	}

	instance, err := e.getOrCreateConverge(ctx, action, config, key, now)
	if err != nil {
		return nil, err
	}

	if count < config.Count {
		// 未达阈值，记录关联后放行
		if _, err := e.converges.AddRelation(ctx, &models.ConvergeRelation{
			ConvergeID:     instance.ID,
			RelatedID:      action.ID,
			RelatedType:    models.ConvergeTypeAction,
			ConvergeStatus: models.ConvergeExecuted,
		}); err != nil {
			return nil, err
		}
		return &Outcome{ConvergeID: instance.ID}, nil
	}

	switch config.ConvergeFunc {
	case models.ConvergeCollect, models.ConvergeCollectAlarm:
		return e.collect(ctx, action, config, instance, key, now)
	case models.ConvergeSkipWhenSuccess:
		return e.skipWhen(ctx, action, instance, func(status models.ActionStatus) bool {
			return status == models.StatusSuccess || status == models.StatusPartialSuccess
		})
	case models.ConvergeSkipWhenProceed:
		return e.skipWhen(ctx, action, instance, func(status models.ActionStatus) bool {
			return !models.EndStatus[status]
		})
	case models.ConvergeDefense, models.ConvergeTrigger:
		if _, err := e.converges.AddRelation(ctx, &models.ConvergeRelation{
			ConvergeID:     instance.ID,
			RelatedID:      action.ID,
			RelatedType:    models.ConvergeTypeAction,
			ConvergeStatus: models.ConvergeExecuted,
		}); err != nil {
			return nil, err
		}
		return &Outcome{ConvergeID: instance.ID, Description: instance.Description}, nil
	}
	return &Outcome{ConvergeID: instance.ID}, nil
}

// trackDimension 将动作记入收敛维度窗口并返回窗口内动作数
func (e *Engine) trackDimension(ctx context.Context, action *models.ActionInstance, key string, timedelta int64, now time.Time) (int, error) {
	dimensionKey := cache.ConvergeDimensionKey(action.StrategyID, key)
	windowStart := float64(now.Add(-time.Duration(timedelta) * time.Second).Unix())

	pipe := e.redisClient.TxPipeline()
	pipe.ZAdd(ctx, dimensionKey, &redis.Z{Score: float64(now.Unix()), Member: action.ID})
	pipe.ZRemRangeByScore(ctx, dimensionKey, "-inf", fmt.Sprintf("(%f", windowStart))
	countCmd := pipe.ZCard(ctx, dimensionKey)
	pipe.Expire(ctx, dimensionKey, cache.ConvergeDimensionTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to track converge dimension: %w", err)
	}
	return int(countCmd.Val()), nil
}

func (e *Engine) getOrCreateConverge(ctx context.Context, action *models.ActionInstance, config *models.ConvergeConfig, key string, now time.Time) (*models.ConvergeInstance, error) {
	instance, err := e.converges.GetActiveConverge(ctx, key, now)
	if err != nil {
		return nil, err
	}
	if instance != nil {
		return instance, nil
	}

	endTime := now.Add(time.Duration(config.Timedelta) * time.Second)
	instance = &models.ConvergeInstance{
		BizID:        action.BizID,
		ConvergeType: models.ConvergeTypeAction,
		ConvergeFunc: config.ConvergeFunc,
		ConvergeKey:  key,
		Config:       config,
		Description:  Description(config),
		EndTime:      &endTime,
		CreatedAt:    now,
	}
	id, err := e.converges.CreateConverge(ctx, instance)
	if err != nil {
		return nil, err
	}
	instance.ID = id
	return instance, nil
}

// collect 汇总收敛：窗口首个触发者创建汇总动作并当选主实例，后来者挂到已有汇总下被跳过
func (e *Engine) collect(ctx context.Context, action *models.ActionInstance, config *models.ConvergeConfig, instance *models.ConvergeInstance, key string, now time.Time) (*Outcome, error) {
	// 当前动作挂入窗口，标记为被跳过
	if _, err := e.converges.AddRelation(ctx, &models.ConvergeRelation{
		ConvergeID:     instance.ID,
		RelatedID:      action.ID,
		RelatedType:    models.ConvergeTypeAction,
		ConvergeStatus: models.ConvergeSkipped,
	}); err != nil {
		return nil, err
	}

	collectID, err := e.ensureCollectAction(ctx, action, instance, key, now)
	if err != nil {
		return nil, err
	}

	outcome := &Outcome{
		Status:          models.StatusSkipped,
		Description:     instance.Description,
		ConvergeID:      instance.ID,
		CollectActionID: collectID,
	}

	// 二级收敛：主汇总动作再进入业务级汇总窗口
	if collectID != "" && config.NeedBizConverge && config.SubConvergeConfig != nil {
		if err := e.processSubConverge(ctx, action, collectID, config.SubConvergeConfig, now); err != nil {
			e.logger.Warn("二级收敛处理失败",
				zap.String("collect_action_id", collectID),
				zap.Error(err),
			)
		}
	}
	return outcome, nil
}

// ensureCollectAction 保证收敛窗口有且只有一个汇总动作。
// 用窗口发送锁串行化创建，窗口已有主实例时直接复用。
func (e *Engine) ensureCollectAction(ctx context.Context, seed *models.ActionInstance, instance *models.ConvergeInstance, key string, now time.Time) (string, error) {
	lockKey := cache.ConvergeProcessLockKey(key)
	locked, err := e.redisClient.SetNX(ctx, lockKey, "1", cache.ServiceLockTTL).Result()
	if err != nil {
		return "", fmt.Errorf("failed to lock converge: %w", err)
	}
	if !locked {
		// 竞争失败方直接读取已有主实例，主实例创建和关系写入之间存在
		// 短暂空窗，读不到时由下一个进入窗口的动作再次驱动
		return e.converges.GetPrimaryRelatedID(ctx, instance.ID)
	}
	defer e.redisClient.Del(ctx, lockKey)

	primaryID, err := e.converges.GetPrimaryRelatedID(ctx, instance.ID)
	if err != nil {
		return "", err
	}
	if primaryID != "" {
		return primaryID, nil
	}

	peerIDs, err := e.converges.ListRelatedIDs(ctx, instance.ID, models.ConvergeTypeAction)
	if err != nil {
		return "", err
	}

	collect, err := e.builder.BuildCollectAction(ctx, seed, instance.ID, peerIDs)
	if err != nil {
		return "", err
	}

	inserted, err := e.converges.AddRelation(ctx, &models.ConvergeRelation{
		ConvergeID:     instance.ID,
		RelatedID:      collect.ID,
		RelatedType:    models.ConvergeTypeAction,
		ConvergeStatus: models.ConvergeExecuted,
	})
	if err != nil {
		return "", err
	}
	if !inserted {
		return e.converges.GetPrimaryRelatedID(ctx, instance.ID)
	}

	elected, err := e.converges.ElectPrimary(ctx, instance.ID, collect.ID)
	if err != nil {
		return "", err
	}
	if !elected {
		// 唯一索引兜底：并发下已有主实例，放弃本次创建的汇总动作
		if err := e.actions.SetFinished(ctx, collect.ID, models.StatusSkipped, "", "收敛窗口已有汇总任务", nil); err != nil {
			e.logger.Warn("清理冗余汇总动作失败", zap.String("action_id", collect.ID), zap.Error(err))
		}
		return e.converges.GetPrimaryRelatedID(ctx, instance.ID)
	}

	e.logger.Info("创建汇总动作",
		zap.String("collect_action_id", collect.ID),
		zap.Int64("converge_id", instance.ID),
		zap.Int("peer_count", len(peerIDs)),
	)
	return collect.ID, nil
}

// processSubConverge 业务级二级收敛，将同 (业务, 信号, 渠道, 接收人, 级别) 的多个一级汇总合并
func (e *Engine) processSubConverge(ctx context.Context, seed *models.ActionInstance, collectID string, subConfig *models.ConvergeConfig, now time.Time) error {
	for _, receiver := range seed.Inputs.NoticeReceiver {
		subKey := cache.SubConvergeDimensionKey(seed.BizID, string(seed.Signal), seed.Inputs.NoticeWay, receiver, seed.AlertLevel)
		windowStart := float64(now.Add(-time.Duration(subConfig.Timedelta) * time.Second).Unix())

		pipe := e.redisClient.TxPipeline()
		pipe.ZAdd(ctx, subKey, &redis.Z{Score: float64(now.Unix()), Member: collectID})
		pipe.ZRemRangeByScore(ctx, subKey, "-inf", fmt.Sprintf("(%f", windowStart))
		countCmd := pipe.ZCard(ctx, subKey)
		pipe.Expire(ctx, subKey, cache.SubConvergeTTL)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to track sub converge: %w", err)
		}

		if int(countCmd.Val()) < subConfig.Count {
			continue
		}

		// 达到业务级阈值，合并窗口内的一级汇总
		hashKey := SubConvergeKey(seed.BizID, seed.Signal, seed.Inputs.NoticeWay, receiver, seed.AlertLevel)
		instance, err := e.converges.GetActiveConverge(ctx, hashKey, now)
		if err != nil {
			return err
		}
		if instance == nil {
			endTime := now.Add(time.Duration(subConfig.Timedelta) * time.Second)
			instance = &models.ConvergeInstance{
				BizID:        seed.BizID,
				ConvergeType: models.ConvergeTypeConverge,
				ConvergeFunc: models.ConvergeCollectAlarm,
				ConvergeKey:  hashKey,
				Config:       subConfig,
				Description:  Description(subConfig),
				EndTime:      &endTime,
				CreatedAt:    now,
			}
			id, err := e.converges.CreateConverge(ctx, instance)
			if err != nil {
				return err
			}
			instance.ID = id
		}
		if _, err := e.converges.AddRelation(ctx, &models.ConvergeRelation{
			ConvergeID:     instance.ID,
			RelatedID:      collectID,
			RelatedType:    models.ConvergeTypeConverge,
			ConvergeStatus: models.ConvergeExecuted,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) skipWhen(ctx context.Context, action *models.ActionInstance, instance *models.ConvergeInstance, match func(models.ActionStatus) bool) (*Outcome, error) {
	peerIDs, err := e.converges.ListRelatedIDs(ctx, instance.ID, models.ConvergeTypeAction)
	if err != nil {
		return nil, err
	}

	for _, peerID := range peerIDs {
		if peerID == action.ID {
			continue
		}
		peer, err := e.actions.GetAction(ctx, peerID)
		if err != nil {
			continue
		}
		if match(peer.Status) {
			if _, err := e.converges.AddRelation(ctx, &models.ConvergeRelation{
				ConvergeID:     instance.ID,
				RelatedID:      action.ID,
				RelatedType:    models.ConvergeTypeAction,
				ConvergeStatus: models.ConvergeSkipped,
			}); err != nil {
				return nil, err
			}
			return &Outcome{
				Status:      models.StatusSkipped,
				Description: instance.Description,
				ConvergeID:  instance.ID,
			}, nil
		}
	}

	if _, err := e.converges.AddRelation(ctx, &models.ConvergeRelation{
		ConvergeID:     instance.ID,
		RelatedID:      action.ID,
		RelatedType:    models.ConvergeTypeAction,
		ConvergeStatus: models.ConvergeExecuted,
	}); err != nil {
		return nil, err
	}
	return &Outcome{ConvergeID: instance.ID}, nil
}
