package action

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/TencentBlueKing/bk-monitor-sub002/internal/models"
)

// BuildCollectAction 收敛引擎回调：为收敛窗口创建汇总通知动作。
// seed 为触发汇总的子任务，peerIDs 为窗口内已挂入的同维度任务。
// 汇总动作继承 seed 的渠道与接收人，关联告警取所有同窗任务的并集。
func (f *Factory) BuildCollectAction(ctx context.Context, seed *models.ActionInstance, convergeID int64, peerIDs []string) (*models.ActionInstance, error) {
	alertIDs := append([]string{}, seed.Alerts...)
	for _, peerID := range peerIDs {
		if peerID == seed.ID {
			continue
		}
		peer, err := f.actions.GetAction(ctx, peerID)
		if err != nil {
			f.logger.Warn("读取同窗任务失败，汇总告警可能不全",
				zap.String("peer_id", peerID),
				zap.Error(err),
			)
			continue
		}
		alertIDs = mergeAlertIDs(alertIDs, peer.Alerts)
	}

	now := time.Now()
	collect := &models.ActionInstance{
		ID:                 uuid.NewString(),
		IsParentAction:     true,
		GenerateUUID:       uuid.NewString(),
		StrategyID:         seed.StrategyID,
		StrategyRelationID: seed.StrategyRelationID,
		Signal:             models.SignalCollect,
		PluginID:           seed.PluginID,
		PluginType:         seed.PluginType,
		ConfigID:           seed.ConfigID,
		BizID:              seed.BizID,
		Alerts:             alertIDs,
		AlertLevel:         seed.AlertLevel,
		Dimensions:         seed.Dimensions,
		Inputs: models.ActionInputs{
			NoticeWay:      seed.Inputs.NoticeWay,
			NoticeReceiver: seed.Inputs.NoticeReceiver,
			NoticeChannel:  seed.Inputs.NoticeChannel,
			MentionUsers:   seed.Inputs.MentionUsers,
			ConvergeID:     convergeID,
		},
		Status:       models.StatusReceived,
		ExecuteTimes: seed.ExecuteTimes,
		Timeout:      seed.Timeout,
		CreateTime:   now,
		UpdateTime:   now,
	}

	if err := f.actions.CreateAction(ctx, collect); err != nil {
		return nil, fmt.Errorf("failed to create collect action: %w", err)
	}
	if err := f.execQueue.Push(ctx, string(collect.PluginType), collect.ID); err != nil {
		return nil, err
	}

	f.logger.Info("创建汇总通知动作",
		zap.String("collect_id", collect.ID),
		zap.Int64("converge_id", convergeID),
		zap.Int("alert_count", len(alertIDs)),
	)
	return collect, nil
}
