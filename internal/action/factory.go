// Package action 处理动作工厂：按信号对策略做动作扇出。
// 父任务承载一次逻辑扇出，子任务是一次原子投递，创建后交收敛引擎裁决再入执行队列。
package action

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/TencentBlueKing/bk-monitor-sub002/internal/assign"
	"github.com/TencentBlueKing/bk-monitor-sub002/internal/cache"
	"github.com/TencentBlueKing/bk-monitor-sub002/internal/config"
	"github.com/TencentBlueKing/bk-monitor-sub002/internal/converge"
	"github.com/TencentBlueKing/bk-monitor-sub002/internal/models"
	"github.com/TencentBlueKing/bk-monitor-sub002/internal/noisereduce"
	"github.com/TencentBlueKing/bk-monitor-sub002/internal/queue"
	"github.com/TencentBlueKing/bk-monitor-sub002/internal/repository"
	"github.com/TencentBlueKing/bk-monitor-sub002/internal/shield"
)

// 父任务流水里的固定说明
const (
	EmptyReceiverMessage = "当前通知人员为空"
	noiseReduceHeldMessage = "因降噪规则，通知暂缓发送"
)

// 动作通知信号到执行阶段的映射（执行前/成功/失败）
var signalPhases = map[models.ActionSignal]int{
	models.SignalExecute:        1,
	models.SignalExecuteSuccess: 2,
	models.SignalExecuteFailed:  3,
}

// Factory 动作工厂
type Factory struct {
	cfg       *config.Config
	configs   *cache.ConfigCache
	snapshots *cache.SnapshotStore
	actions   *repository.ActionRepository
	alertLogs *repository.AlertLogRepository
	resolver  *assign.Resolver
	shield    *shield.Evaluator
	gate      *noisereduce.Gate
	execQueue *queue.ExecuteQueue
	logger    *zap.Logger

	// 收敛引擎持有工厂（汇总动作回调），工厂创建后再注入
	convergeEngine *converge.Engine
}

// NewFactory 创建动作工厂
func NewFactory(
	cfg *config.Config,
	configs *cache.ConfigCache,
	snapshots *cache.SnapshotStore,
	actions *repository.ActionRepository,
	alertLogs *repository.AlertLogRepository,
	resolver *assign.Resolver,
	shieldEvaluator *shield.Evaluator,
	gate *noisereduce.Gate,
	execQueue *queue.ExecuteQueue,
	logger *zap.Logger,
) *Factory {
	return &Factory{
		cfg:       cfg,
		configs:   configs,
		snapshots: snapshots,
		actions:   actions,
		alertLogs: alertLogs,
		resolver:  resolver,
		shield:    shieldEvaluator,
		gate:      gate,
		execQueue: execQueue,
		logger:    logger,
	}
}

// SetConvergeEngine 注入收敛引擎（与工厂互相引用，创建后装配）
func (f *Factory) SetConvergeEngine(engine *converge.Engine) {
	f.convergeEngine = engine
}

// CreateActions 事件驱动入口：按信号对策略的通知关系和套餐关系扇出动作。
// 返回创建的父任务ID列表。
func (f *Factory) CreateActions(ctx context.Context, strategyID int64, signal models.ActionSignal, alertIDs []string, now time.Time) ([]string, error) {
	return f.create(ctx, strategyID, signal, alertIDs, 1, 0, now)
}

// CreateIntervalActions 周期调度入口：execute_times 由调度器推进，
// 仅针对单个策略关联重新扇出。
func (f *Factory) CreateIntervalActions(ctx context.Context, strategyID int64, signal models.ActionSignal, alertIDs []string, relationID int64, executeTimes int, now time.Time) ([]string, error) {
	return f.create(ctx, strategyID, signal, alertIDs, executeTimes, relationID, now)
}

// CreateUnshieldActions 屏蔽解除入口：以解除屏蔽标记重新扇出通知
func (f *Factory) CreateUnshieldActions(ctx context.Context, strategyID int64, alertIDs []string, shieldIDs []int64, now time.Time) ([]string, error) {
	alert, err := f.loadFirstAlert(ctx, strategyID, alertIDs)
	if err != nil {
		return nil, err
	}
	strategy, err := f.configs.GetStrategy(ctx, strategyID)
	if err != nil {
		return nil, err
	}
	if !f.cfg.OwnsBiz(strategy.BizID) {
		return nil, nil
	}
	if strategy.Notice == nil {
		return nil, nil
	}

	relation := strategy.Notice.AsActionRelation()
	parentID, err := f.fanOutRelation(ctx, strategy, relation, models.SignalAbnormal, alert, alertIDs, 1, now, &fanOutFlags{
		isUnshielded: true,
		shieldIDs:    shieldIDs,
	})
	if err != nil {
		return nil, err
	}
	if parentID == "" {
		return nil, nil
	}
	return []string{parentID}, nil
}

type fanOutFlags struct {
	isUnshielded bool
	shieldIDs    []int64
}

func (f *Factory) create(ctx context.Context, strategyID int64, signal models.ActionSignal, alertIDs []string, executeTimes int, relationID int64, now time.Time) ([]string, error) {
	if len(alertIDs) == 0 {
		return nil, fmt.Errorf("alert ids are required")
	}
	strategy, err := f.configs.GetStrategy(ctx, strategyID)
	if err != nil {
		return nil, fmt.Errorf("failed to load strategy %d: %w", strategyID, err)
	}
	if !f.cfg.OwnsBiz(strategy.BizID) {
		f.logger.Debug("策略业务不属于当前分片，跳过",
			zap.Int64("strategy_id", strategyID),
			zap.Int64("bk_biz_id", strategy.BizID),
		)
		return nil, nil
	}

	alert, err := f.loadFirstAlert(ctx, strategyID, alertIDs)
	if err != nil {
		return nil, err
	}

	// 创建前校验告警仍处于信号对应的状态，已确认或状态漂移的告警放弃处理
	if signal == models.SignalAbnormal && alert.IsAck {
		f.skipLog(ctx, strategyID, alertIDs, "用户已确认当前告警，系统自动忽略该告警的处理")
		return nil, nil
	}
	if !signalMatchesAlert(signal, alert) {
		f.skipLog(ctx, strategyID, alertIDs, "当前告警状态发生变化，系统自动忽略该告警的处理")
		return nil, nil
	}

	// 周期重入校验：记录的执行次数已达到本次值，说明重入迟到或重复，丢弃
	if relationID > 0 {
		if record := alert.CycleRecord(strconv.FormatInt(relationID, 10)); record != nil && record.ExecuteTimes >= executeTimes {
			f.logger.Info("周期重入迟到或重复，忽略",
				zap.String("alert_id", alert.ID),
				zap.Int64("relation_id", relationID),
				zap.Int("record_execute_times", record.ExecuteTimes),
				zap.Int("execute_times", executeTimes),
			)
			return nil, nil
		}
	}

	var parentIDs []string
	for _, relation := range f.matchedRelations(strategy, signal, relationID) {
		parentID, err := f.fanOutRelation(ctx, strategy, relation, signal, alert, alertIDs, executeTimes, now, nil)
		if err != nil {
			f.logger.Error("策略关联扇出失败",
				zap.Int64("strategy_id", strategyID),
				zap.Int64("relation_id", relation.ID),
				zap.Error(err),
			)
			continue
		}
		if parentID != "" {
			parentIDs = append(parentIDs, parentID)
		}
	}
	return parentIDs, nil
}

// matchedRelations 收集订阅了信号的策略关联。relationID>0 时只处理该关联（周期重入）。
func (f *Factory) matchedRelations(strategy *models.StrategySnapshot, signal models.ActionSignal, relationID int64) []*models.ActionRelation {
	var relations []*models.ActionRelation
	if strategy.Notice != nil && strategy.Notice.HasSignal(signal) {
		relations = append(relations, strategy.Notice.AsActionRelation())
	}
	for _, relation := range strategy.Actions {
		if relation.HasSignal(signal) {
			relations = append(relations, relation)
		}
	}
	if relationID <= 0 {
		return relations
	}
	for _, relation := range relations {
		if relation.ID == relationID {
			return []*models.ActionRelation{relation}
		}
	}
	return nil
}

// fanOutRelation 为单个策略关联创建父任务及其子任务，返回父任务ID
func (f *Factory) fanOutRelation(ctx context.Context, strategy *models.StrategySnapshot, relation *models.ActionRelation, signal models.ActionSignal, alert *models.Alert, alertIDs []string, executeTimes int, now time.Time, flags *fanOutFlags) (string, error) {
	actionConfig, err := f.configs.GetActionConfig(ctx, relation.ConfigID)
	if err != nil {
		return "", fmt.Errorf("failed to load action config %d: %w", relation.ConfigID, err)
	}
	if !actionConfig.IsEnabled {
		f.skipLog(ctx, strategy.ID, alertIDs,
			fmt.Sprintf("处理套餐【%s】已经被删除或禁用，系统自动忽略该处理", actionConfig.Name))
		return "", nil
	}
	plugin, err := f.configs.GetPlugin(ctx, actionConfig.PluginID)
	if err != nil {
		return "", fmt.Errorf("failed to load plugin %d: %w", actionConfig.PluginID, err)
	}
	if !plugin.IsEnabled {
		return "", nil
	}

	parent := f.newParent(strategy, relation, actionConfig, plugin, signal, alert, alertIDs, executeTimes, now)
	if flags != nil && flags.isUnshielded {
		parent.Inputs.IsUnshielded = true
		parent.Inputs.ShieldIDs = flags.shieldIDs
	}

	// 屏蔽判定：命中则只落父任务，不创建子任务
	shieldResult, err := f.shield.Evaluate(ctx, alert, now)
	if err != nil {
		return "", err
	}
	if shieldResult.IsShielded && (flags == nil || !flags.isUnshielded) {
		parentID, err := f.createShieldedParent(ctx, parent, shieldResult)
		if err == nil && parentID != "" {
			f.recordCycle(ctx, alert, relation.ID, signal, executeTimes, true, now)
		}
		return parentID, err
	}

	// 负责人解析
	assignResult, err := f.resolveAssignees(ctx, relation, signal, alert, now)
	if err != nil {
		return "", err
	}
	if plugin.PluginType == models.PluginNotice && assignResult.IsEmpty() {
		return f.createEmptyReceiverParent(ctx, parent)
	}
	parent.Inputs.NotifyInfo = assignResult.NotifyInfo
	parent.Inputs.MentionUsers = assignResult.MentionUsers

	// 降噪闸门：异常信号且配置启用时先过比例检查
	if plugin.PluginType == models.PluginNotice && signal == models.SignalAbnormal {
		admitted, held, err := f.checkNoiseReduce(ctx, strategy, relation, alert, now)
		if err != nil {
			return "", err
		}
		if !admitted {
			return f.createHeldParent(ctx, parent)
		}
		// 达到比例后，被压制的告警并入本次通知
		parent.Alerts = mergeAlertIDs(parent.Alerts, held)
	}

	if err := f.actions.CreateAction(ctx, parent); err != nil {
		return "", err
	}

	var children []*models.ActionInstance
	if plugin.PluginType == models.PluginNotice {
		children = f.buildNoticeChildren(parent, relation, signal, assignResult)
	} else {
		children = []*models.ActionInstance{f.buildPluginChild(parent, plugin)}
	}

	convergeConfig := relationConvergeConfig(relation)
	for _, child := range children {
		if err := f.actions.CreateAction(ctx, child); err != nil {
			f.logger.Error("子任务创建失败", zap.String("child_id", child.ID), zap.Error(err))
			continue
		}
		if err := f.submitChild(ctx, parent, child, convergeConfig, now); err != nil {
			f.logger.Error("子任务提交失败", zap.String("child_id", child.ID), zap.Error(err))
		}
	}

	f.appendLog(ctx, parent, fmt.Sprintf("策略[%s]触发[%s]信号，创建了 %d 个通知任务", strategy.Name, models.SignalDisplay[signal], len(children)))
	f.recordCycle(ctx, alert, relation.ID, signal, executeTimes, false, now)
	return parent.ID, nil
}

// recordCycle 异常类信号创建成功后回写告警的周期记录，调度器据此推进下一轮。
// 执行次数只增不减，重复回写由快照层的单调约束兜底。
func (f *Factory) recordCycle(ctx context.Context, alert *models.Alert, relationID int64, signal models.ActionSignal, executeTimes int, isShielded bool, now time.Time) {
	if signal != models.SignalAbnormal && signal != models.SignalNoData {
		return
	}
	alert.SetCycleRecord(strconv.FormatInt(relationID, 10), &models.CycleHandleRecord{
		ExecuteTimes:      executeTimes,
		LastTime:          now.Unix(),
		IsShielded:        isShielded,
		LatestAnomalyTime: alert.LatestTime,
	})
	if err := f.snapshots.Save(ctx, alert); err != nil {
		f.logger.Warn("周期记录回写失败",
			zap.String("alert_id", alert.ID),
			zap.Int64("relation_id", relationID),
			zap.Error(err),
		)
	}
}

// submitChild 子任务过收敛引擎后入执行队列
func (f *Factory) submitChild(ctx context.Context, parent, child *models.ActionInstance, convergeConfig *models.ConvergeConfig, now time.Time) error {
	outcome, err := f.convergeEngine.ProcessAction(ctx, child, convergeConfig, now)
	if err != nil {
		return err
	}
	child.Inputs.ConvergeID = outcome.ConvergeID
	if outcome.Proceed() {
		if outcome.Description != "" {
			child.Inputs.ConvergedDescription = outcome.Description
		}
		return f.execQueue.Push(ctx, string(child.PluginType), child.ID)
	}

	if err := f.actions.SetFinished(ctx, child.ID, outcome.Status, "", outcome.Description, nil); err != nil {
		return err
	}
	// 收敛未启用时父任务同步终止
	if outcome.Status == models.StatusConverged && outcome.CollectActionID == "" && convergeConfig != nil && !convergeConfig.IsEnabled {
		return f.actions.SetFinished(ctx, parent.ID, models.StatusConverged, "", outcome.Description, nil)
	}
	return nil
}

func (f *Factory) newParent(strategy *models.StrategySnapshot, relation *models.ActionRelation, actionConfig *models.ActionConfig, plugin *models.ActionPlugin, signal models.ActionSignal, alert *models.Alert, alertIDs []string, executeTimes int, now time.Time) *models.ActionInstance {
	var timeout int64
	needPoll := false
	if actionConfig.ExecuteConfig != nil {
		timeout = actionConfig.ExecuteConfig.Timeout
		needPoll = actionConfig.ExecuteConfig.NeedPoll && actionConfig.ExecuteConfig.NotifyInterval > 0
	}
	return &models.ActionInstance{
		ID:                 uuid.NewString(),
		IsParentAction:     true,
		GenerateUUID:       uuid.NewString(),
		StrategyID:         strategy.ID,
		StrategyRelationID: relation.ID,
		Signal:             signal,
		PluginID:           plugin.ID,
		PluginType:         plugin.PluginType,
		ConfigID:           actionConfig.ID,
		BizID:              strategy.BizID,
		Alerts:             append([]string{}, alertIDs...),
		AlertLevel:         alert.Severity,
		Dimensions:         alert.Dimensions,
		Inputs: models.ActionInputs{
			TimeRange:       relation.Options.TimeRange(),
			AlertLatestTime: alert.LatestTime,
		},
		Status:       models.StatusReceived,
		ExecuteTimes: executeTimes,
		NeedPoll:     needPoll,
		Timeout:      timeout,
		CreateTime:   now,
		UpdateTime:   now,
	}
}

// buildNoticeChildren 按 notify_info 枚举 (渠道, 接收人) 子任务。
// voice 的全部拨打序列合并为一个子任务，其他渠道一人一个。
func (f *Factory) buildNoticeChildren(parent *models.ActionInstance, relation *models.ActionRelation, signal models.ActionSignal, assignResult *assign.Result) []*models.ActionInstance {
	excluded := map[string]bool{}
	if relation.Options != nil {
		for _, way := range relation.Options.ExcludeNoticeWays[signal] {
			excluded[way] = true
		}
	}

	ways := make([]string, 0, len(assignResult.NotifyInfo))
	for way := range assignResult.NotifyInfo {
		ways = append(ways, way)
	}
	sort.Strings(ways)

	var children []*models.ActionInstance
	for _, way := range ways {
		if excluded[way] {
			continue
		}
		channel, _ := assign.ChannelOf(way)
		if way == models.NoticeWayVoice {
			// 全部拨打序列放进同一个子任务，分发器按组逐个拨打，
			// 首个接听终止后续分组
			var groups []string
			for _, dialGroup := range assignResult.NotifyInfo[way] {
				if len(dialGroup) == 0 {
					continue
				}
				groups = append(groups, strings.Join(dialGroup, ","))
			}
			if len(groups) > 0 {
				children = append(children, f.newNoticeChild(parent, way, channel, groups, nil))
			}
			continue
		}
		for _, receiver := range assignResult.NotifyInfo.FlatReceivers(way) {
			var mentions []map[string][]string
			if channel == "wxbot" {
				mentions = assignResult.MentionUsers
			}
			children = append(children, f.newNoticeChild(parent, way, channel, []string{receiver}, mentions))
		}
	}
	return children
}

func (f *Factory) newNoticeChild(parent *models.ActionInstance, way, channel string, receivers []string, mentions []map[string][]string) *models.ActionInstance {
	return &models.ActionInstance{
		ID:                 uuid.NewString(),
		ParentID:           parent.ID,
		GenerateUUID:       parent.GenerateUUID,
		StrategyID:         parent.StrategyID,
		StrategyRelationID: parent.StrategyRelationID,
		Signal:             parent.Signal,
		PluginID:           parent.PluginID,
		PluginType:         parent.PluginType,
		ConfigID:           parent.ConfigID,
		BizID:              parent.BizID,
		Alerts:             append([]string{}, parent.Alerts...),
		AlertLevel:         parent.AlertLevel,
		Dimensions:         parent.Dimensions,
		Inputs: models.ActionInputs{
			NoticeWay:      way,
			NoticeReceiver: receivers,
			NoticeChannel:  channel,
			MentionUsers:   mentions,
			IsUnshielded:   parent.Inputs.IsUnshielded,
			ShieldIDs:      parent.Inputs.ShieldIDs,
		},
		Status:       models.StatusReceived,
		ExecuteTimes: parent.ExecuteTimes,
		Timeout:      parent.Timeout,
		CreateTime:   parent.CreateTime,
		UpdateTime:   parent.UpdateTime,
	}
}

// buildPluginChild 非通知套餐：一个配置一个子任务
func (f *Factory) buildPluginChild(parent *models.ActionInstance, plugin *models.ActionPlugin) *models.ActionInstance {
	child := f.newNoticeChild(parent, "", "", nil, nil)
	child.PluginID = plugin.ID
	child.PluginType = plugin.PluginType
	child.Inputs = models.ActionInputs{
		IsUnshielded: parent.Inputs.IsUnshielded,
		ShieldIDs:    parent.Inputs.ShieldIDs,
	}
	return child
}

func (f *Factory) resolveAssignees(ctx context.Context, relation *models.ActionRelation, signal models.ActionSignal, alert *models.Alert, now time.Time) (*assign.Result, error) {
	if phase, ok := signalPhases[signal]; ok {
		return f.resolver.ResolveActionNotice(ctx, alert, relation.UserGroups, phase, now)
	}
	return f.resolver.ResolveAlertNotice(ctx, alert, relation.UserGroups, now)
}

// createShieldedParent 屏蔽命中：父任务以屏蔽态落库并记录流水
func (f *Factory) createShieldedParent(ctx context.Context, parent *models.ActionInstance, result *shield.MatchResult) (string, error) {
	parent.Inputs.IsAlertShielded = true
	parent.Inputs.ShieldIDs = result.ShieldIDs
	parent.Inputs.ShieldDetail = result.Detail
	parent.Status = models.StatusShielded
	// 屏蔽周期没有实际发出通知，解除屏蔽的补发判定依赖此标记
	parent.NeedPoll = false
	if err := f.actions.CreateAction(ctx, parent); err != nil {
		return "", err
	}
	f.appendLog(ctx, parent, result.Detail)
	return parent.ID, nil
}

// createEmptyReceiverParent 通知人为空：只落父任务
func (f *Factory) createEmptyReceiverParent(ctx context.Context, parent *models.ActionInstance) (string, error) {
	parent.Status = models.StatusFailure
	parent.FailureType = models.FailureUser
	parent.ExData = EmptyReceiverMessage
	if err := f.actions.CreateAction(ctx, parent); err != nil {
		return "", err
	}
	f.appendLog(ctx, parent, EmptyReceiverMessage)
	return parent.ID, nil
}

// createHeldParent 降噪压制：父任务跳过，告警已记入降噪窗口
func (f *Factory) createHeldParent(ctx context.Context, parent *models.ActionInstance) (string, error) {
	parent.Status = models.StatusSkipped
	parent.ExData = noiseReduceHeldMessage
	if err := f.actions.CreateAction(ctx, parent); err != nil {
		return "", err
	}
	f.appendLog(ctx, parent, noiseReduceHeldMessage)
	return parent.ID, nil
}

// checkNoiseReduce 降噪比例检查。未启用时直接放行。
func (f *Factory) checkNoiseReduce(ctx context.Context, strategy *models.StrategySnapshot, relation *models.ActionRelation, alert *models.Alert, now time.Time) (bool, []string, error) {
	if relation.Options == nil || relation.Options.NoiseReduceConfig == nil || !relation.Options.NoiseReduceConfig.IsEnabled {
		return true, nil, nil
	}
	nrConfig := relation.Options.NoiseReduceConfig
	windowHash := noiseConfigHash(nrConfig.Dimensions)
	objectHash := noiseDimensionHash(alert, nrConfig.Dimensions)

	window := 30 * time.Minute
	// 窗口基数：本引擎登记经手的异常对象，接入侧可通过 RegisterTotal 补充全量对象
	if err := f.gate.RegisterTotal(ctx, strategy.ID, windowHash, []string{objectHash}, now); err != nil {
		return false, nil, err
	}
	if err := f.gate.Record(ctx, strategy.ID, windowHash, alert.Severity, alert.ID, objectHash, alert.FirstAnomalyTime, now); err != nil {
		return false, nil, err
	}
	ratio := float64(nrConfig.CountRatio) / 100
	admitted, held, err := f.gate.Check(ctx, strategy.ID, windowHash, alert.Severity, ratio, window, now)
	if err != nil {
		return false, nil, err
	}
	return admitted, held, nil
}

func (f *Factory) loadFirstAlert(ctx context.Context, strategyID int64, alertIDs []string) (*models.Alert, error) {
	if len(alertIDs) == 0 {
		return nil, fmt.Errorf("alert ids are required")
	}
	alert, err := f.snapshots.Get(ctx, strategyID, alertIDs[0])
	if err != nil {
		return nil, fmt.Errorf("failed to load alert snapshot %s: %w", alertIDs[0], err)
	}
	return alert, nil
}

func (f *Factory) appendLog(ctx context.Context, parent *models.ActionInstance, description string) {
	if err := f.alertLogs.CreateLog(ctx, &models.AlertLogEvent{
		AlertIDs:    parent.Alerts,
		OpType:      models.OpTypeAction,
		CreateTime:  time.Now().Unix(),
		Description: description,
		RouterInfo:  strconv.FormatInt(parent.StrategyID, 10),
	}); err != nil {
		f.logger.Warn("写入告警流水失败", zap.String("action_id", parent.ID), zap.Error(err))
	}
}

// skipLog 放弃创建时的告警流水（没有父任务可挂靠）
func (f *Factory) skipLog(ctx context.Context, strategyID int64, alertIDs []string, description string) {
	if err := f.alertLogs.CreateLog(ctx, &models.AlertLogEvent{
		AlertIDs:    alertIDs,
		OpType:      models.OpTypeAction,
		CreateTime:  time.Now().Unix(),
		Description: description,
		RouterInfo:  strconv.FormatInt(strategyID, 10),
	}); err != nil {
		f.logger.Warn("写入告警流水失败", zap.Int64("strategy_id", strategyID), zap.Error(err))
	}
}

// signalMatchesAlert 信号与告警当前状态是否仍然一致。
// 执行类信号与手动确认不受状态漂移影响。
func signalMatchesAlert(signal models.ActionSignal, alert *models.Alert) bool {
	switch signal {
	case models.SignalAbnormal, models.SignalNoData:
		return alert.IsAbnormal()
	case models.SignalRecovered:
		return alert.Status == models.EventRecovered
	case models.SignalClosed:
		return alert.Status == models.EventClosed
	}
	return true
}

func relationConvergeConfig(relation *models.ActionRelation) *models.ConvergeConfig {
	if relation.Options == nil {
		return nil
	}
	return relation.Options.ConvergeConfig
}

// noiseConfigHash 降噪窗口指纹：配置的维度名集合做 md5，同策略同配置共享一个窗口
func noiseConfigHash(dimensions []string) string {
	names := append([]string{}, dimensions...)
	sort.Strings(names)
	sum := md5.Sum([]byte(strings.Join(names, "|")))
	return hex.EncodeToString(sum[:])
}

// noiseDimensionHash 降噪维度指纹：配置维度的取值拼接后做 md5
func noiseDimensionHash(alert *models.Alert, dimensions []string) string {
	dims := alert.DimensionMap()
	parts := make([]string, 0, len(dimensions))
	for _, key := range dimensions {
		parts = append(parts, key+"="+dims[key])
	}
	sort.Strings(parts)
	sum := md5.Sum([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

func mergeAlertIDs(base, extra []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(base)+len(extra))
	for _, id := range append(base, extra...) {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
