// Package executor 处理套餐插件的通用执行引擎。
// 按插件 backend_config 的函数步骤推进，支持轮询续跑和失败重试。
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"text/template"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"

	"github.com/TencentBlueKing/bk-monitor-sub002/internal/mq"
	"github.com/TencentBlueKing/bk-monitor-sub002/internal/models"
	"github.com/TencentBlueKing/bk-monitor-sub002/internal/queue"
	"github.com/TencentBlueKing/bk-monitor-sub002/internal/repository"
)

// EmptyAssigneeMessage 通知人为空时的失败说明
const EmptyAssigneeMessage = "获取当前告警策略配置的告警组用户为空，无法执行处理套餐"

// 上下文键，步骤间传递的中间产物
const (
	ctxKeyPreNodeOutputs  = "pre_node_outputs"
	ctxKeyCurrentFunction = "current_function"
)

// Executor 插件步骤执行器
type Executor struct {
	actions    *repository.ActionRepository
	alertLogs  *repository.AlertLogRepository
	delayQueue *queue.DelayQueue
	callers    map[models.PluginType]Caller
	mqSink     mq.Sink
	logger     *zap.Logger
}

// NewExecutor 创建执行器。mqSink 可为 nil，表示未启用消息队列插件。
func NewExecutor(actions *repository.ActionRepository, alertLogs *repository.AlertLogRepository, delayQueue *queue.DelayQueue, mqSink mq.Sink, logger *zap.Logger) *Executor {
	return &Executor{
		actions:    actions,
		alertLogs:  alertLogs,
		delayQueue: delayQueue,
		callers:    map[models.PluginType]Caller{},
		mqSink:     mqSink,
		logger:     logger,
	}
}

// RegisterCaller 注册插件类型对应的外部调用器
func (e *Executor) RegisterCaller(pluginType models.PluginType, caller Caller) {
	e.callers[pluginType] = caller
}

// Execute 执行（或从轮询点续跑）一个动作。alert 为关联的首个告警快照。
func (e *Executor) Execute(ctx context.Context, action *models.ActionInstance, plugin *models.ActionPlugin, alert *models.Alert) error {
	if plugin == nil || !plugin.IsEnabled {
		return e.fail(ctx, action, models.FailureFramework, fmt.Sprintf("处理套餐插件 %d 不可用", action.PluginID))
	}

	if deadline := action.Deadline(action.Timeout); !deadline.IsZero() && time.Now().After(deadline) {
		return e.fail(ctx, action, models.FailureTimeout, fmt.Sprintf("任务执行超过 %d 秒仍未完成", action.Timeout))
	}

	if plugin.PluginType == models.PluginMessageQueue {
		return e.executeMessageQueue(ctx, action, alert)
	}

	// 自动化套餐以负责人身份调用外部系统，负责人为空时无法执行
	if len(action.Inputs.NoticeReceiver) == 0 && len(alert.Assignee) == 0 {
		return e.fail(ctx, action, models.FailureSystem, EmptyAssigneeMessage)
	}

	caller, ok := e.callers[plugin.PluginType]
	if !ok {
		return e.fail(ctx, action, models.FailureFramework, fmt.Sprintf("插件类型 %s 未注册调用器", plugin.PluginType))
	}

	execCtx := e.buildContext(action, alert)
	step := e.resumeStep(action, plugin)
	if step == nil {
		return e.fail(ctx, action, models.FailureFramework, "处理套餐没有可执行的步骤")
	}

	if action.Status == models.StatusPolling {
		// 轮询续跑，记录本动作已被轮询过
		if err := e.actions.MarkPolled(ctx, action.ID); err != nil {
			return err
		}
	} else if err := e.actions.SetStatus(ctx, action.ID, models.StatusRunning); err != nil {
		return err
	}

	for step != nil {
		next, finished, err := e.runStep(ctx, action, plugin, step, caller, execCtx, alert)
		if err != nil {
			return e.fail(ctx, action, models.FailureSystem, err.Error())
		}
		if finished {
			return nil
		}
		step = next
	}

	// 步骤耗尽且无结束判定，按整体规则或默认成功收尾
	return e.finishByNodeRule(ctx, action, plugin, execCtx)
}

// runStep 执行单个步骤。返回的 finished=true 表示动作已落终态或转入轮询。
func (e *Executor) runStep(ctx context.Context, action *models.ActionInstance, plugin *models.ActionPlugin, step *models.FunctionStep, caller Caller, execCtx map[string]interface{}, alert *models.Alert) (*models.FunctionStep, bool, error) {
	if deadline := action.Deadline(action.Timeout); !deadline.IsZero() && time.Now().After(deadline) {
		return nil, true, fmt.Errorf("任务执行超过 %d 秒仍未完成", action.Timeout)
	}

	inputs, err := ResolveBindings(step.InputBindings, execCtx)
	if err != nil {
		return nil, false, err
	}

	outputs, err := e.callWithRetry(ctx, caller, step, inputs)
	if err != nil {
		return nil, false, err
	}

	preNodeOutputs, err := e.bindOutputs(step, outputs, execCtx)
	if err != nil {
		return nil, false, err
	}
	execCtx[ctxKeyPreNodeOutputs] = preNodeOutputs
	execCtx[ctxKeyCurrentFunction] = step.Function

	if step.NeedInsertLog {
		e.insertLog(ctx, action, step, execCtx)
	}

	finishedRule := step.FinishedRule
	if finishedRule == nil {
		finishedRule = plugin.Backend.NodeFinishedRule
	}
	if finishedRule != nil {
		finished, err := EvaluateRule(finishedRule, preNodeOutputs)
		if err != nil {
			return nil, false, err
		}
		if finished {
			return nil, true, e.finishByStepRule(ctx, action, step, preNodeOutputs)
		}
		if step.NeedSchedule {
			return nil, true, e.schedulePoll(ctx, action, step, execCtx)
		}
	}

	return findStep(plugin, step.NextFunction), false, nil
}

// callWithRetry 按步骤重试策略调用外部接口
func (e *Executor) callWithRetry(ctx context.Context, caller Caller, step *models.FunctionStep, inputs map[string]interface{}) (map[string]interface{}, error) {
	retry := step.FailedRetry
	if retry == nil || !retry.IsEnabled || retry.MaxRetryTimes <= 0 {
		return caller.Call(ctx, step.Function, inputs)
	}

	var outputs map[string]interface{}
	policy := backoff.WithMaxRetries(
		backoff.NewConstantBackOff(time.Duration(retry.RetryInterval)*time.Second),
		uint64(retry.MaxRetryTimes),
	)
	err := backoff.Retry(func() error {
		callCtx := ctx
		if retry.Timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, time.Duration(retry.Timeout)*time.Second)
			defer cancel()
		}
		got, callErr := caller.Call(callCtx, step.Function, inputs)
		if callErr != nil {
			e.logger.Warn("步骤调用失败，等待重试",
				zap.String("function", step.Function),
				zap.Error(callErr),
			)
			return callErr
		}
		outputs = got
		return nil
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		return nil, fmt.Errorf("step %s exhausted retries: %w", step.Function, err)
	}
	return outputs, nil
}

// bindOutputs 按输出绑定提取本步骤产物；无绑定时原样透传
func (e *Executor) bindOutputs(step *models.FunctionStep, outputs map[string]interface{}, execCtx map[string]interface{}) (map[string]interface{}, error) {
	if len(step.OutputBindings) == 0 {
		return outputs, nil
	}
	doc := map[string]interface{}{}
	for k, v := range execCtx {
		doc[k] = v
	}
	for k, v := range outputs {
		doc[k] = v
	}
	return ResolveBindings(step.OutputBindings, doc)
}

// finishByStepRule 结束判定命中后按成功规则落终态
func (e *Executor) finishByStepRule(ctx context.Context, action *models.ActionInstance, step *models.FunctionStep, preNodeOutputs map[string]interface{}) error {
	outputs := map[string]interface{}{ctxKeyPreNodeOutputs: preNodeOutputs, ctxKeyCurrentFunction: step.Function}
	if step.SuccessRule == nil {
		return e.actions.SetFinished(ctx, action.ID, models.StatusSuccess, "", "", outputs)
	}
	succeeded, err := EvaluateRule(step.SuccessRule, preNodeOutputs)
	if err != nil {
		return e.fail(ctx, action, models.FailureSystem, err.Error())
	}
	if succeeded {
		return e.actions.SetFinished(ctx, action.ID, models.StatusSuccess, "", "", outputs)
	}
	return e.actions.SetFinished(ctx, action.ID, models.StatusFailure, models.FailureFramework, "任务结束但未满足成功条件", outputs)
}

func (e *Executor) finishByNodeRule(ctx context.Context, action *models.ActionInstance, plugin *models.ActionPlugin, execCtx map[string]interface{}) error {
	preNodeOutputs, _ := execCtx[ctxKeyPreNodeOutputs].(map[string]interface{})
	outputs := map[string]interface{}{ctxKeyPreNodeOutputs: preNodeOutputs}
	if plugin.Backend.NodeFinishedRule != nil {
		finished, err := EvaluateRule(plugin.Backend.NodeFinishedRule, preNodeOutputs)
		if err != nil {
			return e.fail(ctx, action, models.FailureSystem, err.Error())
		}
		if !finished {
			return e.fail(ctx, action, models.FailureFramework, "全部步骤执行完毕但任务未结束")
		}
	}
	return e.actions.SetFinished(ctx, action.ID, models.StatusSuccess, "", "", outputs)
}

// schedulePoll 转入轮询态，按步骤的调度间隔延迟续跑
func (e *Executor) schedulePoll(ctx context.Context, action *models.ActionInstance, step *models.FunctionStep, execCtx map[string]interface{}) error {
	outputs := map[string]interface{}{
		ctxKeyPreNodeOutputs:  execCtx[ctxKeyPreNodeOutputs],
		ctxKeyCurrentFunction: step.Function,
	}
	data, err := json.Marshal(outputs)
	if err != nil {
		return fmt.Errorf("failed to marshal poll outputs: %w", err)
	}
	if err := e.actions.UpdateAction(ctx, action.ID, map[string]interface{}{
		"status":    string(models.StatusPolling),
		"need_poll": true,
		"outputs":   data,
	}); err != nil {
		return err
	}

	delay := time.Duration(step.ScheduleTimedelta) * time.Minute
	if delay <= 0 {
		delay = time.Minute
	}
	runAt := time.Now().Add(delay)
	e.logger.Debug("任务转入轮询",
		zap.String("action_id", action.ID),
		zap.String("function", step.Function),
		zap.Time("run_at", runAt),
	)
	return e.delayQueue.Schedule(ctx, queue.DelayedTask{
		ActionType: string(models.PluginCommon),
		ActionID:   action.ID,
	}, runAt)
}

// executeMessageQueue 消息队列插件：告警 JSON 直接写入目标队列
func (e *Executor) executeMessageQueue(ctx context.Context, action *models.ActionInstance, alert *models.Alert) error {
	if e.mqSink == nil {
		return e.fail(ctx, action, models.FailureFramework, "未配置消息队列目标")
	}
	payload, err := alert.MarshalSnapshot()
	if err != nil {
		return e.fail(ctx, action, models.FailureSystem, err.Error())
	}
	if err := e.mqSink.Publish(ctx, payload); err != nil {
		return e.fail(ctx, action, models.FailureSystem, err.Error())
	}
	return e.actions.SetFinished(ctx, action.ID, models.StatusSuccess, "", "", nil)
}

// resumeStep 定位本次执行的起始步骤。轮询续跑时从记录的当前函数开始。
func (e *Executor) resumeStep(action *models.ActionInstance, plugin *models.ActionPlugin) *models.FunctionStep {
	if len(plugin.Backend.Steps) == 0 {
		return nil
	}
	if action.Status == models.StatusPolling {
		if current, ok := action.Outputs[ctxKeyCurrentFunction].(string); ok {
			if step := findStep(plugin, current); step != nil {
				return step
			}
		}
	}
	return &plugin.Backend.Steps[0]
}

func findStep(plugin *models.ActionPlugin, function string) *models.FunctionStep {
	if function == "" {
		return nil
	}
	for i := range plugin.Backend.Steps {
		if plugin.Backend.Steps[i].Function == function {
			return &plugin.Backend.Steps[i]
		}
	}
	return nil
}

func (e *Executor) buildContext(action *models.ActionInstance, alert *models.Alert) map[string]interface{} {
	execCtx := map[string]interface{}{
		"action_id":    action.ID,
		"strategy_id":  action.StrategyID,
		"bk_biz_id":    action.BizID,
		"alert_level":  action.AlertLevel,
		"signal":       string(action.Signal),
		"operator":     firstOf(alert.Assignee),
		"alert":        alertDoc(alert),
		"execute_times": action.ExecuteTimes,
	}
	if action.Status == models.StatusPolling {
		if pre, ok := action.Outputs[ctxKeyPreNodeOutputs].(map[string]interface{}); ok {
			execCtx[ctxKeyPreNodeOutputs] = pre
		}
	}
	return execCtx
}

// alertDoc 告警转为 jmespath 可检索的通用文档
func alertDoc(alert *models.Alert) map[string]interface{} {
	data, err := json.Marshal(alert)
	if err != nil {
		return map[string]interface{}{}
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return map[string]interface{}{}
	}
	return doc
}

func (e *Executor) insertLog(ctx context.Context, action *models.ActionInstance, step *models.FunctionStep, execCtx map[string]interface{}) {
	content := step.LogTemplate
	if content != "" {
		tpl, err := template.New("log").Option("missingkey=zero").Parse(step.LogTemplate)
		if err == nil {
			var buf bytes.Buffer
			if tpl.Execute(&buf, execCtx) == nil {
				content = buf.String()
			}
		}
	}
	if err := e.alertLogs.CreateLog(ctx, &models.AlertLogEvent{
		AlertIDs:    action.Alerts,
		OpType:      models.OpTypeAction,
		CreateTime:  time.Now().Unix(),
		Description: fmt.Sprintf("执行步骤 %s", step.Function),
		Content:     content,
	}); err != nil {
		e.logger.Warn("写入告警流水失败", zap.String("action_id", action.ID), zap.Error(err))
	}
}

func (e *Executor) fail(ctx context.Context, action *models.ActionInstance, failureType models.FailureType, message string) error {
	e.logger.Warn("任务执行失败",
		zap.String("action_id", action.ID),
		zap.String("failure_type", string(failureType)),
		zap.String("message", message),
	)
	return e.actions.SetFinished(ctx, action.ID, models.StatusFailure, failureType, message, nil)
}

func firstOf(items []string) string {
	if len(items) == 0 {
		return ""
	}
	return items[0]
}
