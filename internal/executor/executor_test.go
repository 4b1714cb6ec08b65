package executor

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/TencentBlueKing/bk-monitor-sub002/internal/models"
	"github.com/TencentBlueKing/bk-monitor-sub002/internal/mq"
	"github.com/TencentBlueKing/bk-monitor-sub002/internal/queue"
	"github.com/TencentBlueKing/bk-monitor-sub002/internal/repository"
)

type fakeCaller struct {
	calls   []string
	outputs map[string]map[string]interface{}
	errs    map[string]error
}

func (c *fakeCaller) Call(ctx context.Context, function string, inputs map[string]interface{}) (map[string]interface{}, error) {
	c.calls = append(c.calls, function)
	if err, ok := c.errs[function]; ok {
		return nil, err
	}
	if out, ok := c.outputs[function]; ok {
		return out, nil
	}
	return map[string]interface{}{}, nil
}

func setupExecutor(t *testing.T) (*Executor, sqlmock.Sqlmock, *miniredis.Miniredis, *fakeCaller, func()) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	logger := zap.NewNop()
	exec := NewExecutor(
		repository.NewActionRepository(db, logger),
		repository.NewAlertLogRepository(db, logger),
		queue.NewDelayQueue(client, logger),
		nil,
		logger,
	)
	caller := &fakeCaller{
		outputs: map[string]map[string]interface{}{},
		errs:    map[string]error{},
	}
	exec.RegisterCaller(models.PluginJob, caller)
	exec.RegisterCaller(models.PluginSops, caller)
	exec.RegisterCaller(models.PluginWebhook, caller)

	cleanup := func() {
		client.Close()
		mr.Close()
		db.Close()
	}
	return exec, mock, mr, caller, cleanup
}

func executorAction(pluginType models.PluginType) *models.ActionInstance {
	return &models.ActionInstance{
		ID:         "act-1",
		Signal:     models.SignalAbnormal,
		StrategyID: 101,
		BizID:      2,
		AlertLevel: 1,
		PluginType: pluginType,
		Status:     models.StatusReceived,
		Alerts:     []string{"alert-1"},
		CreateTime: time.Now(),
	}
}

func executorAlert() *models.Alert {
	return &models.Alert{
		ID:         "alert-1",
		StrategyID: 101,
		BizID:      2,
		Severity:   1,
		Status:     "ABNORMAL",
		Assignee:   []string{"admin"},
	}
}

func jobPlugin(steps ...models.FunctionStep) *models.ActionPlugin {
	return &models.ActionPlugin{
		ID:         11,
		PluginKey:  "job",
		PluginType: models.PluginJob,
		IsEnabled:  true,
		Backend:    models.BackendConfig{Steps: steps},
	}
}

func expectUpdate(mock sqlmock.Sqlmock) {
	mock.ExpectExec(`UPDATE action_instances`).
		WillReturnResult(sqlmock.NewResult(0, 1))
}

func TestExecute_SingleStepSuccess(t *testing.T) {
	exec, mock, _, caller, cleanup := setupExecutor(t)
	defer cleanup()

	caller.outputs["create_task"] = map[string]interface{}{"job_instance_id": float64(1001)}

	plugin := jobPlugin(models.FunctionStep{
		Function:       "create_task",
		OutputBindings: []models.Binding{{Key: "task_id", Value: "job_instance_id"}},
	})

	expectUpdate(mock) // running
	expectUpdate(mock) // success

	err := exec.Execute(context.Background(), executorAction(models.PluginJob), plugin, executorAlert())
	require.NoError(t, err)
	assert.Equal(t, []string{"create_task"}, caller.calls)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExecute_MultiStepChain(t *testing.T) {
	exec, mock, _, caller, cleanup := setupExecutor(t)
	defer cleanup()

	caller.outputs["create_task"] = map[string]interface{}{"task_id": float64(7)}
	caller.outputs["start_task"] = map[string]interface{}{"state": "FINISHED"}

	plugin := &models.ActionPlugin{
		ID:         12,
		PluginKey:  "sops",
		PluginType: models.PluginSops,
		IsEnabled:  true,
		Backend: models.BackendConfig{
			Steps: []models.FunctionStep{
				{Function: "create_task", NextFunction: "start_task"},
				{
					Function: "start_task",
					FinishedRule: &models.BusinessRule{
						Key: "state", Method: models.RuleMethodIn,
						Value: []interface{}{"FAILED", "FINISHED", "REVOKED"},
					},
					SuccessRule: &models.BusinessRule{Key: "state", Method: models.RuleMethodEq, Value: "FINISHED"},
				},
			},
		},
	}

	expectUpdate(mock) // running
	expectUpdate(mock) // success

	err := exec.Execute(context.Background(), executorAction(models.PluginSops), plugin, executorAlert())
	require.NoError(t, err)
	assert.Equal(t, []string{"create_task", "start_task"}, caller.calls)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExecute_SuccessRuleNotMetFails(t *testing.T) {
	exec, mock, _, caller, cleanup := setupExecutor(t)
	defer cleanup()

	caller.outputs["create_task"] = map[string]interface{}{"state": "FAILED"}

	plugin := jobPlugin(models.FunctionStep{
		Function: "create_task",
		FinishedRule: &models.BusinessRule{
			Key: "state", Method: models.RuleMethodIn,
			Value: []interface{}{"FAILED", "FINISHED"},
		},
		SuccessRule: &models.BusinessRule{Key: "state", Method: models.RuleMethodEq, Value: "FINISHED"},
	})

	expectUpdate(mock) // running
	expectUpdate(mock) // failure

	err := exec.Execute(context.Background(), executorAction(models.PluginJob), plugin, executorAlert())
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExecute_NotFinishedSchedulesPoll(t *testing.T) {
	exec, mock, mr, caller, cleanup := setupExecutor(t)
	defer cleanup()

	caller.outputs["schedule"] = map[string]interface{}{"state": float64(2)}

	plugin := jobPlugin(models.FunctionStep{
		Function: "schedule",
		FinishedRule: &models.BusinessRule{
			Key: "state", Method: models.RuleMethodNotIn,
			Value: []interface{}{float64(1), float64(2), float64(7)},
		},
		NeedSchedule:      true,
		ScheduleTimedelta: 5,
	})

	expectUpdate(mock) // running
	expectUpdate(mock) // polling

	err := exec.Execute(context.Background(), executorAction(models.PluginJob), plugin, executorAlert())
	require.NoError(t, err)

	members, err := mr.ZMembers("bkmonitor.fta.fta_action.delay")
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Contains(t, members[0], "act-1")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExecute_ResumeFromPollingStep(t *testing.T) {
	exec, mock, _, caller, cleanup := setupExecutor(t)
	defer cleanup()

	caller.outputs["schedule"] = map[string]interface{}{"state": float64(3)}

	plugin := jobPlugin(
		models.FunctionStep{Function: "create_task", NextFunction: "schedule"},
		models.FunctionStep{
			Function: "schedule",
			FinishedRule: &models.BusinessRule{
				Key: "state", Method: models.RuleMethodNotIn,
				Value: []interface{}{float64(1), float64(2), float64(7)},
			},
			SuccessRule: &models.BusinessRule{Key: "state", Method: models.RuleMethodEq, Value: float64(3)},
		},
	)

	action := executorAction(models.PluginJob)
	action.Status = models.StatusPolling
	action.Outputs = map[string]interface{}{
		"current_function": "schedule",
		"pre_node_outputs": map[string]interface{}{"task_id": float64(7)},
	}

	expectUpdate(mock) // is_polled
	expectUpdate(mock) // success

	err := exec.Execute(context.Background(), action, plugin, executorAlert())
	require.NoError(t, err)
	// 从轮询点续跑，不重新执行 create_task
	assert.Equal(t, []string{"schedule"}, caller.calls)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExecute_RetryExhausted(t *testing.T) {
	exec, mock, _, caller, cleanup := setupExecutor(t)
	defer cleanup()

	caller.errs["create_task"] = fmt.Errorf("job api unavailable")

	plugin := jobPlugin(models.FunctionStep{
		Function: "create_task",
		FailedRetry: &models.FailedRetry{
			IsEnabled:     true,
			MaxRetryTimes: 2,
			RetryInterval: 0,
		},
	})

	expectUpdate(mock) // running
	expectUpdate(mock) // failure

	err := exec.Execute(context.Background(), executorAction(models.PluginJob), plugin, executorAlert())
	require.NoError(t, err)
	assert.Len(t, caller.calls, 3, "初次调用加两次重试")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExecute_TimeoutBeforeRun(t *testing.T) {
	exec, mock, _, caller, cleanup := setupExecutor(t)
	defer cleanup()

	action := executorAction(models.PluginJob)
	action.Timeout = 60
	action.CreateTime = time.Now().Add(-10 * time.Minute)

	expectUpdate(mock) // failure

	err := exec.Execute(context.Background(), action, jobPlugin(models.FunctionStep{Function: "create_task"}), executorAlert())
	require.NoError(t, err)
	assert.Empty(t, caller.calls)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExecute_EmptyAssigneeFails(t *testing.T) {
	exec, mock, _, caller, cleanup := setupExecutor(t)
	defer cleanup()

	plugin := jobPlugin(models.FunctionStep{Function: "create_task"})
	alert := executorAlert()
	alert.Assignee = nil

	// 负责人为空的自动化套餐直接判失败，不调用外部系统
	expectUpdate(mock)

	err := exec.Execute(context.Background(), executorAction(models.PluginJob), plugin, alert)
	require.NoError(t, err)
	assert.Empty(t, caller.calls)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExecute_DisabledPluginFails(t *testing.T) {
	exec, mock, _, _, cleanup := setupExecutor(t)
	defer cleanup()

	plugin := jobPlugin(models.FunctionStep{Function: "create_task"})
	plugin.IsEnabled = false

	expectUpdate(mock) // failure

	err := exec.Execute(context.Background(), executorAction(models.PluginJob), plugin, executorAlert())
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExecute_MessageQueuePublishes(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	logger := zap.NewNop()
	sink, err := mq.NewSink(fmt.Sprintf("redis://%s/0?key=bkmonitor.alert", mr.Addr()), logger)
	require.NoError(t, err)
	defer sink.Close()

	exec := NewExecutor(
		repository.NewActionRepository(db, logger),
		repository.NewAlertLogRepository(db, logger),
		queue.NewDelayQueue(client, logger),
		sink,
		logger,
	)

	expectUpdate(mock) // success

	plugin := &models.ActionPlugin{ID: 13, PluginKey: "mq", PluginType: models.PluginMessageQueue, IsEnabled: true}
	err = exec.Execute(context.Background(), executorAction(models.PluginMessageQueue), plugin, executorAlert())
	require.NoError(t, err)

	got, err := mr.List("bkmonitor.alert")
	require.NoError(t, err)
	assert.Len(t, got, 1)
	require.NoError(t, mock.ExpectationsWereMet())
}
