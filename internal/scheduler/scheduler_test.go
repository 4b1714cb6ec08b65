package scheduler

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/benbjohnson/clock"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/TencentBlueKing/bk-monitor-sub002/internal/cache"
	"github.com/TencentBlueKing/bk-monitor-sub002/internal/config"
	"github.com/TencentBlueKing/bk-monitor-sub002/internal/models"
	"github.com/TencentBlueKing/bk-monitor-sub002/internal/queue"
	"github.com/TencentBlueKing/bk-monitor-sub002/internal/repository"
	"github.com/TencentBlueKing/bk-monitor-sub002/internal/shield"
)

type fakeCreator struct {
	intervalCalls []int
	unshieldCalls int
	signalCalls   []models.ActionSignal
}

func (c *fakeCreator) CreateActions(ctx context.Context, strategyID int64, signal models.ActionSignal, alertIDs []string, now time.Time) ([]string, error) {
	c.signalCalls = append(c.signalCalls, signal)
	return []string{"parent-x"}, nil
}

func (c *fakeCreator) CreateIntervalActions(ctx context.Context, strategyID int64, signal models.ActionSignal, alertIDs []string, relationID int64, executeTimes int, now time.Time) ([]string, error) {
	c.intervalCalls = append(c.intervalCalls, executeTimes)
	return []string{"parent-y"}, nil
}

func (c *fakeCreator) CreateUnshieldActions(ctx context.Context, strategyID int64, alertIDs []string, shieldIDs []int64, now time.Time) ([]string, error) {
	c.unshieldCalls++
	return []string{"parent-z"}, nil
}

type fakeSource struct {
	alerts []*models.Alert
}

func (s *fakeSource) ListAbnormalAlerts(ctx context.Context) ([]*models.Alert, error) {
	return s.alerts, nil
}

type shieldRules struct {
	rules []*shield.Rule
}

func (p *shieldRules) ListRules(ctx context.Context, bizID int64) ([]*shield.Rule, error) {
	return p.rules, nil
}

type schedulerFixture struct {
	scheduler *Scheduler
	mock      sqlmock.Sqlmock
	mr        *miniredis.Miniredis
	creator   *fakeCreator
	source    *fakeSource
	clk       *clock.Mock
	configs   *cache.ConfigCache
	snapshots *cache.SnapshotStore
	cleanup   func()
}

func setupScheduler(t *testing.T, rules []*shield.Rule) *schedulerFixture {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	logger := zap.NewNop()
	cfg := &config.Config{
		IntervalNotifyFactor: 2,
		IntervalNotifyCap:    86400,
	}
	cfg.Engine.PollInterval = 60
	cfg.Engine.TimeoutScanInterval = 60
	cfg.Engine.ConvergeGrace = 300

	clk := clock.NewMock()
	configs := cache.NewConfigCache(client, logger)
	snapshots := cache.NewSnapshotStore(client, logger)
	creator := &fakeCreator{}
	source := &fakeSource{}

	sched := NewScheduler(
		cfg,
		clk,
		repository.NewActionRepository(db, logger),
		configs,
		snapshots,
		creator,
		shield.NewEvaluator(&shieldRules{rules: rules}, false, logger),
		queue.NewServiceLock(client),
		source,
		logger,
	)

	return &schedulerFixture{
		scheduler: sched,
		mock:      mock,
		mr:        mr,
		creator:   creator,
		source:    source,
		clk:       clk,
		configs:   configs,
		snapshots: snapshots,
		cleanup: func() {
			client.Close()
			mr.Close()
			db.Close()
		},
	}
}

func (fx *schedulerFixture) seedStrategy(t *testing.T, notifyInterval int64, mode models.IntervalNotifyMode) {
	ctx := context.Background()
	require.NoError(t, fx.configs.SetStrategy(ctx, &models.StrategySnapshot{
		ID:    101,
		BizID: 2,
		Notice: &models.NoticeRelation{
			ID:       11,
			ConfigID: 21,
			Signals:  []models.ActionSignal{models.SignalAbnormal},
		},
	}))
	require.NoError(t, fx.configs.SetActionConfig(ctx, &models.ActionConfig{
		ID:        21,
		IsEnabled: true,
		PluginID:  1,
		ExecuteConfig: &models.ExecuteConfig{
			NotifyInterval:     notifyInterval,
			IntervalNotifyMode: mode,
			NeedPoll:           true,
		},
	}))
}

func cyclicAlert(lastTime int64, executeTimes int) *models.Alert {
	return &models.Alert{
		ID:         "alert-1",
		StrategyID: 101,
		BizID:      2,
		Severity:   1,
		Status:     models.EventAbnormal,
		LatestTime: lastTime + 60,
		ExtraInfo: &models.AlertExtraInfo{
			CycleHandleRecord: map[string]*models.CycleHandleRecord{
				"11": {ExecuteTimes: executeTimes, LastTime: lastTime},
			},
		},
	}
}

func TestNotifyInterval_Modes(t *testing.T) {
	fx := setupScheduler(t, nil)
	defer fx.cleanup()

	standard := &models.ExecuteConfig{NotifyInterval: 7200, IntervalNotifyMode: models.IntervalModeStandard}
	assert.Equal(t, int64(7200), fx.scheduler.NotifyInterval(standard, 1))
	assert.Equal(t, int64(7200), fx.scheduler.NotifyInterval(standard, 5))

	increasing := &models.ExecuteConfig{NotifyInterval: 7200, IntervalNotifyMode: models.IntervalModeIncreasing}
	assert.Equal(t, int64(7200), fx.scheduler.NotifyInterval(increasing, 1))
	assert.Equal(t, int64(14400), fx.scheduler.NotifyInterval(increasing, 2))
	assert.Equal(t, int64(28800), fx.scheduler.NotifyInterval(increasing, 3))
	// 超过上限后封顶
	assert.Equal(t, int64(86400), fx.scheduler.NotifyInterval(increasing, 10))

	assert.Equal(t, int64(0), fx.scheduler.NotifyInterval(nil, 1))
}

func TestTickCycle_DueTriggersIntervalAction(t *testing.T) {
	fx := setupScheduler(t, nil)
	defer fx.cleanup()
	fx.seedStrategy(t, 7200, models.IntervalModeStandard)

	now := time.Now()
	alert := cyclicAlert(now.Unix()-7300, 1)
	require.NoError(t, fx.snapshots.Save(context.Background(), alert))
	fx.source.alerts = []*models.Alert{alert}

	fx.scheduler.TickCycle(context.Background(), now)

	require.Equal(t, []int{2}, fx.creator.intervalCalls, "到期后以 execute_times+1 重入")

	// 周期记录已推进并写回快照
	saved, err := fx.snapshots.Get(context.Background(), 101, "alert-1")
	require.NoError(t, err)
	record := saved.CycleRecord("11")
	require.NotNil(t, record)
	assert.Equal(t, 2, record.ExecuteTimes)
}

func TestTickCycle_NotDueDoesNothing(t *testing.T) {
	fx := setupScheduler(t, nil)
	defer fx.cleanup()
	fx.seedStrategy(t, 7200, models.IntervalModeStandard)

	now := time.Now()
	alert := cyclicAlert(now.Unix()-600, 1)
	fx.source.alerts = []*models.Alert{alert}

	fx.scheduler.TickCycle(context.Background(), now)
	assert.Empty(t, fx.creator.intervalCalls)
}

func TestTickCycle_LockPreventsDoubleFire(t *testing.T) {
	fx := setupScheduler(t, nil)
	defer fx.cleanup()
	fx.seedStrategy(t, 7200, models.IntervalModeStandard)

	now := time.Now()
	alert := cyclicAlert(now.Unix()-7300, 1)
	require.NoError(t, fx.snapshots.Save(context.Background(), alert))
	fx.source.alerts = []*models.Alert{alert}

	fx.scheduler.TickCycle(context.Background(), now)
	// 第二次 tick 时记录未刷新（模拟并发实例），周期锁兜底
	fx.source.alerts = []*models.Alert{cyclicAlert(now.Unix()-7300, 1)}
	fx.scheduler.TickCycle(context.Background(), now)

	assert.Equal(t, []int{2}, fx.creator.intervalCalls)
}

func TestShieldTransition_UnshieldNotifies(t *testing.T) {
	fx := setupScheduler(t, nil)
	defer fx.cleanup()
	fx.seedStrategy(t, 0, models.IntervalModeStandard)

	alert := &models.Alert{
		ID:         "alert-1",
		StrategyID: 101,
		BizID:      2,
		Severity:   1,
		Status:     models.EventAbnormal,
		ShieldIDs:  []int64{55},
		ExtraInfo: &models.AlertExtraInfo{
			IsShielded:         true,
			NeedUnshieldNotice: true,
		},
	}
	fx.source.alerts = []*models.Alert{alert}

	// 屏蔽期间没有创建过父任务
	fx.mock.ExpectQuery(`SELECT(.|\n)+FROM action_instances`).
		WillReturnError(sql.ErrNoRows)

	fx.scheduler.TickCycle(context.Background(), time.Now())

	assert.Equal(t, 1, fx.creator.unshieldCalls)
	assert.False(t, alert.ExtraInfo.IsShielded)
	assert.False(t, alert.ExtraInfo.NeedUnshieldNotice)
	require.NoError(t, fx.mock.ExpectationsWereMet())
}

func TestShieldTransition_UnshieldSkippedWhenCycleNotified(t *testing.T) {
	fx := setupScheduler(t, nil)
	defer fx.cleanup()
	fx.seedStrategy(t, 0, models.IntervalModeStandard)

	alert := &models.Alert{
		ID:         "alert-1",
		StrategyID: 101,
		BizID:      2,
		Severity:   1,
		Status:     models.EventAbnormal,
		ShieldIDs:  []int64{55},
		ExtraInfo: &models.AlertExtraInfo{
			IsShielded:         true,
			NeedUnshieldNotice: true,
		},
	}
	fx.source.alerts = []*models.Alert{alert}

	// 屏蔽周期内最近的父任务带轮询标记，说明通知已实际发出
	fx.mock.ExpectQuery(`SELECT(.|\n)+FROM action_instances`).
		WillReturnRows(latestParentRows(true))

	fx.scheduler.TickCycle(context.Background(), time.Now())

	assert.Zero(t, fx.creator.unshieldCalls, "已通知过的屏蔽周期解除时不补发")
	assert.False(t, alert.ExtraInfo.NeedUnshieldNotice)
	require.NoError(t, fx.mock.ExpectationsWereMet())
}

func TestShieldTransition_RecoveringSuppressed(t *testing.T) {
	fx := setupScheduler(t, nil)
	defer fx.cleanup()
	fx.seedStrategy(t, 0, models.IntervalModeStandard)

	alert := &models.Alert{
		ID:         "alert-1",
		StrategyID: 101,
		BizID:      2,
		Severity:   1,
		Status:     models.EventAbnormal,
		ExtraInfo: &models.AlertExtraInfo{
			IsShielded:         true,
			IsRecovering:       true,
			NeedUnshieldNotice: true,
		},
	}
	fx.source.alerts = []*models.Alert{alert}

	fx.scheduler.TickCycle(context.Background(), time.Now())

	assert.Zero(t, fx.creator.unshieldCalls, "恢复中的解除屏蔽不补发")
	assert.True(t, alert.ExtraInfo.IgnoreUnshieldNotice)
}

func TestShieldTransition_NewlyShieldedArmsNotice(t *testing.T) {
	rules := []*shield.Rule{{
		ID:          55,
		BizID:       2,
		Category:    shield.CategoryStrategy,
		IsEnabled:   true,
		BeginTime:   time.Now().Add(-time.Hour).Unix(),
		EndTime:     time.Now().Add(time.Hour).Unix(),
		CycleConfig: &shield.CycleConfig{Type: shield.CycleOnce},
		Strategy:    &shield.StrategyScope{StrategyIDs: []int64{101}},
	}}
	fx := setupScheduler(t, rules)
	defer fx.cleanup()
	fx.seedStrategy(t, 0, models.IntervalModeStandard)

	alert := &models.Alert{
		ID:         "alert-1",
		StrategyID: 101,
		BizID:      2,
		Severity:   1,
		Status:     models.EventAbnormal,
	}
	fx.source.alerts = []*models.Alert{alert}

	fx.scheduler.TickCycle(context.Background(), time.Now())

	require.NotNil(t, alert.ExtraInfo)
	assert.True(t, alert.ExtraInfo.IsShielded)
	assert.True(t, alert.ExtraInfo.NeedUnshieldNotice)
}

func TestWatchTimeout_MarksFailureAndSignals(t *testing.T) {
	fx := setupScheduler(t, nil)
	defer fx.cleanup()

	fx.mock.ExpectQuery(`SELECT(.|\n)+FROM action_instances`).
		WillReturnRows(timeoutActionRows("act-1"))
	fx.mock.ExpectExec(`UPDATE action_instances`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	fx.scheduler.WatchTimeout(context.Background(), time.Now())

	assert.Equal(t, []models.ActionSignal{models.SignalExecuteFailed}, fx.creator.signalCalls)
	require.NoError(t, fx.mock.ExpectationsWereMet())
}

func TestWatchTimeout_LockHeldByPeer(t *testing.T) {
	fx := setupScheduler(t, nil)
	defer fx.cleanup()

	require.NoError(t, fx.mr.Set("bkmonitor.fta.fta_action.timeout.process.lock", "peer"))

	fx.scheduler.WatchTimeout(context.Background(), time.Now())
	require.NoError(t, fx.mock.ExpectationsWereMet())
}

func TestSweepParents_AggregatesFinishedChildren(t *testing.T) {
	fx := setupScheduler(t, nil)
	defer fx.cleanup()

	fx.mock.ExpectQuery(`SELECT(.|\n)+FROM action_instances`).
		WillReturnRows(parentRows("parent-1"))
	fx.mock.ExpectQuery(`SELECT(.|\n)+FROM action_instances`).
		WillReturnRows(childRows(
			childCase{id: "c-1", status: models.StatusSuccess},
			childCase{id: "c-2", status: models.StatusFailure},
		))
	// 混合结果聚合为部分成功
	fx.mock.ExpectExec(`UPDATE action_instances`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	fx.scheduler.SweepParents(context.Background(), time.Now())
	require.NoError(t, fx.mock.ExpectationsWereMet())
}

func TestSweepParents_UnfinishedChildSkipped(t *testing.T) {
	fx := setupScheduler(t, nil)
	defer fx.cleanup()

	fx.mock.ExpectQuery(`SELECT(.|\n)+FROM action_instances`).
		WillReturnRows(parentRows("parent-1"))
	fx.mock.ExpectQuery(`SELECT(.|\n)+FROM action_instances`).
		WillReturnRows(childRows(
			childCase{id: "c-1", status: models.StatusSuccess},
			childCase{id: "c-2", status: models.StatusRunning},
		))

	fx.scheduler.SweepParents(context.Background(), time.Now())
	require.NoError(t, fx.mock.ExpectationsWereMet())
}

type childCase struct {
	id     string
	status models.ActionStatus
}

func actionColumnsForTest() []string {
	return []string{
		"id", "parent_id", "is_parent_action", "generate_uuid", "strategy_id",
		"strategy_relation_id", "signal", "plugin_id", "plugin_type", "action_config_id",
		"bk_biz_id", "alerts", "alert_level", "dimensions", "dimension_hash",
		"inputs", "outputs", "status", "failure_type", "ex_data",
		"execute_times", "need_poll", "is_polled", "timeout", "create_time",
		"update_time", "end_time",
	}
}

func timeoutActionRows(id string) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(actionColumnsForTest()).AddRow(
		id, "parent-1", false, "uuid-1", int64(101),
		int64(11), "abnormal", int64(1), "job", int64(21),
		int64(2), []byte(`["alert-1"]`), 1, []byte(`[]`), nil,
		[]byte(`{}`), []byte(`{}`), "running", nil, nil,
		1, false, false, int64(60), now.Add(-10*time.Minute),
		now, nil,
	)
}

func latestParentRows(needPoll bool) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(actionColumnsForTest()).AddRow(
		"parent-1", nil, true, "uuid-1", int64(101),
		int64(11), "abnormal", int64(1), "notice", int64(21),
		int64(2), []byte(`["alert-1"]`), 1, []byte(`[]`), nil,
		[]byte(`{}`), []byte(`{}`), "success", nil, nil,
		1, needPoll, false, int64(600), now.Add(-30*time.Minute),
		now, nil,
	)
}

func parentRows(id string) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(actionColumnsForTest()).AddRow(
		id, nil, true, "uuid-1", int64(101),
		int64(11), "abnormal", int64(1), "notice", int64(21),
		int64(2), []byte(`["alert-1"]`), 1, []byte(`[]`), nil,
		[]byte(`{}`), []byte(`{}`), "received", nil, nil,
		1, false, false, int64(600), now.Add(-20*time.Minute),
		now, nil,
	)
}

func childRows(cases ...childCase) *sqlmock.Rows {
	now := time.Now()
	rows := sqlmock.NewRows(actionColumnsForTest())
	for _, c := range cases {
		rows.AddRow(
			c.id, "parent-1", false, "uuid-1", int64(101),
			int64(11), "abnormal", int64(1), "notice", int64(21),
			int64(2), []byte(`["alert-1"]`), 1, []byte(`[]`), nil,
			[]byte(`{}`), []byte(`{}`), string(c.status), nil, nil,
			1, false, false, int64(600), now.Add(-15*time.Minute),
			now, nil,
		)
	}
	return rows
}
