package action

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
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

type emptyDutyPlans struct{}

func (emptyDutyPlans) ListDutyPlans(ctx context.Context, groupID int64, ruleIDs []int64) ([]*models.DutyPlan, error) {
	return nil, nil
}

type emptyDirectory struct{}

func (emptyDirectory) GroupUsers(ctx context.Context, bizID int64, groupKey string) ([]string, error) {
	return nil, nil
}

type noShieldRules struct {
	rules []*shield.Rule
}

func (p *noShieldRules) ListRules(ctx context.Context, bizID int64) ([]*shield.Rule, error) {
	return p.rules, nil
}

type factoryFixture struct {
	factory *Factory
	mock    sqlmock.Sqlmock
	mr      *miniredis.Miniredis
	configs *cache.ConfigCache
	cleanup func()
}

func setupFactory(t *testing.T, globalShield bool, shardBizIDs []int64) *factoryFixture {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	logger := zap.NewNop()
	cfg := &config.Config{GlobalShieldEnabled: globalShield}
	cfg.Engine.ShardBizIDs = shardBizIDs

	configs := cache.NewConfigCache(client, logger)
	actions := repository.NewActionRepository(db, logger)
	converges := repository.NewConvergeRepository(db, logger)
	factory := NewFactory(
		cfg,
		configs,
		cache.NewSnapshotStore(client, logger),
		actions,
		repository.NewAlertLogRepository(db, logger),
		assign.NewResolver(configs, emptyDutyPlans{}, emptyDirectory{}, logger),
		shield.NewEvaluator(&noShieldRules{}, globalShield, logger),
		noisereduce.NewGate(client, logger),
		queue.NewExecuteQueue(client, logger),
		logger,
	)
	factory.SetConvergeEngine(converge.NewEngine(converges, actions, client, factory, logger))

	return &factoryFixture{
		factory: factory,
		mock:    mock,
		mr:      mr,
		configs: configs,
		cleanup: func() {
			client.Close()
			mr.Close()
			db.Close()
		},
	}
}

// seedStrategy 写入一条订阅 abnormal/recovered 的通知策略及其依赖配置
func (fx *factoryFixture) seedStrategy(t *testing.T, options *models.NoticeOptions) {
	ctx := context.Background()
	require.NoError(t, fx.configs.SetStrategy(ctx, &models.StrategySnapshot{
		ID:    101,
		Name:  "CPU使用率告警",
		BizID: 2,
		Notice: &models.NoticeRelation{
			ID:         11,
			ConfigID:   21,
			Signals:    []models.ActionSignal{models.SignalAbnormal, models.SignalRecovered},
			UserGroups: []int64{31},
			Options:    options,
		},
	}))
	require.NoError(t, fx.configs.SetActionConfig(ctx, &models.ActionConfig{
		ID:        21,
		BizID:     2,
		Name:      "告警通知",
		IsEnabled: true,
		PluginID:  1,
		ExecuteConfig: &models.ExecuteConfig{
			Timeout:        600,
			NeedPoll:       true,
			NotifyInterval: 7200,
		},
	}))
	require.NoError(t, fx.configs.SetPlugin(ctx, &models.ActionPlugin{
		ID:         1,
		PluginKey:  "notice",
		PluginType: models.PluginNotice,
		IsEnabled:  true,
	}))
	require.NoError(t, fx.configs.SetUserGroup(ctx, &models.UserGroup{
		ID:       31,
		BizID:    2,
		Name:     "运维组",
		Timezone: "Asia/Shanghai",
		DutyArranges: []*models.DutyArrange{
			{Order: 1, Users: []models.DutyUser{
				{Type: "user", ID: "admin"},
				{Type: "user", ID: "andy"},
			}},
		},
		AlertNotice: []models.NotifyItem{{
			TimeRange: "00:00--23:59",
			NotifyConfig: []models.NotifyConfig{{
				Level: 1,
				NoticeWays: []models.NoticeWayConfig{
					{Name: models.NoticeWayMail},
					{Name: models.NoticeWayWeixin},
					{Name: models.NoticeWayVoice},
				},
			}},
		}},
	}))
}

func (fx *factoryFixture) seedAlert(t *testing.T) {
	require.NoError(t, cache.NewSnapshotStore(redis.NewClient(&redis.Options{Addr: fx.mr.Addr()}), zap.NewNop()).Save(context.Background(), &models.Alert{
		ID:               "alert-1",
		StrategyID:       101,
		AlertName:        "CPU使用率过高",
		BizID:            2,
		Severity:         1,
		Status:           models.EventAbnormal,
		FirstAnomalyTime: time.Now().Add(-10 * time.Minute).Unix(),
		LatestTime:       time.Now().Unix(),
	}))
}

func expectActionInsert(mock sqlmock.Sqlmock) {
	mock.ExpectExec(`INSERT INTO action_instances`).
		WillReturnResult(sqlmock.NewResult(0, 1))
}

func expectLogInsert(mock sqlmock.Sqlmock) {
	mock.ExpectExec(`INSERT INTO alert_logs`).
		WillReturnResult(sqlmock.NewResult(0, 1))
}

func TestCreateActions_BasicFanOut(t *testing.T) {
	fx := setupFactory(t, false, nil)
	defer fx.cleanup()
	fx.seedStrategy(t, nil)
	fx.seedAlert(t)

	// 父任务 + mail×2 + weixin×2 + voice×1 = 6 条入库，外加一条流水
	for i := 0; i < 6; i++ {
		expectActionInsert(fx.mock)
	}
	expectLogInsert(fx.mock)

	parentIDs, err := fx.factory.CreateActions(context.Background(), 101, models.SignalAbnormal, []string{"alert-1"}, time.Now())
	require.NoError(t, err)
	require.Len(t, parentIDs, 1)

	// 全部子任务过收敛引擎（无收敛配置直接放行）后进入执行队列
	queued, err := fx.mr.List("bkmonitor.fta.fta_action.notice")
	require.NoError(t, err)
	assert.Len(t, queued, 5)
	require.NoError(t, fx.mock.ExpectationsWereMet())
}

func TestCreateActions_GlobalShieldParentOnly(t *testing.T) {
	fx := setupFactory(t, true, nil)
	defer fx.cleanup()
	fx.seedStrategy(t, nil)
	fx.seedAlert(t)

	expectActionInsert(fx.mock)
	expectLogInsert(fx.mock)

	parentIDs, err := fx.factory.CreateActions(context.Background(), 101, models.SignalAbnormal, []string{"alert-1"}, time.Now())
	require.NoError(t, err)
	require.Len(t, parentIDs, 1)

	queued, err := fx.mr.List("bkmonitor.fta.fta_action.notice")
	if err != nil {
		require.ErrorIs(t, err, miniredis.ErrKeyNotFound)
	}
	assert.Empty(t, queued, "屏蔽时不创建子任务")
	require.NoError(t, fx.mock.ExpectationsWereMet())
}

func TestCreateActions_ShardNotOwned(t *testing.T) {
	fx := setupFactory(t, false, []int64{99})
	defer fx.cleanup()
	fx.seedStrategy(t, nil)
	fx.seedAlert(t)

	parentIDs, err := fx.factory.CreateActions(context.Background(), 101, models.SignalAbnormal, []string{"alert-1"}, time.Now())
	require.NoError(t, err)
	assert.Empty(t, parentIDs)
	require.NoError(t, fx.mock.ExpectationsWereMet())
}

func TestCreateActions_UnsubscribedSignal(t *testing.T) {
	fx := setupFactory(t, false, nil)
	defer fx.cleanup()
	fx.seedStrategy(t, nil)
	fx.seedAlert(t)

	parentIDs, err := fx.factory.CreateActions(context.Background(), 101, models.SignalAck, []string{"alert-1"}, time.Now())
	require.NoError(t, err)
	assert.Empty(t, parentIDs)
}

func TestCreateActions_ExcludedNoticeWay(t *testing.T) {
	fx := setupFactory(t, false, nil)
	defer fx.cleanup()
	fx.seedStrategy(t, &models.NoticeOptions{
		ExcludeNoticeWays: map[models.ActionSignal][]string{
			models.SignalRecovered: {models.NoticeWayVoice},
		},
	})
	// 恢复信号要求告警当前处于已恢复状态，否则状态漂移守卫会直接忽略
	require.NoError(t, cache.NewSnapshotStore(redis.NewClient(&redis.Options{Addr: fx.mr.Addr()}), zap.NewNop()).Save(context.Background(), &models.Alert{
		ID:         "alert-1",
		StrategyID: 101,
		BizID:      2,
		Severity:   1,
		Status:     models.EventRecovered,
	}))

	// 恢复信号排除 voice：父任务 + mail×2 + weixin×2
	for i := 0; i < 5; i++ {
		expectActionInsert(fx.mock)
	}
	expectLogInsert(fx.mock)

	parentIDs, err := fx.factory.CreateActions(context.Background(), 101, models.SignalRecovered, []string{"alert-1"}, time.Now())
	require.NoError(t, err)
	require.Len(t, parentIDs, 1)

	queued, err := fx.mr.List("bkmonitor.fta.fta_action.notice")
	require.NoError(t, err)
	assert.Len(t, queued, 4)
	require.NoError(t, fx.mock.ExpectationsWereMet())
}

func TestCreateActions_EmptyReceiversParentOnly(t *testing.T) {
	fx := setupFactory(t, false, nil)
	defer fx.cleanup()
	fx.seedStrategy(t, nil)

	// 告警级别 3，矩阵只配置了级别 1，无接收人
	require.NoError(t, cache.NewSnapshotStore(redis.NewClient(&redis.Options{Addr: fx.mr.Addr()}), zap.NewNop()).Save(context.Background(), &models.Alert{
		ID:         "alert-2",
		StrategyID: 101,
		BizID:      2,
		Severity:   3,
		Status:     models.EventAbnormal,
	}))

	expectActionInsert(fx.mock)
	expectLogInsert(fx.mock)

	parentIDs, err := fx.factory.CreateActions(context.Background(), 101, models.SignalAbnormal, []string{"alert-2"}, time.Now())
	require.NoError(t, err)
	require.Len(t, parentIDs, 1)

	queued, err := fx.mr.List("bkmonitor.fta.fta_action.notice")
	if err != nil {
		require.ErrorIs(t, err, miniredis.ErrKeyNotFound)
	}
	assert.Empty(t, queued)
	require.NoError(t, fx.mock.ExpectationsWereMet())
}

func TestCreateActions_DisabledPluginDropped(t *testing.T) {
	fx := setupFactory(t, false, nil)
	defer fx.cleanup()
	fx.seedStrategy(t, nil)
	fx.seedAlert(t)
	require.NoError(t, fx.configs.SetPlugin(context.Background(), &models.ActionPlugin{
		ID:         1,
		PluginKey:  "notice",
		PluginType: models.PluginNotice,
		IsEnabled:  false,
	}))

	parentIDs, err := fx.factory.CreateActions(context.Background(), 101, models.SignalAbnormal, []string{"alert-1"}, time.Now())
	require.NoError(t, err)
	assert.Empty(t, parentIDs)
}

func TestCreateIntervalActions_OnlyTargetRelation(t *testing.T) {
	fx := setupFactory(t, false, nil)
	defer fx.cleanup()
	fx.seedStrategy(t, nil)
	fx.seedAlert(t)

	for i := 0; i < 6; i++ {
		expectActionInsert(fx.mock)
	}
	expectLogInsert(fx.mock)

	parentIDs, err := fx.factory.CreateIntervalActions(context.Background(), 101, models.SignalAbnormal, []string{"alert-1"}, 11, 2, time.Now())
	require.NoError(t, err)
	require.Len(t, parentIDs, 1)
	require.NoError(t, fx.mock.ExpectationsWereMet())

	// 不存在的关联：不创建任何动作
	parentIDs, err = fx.factory.CreateIntervalActions(context.Background(), 101, models.SignalAbnormal, []string{"alert-1"}, 999, 2, time.Now())
	require.NoError(t, err)
	assert.Empty(t, parentIDs)
}

func TestNoiseDimensionHash_Stable(t *testing.T) {
	alert := &models.Alert{
		Dimensions: []models.Dimension{
			{Key: "bk_target_ip", Value: "10.0.0.1"},
			{Key: "device", Value: "eth0"},
		},
	}
	h1 := noiseDimensionHash(alert, []string{"bk_target_ip", "device"})
	h2 := noiseDimensionHash(alert, []string{"device", "bk_target_ip"})
	assert.Equal(t, h1, h2, "维度顺序不影响指纹")

	other := &models.Alert{
		Dimensions: []models.Dimension{
			{Key: "bk_target_ip", Value: "10.0.0.2"},
			{Key: "device", Value: "eth0"},
		},
	}
	assert.NotEqual(t, h1, noiseDimensionHash(other, []string{"bk_target_ip", "device"}))
}

func TestMergeAlertIDs(t *testing.T) {
	got := mergeAlertIDs([]string{"a", "b"}, []string{"b", "c"})
	assert.Equal(t, []string{"a", "b", "c"}, got)
}

func TestCreateActions_SeedsCycleRecord(t *testing.T) {
	fx := setupFactory(t, false, nil)
	defer fx.cleanup()
	fx.seedStrategy(t, nil)
	fx.seedAlert(t)

	for i := 0; i < 6; i++ {
		expectActionInsert(fx.mock)
	}
	expectLogInsert(fx.mock)

	now := time.Now()
	parentIDs, err := fx.factory.CreateActions(context.Background(), 101, models.SignalAbnormal, []string{"alert-1"}, now)
	require.NoError(t, err)
	require.Len(t, parentIDs, 1)

	// 首发成功后周期记录写回快照，调度器据此推进后续周期
	store := cache.NewSnapshotStore(redis.NewClient(&redis.Options{Addr: fx.mr.Addr()}), zap.NewNop())
	saved, err := store.Get(context.Background(), 101, "alert-1")
	require.NoError(t, err)
	record := saved.CycleRecord("11")
	require.NotNil(t, record)
	assert.Equal(t, 1, record.ExecuteTimes)
	assert.Equal(t, now.Unix(), record.LastTime)
	assert.False(t, record.IsShielded)
	require.NoError(t, fx.mock.ExpectationsWereMet())
}

func TestCreateActions_ShieldedSeedsCycleRecord(t *testing.T) {
	fx := setupFactory(t, true, nil)
	defer fx.cleanup()
	fx.seedStrategy(t, nil)
	fx.seedAlert(t)

	expectActionInsert(fx.mock)
	expectLogInsert(fx.mock)

	_, err := fx.factory.CreateActions(context.Background(), 101, models.SignalAbnormal, []string{"alert-1"}, time.Now())
	require.NoError(t, err)

	store := cache.NewSnapshotStore(redis.NewClient(&redis.Options{Addr: fx.mr.Addr()}), zap.NewNop())
	saved, err := store.Get(context.Background(), 101, "alert-1")
	require.NoError(t, err)
	record := saved.CycleRecord("11")
	require.NotNil(t, record)
	assert.True(t, record.IsShielded)
}

func TestCreateIntervalActions_StaleReentryDropped(t *testing.T) {
	fx := setupFactory(t, false, nil)
	defer fx.cleanup()
	fx.seedStrategy(t, nil)

	// 记录已推进到第 5 次，迟到的第 2 次重入直接丢弃
	require.NoError(t, cache.NewSnapshotStore(redis.NewClient(&redis.Options{Addr: fx.mr.Addr()}), zap.NewNop()).Save(context.Background(), &models.Alert{
		ID:         "alert-1",
		StrategyID: 101,
		BizID:      2,
		Severity:   1,
		Status:     models.EventAbnormal,
		ExtraInfo: &models.AlertExtraInfo{
			CycleHandleRecord: map[string]*models.CycleHandleRecord{
				"11": {ExecuteTimes: 5, LastTime: time.Now().Unix()},
			},
		},
	}))

	parentIDs, err := fx.factory.CreateIntervalActions(context.Background(), 101, models.SignalAbnormal, []string{"alert-1"}, 11, 2, time.Now())
	require.NoError(t, err)
	assert.Empty(t, parentIDs)

	queued, err := fx.mr.List("bkmonitor.fta.fta_action.notice")
	if err != nil {
		require.ErrorIs(t, err, miniredis.ErrKeyNotFound)
	}
	assert.Empty(t, queued)
	require.NoError(t, fx.mock.ExpectationsWereMet())
}

func TestCreateIntervalActions_ReplaySameRoundDropped(t *testing.T) {
	fx := setupFactory(t, false, nil)
	defer fx.cleanup()
	fx.seedStrategy(t, nil)
	fx.seedAlert(t)

	for i := 0; i < 6; i++ {
		expectActionInsert(fx.mock)
	}
	expectLogInsert(fx.mock)

	parentIDs, err := fx.factory.CreateIntervalActions(context.Background(), 101, models.SignalAbnormal, []string{"alert-1"}, 11, 2, time.Now())
	require.NoError(t, err)
	require.Len(t, parentIDs, 1)

	// 同一轮次重复提交：不再创建父任务，子任务数不变
	parentIDs, err = fx.factory.CreateIntervalActions(context.Background(), 101, models.SignalAbnormal, []string{"alert-1"}, 11, 2, time.Now())
	require.NoError(t, err)
	assert.Empty(t, parentIDs)

	queued, err := fx.mr.List("bkmonitor.fta.fta_action.notice")
	require.NoError(t, err)
	assert.Len(t, queued, 5)
	require.NoError(t, fx.mock.ExpectationsWereMet())
}

func TestCreateActions_NoiseReduceTotalsRegistered(t *testing.T) {
	fx := setupFactory(t, false, nil)
	defer fx.cleanup()
	fx.seedStrategy(t, &models.NoticeOptions{
		NoiseReduceConfig: &models.NoiseReduceConfig{
			IsEnabled:  true,
			Dimensions: []string{"bk_target_ip"},
			CountRatio: 100,
		},
	})
	require.NoError(t, cache.NewSnapshotStore(redis.NewClient(&redis.Options{Addr: fx.mr.Addr()}), zap.NewNop()).Save(context.Background(), &models.Alert{
		ID:         "alert-1",
		StrategyID: 101,
		BizID:      2,
		Severity:   1,
		Status:     models.EventAbnormal,
		Dimensions: []models.Dimension{{Key: "bk_target_ip", Value: "10.0.0.1"}},
	}))

	// 窗口基数由本次告警登记，占比 1/1 达标放行
	for i := 0; i < 6; i++ {
		expectActionInsert(fx.mock)
	}
	expectLogInsert(fx.mock)

	parentIDs, err := fx.factory.CreateActions(context.Background(), 101, models.SignalAbnormal, []string{"alert-1"}, time.Now())
	require.NoError(t, err)
	require.Len(t, parentIDs, 1)

	totalKey := cache.NoiseReduceTotalKey(101, noiseConfigHash([]string{"bk_target_ip"}))
	members, err := fx.mr.ZMembers(totalKey)
	require.NoError(t, err)
	assert.Len(t, members, 1)

	queued, err := fx.mr.List("bkmonitor.fta.fta_action.notice")
	require.NoError(t, err)
	assert.Len(t, queued, 5)
	require.NoError(t, fx.mock.ExpectationsWereMet())
}

func TestBuildNoticeChildren_VoiceGroupsSingleChild(t *testing.T) {
	f := &Factory{}
	parent := &models.ActionInstance{
		ID:           "parent-1",
		GenerateUUID: "uuid-1",
		Signal:       models.SignalAbnormal,
		PluginType:   models.PluginNotice,
		Alerts:       []string{"alert-1"},
	}
	result := &assign.Result{
		NotifyInfo: models.NotifyInfo{
			models.NoticeWayVoice: [][]string{{"admin", "andy"}, {"lisa"}},
		},
	}

	children := f.buildNoticeChildren(parent, &models.ActionRelation{}, models.SignalAbnormal, result)
	require.Len(t, children, 1, "全部拨打序列合并为一个子任务")
	assert.Equal(t, []string{"admin,andy", "lisa"}, children[0].Inputs.NoticeReceiver)

	// 子任务持有独立的告警列表副本
	parent.Alerts[0] = "changed"
	assert.Equal(t, []string{"alert-1"}, children[0].Alerts)
}

func TestCreateActions_AckedAlertSkipped(t *testing.T) {
	fx := setupFactory(t, false, nil)
	defer fx.cleanup()
	fx.seedStrategy(t, nil)
	require.NoError(t, cache.NewSnapshotStore(redis.NewClient(&redis.Options{Addr: fx.mr.Addr()}), zap.NewNop()).Save(context.Background(), &models.Alert{
		ID:         "alert-1",
		StrategyID: 101,
		BizID:      2,
		Severity:   1,
		Status:     models.EventAbnormal,
		IsAck:      true,
	}))

	// 已确认告警只留一条忽略流水
	expectLogInsert(fx.mock)

	parentIDs, err := fx.factory.CreateActions(context.Background(), 101, models.SignalAbnormal, []string{"alert-1"}, time.Now())
	require.NoError(t, err)
	assert.Empty(t, parentIDs)
	require.NoError(t, fx.mock.ExpectationsWereMet())
}

func TestCreateActions_StatusDriftSkipped(t *testing.T) {
	fx := setupFactory(t, false, nil)
	defer fx.cleanup()
	fx.seedStrategy(t, nil)
	require.NoError(t, cache.NewSnapshotStore(redis.NewClient(&redis.Options{Addr: fx.mr.Addr()}), zap.NewNop()).Save(context.Background(), &models.Alert{
		ID:         "alert-1",
		StrategyID: 101,
		BizID:      2,
		Severity:   1,
		Status:     models.EventRecovered,
	}))

	expectLogInsert(fx.mock)

	parentIDs, err := fx.factory.CreateActions(context.Background(), 101, models.SignalAbnormal, []string{"alert-1"}, time.Now())
	require.NoError(t, err)
	assert.Empty(t, parentIDs)
	require.NoError(t, fx.mock.ExpectationsWereMet())
}

func TestCreateActions_DisabledConfigLogged(t *testing.T) {
	fx := setupFactory(t, false, nil)
	defer fx.cleanup()
	fx.seedStrategy(t, nil)
	fx.seedAlert(t)
	require.NoError(t, fx.configs.SetActionConfig(context.Background(), &models.ActionConfig{
		ID:        21,
		BizID:     2,
		Name:      "告警通知",
		IsEnabled: false,
		PluginID:  1,
	}))

	expectLogInsert(fx.mock)

	parentIDs, err := fx.factory.CreateActions(context.Background(), 101, models.SignalAbnormal, []string{"alert-1"}, time.Now())
	require.NoError(t, err)
	assert.Empty(t, parentIDs)
	require.NoError(t, fx.mock.ExpectationsWereMet())
}
