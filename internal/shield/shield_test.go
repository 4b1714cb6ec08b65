package shield

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/TencentBlueKing/bk-monitor-sub002/internal/models"
)

type fakeRuleProvider struct {
	rules []*Rule
}

func (f *fakeRuleProvider) ListRules(_ context.Context, _ int64) ([]*Rule, error) {
	return f.rules, nil
}

func newEvaluator(globalEnabled bool, rules ...*Rule) *Evaluator {
	return NewEvaluator(&fakeRuleProvider{rules: rules}, globalEnabled, zap.NewNop())
}

func activeWindow(now time.Time) (int64, int64) {
	return now.Add(-time.Hour).Unix(), now.Add(time.Hour).Unix()
}

func TestEvaluate_GlobalShield(t *testing.T) {
	e := newEvaluator(true)

	result, err := e.Evaluate(context.Background(), &models.Alert{BizID: 2}, time.Now())
	require.NoError(t, err)
	assert.True(t, result.IsShielded)
	assert.Contains(t, result.Detail, "因系统全局屏蔽配置")
	assert.Empty(t, result.ShieldIDs)
}

func TestEvaluate_HostState(t *testing.T) {
	e := newEvaluator(false)

	alert := &models.Alert{
		BizID:  2,
		Target: &models.AlertTarget{IP: "10.0.0.1", HostState: HostStateShielded},
	}
	result, err := e.Evaluate(context.Background(), alert, time.Now())
	require.NoError(t, err)
	assert.True(t, result.IsShielded)
	assert.Contains(t, result.Detail, "因当前主机状态为屏蔽告警")
}

func TestEvaluate_StrategyRule(t *testing.T) {
	now := time.Now()
	begin, end := activeWindow(now)
	e := newEvaluator(false, &Rule{
		ID: 7, Category: CategoryStrategy, IsEnabled: true,
		BeginTime: begin, EndTime: end,
		Strategy: &StrategyScope{StrategyIDs: []int64{101}, Levels: []int{1, 2}},
	})

	result, err := e.Evaluate(context.Background(), &models.Alert{StrategyID: 101, Severity: 1}, now)
	require.NoError(t, err)
	assert.True(t, result.IsShielded)
	assert.Equal(t, []int64{7}, result.ShieldIDs)

	// 级别不在屏蔽矩阵内
	result, err = e.Evaluate(context.Background(), &models.Alert{StrategyID: 101, Severity: 3}, now)
	require.NoError(t, err)
	assert.False(t, result.IsShielded)
}

func TestEvaluate_DisabledOrExpiredRule(t *testing.T) {
	now := time.Now()
	begin, end := activeWindow(now)
	e := newEvaluator(false,
		&Rule{
			ID: 1, Category: CategoryStrategy, IsEnabled: false,
			BeginTime: begin, EndTime: end,
			Strategy: &StrategyScope{StrategyIDs: []int64{101}},
		},
		&Rule{
			ID: 2, Category: CategoryStrategy, IsEnabled: true, IsDeleted: true,
			BeginTime: begin, EndTime: end,
			Strategy: &StrategyScope{StrategyIDs: []int64{101}},
		},
		&Rule{
			ID: 3, Category: CategoryStrategy, IsEnabled: true,
			BeginTime: now.Add(-2 * time.Hour).Unix(), EndTime: now.Add(-time.Hour).Unix(),
			Strategy: &StrategyScope{StrategyIDs: []int64{101}},
		},
	)

	result, err := e.Evaluate(context.Background(), &models.Alert{StrategyID: 101, Severity: 1}, now)
	require.NoError(t, err)
	assert.False(t, result.IsShielded)
}

func TestEvaluate_ScopeIPRule(t *testing.T) {
	now := time.Now()
	begin, end := activeWindow(now)
	e := newEvaluator(false, &Rule{
		ID: 11, Category: CategoryScope, IsEnabled: true,
		BeginTime: begin, EndTime: end,
		Scope: &ScopeConfig{
			ScopeType: "ip",
			Hosts:     []HostRef{{IP: "10.0.0.1", CloudID: 0}},
		},
	})

	alert := &models.Alert{Target: &models.AlertTarget{IP: "10.0.0.1", CloudID: 0}}
	result, err := e.Evaluate(context.Background(), alert, now)
	require.NoError(t, err)
	assert.True(t, result.IsShielded)

	// 云区域不同不算同一主机
	alert.Target.CloudID = 1
	result, err = e.Evaluate(context.Background(), alert, now)
	require.NoError(t, err)
	assert.False(t, result.IsShielded)
}

func TestEvaluate_DimensionRule(t *testing.T) {
	now := time.Now()
	begin, end := activeWindow(now)
	e := newEvaluator(false, &Rule{
		ID: 21, Category: CategoryDimension, IsEnabled: true,
		BeginTime: begin, EndTime: end,
		Conditions: []DimensionCondition{
			{Key: "module", Value: []string{"gse"}, Method: "eq"},
			{Key: "env", Value: []string{"prod"}, Method: "neq", Connector: "and"},
		},
	})

	alert := &models.Alert{
		Dimensions: []models.Dimension{
			{Key: "module", Value: "gse"},
			{Key: "env", Value: "staging"},
		},
	}
	result, err := e.Evaluate(context.Background(), alert, now)
	require.NoError(t, err)
	assert.True(t, result.IsShielded)

	// env=prod 时 neq 不成立
	alert.Dimensions[1].Value = "prod"
	result, err = e.Evaluate(context.Background(), alert, now)
	require.NoError(t, err)
	assert.False(t, result.IsShielded)
}

func TestEvaluate_CollectsAllMatches(t *testing.T) {
	now := time.Now()
	begin, end := activeWindow(now)
	e := newEvaluator(false,
		&Rule{
			ID: 1, Category: CategoryStrategy, IsEnabled: true,
			BeginTime: begin, EndTime: end,
			Strategy: &StrategyScope{StrategyIDs: []int64{101}},
		},
		&Rule{
			ID: 2, Category: CategoryDimension, IsEnabled: true,
			BeginTime: begin, EndTime: end,
			Conditions: []DimensionCondition{{Key: "module", Value: []string{"gse"}, Method: "eq"}},
		},
	)

	alert := &models.Alert{
		StrategyID: 101,
		Dimensions: []models.Dimension{{Key: "module", Value: "gse"}},
	}
	result, err := e.Evaluate(context.Background(), alert, now)
	require.NoError(t, err)
	assert.True(t, result.IsShielded)
	assert.Equal(t, []int64{1, 2}, result.ShieldIDs)
}

func TestCycleMatches(t *testing.T) {
	// 周三 14:30
	now := time.Date(2026, 8, 26, 14, 30, 0, 0, time.UTC)

	assert.True(t, cycleMatches(nil, now))
	assert.True(t, cycleMatches(&CycleConfig{Type: CycleOnce}, now))

	daily := &CycleConfig{Type: CycleDaily, StartTime: "14:00", EndTime: "15:00"}
	assert.True(t, cycleMatches(daily, now))
	daily.EndTime = "14:15"
	assert.False(t, cycleMatches(daily, now))

	weekly := &CycleConfig{Type: CycleWeekly, WeekList: []int{3}, StartTime: "00:00", EndTime: "23:59"}
	assert.True(t, cycleMatches(weekly, now))
	weekly.WeekList = []int{6, 7}
	assert.False(t, cycleMatches(weekly, now))

	monthly := &CycleConfig{Type: CycleMonthly, DayList: []int{26}, StartTime: "00:00", EndTime: "23:59"}
	assert.True(t, cycleMatches(monthly, now))
	monthly.DayList = []int{1}
	assert.False(t, cycleMatches(monthly, now))

	// 跨午夜窗口
	overnight := &CycleConfig{Type: CycleDaily, StartTime: "22:00", EndTime: "02:00"}
	assert.False(t, cycleMatches(overnight, now))
	assert.True(t, cycleMatches(overnight, time.Date(2026, 8, 26, 23, 0, 0, 0, time.UTC)))
}
