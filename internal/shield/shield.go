package shield

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/TencentBlueKing/bk-monitor-sub002/internal/models"
)

// 屏蔽规则类别
const (
	CategoryScope     = "scope"
	CategoryStrategy  = "strategy"
	CategoryDimension = "dimension"
)

// 周期类型
const (
	CycleOnce    = 1
	CycleDaily   = 2
	CycleWeekly  = 3
	CycleMonthly = 4
)

// 主机态屏蔽的运营状态标记
const HostStateShielded = "运营中[无告警]"

// Rule 屏蔽规则
type Rule struct {
	ID        int64  `json:"id"`
	BizID     int64  `json:"bk_biz_id"`
	Category  string `json:"category"`
	IsEnabled bool   `json:"is_enabled"`
	IsDeleted bool   `json:"is_deleted"`
	BeginTime int64  `json:"begin_time"` // unix 秒
	EndTime   int64  `json:"end_time"`   // unix 秒

	CycleConfig *CycleConfig     `json:"cycle_config,omitempty"`
	Scope       *ScopeConfig     `json:"scope,omitempty"`
	Strategy    *StrategyScope   `json:"strategy,omitempty"`
	Conditions  []DimensionCondition `json:"dimension_conditions,omitempty"`
}

// CycleConfig 屏蔽生效周期。单次屏蔽只看 [begin,end]，
// 周期屏蔽在此基础上还要求命中当天的时间窗口。
type CycleConfig struct {
	Type      int    `json:"type"`
	StartTime string `json:"begin_time"` // "HH:MM"
	EndTime   string `json:"end_time"`   // "HH:MM"
	DayList   []int  `json:"day_list,omitempty"`  // 月周期：几号
	WeekList  []int  `json:"week_list,omitempty"` // 周周期：周几（1=周一...7=周日）
}

// ScopeConfig 范围屏蔽：主机或拓扑节点
type ScopeConfig struct {
	ScopeType string     `json:"scope_type"` // "ip" | "node"
	Hosts     []HostRef  `json:"hosts,omitempty"`
	Nodes     []string   `json:"nodes,omitempty"`
}

// HostRef 主机引用，host_id 优先，否则按 ip+云区域 匹配
type HostRef struct {
	HostID  int64  `json:"bk_host_id,omitempty"`
	IP      string `json:"ip,omitempty"`
	CloudID int64  `json:"bk_cloud_id"`
}

// StrategyScope 策略屏蔽：策略ID + 级别
type StrategyScope struct {
	StrategyIDs []int64 `json:"strategy_ids"`
	Levels      []int   `json:"levels,omitempty"` // 空表示全部级别
}

// DimensionCondition 维度屏蔽条件。
// 首个条件的 Connector 忽略，后续条件以 and/or 连接。
type DimensionCondition struct {
	Key       string   `json:"key"`
	Value     []string `json:"value"`
	Method    string   `json:"method"`    // eq / neq / include / exclude
	Connector string   `json:"condition"` // "and" | "or"
}

// RuleProvider 屏蔽规则来源
type RuleProvider interface {
	ListRules(ctx context.Context, bizID int64) ([]*Rule, error)
}

// MatchResult 屏蔽判定结果
type MatchResult struct {
	IsShielded bool
	ShieldIDs  []int64
	Detail     string
}

// Evaluator 屏蔽判定器
type Evaluator struct {
	rules               RuleProvider
	globalShieldEnabled bool
	logger              *zap.Logger
}

// NewEvaluator 创建屏蔽判定器
func NewEvaluator(rules RuleProvider, globalShieldEnabled bool, logger *zap.Logger) *Evaluator {
	return &Evaluator{
		rules:               rules,
		globalShieldEnabled: globalShieldEnabled,
		logger:              logger,
	}
}

// Evaluate 判定告警是否被屏蔽，收集全部命中的规则ID
func (e *Evaluator) Evaluate(ctx context.Context, alert *models.Alert, now time.Time) (*MatchResult, error) {
	// 全局屏蔽开关优先级最高
	if e.globalShieldEnabled {
		return &MatchResult{
			IsShielded: true,
			Detail:     "因系统全局屏蔽配置，默认屏蔽当前处理",
		}, nil
	}

	// 主机运营状态为不告警
	if alert.Target != nil && alert.Target.HostState == HostStateShielded {
		return &MatchResult{
			IsShielded: true,
			Detail:     "因当前主机状态为屏蔽告警，默认屏蔽当前处理",
		}, nil
	}

	rules, err := e.rules.ListRules(ctx, alert.BizID)
	if err != nil {
		return nil, fmt.Errorf("failed to list shield rules: %w", err)
	}

	result := &MatchResult{}
	for _, rule := range rules {
		if !ruleActive(rule, now) {
			continue
		}
		if !e.ruleMatches(rule, alert) {
			continue
		}
		result.IsShielded = true
		result.ShieldIDs = append(result.ShieldIDs, rule.ID)
	}
	if result.IsShielded {
		result.Detail = fmt.Sprintf("告警命中屏蔽规则 %v", result.ShieldIDs)
	}
	return result, nil
}

func ruleActive(rule *Rule, now time.Time) bool {
	if !rule.IsEnabled || rule.IsDeleted {
		return false
	}
	nowUnix := now.Unix()
	if rule.BeginTime > 0 && nowUnix < rule.BeginTime {
		return false
	}
	if rule.EndTime > 0 && nowUnix >= rule.EndTime {
		return false
	}
	return cycleMatches(rule.CycleConfig, now)
}

func cycleMatches(cycle *CycleConfig, now time.Time) bool {
	if cycle == nil || cycle.Type == CycleOnce || cycle.Type == 0 {
		return true
	}

	switch cycle.Type {
	case CycleWeekly:
		// time.Weekday 周日为 0，配置口径周一为 1
		weekday := int(now.Weekday())
		if weekday == 0 {
			weekday = 7
		}
		if !containsInt(cycle.WeekList, weekday) {
			return false
		}
	case CycleMonthly:
		if !containsInt(cycle.DayList, now.Day()) {
			return false
		}
	}
	return clockWindowMatches(cycle.StartTime, cycle.EndTime, now)
}

func clockWindowMatches(start, end string, now time.Time) bool {
	if start == "" || end == "" {
		return true
	}
	startMin := parseClock(start)
	endMin := parseClock(end)
	if startMin < 0 || endMin < 0 {
		return true
	}
	minute := now.Hour()*60 + now.Minute()
	if startMin <= endMin {
		return minute >= startMin && minute <= endMin
	}
	return minute >= startMin || minute <= endMin
}

func parseClock(s string) int {
	var hour, minute int
	if _, err := fmt.Sscanf(s, "%d:%d", &hour, &minute); err != nil {
		return -1
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return -1
	}
	return hour*60 + minute
}

func (e *Evaluator) ruleMatches(rule *Rule, alert *models.Alert) bool {
	switch rule.Category {
	case CategoryScope:
		return scopeMatches(rule.Scope, alert)
	case CategoryStrategy:
		return strategyMatches(rule.Strategy, alert)
	case CategoryDimension:
		return dimensionMatches(rule.Conditions, alert.DimensionMap())
	}
	return false
}

func scopeMatches(scope *ScopeConfig, alert *models.Alert) bool {
	if scope == nil || alert.Target == nil {
		return false
	}
	switch scope.ScopeType {
	case "ip":
		for _, host := range scope.Hosts {
			if host.HostID > 0 && host.HostID == alert.Target.HostID {
				return true
			}
			if host.IP != "" && host.IP == alert.Target.IP && host.CloudID == alert.Target.CloudID {
				return true
			}
		}
	case "node":
		for _, node := range scope.Nodes {
			for _, target := range alert.Target.TopoNodes {
				if node == target {
					return true
				}
			}
		}
	}
	return false
}

func strategyMatches(scope *StrategyScope, alert *models.Alert) bool {
	if scope == nil {
		return false
	}
	matched := false
	for _, id := range scope.StrategyIDs {
		if id == alert.StrategyID {
			matched = true
			break
		}
	}
	if !matched {
		return false
	}
	if len(scope.Levels) == 0 {
		return true
	}
	return containsInt(scope.Levels, alert.Severity)
}

// dimensionMatches 维度条件匹配，条件间按 and/or 从左到右归约
func dimensionMatches(conditions []DimensionCondition, dims map[string]string) bool {
	if len(conditions) == 0 {
		return false
	}
	result := conditionMatches(&conditions[0], dims)
	for i := 1; i < len(conditions); i++ {
		current := conditionMatches(&conditions[i], dims)
		if conditions[i].Connector == "or" {
			result = result || current
		} else {
			result = result && current
		}
	}
	return result
}

func conditionMatches(cond *DimensionCondition, dims map[string]string) bool {
	value, exists := dims[cond.Key]
	switch cond.Method {
	case "eq", "include":
		if !exists {
			return false
		}
		return containsString(cond.Value, value)
	case "neq", "exclude":
		if !exists {
			return true
		}
		return !containsString(cond.Value, value)
	}
	return false
}

func containsInt(list []int, n int) bool {
	for _, item := range list {
		if item == n {
			return true
		}
	}
	return false
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
