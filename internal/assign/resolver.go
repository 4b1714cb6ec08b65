package assign

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/TencentBlueKing/bk-monitor-sub002/internal/models"
)

// UserGroupProvider 告警组配置来源
type UserGroupProvider interface {
	GetUserGroups(ctx context.Context, groupIDs []int64) ([]*models.UserGroup, error)
}

// DutyPlanProvider 值班计划来源（轮值规则展开后的时间片）
type DutyPlanProvider interface {
	ListDutyPlans(ctx context.Context, groupID int64, ruleIDs []int64) ([]*models.DutyPlan, error)
}

// BizDirectory 业务人员目录，type=group 的人员引用通过它展开为具体用户
type BizDirectory interface {
	GroupUsers(ctx context.Context, bizID int64, groupKey string) ([]string, error)
}

// Result 负责人解析结果
type Result struct {
	NotifyInfo   models.NotifyInfo
	MentionUsers []map[string][]string
	Appointees   []string
}

// IsEmpty 所有渠道都没有接收人
func (r *Result) IsEmpty() bool {
	for _, groups := range r.NotifyInfo {
		for _, group := range groups {
			if len(group) > 0 {
				return false
			}
		}
	}
	return true
}

// 按人投递的渠道，知会人（appointee）只追加到这类渠道
var perUserChannels = map[string]bool{
	models.NoticeWayMail:   true,
	models.NoticeWayWeixin: true,
	models.NoticeWaySMS:    true,
	models.NoticeWayVoice:  true,
}

// Resolver 负责人解析器，产出 notify_info 与 wxbot 提醒人
type Resolver struct {
	groups    UserGroupProvider
	dutyPlans DutyPlanProvider
	directory BizDirectory
	logger    *zap.Logger
}

// NewResolver 创建负责人解析器
func NewResolver(groups UserGroupProvider, dutyPlans DutyPlanProvider, directory BizDirectory, logger *zap.Logger) *Resolver {
	return &Resolver{
		groups:    groups,
		dutyPlans: dutyPlans,
		directory: directory,
		logger:    logger,
	}
}

// ResolveAlertNotice 解析告警通知（按告警级别匹配矩阵行）
func (r *Resolver) ResolveAlertNotice(ctx context.Context, alert *models.Alert, groupIDs []int64, now time.Time) (*Result, error) {
	return r.resolve(ctx, alert, groupIDs, now, func(group *models.UserGroup, localNow time.Time) []models.NoticeWayConfig {
		return matchMatrix(group.AlertNotice, localNow, func(c *models.NotifyConfig) bool {
			return c.Level == alert.Severity
		})
	})
}

// ResolveActionNotice 解析执行通知（按执行阶段匹配矩阵行）
func (r *Resolver) ResolveActionNotice(ctx context.Context, alert *models.Alert, groupIDs []int64, phase int, now time.Time) (*Result, error) {
	return r.resolve(ctx, alert, groupIDs, now, func(group *models.UserGroup, localNow time.Time) []models.NoticeWayConfig {
		return matchMatrix(group.ActionNotice, localNow, func(c *models.NotifyConfig) bool {
			return c.Phase == phase
		})
	})
}

func matchMatrix(items []models.NotifyItem, localNow time.Time, match func(*models.NotifyConfig) bool) []models.NoticeWayConfig {
	for _, item := range items {
		if !matchTimeRange(item.TimeRange, localNow) {
			continue
		}
		for i := range item.NotifyConfig {
			if match(&item.NotifyConfig[i]) {
				return item.NotifyConfig[i].TranslateNoticeWays()
			}
		}
	}
	return nil
}

func (r *Resolver) resolve(ctx context.Context, alert *models.Alert, groupIDs []int64, now time.Time,
	pickWays func(*models.UserGroup, time.Time) []models.NoticeWayConfig) (*Result, error) {

	groups, err := r.groups.GetUserGroups(ctx, groupIDs)
	if err != nil {
		return nil, err
	}

	result := &Result{
		NotifyInfo: models.NotifyInfo{},
		Appointees: alert.Appointee,
	}

	for _, group := range groups {
		loc := groupLocation(group)
		localNow := now.In(loc)

		users, err := r.resolveGroupUsers(ctx, group, now, loc)
		if err != nil {
			r.logger.Warn("解析告警组人员失败",
				zap.Int64("group_id", group.ID),
				zap.Error(err),
			)
			continue
		}

		ways := pickWays(group, localNow)
		if len(ways) == 0 {
			continue
		}

		for _, way := range ways {
			switch {
			case len(way.Receivers) > 0:
				// 机器人群等固定接收者的渠道
				for _, receiver := range way.Receivers {
					result.NotifyInfo.AppendReceiver(way.Name, receiver)
				}
			case way.Name == models.NoticeWayVoice:
				// 电话按组拨打，每个告警组贡献一个拨打序列
				if len(users) > 0 {
					result.NotifyInfo[way.Name] = append(result.NotifyInfo[way.Name], append([]string{}, users...))
				}
			default:
				for _, user := range users {
					result.NotifyInfo.AppendReceiver(way.Name, user)
				}
			}
		}

		r.appendMentions(ctx, group, result)
	}

	r.appendAppointees(result)

	// 二次确认中的告警不允许电话通知
	if alert.HasTag(models.DoubleCheckTag) {
		delete(result.NotifyInfo, models.NoticeWayVoice)
	}

	return result, nil
}

// resolveGroupUsers 解析单个告警组的人员列表（轮值或静态），并展开 group 类型引用
func (r *Resolver) resolveGroupUsers(ctx context.Context, group *models.UserGroup, now time.Time, loc *time.Location) ([]string, error) {
	var dutyUsers []models.DutyUser
	if group.NeedDuty {
		plans, err := r.dutyPlans.ListDutyPlans(ctx, group.ID, group.DutyRules)
		if err != nil {
			return nil, err
		}
		dutyUsers = effectiveDutyUsers(plans, now, loc)
	} else {
		dutyUsers = staticDutyUsers(group.DutyArranges)
	}
	return r.expandUsers(ctx, group.BizID, dutyUsers)
}

func (r *Resolver) expandUsers(ctx context.Context, bizID int64, dutyUsers []models.DutyUser) ([]string, error) {
	seen := map[string]bool{}
	users := []string{}
	appendUser := func(id string) {
		if id == "" || seen[id] {
			return
		}
		seen[id] = true
		users = append(users, id)
	}

	for _, du := range dutyUsers {
		if du.Type == "group" {
			members, err := r.directory.GroupUsers(ctx, bizID, du.ID)
			if err != nil {
				r.logger.Warn("展开用户组失败",
					zap.String("group_key", du.ID),
					zap.Error(err),
				)
				continue
			}
			for _, member := range members {
				appendUser(member)
			}
			continue
		}
		appendUser(du.ID)
	}
	return users, nil
}

// appendAppointees 知会人追加到所有按人投递的渠道，去重保序
func (r *Resolver) appendAppointees(result *Result) {
	if len(result.Appointees) == 0 {
		return
	}
	for way, groups := range result.NotifyInfo {
		if !perUserChannels[way] {
			continue
		}
		if way == models.NoticeWayVoice {
			// 知会人并入第一个拨打序列
			if len(groups) == 0 {
				result.NotifyInfo[way] = [][]string{{}}
				groups = result.NotifyInfo[way]
			}
			for _, appointee := range result.Appointees {
				if !containsString(groups[0], appointee) {
					groups[0] = append(groups[0], appointee)
				}
			}
			result.NotifyInfo[way][0] = groups[0]
			continue
		}
		for _, appointee := range result.Appointees {
			result.NotifyInfo.AppendReceiver(way, appointee)
		}
	}
}

// appendMentions 告警组的提醒名单映射到机器人群
func (r *Resolver) appendMentions(ctx context.Context, group *models.UserGroup, result *Result) {
	if len(group.MentionList) == 0 {
		return
	}
	mentions, err := r.expandUsers(ctx, group.BizID, group.MentionList)
	if err != nil || len(mentions) == 0 {
		return
	}
	for _, chatGroup := range result.NotifyInfo[models.NoticeWayWxBot] {
		for _, chatID := range chatGroup {
			result.MentionUsers = append(result.MentionUsers, map[string][]string{chatID: mentions})
		}
	}
}

func groupLocation(group *models.UserGroup) *time.Location {
	if group.Timezone != "" {
		if loc, err := time.LoadLocation(group.Timezone); err == nil {
			return loc
		}
	}
	return time.Local
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

// ChannelOf 拆出渠道前缀，如 "bkchat|mail" 的渠道为 bkchat
func ChannelOf(noticeWay string) (channel, way string) {
	if idx := strings.Index(noticeWay, "|"); idx > 0 {
		return noticeWay[:idx], noticeWay[idx+1:]
	}
	if noticeWay == models.NoticeWayWxBot {
		return "wxbot", noticeWay
	}
	return "user", noticeWay
}
