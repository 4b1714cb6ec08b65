package assign

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/TencentBlueKing/bk-monitor-sub002/internal/models"
)

// parseClock 解析 "HH:MM"，非法输入返回 -1
func parseClock(s string) int {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return -1
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return -1
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return -1
	}
	return hour*60 + minute
}

// clockInRange 分钟数是否落在 [start, end] 区间内，支持跨午夜区间
func clockInRange(minute, start, end int) bool {
	if start <= end {
		return minute >= start && minute <= end
	}
	return minute >= start || minute <= end
}

// matchWorkTime 工作时间窗口是否覆盖当前本地时刻，窗口为空视为全天
func matchWorkTime(workTimes []models.WorkTime, localNow time.Time) bool {
	if len(workTimes) == 0 {
		return true
	}
	minute := localNow.Hour()*60 + localNow.Minute()
	for _, wt := range workTimes {
		start := parseClock(wt.StartTime)
		end := parseClock(wt.EndTime)
		if start < 0 || end < 0 {
			continue
		}
		if clockInRange(minute, start, end) {
			return true
		}
	}
	return false
}

// matchTimeRange 通知矩阵的时间段（"00:00--23:59"）是否覆盖当前本地时刻
func matchTimeRange(timeRange string, localNow time.Time) bool {
	if timeRange == "" {
		return true
	}
	parts := strings.SplitN(timeRange, "--", 2)
	if len(parts) != 2 {
		return false
	}
	start := parseClock(strings.TrimSpace(parts[0]))
	end := parseClock(strings.TrimSpace(parts[1]))
	if start < 0 || end < 0 {
		return false
	}
	minute := localNow.Hour()*60 + localNow.Minute()
	return clockInRange(minute, start, end)
}

// effectiveDutyUsers 计算当前时刻生效的值班人员。
// 生效条件：计划启用、生效窗口覆盖 now、工作时间窗口覆盖组时区的本地时刻。
// 按计划 order 保序输出，同一人只出现一次。
func effectiveDutyUsers(plans []*models.DutyPlan, now time.Time, loc *time.Location) []models.DutyUser {
	localNow := now.In(loc)
	nowUnix := now.Unix()

	matched := make([]*models.DutyPlan, 0, len(plans))
	for _, plan := range plans {
		if !plan.IsEffective {
			continue
		}
		if plan.StartTime > nowUnix {
			continue
		}
		if plan.FinishedTime > 0 && plan.FinishedTime <= nowUnix {
			continue
		}
		if !matchWorkTime(plan.WorkTimes, localNow) {
			continue
		}
		matched = append(matched, plan)
	}

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Order < matched[j].Order
	})

	seen := map[string]bool{}
	users := []models.DutyUser{}
	for _, plan := range matched {
		for _, user := range plan.Users {
			key := user.Type + ":" + user.ID
			if seen[key] {
				continue
			}
			seen[key] = true
			users = append(users, user)
		}
	}
	return users
}

// staticDutyUsers 非轮值时的静态人员安排，按 order 保序
func staticDutyUsers(arranges []*models.DutyArrange) []models.DutyUser {
	sorted := make([]*models.DutyArrange, len(arranges))
	copy(sorted, arranges)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Order < sorted[j].Order
	})

	seen := map[string]bool{}
	users := []models.DutyUser{}
	for _, arrange := range sorted {
		for _, user := range arrange.Users {
			key := user.Type + ":" + user.ID
			if seen[key] {
				continue
			}
			seen[key] = true
			users = append(users, user)
		}
	}
	return users
}
