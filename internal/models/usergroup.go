package models

// UserGroup 告警组（含轮值与通知矩阵配置）
type UserGroup struct {
	ID          int64         `json:"id"`
	BizID       int64         `json:"bk_biz_id"`
	Name        string        `json:"name"`
	Timezone    string        `json:"timezone"` // IANA 时区，如 "Asia/Shanghai"
	NeedDuty    bool          `json:"need_duty"`
	DutyRules   []int64       `json:"duty_rules"` // 有序，命中第一个生效规则即止
	DutyArranges []*DutyArrange `json:"duty_arranges,omitempty"` // 非轮值时的静态人员
	Channels    []string      `json:"channels,omitempty"`
	MentionList []DutyUser    `json:"mention_list,omitempty"`
	AlertNotice  []NotifyItem `json:"alert_notice,omitempty"`
	ActionNotice []NotifyItem `json:"action_notice,omitempty"`
}

// DutyArrange 静态人员安排（need_duty=false 时使用）
type DutyArrange struct {
	Order int        `json:"order"`
	Users []DutyUser `json:"users"`
}

// DutyUser 人员引用，type 为 user 或 group（group 需要通过业务目录展开）
type DutyUser struct {
	Type string `json:"type"` // "user" | "group"
	ID   string `json:"id"`
}

// DutyPlan 值班计划（由轮值规则展开的时间片）
type DutyPlan struct {
	ID          int64       `json:"id"`
	UserGroupID int64       `json:"user_group_id"`
	DutyRuleID  int64       `json:"duty_rule_id"`
	Order       int         `json:"order"`
	IsEffective bool        `json:"is_effective"`
	StartTime   int64       `json:"start_time"`    // unix 秒
	FinishedTime int64      `json:"finished_time"` // unix 秒，0 表示未设置
	WorkTimes   []WorkTime  `json:"work_times,omitempty"`
	Users       []DutyUser  `json:"users"`
}

// WorkTime 值班计划内的工作时间窗口（本地时区）
type WorkTime struct {
	StartTime string `json:"start_time"` // "HH:MM"
	EndTime   string `json:"end_time"`   // "HH:MM"
}

// NotifyItem 通知矩阵的一行：时间段 × (级别|阶段) → 通知方式
type NotifyItem struct {
	TimeRange    string         `json:"time_range"` // "00:00--23:59"
	NotifyConfig []NotifyConfig `json:"notify_config"`
}

// NotifyConfig 单个级别/阶段的通知配置
// 新格式使用 NoticeWays；旧格式使用 Type+ChatIDs，翻译后追加 wxwork-bot 渠道。
type NotifyConfig struct {
	Level     int         `json:"level,omitempty"` // alert_notice: 告警级别
	Phase     int         `json:"phase,omitempty"` // action_notice: 执行阶段
	NoticeWays []NoticeWayConfig `json:"notice_ways,omitempty"`
	Type      []string    `json:"type,omitempty"`   // 旧格式
	ChatIDs   []string    `json:"chatid,omitempty"` // 旧格式，wxwork-bot 群ID
}

// NoticeWayConfig 通知方式（可带固定接收者，如机器人群ID）
type NoticeWayConfig struct {
	Name      string   `json:"name"`
	Receivers []string `json:"receivers,omitempty"`
}

// TranslateNoticeWays 旧格式转换为统一的 notice_ways 结构
func (c *NotifyConfig) TranslateNoticeWays() []NoticeWayConfig {
	if len(c.NoticeWays) > 0 {
		return c.NoticeWays
	}
	ways := make([]NoticeWayConfig, 0, len(c.Type)+1)
	for _, name := range c.Type {
		ways = append(ways, NoticeWayConfig{Name: name})
	}
	if len(c.ChatIDs) > 0 {
		ways = append(ways, NoticeWayConfig{Name: NoticeWayWxBot, Receivers: c.ChatIDs})
	}
	return ways
}

// 执行阶段（action_notice 矩阵的 phase）
const (
	PhaseBegin   = 1
	PhaseSuccess = 2
	PhaseFailure = 3
)

// PhaseActionSignal 执行阶段对应的信号
var PhaseActionSignal = map[int]ActionSignal{
	PhaseBegin:   SignalExecute,
	PhaseSuccess: SignalExecuteSuccess,
	PhaseFailure: SignalExecuteFailed,
}
