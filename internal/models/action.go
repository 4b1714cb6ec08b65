package models

import (
	"time"
)

// ActionInstance 处理动作实例，引擎的核心可变实体。
// 父任务表示一次逻辑扇出，子任务表示一次原子投递（一个渠道×一个接收人）。
type ActionInstance struct {
	ID             string       `json:"id"`
	ParentID       string       `json:"parent_id,omitempty"`
	IsParentAction bool         `json:"is_parent_action"`
	GenerateUUID   string       `json:"generate_uuid"`

	StrategyID         int64        `json:"strategy_id"`
	StrategyRelationID int64        `json:"strategy_relation_id"`
	Signal             ActionSignal `json:"signal"`
	PluginID           int64        `json:"plugin_id"`
	PluginType         PluginType   `json:"plugin_type"`
	ConfigID           int64        `json:"action_config_id"`
	BizID              int64        `json:"bk_biz_id"`

	Alerts        []string    `json:"alerts"`
	AlertLevel    int         `json:"alert_level"`
	Dimensions    []Dimension `json:"dimensions,omitempty"`
	DimensionHash string      `json:"dimension_hash,omitempty"`

	Inputs  ActionInputs           `json:"inputs"`
	Outputs map[string]interface{} `json:"outputs,omitempty"`

	Status       ActionStatus `json:"status"`
	FailureType  FailureType  `json:"failure_type,omitempty"`
	ExData       string       `json:"ex_data,omitempty"`
	ExecuteTimes int          `json:"execute_times"`
	NeedPoll     bool         `json:"need_poll"`
	IsPolled     bool         `json:"is_polled"`
	Timeout      int64        `json:"timeout,omitempty"` // 执行超时（秒），创建时从套餐配置固化

	CreateTime time.Time  `json:"create_time"`
	UpdateTime time.Time  `json:"update_time"`
	EndTime    *time.Time `json:"end_time,omitempty"`
}

// ActionInputs 动作输入（创建时一次渲染的值对象，不持有配置引用）
type ActionInputs struct {
	NoticeWay      string              `json:"notice_way,omitempty"`
	NoticeReceiver []string            `json:"notice_receiver,omitempty"`
	NoticeChannel  string              `json:"notice_channel,omitempty"` // user / wxbot / bkchat|mail ...
	NotifyInfo     NotifyInfo          `json:"notify_info,omitempty"`    // 父任务的完整通知映射
	MentionUsers   []map[string][]string `json:"mention_users,omitempty"`

	IsAlertShielded bool    `json:"is_alert_shielded"`
	IsUnshielded    bool    `json:"is_unshielded"`
	ShieldIDs       []int64 `json:"shield_ids,omitempty"`
	ShieldDetail    string  `json:"shield_detail,omitempty"`

	ExcludeNoticeWays []string `json:"exclude_notice_ways,omitempty"`
	TimeRange         string   `json:"time_range,omitempty"`
	AlertLatestTime   int64    `json:"alert_latest_time,omitempty"`
	ConvergeID        int64    `json:"converge_id,omitempty"`
	ConvergedDescription string `json:"converged_description,omitempty"`
}

// NotifyInfo 渠道 → 接收人列表。voice 渠道的值为分组拨打序列（列表的列表），
// 序列化时统一为 [][]string，普通渠道为单元素外层仅在 voice 上出现。
type NotifyInfo map[string][][]string

// FlatReceivers 普通渠道的扁平接收人列表
func (n NotifyInfo) FlatReceivers(way string) []string {
	var out []string
	for _, group := range n[way] {
		out = append(out, group...)
	}
	return out
}

// AppendReceiver 去重追加接收人（保持顺序）
func (n NotifyInfo) AppendReceiver(way, receiver string) {
	groups := n[way]
	if len(groups) == 0 {
		n[way] = [][]string{{receiver}}
		return
	}
	for _, user := range groups[0] {
		if user == receiver {
			return
		}
	}
	n[way] = append([][]string{append(groups[0], receiver)}, groups[1:]...)
}

// IsFinished 是否处于终态
func (a *ActionInstance) IsFinished() bool {
	return EndStatus[a.Status]
}

// Deadline 动作的绝对超时时间，timeout<=0 时返回零值
func (a *ActionInstance) Deadline(timeout int64) time.Time {
	if timeout <= 0 {
		return time.Time{}
	}
	return a.CreateTime.Add(time.Duration(timeout) * time.Second)
}

// AggregateStatus 按子任务状态聚合父任务状态。
// 全部成功为成功，全部失败为失败，混合为部分成功；可忽略状态不参与。
func AggregateStatus(children []ActionStatus) ActionStatus {
	var success, failure int
	for _, status := range children {
		if IgnoreStatus[status] {
			continue
		}
		switch status {
		case StatusFailure:
			failure++
		case StatusSuccess, StatusPartialSuccess:
			success++
		}
	}
	switch {
	case failure == 0 && success > 0:
		return StatusSuccess
	case failure > 0 && success > 0:
		return StatusPartialSuccess
	case failure > 0:
		return StatusFailure
	}
	return StatusSuccess
}

// ConvergeInstance 收敛实例
type ConvergeInstance struct {
	ID            int64           `json:"id"`
	BizID         int64           `json:"bk_biz_id"`
	ConvergeType  ConvergeType    `json:"converge_type"`
	ConvergeFunc  ConvergeFunc    `json:"converge_func"`
	ConvergeKey   string          `json:"converge_key"`
	Config        *ConvergeConfig `json:"converge_config"`
	Description   string          `json:"description"`
	Detail        string          `json:"detail,omitempty"`
	EndTime       *time.Time      `json:"end_time,omitempty"`
	CreatedAt     time.Time       `json:"create_time"`
}

// ConvergeRelation 动作与收敛实例的关联
type ConvergeRelation struct {
	ConvergeID     int64          `json:"converge_id"`
	RelatedID      string         `json:"related_id"`
	RelatedType    ConvergeType   `json:"related_type"`
	ConvergeStatus ConvergeStatus `json:"converge_status"`
	IsPrimary      bool           `json:"is_primary"`
}
