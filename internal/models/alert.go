package models

import (
	"encoding/json"
)

// Alert 告警快照（外部告警存储的只读文档）
// 引擎不拥有告警，只消费快照；回写仅限 extra_info 的幂等标记位。
type Alert struct {
	ID              string          `json:"id"`
	StrategyID      int64           `json:"strategy_id"`
	AlertName       string          `json:"alert_name"`
	BizID           int64           `json:"bk_biz_id"`
	Severity        int             `json:"severity"`
	Status          string          `json:"status"` // ABNORMAL / RECOVERED / CLOSED
	DedupeMD5       string          `json:"dedupe_md5"`
	FirstAnomalyTime int64          `json:"first_anomaly_time"`
	BeginTime       int64           `json:"begin_time"`
	LatestTime      int64           `json:"latest_time"`
	CreateTime      int64           `json:"create_time"`
	Duration        int64           `json:"duration"`
	IsAck           bool            `json:"is_ack"`
	IsAckNoticed    bool            `json:"is_ack_noticed"`
	IsHandled       bool            `json:"is_handled"`
	Dimensions      []Dimension     `json:"dimensions"`
	Tags            []Dimension     `json:"tags"`
	Assignee        []string        `json:"assignee"`
	Appointee       []string        `json:"appointee"`
	Supervisor      []string        `json:"supervisor"`
	ShieldIDs       []int64         `json:"shield_id"`
	Target          *AlertTarget    `json:"target,omitempty"`
	ExtraInfo       *AlertExtraInfo `json:"extra_info,omitempty"`
}

// Dimension 维度键值（含展示形式，保持原始顺序）
type Dimension struct {
	Key          string `json:"key"`
	Value        string `json:"value"`
	DisplayKey   string `json:"display_key,omitempty"`
	DisplayValue string `json:"display_value,omitempty"`
}

// AlertTarget 告警目标信息（主机类目标才有）
type AlertTarget struct {
	IP        string `json:"ip,omitempty"`
	CloudID   int64  `json:"bk_cloud_id"`
	HostID    int64  `json:"bk_host_id,omitempty"`
	TopoNodes []string `json:"topo_nodes,omitempty"`
	// 主机运营状态，"运营中[无告警]" 表示主机态屏蔽
	HostState string `json:"host_state,omitempty"`
}

// AlertExtraInfo 告警扩展信息，引擎的回写全部集中在此
type AlertExtraInfo struct {
	IsShielded          bool                          `json:"is_shielded"`
	IsRecovering        bool                          `json:"is_recovering"`
	NeedUnshieldNotice  bool                          `json:"need_unshield_notice"`
	IgnoreUnshieldNotice bool                         `json:"ignore_unshield_notice"`
	CycleHandleRecord   map[string]*CycleHandleRecord `json:"cycle_handle_record,omitempty"`
}

// CycleHandleRecord 周期通知记录，key 为策略关联ID
type CycleHandleRecord struct {
	ExecuteTimes      int   `json:"execute_times"`
	LastTime          int64 `json:"last_time"`
	IsShielded        bool  `json:"is_shielded"`
	LatestAnomalyTime int64 `json:"latest_anomaly_time"`
}

// IsAbnormal 当前告警是否处于异常状态
func (a *Alert) IsAbnormal() bool {
	return a.Status == EventAbnormal
}

// HasTag 是否带指定标记
func (a *Alert) HasTag(key string) bool {
	for _, tag := range a.Tags {
		if tag.Key == key {
			return true
		}
	}
	return false
}

// CycleRecord 获取指定策略关联的周期记录，没有时返回 nil
func (a *Alert) CycleRecord(relationID string) *CycleHandleRecord {
	if a.ExtraInfo == nil || a.ExtraInfo.CycleHandleRecord == nil {
		return nil
	}
	return a.ExtraInfo.CycleHandleRecord[relationID]
}

// SetCycleRecord 写入周期记录。执行次数只增不减，旧记录次数更大时忽略。
func (a *Alert) SetCycleRecord(relationID string, record *CycleHandleRecord) {
	if a.ExtraInfo == nil {
		a.ExtraInfo = &AlertExtraInfo{}
	}
	if a.ExtraInfo.CycleHandleRecord == nil {
		a.ExtraInfo.CycleHandleRecord = map[string]*CycleHandleRecord{}
	}
	history := a.ExtraInfo.CycleHandleRecord[relationID]
	if history != nil && history.ExecuteTimes >= record.ExecuteTimes {
		return
	}
	a.ExtraInfo.CycleHandleRecord[relationID] = record
}

// DimensionMap 维度的 key->value 映射（遍历匹配用）
func (a *Alert) DimensionMap() map[string]string {
	dims := make(map[string]string, len(a.Dimensions))
	for _, d := range a.Dimensions {
		dims[d.Key] = d.Value
	}
	return dims
}

// AlertLogEvent 告警流水记录
type AlertLogEvent struct {
	AlertIDs    []string `json:"alert_id"`
	OpType      string   `json:"op_type"`
	CreateTime  int64    `json:"create_time"`
	Operator    string   `json:"operator,omitempty"`
	Description string   `json:"description"`
	Content     string   `json:"content,omitempty"`
	RouterInfo  string   `json:"router_info,omitempty"`
}

// 流水操作类型
const (
	OpTypeAction = "ACTION"
	OpTypeAck    = "ACK"
)

// MarshalSnapshot 序列化为快照JSON（写入 Redis 快照缓存）
func (a *Alert) MarshalSnapshot() ([]byte, error) {
	return json.Marshal(a)
}

// UnmarshalSnapshot 从快照JSON恢复
func UnmarshalSnapshot(data []byte) (*Alert, error) {
	var alert Alert
	if err := json.Unmarshal(data, &alert); err != nil {
		return nil, err
	}
	return &alert, nil
}
