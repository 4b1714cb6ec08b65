package models

// StrategySnapshot 策略快照（配置缓存下发的只读结构）
type StrategySnapshot struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	BizID  int64  `json:"bk_biz_id"`
	Notice *NoticeRelation  `json:"notice,omitempty"`
	Actions []*ActionRelation `json:"actions,omitempty"`
}

// NoticeRelation 策略的通知关系配置
type NoticeRelation struct {
	ID         int64               `json:"id"`
	ConfigID   int64               `json:"config_id"`
	Signals    []ActionSignal      `json:"signal"`
	UserGroups []int64             `json:"user_groups"`
	Options    *NoticeOptions      `json:"options,omitempty"`
}

// ActionRelation 策略的处理套餐关系配置
type ActionRelation struct {
	ID         int64          `json:"id"`
	ConfigID   int64          `json:"config_id"`
	Signals    []ActionSignal `json:"signal"`
	UserGroups []int64        `json:"user_groups"`
	Options    *NoticeOptions `json:"options,omitempty"`
}

// NoticeOptions 通知/套餐关系的选项
type NoticeOptions struct {
	ConvergeConfig    *ConvergeConfig             `json:"converge_config,omitempty"`
	StartTime         string                      `json:"start_time,omitempty"` // "00:00:00"
	EndTime           string                      `json:"end_time,omitempty"`   // "23:59:59"
	ExcludeNoticeWays map[ActionSignal][]string   `json:"exclude_notice_ways,omitempty"`
	ChartImageEnabled *bool                       `json:"chart_image_enabled,omitempty"`
	NoiseReduceConfig *NoiseReduceConfig          `json:"noise_reduce_config,omitempty"`
}

// TimeRange 返回 "start--end" 格式的生效时间段
func (o *NoticeOptions) TimeRange() string {
	start, end := "00:00:00", "23:59:59"
	if o != nil {
		if o.StartTime != "" {
			start = o.StartTime
		}
		if o.EndTime != "" {
			end = o.EndTime
		}
	}
	return start + "--" + end
}

// HasSignal 关系是否订阅了指定信号
func (r *ActionRelation) HasSignal(signal ActionSignal) bool {
	for _, s := range r.Signals {
		if s == signal {
			return true
		}
	}
	return false
}

// HasSignal 通知关系是否订阅了指定信号
func (r *NoticeRelation) HasSignal(signal ActionSignal) bool {
	for _, s := range r.Signals {
		if s == signal {
			return true
		}
	}
	return false
}

// AsActionRelation 通知关系按套餐关系处理（通知本身也是一个套餐）
func (r *NoticeRelation) AsActionRelation() *ActionRelation {
	return &ActionRelation{
		ID:         r.ID,
		ConfigID:   r.ConfigID,
		Signals:    r.Signals,
		UserGroups: r.UserGroups,
		Options:    r.Options,
	}
}

// NoiseReduceConfig 降噪配置：异常对象占比达到阈值后才放行通知
type NoiseReduceConfig struct {
	IsEnabled  bool     `json:"is_enabled"`
	Dimensions []string `json:"dimensions"`
	CountRatio int      `json:"count"` // 百分比阈值
}

// ActionConfig 处理套餐配置
type ActionConfig struct {
	ID            int64          `json:"id"`
	BizID         int64          `json:"bk_biz_id"`
	Name          string         `json:"name"`
	IsEnabled     bool           `json:"is_enabled"`
	PluginID      int64          `json:"plugin_id"`
	ExecuteConfig *ExecuteConfig `json:"execute_config,omitempty"`
}

// ExecuteConfig 套餐执行配置
type ExecuteConfig struct {
	TemplateID     int64                  `json:"template_id,omitempty"`
	TemplateDetail map[string]interface{} `json:"template_detail,omitempty"`
	Timeout        int64                  `json:"timeout"` // 秒
	FailedRetry    *FailedRetry           `json:"failed_retry,omitempty"`
	// 周期通知相关
	NeedPoll           bool               `json:"need_poll"`
	NotifyInterval     int64              `json:"notify_interval"` // 秒
	IntervalNotifyMode IntervalNotifyMode `json:"interval_notify_mode,omitempty"`
}

// FailedRetry 失败重试策略
type FailedRetry struct {
	IsEnabled     bool  `json:"is_enabled"`
	Timeout       int64 `json:"timeout"`
	MaxRetryTimes int   `json:"max_retry_times"`
	RetryInterval int64 `json:"retry_interval"` // 秒
}

// ConvergeConfig 收敛配置
type ConvergeConfig struct {
	IsEnabled       bool                `json:"is_enabled"`
	Timedelta       int64               `json:"timedelta"` // 窗口，秒
	Count           int                 `json:"count"`     // 触发阈值
	Condition       []ConvergeCondition `json:"condition"`
	ConvergeFunc    ConvergeFunc        `json:"converge_func"`
	NeedBizConverge bool                `json:"need_biz_converge"`
	SubConvergeConfig *ConvergeConfig   `json:"sub_converge_config,omitempty"`
}

// ConvergeCondition 收敛维度条件，value 为 ["self"] 表示取动作自身维度值
type ConvergeCondition struct {
	Dimension string   `json:"dimension"`
	Value     []string `json:"value"`
}
