package models

// ActionSignal 动作产生信号（告警处理的触发原因）
type ActionSignal string

const (
	SignalAbnormal       ActionSignal = "abnormal"
	SignalRecovered      ActionSignal = "recovered"
	SignalClosed         ActionSignal = "closed"
	SignalAck            ActionSignal = "ack"
	SignalNoData         ActionSignal = "no_data"
	SignalExecute        ActionSignal = "execute"
	SignalExecuteSuccess ActionSignal = "execute_success"
	SignalExecuteFailed  ActionSignal = "execute_failed"
	SignalCollect        ActionSignal = "collect"
)

// AbnormalSignals 异常类信号（会记录周期通知信息）
var AbnormalSignals = map[ActionSignal]bool{
	SignalAbnormal: true,
	SignalNoData:   true,
}

// SignalDisplay 信号的展示名称
var SignalDisplay = map[ActionSignal]string{
	SignalAbnormal:       "告警触发时",
	SignalRecovered:      "告警恢复时",
	SignalClosed:         "告警关闭时",
	SignalAck:            "告警确认时",
	SignalNoData:         "无数据时",
	SignalExecute:        "执行动作时",
	SignalExecuteSuccess: "执行成功时",
	SignalExecuteFailed:  "执行失败时",
	SignalCollect:        "汇总通知",
}

// ActionStatus 处理动作状态
type ActionStatus string

const (
	StatusReceived       ActionStatus = "received"
	StatusRunning        ActionStatus = "running"
	StatusPolling        ActionStatus = "polling"
	StatusConverged      ActionStatus = "converged"
	StatusSkipped        ActionStatus = "skipped"
	StatusShielded       ActionStatus = "shielded"
	StatusSuccess        ActionStatus = "success"
	StatusFailure        ActionStatus = "failure"
	StatusPartialSuccess ActionStatus = "partial_success"
)

// EndStatus 终态集合，进入后状态不再变化
var EndStatus = map[ActionStatus]bool{
	StatusConverged:      true,
	StatusSkipped:        true,
	StatusShielded:       true,
	StatusSuccess:        true,
	StatusFailure:        true,
	StatusPartialSuccess: true,
}

// ProceedStatus 执行中状态集合（超时扫描的对象）
var ProceedStatus = []ActionStatus{StatusReceived, StatusRunning, StatusPolling}

// IgnoreStatus 父任务状态聚合时忽略的子任务状态
var IgnoreStatus = map[ActionStatus]bool{
	StatusConverged: true,
	StatusSkipped:   true,
	StatusShielded:  true,
}

// StatusDisplay 状态的展示名称
var StatusDisplay = map[ActionStatus]string{
	StatusReceived:       "已接收",
	StatusRunning:        "执行中",
	StatusPolling:        "轮询中",
	StatusConverged:      "已收敛",
	StatusSkipped:        "已忽略",
	StatusShielded:       "已屏蔽",
	StatusSuccess:        "成功",
	StatusFailure:        "失败",
	StatusPartialSuccess: "部分成功",
}

// FailureType 失败类型
type FailureType string

const (
	FailureUser      FailureType = "user_abort"
	FailureSystem    FailureType = "system_abort"
	FailureTimeout   FailureType = "timeout"
	FailureFramework FailureType = "framework_code"
)

// NoticeWay 通知方式
const (
	NoticeWayMail    = "mail"
	NoticeWayWeixin  = "weixin"
	NoticeWaySMS     = "sms"
	NoticeWayVoice   = "voice"
	NoticeWayWxBot   = "wxwork-bot"
	NoticeWayBkchat  = "bkchat"
	NoticeWayUser    = "user"
)

// NoticeType 通知配置类型
type NoticeType string

const (
	AlertNotice  NoticeType = "alert_notice"
	ActionNotice NoticeType = "action_notice"
)

// PluginType 处理套餐插件类型
type PluginType string

const (
	PluginNotice       PluginType = "notice"
	PluginWebhook      PluginType = "webhook"
	PluginJob          PluginType = "job"
	PluginSops         PluginType = "sops"
	PluginITSM         PluginType = "itsm"
	PluginCommon       PluginType = "common"
	PluginMessageQueue PluginType = "message_queue"
)

// ConvergeFunc 收敛函数
type ConvergeFunc string

const (
	ConvergeCollect         ConvergeFunc = "collect"
	ConvergeCollectAlarm    ConvergeFunc = "collect_alarm"
	ConvergeSkipWhenSuccess ConvergeFunc = "skip_when_success"
	ConvergeSkipWhenProceed ConvergeFunc = "skip_when_proceed"
	ConvergeDefense         ConvergeFunc = "defense"
	ConvergeTrigger         ConvergeFunc = "trigger"
)

// ConvergeType 收敛对象类型
type ConvergeType string

const (
	ConvergeTypeAction   ConvergeType = "action"
	ConvergeTypeConverge ConvergeType = "converge"
)

// ConvergeStatus 收敛关联状态
type ConvergeStatus string

const (
	ConvergeExecuted ConvergeStatus = "executed"
	ConvergeSkipped  ConvergeStatus = "skipped"
)

// EventStatus 告警状态（外部告警存储的快照字段）
const (
	EventAbnormal  = "ABNORMAL"
	EventRecovered = "RECOVERED"
	EventClosed    = "CLOSED"
)

// 告警级别，数值越小级别越高
const (
	SeverityFatal  = 1
	SeverityWarn   = 2
	SeverityRemind = 3
)

// IntervalNotifyMode 周期通知间隔模式
type IntervalNotifyMode string

const (
	IntervalModeStandard   IntervalNotifyMode = "standard"
	IntervalModeIncreasing IntervalNotifyMode = "increasing"
)

// DoubleCheckTag 二次确认标记，命中时不允许电话通知
const DoubleCheckTag = "SUSPECTED_MISSING_POINTS"
