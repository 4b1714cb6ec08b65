package models

// ActionPlugin 处理套餐插件定义
type ActionPlugin struct {
	ID         int64        `json:"id"`
	PluginKey  string       `json:"plugin_key"`
	PluginType PluginType   `json:"plugin_type"`
	Name       string       `json:"name"`
	IsEnabled  bool         `json:"is_enabled"`
	Backend    BackendConfig `json:"backend_config"`
}

// BackendConfig 插件的执行步骤编排（有序）
type BackendConfig struct {
	Steps []FunctionStep `json:"function_steps"`
	// 整体结束判定（如标准运维的流程态）
	NodeFinishedRule *BusinessRule `json:"node_finished_rule,omitempty"`
}

// FunctionStep 插件的一个函数步骤
type FunctionStep struct {
	Function        string            `json:"function"` // create_task / schedule / start_task / execute_notify / execute_webhook
	Name            string            `json:"name,omitempty"`
	InputBindings   []Binding         `json:"inputs,omitempty"`
	OutputBindings  []Binding         `json:"outputs,omitempty"`
	NextFunction    string            `json:"next_function,omitempty"`
	NeedSchedule    bool              `json:"need_schedule,omitempty"`
	ScheduleTimedelta int64           `json:"schedule_timedelta,omitempty"` // 分钟
	FinishedRule    *BusinessRule     `json:"finished_rule,omitempty"`
	SuccessRule     *BusinessRule     `json:"success_rule,omitempty"`
	NeedInsertLog   bool              `json:"need_insert_log,omitempty"`
	LogTemplate     string            `json:"log_template,omitempty"`
	FailedRetry     *FailedRetry      `json:"failed_retry,omitempty"`
}

// Binding 输入输出绑定，表达式为 jmespath，format=template 时按模板渲染
type Binding struct {
	Key    string `json:"key"`
	Value  string `json:"value"`
	Format string `json:"format,omitempty"` // "" (jmespath) | "template"
}

// BusinessRule 结束/成功判定规则
type BusinessRule struct {
	Key    string      `json:"key"` // jmespath 表达式
	Method string      `json:"method"`
	Value  interface{} `json:"value"`
}

// 判定规则支持的比较方法
const (
	RuleMethodEq    = "eq"
	RuleMethodNeq   = "neq"
	RuleMethodIn    = "in"
	RuleMethodNotIn = "not_in"
	RuleMethodGt    = "gt"
	RuleMethodGte   = "gte"
	RuleMethodLt    = "lt"
	RuleMethodLte   = "lte"
)
