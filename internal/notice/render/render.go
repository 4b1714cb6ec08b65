package render

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
	"time"

	"go.uber.org/zap"

	"github.com/TencentBlueKing/bk-monitor-sub002/internal/models"
)

// 模板渲染失败时附加在正文前的提示行
const fallbackNotice = "（通知模板渲染失败，已使用默认模板）"

// 相关信息的截断上限（字节），超出部分以省略号收尾
const relatedInfoLimit = 297

// Context 渲染上下文，创建动作时一次性求值
type Context struct {
	Title    string
	Alarm    AlarmContext
	Content  map[string]string
	Business BusinessContext
	Action   ActionContext
}

// AlarmContext 告警渲染变量
type AlarmContext struct {
	ID           string
	Name         string
	Level        int
	LevelDisplay string
	Status       string
	BeginTime    string
	Duration     string
	Dimensions   string
	Target       string
	RelatedInfo  string
}

// BusinessContext 业务渲染变量
type BusinessContext struct {
	ID   int64
	Name string
}

// ActionContext 动作渲染变量
type ActionContext struct {
	Name         string
	Signal       string
	PluginType   string
	ExecuteTimes int
}

// Renderer 通知内容渲染器，按 (信号, 渠道) 选取模板
type Renderer struct {
	smsLength  int
	channelCap map[string]int
	datetime   string
	logger     *zap.Logger
}

// NewRenderer 创建渲染器
func NewRenderer(smsLength int, channelCap map[string]int, datetimeFormat string, logger *zap.Logger) *Renderer {
	if datetimeFormat == "" {
		datetimeFormat = "2006-01-02 15:04:05"
	}
	return &Renderer{
		smsLength:  smsLength,
		channelCap: channelCap,
		datetime:   datetimeFormat,
		logger:     logger,
	}
}

// 默认模板，用户模板渲染失败时兜底
const builtinTemplate = `{{.Title}}
告警名称：{{.Alarm.Name}}
告警级别：{{.Alarm.LevelDisplay}}
首次异常：{{.Alarm.BeginTime}}
持续时间：{{.Alarm.Duration}}
告警内容：{{.Alarm.Dimensions}}`

// Render 渲染通知正文。用户模板渲染失败时回退默认模板并附加提示行。
func (r *Renderer) Render(userTemplate string, ctx *Context) string {
	if userTemplate != "" {
		body, err := renderTemplate(userTemplate, ctx)
		if err == nil {
			return body
		}
		r.logger.Warn("通知模板渲染失败，使用默认模板",
			zap.String("alert_id", ctx.Alarm.ID),
			zap.Error(err),
		)
	}

	body, err := renderTemplate(builtinTemplate, ctx)
	if err != nil {
		// 默认模板不含用户输入，正常不会走到这里
		return ctx.Title
	}
	if userTemplate != "" {
		return fallbackNotice + "\n" + body
	}
	return body
}

// RenderFor 按渠道渲染并裁剪到渠道长度上限
func (r *Renderer) RenderFor(noticeWay, userTemplate string, ctx *Context) string {
	body := r.Render(userTemplate, ctx)
	switch noticeWay {
	case models.NoticeWaySMS:
		return TruncateBytes(body, r.smsLength)
	default:
		if cap, ok := r.channelCap[noticeWay]; ok && cap > 0 {
			return TruncateBytes(body, cap)
		}
	}
	return body
}

// RelatedInfo 相关信息裁剪，超长时以 "..." 收尾
func RelatedInfo(info string) string {
	if len(info) <= relatedInfoLimit {
		return info
	}
	return TruncateBytes(info, relatedInfoLimit) + "..."
}

func renderTemplate(tpl string, ctx *Context) (string, error) {
	parsed, err := template.New("notice").Option("missingkey=zero").Parse(tpl)
	if err != nil {
		return "", fmt.Errorf("failed to parse template: %w", err)
	}
	var buf bytes.Buffer
	if err := parsed.Execute(&buf, ctx); err != nil {
		return "", fmt.Errorf("failed to execute template: %w", err)
	}
	return buf.String(), nil
}

// TruncateBytes 按字节数裁剪，保证不截断 UTF-8 码点
func TruncateBytes(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	cut := limit
	// 回退到码点起始字节（非 0b10xxxxxx）
	for cut > 0 && s[cut]&0xC0 == 0x80 {
		cut--
	}
	return s[:cut]
}

// SplitLines 按字节上限分片，分片边界优先落在换行处。
// 机器人渠道的超长消息以多条"布局"发送时使用。
func SplitLines(s string, limit int) []string {
	if limit <= 0 || len(s) <= limit {
		return []string{s}
	}
	var parts []string
	for len(s) > limit {
		chunk := TruncateBytes(s, limit)
		if idx := strings.LastIndexByte(chunk, '\n'); idx > 0 {
			chunk = chunk[:idx]
			s = s[idx+1:]
		} else {
			s = s[len(chunk):]
		}
		parts = append(parts, chunk)
	}
	if s != "" {
		parts = append(parts, s)
	}
	return parts
}

// BuildContext 由告警和动作拼装渲染上下文
func (r *Renderer) BuildContext(alert *models.Alert, action *models.ActionInstance, bizName string) *Context {
	levelDisplay := map[int]string{
		models.SeverityFatal:  "致命",
		models.SeverityWarn:   "预警",
		models.SeverityRemind: "提醒",
	}[alert.Severity]

	dims := make([]string, 0, len(alert.Dimensions))
	for _, d := range alert.Dimensions {
		key := d.DisplayKey
		if key == "" {
			key = d.Key
		}
		value := d.DisplayValue
		if value == "" {
			value = d.Value
		}
		dims = append(dims, key+"="+value)
	}

	target := ""
	if alert.Target != nil {
		target = alert.Target.IP
	}

	ctx := &Context{
		Title: fmt.Sprintf("【%s】%s", levelDisplay, alert.AlertName),
		Alarm: AlarmContext{
			ID:           alert.ID,
			Name:         alert.AlertName,
			Level:        alert.Severity,
			LevelDisplay: levelDisplay,
			Status:       alert.Status,
			BeginTime:    time.Unix(alert.BeginTime, 0).Format(r.datetime),
			Duration:     formatDuration(alert.Duration),
			Dimensions:   strings.Join(dims, ","),
			Target:       target,
		},
		Business: BusinessContext{ID: alert.BizID, Name: bizName},
	}
	if action != nil {
		ctx.Action = ActionContext{
			Signal:       string(action.Signal),
			PluginType:   string(action.PluginType),
			ExecuteTimes: action.ExecuteTimes,
		}
	}
	return ctx
}

func formatDuration(seconds int64) string {
	if seconds < 60 {
		return fmt.Sprintf("%d秒", seconds)
	}
	if seconds < 3600 {
		return fmt.Sprintf("%d分钟", seconds/60)
	}
	return fmt.Sprintf("%d小时%d分钟", seconds/3600, seconds%3600/60)
}
