package notice

import (
	"context"

	"github.com/TencentBlueKing/bk-monitor-sub002/internal/models"
)

// Message 一次投递的完整内容
type Message struct {
	Signal       models.ActionSignal
	NoticeWay    string
	Receivers    []string
	Title        string
	Content      string
	MentionUsers []string
}

// Result 单个接收人的投递结果
type Result struct {
	Receiver    string              `json:"receiver"`
	OK          bool                `json:"result"`
	Message     string              `json:"message,omitempty"`
	FailureType models.FailureType  `json:"failure_type,omitempty"`
}

// Sender 渠道发送器，按接收人返回投递结果。
// 发送器自身不抛错，投递失败以 Result 形式体现。
type Sender interface {
	Send(ctx context.Context, msg *Message) []Result
}

// worstFailure 取结果集中最严重的失败类型
func worstFailure(results []Result) models.FailureType {
	worst := models.FailureType("")
	for _, r := range results {
		if r.OK {
			continue
		}
		switch r.FailureType {
		case models.FailureTimeout:
			return models.FailureTimeout
		case models.FailureSystem:
			worst = models.FailureSystem
		case models.FailureUser:
			if worst == "" {
				worst = models.FailureUser
			}
		default:
			if worst == "" {
				worst = models.FailureSystem
			}
		}
	}
	return worst
}
