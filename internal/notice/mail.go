package notice

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/gomail.v2"

	"github.com/TencentBlueKing/bk-monitor-sub002/internal/models"
)

// MailSender SMTP 邮件发送器
type MailSender struct {
	dialer *gomail.Dialer
	from   string
	domain string
	logger *zap.Logger
}

// NewMailSender 创建邮件发送器。domain 为用户名补全后缀，
// 接收人不带 @ 时补全为 user@domain。
func NewMailSender(host string, port int, username, password, from, domain string, logger *zap.Logger) *MailSender {
	return &MailSender{
		dialer: gomail.NewDialer(host, port, username, password),
		from:   from,
		domain: domain,
		logger: logger,
	}
}

// Send 逐个接收人投递，单个失败不影响其他接收人
func (s *MailSender) Send(ctx context.Context, msg *Message) []Result {
	results := make([]Result, 0, len(msg.Receivers))
	for _, receiver := range msg.Receivers {
		addr, err := s.resolveAddress(receiver)
		if err != nil {
			results = append(results, Result{
				Receiver:    receiver,
				Message:     err.Error(),
				FailureType: models.FailureUser,
			})
			continue
		}

		m := gomail.NewMessage()
		m.SetHeader("From", s.from)
		m.SetHeader("To", addr)
		m.SetHeader("Subject", msg.Title)
		m.SetBody("text/html", msg.Content)

		if err := s.dialer.DialAndSend(m); err != nil {
			s.logger.Warn("邮件发送失败",
				zap.String("receiver", receiver),
				zap.Error(err),
			)
			results = append(results, Result{
				Receiver:    receiver,
				Message:     err.Error(),
				FailureType: models.FailureSystem,
			})
			continue
		}
		results = append(results, Result{Receiver: receiver, OK: true})
	}
	return results
}

func (s *MailSender) resolveAddress(receiver string) (string, error) {
	receiver = strings.TrimSpace(receiver)
	if receiver == "" {
		return "", fmt.Errorf("empty mail receiver")
	}
	if strings.Contains(receiver, "@") {
		return receiver, nil
	}
	if s.domain == "" {
		return "", fmt.Errorf("receiver %s has no mail domain", receiver)
	}
	return receiver + "@" + s.domain, nil
}
